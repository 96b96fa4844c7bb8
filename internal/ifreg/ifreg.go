// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ifreg maintains the bijection between OS network interface
// indices and the small per-family virtual-interface numbers
// (0..MaxVIFs-1 for IPv4, 0..MaxMIFs-1 for IPv6) that the kernel's
// multicast routing API addresses interfaces by. Grounded in
// _examples/original_source/mcproxy/src/proxy/interfaces.cpp, which
// keeps an equivalent if_index <-> vif_index table per routing table
// number (spec §6, §3).
package ifreg

import (
	"sync"

	"grimm.is/flywall/internal/addr"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/kernel"
)

// Registry assigns and tracks virtual-interface numbers for one address
// family within one kernel routing table.
type Registry struct {
	mu       sync.RWMutex
	fam      addr.Family
	max      int
	ifNames  map[string]int // OS interface name -> vif index
	ifIdx    map[int]int    // OS interface index -> vif index
	vifIf    map[int]int    // vif index -> OS interface index
	vifOwner map[int]string // vif index -> OS interface name
	next     int
}

// New creates a Registry for fam. IPv4 uses kernel.MaxVIFs slots; IPv6
// uses kernel.MaxMIFs.
func New(fam addr.Family) *Registry {
	max := kernel.MaxVIFs
	if fam == addr.V6 {
		max = kernel.MaxMIFs
	}
	return &Registry{
		fam:      fam,
		max:      max,
		ifNames:  map[string]int{},
		ifIdx:    map[int]int{},
		vifIf:    map[int]int{},
		vifOwner: map[int]string{},
	}
}

// Assign allocates the next free VIF/MIF slot for the named interface at
// OS index ifIndex, registers it on sock, and returns the assigned slot.
// Returns an error if every slot is in use (spec §6 MAXVIF/MAXMIF
// exhaustion) or the interface is already registered.
func (r *Registry) Assign(sock kernel.MrouteSocket, name string, ifIndex int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ifNames[name]; ok {
		return 0, errors.Errorf(errors.KindConflict, "interface %q already registered", name)
	}
	slot := -1
	for i := 0; i < r.max; i++ {
		if _, used := r.vifOwner[i]; !used {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, errors.Errorf(errors.KindKernel, "no free virtual interface slots (max %d)", r.max)
	}
	if err := sock.AddVIF(slot, ifIndex); err != nil {
		return 0, err
	}
	r.ifNames[name] = slot
	r.ifIdx[ifIndex] = slot
	r.vifIf[slot] = ifIndex
	r.vifOwner[slot] = name
	return slot, nil
}

// Release frees the VIF/MIF slot owned by the named interface.
func (r *Registry) Release(sock kernel.MrouteSocket, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.ifNames[name]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "interface %q not registered", name)
	}
	if err := sock.DelVIF(slot); err != nil {
		return err
	}
	delete(r.ifNames, name)
	for idx, s := range r.ifIdx {
		if s == slot {
			delete(r.ifIdx, idx)
		}
	}
	delete(r.vifIf, slot)
	delete(r.vifOwner, slot)
	return nil
}

// VIFFor returns the virtual-interface slot for a registered interface
// name.
func (r *Registry) VIFFor(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.ifNames[name]
	return slot, ok
}

// VIFForIndex returns the virtual-interface slot for an OS interface
// index, used when resolving a kernel cache-miss upcall's InputVIF field
// back to a vif (it already is one) or, conversely, an OS ifindex
// observed elsewhere (e.g. netlink link-state events) to its vif.
func (r *Registry) VIFForIndex(ifIndex int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.ifIdx[ifIndex]
	return slot, ok
}

// NameForVIF reverses VIFFor, used when logging or reporting kernel
// cache-miss events by interface name.
func (r *Registry) NameForVIF(vif int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.vifOwner[vif]
	return name, ok
}

// IfIndexForVIF reverses VIFForIndex, used to translate a kernel cache-miss
// upcall's InputVIF field back to the OS interface index the receiver and
// routing manager operate in terms of.
func (r *Registry) IfIndexForVIF(vif int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.vifIf[vif]
	return idx, ok
}

// Registered reports whether name currently holds a VIF/MIF slot.
func (r *Registry) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ifNames[name]
	return ok
}

// Len returns the number of currently assigned slots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vifOwner)
}
