// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package routing implements spec §4.7 (routing data: the dynamic
// (group -> sources, input-interface-map) cache derived from kernel
// cache-miss events) and §4.8 (routing management: the event hub that
// computes interested-interface sets and installs/removes MFIB entries).
// Grounded in
// _examples/original_source/mcproxy/src/proxy/{simple_routing_data,simple_mc_proxy_routing}.cpp.
package routing

import (
	"net/netip"
	"sync"

	"grimm.is/flywall/internal/kernel"
)

// Source is one dynamically discovered (group, source) pair's routing
// state. LastPacketCount is the kernel's packet counter for this
// (source,group) observed at the last liveness refresh - spec §9's Open
// Question resolution: this field is kept distinct from the querier
// side's per-source retransmission counter (querier.GroupInfo doesn't
// reuse it for two roles, unlike the original's `source::retransmission_count`).
type Source struct {
	Addr            netip.Addr
	InputIfIndex    int
	LastPacketCount uint64
}

type groupEntry struct {
	sources  map[netip.Addr]*Source
	ifaceMap map[netip.Addr]int // source addr -> input vif index
}

// Data is the per-proxy-instance (group -> sources, input-interface-map)
// cache (spec §3 RoutingData).
type Data struct {
	mu     sync.RWMutex
	groups map[netip.Addr]*groupEntry
}

// New creates an empty routing Data cache.
func New() *Data {
	return &Data{groups: map[netip.Addr]*groupEntry{}}
}

func (d *Data) entry(group netip.Addr) *groupEntry {
	ge, ok := d.groups[group]
	if !ok {
		ge = &groupEntry{sources: map[netip.Addr]*Source{}, ifaceMap: map[netip.Addr]int{}}
		d.groups[group] = ge
	}
	return ge
}

// SetSource adds or refreshes a (group,source) entry observed arriving on
// inputIfIndex (spec §4.7 set_source). On refresh it stamps
// LastPacketCount from the kernel's current counter for this pair so the
// next liveness check has a baseline to compare against.
func (d *Data) SetSource(sock kernel.MrouteSocket, inputIfIndex int, group, source netip.Addr) *Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	ge := d.entry(group)
	s, ok := ge.sources[source]
	if !ok {
		s = &Source{Addr: source, InputIfIndex: inputIfIndex}
		ge.sources[source] = s
	}
	s.InputIfIndex = inputIfIndex
	ge.ifaceMap[source] = inputIfIndex
	if sock != nil {
		if stats, err := sock.GetMRouteStats(source, group); err == nil {
			s.LastPacketCount = stats.Packets
		}
	}
	return s
}

// RefreshOrDeleteIfUnused reads the kernel's current packet counter for
// (source,group); if it has not advanced since the last refresh the
// source is idle and removed (spec §4.7
// refresh_source_or_del_if_unused), returning false. If it has advanced,
// the counter baseline is updated and true is returned.
func (d *Data) RefreshOrDeleteIfUnused(sock kernel.MrouteSocket, group, source netip.Addr) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ge, ok := d.groups[group]
	if !ok {
		return false, nil
	}
	s, ok := ge.sources[source]
	if !ok {
		return false, nil
	}
	stats, err := sock.GetMRouteStats(source, group)
	if err != nil {
		return false, err
	}
	if stats.Packets <= s.LastPacketCount {
		delete(ge.sources, source)
		delete(ge.ifaceMap, source)
		if len(ge.sources) == 0 {
			delete(d.groups, group)
		}
		return false, nil
	}
	s.LastPacketCount = stats.Packets
	return true, nil
}

// GetAvailableSources returns the sources currently tracked for group.
func (d *Data) GetAvailableSources(group netip.Addr) []netip.Addr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ge, ok := d.groups[group]
	if !ok {
		return nil
	}
	out := make([]netip.Addr, 0, len(ge.sources))
	for a := range ge.sources {
		out = append(out, a)
	}
	return out
}

// GetInterfaceMap returns the source->input-vif mapping for group.
func (d *Data) GetInterfaceMap(group netip.Addr) map[netip.Addr]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ge, ok := d.groups[group]
	if !ok {
		return nil
	}
	out := make(map[netip.Addr]int, len(ge.ifaceMap))
	for k, v := range ge.ifaceMap {
		out[k] = v
	}
	return out
}

// InputIfIndex returns the recorded input interface for (group,source).
func (d *Data) InputIfIndex(group, source netip.Addr) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ge, ok := d.groups[group]
	if !ok {
		return 0, false
	}
	idx, ok := ge.ifaceMap[source]
	return idx, ok
}

// Remove drops a single (group,source) entry unconditionally, without
// consulting the kernel packet counter as RefreshOrDeleteIfUnused does.
func (d *Data) Remove(group, source netip.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ge, ok := d.groups[group]
	if !ok {
		return
	}
	delete(ge.sources, source)
	delete(ge.ifaceMap, source)
	if len(ge.sources) == 0 {
		delete(d.groups, group)
	}
}

// Groups returns every group this cache currently tracks, for the
// debug/status snapshot (spec §4.10 supplemented feature).
func (d *Data) Groups() []netip.Addr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]netip.Addr, 0, len(d.groups))
	for g := range d.groups {
		out = append(out, g)
	}
	return out
}
