// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net/netip"
	"sync"

	"grimm.is/flywall/internal/addr"
	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/wire"
)

// SimMrouteSocket is a stateful in-memory multicast routing table used on
// non-Linux hosts and in tests, replacing the teacher's conntrack-replay
// SimKernel with an equivalent VIF/MFC bookkeeping store.
type SimMrouteSocket struct {
	mu      sync.RWMutex
	family  addr.Family
	table   int
	mrtOn   bool
	vifs    map[int]int // vifIndex -> ifIndex
	routes  map[mrouteKey][]int
	stats   map[mrouteKey]MRouteStats
	clk     clock.Clock
	closed  bool
	upcalls chan wire.CacheMiss
	once    sync.Once
}

type mrouteKey struct {
	source, group netip.Addr
}

// NewSimMrouteSocket creates an in-memory MrouteSocket for fam.
func NewSimMrouteSocket(fam addr.Family, clk clock.Clock) *SimMrouteSocket {
	return &SimMrouteSocket{
		family:  fam,
		vifs:    map[int]int{},
		routes:  map[mrouteKey][]int{},
		stats:   map[mrouteKey]MRouteStats{},
		clk:     clk,
		upcalls: make(chan wire.CacheMiss, 64),
	}
}

// InjectUpcall feeds a synthetic cache-miss upcall to a pending or future
// ReadUpcall call, for tests exercising event_new_source without a real
// kernel.
func (s *SimMrouteSocket) InjectUpcall(cm wire.CacheMiss) {
	s.upcalls <- cm
}

// ReadUpcall implements kernel.UpcallReader by blocking on the injected
// upcall channel until one is available or the socket is closed.
func (s *SimMrouteSocket) ReadUpcall() (wire.CacheMiss, error) {
	cm, ok := <-s.upcalls
	if !ok {
		return wire.CacheMiss{}, errors.New(errors.KindUnavailable, "sim mroute socket closed")
	}
	return cm, nil
}

func (s *SimMrouteSocket) SetTable(table int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = table
	return nil
}

func (s *SimMrouteSocket) SetMRTFlag(enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mrtOn = enable
	return nil
}

func (s *SimMrouteSocket) AddVIF(vifIndex, ifIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vifIndex < 0 || vifIndex >= MaxVIFs {
		return errors.Errorf(errors.KindKernel, "vif index %d out of range", vifIndex)
	}
	s.vifs[vifIndex] = ifIndex
	return nil
}

func (s *SimMrouteSocket) DelVIF(vifIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vifs, vifIndex)
	return nil
}

func (s *SimMrouteSocket) AddMRoute(inputVIF int, source, group netip.Addr, outputVIFs []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[mrouteKey{source, group}] = append([]int(nil), outputVIFs...)
	return nil
}

func (s *SimMrouteSocket) DelMRoute(source, group netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, mrouteKey{source, group})
	return nil
}

func (s *SimMrouteSocket) GetVIFStats(vifIndex int) (VIFStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.vifs[vifIndex]; !ok {
		return VIFStats{}, errors.Errorf(errors.KindNotFound, "vif %d not registered", vifIndex)
	}
	return VIFStats{}, nil
}

func (s *SimMrouteSocket) GetMRouteStats(source, group netip.Addr) (MRouteStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.routes[mrouteKey{source, group}]; !ok {
		return MRouteStats{}, errors.Errorf(errors.KindNotFound, "no mroute entry for %s,%s", source, group)
	}
	return s.stats[mrouteKey{source, group}], nil
}

// SetPacketCount sets the simulated forwarding counter for (source,
// group), standing in for kernel-side traffic on a LinuxMrouteSocket's
// SIOCGETSGCNT ioctl. Tests use this to drive
// routing.Data.RefreshOrDeleteIfUnused's "still live -> rearm" branch
// (spec §4.7/§4.8) by incrementing the count between liveness checks.
func (s *SimMrouteSocket) SetPacketCount(source, group netip.Addr, packets, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[mrouteKey{source, group}] = MRouteStats{Packets: packets, Bytes: bytes}
}

func (s *SimMrouteSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.upcalls) })
	return nil
}

// Routes returns a snapshot of the currently installed forwarding table,
// for test assertions.
func (s *SimMrouteSocket) Routes() map[string][]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]int, len(s.routes))
	for k, v := range s.routes {
		out[k.source.String()+","+k.group.String()] = v
	}
	return out
}

// SimInterfaceRegistry is a fixed, caller-populated interface table for
// tests, standing in for LinuxInterfaceRegistry's netlink calls.
type SimInterfaceRegistry struct {
	mu      sync.RWMutex
	byName  map[string]int
	byIndex map[int]string
	running map[string]bool
	addrs   map[string][]netip.Addr
}

func NewSimInterfaceRegistry() *SimInterfaceRegistry {
	return &SimInterfaceRegistry{
		byName:  map[string]int{},
		byIndex: map[int]string{},
		running: map[string]bool{},
		addrs:   map[string][]netip.Addr{},
	}
}

// AddInterface registers a simulated interface.
func (r *SimInterfaceRegistry) AddInterface(name string, index int, running bool, addrs ...netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = index
	r.byIndex[index] = name
	r.running[name] = running
	r.addrs[name] = addrs
}

func (r *SimInterfaceRegistry) InterfaceIndex(name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byName[name]
	if !ok {
		return 0, errors.Errorf(errors.KindNotFound, "interface %q not found", name)
	}
	return idx, nil
}

func (r *SimInterfaceRegistry) InterfaceName(index int) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byIndex[index]
	if !ok {
		return "", errors.Errorf(errors.KindNotFound, "interface index %d not found", index)
	}
	return name, nil
}

func (r *SimInterfaceRegistry) IsRunning(name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	running, ok := r.running[name]
	if !ok {
		return false, errors.Errorf(errors.KindNotFound, "interface %q not found", name)
	}
	return running, nil
}

func (r *SimInterfaceRegistry) Addresses(name string) ([]netip.Addr, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs, ok := r.addrs[name]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "interface %q not found", name)
	}
	return addrs, nil
}

// IsLoopback always reports false: no test in this tree simulates a
// loopback interface as an upstream/downstream.
func (r *SimInterfaceRegistry) IsLoopback(name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.running[name]; !ok {
		return false, errors.Errorf(errors.KindNotFound, "interface %q not found", name)
	}
	return false, nil
}

// IsPointToPoint always reports false: point-to-point simulation isn't
// exercised by this tree's tests.
func (r *SimInterfaceRegistry) IsPointToPoint(name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.running[name]; !ok {
		return false, errors.Errorf(errors.KindNotFound, "interface %q not found", name)
	}
	return false, nil
}

// SimRPFilter is an in-memory rp_filter table for tests.
type SimRPFilter struct {
	mu    sync.Mutex
	modes map[string]int
}

func NewSimRPFilter() *SimRPFilter {
	return &SimRPFilter{modes: map[string]int{}}
}

func (r *SimRPFilter) Get(ifName string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.modes[ifName], nil
}

func (r *SimRPFilter) Set(ifName string, mode int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[ifName] = mode
	return nil
}
