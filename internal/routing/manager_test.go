// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package routing

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/addr"
	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/ifreg"
	"grimm.is/flywall/internal/kernel"
	"grimm.is/flywall/internal/mbox"
	"grimm.is/flywall/internal/pconfig"
	"grimm.is/flywall/internal/querier"
	"grimm.is/flywall/internal/timing"
	"grimm.is/flywall/internal/wire"
)

// fakeSched hands out monotonically increasing handles without firing
// them, satisfying both routing.Scheduler and querier.Scheduler (same
// Schedule/Cancel shape), mirroring instance.Scheduler's mailbox adapter.
type fakeSched struct {
	mu   sync.Mutex
	next timing.Handle
}

func (f *fakeSched) Schedule(_ time.Duration, build func(timing.Handle) mbox.Message) timing.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	h := f.next
	_ = build(h)
	return h
}

func (f *fakeSched) Cancel(timing.Handle) {}

type noopQuerierSender struct{}

func (noopQuerierSender) SendGeneralQuery(int, wire.Protocol, time.Duration) error { return nil }
func (noopQuerierSender) SendGroupQuery(int, wire.Protocol, netip.Addr, time.Duration) error {
	return nil
}
func (noopQuerierSender) SendGroupAndSourceQuery(int, wire.Protocol, netip.Addr, []netip.Addr, time.Duration) error {
	return nil
}

type recordedUpstreamSend struct {
	IfIndex int
	Mode    querier.FilterMode
	Sources []netip.Addr
}

// fakeUpstreamSender is an aggregation.Sender recording what membership
// aggregation tried to report upstream.
type fakeUpstreamSender struct {
	mu   sync.Mutex
	sent []recordedUpstreamSend
}

func (f *fakeUpstreamSender) SendRecord(ifIndex int, _ wire.Protocol, mode querier.FilterMode, _ netip.Addr, sources []netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedUpstreamSend{IfIndex: ifIndex, Mode: mode, Sources: append([]netip.Addr{}, sources...)})
	return nil
}

type harness struct {
	mgr     *Manager
	sock    *kernel.SimMrouteSocket
	vifs    *ifreg.Registry
	down    *Downstream
	downVIF int
	upVIF   int
}

// newHarness wires one downstream ("lan0", ifIndex 2) and one upstream
// ("wan0", ifIndex 3), matching the single-downstream/single-upstream
// shape of spec §8's routing scenarios.
func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMockClock(time.Now())
	sock := kernel.NewSimMrouteSocket(addr.V4, clk)
	vifs := ifreg.New(addr.V4)

	downVIF, err := vifs.Assign(sock, "lan0", 2)
	require.NoError(t, err)
	upVIF, err := vifs.Assign(sock, "wan0", 3)
	require.NoError(t, err)

	data := New()
	mgr := NewManager(data, sock, vifs, wire.IGMPv3, &pconfig.InstanceDefinition{Name: "test"}, &fakeSched{}, clk)
	mgr.AddUpstream(3, "wan0", nil)

	q := querier.New(2, "lan0", wire.IGMPv3, &fakeSched{}, noopQuerierSender{}, mgr)
	down := &Downstream{IfIndex: 2, Name: "lan0", Q: q}
	mgr.AddDownstream(down)

	return &harness{mgr: mgr, sock: sock, vifs: vifs, down: down, downVIF: downVIF, upVIF: upVIF}
}

func routeKey(source, group netip.Addr) string {
	return source.String() + "," + group.String()
}

// spec §8 scenario 4: a new source arrives on the upstream with an
// interested downstream subscription -> an MFIB entry is installed
// forwarding to that downstream's VIF.
func TestNewSourceInstallsRouteForInterestedDownstream(t *testing.T) {
	h := newHarness(t)
	group := netip.MustParseAddr("239.1.2.3")
	source := netip.MustParseAddr("198.51.100.9")

	require.NoError(t, h.down.Q.ProcessRecord(group, wire.ModeIsExclude, nil))
	require.NoError(t, h.mgr.NewSource(3, group, source))

	vifs, ok := h.sock.Routes()[routeKey(source, group)]
	require.True(t, ok)
	require.Equal(t, []int{h.downVIF}, vifs)
}

func TestNewSourceRemovesRouteWhenNoDownstreamInterested(t *testing.T) {
	h := newHarness(t)
	group := netip.MustParseAddr("239.1.2.3")
	source := netip.MustParseAddr("198.51.100.9")

	require.NoError(t, h.mgr.NewSource(3, group, source))

	_, ok := h.sock.Routes()[routeKey(source, group)]
	require.False(t, ok, "INCLUDE({}) on the only downstream admits nobody")
}

// spec §8 scenario 5: a tentatively-installed source that the kernel
// never reports packets for is evicted once its liveness timer fires.
func TestFireNewSourceTimerEvictsIdleSource(t *testing.T) {
	h := newHarness(t)
	group := netip.MustParseAddr("239.1.2.3")
	source := netip.MustParseAddr("198.51.100.9")

	require.NoError(t, h.down.Q.ProcessRecord(group, wire.ModeIsExclude, nil))
	require.NoError(t, h.mgr.NewSource(3, group, source))

	key := sourceKey{group, source}
	handle, ok := h.mgr.newSourceTimers[key]
	require.True(t, ok)

	require.NoError(t, h.mgr.FireNewSourceTimer(handle, NewSourceTimerPayload{Group: group, Source: source}))

	_, stillTimed := h.mgr.newSourceTimers[key]
	require.False(t, stillTimed, "an evicted source's liveness timer entry is dropped")
	_, stillRouted := h.sock.Routes()[routeKey(source, group)]
	require.False(t, stillRouted, "an idle source's MFIB entry is removed")
}

// The "still live -> rearm" branch (manager.go FireNewSourceTimer) is only
// reachable when the kernel's packet counter has actually advanced since
// the last check; SimMrouteSocket.SetPacketCount drives that here.
func TestFireNewSourceTimerRearmsWhenTrafficObserved(t *testing.T) {
	h := newHarness(t)
	group := netip.MustParseAddr("239.1.2.3")
	source := netip.MustParseAddr("198.51.100.9")

	require.NoError(t, h.down.Q.ProcessRecord(group, wire.ModeIsExclude, nil))
	require.NoError(t, h.mgr.NewSource(3, group, source))

	key := sourceKey{group, source}
	firstHandle, ok := h.mgr.newSourceTimers[key]
	require.True(t, ok)

	h.sock.SetPacketCount(source, group, 42, 4096)
	require.NoError(t, h.mgr.FireNewSourceTimer(firstHandle, NewSourceTimerPayload{Group: group, Source: source}))

	secondHandle, stillTimed := h.mgr.newSourceTimers[key]
	require.True(t, stillTimed, "a live source stays tracked")
	require.NotEqual(t, firstHandle, secondHandle, "the liveness timer is rearmed, not reused")

	_, stillRouted := h.sock.Routes()[routeKey(source, group)]
	require.True(t, stillRouted)
}

func TestFireNewSourceTimerIgnoresStaleHandle(t *testing.T) {
	h := newHarness(t)
	group := netip.MustParseAddr("239.1.2.3")
	source := netip.MustParseAddr("198.51.100.9")

	require.NoError(t, h.down.Q.ProcessRecord(group, wire.ModeIsExclude, nil))
	require.NoError(t, h.mgr.NewSource(3, group, source))

	require.NoError(t, h.mgr.FireNewSourceTimer(timing.Handle(999999), NewSourceTimerPayload{Group: group, Source: source}))

	_, stillRouted := h.sock.Routes()[routeKey(source, group)]
	require.True(t, stillRouted, "a stale timer fire must not evict a still-tracked source")
}

// QuerierStateChange (spec §4.8) recomputes every tracked source's MFIB
// entry once a downstream's membership changes.
func TestQuerierStateChangeRemovesRouteWhenDownstreamLeaves(t *testing.T) {
	h := newHarness(t)
	group := netip.MustParseAddr("239.1.2.3")
	source := netip.MustParseAddr("198.51.100.9")

	require.NoError(t, h.down.Q.ProcessRecord(group, wire.ModeIsInclude, []netip.Addr{source}))
	require.NoError(t, h.mgr.NewSource(3, group, source))
	_, ok := h.sock.Routes()[routeKey(source, group)]
	require.True(t, ok)

	gi := h.down.Q.Group(group)
	handle := gi.Include[source]
	require.NoError(t, h.down.Q.FireSourceTimer(handle, group, source))

	_, stillRouted := h.sock.Routes()[routeKey(source, group)]
	require.False(t, stillRouted, "losing the only interested downstream recomputes the route away")
}

// spec §4.8's MUTEX override: a new source triggers re-aggregation
// upstream immediately rather than waiting for the next querier state
// change, since MUTEX partitions specific sources to specific upstreams.
func TestNewSourceWithMutexDisciplineReportsMembershipUpstream(t *testing.T) {
	h := newHarness(t)
	group := netip.MustParseAddr("239.1.2.3")
	source := netip.MustParseAddr("198.51.100.9")

	sender := &fakeUpstreamSender{}
	h.mgr.Discipline = pconfig.MatchMutex
	h.mgr.MutexTimeout = time.Minute

	require.NoError(t, h.down.Q.ProcessRecord(group, wire.ModeIsInclude, []netip.Addr{source}))
	h.mgr.Sender = sender
	require.NoError(t, h.mgr.NewSource(3, group, source))

	require.NotEmpty(t, sender.sent, "MUTEX discipline re-aggregates membership upstream on every new source")
	require.Equal(t, []netip.Addr{source}, sender.sent[0].Sources)
}

func TestNewSourceWithAllDisciplineDoesNotReportUpstreamEagerly(t *testing.T) {
	h := newHarness(t)
	group := netip.MustParseAddr("239.1.2.3")
	source := netip.MustParseAddr("198.51.100.9")

	sender := &fakeUpstreamSender{}

	require.NoError(t, h.down.Q.ProcessRecord(group, wire.ModeIsInclude, []netip.Addr{source}))
	h.mgr.Sender = sender
	require.NoError(t, h.mgr.NewSource(3, group, source))

	require.Empty(t, sender.sent, "only MUTEX re-aggregates eagerly on new_source; ALL/FIRST wait for a querier state change")
}
