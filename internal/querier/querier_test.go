// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package querier

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/mbox"
	"grimm.is/flywall/internal/timing"
	"grimm.is/flywall/internal/wire"
)

// fakeScheduler stands in for the instance's timing.Service-backed
// Scheduler: it hands out monotonically increasing handles without ever
// firing them, so tests drive timer expiry explicitly by calling the
// Fire* methods with the handle captured from the querier's own state.
type fakeScheduler struct {
	mu        sync.Mutex
	next      timing.Handle
	cancelled map[timing.Handle]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{cancelled: map[timing.Handle]bool{}}
}

func (f *fakeScheduler) Schedule(_ time.Duration, build func(timing.Handle) mbox.Message) timing.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	h := f.next
	_ = build(h)
	return h
}

func (f *fakeScheduler) Cancel(h timing.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[h] = true
}

type sourceQueryCall struct {
	Group   netip.Addr
	Sources []netip.Addr
}

// fakeSender records every query a Querier asks to send instead of
// putting bytes on a socket.
type fakeSender struct {
	mu             sync.Mutex
	generalQueries int
	groupQueries   []netip.Addr
	sourceQueries  []sourceQueryCall
}

func (f *fakeSender) SendGeneralQuery(int, wire.Protocol, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generalQueries++
	return nil
}

func (f *fakeSender) SendGroupQuery(_ int, _ wire.Protocol, group netip.Addr, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupQueries = append(f.groupQueries, group)
	return nil
}

func (f *fakeSender) SendGroupAndSourceQuery(_ int, _ wire.Protocol, group netip.Addr, sources []netip.Addr, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]netip.Addr{}, sources...)
	f.sourceQueries = append(f.sourceQueries, sourceQueryCall{Group: group, Sources: cp})
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeNotifier) QuerierStateChange(int, netip.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func newTestQuerier(t *testing.T, proto wire.Protocol) (*Querier, *fakeScheduler, *fakeSender, *fakeNotifier) {
	t.Helper()
	sched := newFakeScheduler()
	snd := &fakeSender{}
	notify := &fakeNotifier{}
	q := New(2, "lan0", proto, sched, snd, notify)
	return q, sched, snd, notify
}

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParseAddr(s)
	}
	return out
}

// --- RFC 3376 Table 1 (current state INCLUDE(A)) ---

func TestProcessRecordIncludeAllowAddsSourcesWithMALI(t *testing.T) {
	q, _, _, _ := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.1.1.1")
	s1, s2 := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")

	require.NoError(t, q.ProcessRecord(group, wire.ModeIsInclude, addrs("10.0.0.1")))
	gi := q.Group(group)
	require.Equal(t, Include, gi.FilterMode)
	require.Contains(t, gi.Include, s1)

	require.NoError(t, q.ProcessRecord(group, wire.AllowNewSources, addrs("10.0.0.2")))
	require.Contains(t, gi.Include, s1)
	require.Contains(t, gi.Include, s2)
}

func TestProcessRecordIncludeBlockLeavesMembershipUnchangedButQueries(t *testing.T) {
	q, _, snd, _ := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.1.1.1")
	s1 := netip.MustParseAddr("10.0.0.1")

	require.NoError(t, q.ProcessRecord(group, wire.ModeIsInclude, addrs("10.0.0.1")))
	require.NoError(t, q.ProcessRecord(group, wire.BlockOldSources, addrs("10.0.0.1", "10.0.0.9")))

	gi := q.Group(group)
	require.Contains(t, gi.Include, s1, "BLOCK(B) keeps INCLUDE(A) unchanged")
	require.Len(t, snd.sourceQueries, 1, "BLOCK sends a G&S query on A*B")
	require.Equal(t, addrs("10.0.0.1"), snd.sourceQueries[0].Sources)
}

func TestProcessRecordIncludeToIncludeUnionsAndQueriesDropped(t *testing.T) {
	q, _, snd, _ := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.1.1.1")
	s1, s2 := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")

	require.NoError(t, q.ProcessRecord(group, wire.ModeIsInclude, addrs("10.0.0.1")))
	require.NoError(t, q.ProcessRecord(group, wire.ChangeToIncludeMode, addrs("10.0.0.2")))

	gi := q.Group(group)
	require.Contains(t, gi.Include, s1)
	require.Contains(t, gi.Include, s2)
	require.Len(t, snd.sourceQueries, 1, "TO_IN(B) queries A-B")
	require.Equal(t, addrs("10.0.0.1"), snd.sourceQueries[0].Sources)
}

func TestProcessRecordIncludeToExcludeSwitchesMode(t *testing.T) {
	q, _, snd, _ := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.1.1.1")
	s2, s3 := netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.3")

	require.NoError(t, q.ProcessRecord(group, wire.ModeIsInclude, addrs("10.0.0.1", "10.0.0.2")))
	require.NoError(t, q.ProcessRecord(group, wire.ChangeToExcludeMode, addrs("10.0.0.2", "10.0.0.3")))

	gi := q.Group(group)
	require.Equal(t, Exclude, gi.FilterMode)
	require.Contains(t, gi.Include, s2, "new INCLUDE part is A*B")
	require.Len(t, gi.Include, 1)
	require.Contains(t, gi.Exclude, s3, "new EXCLUDE part is B-A")
	require.NotZero(t, gi.FilterTimer)
	require.Len(t, snd.sourceQueries, 1, "TO_EX sends a G&S query on A*B")
}

// --- RFC 3376 Table 2 (current state EXCLUDE(X,Y)) ---

func TestProcessRecordExcludeToIncludeTriggersLastMemberQueryThenDeletesGroup(t *testing.T) {
	// spec §8 scenario 2: TO_EX({}) -> EXCLUDE({}) then TO_IN({}) after
	// LLQT -> group deleted.
	q, _, snd, notify := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.5.5.5")

	require.NoError(t, q.ProcessRecord(group, wire.ChangeToExcludeMode, nil))
	gi := q.Group(group)
	require.Equal(t, Exclude, gi.FilterMode)
	require.Empty(t, gi.Include)
	require.Empty(t, gi.Exclude)
	filterTimer := gi.FilterTimer
	require.NotZero(t, filterTimer)

	require.NoError(t, q.ProcessRecord(group, wire.ChangeToIncludeMode, nil))
	require.Len(t, snd.groupQueries, 1, "TO_IN({}) on EXCLUDE triggers a last-member Q(G)")

	// The group record's filter timer was rearmed to LLQT by the
	// last-member query; firing the (now stale) original handle must be a
	// no-op, and firing the current handle must delete the group.
	require.NoError(t, q.FireFilterTimer(filterTimer, group))
	require.Contains(t, q.Groups(), group, "stale filter timer fire must not delete the group")

	require.NoError(t, q.FireFilterTimer(gi.FilterTimer, group))
	require.NotContains(t, q.Groups(), group)
	require.True(t, notify.calls > 0)
}

func TestProcessRecordExcludeAllowMovesSourceOutOfExcludeList(t *testing.T) {
	q, _, _, _ := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.1.1.1")
	s1 := netip.MustParseAddr("10.0.0.1")

	require.NoError(t, q.ProcessRecord(group, wire.ChangeToExcludeMode, addrs("10.0.0.1")))
	gi := q.Group(group)
	require.Contains(t, gi.Exclude, s1)

	require.NoError(t, q.ProcessRecord(group, wire.AllowNewSources, addrs("10.0.0.1")))
	require.NotContains(t, gi.Exclude, s1)
	require.Contains(t, gi.Include, s1)
}

func TestProcessRecordExcludeBlockAddsOnlyUnknownSources(t *testing.T) {
	q, _, snd, _ := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.1.1.1")
	known := netip.MustParseAddr("10.0.0.1")
	fresh := netip.MustParseAddr("10.0.0.9")

	require.NoError(t, q.ProcessRecord(group, wire.ModeIsInclude, addrs("10.0.0.1")))
	require.NoError(t, q.ProcessRecord(group, wire.ChangeToExcludeMode, addrs("10.0.0.1")))
	gi := q.Group(group)
	require.Contains(t, gi.Include, known)

	require.NoError(t, q.ProcessRecord(group, wire.BlockOldSources, addrs("10.0.0.1", "10.0.0.9")))
	require.Contains(t, gi.Include, fresh, "BLOCK(A) adds A-X-Y, the genuinely unknown sources")
	require.Len(t, snd.sourceQueries[len(snd.sourceQueries)-1].Sources, 1)
	require.Equal(t, fresh, snd.sourceQueries[len(snd.sourceQueries)-1].Sources[0])
}

func TestProcessRecordExcludeToExcludeReplacesExcludeSet(t *testing.T) {
	// IS_EX(A) on EXCLUDE(X,Y) -> EXCLUDE(A-Y, Y*A): a source named in the
	// new report that wasn't already permanently excluded moves to the
	// pending (per-source-timer) INCLUDE part, not the exclude list.
	q, _, _, _ := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.1.1.1")
	newlyReported := netip.MustParseAddr("10.0.0.5")
	drop := netip.MustParseAddr("10.0.0.1")

	require.NoError(t, q.ProcessRecord(group, wire.ChangeToExcludeMode, addrs("10.0.0.1")))
	gi := q.Group(group)
	require.Contains(t, gi.Exclude, drop)

	require.NoError(t, q.ProcessRecord(group, wire.ModeIsExclude, addrs("10.0.0.5")))
	require.NotContains(t, gi.Exclude, drop, "Y*A empties the old exclude entry once A no longer names it")
	require.Contains(t, gi.Include, newlyReported, "A-Y lands in the pending include set under MALI")
}

// --- Source timer expiry ---

func TestFireSourceTimerInIncludeDropsGroupWhenEmptied(t *testing.T) {
	q, _, _, notify := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.2.2.2")
	source := netip.MustParseAddr("10.0.0.7")

	require.NoError(t, q.ProcessRecord(group, wire.ModeIsInclude, []netip.Addr{source}))
	gi := q.Group(group)
	handle := gi.Include[source]
	require.NotZero(t, handle)

	require.NoError(t, q.FireSourceTimer(handle, group, source))
	require.NotContains(t, q.Groups(), group, "INCLUDE({}) groups don't persist")
	require.True(t, notify.calls > 0)
}

func TestFireSourceTimerInExcludeDemotesToExcludeList(t *testing.T) {
	q, _, _, _ := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.2.2.2")
	source := netip.MustParseAddr("10.0.0.7")

	require.NoError(t, q.ProcessRecord(group, wire.ChangeToExcludeMode, nil))
	require.NoError(t, q.ProcessRecord(group, wire.AllowNewSources, []netip.Addr{source}))
	gi := q.Group(group)
	handle := gi.Include[source]
	require.NotZero(t, handle)

	require.NoError(t, q.FireSourceTimer(handle, group, source))
	require.NotContains(t, gi.Include, source)
	require.Contains(t, gi.Exclude, source)
}

// --- Compatibility fallback (spec §8 scenario 3) ---

func includeKeys(gi *GroupInfo) []netip.Addr {
	out := make([]netip.Addr, 0, len(gi.Include))
	for k := range gi.Include {
		out = append(out, k)
	}
	return out
}

func excludeKeys(gi *GroupInfo) []netip.Addr {
	out := make([]netip.Addr, 0, len(gi.Exclude))
	for k := range gi.Exclude {
		out = append(out, k)
	}
	return out
}

func TestLegacyIGMPv2ReportPinsCompatibilityThenResumesV3(t *testing.T) {
	q, _, _, _ := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.3.3.3")
	blocked := netip.MustParseAddr("10.0.0.1")

	// A plain IGMPv2 join is equivalent to IS_EX({}): "join-all" on this
	// group, and pins compatibility to v2.
	require.NoError(t, q.ProcessLegacyReport(wire.IGMPv2, false, group))

	gi := q.Group(group)
	require.Equal(t, wire.IGMPv2, gi.CompatibilityMode)
	require.NotZero(t, gi.OlderHostPresentTimer)
	require.Equal(t, Exclude, gi.FilterMode)

	// While pinned to v2, a BLOCK record (something a v2 host could never
	// send, but which a stray v3 sender might still emit) is ignored
	// outright rather than narrowing membership.
	beforeInclude, beforeExclude := includeKeys(gi), excludeKeys(gi)
	require.NoError(t, q.ProcessRecord(group, wire.BlockOldSources, []netip.Addr{blocked}))
	require.ElementsMatch(t, beforeInclude, includeKeys(gi), "BLOCK is ignored while compatibility is pinned")
	require.ElementsMatch(t, beforeExclude, excludeKeys(gi))

	pinTimer := gi.OlderHostPresentTimer
	wantResumeDelay := q.TV.OlderVersionQuerierPresentTimeout
	require.Equal(t, time.Duration(q.TV.Robustness)*q.TV.QueryInterval+q.TV.QueryResponseInterval, wantResumeDelay)

	// Firing the older-host-present timer after that interval steps the
	// compatibility ladder IGMPv2 -> IGMPv3 and (since that reaches the
	// querier's own max) rearms for one more GMI before clearing the pin.
	require.NoError(t, q.FireOlderHostPresentTimer(pinTimer, group))
	require.Equal(t, wire.IGMPv3, gi.CompatibilityMode)
	require.NotZero(t, gi.OlderHostPresentTimer, "still armed once more at the new version, per spec §4.6")

	require.NoError(t, q.FireOlderHostPresentTimer(gi.OlderHostPresentTimer, group))
	require.Zero(t, gi.OlderHostPresentTimer, "pin fully cleared once compatibility mode == querier max")

	// Now that the pin is gone, a TO_EX record is no longer forced to {}.
	require.NoError(t, q.ProcessRecord(group, wire.ChangeToExcludeMode, []netip.Addr{blocked}))
	require.Equal(t, Exclude, gi.FilterMode)
	require.Contains(t, gi.Include, blocked)
}

func TestLegacyIGMPv2LeaveTriggersToIn(t *testing.T) {
	q, _, snd, _ := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.4.4.4")

	require.NoError(t, q.ProcessRecord(group, wire.ChangeToExcludeMode, nil))
	require.NoError(t, q.ProcessLegacyReport(wire.IGMPv2, true, group))

	gi := q.Group(group)
	require.Equal(t, wire.IGMPv2, gi.CompatibilityMode)
	require.NotEmpty(t, snd.groupQueries, "a legacy leave folds into TO_IN({}), triggering Q(G)")
}

// --- Idempotence / dropIfEmpty ---

func TestGroupWithNoMembershipIsNotRetained(t *testing.T) {
	q, _, _, _ := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.6.6.6")

	require.NoError(t, q.ProcessRecord(group, wire.ModeIsInclude, nil))
	require.NotContains(t, q.Groups(), group, "INCLUDE({}) never persists state")
}

func TestInterestedReflectsFilterMode(t *testing.T) {
	q, _, _, _ := newTestQuerier(t, wire.IGMPv3)
	group := netip.MustParseAddr("239.7.7.7")
	member := netip.MustParseAddr("10.0.0.3")
	stranger := netip.MustParseAddr("10.0.0.4")

	require.NoError(t, q.ProcessRecord(group, wire.ModeIsInclude, []netip.Addr{member}))
	require.True(t, q.Interested(group, member))
	require.False(t, q.Interested(group, stranger))

	require.NoError(t, q.ProcessRecord(group, wire.ChangeToExcludeMode, []netip.Addr{stranger}))
	require.False(t, q.Interested(group, stranger), "stranger is in the exclude list")
	require.True(t, q.Interested(group, member), "EXCLUDE forwards everything not excluded")
}
