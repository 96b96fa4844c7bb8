// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package aggregation

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/pconfig"
	"grimm.is/flywall/internal/querier"
	"grimm.is/flywall/internal/wire"
)

func set(ss ...string) querier.SourceSet {
	out := make(querier.SourceSet, len(ss))
	for _, s := range ss {
		out[netip.MustParseAddr(s)] = struct{}{}
	}
	return out
}

func include(ss ...string) State { return State{Mode: querier.Include, Sources: set(ss...)} }
func exclude(ss ...string) State { return State{Mode: querier.Exclude, Sources: set(ss...)} }

func sortedAddrs(s querier.SourceSet) []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a.String())
	}
	return out
}

func requireStatesEqual(t *testing.T, want, got State) {
	t.Helper()
	require.Equal(t, want.Mode, got.Mode)
	require.ElementsMatch(t, sortedAddrs(want.Sources), sortedAddrs(got.Sources))
}

// --- spec §4.9 merge algebra ---

func TestMergeIncludeIncludeIsUnion(t *testing.T) {
	got := Merge(include("10.0.0.1"), include("10.0.0.2"))
	requireStatesEqual(t, include("10.0.0.1", "10.0.0.2"), got)
}

func TestMergeIncludeExcludeIsExcludeMinusInclude(t *testing.T) {
	got := Merge(include("10.0.0.1"), exclude("10.0.0.1", "10.0.0.2"))
	requireStatesEqual(t, exclude("10.0.0.2"), got)
}

func TestMergeExcludeIncludeIsExcludeMinusInclude(t *testing.T) {
	got := Merge(exclude("10.0.0.1", "10.0.0.2"), include("10.0.0.1"))
	requireStatesEqual(t, exclude("10.0.0.2"), got)
}

func TestMergeExcludeExcludeIsIntersection(t *testing.T) {
	got := Merge(exclude("10.0.0.1", "10.0.0.2"), exclude("10.0.0.2", "10.0.0.3"))
	requireStatesEqual(t, exclude("10.0.0.2"), got)
}

// TESTABLE PROPERTIES (spec §8): Merge is commutative and associative for
// every combination of filter modes.
func TestMergeIsCommutative(t *testing.T) {
	cases := []struct {
		name string
		a, b State
	}{
		{"include-include", include("10.0.0.1"), include("10.0.0.2")},
		{"include-exclude", include("10.0.0.1"), exclude("10.0.0.1", "10.0.0.2")},
		{"exclude-include", exclude("10.0.0.1", "10.0.0.2"), include("10.0.0.2")},
		{"exclude-exclude", exclude("10.0.0.1", "10.0.0.2"), exclude("10.0.0.2", "10.0.0.3")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ab := Merge(c.a, c.b)
			ba := Merge(c.b, c.a)
			requireStatesEqual(t, ab, ba)
		})
	}
}

func TestMergeIsAssociative(t *testing.T) {
	a := include("10.0.0.1", "10.0.0.2")
	b := exclude("10.0.0.2", "10.0.0.3")
	c := exclude("10.0.0.3", "10.0.0.4")

	left := Merge(Merge(a, b), c)
	right := Merge(a, Merge(b, c))
	requireStatesEqual(t, left, right)
}

func TestMergeAllStartsFromIncludeEmptyIdentity(t *testing.T) {
	got := MergeAll(nil)
	requireStatesEqual(t, include(), got)

	got = MergeAll([]State{include("10.0.0.1")})
	requireStatesEqual(t, include("10.0.0.1"), got)
}

func TestMergeAllOrderIndependent(t *testing.T) {
	states := []State{include("10.0.0.1"), exclude("10.0.0.1", "10.0.0.2"), include("10.0.0.3")}
	reversed := []State{states[2], states[1], states[0]}

	requireStatesEqual(t, MergeAll(states), MergeAll(reversed))
}

// --- ApplyFilter / WHITELIST-BLACKLIST projection ---

func TestApplyFilterWhitelistIntersectsInclude(t *testing.T) {
	got := ApplyFilter(include("10.0.0.1", "10.0.0.2"), pconfig.Whitelist, false, set("10.0.0.1"))
	requireStatesEqual(t, include("10.0.0.1"), got)
}

func TestApplyFilterWhitelistWildcardPassesThrough(t *testing.T) {
	in := exclude("10.0.0.1")
	got := ApplyFilter(in, pconfig.Whitelist, true, nil)
	requireStatesEqual(t, in, got)
}

func TestApplyFilterBlacklistWildcardBlocksEverything(t *testing.T) {
	got := ApplyFilter(exclude(), pconfig.Blacklist, true, nil)
	requireStatesEqual(t, include(), got)
}

func TestApplyFilterBlacklistRemovesFromInclude(t *testing.T) {
	got := ApplyFilter(include("10.0.0.1", "10.0.0.2"), pconfig.Blacklist, false, set("10.0.0.2"))
	requireStatesEqual(t, include("10.0.0.1"), got)
}

// --- Run / dispatch disciplines ---

type recordedSend struct {
	IfIndex int
	Mode    querier.FilterMode
	Group   netip.Addr
	Sources []netip.Addr
}

type fakeSender struct {
	sent []recordedSend
}

func (f *fakeSender) SendRecord(ifIndex int, _ wire.Protocol, mode querier.FilterMode, group netip.Addr, sources []netip.Addr) error {
	f.sent = append(f.sent, recordedSend{IfIndex: ifIndex, Mode: mode, Group: group, Sources: append([]netip.Addr{}, sources...)})
	return nil
}

func TestRunAllSendsToEveryUpstream(t *testing.T) {
	snd := &fakeSender{}
	group := netip.MustParseAddr("239.1.1.1")
	ups := []Upstream{{IfIndex: 10, Name: "up1"}, {IfIndex: 11, Name: "up2"}}

	err := Run(snd, wire.IGMPv3, group, []State{include("10.0.0.1")}, ups, pconfig.MatchAll, 0, time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, snd.sent, 2)
	require.Equal(t, 10, snd.sent[0].IfIndex)
	require.Equal(t, 11, snd.sent[1].IfIndex)
}

func TestRunAllSkipsBlockedIncludeEmpty(t *testing.T) {
	snd := &fakeSender{}
	group := netip.MustParseAddr("239.1.1.1")
	ups := []Upstream{{IfIndex: 10, Name: "up1"}}

	err := Run(snd, wire.IGMPv3, group, nil, ups, pconfig.MatchAll, 0, time.Unix(0, 0))
	require.NoError(t, err)
	require.Empty(t, snd.sent, "INCLUDE({}) sends nothing upstream")
}

func TestRunFirstStopsAtFirstUnblockedUpstreamForExclude(t *testing.T) {
	snd := &fakeSender{}
	group := netip.MustParseAddr("239.1.1.1")
	ups := []Upstream{{IfIndex: 10, Name: "up1"}, {IfIndex: 11, Name: "up2"}}

	err := Run(snd, wire.IGMPv3, group, []State{exclude("10.0.0.1")}, ups, pconfig.MatchFirst, 0, time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, snd.sent, 1)
	require.Equal(t, 10, snd.sent[0].IfIndex)
}

func TestRunFirstPartitionsIncludeSourcesAcrossUpstreamsWithoutOverlap(t *testing.T) {
	snd := &fakeSender{}
	group := netip.MustParseAddr("239.1.1.1")
	up1 := Upstream{IfIndex: 10, Name: "up1", OutBinding: &pconfig.RuleBinding{
		Kind: pconfig.BindingFilter, FilterType: pconfig.Whitelist,
		Table: &pconfig.Table{Rules: []pconfig.RuleBox{{
			Kind: pconfig.RuleBoxAddr, IfaceName: "*",
			GAddr: pconfig.AddrBox{Wildcard: true},
			SAddr: pconfig.AddrBox{Single: pconfig.Addr{Text: "10.0.0.1"}, Prefix: -1},
		}}},
	}}
	up2 := Upstream{IfIndex: 11, Name: "up2"}

	err := Run(snd, wire.IGMPv3, group, []State{include("10.0.0.1", "10.0.0.2")}, []Upstream{up1, up2}, pconfig.MatchFirst, 0, time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, snd.sent, 2)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1")}, snd.sent[0].Sources)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.2")}, snd.sent[1].Sources)
}

// spec §8 scenario 6: with MUTEX discipline and two upstreams, exactly one
// of up1/up2 receives a given source, and the union across both
// partitions covers every source with no overlap.
func TestRunMutexPartitionsSourcesWithNoOverlap(t *testing.T) {
	snd := &fakeSender{}
	group := netip.MustParseAddr("239.1.1.1")
	ups := []Upstream{{IfIndex: 10, Name: "up1"}, {IfIndex: 11, Name: "up2"}}
	merged := []State{include("1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4")}

	err := Run(snd, wire.IGMPv3, group, merged, ups, pconfig.MatchMutex, time.Minute, time.Unix(1000, 0))
	require.NoError(t, err)

	seen := map[netip.Addr]int{}
	for _, rec := range snd.sent {
		for _, src := range rec.Sources {
			seen[src]++
		}
	}
	require.Len(t, seen, 4, "every source was sent upstream exactly once")
	for src, count := range seen {
		require.Equalf(t, 1, count, "source %s must go to exactly one upstream", src)
	}
}

func TestRunMutexPartitionIsStableWithinOneWindowAndDeterministic(t *testing.T) {
	group := netip.MustParseAddr("239.1.1.1")
	ups := []Upstream{{IfIndex: 10, Name: "up1"}, {IfIndex: 11, Name: "up2"}}
	merged := []State{include("1.1.1.1", "2.2.2.2")}
	now := time.Unix(1000, 0)

	snd1 := &fakeSender{}
	require.NoError(t, Run(snd1, wire.IGMPv3, group, merged, ups, pconfig.MatchMutex, time.Minute, now))
	snd2 := &fakeSender{}
	require.NoError(t, Run(snd2, wire.IGMPv3, group, merged, ups, pconfig.MatchMutex, time.Minute, now))

	require.Equal(t, snd1.sent, snd2.sent, "same window, same inputs -> same assignment")
}

func TestRunMutexWithSingleUpstreamSendsEverythingThere(t *testing.T) {
	snd := &fakeSender{}
	group := netip.MustParseAddr("239.1.1.1")
	ups := []Upstream{{IfIndex: 10, Name: "up1"}}
	merged := []State{include("1.1.1.1", "2.2.2.2")}

	require.NoError(t, Run(snd, wire.IGMPv3, group, merged, ups, pconfig.MatchMutex, time.Minute, time.Unix(42, 0)))
	require.Len(t, snd.sent, 1)
	require.Len(t, snd.sent[0].Sources, 2)
}
