// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package querier

import (
	"net/netip"

	"grimm.is/flywall/internal/timing"
	"grimm.is/flywall/internal/wire"
)

// FilterMode is a group's current membership filter mode (spec §3).
type FilterMode int

const (
	Include FilterMode = iota
	Exclude
)

func (m FilterMode) String() string {
	if m == Exclude {
		return "EXCLUDE"
	}
	return "INCLUDE"
}

// GroupInfo is the per-group membership record a Querier maintains,
// mirroring spec §3's GroupInfo tuple (filter_mode, include_requested_list,
// exclude_list) plus the timers and retransmission counters RFC 3376
// §6.4/§6.6 and RFC 3810 §7.4/§7.7 attach to it.
//
// In INCLUDE mode, Exclude is always empty and FilterTimer is always zero
// (spec invariant): membership is exactly the sources in Include whose
// per-source timer has not expired. In EXCLUDE mode, Include holds the
// sources still being verified (each with a running per-source timer
// counting down to demotion into Exclude), and Exclude holds sources
// permanently filtered out (no timer) until FilterTimer itself expires,
// at which point the whole group reverts to INCLUDE(Include).
type GroupInfo struct {
	Group      netip.Addr
	FilterMode FilterMode

	Include map[netip.Addr]timing.Handle // source -> per-source timer handle
	Exclude map[netip.Addr]struct{}

	FilterTimer timing.Handle // EXCLUDE mode only: group->INCLUDE(Include) reversion

	GroupRetransTimer  timing.Handle // group-specific (TO_IN/TO_EX) retransmission
	GroupRetransCount  int
	SourceRetransTimer timing.Handle // group-and-source-specific retransmission
	SourceRetransRemain map[netip.Addr]int

	// CompatibilityMode pins the protocol version this group's queries
	// are sent at after an older-version report was observed for it
	// (RFC 3376 §8.12/9.12; pinning is actually per-interface in the
	// RFCs, reproduced here per-group to keep the merge tables and the
	// compatibility tests self-contained).
	CompatibilityMode     wire.Protocol
	OlderHostPresentTimer timing.Handle
}

// Sources returns the set of sources currently treated as "joined" for
// this group: all of Include in INCLUDE mode, or Include minus Exclude
// in EXCLUDE mode (Exclude is disjoint from Include by construction, so
// in practice this is just Include in both modes - the distinction is
// that EXCLUDE mode also implicitly includes "every source not in
// Exclude", which is unrepresentable as an explicit list and is instead
// the ALL-SOURCES wildcard reported upstream; see aggregation).
func (gi *GroupInfo) Sources() []netip.Addr {
	out := make([]netip.Addr, 0, len(gi.Include))
	for s := range gi.Include {
		out = append(out, s)
	}
	return out
}

// Interested reports whether this group's current filter state would
// forward a datagram from src: in INCLUDE mode, src must be an explicit
// member; in EXCLUDE mode, every source is forwarded except those in the
// exclude list (spec §4.8 step 3: "the group is subscribed in that
// downstream's querier with a filter that includes saddr").
func (gi *GroupInfo) Interested(src netip.Addr) bool {
	if gi.FilterMode == Include {
		_, ok := gi.Include[src]
		return ok
	}
	_, excluded := gi.Exclude[src]
	return !excluded
}

// Interested looks up group in this querier's membership database and
// reports whether src would currently be forwarded for it. A group this
// querier has no state for is implicitly INCLUDE({}): nothing forwards.
func (q *Querier) Interested(group, src netip.Addr) bool {
	gi, ok := q.groups[group]
	if !ok {
		return false
	}
	return gi.Interested(src)
}
