// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package querier

import (
	"net/netip"

	"grimm.is/flywall/internal/mbox"
	"grimm.is/flywall/internal/timing"
	"grimm.is/flywall/internal/wire"
)

// ProcessRecord applies one decoded IGMPv3/MLDv2 Multicast Address Record
// to the group's current (filter_mode, Include, Exclude) state, exactly
// per the RFC 3376 §6.4 / RFC 3810 §7.4 router-state transition tables
// reproduced in spec §4.6. recType/sources come from a wire.QueryRecord
// the receiver decoded off a v3/MLDv2 Membership Report.
func (q *Querier) ProcessRecord(group netip.Addr, recType wire.RecordType, sources []netip.Addr) error {
	gi := q.Group(group)
	b := NewSourceSet(sources)

	if gi.CompatibilityMode != q.Protocol {
		// Pinned to an older version (spec §4.6): BLOCK is ignored
		// outright, and TO_EX is treated as TO_EX({}) regardless of the
		// sources the (v3-capable) sender actually reported.
		switch recType {
		case wire.BlockOldSources:
			return nil
		case wire.ChangeToExcludeMode:
			b = SourceSet{}
		}
	}

	if gi.FilterMode == Include {
		return q.applyOnInclude(gi, recType, b)
	}
	return q.applyOnExclude(gi, recType, b)
}

// applyOnInclude is RFC 3376 §6.4 Table 1: current state INCLUDE(A).
func (q *Querier) applyOnInclude(gi *GroupInfo, recType wire.RecordType, b SourceSet) error {
	a := includeSet(gi)
	switch recType {
	case wire.AllowNewSources, wire.ModeIsInclude:
		// ALLOW(B)/IS_IN(B) -> INCLUDE(A+B); MALI on B.
		for src := range b {
			q.armSourceTimer(gi, src)
		}
	case wire.BlockOldSources:
		// BLOCK(B) -> INCLUDE(A); send G&S query on A*B.
		q.sendSourceQuery(gi, Intersect(a, b))
	case wire.ChangeToIncludeMode:
		// TO_IN(B) -> INCLUDE(A+B); send G&S query on A-B; MALI on B.
		q.sendSourceQuery(gi, Difference(a, b))
		for src := range b {
			q.armSourceTimer(gi, src)
		}
	case wire.ChangeToExcludeMode, wire.ModeIsExclude:
		// TO_EX(B)/IS_EX(B) -> EXCLUDE(A*B, B-A); send G&S query on A*B
		// for TO_EX only; filter_timer=MALI; sources in A-B are dropped.
		if recType == wire.ChangeToExcludeMode {
			q.sendSourceQuery(gi, Intersect(a, b))
		}
		newInclude := Intersect(a, b)
		newExclude := Difference(b, a)
		for src := range a {
			if !newInclude.Has(src) {
				q.cancelSourceTimer(gi, src)
			}
		}
		gi.FilterMode = Exclude
		gi.Exclude = map[netip.Addr]struct{}{}
		for src := range newExclude {
			gi.Exclude[src] = struct{}{}
		}
		for src := range newInclude {
			if _, ok := gi.Include[src]; !ok {
				q.armSourceTimer(gi, src)
			}
		}
		q.armFilterTimer(gi)
	}
	q.dropIfEmpty(gi)
	q.notify.QuerierStateChange(q.IfIndex, gi.Group)
	return nil
}

// applyOnExclude is RFC 3376 §6.4 Table 2 / RFC 3810 §7.4: current state
// EXCLUDE(X,Y) where X = gi.Include (pending, timer-bearing) and Y =
// gi.Exclude (permanently excluded, no timer).
func (q *Querier) applyOnExclude(gi *GroupInfo, recType wire.RecordType, a SourceSet) error {
	x := includeSet(gi)
	y := excludeSet(gi)
	switch recType {
	case wire.AllowNewSources, wire.ModeIsInclude:
		// ALLOW(A)/IS_IN(A) -> EXCLUDE(X+A, Y-A); MALI on A.
		for src := range a {
			delete(gi.Exclude, src)
			q.armSourceTimer(gi, src)
		}
	case wire.BlockOldSources:
		// BLOCK(A) -> EXCLUDE(X+(A-X-Y), Y); MALI + G&S query on A-X-Y.
		fresh := Difference(Difference(a, x), y)
		for src := range fresh {
			q.armSourceTimer(gi, src)
		}
		q.sendSourceQuery(gi, fresh)
	case wire.ChangeToExcludeMode, wire.ModeIsExclude:
		// TO_EX(A)/IS_EX(A) -> EXCLUDE(A-Y, Y*A); delete(X-A); delete(Y-A);
		// MALI on A-X-Y; filter_timer=GMI. TO_EX additionally sends a
		// G&S query on A-Y.
		if recType == wire.ChangeToExcludeMode {
			q.sendSourceQuery(gi, Difference(a, y))
		}
		newInclude := Difference(a, y)
		newExclude := Intersect(y, a)
		for src := range x {
			if !newInclude.Has(src) {
				q.cancelSourceTimer(gi, src)
			}
		}
		gi.Exclude = map[netip.Addr]struct{}{}
		for src := range newExclude {
			gi.Exclude[src] = struct{}{}
		}
		for src := range newInclude {
			if _, ok := gi.Include[src]; !ok {
				q.armSourceTimer(gi, src)
			}
		}
		q.armFilterTimer(gi)
	case wire.ChangeToIncludeMode:
		// TO_IN(A) -> EXCLUDE(X+A, Y-A); MALI on A; G&S query on X-A;
		// plus a group-specific last-member query, shortening the
		// filter timer to LLQT (RFC 3376 §6.4 "Send Q(G)").
		for src := range a {
			delete(gi.Exclude, src)
			q.armSourceTimer(gi, src)
		}
		q.sendSourceQuery(gi, Difference(x, a))
		q.triggerLastMemberQuery(gi)
	}
	q.dropIfEmpty(gi)
	q.notify.QuerierStateChange(q.IfIndex, gi.Group)
	return nil
}

// ProcessLegacyReport folds an IGMPv1/v2 or MLDv1 join/leave into the
// same merge tables, per RFC 3376 §7.3.2 / RFC 3810 §8.3.2: a legacy
// report is IS_EX({}) (the group is wanted, source-agnostic) and a
// legacy leave (IGMPv2 Leave Group / MLD Done) is TO_IN({}) (the host
// begins a last-member query sequence). Receiving either also pins
// compatibility mode to the reported version (spec §4.6).
func (q *Querier) ProcessLegacyReport(version wire.Protocol, isLeave bool, group netip.Addr) error {
	gi := q.Group(group)
	q.pinCompatibility(gi, version)
	if isLeave {
		return q.applyRecordByMode(gi, wire.ChangeToIncludeMode, SourceSet{})
	}
	return q.applyRecordByMode(gi, wire.ChangeToExcludeMode, SourceSet{})
}

func (q *Querier) applyRecordByMode(gi *GroupInfo, recType wire.RecordType, b SourceSet) error {
	if gi.FilterMode == Include {
		return q.applyOnInclude(gi, recType, b)
	}
	return q.applyOnExclude(gi, recType, b)
}

// pinCompatibility arms/rearms the older-host-present timer and pins
// CompatibilityMode to version if it is older than the querier's
// configured maximum (spec §4.6).
func (q *Querier) pinCompatibility(gi *GroupInfo, version wire.Protocol) {
	if version >= q.Protocol {
		return
	}
	gi.CompatibilityMode = version
	q.sched.Cancel(gi.OlderHostPresentTimer)
	gi.OlderHostPresentTimer = q.sched.Schedule(q.TV.OlderVersionQuerierPresentTimeout, func(h timing.Handle) mbox.Message {
		return mbox.NewTimer(mbox.KindTimerOlderHostPresent, h, OlderHostPresentPayload{IfIndex: q.IfIndex, Group: gi.Group})
	})
}

// armSourceTimer (re)arms a single source's per-source MALI timer.
func (q *Querier) armSourceTimer(gi *GroupInfo, src netip.Addr) {
	q.sched.Cancel(gi.Include[src])
	gi.Include[src] = q.sched.Schedule(q.TV.GroupMembershipInterval(), func(h timing.Handle) mbox.Message {
		return mbox.NewTimer(mbox.KindTimerSource, h, SourceTimerPayload{IfIndex: q.IfIndex, Group: gi.Group, Source: src})
	})
}

func (q *Querier) cancelSourceTimer(gi *GroupInfo, src netip.Addr) {
	q.sched.Cancel(gi.Include[src])
	delete(gi.Include, src)
}

// armFilterTimer (re)arms the group's EXCLUDE-mode reversion timer to the
// full Group Membership Interval. The last-member query path
// (triggerLastMemberQuery) shortens it to LLQT instead.
func (q *Querier) armFilterTimer(gi *GroupInfo) {
	q.sched.Cancel(gi.FilterTimer)
	gi.FilterTimer = q.sched.Schedule(q.TV.GroupMembershipInterval(), func(h timing.Handle) mbox.Message {
		return mbox.NewTimer(mbox.KindTimerFilter, h, FilterTimerPayload{IfIndex: q.IfIndex, Group: gi.Group})
	})
}

// sendSourceQuery emits a group-and-source-specific query for a
// non-empty source set and arms the per-source retransmission schedule
// (RFC 3376 §6.6.3.2: Robustness-1 additional retransmissions at LLQI).
func (q *Querier) sendSourceQuery(gi *GroupInfo, sources SourceSet) {
	if len(sources) == 0 {
		return
	}
	list := sources.Slice()
	if err := q.sender.SendGroupAndSourceQuery(q.IfIndex, q.Protocol, gi.Group, list, q.TV.LastListenerQueryInterval); err != nil {
		q.log.WithError(err).Debug("send group-and-source query failed", "group", gi.Group)
	}
	for _, src := range list {
		gi.SourceRetransRemain[src] = q.TV.LastListenerQueryCount - 1
	}
	q.rearmSourceRetrans(gi)
}

func (q *Querier) rearmSourceRetrans(gi *GroupInfo) {
	q.sched.Cancel(gi.SourceRetransTimer)
	if len(gi.SourceRetransRemain) == 0 {
		gi.SourceRetransTimer = 0
		return
	}
	gi.SourceRetransTimer = q.sched.Schedule(q.TV.LastListenerQueryInterval, func(h timing.Handle) mbox.Message {
		return mbox.NewTimer(mbox.KindTimerRetSource, h, SourceRetransPayload{IfIndex: q.IfIndex, Group: gi.Group})
	})
}

// triggerLastMemberQuery begins (or extends) the group-specific
// last-member query sequence: sends an immediate Q(G), arms
// LastListenerQueryCount-1 further retransmissions, and sets
// filter_timer to LLQT, replacing whatever time it had left (RFC 3376 §6.6.1,
// §6.4 TO_IN-on-EXCLUDE "Send Q(G)" action; spec §8 scenario 2).
func (q *Querier) triggerLastMemberQuery(gi *GroupInfo) {
	if err := q.sender.SendGroupQuery(q.IfIndex, q.Protocol, gi.Group, q.TV.LastListenerQueryInterval); err != nil {
		q.log.WithError(err).Debug("send group query failed", "group", gi.Group)
	}
	gi.GroupRetransCount = q.TV.LastListenerQueryCount - 1
	q.sched.Cancel(gi.GroupRetransTimer)
	if gi.GroupRetransCount > 0 {
		gi.GroupRetransTimer = q.sched.Schedule(q.TV.LastListenerQueryInterval, func(h timing.Handle) mbox.Message {
			return mbox.NewTimer(mbox.KindTimerRetGroup, h, GroupRetransPayload{IfIndex: q.IfIndex, Group: gi.Group})
		})
	} else {
		gi.GroupRetransTimer = 0
	}
	q.sched.Cancel(gi.FilterTimer)
	gi.FilterTimer = q.sched.Schedule(q.TV.LastMemberQueryTime(), func(h timing.Handle) mbox.Message {
		return mbox.NewTimer(mbox.KindTimerFilter, h, FilterTimerPayload{IfIndex: q.IfIndex, Group: gi.Group})
	})
}
