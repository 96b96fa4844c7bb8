// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package querier

import (
	"net/netip"

	"grimm.is/flywall/internal/mbox"
	"grimm.is/flywall/internal/timing"
	"grimm.is/flywall/internal/wire"
)

// FireFilterTimer handles a KindTimerFilter delivery (spec §4.6): the
// EXCLUDE-mode group timer expired. If no source is still pending
// (include_requested_list empty) the group is deleted and routing is
// notified; otherwise the group reverts to INCLUDE(include_requested_list)
// and the exclude list is cleared.
func (q *Querier) FireFilterTimer(h timing.Handle, group netip.Addr) error {
	gi, ok := q.groups[group]
	if !ok || h != gi.FilterTimer {
		q.log.Trace("stale filter timer fire, ignoring")
		return nil
	}
	gi.FilterTimer = 0
	if len(gi.Include) == 0 {
		delete(q.groups, group)
		q.notify.QuerierStateChange(q.IfIndex, group)
		return nil
	}
	gi.FilterMode = Include
	gi.Exclude = map[netip.Addr]struct{}{}
	q.notify.QuerierStateChange(q.IfIndex, group)
	return nil
}

// FireSourceTimer handles a KindTimerSource delivery: a single source's
// per-source timer expired. In INCLUDE mode the source is dropped
// (deleting the whole group if that empties it, per spec §3's invariant
// that INCLUDE({}) groups don't persist). In EXCLUDE mode the source
// moves from the pending include_requested_list into the permanent
// exclude_list.
func (q *Querier) FireSourceTimer(h timing.Handle, group, source netip.Addr) error {
	gi, ok := q.groups[group]
	if !ok || h != gi.Include[source] {
		q.log.Trace("stale source timer fire, ignoring")
		return nil
	}
	delete(gi.Include, source)
	if gi.FilterMode == Include {
		if len(gi.Include) == 0 {
			delete(q.groups, group)
		}
	} else {
		gi.Exclude[source] = struct{}{}
	}
	q.notify.QuerierStateChange(q.IfIndex, group)
	return nil
}

// FireGroupRetransTimer handles a KindTimerRetGroup delivery: the next
// retransmission of the group-specific (last-member query) sequence is
// due. Re-issues Q(G) and rearms while count remains positive.
func (q *Querier) FireGroupRetransTimer(h timing.Handle, group netip.Addr) error {
	gi, ok := q.groups[group]
	if !ok || h != gi.GroupRetransTimer {
		q.log.Trace("stale group retransmission timer fire, ignoring")
		return nil
	}
	if err := q.sender.SendGroupQuery(q.IfIndex, q.Protocol, group, q.TV.LastListenerQueryInterval); err != nil {
		q.log.WithError(err).Debug("send group retransmission query failed", "group", group)
	}
	gi.GroupRetransCount--
	if gi.GroupRetransCount > 0 {
		gi.GroupRetransTimer = q.sched.Schedule(q.TV.LastListenerQueryInterval, func(h2 timing.Handle) mbox.Message {
			return mbox.NewTimer(mbox.KindTimerRetGroup, h2, GroupRetransPayload{IfIndex: q.IfIndex, Group: group})
		})
	} else {
		gi.GroupRetransTimer = 0
	}
	return nil
}

// FireSourceRetransTimer handles a KindTimerRetSource delivery: the next
// retransmission of the group-and-source-specific query sequence is due.
// Every source with remaining retransmission count is re-queried and
// decremented; sources that reach zero stop being retransmitted but keep
// their per-source MALI timer running independently.
func (q *Querier) FireSourceRetransTimer(h timing.Handle, group netip.Addr) error {
	gi, ok := q.groups[group]
	if !ok || h != gi.SourceRetransTimer {
		q.log.Trace("stale source retransmission timer fire, ignoring")
		return nil
	}
	var pending []netip.Addr
	for src, remain := range gi.SourceRetransRemain {
		if remain > 0 {
			pending = append(pending, src)
		}
	}
	if len(pending) > 0 {
		if err := q.sender.SendGroupAndSourceQuery(q.IfIndex, q.Protocol, group, pending, q.TV.LastListenerQueryInterval); err != nil {
			q.log.WithError(err).Debug("send group-and-source retransmission query failed", "group", group)
		}
	}
	for _, src := range pending {
		gi.SourceRetransRemain[src]--
		if gi.SourceRetransRemain[src] <= 0 {
			delete(gi.SourceRetransRemain, src)
		}
	}
	q.rearmSourceRetrans(gi)
	return nil
}

// FireOlderHostPresentTimer handles a KindTimerOlderHostPresent delivery:
// the compatibility pin for this group has expired. The querier steps up
// one protocol version and rearms, except when that step reaches its
// configured maximum version, in which case it rearms once more for MALI
// (to finish learning sources at the new version) before clearing the pin
// entirely on the following fire (spec §4.6).
func (q *Querier) FireOlderHostPresentTimer(h timing.Handle, group netip.Addr) error {
	gi, ok := q.groups[group]
	if !ok || h != gi.OlderHostPresentTimer {
		q.log.Trace("stale older-host-present timer fire, ignoring")
		return nil
	}
	if gi.CompatibilityMode == q.Protocol {
		gi.OlderHostPresentTimer = 0
		return nil
	}
	next := nextVersion(gi.CompatibilityMode, q.Protocol)
	gi.CompatibilityMode = next
	if next == q.Protocol {
		gi.OlderHostPresentTimer = q.sched.Schedule(q.TV.GroupMembershipInterval(), func(h2 timing.Handle) mbox.Message {
			return mbox.NewTimer(mbox.KindTimerOlderHostPresent, h2, OlderHostPresentPayload{IfIndex: q.IfIndex, Group: group})
		})
		return nil
	}
	gi.OlderHostPresentTimer = q.sched.Schedule(q.TV.OlderVersionQuerierPresentTimeout, func(h2 timing.Handle) mbox.Message {
		return mbox.NewTimer(mbox.KindTimerOlderHostPresent, h2, OlderHostPresentPayload{IfIndex: q.IfIndex, Group: group})
	})
	return nil
}

// nextVersion steps one rung up the compatibility ladder toward max,
// within the same protocol family (IGMPv1->v2->v3, MLDv1->v2).
func nextVersion(current, max wire.Protocol) wire.Protocol {
	if current.IsIGMP() {
		switch current {
		case wire.IGMPv1:
			if max > wire.IGMPv1 {
				return wire.IGMPv2
			}
		case wire.IGMPv2:
			return wire.IGMPv3
		}
		return max
	}
	if current == wire.MLDv1 {
		return wire.MLDv2
	}
	return max
}
