// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package querier implements the per-interface IGMPv2/v3 and MLDv1/v2
// querier state machine (RFC 3376 §6, RFC 3810 §7): the filter-mode
// merge tables of §6.4/§7.4, the six timer families, version
// compatibility pinning, and membership bookkeeping (spec §3
// MembershipDB/GroupInfo, §4.6 the querier module).
//
// Grounded in
// _examples/original_source/mcproxy/src/proxy/querier.cpp and
// include/proxy/querier.hpp, reworked around the explicit Handle-based
// timer identity scheme in internal/timing instead of mcproxy's
// shared_ptr<timer_msg> aliasing.
package querier

import (
	"net/netip"
	"time"

	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/mbox"
	"grimm.is/flywall/internal/timing"
	"grimm.is/flywall/internal/wire"
)

// Scheduler is the timer-arming capability a Querier needs, implemented
// by an adapter that closes over the instance's timing.Service and its
// own mailbox as the fixed delivery Sink (spec §4.10, §4.11).
type Scheduler interface {
	Schedule(d time.Duration, build func(timing.Handle) mbox.Message) timing.Handle
	Cancel(h timing.Handle)
}

// Sender is the subset of spec §4.4's sender capabilities a Querier
// drives directly: general queries, group-specific queries, and
// group-and-source-specific queries. Declared locally so this package
// never needs to import internal/sender.
type Sender interface {
	SendGeneralQuery(ifIndex int, proto wire.Protocol, maxRespTime time.Duration) error
	SendGroupQuery(ifIndex int, proto wire.Protocol, group netip.Addr, maxRespTime time.Duration) error
	SendGroupAndSourceQuery(ifIndex int, proto wire.Protocol, group netip.Addr, sources []netip.Addr, maxRespTime time.Duration) error
}

// RoutingNotifier is the routing-management side of spec §4.8's event
// hub: a Querier reports querier_state_change so routing data can
// recompute the interested-interface set for every affected group.
type RoutingNotifier interface {
	QuerierStateChange(ifIndex int, group netip.Addr)
}

// Querier owns one interface's membership state and drives its timers,
// queries, and filter-mode transitions.
type Querier struct {
	IfIndex  int
	IfName   string
	Protocol wire.Protocol // configured maximum protocol version for this interface
	TV       TimerValues

	sched  Scheduler
	sender Sender
	notify RoutingNotifier
	log    *logging.Logger

	groups map[netip.Addr]*GroupInfo

	isQuerier         bool
	generalQueryTimer timing.Handle
	startupCount      int
}

// New creates a Querier for one downstream interface.
func New(ifIndex int, ifName string, proto wire.Protocol, sched Scheduler, sender Sender, notify RoutingNotifier) *Querier {
	return &Querier{
		IfIndex:  ifIndex,
		IfName:   ifName,
		Protocol: proto,
		TV:       DefaultTimerValues(proto),
		sched:    sched,
		sender:   sender,
		notify:   notify,
		log:      logging.WithComponent("querier").With("if", ifName),
		groups:   map[netip.Addr]*GroupInfo{},
		isQuerier: true,
	}
}

// Group returns the GroupInfo for g, creating it in INCLUDE({}) state if
// this is the first record seen for it (spec §3: a group absent from
// MembershipDB is implicitly INCLUDE({})).
func (q *Querier) Group(g netip.Addr) *GroupInfo {
	gi, ok := q.groups[g]
	if !ok {
		gi = &GroupInfo{
			Group:                g,
			FilterMode:           Include,
			Include:              map[netip.Addr]timing.Handle{},
			Exclude:              map[netip.Addr]struct{}{},
			SourceRetransRemain:  map[netip.Addr]int{},
			CompatibilityMode:    q.Protocol,
		}
		q.groups[g] = gi
	}
	return gi
}

// Groups returns every group this querier currently has state for,
// including groups whose membership has fallen back to INCLUDE({})
// (spec §4.3 debug/status snapshot, supplemented feature).
func (q *Querier) Groups() map[netip.Addr]*GroupInfo { return q.groups }

// dropIfEmpty removes a group's state once it has returned to the
// implicit INCLUDE({}) default with no running timers, matching mcproxy's
// garbage collection of membership.cpp group entries.
func (q *Querier) dropIfEmpty(gi *GroupInfo) {
	if gi.FilterMode == Include && len(gi.Include) == 0 && len(gi.Exclude) == 0 &&
		gi.FilterTimer == 0 && gi.GroupRetransTimer == 0 && gi.SourceRetransTimer == 0 {
		delete(q.groups, gi.Group)
	}
}

// StartAsQuerier arms the general query timer and sends the first
// startup-sequence general query (spec §4.6: a downstream interface
// that just became the elected querier, or the proxy's own startup,
// sends StartupQueryCount general queries at StartupQueryInterval before
// settling into the steady-state QueryInterval cadence).
func (q *Querier) StartAsQuerier() error {
	q.isQuerier = true
	// This call sends the first startup query; FireGeneralQuery sends the
	// rest, rearming at StartupQueryInterval while startupCount is positive.
	q.startupCount = q.TV.StartupQueryCount - 2
	next := q.TV.StartupQueryInterval
	if q.TV.StartupQueryCount <= 1 {
		next = q.TV.QueryInterval
	}
	return q.sendGeneralQueryAndRearm(next)
}

// BecomeNonQuerier stops acting as querier and cancels the general query
// timer. It arms no other-querier-present timer.
func (q *Querier) BecomeNonQuerier() {
	q.isQuerier = false
	q.sched.Cancel(q.generalQueryTimer)
	q.generalQueryTimer = 0
}

func (q *Querier) sendGeneralQueryAndRearm(next time.Duration) error {
	err := q.sender.SendGeneralQuery(q.IfIndex, q.Protocol, q.TV.QueryResponseInterval)
	q.generalQueryTimer = q.sched.Schedule(next, func(h timing.Handle) mbox.Message {
		return mbox.NewTimer(mbox.KindTimerGeneralQuery, h, GeneralQueryPayload{IfIndex: q.IfIndex})
	})
	return err
}

// FireGeneralQuery handles a KindTimerGeneralQuery delivery: sends the
// next periodic (or startup-sequence) general query and rearms.
func (q *Querier) FireGeneralQuery(h timing.Handle) error {
	if h != q.generalQueryTimer {
		q.log.Trace("stale general query timer fire, ignoring")
		return nil
	}
	if !q.isQuerier {
		return nil
	}
	next := q.TV.QueryInterval
	if q.startupCount > 0 {
		q.startupCount--
		next = q.TV.StartupQueryInterval
	}
	return q.sendGeneralQueryAndRearm(next)
}

// Shutdown tears down every running timer owned by this querier, used
// when the owning proxy instance is exiting (spec §4.11 EXIT handling).
func (q *Querier) Shutdown() {
	q.sched.Cancel(q.generalQueryTimer)
	for _, gi := range q.groups {
		q.sched.Cancel(gi.FilterTimer)
		q.sched.Cancel(gi.GroupRetransTimer)
		q.sched.Cancel(gi.SourceRetransTimer)
		q.sched.Cancel(gi.OlderHostPresentTimer)
		for _, h := range gi.Include {
			q.sched.Cancel(h)
		}
	}
}

var errUnknownRecordType = errors.New(errors.KindProtocol, "unknown multicast address record type")
