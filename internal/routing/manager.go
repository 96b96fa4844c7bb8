// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package routing

import (
	"net/netip"
	"time"

	"grimm.is/flywall/internal/addr"
	"grimm.is/flywall/internal/aggregation"
	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/ifreg"
	"grimm.is/flywall/internal/kernel"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/mbox"
	"grimm.is/flywall/internal/metrics"
	"grimm.is/flywall/internal/pconfig"
	"grimm.is/flywall/internal/querier"
	"grimm.is/flywall/internal/timing"
	"grimm.is/flywall/internal/wire"
)

// Scheduler is the timer-arming capability the Manager needs for new-source
// liveness checks, implemented the same way as querier.Scheduler (spec
// §4.10, §4.11): an adapter closing over the instance's timing.Service
// and its own mailbox.
type Scheduler interface {
	Schedule(d time.Duration, build func(timing.Handle) mbox.Message) timing.Handle
	Cancel(h timing.Handle)
}

// Downstream is one downstream interface this manager tracks membership
// on, paired with its own Querier (spec §4.8 step 3: "downstream's
// querier with a filter that includes saddr").
type Downstream struct {
	IfIndex int
	Name    string
	Q       *querier.Querier

	// InBinding/OutBinding are this downstream's spec §3 input/output
	// filter bindings (nil means default-permit), applied in steps 3 and
	// 4 of spec §4.8's interested-interface algorithm.
	InBinding  *pconfig.RuleBinding
	OutBinding *pconfig.RuleBinding
}

// Manager is the routing-management event hub of spec §4.8: it reacts to
// new-source discovery and querier state changes by recomputing the set
// of interested downstream interfaces for a (group, source) and
// installing or removing the corresponding MFIB entry, and drives the
// membership aggregation engine to report combined membership upstream.
// Grounded in
// _examples/original_source/mcproxy/src/proxy/simple_mc_proxy_routing.cpp's
// event_new_source/event_querier_state_change handlers.
type Manager struct {
	Data *Data
	Sock kernel.MrouteSocket
	VIFs *ifreg.Registry
	Proto wire.Protocol

	Upstreams   []aggregation.Upstream
	Downstreams []*Downstream

	Inst *pconfig.InstanceDefinition

	// Sender emits the combined membership record to an upstream
	// interface (spec §4.9). Nil disables upstream reporting (e.g. an
	// instance configured with no upstream interfaces).
	Sender aggregation.Sender
	// Discipline and MutexTimeout govern how combined membership is
	// distributed across multiple upstreams (spec §4.3 rulematching
	// ALL/FIRST/MUTEX, §9 Open Question).
	Discipline   pconfig.MatchDiscipline
	MutexTimeout time.Duration

	Sched           Scheduler
	Clk             clock.Clock
	log             *logging.Logger
	newSourceTimers map[sourceKey]timing.Handle

	// Metrics is optional; a nil Metrics disables counter updates (spec
	// §7's protocol-error/route counters are an ambient concern, not a
	// core invariant).
	Metrics *metrics.Metrics

	// SourceLifeTime is the new-source liveness timer duration (spec §4.8
	// event_new_source: "20 s by default, or the configured mutex timeout
	// when upstream input rule is MUTEX" — that override is applied in
	// armNewSourceTimer).
	SourceLifeTime time.Duration
}

type sourceKey struct {
	Group, Source netip.Addr
}

// NewManager creates a Manager for one address family's routing table
// within a proxy instance.
func NewManager(data *Data, sock kernel.MrouteSocket, vifs *ifreg.Registry, proto wire.Protocol, inst *pconfig.InstanceDefinition, sched Scheduler, clk clock.Clock) *Manager {
	return &Manager{
		Data:                   data,
		Sock:                   sock,
		VIFs:                   vifs,
		Proto:                  proto,
		Inst:                   inst,
		Sched:                  sched,
		Clk:                    clk,
		log:                    logging.WithComponent("routing"),
		newSourceTimers: map[sourceKey]timing.Handle{},
		SourceLifeTime:  20 * time.Second,
	}
}

// AddUpstream registers an upstream interface this manager may forward
// combined membership reports through.
func (m *Manager) AddUpstream(ifIndex int, name string, outBinding *pconfig.RuleBinding) {
	m.Upstreams = append(m.Upstreams, aggregation.Upstream{IfIndex: ifIndex, Name: name, OutBinding: outBinding})
}

// SendMembershipUpstream recomputes group's combined downstream state and
// dispatches it across every registered upstream per the configured
// rule-matching discipline (spec §4.9). A nil Sender or empty upstream
// set is a no-op, matching an instance with no upstream interfaces.
func (m *Manager) SendMembershipUpstream(group netip.Addr) error {
	if m.Sender == nil || len(m.Upstreams) == 0 {
		return nil
	}
	states := make([]aggregation.State, 0, len(m.Downstreams))
	for _, d := range m.Downstreams {
		gi, ok := d.Q.Groups()[group]
		if !ok {
			continue
		}
		mode := querier.Include
		set := querier.SourceSet{}
		if gi.FilterMode == querier.Exclude {
			mode = querier.Exclude
			for s := range gi.Exclude {
				set[s] = struct{}{}
			}
		} else {
			for s := range gi.Include {
				set[s] = struct{}{}
			}
		}
		states = append(states, aggregation.State{Mode: mode, Sources: set})
	}
	return aggregation.Run(m.Sender, m.Proto, group, states, m.Upstreams, m.Discipline, m.MutexTimeout, m.Clk.Now())
}

// AddDownstream registers a downstream interface and its querier.
func (m *Manager) AddDownstream(d *Downstream) {
	m.Downstreams = append(m.Downstreams, d)
}

// isDownstreamIndex reports whether ifIndex names one of this manager's
// registered downstream interfaces.
func (m *Manager) isDownstreamIndex(ifIndex int) bool {
	for _, d := range m.Downstreams {
		if d.IfIndex == ifIndex {
			return true
		}
	}
	return false
}

func (m *Manager) downstreamByIndex(ifIndex int) *Downstream {
	for _, d := range m.Downstreams {
		if d.IfIndex == ifIndex {
			return d
		}
	}
	return nil
}

// upstreamFanout implements spec §4.8 step 2: the upstream(s) a source
// arriving on a downstream is forwarded to, per the instance's
// upstream/out rule-matching discipline. ALL selects every upstream whose
// OUT binding admits (group, source); FIRST selects the first such
// upstream in declaration order. MUTEX is illegal for OUT per spec and is
// treated defensively as ALL (pconfig.Validate is expected to reject a
// MUTEX binding on an OUT direction before this ever runs).
func (m *Manager) upstreamFanout(group, source addr.Address) []int {
	var out []int
	for _, up := range m.Upstreams {
		if !pconfig.IsSourceAllowed(up.OutBinding, up.Name, group, source) {
			continue
		}
		out = append(out, up.IfIndex)
		if m.Discipline == pconfig.MatchFirst {
			break
		}
	}
	return out
}

// interestedInterfaces computes the full output-interface set a packet
// from (group, source) received on inputIfIndex should be replicated to,
// per spec §4.8's five-step algorithm:
//  1. start empty.
//  2. if inputIfIndex is a downstream, add the upstream fan-out.
//  3. for every other downstream, add it if its IN filter admits the
//     source and its querier currently indicates interest.
//  4. apply each candidate's OUT filter (upstreams already had theirs
//     applied by upstreamFanout; only downstream candidates are rechecked
//     here, against their own OUT binding).
//  5. an empty result means "no route" (caller deletes the MFIB entry).
func (m *Manager) interestedInterfaces(group, source netip.Addr, inputIfIndex int) []int {
	g := addr.FromNetIP(group)
	s := addr.FromNetIP(source)

	var candidates []int
	if m.isDownstreamIndex(inputIfIndex) {
		candidates = append(candidates, m.upstreamFanout(g, s)...)
	}
	for _, d := range m.Downstreams {
		if d.IfIndex == inputIfIndex {
			continue
		}
		if !pconfig.IsSourceAllowed(d.InBinding, d.Name, g, s) {
			continue
		}
		if !d.Q.Interested(group, source) {
			continue
		}
		candidates = append(candidates, d.IfIndex)
	}

	out := make([]int, 0, len(candidates))
	for _, ifIndex := range candidates {
		if d := m.downstreamByIndex(ifIndex); d != nil {
			if !pconfig.IsSourceAllowed(d.OutBinding, d.Name, g, s) {
				continue
			}
		}
		out = append(out, ifIndex)
	}
	return out
}

// installRoute (re)installs the MFIB entry for (group, source) with the
// currently interested interface set, or removes it if nobody is
// interested (spec §4.8's MFIB synchronization step).
func (m *Manager) installRoute(group, source netip.Addr, inputIfIndex int) error {
	inputVIF, ok := m.VIFs.VIFForIndex(inputIfIndex)
	if !ok {
		return errors.Errorf(errors.KindNotFound, "no vif registered for input interface %d", inputIfIndex)
	}
	outIfaces := m.interestedInterfaces(group, source, inputIfIndex)
	if len(outIfaces) == 0 {
		m.Metrics.IncRouteRemoved()
		return m.Sock.DelMRoute(source, group)
	}
	outVIFs := make([]int, 0, len(outIfaces))
	for _, ifIndex := range outIfaces {
		if vif, ok := m.VIFs.VIFForIndex(ifIndex); ok {
			outVIFs = append(outVIFs, vif)
		}
	}
	m.Metrics.IncRouteInstalled()
	return m.Sock.AddMRoute(inputVIF, source, group, outVIFs)
}

// NewSource handles a kernel cache-miss upcall or a freshly decoded
// membership report naming a source the routing cache has not seen
// before (spec §4.7 set_source, §4.8 event_new_source): it records the
// source, installs its MFIB entry, and arms a liveness timer that
// periodically re-verifies the source is still sending before evicting
// it (spec §4.7 refresh_source_or_del_if_unused).
func (m *Manager) NewSource(inputIfIndex int, group, source netip.Addr) error {
	m.Data.SetSource(m.Sock, inputIfIndex, group, source)
	if err := m.installRoute(group, source, inputIfIndex); err != nil {
		return err
	}
	m.armNewSourceTimer(group, source)
	if m.Discipline == pconfig.MatchMutex {
		return m.SendMembershipUpstream(group)
	}
	return nil
}

// newSourceTimerDuration is the new-source liveness window: the
// configured MUTEX rulematching timeout when the upstream discipline is
// MUTEX (spec §4.8), else SourceLifeTime.
func (m *Manager) newSourceTimerDuration() time.Duration {
	if m.Discipline == pconfig.MatchMutex && m.MutexTimeout > 0 {
		return m.MutexTimeout
	}
	return m.SourceLifeTime
}

func (m *Manager) armNewSourceTimer(group, source netip.Addr) {
	key := sourceKey{group, source}
	if h, ok := m.newSourceTimers[key]; ok {
		m.Sched.Cancel(h)
	}
	h := m.Sched.Schedule(m.newSourceTimerDuration(), func(h timing.Handle) mbox.Message {
		return mbox.NewTimer(mbox.KindTimerNewSourceRouting, h, NewSourceTimerPayload{Group: group, Source: source})
	})
	m.newSourceTimers[key] = h
}

// NewSourceTimerPayload is delivered on mbox.KindTimerNewSourceRouting.
type NewSourceTimerPayload struct {
	Group, Source netip.Addr
}

// FireNewSourceTimer handles the liveness recheck: if the kernel's packet
// counter for (source,group) has not advanced, the source is idle and is
// evicted (its MFIB entry removed and its timer dropped); otherwise the
// timer is rearmed for another interval.
func (m *Manager) FireNewSourceTimer(h timing.Handle, p NewSourceTimerPayload) error {
	key := sourceKey{p.Group, p.Source}
	if m.newSourceTimers[key] != h {
		return nil
	}
	alive, err := m.Data.RefreshOrDeleteIfUnused(m.Sock, p.Group, p.Source)
	if err != nil {
		return err
	}
	if !alive {
		delete(m.newSourceTimers, key)
		return m.Sock.DelMRoute(p.Source, p.Group)
	}
	m.armNewSourceTimer(p.Group, p.Source)
	return nil
}

// QuerierStateChange implements querier.RoutingNotifier, handling spec
// §4.8's event_querier_state_change: a downstream interface's membership
// for group changed, so every source already routed for that group has
// its MFIB entry recomputed against the new interested-interface set.
// ifIndex (the downstream that triggered the change) is informational
// only.
func (m *Manager) QuerierStateChange(ifIndex int, group netip.Addr) {
	if err := m.querierStateChange(group); err != nil {
		m.log.WithError(err).Error("failed to recompute routes after querier state change", "group", group)
	}
}

func (m *Manager) querierStateChange(group netip.Addr) error {
	for _, source := range m.Data.GetAvailableSources(group) {
		ifIndex, ok := m.Data.InputIfIndex(group, source)
		if !ok {
			continue
		}
		if err := m.installRoute(group, source, ifIndex); err != nil {
			return err
		}
	}
	return m.SendMembershipUpstream(group)
}

// Shutdown cancels every pending new-source liveness timer, used when the
// owning proxy instance is exiting (spec §4.11 EXIT handling).
func (m *Manager) Shutdown() {
	for _, h := range m.newSourceTimers {
		m.Sched.Cancel(h)
	}
}
