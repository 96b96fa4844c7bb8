// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package instance

import (
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/mbox"
	"grimm.is/flywall/internal/pconfig"
	"grimm.is/flywall/internal/querier"
	"grimm.is/flywall/internal/receiver"
	"grimm.is/flywall/internal/routing"
	"grimm.is/flywall/internal/wire"
)

// dispatch routes one mailbox message to the collaborator that owns it
// (spec §4.11's single dispatch loop). done reports whether the loop
// should terminate after this message.
func (inst *Instance) dispatch(msg mbox.Message) (bool, error) {
	switch msg.Kind {
	case mbox.KindInit:
		inst.start()
		return false, nil

	case mbox.KindTest:
		inst.log.Trace("test message received")
		return false, nil

	case mbox.KindExit:
		return true, nil

	case mbox.KindTimerGeneralQuery:
		p := msg.Payload.(querier.GeneralQueryPayload)
		q, ok := inst.querierFor(p.IfIndex)
		if !ok {
			return false, nil
		}
		return false, q.FireGeneralQuery(msg.Handle)

	case mbox.KindTimerFilter:
		p := msg.Payload.(querier.FilterTimerPayload)
		q, ok := inst.querierFor(p.IfIndex)
		if !ok {
			return false, nil
		}
		return false, q.FireFilterTimer(msg.Handle, p.Group)

	case mbox.KindTimerSource:
		p := msg.Payload.(querier.SourceTimerPayload)
		q, ok := inst.querierFor(p.IfIndex)
		if !ok {
			return false, nil
		}
		return false, q.FireSourceTimer(msg.Handle, p.Group, p.Source)

	case mbox.KindTimerRetGroup:
		p := msg.Payload.(querier.GroupRetransPayload)
		q, ok := inst.querierFor(p.IfIndex)
		if !ok {
			return false, nil
		}
		return false, q.FireGroupRetransTimer(msg.Handle, p.Group)

	case mbox.KindTimerRetSource:
		p := msg.Payload.(querier.SourceRetransPayload)
		q, ok := inst.querierFor(p.IfIndex)
		if !ok {
			return false, nil
		}
		return false, q.FireSourceRetransTimer(msg.Handle, p.Group)

	case mbox.KindTimerOlderHostPresent:
		p := msg.Payload.(querier.OlderHostPresentPayload)
		q, ok := inst.querierFor(p.IfIndex)
		if !ok {
			return false, nil
		}
		return false, q.FireOlderHostPresentTimer(msg.Handle, p.Group)

	case mbox.KindTimerNewSourceRouting:
		p := msg.Payload.(routing.NewSourceTimerPayload)
		return false, inst.Manager.FireNewSourceTimer(msg.Handle, p)

	case mbox.KindNewSource:
		p := msg.Payload.(receiver.NewSourcePayload)
		return false, inst.Manager.NewSource(p.InputIfIndex, p.Group, p.Source)

	case mbox.KindGroupRecord:
		return false, inst.dispatchGroupRecord(msg.Payload.(receiver.GroupRecordPayload))

	case mbox.KindConfig:
		inst.applyConfig(msg.Payload.(*pconfig.InstanceDefinition))
		return false, nil

	case mbox.KindDebug:
		req := msg.Payload.(DebugRequest)
		select {
		case req.Reply <- inst.buildSnapshot():
		default:
		}
		return false, nil

	default:
		return false, errors.Errorf(errors.KindInternal, "unhandled message kind %s", msg.Kind)
	}
}

// dispatchGroupRecord routes one decoded membership record to the
// downstream querier it arrived on, then re-drives upstream aggregation
// for the affected group (spec §4.6, §4.9).
func (inst *Instance) dispatchGroupRecord(p receiver.GroupRecordPayload) error {
	q, ok := inst.querierFor(p.IfIndex)
	if !ok {
		return errors.Errorf(errors.KindNotFound, "group record for unregistered downstream interface %d", p.IfIndex)
	}
	var err error
	if p.Legacy {
		isLeave := p.Record.Type == wire.ChangeToIncludeMode
		err = q.ProcessLegacyReport(p.Proto, isLeave, p.Record.Group)
	} else {
		err = q.ProcessRecord(p.Record.Group, p.Record.Type, p.Record.Sources)
	}
	if err != nil {
		return err
	}
	inst.Metrics.SetActiveGroups(q.IfName, len(q.Groups()))
	return inst.Manager.SendMembershipUpstream(p.Record.Group)
}

// applyConfig updates the rule bindings and upstream distribution
// discipline of a running instance from a reloaded definition. The
// upstream/downstream interface set itself is fixed for the instance's
// lifetime: adding or removing interfaces requires the VIF/MIF table to
// be rebuilt, so a reload that changes interface membership requires
// restarting the instance rather than a KindConfig message.
func (inst *Instance) applyConfig(next *pconfig.InstanceDefinition) {
	for _, d := range inst.Manager.Downstreams {
		for _, iface := range next.Downstreams {
			if iface.Name != d.Name {
				continue
			}
			d.InBinding = pconfig.ResolveBinding(next, iface, pconfig.Downstream, pconfig.In)
			d.OutBinding = pconfig.ResolveBinding(next, iface, pconfig.Downstream, pconfig.Out)
		}
	}
	for i := range inst.Manager.Upstreams {
		up := &inst.Manager.Upstreams[i]
		for _, iface := range next.Upstreams {
			if iface.Name != up.Name {
				continue
			}
			up.OutBinding = pconfig.ResolveBinding(next, iface, pconfig.Upstream, pconfig.Out)
		}
	}
	inst.Manager.Discipline, inst.Manager.MutexTimeout = upstreamDiscipline(next)
	inst.log.Info("applied configuration update")
}
