// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package instance

import (
	"context"
	"net/netip"
	"time"

	"grimm.is/flywall/internal/addr"
	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/ifreg"
	"grimm.is/flywall/internal/kernel"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/mbox"
	"grimm.is/flywall/internal/metrics"
	"grimm.is/flywall/internal/pconfig"
	"grimm.is/flywall/internal/querier"
	"grimm.is/flywall/internal/receiver"
	"grimm.is/flywall/internal/routing"
	"grimm.is/flywall/internal/sender"
	"grimm.is/flywall/internal/timing"
	"grimm.is/flywall/internal/wire"
)

// Instance is one `pinstance` declaration brought up as a running proxy:
// its VIF table, queriers, routing manager, sender and receiver, driven
// by a single dispatch loop reading its own mailbox (spec §4.11).
type Instance struct {
	Name     string
	Proto    wire.Protocol
	Mailbox  *mbox.Mailbox
	Timing   *timing.Service[mbox.Message]
	Sched    *Scheduler
	VIFs     *ifreg.Registry
	Sock     kernel.MrouteSocket
	Manager  *routing.Manager
	Sender   *sender.Sender
	Receiver *receiver.Receiver

	queriers map[int]*querier.Querier // by downstream OS ifIndex

	conn receiver.PacketSource
	log  *logging.Logger

	// Metrics is this instance's counter set (spec §7's protocol-error and
	// route counters), labeled by instance name so a process running
	// several pinstance definitions keeps them distinct.
	Metrics *metrics.Metrics
}

// famFor returns the address family a protocol's VIF/MIF table and
// virtual-interface numbering use.
func famFor(proto wire.Protocol) addr.Family {
	if proto.IsMLD() {
		return addr.V6
	}
	return addr.V4
}

// New builds an Instance for inst, resolving every declared upstream and
// downstream interface against ifaces, assigning VIF/MIF slots on sock,
// and wiring a Querier per downstream. rpf may be nil (no rp_filter
// adjustment, e.g. in tests); tx and conn are the address family's
// Transmitter and PacketSource.
func New(proto wire.Protocol, inst *pconfig.InstanceDefinition, ifaces kernel.InterfaceRegistry, sock kernel.MrouteSocket, rpf kernel.ReversePathFilter, tx sender.Transmitter, conn receiver.PacketSource, clk clock.Clock) (*Instance, error) {
	log := logging.WithComponent("instance").With("instance", inst.Name)

	if err := sock.SetMRTFlag(true); err != nil {
		return nil, errors.Wrapf(err, errors.KindKernel, "instance %q: enable multicast forwarding", inst.Name)
	}
	if inst.TableNumber != 0 {
		if err := sock.SetTable(inst.TableNumber); err != nil {
			return nil, errors.Wrapf(err, errors.KindKernel, "instance %q: bind routing table %d", inst.Name, inst.TableNumber)
		}
	}

	vifs := ifreg.New(famFor(proto))
	mailbox := mbox.NewMailbox(mbox.DefaultCapacity)
	timingSvc := timing.NewService[mbox.Message](clk, 0)
	sched := NewScheduler(timingSvc, mailbox)
	mtr := metrics.New(inst.Name)
	snd := sender.New(tx)
	snd.Metrics = mtr
	data := routing.New()
	mgr := routing.NewManager(data, sock, vifs, proto, inst, sched, clk)
	mgr.Metrics = mtr
	rcv := receiver.New(proto, conn, vifs, mailbox)
	rcv.Metrics = mtr

	queriers := map[int]*querier.Querier{}

	for _, iface := range inst.Downstreams {
		ifIndex, err := ifaces.InterfaceIndex(iface.Name)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindNotFound, "instance %q: downstream interface %q", inst.Name, iface.Name)
		}
		if _, err := vifs.Assign(sock, iface.Name, ifIndex); err != nil {
			return nil, errors.Wrapf(err, errors.KindKernel, "instance %q: assign vif for %q", inst.Name, iface.Name)
		}
		if rpf != nil {
			if err := rpf.Set(iface.Name, 0); err != nil {
				log.WithError(err).Warn("failed to relax rp_filter", "interface", iface.Name)
			}
		}
		q := querier.New(ifIndex, iface.Name, proto, sched, snd, mgr)
		queriers[ifIndex] = q
		mgr.AddDownstream(&routing.Downstream{
			IfIndex:    ifIndex,
			Name:       iface.Name,
			Q:          q,
			InBinding:  pconfig.ResolveBinding(inst, iface, pconfig.Downstream, pconfig.In),
			OutBinding: pconfig.ResolveBinding(inst, iface, pconfig.Downstream, pconfig.Out),
		})
		if err := rcv.JoinRouterGroups(ifIndex); err != nil {
			return nil, errors.Wrapf(err, errors.KindKernel, "instance %q: join router groups on %q", inst.Name, iface.Name)
		}
	}

	for _, iface := range inst.Upstreams {
		ifIndex, err := ifaces.InterfaceIndex(iface.Name)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindNotFound, "instance %q: upstream interface %q", inst.Name, iface.Name)
		}
		if _, err := vifs.Assign(sock, iface.Name, ifIndex); err != nil {
			return nil, errors.Wrapf(err, errors.KindKernel, "instance %q: assign vif for %q", inst.Name, iface.Name)
		}
		mgr.AddUpstream(ifIndex, iface.Name, pconfig.ResolveBinding(inst, iface, pconfig.Upstream, pconfig.Out))
	}

	mgr.Sender = snd
	mgr.Discipline, mgr.MutexTimeout = upstreamDiscipline(inst)

	return &Instance{
		Name:     inst.Name,
		Proto:    proto,
		Mailbox:  mailbox,
		Timing:   timingSvc,
		Sched:    sched,
		VIFs:     vifs,
		Sock:     sock,
		Manager:  mgr,
		Sender:   snd,
		Receiver: rcv,
		queriers: queriers,
		conn:     conn,
		log:      log,
		Metrics:  mtr,
	}, nil
}

// upstreamDiscipline extracts the instance-wide rule-matching discipline
// governing how combined membership is distributed across upstreams
// (spec §3, §4.9): a MUTEX RuleMatching binding declared for the
// upstream/in role takes precedence; otherwise the RuleMatching binding
// declared for the upstream/out role, or MatchAll if none was declared.
func upstreamDiscipline(inst *pconfig.InstanceDefinition) (pconfig.MatchDiscipline, time.Duration) {
	for _, b := range inst.GlobalSettings {
		if b.Kind == pconfig.BindingMatching && b.IfaceRole == pconfig.Upstream && b.Direction == pconfig.In && b.Discipline == pconfig.MatchMutex {
			return pconfig.MatchMutex, time.Duration(b.MutexTimeoutMS) * time.Millisecond
		}
	}
	for _, b := range inst.GlobalSettings {
		if b.Kind == pconfig.BindingMatching && b.IfaceRole == pconfig.Upstream && b.Direction == pconfig.Out {
			return b.Discipline, time.Duration(b.MutexTimeoutMS) * time.Millisecond
		}
	}
	return pconfig.MatchAll, 0
}

// Start sends the instance its own INIT message and runs the dispatch
// loop until ctx is cancelled or an EXIT message is processed. It blocks
// until the loop exits, so callers typically run it in its own goroutine.
func (inst *Instance) Start(ctx context.Context) error {
	inst.Mailbox.Send(mbox.New(mbox.KindInit, nil))
	return inst.run(ctx)
}

func (inst *Instance) run(ctx context.Context) error {
	for {
		msg, ok := inst.Mailbox.Recv(ctx)
		if !ok {
			inst.shutdown()
			return nil
		}
		done, err := inst.dispatch(msg)
		if err != nil {
			inst.log.WithError(err).Error("dispatch failed", "kind", msg.Kind)
		}
		if done {
			inst.shutdown()
			return nil
		}
	}
}

// Stop enqueues an EXIT message, causing the dispatch loop to tear down
// and return on its next iteration (spec §4.11 EXIT handling).
func (inst *Instance) Stop() {
	inst.Mailbox.Send(mbox.New(mbox.KindExit, nil))
}

func (inst *Instance) start() {
	go inst.Timing.Run()
	go inst.Receiver.Run()
	if up, ok := inst.Sock.(kernel.UpcallReader); ok {
		go inst.Receiver.RunUpcalls(up, inst.VIFs.IfIndexForVIF)
	}
	for _, q := range inst.queriers {
		if err := q.StartAsQuerier(); err != nil {
			inst.log.WithError(err).Warn("failed to send startup general query", "if", q.IfName)
		}
	}
}

func (inst *Instance) shutdown() {
	inst.Manager.Shutdown()
	for _, q := range inst.queriers {
		q.Shutdown()
	}
	inst.Timing.Stop()
	inst.Mailbox.Close()
	if err := inst.conn.Close(); err != nil {
		inst.log.WithError(err).Debug("closing packet source")
	}
	if err := inst.Sock.Close(); err != nil {
		inst.log.WithError(err).Debug("closing mroute socket")
	}
}

// querierFor looks up the downstream Querier owning ifIndex.
func (inst *Instance) querierFor(ifIndex int) (*querier.Querier, bool) {
	q, ok := inst.queriers[ifIndex]
	return q, ok
}

// GroupSnapshot is one (interface, group) entry in a DebugSnapshot.
type GroupSnapshot struct {
	IfIndex int
	IfName  string
	Group   netip.Addr
	Mode    string
	Include []netip.Addr
	Exclude []netip.Addr
}

// DebugSnapshot is the membership/routing state returned by a KindDebug
// request, supplementing proxy_instance.cpp's DEBUG_MSG handling (spec
// SPEC_FULL.md "Status/debug reporting").
type DebugSnapshot struct {
	Instance string
	Groups   []GroupSnapshot
	Routes   []netip.Addr
}

// DebugRequest is the KindDebug payload: Reply must be a channel with
// capacity for at least one value, so the (single-threaded) dispatch loop
// never blocks sending the snapshot back.
type DebugRequest struct {
	Reply chan<- DebugSnapshot
}

func (inst *Instance) buildSnapshot() DebugSnapshot {
	snap := DebugSnapshot{Instance: inst.Name}
	seenGroups := map[netip.Addr]bool{}
	for _, d := range inst.Manager.Downstreams {
		for g, gi := range d.Q.Groups() {
			seenGroups[g] = true
			snap.Groups = append(snap.Groups, GroupSnapshot{
				IfIndex: d.IfIndex,
				IfName:  d.Name,
				Group:   g,
				Mode:    gi.FilterMode.String(),
				Include: gi.Sources(),
				Exclude: excludeList(gi),
			})
		}
	}
	for g := range seenGroups {
		snap.Routes = append(snap.Routes, inst.Manager.Data.GetAvailableSources(g)...)
	}
	return snap
}

func excludeList(gi *querier.GroupInfo) []netip.Addr {
	out := make([]netip.Addr, 0, len(gi.Exclude))
	for s := range gi.Exclude {
		out = append(out, s)
	}
	return out
}
