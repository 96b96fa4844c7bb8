// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package receiver implements spec §4.5: per-family packet receivers that
// join the router-directed multicast groups on every downstream
// interface, decode incoming IGMP/MLD datagrams and kernel cache-miss
// upcalls, and dispatch them into a proxy instance's mailbox as
// KindGroupRecord/KindNewSource messages. Grounded in
// _examples/original_source/mcproxy/src/proxy/simple_mc_proxy_routing.cpp's
// packet dispatch loop and include/utils/mc_socket.hpp's receive path,
// reworked around golang.org/x/net/ipv4.PacketConn and
// golang.org/x/net/ipv6.PacketConn for group membership and
// control-message handling.
package receiver

import (
	"net/netip"

	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/ifreg"
	"grimm.is/flywall/internal/kernel"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/mbox"
	"grimm.is/flywall/internal/metrics"
	"grimm.is/flywall/internal/wire"
)

// GroupRecordPayload is delivered on mbox.KindGroupRecord: one decoded
// IGMPv3/MLDv2 multicast address record (or a synthesized record for a
// legacy v1/v2 join/leave), naming the downstream interface it arrived
// on so the querier dispatch can route it to the right Querier instance.
type GroupRecordPayload struct {
	IfIndex int
	Proto   wire.Protocol
	Record  wire.QueryRecord
	// Legacy is true when Record was synthesized from an IGMPv1/v2 or
	// MLDv1 report rather than decoded from an IGMPv3/MLDv2 one (spec
	// §4.6's ProcessLegacyReport path).
	Legacy bool
}

// NewSourcePayload is delivered on mbox.KindNewSource: a kernel cache-miss
// upcall naming a (source, group) pair with no existing MFIB entry.
type NewSourcePayload struct {
	InputIfIndex int
	Source       netip.Addr
	Group        netip.Addr
}

// Dispatcher is the mailbox-facing side of a Receiver: it converts a
// decoded packet or upcall into a mbox.Message at the receiver's
// LOSEABLE priority class and enqueues it (spec §4.11, §5: receiver
// traffic is the only LOSEABLE class, dropped under mailbox backpressure
// rather than blocking).
type Dispatcher interface {
	Deliver(msg mbox.Message) error
}

// Receiver owns one address family's raw listening socket for one proxy
// instance and turns inbound bytes into mailbox messages.
type Receiver struct {
	fam  wire.Protocol // IGMPv3 or MLDv2: the max protocol version this receiver decodes up to
	conn PacketSource
	vifs *ifreg.Registry
	disp Dispatcher
	log  *logging.Logger

	// Metrics is optional; nil disables the protocol-error counter.
	Metrics *metrics.Metrics
}

// PacketSource abstracts the raw-socket read loop (production:
// golang.org/x/net/ipv4.PacketConn / ipv6.PacketConn; tests: an in-memory
// fake feeding canned packets).
type PacketSource interface {
	// ReadFrom reads one datagram, returning its payload, the OS
	// interface index it arrived on (from the control message), and the
	// source address.
	ReadFrom() (payload []byte, ifIndex int, src netip.Addr, err error)
	// JoinGroup joins group on the named interface (router-directed
	// listener membership, spec §4.6).
	JoinGroup(ifIndex int, group netip.Addr) error
	Close() error
}

// New creates a Receiver for one address family.
func New(proto wire.Protocol, conn PacketSource, vifs *ifreg.Registry, disp Dispatcher) *Receiver {
	return &Receiver{fam: proto, conn: conn, vifs: vifs, disp: disp, log: logging.WithComponent("receiver").With("proto", proto)}
}

// JoinRouterGroups joins every router-directed group this protocol needs
// on the given interface (spec §4.6: a downstream querier must receive
// reports addressed to the all-routers/all-MLDv2-routers groups, not just
// its own queries' responses).
func (r *Receiver) JoinRouterGroups(ifIndex int) error {
	for _, g := range wire.RouterGroups(r.fam) {
		if err := r.conn.JoinGroup(ifIndex, g); err != nil {
			return errors.Wrapf(err, errors.KindKernel, "join %s on interface %d", g, ifIndex)
		}
	}
	return nil
}

// Run reads packets until the source is closed, decoding and dispatching
// each one. Intended to run in its own goroutine, one per Receiver,
// matching the teacher's one-thread-per-subsystem model (internal/timing
// does the same for the timer service).
func (r *Receiver) Run() {
	for {
		payload, ifIndex, src, err := r.conn.ReadFrom()
		if err != nil {
			r.log.WithError(err).Debug("receive loop exiting")
			return
		}
		if err := r.handle(ifIndex, src, payload); err != nil {
			r.Metrics.IncProtocolError(r.familyLabel(), "decode")
			r.log.WithError(err).Debug("dropping malformed packet")
		}
	}
}

func (r *Receiver) familyLabel() string {
	if r.fam.IsIGMP() {
		return "igmp"
	}
	return "mld"
}

func (r *Receiver) handle(ifIndex int, src netip.Addr, payload []byte) error {
	if r.fam.IsIGMP() {
		decoded, err := wire.DecodeIGMP(payload)
		if err != nil {
			return err
		}
		return r.dispatchDecoded(ifIndex, wire.IGMPv3, decoded)
	}
	decoded, err := wire.DecodeMLD(payload)
	if err != nil {
		return err
	}
	return r.dispatchDecoded(ifIndex, wire.MLDv2, decoded)
}

func (r *Receiver) dispatchDecoded(ifIndex int, proto wire.Protocol, decoded any) error {
	switch v := decoded.(type) {
	case wire.Report:
		for _, rec := range v.Records {
			r.Metrics.IncReportReceived(rec.Type.String())
			if err := r.disp.Deliver(mbox.New(mbox.KindGroupRecord, GroupRecordPayload{IfIndex: ifIndex, Proto: v.Protocol, Record: rec})); err != nil {
				return err
			}
		}
		return nil
	case wire.LegacyReport:
		recType := wire.ChangeToExcludeMode
		if v.Type == wire.IGMPTypeV2LeaveGroup || v.Type == wire.MLDTypeV1ListenerDone {
			recType = wire.ChangeToIncludeMode
		}
		rec := wire.QueryRecord{Type: recType, Group: v.Group}
		r.Metrics.IncReportReceived(recType.String())
		return r.disp.Deliver(mbox.New(mbox.KindGroupRecord, GroupRecordPayload{IfIndex: ifIndex, Proto: v.Protocol, Record: rec, Legacy: true}))
	case wire.IGMPQuery, wire.MLDQuery:
		// Another querier's query: dropped here and not delivered to
		// the instance, so it drives no election or compatibility state.
		return nil
	default:
		return errors.Errorf(errors.KindProtocol, "unrecognized decoded payload type %T", decoded)
	}
}

// RunUpcalls reads kernel multicast routing cache-miss upcalls from src
// until it errors (typically because the owning MrouteSocket was closed
// at shutdown), translating each upcall's VIF/MIF back to an OS interface
// index via vifToIf and delivering it as spec §4.7's event_new_source.
// Intended to run in its own goroutine alongside Run, started only when
// the instance's kernel.MrouteSocket also implements kernel.UpcallReader.
func (r *Receiver) RunUpcalls(src kernel.UpcallReader, vifToIf func(vif int) (int, bool)) {
	for {
		cm, err := src.ReadUpcall()
		if err != nil {
			r.log.WithError(err).Debug("upcall loop exiting")
			return
		}
		ifIndex, ok := vifToIf(cm.InputVIF)
		if !ok {
			r.log.Warn("cache-miss upcall for unregistered vif", "vif", cm.InputVIF)
			continue
		}
		if err := r.DeliverCacheMiss(cm, ifIndex); err != nil {
			r.log.WithError(err).Debug("dropping cache-miss upcall")
		}
	}
}

// DeliverCacheMiss converts a decoded kernel upcall into a KindNewSource
// mailbox message (spec §4.7 event_new_source entry point).
func (r *Receiver) DeliverCacheMiss(cm wire.CacheMiss, inputIfIndex int) error {
	return r.disp.Deliver(mbox.New(mbox.KindNewSource, NewSourcePayload{InputIfIndex: inputIfIndex, Source: cm.Source, Group: cm.Group}))
}
