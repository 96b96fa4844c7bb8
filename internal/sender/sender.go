// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sender implements spec §4.4: encoding and transmitting general,
// group-specific, and group-and-source-specific queries, and membership
// reports, on a raw IGMP or ICMPv6 socket bound to a specific output
// interface. Grounded in
// _examples/original_source/mcproxy/src/proxy/querier.cpp's send_* helpers
// and include/utils/mc_socket.hpp, reworked around
// golang.org/x/net/ipv4.RawConn and golang.org/x/net/ipv6.PacketConn the
// way the teacher's own transport layer wraps x/net for framed I/O.
package sender

import (
	"net"
	"net/netip"
	"time"

	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/metrics"
	"grimm.is/flywall/internal/querier"
	"grimm.is/flywall/internal/wire"
)

// Transmitter is the capability a Sender drives to put an encoded packet
// on the wire, bound to one address family. The production implementation
// wraps a raw socket (ipv4.RawConn for IGMP, ipv6.PacketConn for MLD's
// ICMPv6 framing); tests substitute a recording fake.
type Transmitter interface {
	// Transmit sends payload to dst out ifIndex, setting the IP TTL/hop
	// limit to 1 (IGMP/MLD control traffic never leaves the local link,
	// RFC 3376 §4, RFC 3810 §5).
	Transmit(ifIndex int, dst netip.Addr, payload []byte) error
}

// Sender implements querier.Sender and aggregation.Sender: it encodes the
// requested message and hands it to a Transmitter for the address family
// it was constructed for.
type Sender struct {
	tx  Transmitter
	log *logging.Logger

	// Metrics is optional; nil disables the queries-sent counter.
	Metrics *metrics.Metrics
}

// New creates a Sender backed by tx.
func New(tx Transmitter) *Sender {
	return &Sender{tx: tx, log: logging.WithComponent("sender")}
}

func destinationFor(proto wire.Protocol, group netip.Addr) netip.Addr {
	if group.IsValid() && !group.IsUnspecified() {
		return group
	}
	if proto.IsIGMP() {
		return wire.IGMPAllHosts
	}
	return wire.MLDAllNodes
}

// SendGeneralQuery implements querier.Sender: a query with no group and
// no source list, sent to the all-systems/all-nodes group.
func (s *Sender) SendGeneralQuery(ifIndex int, proto wire.Protocol, maxRespTime time.Duration) error {
	dst := destinationFor(proto, netip.Addr{})
	payload, err := s.encodeQuery(proto, netip.Addr{}, nil, maxRespTime)
	if err != nil {
		return err
	}
	s.Metrics.IncQuerySent("general")
	return s.tx.Transmit(ifIndex, dst, payload)
}

// SendGroupQuery implements querier.Sender: a group-specific query sent
// directly to the group being queried.
func (s *Sender) SendGroupQuery(ifIndex int, proto wire.Protocol, group netip.Addr, maxRespTime time.Duration) error {
	payload, err := s.encodeQuery(proto, group, nil, maxRespTime)
	if err != nil {
		return err
	}
	s.Metrics.IncQuerySent("group")
	return s.tx.Transmit(ifIndex, group, payload)
}

// SendGroupAndSourceQuery implements querier.Sender: an IGMPv3/MLDv2
// group-and-source-specific query. Falls back to a plain group query if
// proto doesn't support source lists (legacy compatibility mode).
func (s *Sender) SendGroupAndSourceQuery(ifIndex int, proto wire.Protocol, group netip.Addr, sources []netip.Addr, maxRespTime time.Duration) error {
	payload, err := s.encodeQuery(proto, group, sources, maxRespTime)
	if err != nil {
		return err
	}
	s.Metrics.IncQuerySent("group_and_source")
	return s.tx.Transmit(ifIndex, group, payload)
}

func (s *Sender) encodeQuery(proto wire.Protocol, group netip.Addr, sources []netip.Addr, maxRespTime time.Duration) ([]byte, error) {
	switch proto {
	case wire.IGMPv3:
		tenths := uint32(maxRespTime.Milliseconds() / 100)
		return wire.EncodeIGMPv3Query(orWildcard4(group), tenths, false, 2, wire.EncodeQQIC(125), sources), nil
	case wire.IGMPv1, wire.IGMPv2:
		return wire.EncodeIGMPv2Query(orWildcard4(group), uint8(maxRespTime.Milliseconds()/100)), nil
	case wire.MLDv2:
		millis := uint32(maxRespTime.Milliseconds())
		return wire.EncodeMLDv2Query(orWildcard6(group), millis, false, 2, wire.EncodeQQIC(125), sources), nil
	case wire.MLDv1:
		return wire.EncodeMLDv1Query(orWildcard6(group), uint16(maxRespTime.Milliseconds())), nil
	default:
		return nil, errors.Errorf(errors.KindProtocol, "sender: unsupported protocol %s", proto)
	}
}

func orWildcard4(a netip.Addr) netip.Addr {
	if a.IsValid() {
		return a
	}
	return netip.IPv4Unspecified()
}

func orWildcard6(a netip.Addr) netip.Addr {
	if a.IsValid() {
		return a
	}
	return netip.IPv6Unspecified()
}

// SendRecord implements aggregation.Sender: emits a single-record
// membership report upstream reflecting the combined (mode, sources) for
// group, used by the routing manager to report membership to an upstream
// interface (spec §4.9).
func (s *Sender) SendRecord(ifIndex int, proto wire.Protocol, mode querier.FilterMode, group netip.Addr, sources []netip.Addr) error {
	recType := wire.ModeIsInclude
	if mode == querier.Exclude {
		recType = wire.ModeIsExclude
	}
	record := wire.QueryRecord{Type: recType, Group: group, Sources: sources}
	var payload []byte
	if proto.IsIGMP() {
		payload = wire.EncodeIGMPv3Report([]wire.QueryRecord{record})
	} else {
		payload = wire.EncodeMLDv2Report([]wire.QueryRecord{record})
	}
	dst := wire.IGMPv3Routers
	if proto.IsMLD() {
		dst = wire.MLDv2Routers
	}
	return s.tx.Transmit(ifIndex, dst, payload)
}

// NetInterfaceByIndex resolves an OS interface index to its net.Interface,
// used by the production Transmitter implementations to bind their raw
// socket's multicast interface.
func NetInterfaceByIndex(ifIndex int) (*net.Interface, error) {
	iface, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindKernel, "resolve interface %d", ifIndex)
	}
	return iface, nil
}
