// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package sender

import (
	"net"
	"net/netip"
	"os"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"grimm.is/flywall/internal/addr"
	"grimm.is/flywall/internal/errors"
)

// LinuxTransmitter sends encoded IGMP or ICMPv6 payloads out a raw
// socket bound to one address family, setting TTL/hop-limit 1 on every
// packet and the outgoing multicast interface per call (spec §4.4, §6).
// Grounded in
// _examples/original_source/mcproxy/include/utils/mc_socket.hpp's
// send_packet, reworked around golang.org/x/net's packet-conn wrappers
// instead of hand-rolled cmsg construction.
type LinuxTransmitter struct {
	mu     sync.Mutex
	fam    addr.Family
	fd     int
	pconn4 *ipv4.RawConn
	pconn6 *ipv6.PacketConn
}

// NewLinuxTransmitter opens a raw socket for fam and wraps it with the
// matching x/net packet connection.
func NewLinuxTransmitter(fam addr.Family) (*LinuxTransmitter, error) {
	t := &LinuxTransmitter{fam: fam}
	switch fam {
	case addr.V4:
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_IGMP)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindKernel, "open raw igmp socket")
		}
		pc, err := net.FilePacketConn(os.NewFile(uintptr(fd), "igmp-raw"))
		if err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, errors.KindKernel, "wrap raw igmp socket")
		}
		rc, err := ipv4.NewRawConn(pc)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindKernel, "create ipv4 raw conn")
		}
		t.fd = fd
		t.pconn4 = rc
	case addr.V6:
		fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_ICMPV6)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindKernel, "open raw icmpv6 socket")
		}
		pc, err := net.FilePacketConn(os.NewFile(uintptr(fd), "icmpv6-raw"))
		if err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, errors.KindKernel, "wrap raw icmpv6 socket")
		}
		t.fd = fd
		t.pconn6 = ipv6.NewPacketConn(pc)
		if err := t.pconn6.SetHopLimit(1); err != nil {
			return nil, errors.Wrap(err, errors.KindKernel, "set icmpv6 hop limit")
		}
	default:
		return nil, errors.Errorf(errors.KindKernel, "unsupported address family %s", fam)
	}
	return t, nil
}

// Transmit implements Transmitter, binding the outgoing multicast
// interface to ifIndex for this one send.
func (t *LinuxTransmitter) Transmit(ifIndex int, dst netip.Addr, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	iface, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return errors.Wrapf(err, errors.KindKernel, "resolve interface %d", ifIndex)
	}
	if t.fam == addr.V6 {
		if err := t.pconn6.SetMulticastInterface(iface); err != nil {
			return errors.Wrap(err, errors.KindKernel, "set icmpv6 multicast interface")
		}
		udpAddr := &net.UDPAddr{IP: net.IP(dst.AsSlice()), Zone: iface.Name}
		_, err := t.pconn6.WriteTo(payload, nil, udpAddr)
		return errors.Wrap(err, errors.KindKernel, "write icmpv6 packet")
	}
	if err := t.pconn4.SetMulticastInterface(iface); err != nil {
		return errors.Wrap(err, errors.KindKernel, "set igmp multicast interface")
	}
	header := &ipv4.Header{
		Version:  4,
		Len:      ipv4.HeaderLen,
		TOS:      0xc0,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      1,
		Protocol: unix.IPPROTO_IGMP,
		Dst:      net.IP(dst.AsSlice()),
	}
	return errors.Wrap(t.pconn4.WriteTo(header, payload, nil), errors.KindKernel, "write igmp packet")
}

// Close releases the underlying raw socket.
func (t *LinuxTransmitter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pconn4 != nil {
		return t.pconn4.Close()
	}
	if t.pconn6 != nil {
		return t.pconn6.Close()
	}
	return nil
}
