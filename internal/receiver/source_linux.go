// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package receiver

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

// LinuxPacketSource implements PacketSource over a raw IGMP or ICMPv6
// socket, the receive-side counterpart of sender.LinuxTransmitter.
// Grounded in
// _examples/original_source/mcproxy/include/utils/mc_socket.hpp's
// receive_msg, reworked around golang.org/x/net/ipv4.RawConn (which
// separates the IP header from the payload on read, matching what
// wire.DecodeIGMP expects) and golang.org/x/net/ipv6.PacketConn (whose
// raw ICMPv6 sockets already deliver header-stripped payloads on Linux).
type LinuxPacketSource struct {
	mu     sync.Mutex
	fam    addr.Family
	pconn4 *ipv4.RawConn
	pconn6 *ipv6.PacketConn
}

// NewLinuxPacketSource opens a raw listening socket for fam.
func NewLinuxPacketSource(fam addr.Family) (*LinuxPacketSource, error) {
	s := &LinuxPacketSource{fam: fam}
	switch fam {
	case addr.V4:
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_IGMP)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindKernel, "open raw igmp listen socket")
		}
		pc, err := net.FilePacketConn(os.NewFile(uintptr(fd), "igmp-raw-rx"))
		if err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, errors.KindKernel, "wrap raw igmp listen socket")
		}
		rc, err := ipv4.NewRawConn(pc)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindKernel, "create ipv4 raw conn")
		}
		if err := rc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
			return nil, errors.Wrap(err, errors.KindKernel, "enable ipv4 interface control messages")
		}
		s.pconn4 = rc
	case addr.V6:
		fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_ICMPV6)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindKernel, "open raw icmpv6 listen socket")
		}
		pc, err := net.FilePacketConn(os.NewFile(uintptr(fd), "icmpv6-raw-rx"))
		if err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, errors.KindKernel, "wrap raw icmpv6 listen socket")
		}
		pconn6 := ipv6.NewPacketConn(pc)
		if err := pconn6.SetControlMessage(ipv6.FlagInterface, true); err != nil {
			return nil, errors.Wrap(err, errors.KindKernel, "enable icmpv6 interface control messages")
		}
		s.pconn6 = pconn6
	default:
		return nil, errors.Errorf(errors.KindKernel, "unsupported address family %s", fam)
	}
	return s, nil
}

// ReadFrom implements PacketSource.
func (s *LinuxPacketSource) ReadFrom() ([]byte, int, netip.Addr, error) {
	buf := make([]byte, 8192)
	if s.fam == addr.V6 {
		n, cm, peer, err := s.pconn6.ReadFrom(buf)
		if err != nil {
			return nil, 0, netip.Addr{}, errors.Wrap(err, errors.KindKernel, "read icmpv6 packet")
		}
		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}
		return buf[:n], ifIndex, peerAddr(peer), nil
	}
	hdr, payload, cm, err := s.pconn4.ReadFrom(buf)
	if err != nil {
		return nil, 0, netip.Addr{}, errors.Wrap(err, errors.KindKernel, "read igmp packet")
	}
	ifIndex := 0
	if cm != nil {
		ifIndex = cm.IfIndex
	}
	src, ok := netip.AddrFromSlice(hdr.Src.To4())
	if !ok {
		return nil, 0, netip.Addr{}, errors.New(errors.KindProtocol, "igmp packet: bad source address")
	}
	return payload, ifIndex, src, nil
}

func peerAddr(peer net.Addr) netip.Addr {
	switch p := peer.(type) {
	case *net.IPAddr:
		a, _ := netip.AddrFromSlice(p.IP.To16())
		return a.Unmap()
	case *net.UDPAddr:
		a, _ := netip.AddrFromSlice(p.IP.To16())
		return a.Unmap()
	default:
		return netip.Addr{}
	}
}

// JoinGroup implements PacketSource.
func (s *LinuxPacketSource) JoinGroup(ifIndex int, group netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	iface, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return errors.Wrapf(err, errors.KindKernel, "resolve interface %d", ifIndex)
	}
	dst := &net.UDPAddr{IP: net.IP(group.AsSlice())}
	if s.fam == addr.V6 {
		return errors.Wrap(s.pconn6.JoinGroup(iface, dst), errors.KindKernel, "join icmpv6 group")
	}
	return errors.Wrap(s.pconn4.JoinGroup(iface, dst), errors.KindKernel, "join igmp group")
}

// Close implements PacketSource.
func (s *LinuxPacketSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fam == addr.V6 {
		return s.pconn6.Close()
	}
	return s.pconn4.Close()
}
