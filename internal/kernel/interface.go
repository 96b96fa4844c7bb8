// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernel abstracts the Linux multicast routing API (MRT sockopts,
// VIF/MIF tables, MFC entries) behind a Kernel interface. On Linux it
// wraps golang.org/x/sys/unix raw-socket sockopt calls and
// github.com/vishvananda/netlink for interface/rp_filter introspection;
// in simulation mode it provides a stateful in-memory implementation for
// tests and non-Linux development. Grounded in
// _examples/original_source/mcproxy/include/utils/mroute_socket.hpp and
// check_if.hpp, reworked from the teacher's conntrack/nftables provider
// pair (internal/kernel/provider_linux.go, provider_sim.go).
package kernel

import (
	"net/netip"
	"time"

	"grimm.is/flywall/internal/wire"
)

// MaxVIFs is the kernel's hard limit on IPv4 virtual interfaces
// (MAXVIFS in linux/mroute.h).
const MaxVIFs = 32

// MaxMIFs is the kernel's hard limit on IPv6 multicast interfaces
// (MAXMIFS in linux/mroute6.h).
const MaxMIFs = 32

// VIFStats reports per-virtual-interface packet/byte counters.
type VIFStats struct {
	InPackets, InBytes   uint64
	OutPackets, OutBytes uint64
}

// MRouteStats reports per-(source,group) forwarding counters.
type MRouteStats struct {
	Packets, Bytes uint64
	WrongIf        uint64
}

// MrouteSocket is the capability contract for manipulating one address
// family's multicast routing table (spec §6). A proxy instance owns one
// MrouteSocket per configured family.
type MrouteSocket interface {
	// SetTable binds this socket to a specific kernel MRT table number
	// (Linux policy routing multi-table support).
	SetTable(table int) error

	// SetMRTFlag enables or disables multicast routing on this socket
	// (IP(V6)_MRT_INIT / net.ipv4.conf.all.mc_forwarding).
	SetMRTFlag(enable bool) error

	// AddVIF registers a virtual/multicast interface at the given index.
	AddVIF(vifIndex int, ifIndex int) error
	// DelVIF removes a previously registered virtual interface.
	DelVIF(vifIndex int) error

	// AddMRoute installs a forwarding entry for (source, group) from
	// inputVIF to the listed output VIFs.
	AddMRoute(inputVIF int, source, group netip.Addr, outputVIFs []int) error
	// DelMRoute removes a forwarding entry for (source, group).
	DelMRoute(source, group netip.Addr) error

	// GetVIFStats returns packet/byte counters for one virtual interface.
	GetVIFStats(vifIndex int) (VIFStats, error)
	// GetMRouteStats returns counters for one (source, group) entry.
	GetMRouteStats(source, group netip.Addr) (MRouteStats, error)

	// Close releases the underlying raw socket.
	Close() error
}

// InterfaceRegistry resolves OS network interface names to indices and
// reports link state, independent of any one address family's VIF
// numbering (internal/ifreg builds the VIF/MIF bijection on top of this).
type InterfaceRegistry interface {
	InterfaceIndex(name string) (int, error)
	InterfaceName(index int) (string, error)
	IsRunning(name string) (bool, error)
	Addresses(name string) ([]netip.Addr, error)
	IsLoopback(name string) (bool, error)
	IsPointToPoint(name string) (bool, error)
}

// UpcallReader is implemented by an MrouteSocket that can also read the
// kernel's cache-miss upcalls (struct igmpmsg / struct mrt6msg) delivered
// on the same raw socket used for the MRT sockopts above, once
// SetMRTFlag(true) has been called. A proxy instance's routing manager
// feeds these into event_new_source (spec §4.7) via a dedicated read
// loop. Grounded in
// _examples/original_source/mcproxy/include/utils/mroute_socket.hpp's
// get_mrt_update.
type UpcallReader interface {
	ReadUpcall() (wire.CacheMiss, error)
}

// ReversePathFilter reads and writes a Linux interface's rp_filter sysctl
// (net.ipv4.conf.<if>.rp_filter), which must be relaxed to 0 or 2 on
// interfaces carrying forwarded multicast traffic with asymmetric routes.
type ReversePathFilter interface {
	Get(ifName string) (int, error)
	Set(ifName string, mode int) error
}

// CapabilityReport is the result of probing whether this process can
// perform multicast routing on the current host, supplementing the
// original's check_kernel probe (SPEC_FULL.md SUPPLEMENTED FEATURES).
type CapabilityReport struct {
	CanOpenIPv4RawSocket bool
	CanOpenIPv6RawSocket bool
	CanSetMRTFlag        bool
	MissingCapability    string
	CheckedAt            time.Time
}
