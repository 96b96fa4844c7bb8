// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package wire defines the on-wire protocol constants and message layouts
// for IGMPv1/v2/v3 and MLDv1/v2, and for the kernel cache-miss upcalls
// (spec §6), grounded in
// _examples/original_source/mcproxy/include/{utils/extended_igmp_defines.hpp,
// utils/extended_mld_defines.hpp, proxy/def.hpp, proxy/message_format.hpp}.
package wire

import "net/netip"

// Protocol identifies the group membership protocol version a querier or
// record speaks (spec §3 GroupMemProtocol).
type Protocol int

const (
	IGMPv1 Protocol = iota
	IGMPv2
	IGMPv3
	MLDv1
	MLDv2
)

func (p Protocol) String() string {
	switch p {
	case IGMPv1:
		return "IGMPv1"
	case IGMPv2:
		return "IGMPv2"
	case IGMPv3:
		return "IGMPv3"
	case MLDv1:
		return "MLDv1"
	case MLDv2:
		return "MLDv2"
	default:
		return "unknown"
	}
}

// IsIGMP reports whether p is an IGMP (IPv4) variant.
func (p Protocol) IsIGMP() bool { return p == IGMPv1 || p == IGMPv2 || p == IGMPv3 }

// IsMLD reports whether p is an MLD (IPv6) variant.
func (p Protocol) IsMLD() bool { return p == MLDv1 || p == MLDv2 }

// RecordType is an IGMPv3/MLDv2 Multicast Address Record type
// (RFC 3376 §4.2.12, RFC 3810 §5.2.12).
type RecordType uint8

const (
	ModeIsInclude        RecordType = 1
	ModeIsExclude        RecordType = 2
	ChangeToIncludeMode  RecordType = 3
	ChangeToExcludeMode  RecordType = 4
	AllowNewSources      RecordType = 5
	BlockOldSources      RecordType = 6
)

func (t RecordType) String() string {
	switch t {
	case ModeIsInclude:
		return "IS_IN"
	case ModeIsExclude:
		return "IS_EX"
	case ChangeToIncludeMode:
		return "TO_IN"
	case ChangeToExcludeMode:
		return "TO_EX"
	case AllowNewSources:
		return "ALLOW"
	case BlockOldSources:
		return "BLOCK"
	default:
		return "unknown"
	}
}

// IGMP message types (RFC 2236, RFC 3376 §4).
const (
	IGMPTypeMembershipQuery    = 0x11
	IGMPTypeV1MembershipReport = 0x12
	IGMPTypeV2MembershipReport = 0x16
	IGMPTypeV2LeaveGroup       = 0x17
	IGMPTypeV3MembershipReport = 0x22
)

// MLD message types (RFC 2710, RFC 3810 §5).
const (
	MLDTypeListenerQuery     = 130
	MLDTypeV1ListenerReport  = 131
	MLDTypeV1ListenerDone    = 132
	MLDTypeV2ListenerReport  = 143
)

// Kernel cache-miss upcall message types (spec §6).
const (
	IGMPMsgNoCache = 1 // struct igmpmsg.im_msgtype == IGMPMSG_NOCACHE
	MRT6MsgNoCache = 1 // struct mrt6msg.im6_msgtype == MRT6MSG_NOCACHE
)

// Well-known multicast groups joined by a downstream querier on startup
// and left on shutdown (spec §4.6).
var (
	IGMPAllHosts  = netip.MustParseAddr("224.0.0.1")
	IGMPAllRouter = netip.MustParseAddr("224.0.0.2")
	IGMPv3Routers = netip.MustParseAddr("224.0.0.22")

	MLDAllNodes    = netip.MustParseAddr("ff02::1")
	MLDAllRouters  = netip.MustParseAddr("ff02::2")
	MLDSiteRouters = netip.MustParseAddr("ff05::2")
	MLDv2Routers   = netip.MustParseAddr("ff02::16")
)

// RouterGroups returns the groups a querier for protocol p must join to
// receive router-directed traffic (spec §4.6).
func RouterGroups(p Protocol) []netip.Addr {
	if p.IsIGMP() {
		return []netip.Addr{IGMPAllRouter, IGMPv3Routers}
	}
	return []netip.Addr{MLDAllRouters, MLDSiteRouters, MLDv2Routers}
}

// CacheMiss is the decoded form of a kernel igmpmsg/mrt6msg cache-miss
// upcall: no MFIB entry matched an incoming datagram on InputVIF.
type CacheMiss struct {
	InputVIF int
	Source   netip.Addr
	Group    netip.Addr
}

// QueryRecord is a single IGMPv3/MLDv2 multicast address record as it
// appears in a Membership Report (RFC 3376 §4.2, RFC 3810 §5.2).
type QueryRecord struct {
	Type       RecordType
	Group      netip.Addr
	Sources    []netip.Addr
	AuxDataLen int
}

// Report is a decoded IGMPv3/MLDv2 Membership Report: zero or more
// per-group records, each becoming one GROUP_RECORD message (spec §4.5).
type Report struct {
	Protocol Protocol
	Records  []QueryRecord
}

// LegacyReport is a decoded IGMPv1/v2 or MLDv1 join/leave, which carries
// exactly one group and no source list.
type LegacyReport struct {
	Protocol Protocol
	Type     byte
	Group    netip.Addr
}
