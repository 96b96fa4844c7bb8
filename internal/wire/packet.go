// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"encoding/binary"
	"net/netip"

	"grimm.is/flywall/internal/errors"
)

// DecodeIGMP decodes the IGMP payload of a received packet (the IP header
// is assumed already stripped by the caller). It recognizes IGMPv1/v2
// queries and reports, and IGMPv3 Membership Reports (RFC 3376 §4.2).
// Malformed input returns a KindProtocol error; callers drop the packet
// and increment a counter (spec §7), they do not propagate the error.
func DecodeIGMP(b []byte) (any, error) {
	if len(b) < 8 {
		return nil, errors.New(errors.KindProtocol, "igmp: short packet")
	}
	typ := b[0]
	switch typ {
	case IGMPTypeV3MembershipReport:
		return decodeIGMPv3Report(b)
	case IGMPTypeMembershipQuery:
		return decodeIGMPQuery(b)
	case IGMPTypeV1MembershipReport, IGMPTypeV2MembershipReport, IGMPTypeV2LeaveGroup:
		group, ok := netip.AddrFromSlice(b[4:8])
		if !ok {
			return nil, errors.New(errors.KindProtocol, "igmp: bad group address")
		}
		return LegacyReport{Protocol: IGMPv2, Type: typ, Group: group}, nil
	default:
		return nil, errors.Errorf(errors.KindProtocol, "igmp: unrecognized type 0x%02x", typ)
	}
}

// IGMPQuery is a decoded IGMPv1/v2/v3 Membership Query.
type IGMPQuery struct {
	MaxRespTenths uint32
	Group         netip.Addr // wildcard for a General Query
	SFlag         bool
	QRV           uint8
	QQIC          byte
	Sources       []netip.Addr
}

func decodeIGMPQuery(b []byte) (IGMPQuery, error) {
	group, ok := netip.AddrFromSlice(b[4:8])
	if !ok {
		return IGMPQuery{}, errors.New(errors.KindProtocol, "igmp query: bad group")
	}
	q := IGMPQuery{Group: group}
	// Plain v1/v2 query: 8 bytes, max resp code is a raw tenths-of-second
	// value for v2 (v1 has max resp = 0, fixed 10s timeout upstream).
	if len(b) == 8 {
		q.MaxRespTenths = uint32(b[1])
		return q, nil
	}
	if len(b) < 12 {
		return IGMPQuery{}, errors.New(errors.KindProtocol, "igmp v3 query: short packet")
	}
	q.MaxRespTenths = uint32(DecodeMaxRespCode8(b[1]))
	q.SFlag = b[8]&0x08 != 0
	q.QRV = b[8] & 0x07
	q.QQIC = b[9]
	nsrc := binary.BigEndian.Uint16(b[10:12])
	off := 12
	for i := 0; i < int(nsrc); i++ {
		if off+4 > len(b) {
			return IGMPQuery{}, errors.New(errors.KindProtocol, "igmp v3 query: truncated source list")
		}
		src, ok := netip.AddrFromSlice(b[off : off+4])
		if !ok {
			return IGMPQuery{}, errors.New(errors.KindProtocol, "igmp v3 query: bad source")
		}
		q.Sources = append(q.Sources, src)
		off += 4
	}
	return q, nil
}

func decodeIGMPv3Report(b []byte) (Report, error) {
	if len(b) < 8 {
		return Report{}, errors.New(errors.KindProtocol, "igmpv3 report: short packet")
	}
	numRecords := binary.BigEndian.Uint16(b[6:8])
	off := 8
	rep := Report{Protocol: IGMPv3}
	for i := 0; i < int(numRecords); i++ {
		if off+8 > len(b) {
			return Report{}, errors.New(errors.KindProtocol, "igmpv3 report: truncated record header")
		}
		rtype := RecordType(b[off])
		auxLen := int(b[off+1])
		nsrc := int(binary.BigEndian.Uint16(b[off+2 : off+4]))
		group, ok := netip.AddrFromSlice(b[off+4 : off+8])
		if !ok {
			return Report{}, errors.New(errors.KindProtocol, "igmpv3 report: bad group")
		}
		off += 8
		rec := QueryRecord{Type: rtype, Group: group, AuxDataLen: auxLen}
		for s := 0; s < nsrc; s++ {
			if off+4 > len(b) {
				return Report{}, errors.New(errors.KindProtocol, "igmpv3 report: truncated source list")
			}
			src, ok := netip.AddrFromSlice(b[off : off+4])
			if !ok {
				return Report{}, errors.New(errors.KindProtocol, "igmpv3 report: bad source")
			}
			rec.Sources = append(rec.Sources, src)
			off += 4
		}
		off += 4 * auxLen
		if off > len(b) {
			return Report{}, errors.New(errors.KindProtocol, "igmpv3 report: truncated aux data")
		}
		rep.Records = append(rep.Records, rec)
	}
	return rep, nil
}

// DecodeMLD decodes an ICMPv6 MLD payload: MLDv1 query/report/done, or an
// MLDv2 Listener Report (RFC 3810 §5).
func DecodeMLD(b []byte) (any, error) {
	if len(b) < 4 {
		return nil, errors.New(errors.KindProtocol, "mld: short packet")
	}
	typ := b[0]
	switch typ {
	case MLDTypeV2ListenerReport:
		return decodeMLDv2Report(b)
	case MLDTypeListenerQuery:
		return decodeMLDQuery(b)
	case MLDTypeV1ListenerReport, MLDTypeV1ListenerDone:
		if len(b) < 24 {
			return nil, errors.New(errors.KindProtocol, "mld v1: short packet")
		}
		group, ok := netip.AddrFromSlice(b[8:24])
		if !ok {
			return nil, errors.New(errors.KindProtocol, "mld v1: bad group")
		}
		return LegacyReport{Protocol: MLDv1, Type: typ, Group: group}, nil
	default:
		return nil, errors.Errorf(errors.KindProtocol, "mld: unrecognized type %d", typ)
	}
}

// MLDQuery is a decoded MLDv1/v2 Listener Query.
type MLDQuery struct {
	MaxRespMillis uint32
	Group         netip.Addr
	SFlag         bool
	QRV           uint8
	QQIC          byte
	Sources       []netip.Addr
}

func decodeMLDQuery(b []byte) (MLDQuery, error) {
	if len(b) < 24 {
		return MLDQuery{}, errors.New(errors.KindProtocol, "mld query: short packet")
	}
	group, ok := netip.AddrFromSlice(b[8:24])
	if !ok {
		return MLDQuery{}, errors.New(errors.KindProtocol, "mld query: bad group")
	}
	maxResp := binary.BigEndian.Uint16(b[2:4])
	q := MLDQuery{Group: group}
	if len(b) == 24 {
		// MLDv1 query: max resp delay is a plain 16-bit millisecond value.
		q.MaxRespMillis = uint32(maxResp)
		return q, nil
	}
	if len(b) < 28 {
		return MLDQuery{}, errors.New(errors.KindProtocol, "mldv2 query: short packet")
	}
	q.MaxRespMillis = DecodeMaxRespCode16(maxResp)
	q.SFlag = b[24]&0x08 != 0
	q.QRV = b[24] & 0x07
	q.QQIC = b[25]
	nsrc := binary.BigEndian.Uint16(b[26:28])
	off := 28
	for i := 0; i < int(nsrc); i++ {
		if off+16 > len(b) {
			return MLDQuery{}, errors.New(errors.KindProtocol, "mldv2 query: truncated source list")
		}
		src, ok := netip.AddrFromSlice(b[off : off+16])
		if !ok {
			return MLDQuery{}, errors.New(errors.KindProtocol, "mldv2 query: bad source")
		}
		q.Sources = append(q.Sources, src)
		off += 16
	}
	return q, nil
}

func decodeMLDv2Report(b []byte) (Report, error) {
	if len(b) < 8 {
		return Report{}, errors.New(errors.KindProtocol, "mldv2 report: short packet")
	}
	numRecords := binary.BigEndian.Uint16(b[6:8])
	off := 8
	rep := Report{Protocol: MLDv2}
	for i := 0; i < int(numRecords); i++ {
		if off+20 > len(b) {
			return Report{}, errors.New(errors.KindProtocol, "mldv2 report: truncated record header")
		}
		rtype := RecordType(b[off])
		auxLen := int(b[off+1])
		nsrc := int(binary.BigEndian.Uint16(b[off+2 : off+4]))
		group, ok := netip.AddrFromSlice(b[off+4 : off+20])
		if !ok {
			return Report{}, errors.New(errors.KindProtocol, "mldv2 report: bad group")
		}
		off += 20
		rec := QueryRecord{Type: rtype, Group: group, AuxDataLen: auxLen}
		for s := 0; s < nsrc; s++ {
			if off+16 > len(b) {
				return Report{}, errors.New(errors.KindProtocol, "mldv2 report: truncated source list")
			}
			src, ok := netip.AddrFromSlice(b[off : off+16])
			if !ok {
				return Report{}, errors.New(errors.KindProtocol, "mldv2 report: bad source")
			}
			rec.Sources = append(rec.Sources, src)
			off += 16
		}
		off += 4 * auxLen
		if off > len(b) {
			return Report{}, errors.New(errors.KindProtocol, "mldv2 report: truncated aux data")
		}
		rep.Records = append(rep.Records, rec)
	}
	return rep, nil
}

// DecodeIGMPCacheMiss decodes the kernel's struct igmpmsg cache-miss
// upcall (spec §6): an IP header (ip_p=0) followed by
// {im_msgtype, im_mbz, im_vif, im_src, im_dst}.
func DecodeIGMPCacheMiss(ipHdrLen int, b []byte) (CacheMiss, error) {
	body := b[ipHdrLen:]
	if len(body) < 12 {
		return CacheMiss{}, errors.New(errors.KindProtocol, "igmpmsg: short packet")
	}
	if body[0] != IGMPMsgNoCache {
		return CacheMiss{}, errors.Errorf(errors.KindProtocol, "igmpmsg: unexpected type %d", body[0])
	}
	vif := int(body[2])
	src, ok := netip.AddrFromSlice(body[4:8])
	if !ok {
		return CacheMiss{}, errors.New(errors.KindProtocol, "igmpmsg: bad source")
	}
	dst, ok := netip.AddrFromSlice(body[8:12])
	if !ok {
		return CacheMiss{}, errors.New(errors.KindProtocol, "igmpmsg: bad group")
	}
	return CacheMiss{InputVIF: vif, Source: src, Group: dst}, nil
}

// DecodeMRT6CacheMiss decodes the kernel's struct mrt6msg cache-miss
// upcall: {im6_mbz, im6_msgtype, im6_mif, im6_pad, im6_src, im6_dst}.
func DecodeMRT6CacheMiss(b []byte) (CacheMiss, error) {
	if len(b) < 4+16+16 {
		return CacheMiss{}, errors.New(errors.KindProtocol, "mrt6msg: short packet")
	}
	if b[1] != MRT6MsgNoCache {
		return CacheMiss{}, errors.Errorf(errors.KindProtocol, "mrt6msg: unexpected type %d", b[1])
	}
	mif := int(b[2])
	src, ok := netip.AddrFromSlice(b[4:20])
	if !ok {
		return CacheMiss{}, errors.New(errors.KindProtocol, "mrt6msg: bad source")
	}
	dst, ok := netip.AddrFromSlice(b[20:36])
	if !ok {
		return CacheMiss{}, errors.New(errors.KindProtocol, "mrt6msg: bad group")
	}
	return CacheMiss{InputVIF: mif, Source: src, Group: dst}, nil
}
