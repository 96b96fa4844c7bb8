// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"encoding/binary"
	"net/netip"
)

func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

func putChecksum(b []byte, at int) {
	binary.BigEndian.PutUint16(b[at:at+2], 0)
	binary.BigEndian.PutUint16(b[at:at+2], checksum(b))
}

// EncodeIGMPv3Query encodes an IGMPv3 General, Group-Specific, or
// Group-and-Source-Specific Query (RFC 3376 §4.1).
func EncodeIGMPv3Query(group netip.Addr, maxRespTenths uint32, sFlag bool, qrv uint8, qqic byte, sources []netip.Addr) []byte {
	b := make([]byte, 12+4*len(sources))
	b[0] = IGMPTypeMembershipQuery
	b[1] = EncodeMaxRespCode8(maxRespTenths)
	groupBytes := group.As4()
	copy(b[4:8], groupBytes[:])
	flags := qrv & 0x07
	if sFlag {
		flags |= 0x08
	}
	b[8] = flags
	b[9] = qqic
	binary.BigEndian.PutUint16(b[10:12], uint16(len(sources)))
	off := 12
	for _, s := range sources {
		sb := s.As4()
		copy(b[off:off+4], sb[:])
		off += 4
	}
	putChecksum(b, 2)
	return b
}

// EncodeIGMPv2Query encodes a plain IGMPv1/v2 query (8 bytes): a general
// query if group is the wildcard address.
func EncodeIGMPv2Query(group netip.Addr, maxRespTenths uint8) []byte {
	b := make([]byte, 8)
	b[0] = IGMPTypeMembershipQuery
	b[1] = maxRespTenths
	groupBytes := group.As4()
	copy(b[4:8], groupBytes[:])
	putChecksum(b, 2)
	return b
}

// EncodeIGMPv2Report encodes a legacy IGMPv2 join (type 0x16) or leave
// (type 0x17).
func EncodeIGMPv2Report(typ byte, group netip.Addr) []byte {
	b := make([]byte, 8)
	b[0] = typ
	groupBytes := group.As4()
	copy(b[4:8], groupBytes[:])
	putChecksum(b, 2)
	return b
}

// EncodeIGMPv3Report encodes an IGMPv3 Membership Report carrying the
// given records.
func EncodeIGMPv3Report(records []QueryRecord) []byte {
	size := 8
	for _, r := range records {
		size += 8 + 4*len(r.Sources) + 4*r.AuxDataLen
	}
	b := make([]byte, size)
	b[0] = IGMPTypeV3MembershipReport
	binary.BigEndian.PutUint16(b[6:8], uint16(len(records)))
	off := 8
	for _, r := range records {
		b[off] = byte(r.Type)
		b[off+1] = byte(r.AuxDataLen)
		binary.BigEndian.PutUint16(b[off+2:off+4], uint16(len(r.Sources)))
		gb := r.Group.As4()
		copy(b[off+4:off+8], gb[:])
		off += 8
		for _, s := range r.Sources {
			sb := s.As4()
			copy(b[off:off+4], sb[:])
			off += 4
		}
		off += 4 * r.AuxDataLen
	}
	putChecksum(b, 2)
	return b
}

// EncodeMLDv1Query encodes a plain MLDv1 query (24 bytes).
func EncodeMLDv1Query(group netip.Addr, maxRespMillis uint16) []byte {
	b := make([]byte, 24)
	b[0] = MLDTypeListenerQuery
	binary.BigEndian.PutUint16(b[2:4], maxRespMillis)
	gb := group.As16()
	copy(b[8:24], gb[:])
	putChecksum(b, 2)
	return b
}

// EncodeMLDv2Query encodes an MLDv2 General/Group/Group-and-Source Query
// (RFC 3810 §5.1).
func EncodeMLDv2Query(group netip.Addr, maxRespMillis uint32, sFlag bool, qrv uint8, qqic byte, sources []netip.Addr) []byte {
	b := make([]byte, 28+16*len(sources))
	b[0] = MLDTypeListenerQuery
	binary.BigEndian.PutUint16(b[2:4], uint16(EncodeMaxRespCode16(maxRespMillis)))
	gb := group.As16()
	copy(b[8:24], gb[:])
	flags := qrv & 0x07
	if sFlag {
		flags |= 0x08
	}
	b[24] = flags
	b[25] = qqic
	binary.BigEndian.PutUint16(b[26:28], uint16(len(sources)))
	off := 28
	for _, s := range sources {
		sb := s.As16()
		copy(b[off:off+16], sb[:])
		off += 16
	}
	putChecksum(b, 2)
	return b
}

// EncodeMLDv1Report encodes a legacy MLDv1 listener report (131) or done
// (132) message.
func EncodeMLDv1Report(typ byte, group netip.Addr) []byte {
	b := make([]byte, 24)
	b[0] = typ
	gb := group.As16()
	copy(b[8:24], gb[:])
	putChecksum(b, 2)
	return b
}

// EncodeMLDv2Report encodes an MLDv2 Listener Report carrying the given
// records.
func EncodeMLDv2Report(records []QueryRecord) []byte {
	size := 8
	for _, r := range records {
		size += 20 + 16*len(r.Sources) + 4*r.AuxDataLen
	}
	b := make([]byte, size)
	b[0] = MLDTypeV2ListenerReport
	binary.BigEndian.PutUint16(b[6:8], uint16(len(records)))
	off := 8
	for _, r := range records {
		b[off] = byte(r.Type)
		b[off+1] = byte(r.AuxDataLen)
		binary.BigEndian.PutUint16(b[off+2:off+4], uint16(len(r.Sources)))
		gb := r.Group.As16()
		copy(b[off+4:off+20], gb[:])
		off += 20
		for _, s := range r.Sources {
			sb := s.As16()
			copy(b[off:off+16], sb[:])
			off += 16
		}
		off += 4 * r.AuxDataLen
	}
	putChecksum(b, 2)
	return b
}
