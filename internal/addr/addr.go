// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package addr provides the typed IPv4/IPv6 address value used throughout
// the proxy: ordering, masking, broadcast, and increment/decrement with
// wraparound. It mirrors the role of mcproxy's addr_storage
// (_examples/original_source/mcproxy/include/utils/addr_storage.hpp),
// expressed as an immutable-by-convention Go value type instead of a
// sockaddr_storage wrapper.
package addr

import (
	"net/netip"
	"strconv"

	"grimm.is/flywall/internal/errors"
)

// Family identifies the address family of an Address.
type Family int

const (
	Unspec Family = iota
	V4
	V6
)

func (f Family) String() string {
	switch f {
	case V4:
		return "IPv4"
	case V6:
		return "IPv6"
	default:
		return "unspecified"
	}
}

// Address is a typed IPv4 or IPv6 address. The zero value is Unspec and
// invalid.
type Address struct {
	fam Family
	ip  netip.Addr
}

// Parse parses a textual IPv4 or IPv6 address.
func Parse(s string) (Address, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, errors.Wrap(err, errors.KindConfig, "parse address")
	}
	ip = ip.Unmap()
	fam := V4
	if ip.Is6() {
		fam = V6
	}
	return Address{fam: fam, ip: ip}, nil
}

// MustParse parses s and panics on error; for literal constants in tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromNetIP wraps a netip.Addr as an Address.
func FromNetIP(ip netip.Addr) Address {
	ip = ip.Unmap()
	fam := V4
	if ip.Is6() {
		fam = V6
	}
	return Address{fam: fam, ip: ip}
}

// Wildcard returns the all-zeros address of the given family (spec §4.1).
func Wildcard(f Family) Address {
	switch f {
	case V4:
		return Address{fam: V4, ip: netip.IPv4Unspecified()}
	case V6:
		return Address{fam: V6, ip: netip.IPv6Unspecified()}
	default:
		return Address{}
	}
}

// IsValid reports whether the address was constructed from a real value.
func (a Address) IsValid() bool { return a.fam != Unspec && a.ip.IsValid() }

// Family returns the address family.
func (a Address) Family() Family { return a.fam }

// IsWildcard reports whether this is the all-zeros address of its family.
func (a Address) IsWildcard() bool {
	return a.IsValid() && a.ip == Wildcard(a.fam).ip
}

// IsMulticast reports whether the address is in the multicast range for
// its family.
func (a Address) IsMulticast() bool {
	return a.IsValid() && a.ip.IsMulticast()
}

// String formats the address in its canonical textual form.
func (a Address) String() string {
	if !a.IsValid() {
		return "<invalid>"
	}
	return a.ip.String()
}

// NetIP returns the underlying netip.Addr.
func (a Address) NetIP() netip.Addr { return a.ip }

// AsSlice returns the address's raw bytes (4 for V4, 16 for V6).
func (a Address) AsSlice() []byte {
	b := a.ip.As16()
	if a.fam == V4 {
		b4 := a.ip.As4()
		return b4[:]
	}
	return b[:]
}

// Equal reports value equality.
func (a Address) Equal(b Address) bool {
	return a.fam == b.fam && a.ip == b.ip
}

// ErrMixedFamily is returned by Compare when the two operands belong to
// different address families. Per spec §9 Open
// Questions, mixed-family comparison is rejected via Result rather than
// silently ordered.
var ErrMixedFamily = errors.New(errors.KindValidation, "mixed address family comparison")

// Compare performs a total, network-byte-order lexicographic comparison.
// Returns -1, 0, or 1. Mixed-family comparisons return ErrMixedFamily;
// callers must not mix families (spec §4.1, §9).
func Compare(a, b Address) (int, error) {
	if a.fam != b.fam {
		return 0, ErrMixedFamily
	}
	return a.ip.Compare(b.ip), nil
}

// Less reports a < b, for family-homogeneous sorted containers
// (SourceList is keyed and iterated in address order). Panics on mixed
// family, since callers that reach Less already guarantee homogeneity
// (e.g. within a single SourceList); call Compare directly when families
// may differ.
func Less(a, b Address) bool {
	c, err := Compare(a, b)
	if err != nil {
		panic(err)
	}
	return c < 0
}

// Mask zeroes all bits beyond prefix (network mask), returning a new
// Address. prefix is in [0,32] for V4 and [0,128] for V6.
func (a Address) Mask(prefix int) (Address, error) {
	p, err := netip.ParsePrefix(a.ip.String() + "/" + strconv.Itoa(prefix))
	if err != nil {
		return Address{}, errors.Wrap(err, errors.KindValidation, "mask: bad prefix")
	}
	return Address{fam: a.fam, ip: p.Masked().Addr()}, nil
}

// Broadcast sets all bits beyond prefix to one, returning a new Address
// (the host broadcast address for that prefix length).
func (a Address) Broadcast(prefix int) (Address, error) {
	bits := 32
	if a.fam == V6 {
		bits = 128
	}
	if prefix < 0 || prefix > bits {
		return Address{}, errors.Errorf(errors.KindValidation, "broadcast: prefix %d out of range", prefix)
	}
	raw := a.ip.AsSlice()
	for i := prefix; i < bits; i++ {
		byteIdx := i / 8
		bitIdx := 7 - uint(i%8)
		raw[byteIdx] |= 1 << bitIdx
	}
	ip, ok := netip.AddrFromSlice(raw)
	if !ok {
		return Address{}, errors.New(errors.KindInternal, "broadcast: bad address length")
	}
	if a.fam == V6 {
		ip = ip.Unmap()
	}
	return Address{fam: a.fam, ip: ip}, nil
}

// Inc returns the address incremented by one in network byte order, with
// wraparound (255.255.255.255 -> 0.0.0.0, all-ones IPv6 -> all-zeros).
// IPv6 increment propagates carry across the address's 32-bit limbs.
func (a Address) Inc() Address {
	raw := a.ip.AsSlice()
	for i := len(raw) - 1; i >= 0; i-- {
		raw[i]++
		if raw[i] != 0 {
			break
		}
	}
	ip, _ := netip.AddrFromSlice(raw)
	if a.fam == V6 {
		ip = ip.Unmap()
	}
	return Address{fam: a.fam, ip: ip}
}

// Dec returns the address decremented by one in network byte order, with
// wraparound (0.0.0.0 -> 255.255.255.255).
func (a Address) Dec() Address {
	raw := a.ip.AsSlice()
	for i := len(raw) - 1; i >= 0; i-- {
		raw[i]--
		if raw[i] != 0xff {
			break
		}
	}
	ip, _ := netip.AddrFromSlice(raw)
	if a.fam == V6 {
		ip = ip.Unmap()
	}
	return Address{fam: a.fam, ip: ip}
}

