// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package querier

import "net/netip"

// SourceSet is the address-keyed set spec §3's SourceList reduces to once
// a Source's only state worth comparing for the merge-table algebra is
// its address: union, intersection, and difference over plain
// map[netip.Addr]struct{} values, rather than a bespoke ordered
// container. GroupInfo carries the per-source timer handles and
// retransmission counters separately (Include/SourceRetransRemain), since
// those are keyed off the same addresses but don't participate in set
// algebra.
type SourceSet map[netip.Addr]struct{}

// NewSourceSet builds a SourceSet from a slice, as records arrive off the
// wire (wire.QueryRecord.Sources).
func NewSourceSet(addrs []netip.Addr) SourceSet {
	s := make(SourceSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

// Union returns a ∪ b (spec §3 SourceList "+").
func Union(a, b SourceSet) SourceSet {
	out := make(SourceSet, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

// Intersect returns a ∩ b (spec §3 SourceList "*").
func Intersect(a, b SourceSet) SourceSet {
	out := make(SourceSet)
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for k := range small {
		if _, ok := big[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// Difference returns a − b (spec §3 SourceList "-").
func Difference(a, b SourceSet) SourceSet {
	out := make(SourceSet, len(a))
	for k := range a {
		if _, ok := b[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// Slice returns the set's members in no particular order.
func (s SourceSet) Slice() []netip.Addr {
	out := make([]netip.Addr, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// Has reports set membership.
func (s SourceSet) Has(a netip.Addr) bool {
	_, ok := s[a]
	return ok
}

// includeSet returns gi.Include's keys as a SourceSet for use with the
// merge-table helpers below.
func includeSet(gi *GroupInfo) SourceSet {
	out := make(SourceSet, len(gi.Include))
	for k := range gi.Include {
		out[k] = struct{}{}
	}
	return out
}

// excludeSet returns gi.Exclude as a SourceSet.
func excludeSet(gi *GroupInfo) SourceSet {
	out := make(SourceSet, len(gi.Exclude))
	for k := range gi.Exclude {
		out[k] = struct{}{}
	}
	return out
}
