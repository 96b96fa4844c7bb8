// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package aggregation implements spec §4.9: merging every downstream
// interface's per-group membership state into a combined (filter_mode,
// source_list), projecting it through each upstream's OUT filter table,
// and distributing the result across upstreams per the configured
// rule-matching discipline (ALL/FIRST/MUTEX). Grounded in
// _examples/original_source/mcproxy/src/proxy/simple_mc_proxy_routing.cpp's
// membership aggregation pass and include/proxy/def.hpp's RMT_* enum.
package aggregation

import (
	"net/netip"

	"grimm.is/flywall/internal/addr"
	"grimm.is/flywall/internal/pconfig"
	"grimm.is/flywall/internal/querier"
)

// State is a (filter_mode, source_list) pair, the unit the merge algebra
// of spec §4.9 operates on.
type State struct {
	Mode    querier.FilterMode
	All     bool // true only for a filter's address set meaning "every address" (spec §4.3 wildcard); never set on a real downstream's state
	Sources querier.SourceSet
}

func identity() State { return State{Mode: querier.Include, Sources: querier.SourceSet{}} }

// Merge combines two downstream (or partially-merged) states per spec
// §4.9's four laws. The operation is commutative and associative, so
// MergeAll below can fold left to right.
func Merge(a, b State) State {
	switch {
	case a.Mode == querier.Include && b.Mode == querier.Include:
		return State{Mode: querier.Include, Sources: querier.Union(a.Sources, b.Sources)}
	case a.Mode == querier.Include && b.Mode == querier.Exclude:
		return State{Mode: querier.Exclude, Sources: querier.Difference(b.Sources, a.Sources)}
	case a.Mode == querier.Exclude && b.Mode == querier.Include:
		return State{Mode: querier.Exclude, Sources: querier.Difference(a.Sources, b.Sources)}
	default: // EXCLUDE ⊕ EXCLUDE
		return State{Mode: querier.Exclude, Sources: querier.Intersect(a.Sources, b.Sources)}
	}
}

// MergeAll folds Merge across every downstream's state for one group,
// starting from the INCLUDE({}) identity (a downstream with no state for
// the group contributes nothing, matching MembershipDB's implicit
// default).
func MergeAll(states []State) State {
	acc := identity()
	for _, s := range states {
		acc = Merge(acc, s)
	}
	return acc
}

// ApplyFilter projects state through an upstream's OUT filter table
// (spec §4.9 "merge with a filter"): WHITELIST keeps sources in the
// table's address set F, BLACKLIST keeps sources not in F. A wildcard F
// (all=true) means "every address", collapsing a whitelist to a no-op
// and a blacklist to "forward nothing".
func ApplyFilter(state State, kind pconfig.FilterType, all bool, f querier.SourceSet) State {
	if kind == pconfig.Whitelist {
		if all {
			return state
		}
		if state.Mode == querier.Include {
			return State{Mode: querier.Include, Sources: querier.Intersect(state.Sources, f)}
		}
		return State{Mode: querier.Include, Sources: querier.Difference(f, state.Sources)}
	}
	// Blacklist
	if all {
		return State{Mode: querier.Include, Sources: querier.SourceSet{}}
	}
	if state.Mode == querier.Include {
		return State{Mode: querier.Include, Sources: querier.Difference(state.Sources, f)}
	}
	return State{Mode: querier.Exclude, Sources: querier.Union(state.Sources, f)}
}

// ProjectThroughBinding resolves b's table address set for (iface,group)
// via pconfig.GetSaddrSet and applies it with ApplyFilter. A nil binding
// (or one that isn't a Filter) passes state through unchanged.
func ProjectThroughBinding(state State, b *pconfig.RuleBinding, iface string, group netip.Addr) State {
	if b == nil || b.Kind != pconfig.BindingFilter {
		return state
	}
	gaddr := addr.FromNetIP(group)
	all, list := pconfig.GetSaddrSet(b, iface, gaddr)
	set := make(querier.SourceSet, len(list))
	for _, a := range list {
		set[a.NetIP()] = struct{}{}
	}
	return ApplyFilter(state, b.FilterType, all, set)
}
