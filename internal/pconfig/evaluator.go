// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pconfig

import "grimm.is/flywall/internal/addr"

// Evaluator answers filter-rule and rule-matching questions against a
// resolved RuleBinding, grounded in
// _examples/original_source/mcproxy/src/parser/interface.cpp's
// is_source_allowed and get_saddr_set (spec §4.3).
type Evaluator struct{}

// IsSourceAllowed reports whether (gaddr, saddr) passes the filter rule
// described by binding's Table. An unbound binding (nil) permits
// everything, matching mcproxy's default-permit posture for interfaces
// with no configured filter.
func IsSourceAllowed(b *RuleBinding, iface string, gaddr, saddr addr.Address) bool {
	if b == nil || b.Kind != BindingFilter || b.Table == nil {
		return true
	}
	matched := tableMatches(b.Table, iface, gaddr, saddr)
	if b.FilterType == Whitelist {
		return matched
	}
	return !matched
}

func tableMatches(t *Table, iface string, gaddr, saddr addr.Address) bool {
	for _, rule := range t.Rules {
		if ruleMatches(rule, iface, gaddr, saddr) {
			return true
		}
	}
	return false
}

func ruleMatches(r RuleBox, iface string, gaddr, saddr addr.Address) bool {
	switch r.Kind {
	case RuleBoxTable, RuleBoxTableRef:
		if r.Table == nil {
			return false
		}
		return tableMatches(r.Table, iface, gaddr, saddr)
	case RuleBoxAddr:
		if r.IfaceName != "" && r.IfaceName != "*" && r.IfaceName != iface {
			return false
		}
		return addrBoxMatches(r.GAddr, gaddr) && addrBoxMatches(r.SAddr, saddr)
	default:
		return false
	}
}

// addrBoxMatches evaluates a single AddrBox predicate against a candidate
// address. A wildcard box short-circuits to true regardless of the
// candidate's value, per spec §4.3's wildcard short-circuit semantics.
func addrBoxMatches(box AddrBox, candidate addr.Address) bool {
	if box.Wildcard {
		return true
	}
	if box.IsRange {
		from, err := addr.Parse(box.From.Text)
		if err != nil {
			return false
		}
		if from.Family() != candidate.Family() {
			return false
		}
		loCmp, err := addr.Compare(from, candidate)
		if err != nil || loCmp > 0 {
			return false
		}
		if box.To.Text == "" {
			return true // "-*" : unbounded upper end
		}
		to, err := addr.Parse(box.To.Text)
		if err != nil {
			return false
		}
		hiCmp, err := addr.Compare(candidate, to)
		return err == nil && hiCmp <= 0
	}
	single, err := addr.Parse(box.Single.Text)
	if err != nil {
		return false
	}
	if box.Prefix >= 0 {
		maskedSingle, err := single.Mask(box.Prefix)
		if err != nil {
			return false
		}
		maskedCandidate, err := candidate.Mask(box.Prefix)
		if err != nil {
			return false
		}
		return maskedSingle.Equal(maskedCandidate)
	}
	return single.Equal(candidate)
}

// GetSourceAllowList walks every rule in the binding's table that targets
// the given interface and group, collecting the concrete source addresses
// it explicitly names. Used to pre-seed a group's source set from a
// whitelist without waiting for membership reports to name each source
// individually (spec §4.3, §4.8).
func GetSourceAllowList(b *RuleBinding, iface string, gaddr addr.Address) []addr.Address {
	if b == nil || b.Kind != BindingFilter || b.Table == nil || b.FilterType != Whitelist {
		return nil
	}
	var out []addr.Address
	collectSources(b.Table, iface, gaddr, &out)
	return out
}

// GetSaddrSet returns the filter binding's source-address set for
// (iface, gaddr): all=true means every address of gaddr's family is in
// the set (a wildcard rule fired, spec §4.3's short-circuit), otherwise
// sources lists every literal address the table names. Used by the
// membership aggregation engine (spec §4.9) to project a combined
// downstream state through an upstream's OUT filter table without
// re-deriving per-source membership one address at a time. Address
// ranges contribute no discrete members here (enumerating an unbounded
// range is infeasible); IsSourceAllowed still evaluates them correctly
// for direct per-packet tests.
func GetSaddrSet(b *RuleBinding, iface string, gaddr addr.Address) (all bool, sources []addr.Address) {
	if b == nil || b.Kind != BindingFilter || b.Table == nil {
		return true, nil
	}
	return tableAddrSet(b.Table, iface, gaddr)
}

func tableAddrSet(t *Table, iface string, gaddr addr.Address) (all bool, sources []addr.Address) {
	for _, rule := range t.Rules {
		switch rule.Kind {
		case RuleBoxTable, RuleBoxTableRef:
			if rule.Table == nil {
				continue
			}
			a, s := tableAddrSet(rule.Table, iface, gaddr)
			if a {
				return true, nil
			}
			sources = append(sources, s...)
		case RuleBoxAddr:
			if rule.IfaceName != "" && rule.IfaceName != "*" && rule.IfaceName != iface {
				continue
			}
			if !addrBoxMatches(rule.GAddr, gaddr) {
				continue
			}
			if rule.SAddr.Wildcard {
				return true, nil
			}
			if rule.SAddr.IsRange {
				continue
			}
			if s, err := addr.Parse(rule.SAddr.Single.Text); err == nil {
				sources = append(sources, s)
			}
		}
	}
	return false, sources
}

func collectSources(t *Table, iface string, gaddr addr.Address, out *[]addr.Address) {
	for _, rule := range t.Rules {
		switch rule.Kind {
		case RuleBoxTable, RuleBoxTableRef:
			if rule.Table != nil {
				collectSources(rule.Table, iface, gaddr, out)
			}
		case RuleBoxAddr:
			if rule.IfaceName != "" && rule.IfaceName != "*" && rule.IfaceName != iface {
				continue
			}
			if !addrBoxMatches(rule.GAddr, gaddr) {
				continue
			}
			if rule.SAddr.Wildcard || rule.SAddr.IsRange {
				continue
			}
			if s, err := addr.Parse(rule.SAddr.Single.Text); err == nil {
				*out = append(*out, s)
			}
		}
	}
}
