// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pconfig implements the filter rule language of spec §4.2: a
// hand-written scanner and recursive-descent parser producing an
// immutable AST, plus the is_source_allowed/get_saddr_set evaluator of
// spec §4.3. It is grounded in
// _examples/original_source/mcproxy/{include,src}/parser/*, reworked from
// a class hierarchy with dynamic dispatch into Go tagged-union-style
// variants (design notes §9 "dynamic dispatch on RuleBox/AddrBox").
package pconfig

import "grimm.is/flywall/internal/wire"

// Direction is a rule binding's traffic direction.
type Direction int

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// IfaceRole distinguishes which role group a rule binding targets.
type IfaceRole int

const (
	Upstream IfaceRole = iota
	Downstream
)

// FilterType is the blacklist/whitelist discipline of a Filter binding.
type FilterType int

const (
	Blacklist FilterType = iota
	Whitelist
)

// MatchDiscipline is the rule-matching discipline of a RuleMatching
// binding (spec §3, §4.9).
type MatchDiscipline int

const (
	MatchAll MatchDiscipline = iota
	MatchFirst
	MatchMutex
)

func (m MatchDiscipline) String() string {
	switch m {
	case MatchAll:
		return "all"
	case MatchFirst:
		return "first"
	case MatchMutex:
		return "mutex"
	default:
		return "unknown"
	}
}

// AddrBox is a tagged union over a single address or an address range
// (spec §3). Exactly one of the two shapes is populated.
type AddrBox struct {
	Wildcard bool
	Single   Addr
	IsRange  bool
	From     Addr
	To       Addr
	Prefix   int // -1 if unset; set when a "/NUMBER" suffix is present
}

// Addr is a textual address literal as parsed (not yet resolved against a
// declared protocol family; pconfig.Validate checks family consistency).
type Addr struct {
	Text string
}

// RuleBoxKind tags which RuleBox variant is populated.
type RuleBoxKind int

const (
	RuleBoxAddr RuleBoxKind = iota
	RuleBoxTable
	RuleBoxTableRef
)

// RuleBox is a tagged union over the three rule shapes the grammar's
// `rule` production accepts (spec §3, §4.2): a literal interface/group/
// source rule, an inline anonymous table, or a reference to a named
// table declared elsewhere in the file.
type RuleBox struct {
	Kind RuleBoxKind

	// RuleBoxAddr
	IfaceName string // "", "*", or a literal interface name
	GAddr     AddrBox
	SAddr     AddrBox

	// RuleBoxTable (inline) and RuleBoxTableRef (by name)
	Table     *Table
	TableName string
}

// Table is a named or anonymous sequence of rules, unioned during
// evaluation (spec §4.3).
type Table struct {
	Name  string // "" for an anonymous inline table
	Rules []RuleBox
}

// GlobalTableSet is the set of named tables declared at file scope,
// addressable by later `(table NAME)` references.
type GlobalTableSet struct {
	ByName map[string]*Table
}

func NewGlobalTableSet() *GlobalTableSet {
	return &GlobalTableSet{ByName: map[string]*Table{}}
}

// RuleBindingKind tags which RuleBinding variant is populated.
type RuleBindingKind int

const (
	BindingFilter RuleBindingKind = iota
	BindingMatching
)

// RuleBinding is either a Filter (blacklist/whitelist over a Table) or a
// RuleMatching (all/first/mutex) binding, attached to one interface's
// input or output filter slot, or to an instance's global_settings list
// (spec §3).
type RuleBinding struct {
	Kind RuleBindingKind

	Instance  string
	IfaceRole IfaceRole
	IfaceName string // "*" for every interface in that role
	Direction Direction

	// BindingFilter
	FilterType FilterType
	Table      *Table

	// BindingMatching
	Discipline      MatchDiscipline
	MutexTimeoutMS  int
}

// Interface is one upstream or downstream interface entry within an
// instance definition, with its optional per-interface input/output
// filter binding (spec §3).
type Interface struct {
	Name         string
	InputFilter  *RuleBinding
	OutputFilter *RuleBinding
}

// InstanceDefinition is one `pinstance` declaration (spec §3).
type InstanceDefinition struct {
	Name           string
	TableNumber    int // 0 if not explicitly set
	Upstreams      []*Interface
	Downstreams    []*Interface
	GlobalSettings []RuleBinding
	Line           int
}

// Config is the fully parsed, immutable configuration AST (spec §3).
// Once returned by Parse, it is shared by reference and never mutated.
type Config struct {
	Protocol  wire.Protocol
	Disabled  bool
	Tables    *GlobalTableSet
	Instances []*InstanceDefinition
}
