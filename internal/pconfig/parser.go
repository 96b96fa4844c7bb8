// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pconfig

import (
	"strconv"
	"strings"

	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/wire"
)

// Parser is a recursive-descent parser over a token stream, producing a
// Config AST (spec §4.2 grammar).
type Parser struct {
	toks []Token
	pos  int
	cfg  *Config
}

// Parse scans and parses a full configuration file's text.
func Parse(src string) (*Config, error) {
	toks, err := NewScanner(src).Tokenize()
	if err != nil {
		return nil, err
	}
	p := &Parser{toks: toks, cfg: &Config{Tables: NewGlobalTableSet()}}
	if err := p.parseConfig(); err != nil {
		return nil, err
	}
	if err := Validate(p.cfg); err != nil {
		return nil, err
	}
	return p.cfg, nil
}

func (p *Parser) cur() Token  { return p.toks[p.pos] }
func (p *Parser) line() int   { return p.cur().Line }
func (p *Parser) atEOF() bool { return p.cur().Kind == TokEOF }

func (p *Parser) advance() Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) expect(k TokenKind, what string) (Token, error) {
	if p.cur().Kind != k {
		return Token{}, errors.Errorf(errors.KindConfig, "line %d: expected %s, got %q", p.line(), what, p.cur().Text)
	}
	return p.advance(), nil
}

// parseConfig = { command ";" } .
func (p *Parser) parseConfig() error {
	for !p.atEOF() {
		if err := p.parseCommand(); err != nil {
			return err
		}
		if _, err := p.expect(TokSemicolon, "';'"); err != nil {
			return err
		}
	}
	return nil
}

// command = protocol | instance_def | table_def | rule_binding | "disable" .
func (p *Parser) parseCommand() error {
	switch p.cur().Kind {
	case TokProtocol:
		return p.parseProtocol()
	case TokPinstance:
		return p.parsePinstanceCommand()
	case TokTable:
		_, err := p.parseNamedTableDef()
		return err
	case TokDisable:
		p.advance()
		p.cfg.Disabled = true
		return nil
	default:
		return errors.Errorf(errors.KindConfig, "line %d: unexpected token %q at start of command", p.line(), p.cur().Text)
	}
}

// protocol = "protocol" proto_name .
func (p *Parser) parseProtocol() error {
	p.advance() // "protocol"
	switch p.cur().Kind {
	case TokIGMPv1:
		p.cfg.Protocol = wire.IGMPv1
	case TokIGMPv2:
		p.cfg.Protocol = wire.IGMPv2
	case TokIGMPv3:
		p.cfg.Protocol = wire.IGMPv3
	case TokMLDv1:
		p.cfg.Protocol = wire.MLDv1
	case TokMLDv2:
		p.cfg.Protocol = wire.MLDv2
	default:
		return errors.Errorf(errors.KindConfig, "line %d: expected a protocol version, got %q", p.line(), p.cur().Text)
	}
	p.advance()
	return nil
}

// pinstance starts either an instance_def or a rule_binding; disambiguate
// by looking one token past the instance name.
func (p *Parser) parsePinstanceCommand() error {
	startLine := p.line()
	p.advance() // "pinstance"
	nameTok, err := p.expect(TokString, "instance name")
	if err != nil {
		return err
	}
	switch p.cur().Kind {
	case TokLParen, TokColon:
		return p.parseInstanceDefTail(nameTok.Text, startLine)
	case TokUpstream, TokDownstream:
		return p.parseRuleBindingTail(nameTok.Text, startLine)
	default:
		return errors.Errorf(errors.KindConfig, "line %d: expected '(', ':', 'upstream' or 'downstream' after instance name", p.line())
	}
}

// instance_def = "pinstance" NAME [ "(" NUMBER ")" ] ":" {NAME} "==>" NAME {NAME} .
func (p *Parser) parseInstanceDefTail(name string, line int) error {
	def := &InstanceDefinition{Name: name, Line: line}
	if p.cur().Kind == TokLParen {
		p.advance()
		numTok, err := p.expect(TokString, "table number")
		if err != nil {
			return err
		}
		n, convErr := strconv.Atoi(numTok.Text)
		if convErr != nil {
			return errors.Errorf(errors.KindConfig, "line %d: bad table number %q", line, numTok.Text)
		}
		def.TableNumber = n
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return err
		}
	}
	if _, err := p.expect(TokColon, "':'"); err != nil {
		return err
	}
	for p.cur().Kind == TokString {
		def.Upstreams = append(def.Upstreams, &Interface{Name: p.advance().Text})
	}
	if _, err := p.expect(TokArrow, "'==>'"); err != nil {
		return err
	}
	first, err := p.expect(TokString, "downstream interface name")
	if err != nil {
		return err
	}
	def.Downstreams = append(def.Downstreams, &Interface{Name: first.Text})
	for p.cur().Kind == TokString {
		def.Downstreams = append(def.Downstreams, &Interface{Name: p.advance().Text})
	}
	p.cfg.Instances = append(p.cfg.Instances, def)
	return nil
}

// rule_binding tail, having already consumed "pinstance" NAME:
// ("upstream"|"downstream") (NAME|"*") ("in"|"out")
//   ( ("blacklist"|"whitelist") table_def | "rulematching" ("all"|"first"|"mutex" NUMBER) ) .
func (p *Parser) parseRuleBindingTail(instanceName string, line int) error {
	rb := RuleBinding{Instance: instanceName}
	switch p.advance().Kind {
	case TokUpstream:
		rb.IfaceRole = Upstream
	case TokDownstream:
		rb.IfaceRole = Downstream
	}
	if p.cur().Kind == TokStar {
		p.advance()
		rb.IfaceName = "*"
	} else {
		tok, err := p.expect(TokString, "interface name or '*'")
		if err != nil {
			return err
		}
		rb.IfaceName = tok.Text
	}
	switch p.advance().Kind {
	case TokIn:
		rb.Direction = In
	case TokOut:
		rb.Direction = Out
	default:
		return errors.Errorf(errors.KindConfig, "line %d: expected 'in' or 'out'", line)
	}

	switch p.cur().Kind {
	case TokBlacklist, TokWhitelist:
		rb.Kind = BindingFilter
		if p.advance().Kind == TokBlacklist {
			rb.FilterType = Blacklist
		} else {
			rb.FilterType = Whitelist
		}
		tbl, err := p.parseTableDefOrRef()
		if err != nil {
			return err
		}
		rb.Table = tbl
	case TokRulematching:
		p.advance()
		rb.Kind = BindingMatching
		switch p.advance().Kind {
		case TokAll:
			rb.Discipline = MatchAll
		case TokFirst:
			rb.Discipline = MatchFirst
		case TokMutex:
			rb.Discipline = MatchMutex
			numTok, err := p.expect(TokString, "mutex timeout")
			if err != nil {
				return err
			}
			n, convErr := strconv.Atoi(numTok.Text)
			if convErr != nil {
				return errors.Errorf(errors.KindConfig, "line %d: bad mutex timeout %q", line, numTok.Text)
			}
			rb.MutexTimeoutMS = n
		default:
			return errors.Errorf(errors.KindConfig, "line %d: expected 'all', 'first' or 'mutex'", line)
		}
	default:
		return errors.Errorf(errors.KindConfig, "line %d: expected 'blacklist', 'whitelist' or 'rulematching'", line)
	}

	p.cfg.Instances = attachBinding(p.cfg.Instances, rb)
	return nil
}

// attachBinding records rb against the matching InstanceDefinition: a "*"
// binding goes to its GlobalSettings, a named one to the matching
// interface's input or output filter (a name matching no interface of that
// role is dropped). If the instance hasn't been declared yet in this parse,
// the binding is kept on a placeholder definition, which Validate reports
// as an undeclared instance; a later instance_def is not merged with it.
func attachBinding(defs []*InstanceDefinition, rb RuleBinding) []*InstanceDefinition {
	for _, d := range defs {
		if d.Name == rb.Instance {
			if rb.IfaceName == "*" {
				d.GlobalSettings = append(d.GlobalSettings, rb)
				return defs
			}
			ifaces := d.Downstreams
			if rb.IfaceRole == Upstream {
				ifaces = d.Upstreams
			}
			for _, iface := range ifaces {
				if iface.Name == rb.IfaceName {
					b := rb
					if rb.Direction == In {
						iface.InputFilter = &b
					} else {
						iface.OutputFilter = &b
					}
				}
			}
			return defs
		}
	}
	// Instance not seen yet: stash as a pending global setting on a
	// placeholder definition so Validate can report "unknown instance"
	// rather than silently dropping the binding.
	stub := &InstanceDefinition{Name: rb.Instance}
	stub.GlobalSettings = append(stub.GlobalSettings, rb)
	return append(defs, stub)
}

// table_def = "table" [NAME] "{" { rule } "}" | "table" NAME .
func (p *Parser) parseNamedTableDef() (*Table, error) {
	p.advance() // "table"
	if p.cur().Kind == TokString && p.peekKind(1) != TokLBrace {
		// bare reference to a previously declared table: "table NAME"
		name := p.advance().Text
		t, ok := p.cfg.Tables.ByName[name]
		if !ok {
			return nil, errors.Errorf(errors.KindConfig, "line %d: reference to undeclared table %q", p.line(), name)
		}
		return t, nil
	}
	t := &Table{}
	if p.cur().Kind == TokString {
		t.Name = p.advance().Text
	}
	if _, err := p.expect(TokLBrace, "'{'"); err != nil {
		return nil, err
	}
	for p.cur().Kind != TokRBrace {
		rule, err := p.parseRule()
		if err != nil {
			return nil, err
		}
		t.Rules = append(t.Rules, rule)
	}
	p.advance() // "}"
	if t.Name != "" {
		p.cfg.Tables.ByName[t.Name] = t
	}
	return t, nil
}

func (p *Parser) peekKind(ahead int) TokenKind {
	idx := p.pos + ahead
	if idx >= len(p.toks) {
		return TokEOF
	}
	return p.toks[idx].Kind
}

// parseTableDefOrRef handles the table_def alternative used after
// blacklist/whitelist and inside a `rule`'s "(table_def)" shape. Only the
// forms starting with the "table" keyword are accepted: "table { ... }",
// "table NAME { ... }" and "table NAME"; anything else is an error.
func (p *Parser) parseTableDefOrRef() (*Table, error) {
	if p.cur().Kind == TokTable {
		return p.parseNamedTableDef()
	}
	return nil, errors.Errorf(errors.KindConfig, "line %d: expected a table definition", p.line())
}

// rule = [NAME] "(" (addr_part | table_def) "|" addr_part ")" | "(" table_def ")" .
func (p *Parser) parseRule() (RuleBox, error) {
	var ifaceName string
	if p.cur().Kind == TokString {
		ifaceName = p.advance().Text
	}
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return RuleBox{}, err
	}

	if p.cur().Kind == TokTable {
		// "(" table_def ")" : a rule that is itself a nested table,
		// ungated by any interface/group predicate.
		tbl, err := p.parseNamedTableDef()
		if err != nil {
			return RuleBox{}, err
		}
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return RuleBox{}, err
		}
		return RuleBox{Kind: RuleBoxTable, Table: tbl}, nil
	}

	gaddr, err := p.parseAddrPart()
	if err != nil {
		return RuleBox{}, err
	}
	if _, err := p.expect(TokPipe, "'|'"); err != nil {
		return RuleBox{}, err
	}
	saddr, err := p.parseAddrPart()
	if err != nil {
		return RuleBox{}, err
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return RuleBox{}, err
	}
	return RuleBox{Kind: RuleBoxAddr, IfaceName: ifaceName, GAddr: gaddr, SAddr: saddr}, nil
}

// addr_part = ("*" | addr) [ "/" NUMBER | "-" ("*"|addr) ] .
func (p *Parser) parseAddrPart() (AddrBox, error) {
	var box AddrBox
	if p.cur().Kind == TokStar {
		p.advance()
		box.Wildcard = true
		box.Prefix = -1
		return box, nil
	}
	addr, err := p.parseAddrLiteral()
	if err != nil {
		return AddrBox{}, err
	}
	box.Single = addr
	box.Prefix = -1

	switch p.cur().Kind {
	case TokSlash:
		p.advance()
		numTok, err := p.expect(TokString, "prefix length")
		if err != nil {
			return AddrBox{}, err
		}
		n, convErr := strconv.Atoi(numTok.Text)
		if convErr != nil {
			return AddrBox{}, errors.Errorf(errors.KindConfig, "line %d: bad prefix length %q", p.line(), numTok.Text)
		}
		box.Prefix = n
	case TokDash:
		p.advance()
		box.IsRange = true
		box.From = addr
		if p.cur().Kind == TokStar {
			p.advance() // "-*": unbounded upper end, To stays empty
		} else {
			to, err := p.parseAddrLiteral()
			if err != nil {
				return AddrBox{}, err
			}
			box.To = to
		}
	}
	return box, nil
}

// parseAddrLiteral reassembles an address literal from the STRING/'.'/':'
// tokens the scanner produced for it (IPv4 dotted-quad components arrive
// as separate STRING+DOT tokens; IPv6 hextets arrive as a single STRING
// token since ':' is accepted inside a word).
func (p *Parser) parseAddrLiteral() (Addr, error) {
	var sb strings.Builder
	first, err := p.expect(TokString, "address literal")
	if err != nil {
		return Addr{}, err
	}
	sb.WriteString(first.Text)
	for p.cur().Kind == TokDot {
		p.advance()
		sb.WriteByte('.')
		part, err := p.expect(TokString, "address literal component")
		if err != nil {
			return Addr{}, err
		}
		sb.WriteString(part.Text)
	}
	return Addr{Text: sb.String()}, nil
}
