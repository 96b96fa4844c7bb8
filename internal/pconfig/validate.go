// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pconfig

import (
	"grimm.is/flywall/internal/addr"
	"grimm.is/flywall/internal/errors"
)

// Validate runs the semantic checks supplementing the grammar: duplicate
// instance names, an interface declared as both upstream and downstream
// within the same instance, rule bindings naming an instance that was
// never declared, and address literals whose family disagrees with the
// configured protocol. Grounded in
// _examples/original_source/mcproxy/src/proxy/proxy_configuration.cpp,
// which runs an equivalent pass after parsing before accepting a config.
func Validate(cfg *Config) error {
	seen := map[string]bool{}
	for _, inst := range cfg.Instances {
		if len(inst.Upstreams) == 0 && len(inst.Downstreams) == 0 && len(inst.GlobalSettings) > 0 {
			return errors.Errorf(errors.KindConfig, "rule binding refers to undeclared instance %q", inst.Name)
		}
		if seen[inst.Name] {
			return errors.Errorf(errors.KindConfig, "line %d: duplicate pinstance name %q", inst.Line, inst.Name)
		}
		seen[inst.Name] = true

		ifaceRole := map[string]IfaceRole{}
		for _, iface := range inst.Upstreams {
			ifaceRole[iface.Name] = Upstream
		}
		for _, iface := range inst.Downstreams {
			if _, ok := ifaceRole[iface.Name]; ok {
				return errors.Errorf(errors.KindConfig, "line %d: interface %q used as both upstream and downstream in instance %q", inst.Line, iface.Name, inst.Name)
			}
		}

		for _, iface := range append(append([]*Interface{}, inst.Upstreams...), inst.Downstreams...) {
			if iface.InputFilter != nil {
				if err := validateBinding(cfg, *iface.InputFilter); err != nil {
					return err
				}
			}
			if iface.OutputFilter != nil {
				if err := validateBinding(cfg, *iface.OutputFilter); err != nil {
					return err
				}
			}
		}
		for _, b := range inst.GlobalSettings {
			if err := validateBinding(cfg, b); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateBinding(cfg *Config, b RuleBinding) error {
	if b.Kind == BindingMatching {
		if b.Discipline == MatchMutex && b.Direction == Out {
			return errors.Errorf(errors.KindConfig, "rulematching mutex is not valid on an \"out\" binding (instance %q)", b.Instance)
		}
		return nil
	}
	if b.Table == nil {
		return nil
	}
	return validateTableFamily(cfg, b.Table)
}

func validateTableFamily(cfg *Config, t *Table) error {
	fam := addr.Unspec
	if cfg.Protocol.IsMLD() {
		fam = addr.V6
	} else if cfg.Protocol.IsIGMP() {
		fam = addr.V4
	}
	for _, r := range t.Rules {
		switch r.Kind {
		case RuleBoxAddr:
			if err := checkAddrBoxFamily(r.GAddr, fam); err != nil {
				return err
			}
			if err := checkAddrBoxFamily(r.SAddr, fam); err != nil {
				return err
			}
		case RuleBoxTable:
			if r.Table != nil {
				if err := validateTableFamily(cfg, r.Table); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkAddrBoxFamily(box AddrBox, fam addr.Family) error {
	if box.Wildcard || fam == addr.Unspec {
		return nil
	}
	if box.Single.Text != "" {
		return checkLiteralFamily(box.Single.Text, fam)
	}
	if box.IsRange {
		if err := checkLiteralFamily(box.From.Text, fam); err != nil {
			return err
		}
		if box.To.Text != "" {
			return checkLiteralFamily(box.To.Text, fam)
		}
	}
	return nil
}

func checkLiteralFamily(text string, fam addr.Family) error {
	a, err := addr.Parse(text)
	if err != nil {
		return errors.Wrapf(err, errors.KindConfig, "address literal %q", text)
	}
	if a.Family() != fam {
		return errors.Errorf(errors.KindConfig, "address literal %q does not match configured protocol family %s", text, fam)
	}
	return nil
}
