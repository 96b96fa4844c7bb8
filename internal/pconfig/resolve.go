// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pconfig

// ResolveBinding returns the RuleBinding that governs iface's traffic in
// direction dir: the interface's own InputFilter/OutputFilter if one was
// attached, else the instance-wide wildcard binding for (role, dir) from
// GlobalSettings (a `pinstance NAME upstream|downstream * in|out ...`
// declaration), else nil (no filter, default-permit).
func ResolveBinding(inst *InstanceDefinition, iface *Interface, role IfaceRole, dir Direction) *RuleBinding {
	if dir == In && iface.InputFilter != nil {
		return iface.InputFilter
	}
	if dir == Out && iface.OutputFilter != nil {
		return iface.OutputFilter
	}
	for i := range inst.GlobalSettings {
		b := &inst.GlobalSettings[i]
		if b.IfaceRole == role && b.Direction == dir && b.IfaceName == "*" {
			return b
		}
	}
	return nil
}
