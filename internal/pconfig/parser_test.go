// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
	"grimm.is/flywall/internal/wire"
)

func TestParseProtocolAndDisable(t *testing.T) {
	cfg, err := Parse(`protocol IGMPv3;`)
	require.NoError(t, err)
	require.Equal(t, wire.IGMPv3, cfg.Protocol)
	require.False(t, cfg.Disabled)

	cfg, err = Parse(`protocol IGMPv3; disable;`)
	require.NoError(t, err)
	require.True(t, cfg.Disabled)
}

func TestParseInstanceDefWithTableNumber(t *testing.T) {
	cfg, err := Parse(`protocol IGMPv3;
pinstance sample(5): eth0 eth1 ==> eth2 eth3;`)
	require.NoError(t, err)
	require.Len(t, cfg.Instances, 1)
	inst := cfg.Instances[0]
	require.Equal(t, "sample", inst.Name)
	require.Equal(t, 5, inst.TableNumber)
	require.Len(t, inst.Upstreams, 2)
	require.Len(t, inst.Downstreams, 2)
	require.Equal(t, "eth0", inst.Upstreams[0].Name)
	require.Equal(t, "eth2", inst.Downstreams[0].Name)
}

func TestParseRuleMatchingBinding(t *testing.T) {
	cfg, err := Parse(`protocol IGMPv3;
pinstance sample: eth0 ==> eth1;
pinstance sample upstream eth0 in rulematching all;
pinstance sample upstream * in rulematching mutex 200;`)
	require.NoError(t, err)
	inst := cfg.Instances[0]
	require.NotNil(t, inst.Upstreams[0].InputFilter)
	require.Equal(t, BindingMatching, inst.Upstreams[0].InputFilter.Kind)
	require.Equal(t, MatchAll, inst.Upstreams[0].InputFilter.Discipline)

	require.Len(t, inst.GlobalSettings, 1)
	gs := inst.GlobalSettings[0]
	require.Equal(t, MatchMutex, gs.Discipline)
	require.Equal(t, 200, gs.MutexTimeoutMS)
}

func TestParseBlacklistWithInlineTable(t *testing.T) {
	cfg, err := Parse(`protocol IGMPv3;
pinstance sample: eth0 ==> eth1;
pinstance sample upstream eth0 in blacklist table {
  (* | 10.0.0.1)
  eth2 (239.1.2.3/24 | *)
};`)
	require.NoError(t, err)
	inst := cfg.Instances[0]
	require.NotNil(t, inst.Upstreams[0].InputFilter)
	binding := inst.Upstreams[0].InputFilter
	require.Equal(t, BindingFilter, binding.Kind)
	require.Equal(t, Blacklist, binding.FilterType)
	require.Len(t, binding.Table.Rules, 2)
	require.True(t, binding.Table.Rules[0].GAddr.Wildcard)
	require.Equal(t, "10.0.0.1", binding.Table.Rules[0].SAddr.Single.Text)
	require.Equal(t, "eth2", binding.Table.Rules[1].IfaceName)
	require.Equal(t, 24, binding.Table.Rules[1].GAddr.Prefix)
}

func TestParseNamedTableDeclarationAndReference(t *testing.T) {
	cfg, err := Parse(`protocol IGMPv3;
table mytable {
  (* | *)
};
pinstance sample: eth0 ==> eth1;
pinstance sample upstream eth0 in whitelist table mytable;`)
	require.NoError(t, err)
	require.Contains(t, cfg.Tables.ByName, "mytable")
	binding := cfg.Instances[0].Upstreams[0].InputFilter
	require.Same(t, cfg.Tables.ByName["mytable"], binding.Table)
}

func TestParseAddressRange(t *testing.T) {
	cfg, err := Parse(`protocol IGMPv3;
pinstance sample: eth0 ==> eth1;
pinstance sample upstream eth0 in blacklist table {
  (239.1.1.1-239.1.1.10 | *)
};`)
	require.NoError(t, err)
	rule := cfg.Instances[0].Upstreams[0].InputFilter.Table.Rules[0]
	require.True(t, rule.GAddr.IsRange)
	require.Equal(t, "239.1.1.1", rule.GAddr.From.Text)
	require.Equal(t, "239.1.1.10", rule.GAddr.To.Text)
}

func TestParseRejectsUnknownCommand(t *testing.T) {
	_, err := Parse(`bogus;`)
	require.Error(t, err)
}

func TestParseRejectsMissingSemicolon(t *testing.T) {
	_, err := Parse(`protocol IGMPv3`)
	require.Error(t, err)
}

func TestValidateRejectsSameInterfaceAsUpstreamAndDownstream(t *testing.T) {
	_, err := Parse(`protocol IGMPv3;
pinstance sample: eth0 ==> eth0;`)
	require.Error(t, err)
}

func TestValidateRejectsDuplicateInstanceName(t *testing.T) {
	_, err := Parse(`protocol IGMPv3;
pinstance sample: eth0 ==> eth1;
pinstance sample: eth2 ==> eth3;`)
	require.Error(t, err)
}

func TestValidateRejectsMismatchedAddressFamily(t *testing.T) {
	_, err := Parse(`protocol IGMPv3;
pinstance sample: eth0 ==> eth1;
pinstance sample upstream eth0 in blacklist table {
  (ff02::1 | *)
};`)
	require.Error(t, err)
}
