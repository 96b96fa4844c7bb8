// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
	"grimm.is/flywall/internal/addr"
)

func parseOneBinding(t *testing.T, src string) *RuleBinding {
	t.Helper()
	cfg, err := Parse(src)
	require.NoError(t, err)
	return cfg.Instances[0].Upstreams[0].InputFilter
}

func TestIsSourceAllowedNilBindingPermitsEverything(t *testing.T) {
	require.True(t, IsSourceAllowed(nil, "eth0", addr.MustParse("239.1.2.3"), addr.MustParse("10.0.0.1")))
}

func TestIsSourceAllowedWhitelistRequiresMatch(t *testing.T) {
	b := parseOneBinding(t, `protocol IGMPv3;
pinstance s: eth0 ==> eth1;
pinstance s upstream eth0 in whitelist table {
  (* | 10.0.0.1)
};`)
	require.True(t, IsSourceAllowed(b, "eth0", addr.MustParse("239.1.2.3"), addr.MustParse("10.0.0.1")))
	require.False(t, IsSourceAllowed(b, "eth0", addr.MustParse("239.1.2.3"), addr.MustParse("10.0.0.2")))
}

func TestIsSourceAllowedBlacklistInvertsMatch(t *testing.T) {
	b := parseOneBinding(t, `protocol IGMPv3;
pinstance s: eth0 ==> eth1;
pinstance s upstream eth0 in blacklist table {
  (* | 10.0.0.1)
};`)
	require.False(t, IsSourceAllowed(b, "eth0", addr.MustParse("239.1.2.3"), addr.MustParse("10.0.0.1")))
	require.True(t, IsSourceAllowed(b, "eth0", addr.MustParse("239.1.2.3"), addr.MustParse("10.0.0.2")))
}

func TestIsSourceAllowedRespectsInterfaceNameInRule(t *testing.T) {
	b := parseOneBinding(t, `protocol IGMPv3;
pinstance s: eth0 ==> eth1;
pinstance s upstream eth0 in whitelist table {
  eth9 (* | *)
};`)
	require.False(t, IsSourceAllowed(b, "eth0", addr.MustParse("239.1.2.3"), addr.MustParse("10.0.0.1")))
}

func TestIsSourceAllowedPrefixMatch(t *testing.T) {
	b := parseOneBinding(t, `protocol IGMPv3;
pinstance s: eth0 ==> eth1;
pinstance s upstream eth0 in whitelist table {
  (239.0.0.0/8 | *)
};`)
	require.True(t, IsSourceAllowed(b, "eth0", addr.MustParse("239.9.9.9"), addr.MustParse("10.0.0.1")))
	require.False(t, IsSourceAllowed(b, "eth0", addr.MustParse("240.0.0.1"), addr.MustParse("10.0.0.1")))
}

func TestIsSourceAllowedRangeMatch(t *testing.T) {
	b := parseOneBinding(t, `protocol IGMPv3;
pinstance s: eth0 ==> eth1;
pinstance s upstream eth0 in whitelist table {
  (* | 10.0.0.1-10.0.0.10)
};`)
	require.True(t, IsSourceAllowed(b, "eth0", addr.MustParse("239.1.2.3"), addr.MustParse("10.0.0.5")))
	require.False(t, IsSourceAllowed(b, "eth0", addr.MustParse("239.1.2.3"), addr.MustParse("10.0.0.11")))
}

func TestIsSourceAllowedNestedTable(t *testing.T) {
	b := parseOneBinding(t, `protocol IGMPv3;
table inner {
  (* | 10.0.0.1)
};
pinstance s: eth0 ==> eth1;
pinstance s upstream eth0 in whitelist table {
  (table inner)
};`)
	require.True(t, IsSourceAllowed(b, "eth0", addr.MustParse("239.1.2.3"), addr.MustParse("10.0.0.1")))
	require.False(t, IsSourceAllowed(b, "eth0", addr.MustParse("239.1.2.3"), addr.MustParse("10.0.0.2")))
}

func TestGetSourceAllowListCollectsExplicitSources(t *testing.T) {
	b := parseOneBinding(t, `protocol IGMPv3;
pinstance s: eth0 ==> eth1;
pinstance s upstream eth0 in whitelist table {
  (239.1.2.3 | 10.0.0.1)
  (239.1.2.3 | 10.0.0.2)
  (239.1.2.3 | *)
};`)
	got := GetSourceAllowList(b, "eth0", addr.MustParse("239.1.2.3"))
	require.Len(t, got, 2)
}
