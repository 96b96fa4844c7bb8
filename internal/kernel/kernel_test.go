// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"grimm.is/flywall/internal/addr"
	"grimm.is/flywall/internal/clock"
)

func TestSimMrouteSocketAddAndDeleteRoute(t *testing.T) {
	s := NewSimMrouteSocket(addr.V4, clock.Default)
	require.NoError(t, s.AddVIF(0, 2))
	require.NoError(t, s.AddVIF(1, 3))

	src := netip.MustParseAddr("10.0.0.1")
	grp := netip.MustParseAddr("239.1.2.3")
	require.NoError(t, s.AddMRoute(0, src, grp, []int{1}))

	routes := s.Routes()
	require.Contains(t, routes, "10.0.0.1,239.1.2.3")

	require.NoError(t, s.DelMRoute(src, grp))
	require.NotContains(t, s.Routes(), "10.0.0.1,239.1.2.3")
}

func TestSimMrouteSocketRejectsOutOfRangeVIF(t *testing.T) {
	s := NewSimMrouteSocket(addr.V4, clock.Default)
	require.Error(t, s.AddVIF(MaxVIFs, 2))
}

func TestSimInterfaceRegistry(t *testing.T) {
	reg := NewSimInterfaceRegistry()
	reg.AddInterface("eth0", 2, true, netip.MustParseAddr("192.0.2.1"))

	idx, err := reg.InterfaceIndex("eth0")
	require.NoError(t, err)
	require.Equal(t, 2, idx)

	running, err := reg.IsRunning("eth0")
	require.NoError(t, err)
	require.True(t, running)

	_, err = reg.InterfaceIndex("missing0")
	require.Error(t, err)
}
