// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ifreg

import (
	"testing"

	"github.com/stretchr/testify/require"
	"grimm.is/flywall/internal/addr"
	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/kernel"
)

func TestAssignAndRelease(t *testing.T) {
	sock := kernel.NewSimMrouteSocket(addr.V4, clock.Default)
	reg := New(addr.V4)

	slot, err := reg.Assign(sock, "eth0", 2)
	require.NoError(t, err)
	require.Equal(t, 0, slot)

	got, ok := reg.VIFFor("eth0")
	require.True(t, ok)
	require.Equal(t, 0, got)

	require.NoError(t, reg.Release(sock, "eth0"))
	require.False(t, reg.Registered("eth0"))
}

func TestAssignRejectsDuplicateInterface(t *testing.T) {
	sock := kernel.NewSimMrouteSocket(addr.V4, clock.Default)
	reg := New(addr.V4)
	_, err := reg.Assign(sock, "eth0", 2)
	require.NoError(t, err)
	_, err = reg.Assign(sock, "eth0", 2)
	require.Error(t, err)
}

func TestAssignExhaustsSlots(t *testing.T) {
	sock := kernel.NewSimMrouteSocket(addr.V4, clock.Default)
	reg := New(addr.V4)
	for i := 0; i < kernel.MaxVIFs; i++ {
		_, err := reg.Assign(sock, itoaTestIface(i), i+10)
		require.NoError(t, err)
	}
	_, err := reg.Assign(sock, "one-too-many", 9999)
	require.Error(t, err)
}

func itoaTestIface(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "eth" + string(letters[i%len(letters)]) + string(letters[(i/len(letters))%len(letters)])
}
