// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package addr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{"10.0.0.1", "239.1.2.3", "0.0.0.0", "255.255.255.255", "ff02::2", "::"} {
		a, err := Parse(s)
		require.NoError(t, err)
		require.Equal(t, s, a.String())
	}
}

func TestIncWraparoundV4(t *testing.T) {
	a := MustParse("255.255.255.255")
	require.Equal(t, "0.0.0.0", a.Inc().String())
}

func TestDecWraparoundV4(t *testing.T) {
	a := MustParse("0.0.0.0")
	require.Equal(t, "255.255.255.255", a.Dec().String())
}

func TestIncWraparoundV6CarriesAcrossLimbs(t *testing.T) {
	a := MustParse("ffff:ffff:ffff:ffff:ffff:ffff:ffff:ffff")
	require.Equal(t, "::", a.Inc().String())
}

func TestIncSimple(t *testing.T) {
	a := MustParse("10.0.0.255")
	require.Equal(t, "10.0.1.0", a.Inc().String())
}

func TestMaskAndBroadcastClearAndSetSuffix(t *testing.T) {
	a := MustParse("10.20.30.40")
	masked, err := a.Mask(24)
	require.NoError(t, err)
	require.Equal(t, "10.20.30.0", masked.String())

	bcast, err := a.Broadcast(24)
	require.NoError(t, err)
	require.Equal(t, "10.20.30.255", bcast.String())

	// mask then broadcast sets all suffix bits
	mb, err := masked.Broadcast(24)
	require.NoError(t, err)
	require.Equal(t, bcast, mb)

	// broadcast then mask clears them back
	bm, err := bcast.Mask(24)
	require.NoError(t, err)
	require.Equal(t, masked, bm)
}

func TestCompareRejectsMixedFamily(t *testing.T) {
	v4 := MustParse("10.0.0.1")
	v6 := MustParse("::1")
	_, err := Compare(v4, v6)
	require.ErrorIs(t, err, ErrMixedFamily)
}

func TestCompareOrdersSameFamily(t *testing.T) {
	a := MustParse("10.0.0.1")
	b := MustParse("10.0.0.2")
	c, err := Compare(a, b)
	require.NoError(t, err)
	require.Equal(t, -1, c)
}

func TestWildcard(t *testing.T) {
	require.True(t, Wildcard(V4).IsWildcard())
	require.True(t, Wildcard(V6).IsWildcard())
	require.False(t, MustParse("1.2.3.4").IsWildcard())
}

func TestIsMulticast(t *testing.T) {
	require.True(t, MustParse("239.1.1.1").IsMulticast())
	require.False(t, MustParse("10.0.0.1").IsMulticast())
	require.True(t, MustParse("ff02::1").IsMulticast())
}
