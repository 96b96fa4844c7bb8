// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIGMPv3ReportRoundTrip(t *testing.T) {
	group := netip.MustParseAddr("239.1.2.3")
	src1 := netip.MustParseAddr("10.0.0.1")
	src2 := netip.MustParseAddr("10.0.0.2")
	b := EncodeIGMPv3Report([]QueryRecord{
		{Type: ModeIsInclude, Group: group, Sources: []netip.Addr{src1, src2}},
	})
	decoded, err := DecodeIGMP(b)
	require.NoError(t, err)
	rep, ok := decoded.(Report)
	require.True(t, ok)
	require.Equal(t, IGMPv3, rep.Protocol)
	require.Len(t, rep.Records, 1)
	require.Equal(t, ModeIsInclude, rep.Records[0].Type)
	require.True(t, group == rep.Records[0].Group)
	require.ElementsMatch(t, []netip.Addr{src1, src2}, rep.Records[0].Sources)
}

func TestMLDv2ReportRoundTrip(t *testing.T) {
	group := netip.MustParseAddr("ff1e::1")
	src := netip.MustParseAddr("2001:db8::1")
	b := EncodeMLDv2Report([]QueryRecord{
		{Type: ChangeToExcludeMode, Group: group, Sources: []netip.Addr{src}},
	})
	decoded, err := DecodeMLD(b)
	require.NoError(t, err)
	rep, ok := decoded.(Report)
	require.True(t, ok)
	require.Equal(t, MLDv2, rep.Protocol)
	require.Len(t, rep.Records, 1)
	require.Equal(t, ChangeToExcludeMode, rep.Records[0].Type)
}

func TestIGMPv3QueryRoundTrip(t *testing.T) {
	group := netip.MustParseAddr("239.1.2.3")
	src := netip.MustParseAddr("10.0.0.5")
	b := EncodeIGMPv3Query(group, 100, true, 2, 125, []netip.Addr{src})
	decoded, err := DecodeIGMP(b)
	require.NoError(t, err)
	q, ok := decoded.(IGMPQuery)
	require.True(t, ok)
	require.True(t, q.SFlag)
	require.Equal(t, uint8(2), q.QRV)
	require.Equal(t, byte(125), q.QQIC)
	require.ElementsMatch(t, []netip.Addr{src}, q.Sources)
}

func TestDecodeIGMPRejectsShortPacket(t *testing.T) {
	_, err := DecodeIGMP([]byte{0x11, 0x00})
	require.Error(t, err)
}

func TestDecodeIGMPCacheMiss(t *testing.T) {
	ipHdr := make([]byte, 20)
	body := make([]byte, 12)
	body[0] = IGMPMsgNoCache
	body[2] = 3 // vif
	copy(body[4:8], []byte{10, 0, 0, 1})
	copy(body[8:12], []byte{239, 1, 2, 3})
	cm, err := DecodeIGMPCacheMiss(20, append(ipHdr, body...))
	require.NoError(t, err)
	require.Equal(t, 3, cm.InputVIF)
	require.Equal(t, "10.0.0.1", cm.Source.String())
	require.Equal(t, "239.1.2.3", cm.Group.String())
}
