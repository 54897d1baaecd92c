package dnspolicy

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"tunscope/internal/core/model"
	"tunscope/internal/dnsset"
)

func dnsPayload(flags uint16) []byte {
	p := make([]byte, 17)
	binary.BigEndian.PutUint16(p[2:4], flags)
	binary.BigEndian.PutUint16(p[4:6], 1) // one question
	return p
}

func tuple(proto uint8, dst string, dstPort uint16) model.FiveTuple {
	d := netip.MustParseAddr(dst)
	ver := uint8(4)
	if d.Is6() {
		ver = 6
	}
	return model.FiveTuple{
		IPVer:   ver,
		Proto:   proto,
		SrcIP:   netip.MustParseAddr("10.215.0.2"),
		DstIP:   d,
		SrcPort: 51000,
		DstPort: dstPort,
	}
}

func newGate(installed *netip.Addr) *Gate {
	return New(
		netip.MustParseAddr("10.215.0.1"),
		netip.MustParseAddr("2001:db8::53"),
		dnsset.NewWellKnown(),
		func(a netip.Addr) {
			if installed != nil {
				*installed = a
			}
		})
}

func TestGate_PlainQueryToInternalDNS(t *testing.T) {
	g := newGate(nil)

	d := g.Check(tuple(17, "10.215.0.1", 53), dnsPayload(0x0100))
	require.Equal(t, AllowDNAT, d)
	require.EqualValues(t, 1, g.DNSRequests())
}

func TestGate_PlainQueryToPublicDNS(t *testing.T) {
	g := newGate(nil)

	d := g.Check(tuple(17, "8.8.8.8", 53), dnsPayload(0x0100))
	require.Equal(t, Allow, d)
	require.EqualValues(t, 1, g.DNSRequests())
}

func TestGate_BlocksEncryptedDNS(t *testing.T) {
	g := newGate(nil)

	// DoT to a known resolver.
	require.Equal(t, Block, g.Check(tuple(6, "1.1.1.1", 853), nil))
	// DoH to a known resolver.
	require.Equal(t, Block, g.Check(tuple(6, "8.8.8.8", 443), nil))
	// DoT to the configured v6 resolver.
	require.Equal(t, Block, g.Check(tuple(6, "2001:db8::53", 853), nil))
	require.Zero(t, g.DNSRequests())
}

func TestGate_BlocksResponsesAndShortPayloads(t *testing.T) {
	g := newGate(nil)

	// A response-flagged message to the internal resolver is unexpected.
	require.Equal(t, Block, g.Check(tuple(17, "10.215.0.1", 53), dnsPayload(0x8180)))
	// Truncated header.
	require.Equal(t, Block, g.Check(tuple(17, "10.215.0.1", 53), []byte{0, 1, 2}))
}

func TestGate_InternalProbePortPasses(t *testing.T) {
	g := newGate(nil)

	// DoT health probe against the tunnel-side resolver: admitted here,
	// ignored by the reportability filter.
	require.Equal(t, Allow, g.Check(tuple(6, "10.215.0.1", 853), nil))
	require.Equal(t, Allow, g.Check(tuple(17, "10.215.0.1", 12345), nil))
}

func TestGate_UnrelatedTrafficPasses(t *testing.T) {
	g := newGate(nil)
	require.Equal(t, Allow, g.Check(tuple(6, "93.184.216.34", 443), nil))
}

func TestGate_PendingServerInstalledOnce(t *testing.T) {
	var installed netip.Addr
	g := newGate(&installed)

	require.NoError(t, g.SetDNSServer("9.9.9.9"))
	require.Error(t, g.SetDNSServer("2001:db8::9"))
	require.Error(t, g.SetDNSServer("bogus"))

	g.Check(tuple(6, "93.184.216.34", 443), nil)
	require.Equal(t, netip.MustParseAddr("9.9.9.9"), installed)

	installed = netip.Addr{}
	g.Check(tuple(6, "93.184.216.34", 443), nil)
	require.False(t, installed.IsValid(), "install must fire only once per SetDNSServer")
}
