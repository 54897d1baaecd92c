package dpi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunscope/internal/testpkt"
)

func process(t *testing.T, c *Classifier, f *Flow, raw []byte) Protocol {
	t.Helper()
	return c.Process(f, raw, time.Now(), c.NewEndpoint(), c.NewEndpoint())
}

func TestClassifier_TLSClientHello(t *testing.T) {
	c := NewClassifier()
	f, err := c.NewFlow()
	require.NoError(t, err)

	raw := testpkt.TCP4("10.0.0.2", 45000, "93.184.216.34", 443, 0x10, testpkt.ClientHello("example.com"))
	proto := process(t, c, f, raw)

	require.Equal(t, ProtoTLS, proto.Master)
	require.Equal(t, "example.com", c.Metadata(f).SNI)
	require.False(t, c.ExtraDissectionPossible(f), "nothing left to learn once the SNI is known")
}

func TestClassifier_DNSQueryAndAnswer(t *testing.T) {
	c := NewClassifier()
	f, err := c.NewFlow()
	require.NoError(t, err)

	query := testpkt.UDP4("10.0.0.2", 51000, "8.8.8.8", 53, testpkt.DNSQuery("example.com"))
	proto := process(t, c, f, query)
	require.Equal(t, ProtoDNS, proto.Master)
	require.Equal(t, "example.com", c.Metadata(f).HostServerName)
	require.True(t, c.ExtraDissectionPossible(f), "the answer has not arrived yet")

	answer := testpkt.UDP4("8.8.8.8", 53, "10.0.0.2", 51000, testpkt.DNSAnswer("example.com", "93.184.216.34"))
	process(t, c, f, answer)

	meta := c.Metadata(f)
	require.EqualValues(t, 1, meta.DNSRspType)
	require.Equal(t, "93.184.216.34", meta.DNSRspAddr.String())
	require.False(t, c.ExtraDissectionPossible(f))
}

func TestClassifier_HTTPRequest(t *testing.T) {
	c := NewClassifier()
	f, err := c.NewFlow()
	require.NoError(t, err)

	req := []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n")
	raw := testpkt.TCP4("10.0.0.2", 45000, "93.184.216.34", 80, 0x10, req)
	proto := process(t, c, f, raw)

	require.Equal(t, ProtoHTTP, proto.Master)
	meta := c.Metadata(f)
	require.Equal(t, "example.com", meta.HostServerName)
	require.Equal(t, "example.com/index.html", meta.URL)
}

func TestClassifier_GiveupGuessesByPort(t *testing.T) {
	c := NewClassifier()
	f, err := c.NewFlow()
	require.NoError(t, err)

	raw := testpkt.TCP4("10.0.0.2", 45000, "93.184.216.34", 443, 0x10, []byte{0x00, 0x01, 0x02})
	proto := process(t, c, f, raw)
	require.Equal(t, ProtoUnknown, proto.App)

	guessed := c.Giveup(f)
	require.Equal(t, ProtoTLS, guessed.App)

	// An unguessable port stays unknown.
	f2, _ := c.NewFlow()
	process(t, c, f2, testpkt.TCP4("10.0.0.2", 45000, "93.184.216.34", 4444, 0x10, []byte{0xff}))
	require.Equal(t, ProtoUnknown, c.Giveup(f2).App)
}

func TestParseClientHelloSNI_Hostile(t *testing.T) {
	// Not TLS at all.
	_, isTLS := parseClientHelloSNI([]byte("GET / HTTP/1.1"))
	require.False(t, isTLS)

	// A TLS record header with a truncated body must not panic and must
	// still register as TLS.
	hello := testpkt.ClientHello("example.com")
	for cut := 5; cut < len(hello); cut += 7 {
		_, isTLS := parseClientHelloSNI(hello[:cut])
		require.True(t, isTLS)
	}
}
