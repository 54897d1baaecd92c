package capture

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"tunscope/internal/core/model"
	"tunscope/internal/dpi"
	"tunscope/internal/nat"
	"tunscope/internal/pcapdump"
	"tunscope/internal/testpkt"
)

type connDump struct {
	newConns []model.ConnEvent
	updated  []model.ConnEvent
}

type fakeHost struct {
	statuses  []string
	connDumps []connDump
	statsDump []model.StatsEvent
	pcap      [][]byte
	protected []int
}

func (h *fakeHost) GetApplicationByUID(uid int) string { return "com.example.app" }
func (h *fakeHost) Protect(fd int) bool                { h.protected = append(h.protected, fd); return true }
func (h *fakeHost) DumpPcapData(data []byte)           { h.pcap = append(h.pcap, data) }
func (h *fakeHost) SendConnectionsDump(newConns, updated []model.ConnEvent) {
	h.connDumps = append(h.connDumps, connDump{newConns: newConns, updated: updated})
}
func (h *fakeHost) SendStatsDump(stats model.StatsEvent) {
	h.statsDump = append(h.statsDump, stats)
}
func (h *fakeHost) SendServiceStatus(status string) {
	h.statuses = append(h.statuses, status)
}

type staticResolver int

func (r staticResolver) Resolve(t model.FiveTuple) int { return int(r) }

func testConfig() Config {
	return Config{
		VpnIPv4:       netip.MustParseAddr("10.215.0.3"),
		VpnDNS:        netip.MustParseAddr("10.215.0.1"),
		DNSServer:     netip.MustParseAddr("8.8.8.8"),
		IPv6DNSServer: netip.MustParseAddr("2001:db8::53"),
	}
}

type harness struct {
	proxy   *Proxy
	host    *fakeHost
	backend *nat.MemoryBackend
	peerFD  int
}

// newHarness builds a proxy over a socketpair standing in for the tun
// device, runs setup, and leaves the loop to be driven by hand.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[0]); unix.Close(fds[1]) })

	host := &fakeHost{}
	backend := nat.NewMemoryBackend()
	p := New(cfg, host, backend, dpi.NewClassifier(), staticResolver(10076))

	require.NoError(t, p.setup(fds[0]))
	p.nowMS = 1_000_000
	t.Cleanup(p.teardown)

	return &harness{proxy: p, host: host, backend: backend, peerFD: fds[1]}
}

func (h *harness) feed(raw []byte) {
	h.proxy.handleTunPacket(raw)
}

// S1: a plain A query to the tunnel-side resolver is admitted, DNATed and
// counted.
func TestDNSQueryToInternalResolver(t *testing.T) {
	h := newHarness(t, testConfig())

	h.feed(testpkt.UDP4("10.215.0.2", 51000, "10.215.0.1", 53, testpkt.DNSQuery("example.com")))

	require.Equal(t, 1, h.backend.Stats().ActiveConns())
	conn, err := h.backend.Lookup(model.FiveTuple{
		IPVer: 4, Proto: 17,
		SrcIP: netip.MustParseAddr("10.215.0.2"), DstIP: netip.MustParseAddr("10.215.0.1"),
		SrcPort: 51000, DstPort: 53,
	}, false)
	require.NoError(t, err)
	require.True(t, conn.DNATed())
	require.EqualValues(t, 1, h.proxy.gate.DNSRequests())
	require.Len(t, h.proxy.newConns.items, 1)
}

// S2: non-DNS traffic to the tunnel-side resolver is NATed but never
// reported.
func TestInternalResolverProbeIgnored(t *testing.T) {
	h := newHarness(t, testConfig())

	h.feed(testpkt.UDP4("10.215.0.2", 51000, "10.215.0.1", 12345, []byte("probe")))

	require.Equal(t, 1, h.backend.Stats().ActiveConns(), "the probe must still be NATed")
	require.Empty(t, h.proxy.newConns.items)
	require.Empty(t, h.proxy.connsUpdates.items)
	require.Zero(t, h.proxy.capStats.sentPkts, "ignored traffic must not enter the aggregate")
}

// S3: DoT towards a known public resolver is blocked pre-admission.
func TestDoTBlocked(t *testing.T) {
	h := newHarness(t, testConfig())

	h.feed(testpkt.TCP4("10.215.0.2", 44000, "1.1.1.1", 853, nat.TCPFlagSYN, nil))

	require.Zero(t, h.backend.Stats().ActiveConns())
	require.Zero(t, h.backend.Stats().TotalOpened())
	require.Zero(t, h.proxy.numDroppedConns, "a blocked connection is not a drop")
	require.Empty(t, h.proxy.newConns.items)
}

// Established TCP arrivals with no matching connection neither create one
// nor count as drops.
func TestEstablishedTCPSkipped(t *testing.T) {
	h := newHarness(t, testConfig())

	h.feed(testpkt.TCP4("10.215.0.2", 44000, "93.184.216.34", 443, nat.TCPFlagACK, []byte("x")))

	require.Zero(t, h.backend.Stats().ActiveConns())
	require.Zero(t, h.proxy.numDroppedConns)
}

// S6: incr ids are dense and ordered by first admission.
func TestIncrIDsAreDense(t *testing.T) {
	h := newHarness(t, testConfig())

	for i := 0; i < 10; i++ {
		h.feed(testpkt.UDP4("10.215.0.2", uint16(40000+i), "93.184.216.34", 443, []byte("hi")))
	}

	require.Len(t, h.proxy.newConns.items, 10)
	for i, slot := range h.proxy.newConns.items {
		require.Equal(t, i, slot.rec.IncrID)
	}
}

// Counters must equal the sums of raw payload sizes, direction separated,
// and a closed connection is reported exactly twice with identical
// counters.
func TestCountersAndFinalUpdate(t *testing.T) {
	h := newHarness(t, testConfig())

	out := testpkt.UDP4("10.215.0.2", 51000, "93.184.216.34", 4000, []byte("ping"))
	reply := testpkt.UDP4("93.184.216.34", 4000, "10.215.0.2", 51000, []byte("pong!"))

	h.feed(out)
	h.feed(out)
	require.NoError(t, h.backend.Dispatch(nat.Inbound{Data: reply}))

	require.Len(t, h.proxy.records, 1)
	var rec *model.ConnRecord
	for _, r := range h.proxy.records {
		rec = r
	}
	require.EqualValues(t, 2, rec.SentPkts)
	require.EqualValues(t, 2*len(out), rec.SentBytes)
	require.EqualValues(t, 1, rec.RcvdPkts)
	require.EqualValues(t, len(reply), rec.RcvdBytes)

	require.EqualValues(t, 2, h.proxy.capStats.sentPkts)
	require.EqualValues(t, 1, h.proxy.capStats.rcvdPkts)

	// First dump: the connection appears once, in new.
	h.proxy.sendConnectionsDump()
	require.Len(t, h.host.connDumps, 1)
	require.Len(t, h.host.connDumps[0].newConns, 1)
	require.Empty(t, h.host.connDumps[0].updated)
	require.False(t, rec.Pending)

	// Close it; the final update carries the same counters.
	h.backend.PurgeExpired(time.Now().Unix() + 10_000)
	require.True(t, rec.Pending)

	h.proxy.sendConnectionsDump()
	require.Len(t, h.host.connDumps, 2)
	require.Empty(t, h.host.connDumps[1].newConns)
	require.Len(t, h.host.connDumps[1].updated, 1)

	first := h.host.connDumps[0].newConns[0]
	final := h.host.connDumps[1].updated[0]
	require.Equal(t, first.SentBytes, final.SentBytes)
	require.Equal(t, first.RcvdBytes, final.RcvdBytes)
	require.Equal(t, first.IncrID, final.IncrID)
	require.GreaterOrEqual(t, final.Status, int(model.StatusClosed))

	// The record is freed after its final batch delivery.
	require.Empty(t, h.proxy.records)

	// No further dumps for it.
	h.proxy.sendConnectionsDump()
	require.Len(t, h.host.connDumps, 2)
}

// S4: a TLS ClientHello yields master=TLS and the SNI as info.
func TestTLSClientHelloSNI(t *testing.T) {
	h := newHarness(t, testConfig())

	h.feed(testpkt.TCP4("10.215.0.2", 45000, "93.184.216.34", 443, nat.TCPFlagSYN, nil))
	h.feed(testpkt.TCP4("10.215.0.2", 45000, "93.184.216.34", 443, nat.TCPFlagACK,
		testpkt.ClientHello("example.com")))

	require.Len(t, h.proxy.records, 1)
	var rec *model.ConnRecord
	for _, r := range h.proxy.records {
		rec = r
	}
	require.Equal(t, dpi.ProtoTLS, rec.L7.Master)
	require.Equal(t, "example.com", rec.Info)
	require.Nil(t, rec.DPIFlow, "flow state must be freed once detection concludes")
	require.Equal(t, "TLS", h.proxy.protoName(rec, h.proxy.newConns.items[0].tuple))
}

// A DNS answer populates the host LRU, and the next connection to the
// resolved address starts with the cached name.
func TestDNSAnswerFeedsHostLRU(t *testing.T) {
	h := newHarness(t, testConfig())

	h.feed(testpkt.UDP4("10.215.0.2", 51001, "8.8.8.8", 53, testpkt.DNSQuery("cdn.example.org")))
	reply := testpkt.UDP4("8.8.8.8", 53, "10.215.0.2", 51001,
		testpkt.DNSAnswer("cdn.example.org", "203.0.113.7"))
	require.NoError(t, h.backend.Dispatch(nat.Inbound{Data: reply}))

	name, ok := h.proxy.lru.Find(netip.MustParseAddr("203.0.113.7"))
	require.True(t, ok)
	require.Equal(t, "cdn.example.org", name)

	h.feed(testpkt.TCP4("10.215.0.2", 45001, "203.0.113.7", 443, nat.TCPFlagSYN, nil))
	slot := h.proxy.newConns.items[len(h.proxy.newConns.items)-1]
	require.Equal(t, "cdn.example.org", slot.rec.Info)
}

// The forced stats dump rides the next housekeeping slot and reports the
// packet, gate and NAT counters.
func TestStatsDump(t *testing.T) {
	h := newHarness(t, testConfig())

	h.feed(testpkt.UDP4("10.215.0.2", 51000, "8.8.8.8", 53, testpkt.DNSQuery("a.example")))

	h.proxy.AskStatsDump()
	h.proxy.housekeeping()

	require.Len(t, h.host.statsDump, 1)
	st := h.host.statsDump[0]
	require.EqualValues(t, 1, st.SentPkts)
	require.EqualValues(t, 1, st.DNSRequests)
	require.Equal(t, 1, st.ActiveConns)
	require.Equal(t, 1, st.TotalConns)
}

// With the host pcap sink enabled, accounted packets are framed and
// flushed as parseable record chunks.
func TestPcapHostSink(t *testing.T) {
	cfg := testConfig()
	cfg.PcapToHost = true
	h := newHarness(t, cfg)

	pkt := testpkt.UDP4("10.215.0.2", 51000, "93.184.216.34", 4000, []byte("data"))
	h.feed(pkt)
	h.feed(pkt)

	require.True(t, h.proxy.dumper.HostPending())
	h.proxy.dumper.FlushHost(h.proxy.nowMS)
	require.Len(t, h.host.pcap, 1)

	rest := h.host.pcap[0]
	var count int
	for len(rest) > 0 {
		var rec pcapdump.Record
		var err error
		rec, rest, err = pcapdump.ParseRecord(rest)
		require.NoError(t, err)
		require.Equal(t, pkt, rec.Data)
		count++
	}
	require.Equal(t, 2, count)
}

// SOCKS5 tagging applies to fresh TCP connections only.
func TestSocks5Redirection(t *testing.T) {
	cfg := testConfig()
	cfg.Socks5Enabled = true
	cfg.Socks5Addr = netip.MustParseAddr("10.0.0.9")
	cfg.Socks5Port = 1080
	h := newHarness(t, cfg)

	h.feed(testpkt.TCP4("10.215.0.2", 45000, "93.184.216.34", 443, nat.TCPFlagSYN, nil))
	conn, err := h.backend.Lookup(model.FiveTuple{
		IPVer: 4, Proto: 6,
		SrcIP: netip.MustParseAddr("10.215.0.2"), DstIP: netip.MustParseAddr("93.184.216.34"),
		SrcPort: 45000, DstPort: 443,
	}, false)
	require.NoError(t, err)
	require.True(t, conn.Proxied())

	// UDP is never proxied.
	h.feed(testpkt.UDP4("10.215.0.2", 51000, "93.184.216.34", 4000, []byte("x")))
	udpConn, err := h.backend.Lookup(model.FiveTuple{
		IPVer: 4, Proto: 17,
		SrcIP: netip.MustParseAddr("10.215.0.2"), DstIP: netip.MustParseAddr("93.184.216.34"),
		SrcPort: 51000, DstPort: 4000,
	}, false)
	require.NoError(t, err)
	require.False(t, udpConn.Proxied())
}

// IPv6 packets are silently dropped while IPv6 support is off.
func TestIPv6DisabledDrops(t *testing.T) {
	h := newHarness(t, testConfig())

	h.feed(testpkt.UDP6("2001:db8::2", 51000, "2606:4700:4700::1111", 443, []byte("x")))

	require.Zero(t, h.backend.Stats().ActiveConns())
	require.Zero(t, h.proxy.numDroppedConns)
}

// A full run over the socketpair starts, reports and stops cleanly.
func TestRunStop(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	host := &fakeHost{}
	backend := nat.NewMemoryBackend()
	p := New(testConfig(), host, backend, dpi.NewClassifier(), staticResolver(0))

	done := make(chan error, 1)
	go func() { done <- p.Run(fds[0]) }()

	// Give the loop a tick, push one packet through, then stop.
	time.Sleep(50 * time.Millisecond)
	_, err = unix.Write(fds[1], testpkt.UDP4("10.215.0.2", 51000, "8.8.8.8", 53, testpkt.DNSQuery("a.example")))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	p.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop within the select tick")
	}
	unix.Close(fds[0])

	require.Equal(t, []string{"started", "stopped"}, host.statuses)
}
