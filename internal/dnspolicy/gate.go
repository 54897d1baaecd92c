package dnspolicy

import (
	"encoding/binary"
	"fmt"
	"log"
	"net/netip"
	"sync/atomic"

	"tunscope/internal/core/model"
	"tunscope/internal/dnsset"
)

// Decision is the gate's verdict for a new connection.
type Decision int

const (
	// Allow admits the connection unchanged.
	Allow Decision = iota
	// AllowDNAT admits the connection and redirects it to the external
	// DNS server.
	AllowDNAT
	// Block rejects the connection before it is created.
	Block
)

const (
	dnsHeaderSize  = 12
	dnsFlagsMask   = 0x8000
	dnsTypeRequest = 0x0000
)

// Gate decides, once per new connection, whether traffic directed at a DNS
// server may proceed. Plain UDP/53 queries pass (rewritten to the external
// resolver when aimed at the tunnel-side address); encrypted DNS transports
// to known resolvers are blocked so that name resolution stays observable.
type Gate struct {
	vpnDNS netip.Addr // tunnel-side v4 resolver
	dns6   netip.Addr // configured v6 resolver
	known  *dnsset.Set

	// install points the NAT's DNAT target at a new external resolver.
	install func(netip.Addr)

	// pending holds an IPv4 resolver requested by the host control thread,
	// as 4 raw bytes; zero means none. Installed atomically on the next
	// new connection.
	pending atomic.Uint32

	requests uint32 // loop-thread only
}

// New creates a gate. install is invoked from the packet loop whenever a
// pending DNS server change is applied.
func New(vpnDNS, dns6 netip.Addr, known *dnsset.Set, install func(netip.Addr)) *Gate {
	return &Gate{vpnDNS: vpnDNS, dns6: dns6, known: known, install: install}
}

// SetDNSServer stages a new upstream resolver, applied on the next new
// connection. Only IPv4 resolvers can be installed mid-run.
func (g *Gate) SetDNSServer(server string) error {
	addr, err := netip.ParseAddr(server)
	if err != nil {
		return fmt.Errorf("invalid DNS server %q: %w", server, err)
	}
	if !addr.Is4() {
		return fmt.Errorf("DNS server %s: only IPv4 resolvers can be installed mid-run", addr)
	}
	b := addr.As4()
	g.pending.Store(binary.BigEndian.Uint32(b[:]))
	return nil
}

// DNSRequests returns the number of plaintext DNS queries observed.
func (g *Gate) DNSRequests() uint32 { return g.requests }

// Reset clears the query counter and any staged resolver change. Called on
// every run start so nothing leaks between runs.
func (g *Gate) Reset() {
	g.pending.Store(0)
	g.requests = 0
}

// Check classifies a new connection's first packet. l7 is the transport
// payload of that packet.
func (g *Gate) Check(t model.FiveTuple, l7 []byte) Decision {
	if p := g.pending.Swap(0); p != 0 {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], p)
		server := netip.AddrFrom4(b)
		g.install(server)
		log.Printf("Using new DNS server %s", server)
	}

	isInternal := t.IPVer == 4 && t.DstIP == g.vpnDNS
	isDNSServer := isInternal ||
		(t.IPVer == 6 && g.dns6.IsValid() && t.DstIP == g.dns6) ||
		g.known.Contains(t.DstIP)

	if !isDNSServer {
		return Allow
	}

	// The platform probes the tunnel-side resolver for DoT support on
	// other ports; those connections pass here and are suppressed by the
	// reportability filter instead.
	if isInternal && t.DstPort != 53 {
		return Allow
	}

	if t.Proto == 17 && t.DstPort == 53 && len(l7) >= dnsHeaderSize {
		flags := binary.BigEndian.Uint16(l7[2:4])
		if flags&dnsFlagsMask == dnsTypeRequest {
			g.requests++
			if isInternal {
				return AllowDNAT
			}
			return Allow
		}
	}

	// Everything else aimed at a DNS server (DoT, DoH, inbound-style
	// responses) is blocked, forcing plaintext UDP/53.
	log.Printf("blocking packet directed to the DNS server: %s", t)
	return Block
}
