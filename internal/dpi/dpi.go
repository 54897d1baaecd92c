package dpi

import (
	"net/netip"
	"time"
)

// ProtoID identifies an application-layer protocol known to the engine.
type ProtoID uint16

const (
	ProtoUnknown ProtoID = iota
	ProtoDNS
	ProtoHTTP
	ProtoTLS
	ProtoQUIC
	ProtoSSH
	ProtoNTP
	ProtoMDNS
	ProtoDHCP
)

// Protocol is the (application, master) classification pair produced by the
// engine. The master protocol is the carrier (e.g. TLS for a TLS-tunneled
// app); it is what gets reported to the host.
type Protocol struct {
	App    ProtoID
	Master ProtoID
}

// Metadata holds the per-flow fields extracted once detection concludes.
type Metadata struct {
	// HostServerName is the DNS query name or the HTTP Host header.
	HostServerName string
	// URL is the full HTTP URL, when one was seen.
	URL string
	// SNI is the TLS client-requested server name.
	SNI string
	// DNSRspType is the record type of the first DNS answer (A=1, AAAA=28).
	DNSRspType uint16
	// DNSRspAddr is the address carried by that answer.
	DNSRspAddr netip.Addr
}

// Flow is the opaque per-connection dissection state. It is allocated on
// connection creation; the capture core drops its reference once detection
// concludes, to bound memory.
type Flow struct {
	proto    Protocol
	meta     Metadata
	dstPort  uint16
	l4Proto  uint8
	sawQuery bool
	sawReply bool
	packets  int
}

// Endpoint is the opaque per-endpoint dissection state. Two are allocated
// per connection and passed to Process aligned to the packet direction.
type Endpoint struct {
	pkts int
}

// Engine is the protocol-identification library the capture core drives.
// Implementations must be safe for use from a single goroutine only; the
// packet loop owns all flows.
type Engine interface {
	// NewFlow allocates dissection state for a new connection.
	NewFlow() (*Flow, error)
	// NewEndpoint allocates per-endpoint state.
	NewEndpoint() *Endpoint
	// Process feeds one raw L3 packet to the flow. cli and srv are the
	// endpoint states aligned to the packet direction (sender first).
	Process(f *Flow, data []byte, ts time.Time, cli, srv *Endpoint) Protocol
	// ExtraDissectionPossible reports whether feeding more packets can
	// still refine the classification or its metadata.
	ExtraDissectionPossible(f *Flow) bool
	// Giveup finishes detection for a flow that never reached a verdict,
	// guessing from what was seen.
	Giveup(f *Flow) Protocol
	// Metadata returns the fields extracted for the flow.
	Metadata(f *Flow) Metadata
	// ProtoName returns the display name for a protocol id.
	ProtoName(id ProtoID) string
	// MasterProtocols enumerates the protocols worth reporting as a
	// connection's protocol name.
	MasterProtocols() map[ProtoID]bool
}

var protoNames = map[ProtoID]string{
	ProtoUnknown: "Unknown",
	ProtoDNS:     "DNS",
	ProtoHTTP:    "HTTP",
	ProtoTLS:     "TLS",
	ProtoQUIC:    "QUIC",
	ProtoSSH:     "SSH",
	ProtoNTP:     "NTP",
	ProtoMDNS:    "MDNS",
	ProtoDHCP:    "DHCP",
}

// Name returns the display name for a protocol id.
func Name(id ProtoID) string {
	if n, ok := protoNames[id]; ok {
		return n
	}
	return "Unknown"
}
