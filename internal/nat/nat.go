// Package nat defines the userspace NAT surface the capture core drives.
// The backend owns connection demux and socket proxying; the core supplies
// a Handler and owns all per-connection user data through a side table
// keyed by connection id.
package nat

import (
	"errors"
	"net/netip"

	"tunscope/internal/core/model"
)

// TCP header flag bits.
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagACK = 0x10
)

var (
	// ErrBlocked is returned by Lookup when the handler rejected the new
	// connection. It is a designed outcome, not a failure.
	ErrBlocked = errors.New("connection blocked")
	// ErrNotFound is returned by Lookup misses when creation was not
	// requested, and by Dispatch for unmatched inbound packets.
	ErrNotFound = errors.New("no matching connection")
)

// Packet is one parsed raw IP packet.
type Packet struct {
	Tuple model.FiveTuple
	// Data is the raw L3 packet.
	Data []byte
	// L7 is the transport payload within Data.
	L7 []byte
	// TCPFlags holds the TCP header flags, zero for other protocols.
	TCPFlags uint8
}

// Conn is one NAT table entry. Its tuple is immutable; status and the DNAT
// and proxy marks are owned by the backend and the packet loop.
type Conn struct {
	id      uint64
	tuple   model.FiveTuple
	status  model.ConnStatus
	last    int64
	dnat    bool
	proxied bool
}

// ID is the backend-assigned connection identifier, used to key the
// core's record side-table.
func (c *Conn) ID() uint64 { return c.id }

// Tuple returns the canonical 5-tuple.
func (c *Conn) Tuple() model.FiveTuple { return c.tuple }

// Status returns the backend's view of the connection lifecycle.
func (c *Conn) Status() model.ConnStatus { return c.status }

// RequestDNAT redirects the connection to the configured DNAT target
// before the first forward.
func (c *Conn) RequestDNAT() { c.dnat = true }

// RequestProxy routes the connection through the configured SOCKS5 proxy.
// Must be called before any packet has been forwarded.
func (c *Conn) RequestProxy() { c.proxied = true }

// Proxied reports whether the connection was tagged for SOCKS5.
func (c *Conn) Proxied() bool { return c.proxied }

// DNATed reports whether the connection was tagged for DNAT.
func (c *Conn) DNATed() bool { return c.dnat }

// Stats is the backend's aggregate gauge set.
type Stats struct {
	OpenSockets int
	MaxFD       int
	TCPConns    int
	UDPConns    int
	ICMPConns   int
	TCPOpened   int
	UDPOpened   int
	ICMPOpened  int
}

// ActiveConns sums the per-protocol active connection gauges.
func (s Stats) ActiveConns() int { return s.TCPConns + s.UDPConns + s.ICMPConns }

// TotalOpened sums the per-protocol opened counters.
func (s Stats) TotalOpened() int { return s.TCPOpened + s.UDPOpened + s.ICMPOpened }

// Inbound is a network-side packet awaiting demux on the loop thread.
type Inbound struct {
	Data []byte
}

// Handler is implemented by the capture core. All callbacks run on the
// packet loop goroutine.
type Handler interface {
	// SendClient writes a network-to-tun packet to the tun device.
	SendClient(c *Conn, pkt []byte) error
	// AccountPacket charges one packet against its connection.
	AccountPacket(c *Conn, pkt *Packet, fromTun bool)
	// OnSocketOpen is invoked for every socket the backend opens, before
	// any traffic flows on it.
	OnSocketOpen(fd int)
	// OnConnectionOpen admits or rejects a new connection. A non-nil
	// error blocks it; the connection is never created.
	OnConnectionOpen(c *Conn) error
	// OnConnectionClose signals that the core may finalize the
	// connection's user data. The record outlives the callback until its
	// final batch delivery.
	OnConnectionClose(c *Conn)
}

// Backend is the userspace NAT the loop multiplexes over.
type Backend interface {
	// Bind attaches the core's handler. Must be called before any
	// traffic is processed.
	Bind(h Handler)
	// Lookup finds the connection for a tuple, creating it when create
	// is set and the handler admits it.
	Lookup(t model.FiveTuple, create bool) (*Conn, error)
	// Forward sends a tun-side packet towards the network.
	Forward(pkt *Packet, c *Conn) error
	// Destroy tears down a single connection, firing OnConnectionClose.
	Destroy(c *Conn)
	// Ready delivers network-side packets; the loop passes them back
	// through Dispatch on its own goroutine.
	Ready() <-chan Inbound
	// Dispatch demuxes one inbound packet to its connection.
	Dispatch(in Inbound) error
	// Stats samples the aggregate gauges.
	Stats() Stats
	// PurgeExpired closes connections idle past their protocol timeout.
	PurgeExpired(now int64)
	// SetDNAT installs the target for DNAT-tagged connections.
	SetDNAT(addr netip.Addr, port uint16)
	// SetSocks5 installs the SOCKS5 proxy for proxy-tagged connections.
	SetSocks5(addr netip.Addr, port uint16)
	// Close frees all connections without firing further callbacks.
	Close()
}
