package nat

import (
	"fmt"
	"net/netip"
	"time"

	"tunscope/internal/core/model"
)

// Per-protocol idle timeouts, in seconds, applied by PurgeExpired.
const (
	tcpIdleTimeout  = 300
	udpIdleTimeout  = 60
	icmpIdleTimeout = 30
)

// MemoryBackend is an in-process NAT table: it demuxes packets and drives
// the connection callbacks without opening real sockets, so OnSocketOpen is
// never invoked. The engine uses
// it for pcap replay runs and the tests use it to exercise the loop; a
// socket-proxying backend plugs in behind the same interface.
type MemoryBackend struct {
	handler Handler
	table   map[model.FiveTuple]*Conn
	inbound chan Inbound

	nextID uint64
	nextFD int

	dnatAddr  netip.Addr
	dnatPort  uint16
	socksAddr netip.Addr
	socksPort uint16

	stats Stats

	// nowFn feeds lastSeen stamps; replaceable in tests.
	nowFn func() int64
}

// NewMemoryBackend creates an empty table backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		table:   make(map[model.FiveTuple]*Conn),
		inbound: make(chan Inbound, 256),
		nextFD:  3,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

func (b *MemoryBackend) Bind(h Handler) { b.handler = h }

// Lookup finds or creates the connection for a tuple. Creation runs the
// handler's admission callback; rejection surfaces as ErrBlocked.
func (b *MemoryBackend) Lookup(t model.FiveTuple, create bool) (*Conn, error) {
	if c, ok := b.table[t]; ok {
		return c, nil
	}
	if !create {
		return nil, ErrNotFound
	}

	c := &Conn{
		id:     b.nextID,
		tuple:  t,
		status: model.StatusNew,
		last:   b.nowFn(),
	}
	b.nextID++

	if err := b.handler.OnConnectionOpen(c); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, t)
	}

	b.table[t] = c
	b.nextFD++
	if b.nextFD > b.stats.MaxFD {
		b.stats.MaxFD = b.nextFD
	}
	switch t.Proto {
	case 6:
		b.stats.TCPConns++
		b.stats.TCPOpened++
	case 17:
		b.stats.UDPConns++
		b.stats.UDPOpened++
	default:
		b.stats.ICMPConns++
		b.stats.ICMPOpened++
	}
	return c, nil
}

// Forward accounts a tun-side packet against its connection. The in-memory
// table has no network to send to; DNAT and proxy tags are honored by
// whatever transport sits behind it.
func (b *MemoryBackend) Forward(pkt *Packet, c *Conn) error {
	if c.status == model.StatusNew {
		c.status = model.StatusActive
	}
	c.last = b.nowFn()
	b.handler.AccountPacket(c, pkt, true)

	if pkt.Tuple.Proto == 6 && pkt.TCPFlags&(TCPFlagFIN|TCPFlagRST) != 0 {
		c.status = model.StatusClosed
		b.remove(pkt.Tuple, c)
	}
	return nil
}

// InjectNet queues a network-side packet for demux, simulating socket
// readiness. It is the producer side of Ready.
func (b *MemoryBackend) InjectNet(data []byte) {
	b.inbound <- Inbound{Data: data}
}

func (b *MemoryBackend) Ready() <-chan Inbound { return b.inbound }

// Dispatch demuxes one inbound packet: the reply tuple reversed must match
// an existing connection, which is then accounted and written to the tun.
func (b *MemoryBackend) Dispatch(in Inbound) error {
	pkt, err := ParsePacket(in.Data)
	if err != nil {
		return err
	}
	c, ok := b.table[ReverseTuple(pkt.Tuple)]
	if !ok {
		return fmt.Errorf("%w: inbound %s", ErrNotFound, pkt.Tuple)
	}
	c.last = b.nowFn()
	b.handler.AccountPacket(c, pkt, false)
	return b.handler.SendClient(c, in.Data)
}

func (b *MemoryBackend) Stats() Stats {
	s := b.stats
	s.OpenSockets = len(b.table)
	return s
}

// PurgeExpired closes connections idle past their protocol timeout, firing
// the close callback so the core can emit a final update.
func (b *MemoryBackend) PurgeExpired(now int64) {
	for t, c := range b.table {
		timeout := int64(udpIdleTimeout)
		switch t.Proto {
		case 6:
			timeout = tcpIdleTimeout
		case 1, 58:
			timeout = icmpIdleTimeout
		}
		if now-c.last < timeout && !c.status.Closed() {
			continue
		}
		if !c.status.Closed() {
			c.status = model.StatusClosed
		}
		b.remove(t, c)
	}
}

// Destroy tears down one connection after a forward failure.
func (b *MemoryBackend) Destroy(c *Conn) {
	if !c.status.Closed() {
		c.status = model.StatusError
	}
	b.remove(c.tuple, c)
}

func (b *MemoryBackend) remove(t model.FiveTuple, c *Conn) {
	if _, ok := b.table[t]; !ok {
		return
	}
	delete(b.table, t)
	switch t.Proto {
	case 6:
		b.stats.TCPConns--
	case 17:
		b.stats.UDPConns--
	default:
		b.stats.ICMPConns--
	}
	b.handler.OnConnectionClose(c)
}

func (b *MemoryBackend) SetDNAT(addr netip.Addr, port uint16) {
	b.dnatAddr, b.dnatPort = addr, port
}

// DNATTarget returns the installed DNAT destination.
func (b *MemoryBackend) DNATTarget() (netip.Addr, uint16) {
	return b.dnatAddr, b.dnatPort
}

func (b *MemoryBackend) SetSocks5(addr netip.Addr, port uint16) {
	b.socksAddr, b.socksPort = addr, port
}

// Close drops the whole table without firing callbacks; the core clears
// its own records at teardown.
func (b *MemoryBackend) Close() {
	b.table = make(map[model.FiveTuple]*Conn)
}
