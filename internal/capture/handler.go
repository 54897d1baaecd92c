package capture

import (
	"errors"
	"fmt"
	"log"
	"time"

	"tunscope/internal/core/model"
	"tunscope/internal/dnspolicy"
	"tunscope/internal/nat"

	"golang.org/x/sys/unix"
)

var errConnBlocked = errors.New("rejected by DNS policy")

// shouldIgnoreConn suppresses internal chatter aimed at the tunnel-side
// resolver on non-DNS ports, e.g. the platform's DNS-over-TLS probe on
// port 853. Ignored connections are NATed but never reported.
func (p *Proxy) shouldIgnoreConn(t model.FiveTuple) bool {
	return t.IPVer == 4 && t.DstIP == p.cfg.VpnDNS && t.DstPort != 53
}

// OnConnectionOpen admits or rejects a new connection. It runs the DNS
// policy gate, allocates the record with its DPI state, resolves the
// owning UID and, for reportable connections, assigns the dense incr id
// and stages the first batch entry.
func (p *Proxy) OnConnectionOpen(conn *nat.Conn) error {
	tuple := conn.Tuple()

	var l7 []byte
	if p.lastPkt != nil {
		l7 = p.lastPkt.L7
	}
	switch p.gate.Check(tuple, l7) {
	case dnspolicy.Block:
		p.lastConnBlocked = true
		return errConnBlocked
	case dnspolicy.AllowDNAT:
		conn.RequestDNAT()
	}

	now := p.nowMS / 1000
	rec := &model.ConnRecord{
		FirstSeen: now,
		LastSeen:  now,
		UID:       p.resolveUID(tuple),
	}

	flow, err := p.engine.NewFlow()
	if err != nil {
		// No DPI for this connection; everything else proceeds.
		log.Printf("DPI flow allocation failed: %v", err)
	} else {
		rec.DPIFlow = flow
		rec.SrcID = p.engine.NewEndpoint()
		rec.DstID = p.engine.NewEndpoint()
	}

	if name, ok := p.lru.Find(tuple.DstIP); ok {
		rec.Info = name
	}

	p.records[conn.ID()] = rec

	if !p.shouldIgnoreConn(tuple) {
		// Only reportable connections take an incr id: the host-side
		// register does not allow gaps.
		rec.IncrID = p.incrID
		p.incrID++
		p.newConns.add(conn.ID(), tuple, rec)
		rec.Pending = true
	}
	return nil
}

// resolveUID attributes the connection to an application, short-circuiting
// the well-known system UIDs.
func (p *Proxy) resolveUID(t model.FiveTuple) int {
	owner := p.resolver.Resolve(t)
	if owner < 0 {
		log.Printf("%s => UID not found", t)
		return model.UIDUnknown
	}

	var app string
	switch owner {
	case 0:
		app = "ROOT"
	case 1051:
		app = "netd"
	default:
		p.guard("getApplicationByUid", func() { app = p.host.GetApplicationByUID(owner) })
		if app == "" {
			app = "???"
		}
	}
	log.Printf("%s [%d/%s]", t, owner, app)
	return owner
}

// AccountPacket charges one packet against its connection, drives DPI and
// frames the packet for the pcap sinks.
func (p *Proxy) AccountPacket(conn *nat.Conn, pkt *nat.Packet, fromTun bool) {
	rec := p.records[conn.ID()]
	if rec == nil {
		log.Printf("missing record for connection %s", conn.Tuple())
		return
	}

	size := uint64(len(pkt.Data))
	if fromTun {
		rec.SentPkts++
		rec.SentBytes += size
	} else {
		rec.RcvdPkts++
		rec.RcvdBytes += size
	}
	rec.LastSeen = p.nowMS / 1000
	rec.Status = conn.Status()

	if rec.DPIFlow != nil {
		p.processDPIPacket(rec, pkt, fromTun)
	}

	if p.shouldIgnoreConn(conn.Tuple()) {
		return
	}

	if fromTun {
		p.capStats.sentPkts++
		p.capStats.sentBytes += size
	} else {
		p.capStats.rcvdPkts++
		p.capStats.rcvdBytes += size
	}
	p.capStats.newStats = true

	if !rec.Pending {
		p.connsUpdates.add(conn.ID(), conn.Tuple(), rec)
		rec.Pending = true
	}

	p.dumper.Record(pkt.Data, time.Now(), p.nowMS)
}

// SendClient writes a network-to-tun packet to the tun device. ENOBUFS
// abandons the one connection; EIO and partial writes terminate the run.
func (p *Proxy) SendClient(conn *nat.Conn, pkt []byte) error {
	if !p.running.Load() {
		return nil
	}

	n, err := unix.Write(p.tunFD, pkt)
	switch {
	case err == unix.ENOBUFS:
		log.Printf("got ENOBUFS %s", conn.Tuple())
		return err
	case err == unix.EIO:
		log.Printf("got I/O error (terminating?)")
		p.running.Store(false)
		return err
	case err != nil:
		log.Printf("tun write (%d) failed: %v", len(pkt), err)
		p.running.Store(false)
		return err
	case n != len(pkt):
		log.Printf("partial tun write (%d / %d)", n, len(pkt))
		p.running.Store(false)
		return fmt.Errorf("partial tun write (%d / %d)", n, len(pkt))
	}
	return nil
}

// OnSocketOpen registers every backend socket with the host's protect
// primitive before traffic flows on it.
func (p *Proxy) OnSocketOpen(fd int) {
	if !p.protect(fd) {
		log.Printf("socket protect failed")
	}
}

// OnConnectionClose finalizes DPI and stages the final update. The record
// itself survives until its last batch delivery, so the dump can still
// read the final counters.
func (p *Proxy) OnConnectionClose(conn *nat.Conn) {
	rec := p.records[conn.ID()]
	if rec == nil {
		log.Printf("missing record for connection %s", conn.Tuple())
		return
	}

	p.finishDPI(rec)
	rec.Status = conn.Status()

	if !rec.Pending && !p.shouldIgnoreConn(conn.Tuple()) {
		p.connsUpdates.add(conn.ID(), conn.Tuple(), rec)
		rec.Pending = true
	}
	if !rec.Pending {
		// Never reported, nothing references the record anymore.
		delete(p.records, conn.ID())
	}
}
