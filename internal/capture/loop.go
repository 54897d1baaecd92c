package capture

import (
	"log"
	"time"

	"tunscope/internal/nat"

	"golang.org/x/sys/unix"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// loop is the single-threaded multiplexer: tun packets, NAT readiness and
// the 500 ms tick all wake it, and every wakeup runs at most one
// housekeeping task.
func (p *Proxy) loop() {
	tunCh := make(chan []byte, 64)
	go p.readTun(tunCh)

	ticker := time.NewTicker(selectTimeoutMS * time.Millisecond)
	defer ticker.Stop()

	p.nowMS = nowMillis()
	// First connections dump goes out after about a second.
	p.lastConnsDumpMS = p.nowMS - connDumpUpdateFrequencyMS + 1000
	p.nextPurgeMS = p.nowMS + periodicPurgeTimeoutMS

	for p.running.Load() {
		select {
		case buf, ok := <-tunCh:
			if !ok {
				p.running.Store(false)
				continue
			}
			p.nowMS = nowMillis()
			p.handleTunPacket(buf)
		case in := <-p.backend.Ready():
			p.nowMS = nowMillis()
			if err := p.backend.Dispatch(in); err != nil {
				log.Printf("dispatch failed: %v", err)
			}
		case <-ticker.C:
			p.nowMS = nowMillis()
		}

		p.housekeeping()
	}
}

// readTun polls the tun fd with the select timeout so a stop request is
// honored within one tick, then performs one blocking read per readiness.
func (p *Proxy) readTun(out chan<- []byte) {
	defer close(out)

	fds := []unix.PollFd{{Fd: int32(p.tunFD), Events: unix.POLLIN}}
	buf := make([]byte, readBufSize)

	for p.running.Load() {
		fds[0].Revents = 0
		n, err := unix.Poll(fds, selectTimeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Printf("poll(tun) failed: %v", err)
			return
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			log.Printf("tun device closed")
			return
		}

		size, err := unix.Read(p.tunFD, buf)
		if err != nil {
			if err == unix.EIO {
				log.Printf("got I/O error on tun read (terminating?)")
				return
			}
			log.Printf("read(tun) returned error: %v", err)
			continue
		}
		if size <= 0 {
			continue
		}
		pkt := make([]byte, size)
		copy(pkt, buf[:size])
		for {
			select {
			case out <- pkt:
			default:
				// The loop stopped draining; don't wedge on a full
				// channel past a stop request.
				if !p.running.Load() {
					return
				}
				time.Sleep(time.Millisecond)
				continue
			}
			break
		}
	}
}

// handleTunPacket runs one tun-side packet through parsing, admission and
// forwarding.
func (p *Proxy) handleTunPacket(buf []byte) {
	pkt, err := nat.ParsePacket(buf)
	if err != nil {
		log.Printf("packet parse failed: %v", err)
		return
	}

	p.lastPkt = pkt
	p.lastConnBlocked = false
	defer func() { p.lastPkt = nil }()

	if pkt.Tuple.IPVer == 6 && !p.cfg.IPv6Enabled {
		return
	}

	// Established-from-outside TCP arrivals must not create connections.
	isTCPEstablished := pkt.Tuple.Proto == 6 &&
		!(pkt.TCPFlags&nat.TCPFlagSYN != 0 && pkt.TCPFlags&nat.TCPFlagACK == 0)

	conn, err := p.backend.Lookup(pkt.Tuple, !isTCPEstablished)
	if err != nil {
		switch {
		case p.lastConnBlocked:
			// Designed outcome, not an error.
		case !isTCPEstablished:
			p.numDroppedConns++
			log.Printf("connection lookup failed: %s", pkt.Tuple)
		}
		return
	}

	if p.cfg.Socks5Enabled {
		p.checkSocks5Redirection(pkt, conn)
	}

	if err := p.backend.Forward(pkt, conn); err != nil {
		log.Printf("forward failed: %s: %v", pkt.Tuple, err)
		p.numDroppedConns++
		p.backend.Destroy(conn)
	}
}

// checkSocks5Redirection tags fresh TCP connections for proxying before
// their first packet is forwarded.
func (p *Proxy) checkSocks5Redirection(pkt *nat.Packet, conn *nat.Conn) {
	rec := p.records[conn.ID()]
	if rec == nil || p.shouldIgnoreConn(conn.Tuple()) {
		return
	}
	if pkt.Tuple.Proto == 6 && rec.SentPkts+rec.RcvdPkts == 0 {
		conn.RequestProxy()
	}
}

// housekeeping performs at most one periodic task per iteration, in
// priority order, so a hot packet stream cannot starve any of them for
// more than one iteration per overdue task.
func (p *Proxy) housekeeping() {
	switch {
	case (p.capStats.newStats &&
		p.nowMS-p.capStats.lastUpdateMS >= captureStatsUpdateFrequencyMS) ||
		p.dumpCaptureStatsNow.Load():
		p.dumpCaptureStatsNow.Store(false)
		p.sendStatsDump()
		p.capStats.newStats = false
		p.capStats.lastUpdateMS = p.nowMS

	case p.nowMS-p.lastConnsDumpMS >= connDumpUpdateFrequencyMS:
		p.sendConnectionsDump()
		p.lastConnsDumpMS = p.nowMS

	case p.dumper.HostPending() && p.nowMS-p.dumper.LastFlushMS() >= maxHostDumpDelayMS:
		p.dumper.FlushHost(p.nowMS)

	case p.nowMS >= p.nextPurgeMS || p.dumpVPNStatsNow.Load():
		p.dumpVPNStatsNow.Store(false)
		p.backend.PurgeExpired(p.nowMS / 1000)
		p.nextPurgeMS = p.nowMS + periodicPurgeTimeoutMS
	}
}
