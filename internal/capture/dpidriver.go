package capture

import (
	"log"
	"net/netip"
	"strings"
	"time"

	"tunscope/internal/core/model"
	"tunscope/internal/dpi"
	"tunscope/internal/nat"
)

// processDPIPacket feeds one packet to the detection engine and concludes
// detection once the packet budget is spent or nothing more can be
// learned.
func (p *Proxy) processDPIPacket(rec *model.ConnRecord, pkt *nat.Packet, fromTun bool) {
	giveup := rec.SentPkts+rec.RcvdPkts >= maxDPIPackets

	cli, srv := rec.SrcID, rec.DstID
	if !fromTun {
		cli, srv = rec.DstID, rec.SrcID
	}
	rec.L7 = p.engine.Process(rec.DPIFlow, pkt.Data, time.Unix(rec.LastSeen, 0), cli, srv)

	if giveup || (rec.L7.App != dpi.ProtoUnknown &&
		!p.engine.ExtraDissectionPossible(rec.DPIFlow)) {
		p.finishDPI(rec)
	}
}

// finishDPI concludes detection: guess when still unknown, extract the
// per-protocol metadata, then free the flow state to bound memory.
func (p *Proxy) finishDPI(rec *model.ConnRecord) {
	if rec.DPIFlow == nil {
		return
	}

	if rec.L7.App == dpi.ProtoUnknown {
		rec.L7 = p.engine.Giveup(rec.DPIFlow)
	}
	if rec.L7.Master == dpi.ProtoUnknown {
		rec.L7.Master = rec.L7.App
	}

	meta := p.engine.Metadata(rec.DPIFlow)
	switch rec.L7.Master {
	case dpi.ProtoDNS:
		if meta.HostServerName != "" {
			rec.Info = meta.HostServerName
			// Learn the answer address, ignoring invalid domain names.
			if strings.Contains(rec.Info, ".") && usableAnswer(meta) {
				p.lru.Add(meta.DNSRspAddr, rec.Info)
			}
		}
	case dpi.ProtoHTTP:
		if meta.HostServerName != "" {
			rec.Info = meta.HostServerName
		}
		if meta.URL != "" {
			rec.URL = meta.URL
		}
	case dpi.ProtoTLS:
		if meta.SNI != "" {
			rec.Info = meta.SNI
		}
	}

	log.Printf("DPI completed -> l7proto: app=%d, master=%d", rec.L7.App, rec.L7.Master)

	rec.DPIFlow = nil
	rec.SrcID = nil
	rec.DstID = nil
}

// usableAnswer accepts A answers with a non-zero address and AAAA answers
// in global unicast space.
func usableAnswer(meta dpi.Metadata) bool {
	addr := meta.DNSRspAddr
	if !addr.IsValid() {
		return false
	}
	switch meta.DNSRspType {
	case 1: // A
		return addr.Is4() && addr != netip.IPv4Unspecified()
	case 28: // AAAA
		return addr.Is6() && addr.As16()[0]&0xE0 == 0x20
	}
	return false
}
