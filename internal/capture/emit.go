package capture

import (
	"log"

	"tunscope/internal/core/model"
	"tunscope/internal/dpi"
)

// protoName resolves a connection's display protocol: the DPI master
// protocol when it is one worth reporting, the L3 protocol name otherwise.
func (p *Proxy) protoName(rec *model.ConnRecord, t model.FiveTuple) string {
	master := rec.L7.Master
	if master == dpi.ProtoUnknown || !p.masterProtos[master] {
		return model.ProtoName(t.Proto)
	}
	return p.engine.ProtoName(master)
}

func (p *Proxy) connEvent(slot connSlot) model.ConnEvent {
	rec := slot.rec
	t := slot.tuple
	return model.ConnEvent{
		SrcIP:     t.SrcIP.String(),
		DstIP:     t.DstIP.String(),
		Info:      rec.Info,
		URL:       rec.URL,
		Proto:     p.protoName(rec, t),
		Status:    int(rec.Status),
		IPVer:     int(t.IPVer),
		L4Proto:   int(t.Proto),
		SrcPort:   int(t.SrcPort),
		DstPort:   int(t.DstPort),
		FirstSeen: rec.FirstSeen,
		LastSeen:  rec.LastSeen,
		SentBytes: rec.SentBytes,
		RcvdBytes: rec.RcvdBytes,
		SentPkts:  rec.SentPkts,
		RcvdPkts:  rec.RcvdPkts,
		UID:       rec.UID,
		IncrID:    rec.IncrID,
	}
}

// sendConnectionsDump drains both batches to the host in one delivery,
// then clears the pending marks and frees closed records.
func (p *Proxy) sendConnectionsDump() {
	if len(p.newConns.items) == 0 && len(p.connsUpdates.items) == 0 {
		return
	}
	log.Printf("sendConnectionsDump: new=%d, updates=%d",
		len(p.newConns.items), len(p.connsUpdates.items))

	newEvents := make([]model.ConnEvent, 0, len(p.newConns.items))
	for _, slot := range p.newConns.items {
		slot.rec.Pending = false
		newEvents = append(newEvents, p.connEvent(slot))
	}
	updEvents := make([]model.ConnEvent, 0, len(p.connsUpdates.items))
	for _, slot := range p.connsUpdates.items {
		slot.rec.Pending = false
		updEvents = append(updEvents, p.connEvent(slot))
	}

	p.guard("sendConnectionsDump", func() {
		p.host.SendConnectionsDump(newEvents, updEvents)
	})

	p.clearBatch(&p.newConns, false)
	p.clearBatch(&p.connsUpdates, false)
}

// sendStatsDump samples the backend gauges and delivers the aggregate
// statistics.
func (p *Proxy) sendStatsDump() {
	st := p.backend.Stats()
	ev := model.StatsEvent{
		SentBytes:    p.capStats.sentBytes,
		RcvdBytes:    p.capStats.rcvdBytes,
		SentPkts:     p.capStats.sentPkts,
		RcvdPkts:     p.capStats.rcvdPkts,
		DroppedConns: p.numDroppedConns,
		OpenSockets:  st.OpenSockets,
		MaxFD:        st.MaxFD,
		ActiveConns:  st.ActiveConns(),
		TotalConns:   st.TotalOpened(),
		DNSRequests:  p.gate.DNSRequests(),
	}
	p.guard("sendStatsDump", func() { p.host.SendStatsDump(ev) })
}
