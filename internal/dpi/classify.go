package dpi

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Classifier is the default Engine implementation. It decodes packets with
// gopacket and recognizes the protocols the capture core extracts metadata
// for (DNS, HTTP, TLS) plus a few port-guessable ones.
type Classifier struct{}

// NewClassifier creates a gopacket-backed detection engine.
func NewClassifier() *Classifier {
	return &Classifier{}
}

func (c *Classifier) NewFlow() (*Flow, error) {
	return &Flow{}, nil
}

func (c *Classifier) NewEndpoint() *Endpoint {
	return &Endpoint{}
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("CONNECT "), []byte("PATCH "),
}

// Process feeds one raw L3 packet to the flow and returns the current
// classification. Endpoint states only track packet counts; all the
// dissection state lives in the flow.
func (c *Classifier) Process(f *Flow, data []byte, ts time.Time, cli, srv *Endpoint) Protocol {
	f.packets++
	if cli != nil {
		cli.pkts++
	}

	payload, srcPort, dstPort, l4, ok := transportPayload(data)
	if !ok {
		return f.proto
	}
	if f.packets == 1 {
		f.dstPort = dstPort
		f.l4Proto = l4
	}

	switch {
	case l4 == 17 && (dstPort == 53 || srcPort == 53):
		c.processDNS(f, payload, srcPort == 53)
	case l4 == 17 && (dstPort == 5353 || srcPort == 5353):
		f.proto = Protocol{App: ProtoMDNS, Master: ProtoMDNS}
	case l4 == 17 && (dstPort == 67 || dstPort == 68):
		f.proto = Protocol{App: ProtoDHCP, Master: ProtoDHCP}
	case l4 == 17 && dstPort == 123:
		f.proto = Protocol{App: ProtoNTP, Master: ProtoNTP}
	case l4 == 6 && len(payload) > 0:
		c.processTCPPayload(f, payload)
	}

	return f.proto
}

// processDNS decodes a DNS message, recording the query name and the first
// usable answer address.
func (c *Classifier) processDNS(f *Flow, payload []byte, fromServer bool) {
	if len(payload) < 12 {
		return
	}
	var dns layers.DNS
	if err := dns.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return
	}
	f.proto = Protocol{App: ProtoDNS, Master: ProtoDNS}

	if len(dns.Questions) > 0 && f.meta.HostServerName == "" {
		f.meta.HostServerName = string(dns.Questions[0].Name)
	}
	if !fromServer {
		f.sawQuery = true
		return
	}
	f.sawReply = true
	for _, answer := range dns.Answers {
		if answer.Type != layers.DNSTypeA && answer.Type != layers.DNSTypeAAAA {
			continue
		}
		if addr, ok := netip.AddrFromSlice(answer.IP); ok {
			f.meta.DNSRspType = uint16(answer.Type)
			f.meta.DNSRspAddr = addr
			break
		}
	}
}

// processTCPPayload recognizes HTTP requests and TLS ClientHello records.
func (c *Classifier) processTCPPayload(f *Flow, payload []byte) {
	for _, m := range httpMethods {
		if bytes.HasPrefix(payload, m) {
			f.proto = Protocol{App: ProtoHTTP, Master: ProtoHTTP}
			c.parseHTTP(f, payload)
			return
		}
	}

	if sni, isTLS := parseClientHelloSNI(payload); isTLS {
		f.proto = Protocol{App: ProtoTLS, Master: ProtoTLS}
		if sni != "" {
			f.meta.SNI = sni
		}
		return
	}

	if bytes.HasPrefix(payload, []byte("SSH-")) {
		f.proto = Protocol{App: ProtoSSH, Master: ProtoSSH}
	}
}

// parseHTTP extracts the request path and Host header from a request head.
func (c *Classifier) parseHTTP(f *Flow, payload []byte) {
	head := string(payload)
	var path, host string

	if line, _, ok := strings.Cut(head, "\r\n"); ok {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) == 3 {
			path = parts[1]
		}
	}
	for _, line := range strings.Split(head, "\r\n") {
		if v, ok := strings.CutPrefix(line, "Host:"); ok {
			host = strings.TrimSpace(v)
			break
		}
	}

	if host != "" {
		f.meta.HostServerName = host
		if path != "" {
			f.meta.URL = host + path
		}
	}
}

func (c *Classifier) ExtraDissectionPossible(f *Flow) bool {
	switch f.proto.Master {
	case ProtoDNS:
		// Keep dissecting until the answer arrives, so the host LRU can
		// learn the resolved address.
		return !f.sawReply
	case ProtoTLS:
		return f.meta.SNI == ""
	case ProtoHTTP:
		return f.meta.URL == ""
	}
	return false
}

// Giveup guesses a protocol for a flow that never reached a verdict, based
// on the server port seen on the first packet.
func (c *Classifier) Giveup(f *Flow) Protocol {
	if f.proto.App != ProtoUnknown {
		return f.proto
	}
	var guess ProtoID
	switch f.dstPort {
	case 53:
		guess = ProtoDNS
	case 80:
		guess = ProtoHTTP
	case 443, 853:
		if f.l4Proto == 17 {
			guess = ProtoQUIC
		} else {
			guess = ProtoTLS
		}
	case 22:
		guess = ProtoSSH
	case 123:
		guess = ProtoNTP
	}
	if guess != ProtoUnknown {
		f.proto = Protocol{App: guess, Master: guess}
	}
	return f.proto
}

func (c *Classifier) Metadata(f *Flow) Metadata {
	return f.meta
}

func (c *Classifier) ProtoName(id ProtoID) string {
	return Name(id)
}

// MasterProtocols lists the protocols reported by name to the host; flows
// classified outside this set fall back to the L3 protocol name.
func (c *Classifier) MasterProtocols() map[ProtoID]bool {
	return map[ProtoID]bool{
		ProtoDNS:  true,
		ProtoHTTP: true,
		ProtoTLS:  true,
		ProtoQUIC: true,
		ProtoSSH:  true,
		ProtoNTP:  true,
		ProtoMDNS: true,
		ProtoDHCP: true,
	}
}

// transportPayload returns the L4 payload of a raw IP packet along with the
// transport ports and protocol number.
func transportPayload(data []byte) (payload []byte, srcPort, dstPort uint16, l4 uint8, ok bool) {
	if len(data) < 1 {
		return nil, 0, 0, 0, false
	}
	var first gopacket.LayerType
	if data[0]>>4 == 4 {
		first = layers.LayerTypeIPv4
	} else {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(data, first, gopacket.Lazy)

	if tcp, okTCP := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); okTCP {
		return tcp.Payload, uint16(tcp.SrcPort), uint16(tcp.DstPort), 6, true
	}
	if udp, okUDP := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); okUDP {
		return udp.Payload, uint16(udp.SrcPort), uint16(udp.DstPort), 17, true
	}
	return nil, 0, 0, 0, false
}

// parseClientHelloSNI walks a TLS ClientHello and returns the server_name
// extension value. The bool result reports whether the payload looks like a
// TLS handshake record at all.
func parseClientHelloSNI(b []byte) (string, bool) {
	// TLS record: type(1) version(2) length(2)
	if len(b) < 5 || b[0] != 0x16 || b[1] != 0x03 {
		return "", false
	}
	rec := b[5:]
	// Handshake: type(1) length(3); 1 = ClientHello
	if len(rec) < 4 || rec[0] != 0x01 {
		return "", true
	}
	hs := rec[4:]
	// version(2) random(32)
	if len(hs) < 34 {
		return "", true
	}
	hs = hs[34:]
	// session id
	if len(hs) < 1 || len(hs) < 1+int(hs[0]) {
		return "", true
	}
	hs = hs[1+int(hs[0]):]
	// cipher suites
	if len(hs) < 2 {
		return "", true
	}
	n := int(binary.BigEndian.Uint16(hs))
	if len(hs) < 2+n {
		return "", true
	}
	hs = hs[2+n:]
	// compression methods
	if len(hs) < 1 || len(hs) < 1+int(hs[0]) {
		return "", true
	}
	hs = hs[1+int(hs[0]):]
	// extensions
	if len(hs) < 2 {
		return "", true
	}
	extLen := int(binary.BigEndian.Uint16(hs))
	hs = hs[2:]
	if len(hs) < extLen {
		return "", true
	}
	for len(hs) >= 4 {
		typ := binary.BigEndian.Uint16(hs)
		l := int(binary.BigEndian.Uint16(hs[2:]))
		if len(hs) < 4+l {
			return "", true
		}
		if typ == 0 { // server_name
			sn := hs[4 : 4+l]
			// list length(2) type(1) name length(2)
			if len(sn) >= 5 && sn[2] == 0 {
				nameLen := int(binary.BigEndian.Uint16(sn[3:]))
				if len(sn) >= 5+nameLen {
					return string(sn[5 : 5+nameLen]), true
				}
			}
			return "", true
		}
		hs = hs[4+l:]
	}
	return "", true
}
