package nat

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"tunscope/internal/core/model"
)

// ParsePacket decodes a raw IP packet into its 5-tuple and payload view.
// The returned Packet aliases buf; callers must copy if they keep it past
// the current loop iteration.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty packet")
	}

	var first gopacket.LayerType
	var ipver uint8
	switch buf[0] >> 4 {
	case 4:
		first, ipver = layers.LayerTypeIPv4, 4
	case 6:
		first, ipver = layers.LayerTypeIPv6, 6
	default:
		return nil, fmt.Errorf("unsupported IP version %d", buf[0]>>4)
	}

	decoded := gopacket.NewPacket(buf, first, gopacket.Lazy)

	tuple := model.FiveTuple{IPVer: ipver}
	switch ipver {
	case 4:
		ip, ok := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			return nil, fmt.Errorf("malformed IPv4 header")
		}
		tuple.SrcIP = addrOf(ip.SrcIP)
		tuple.DstIP = addrOf(ip.DstIP)
		tuple.Proto = uint8(ip.Protocol)
	case 6:
		ip, ok := decoded.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		if !ok {
			return nil, fmt.Errorf("malformed IPv6 header")
		}
		tuple.SrcIP = addrOf(ip.SrcIP)
		tuple.DstIP = addrOf(ip.DstIP)
		tuple.Proto = uint8(ip.NextHeader)
	}

	pkt := &Packet{Tuple: tuple, Data: buf}

	switch {
	case decoded.Layer(layers.LayerTypeTCP) != nil:
		tcp := decoded.Layer(layers.LayerTypeTCP).(*layers.TCP)
		pkt.Tuple.Proto = 6
		pkt.Tuple.SrcPort = uint16(tcp.SrcPort)
		pkt.Tuple.DstPort = uint16(tcp.DstPort)
		pkt.L7 = tcp.Payload
		pkt.TCPFlags = tcpFlags(tcp)
	case decoded.Layer(layers.LayerTypeUDP) != nil:
		udp := decoded.Layer(layers.LayerTypeUDP).(*layers.UDP)
		pkt.Tuple.Proto = 17
		pkt.Tuple.SrcPort = uint16(udp.SrcPort)
		pkt.Tuple.DstPort = uint16(udp.DstPort)
		pkt.L7 = udp.Payload
	case decoded.Layer(layers.LayerTypeICMPv4) != nil:
		icmp := decoded.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		pkt.L7 = icmp.Payload
	case decoded.Layer(layers.LayerTypeICMPv6) != nil:
		icmp := decoded.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
		pkt.L7 = icmp.Payload
	case tuple.Proto == 6 || tuple.Proto == 17:
		return nil, fmt.Errorf("truncated transport header: %s", tuple)
	}

	return pkt, nil
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= TCPFlagFIN
	}
	if tcp.SYN {
		f |= TCPFlagSYN
	}
	if tcp.RST {
		f |= TCPFlagRST
	}
	if tcp.ACK {
		f |= TCPFlagACK
	}
	return f
}

func addrOf(ip []byte) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}

// ReverseTuple swaps the endpoints of a tuple, giving the key under which
// a reply packet matches the originating connection.
func ReverseTuple(t model.FiveTuple) model.FiveTuple {
	return model.FiveTuple{
		IPVer:   t.IPVer,
		Proto:   t.Proto,
		SrcIP:   t.DstIP,
		DstIP:   t.SrcIP,
		SrcPort: t.DstPort,
		DstPort: t.SrcPort,
	}
}
