// Package testpkt builds raw IP packets for tests.
package testpkt

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// UDP4 builds an IPv4 UDP packet with the given payload.
func UDP4(src string, srcPort uint16, dst string, dstPort uint16, payload []byte) []byte {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(ip, udp, gopacket.Payload(payload))
}

// TCP4 builds an IPv4 TCP packet. flags is a bitmask of SYN (0x02),
// ACK (0x10), FIN (0x01), RST (0x04).
func TCP4(src string, srcPort uint16, dst string, dstPort uint16, flags uint8, payload []byte) []byte {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		SYN:     flags&0x02 != 0,
		ACK:     flags&0x10 != 0,
		FIN:     flags&0x01 != 0,
		RST:     flags&0x04 != 0,
		Window:  65535,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(ip, tcp, gopacket.Payload(payload))
}

// UDP6 builds an IPv6 UDP packet with the given payload.
func UDP6(src string, srcPort uint16, dst string, dstPort uint16, payload []byte) []byte {
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(ip, udp, gopacket.Payload(payload))
}

// DNSQuery builds the payload of an A query for name.
func DNSQuery(name string) []byte {
	dns := &layers.DNS{
		ID:      0x1234,
		RD:      true,
		OpCode:  layers.DNSOpCodeQuery,
		QDCount: 1,
		Questions: []layers.DNSQuestion{{
			Name:  []byte(name),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := dns.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// DNSAnswer builds the payload of a response resolving name to addr.
func DNSAnswer(name string, addr string) []byte {
	ip := net.ParseIP(addr)
	typ := layers.DNSTypeA
	if ip.To4() == nil {
		typ = layers.DNSTypeAAAA
	} else {
		ip = ip.To4()
	}
	dns := &layers.DNS{
		ID:      0x1234,
		QR:      true,
		RD:      true,
		RA:      true,
		OpCode:  layers.DNSOpCodeQuery,
		QDCount: 1,
		ANCount: 1,
		Questions: []layers.DNSQuestion{{
			Name:  []byte(name),
			Type:  typ,
			Class: layers.DNSClassIN,
		}},
		Answers: []layers.DNSResourceRecord{{
			Name:  []byte(name),
			Type:  typ,
			Class: layers.DNSClassIN,
			TTL:   60,
			IP:    ip,
		}},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := dns.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// ClientHello builds a minimal TLS ClientHello record carrying an SNI
// extension for serverName.
func ClientHello(serverName string) []byte {
	sni := []byte(serverName)

	// server_name extension body: list length, type host_name, name length.
	ext := make([]byte, 0, 9+len(sni))
	ext = binary.BigEndian.AppendUint16(ext, 0)                  // type server_name
	ext = binary.BigEndian.AppendUint16(ext, uint16(5+len(sni))) // extension length
	ext = binary.BigEndian.AppendUint16(ext, uint16(3+len(sni))) // list length
	ext = append(ext, 0)                                         // host_name
	ext = binary.BigEndian.AppendUint16(ext, uint16(len(sni)))
	ext = append(ext, sni...)

	body := make([]byte, 0, 64+len(ext))
	body = append(body, 0x03, 0x03)              // client version TLS 1.2
	body = append(body, make([]byte, 32)...)     // random
	body = append(body, 0)                       // session id length
	body = binary.BigEndian.AppendUint16(body, 2) // cipher suites length
	body = append(body, 0x13, 0x01)
	body = append(body, 1, 0) // one compression method, null
	body = binary.BigEndian.AppendUint16(body, uint16(len(ext)))
	body = append(body, ext...)

	hs := make([]byte, 0, 4+len(body))
	hs = append(hs, 0x01, 0, 0, 0) // handshake type ClientHello
	hs[1] = byte(len(body) >> 16)
	hs[2] = byte(len(body) >> 8)
	hs[3] = byte(len(body))
	hs = append(hs, body...)

	rec := make([]byte, 0, 5+len(hs))
	rec = append(rec, 0x16, 0x03, 0x01) // handshake record, TLS 1.0 compat
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(hs)))
	rec = append(rec, hs...)
	return rec
}
