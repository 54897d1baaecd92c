package main

import (
	"flag"
	"log"
	"net"
	"os"

	"tunscope/internal/pcapdump"
)

// ts-collector is the remote end of the UDP pcap sink: it receives the
// framed capture stream and persists it as a pcap file.
func main() {
	listenAddr := flag.String("listen", ":5123", "UDP address to receive the pcap stream on.")
	outputFile := flag.String("o", "capture.pcap", "Output pcap file path.")
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp", *listenAddr)
	if err != nil {
		log.Fatalf("Invalid listen address: %v", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *listenAddr, err)
	}
	defer conn.Close()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	log.Printf("Collecting pcap stream on %s into %s", *listenAddr, *outputFile)

	buf := make([]byte, 65535)
	headerSeen := false
	records := 0

	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			log.Fatalf("Read failed: %v", err)
		}
		datagram := buf[:n]

		// The stream starts with the global header in its own datagram;
		// everything after that is one record per datagram.
		if !headerSeen {
			hdr, err := pcapdump.ParseFileHeader(datagram)
			if err != nil {
				log.Printf("Dropping datagram before the pcap header: %v", err)
				continue
			}
			log.Printf("Capture stream: snaplen=%d, linktype=%d", hdr.Snaplen, hdr.LinkType)
			headerSeen = true
		} else {
			if _, _, err := pcapdump.ParseRecord(datagram); err != nil {
				log.Printf("Dropping malformed record: %v", err)
				continue
			}
			records++
			if records%1000 == 0 {
				log.Printf("%d records collected...", records)
			}
		}

		if _, err := f.Write(datagram); err != nil {
			log.Fatalf("Write failed: %v", err)
		}
	}
}
