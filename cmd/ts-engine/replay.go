package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"golang.org/x/sys/unix"
)

const ethernetHeaderLen = 14

// replayFD opens a pcap file and streams its packets into one side of a
// socketpair, returning the other side for the capture loop to read as if
// it were a tun device. Ethernet frames are stripped down to the IP layer.
func replayFD(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return -1, err
	}

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return -1, fmt.Errorf("not a pcap file: %w", err)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		f.Close()
		return -1, err
	}

	linkType := reader.LinkType()

	go func() {
		defer f.Close()
		defer unix.Close(fds[1])

		count := 0
		for {
			data, _, err := reader.ReadPacketData()
			if err != nil {
				break
			}
			if linkType == layers.LinkTypeEthernet {
				if len(data) <= ethernetHeaderLen {
					continue
				}
				data = data[ethernetHeaderLen:]
			}
			if _, err := unix.Write(fds[1], data); err != nil {
				log.Printf("replay write failed: %v", err)
				break
			}
			count++
			if count%1000 == 0 {
				log.Printf("%d packets replayed...", count)
			}
			// Pace the replay so housekeeping interleaves realistically.
			time.Sleep(time.Millisecond)
		}
		log.Printf("Replay finished: %d packets", count)
	}()

	return fds[0], nil
}
