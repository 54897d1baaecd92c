package pcapdump

import (
	"fmt"
	"log"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// HostBufferSize bounds the host-sink staging buffer.
const HostBufferSize = 512 * 1024

// CollectorConfig describes the remote pcap collector sink.
type CollectorConfig struct {
	Enabled bool
	Addr    netip.Addr
	Port    uint16
	TCP     bool
}

// Config selects the enabled sinks. Both may be active at once; each
// packet is then framed twice, independently.
type Config struct {
	// HostBuffer stages records in memory and hands them to the flush
	// callback as opaque chunks.
	HostBuffer bool
	Collector  CollectorConfig
	Snaplen    uint32
}

// Dumper frames packets for the enabled sinks. All methods run on the
// packet loop goroutine; a Dumper is built fresh on every run so no sink
// state survives between runs.
type Dumper struct {
	snaplen uint32

	hostBuf     []byte
	flush       func([]byte)
	lastFlushMS int64

	sock       int
	tcp        bool
	collector  unix.Sockaddr
	sendHeader bool
}

// New opens the configured sinks. Collector sockets are registered with
// protect before any traffic is sent. A TCP collector that cannot be
// reached is a fatal setup error.
func New(cfg Config, flush func([]byte), protect func(int) bool) (*Dumper, error) {
	d := &Dumper{snaplen: cfg.Snaplen, sock: -1, flush: flush}
	if d.snaplen == 0 {
		d.snaplen = 65535
	}

	if cfg.HostBuffer {
		d.hostBuf = make([]byte, 0, HostBufferSize)
	}

	if cfg.Collector.Enabled {
		typ := unix.SOCK_DGRAM
		if cfg.Collector.TCP {
			typ = unix.SOCK_STREAM
		}
		fd, err := unix.Socket(unix.AF_INET, typ, 0)
		if err != nil {
			return nil, fmt.Errorf("pcap collector socket: %w", err)
		}
		if !protect(fd) {
			log.Printf("socket protect failed for pcap collector")
		}

		sa := &unix.SockaddrInet4{Port: int(cfg.Collector.Port)}
		sa.Addr = cfg.Collector.Addr.As4()

		d.sock = fd
		d.tcp = cfg.Collector.TCP
		d.collector = sa
		d.sendHeader = true

		if d.tcp {
			if err := unix.Connect(fd, sa); err != nil {
				unix.Close(fd)
				return nil, fmt.Errorf("connection to the pcap collector failed: %w", err)
			}
			// On TCP the global header goes out exactly once, right
			// after connect.
			if err := d.send(FileHeader(d.snaplen)); err != nil {
				unix.Close(fd)
				return nil, fmt.Errorf("pcap collector header: %w", err)
			}
			d.sendHeader = false
		}
	}

	return d, nil
}

// Record frames one packet for every enabled sink. nowMS is the loop's
// cached clock, used for flush bookkeeping.
func (d *Dumper) Record(pkt []byte, ts time.Time, nowMS int64) {
	if d.hostBuf != nil {
		recLen := RecordHeaderLen + len(pkt)
		if HostBufferSize-len(d.hostBuf) <= recLen {
			d.FlushHost(nowMS)
		}
		if HostBufferSize-len(d.hostBuf) <= recLen {
			log.Printf("pcap record too large for host buffer (%d B)", recLen)
		} else {
			d.hostBuf = AppendRecord(d.hostBuf, ts, pkt, d.snaplen)
		}
	}

	if d.sock >= 0 {
		if d.sendHeader {
			// On UDP the header rides its own datagram ahead of the
			// first record.
			if err := d.send(FileHeader(d.snaplen)); err != nil {
				log.Printf("pcap collector header send failed: %v", err)
				return
			}
			d.sendHeader = false
		}
		rec := AppendRecord(make([]byte, 0, RecordHeaderLen+len(pkt)), ts, pkt, d.snaplen)
		if err := d.send(rec); err != nil {
			log.Printf("pcap collector send failed: %v", err)
		}
	}
}

func (d *Dumper) send(b []byte) error {
	if d.tcp {
		_, err := unix.Write(d.sock, b)
		return err
	}
	return unix.Sendto(d.sock, b, 0, d.collector)
}

// HostPending reports whether staged records await a flush.
func (d *Dumper) HostPending() bool { return len(d.hostBuf) > 0 }

// LastFlushMS returns the loop clock of the last host flush.
func (d *Dumper) LastFlushMS() int64 { return d.lastFlushMS }

// FlushHost delivers the staged records to the host and resets the buffer.
func (d *Dumper) FlushHost(nowMS int64) {
	if len(d.hostBuf) == 0 {
		d.lastFlushMS = nowMS
		return
	}
	log.Printf("Exporting a %d B pcap buffer", len(d.hostBuf))
	out := make([]byte, len(d.hostBuf))
	copy(out, d.hostBuf)
	d.flush(out)
	d.hostBuf = d.hostBuf[:0]
	d.lastFlushMS = nowMS
}

// Close releases the collector socket.
func (d *Dumper) Close() {
	if d.sock >= 0 {
		unix.Close(d.sock)
		d.sock = -1
	}
}
