// Package pcapdump frames captured packets in the classic libpcap layout
// and delivers them to a host buffer and/or a remote collector.
package pcapdump

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// Magic is the little-endian libpcap magic with microsecond
	// timestamps.
	Magic        = 0xa1b2c3d4
	VersionMajor = 2
	VersionMinor = 4

	// LinkTypeRawIP frames packets starting at the IP header.
	LinkTypeRawIP = 101

	FileHeaderLen   = 24
	RecordHeaderLen = 16
)

// FileHeader returns the 24-byte libpcap global header.
func FileHeader(snaplen uint32) []byte {
	h := make([]byte, FileHeaderLen)
	binary.LittleEndian.PutUint32(h[0:4], Magic)
	binary.LittleEndian.PutUint16(h[4:6], VersionMajor)
	binary.LittleEndian.PutUint16(h[6:8], VersionMinor)
	// thiszone and sigfigs stay zero.
	binary.LittleEndian.PutUint32(h[16:20], snaplen)
	binary.LittleEndian.PutUint32(h[20:24], LinkTypeRawIP)
	return h
}

// AppendRecord appends one per-packet record (header plus payload,
// truncated to snaplen) to dst and returns the extended slice.
func AppendRecord(dst []byte, ts time.Time, pkt []byte, snaplen uint32) []byte {
	caplen := uint32(len(pkt))
	if caplen > snaplen {
		caplen = snaplen
	}

	var h [RecordHeaderLen]byte
	binary.LittleEndian.PutUint32(h[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(h[4:8], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(h[8:12], caplen)
	binary.LittleEndian.PutUint32(h[12:16], uint32(len(pkt)))

	dst = append(dst, h[:]...)
	return append(dst, pkt[:caplen]...)
}

// Header is the parsed form of the global header.
type Header struct {
	Snaplen  uint32
	LinkType uint32
}

// ParseFileHeader validates and decodes a global header.
func ParseFileHeader(b []byte) (Header, error) {
	if len(b) < FileHeaderLen {
		return Header{}, fmt.Errorf("short pcap header: %d bytes", len(b))
	}
	if binary.LittleEndian.Uint32(b[0:4]) != Magic {
		return Header{}, fmt.Errorf("bad pcap magic %#x", binary.LittleEndian.Uint32(b[0:4]))
	}
	return Header{
		Snaplen:  binary.LittleEndian.Uint32(b[16:20]),
		LinkType: binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}

// Record is the parsed form of one per-packet record.
type Record struct {
	Ts      time.Time
	OrigLen uint32
	Data    []byte
}

// ParseRecord decodes the record at the head of b and returns it together
// with the remaining bytes.
func ParseRecord(b []byte) (Record, []byte, error) {
	if len(b) < RecordHeaderLen {
		return Record{}, nil, fmt.Errorf("short record header: %d bytes", len(b))
	}
	sec := binary.LittleEndian.Uint32(b[0:4])
	usec := binary.LittleEndian.Uint32(b[4:8])
	caplen := binary.LittleEndian.Uint32(b[8:12])
	origlen := binary.LittleEndian.Uint32(b[12:16])

	if len(b) < RecordHeaderLen+int(caplen) {
		return Record{}, nil, fmt.Errorf("truncated record: have %d of %d payload bytes",
			len(b)-RecordHeaderLen, caplen)
	}
	rec := Record{
		Ts:      time.Unix(int64(sec), int64(usec)*1000),
		OrigLen: origlen,
		Data:    b[RecordHeaderLen : RecordHeaderLen+caplen],
	}
	return rec, b[RecordHeaderLen+int(caplen):], nil
}
