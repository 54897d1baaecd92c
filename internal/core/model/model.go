package model

import (
	"fmt"
	"net/netip"

	"tunscope/internal/dpi"
)

// UIDUnknown is the sentinel used when the socket-owner lookup fails.
const UIDUnknown = -1

// FiveTuple is the canonical connection key. It is immutable once a
// connection has been created and is comparable, so it can key the NAT
// table directly.
type FiveTuple struct {
	IPVer   uint8
	Proto   uint8
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
}

// String renders the tuple for log lines.
func (t FiveTuple) String() string {
	return fmt.Sprintf("[%s] %s:%d -> %s:%d",
		ProtoName(t.Proto), t.SrcIP, t.SrcPort, t.DstIP, t.DstPort)
}

// ProtoName returns the display name of an IP protocol number.
func ProtoName(proto uint8) string {
	switch proto {
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	case 1, 58:
		return "ICMP"
	}
	return "Unknown"
}

// ConnStatus is the lifecycle state of a connection.
type ConnStatus int

const (
	StatusNew ConnStatus = iota
	StatusActive
	StatusClosed
	StatusError
)

// Closed reports whether the connection reached a terminal state.
func (s ConnStatus) Closed() bool { return s >= StatusClosed }

// ConnRecord is the per-connection state kept by the capture core, attached
// to a NAT connection through the side-table. Counters are direction
// separated: sent is tun-to-net.
type ConnRecord struct {
	Status    ConnStatus
	FirstSeen int64 // wall-clock seconds
	LastSeen  int64

	SentPkts  uint64
	RcvdPkts  uint64
	SentBytes uint64
	RcvdBytes uint64

	UID    int
	IncrID int

	L7   dpi.Protocol
	Info string
	URL  string

	// DPI state, freed once detection concludes.
	DPIFlow *dpi.Flow
	SrcID   *dpi.Endpoint
	DstID   *dpi.Endpoint

	// Pending is set while the record sits in exactly one of the new or
	// updated batches, and cleared when the batch is delivered.
	Pending bool
}

// ConnEvent is one serialized entry of a connections dump. Port fields are
// host byte order.
type ConnEvent struct {
	SrcIP     string `json:"src_ip"`
	DstIP     string `json:"dst_ip"`
	Info      string `json:"info"`
	URL       string `json:"url"`
	Proto     string `json:"proto"`
	Status    int    `json:"status"`
	IPVer     int    `json:"ip_ver"`
	L4Proto   int    `json:"l4_proto"`
	SrcPort   int    `json:"src_port"`
	DstPort   int    `json:"dst_port"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
	SentBytes uint64 `json:"sent_bytes"`
	RcvdBytes uint64 `json:"rcvd_bytes"`
	SentPkts  uint64 `json:"sent_pkts"`
	RcvdPkts  uint64 `json:"rcvd_pkts"`
	UID       int    `json:"uid"`
	IncrID    int    `json:"incr_id"`
}

// StatsEvent is the aggregate VPN statistics dump.
type StatsEvent struct {
	SentBytes    uint64 `json:"sent_bytes"`
	RcvdBytes    uint64 `json:"rcvd_bytes"`
	SentPkts     uint64 `json:"sent_pkts"`
	RcvdPkts     uint64 `json:"rcvd_pkts"`
	DroppedConns int    `json:"dropped_conns"`
	OpenSockets  int    `json:"open_sockets"`
	MaxFD        int    `json:"max_fd"`
	ActiveConns  int    `json:"active_conns"`
	TotalConns   int    `json:"total_conns"`
	DNSRequests  uint32 `json:"dns_requests"`
}

// Host is the platform side of the capture core: configuration has already
// been loaded, so only the runtime callbacks remain. All methods are
// invoked from the packet loop goroutine.
type Host interface {
	// GetApplicationByUID resolves a UID to an application label.
	GetApplicationByUID(uid int) string
	// Protect excludes a socket from the VPN routing, so that collector
	// traffic does not loop back through the capture.
	Protect(fd int) bool
	// DumpPcapData delivers a chunk of libpcap-framed records.
	DumpPcapData(data []byte)
	// SendConnectionsDump delivers one reporting cycle of new and updated
	// connections.
	SendConnectionsDump(newConns, updated []ConnEvent)
	// SendStatsDump delivers the aggregate statistics.
	SendStatsDump(stats StatsEvent)
	// SendServiceStatus notifies "started" and "stopped".
	SendServiceStatus(status string)
}
