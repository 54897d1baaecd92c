// Package uid attributes connections to their owning process UID by
// scanning the kernel's socket tables under /proc/net.
package uid

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tunscope/internal/core/model"
)

// Resolver maps a connection tuple to the UID owning its local socket.
type Resolver interface {
	// Resolve returns the owning UID, or model.UIDUnknown.
	Resolve(t model.FiveTuple) int
}

// ProcResolver reads /proc/net/{tcp,tcp6,udp,udp6,icmp,icmp6}.
type ProcResolver struct {
	root string
}

// NewProcResolver creates a resolver over the given proc net directory
// (normally "/proc/net").
func NewProcResolver(root string) *ProcResolver {
	return &ProcResolver{root: root}
}

func tableName(t model.FiveTuple) string {
	var name string
	switch t.Proto {
	case 6:
		name = "tcp"
	case 17:
		name = "udp"
	default:
		name = "icmp"
	}
	if t.IPVer == 6 {
		name += "6"
	}
	return name
}

// Resolve scans the socket table matching the tuple's protocol. An entry
// with the exact local and remote endpoints wins; a listening-style entry
// bound to the local endpoint with a wildcard remote is the fallback.
func (r *ProcResolver) Resolve(t model.FiveTuple) int {
	f, err := os.Open(filepath.Join(r.root, tableName(t)))
	if err != nil {
		return model.UIDUnknown
	}
	defer f.Close()

	uid := model.UIDUnknown
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 {
			continue
		}

		localIP, localPort, ok := parseSockAddr(fields[1])
		if !ok || localPort != t.SrcPort || localIP != t.SrcIP {
			continue
		}
		entryUID, err := strconv.Atoi(fields[7])
		if err != nil {
			continue
		}

		remIP, remPort, ok := parseSockAddr(fields[2])
		if ok && remIP == t.DstIP && remPort == t.DstPort {
			return entryUID
		}
		if ok && remPort == 0 {
			// Unconnected socket bound to the right local endpoint.
			uid = entryUID
		}
	}
	return uid
}

// parseSockAddr decodes the "HEXADDR:HEXPORT" notation of /proc/net socket
// tables. Addresses are stored as little-endian 32-bit groups.
func parseSockAddr(s string) (netip.Addr, uint16, bool) {
	addrHex, portHex, ok := strings.Cut(s, ":")
	if !ok {
		return netip.Addr{}, 0, false
	}
	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return netip.Addr{}, 0, false
	}
	raw, err := hex.DecodeString(addrHex)
	if err != nil {
		return netip.Addr{}, 0, false
	}

	switch len(raw) {
	case 4:
		v := binary.BigEndian.Uint32(raw)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		return netip.AddrFrom4(b), uint16(port), true
	case 16:
		var b [16]byte
		for g := 0; g < 4; g++ {
			v := binary.BigEndian.Uint32(raw[g*4 : g*4+4])
			binary.LittleEndian.PutUint32(b[g*4:g*4+4], v)
		}
		return netip.AddrFrom16(b), uint16(port), true
	}
	return netip.Addr{}, 0, false
}
