package dnsset

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/yl2chen/cidranger"
)

// wellKnown are the public resolvers whose traffic is subject to the DNS
// policy even though they are not the tunnel-side server.
var wellKnown = []string{
	"8.8.8.8",
	"8.8.4.4",
	"1.1.1.1",
	"1.0.0.1",
	"2001:4860:4860::8888",
	"2001:4860:4860::8844",
	"2606:4700:4700::64",
	"2606:4700:4700::6400",
}

// Set holds well-known DNS server addresses and answers longest-prefix
// membership queries over them. It is populated when built and read-only
// afterwards.
type Set struct {
	ranger cidranger.Ranger
}

// New creates an empty set.
func New() *Set {
	return &Set{ranger: cidranger.NewPCTrieRanger()}
}

// NewWellKnown creates a set preloaded with the well-known public
// resolvers (v4 and v6).
func NewWellKnown() *Set {
	s := New()
	for _, ip := range wellKnown {
		// The addresses are literals, a parse failure is a programming
		// error.
		if err := s.Add(ip); err != nil {
			panic(err)
		}
	}
	return s
}

// Add inserts a single server address as a host prefix.
func (s *Set) Add(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid DNS server address %q: %w", ip, err)
	}

	bits := 32
	if addr.Is6() {
		bits = 128
	}
	network := net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(bits, bits),
	}
	return s.ranger.Insert(cidranger.NewBasicRangerEntry(network))
}

// Contains reports whether addr matches an entry of the set.
func (s *Set) Contains(addr netip.Addr) bool {
	ok, err := s.ranger.Contains(addr.AsSlice())
	if err != nil {
		return false
	}
	return ok
}
