package dnsset

import (
	"net/netip"
	"testing"
)

func TestWellKnownMembership(t *testing.T) {
	s := NewWellKnown()

	members := []string{
		"8.8.8.8", "8.8.4.4", "1.1.1.1", "1.0.0.1",
		"2001:4860:4860::8888", "2001:4860:4860::8844",
		"2606:4700:4700::64", "2606:4700:4700::6400",
	}
	for _, ip := range members {
		if !s.Contains(netip.MustParseAddr(ip)) {
			t.Errorf("%s should be a known DNS server", ip)
		}
	}

	outsiders := []string{
		"8.8.8.9", "9.9.9.9", "93.184.216.34",
		"2001:4860:4860::8845", "2606:4700:4700::1111",
	}
	for _, ip := range outsiders {
		if s.Contains(netip.MustParseAddr(ip)) {
			t.Errorf("%s should not be a known DNS server", ip)
		}
	}
}

func TestAddRejectsGarbage(t *testing.T) {
	s := New()
	if err := s.Add("not-an-ip"); err == nil {
		t.Error("Add should reject an unparseable address")
	}
}
