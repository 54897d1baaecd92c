package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `capture:
  vpn_ipv4: "10.215.0.3"
  vpn_dns: "10.215.0.1"
  dns_server: "8.8.8.8"
  ipv6_dns_server: "2001:4860:4860::8888"
  ipv6_enabled: true
  pcap_to_host: true
  pcap_to_collector: true
  pcap_collector_address: "192.168.1.10"
  pcap_collector_port: 5123
export:
  enabled: true
  nats_url: "nats://127.0.0.1:4222"
  subject_prefix: "tunscope"
api:
  listen_addr: ":8083"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Capture.VpnDNS != "10.215.0.1" {
		t.Errorf("vpn_dns = %q", cfg.Capture.VpnDNS)
	}
	if !cfg.Export.Enabled || cfg.Export.NATSURL != "nats://127.0.0.1:4222" {
		t.Errorf("export config mismatch: %+v", cfg.Export)
	}

	rt, err := cfg.Capture.Runtime()
	if err != nil {
		t.Fatalf("Runtime failed: %v", err)
	}
	if rt.VpnDNS.String() != "10.215.0.1" {
		t.Errorf("runtime vpn_dns = %s", rt.VpnDNS)
	}
	if rt.CollectorPort != 5123 || rt.CollectorTCP {
		t.Errorf("collector config mismatch: %+v", rt)
	}
}

func TestRuntimeRejectsBadAddresses(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "capture:\n  vpn_ipv4: \"nope\"\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if _, err := cfg.Capture.Runtime(); err == nil {
		t.Error("Runtime should reject an invalid vpn_ipv4")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig should fail on a missing file")
	}
}
