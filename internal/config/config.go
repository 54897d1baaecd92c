package config

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"tunscope/internal/capture"
)

// CaptureConfig mirrors the host platform's preference getters.
type CaptureConfig struct {
	VpnIPv4       string `yaml:"vpn_ipv4"`
	VpnDNS        string `yaml:"vpn_dns"`
	DNSServer     string `yaml:"dns_server"`
	IPv6DNSServer string `yaml:"ipv6_dns_server"`
	IPv6Enabled   bool   `yaml:"ipv6_enabled"`

	Socks5Enabled bool   `yaml:"socks5_enabled"`
	Socks5Address string `yaml:"socks5_address"`
	Socks5Port    int    `yaml:"socks5_port"`

	PcapToHost      bool   `yaml:"pcap_to_host"`
	PcapToCollector bool   `yaml:"pcap_to_collector"`
	CollectorAddr   string `yaml:"pcap_collector_address"`
	CollectorPort   int    `yaml:"pcap_collector_port"`
	CollectorTCP    bool   `yaml:"pcap_collector_tcp"`
	Snaplen         int    `yaml:"snaplen"`
}

// ExportConfig enables the NATS event sink.
type ExportConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// APIConfig configures the control HTTP server.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration struct for the whole application.
type Config struct {
	Capture CaptureConfig `yaml:"capture"`
	Export  ExportConfig  `yaml:"export"`
	API     APIConfig     `yaml:"api"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config
// struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	return &cfg, nil
}

func parseAddr(name, value string, required bool) (netip.Addr, error) {
	if value == "" {
		if required {
			return netip.Addr{}, fmt.Errorf("%s is required", name)
		}
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%s: %w", name, err)
	}
	return addr, nil
}

// Runtime resolves the string preferences into the capture core's
// configuration.
func (c *CaptureConfig) Runtime() (capture.Config, error) {
	var out capture.Config
	var err error

	if out.VpnIPv4, err = parseAddr("vpn_ipv4", c.VpnIPv4, true); err != nil {
		return out, err
	}
	if out.VpnDNS, err = parseAddr("vpn_dns", c.VpnDNS, true); err != nil {
		return out, err
	}
	if out.DNSServer, err = parseAddr("dns_server", c.DNSServer, true); err != nil {
		return out, err
	}
	if out.IPv6DNSServer, err = parseAddr("ipv6_dns_server", c.IPv6DNSServer, false); err != nil {
		return out, err
	}
	out.IPv6Enabled = c.IPv6Enabled

	out.Socks5Enabled = c.Socks5Enabled
	if c.Socks5Enabled {
		if out.Socks5Addr, err = parseAddr("socks5_address", c.Socks5Address, true); err != nil {
			return out, err
		}
		out.Socks5Port = uint16(c.Socks5Port)
	}

	out.PcapToHost = c.PcapToHost
	out.PcapToCollector = c.PcapToCollector
	if c.PcapToCollector {
		if out.CollectorAddr, err = parseAddr("pcap_collector_address", c.CollectorAddr, true); err != nil {
			return out, err
		}
		out.CollectorPort = uint16(c.CollectorPort)
		out.CollectorTCP = c.CollectorTCP
	}
	out.Snaplen = uint32(c.Snaplen)

	return out, nil
}
