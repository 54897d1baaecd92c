// Package capture implements the packet-processing core: the select-style
// packet loop over the tun device and the NAT backend, the per-connection
// lifecycle with DPI, the DNS interception policy, and the periodic
// reporting cadence towards the host.
package capture

import (
	"fmt"
	"log"
	"net/netip"
	"sync/atomic"

	"tunscope/internal/core/model"
	"tunscope/internal/dnspolicy"
	"tunscope/internal/dnsset"
	"tunscope/internal/dpi"
	"tunscope/internal/hostlru"
	"tunscope/internal/nat"
	"tunscope/internal/pcapdump"
	"tunscope/internal/uid"

	"golang.org/x/sys/unix"
)

const (
	captureStatsUpdateFrequencyMS = 300
	connDumpUpdateFrequencyMS     = 1000
	maxHostDumpDelayMS            = 1000
	periodicPurgeTimeoutMS        = 5000
	maxDPIPackets                 = 12
	selectTimeoutMS               = 500
	readBufSize                   = 32767
)

// Config is the per-run configuration, resolved from the host's
// preference getters before the loop starts.
type Config struct {
	VpnIPv4       netip.Addr
	VpnDNS        netip.Addr
	DNSServer     netip.Addr
	IPv6DNSServer netip.Addr
	IPv6Enabled   bool

	Socks5Enabled bool
	Socks5Addr    netip.Addr
	Socks5Port    uint16

	PcapToHost      bool
	PcapToCollector bool
	CollectorAddr   netip.Addr
	CollectorPort   uint16
	CollectorTCP    bool
	Snaplen         uint32
}

type captureStats struct {
	sentBytes uint64
	rcvdBytes uint64
	sentPkts  uint64
	rcvdPkts  uint64

	newStats     bool
	lastUpdateMS int64
}

// Proxy owns all capture state. Everything is confined to the loop
// goroutine except the atomic control flags, which the host control
// thread may flip at any time.
type Proxy struct {
	cfg      Config
	host     model.Host
	backend  nat.Backend
	engine   dpi.Engine
	resolver uid.Resolver

	gate         *dnspolicy.Gate
	lru          *hostlru.Cache
	dumper       *pcapdump.Dumper
	masterProtos map[dpi.ProtoID]bool

	tunFD int

	// records is the connection side-table, keyed by the backend's
	// connection id. The backend only ever sees the id.
	records      map[uint64]*model.ConnRecord
	newConns     connArray
	connsUpdates connArray

	capStats        captureStats
	incrID          int
	numDroppedConns int

	lastPkt         *nat.Packet
	lastConnBlocked bool

	nowMS           int64
	lastConnsDumpMS int64
	nextPurgeMS     int64

	// started tracks whether this run got far enough to notify the host.
	started bool

	// Control flags, written by the host thread, read and cleared by the
	// loop.
	running             atomic.Bool
	dumpVPNStatsNow     atomic.Bool
	dumpCaptureStatsNow atomic.Bool
}

// New wires a capture core. Run may be called repeatedly on the same
// Proxy; every run starts from a clean slate.
func New(cfg Config, host model.Host, backend nat.Backend, engine dpi.Engine, resolver uid.Resolver) *Proxy {
	if cfg.Snaplen == 0 {
		cfg.Snaplen = readBufSize
	}
	p := &Proxy{
		cfg:          cfg,
		host:         host,
		backend:      backend,
		engine:       engine,
		resolver:     resolver,
		masterProtos: engine.MasterProtocols(),
	}
	p.gate = dnspolicy.New(cfg.VpnDNS, cfg.IPv6DNSServer, dnsset.NewWellKnown(),
		func(server netip.Addr) {
			p.cfg.DNSServer = server
			p.backend.SetDNAT(server, 53)
		})
	return p
}

// Run executes one capture session over the given tun file descriptor and
// blocks until Stop is called or a fatal error terminates the loop.
func (p *Proxy) Run(tunFD int) error {
	if err := p.setup(tunFD); err != nil {
		if p.started {
			p.teardown()
		}
		return err
	}

	log.Printf("Starting packet loop [tunfd=%d]", tunFD)
	p.loop()
	log.Printf("Stopped packet loop")

	p.teardown()
	return nil
}

// setup resets all per-run state and opens the per-run resources.
func (p *Proxy) setup(tunFD int) error {
	p.tunFD = tunFD
	p.records = make(map[uint64]*model.ConnRecord)
	p.newConns.items = nil
	p.connsUpdates.items = nil
	p.capStats = captureStats{}
	p.incrID = 0
	p.numDroppedConns = 0
	p.lastPkt = nil
	p.lastConnBlocked = false
	p.gate.Reset()
	p.dumpVPNStatsNow.Store(false)
	p.dumpCaptureStatsNow.Store(false)

	// The loop relies on select-style readiness followed by one blocking
	// read per wakeup.
	if err := unix.SetNonblock(tunFD, false); err != nil {
		return fmt.Errorf("cannot set tun blocking mode: %w", err)
	}

	lru, err := hostlru.New(hostlru.DefaultSize)
	if err != nil {
		return fmt.Errorf("host LRU init failed: %w", err)
	}
	p.lru = lru

	p.backend.Bind(p)
	p.running.Store(true)
	p.started = true

	p.guard("sendServiceStatus", func() { p.host.SendServiceStatus("started") })

	dumper, err := pcapdump.New(pcapdump.Config{
		HostBuffer: p.cfg.PcapToHost,
		Collector: pcapdump.CollectorConfig{
			Enabled: p.cfg.PcapToCollector,
			Addr:    p.cfg.CollectorAddr,
			Port:    p.cfg.CollectorPort,
			TCP:     p.cfg.CollectorTCP,
		},
		Snaplen: p.cfg.Snaplen,
	}, p.dumpPcap, p.protect)
	if err != nil {
		p.running.Store(false)
		return fmt.Errorf("pcap dumper init failed: %w", err)
	}
	p.dumper = dumper

	p.backend.SetDNAT(p.cfg.DNSServer, 53)
	if p.cfg.Socks5Enabled {
		p.backend.SetSocks5(p.cfg.Socks5Addr, p.cfg.Socks5Port)
	}
	return nil
}

// teardown drains the pcap buffer once more and frees all per-run state.
func (p *Proxy) teardown() {
	p.backend.Close()

	p.clearBatch(&p.newConns, true)
	p.clearBatch(&p.connsUpdates, true)

	if p.dumper != nil {
		p.dumper.FlushHost(p.nowMS)
		p.dumper.Close()
		p.dumper = nil
	}

	log.Printf("Host LRU cache size: %d", p.lru.Size())
	p.lru = nil
	p.records = nil
	p.started = false

	p.guard("sendServiceStatus", func() { p.host.SendServiceStatus("stopped") })
}

// Stop requests loop termination; the loop notices within one select tick.
func (p *Proxy) Stop() {
	p.running.Store(false)
}

// AskStatsDump forces both the aggregate stats emission and the periodic
// purge on the next loop iterations.
func (p *Proxy) AskStatsDump() {
	if p.running.Load() {
		p.dumpVPNStatsNow.Store(true)
		p.dumpCaptureStatsNow.Store(true)
	}
}

// SetDNSServer stages a new upstream resolver, installed atomically on the
// next new connection.
func (p *Proxy) SetDNSServer(server string) error {
	return p.gate.SetDNSServer(server)
}

func (p *Proxy) protect(fd int) bool {
	ok := false
	p.guard("protect", func() { ok = p.host.Protect(fd) })
	return ok
}

func (p *Proxy) dumpPcap(data []byte) {
	p.guard("dumpPcapData", func() { p.host.DumpPcapData(data) })
}

// guard keeps a misbehaving host callback from taking the loop down.
func (p *Proxy) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("host callback %s panicked: %v", name, r)
		}
	}()
	fn()
}
