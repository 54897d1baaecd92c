package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tunscope/internal/capture"
	"tunscope/internal/config"
	"tunscope/internal/core/model"
	"tunscope/internal/dpi"
	"tunscope/internal/export"
	"tunscope/internal/metrics"
	"tunscope/internal/nat"
	"tunscope/internal/uid"
)

// engineHost is the local stand-in for the mobile platform: it logs the
// reports, mirrors stats into prometheus and optionally republishes
// everything on NATS.
type engineHost struct {
	publisher *export.Publisher
	collector *metrics.Collector
}

func (h *engineHost) GetApplicationByUID(owner int) string {
	if u, err := user.LookupId(strconv.Itoa(owner)); err == nil {
		return u.Username
	}
	return "???"
}

func (h *engineHost) Protect(fd int) bool { return true }

func (h *engineHost) DumpPcapData(data []byte) {
	log.Printf("pcap chunk: %d B", len(data))
}

func (h *engineHost) SendConnectionsDump(newConns, updated []model.ConnEvent) {
	log.Printf("connections dump: new=%d, updated=%d", len(newConns), len(updated))
	if h.publisher != nil {
		if err := h.publisher.PublishConns(newConns, updated); err != nil {
			log.Printf("failed to publish connections dump: %v", err)
		}
	}
}

func (h *engineHost) SendStatsDump(stats model.StatsEvent) {
	if h.collector != nil {
		h.collector.Observe(stats)
	}
	if h.publisher != nil {
		if err := h.publisher.PublishStats(stats); err != nil {
			log.Printf("failed to publish stats dump: %v", err)
		}
	}
}

func (h *engineHost) SendServiceStatus(status string) {
	log.Printf("service status: %s", status)
}

// controlAPI exposes the host control surface over HTTP.
type controlAPI struct {
	proxy *capture.Proxy
}

func (a *controlAPI) setDNSServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Server string `json:"server"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.proxy.SetDNSServer(req.Server); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *controlAPI) askStatsDump(w http.ResponseWriter, r *http.Request) {
	a.proxy.AskStatsDump()
	w.WriteHeader(http.StatusNoContent)
}

func (a *controlAPI) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "running"})
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	tunFD := flag.Int("tunfd", -1, "File descriptor of the tun device, as passed by the host.")
	replay := flag.String("replay", "", "Replay packets from a pcap file instead of a tun device.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	captureCfg, err := cfg.Capture.Runtime()
	if err != nil {
		log.Fatalf("Invalid capture config: %v", err)
	}

	host := &engineHost{}

	registry := prometheus.NewRegistry()
	host.collector = metrics.NewCollector(registry)

	if cfg.Export.Enabled {
		pub, err := export.NewPublisher(cfg.Export.NATSURL, cfg.Export.SubjectPrefix)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer pub.Close()
		host.publisher = pub
	}

	proxy := capture.New(captureCfg, host, nat.NewMemoryBackend(),
		dpi.NewClassifier(), uid.NewProcResolver("/proc/net"))

	fd := *tunFD
	if *replay != "" {
		fd, err = replayFD(*replay)
		if err != nil {
			log.Fatalf("Failed to open replay source: %v", err)
		}
	}
	if fd < 0 {
		log.Fatalf("Either -tunfd or -replay is required.")
	}

	// Control API
	r := mux.NewRouter()
	api := &controlAPI{proxy: proxy}
	r.HandleFunc("/api/v1/dns-server", api.setDNSServer).Methods("POST")
	r.HandleFunc("/api/v1/stats/dump", api.askStatsDump).Methods("POST")
	r.HandleFunc("/api/v1/status", api.status).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	listenAddr := cfg.API.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8083"
	}
	server := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		log.Printf("Control API listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", listenAddr, err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- proxy.Run(fd) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received %v, stopping capture...", sig)
		proxy.Stop()
		if err := <-done; err != nil {
			log.Printf("Capture ended with error: %v", err)
		}
	case err := <-done:
		if err != nil {
			log.Fatalf("Capture failed: %v", err)
		}
		log.Println("Capture finished.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Control API forced to shutdown: %v", err)
	}
	log.Println("Shutdown complete.")
}
