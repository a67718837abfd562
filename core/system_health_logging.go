package core

// system_health_logging.go - observability: structured JSON event log
// plus Prometheus gauges for height, supply, peer count and runtime
// stats, served over chi. Adapted from the teacher's
// core/system_health_logging.go (HealthLogger/MetricsSnapshot/
// RecordMetrics/StartMetricsServer), re-pointed at a Ledger/Node/
// ConsensusEngine instead of Synnergy's Coin/TxPool, and switched from a
// bare http.ServeMux to chi so the node's observability surface uses the
// same router the rest of the corpus reaches for.

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics captures a point-in-time snapshot of ledger and node health.
type Metrics struct {
	Height        uint64 `json:"height"`
	StateHash     string `json:"state_hash"`
	TotalSupply   float64 `json:"total_supply"`
	PeerCount     int     `json:"peer_count"`
	ConsensusPhase string `json:"consensus_phase"`
	MemAlloc      uint64  `json:"mem_alloc"`
	NumGoroutines int     `json:"goroutines"`
	Timestamp     int64   `json:"timestamp"`
}

// HealthLogger ties a Ledger, Node and ConsensusEngine to structured
// logging and a Prometheus registry.
type HealthLogger struct {
	ledger    *Ledger
	node      *Node
	consensus *ConsensusEngine

	log  *logrus.Logger
	file *os.File
	mu   sync.Mutex

	registry        *prometheus.Registry
	heightGauge     prometheus.Gauge
	supplyGauge     prometheus.Gauge
	peerCountGauge  prometheus.Gauge
	memAllocGauge   prometheus.Gauge
	goroutinesGauge prometheus.Gauge
	errorCounter    prometheus.Counter
}

// NewHealthLogger configures a HealthLogger writing JSON-formatted
// events to path, and registers a fresh Prometheus registry.
func NewHealthLogger(l *Ledger, n *Node, ce *ConsensusEngine, path string) (*HealthLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.SetOutput(f)
	reg := prometheus.NewRegistry()

	h := &HealthLogger{ledger: l, node: n, consensus: ce, log: lg, file: f, registry: reg}

	h.heightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_consensus_height",
		Help: "Current finalized consensus height",
	})
	h.supplyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_total_supply",
		Help: "Total supply committed in the state engine",
	})
	h.peerCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_peer_count",
		Help: "Number of connected peers",
	})
	h.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_mem_alloc_bytes",
		Help: "Current memory allocation in bytes",
	})
	h.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_goroutines",
		Help: "Number of running goroutines",
	})
	h.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_log_errors_total",
		Help: "Total number of error-level events logged",
	})

	reg.MustRegister(
		h.heightGauge,
		h.supplyGauge,
		h.peerCountGauge,
		h.memAllocGauge,
		h.goroutinesGauge,
		h.errorCounter,
	)
	return h, nil
}

// Close releases the underlying log file.
func (h *HealthLogger) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// Rotate switches logging to a new file path.
func (h *HealthLogger) Rotate(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.file.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	h.log.SetOutput(f)
	h.file = f
	return nil
}

// LogEvent records an arbitrary message at the given level.
func (h *HealthLogger) LogEvent(level logrus.Level, msg string) {
	h.mu.Lock()
	if level >= logrus.ErrorLevel {
		h.errorCounter.Inc()
	}
	h.log.Log(level, msg)
	h.mu.Unlock()
}

// MetricsSnapshot gathers current metrics from the ledger, node and
// consensus engine, plus Go runtime stats.
func (h *HealthLogger) MetricsSnapshot() Metrics {
	m := Metrics{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemAlloc = mem.Alloc

	if h.ledger != nil {
		hash, _ := h.ledger.State.Hashes()
		m.StateHash = hex.EncodeToString(hash[:])
		m.TotalSupply = h.ledger.State.TotalSupply
	}
	if h.node != nil {
		m.PeerCount = len(h.node.Peers())
	}
	if h.consensus != nil {
		height, _, phase := h.consensus.Snapshot()
		m.Height = height
		m.ConsensusPhase = phase.String()
	}
	return m
}

// RecordMetrics captures the current snapshot and updates the Prometheus
// gauges.
func (h *HealthLogger) RecordMetrics() {
	m := h.MetricsSnapshot()
	h.heightGauge.Set(float64(m.Height))
	h.supplyGauge.Set(m.TotalSupply)
	h.peerCountGauge.Set(float64(m.PeerCount))
	h.memAllocGauge.Set(float64(m.MemAlloc))
	h.goroutinesGauge.Set(float64(m.NumGoroutines))
	h.LogEvent(logrus.InfoLevel, "metrics recorded")
}

// RunMetricsCollector periodically records metrics until ctx is
// canceled.
func (h *HealthLogger) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.RecordMetrics()
		case <-ctx.Done():
			return
		}
	}
}

// StartMetricsServer exposes /metrics and /healthz on a chi router bound
// to addr, returning the http.Server so callers manage its lifecycle.
func (h *HealthLogger) StartMetricsServer(addr string) (*http.Server, error) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.LogEvent(logrus.ErrorLevel, err.Error())
		}
	}()
	return srv, nil
}

// ShutdownMetricsServer gracefully stops the metrics HTTP server.
func (h *HealthLogger) ShutdownMetricsServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
