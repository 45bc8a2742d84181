// Package admin serves the operational surface: /healthz and Prometheus
// /metrics on a loopback listener by default, or over tsnet when built
// with -tags tsnet and a hostname is configured.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
)

// Metrics is the registry of NanoClaw's own series.
type Metrics struct {
	Registry *prometheus.Registry

	RunsStarted     prometheus.Counter
	RunsFailed      prometheus.Counter
	ExhaustionDrops prometheus.Counter
	ActiveGroups    prometheus.Gauge
	PendingGroups   prometheus.Gauge
}

// NewMetrics builds the registry with process and Go collectors attached.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &Metrics{
		Registry: reg,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanoclaw_queue_runs_started_total",
			Help: "Agent runs started by the per-chat queue.",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanoclaw_queue_runs_failed_total",
			Help: "Agent runs that ended in failure.",
		}),
		ExhaustionDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanoclaw_queue_exhaustion_drops_total",
			Help: "Chats whose buffered messages were dropped after retry exhaustion.",
		}),
		ActiveGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nanoclaw_queue_active_groups",
			Help: "Chats with an agent run in flight.",
		}),
		PendingGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nanoclaw_queue_pending_groups",
			Help: "Chats waiting for a queue slot.",
		}),
	}
	reg.MustRegister(m.RunsStarted, m.RunsFailed, m.ExhaustionDrops, m.ActiveGroups, m.PendingGroups)
	return m
}

// Observe copies a queue stats snapshot into the gauges and counters.
// Counters are monotone, so this tracks deltas against the last snapshot.
func (m *Metrics) Observe(prev, cur queue.Stats) {
	m.ActiveGroups.Set(float64(cur.ActiveGroups))
	m.PendingGroups.Set(float64(cur.PendingGroups))
	if d := cur.RunsStarted - prev.RunsStarted; d > 0 {
		m.RunsStarted.Add(float64(d))
	}
	if d := cur.RunsFailed - prev.RunsFailed; d > 0 {
		m.RunsFailed.Add(float64(d))
	}
	if d := cur.ExhaustionDrops - prev.ExhaustionDrops; d > 0 {
		m.ExhaustionDrops.Add(float64(d))
	}
}

// Health is the /healthz payload.
type Health struct {
	Status   string            `json:"status"`
	Channels map[string]bool   `json:"channels"`
	Queue    queue.Stats       `json:"queue"`
	Uptime   string            `json:"uptime"`
}

// HealthFunc produces a point-in-time health snapshot.
type HealthFunc func() Health

// Server is the admin HTTP listener.
type Server struct {
	cfg     config.AdminConfig
	metrics *Metrics
	health  HealthFunc
	log     *slog.Logger

	srv *http.Server
}

// NewServer builds the server; Run starts it.
func NewServer(cfg config.AdminConfig, m *Metrics, health HealthFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, metrics: m, health: health, log: log.With("component", "admin")}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := s.health()
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// Run serves until ctx is done. Listener errors after startup are logged,
// not fatal: the orchestrator keeps running without its admin surface.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
	}()

	s.log.Info("admin listener up", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) listenLocal() (net.Listener, error) {
	return net.Listen("tcp", s.cfg.Addr)
}
