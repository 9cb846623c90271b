// Package metrics exposes runtime counters over Prometheus. It observes the
// monitor lifecycle through hooks only; nothing here sits on the envelope
// delivery path.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/argos-watch/argos/internal/monitor"
)

// Metrics holds the runtime's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	envelopes *prometheus.CounterVec
	retries   *prometheus.CounterVec
	stopped   prometheus.Counter
	active    prometheus.Gauge
}

// New builds the collector set on a private registry, so tests can run many
// instances without duplicate-registration panics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "argos",
			Name:      "envelopes_dispatched_total",
			Help:      "Envelopes fanned out to subscribers, by monitor and outcome.",
		}, []string{"monitor_id", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "argos",
			Name:      "retries_scheduled_total",
			Help:      "Retry commands issued to protocol workers.",
		}, []string{"monitor_id"}),
		stopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "argos",
			Name:      "monitors_stopped_total",
			Help:      "Monitors that terminated, by command or retry exhaustion.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "argos",
			Name:      "monitors_active",
			Help:      "Currently running monitors.",
		}),
	}
	m.registry.MustRegister(m.envelopes, m.retries, m.stopped, m.active)
	return m
}

// Hooks returns the lifecycle callbacks for the supervisor to install.
func (m *Metrics) Hooks() monitor.Hooks {
	return monitor.Hooks{
		EnvelopeDispatched: func(monitorID string, isError bool) {
			outcome := "data"
			if isError {
				outcome = "error"
			}
			m.envelopes.WithLabelValues(monitorID, outcome).Inc()
		},
		RetryScheduled: func(monitorID string) {
			m.retries.WithLabelValues(monitorID).Inc()
		},
		MonitorStopped: func(monitorID string) {
			m.stopped.Inc()
			m.active.Dec()
		},
	}
}

// MonitorStarted records a monitor entering the running set.
func (m *Metrics) MonitorStarted() {
	m.active.Inc()
}

// SetActive overwrites the active-monitor gauge, used after a document load
// when the supervisor reports how many coordinators actually started.
func (m *Metrics) SetActive(n int) {
	m.active.Set(float64(n))
}

// Handler serves the scrape endpoint for this collector set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the raw metric families, used by tests.
func (m *Metrics) Gather() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			key := fam.GetName()
			for _, label := range metric.GetLabel() {
				key += "{" + label.GetName() + "=" + label.GetValue() + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return out, nil
}

// Server owns the HTTP listener for the /metrics endpoint.
type Server struct {
	srv    *http.Server
	addr   string
	logger *zap.Logger
}

// Serve starts the scrape endpoint on addr. The returned server is already
// listening; failures after startup are logged, not returned.
func Serve(addr string, m *Metrics, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	s := &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr:   ln.Addr().String(),
		logger: logger,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("metrics endpoint listening", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops the listener, waiting for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
