// Package metrics exposes block engine counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blockengine"

// Metrics implements engine.Recorder on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ingested    *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	evictions   *prometheus.CounterVec
	subscribers *prometheus.GaugeVec
	submissions *prometheus.CounterVec
}

// New creates and registers all collectors, including Go runtime metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events accepted onto an ingress queue.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Fan-out attempts by outcome.",
		}, []string{"kind", "result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Subscribers removed after their queue was closed.",
		}, []string{"kind"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Currently registered subscribers.",
		}, []string{"kind"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_submissions_total",
			Help:      "Bundle submissions by outcome.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.ingested,
		m.deliveries,
		m.evictions,
		m.subscribers,
		m.submissions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Ingested(kind string)  { m.ingested.WithLabelValues(kind).Inc() }
func (m *Metrics) Delivered(kind string) { m.deliveries.WithLabelValues(kind, "delivered").Inc() }
func (m *Metrics) Dropped(kind string)   { m.deliveries.WithLabelValues(kind, "dropped").Inc() }
func (m *Metrics) Gone(kind string)      { m.deliveries.WithLabelValues(kind, "gone").Inc() }
func (m *Metrics) Evicted(kind string)   { m.evictions.WithLabelValues(kind).Inc() }

func (m *Metrics) SetSubscribers(kind string, n int) {
	m.subscribers.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) BundleSubmitted(result string) {
	m.submissions.WithLabelValues(result).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("metrics listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
