// Package metrics exposes tracking engine counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

const namespace = "fieldtrack"

// Metrics holds every collector. Helper methods are safe on a nil *Metrics so
// components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	FixesReceived      prometheus.Counter
	FixesRejected      *prometheus.CounterVec
	Verdicts           *prometheus.CounterVec
	AlertsRaised       *prometheus.CounterVec
	AlertsThrottled    prometheus.Counter
	VisitTransitions   *prometheus.CounterVec
	StoreWriteFailures *prometheus.CounterVec
	SessionState       *prometheus.GaugeVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FixesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fixes_received_total",
			Help:      "Location fixes delivered to the session inside the work window.",
		}),
		FixesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fixes_rejected_total",
			Help:      "Location fixes dropped by the sample filter.",
		}, []string{"reason"}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geofence_verdicts_total",
			Help:      "Geofence verdicts by kind.",
		}, []string{"verdict"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Compliance alerts created.",
		}, []string{"type", "severity"}),
		AlertsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_throttled_total",
			Help:      "Non-compliant fixes that did not raise an alert because of the throttle window.",
		}),
		VisitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visit_transitions_total",
			Help:      "Visit tracker transitions.",
		}, []string{"transition"}),
		StoreWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_failures_total",
			Help:      "Record store writes that failed and were dropped.",
		}, []string{"collection"}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current tracking session state, 0 otherwise.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		m.FixesReceived,
		m.FixesRejected,
		m.Verdicts,
		m.AlertsRaised,
		m.AlertsThrottled,
		m.VisitTransitions,
		m.StoreWriteFailures,
		m.SessionState,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry backing the collectors
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FixReceived() {
	if m == nil {
		return
	}
	m.FixesReceived.Inc()
}

func (m *Metrics) FixRejected(reason string) {
	if m == nil {
		return
	}
	m.FixesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Verdict(kind string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(kind).Inc()
}

func (m *Metrics) AlertRaised(alertType, severity string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(alertType, severity).Inc()
}

func (m *Metrics) AlertThrottled() {
	if m == nil {
		return
	}
	m.AlertsThrottled.Inc()
}

func (m *Metrics) VisitTransition(transition string) {
	if m == nil {
		return
	}
	m.VisitTransitions.WithLabelValues(transition).Inc()
}

func (m *Metrics) StoreWriteFailed(collection string) {
	if m == nil {
		return
	}
	m.StoreWriteFailures.WithLabelValues(collection).Inc()
}

// SetSessionState sets current to 1 and every other known state to 0
func (m *Metrics) SetSessionState(current string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		if s == current {
			m.SessionState.WithLabelValues(s).Set(1)
		} else {
			m.SessionState.WithLabelValues(s).Set(0)
		}
	}
}

// Serve runs the metrics listener until ctx is cancelled
func Serve(ctx context.Context, addr string, m *Metrics, logger *logx.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics listener started", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
