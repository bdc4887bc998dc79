// Package metrics exports pipeguard workspace health as Prometheus gauges.
//
// pipeguard has no long-lived process to scrape, so gauges are computed from the
// workspace on demand and written in the node-exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jvs-project/pipeguard/pkg/model"
)

// Snapshot is the workspace state to export.
type Snapshot struct {
	LocksHeld         int
	LocksStale        int
	Backups           int
	Checkpoints       int
	Degraded          bool
	StateLastModified time.Time
	Breakers          []model.BreakerState
}

// Registry holds the gauge set for one export.
type Registry struct {
	reg *prometheus.Registry

	locks        *prometheus.GaugeVec
	backups      prometheus.Gauge
	checkpoints  prometheus.Gauge
	degraded     prometheus.Gauge
	lastModified prometheus.Gauge
	breakerState *prometheus.GaugeVec
	breakerFails *prometheus.GaugeVec
}

// NewRegistry creates a registry with every pipeguard gauge registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		locks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeguard_locks",
			Help: "Lock files present, by staleness.",
		}, []string{"status"}),
		backups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeguard_state_backups",
			Help: "Retained state backups.",
		}),
		checkpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeguard_checkpoints",
			Help: "Complete checkpoints on disk.",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeguard_degraded_mode",
			Help: "1 when the pipeline runs in degraded mode.",
		}),
		lastModified: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeguard_state_last_modified_timestamp_seconds",
			Help: "Unix time of the last state write.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeguard_breaker_state",
			Help: "Circuit breaker position (0 closed, 1 half-open, 2 open).",
		}, []string{"dependency"}),
		breakerFails: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeguard_breaker_failures",
			Help: "Consecutive recorded failures per dependency.",
		}, []string{"dependency"}),
	}
	r.reg.MustRegister(r.locks, r.backups, r.checkpoints, r.degraded,
		r.lastModified, r.breakerState, r.breakerFails)
	return r
}

// Set loads a snapshot into the gauges.
func (r *Registry) Set(s Snapshot) {
	r.locks.WithLabelValues("live").Set(float64(s.LocksHeld))
	r.locks.WithLabelValues("stale").Set(float64(s.LocksStale))
	r.backups.Set(float64(s.Backups))
	r.checkpoints.Set(float64(s.Checkpoints))
	if s.Degraded {
		r.degraded.Set(1)
	} else {
		r.degraded.Set(0)
	}
	if !s.StateLastModified.IsZero() {
		r.lastModified.Set(float64(s.StateLastModified.Unix()))
	}
	for _, b := range s.Breakers {
		r.breakerState.WithLabelValues(b.Dependency).Set(BreakerValue(b.State))
		r.breakerFails.WithLabelValues(b.Dependency).Set(float64(b.FailureCount))
	}
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// WriteTextfile writes the gauges to path atomically, for the node-exporter textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// BreakerValue maps a breaker position onto its gauge value.
func BreakerValue(p model.BreakerPosition) float64 {
	switch p {
	case model.BreakerOpen:
		return 2
	case model.BreakerHalfOpen:
		return 1
	}
	return 0
}
