// Package metrics provides Prometheus counters for the memory tiers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "memtier"

// Metrics holds the counters updated by sweeps and consolidation.
type Metrics struct {
	// Expired counts working entries deleted by the expiry sweep.
	Expired prometheus.Counter

	// Archived counts episodes archived by the archival sweep.
	Archived prometheus.Counter

	// Promoted counts episodes created from working entries.
	Promoted prometheus.Counter

	// PromotionSkipped counts promotion groups skipped.
	// Labels: reason (conflict, expired)
	PromotionSkipped *prometheus.CounterVec

	// Consolidations counts knowledge upserts.
	// Labels: branch (created, updated)
	Consolidations *prometheus.CounterVec

	// SweepErrors counts failed sweep runs.
	// Labels: sweep (expiry, archival)
	SweepErrors *prometheus.CounterVec
}

// New creates the counters and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "working",
			Name:      "expired_total",
			Help:      "Total number of working entries deleted by the expiry sweep",
		}),
		Archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "episodic",
			Name:      "archived_total",
			Help:      "Total number of episodes archived by the archival sweep",
		}),
		Promoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consolidation",
			Name:      "promoted_total",
			Help:      "Total number of episodes promoted from working entries",
		}),
		PromotionSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consolidation",
			Name:      "promotion_skipped_total",
			Help:      "Total number of promotion groups skipped, by reason (conflict, expired, invalid)",
		}, []string{"reason"}),
		Consolidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consolidation",
			Name:      "knowledge_upserts_total",
			Help:      "Total number of knowledge upserts by branch",
		}, []string{"branch"}),
		SweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "errors_total",
			Help:      "Total number of failed sweep runs",
		}, []string{"sweep"}),
	}
	if reg != nil {
		reg.MustRegister(m.Expired, m.Archived, m.Promoted, m.PromotionSkipped, m.Consolidations, m.SweepErrors)
	}
	return m
}

// Nop returns unregistered counters for callers that do not export metrics.
func Nop() *Metrics {
	return New(nil)
}
