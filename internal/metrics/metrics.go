// Package metrics exposes prometheus instruments for the policy and evolver
// cores, scraped via the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SelectionsTotal counts template selections per side.
	SelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autobot_selections_total",
		Help: "Template selections by side (HOLD counts as bookkeeping selections).",
	}, []string{"side"})

	// FallbacksTotal counts selections that degraded to a baseline id.
	FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autobot_selection_fallbacks_total",
		Help: "Selections that fell back to a baseline template.",
	}, []string{"reason"})

	// OutcomesTotal counts trade outcomes folded into the tracker.
	OutcomesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autobot_outcomes_total",
		Help: "Trade outcomes recorded against template statistics.",
	})

	// SpawnedTotal counts templates created by evolution, per operator.
	SpawnedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autobot_templates_spawned_total",
		Help: "Templates spawned by evolution cycles.",
	}, []string{"action"})

	// FrozenTotal counts automatic freezes, per trigger.
	FrozenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autobot_templates_frozen_total",
		Help: "Templates frozen by evolution cycles.",
	}, []string{"reason"})

	// ActivePopulation tracks the ACTIVE template count after each cycle.
	ActivePopulation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autobot_active_templates",
		Help: "ACTIVE template population after the last evolution cycle.",
	})

	// CycleDuration observes evolution cycle wall time.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autobot_cycle_duration_seconds",
		Help:    "Evolution cycle duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"cycle"})

	// CacheHits and CacheMisses track the selector snapshot cache.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autobot_snapshot_cache_hits_total",
		Help: "Selector snapshot cache hits.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autobot_snapshot_cache_misses_total",
		Help: "Selector snapshot cache misses.",
	})
)
