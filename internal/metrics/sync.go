// Package metrics provides the Prometheus metrics of the sync engine.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Cycle outcomes used as the "outcome" label.
const (
	OutcomeNoop      = "noop"
	OutcomeCommitted = "committed"
	OutcomePartial   = "partial"
	OutcomeAborted   = "aborted"
	OutcomeDropped   = "dropped"
)

// SyncMetrics contains the metrics recorded by upload cycles and triggers.
// A nil *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	CyclesTotal       *prometheus.CounterVec
	NotesCommitted    prometheus.Counter
	AssetFailures     prometheus.Counter
	AggregateFailures prometheus.Counter
	ProjectsCompleted prometheus.Counter
	CycleDuration     prometheus.Histogram
	TriggersTotal     *prometheus.CounterVec
}

// NewSyncMetrics creates the metrics and registers them with registry.
func NewSyncMetrics(registry prometheus.Registerer) (*SyncMetrics, error) {
	m := &SyncMetrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldnotesync_cycles_total",
			Help: "Total number of upload cycles by outcome.",
		}, []string{"outcome"}),
		NotesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldnotesync_notes_committed_total",
			Help: "Total number of notes committed to the ledger.",
		}),
		AssetFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldnotesync_asset_upload_failures_total",
			Help: "Total number of notes skipped because an image failed to upload.",
		}),
		AggregateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldnotesync_aggregate_failures_total",
			Help: "Total number of failed aggregate appends.",
		}),
		ProjectsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldnotesync_projects_completed_total",
			Help: "Total number of projects marked uploaded.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldnotesync_cycle_duration_seconds",
			Help:    "Duration of upload cycles in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldnotesync_triggers_total",
			Help: "Total number of scheduler triggers by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.CyclesTotal, m.NotesCommitted, m.AssetFailures, m.AggregateFailures,
		m.ProjectsCompleted, m.CycleDuration, m.TriggersTotal,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register sync metrics: %w", err)
		}
	}
	return m, nil
}

// RecordCycle records one finished cycle.
func (m *SyncMetrics) RecordCycle(outcome string, committed, skipped int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.NotesCommitted.Add(float64(committed))
	m.AssetFailures.Add(float64(skipped))
	m.CycleDuration.Observe(durationSeconds)
}

func (m *SyncMetrics) IncAggregateFailures() {
	if m == nil {
		return
	}
	m.AggregateFailures.Inc()
}

func (m *SyncMetrics) IncProjectsCompleted() {
	if m == nil {
		return
	}
	m.ProjectsCompleted.Inc()
}

// RecordTrigger counts a refresh, expiry or manual trigger.
func (m *SyncMetrics) RecordTrigger(kind string) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(kind).Inc()
}
