// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AlertsIngested counts accepted alerts by source.
	AlertsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iats_alerts_ingested_total",
		Help: "Alerts accepted by the ingest path, by source.",
	}, []string{"source"})

	// TriageRuns counts pipeline runs by terminal status.
	TriageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iats_triage_runs_total",
		Help: "Triage pipeline runs, by outcome.",
	}, []string{"status"})

	// TriageDuration observes end-to-end triage run latency.
	TriageDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "iats_triage_duration_seconds",
		Help:    "End-to-end triage run duration.",
		Buckets: prometheus.DefBuckets,
	})

	// LLMFailovers counts self-hosted endpoint failovers.
	LLMFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iats_llm_endpoint_failovers_total",
		Help: "Generations that had to fail over to another LLM endpoint.",
	})
)
