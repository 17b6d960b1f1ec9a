// Package metrics holds the Prometheus collectors exported on /metrics
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opsrelay"

var (
	// AlertsIngested counts webhook deliveries by source and result
	// (accepted, duplicate, unauthorized, invalid, rate_limited).
	AlertsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_ingested_total",
		Help:      "Webhook deliveries by source and result",
	}, []string{"source", "result"})

	// EnrichmentOutcomes counts classification and entity sources
	EnrichmentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enrichment_outcomes_total",
		Help:      "Enrichment results by stage and provenance",
	}, []string{"stage", "source"})

	// MLRequestDuration tracks calls to the external ML service
	MLRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ml_request_duration_seconds",
		Help:      "Latency of ML service calls",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"endpoint", "outcome"})

	// QueueDepth reports enrichment tasks per status
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "alert_tasks",
		Help:      "Enrichment tasks by status",
	}, []string{"status"})

	// GroupingDecisions counts alerts attached to or creating incidents
	GroupingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "grouping_decisions_total",
		Help:      "Grouping outcomes (attached, created)",
	}, []string{"decision"})

	// RetrievalDuration tracks hybrid retrieval per corpus
	RetrievalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retrieval_duration_seconds",
		Help:      "Latency of hybrid retrieval",
		Buckets:   prometheus.DefBuckets,
	}, []string{"corpus"})

	// SummaryRequests counts summarize calls by cache result
	SummaryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "summary_requests_total",
		Help:      "Summarize requests by cache result (hit, miss)",
	}, []string{"cache"})

	// ChatTurns counts streamed chat turns by outcome
	ChatTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_turns_total",
		Help:      "Chat turns by transport and outcome",
	}, []string{"transport", "outcome"})

	// Notifications counts incident notifications by result
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Incident notifications by channel and result",
	}, []string{"channel", "result"})
)

// ObserveSince records the elapsed time since start on h
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
