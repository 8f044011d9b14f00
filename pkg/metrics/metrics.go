// Package metrics registers the process Prometheus counters. Exposed via
// promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadsync_messages_ingested_total",
		Help: "Messages accepted by the ingest API.",
	})
	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadsync_messages_processed_total",
		Help: "Messages drained and classified by the orchestrator.",
	})
	ClassifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadsync_classify_failures_total",
		Help: "Classifier calls that degraded to a sentinel result.",
	})
	TicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadsync_ticks_skipped_total",
		Help: "Orchestrator ticks skipped because the previous tick was still running.",
	})
	SheetAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadsync_sheet_appends_total",
		Help: "Rows appended to the sink.",
	})
	SheetUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadsync_sheet_updates_total",
		Help: "Rows updated in place in the sink.",
	})
	SheetRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadsync_sheet_retries_total",
		Help: "Sink API calls retried after rate limiting.",
	})
	SyncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadsync_sync_failures_total",
		Help: "Thread sync attempts that failed and were deferred.",
	})
)
