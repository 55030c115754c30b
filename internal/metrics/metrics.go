// Package metrics exposes the service's Prometheus instrumentation surface,
// registered against the default registry the way the teacher wires
// prometheus/client_golang counters into its metrics package.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RecoveryCurrentBlock is the highest rollup block number applied to
	// the account tree; a single gauge, not labeled by chain (spec.md §4.5).
	RecoveryCurrentBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "exodus",
		Subsystem: "recovery",
		Name:      "current_block",
		Help:      "Highest rollup block number the state engine has executed.",
	})

	// RecoveryWatchedBlock tracks each chain's last-watched L1 block, so a
	// stalled chain watcher is visible independently of recovery progress.
	RecoveryWatchedBlock = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "exodus",
		Subsystem: "recovery",
		Name:      "watched_block",
		Help:      "Last L1 block number watched, per chain.",
	}, []string{"chain_id"})

	// RecoveryEventsIngested counts decoded events, per chain and kind.
	RecoveryEventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exodus",
		Subsystem: "recovery",
		Name:      "events_ingested_total",
		Help:      "Decoded L1 events ingested, per chain and event kind.",
	}, []string{"chain_id", "kind"})

	// JobQueueDepth is the number of Idle proof tasks awaiting a worker.
	JobQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "exodus",
		Subsystem: "jobqueue",
		Name:      "idle_tasks",
		Help:      "Number of Idle proof tasks currently queued.",
	})

	// JobQueueClaims counts claim attempts by outcome (hit/empty).
	JobQueueClaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exodus",
		Subsystem: "jobqueue",
		Name:      "claims_total",
		Help:      "Proof task claim attempts, by outcome.",
	}, []string{"outcome"})

	// JobQueueCompletions counts terminal task outcomes.
	JobQueueCompletions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exodus",
		Subsystem: "jobqueue",
		Name:      "completions_total",
		Help:      "Proof tasks reaching a terminal state, by outcome.",
	}, []string{"outcome"})

	// JobQueueBlacklisted counts addresses newly rate-limited.
	JobQueueBlacklisted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "exodus",
		Subsystem: "jobqueue",
		Name:      "blacklisted_total",
		Help:      "Addresses newly rate-limited after exceeding the per-window enqueue cap.",
	})

	// ProverCycleDuration observes one claim->complete cycle's wall time.
	ProverCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "exodus",
		Subsystem: "prover",
		Name:      "cycle_duration_seconds",
		Help:      "Wall-clock duration of one claim->build_witness->prove->complete cycle.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		RecoveryCurrentBlock, RecoveryWatchedBlock, RecoveryEventsIngested,
		JobQueueDepth, JobQueueClaims, JobQueueCompletions, JobQueueBlacklisted,
		ProverCycleDuration,
	)
}
