// Package metrics registers the process-wide Prometheus collectors. The API
// server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed cycles by final decision type.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rangekeeper",
		Subsystem: "engine",
		Name:      "cycles_total",
		Help:      "Completed decision cycles by pair and decision type.",
	}, []string{"pair", "decision"})

	// CycleDuration observes wall-clock cycle latency.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rangekeeper",
		Subsystem: "engine",
		Name:      "cycle_duration_seconds",
		Help:      "Wall-clock duration of one decision cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"pair"})

	// OptimizerEvaluations observes fitness evaluations per run.
	OptimizerEvaluations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rangekeeper",
		Subsystem: "optimizer",
		Name:      "evaluations",
		Help:      "Fitness evaluations consumed by one Nelder-Mead run.",
		Buckets:   prometheus.LinearBuckets(25, 25, 12),
	}, []string{"pair"})

	// KillSwitchActive is 1 while a kill-switch holds a pair.
	KillSwitchActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rangekeeper",
		Subsystem: "optimizer",
		Name:      "kill_switch_active",
		Help:      "Whether a kill-switch is currently active for the pair.",
	}, []string{"pair", "reason"})

	// TxTotal counts on-chain operations by outcome.
	TxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rangekeeper",
		Subsystem: "executor",
		Name:      "tx_total",
		Help:      "On-chain operations by pair, op and status.",
	}, []string{"pair", "op", "status"})

	// FlushTotal counts telemetry flushes by outcome.
	FlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rangekeeper",
		Subsystem: "telemetry",
		Name:      "flush_total",
		Help:      "Telemetry flush attempts by stream and outcome.",
	}, []string{"stream", "outcome"})

	// LockFailures counts failed lock acquisitions and refreshes.
	LockFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rangekeeper",
		Subsystem: "hotstate",
		Name:      "lock_failures_total",
		Help:      "Lock acquisitions or refreshes that found another owner.",
	}, []string{"key"})

	// WorkerRestarts counts orchestrator-initiated respawns.
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rangekeeper",
		Subsystem: "orchestrator",
		Name:      "worker_restarts_total",
		Help:      "Worker respawns by pair.",
	}, []string{"pair"})
)
