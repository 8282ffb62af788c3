// Package metrics exposes the ledger's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quizledger",
	Subsystem: "ledger",
	Name:      "transactions_total",
	Help:      "Transactions reaching a status, by type.",
}, []string{"type", "status"})

var CASConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "quizledger",
	Subsystem: "ledger",
	Name:      "cas_conflicts_total",
	Help:      "Account writes retried after a version conflict.",
})

var IdempotentReplays = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quizledger",
	Subsystem: "ledger",
	Name:      "idempotent_replays_total",
	Help:      "Mutations recognised as already applied.",
}, []string{"operation"})

var AdminDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quizledger",
	Subsystem: "approval",
	Name:      "decisions_total",
	Help:      "Admin approvals and rejections.",
}, []string{"type", "decision"})

var MutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "quizledger",
	Subsystem: "ledger",
	Name:      "mutation_duration_seconds",
	Help:      "Latency of committed balance mutations.",
	Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
}, []string{"operation"})

var EventPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "quizledger",
	Subsystem: "events",
	Name:      "publish_errors_total",
	Help:      "Transaction events that could not be published.",
})

var StaleSwept = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quizledger",
	Subsystem: "sweeper",
	Name:      "expired_total",
	Help:      "Pending transactions moved to failed after expiry.",
}, []string{"type"})
