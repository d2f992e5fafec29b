package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "mlm_"

	resultSuccess = "success"
	resultError   = "error"
	resultRetry   = "retryable_error"
)

var (
	registerOnce sync.Once

	settlementTotal   *prometheus.CounterVec
	settlementLatency *prometheus.HistogramVec
	unsettleTotal     *prometheus.CounterVec

	ledgerTransactions *prometheus.CounterVec
	ledgerReplays      *prometheus.CounterVec
	ledgerRejections   *prometheus.CounterVec

	promoApplyTotal *prometheus.CounterVec

	diagnosticsHealthScore prometheus.Gauge
	diagnosticsRuns        *prometheus.CounterVec

	rulesetVersion prometheus.Gauge
	rulesetLoads   *prometheus.CounterVec

	subscriberFailures *prometheus.CounterVec
)

// Init registers metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		settlementTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_total",
				Help: "Total order settlements by result",
			},
			[]string{"result"},
		)
		settlementLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "settlement_latency_seconds",
				Help:    "Order settlement latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		unsettleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "unsettle_total",
				Help: "Total order reversals by result",
			},
			[]string{"result"},
		)

		ledgerTransactions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_transactions_total",
				Help: "Committed ledger transactions by operation type",
			},
			[]string{"op_type"},
		)
		ledgerReplays = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_replays_total",
				Help: "Idempotent replays of already stored operations by operation type",
			},
			[]string{"op_type"},
		)
		ledgerRejections = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_rejections_total",
				Help: "Rejected ledger entries by reason",
			},
			[]string{"reason"},
		)

		promoApplyTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "promo_apply_total",
				Help: "Promo code applications by outcome",
			},
			[]string{"outcome"},
		)

		diagnosticsHealthScore = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "referral_health_score",
				Help: "Latest referral network health score (0-100, -1 unknown)",
			},
		)
		diagnosticsRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "diagnostics_runs_total",
				Help: "Diagnostics runs by kind and result",
			},
			[]string{"kind", "result"},
		)

		rulesetVersion = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "ruleset_active_version",
				Help: "Version of the rule set snapshot held in memory",
			},
		)
		rulesetLoads = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ruleset_loads_total",
				Help: "Rule set loads by result",
			},
			[]string{"result"},
		)

		subscriberFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "event_subscriber_failures_total",
				Help: "Event subscriber failures by subscriber",
			},
			[]string{"subscriber"},
		)

		prometheus.MustRegister(
			settlementTotal,
			settlementLatency,
			unsettleTotal,
			ledgerTransactions,
			ledgerReplays,
			ledgerRejections,
			promoApplyTotal,
			diagnosticsHealthScore,
			diagnosticsRuns,
			rulesetVersion,
			rulesetLoads,
			subscriberFailures,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveSettlement records settlement latency and result.
func ObserveSettlement(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if settlementTotal != nil {
		settlementTotal.WithLabelValues(result).Inc()
	}
	if settlementLatency != nil {
		settlementLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncUnsettle increments the reversal counter.
func IncUnsettle(result string) {
	if result == "" {
		result = resultSuccess
	}
	if unsettleTotal != nil {
		unsettleTotal.WithLabelValues(result).Inc()
	}
}

// IncLedgerTransaction counts a committed transaction.
func IncLedgerTransaction(opType string) {
	if opType == "" {
		opType = "unknown"
	}
	if ledgerTransactions != nil {
		ledgerTransactions.WithLabelValues(opType).Inc()
	}
}

// IncLedgerReplay counts an idempotent replay.
func IncLedgerReplay(opType string) {
	if opType == "" {
		opType = "unknown"
	}
	if ledgerReplays != nil {
		ledgerReplays.WithLabelValues(opType).Inc()
	}
}

// IncLedgerRejection counts an entry rejected by validation.
func IncLedgerRejection(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ledgerRejections != nil {
		ledgerRejections.WithLabelValues(reason).Inc()
	}
}

// IncPromoApply counts a promo application outcome.
func IncPromoApply(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if promoApplyTotal != nil {
		promoApplyTotal.WithLabelValues(outcome).Inc()
	}
}

// SetHealthScore publishes the latest referral health score.
func SetHealthScore(score int) {
	if diagnosticsHealthScore != nil {
		diagnosticsHealthScore.Set(float64(score))
	}
}

// IncDiagnosticsRun counts a diagnostics run.
func IncDiagnosticsRun(kind, result string) {
	if kind == "" {
		kind = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if diagnosticsRuns != nil {
		diagnosticsRuns.WithLabelValues(kind, result).Inc()
	}
}

// SetRuleSetVersion publishes the version of the active snapshot.
func SetRuleSetVersion(version int) {
	if rulesetVersion != nil {
		rulesetVersion.Set(float64(version))
	}
}

// IncRuleSetLoad counts a rule set load attempt.
func IncRuleSetLoad(result string) {
	if result == "" {
		result = resultSuccess
	}
	if rulesetLoads != nil {
		rulesetLoads.WithLabelValues(result).Inc()
	}
}

// IncSubscriberFailure counts a failed event subscriber call.
func IncSubscriberFailure(subscriber string) {
	if subscriber == "" {
		subscriber = "unknown"
	}
	if subscriberFailures != nil {
		subscriberFailures.WithLabelValues(subscriber).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess   = resultSuccess
	ResultError     = resultError
	ResultRetryable = resultRetry
)
