package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce            sync.Once
	httpDurationHistogram   *prometheus.HistogramVec
	ledgerOperationCounter  *prometheus.CounterVec
	sagaOutcomeCounter      *prometheus.CounterVec
	sagaStepHistogram       *prometheus.HistogramVec
	finalizationDriftCount  prometheus.Counter
	globalLogFailureCounter *prometheus.CounterVec
	idempotencyCounter      *prometheus.CounterVec
	sagaRecoveryCounter     *prometheus.CounterVec
	sagaStateGauge          *prometheus.GaugeVec
	invariantViolationGauge *prometheus.GaugeVec
	workerRunCounter        *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		ledgerOperationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_ledger_operations_total",
			Help: "Balance mutations by operation, region and result",
		}, []string{"operation", "region", "result"})

		sagaOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_saga_outcomes_total",
			Help: "Cross-shard transfer terminal outcomes",
		}, []string{"outcome"})

		sagaStepHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wallet_saga_step_duration_seconds",
			Help:    "Duration of each saga step",
			Buckets: prometheus.DefBuckets,
		}, []string{"step", "result"})

		finalizationDriftCount = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_saga_finalization_drift_total",
			Help: "Sagas whose funds moved but whose source record stayed pending",
		})

		globalLogFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_global_log_failures_total",
			Help: "Failed writes to the global reconciliation log",
		}, []string{"type"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		sagaRecoveryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_saga_recoveries_total",
			Help: "Interrupted sagas driven to a terminal state by the recovery worker",
		}, []string{"action"})

		sagaStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wallet_sagas",
			Help: "Sagas per shard and state as of the last scan",
		}, []string{"region", "state"})

		invariantViolationGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wallet_invariant_violations",
			Help: "Ledger invariant violations found by the last reconciliation scan",
		}, []string{"region", "check"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			ledgerOperationCounter,
			sagaOutcomeCounter,
			sagaStepHistogram,
			finalizationDriftCount,
			globalLogFailureCounter,
			idempotencyCounter,
			sagaRecoveryCounter,
			sagaStateGauge,
			invariantViolationGauge,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementLedgerOperation(operation string, regionID int32, result string) {
	if ledgerOperationCounter == nil {
		return
	}
	ledgerOperationCounter.WithLabelValues(operation, regionLabel(regionID), result).Inc()
}

func IncrementSagaOutcome(outcome string) {
	if sagaOutcomeCounter == nil {
		return
	}
	sagaOutcomeCounter.WithLabelValues(outcome).Inc()
}

func ObserveSagaStep(step, result string, duration time.Duration) {
	if sagaStepHistogram == nil {
		return
	}
	sagaStepHistogram.WithLabelValues(step, result).Observe(duration.Seconds())
}

func IncrementFinalizationDrift() {
	if finalizationDriftCount == nil {
		return
	}
	finalizationDriftCount.Inc()
}

func IncrementGlobalLogFailure(entryType string) {
	if globalLogFailureCounter == nil {
		return
	}
	globalLogFailureCounter.WithLabelValues(entryType).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementSagaRecovery(action string) {
	if sagaRecoveryCounter == nil {
		return
	}
	sagaRecoveryCounter.WithLabelValues(action).Inc()
}

func SetSagaCount(regionID int32, state string, n int64) {
	if sagaStateGauge == nil {
		return
	}
	sagaStateGauge.WithLabelValues(regionLabel(regionID), state).Set(float64(n))
}

func SetInvariantViolations(regionID int32, check string, n int) {
	if invariantViolationGauge == nil {
		return
	}
	invariantViolationGauge.WithLabelValues(regionLabel(regionID), check).Set(float64(n))
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func regionLabel(regionID int32) string {
	return strconv.FormatInt(int64(regionID), 10)
}
