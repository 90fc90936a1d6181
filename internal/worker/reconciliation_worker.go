package worker

import (
	"context"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/observability"
	"github.com/ayo6706/sharded-wallet/internal/service"
	"go.uber.org/zap"
)

// Reconciler scans every shard for ledger invariant violations.
type Reconciler interface {
	Scan(ctx context.Context) ([]service.ShardFindings, error)
}

// ReconciliationWorker runs the ledger scan at startup and then every
// interval (hourly by default).
type ReconciliationWorker struct {
	reconciler Reconciler
	interval   time.Duration
	loop       *loop
}

func NewReconciliationWorker(reconciler Reconciler) *ReconciliationWorker {
	return &ReconciliationWorker{
		reconciler: reconciler,
		interval:   time.Hour,
		loop:       newLoop("reconciliation"),
	}
}

func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *ReconciliationWorker) Start(ctx context.Context) {
	w.loop.run(ctx, w.interval, true, w.pass)
}

func (w *ReconciliationWorker) Run(ctx context.Context) func() {
	w.loop.spawn(ctx, w.interval, true, w.pass)
	return w.Stop
}

func (w *ReconciliationWorker) Stop() {
	w.loop.stop()
}

// RunOnce performs one scan and reports how many shards had findings.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) (int, error) {
	findings, err := w.reconciler.Scan(ctx)
	dirty := 0
	for _, f := range findings {
		if !f.Clean() {
			dirty++
		}
	}
	switch {
	case err != nil:
		observability.IncrementWorkerRun("reconciliation", "failed")
		zap.L().Error("reconciliation run failed", zap.Error(err))
	case dirty > 0:
		observability.IncrementWorkerRun("reconciliation", "violations")
		zap.L().Warn("reconciliation found violations", zap.Int("shards", dirty))
	default:
		observability.IncrementWorkerRun("reconciliation", "success")
	}
	return dirty, err
}

func (w *ReconciliationWorker) pass(ctx context.Context) {
	_, _ = w.RunOnce(ctx)
}
