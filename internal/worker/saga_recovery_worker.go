package worker

import (
	"context"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/observability"
	"github.com/ayo6706/sharded-wallet/internal/service"
	"go.uber.org/zap"
)

// SagaRecoverer drives stale cross-shard sagas to a terminal state.
type SagaRecoverer interface {
	Run(ctx context.Context, batch int32) (service.RecoveryReport, error)
}

// SagaRecoveryWorker periodically hands sagas stuck in DEBITED to the
// recovery service.
type SagaRecoveryWorker struct {
	recoverer SagaRecoverer
	interval  time.Duration
	batch     int32
	loop      *loop
}

func NewSagaRecoveryWorker(recoverer SagaRecoverer) *SagaRecoveryWorker {
	return &SagaRecoveryWorker{
		recoverer: recoverer,
		interval:  30 * time.Second,
		batch:     50,
		loop:      newLoop("saga_recovery"),
	}
}

func (w *SagaRecoveryWorker) WithPollInterval(interval time.Duration) *SagaRecoveryWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithBatchSize caps the sagas handled per shard per pass.
func (w *SagaRecoveryWorker) WithBatchSize(size int32) *SagaRecoveryWorker {
	if size > 0 {
		w.batch = size
	}
	return w
}

// Start blocks until Stop is called or ctx is cancelled.
func (w *SagaRecoveryWorker) Start(ctx context.Context) {
	w.loop.run(ctx, w.interval, false, w.pass)
}

// Run starts the worker in the background. The returned func stops it and
// waits for an in-flight pass.
func (w *SagaRecoveryWorker) Run(ctx context.Context) func() {
	w.loop.spawn(ctx, w.interval, false, w.pass)
	return w.Stop
}

func (w *SagaRecoveryWorker) Stop() {
	w.loop.stop()
}

// ProcessOnce runs a single recovery pass now.
func (w *SagaRecoveryWorker) ProcessOnce(ctx context.Context) error {
	report, err := w.recoverer.Run(ctx, w.batch)
	if report.Scanned > 0 {
		zap.L().Info("saga recovery pass",
			zap.Int("scanned", report.Scanned),
			zap.Int("finalized", report.Finalized),
			zap.Int("compensated", report.Compensated),
			zap.Int("compensation_failed", report.CompensationFailed),
			zap.Int("skipped", report.Skipped),
		)
	}
	if err != nil {
		observability.IncrementWorkerRun("saga_recovery", "failed")
		zap.L().Error("saga recovery pass failed", zap.Error(err))
		return err
	}
	observability.IncrementWorkerRun("saga_recovery", "success")
	return nil
}

func (w *SagaRecoveryWorker) pass(ctx context.Context) {
	_ = w.ProcessOnce(ctx)
}
