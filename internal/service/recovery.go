package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/domain"
	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/ayo6706/sharded-wallet/internal/observability"
	"github.com/ayo6706/sharded-wallet/internal/repository"
	"go.uber.org/zap"
)

const defaultSagaStaleAfter = time.Minute

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Scanned            int
	Finalized          int
	Compensated        int
	CompensationFailed int
	Skipped            int
}

// SagaRecoveryService drives sagas that were left in DEBITED, typically by a
// crash between steps. A saga whose credit landed is finalized; one whose
// credit is definitely absent is compensated. When the destination cannot be
// read the saga is skipped until a later pass. A late credit is never
// attempted.
type SagaRecoveryService struct {
	shards     ShardResolver
	saga       *SagaOrchestrator
	staleAfter time.Duration
	now        func() time.Time
}

func NewSagaRecoveryService(shards ShardResolver, saga *SagaOrchestrator, staleAfter time.Duration) *SagaRecoveryService {
	if staleAfter < 0 {
		staleAfter = defaultSagaStaleAfter
	}
	return &SagaRecoveryService{
		shards:     shards,
		saga:       saga,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run handles up to batch stale sagas per shard.
func (s *SagaRecoveryService) Run(ctx context.Context, batch int32) (RecoveryReport, error) {
	var report RecoveryReport
	var errs []error
	cutoff := s.now().Add(-s.staleAfter)

	for _, regionID := range s.shards.Regions() {
		src, err := s.shards.Resolve(regionID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sagas, err := src.Queries().ListSagasByState(ctx, repository.ListSagasByStateParams{
			State:         domain.SagaDebited,
			UpdatedBefore: cutoff,
			Limit:         batch,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("region %d: list stale sagas: %w", regionID, err))
			continue
		}
		for _, saga := range sagas {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++
			s.recoverOne(ctx, src, saga, &report)
		}
	}
	return report, errors.Join(errs...)
}

func (s *SagaRecoveryService) recoverOne(ctx context.Context, src repository.ShardStore, saga models.SagaTransfer, report *RecoveryReport) {
	log := zap.L().With(
		zap.String("saga_id", saga.ID.String()),
		zap.Int32("source_region_id", saga.SourceRegionID),
		zap.Int32("dest_region_id", saga.DestRegionID),
		zap.Stringer("amount", saga.Amount),
	)

	dst, err := s.shards.Resolve(saga.DestRegionID)
	if err != nil {
		report.Skipped++
		log.Error("saga recovery: destination shard unavailable", zap.Error(err))
		return
	}

	landed, err := s.saga.creditLanded(ctx, saga.ID, dst)
	if err != nil {
		report.Skipped++
		log.Warn("saga recovery: credit outcome unknown, retrying next pass", zap.Error(err))
		return
	}
	if landed {
		err := s.saga.finalize(ctx, src, saga)
		switch {
		case err == nil:
			report.Finalized++
			observability.IncrementSagaRecovery("finalized")
			log.Info("saga recovery: finalized")
			// A drifted saga already wrote its global entry.
			if rec, err := src.Queries().GetTransaction(ctx, saga.DebitTransactionID); err != nil || rec.GlobalLogID == nil {
				s.saga.recordTransfer(ctx, saga, src)
			}
		case errors.Is(err, domain.ErrInvalidTransition):
			report.Skipped++
			log.Info("saga recovery: already settled")
		default:
			report.Skipped++
			log.Error("saga recovery: finalize failed", zap.Error(err))
		}
		return
	}

	cause := "credit not found during recovery"
	err = s.saga.compensate(ctx, src, saga, cause)
	switch {
	case err == nil:
		report.Compensated++
		observability.IncrementSagaRecovery("compensated")
		log.Info("saga recovery: compensated")
	case errors.Is(err, domain.ErrInvalidTransition):
		report.Skipped++
		log.Info("saga recovery: already settled")
	case errors.Is(err, errCompensationNotStarted):
		report.Skipped++
		log.Warn("saga recovery: compensation could not start, retrying next pass", zap.Error(err))
	default:
		report.CompensationFailed++
		observability.IncrementSagaRecovery("compensation_failed")
		log.Error("CRITICAL: saga recovery compensation failed", zap.Error(err))
		s.saga.markCompensationFailed(ctx, src, saga.ID, err)
	}
}
