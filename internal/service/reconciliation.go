package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/domain"
	"github.com/ayo6706/sharded-wallet/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const unbalancedScanLimit = 100

// ShardFindings are the invariant violations found on one shard.
type ShardFindings struct {
	RegionID           int32
	NegativeBalances   int
	UnbalancedRecords  int
	StuckPendingCredit int64
	CompensationFailed int64
	DebitedSagas       int64
}

// Clean reports whether the shard satisfied every checked invariant.
func (f ShardFindings) Clean() bool {
	return f.NegativeBalances == 0 && f.UnbalancedRecords == 0 && f.StuckPendingCredit == 0 && f.CompensationFailed == 0
}

// ReconciliationService verifies ledger invariants on every shard.
type ReconciliationService struct {
	shards     ShardResolver
	stuckAfter time.Duration
	now        func() time.Time
}

// NewReconciliationService creates a reconciliation service. Records in
// SAGA_PENDING_CREDIT older than stuckAfter are reported as stuck.
func NewReconciliationService(shards ShardResolver, stuckAfter time.Duration) *ReconciliationService {
	return &ReconciliationService{
		shards:     shards,
		stuckAfter: stuckAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run scans all shards and logs every finding.
func (s *ReconciliationService) Run(ctx context.Context) error {
	_, err := s.Scan(ctx)
	return err
}

// Scan checks every shard concurrently.
func (s *ReconciliationService) Scan(ctx context.Context) ([]ShardFindings, error) {
	regions := s.shards.Regions()
	var mu sync.Mutex
	findings := make([]ShardFindings, 0, len(regions))

	g, gctx := errgroup.WithContext(ctx)
	for _, regionID := range regions {
		regionID := regionID
		g.Go(func() error {
			f, err := s.scanShard(gctx, regionID)
			if err != nil {
				return fmt.Errorf("region %d: %w", regionID, err)
			}
			mu.Lock()
			findings = append(findings, f)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return findings, err
	}
	return findings, nil
}

func (s *ReconciliationService) scanShard(ctx context.Context, regionID int32) (ShardFindings, error) {
	f := ShardFindings{RegionID: regionID}
	store, err := s.shards.Resolve(regionID)
	if err != nil {
		return f, err
	}
	q := store.Queries()
	log := zap.L().With(zap.Int32("region_id", regionID))

	negative, err := q.ListNegativeBalances(ctx)
	if err != nil {
		return f, fmt.Errorf("negative balances: %w", err)
	}
	f.NegativeBalances = len(negative)
	for _, a := range negative {
		log.Error("CRITICAL: negative balance detected",
			zap.String("user_id", a.UserID.String()),
			zap.Stringer("balance", a.Balance),
		)
	}

	unbalanced, err := q.ListUnbalancedTransactions(ctx, unbalancedScanLimit)
	if err != nil {
		return f, fmt.Errorf("unbalanced records: %w", err)
	}
	f.UnbalancedRecords = len(unbalanced)
	for _, t := range unbalanced {
		log.Error("CRITICAL: transaction record does not balance",
			zap.String("transaction_id", t.ID.String()),
			zap.String("type", t.Type),
			zap.Stringer("amount", t.Amount),
			zap.Stringer("balance_before", t.BalanceBefore),
			zap.Stringer("balance_after", t.BalanceAfter),
		)
	}

	f.StuckPendingCredit, err = q.CountTransactionsByStatus(ctx, domain.TxStatusSagaPendingCredit, s.now().Add(-s.stuckAfter))
	if err != nil {
		return f, fmt.Errorf("stuck pending credits: %w", err)
	}
	if f.StuckPendingCredit > 0 {
		log.Error("transfers stuck awaiting credit", zap.Int64("count", f.StuckPendingCredit))
	}

	f.CompensationFailed, err = q.CountSagasByState(ctx, domain.SagaCompensationFailed)
	if err != nil {
		return f, fmt.Errorf("failed compensations: %w", err)
	}
	if f.CompensationFailed > 0 {
		log.Error("CRITICAL: sagas with failed compensation need manual reconciliation", zap.Int64("count", f.CompensationFailed))
	}

	f.DebitedSagas, err = q.CountSagasByState(ctx, domain.SagaDebited)
	if err != nil {
		return f, fmt.Errorf("debited sagas: %w", err)
	}

	observability.SetInvariantViolations(regionID, "negative_balance", f.NegativeBalances)
	observability.SetInvariantViolations(regionID, "unbalanced_record", f.UnbalancedRecords)
	observability.SetInvariantViolations(regionID, "stuck_pending_credit", int(f.StuckPendingCredit))
	observability.SetSagaCount(regionID, domain.SagaCompensationFailed, f.CompensationFailed)
	observability.SetSagaCount(regionID, domain.SagaDebited, f.DebitedSagas)

	if f.Clean() {
		log.Info("ledger balanced")
	}
	return f, nil
}
