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
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultSagaStepTimeout = 10 * time.Second

// SagaOrchestrator moves money between two shards without a shared
// transaction: debit the source, credit the destination, then either finalize
// the source record or reverse the debit.
//
// Between step 1 and step 3 the debited amount is visible on neither side as
// settled; that window is bounded by the step timeouts and, after a crash, by
// the recovery worker.
type SagaOrchestrator struct {
	globalLog   *GlobalLogSync
	stepTimeout time.Duration
}

func NewSagaOrchestrator(globalLog *GlobalLogSync, stepTimeout time.Duration) *SagaOrchestrator {
	if stepTimeout <= 0 {
		stepTimeout = defaultSagaStepTimeout
	}
	return &SagaOrchestrator{globalLog: globalLog, stepTimeout: stepTimeout}
}

// SagaParty is one side of a cross-shard transfer.
type SagaParty struct {
	UserID   uuid.UUID
	Username string
	RegionID int32
	Store    repository.ShardStore
}

// Execute runs the saga to a terminal state. It returns a *domain.SagaFailure
// when the credit failed, whether or not the compensation succeeded.
func (o *SagaOrchestrator) Execute(ctx context.Context, sender, receiver SagaParty, amount decimal.Decimal, idempotencyKey *string) (TransferResult, error) {
	if err := o.preflight(ctx, receiver); err != nil {
		return TransferResult{}, err
	}

	saga, debit, err := o.debit(ctx, sender, receiver, amount, idempotencyKey)
	if err != nil {
		return TransferResult{}, err
	}
	log := zap.L().With(
		zap.String("saga_id", saga.ID.String()),
		zap.String("sender_id", sender.UserID.String()),
		zap.String("receiver_id", receiver.UserID.String()),
		zap.Int32("source_region_id", sender.RegionID),
		zap.Int32("dest_region_id", receiver.RegionID),
		zap.Stringer("amount", amount),
	)
	log.Info("saga debited")

	result := TransferResult{
		TransactionID:      debit.ID,
		SagaID:             uuidPtr(saga.ID),
		BalanceAfterSender: debit.BalanceAfter,
		Mode:               domain.TransferModeCrossShard,
	}

	// Past this point the debit is committed; request cancellation must not
	// strand the saga half way.
	detached := context.WithoutCancel(ctx)

	creditErr := o.credit(detached, saga, receiver.Store)
	if creditErr != nil {
		landed, err := o.creditLanded(detached, saga.ID, receiver.Store)
		switch {
		case err != nil:
			// The credit may have committed; only recovery can settle it.
			observability.IncrementSagaOutcome("pending_recovery")
			log.Error("saga credit outcome unknown, left for recovery",
				zap.NamedError("credit_error", creditErr),
				zap.Error(err),
			)
			return TransferResult{}, fmt.Errorf("%w: saga %s: credit outcome unknown: %v", domain.ErrSagaInProgress, saga.ID, creditErr)
		case landed:
			log.Warn("credit reported failure but landed", zap.Error(creditErr))
			creditErr = nil
		}
	}

	if creditErr == nil {
		if err := o.finalize(detached, sender.Store, saga); err != nil {
			observability.IncrementFinalizationDrift()
			observability.IncrementSagaOutcome("finalized_drift")
			log.Error("saga finalization drift",
				zap.NamedError("drift", domain.ErrFinalizationDrift),
				zap.Error(err),
			)
			result.StatusDrift = true
		} else {
			observability.IncrementSagaOutcome("finalized")
			log.Info("saga finalized")
		}
		o.recordTransfer(detached, saga, sender.Store)
		return result, nil
	}

	log.Warn("saga credit failed, compensating", zap.Error(creditErr))
	compErr := o.compensate(detached, sender.Store, saga, creditErr.Error())
	switch {
	case compErr == nil:
		observability.IncrementSagaOutcome("compensated")
		log.Info("saga compensated")
	case errors.Is(compErr, errCompensationNotStarted):
		observability.IncrementSagaOutcome("pending_recovery")
		log.Error("saga compensation could not start, left for recovery",
			zap.NamedError("credit_error", creditErr),
			zap.Error(compErr),
		)
		return TransferResult{}, fmt.Errorf("%w: saga %s: %v", domain.ErrSagaInProgress, saga.ID, compErr)
	default:
		observability.IncrementSagaOutcome("compensation_failed")
		log.Error("CRITICAL: saga compensation failed, manual reconciliation required",
			zap.NamedError("credit_error", creditErr),
			zap.Error(compErr),
		)
		o.markCompensationFailed(detached, sender.Store, saga.ID, compErr)
	}
	return TransferResult{}, &domain.SagaFailure{SagaID: saga.ID, CreditErr: creditErr, CompensationErr: compErr}
}

// preflight checks the destination before anything is written.
func (o *SagaOrchestrator) preflight(ctx context.Context, receiver SagaParty) error {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	account, err := receiver.Store.Queries().GetAccount(ctx, receiver.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: receiver %s in region %d", domain.ErrAccountNotFound, receiver.UserID, receiver.RegionID)
		}
		return fmt.Errorf("preflight receiver: %w", err)
	}
	if !account.IsActive {
		return fmt.Errorf("%w: receiver %s", domain.ErrAccountInactive, receiver.UserID)
	}
	return nil
}

// debit is step 1: one local transaction on the source shard.
func (o *SagaOrchestrator) debit(ctx context.Context, sender, receiver SagaParty, amount decimal.Decimal, idempotencyKey *string) (models.SagaTransfer, models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	started := time.Now()

	if err := domain.ValidateSagaTransition(domain.SagaInitiated, domain.SagaDebited); err != nil {
		return models.SagaTransfer{}, models.Transaction{}, err
	}

	debit := models.Transaction{
		Type:                 domain.TxTypeTransferOut,
		CounterpartyID:       uuidPtr(receiver.UserID),
		CounterpartyRegionID: int32Ptr(receiver.RegionID),
		Amount:               amount,
		Status:               domain.TxStatusSagaPendingCredit,
		Note:                 fmt.Sprintf("Transfer to %s (region %d) - awaiting recipient credit", receiver.Username, receiver.RegionID),
		IdempotencyKey:       idempotencyKey,
	}
	saga := models.SagaTransfer{
		ID:               uuid.New(),
		SenderID:         sender.UserID,
		ReceiverID:       receiver.UserID,
		SenderUsername:   sender.Username,
		ReceiverUsername: receiver.Username,
		SourceRegionID:   sender.RegionID,
		DestRegionID:     receiver.RegionID,
		Amount:           amount,
		State:            domain.SagaDebited,
	}

	err := sender.Store.RunInTx(ctx, func(q repository.Querier) error {
		account, err := lockAndLoad(ctx, q, sender.UserID)
		if err != nil {
			return err
		}
		if err := post(ctx, q, &account, &debit); err != nil {
			return err
		}
		saga.DebitTransactionID = debit.ID
		return q.CreateSaga(ctx, &saga)
	})
	observability.ObserveSagaStep("debit", stepResult(err), time.Since(started))
	if err != nil {
		return models.SagaTransfer{}, models.Transaction{}, err
	}
	return saga, debit, nil
}

// credit is step 2: one local transaction on the destination shard. The
// receiver account is never created here.
func (o *SagaOrchestrator) credit(ctx context.Context, saga models.SagaTransfer, dst repository.ShardStore) error {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	started := time.Now()

	rec := models.Transaction{
		Type:                 domain.TxTypeTransferIn,
		CounterpartyID:       uuidPtr(saga.SenderID),
		CounterpartyRegionID: int32Ptr(saga.SourceRegionID),
		Amount:               saga.Amount,
		Status:               domain.TxStatusCompleted,
		Note:                 fmt.Sprintf("Transfer received from %s (region %d)", saga.SenderUsername, saga.SourceRegionID),
		SagaID:               uuidPtr(saga.ID),
	}
	err := dst.RunInTx(ctx, func(q repository.Querier) error {
		account, err := lockAndLoad(ctx, q, saga.ReceiverID)
		if err != nil {
			return err
		}
		return post(ctx, q, &account, &rec)
	})
	observability.ObserveSagaStep("credit", stepResult(err), time.Since(started))
	return err
}

// creditLanded reports whether a credit for the saga is visible on the
// destination shard. Only a definite miss is false; a failed lookup is an
// error.
func (o *SagaOrchestrator) creditLanded(ctx context.Context, sagaID uuid.UUID, dst repository.ShardStore) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	_, err := dst.Queries().GetTransactionBySagaID(ctx, sagaID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("look up credit for saga %s: %w", sagaID, err)
	}
}

// finalize is step 3a on the source shard.
func (o *SagaOrchestrator) finalize(ctx context.Context, src repository.ShardStore, saga models.SagaTransfer) error {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	started := time.Now()

	note := fmt.Sprintf("Transfer to %s (region %d) completed", saga.ReceiverUsername, saga.DestRegionID)
	err := src.RunInTx(ctx, func(q repository.Querier) error {
		if _, err := transitionSaga(ctx, q, saga.ID, finalizePath, ""); err != nil {
			return err
		}
		_, err := transitionRecord(ctx, q, saga.DebitTransactionID, domain.TxStatusCompleted, note)
		return err
	})
	observability.ObserveSagaStep("finalize", stepResult(err), time.Since(started))
	return err
}

// errCompensationNotStarted means the saga could not leave DEBITED, so
// nothing was reversed and recovery may still compensate it.
var errCompensationNotStarted = errors.New("compensation not started")

// compensate is step 3b on the source shard. CREDIT_FAILED -> COMPENSATING
// commits first in its own transaction; recovery only picks up DEBITED sagas,
// so from then on a failed reversal is left for an operator. The reversal
// restores the balance in place and the original record keeps the cause in
// its note.
func (o *SagaOrchestrator) compensate(ctx context.Context, src repository.ShardStore, saga models.SagaTransfer, cause string) error {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	started := time.Now()

	err := src.RunInTx(ctx, func(q repository.Querier) error {
		_, err := transitionSaga(ctx, q, saga.ID, beginCompensationPath, cause)
		return err
	})
	if err != nil {
		observability.ObserveSagaStep("compensate", stepResult(err), time.Since(started))
		if errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
		return fmt.Errorf("%w: %w", errCompensationNotStarted, err)
	}

	var restored models.Account
	err = src.RunInTx(ctx, func(q repository.Querier) error {
		if _, err := transitionSaga(ctx, q, saga.ID, compensatePath, cause); err != nil {
			return err
		}
		// Inactive accounts still get their money back.
		account, err := q.GetAccountForUpdate(ctx, saga.SenderID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: sender %s", domain.ErrAccountNotFound, saga.SenderID)
			}
			return fmt.Errorf("lock sender: %w", err)
		}
		if _, _, err := applyDelta(&account, saga.Amount); err != nil {
			return err
		}
		if err := persist(ctx, q, account); err != nil {
			return err
		}
		restored = account

		rec, err := q.GetTransaction(ctx, saga.DebitTransactionID)
		if err != nil {
			return fmt.Errorf("load debit record: %w", err)
		}
		note := appendNote(rec.Note, fmt.Sprintf("(Compensation: credit to %s failed: %s)", saga.ReceiverUsername, cause))
		_, err = transitionRecord(ctx, q, saga.DebitTransactionID, domain.TxStatusSagaFailedCompensated, note)
		return err
	})
	observability.ObserveSagaStep("compensate", stepResult(err), time.Since(started))
	if err != nil {
		return err
	}

	o.globalLog.Record(ctx, models.GlobalLogEntry{
		RegionalTransactionID: uuidPtr(saga.DebitTransactionID),
		Type:                  domain.GlobalTypeSagaCompensation,
		SenderID:              uuidPtr(saga.SenderID),
		ReceiverID:            uuidPtr(saga.ReceiverID),
		Amount:                saga.Amount,
		SourceRegionID:        int32Ptr(saga.SourceRegionID),
		DestRegionID:          int32Ptr(saga.DestRegionID),
		Status:                domain.GlobalStatusCompleted,
		Note: fmt.Sprintf("Compensation for failed transfer %s. %s. User: %s, region: %d, balance restored to %s.",
			saga.ID, cause, saga.SenderID, saga.SourceRegionID, domain.FormatAmount(restored.Balance)),
	}, src, uuidPtr(saga.DebitTransactionID))
	return nil
}

// markCompensationFailed records the critical outcome in its own transaction.
// If the shard is down this fails too and the saga stays COMPENSATING, which
// recovery never touches; reconciliation reports its record as stuck.
func (o *SagaOrchestrator) markCompensationFailed(ctx context.Context, src repository.ShardStore, saga uuid.UUID, compErr error) {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	var persisted models.SagaTransfer
	err := src.RunInTx(ctx, func(q repository.Querier) error {
		s, err := transitionSaga(ctx, q, saga, abandonPath, compErr.Error())
		persisted = s
		return err
	})
	if err != nil {
		zap.L().Error("persist compensation failure", zap.String("saga_id", saga.String()), zap.Error(err))
		persisted, err = src.Queries().GetSaga(ctx, saga)
		if err != nil {
			return
		}
	}

	o.globalLog.Record(ctx, models.GlobalLogEntry{
		RegionalTransactionID: uuidPtr(persisted.DebitTransactionID),
		Type:                  domain.GlobalTypeSagaCompensation,
		SenderID:              uuidPtr(persisted.SenderID),
		ReceiverID:            uuidPtr(persisted.ReceiverID),
		Amount:                persisted.Amount,
		SourceRegionID:        int32Ptr(persisted.SourceRegionID),
		DestRegionID:          int32Ptr(persisted.DestRegionID),
		Status:                domain.GlobalStatusFailed,
		Note:                  fmt.Sprintf("CRITICAL: compensation for transfer %s failed: %v", saga, compErr),
	}, src, uuidPtr(persisted.DebitTransactionID))
}

func (o *SagaOrchestrator) recordTransfer(ctx context.Context, saga models.SagaTransfer, src repository.ShardStore) {
	o.globalLog.Record(ctx, models.GlobalLogEntry{
		RegionalTransactionID: uuidPtr(saga.DebitTransactionID),
		Type:                  domain.GlobalTypeTransfer,
		SenderID:              uuidPtr(saga.SenderID),
		ReceiverID:            uuidPtr(saga.ReceiverID),
		Amount:                saga.Amount,
		RegionalTime:          timePtr(saga.CreatedAt),
		SourceRegionID:        int32Ptr(saga.SourceRegionID),
		DestRegionID:          int32Ptr(saga.DestRegionID),
		Status:                domain.GlobalStatusCompleted,
		Note: fmt.Sprintf("Cross-region transfer from %s (region %d) to %s (region %d)",
			saga.SenderUsername, saga.SourceRegionID, saga.ReceiverUsername, saga.DestRegionID),
	}, src, uuidPtr(saga.DebitTransactionID))
}

func stepResult(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
