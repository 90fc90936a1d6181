package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ayo6706/sharded-wallet/internal/domain"
	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/ayo6706/sharded-wallet/internal/observability"
	"github.com/ayo6706/sharded-wallet/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxIdempotencyKeyLength = 128

type TransferRequest struct {
	Actor             Actor
	RecipientUsername string
	Amount            decimal.Decimal
	IdempotencyKey    string
}

type TransferResult struct {
	TransactionID      uuid.UUID       `json:"transaction_id"`
	SagaID             *uuid.UUID      `json:"saga_id,omitempty"`
	BalanceAfterSender decimal.Decimal `json:"balance_after"`
	Mode               string          `json:"mode"`
	Replayed           bool            `json:"replayed"`
	StatusDrift        bool            `json:"status_drift,omitempty"`
}

// TransferService resolves the recipient and dispatches to the intra-shard
// executor or the cross-shard saga.
type TransferService struct {
	catalog   Catalog
	shards    ShardResolver
	saga      *SagaOrchestrator
	globalLog *GlobalLogSync
}

func NewTransferService(catalog Catalog, shards ShardResolver, saga *SagaOrchestrator, globalLog *GlobalLogSync) *TransferService {
	return &TransferService{
		catalog:   catalog,
		shards:    shards,
		saga:      saga,
		globalLog: globalLog,
	}
}

func (s *TransferService) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return TransferResult{}, err
	}
	username := strings.TrimSpace(req.RecipientUsername)
	if username == "" {
		return TransferResult{}, fmt.Errorf("%w: recipient_username", domain.ErrMissingField)
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		return TransferResult{}, fmt.Errorf("%w: idempotency key longer than %d", domain.ErrInvalidPayload, maxIdempotencyKeyLength)
	}

	recipient, err := s.catalog.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return TransferResult{}, fmt.Errorf("%w: %s", domain.ErrUserNotFound, username)
		}
		return TransferResult{}, fmt.Errorf("resolve recipient: %w", err)
	}
	if recipient.ID == req.Actor.UserID {
		return TransferResult{}, domain.ErrSelfTransfer
	}

	src, err := s.shards.Resolve(req.Actor.RegionID)
	if err != nil {
		return TransferResult{}, err
	}
	dst, err := s.shards.Resolve(recipient.RegionID)
	if err != nil {
		return TransferResult{}, err
	}

	var key *string
	if req.IdempotencyKey != "" {
		key = &req.IdempotencyKey
		replay, found, err := s.replay(ctx, src, req, recipient)
		if err != nil || found {
			return replay, err
		}
	}

	var result TransferResult
	if req.Actor.RegionID == recipient.RegionID {
		result, err = s.transferIntraShard(ctx, src, req.Actor, recipient, req.Amount, key)
	} else {
		result, err = s.saga.Execute(ctx,
			SagaParty{UserID: req.Actor.UserID, Username: req.Actor.Username, RegionID: req.Actor.RegionID, Store: src},
			SagaParty{UserID: recipient.ID, Username: recipient.Username, RegionID: recipient.RegionID, Store: dst},
			req.Amount, key)
	}

	// A concurrent request with the same key won the insert.
	if key != nil && errors.Is(err, repository.ErrDuplicate) {
		replay, found, replayErr := s.replay(ctx, src, req, recipient)
		if replayErr != nil || found {
			return replay, replayErr
		}
	}
	return result, err
}

// replay returns the recorded outcome of an earlier transfer with the same
// idempotency key.
func (s *TransferService) replay(ctx context.Context, src repository.ShardStore, req TransferRequest, recipient models.User) (TransferResult, bool, error) {
	rec, err := src.Queries().GetTransactionByIdempotencyKey(ctx, req.Actor.UserID, req.IdempotencyKey)
	if errors.Is(err, repository.ErrNotFound) {
		return TransferResult{}, false, nil
	}
	if err != nil {
		return TransferResult{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}

	if rec.CounterpartyID == nil || *rec.CounterpartyID != recipient.ID || !rec.Amount.Equal(req.Amount) {
		observability.IncrementIdempotencyEvent("transfer_conflict")
		return TransferResult{}, true, domain.ErrIdempotencyConflict
	}
	observability.IncrementIdempotencyEvent("transfer_replay")

	result := TransferResult{
		TransactionID:      rec.ID,
		BalanceAfterSender: rec.BalanceAfter,
		Mode:               domain.TransferModeIntraShard,
		Replayed:           true,
	}
	if rec.CounterpartyRegionID != nil && *rec.CounterpartyRegionID != req.Actor.RegionID {
		result.Mode = domain.TransferModeCrossShard
	}

	if result.Mode == domain.TransferModeCrossShard {
		saga, err := src.Queries().GetSagaByDebitTransaction(ctx, rec.ID)
		if err != nil {
			return TransferResult{}, true, fmt.Errorf("lookup saga for %s: %w", rec.ID, err)
		}
		result.SagaID = uuidPtr(saga.ID)
		switch saga.State {
		case domain.SagaFinalized:
		case domain.SagaDebited:
			if rec.Status == domain.TxStatusSagaPendingCredit {
				return TransferResult{}, true, domain.ErrSagaInProgress
			}
		case domain.SagaCreditFailed, domain.SagaCompensating:
			return TransferResult{}, true, fmt.Errorf("%w: saga %s is %s", domain.ErrSagaInProgress, saga.ID, saga.State)
		case domain.SagaCompensated:
			return TransferResult{}, true, &domain.SagaFailure{SagaID: saga.ID, CreditErr: errors.New(saga.LastError)}
		case domain.SagaCompensationFailed:
			return TransferResult{}, true, &domain.SagaFailure{
				SagaID:          saga.ID,
				CreditErr:       errors.New("credit failed"),
				CompensationErr: errors.New(saga.LastError),
			}
		}
	}
	return result, true, nil
}

// orderedKeys returns the two account keys in canonical lock order
// (ascending UUID bytes), independent of transfer direction.
func orderedKeys(a, b uuid.UUID) [2]uuid.UUID {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return [2]uuid.UUID{a, b}
	}
	return [2]uuid.UUID{b, a}
}

// transferIntraShard moves money inside one shard in a single local
// transaction.
func (s *TransferService) transferIntraShard(ctx context.Context, store repository.ShardStore, sender Actor, recipient models.User, amount decimal.Decimal, key *string) (TransferResult, error) {
	out := models.Transaction{
		Type:                 domain.TxTypeTransferOut,
		CounterpartyID:       uuidPtr(recipient.ID),
		CounterpartyRegionID: int32Ptr(recipient.RegionID),
		Amount:               amount,
		Status:               domain.TxStatusCompleted,
		Note:                 fmt.Sprintf("Transfer to %s", recipient.Username),
		IdempotencyKey:       key,
	}
	in := models.Transaction{
		Type:                 domain.TxTypeTransferIn,
		CounterpartyID:       uuidPtr(sender.UserID),
		CounterpartyRegionID: int32Ptr(sender.RegionID),
		Amount:               amount,
		Status:               domain.TxStatusCompleted,
		Note:                 fmt.Sprintf("Transfer received from %s", sender.Username),
	}

	err := store.RunInTx(ctx, func(q repository.Querier) error {
		locked := make(map[uuid.UUID]*models.Account, 2)
		for _, id := range orderedKeys(sender.UserID, recipient.ID) {
			account, err := lockAndLoad(ctx, q, id)
			if err != nil {
				return err
			}
			locked[id] = &account
		}
		if err := post(ctx, q, locked[sender.UserID], &out); err != nil {
			return err
		}
		return post(ctx, q, locked[recipient.ID], &in)
	})
	if err != nil {
		observability.IncrementLedgerOperation(domain.TxTypeTransferOut, sender.RegionID, "failed")
		return TransferResult{}, err
	}
	observability.IncrementLedgerOperation(domain.TxTypeTransferOut, sender.RegionID, "success")
	zap.L().Info("intra-shard transfer completed",
		zap.String("sender_id", sender.UserID.String()),
		zap.String("receiver_id", recipient.ID.String()),
		zap.Int32("region_id", sender.RegionID),
		zap.Stringer("amount", amount),
	)

	s.globalLog.Record(ctx, models.GlobalLogEntry{
		RegionalTransactionID: uuidPtr(out.ID),
		Type:                  domain.GlobalTypeTransfer,
		SenderID:              uuidPtr(sender.UserID),
		ReceiverID:            uuidPtr(recipient.ID),
		Amount:                amount,
		RegionalTime:          timePtr(out.CreatedAt),
		SourceRegionID:        int32Ptr(sender.RegionID),
		DestRegionID:          int32Ptr(recipient.RegionID),
		Status:                domain.GlobalStatusCompleted,
		Note:                  fmt.Sprintf("Intra-region transfer from %s to %s in region %d", sender.Username, recipient.Username, sender.RegionID),
	}, store, uuidPtr(out.ID))

	return TransferResult{
		TransactionID:      out.ID,
		BalanceAfterSender: out.BalanceAfter,
		Mode:               domain.TransferModeIntraShard,
	}, nil
}
