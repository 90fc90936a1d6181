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

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// BalanceChange is the outcome of a single-account mutation.
type BalanceChange struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	Before        decimal.Decimal `json:"balance_before"`
	After         decimal.Decimal `json:"balance_after"`
}

// WalletService owns single-account operations on the caller's home shard.
type WalletService struct {
	shards    ShardResolver
	globalLog *GlobalLogSync
}

func NewWalletService(shards ShardResolver, globalLog *GlobalLogSync) *WalletService {
	return &WalletService{shards: shards, globalLog: globalLog}
}

// TopUp credits the caller's account.
func (s *WalletService) TopUp(ctx context.Context, actor Actor, amount decimal.Decimal) (BalanceChange, error) {
	return s.mutate(ctx, actor, domain.TxTypeTopUp, domain.GlobalTypeTopUp, amount,
		fmt.Sprintf("Top-up for user %s in region %d", actor.UserID, actor.RegionID))
}

// Withdraw debits the caller's account. The balance never goes below zero.
func (s *WalletService) Withdraw(ctx context.Context, actor Actor, amount decimal.Decimal) (BalanceChange, error) {
	return s.mutate(ctx, actor, domain.TxTypeWithdrawal, domain.GlobalTypeWithdrawal, amount,
		fmt.Sprintf("Withdrawal for user %s in region %d", actor.UserID, actor.RegionID))
}

func (s *WalletService) mutate(ctx context.Context, actor Actor, txType, globalType string, amount decimal.Decimal, note string) (BalanceChange, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return BalanceChange{}, err
	}
	store, err := s.shards.Resolve(actor.RegionID)
	if err != nil {
		return BalanceChange{}, err
	}

	rec := models.Transaction{
		Type:   txType,
		Amount: amount,
		Status: domain.TxStatusCompleted,
		Note:   note,
	}
	err = store.RunInTx(ctx, func(q repository.Querier) error {
		account, err := lockAndLoad(ctx, q, actor.UserID)
		if err != nil {
			return err
		}
		return post(ctx, q, &account, &rec)
	})
	if err != nil {
		observability.IncrementLedgerOperation(txType, actor.RegionID, "failed")
		return BalanceChange{}, err
	}
	observability.IncrementLedgerOperation(txType, actor.RegionID, "success")
	zap.L().Info("balance updated",
		zap.String("type", txType),
		zap.String("user_id", actor.UserID.String()),
		zap.Int32("region_id", actor.RegionID),
		zap.Stringer("amount", amount),
		zap.Stringer("balance_after", rec.BalanceAfter),
	)

	s.globalLog.Record(ctx, models.GlobalLogEntry{
		RegionalTransactionID: uuidPtr(rec.ID),
		Type:                  globalType,
		SenderID:              uuidPtr(actor.UserID),
		Amount:                amount,
		RegionalTime:          timePtr(rec.CreatedAt),
		SourceRegionID:        int32Ptr(actor.RegionID),
		Status:                domain.GlobalStatusCompleted,
		Note:                  note,
	}, store, uuidPtr(rec.ID))

	return BalanceChange{TransactionID: rec.ID, Before: rec.BalanceBefore, After: rec.BalanceAfter}, nil
}

// History lists the caller's records newest first.
func (s *WalletService) History(ctx context.Context, actor Actor, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	store, err := s.shards.Resolve(actor.RegionID)
	if err != nil {
		return nil, err
	}
	items, err := store.Queries().ListTransactionsByAccount(ctx, repository.ListTransactionsParams{
		AccountID: actor.UserID,
		Limit:     int32(limit),
		Offset:    int32(offset),
	})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return items, nil
}

// Balance returns the caller's account row.
func (s *WalletService) Balance(ctx context.Context, actor Actor) (models.Account, error) {
	store, err := s.shards.Resolve(actor.RegionID)
	if err != nil {
		return models.Account{}, err
	}
	account, err := store.Queries().GetAccount(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, actor.UserID)
		}
		return models.Account{}, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
