package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayo6706/sharded-wallet/internal/domain"
	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/ayo6706/sharded-wallet/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// lockAndLoad takes the row lock on an account inside the enclosing
// transaction. Every balance mutation starts here.
func lockAndLoad(ctx context.Context, q repository.Querier, userID uuid.UUID) (models.Account, error) {
	account, err := q.GetAccountForUpdate(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, userID)
		}
		return models.Account{}, fmt.Errorf("lock account %s: %w", userID, err)
	}
	if !account.IsActive {
		return models.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountInactive, userID)
	}
	return account, nil
}

// applyDelta moves the in-memory balance and refuses to go below zero.
func applyDelta(account *models.Account, signed decimal.Decimal) (before, after decimal.Decimal, err error) {
	before = account.Balance
	after = before.Add(signed)
	if after.IsNegative() {
		return before, before, fmt.Errorf("%w: balance %s, requested %s",
			domain.ErrInsufficientFunds, domain.FormatAmount(before), domain.FormatAmount(signed.Abs()))
	}
	account.Balance = after
	return before, after, nil
}

func persist(ctx context.Context, q repository.Querier, account models.Account) error {
	if err := q.UpdateAccountBalance(ctx, account.UserID, account.Balance); err != nil {
		return fmt.Errorf("update balance %s: %w", account.UserID, err)
	}
	return nil
}

// post applies one typed movement to a locked account and appends its
// transaction record.
func post(ctx context.Context, q repository.Querier, account *models.Account, rec *models.Transaction) error {
	signed, err := domain.SignedDelta(rec.Type, rec.Amount)
	if err != nil {
		return err
	}
	before, after, err := applyDelta(account, signed)
	if err != nil {
		return err
	}
	if err := persist(ctx, q, *account); err != nil {
		return err
	}
	rec.AccountID = account.UserID
	rec.BalanceBefore = before
	rec.BalanceAfter = after
	if err := q.CreateTransaction(ctx, rec); err != nil {
		return err
	}
	return nil
}

// transitionRecord locks a transaction record and moves its status.
func transitionRecord(ctx context.Context, q repository.Querier, id uuid.UUID, next, note string) (models.Transaction, error) {
	rec, err := q.GetTransactionForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Transaction{}, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
		}
		return models.Transaction{}, fmt.Errorf("lock transaction %s: %w", id, err)
	}
	if err := domain.ValidateStatusTransition(rec.Status, next); err != nil {
		return rec, err
	}
	if err := q.UpdateTransactionStatus(ctx, repository.UpdateTransactionStatusParams{
		ID:     id,
		Status: next,
		Note:   note,
	}); err != nil {
		return rec, fmt.Errorf("update transaction %s: %w", id, err)
	}
	rec.Status = next
	rec.Note = note
	return rec, nil
}

// transitionSaga locks a saga row and moves its persisted state. Each
// persisted move passes through the in-flight states of the machine.
func transitionSaga(ctx context.Context, q repository.Querier, id uuid.UUID, path []string, lastError string) (models.SagaTransfer, error) {
	saga, err := q.GetSagaForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.SagaTransfer{}, fmt.Errorf("%w: %s", domain.ErrSagaNotFound, id)
		}
		return models.SagaTransfer{}, fmt.Errorf("lock saga %s: %w", id, err)
	}
	current := saga.State
	for _, next := range path {
		if err := domain.ValidateSagaTransition(current, next); err != nil {
			return saga, err
		}
		current = next
	}
	if err := q.UpdateSagaState(ctx, repository.UpdateSagaStateParams{
		ID:        id,
		State:     current,
		LastError: lastError,
	}); err != nil {
		return saga, fmt.Errorf("update saga %s: %w", id, err)
	}
	saga.State = current
	saga.LastError = lastError
	return saga, nil
}

var (
	finalizePath          = []string{domain.SagaCredited, domain.SagaFinalized}
	beginCompensationPath = []string{domain.SagaCreditFailed, domain.SagaCompensating}
	compensatePath        = []string{domain.SagaCompensated}
	abandonPath           = []string{domain.SagaCompensationFailed}
)

func appendNote(note, suffix string) string {
	if note == "" {
		return suffix
	}
	return note + " " + suffix
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	return &id
}

func int32Ptr(v int32) *int32 {
	return &v
}
