package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("repository: no rows")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("repository: duplicate key")
)

// Querier is the shard-local query set. Methods ending in ForUpdate take a
// row lock and are only meaningful inside RunInTx.
type Querier interface {
	CreateAccount(ctx context.Context, userID uuid.UUID) (models.Account, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (models.Account, error)
	GetAccountForUpdate(ctx context.Context, userID uuid.UUID) (models.Account, error)
	UpdateAccountBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error
	TouchAccount(ctx context.Context, userID uuid.UUID, seenAt time.Time) error

	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error)
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (models.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (models.Transaction, error)
	GetTransactionBySagaID(ctx context.Context, sagaID uuid.UUID) (models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, arg UpdateTransactionStatusParams) error
	SetTransactionGlobalLogID(ctx context.Context, id uuid.UUID, globalLogID int64) error
	ListTransactionsByAccount(ctx context.Context, arg ListTransactionsParams) ([]models.Transaction, error)

	CreateSaga(ctx context.Context, saga *models.SagaTransfer) error
	GetSaga(ctx context.Context, id uuid.UUID) (models.SagaTransfer, error)
	GetSagaForUpdate(ctx context.Context, id uuid.UUID) (models.SagaTransfer, error)
	GetSagaByDebitTransaction(ctx context.Context, transactionID uuid.UUID) (models.SagaTransfer, error)
	UpdateSagaState(ctx context.Context, arg UpdateSagaStateParams) error
	ListSagasByState(ctx context.Context, arg ListSagasByStateParams) ([]models.SagaTransfer, error)
	CountSagasByState(ctx context.Context, state string) (int64, error)

	ListNegativeBalances(ctx context.Context) ([]models.Account, error)
	ListUnbalancedTransactions(ctx context.Context, limit int32) ([]models.Transaction, error)
	CountTransactionsByStatus(ctx context.Context, status string, createdBefore time.Time) (int64, error)
}

// ShardStore is one regional data store with its own transaction boundary.
type ShardStore interface {
	Queries() Querier
	RunInTx(ctx context.Context, fn func(q Querier) error) error
	Ping(ctx context.Context) error
}

type UpdateTransactionStatusParams struct {
	ID     uuid.UUID
	Status string
	Note   string
}

type ListTransactionsParams struct {
	AccountID uuid.UUID
	Limit     int32
	Offset    int32
}

type UpdateSagaStateParams struct {
	ID        uuid.UUID
	State     string
	LastError string
}

type ListSagasByStateParams struct {
	State         string
	UpdatedBefore time.Time
	Limit         int32
}
