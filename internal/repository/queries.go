package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/domain"
	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries implements Querier against a Postgres shard.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

var _ Querier = (*Queries)(nil)

// mapErr translates driver errors into repository and domain sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "55P03":
			return fmt.Errorf("%w: %s", domain.ErrLockTimeout, pgErr.Message)
		case "23514":
			if pgErr.ConstraintName == "accounts_balance_check" {
				return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, pgErr.Message)
			}
		}
	}
	return err
}

const accountColumns = `user_id, balance, is_active, last_seen, created_at, updated_at`

func scanAccount(row pgx.Row) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.UserID, &a.Balance, &a.IsActive, &a.LastSeen, &a.CreatedAt, &a.UpdatedAt)
	return a, mapErr(err)
}

func (q *Queries) CreateAccount(ctx context.Context, userID uuid.UUID) (models.Account, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO accounts (user_id, balance, is_active, created_at, updated_at)
		VALUES ($1, 0, TRUE, NOW(), NOW())
		RETURNING `+accountColumns, userID)
	return scanAccount(row)
}

func (q *Queries) GetAccount(ctx context.Context, userID uuid.UUID) (models.Account, error) {
	return scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
}

func (q *Queries) GetAccountForUpdate(ctx context.Context, userID uuid.UUID) (models.Account, error) {
	return scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`, userID))
}

func (q *Queries) UpdateAccountBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error {
	tag, err := q.db.Exec(ctx, `UPDATE accounts SET balance = $2, updated_at = NOW() WHERE user_id = $1`, userID, balance)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) TouchAccount(ctx context.Context, userID uuid.UUID, seenAt time.Time) error {
	_, err := q.db.Exec(ctx, `UPDATE accounts SET last_seen = $2 WHERE user_id = $1`, userID, seenAt)
	return mapErr(err)
}

const transactionColumns = `id, seq, type, account_id, counterparty_id, counterparty_region_id, amount,
	balance_before, balance_after, status, note, global_log_id, idempotency_key, saga_id, created_at`

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(
		&t.ID, &t.Seq, &t.Type, &t.AccountID, &t.CounterpartyID, &t.CounterpartyRegionID, &t.Amount,
		&t.BalanceBefore, &t.BalanceAfter, &t.Status, &t.Note, &t.GlobalLogID, &t.IdempotencyKey, &t.SagaID, &t.CreatedAt,
	)
	return t, mapErr(err)
}

func (q *Queries) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO transactions (id, type, account_id, counterparty_id, counterparty_region_id, amount,
			balance_before, balance_after, status, note, idempotency_key, saga_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		RETURNING seq, created_at`,
		t.ID, t.Type, t.AccountID, t.CounterpartyID, t.CounterpartyRegionID, t.Amount,
		t.BalanceBefore, t.BalanceAfter, t.Status, t.Note, t.IdempotencyKey, t.SagaID,
	).Scan(&t.Seq, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create transaction: %w", mapErr(err))
	}
	return nil
}

func (q *Queries) GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

func (q *Queries) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
}

func (q *Queries) GetTransactionByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (models.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = $1 AND idempotency_key = $2`, accountID, key))
}

func (q *Queries) GetTransactionBySagaID(ctx context.Context, sagaID uuid.UUID) (models.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE saga_id = $1`, sagaID))
}

func (q *Queries) UpdateTransactionStatus(ctx context.Context, arg UpdateTransactionStatusParams) error {
	tag, err := q.db.Exec(ctx, `UPDATE transactions SET status = $2, note = $3 WHERE id = $1`, arg.ID, arg.Status, arg.Note)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) SetTransactionGlobalLogID(ctx context.Context, id uuid.UUID, globalLogID int64) error {
	_, err := q.db.Exec(ctx, `UPDATE transactions SET global_log_id = $2 WHERE id = $1`, id, globalLogID)
	return mapErr(err)
}

func (q *Queries) ListTransactionsByAccount(ctx context.Context, arg ListTransactionsParams) ([]models.Transaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3`, arg.AccountID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", mapErr(err))
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]models.Transaction, error) {
	defer rows.Close()
	items := []models.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		items = append(items, t)
	}
	return items, mapErr(rows.Err())
}

const sagaColumns = `id, debit_transaction_id, sender_id, receiver_id, sender_username, receiver_username,
	source_region_id, dest_region_id, amount, state, last_error, created_at, updated_at`

func scanSaga(row pgx.Row) (models.SagaTransfer, error) {
	var s models.SagaTransfer
	err := row.Scan(&s.ID, &s.DebitTransactionID, &s.SenderID, &s.ReceiverID, &s.SenderUsername, &s.ReceiverUsername,
		&s.SourceRegionID, &s.DestRegionID, &s.Amount, &s.State, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	return s, mapErr(err)
}

func (q *Queries) CreateSaga(ctx context.Context, s *models.SagaTransfer) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO saga_transfers (id, debit_transaction_id, sender_id, receiver_id, sender_username, receiver_username,
			source_region_id, dest_region_id, amount, state, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING created_at, updated_at`,
		s.ID, s.DebitTransactionID, s.SenderID, s.ReceiverID, s.SenderUsername, s.ReceiverUsername,
		s.SourceRegionID, s.DestRegionID, s.Amount, s.State, s.LastError,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create saga: %w", mapErr(err))
	}
	return nil
}

func (q *Queries) GetSaga(ctx context.Context, id uuid.UUID) (models.SagaTransfer, error) {
	return scanSaga(q.db.QueryRow(ctx, `SELECT `+sagaColumns+` FROM saga_transfers WHERE id = $1`, id))
}

func (q *Queries) GetSagaForUpdate(ctx context.Context, id uuid.UUID) (models.SagaTransfer, error) {
	return scanSaga(q.db.QueryRow(ctx, `SELECT `+sagaColumns+` FROM saga_transfers WHERE id = $1 FOR UPDATE`, id))
}

func (q *Queries) GetSagaByDebitTransaction(ctx context.Context, transactionID uuid.UUID) (models.SagaTransfer, error) {
	return scanSaga(q.db.QueryRow(ctx, `SELECT `+sagaColumns+` FROM saga_transfers WHERE debit_transaction_id = $1`, transactionID))
}

func (q *Queries) UpdateSagaState(ctx context.Context, arg UpdateSagaStateParams) error {
	tag, err := q.db.Exec(ctx, `UPDATE saga_transfers SET state = $2, last_error = $3, updated_at = NOW() WHERE id = $1`,
		arg.ID, arg.State, arg.LastError)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) ListSagasByState(ctx context.Context, arg ListSagasByStateParams) ([]models.SagaTransfer, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+sagaColumns+`
		FROM saga_transfers
		WHERE state = $1 AND updated_at <= $2
		ORDER BY updated_at ASC
		LIMIT $3`, arg.State, arg.UpdatedBefore, arg.Limit)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", mapErr(err))
	}
	defer rows.Close()

	sagas := []models.SagaTransfer{}
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		sagas = append(sagas, s)
	}
	return sagas, mapErr(rows.Err())
}

func (q *Queries) CountSagasByState(ctx context.Context, state string) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM saga_transfers WHERE state = $1`, state).Scan(&n)
	return n, mapErr(err)
}

func (q *Queries) ListNegativeBalances(ctx context.Context) ([]models.Account, error) {
	rows, err := q.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE balance < 0`)
	if err != nil {
		return nil, fmt.Errorf("list negative balances: %w", mapErr(err))
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, mapErr(rows.Err())
}

func (q *Queries) ListUnbalancedTransactions(ctx context.Context, limit int32) ([]models.Transaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE balance_after <> CASE
			WHEN type IN ('TOPUP', 'TRANSFER_IN') THEN balance_before + amount
			ELSE balance_before - amount
		END
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unbalanced transactions: %w", mapErr(err))
	}
	return collectTransactions(rows)
}

func (q *Queries) CountTransactionsByStatus(ctx context.Context, status string, createdBefore time.Time) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE status = $1 AND created_at <= $2`, status, createdBefore).Scan(&n)
	return n, mapErr(err)
}
