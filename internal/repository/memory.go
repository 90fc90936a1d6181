package repository

import (
	"context"
	"sort"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/domain"
	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryShard is an in-process ShardStore for development and tests.
// Transactions are serialized per shard and commit by swapping in a copy of
// the state, so a failed fn leaves no trace.
type MemoryShard struct {
	sem   chan struct{}
	state *memState
	seq   int64
	now   func() time.Time
}

type memState struct {
	accounts     map[uuid.UUID]models.Account
	transactions map[uuid.UUID]models.Transaction
	sagas        map[uuid.UUID]models.SagaTransfer
}

func NewMemoryShard() *MemoryShard {
	return &MemoryShard{
		sem: make(chan struct{}, 1),
		state: &memState{
			accounts:     make(map[uuid.UUID]models.Account),
			transactions: make(map[uuid.UUID]models.Transaction),
			sagas:        make(map[uuid.UUID]models.SagaTransfer),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

var _ ShardStore = (*MemoryShard)(nil)

// SetClock overrides the timestamp source. Not safe for concurrent use with
// running transactions.
func (s *MemoryShard) SetClock(now func() time.Time) {
	s.now = now
}

func (s *MemoryShard) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return domain.ErrLockTimeout
		}
		return ctx.Err()
	}
}

func (s *MemoryShard) release() {
	<-s.sem
}

func (s *MemoryShard) Queries() Querier {
	return &memQueries{shard: s}
}

func (s *MemoryShard) RunInTx(ctx context.Context, fn func(q Querier) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	draft := s.state.clone()
	seq := s.seq
	q := &memQueries{shard: s, tx: draft}
	if err := fn(q); err != nil {
		s.seq = seq
		return err
	}
	if err := ctx.Err(); err != nil {
		s.seq = seq
		return err
	}
	s.state = draft
	return nil
}

func (s *MemoryShard) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (st *memState) clone() *memState {
	out := &memState{
		accounts:     make(map[uuid.UUID]models.Account, len(st.accounts)),
		transactions: make(map[uuid.UUID]models.Transaction, len(st.transactions)),
		sagas:        make(map[uuid.UUID]models.SagaTransfer, len(st.sagas)),
	}
	for k, v := range st.accounts {
		out.accounts[k] = v
	}
	for k, v := range st.transactions {
		out.transactions[k] = v
	}
	for k, v := range st.sagas {
		out.sagas[k] = v
	}
	return out
}

// memQueries runs inside a transaction when tx is set; otherwise every call is
// its own short transaction.
type memQueries struct {
	shard *MemoryShard
	tx    *memState
}

func (q *memQueries) do(ctx context.Context, fn func(st *memState) error) error {
	if q.tx != nil {
		return fn(q.tx)
	}
	if err := q.shard.acquire(ctx); err != nil {
		return err
	}
	defer q.shard.release()
	return fn(q.shard.state)
}

func (q *memQueries) CreateAccount(ctx context.Context, userID uuid.UUID) (models.Account, error) {
	var out models.Account
	err := q.do(ctx, func(st *memState) error {
		if _, ok := st.accounts[userID]; ok {
			return ErrDuplicate
		}
		now := q.shard.now()
		out = models.Account{UserID: userID, Balance: decimal.Zero, IsActive: true, CreatedAt: now, UpdatedAt: now}
		st.accounts[userID] = out
		return nil
	})
	return out, err
}

func (q *memQueries) GetAccount(ctx context.Context, userID uuid.UUID) (models.Account, error) {
	var out models.Account
	err := q.do(ctx, func(st *memState) error {
		a, ok := st.accounts[userID]
		if !ok {
			return ErrNotFound
		}
		out = a
		return nil
	})
	return out, err
}

func (q *memQueries) GetAccountForUpdate(ctx context.Context, userID uuid.UUID) (models.Account, error) {
	return q.GetAccount(ctx, userID)
}

func (q *memQueries) UpdateAccountBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error {
	return q.do(ctx, func(st *memState) error {
		a, ok := st.accounts[userID]
		if !ok {
			return ErrNotFound
		}
		if balance.IsNegative() {
			return domain.ErrInsufficientFunds
		}
		a.Balance = balance
		a.UpdatedAt = q.shard.now()
		st.accounts[userID] = a
		return nil
	})
}

func (q *memQueries) TouchAccount(ctx context.Context, userID uuid.UUID, seenAt time.Time) error {
	return q.do(ctx, func(st *memState) error {
		a, ok := st.accounts[userID]
		if !ok {
			return nil
		}
		a.LastSeen = &seenAt
		st.accounts[userID] = a
		return nil
	})
}

// SetAccountActive flips the active flag. It exists for tests and operator
// tooling; the ledger never deactivates accounts itself.
func (s *MemoryShard) SetAccountActive(userID uuid.UUID, active bool) {
	_ = (&memQueries{shard: s}).do(context.Background(), func(st *memState) error {
		if a, ok := st.accounts[userID]; ok {
			a.IsActive = active
			st.accounts[userID] = a
		}
		return nil
	})
}

func (q *memQueries) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	return q.do(ctx, func(st *memState) error {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if _, ok := st.transactions[t.ID]; ok {
			return ErrDuplicate
		}
		for _, existing := range st.transactions {
			if t.IdempotencyKey != nil && existing.IdempotencyKey != nil &&
				existing.AccountID == t.AccountID && *existing.IdempotencyKey == *t.IdempotencyKey {
				return ErrDuplicate
			}
			if t.SagaID != nil && existing.SagaID != nil && *existing.SagaID == *t.SagaID {
				return ErrDuplicate
			}
		}
		q.shard.seq++
		t.Seq = q.shard.seq
		t.CreatedAt = q.shard.now()
		st.transactions[t.ID] = *t
		return nil
	})
}

func (q *memQueries) findTransaction(ctx context.Context, match func(models.Transaction) bool) (models.Transaction, error) {
	var out models.Transaction
	err := q.do(ctx, func(st *memState) error {
		for _, t := range st.transactions {
			if match(t) {
				out = t
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (q *memQueries) GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	return q.findTransaction(ctx, func(t models.Transaction) bool { return t.ID == id })
}

func (q *memQueries) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	return q.GetTransaction(ctx, id)
}

func (q *memQueries) GetTransactionByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (models.Transaction, error) {
	return q.findTransaction(ctx, func(t models.Transaction) bool {
		return t.AccountID == accountID && t.IdempotencyKey != nil && *t.IdempotencyKey == key
	})
}

func (q *memQueries) GetTransactionBySagaID(ctx context.Context, sagaID uuid.UUID) (models.Transaction, error) {
	return q.findTransaction(ctx, func(t models.Transaction) bool {
		return t.SagaID != nil && *t.SagaID == sagaID
	})
}

func (q *memQueries) UpdateTransactionStatus(ctx context.Context, arg UpdateTransactionStatusParams) error {
	return q.do(ctx, func(st *memState) error {
		t, ok := st.transactions[arg.ID]
		if !ok {
			return ErrNotFound
		}
		t.Status = arg.Status
		t.Note = arg.Note
		st.transactions[arg.ID] = t
		return nil
	})
}

func (q *memQueries) SetTransactionGlobalLogID(ctx context.Context, id uuid.UUID, globalLogID int64) error {
	return q.do(ctx, func(st *memState) error {
		t, ok := st.transactions[id]
		if !ok {
			return nil
		}
		t.GlobalLogID = &globalLogID
		st.transactions[id] = t
		return nil
	})
}

func (q *memQueries) ListTransactionsByAccount(ctx context.Context, arg ListTransactionsParams) ([]models.Transaction, error) {
	items := []models.Transaction{}
	err := q.do(ctx, func(st *memState) error {
		for _, t := range st.transactions {
			if t.AccountID == arg.AccountID {
				items = append(items, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq > items[j].Seq })
	return page(items, int(arg.Offset), int(arg.Limit)), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit >= 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (q *memQueries) CreateSaga(ctx context.Context, s *models.SagaTransfer) error {
	return q.do(ctx, func(st *memState) error {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if _, ok := st.sagas[s.ID]; ok {
			return ErrDuplicate
		}
		now := q.shard.now()
		s.CreatedAt, s.UpdatedAt = now, now
		st.sagas[s.ID] = *s
		return nil
	})
}

func (q *memQueries) GetSaga(ctx context.Context, id uuid.UUID) (models.SagaTransfer, error) {
	var out models.SagaTransfer
	err := q.do(ctx, func(st *memState) error {
		s, ok := st.sagas[id]
		if !ok {
			return ErrNotFound
		}
		out = s
		return nil
	})
	return out, err
}

func (q *memQueries) GetSagaForUpdate(ctx context.Context, id uuid.UUID) (models.SagaTransfer, error) {
	return q.GetSaga(ctx, id)
}

func (q *memQueries) GetSagaByDebitTransaction(ctx context.Context, transactionID uuid.UUID) (models.SagaTransfer, error) {
	var out models.SagaTransfer
	err := q.do(ctx, func(st *memState) error {
		for _, s := range st.sagas {
			if s.DebitTransactionID == transactionID {
				out = s
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (q *memQueries) UpdateSagaState(ctx context.Context, arg UpdateSagaStateParams) error {
	return q.do(ctx, func(st *memState) error {
		s, ok := st.sagas[arg.ID]
		if !ok {
			return ErrNotFound
		}
		s.State = arg.State
		s.LastError = arg.LastError
		s.UpdatedAt = q.shard.now()
		st.sagas[arg.ID] = s
		return nil
	})
}

func (q *memQueries) ListSagasByState(ctx context.Context, arg ListSagasByStateParams) ([]models.SagaTransfer, error) {
	sagas := []models.SagaTransfer{}
	err := q.do(ctx, func(st *memState) error {
		for _, s := range st.sagas {
			if s.State == arg.State && !s.UpdatedAt.After(arg.UpdatedBefore) {
				sagas = append(sagas, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sagas, func(i, j int) bool { return sagas[i].UpdatedAt.Before(sagas[j].UpdatedAt) })
	return page(sagas, 0, int(arg.Limit)), nil
}

func (q *memQueries) CountSagasByState(ctx context.Context, state string) (int64, error) {
	var n int64
	err := q.do(ctx, func(st *memState) error {
		for _, s := range st.sagas {
			if s.State == state {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (q *memQueries) ListNegativeBalances(ctx context.Context) ([]models.Account, error) {
	accounts := []models.Account{}
	err := q.do(ctx, func(st *memState) error {
		for _, a := range st.accounts {
			if a.Balance.IsNegative() {
				accounts = append(accounts, a)
			}
		}
		return nil
	})
	return accounts, err
}

func (q *memQueries) ListUnbalancedTransactions(ctx context.Context, limit int32) ([]models.Transaction, error) {
	items := []models.Transaction{}
	err := q.do(ctx, func(st *memState) error {
		for _, t := range st.transactions {
			delta, err := domain.SignedDelta(t.Type, t.Amount)
			if err != nil || !t.BalanceBefore.Add(delta).Equal(t.BalanceAfter) {
				items = append(items, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return page(items, 0, int(limit)), nil
}

func (q *memQueries) CountTransactionsByStatus(ctx context.Context, status string, createdBefore time.Time) (int64, error) {
	var n int64
	err := q.do(ctx, func(st *memState) error {
		for _, t := range st.transactions {
			if t.Status == status && !t.CreatedAt.After(createdBefore) {
				n++
			}
		}
		return nil
	})
	return n, err
}
