package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/auth"
	"github.com/ayo6706/sharded-wallet/internal/domain"
	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/ayo6706/sharded-wallet/internal/repository"
	"github.com/ayo6706/sharded-wallet/internal/shard"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testJWTSecret = "service-test-secret-at-least-32-bytes"

// fixture wires every service over in-memory stores.
type fixture struct {
	master    *repository.MemoryMaster
	memory    map[int32]*repository.MemoryShard
	stores    map[int32]repository.ShardStore
	router    *shard.Router
	globalLog *GlobalLogSync
	saga      *SagaOrchestrator
	wallet    *WalletService
	transfers *TransferService
	recovery  *SagaRecoveryService
	identity  *IdentityService
}

func newFixture(t *testing.T, regions ...int32) *fixture {
	t.Helper()
	if len(regions) == 0 {
		regions = []int32{1, 2}
	}
	f := &fixture{
		master: repository.NewMemoryMaster(),
		memory: make(map[int32]*repository.MemoryShard),
		stores: make(map[int32]repository.ShardStore),
	}
	for _, id := range regions {
		require.NoError(t, f.master.CreateRegion(context.Background(), models.Region{ID: id, Name: fmt.Sprintf("region-%d", id)}))
		mem := repository.NewMemoryShard()
		f.memory[id] = mem
		f.stores[id] = mem
	}
	f.rewire()
	return f
}

// wrap replaces the store the services see for a region.
func (f *fixture) wrap(regionID int32, wrapper func(repository.ShardStore) repository.ShardStore) {
	f.stores[regionID] = wrapper(f.stores[regionID])
	f.rewire()
}

func (f *fixture) rewire() {
	f.router = shard.NewRouter(f.stores)
	f.globalLog = NewGlobalLogSync(f.master, time.Second)
	f.saga = NewSagaOrchestrator(f.globalLog, time.Second)
	f.wallet = NewWalletService(f.router, f.globalLog)
	f.transfers = NewTransferService(f.master, f.router, f.saga, f.globalLog)
	f.recovery = NewSagaRecoveryService(f.router, f.saga, 0)
	f.identity = NewIdentityService(f.master, f.router, auth.NewTokenManager(testJWTSecret, "", "", time.Hour)).
		WithBcryptCost(bcrypt.MinCost)
}

// newUser registers a catalog user with an account holding balance. The
// balance is seeded directly so no ledger record or global entry exists.
func (f *fixture) newUser(t *testing.T, username string, regionID int32, balance string) Actor {
	t.Helper()
	ctx := context.Background()
	user := models.User{ID: uuid.New(), Username: username, PasswordHash: "x", RegionID: regionID}
	require.NoError(t, f.master.CreateUser(ctx, &user))

	mem := f.memory[regionID]
	_, err := mem.Queries().CreateAccount(ctx, user.ID)
	require.NoError(t, err)
	require.NoError(t, mem.Queries().UpdateAccountBalance(ctx, user.ID, decimal.RequireFromString(balance)))
	return Actor{UserID: user.ID, RegionID: regionID, Username: username}
}

func (f *fixture) balance(t *testing.T, a Actor) decimal.Decimal {
	t.Helper()
	acc, err := f.memory[a.RegionID].Queries().GetAccount(context.Background(), a.UserID)
	require.NoError(t, err)
	return acc.Balance
}

func (f *fixture) records(t *testing.T, a Actor) []models.Transaction {
	t.Helper()
	items, err := f.memory[a.RegionID].Queries().ListTransactionsByAccount(context.Background(), repository.ListTransactionsParams{
		AccountID: a.UserID,
		Limit:     1000,
	})
	require.NoError(t, err)
	return items
}

func (f *fixture) globalEntries(t *testing.T) []models.GlobalLogEntry {
	t.Helper()
	entries, err := f.master.ListGlobalLogs(context.Background(), 1000)
	require.NoError(t, err)
	return entries
}

func (f *fixture) sagaRow(t *testing.T, regionID int32, id uuid.UUID) models.SagaTransfer {
	t.Helper()
	s, err := f.memory[regionID].Queries().GetSaga(context.Background(), id)
	require.NoError(t, err)
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// flakyShard fails selected RunInTx calls (1-based) without running fn.
type flakyShard struct {
	repository.ShardStore
	mu     sync.Mutex
	calls  int
	failOn map[int]error
}

func failing(failOn map[int]error) func(repository.ShardStore) repository.ShardStore {
	return func(inner repository.ShardStore) repository.ShardStore {
		return &flakyShard{ShardStore: inner, failOn: failOn}
	}
}

func (s *flakyShard) RunInTx(ctx context.Context, fn func(q repository.Querier) error) error {
	s.mu.Lock()
	s.calls++
	err, fail := s.failOn[s.calls]
	s.mu.Unlock()
	if fail {
		return err
	}
	return s.ShardStore.RunInTx(ctx, fn)
}

// ackLostShard commits every transaction and then reports a failure, the way
// a dropped connection after COMMIT looks to the client.
type ackLostShard struct {
	repository.ShardStore
}

func (s ackLostShard) RunInTx(ctx context.Context, fn func(q repository.Querier) error) error {
	if err := s.ShardStore.RunInTx(ctx, fn); err != nil {
		return err
	}
	return errors.New("connection reset after commit")
}

// hookedShard runs before ahead of every transaction.
type hookedShard struct {
	repository.ShardStore
	before func()
}

func (s hookedShard) RunInTx(ctx context.Context, fn func(q repository.Querier) error) error {
	s.before()
	return s.ShardStore.RunInTx(ctx, fn)
}

// brokenQueries fails account creation.
type brokenQueries struct {
	repository.Querier
}

func (brokenQueries) CreateAccount(context.Context, uuid.UUID) (models.Account, error) {
	return models.Account{}, errors.New("shard is read-only")
}

type readOnlyShard struct {
	repository.ShardStore
}

func (s readOnlyShard) Queries() repository.Querier {
	return brokenQueries{s.ShardStore.Queries()}
}

type failingLogWriter struct{}

func (failingLogWriter) CreateGlobalLog(context.Context, *models.GlobalLogEntry) error {
	return errors.New("master store unavailable")
}

var errShardDown = errors.New("shard unavailable")

func statusOf(t *testing.T, f *fixture, regionID int32, id uuid.UUID) string {
	t.Helper()
	rec, err := f.memory[regionID].Queries().GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func globalEntryFor(a Actor) models.GlobalLogEntry {
	return models.GlobalLogEntry{
		Type:     domain.GlobalTypeTopUp,
		SenderID: &a.UserID,
		Amount:   decimal.NewFromInt(1),
		Status:   domain.GlobalStatusCompleted,
	}
}

// downShard is a configured region whose database is unreachable.
type downShard struct{}

func (downShard) Queries() repository.Querier { return downQueries{} }

func (downShard) RunInTx(context.Context, func(q repository.Querier) error) error {
	return errShardDown
}

func (downShard) Ping(context.Context) error { return errShardDown }

type downQueries struct {
	repository.Querier
}

func (downQueries) ListNegativeBalances(context.Context) ([]models.Account, error) {
	return nil, errShardDown
}

func (downQueries) ListSagasByState(context.Context, repository.ListSagasByStateParams) ([]models.SagaTransfer, error) {
	return nil, errShardDown
}

// blindShard cannot answer saga credit lookups, as during a network blip.
type blindShard struct {
	repository.ShardStore
}

func blind(inner repository.ShardStore) repository.ShardStore {
	return blindShard{ShardStore: inner}
}

func (s blindShard) Queries() repository.Querier {
	return blindQueries{s.ShardStore.Queries()}
}

type blindQueries struct {
	repository.Querier
}

var errLookupTimeout = errors.New("i/o timeout")

func (blindQueries) GetTransactionBySagaID(context.Context, uuid.UUID) (models.Transaction, error) {
	return models.Transaction{}, errLookupTimeout
}

// restore drops every wrapper installed for a region.
func (f *fixture) restore(regionID int32) {
	f.stores[regionID] = f.memory[regionID]
	f.rewire()
}
