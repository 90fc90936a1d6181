package service

import (
	"context"
	"testing"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/domain"
	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crashAfterDebit leaves a saga exactly where a process crash between step 1
// and step 2 would.
func crashAfterDebit(t *testing.T, f *fixture, sender, receiver Actor, amount string) models.SagaTransfer {
	t.Helper()
	saga, _, err := f.saga.debit(context.Background(),
		SagaParty{UserID: sender.UserID, Username: sender.Username, RegionID: sender.RegionID, Store: f.stores[sender.RegionID]},
		SagaParty{UserID: receiver.UserID, Username: receiver.Username, RegionID: receiver.RegionID, Store: f.stores[receiver.RegionID]},
		dec(amount), nil)
	require.NoError(t, err)
	return saga
}

func TestRecoveryCompensatesCrashedSaga(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	saga := crashAfterDebit(t, f, alice, bob, "40")
	require.True(t, f.balance(t, alice).Equal(dec("60")))

	report, err := f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Scanned: 1, Compensated: 1}, report)

	assert.True(t, f.balance(t, alice).Equal(dec("100")))
	assert.True(t, f.balance(t, bob).Equal(dec("5")))
	assert.Equal(t, domain.SagaCompensated, f.sagaRow(t, 1, saga.ID).State)
	assert.Equal(t, domain.TxStatusSagaFailedCompensated, statusOf(t, f, 1, saga.DebitTransactionID))

	entries := f.globalEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.GlobalTypeSagaCompensation, entries[0].Type)

	// A second pass finds nothing.
	report, err = f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestRecoveryFinalizesLandedCredit(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	saga := crashAfterDebit(t, f, alice, bob, "40")
	require.NoError(t, f.saga.credit(context.Background(), saga, f.stores[2]))

	report, err := f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Scanned: 1, Finalized: 1}, report)

	assert.True(t, f.balance(t, alice).Equal(dec("60")))
	assert.True(t, f.balance(t, bob).Equal(dec("45")))
	assert.Equal(t, domain.SagaFinalized, f.sagaRow(t, 1, saga.ID).State)
	assert.Equal(t, domain.TxStatusCompleted, statusOf(t, f, 1, saga.DebitTransactionID))

	entries := f.globalEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.GlobalTypeTransfer, entries[0].Type)
}

func TestRecoveryIgnoresFreshSagas(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	crashAfterDebit(t, f, alice, bob, "40")

	recovery := NewSagaRecoveryService(f.router, f.saga, time.Hour)
	report, err := recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.True(t, f.balance(t, alice).Equal(dec("60")))
}

func TestRecoveryRespectsBatch(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "0")
	for i := 0; i < 3; i++ {
		crashAfterDebit(t, f, alice, bob, "10")
	}

	report, err := f.recovery.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Compensated)

	report, err = f.recovery.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Compensated)
	assert.True(t, f.balance(t, alice).Equal(dec("100")))
}

func TestRecoveryRecordsCompensationFailure(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	saga := crashAfterDebit(t, f, alice, bob, "40")
	// Call 1 moves the saga to COMPENSATING, call 2 is the reversal.
	f.wrap(1, failing(map[int]error{2: errShardDown}))

	report, err := f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CompensationFailed)
	assert.Equal(t, domain.SagaCompensationFailed, f.sagaRow(t, 1, saga.ID).State)
	assert.True(t, f.balance(t, alice).Equal(dec("60")))
}

func TestRecoveryNeverRetriesAFailedReversal(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	saga := crashAfterDebit(t, f, alice, bob, "40")
	f.wrap(1, failing(map[int]error{2: errShardDown, 3: errShardDown}))

	report, err := f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CompensationFailed)
	assert.Equal(t, domain.SagaCompensating, f.sagaRow(t, 1, saga.ID).State)

	report, err = f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.True(t, f.balance(t, alice).Equal(dec("60")))
}

func TestRecoveryRetriesCompensationThatCouldNotStart(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	saga := crashAfterDebit(t, f, alice, bob, "40")
	f.wrap(1, failing(map[int]error{1: errShardDown}))

	report, err := f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Scanned: 1, Skipped: 1}, report)
	assert.Equal(t, domain.SagaDebited, f.sagaRow(t, 1, saga.ID).State)
	assert.True(t, f.balance(t, alice).Equal(dec("60")))

	report, err = f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Scanned: 1, Compensated: 1}, report)
	assert.True(t, f.balance(t, alice).Equal(dec("100")))
}

func TestRecoverySkipsSagaWhenCreditLookupFails(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	saga := crashAfterDebit(t, f, alice, bob, "40")
	require.NoError(t, f.saga.credit(context.Background(), saga, f.stores[2]))
	f.wrap(2, blind)

	report, err := f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Scanned: 1, Skipped: 1}, report)
	assert.Equal(t, domain.SagaDebited, f.sagaRow(t, 1, saga.ID).State)
	total := f.balance(t, alice).Add(f.balance(t, bob))
	assert.True(t, total.Equal(dec("105")), "total %s", total)

	f.restore(2)
	report, err = f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Scanned: 1, Finalized: 1}, report)
	assert.True(t, f.balance(t, alice).Equal(dec("60")))
	assert.True(t, f.balance(t, bob).Equal(dec("45")))
}

func TestRecoveryContinuesPastUnreachableShard(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	crashAfterDebit(t, f, alice, bob, "40")
	f.stores[3] = downShard{}
	f.rewire()

	report, err := f.recovery.Run(context.Background(), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, errShardDown)
	assert.Equal(t, 1, report.Compensated)
	assert.True(t, f.balance(t, alice).Equal(dec("100")))
}
