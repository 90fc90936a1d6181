package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/domain"
	"github.com/ayo6706/sharded-wallet/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrossShardTransferFinalizes(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")

	var pendingSeen bool
	f.wrap(2, func(inner repository.ShardStore) repository.ShardStore {
		return hookedShard{ShardStore: inner, before: func() {
			// Between debit and credit the sender record is pending.
			recs := f.records(t, alice)
			require.Len(t, recs, 1)
			assert.Equal(t, domain.TxStatusSagaPendingCredit, recs[0].Status)
			assert.True(t, f.balance(t, alice).Equal(dec("60")))
			pendingSeen = true
		}}
	})

	res, err := f.transfers.Transfer(context.Background(), TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40")})
	require.NoError(t, err)
	require.True(t, pendingSeen)
	assert.Equal(t, domain.TransferModeCrossShard, res.Mode)
	require.NotNil(t, res.SagaID)
	assert.False(t, res.StatusDrift)
	assert.True(t, res.BalanceAfterSender.Equal(dec("60")))

	assert.True(t, f.balance(t, alice).Equal(dec("60")))
	assert.True(t, f.balance(t, bob).Equal(dec("45")))

	out := f.records(t, alice)
	require.Len(t, out, 1)
	assert.Equal(t, res.TransactionID, out[0].ID)
	assert.Equal(t, domain.TxTypeTransferOut, out[0].Type)
	assert.Equal(t, domain.TxStatusCompleted, out[0].Status)
	assert.Equal(t, int32(2), *out[0].CounterpartyRegionID)

	in := f.records(t, bob)
	require.Len(t, in, 1)
	assert.Equal(t, domain.TxTypeTransferIn, in[0].Type)
	require.NotNil(t, in[0].SagaID)
	assert.Equal(t, *res.SagaID, *in[0].SagaID)

	saga := f.sagaRow(t, 1, *res.SagaID)
	assert.Equal(t, domain.SagaFinalized, saga.State)
	assert.Equal(t, res.TransactionID, saga.DebitTransactionID)

	entries := f.globalEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.GlobalTypeTransfer, entries[0].Type)
	assert.Equal(t, int32(1), *entries[0].SourceRegionID)
	assert.Equal(t, int32(2), *entries[0].DestRegionID)
	assert.Equal(t, res.TransactionID, *entries[0].RegionalTransactionID)
	require.NotNil(t, out[0].GlobalLogID)
	assert.Equal(t, entries[0].ID, *out[0].GlobalLogID)
}

func TestCrossShardCreditFailureCompensates(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	f.wrap(2, failing(map[int]error{1: errShardDown}))

	_, err := f.transfers.Transfer(context.Background(), TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40")})
	require.Error(t, err)

	var failure *domain.SagaFailure
	require.ErrorAs(t, err, &failure)
	assert.True(t, failure.Compensated())
	assert.ErrorIs(t, err, domain.ErrSagaCreditFailed)
	assert.ErrorIs(t, err, errShardDown)
	assert.False(t, domain.IsCritical(err))

	assert.True(t, f.balance(t, alice).Equal(dec("100")))
	assert.True(t, f.balance(t, bob).Equal(dec("5")))
	assert.Empty(t, f.records(t, bob))

	out := f.records(t, alice)
	require.Len(t, out, 1)
	assert.Equal(t, domain.TxStatusSagaFailedCompensated, out[0].Status)
	assert.Contains(t, out[0].Note, "Compensation: credit to bob failed")
	assert.Contains(t, out[0].Note, errShardDown.Error())

	saga := f.sagaRow(t, 1, failure.SagaID)
	assert.Equal(t, domain.SagaCompensated, saga.State)
	assert.Contains(t, saga.LastError, errShardDown.Error())

	entries := f.globalEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.GlobalTypeSagaCompensation, entries[0].Type)
	assert.Equal(t, domain.GlobalStatusCompleted, entries[0].Status)
	assert.Contains(t, entries[0].Note, "balance restored to 100.00")
	out = f.records(t, alice)
	require.NotNil(t, out[0].GlobalLogID)
	assert.Equal(t, entries[0].ID, *out[0].GlobalLogID)
}

func TestCrossShardFinalizationDrift(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	// Call 1 is the debit, call 2 the finalization.
	f.wrap(1, failing(map[int]error{2: errShardDown}))

	res, err := f.transfers.Transfer(context.Background(), TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40")})
	require.NoError(t, err)
	assert.True(t, res.StatusDrift)

	assert.True(t, f.balance(t, alice).Equal(dec("60")))
	assert.True(t, f.balance(t, bob).Equal(dec("45")))
	assert.Equal(t, domain.TxStatusSagaPendingCredit, statusOf(t, f, 1, res.TransactionID))
	assert.Equal(t, domain.SagaDebited, f.sagaRow(t, 1, *res.SagaID).State)

	report, err := f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Finalized)
	assert.Equal(t, domain.TxStatusCompleted, statusOf(t, f, 1, res.TransactionID))
	assert.Equal(t, domain.SagaFinalized, f.sagaRow(t, 1, *res.SagaID).State)
	assert.True(t, f.balance(t, bob).Equal(dec("45")))
	assert.Len(t, f.globalEntries(t), 1)
}

func TestCrossShardCompensationFailureIsCritical(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	f.wrap(2, failing(map[int]error{1: errShardDown}))
	compErr := errors.New("source shard unavailable")
	// Source calls: 1 debit, 2 begin compensation, 3 reversal, 4 mark failed.
	f.wrap(1, failing(map[int]error{3: compErr}))

	_, err := f.transfers.Transfer(context.Background(), TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40")})
	require.Error(t, err)
	assert.True(t, domain.IsCritical(err))
	assert.ErrorIs(t, err, compErr)

	var failure *domain.SagaFailure
	require.ErrorAs(t, err, &failure)
	assert.False(t, failure.Compensated())

	// Funds are debited and credited nowhere.
	assert.True(t, f.balance(t, alice).Equal(dec("60")))
	assert.True(t, f.balance(t, bob).Equal(dec("5")))

	saga := f.sagaRow(t, 1, failure.SagaID)
	assert.Equal(t, domain.SagaCompensationFailed, saga.State)
	assert.Equal(t, domain.TxStatusSagaPendingCredit, statusOf(t, f, 1, saga.DebitTransactionID))

	entries := f.globalEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.GlobalTypeSagaCompensation, entries[0].Type)
	assert.Equal(t, domain.GlobalStatusFailed, entries[0].Status)
	assert.Contains(t, entries[0].Note, "CRITICAL")
	rec, err := f.memory[1].Queries().GetTransaction(context.Background(), saga.DebitTransactionID)
	require.NoError(t, err)
	require.NotNil(t, rec.GlobalLogID)
	assert.Equal(t, entries[0].ID, *rec.GlobalLogID)

	// Recovery leaves it for an operator.
	report, err := f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestCrossShardFailedCompensationIsNeverRetried(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	f.newUser(t, "bob", 2, "5")
	f.wrap(2, failing(map[int]error{1: errShardDown}))
	// The reversal and the attempt to record its failure both fail.
	f.wrap(1, failing(map[int]error{3: errShardDown, 4: errShardDown}))

	_, err := f.transfers.Transfer(context.Background(), TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40")})
	require.Error(t, err)
	assert.True(t, domain.IsCritical(err))
	var failure *domain.SagaFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, domain.SagaCompensating, f.sagaRow(t, 1, failure.SagaID).State)

	report, err := f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.True(t, f.balance(t, alice).Equal(dec("60")))

	for _, e := range f.globalEntries(t) {
		assert.Equal(t, domain.GlobalStatusFailed, e.Status)
	}
}

func TestCrossShardCompensationThatCannotStartIsLeftForRecovery(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	f.wrap(2, failing(map[int]error{1: errShardDown}))
	f.wrap(1, failing(map[int]error{2: errShardDown}))

	_, err := f.transfers.Transfer(context.Background(), TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40")})
	require.ErrorIs(t, err, domain.ErrSagaInProgress)

	sagas, err := f.memory[1].Queries().ListSagasByState(context.Background(), repository.ListSagasByStateParams{
		State:         domain.SagaDebited,
		UpdatedBefore: time.Now().Add(time.Minute),
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, sagas, 1)
	assert.True(t, f.balance(t, alice).Equal(dec("60")))
	assert.Empty(t, f.globalEntries(t))

	report, err := f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Scanned: 1, Compensated: 1}, report)
	assert.True(t, f.balance(t, alice).Equal(dec("100")))
	assert.True(t, f.balance(t, bob).Equal(dec("5")))
	assert.Equal(t, domain.SagaCompensated, f.sagaRow(t, 1, sagas[0].ID).State)
}

func TestCrossShardUnknownCreditOutcomeIsLeftForRecovery(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	// The credit commits, its ack is lost and the follow-up lookup fails.
	f.wrap(2, func(inner repository.ShardStore) repository.ShardStore {
		return blind(ackLostShard{ShardStore: inner})
	})

	_, err := f.transfers.Transfer(context.Background(), TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40")})
	require.ErrorIs(t, err, domain.ErrSagaInProgress)
	assert.False(t, domain.IsCritical(err))

	assert.True(t, f.balance(t, alice).Equal(dec("60")))
	assert.True(t, f.balance(t, bob).Equal(dec("45")))
	assert.Empty(t, f.globalEntries(t))

	f.restore(2)
	report, err := f.recovery.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Scanned: 1, Finalized: 1}, report)
	assert.True(t, f.balance(t, alice).Equal(dec("60")))
	assert.True(t, f.balance(t, bob).Equal(dec("45")))

	entries := f.globalEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.GlobalTypeTransfer, entries[0].Type)
}

func TestCrossShardCreditAckLost(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	f.wrap(2, func(inner repository.ShardStore) repository.ShardStore {
		return ackLostShard{ShardStore: inner}
	})

	res, err := f.transfers.Transfer(context.Background(), TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40")})
	require.NoError(t, err)
	assert.False(t, res.StatusDrift)

	assert.True(t, f.balance(t, alice).Equal(dec("60")))
	assert.True(t, f.balance(t, bob).Equal(dec("45")))
	assert.Equal(t, domain.SagaFinalized, f.sagaRow(t, 1, *res.SagaID).State)
}

func TestCrossShardPreflightRejectsBeforeDebit(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	f.memory[2].SetAccountActive(bob.UserID, false)

	_, err := f.transfers.Transfer(context.Background(), TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40")})
	require.ErrorIs(t, err, domain.ErrAccountInactive)

	_, err = f.saga.Execute(context.Background(),
		SagaParty{UserID: alice.UserID, Username: "alice", RegionID: 1, Store: f.stores[1]},
		SagaParty{UserID: uuid.New(), Username: "ghost", RegionID: 2, Store: f.stores[2]},
		dec("40"), nil)
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	assert.True(t, f.balance(t, alice).Equal(dec("100")))
	assert.Empty(t, f.records(t, alice))
	assert.Empty(t, f.globalEntries(t))
	count, err := f.memory[1].Queries().CountSagasByState(context.Background(), domain.SagaDebited)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCrossShardInsufficientFundsLeavesNoSaga(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "10")
	f.newUser(t, "bob", 2, "0")

	_, err := f.transfers.Transfer(context.Background(), TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40")})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.True(t, f.balance(t, alice).Equal(dec("10")))
	assert.Empty(t, f.records(t, alice))
	count, err := f.memory[1].Queries().CountSagasByState(context.Background(), domain.SagaDebited)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCrossShardSurvivesCancelledRequest(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.wrap(2, func(inner repository.ShardStore) repository.ShardStore {
		return hookedShard{ShardStore: inner, before: cancel}
	})

	res, err := f.transfers.Transfer(ctx, TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40")})
	require.NoError(t, err)
	assert.False(t, res.StatusDrift)
	assert.True(t, f.balance(t, alice).Equal(dec("60")))
	assert.True(t, f.balance(t, bob).Equal(dec("45")))
	assert.Equal(t, domain.SagaFinalized, f.sagaRow(t, 1, *res.SagaID).State)
}

func TestCrossShardReplayWithKey(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	req := TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40"), IdempotencyKey: "xs-1"}

	first, err := f.transfers.Transfer(context.Background(), req)
	require.NoError(t, err)
	second, err := f.transfers.Transfer(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, domain.TransferModeCrossShard, second.Mode)
	assert.Equal(t, *first.SagaID, *second.SagaID)
	assert.True(t, f.balance(t, alice).Equal(dec("60")))
	assert.True(t, f.balance(t, bob).Equal(dec("45")))
}

func TestCrossShardReplayOfCompensatedTransfer(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	f.newUser(t, "bob", 2, "5")
	f.wrap(2, failing(map[int]error{1: errShardDown}))
	req := TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40"), IdempotencyKey: "xs-2"}

	_, err := f.transfers.Transfer(context.Background(), req)
	var first *domain.SagaFailure
	require.ErrorAs(t, err, &first)

	_, err = f.transfers.Transfer(context.Background(), req)
	var replayed *domain.SagaFailure
	require.ErrorAs(t, err, &replayed)
	assert.Equal(t, first.SagaID, replayed.SagaID)
	assert.True(t, replayed.Compensated())
	assert.True(t, f.balance(t, alice).Equal(dec("100")))
}

func TestReplayOfPendingSagaReportsInProgress(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice", 1, "100")
	bob := f.newUser(t, "bob", 2, "5")
	key := "xs-3"

	// A crash right after the debit leaves the saga pending.
	_, _, err := f.saga.debit(context.Background(),
		SagaParty{UserID: alice.UserID, Username: "alice", RegionID: 1, Store: f.stores[1]},
		SagaParty{UserID: bob.UserID, Username: "bob", RegionID: 2, Store: f.stores[2]},
		dec("40"), &key)
	require.NoError(t, err)

	_, err = f.transfers.Transfer(context.Background(), TransferRequest{Actor: alice, RecipientUsername: "bob", Amount: dec("40"), IdempotencyKey: key})
	assert.ErrorIs(t, err, domain.ErrSagaInProgress)
	assert.True(t, f.balance(t, alice).Equal(dec("60")))
}
