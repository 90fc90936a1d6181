package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ayo6706/sharded-wallet/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPath = "/v1/transactions/topup"

func newCachedStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, repository.NewMemoryMaster(), time.Minute), mr
}

func okResponse(status int) Response {
	return Response{Status: status, ContentType: "application/json", Body: []byte(`{"ok":true}`)}
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint("POST", testPath, []byte(`{"amount":"1"}`))
	assert.Equal(t, base, Fingerprint("POST", testPath, []byte(`{"amount":"1"}`)))
	assert.NotEqual(t, base, Fingerprint("POST", testPath, []byte(`{"amount":"2"}`)))
	assert.NotEqual(t, base, Fingerprint("POST", "/v1/transactions/withdraw", []byte(`{"amount":"1"}`)))
}

func TestClaimCompleteReplay(t *testing.T) {
	store, mr := newCachedStore(t)
	ctx := context.Background()

	replay, err := store.Claim(ctx, "k1", "fp-a", "POST", testPath)
	require.NoError(t, err)
	require.Nil(t, replay)

	_, err = store.Claim(ctx, "k1", "fp-a", "POST", testPath)
	require.ErrorIs(t, err, ErrInProgress)
	_, err = store.Claim(ctx, "k1", "fp-b", "POST", testPath)
	require.ErrorIs(t, err, ErrHashMismatch)

	require.NoError(t, store.Complete(ctx, "k1", "fp-a", okResponse(201)))
	assert.True(t, mr.Exists(cacheNamespace+"k1"))

	replay, err = store.Claim(ctx, "k1", "fp-a", "POST", testPath)
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Equal(t, SourceCache, replay.Source)
	assert.Equal(t, 201, replay.Status)
	assert.JSONEq(t, `{"ok":true}`, string(replay.Body))

	_, err = store.Claim(ctx, "k1", "fp-b", "POST", testPath)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestClaimRefillsExpiredCache(t *testing.T) {
	store, mr := newCachedStore(t)
	ctx := context.Background()

	_, err := store.Claim(ctx, "k2", "fp", "POST", testPath)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "k2", "fp", okResponse(200)))

	mr.FastForward(2 * time.Minute)
	require.False(t, mr.Exists(cacheNamespace+"k2"))

	replay, err := store.Claim(ctx, "k2", "fp", "POST", testPath)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, replay.Source)
	assert.True(t, mr.Exists(cacheNamespace+"k2"))
}

func TestRedisOutageFallsBackToBackend(t *testing.T) {
	store, mr := newCachedStore(t)
	ctx := context.Background()

	_, err := store.Claim(ctx, "k3", "fp", "POST", testPath)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "k3", "fp", okResponse(200)))

	mr.Close()
	replay, err := store.Claim(ctx, "k3", "fp", "POST", testPath)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, replay.Source)
}

func TestStoreWithoutRedis(t *testing.T) {
	store := NewStore(nil, repository.NewMemoryMaster(), time.Minute)
	ctx := context.Background()

	_, err := store.Claim(ctx, "k4", "fp", "POST", testPath)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "k4", "fp", okResponse(200)))

	replay, err := store.Claim(ctx, "k4", "fp", "POST", testPath)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, replay.Source)
}

func TestReleaseFreesKey(t *testing.T) {
	store := NewStore(nil, repository.NewMemoryMaster(), time.Minute)
	ctx := context.Background()

	_, err := store.Claim(ctx, "k5", "fp", "POST", testPath)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "k5", "fp"))

	replay, err := store.Claim(ctx, "k5", "fp", "POST", testPath)
	require.NoError(t, err)
	assert.Nil(t, replay)
}

func TestAwait(t *testing.T) {
	store, _ := newCachedStore(t)
	ctx := context.Background()

	_, err := store.Claim(ctx, "k6", "fp", "POST", testPath)
	require.NoError(t, err)
	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = store.Complete(context.Background(), "k6", "fp", okResponse(200))
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	replay, err := store.Await(waitCtx, "k6", "fp")
	require.NoError(t, err)
	assert.Equal(t, 200, replay.Status)

	_, err = store.Claim(ctx, "k7", "fp", "POST", testPath)
	require.NoError(t, err)
	shortCtx, cancelShort := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancelShort()
	_, err = store.Await(shortCtx, "k7", "fp")
	assert.ErrorIs(t, err, ErrInProgress)
}
