package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/idempotency"
	"github.com/ayo6706/sharded-wallet/internal/repository"
	"github.com/ayo6706/sharded-wallet/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type idemHarness struct {
	handler http.Handler
	calls   *atomic.Int32
	actor   service.Actor
}

func newIdemHarness(t *testing.T, inner func(n int32, w http.ResponseWriter)) *idemHarness {
	t.Helper()
	store := idempotency.NewStore(nil, repository.NewMemoryMaster(), time.Minute)
	calls := &atomic.Int32{}
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		inner(calls.Add(1), w)
	})
	return &idemHarness{
		handler: IdempotencyMiddleware(store, zap.NewNop(), false)(next),
		calls:   calls,
		actor:   service.Actor{UserID: uuid.New(), RegionID: 1},
	}
}

func (h *idemHarness) post(body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/transactions/topup", strings.NewReader(body))
	req = req.WithContext(ContextWithActor(req.Context(), h.actor))
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func TestIdempotencyReplaysFinishedResponse(t *testing.T) {
	h := newIdemHarness(t, func(_ int32, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"n":1}`))
	})

	first := h.post(`{"amount":"5"}`, "k")
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(replayHeader))

	second := h.post(`{"amount":"5"}`, "k")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, idempotency.SourceStore, second.Header().Get(replayHeader))
	assert.JSONEq(t, `{"n":1}`, second.Body.String())
	assert.EqualValues(t, 1, h.calls.Load())

	conflict := h.post(`{"amount":"6"}`, "k")
	assert.Equal(t, http.StatusConflict, conflict.Code)
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestIdempotencyReleasesRetryableResponses(t *testing.T) {
	h := newIdemHarness(t, func(n int32, w http.ResponseWriter) {
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	assert.Equal(t, http.StatusServiceUnavailable, h.post(`{}`, "k").Code)
	assert.Equal(t, http.StatusOK, h.post(`{}`, "k").Code)
	assert.Equal(t, http.StatusOK, h.post(`{}`, "k").Code)
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestIdempotencyReleasesKeyWhenHandlerPanics(t *testing.T) {
	h := newIdemHarness(t, func(n int32, w http.ResponseWriter) {
		if n == 1 {
			panic("boom")
		}
		w.WriteHeader(http.StatusOK)
	})

	assert.Panics(t, func() { h.post(`{}`, "k") })
	assert.Equal(t, http.StatusOK, h.post(`{}`, "k").Code)
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestIdempotencyWithoutKeyRunsEveryTime(t *testing.T) {
	h := newIdemHarness(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusOK)
	})

	h.post(`{}`, "")
	h.post(`{}`, "")
	assert.EqualValues(t, 2, h.calls.Load())

	w := h.post(`{}`, strings.Repeat("x", maxIdempotencyKeyLen+1))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestIdempotencyReleasesRetryAfterResponses(t *testing.T) {
	h := newIdemHarness(t, func(n int32, w http.ResponseWriter) {
		if n == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	assert.Equal(t, http.StatusConflict, h.post(`{}`, "k").Code)
	assert.Equal(t, http.StatusOK, h.post(`{}`, "k").Code)
	assert.EqualValues(t, 2, h.calls.Load())
}
