package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/api/problem"
	"github.com/ayo6706/sharded-wallet/internal/idempotency"
	"github.com/ayo6706/sharded-wallet/internal/observability"
	"go.uber.org/zap"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayHeader         = "X-Idempotent-Replay"
	maxIdempotencyKeyLen = 128
	awaitHolderTimeout   = 15 * time.Second
)

// IdempotencyMiddleware replays the recorded response for a repeated
// Idempotency-Key on POST requests. Keys are namespaced by the caller's user
// id. A request without a key runs unprotected unless required is set.
func IdempotencyMiddleware(store *idempotency.Store, logger *zap.Logger, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || store == nil {
				next.ServeHTTP(w, r)
				return
			}

			raw := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
			switch {
			case raw == "" && required:
				observability.IncrementIdempotencyEvent("missing_key")
				writeIdempotencyProblem(w, r, http.StatusBadRequest, "missing-key", idempotencyKeyHeader+" header is required")
				return
			case raw == "":
				observability.IncrementIdempotencyEvent("missing_key")
				next.ServeHTTP(w, r)
				return
			case len(raw) > maxIdempotencyKeyLen:
				writeIdempotencyProblem(w, r, http.StatusBadRequest, "invalid-key", idempotencyKeyHeader+" header is too long")
				return
			}

			body, err := io.ReadAll(r.Body)
			_ = r.Body.Close()
			if err != nil {
				problem.Write(w, r, http.StatusBadRequest, problem.Type("request/invalid-body"), http.StatusText(http.StatusBadRequest), "Failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := UserIDFromContext(r.Context()) + ":" + raw
			fp := idempotency.Fingerprint(r.Method, r.URL.Path, body)
			log := logger.With(zap.String("idempotency_key", key))

			replay, err := store.Claim(r.Context(), key, fp, r.Method, r.URL.Path)
			if errors.Is(err, idempotency.ErrInProgress) {
				ctx, cancel := context.WithTimeout(r.Context(), awaitHolderTimeout)
				replay, err = store.Await(ctx, key, fp)
				cancel()
			}
			switch {
			case errors.Is(err, idempotency.ErrHashMismatch):
				observability.IncrementIdempotencyEvent("hash_mismatch")
				writeIdempotencyProblem(w, r, http.StatusConflict, "key-conflict", "Idempotency-Key was already used with a different request")
				return
			case errors.Is(err, idempotency.ErrInProgress):
				observability.IncrementIdempotencyEvent("in_progress_conflict")
				writeIdempotencyProblem(w, r, http.StatusConflict, "in-progress", "a request with this Idempotency-Key is still being processed")
				return
			case err != nil:
				observability.IncrementIdempotencyEvent("store_error")
				log.Error("idempotency claim failed", zap.Error(err))
				writeIdempotencyProblem(w, r, http.StatusServiceUnavailable, "unavailable", "idempotency store unavailable", problem.WithRetryAfter(1))
				return
			case replay != nil:
				observability.IncrementIdempotencyEvent("replay")
				writeReplay(w, replay)
				return
			}

			observability.IncrementIdempotencyEvent("reserved")
			rec := &capturingWriter{ResponseWriter: w}
			settled := false
			defer func() {
				if settled {
					return
				}
				// The handler panicked; free the key before the panic unwinds.
				if err := store.Release(context.WithoutCancel(r.Context()), key, fp); err != nil {
					log.Warn("idempotency release failed", zap.Error(err))
				}
			}()
			next.ServeHTTP(rec, r)
			settled = true

			ctx := context.WithoutCancel(r.Context())
			if retryable(rec.statusCode(), rec.Header()) {
				observability.IncrementIdempotencyEvent("released")
				if err := store.Release(ctx, key, fp); err != nil {
					log.Warn("idempotency release failed", zap.Error(err))
				}
				return
			}
			resp := idempotency.Response{
				Status:      rec.statusCode(),
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.buf.Bytes(),
			}
			if resp.ContentType == "" {
				resp.ContentType = "application/json"
			}
			if err := store.Complete(ctx, key, fp, resp); err != nil {
				observability.IncrementIdempotencyEvent("complete_error")
				log.Warn("idempotency complete failed", zap.Error(err))
				return
			}
			observability.IncrementIdempotencyEvent("completed")
		})
	}
}

// retryable responses describe a transient condition, not an outcome, so
// they are not pinned to the key.
func retryable(status int, h http.Header) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		return true
	case h.Get("Retry-After") != "":
		return true
	}
	return false
}

func writeIdempotencyProblem(w http.ResponseWriter, r *http.Request, status int, kind, detail string, opts ...problem.Option) {
	problem.Write(w, r, status, problem.Type("idempotency/"+kind), http.StatusText(status), detail, opts...)
}

func writeReplay(w http.ResponseWriter, replay *idempotency.Replay) {
	h := w.Header()
	h.Set("Content-Type", replay.ContentType)
	h.Set(replayHeader, replay.Source)
	w.WriteHeader(replay.Status)
	_, _ = w.Write(replay.Body)
}

// capturingWriter tees the response so it can be stored under the key.
type capturingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *capturingWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *capturingWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *capturingWriter) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}
