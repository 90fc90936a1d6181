// Package idempotency stores the responses of keyed mutating requests so a
// retried request gets the original answer instead of running twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/repository"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrHashMismatch = errors.New("idempotency key reused with a different request")
	ErrInProgress   = errors.New("idempotency key in progress")
)

// Where a replayed response was read from. Sent back in X-Idempotent-Replay.
const (
	SourceCache = "redis"
	SourceStore = "store"
)

const (
	cacheNamespace = "wallet:idem:"
	pollInterval   = 50 * time.Millisecond
)

// Backend is the durable record of keys, normally the master catalog.
type Backend interface {
	GetIdempotencyKey(ctx context.Context, key string) (repository.IdempotencyKey, error)
	ReserveIdempotencyKey(ctx context.Context, arg repository.ReserveIdempotencyKeyParams) (bool, error)
	FinalizeIdempotencyKey(ctx context.Context, arg repository.FinalizeIdempotencyKeyParams) (repository.IdempotencyKey, error)
	ReleaseIdempotencyKey(ctx context.Context, key, requestHash string) error
}

type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Replay is a finished response and where it came from.
type Replay struct {
	Response
	Source string
}

// Fingerprint identifies a request for key-reuse checks.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Store keeps finished responses in the backend and mirrors them into Redis
// for ttl. Redis is optional and its failures only cost a backend read.
type Store struct {
	backend Backend
	cache   redis.Cmdable
	ttl     time.Duration
}

func NewStore(cache redis.Cmdable, backend Backend, ttl time.Duration) *Store {
	return &Store{backend: backend, cache: cache, ttl: ttl}
}

// Claim either returns the finished response recorded under key or reserves
// key for the caller, in which case the Replay is nil and the caller must
// Complete or Release it. A key held by an unfinished request returns
// ErrInProgress.
func (s *Store) Claim(ctx context.Context, key, fingerprint, method, path string) (*Replay, error) {
	replay, found, err := s.lookup(ctx, key, fingerprint)
	if err != nil || found {
		return replay, err
	}

	reserved, err := s.backend.ReserveIdempotencyKey(ctx, repository.ReserveIdempotencyKeyParams{
		IdempotencyKey: key,
		RequestHash:    fingerprint,
		Method:         method,
		Path:           path,
	})
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if reserved {
		return nil, nil
	}

	// Lost the insert race.
	replay, found, err = s.lookup(ctx, key, fingerprint)
	if err == nil && !found {
		err = ErrInProgress
	}
	return replay, err
}

// Complete records the response for a key reserved by Claim.
func (s *Store) Complete(ctx context.Context, key, fingerprint string, resp Response) error {
	_, err := s.backend.FinalizeIdempotencyKey(ctx, repository.FinalizeIdempotencyKeyParams{
		IdempotencyKey: key,
		RequestHash:    fingerprint,
		ResponseStatus: int32(resp.Status),
		ResponseBody:   resp.Body,
		ContentType:    resp.ContentType,
	})
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	s.remember(ctx, key, fingerprint, resp)
	return nil
}

// Release gives up a reservation without recording a response so the
// client can retry with the same key.
func (s *Store) Release(ctx context.Context, key, fingerprint string) error {
	if err := s.backend.ReleaseIdempotencyKey(ctx, key, fingerprint); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Await polls until the request holding key finishes. If the holder released
// the key instead, Await returns ErrInProgress once ctx expires.
func (s *Store) Await(ctx context.Context, key, fingerprint string) (*Replay, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		replay, found, err := s.lookup(ctx, key, fingerprint)
		if err == nil && found {
			return replay, nil
		}
		if err != nil && !errors.Is(err, ErrInProgress) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ErrInProgress
		case <-ticker.C:
		}
	}
}

// lookup reports found=false when nothing is recorded under key.
func (s *Store) lookup(ctx context.Context, key, fingerprint string) (*Replay, bool, error) {
	if replay, cachedFP, ok := s.recall(ctx, key); ok {
		if cachedFP != fingerprint {
			return nil, true, ErrHashMismatch
		}
		return replay, true, nil
	}

	row, err := s.backend.GetIdempotencyKey(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if row.RequestHash != fingerprint {
		return nil, true, ErrHashMismatch
	}
	if row.InProgress {
		return nil, true, ErrInProgress
	}

	resp := Response{
		Status:      int(row.ResponseStatus),
		ContentType: row.ContentType,
		Body:        row.ResponseBody,
	}
	s.remember(ctx, key, fingerprint, resp)
	return &Replay{Response: resp, Source: SourceStore}, true, nil
}

func (s *Store) recall(ctx context.Context, key string) (*Replay, string, bool) {
	if s.cache == nil {
		return nil, "", false
	}
	fields, err := s.cache.HGetAll(ctx, cacheNamespace+key).Result()
	if err != nil {
		zap.L().Warn("idempotency cache read failed", zap.String("key", key), zap.Error(err))
		return nil, "", false
	}
	if len(fields) == 0 {
		return nil, "", false
	}
	status, err := strconv.Atoi(fields["status"])
	if err != nil {
		return nil, "", false
	}
	return &Replay{
		Response: Response{
			Status:      status,
			ContentType: fields["content_type"],
			Body:        []byte(fields["body"]),
		},
		Source: SourceCache,
	}, fields["fingerprint"], true
}

func (s *Store) remember(ctx context.Context, key, fingerprint string, resp Response) {
	if s.cache == nil {
		return
	}
	k := cacheNamespace + key
	_, err := s.cache.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k,
			"fingerprint", fingerprint,
			"status", resp.Status,
			"content_type", resp.ContentType,
			"body", resp.Body,
		)
		pipe.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		zap.L().Warn("idempotency cache write failed", zap.String("key", key), zap.Error(err))
	}
}
