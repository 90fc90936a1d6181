package service

import (
	"context"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/ayo6706/sharded-wallet/internal/observability"
	"github.com/ayo6706/sharded-wallet/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultGlobalLogTimeout = 2 * time.Second

// GlobalLogSync mirrors committed ledger movements into the master store.
// It never fails the caller: the regional records are the source of truth.
type GlobalLogSync struct {
	writer  GlobalLogWriter
	timeout time.Duration
}

func NewGlobalLogSync(writer GlobalLogWriter, timeout time.Duration) *GlobalLogSync {
	if timeout <= 0 {
		timeout = defaultGlobalLogTimeout
	}
	return &GlobalLogSync{writer: writer, timeout: timeout}
}

// Record appends entry and, when the regional record is known, links the new
// entry id back onto it. The write runs on its own deadline and survives the
// caller's cancellation.
func (s *GlobalLogSync) Record(ctx context.Context, entry models.GlobalLogEntry, shard repository.ShardStore, regionalID *uuid.UUID) {
	if s == nil || s.writer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.writer.CreateGlobalLog(ctx, &entry); err != nil {
		observability.IncrementGlobalLogFailure(entry.Type)
		zap.L().Error("global log sync failed",
			zap.String("type", entry.Type),
			zap.String("status", entry.Status),
			zap.Stringer("amount", entry.Amount),
			zap.Error(err),
		)
		return
	}

	if shard == nil || regionalID == nil {
		return
	}
	if err := shard.Queries().SetTransactionGlobalLogID(ctx, *regionalID, entry.ID); err != nil {
		zap.L().Warn("link global log entry failed",
			zap.Int64("global_log_id", entry.ID),
			zap.String("transaction_id", regionalID.String()),
			zap.Error(err),
		)
	}
}
