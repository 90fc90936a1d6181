package service

import (
	"context"

	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/ayo6706/sharded-wallet/internal/repository"
	"github.com/google/uuid"
)

// ShardResolver maps a region to its ledger store.
type ShardResolver interface {
	Resolve(regionID int32) (repository.ShardStore, error)
	Regions() []int32
}

// Catalog is the read side of the master store used by the ledger.
type Catalog interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
}

// GlobalLogWriter appends entries to the global reconciliation log.
type GlobalLogWriter interface {
	CreateGlobalLog(ctx context.Context, e *models.GlobalLogEntry) error
}

// Actor is the authenticated caller as supplied by the auth layer.
type Actor struct {
	UserID   uuid.UUID
	RegionID int32
	Username string
}
