package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	//go:embed sql/shard.sql
	shardSchema string
	//go:embed sql/master.sql
	masterSchema string
)

// EnsureShardSchema creates the regional ledger tables if they are missing.
func EnsureShardSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, shardSchema); err != nil {
		return fmt.Errorf("apply shard schema: %w", err)
	}
	return nil
}

// EnsureMasterSchema creates the catalog tables if they are missing.
func EnsureMasterSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, masterSchema); err != nil {
		return fmt.Errorf("apply master schema: %w", err)
	}
	return nil
}
