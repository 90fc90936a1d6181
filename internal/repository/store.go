package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is one shard's Postgres database.
type Store struct {
	pool *pgxpool.Pool
	q    *Queries
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: New(pool)}
}

var _ ShardStore = (*Store)(nil)

// Queries runs each statement in its own implicit transaction.
func (s *Store) Queries() Querier {
	return s.q
}

// RunInTx runs fn in a READ COMMITTED transaction. Row locks taken by fn
// with FOR UPDATE are held until fn returns; any error rolls back.
func (s *Store) RunInTx(ctx context.Context, fn func(q Querier) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(s.q.WithTx(tx))
	})
	return mapErr(err)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping shard: %w", err)
	}
	return nil
}
