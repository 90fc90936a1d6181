package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Options tunes a pool. Zero values keep the defaults.
type Options struct {
	MaxConns    int32
	MinConns    int32
	LockTimeout time.Duration
}

const (
	defaultMaxConns = 10
	defaultMinConns = 2
	connectTimeout  = 5 * time.Second
	applicationName = "sharded-wallet"
)

// Connect opens a pool against dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts Options) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns, cfg.MinConns = defaultMaxConns, defaultMinConns
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	cfg.MinConns = min(cfg.MinConns, cfg.MaxConns)
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	params := cfg.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = applicationName
	}
	// Row-lock waits fail with SQLSTATE 55P03 instead of blocking forever.
	if opts.LockTimeout > 0 {
		ms := opts.LockTimeout.Milliseconds()
		params["lock_timeout"] = strconv.FormatInt(ms, 10)
		params["statement_timeout"] = strconv.FormatInt(2*ms, 10)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
