// Package pgtest gives integration tests isolated Postgres databases on one
// shared server. The server is WALLET_TEST_DATABASE_URL when set, otherwise a
// testcontainers Postgres started on first use.
package pgtest

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const envDatabaseURL = "WALLET_TEST_DATABASE_URL"

var (
	startOnce sync.Once
	serverURL string
	startErr  error
	container *tcpostgres.PostgresContainer
	seq       atomic.Int64
)

// Main runs the package's tests and stops the shared container afterwards.
// Call it from TestMain.
func Main(m *testing.M) {
	code := m.Run()
	if container != nil {
		_ = container.Terminate(context.Background())
	}
	os.Exit(code)
}

func server(ctx context.Context) (string, error) {
	startOnce.Do(func() {
		if u := os.Getenv(envDatabaseURL); u != "" {
			serverURL = u
			return
		}
		container, startErr = tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("wallet"),
			tcpostgres.WithUsername("wallet"),
			tcpostgres.WithPassword("wallet"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if startErr != nil {
			return
		}
		serverURL, startErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	return serverURL, startErr
}

// NewDatabase creates an empty database and returns a pool on it. The pool
// is closed when the test ends.
func NewDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	base, err := server(ctx)
	require.NoError(t, err, "start postgres")

	admin, err := pgx.Connect(ctx, base)
	require.NoError(t, err)
	name := fmt.Sprintf("wallet_test_%d_%d", os.Getpid(), seq.Add(1))
	_, err = admin.Exec(ctx, "CREATE DATABASE "+name)
	require.NoError(t, admin.Close(ctx))
	require.NoError(t, err, "create database %s", name)

	u, err := url.Parse(base)
	require.NoError(t, err)
	u.Path = "/" + name

	pool, err := db.Connect(ctx, u.String(), db.Options{MaxConns: 20, LockTimeout: 3 * time.Second})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// NewShard returns a pool on a fresh database carrying the ledger schema.
func NewShard(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool := NewDatabase(t)
	require.NoError(t, db.EnsureShardSchema(context.Background(), pool))
	return pool
}

// NewMaster returns a pool on a fresh database carrying the catalog schema.
func NewMaster(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool := NewDatabase(t)
	require.NoError(t, db.EnsureMasterSchema(context.Background(), pool))
	return pool
}
