package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/ayo6706/sharded-wallet/internal/config"
	"github.com/ayo6706/sharded-wallet/internal/db"
	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/ayo6706/sharded-wallet/internal/repository"
	"github.com/ayo6706/sharded-wallet/internal/shard"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type storage struct {
	master repository.MasterStore
	shards *shard.Router
	pools  []*pgxpool.Pool
}

func (s *storage) Close() {
	for _, p := range s.pools {
		p.Close()
	}
}

// openStorage builds the master store and one ledger store per region and
// registers every region in the catalog.
func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	var (
		st  *storage
		err error
	)
	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		st = openMemory(cfg)
	case config.StorageDriverPostgres:
		st, err = openPostgres(ctx, cfg)
	default:
		err = fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
	if err != nil {
		return nil, err
	}

	for _, id := range cfg.Regions() {
		if err := st.master.CreateRegion(ctx, models.Region{ID: id, Name: fmt.Sprintf("region-%d", id)}); err != nil {
			st.Close()
			return nil, fmt.Errorf("register region %d: %w", id, err)
		}
	}
	return st, nil
}

func openMemory(cfg *config.Config) *storage {
	zap.L().Warn("using in-memory storage; balances are lost on restart")
	shards := make(map[int32]repository.ShardStore, len(cfg.MemoryRegions))
	for _, id := range cfg.MemoryRegions {
		shards[id] = repository.NewMemoryShard()
	}
	return &storage{
		master: repository.NewMemoryMaster(),
		shards: shard.NewRouter(shards),
	}
}

func openPostgres(ctx context.Context, cfg *config.Config) (*storage, error) {
	opts := db.Options{MaxConns: cfg.DBMaxConns, LockTimeout: cfg.LockTimeout}
	st := &storage{}

	masterPool, err := db.Connect(ctx, cfg.MasterDatabaseURL, opts)
	if err != nil {
		return nil, fmt.Errorf("connect master: %w", err)
	}
	st.pools = append(st.pools, masterPool)
	if cfg.AutoMigrate {
		if err := db.EnsureMasterSchema(ctx, masterPool); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate master: %w", err)
		}
	}

	var mu sync.Mutex
	shards := make(map[int32]repository.ShardStore, len(cfg.ShardDatabaseURLs))
	g, gctx := errgroup.WithContext(ctx)
	for regionID, url := range cfg.ShardDatabaseURLs {
		regionID, url := regionID, url
		g.Go(func() error {
			pool, err := db.Connect(gctx, url, opts)
			if err != nil {
				return fmt.Errorf("connect shard %d: %w", regionID, err)
			}
			mu.Lock()
			st.pools = append(st.pools, pool)
			shards[regionID] = repository.NewStore(pool)
			mu.Unlock()
			if cfg.AutoMigrate {
				if err := db.EnsureShardSchema(gctx, pool); err != nil {
					return fmt.Errorf("migrate shard %d: %w", regionID, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		st.Close()
		return nil, err
	}

	st.master = repository.NewMaster(masterPool)
	st.shards = shard.NewRouter(shards)
	return st, nil
}
