// Package shard maps region ids to their regional ledger stores.
package shard

import (
	"context"
	"fmt"
	"sort"

	"github.com/ayo6706/sharded-wallet/internal/domain"
	"github.com/ayo6706/sharded-wallet/internal/repository"
	"golang.org/x/sync/errgroup"
)

// Router is a fixed lookup table built at startup. It is read-only after
// construction and safe for concurrent use.
type Router struct {
	shards map[int32]repository.ShardStore
}

func NewRouter(shards map[int32]repository.ShardStore) *Router {
	table := make(map[int32]repository.ShardStore, len(shards))
	for id, s := range shards {
		if s != nil {
			table[id] = s
		}
	}
	return &Router{shards: table}
}

// Resolve returns the store for a region or ErrRegionNotConfigured.
func (r *Router) Resolve(regionID int32) (repository.ShardStore, error) {
	s, ok := r.shards[regionID]
	if !ok {
		return nil, fmt.Errorf("%w: region %d", domain.ErrRegionNotConfigured, regionID)
	}
	return s, nil
}

// Regions returns the configured region ids in ascending order.
func (r *Router) Regions() []int32 {
	ids := make([]int32, 0, len(r.shards))
	for id := range r.shards {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Each runs fn for every shard concurrently and returns the first error.
func (r *Router) Each(ctx context.Context, fn func(ctx context.Context, regionID int32, s repository.ShardStore) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range r.Regions() {
		id, s := id, r.shards[id]
		g.Go(func() error {
			return fn(gctx, id, s)
		})
	}
	return g.Wait()
}

// Ping checks every shard.
func (r *Router) Ping(ctx context.Context) error {
	return r.Each(ctx, func(ctx context.Context, regionID int32, s repository.ShardStore) error {
		if err := s.Ping(ctx); err != nil {
			return fmt.Errorf("shard %d: %w", regionID, err)
		}
		return nil
	})
}
