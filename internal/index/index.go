// Package index maintains the ordered fiat-volume leaderboard in Redis,
// backing it with a single sorted set keyed by total_usd.
package index

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const leaderboardKey = "indexer:leaderboard:total_usd"

// Ordered is the ordered-index port that the aggregator, reconciler,
// and rebuilder depend on, so each can be tested against an in-memory
// fake instead of a live Redis instance.
type Ordered interface {
	Upsert(ctx context.Context, address string, totalUSD float64) error
	Remove(ctx context.Context, address string) error
	Clear(ctx context.Context) error
	RankDesc(ctx context.Context, address string) (int64, bool, error)
	RangeDesc(ctx context.Context, offset, limit int64) ([]Entry, error)
	Card(ctx context.Context) (int64, error)
}

// Index is the ordered index of addresses by descending total fiat
// volume, per spec.md §4.5 and §6.
type Index struct {
	rdb *redis.Client
}

var _ Ordered = (*Index)(nil)

// New creates an Index from a redis:// connection URL.
func New(redisURL string) (*Index, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Index{rdb: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity to the Redis backend.
func (idx *Index) Ping(ctx context.Context) error {
	return idx.rdb.Ping(ctx).Err()
}

// Close releases the underlying Redis connection pool.
func (idx *Index) Close() error {
	return idx.rdb.Close()
}

// Upsert sets (or moves) an address's position in the index to reflect
// its current total fiat volume.
func (idx *Index) Upsert(ctx context.Context, address string, totalUSD float64) error {
	err := idx.rdb.ZAdd(ctx, leaderboardKey, redis.Z{Score: totalUSD, Member: address}).Err()
	if err != nil {
		return fmt.Errorf("index upsert: %w", err)
	}
	return nil
}

// Remove drops an address from the index entirely.
func (idx *Index) Remove(ctx context.Context, address string) error {
	if err := idx.rdb.ZRem(ctx, leaderboardKey, address).Err(); err != nil {
		return fmt.Errorf("index remove: %w", err)
	}
	return nil
}

// Clear empties the index, used before a full rebuild.
func (idx *Index) Clear(ctx context.Context) error {
	if err := idx.rdb.Del(ctx, leaderboardKey).Err(); err != nil {
		return fmt.Errorf("index clear: %w", err)
	}
	return nil
}

// RankDesc returns the zero-based rank of address in descending fiat
// volume order, or (-1, false) if the address is not indexed.
func (idx *Index) RankDesc(ctx context.Context, address string) (int64, bool, error) {
	rank, err := idx.rdb.ZRevRank(ctx, leaderboardKey, address).Result()
	if err == redis.Nil {
		return -1, false, nil
	}
	if err != nil {
		return -1, false, fmt.Errorf("index rank: %w", err)
	}
	return rank, true, nil
}

// Entry is one row of a leaderboard page.
type Entry struct {
	Address  string
	TotalUSD float64
}

// RangeDesc returns the [offset, offset+limit) window of the leaderboard
// in descending fiat volume order.
func (idx *Index) RangeDesc(ctx context.Context, offset, limit int64) ([]Entry, error) {
	start := offset
	stop := offset + limit - 1
	results, err := idx.rdb.ZRevRangeWithScores(ctx, leaderboardKey, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("index range: %w", err)
	}

	out := make([]Entry, 0, len(results))
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, Entry{Address: member, TotalUSD: z.Score})
	}
	return out, nil
}

// Card returns the number of addresses currently in the index.
func (idx *Index) Card(ctx context.Context) (int64, error) {
	n, err := idx.rdb.ZCard(ctx, leaderboardKey).Result()
	if err != nil {
		return 0, fmt.Errorf("index card: %w", err)
	}
	return n, nil
}
