package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// ScoreCache implements domain.ScoreCache, storing each obligor snapshot as
// a JSON string at "janka:obligor:{address}".
type ScoreCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewScoreCache creates a ScoreCache. A zero ttl keeps entries until they
// are overwritten or invalidated.
func NewScoreCache(c *Client, ttl time.Duration) *ScoreCache {
	return &ScoreCache{rdb: c.Underlying(), ttl: ttl}
}

func obligorKey(address string) string {
	return keyPrefix + "obligor:" + address
}

func (sc *ScoreCache) SetSnapshot(ctx context.Context, snap domain.ObligorSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", snap.Address, err)
	}
	if err := sc.rdb.Set(ctx, obligorKey(snap.Address), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.Address, err)
	}
	return nil
}

// GetSnapshot returns domain.ErrNotFound on a miss.
func (sc *ScoreCache) GetSnapshot(ctx context.Context, address string) (domain.ObligorSnapshot, error) {
	data, err := sc.rdb.Get(ctx, obligorKey(address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ObligorSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ObligorSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", address, err)
	}

	var snap domain.ObligorSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.ObligorSnapshot{}, fmt.Errorf("redis: unmarshal snapshot %s: %w", address, err)
	}
	return snap, nil
}

func (sc *ScoreCache) Invalidate(ctx context.Context, address string) error {
	if err := sc.rdb.Del(ctx, obligorKey(address)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate %s: %w", address, err)
	}
	return nil
}

var _ domain.ScoreCache = (*ScoreCache)(nil)
