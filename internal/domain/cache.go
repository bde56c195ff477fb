package domain

import (
	"context"
	"time"
)

// ScoreCache provides fast access to the latest obligor snapshots.
type ScoreCache interface {
	SetSnapshot(ctx context.Context, snap ObligorSnapshot) error
	// GetSnapshot returns ErrNotFound on a cache miss.
	GetSnapshot(ctx context.Context, address string) (ObligorSnapshot, error)
	Invalidate(ctx context.Context, address string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
