package domain

import (
	"context"
	"time"
)

// ListingCache provides a fast read path for the public unsold feed. The
// ledger arena stays authoritative; the cache only backs the HTTP views.
type ListingCache interface {
	Set(ctx context.Context, listing Listing) error
	Get(ctx context.Context, id uint64) (Listing, error)
	SetUnsoldFeed(ctx context.Context, listings []Listing) error
	GetUnsoldFeed(ctx context.Context) ([]Listing, error)
	Invalidate(ctx context.Context, id uint64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. The archiver takes a lock so only
// one instance snapshots history at a time.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for ledger events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
