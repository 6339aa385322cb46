package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mintbay/marketd/internal/domain"
)

const (
	listingTTL = 5 * time.Minute
	// The unsold feed is the hottest read path, so it gets a shorter TTL to
	// bound staleness after a purchase on another instance.
	unsoldFeedTTL = 30 * time.Second
)

// ListingCache implements domain.ListingCache using Redis strings with
// JSON-serialized listings and a precomputed unsold feed.
//
// Key schema:
//
//	listing:{id}    - JSON-encoded listing
//	listings:unsold - JSON-encoded array of unsold listings
type ListingCache struct {
	rdb *redis.Client
}

// NewListingCache creates a ListingCache backed by the given Client.
func NewListingCache(c *Client) *ListingCache {
	return &ListingCache{rdb: c.Underlying()}
}

func listingKey(id uint64) string { return "listing:" + strconv.FormatUint(id, 10) }

const unsoldFeedKey = "listings:unsold"

// Set stores a listing in the cache with a 5-minute TTL.
func (lc *ListingCache) Set(ctx context.Context, listing domain.Listing) error {
	data, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("redis: marshal listing %d: %w", listing.ID, err)
	}

	if err := lc.rdb.Set(ctx, listingKey(listing.ID), data, listingTTL).Err(); err != nil {
		return fmt.Errorf("redis: set listing %d: %w", listing.ID, err)
	}
	return nil
}

// Get retrieves a listing by its identifier from the cache.
// It returns domain.ErrNotFound when the key does not exist.
func (lc *ListingCache) Get(ctx context.Context, id uint64) (domain.Listing, error) {
	data, err := lc.rdb.Get(ctx, listingKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("redis: get listing %d: %w", id, err)
	}

	var listing domain.Listing
	if err := json.Unmarshal(data, &listing); err != nil {
		return domain.Listing{}, fmt.Errorf("redis: unmarshal listing %d: %w", id, err)
	}
	return listing, nil
}

// SetUnsoldFeed stores the precomputed unsold feed.
func (lc *ListingCache) SetUnsoldFeed(ctx context.Context, listings []domain.Listing) error {
	data, err := json.Marshal(listings)
	if err != nil {
		return fmt.Errorf("redis: marshal unsold feed: %w", err)
	}

	if err := lc.rdb.Set(ctx, unsoldFeedKey, data, unsoldFeedTTL).Err(); err != nil {
		return fmt.Errorf("redis: set unsold feed: %w", err)
	}
	return nil
}

// GetUnsoldFeed retrieves the precomputed unsold feed.
// It returns domain.ErrNotFound when the feed is not cached.
func (lc *ListingCache) GetUnsoldFeed(ctx context.Context) ([]domain.Listing, error) {
	data, err := lc.rdb.Get(ctx, unsoldFeedKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get unsold feed: %w", err)
	}

	var listings []domain.Listing
	if err := json.Unmarshal(data, &listings); err != nil {
		return nil, fmt.Errorf("redis: unmarshal unsold feed: %w", err)
	}
	return listings, nil
}

// Invalidate removes a listing and the unsold feed from the cache. The feed
// is dropped wholesale because any listing mutation can change it.
func (lc *ListingCache) Invalidate(ctx context.Context, id uint64) error {
	if err := lc.rdb.Del(ctx, listingKey(id), unsoldFeedKey).Err(); err != nil {
		return fmt.Errorf("redis: invalidate listing %d: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ListingCache = (*ListingCache)(nil)
