package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AssetStore journals minted assets and ownership changes. The in-memory
// registry is authoritative; the store exists for restart recovery and
// history queries.
type AssetStore interface {
	Upsert(ctx context.Context, registry common.Address, asset Asset) error
	GetByID(ctx context.Context, registry common.Address, assetID uint64) (Asset, error)
	ListByRegistry(ctx context.Context, registry common.Address) ([]Asset, error)
	Count(ctx context.Context) (int64, error)
}

// ListingStore journals listings and their state transitions.
type ListingStore interface {
	Upsert(ctx context.Context, listing Listing) error
	GetByID(ctx context.Context, id uint64) (Listing, error)
	ListAll(ctx context.Context) ([]Listing, error)
	ListSoldBefore(ctx context.Context, before time.Time) ([]Listing, error)
	Count(ctx context.Context) (int64, error)
}

// BalanceStore journals escrowed withdrawable balances per account. Live
// balance reads go to the ledger arena; the store is written behind and read
// back only at startup replay.
type BalanceStore interface {
	Set(ctx context.Context, account common.Address, amount *big.Int) error
	ListAll(ctx context.Context) (map[common.Address]*big.Int, error)
}

// MarketStats summarizes journal sizes alongside the live unsold count.
type MarketStats struct {
	Assets   int64 `json:"assets"`
	Listings int64 `json:"listings"`
	Unsold   int   `json:"unsold"`
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditStore persists an append-only audit log of accepted mutations.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
