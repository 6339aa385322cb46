package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mintbay/marketd/internal/domain"
)

// ListingStore implements domain.ListingStore using PostgreSQL. Prices are
// stored as NUMERIC(78,0), wide enough for any uint256 wei amount.
type ListingStore struct {
	pool *pgxpool.Pool
}

// NewListingStore creates a new ListingStore backed by the given connection pool.
func NewListingStore(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

var _ domain.ListingStore = (*ListingStore)(nil)

const listingCols = `id, asset_address, asset_id, seller, holder, price::TEXT, sold, created_at, sold_at`

// Upsert inserts or updates a single listing row.
func (s *ListingStore) Upsert(ctx context.Context, listing domain.Listing) error {
	const query = `
		INSERT INTO listings (
			id, asset_address, asset_id, seller, holder,
			price, sold, created_at, sold_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			holder     = EXCLUDED.holder,
			price      = EXCLUDED.price,
			sold       = EXCLUDED.sold,
			sold_at    = EXCLUDED.sold_at,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		listing.ID, listing.AssetAddress.Hex(), listing.AssetID,
		listing.Seller.Hex(), listing.Holder.Hex(),
		listing.Price.String(), listing.Sold, listing.CreatedAt, listing.SoldAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert listing %d: %w", listing.ID, err)
	}
	return nil
}

// GetByID retrieves a listing by its identifier.
func (s *ListingStore) GetByID(ctx context.Context, id uint64) (domain.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: get listing %d: %w", id, err)
	}
	return l, nil
}

// ListAll returns every journaled listing ordered by identifier, for startup
// replay.
func (s *ListingStore) ListAll(ctx context.Context) ([]domain.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingCols+` FROM listings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings: %w", err)
	}
	defer rows.Close()

	return collectListings(rows)
}

// ListSoldBefore returns sold listings whose sale completed before the cutoff,
// ordered by identifier. Used by the cold-storage archiver.
func (s *ListingStore) ListSoldBefore(ctx context.Context, before time.Time) ([]domain.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingCols+` FROM listings WHERE sold AND sold_at < $1 ORDER BY id`,
		before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sold listings: %w", err)
	}
	defer rows.Close()

	return collectListings(rows)
}

// Count returns the total number of journaled listings.
func (s *ListingStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM listings").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count listings: %w", err)
	}
	return count, nil
}

func collectListings(rows pgx.Rows) ([]domain.Listing, error) {
	var listings []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: listing rows: %w", err)
	}
	return listings, nil
}

// scanListing scans a single listing row into a domain.Listing.
func scanListing(row pgx.Row) (domain.Listing, error) {
	var l domain.Listing
	var assetAddr, seller, holder, price string
	err := row.Scan(
		&l.ID, &assetAddr, &l.AssetID, &seller, &holder,
		&price, &l.Sold, &l.CreatedAt, &l.SoldAt,
	)
	if err != nil {
		return domain.Listing{}, err
	}
	l.AssetAddress = common.HexToAddress(assetAddr)
	l.Seller = common.HexToAddress(seller)
	l.Holder = common.HexToAddress(holder)
	l.Price, _ = new(big.Int).SetString(price, 10)
	if l.Price == nil {
		return domain.Listing{}, fmt.Errorf("invalid price %q for listing %d", price, l.ID)
	}
	return l, nil
}
