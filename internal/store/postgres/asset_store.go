package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mintbay/marketd/internal/domain"
)

// AssetStore implements domain.AssetStore using PostgreSQL.
type AssetStore struct {
	pool *pgxpool.Pool
}

// NewAssetStore creates a new AssetStore backed by the given connection pool.
func NewAssetStore(pool *pgxpool.Pool) *AssetStore {
	return &AssetStore{pool: pool}
}

var _ domain.AssetStore = (*AssetStore)(nil)

// Upsert inserts or updates a single asset row for the given registry.
func (s *AssetStore) Upsert(ctx context.Context, registry common.Address, asset domain.Asset) error {
	const query = `
		INSERT INTO assets (
			registry, asset_id, owner, token_uri, creator, minted_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (registry, asset_id) DO UPDATE SET
			owner      = EXCLUDED.owner,
			token_uri  = EXCLUDED.token_uri,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		registry.Hex(), asset.ID, asset.Owner.Hex(),
		asset.TokenURI, asset.Creator.Hex(), asset.MintedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert asset %d: %w", asset.ID, err)
	}
	return nil
}

// GetByID retrieves one asset of a registry by identifier.
func (s *AssetStore) GetByID(ctx context.Context, registry common.Address, assetID uint64) (domain.Asset, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT asset_id, owner, token_uri, creator, minted_at
		FROM assets WHERE registry = $1 AND asset_id = $2`,
		registry.Hex(), assetID)

	a, err := scanAsset(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Asset{}, domain.ErrNotFound
		}
		return domain.Asset{}, fmt.Errorf("postgres: get asset %d: %w", assetID, err)
	}
	return a, nil
}

// ListByRegistry returns every journaled asset of a registry ordered by
// identifier, for startup replay.
func (s *AssetStore) ListByRegistry(ctx context.Context, registry common.Address) ([]domain.Asset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT asset_id, owner, token_uri, creator, minted_at
		FROM assets WHERE registry = $1 ORDER BY asset_id`,
		registry.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list assets: %w", err)
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list assets rows: %w", err)
	}
	return assets, nil
}

// Count returns the total number of journaled assets.
func (s *AssetStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM assets").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count assets: %w", err)
	}
	return count, nil
}

// scanAsset scans a single asset row into a domain.Asset.
func scanAsset(row pgx.Row) (domain.Asset, error) {
	var a domain.Asset
	var owner, creator string
	if err := row.Scan(&a.ID, &owner, &a.TokenURI, &creator, &a.MintedAt); err != nil {
		return domain.Asset{}, err
	}
	a.Owner = common.HexToAddress(owner)
	a.Creator = common.HexToAddress(creator)
	return a, nil
}
