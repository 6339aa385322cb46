package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mintbay/marketd/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a new BalanceStore backed by the given connection pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

var _ domain.BalanceStore = (*BalanceStore)(nil)

// Set records an account's current withdrawable balance.
func (s *BalanceStore) Set(ctx context.Context, account common.Address, amount *big.Int) error {
	const query = `
		INSERT INTO balances (account, amount, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account) DO UPDATE SET
			amount     = EXCLUDED.amount,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query, account.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("postgres: set balance %s: %w", account.Hex(), err)
	}
	return nil
}

// ListAll returns every journaled balance, for startup replay.
func (s *BalanceStore) ListAll(ctx context.Context) (map[common.Address]*big.Int, error) {
	rows, err := s.pool.Query(ctx, `SELECT account, amount::TEXT FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[common.Address]*big.Int)
	for rows.Next() {
		var account, amount string
		if err := rows.Scan(&account, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		bal, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("postgres: invalid balance %q for %s", amount, account)
		}
		balances[common.HexToAddress(account)] = bal
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: balance rows: %w", err)
	}
	return balances, nil
}
