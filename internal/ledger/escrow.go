package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mintbay/marketd/internal/domain"
)

// PayoutFunc performs the external value transfer that releases escrowed
// funds to an account. It runs after the ledger has already zeroed the
// balance, so a malicious recipient re-entering the marketplace observes the
// post-withdrawal state.
type PayoutFunc func(to common.Address, amount *big.Int) error

// credit adds amount to an account's withdrawable balance. Caller holds l.mu.
func (l *Ledger) credit(account common.Address, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	bal, ok := l.balances[account]
	if !ok {
		bal = new(big.Int)
		l.balances[account] = bal
	}
	bal.Add(bal, amount)
}

// debit subtracts amount from an account's balance. Caller holds l.mu and
// guarantees the balance covers the amount.
func (l *Ledger) debit(account common.Address, amount *big.Int) {
	if bal, ok := l.balances[account]; ok {
		bal.Sub(bal, amount)
	}
}

// BalanceOf returns the account's current withdrawable balance.
func (l *Ledger) BalanceOf(account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bal, ok := l.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Balances returns a copy of every non-zero balance, for the journal.
func (l *Ledger) Balances() map[common.Address]*big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[common.Address]*big.Int, len(l.balances))
	for account, bal := range l.balances {
		if bal.Sign() > 0 {
			out[account] = new(big.Int).Set(bal)
		}
	}
	return out
}

// Withdraw releases an account's accumulated balance. The balance is zeroed
// before the payout runs (checks-effects-interactions); if the payout fails
// the balance is restored and the error reported, leaving state unchanged.
// A nil payout settles the withdrawal internally.
func (l *Ledger) Withdraw(account common.Address, payout PayoutFunc) (*big.Int, error) {
	l.mu.Lock()

	bal, ok := l.balances[account]
	if !ok || bal.Sign() == 0 {
		l.mu.Unlock()
		return nil, fmt.Errorf("ledger: withdraw %s: %w", account.Hex(), domain.ErrNoBalance)
	}

	amount := new(big.Int).Set(bal)
	bal.SetInt64(0)
	l.mu.Unlock()

	if payout != nil {
		if err := payout(account, amount); err != nil {
			l.mu.Lock()
			l.credit(account, amount)
			l.mu.Unlock()
			return nil, fmt.Errorf("ledger: payout to %s: %w", account.Hex(), err)
		}
	}

	return amount, nil
}
