package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/mintbay/marketd/internal/domain"
)

// Query views are computed from the arena at the instant of the call; nothing
// is incrementally maintained. Results are ordered by listing identifier.

// UnsoldItems returns every listing still accepting purchases.
func (l *Ledger) UnsoldItems() []domain.Listing {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.Listing
	for id := uint64(1); id < l.nextID; id++ {
		if listing, ok := l.listings[id]; ok && !listing.Sold {
			out = append(out, listing.Clone())
		}
	}
	return out
}

// ListedBy returns every listing, sold or not, created by the account.
func (l *Ledger) ListedBy(account common.Address) []domain.Listing {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.Listing
	for id := uint64(1); id < l.nextID; id++ {
		if listing, ok := l.listings[id]; ok && listing.Seller == account {
			out = append(out, listing.Clone())
		}
	}
	return out
}

// PurchasedBy returns every sold listing whose asset the account currently
// owns in its registry. Assets resold and bought by someone else drop out of
// the view, matching current registry ownership rather than purchase history.
func (l *Ledger) PurchasedBy(account common.Address) []domain.Listing {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.Listing
	for id := uint64(1); id < l.nextID; id++ {
		listing, ok := l.listings[id]
		if !ok || !listing.Sold {
			continue
		}
		reg, ok := l.registries[listing.AssetAddress]
		if !ok {
			continue
		}
		owner, err := reg.OwnerOf(listing.AssetID)
		if err != nil || owner != account {
			continue
		}
		out = append(out, listing.Clone())
	}
	return out
}
