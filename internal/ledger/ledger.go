// Package ledger implements the marketplace ledger: the listing state
// machine, the escrow and fee engine, and the derived query views. It is the
// in-process equivalent of the marketplace contract.
//
// The ledger is a single owned store mutated one transaction at a time. Every
// operation validates all preconditions first, applies its effects under one
// lock, and only afterwards touches anything external (payouts, journals,
// event buses). A failed operation leaves no partial state behind.
package ledger

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mintbay/marketd/internal/domain"
)

// Ledger tracks listings, escrowed balances, and the registries it is allowed
// to take custody on. It holds custody of every actively listed asset under
// its own marketplace address.
type Ledger struct {
	addr  common.Address // marketplace custody address
	owner common.Address // platform owner, receives listing fees
	fee   *big.Int

	mu         sync.Mutex
	nextID     uint64
	listings   map[uint64]*domain.Listing
	balances   map[common.Address]*big.Int
	registries map[common.Address]domain.AssetRegistry
}

// New creates an empty Ledger. The marketplace takes custody of listed assets
// under addr; listing fees are credited to owner's withdrawable balance. A
// nil fee means listing is free.
func New(addr, owner common.Address, fee *big.Int) *Ledger {
	if fee == nil {
		fee = new(big.Int)
	}
	return &Ledger{
		addr:       addr,
		owner:      owner,
		fee:        new(big.Int).Set(fee),
		nextID:     1,
		listings:   make(map[uint64]*domain.Listing),
		balances:   make(map[common.Address]*big.Int),
		registries: make(map[common.Address]domain.AssetRegistry),
	}
}

// AttachRegistry makes a token collection tradeable on this marketplace.
// Operations referencing an unattached asset address fail with ErrUnknownAsset.
func (l *Ledger) AttachRegistry(reg domain.AssetRegistry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registries[reg.Address()] = reg
}

// Address returns the marketplace custody address.
func (l *Ledger) Address() common.Address { return l.addr }

// Owner returns the platform owner account.
func (l *Ledger) Owner() common.Address { return l.owner }

// ListingFee returns the platform-wide fee collected once per listing.
func (l *Ledger) ListingFee() *big.Int {
	return new(big.Int).Set(l.fee)
}

// ListItem creates a new listing for an asset the seller owns. The seller
// must have approved the marketplace for custody transfer, the submitted fee
// must match the platform fee exactly, and the price must be positive.
// Custody of the asset moves to the marketplace for the lifetime of the
// listing; the fee is escrowed to the platform owner.
func (l *Ledger) ListItem(seller, assetAddr common.Address, assetID uint64, price, fee *big.Int) (domain.Listing, error) {
	if price == nil || price.Sign() <= 0 {
		return domain.Listing{}, fmt.Errorf("ledger: list asset %d: %w", assetID, domain.ErrInvalidPrice)
	}
	if fee == nil || fee.Cmp(l.fee) != 0 {
		return domain.Listing{}, fmt.Errorf("ledger: list asset %d: %w", assetID, domain.ErrWrongFee)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	reg, ok := l.registries[assetAddr]
	if !ok {
		return domain.Listing{}, fmt.Errorf("ledger: registry %s: %w", assetAddr.Hex(), domain.ErrUnknownAsset)
	}

	owner, err := reg.OwnerOf(assetID)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("ledger: list asset %d: %w", assetID, err)
	}
	if owner != seller {
		return domain.Listing{}, fmt.Errorf("ledger: list asset %d: %w", assetID, domain.ErrNotOwner)
	}

	// Custody transfer is the last fallible step before the entry is
	// created, so a rejected transfer (missing approval) leaves the ledger
	// untouched.
	if err := reg.TransferFrom(l.addr, seller, l.addr, assetID); err != nil {
		return domain.Listing{}, fmt.Errorf("ledger: escrow asset %d: %w", assetID, err)
	}

	id := l.nextID
	l.nextID++
	listing := &domain.Listing{
		ID:           id,
		AssetAddress: assetAddr,
		AssetID:      assetID,
		Seller:       seller,
		Holder:       seller,
		Price:        new(big.Int).Set(price),
		CreatedAt:    time.Now().UTC(),
	}
	l.listings[id] = listing

	l.credit(l.owner, fee)

	return listing.Clone(), nil
}

// UpdateItemPrice changes the asking price of an unsold listing. Only the
// current holder may reprice.
func (l *Ledger) UpdateItemPrice(caller common.Address, listingID uint64, newPrice *big.Int) (domain.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	listing, ok := l.listings[listingID]
	if !ok {
		return domain.Listing{}, fmt.Errorf("ledger: listing %d: %w", listingID, domain.ErrUnknownListing)
	}
	if listing.Sold {
		return domain.Listing{}, fmt.Errorf("ledger: listing %d: %w", listingID, domain.ErrAlreadySold)
	}
	if listing.Holder != caller {
		return domain.Listing{}, fmt.Errorf("ledger: listing %d: %w", listingID, domain.ErrNotSeller)
	}
	if newPrice == nil || newPrice.Sign() <= 0 {
		return domain.Listing{}, fmt.Errorf("ledger: listing %d: %w", listingID, domain.ErrInvalidPrice)
	}

	listing.Price.Set(newPrice)
	return listing.Clone(), nil
}

// BuyItem purchases an unsold listing. Payment must match the asking price
// exactly; overpayment is rejected rather than refunded, and a holder cannot
// buy their own listing. On success the listing reaches its terminal sold
// state, the sale proceeds are escrowed to the previous holder, and custody
// of the asset moves from the marketplace to the buyer.
func (l *Ledger) BuyItem(buyer, assetAddr common.Address, listingID uint64, payment *big.Int) (domain.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	listing, ok := l.listings[listingID]
	if !ok {
		return domain.Listing{}, fmt.Errorf("ledger: listing %d: %w", listingID, domain.ErrUnknownListing)
	}
	if listing.AssetAddress != assetAddr {
		return domain.Listing{}, fmt.Errorf("ledger: listing %d asset address mismatch: %w", listingID, domain.ErrInvalidInput)
	}
	if listing.Sold {
		return domain.Listing{}, fmt.Errorf("ledger: listing %d: %w", listingID, domain.ErrAlreadySold)
	}
	if buyer == listing.Holder {
		return domain.Listing{}, fmt.Errorf("ledger: listing %d: %w", listingID, domain.ErrSelfPurchase)
	}
	if payment == nil || payment.Cmp(listing.Price) != 0 {
		return domain.Listing{}, fmt.Errorf("ledger: listing %d: %w", listingID, domain.ErrWrongPayment)
	}

	reg, ok := l.registries[assetAddr]
	if !ok {
		return domain.Listing{}, fmt.Errorf("ledger: registry %s: %w", assetAddr.Hex(), domain.ErrUnknownAsset)
	}

	// Effects before interactions: the listing flips to sold and the
	// seller's balance is credited before custody leaves the marketplace,
	// so a reentrant call can never observe an unsold listing with released
	// custody or a stale balance.
	seller := listing.Holder
	now := time.Now().UTC()
	listing.Sold = true
	listing.Holder = buyer
	listing.SoldAt = &now

	l.credit(seller, payment)

	if err := reg.TransferFrom(l.addr, l.addr, buyer, listing.AssetID); err != nil {
		// The marketplace held custody, so this cannot fail for an attached
		// registry; restore the entry to keep the all-or-nothing contract.
		listing.Sold = false
		listing.Holder = seller
		listing.SoldAt = nil
		l.debit(seller, payment)
		return domain.Listing{}, fmt.Errorf("ledger: release asset %d: %w", listing.AssetID, err)
	}

	return listing.Clone(), nil
}

// ResellItem relists an asset the seller acquired through a previous
// purchase. It is a fresh listing with a new identifier; the sold entry for
// the earlier sale is untouched history.
func (l *Ledger) ResellItem(seller, assetAddr common.Address, assetID uint64, price, fee *big.Int) (domain.Listing, error) {
	return l.ListItem(seller, assetAddr, assetID, price, fee)
}

// GetListing returns a copy of the listing with the given identifier.
func (l *Ledger) GetListing(listingID uint64) (domain.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	listing, ok := l.listings[listingID]
	if !ok {
		return domain.Listing{}, fmt.Errorf("ledger: listing %d: %w", listingID, domain.ErrUnknownListing)
	}
	return listing.Clone(), nil
}

// Listings returns a copy of every listing ordered by identifier, for the
// persistence journal.
func (l *Ledger) Listings() []domain.Listing {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() []domain.Listing {
	out := make([]domain.Listing, 0, len(l.listings))
	for id := uint64(1); id < l.nextID; id++ {
		if listing, ok := l.listings[id]; ok {
			out = append(out, listing.Clone())
		}
	}
	return out
}

// Restore loads listings and balances from the journal, replacing the arena.
func (l *Ledger) Restore(listings []domain.Listing, balances map[common.Address]*big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.listings = make(map[uint64]*domain.Listing, len(listings))
	l.nextID = 1
	for _, listing := range listings {
		entry := listing.Clone()
		l.listings[entry.ID] = &entry
		if entry.ID >= l.nextID {
			l.nextID = entry.ID + 1
		}
	}

	l.balances = make(map[common.Address]*big.Int, len(balances))
	for account, amount := range balances {
		l.balances[account] = new(big.Int).Set(amount)
	}
}
