// Package registry implements the asset registry: token identity, custody,
// and approval delegation for a single collection. It is the in-process
// equivalent of an ERC-721 contract; the listing ledger consumes it through
// the domain.AssetRegistry interface only.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mintbay/marketd/internal/domain"
)

// TransferObserver is invoked after a completed ownership reassignment, with
// the registry lock released. Mint reports from as the zero address.
type TransferObserver func(from, to common.Address, assetID uint64)

// TokenRegistry owns the asset arena for one collection. All operations are
// serialized by a single lock: custody is exclusive and a transfer is atomic
// relative to concurrent transfer attempts on the same asset.
type TokenRegistry struct {
	addr common.Address

	mu        sync.Mutex
	nextID    uint64
	assets    map[uint64]*domain.Asset
	balances  map[common.Address]int
	approved  map[uint64]common.Address                 // per-token operator
	operators map[common.Address]map[common.Address]bool // owner -> operator -> approved

	observer TransferObserver
}

// New creates an empty TokenRegistry identified by addr. Asset identifiers
// start at 1.
func New(addr common.Address) *TokenRegistry {
	return &TokenRegistry{
		addr:      addr,
		nextID:    1,
		assets:    make(map[uint64]*domain.Asset),
		balances:  make(map[common.Address]int),
		approved:  make(map[uint64]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

// WithObserver attaches a transfer observer and returns the registry.
func (r *TokenRegistry) WithObserver(fn TransferObserver) *TokenRegistry {
	r.observer = fn
	return r
}

// Address returns the collection identifier used on the wire.
func (r *TokenRegistry) Address() common.Address {
	return r.addr
}

// Mint creates a new asset owned by the caller and returns its identifier.
func (r *TokenRegistry) Mint(caller common.Address, tokenURI string) (uint64, error) {
	if tokenURI == "" {
		return 0, fmt.Errorf("registry: empty token URI: %w", domain.ErrInvalidInput)
	}
	if caller == (common.Address{}) {
		return 0, fmt.Errorf("registry: zero mint address: %w", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.assets[id] = &domain.Asset{
		ID:       id,
		Owner:    caller,
		TokenURI: tokenURI,
		Creator:  caller,
		MintedAt: time.Now().UTC(),
	}
	r.balances[caller]++
	r.mu.Unlock()

	r.notify(common.Address{}, caller, id)
	return id, nil
}

// OwnerOf returns the current owner of assetID.
func (r *TokenRegistry) OwnerOf(assetID uint64) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[assetID]
	if !ok {
		return common.Address{}, fmt.Errorf("registry: asset %d: %w", assetID, domain.ErrUnknownAsset)
	}
	return a.Owner, nil
}

// TokenURI returns the content reference of assetID.
func (r *TokenRegistry) TokenURI(assetID uint64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[assetID]
	if !ok {
		return "", fmt.Errorf("registry: asset %d: %w", assetID, domain.ErrUnknownAsset)
	}
	return a.TokenURI, nil
}

// BalanceOf returns how many assets the owner currently holds.
func (r *TokenRegistry) BalanceOf(owner common.Address) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[owner]
}

// Approve grants operator sale rights over a single asset. The caller must be
// the owner or an approved operator for the owner.
func (r *TokenRegistry) Approve(caller, operator common.Address, assetID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[assetID]
	if !ok {
		return fmt.Errorf("registry: asset %d: %w", assetID, domain.ErrUnknownAsset)
	}
	if caller != a.Owner && !r.operators[a.Owner][caller] {
		return fmt.Errorf("registry: approve asset %d: %w", assetID, domain.ErrNotOwner)
	}
	r.approved[assetID] = operator
	return nil
}

// GetApproved returns the per-token operator for assetID, or the zero address.
func (r *TokenRegistry) GetApproved(assetID uint64) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assets[assetID]; !ok {
		return common.Address{}, fmt.Errorf("registry: asset %d: %w", assetID, domain.ErrUnknownAsset)
	}
	return r.approved[assetID], nil
}

// SetApprovalForAll grants or revokes operator rights over every asset the
// caller owns, now and in the future.
func (r *TokenRegistry) SetApprovalForAll(caller, operator common.Address, approved bool) error {
	if operator == (common.Address{}) {
		return fmt.Errorf("registry: zero operator: %w", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if approved {
		if r.operators[caller] == nil {
			r.operators[caller] = make(map[common.Address]bool)
		}
		r.operators[caller][operator] = true
	} else {
		delete(r.operators[caller], operator)
	}
	return nil
}

// IsApprovedForAll reports whether operator may act on all of owner's assets.
func (r *TokenRegistry) IsApprovedForAll(owner, operator common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.operators[owner][operator]
}

// TransferFrom reassigns ownership of assetID from `from` to `to`. The
// operator must be the owner, the per-token approved operator, or an approved
// operator for the owner. The per-token approval is cleared on transfer.
func (r *TokenRegistry) TransferFrom(operator, from, to common.Address, assetID uint64) error {
	if to == (common.Address{}) {
		return fmt.Errorf("registry: transfer to zero address: %w", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	a, ok := r.assets[assetID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: asset %d: %w", assetID, domain.ErrUnknownAsset)
	}
	if a.Owner != from {
		r.mu.Unlock()
		return fmt.Errorf("registry: transfer asset %d from %s: %w", assetID, from.Hex(), domain.ErrNotOwner)
	}
	if operator != from && r.approved[assetID] != operator && !r.operators[from][operator] {
		r.mu.Unlock()
		return fmt.Errorf("registry: operator %s not approved for asset %d: %w", operator.Hex(), assetID, domain.ErrNotOwner)
	}

	a.Owner = to
	r.balances[from]--
	r.balances[to]++
	delete(r.approved, assetID)
	r.mu.Unlock()

	r.notify(from, to, assetID)
	return nil
}

// SafeTransferFrom behaves like TransferFrom; the data parameter is carried
// for ABI parity and ignored by the in-process registry.
func (r *TokenRegistry) SafeTransferFrom(operator, from, to common.Address, assetID uint64, _ []byte) error {
	return r.TransferFrom(operator, from, to, assetID)
}

// Snapshot returns a copy of every asset, ordered by identifier, for the
// persistence journal.
func (r *TokenRegistry) Snapshot() []domain.Asset {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Asset, 0, len(r.assets))
	for id := uint64(1); id < r.nextID; id++ {
		if a, ok := r.assets[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// Restore loads assets from the journal, replacing the arena. The next mint
// identifier continues after the highest restored one.
func (r *TokenRegistry) Restore(assets []domain.Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.assets = make(map[uint64]*domain.Asset, len(assets))
	r.balances = make(map[common.Address]int)
	r.approved = make(map[uint64]common.Address)
	r.nextID = 1
	for _, a := range assets {
		asset := a
		r.assets[asset.ID] = &asset
		r.balances[asset.Owner]++
		if asset.ID >= r.nextID {
			r.nextID = asset.ID + 1
		}
	}
}

func (r *TokenRegistry) notify(from, to common.Address, assetID uint64) {
	if r.observer != nil {
		r.observer(from, to, assetID)
	}
}

// Compile-time interface check.
var _ domain.AssetRegistry = (*TokenRegistry)(nil)
