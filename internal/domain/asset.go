// Package domain defines the core marketplace types, the error taxonomy, and
// the store/cache interfaces implemented by the persistence and caching
// layers.
package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Asset is a uniquely identified non-fungible token. Identifiers are assigned
// monotonically at mint time and never reused. An asset has exactly one owner
// at any moment; ownership changes only through a completed transfer.
type Asset struct {
	ID       uint64         `json:"assetId"`
	Owner    common.Address `json:"owner"`
	TokenURI string         `json:"tokenUri"`
	Creator  common.Address `json:"creator"`
	MintedAt time.Time      `json:"mintedAt"`
}

// AssetRegistry is the custody capability the listing ledger depends on. The
// ledger never knows the concrete registry type, so multiple registries (one
// per token collection) can be traded on the same marketplace.
type AssetRegistry interface {
	// Address identifies the registry on the wire (the assetAddress field of
	// a serialized listing).
	Address() common.Address

	OwnerOf(assetID uint64) (common.Address, error)
	TokenURI(assetID uint64) (string, error)
	BalanceOf(owner common.Address) int

	// TransferFrom reassigns ownership of assetID from `from` to `to`. The
	// operator must be the owner, individually approved for the asset, or an
	// approved operator for `from`.
	TransferFrom(operator, from, to common.Address, assetID uint64) error
}
