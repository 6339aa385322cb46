package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListingStatus represents the lifecycle state of a listing.
type ListingStatus string

const (
	ListingStatusListed ListingStatus = "listed"
	ListingStatusSold   ListingStatus = "sold"
)

// Listing is an offer to sell a specific asset at a specific price. A listing
// is created in the listed state, transitions to sold exactly once, and is
// never deleted; reselling an asset creates a brand-new listing. Identifiers
// are assigned monotonically at listing time.
//
// Seller is the account that created the listing. Holder carries the sale
// rights: it equals Seller while the listing is unsold and becomes the buyer
// on purchase. Price is a non-negative amount in the smallest indivisible
// currency unit (wei); no floating point anywhere on this path.
type Listing struct {
	ID           uint64         `json:"listingId"`
	AssetAddress common.Address `json:"assetAddress"`
	AssetID      uint64         `json:"assetId"`
	Seller       common.Address `json:"seller"`
	Holder       common.Address `json:"holder"`
	Price        *big.Int       `json:"price"`
	Sold         bool           `json:"sold"`
	CreatedAt    time.Time      `json:"createdAt"`
	SoldAt       *time.Time     `json:"soldAt,omitempty"`
}

// listingJSON is the wire form of a Listing. Price travels as a decimal
// string so the amount survives JSON consumers that parse numbers as floats.
type listingJSON struct {
	ID           uint64         `json:"listingId"`
	AssetAddress common.Address `json:"assetAddress"`
	AssetID      uint64         `json:"assetId"`
	Seller       common.Address `json:"seller"`
	Holder       common.Address `json:"holder"`
	Price        string         `json:"price"`
	Sold         bool           `json:"sold"`
	CreatedAt    time.Time      `json:"createdAt"`
	SoldAt       *time.Time     `json:"soldAt,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (l Listing) MarshalJSON() ([]byte, error) {
	price := "0"
	if l.Price != nil {
		price = l.Price.String()
	}
	return json.Marshal(listingJSON{
		ID:           l.ID,
		AssetAddress: l.AssetAddress,
		AssetID:      l.AssetID,
		Seller:       l.Seller,
		Holder:       l.Holder,
		Price:        price,
		Sold:         l.Sold,
		CreatedAt:    l.CreatedAt,
		SoldAt:       l.SoldAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *Listing) UnmarshalJSON(data []byte) error {
	var w listingJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	price := new(big.Int)
	if w.Price != "" {
		if _, ok := price.SetString(w.Price, 10); !ok {
			return fmt.Errorf("domain: listing price %q is not a decimal amount", w.Price)
		}
	}
	*l = Listing{
		ID:           w.ID,
		AssetAddress: w.AssetAddress,
		AssetID:      w.AssetID,
		Seller:       w.Seller,
		Holder:       w.Holder,
		Price:        price,
		Sold:         w.Sold,
		CreatedAt:    w.CreatedAt,
		SoldAt:       w.SoldAt,
	}
	return nil
}

// Status derives the lifecycle state from the sold flag.
func (l Listing) Status() ListingStatus {
	if l.Sold {
		return ListingStatusSold
	}
	return ListingStatusListed
}

// Clone returns a deep copy so callers can hand listings across goroutine
// boundaries without aliasing the ledger's big.Int.
func (l Listing) Clone() Listing {
	c := l
	if l.Price != nil {
		c.Price = new(big.Int).Set(l.Price)
	}
	if l.SoldAt != nil {
		t := *l.SoldAt
		c.SoldAt = &t
	}
	return c
}
