package ledger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintbay/marketd/internal/domain"
	"github.com/mintbay/marketd/internal/registry"
)

var (
	marketAddr = common.HexToAddress("0x0000000000000000000000000000000000009999")
	platform   = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	collection = common.HexToAddress("0x0000000000000000000000000000000000001001")
	u1         = common.HexToAddress("0x0000000000000000000000000000000000000011")
	u2         = common.HexToAddress("0x0000000000000000000000000000000000000022")
	u3         = common.HexToAddress("0x0000000000000000000000000000000000000033")
)

// newMarket builds a ledger with one attached registry and an asset minted to
// u1, approved for marketplace custody.
func newMarket(t *testing.T, fee int64) (*Ledger, *registry.TokenRegistry, uint64) {
	t.Helper()

	l := New(marketAddr, platform, big.NewInt(fee))
	reg := registry.New(collection)
	l.AttachRegistry(reg)

	assetID, err := reg.Mint(u1, "ipfs://asset")
	require.NoError(t, err)
	require.NoError(t, reg.SetApprovalForAll(u1, marketAddr, true))

	return l, reg, assetID
}

func TestListItem(t *testing.T) {
	l, reg, assetID := newMarket(t, 10)

	listing, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), listing.ID)
	assert.Equal(t, u1, listing.Seller)
	assert.Equal(t, u1, listing.Holder)
	assert.False(t, listing.Sold)
	assert.Zero(t, listing.Price.Cmp(big.NewInt(100)))

	// Custody moved to the marketplace.
	owner, err := reg.OwnerOf(assetID)
	require.NoError(t, err)
	assert.Equal(t, marketAddr, owner)

	// Listing fee escrowed to the platform owner.
	assert.Zero(t, l.BalanceOf(platform).Cmp(big.NewInt(10)))
}

func TestListItemRejections(t *testing.T) {
	tests := []struct {
		name    string
		seller  common.Address
		price   *big.Int
		fee     *big.Int
		wantErr error
	}{
		{"zero price", u1, big.NewInt(0), big.NewInt(10), domain.ErrInvalidPrice},
		{"negative price", u1, big.NewInt(-5), big.NewInt(10), domain.ErrInvalidPrice},
		{"fee too low", u1, big.NewInt(100), big.NewInt(9), domain.ErrWrongFee},
		{"fee too high", u1, big.NewInt(100), big.NewInt(11), domain.ErrWrongFee},
		{"nil fee", u1, big.NewInt(100), nil, domain.ErrWrongFee},
		{"seller does not own asset", u2, big.NewInt(100), big.NewInt(10), domain.ErrNotOwner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, reg, assetID := newMarket(t, 10)

			_, err := l.ListItem(tt.seller, collection, assetID, tt.price, tt.fee)
			require.ErrorIs(t, err, tt.wantErr)

			// Failed listing leaves custody and balances untouched.
			owner, ownerErr := reg.OwnerOf(assetID)
			require.NoError(t, ownerErr)
			assert.Equal(t, u1, owner)
			assert.Zero(t, l.BalanceOf(platform).Sign())
			assert.Empty(t, l.UnsoldItems())
		})
	}
}

func TestListItemWithoutApproval(t *testing.T) {
	l := New(marketAddr, platform, big.NewInt(10))
	reg := registry.New(collection)
	l.AttachRegistry(reg)

	assetID, err := reg.Mint(u1, "ipfs://asset")
	require.NoError(t, err)

	// No SetApprovalForAll: the custody transfer must be rejected and the
	// ledger left unchanged.
	_, err = l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.ErrorIs(t, err, domain.ErrNotOwner)
	assert.Empty(t, l.UnsoldItems())
	assert.Zero(t, l.BalanceOf(platform).Sign())
}

func TestBuyItem(t *testing.T) {
	l, reg, assetID := newMarket(t, 10)

	listing, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)

	sold, err := l.BuyItem(u2, collection, listing.ID, big.NewInt(100))
	require.NoError(t, err)

	assert.True(t, sold.Sold)
	assert.Equal(t, u1, sold.Seller)
	assert.Equal(t, u2, sold.Holder)
	require.NotNil(t, sold.SoldAt)

	owner, err := reg.OwnerOf(assetID)
	require.NoError(t, err)
	assert.Equal(t, u2, owner)

	// Seller escrow credited by exactly the price.
	assert.Zero(t, l.BalanceOf(u1).Cmp(big.NewInt(100)))
}

func TestBuyItemRejections(t *testing.T) {
	l, reg, assetID := newMarket(t, 10)
	listing, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)

	tests := []struct {
		name    string
		buyer   common.Address
		addr    common.Address
		id      uint64
		payment *big.Int
		wantErr error
	}{
		{"unknown listing", u2, collection, 999, big.NewInt(100), domain.ErrUnknownListing},
		{"asset address mismatch", u2, u3, listing.ID, big.NewInt(100), domain.ErrInvalidInput},
		{"self purchase", u1, collection, listing.ID, big.NewInt(100), domain.ErrSelfPurchase},
		{"underpayment", u2, collection, listing.ID, big.NewInt(99), domain.ErrWrongPayment},
		{"overpayment", u2, collection, listing.ID, big.NewInt(101), domain.ErrWrongPayment},
		{"nil payment", u2, collection, listing.ID, nil, domain.ErrWrongPayment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.BuyItem(tt.buyer, tt.addr, tt.id, tt.payment)
			require.ErrorIs(t, err, tt.wantErr)

			// No transfer, no credit, listing still open.
			owner, ownerErr := reg.OwnerOf(assetID)
			require.NoError(t, ownerErr)
			assert.Equal(t, marketAddr, owner)
			assert.Zero(t, l.BalanceOf(u1).Sign())

			current, getErr := l.GetListing(listing.ID)
			require.NoError(t, getErr)
			assert.False(t, current.Sold)
		})
	}
}

func TestBuyItemTwiceFailsAlreadySold(t *testing.T) {
	l, _, assetID := newMarket(t, 10)
	listing, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)

	_, err = l.BuyItem(u2, collection, listing.ID, big.NewInt(100))
	require.NoError(t, err)

	_, err = l.BuyItem(u3, collection, listing.ID, big.NewInt(100))
	require.ErrorIs(t, err, domain.ErrAlreadySold)

	// First buyer keeps the sale.
	assert.Zero(t, l.BalanceOf(u1).Cmp(big.NewInt(100)))
}

func TestUpdateItemPrice(t *testing.T) {
	l, _, assetID := newMarket(t, 10)
	listing, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)

	updated, err := l.UpdateItemPrice(u1, listing.ID, big.NewInt(150))
	require.NoError(t, err)
	assert.Zero(t, updated.Price.Cmp(big.NewInt(150)))

	_, err = l.UpdateItemPrice(u2, listing.ID, big.NewInt(1))
	require.ErrorIs(t, err, domain.ErrNotSeller)

	_, err = l.UpdateItemPrice(u1, listing.ID, big.NewInt(0))
	require.ErrorIs(t, err, domain.ErrInvalidPrice)

	_, err = l.UpdateItemPrice(u1, 999, big.NewInt(1))
	require.ErrorIs(t, err, domain.ErrUnknownListing)
}

func TestUpdateItemPriceOnSoldListing(t *testing.T) {
	l, _, assetID := newMarket(t, 10)
	listing, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	_, err = l.BuyItem(u2, collection, listing.ID, big.NewInt(100))
	require.NoError(t, err)

	_, err = l.UpdateItemPrice(u2, listing.ID, big.NewInt(200))
	require.ErrorIs(t, err, domain.ErrAlreadySold)

	// Ledger state unchanged by the failed call.
	current, err := l.GetListing(listing.ID)
	require.NoError(t, err)
	assert.Zero(t, current.Price.Cmp(big.NewInt(100)))
	assert.True(t, current.Sold)
}

func TestResellProducesFreshListing(t *testing.T) {
	l, reg, assetID := newMarket(t, 10)

	first, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	_, err = l.BuyItem(u2, collection, first.ID, big.NewInt(100))
	require.NoError(t, err)

	// The buyer approves the marketplace and relists at a higher price.
	require.NoError(t, reg.SetApprovalForAll(u2, marketAddr, true))
	second, err := l.ResellItem(u2, collection, assetID, big.NewInt(150), big.NewInt(10))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, u2, second.Seller)
	assert.Equal(t, u2, second.Holder)
	assert.False(t, second.Sold)

	_, err = l.BuyItem(u3, collection, second.ID, big.NewInt(150))
	require.NoError(t, err)

	// Both listings terminal, final owner is the second buyer.
	firstNow, err := l.GetListing(first.ID)
	require.NoError(t, err)
	secondNow, err := l.GetListing(second.ID)
	require.NoError(t, err)
	assert.True(t, firstNow.Sold)
	assert.True(t, secondNow.Sold)

	owner, err := reg.OwnerOf(assetID)
	require.NoError(t, err)
	assert.Equal(t, u3, owner)
}

// TestMarketplaceScenario walks the full fee=10 flow: mint, list at 100, buy,
// resell at 150.
func TestMarketplaceScenario(t *testing.T) {
	l := New(marketAddr, platform, big.NewInt(10))
	reg := registry.New(collection)
	l.AttachRegistry(reg)

	assetID, err := reg.Mint(u1, "ipfs://scenario")
	require.NoError(t, err)
	require.NoError(t, reg.SetApprovalForAll(u1, marketAddr, true))

	l1, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, u1, l1.Seller)
	assert.Equal(t, u1, l1.Holder)
	assert.False(t, l1.Sold)

	owner, err := reg.OwnerOf(assetID)
	require.NoError(t, err)
	assert.Equal(t, marketAddr, owner)

	sold, err := l.BuyItem(u2, collection, l1.ID, big.NewInt(100))
	require.NoError(t, err)
	assert.True(t, sold.Sold)

	owner, err = reg.OwnerOf(assetID)
	require.NoError(t, err)
	assert.Equal(t, u2, owner)
	assert.Zero(t, l.BalanceOf(u1).Cmp(big.NewInt(100)))

	require.NoError(t, reg.SetApprovalForAll(u2, marketAddr, true))
	l2, err := l.ResellItem(u2, collection, assetID, big.NewInt(150), big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, u2, l2.Seller)
	assert.Equal(t, u2, l2.Holder)
	assert.Zero(t, l2.Price.Cmp(big.NewInt(150)))
	assert.False(t, l2.Sold)
}

func TestWithdraw(t *testing.T) {
	l, _, assetID := newMarket(t, 10)
	listing, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	_, err = l.BuyItem(u2, collection, listing.ID, big.NewInt(100))
	require.NoError(t, err)

	var paidTo common.Address
	var paidAmount *big.Int
	amount, err := l.Withdraw(u1, func(to common.Address, amt *big.Int) error {
		paidTo = to
		paidAmount = amt
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, amount.Cmp(big.NewInt(100)))
	assert.Equal(t, u1, paidTo)
	assert.Zero(t, paidAmount.Cmp(big.NewInt(100)))
	assert.Zero(t, l.BalanceOf(u1).Sign())

	// Second withdrawal finds nothing.
	_, err = l.Withdraw(u1, nil)
	require.ErrorIs(t, err, domain.ErrNoBalance)
	assert.Zero(t, l.BalanceOf(u1).Sign())
}

func TestWithdrawZeroesBalanceBeforePayout(t *testing.T) {
	l, _, assetID := newMarket(t, 10)
	listing, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	_, err = l.BuyItem(u2, collection, listing.ID, big.NewInt(100))
	require.NoError(t, err)

	// A reentrant recipient must observe a zero balance mid-payout.
	_, err = l.Withdraw(u1, func(common.Address, *big.Int) error {
		assert.Zero(t, l.BalanceOf(u1).Sign())
		return nil
	})
	require.NoError(t, err)
}

func TestWithdrawRestoresBalanceOnPayoutFailure(t *testing.T) {
	l, _, assetID := newMarket(t, 10)
	listing, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	_, err = l.BuyItem(u2, collection, listing.ID, big.NewInt(100))
	require.NoError(t, err)

	_, err = l.Withdraw(u1, func(common.Address, *big.Int) error {
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, l.BalanceOf(u1).Cmp(big.NewInt(100)))
}

func TestViews(t *testing.T) {
	l := New(marketAddr, platform, big.NewInt(10))
	reg := registry.New(collection)
	l.AttachRegistry(reg)

	a1, err := reg.Mint(u1, "ipfs://one")
	require.NoError(t, err)
	a2, err := reg.Mint(u1, "ipfs://two")
	require.NoError(t, err)
	require.NoError(t, reg.SetApprovalForAll(u1, marketAddr, true))

	l1, err := l.ListItem(u1, collection, a1, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	l2, err := l.ListItem(u1, collection, a2, big.NewInt(200), big.NewInt(10))
	require.NoError(t, err)

	unsold := l.UnsoldItems()
	require.Len(t, unsold, 2)
	assert.Equal(t, l1.ID, unsold[0].ID)
	assert.Equal(t, l2.ID, unsold[1].ID)

	_, err = l.BuyItem(u2, collection, l1.ID, big.NewInt(100))
	require.NoError(t, err)

	unsold = l.UnsoldItems()
	require.Len(t, unsold, 1)
	assert.Equal(t, l2.ID, unsold[0].ID)

	// Sold listings stay in the seller's history.
	mine := l.ListedBy(u1)
	assert.Len(t, mine, 2)
	assert.Empty(t, l.ListedBy(u2))

	purchased := l.PurchasedBy(u2)
	require.Len(t, purchased, 1)
	assert.Equal(t, l1.ID, purchased[0].ID)
	assert.Empty(t, l.PurchasedBy(u3))
}

func TestPurchasedByTracksCurrentOwnership(t *testing.T) {
	l, reg, assetID := newMarket(t, 10)

	first, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	_, err = l.BuyItem(u2, collection, first.ID, big.NewInt(100))
	require.NoError(t, err)
	require.Len(t, l.PurchasedBy(u2), 1)

	// After the resale chain completes, the first buyer no longer owns the
	// asset, so the view moves with registry ownership.
	require.NoError(t, reg.SetApprovalForAll(u2, marketAddr, true))
	second, err := l.ResellItem(u2, collection, assetID, big.NewInt(150), big.NewInt(10))
	require.NoError(t, err)
	_, err = l.BuyItem(u3, collection, second.ID, big.NewInt(150))
	require.NoError(t, err)

	assert.Empty(t, l.PurchasedBy(u2))
	assert.Len(t, l.PurchasedBy(u3), 2)
}

func TestRestoreRoundTrip(t *testing.T) {
	l, reg, assetID := newMarket(t, 10)
	listing, err := l.ListItem(u1, collection, assetID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	_, err = l.BuyItem(u2, collection, listing.ID, big.NewInt(100))
	require.NoError(t, err)

	restored := New(marketAddr, platform, big.NewInt(10))
	restored.AttachRegistry(reg)
	restored.Restore(l.Listings(), l.Balances())

	got, err := restored.GetListing(listing.ID)
	require.NoError(t, err)
	assert.True(t, got.Sold)
	assert.Zero(t, restored.BalanceOf(u1).Cmp(big.NewInt(100)))

	// Fresh listings continue after the highest restored identifier.
	require.NoError(t, reg.SetApprovalForAll(u2, marketAddr, true))
	next, err := restored.ResellItem(u2, collection, assetID, big.NewInt(150), big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, listing.ID+1, next.ID)
}
