package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintbay/marketd/internal/domain"
)

var (
	testRegistry = common.HexToAddress("0x0000000000000000000000000000000000000002")
	testMarket   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice        = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	bob          = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

// fakeMarket satisfies TokenService, ListingService, WithdrawalService, and
// OpsService with canned responses.
type fakeMarket struct {
	asset       domain.Asset
	assetErr    error
	listing     domain.Listing
	listingErr  error
	unsold      []domain.Listing
	amount      *big.Int
	withdrawErr error
	fee         *big.Int
	tokens      int
	stats       domain.MarketStats
	auditRows   []domain.AuditEntry
	events      []domain.Event
	eventsErr   error
}

func (f *fakeMarket) MintToken(_ context.Context, _, _ common.Address, _ string) (domain.Asset, error) {
	return f.asset, f.assetErr
}

func (f *fakeMarket) GetAsset(_ context.Context, _ common.Address, _ uint64) (domain.Asset, error) {
	return f.asset, f.assetErr
}

func (f *fakeMarket) ApproveMarket(_ context.Context, _, _ common.Address, _ uint64) error {
	return f.assetErr
}

func (f *fakeMarket) SetApprovalForAll(_ context.Context, _, _ common.Address, _ bool) error {
	return f.assetErr
}

func (f *fakeMarket) TokenBalance(_, _ common.Address) (int, error) {
	return f.tokens, f.assetErr
}

func (f *fakeMarket) BalanceOf(_ common.Address) *big.Int {
	if f.amount == nil {
		return new(big.Int)
	}
	return f.amount
}

func (f *fakeMarket) ListItem(_ context.Context, _, _ common.Address, _ uint64, _, _ *big.Int) (domain.Listing, error) {
	return f.listing, f.listingErr
}

func (f *fakeMarket) UpdatePrice(_ context.Context, _ common.Address, _ uint64, _ *big.Int) (domain.Listing, error) {
	return f.listing, f.listingErr
}

func (f *fakeMarket) BuyItem(_ context.Context, _, _ common.Address, _ uint64, _ *big.Int) (domain.Listing, error) {
	return f.listing, f.listingErr
}

func (f *fakeMarket) ResellItem(_ context.Context, _, _ common.Address, _ uint64, _, _ *big.Int) (domain.Listing, error) {
	return f.listing, f.listingErr
}

func (f *fakeMarket) GetListing(_ context.Context, _ uint64) (domain.Listing, error) {
	return f.listing, f.listingErr
}

func (f *fakeMarket) UnsoldItems(_ context.Context) ([]domain.Listing, error) {
	return f.unsold, nil
}

func (f *fakeMarket) ListedBy(_ context.Context, _ common.Address) ([]domain.Listing, error) {
	return f.unsold, nil
}

func (f *fakeMarket) PurchasedBy(_ context.Context, _ common.Address) ([]domain.Listing, error) {
	return f.unsold, nil
}

func (f *fakeMarket) ListingFee() *big.Int {
	if f.fee == nil {
		return new(big.Int)
	}
	return f.fee
}

func (f *fakeMarket) MarketAddress() common.Address {
	return testMarket
}

func (f *fakeMarket) Withdraw(_ context.Context, _ common.Address) (*big.Int, error) {
	if f.withdrawErr != nil {
		return nil, f.withdrawErr
	}
	return f.amount, nil
}

func (f *fakeMarket) Stats(_ context.Context) (domain.MarketStats, error) {
	return f.stats, nil
}

func (f *fakeMarket) AuditTrail(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit < len(f.auditRows) {
		return f.auditRows[:limit], nil
	}
	return f.auditRows, nil
}

func (f *fakeMarket) EventsSince(_ context.Context, _, after string, _ int) ([]domain.Event, string, error) {
	if f.eventsErr != nil {
		return nil, "", f.eventsErr
	}
	cursor := after
	if len(f.events) > 0 {
		cursor = "1-0"
	}
	return f.events, cursor, nil
}

// newTestMux registers the API routes the same way the server does so path
// parameters resolve in tests.
func newTestMux(f *fakeMarket) *http.ServeMux {
	logger := slog.New(slog.DiscardHandler)
	tokens := NewTokenHandler(f, testRegistry, logger)
	listings := NewListingHandler(f, testRegistry, logger)
	withdrawals := NewWithdrawalHandler(f, logger)
	ops := NewOpsHandler(f, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tokens", tokens.MintToken)
	mux.HandleFunc("GET /api/tokens/{id}", tokens.GetToken)
	mux.HandleFunc("POST /api/tokens/{id}/approve", tokens.ApproveToken)
	mux.HandleFunc("POST /api/approvals", tokens.SetApprovalForAll)
	mux.HandleFunc("GET /api/accounts/{addr}/balance", tokens.GetBalance)
	mux.HandleFunc("GET /api/listings/fee", listings.GetFee)
	mux.HandleFunc("GET /api/listings", listings.ListListings)
	mux.HandleFunc("GET /api/listings/{id}", listings.GetListing)
	mux.HandleFunc("POST /api/listings", listings.CreateListing)
	mux.HandleFunc("PUT /api/listings/{id}/price", listings.UpdatePrice)
	mux.HandleFunc("POST /api/listings/{id}/buy", listings.BuyListing)
	mux.HandleFunc("POST /api/listings/resell", listings.ResellListing)
	mux.HandleFunc("POST /api/withdrawals", withdrawals.Withdraw)
	mux.HandleFunc("GET /api/stats", ops.GetStats)
	mux.HandleFunc("GET /api/audit", ops.GetAuditTrail)
	mux.HandleFunc("GET /api/events/{channel}", ops.GetEvents)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestGetFee(t *testing.T) {
	f := &fakeMarket{fee: big.NewInt(25_000_000_000_000_000)}
	rec := doJSON(t, newTestMux(f), http.MethodGet, "/api/listings/fee", nil)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "25000000000000000", body["listingFee"])
	assert.Equal(t, testMarket.Hex(), body["market"])
}

func TestCreateListing(t *testing.T) {
	f := &fakeMarket{listing: domain.Listing{
		ID:           1,
		AssetAddress: testRegistry,
		AssetID:      1,
		Seller:       alice,
		Holder:       alice,
		Price:        big.NewInt(1000),
	}}
	mux := newTestMux(f)

	rec := doJSON(t, mux, http.MethodPost, "/api/listings", map[string]any{
		"caller":  alice.Hex(),
		"assetId": 1,
		"price":   "1000",
		"fee":     "25000000000000000",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"listingId":1`)
	assert.Contains(t, rec.Body.String(), `"price":"1000"`)
}

func TestCreateListingRejectsBadAmounts(t *testing.T) {
	mux := newTestMux(&fakeMarket{})

	for _, price := range []string{"", "-1", "1.5", "abc"} {
		rec := doJSON(t, mux, http.MethodPost, "/api/listings", map[string]any{
			"caller":  alice.Hex(),
			"assetId": 1,
			"price":   price,
			"fee":     "0",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "price %q", price)
	}
}

func TestBuyListingMapsDomainErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{domain.ErrWrongPayment, http.StatusConflict},
		{domain.ErrAlreadySold, http.StatusConflict},
		{domain.ErrSelfPurchase, http.StatusForbidden},
		{domain.ErrUnknownListing, http.StatusNotFound},
	}
	for _, tt := range tests {
		mux := newTestMux(&fakeMarket{listingErr: tt.err})
		rec := doJSON(t, mux, http.MethodPost, "/api/listings/1/buy", map[string]any{
			"caller":  bob.Hex(),
			"payment": "1000",
		})
		assert.Equal(t, tt.code, rec.Code, "error %v", tt.err)
	}
}

func TestListListingsFilters(t *testing.T) {
	f := &fakeMarket{unsold: []domain.Listing{{ID: 1, Price: big.NewInt(5)}}}
	mux := newTestMux(f)

	rec := doJSON(t, mux, http.MethodGet, "/api/listings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = doJSON(t, mux, http.MethodGet, "/api/listings?filter=purchased&account="+bob.Hex(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// mine and purchased need an account.
	rec = doJSON(t, mux, http.MethodGet, "/api/listings?filter=mine", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/listings?filter=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdatePriceRequiresNumericID(t *testing.T) {
	mux := newTestMux(&fakeMarket{})
	rec := doJSON(t, mux, http.MethodPut, "/api/listings/abc/price", map[string]any{
		"caller": alice.Hex(),
		"price":  "2000",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMintToken(t *testing.T) {
	f := &fakeMarket{asset: domain.Asset{ID: 1, Owner: alice, TokenURI: "ipfs://x", Creator: alice}}
	mux := newTestMux(f)

	rec := doJSON(t, mux, http.MethodPost, "/api/tokens", map[string]any{
		"caller":   alice.Hex(),
		"tokenUri": "ipfs://x",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"assetId":1`)

	// No authenticated or claimed caller.
	rec = doJSON(t, mux, http.MethodPost, "/api/tokens", map[string]any{
		"tokenUri": "ipfs://x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTokenUnknownAsset(t *testing.T) {
	mux := newTestMux(&fakeMarket{assetErr: domain.ErrUnknownAsset})
	rec := doJSON(t, mux, http.MethodGet, "/api/tokens/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBalance(t *testing.T) {
	f := &fakeMarket{tokens: 3, amount: big.NewInt(777)}
	rec := doJSON(t, newTestMux(f), http.MethodGet, "/api/accounts/"+alice.Hex()+"/balance", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tokens":3`)
	assert.Contains(t, rec.Body.String(), `"withdrawable":"777"`)

	rec = doJSON(t, newTestMux(f), http.MethodGet, "/api/accounts/not-an-address/balance", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStats(t *testing.T) {
	f := &fakeMarket{stats: domain.MarketStats{Assets: 4, Listings: 2, Unsold: 1}}
	rec := doJSON(t, newTestMux(f), http.MethodGet, "/api/stats", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"assets":4`)
	assert.Contains(t, rec.Body.String(), `"unsold":1`)
}

func TestGetAuditTrail(t *testing.T) {
	f := &fakeMarket{auditRows: []domain.AuditEntry{
		{ID: 2, Event: "listing.sold"},
		{ID: 1, Event: "listing.created"},
	}}
	mux := newTestMux(f)

	rec := doJSON(t, mux, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)
	assert.Contains(t, rec.Body.String(), "listing.sold")

	rec = doJSON(t, mux, http.MethodGet, "/api/audit?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = doJSON(t, mux, http.MethodGet, "/api/audit?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEvents(t *testing.T) {
	f := &fakeMarket{events: []domain.Event{{ID: "e1", Type: domain.EventItemSold}}}
	rec := doJSON(t, newTestMux(f), http.MethodGet, "/api/events/sales?after=0", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"item_sold"`)
	assert.Contains(t, rec.Body.String(), `"lastId":"1-0"`)

	f = &fakeMarket{eventsErr: domain.ErrInvalidInput}
	rec = doJSON(t, newTestMux(f), http.MethodGet, "/api/events/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdraw(t *testing.T) {
	f := &fakeMarket{amount: big.NewInt(1500)}
	mux := newTestMux(f)

	rec := doJSON(t, mux, http.MethodPost, "/api/withdrawals", map[string]any{
		"caller": alice.Hex(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"amount":"1500"`)

	mux = newTestMux(&fakeMarket{withdrawErr: domain.ErrNoBalance})
	rec = doJSON(t, mux, http.MethodPost, "/api/withdrawals", map[string]any{
		"caller": alice.Hex(),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}
