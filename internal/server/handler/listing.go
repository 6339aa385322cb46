package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mintbay/marketd/internal/domain"
)

// ListingService defines the methods the listing handler requires from the
// service layer.
type ListingService interface {
	ListItem(ctx context.Context, seller, assetAddr common.Address, assetID uint64, price, fee *big.Int) (domain.Listing, error)
	UpdatePrice(ctx context.Context, caller common.Address, listingID uint64, price *big.Int) (domain.Listing, error)
	BuyItem(ctx context.Context, buyer, assetAddr common.Address, listingID uint64, payment *big.Int) (domain.Listing, error)
	ResellItem(ctx context.Context, seller, assetAddr common.Address, assetID uint64, price, fee *big.Int) (domain.Listing, error)
	GetListing(ctx context.Context, id uint64) (domain.Listing, error)
	UnsoldItems(ctx context.Context) ([]domain.Listing, error)
	ListedBy(ctx context.Context, account common.Address) ([]domain.Listing, error)
	PurchasedBy(ctx context.Context, account common.Address) ([]domain.Listing, error)
	ListingFee() *big.Int
	MarketAddress() common.Address
}

// ListingHandler serves the marketplace listing endpoints. Listings that omit
// an asset address target the default registry.
type ListingHandler struct {
	listings        ListingService
	defaultRegistry common.Address
	logger          *slog.Logger
}

// NewListingHandler creates a ListingHandler with the given service and logger.
func NewListingHandler(listings ListingService, defaultRegistry common.Address, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{
		listings:        listings,
		defaultRegistry: defaultRegistry,
		logger:          logger,
	}
}

func (h *ListingHandler) registryFor(s string) (common.Address, bool) {
	if s == "" {
		return h.defaultRegistry, true
	}
	return parseAddress(s)
}

// GetFee returns the flat listing fee in wei as a decimal string.
// GET /api/listings/fee
func (h *ListingHandler) GetFee(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"listingFee": h.listings.ListingFee().String(),
		"market":     h.listings.MarketAddress().Hex(),
	})
}

// GetListing returns a single listing by its ledger id.
// GET /api/listings/{id}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	listing, err := h.listings.GetListing(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listing)
}

// ListListings returns listings filtered by the filter query parameter:
// unsold (default), mine, or purchased. The mine and purchased filters
// require an account, either authenticated or passed as ?account=.
// GET /api/listings?filter=unsold|mine|purchased&account=0x...
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	if filter == "" {
		filter = "unsold"
	}

	var (
		listings []domain.Listing
		err      error
	)
	switch filter {
	case "unsold":
		listings, err = h.listings.UnsoldItems(r.Context())
	case "mine", "purchased":
		account, ok := resolveCaller(r, r.URL.Query().Get("account"))
		if !ok {
			writeError(w, http.StatusBadRequest, "missing account address for filter "+filter)
			return
		}
		if filter == "mine" {
			listings, err = h.listings.ListedBy(r.Context(), account)
		} else {
			listings, err = h.listings.PurchasedBy(r.Context(), account)
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown filter: "+filter)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if listings == nil {
		listings = []domain.Listing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"listings": listings,
		"count":    len(listings),
	})
}

type createListingRequest struct {
	AssetAddress string `json:"assetAddress,omitempty"`
	AssetID      uint64 `json:"assetId"`
	Caller       string `json:"caller,omitempty"`
	Price        string `json:"price"`
	Fee          string `json:"fee"`
}

// CreateListing puts an asset up for sale. The fee field must carry the exact
// listing fee in wei.
// POST /api/listings
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	registry, ok := h.registryFor(req.AssetAddress)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}
	seller, ok := resolveCaller(r, req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing caller address")
		return
	}
	price, ok := parseAmount(req.Price)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid price")
		return
	}
	fee, ok := parseAmount(req.Fee)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid fee")
		return
	}

	listing, err := h.listings.ListItem(r.Context(), seller, registry, req.AssetID, price, fee)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, listing)
}

type updatePriceRequest struct {
	Caller string `json:"caller,omitempty"`
	Price  string `json:"price"`
}

// UpdatePrice changes the asking price of an unsold listing. Only the seller
// may do this.
// PUT /api/listings/{id}/price
func (h *ListingHandler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	var req updatePriceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	caller, ok := resolveCaller(r, req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing caller address")
		return
	}
	price, ok := parseAmount(req.Price)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid price")
		return
	}

	listing, err := h.listings.UpdatePrice(r.Context(), caller, id, price)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listing)
}

type buyRequest struct {
	AssetAddress string `json:"assetAddress,omitempty"`
	Caller       string `json:"caller,omitempty"`
	Payment      string `json:"payment"`
}

// BuyListing purchases an unsold listing. The payment field must carry the
// exact asking price in wei.
// POST /api/listings/{id}/buy
func (h *ListingHandler) BuyListing(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	var req buyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	registry, ok := h.registryFor(req.AssetAddress)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}
	buyer, ok := resolveCaller(r, req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing caller address")
		return
	}
	payment, ok := parseAmount(req.Payment)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid payment")
		return
	}

	listing, err := h.listings.BuyItem(r.Context(), buyer, registry, id, payment)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listing)
}

type resellRequest struct {
	AssetAddress string `json:"assetAddress,omitempty"`
	AssetID      uint64 `json:"assetId"`
	Caller       string `json:"caller,omitempty"`
	Price        string `json:"price"`
	Fee          string `json:"fee"`
}

// ResellListing relists a previously purchased asset under a new listing id.
// POST /api/listings/resell
func (h *ListingHandler) ResellListing(w http.ResponseWriter, r *http.Request) {
	var req resellRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	registry, ok := h.registryFor(req.AssetAddress)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}
	seller, ok := resolveCaller(r, req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing caller address")
		return
	}
	price, ok := parseAmount(req.Price)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid price")
		return
	}
	fee, ok := parseAmount(req.Fee)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid fee")
		return
	}

	listing, err := h.listings.ResellItem(r.Context(), seller, registry, req.AssetID, price, fee)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, listing)
}
