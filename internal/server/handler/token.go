package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mintbay/marketd/internal/domain"
)

// TokenService defines the methods the token handler requires from the
// service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type TokenService interface {
	MintToken(ctx context.Context, registry, caller common.Address, tokenURI string) (domain.Asset, error)
	GetAsset(ctx context.Context, registry common.Address, assetID uint64) (domain.Asset, error)
	ApproveMarket(ctx context.Context, registry, caller common.Address, assetID uint64) error
	SetApprovalForAll(ctx context.Context, registry, caller common.Address, approved bool) error
	TokenBalance(registry, owner common.Address) (int, error)
	BalanceOf(account common.Address) *big.Int
}

// TokenHandler serves token-related HTTP endpoints. Requests that omit an
// asset address target the default registry.
type TokenHandler struct {
	tokens          TokenService
	defaultRegistry common.Address
	logger          *slog.Logger
}

// NewTokenHandler creates a TokenHandler with the given service and logger.
func NewTokenHandler(tokens TokenService, defaultRegistry common.Address, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{
		tokens:          tokens,
		defaultRegistry: defaultRegistry,
		logger:          logger,
	}
}

// registryFor resolves the target registry from an optional address string.
func (h *TokenHandler) registryFor(s string) (common.Address, bool) {
	if s == "" {
		return h.defaultRegistry, true
	}
	return parseAddress(s)
}

type mintRequest struct {
	AssetAddress string `json:"assetAddress,omitempty"`
	Caller       string `json:"caller,omitempty"`
	TokenURI     string `json:"tokenUri"`
}

// MintToken mints a new asset for the caller.
// POST /api/tokens
func (h *TokenHandler) MintToken(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	registry, ok := h.registryFor(req.AssetAddress)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}
	caller, ok := resolveCaller(r, req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing caller address")
		return
	}

	asset, err := h.tokens.MintToken(r.Context(), registry, caller, req.TokenURI)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, asset)
}

// GetToken returns owner and metadata location for one asset.
// GET /api/tokens/{id}?assetAddress=0x...
func (h *TokenHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return
	}
	registry, ok := h.registryFor(r.URL.Query().Get("assetAddress"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}

	asset, err := h.tokens.GetAsset(r.Context(), registry, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, asset)
}

type approveRequest struct {
	AssetAddress string `json:"assetAddress,omitempty"`
	Caller       string `json:"caller,omitempty"`
}

// ApproveToken grants the marketplace transfer rights over one asset.
// POST /api/tokens/{id}/approve
func (h *TokenHandler) ApproveToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return
	}

	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	registry, ok := h.registryFor(req.AssetAddress)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}
	caller, ok := resolveCaller(r, req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing caller address")
		return
	}

	if err := h.tokens.ApproveMarket(r.Context(), registry, caller, id); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"approved": true, "assetId": id})
}

type approvalForAllRequest struct {
	AssetAddress string `json:"assetAddress,omitempty"`
	Caller       string `json:"caller,omitempty"`
	Approved     bool   `json:"approved"`
}

// SetApprovalForAll grants or revokes marketplace operator rights over all of
// the caller's assets.
// POST /api/approvals
func (h *TokenHandler) SetApprovalForAll(w http.ResponseWriter, r *http.Request) {
	var req approvalForAllRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	registry, ok := h.registryFor(req.AssetAddress)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}
	caller, ok := resolveCaller(r, req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing caller address")
		return
	}

	if err := h.tokens.SetApprovalForAll(r.Context(), registry, caller, req.Approved); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"approved": req.Approved})
}

// GetBalance returns how many assets an account owns plus its withdrawable
// escrow balance.
// GET /api/accounts/{addr}/balance?assetAddress=0x...
func (h *TokenHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAddress(r.PathValue("addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	registry, ok := h.registryFor(r.URL.Query().Get("assetAddress"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}

	tokens, err := h.tokens.TokenBalance(registry, account)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account":      account.Hex(),
		"tokens":       tokens,
		"withdrawable": h.tokens.BalanceOf(account).String(),
	})
}
