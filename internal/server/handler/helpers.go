package handler

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mintbay/marketd/internal/domain"
	"github.com/mintbay/marketd/internal/server/middleware"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a ledger or registry rejection onto an HTTP status
// and a JSON error body carrying the sentinel's message.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, domainStatus(err), err.Error())
}

// domainStatus maps the error taxonomy onto HTTP status codes.
func domainStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrUnknownAsset),
		errors.Is(err, domain.ErrUnknownListing):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotOwner),
		errors.Is(err, domain.ErrNotSeller),
		errors.Is(err, domain.ErrSelfPurchase):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrWrongFee),
		errors.Is(err, domain.ErrWrongPayment),
		errors.Is(err, domain.ErrAlreadySold),
		errors.Is(err, domain.ErrNoBalance):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// pathID extracts a numeric path parameter using Go 1.22+ built-in routing.
func pathID(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(r.PathValue(name), 10, 64)
}

// parseAddress validates and parses a hex address string.
func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// parseAmount parses a non-negative decimal wei amount.
func parseAmount(s string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

// resolveCaller returns the caller identity for a mutating request: the
// signature-authenticated address when present, otherwise the address the
// body claims. The second return reports whether any identity was found.
func resolveCaller(r *http.Request, bodyCaller string) (common.Address, bool) {
	if addr, ok := middleware.Caller(r.Context()); ok {
		return addr, true
	}
	return parseAddress(bodyCaller)
}

// decodeBody decodes a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
