package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// WithdrawalService defines the methods the withdrawal handler requires from
// the service layer.
type WithdrawalService interface {
	Withdraw(ctx context.Context, account common.Address) (*big.Int, error)
	BalanceOf(account common.Address) *big.Int
}

// WithdrawalHandler serves escrow withdrawal endpoints.
type WithdrawalHandler struct {
	escrow WithdrawalService
	logger *slog.Logger
}

// NewWithdrawalHandler creates a WithdrawalHandler with the given service and logger.
func NewWithdrawalHandler(escrow WithdrawalService, logger *slog.Logger) *WithdrawalHandler {
	return &WithdrawalHandler{escrow: escrow, logger: logger}
}

type withdrawRequest struct {
	Caller string `json:"caller,omitempty"`
}

// Withdraw pays out the caller's full accumulated proceeds and zeroes the
// balance.
// POST /api/withdrawals
func (h *WithdrawalHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	caller, ok := resolveCaller(r, req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing caller address")
		return
	}

	amount, err := h.escrow.Withdraw(r.Context(), caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"account": caller.Hex(),
		"amount":  amount.String(),
	})
}
