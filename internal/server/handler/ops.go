package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mintbay/marketd/internal/domain"
)

// OpsService defines the read-only operational queries the ops handler
// requires from the service layer.
type OpsService interface {
	AuditTrail(ctx context.Context, limit int) ([]domain.AuditEntry, error)
	Stats(ctx context.Context) (domain.MarketStats, error)
	EventsSince(ctx context.Context, channel, after string, count int) ([]domain.Event, string, error)
}

// OpsHandler serves marketplace statistics, the audit trail, and durable
// event catch-up reads.
type OpsHandler struct {
	ops    OpsService
	logger *slog.Logger
}

// NewOpsHandler creates an OpsHandler with the given service and logger.
func NewOpsHandler(ops OpsService, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{ops: ops, logger: logger}
}

// GetStats reports journal row counts and the live unsold listing count.
// GET /api/stats
func (h *OpsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ops.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetAuditTrail returns the most recent audit rows, newest first.
// GET /api/audit?limit=N
func (h *OpsHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 50)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	entries, err := h.ops.AuditTrail(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetEvents replays durable events from a channel's stream so clients that
// reconnect can catch up on what they missed. The returned lastId is the
// cursor to pass as after on the next call.
// GET /api/events/{channel}?after=ID&limit=N
func (h *OpsHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")

	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	events, cursor, err := h.ops.EventsSince(r.Context(), channel, r.URL.Query().Get("after"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel": channel,
		"events":  events,
		"lastId":  cursor,
	})
}

// queryInt parses a positive integer query parameter, falling back to def
// when the parameter is absent.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
