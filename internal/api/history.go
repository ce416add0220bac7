package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	historyTimeout      = 3 * time.Second
)

// HistoryHandler exposes the read-only transition log.
type HistoryHandler struct {
	repo    tracker.TransitionStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the transition store and logger.
func NewHistoryHandler(repo tracker.TransitionStore, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListTransitions handles GET /v1/items/{item_id}/transitions?limit=&offset=. It
// returns {"transitions": [...]} oldest first, 400 for invalid paging, 503 when no
// store is configured, or 500 if the store call fails.
func (h *HistoryHandler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "transition log unavailable")
		return
	}
	itemID := chi.URLParam(r, "item_id")
	if itemID == "" {
		writeError(w, http.StatusBadRequest, "item_id is required")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	records, err := h.repo.ListTransitions(ctx, itemID)
	if err != nil {
		h.logger.Error("list transitions failed", zap.String("item_id", itemID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list transitions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transitions": page(records, limit, offset),
	})
}

func page(records []tracker.TransitionRecord, limit, offset int) []tracker.TransitionRecord {
	if offset >= len(records) {
		return []tracker.TransitionRecord{}
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end]
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
