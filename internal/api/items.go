package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/ingest"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

type itemResponse struct {
	TrackedItemID string              `json:"tracked_item_id"`
	Platform      tracker.Platform    `json:"platform"`
	Kind          tracker.Kind        `json:"kind"`
	Status        tracker.Status      `json:"status"`
	Created       bool                `json:"created"`
	Item          tracker.TrackedItem `json:"item"`
	DebugTrace    tracker.Trace       `json:"debug_trace"`
}

type errorResponse struct {
	Error         string           `json:"error"`
	Retryable     bool             `json:"retryable"`
	TrackedItemID string           `json:"tracked_item_id,omitempty"`
	Status        tracker.Status   `json:"status,omitempty"`
	DebugTrace    tracker.Trace    `json:"debug_trace,omitempty"`
	Platform      tracker.Platform `json:"platform,omitempty"`
}

func (s *Server) submitItem(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	res, err := s.items.Submit(r.Context(), req.toIngest())
	s.writeResult(w, r, res, err)
}

func (s *Server) rescrapeItem(w http.ResponseWriter, r *http.Request) {
	res, err := s.items.Rescrape(r.Context(), chi.URLParam(r, "item_id"))
	s.writeResult(w, r, res, err)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.items.Get(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		s.writeFailure(w, r, err, ingest.Result{})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) resetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.items.Reset(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		if errors.Is(err, tracker.ErrPreconditionFailed) {
			writeJSON(w, http.StatusConflict, errorResponse{
				Error:         "item is not stuck: it must be in flight and idle past the stale threshold",
				TrackedItemID: item.ID,
				Status:        item.Status,
			})
			return
		}
		s.writeFailure(w, r, err, ingest.Result{})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) listChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.items.Children(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		s.writeFailure(w, r, err, ingest.Result{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": children})
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res ingest.Result, err error) {
	if err != nil {
		s.writeFailure(w, r, err, res)
		return
	}
	status := http.StatusOK
	if tracker.IsInFlight(res.Item.Status) {
		status = http.StatusAccepted
	}
	writeJSON(w, status, itemResponse{
		TrackedItemID: res.Item.ID,
		Platform:      res.Item.Platform,
		Kind:          res.Item.Kind,
		Status:        res.Item.Status,
		Created:       res.Created,
		Item:          res.Item,
		DebugTrace:    res.Trace,
	})
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error, res ingest.Result) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, errorResponse{
		Error:         msg,
		Retryable:     tracker.Retryable(err),
		TrackedItemID: res.Item.ID,
		Status:        res.Item.Status,
		Platform:      res.Item.Platform,
		DebugTrace:    res.Trace,
	})
}

// classify maps the error taxonomy to a status code and a distinct message.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ingest.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, tracker.ErrUnsupportedPlatform):
		return http.StatusBadRequest, "unsupported platform: " + err.Error()
	case errors.Is(err, tracker.ErrUnresolvableIdentifier):
		return http.StatusUnprocessableEntity, "could not resolve a canonical identifier: " + err.Error()
	case errors.Is(err, tracker.ErrSubmissionFailed):
		return http.StatusBadGateway, "orchestrator did not accept the job; the item was marked failed"
	case errors.Is(err, tracker.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "upstream provider unavailable; retry later"
	case errors.Is(err, tracker.ErrJobAlreadyInFlight):
		return http.StatusConflict, "a job for this item is already in flight"
	case errors.Is(err, tracker.ErrNotFound):
		return http.StatusNotFound, "item not found"
	case errors.Is(err, tracker.ErrPreconditionFailed):
		return http.StatusConflict, "item state changed; retry the request"
	case errors.Is(err, tracker.ErrClientRequest):
		return http.StatusBadGateway, "upstream provider rejected the request"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
