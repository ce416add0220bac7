package api

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/webhook"
)

// orchestratorWebhook authenticates and applies a run callback. Applied, ignored and
// duplicate deliveries answer 200; processing errors answer 500 so the sender redelivers.
func (s *Server) orchestratorWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !s.webhookAuthorized(body, r.Header.Get(webhook.SignatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	cb, err := s.hooks.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unparsable callback")
		return
	}
	outcome, err := s.hooks.Handle(r.Context(), cb)
	if err != nil {
		s.logger.Error("webhook processing failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("run_handle", cb.Handle),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"outcome": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *Server) webhookAuthorized(body []byte, signature string) bool {
	if len(s.cfg.WebhookSecret) == 0 {
		return s.cfg.InsecureWebhooks
	}
	return webhook.Verify(s.cfg.WebhookSecret, body, signature)
}
