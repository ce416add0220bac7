package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/ingest"
	"github.com/JakeFAU/realtime-sound-tracker/internal/telemetry"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
	"github.com/JakeFAU/realtime-sound-tracker/internal/webhook"
)

// Ingest is the item surface exposed over HTTP.
type Ingest interface {
	Submit(ctx context.Context, req ingest.SubmitRequest) (ingest.Result, error)
	Rescrape(ctx context.Context, id string) (ingest.Result, error)
	Get(ctx context.Context, id string) (tracker.TrackedItem, error)
	Reset(ctx context.Context, id string) (tracker.TrackedItem, error)
	Children(ctx context.Context, id string) ([]tracker.ChildObservation, error)
}

// Webhooks parses and applies orchestrator callbacks.
type Webhooks interface {
	Parse(body []byte) (webhook.Callback, error)
	Handle(ctx context.Context, cb webhook.Callback) (webhook.Outcome, error)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Config controls authentication and limits.
type Config struct {
	// APIKey protects /v1/items when set.
	APIKey string
	// WebhookSecret verifies X-Signature-256 on callbacks. Without it callbacks are
	// rejected unless InsecureWebhooks is set.
	WebhookSecret    []byte
	InsecureWebhooks bool
	MaxWebhookBytes  int64
	RequestTimeout   time.Duration
}

// Server wires HTTP handlers to the ingestion service and webhook handler.
type Server struct {
	router  chi.Router
	items   Ingest
	hooks   Webhooks
	history *HistoryHandler
	ready   []ReadyCheck
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. history may be nil.
func NewServer(
	items Ingest,
	hooks Webhooks,
	history tracker.TransitionStore,
	cfg Config,
	logger *zap.Logger,
	ready ...ReadyCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = 16 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		items:  items,
		hooks:  hooks,
		ready:  ready,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	s.history = NewHistoryHandler(history, s.logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			if cfg.APIKey != "" {
				r.Use(apiKeyMiddleware(cfg.APIKey))
			}
			r.Post("/items", s.submitItem)
			r.Route("/items/{item_id}", func(r chi.Router) {
				r.Get("/", s.getItem)
				r.Post("/scrape", s.rescrapeItem)
				r.Post("/reset", s.resetItem)
				r.Get("/children", s.listChildren)
				r.Get("/transitions", s.history.ListTransitions)
			})
		})
		r.Post("/webhooks/orchestrator", s.orchestratorWebhook)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range s.ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
