package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	hashsha "github.com/JakeFAU/realtime-sound-tracker/internal/hash/sha256"
	"github.com/JakeFAU/realtime-sound-tracker/internal/provider"
	"github.com/JakeFAU/realtime-sound-tracker/internal/rollup"
	"github.com/JakeFAU/realtime-sound-tracker/internal/telemetry"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// Outcome is what a delivery did to the datastore.
type Outcome string

// Delivery outcomes. Every outcome is acknowledged to the sender.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// Lifecycle is the subset of lifecycle.Manager the handler drives.
type Lifecycle interface {
	Complete(ctx context.Context, item tracker.TrackedItem, handle string, snap tracker.Snapshot, component, reason string) (tracker.TrackedItem, error)
	Fail(ctx context.Context, item tracker.TrackedItem, handle, component, reason string) (tracker.TrackedItem, error)
}

// Config tunes optional behavior.
type Config struct {
	// ReplayTTL is how long delivery digests are remembered by the replay guard.
	ReplayTTL time.Duration
	// RematchDelay is the pause before a second run-handle lookup when the first
	// misses, covering callbacks that race the dispatcher's AttachRun. Negative disables.
	RematchDelay time.Duration
}

// Handler reconciles callbacks with tracked items.
type Handler struct {
	store     tracker.ItemStore
	lifecycle Lifecycle
	fields    *provider.Fields
	archive   tracker.BlobStore
	hasher    tracker.Hasher
	guard     tracker.DeliveryGuard
	clock     tracker.Clock
	cfg       Config
	logger    *zap.Logger
}

// Option customizes a Handler.
type Option func(*Handler)

// WithArchive stores every raw delivery in blobs, named by hasher digests.
func WithArchive(blobs tracker.BlobStore, hasher tracker.Hasher) Option {
	return func(h *Handler) {
		h.archive = blobs
		if hasher != nil {
			h.hasher = hasher
		}
	}
}

// WithReplayGuard short-circuits byte-identical redeliveries.
func WithReplayGuard(guard tracker.DeliveryGuard) Option {
	return func(h *Handler) {
		h.guard = guard
	}
}

// WithClock overrides the observation clock.
func WithClock(clock tracker.Clock) Option {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New builds a Handler.
func New(store tracker.ItemStore, lifecycle Lifecycle, fields *provider.Fields, cfg Config, opts ...Option) *Handler {
	if fields == nil {
		fields = provider.NewFields()
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = 24 * time.Hour
	}
	if cfg.RematchDelay == 0 {
		cfg.RematchDelay = 250 * time.Millisecond
	}
	h := &Handler{
		store:     store,
		lifecycle: lifecycle,
		fields:    fields,
		hasher:    hashsha.New(),
		cfg:       cfg,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("webhook")
	return h
}

// Parse decodes a raw delivery with the handler's alias cache.
func (h *Handler) Parse(body []byte) (Callback, error) {
	return Parse(h.fields, body)
}

// Handle applies cb. It is idempotent: redelivering the same callback after it was
// applied yields OutcomeIgnored (or OutcomeDuplicate with a replay guard) and no writes.
func (h *Handler) Handle(ctx context.Context, cb Callback) (Outcome, error) {
	outcome, err := h.handle(ctx, cb)
	if err != nil {
		telemetry.ObserveWebhook("error")
		return outcome, err
	}
	telemetry.ObserveWebhook(string(outcome))
	return outcome, nil
}

func (h *Handler) handle(ctx context.Context, cb Callback) (Outcome, error) {
	log := h.logger.With(zap.String("run_handle", cb.Handle), zap.String("status", cb.RawStatus))
	if cb.Handle == "" {
		log.Warn("callback without correlation handle", zap.Error(tracker.ErrWebhookUnmatched))
		return OutcomeUnmatched, nil
	}

	digest := h.digest(cb.Raw)
	key := ""
	if h.guard != nil && digest != "" {
		key = "webhook:" + cb.Handle + ":" + digest
		first, err := h.guard.FirstSeen(ctx, key, h.cfg.ReplayTTL)
		switch {
		case err != nil:
			log.Warn("replay guard unavailable", zap.Error(err))
			key = ""
		case !first:
			log.Info("duplicate delivery skipped")
			return OutcomeDuplicate, nil
		}
	}
	h.archiveRaw(ctx, cb, digest, log)

	outcome, err := h.apply(ctx, cb, log)
	if err != nil && key != "" {
		// Failed deliveries stay retryable.
		if ferr := h.guard.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			log.Warn("release replay guard", zap.Error(ferr))
		}
	}
	return outcome, err
}

func (h *Handler) apply(ctx context.Context, cb Callback, log *zap.Logger) (Outcome, error) {
	item, err := h.findRun(ctx, cb.Handle)
	if errors.Is(err, tracker.ErrNotFound) {
		log.Warn("callback for unknown or superseded run", zap.Error(tracker.ErrWebhookUnmatched))
		return OutcomeUnmatched, nil
	}
	if err != nil {
		return "", fmt.Errorf("find run %s: %w", cb.Handle, err)
	}
	log = log.With(zap.String("item_id", item.ID))
	if !tracker.IsInFlight(item.Status) {
		log.Info("callback for settled item ignored", zap.String("item_status", string(item.Status)))
		return OutcomeIgnored, nil
	}

	switch cb.Result {
	case ResultFailed:
		return h.fail(ctx, item, cb, log)
	case ResultSucceeded:
		return h.complete(ctx, item, cb, log)
	default:
		log.Debug("non-terminal callback ignored")
		return OutcomeIgnored, nil
	}
}

// findRun looks the handle up, retrying once after RematchDelay on a miss.
func (h *Handler) findRun(ctx context.Context, handle string) (tracker.TrackedItem, error) {
	item, err := h.store.FindByRunHandle(ctx, handle)
	if !errors.Is(err, tracker.ErrNotFound) || h.cfg.RematchDelay < 0 {
		return item, err
	}
	timer := time.NewTimer(h.cfg.RematchDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return tracker.TrackedItem{}, ctx.Err()
	case <-timer.C:
	}
	return h.store.FindByRunHandle(ctx, handle)
}

func (h *Handler) fail(ctx context.Context, item tracker.TrackedItem, cb Callback, log *zap.Logger) (Outcome, error) {
	reason := cb.FailureReason
	if reason == "" {
		reason = "run " + cb.RawStatus
	}
	_, err := h.lifecycle.Fail(ctx, item, cb.Handle, "webhook", reason)
	if errors.Is(err, tracker.ErrPreconditionFailed) {
		log.Info("failure lost race with another transition")
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	return OutcomeFailed, nil
}

func (h *Handler) complete(ctx context.Context, item tracker.TrackedItem, cb Callback, log *zap.Logger) (Outcome, error) {
	clips := h.fields.ParseClips(cb.Items)
	children := provider.Observations(item.ID, clips, h.now())
	if len(children) > 0 {
		if _, err := h.store.UpsertChildren(ctx, item.ID, children); err != nil {
			return "", fmt.Errorf("store children of %s: %w", item.ID, err)
		}
	}
	metrics, geo := rollup.Summarize(children)
	_, err := h.lifecycle.Complete(ctx, item, cb.Handle, tracker.Snapshot{Metrics: metrics, Geo: geo}, "webhook",
		fmt.Sprintf("%d children", len(children)))
	if errors.Is(err, tracker.ErrPreconditionFailed) {
		log.Info("completion lost race with reset")
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	log.Info("run completed",
		zap.Int("children", len(children)),
		zap.Int64("views", metrics.Views),
		zap.Int("regions", len(geo)),
	)
	return OutcomeCompleted, nil
}

func (h *Handler) archiveRaw(ctx context.Context, cb Callback, digest string, log *zap.Logger) {
	if h.archive == nil || digest == "" {
		return
	}
	path := ArchivePath(cb.Handle, digest)
	if _, err := h.archive.PutObject(ctx, path, "application/json", bytes.NewReader(cb.Raw)); err != nil {
		log.Warn("archive callback failed", zap.String("path", path), zap.Error(err))
	}
}

func (h *Handler) digest(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	sum, err := h.hasher.Hash(raw)
	if err != nil {
		h.logger.Warn("hash callback", zap.Error(err))
		return ""
	}
	return sum
}

// ArchivePath is the content-addressed blob path of a delivery.
func ArchivePath(handle, digest string) string {
	return "webhooks/" + url.PathEscape(handle) + "/" + digest + ".json"
}

func (h *Handler) now() time.Time {
	if h.clock == nil {
		return time.Now().UTC()
	}
	return h.clock.Now().UTC()
}
