// Package dispatcher submits asynchronous indexing runs to the job orchestrator.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/provider"
	"github.com/JakeFAU/realtime-sound-tracker/internal/telemetry"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// Submitter starts orchestrator runs.
type Submitter interface {
	StartRun(ctx context.Context, in provider.RunRequest) (provider.Run, error)
}

// Lifecycle is the subset of lifecycle.Manager used after submission.
type Lifecycle interface {
	AttachRun(ctx context.Context, item tracker.TrackedItem, handle string) (tracker.TrackedItem, error)
	Fail(ctx context.Context, item tracker.TrackedItem, handle, component, reason string) (tracker.TrackedItem, error)
}

// Config shapes every submitted run.
type Config struct {
	MaxItems   int
	WebhookURL string
}

// Dispatcher hands in-flight items to the orchestrator and returns without waiting.
type Dispatcher struct {
	submitter Submitter
	lifecycle Lifecycle
	cfg       Config
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(submitter Submitter, lifecycle Lifecycle, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		submitter: submitter,
		lifecycle: lifecycle,
		cfg:       cfg,
		logger:    logger.Named("dispatcher"),
	}
}

// Dispatch submits a run for item, which must already be in flight. On success the
// run handle is attached and the item stays in flight until the webhook arrives. On
// failure the item is marked failed and the error wraps tracker.ErrSubmissionFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, item tracker.TrackedItem) (tracker.TrackedItem, provider.Run, error) {
	platform := string(item.Platform)
	if item.PageURL == "" {
		return d.fail(ctx, item, fmt.Errorf("item %s has no page url", item.ID))
	}
	run, err := d.submitter.StartRun(ctx, provider.RunRequest{
		Platform:   item.Platform,
		StartURLs:  []string{item.PageURL},
		MaxItems:   d.cfg.MaxItems,
		WebhookURL: d.cfg.WebhookURL,
	})
	if err != nil {
		return d.fail(ctx, item, err)
	}

	attached, err := d.lifecycle.AttachRun(ctx, item, run.Handle)
	if err != nil {
		// The item left the in-flight state while we were submitting; the run's
		// callback will be reported as unmatched.
		telemetry.ObserveDispatch(platform, "detached")
		d.logger.Warn("run submitted but not attached",
			zap.String("item_id", item.ID),
			zap.String("run_handle", run.Handle),
			zap.Error(err),
		)
		return attached, run, fmt.Errorf("%w: %w", tracker.ErrSubmissionFailed, err)
	}
	telemetry.ObserveDispatch(platform, "submitted")
	d.logger.Info("run submitted",
		zap.String("item_id", item.ID),
		zap.String("run_handle", run.Handle),
		zap.String("run_status", string(run.Status)),
	)
	return attached, run, nil
}

func (d *Dispatcher) fail(ctx context.Context, item tracker.TrackedItem, cause error) (tracker.TrackedItem, provider.Run, error) {
	telemetry.ObserveDispatch(string(item.Platform), "failed")
	failed, err := d.lifecycle.Fail(ctx, item, "", "dispatcher", cause.Error())
	if err != nil {
		d.logger.Error("could not mark item failed after submission error",
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
		failed = item
	}
	return failed, provider.Run{}, fmt.Errorf("%w: %w", tracker.ErrSubmissionFailed, cause)
}
