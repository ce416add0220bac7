// Package ingest runs the submit and rescrape flows: classify, resolve, persist,
// then either scrape inline or hand the item to the orchestrator.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/classifier"
	"github.com/JakeFAU/realtime-sound-tracker/internal/provider"
	"github.com/JakeFAU/realtime-sound-tracker/internal/resolver"
	"github.com/JakeFAU/realtime-sound-tracker/internal/rollup"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// ErrInvalidRequest rejects malformed submissions before any I/O.
var ErrInvalidRequest = errors.New("invalid request")

const component = "ingest"

// Resolver maps classifications to persisted items.
type Resolver interface {
	Resolve(ctx context.Context, c tracker.Classification, hints resolver.Hints) (tracker.Identity, error)
	Upsert(ctx context.Context, identity tracker.Identity, sourceURL, campaignID string) (tracker.TrackedItem, bool, error)
}

// Lifecycle is the transition surface used by ingestion.
type Lifecycle interface {
	Begin(ctx context.Context, item tracker.TrackedItem, component, reason string) (tracker.TrackedItem, error)
	Complete(ctx context.Context, item tracker.TrackedItem, handle string, snap tracker.Snapshot, component, reason string) (tracker.TrackedItem, error)
	Fail(ctx context.Context, item tracker.TrackedItem, handle, component, reason string) (tracker.TrackedItem, error)
	Reset(ctx context.Context, item tracker.TrackedItem, staleBefore time.Time, component string) (tracker.TrackedItem, error)
	MarkManual(ctx context.Context, item tracker.TrackedItem, metrics tracker.Metrics, component string) (tracker.TrackedItem, error)
}

// Scraper performs synchronous provider reads.
type Scraper interface {
	FetchPost(ctx context.Context, platform tracker.Platform, postID string) (provider.PostInfo, error)
	ListSoundClips(ctx context.Context, platform tracker.Platform, soundID string, limit int) ([]provider.Clip, error)
}

// Dispatcher submits asynchronous indexing runs.
type Dispatcher interface {
	Dispatch(ctx context.Context, item tracker.TrackedItem) (tracker.TrackedItem, provider.Run, error)
}

// Config tunes ingestion.
type Config struct {
	// AsyncPlatforms index sounds through the orchestrator; other platforms list clips inline.
	AsyncPlatforms []tracker.Platform
	// ClipLimit caps inline clip listings.
	ClipLimit int
	// StaleAfter is how long an in-flight item must be untouched before Reset succeeds.
	StaleAfter time.Duration
}

// SubmitRequest is one URL submission.
type SubmitRequest struct {
	URL           string
	Kind          tracker.Kind
	CampaignID    string
	ManualMetrics *tracker.Metrics
}

// Result is the item after an operation plus its debug trace.
type Result struct {
	Item    tracker.TrackedItem `json:"item"`
	Created bool                `json:"created"`
	Trace   tracker.Trace       `json:"debug_trace"`
}

// Service wires the ingestion pipeline.
type Service struct {
	store      tracker.ItemStore
	resolver   Resolver
	lifecycle  Lifecycle
	scraper    Scraper
	dispatcher Dispatcher
	clock      tracker.Clock
	cfg        Config
	logger     *zap.Logger
}

// NewService constructs a Service.
func NewService(
	store tracker.ItemStore,
	res Resolver,
	lc Lifecycle,
	scraper Scraper,
	dispatcher Dispatcher,
	clock tracker.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.ClipLimit <= 0 {
		cfg.ClipLimit = 100
	}
	if cfg.AsyncPlatforms == nil {
		cfg.AsyncPlatforms = []tracker.Platform{tracker.PlatformTikTok}
	}
	return &Service{
		store:      store,
		resolver:   res,
		lifecycle:  lc,
		scraper:    scraper,
		dispatcher: dispatcher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("ingest"),
	}
}

// Submit classifies, resolves and persists a URL, then starts a scrape for it.
// Unsupported or unresolvable URLs never create a row.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	var res Result
	res.Trace.Add(s.now(), "submit", map[string]any{"url": req.URL, "kind": req.Kind})
	if req.URL == "" {
		return res, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	if req.Kind != "" && req.Kind != tracker.KindPost && req.Kind != tracker.KindSound {
		return res, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}

	class, err := classifier.Classify(req.URL, req.Kind)
	if err != nil {
		res.Trace.Add(s.now(), "classify.error", map[string]string{"error": err.Error()})
		return res, fmt.Errorf("classify: %w", err)
	}
	res.Trace.Add(s.now(), "classify", class)
	if req.ManualMetrics != nil && class.Kind != tracker.KindPost {
		return res, fmt.Errorf("%w: manual metrics apply to posts only", ErrInvalidRequest)
	}

	identity, err := s.resolver.Resolve(ctx, class, resolver.Hints{Trace: &res.Trace})
	if err != nil {
		res.Trace.Add(s.now(), "resolve.error", map[string]string{"error": err.Error()})
		return res, fmt.Errorf("resolve: %w", err)
	}
	res.Trace.Add(s.now(), "resolve", identity)

	item, created, err := s.resolver.Upsert(ctx, identity, req.URL, req.CampaignID)
	if err != nil {
		return res, err
	}
	res.Item, res.Created = item, created
	res.Trace.Add(s.now(), "upsert", map[string]any{"item_id": item.ID, "created": created, "status": item.Status})

	if req.ManualMetrics != nil {
		manual, err := s.lifecycle.MarkManual(ctx, item, *req.ManualMetrics, component)
		if err != nil {
			return res, err
		}
		res.Item = manual
		res.Trace.Add(s.now(), "manual", req.ManualMetrics)
		return res, nil
	}
	return s.run(ctx, res, "submit")
}

// Rescrape starts a new run for an existing item. In-flight items are rejected.
func (s *Service) Rescrape(ctx context.Context, id string) (Result, error) {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return Result{}, err
	}
	res := Result{Item: item}
	res.Trace.Add(s.now(), "rescrape", map[string]string{"item_id": id, "status": string(item.Status)})
	return s.run(ctx, res, "rescrape")
}

// Get returns the stored item.
func (s *Service) Get(ctx context.Context, id string) (tracker.TrackedItem, error) {
	return s.store.GetItem(ctx, id)
}

// Children lists the child observations of an item.
func (s *Service) Children(ctx context.Context, id string) ([]tracker.ChildObservation, error) {
	if _, err := s.store.GetItem(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListChildren(ctx, id)
}

// Reset returns a stuck in-flight item to pending when it has been idle longer than StaleAfter.
func (s *Service) Reset(ctx context.Context, id string) (tracker.TrackedItem, error) {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return tracker.TrackedItem{}, err
	}
	return s.lifecycle.Reset(ctx, item, s.now().Add(-s.cfg.StaleAfter), component)
}

func (s *Service) run(ctx context.Context, res Result, reason string) (Result, error) {
	item, err := s.lifecycle.Begin(ctx, res.Item, component, reason)
	if err != nil {
		res.Trace.Add(s.now(), "begin.error", map[string]string{"error": err.Error()})
		return res, err
	}
	res.Item = item
	res.Trace.Add(s.now(), "begin", map[string]string{"status": string(item.Status)})

	switch {
	case item.Kind == tracker.KindPost:
		return s.scrapePost(ctx, res)
	case slices.Contains(s.cfg.AsyncPlatforms, item.Platform):
		return s.dispatch(ctx, res)
	default:
		return s.indexSound(ctx, res)
	}
}

func (s *Service) scrapePost(ctx context.Context, res Result) (Result, error) {
	item := res.Item
	info, err := s.scraper.FetchPost(ctx, item.Platform, item.CanonicalKey)
	if err != nil {
		return s.fail(ctx, res, "scrape.error", err)
	}
	res.Trace.Add(s.now(), "scrape", info)
	snap := tracker.Snapshot{
		Metrics:     info.Metrics,
		Geo:         rollup.Geo([]string{info.Region}),
		OwnerHandle: info.OwnerHandle,
	}
	done, err := s.lifecycle.Complete(ctx, item, "", snap, component, "inline scrape")
	if err != nil {
		return res, err
	}
	res.Item = done
	return res, nil
}

func (s *Service) indexSound(ctx context.Context, res Result) (Result, error) {
	item := res.Item
	clips, err := s.scraper.ListSoundClips(ctx, item.Platform, item.CanonicalKey, s.cfg.ClipLimit)
	if err != nil {
		return s.fail(ctx, res, "index.error", err)
	}
	children := provider.Observations(item.ID, clips, s.now())
	if len(children) > 0 {
		if _, err := s.store.UpsertChildren(ctx, item.ID, children); err != nil {
			return s.fail(ctx, res, "index.store_error", err)
		}
	}
	metrics, geo := rollup.Summarize(children)
	res.Trace.Add(s.now(), "index", map[string]any{"children": len(children), "regions": len(geo)})
	done, err := s.lifecycle.Complete(ctx, item, "", tracker.Snapshot{Metrics: metrics, Geo: geo}, component, "inline index")
	if err != nil {
		return res, err
	}
	res.Item = done
	return res, nil
}

func (s *Service) dispatch(ctx context.Context, res Result) (Result, error) {
	item, run, err := s.dispatcher.Dispatch(ctx, res.Item)
	res.Item = item
	if err != nil {
		res.Trace.Add(s.now(), "dispatch.error", map[string]string{"error": err.Error()})
		return res, err
	}
	res.Trace.Add(s.now(), "dispatch", map[string]string{"run_handle": run.Handle, "run_status": string(run.Status)})
	return res, nil
}

func (s *Service) fail(ctx context.Context, res Result, step string, cause error) (Result, error) {
	res.Trace.Add(s.now(), step, map[string]string{"error": cause.Error()})
	failed, err := s.lifecycle.Fail(ctx, res.Item, "", component, cause.Error())
	if err != nil {
		s.logger.Error("could not mark item failed",
			zap.String("item_id", res.Item.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	} else {
		res.Item = failed
	}
	return res, cause
}

func (s *Service) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now().UTC()
}
