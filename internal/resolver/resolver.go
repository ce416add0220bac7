// Package resolver turns classified identifiers into canonical identities and
// persists them idempotently.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/provider"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// Lookup is the subset of the scraper API the resolver needs.
type Lookup interface {
	LookupVideo(ctx context.Context, platform tracker.Platform, precursor string) (provider.VideoInfo, error)
	LookupSound(ctx context.Context, platform tracker.Platform, soundID string) (provider.SoundInfo, error)
}

// Hints carries metadata already known to the caller. Trace, when set, receives
// diagnostic steps.
type Hints struct {
	Title       string
	Artist      string
	OwnerHandle string
	Trace       *tracker.Trace
}

// Resolver maps classifications to canonical identities.
type Resolver struct {
	lookup Lookup
	store  tracker.ItemStore
	ids    tracker.IDGenerator
	clock  tracker.Clock
	logger *zap.Logger
}

// New wires a Resolver.
func New(lookup Lookup, store tracker.ItemStore, ids tracker.IDGenerator, clock tracker.Clock, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{lookup: lookup, store: store, ids: ids, clock: clock, logger: logger.Named("resolver")}
}

// Resolve derives the canonical key for c. Indirect sound identifiers cost exactly one
// provider lookup; direct sounds are backfilled with metadata on a best-effort basis.
func (r *Resolver) Resolve(ctx context.Context, c tracker.Classification, hints Hints) (tracker.Identity, error) {
	id := tracker.Identity{
		Platform:    c.Platform,
		Kind:        c.Kind,
		Title:       hints.Title,
		Artist:      hints.Artist,
		OwnerHandle: hints.OwnerHandle,
	}
	if c.RawIdentifier == "" {
		return id, fmt.Errorf("%w: empty identifier for %s", tracker.ErrUnresolvableIdentifier, c.Platform)
	}

	switch {
	case c.Kind == tracker.KindPost && c.IdentifierKind == tracker.IdentifierIndirect:
		// Short links are expanded so every share link of a post lands on one row.
		info, err := r.lookup.LookupVideo(ctx, c.Platform, c.RawIdentifier)
		r.trace(hints.Trace, "resolve.expand_post", map[string]any{
			"precursor": c.RawIdentifier,
			"video_id":  info.VideoID,
			"error":     errString(err),
		})
		if info.VideoID == "" {
			if err == nil {
				return id, fmt.Errorf("%w: %s short link did not expand", tracker.ErrUnresolvableIdentifier, c.Platform)
			}
			if errors.Is(err, tracker.ErrClientRequest) {
				return id, fmt.Errorf("%w: %w", tracker.ErrUnresolvableIdentifier, err)
			}
			return id, err
		}
		id.CanonicalKey = info.VideoID
		id.OwnerHandle = firstNonEmpty(id.OwnerHandle, info.OwnerHandle)
	case c.Kind == tracker.KindPost:
		id.CanonicalKey = c.RawIdentifier
	case c.IdentifierKind == tracker.IdentifierIndirect:
		info, err := r.lookup.LookupVideo(ctx, c.Platform, c.RawIdentifier)
		r.trace(hints.Trace, "resolve.lookup_video", map[string]any{
			"precursor": c.RawIdentifier,
			"sound_id":  info.SoundID,
			"error":     errString(err),
		})
		if err != nil {
			if errors.Is(err, tracker.ErrClientRequest) {
				return id, fmt.Errorf("%w: %w", tracker.ErrUnresolvableIdentifier, err)
			}
			return id, err
		}
		id.CanonicalKey = info.SoundID
		id.Title = firstNonEmpty(id.Title, info.SoundTitle)
		id.Artist = firstNonEmpty(id.Artist, info.SoundArtist)
	default:
		id.CanonicalKey = c.RawIdentifier
	}

	if id.Kind == tracker.KindSound && (id.Title == "" || id.Artist == "") {
		r.backfill(ctx, &id, hints.Trace)
	}
	id.PageURL = PageURL(id)
	return id, nil
}

func (r *Resolver) backfill(ctx context.Context, id *tracker.Identity, trace *tracker.Trace) {
	info, err := r.lookup.LookupSound(ctx, id.Platform, id.CanonicalKey)
	if err != nil {
		r.logger.Warn("sound metadata backfill failed",
			zap.String("platform", string(id.Platform)),
			zap.String("sound_id", id.CanonicalKey),
			zap.Error(err),
		)
		r.trace(trace, "resolve.backfill_failed", map[string]string{"error": err.Error()})
		return
	}
	id.Title = firstNonEmpty(id.Title, info.Title)
	id.Artist = firstNonEmpty(id.Artist, info.Artist)
	r.trace(trace, "resolve.backfill", map[string]string{"title": id.Title, "artist": id.Artist})
}

// Upsert persists identity, creating a pending row on first sight and merging metadata otherwise.
func (r *Resolver) Upsert(ctx context.Context, identity tracker.Identity, sourceURL, campaignID string) (tracker.TrackedItem, bool, error) {
	newID, err := r.ids.NewID()
	if err != nil {
		return tracker.TrackedItem{}, false, fmt.Errorf("generate item id: %w", err)
	}
	pageURL := identity.PageURL
	if pageURL == "" {
		pageURL = sourceURL
	}
	now := r.now()
	item, created, err := r.store.UpsertItem(ctx, tracker.TrackedItem{
		ID:           newID,
		Kind:         identity.Kind,
		Platform:     identity.Platform,
		CanonicalKey: identity.CanonicalKey,
		OwnerHandle:  identity.OwnerHandle,
		Title:        identity.Title,
		Artist:       identity.Artist,
		SourceURL:    sourceURL,
		PageURL:      pageURL,
		CampaignID:   campaignID,
		Status:       tracker.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return tracker.TrackedItem{}, false, fmt.Errorf("upsert %s %s %s: %w", identity.Platform, identity.Kind, identity.CanonicalKey, err)
	}
	if created {
		r.logger.Info("tracking new item",
			zap.String("item_id", item.ID),
			zap.String("platform", string(item.Platform)),
			zap.String("kind", string(item.Kind)),
			zap.String("canonical_key", item.CanonicalKey),
		)
	}
	return item, created, nil
}

// PageURL builds the public page for an identity, or "" when the platform has no stable form.
func PageURL(id tracker.Identity) string {
	key := url.PathEscape(id.CanonicalKey)
	if id.Kind == tracker.KindSound {
		switch id.Platform {
		case tracker.PlatformTikTok:
			return "https://www.tiktok.com/music/" + Slug(id.Title) + "-" + key
		case tracker.PlatformInstagram:
			return "https://www.instagram.com/reels/audio/" + key + "/"
		}
		return ""
	}
	switch id.Platform {
	case tracker.PlatformTikTok:
		if id.OwnerHandle == "" {
			return ""
		}
		return "https://www.tiktok.com/@" + url.PathEscape(id.OwnerHandle) + "/video/" + key
	case tracker.PlatformInstagram:
		return "https://www.instagram.com/p/" + key + "/"
	case tracker.PlatformYouTube:
		return "https://www.youtube.com/watch?v=" + url.QueryEscape(id.CanonicalKey)
	case tracker.PlatformTwitter:
		return "https://x.com/i/status/" + key
	case tracker.PlatformFacebook:
		return "https://www.facebook.com/watch/?v=" + url.QueryEscape(id.CanonicalKey)
	}
	return ""
}

// Slug lowercases title into dash-separated ASCII words.
func Slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "original-sound"
	}
	return slug
}

func (r *Resolver) trace(trace *tracker.Trace, step string, payload any) {
	if trace != nil {
		trace.Add(r.now(), step, payload)
	}
}

func (r *Resolver) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now().UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
