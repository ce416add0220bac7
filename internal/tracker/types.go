// Package tracker defines core types shared across subsystems.
package tracker

import (
	"encoding/json"
	"time"
)

// Platform identifies the social network a piece of content lives on.
type Platform string

// Supported platforms.
const (
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
	PlatformTwitter   Platform = "twitter"
	PlatformFacebook  Platform = "facebook"
)

// Platforms lists every platform the classifier knows about, in match order.
var Platforms = []Platform{
	PlatformTikTok,
	PlatformInstagram,
	PlatformYouTube,
	PlatformTwitter,
	PlatformFacebook,
}

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// Kind distinguishes tracked posts from tracked sounds.
type Kind string

// Tracked item kinds.
const (
	KindPost  Kind = "post"
	KindSound Kind = "sound"
)

// IdentifierKind says whether an extracted identifier is already canonical.
type IdentifierKind string

// Identifier kinds returned by the classifier.
const (
	IdentifierDirect   IdentifierKind = "direct"
	IdentifierIndirect IdentifierKind = "indirect"
)

// Classification is the result of matching a submitted URL.
type Classification struct {
	Platform       Platform       `json:"platform"`
	Kind           Kind           `json:"kind"`
	IdentifierKind IdentifierKind `json:"identifier_kind"`
	RawIdentifier  string         `json:"raw_identifier"`
	Rule           string         `json:"rule"`
}

// Metrics is the last known engagement snapshot of a tracked item.
type Metrics struct {
	Views          int64   `json:"views"`
	Likes          int64   `json:"likes"`
	Comments       int64   `json:"comments"`
	Shares         int64   `json:"shares"`
	EngagementRate float64 `json:"engagement_rate"`
	ChildCount     int     `json:"child_count"`
}

// GeoShare is one bucket of the coarse region distribution.
type GeoShare struct {
	Code    string  `json:"code"`
	Country string  `json:"country"`
	Percent float64 `json:"percent"`
}

// TrackedItem is the persisted record of one canonical entity.
type TrackedItem struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	Platform      Platform   `json:"platform"`
	CanonicalKey  string     `json:"canonical_key"`
	OwnerHandle   string     `json:"owner_handle,omitempty"`
	Title         string     `json:"title,omitempty"`
	Artist        string     `json:"artist,omitempty"`
	SourceURL     string     `json:"source_url,omitempty"`
	PageURL       string     `json:"page_url,omitempty"`
	CampaignID    string     `json:"campaign_id,omitempty"`
	Status        Status     `json:"status"`
	Metrics       Metrics    `json:"metrics"`
	Geo           []GeoShare `json:"geo,omitempty"`
	RunHandle     string     `json:"run_handle,omitempty"`
	RunStartedAt  *time.Time `json:"run_started_at,omitempty"`
	LastScrapedAt *time.Time `json:"last_scraped_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ChildObservation is a content item attributed to a tracked item by a completed job.
type ChildObservation struct {
	ParentID        string     `json:"parent_id"`
	ExternalVideoID string     `json:"external_video_id"`
	OwnerHandle     string     `json:"owner_handle,omitempty"`
	Views           int64      `json:"views"`
	Likes           int64      `json:"likes"`
	Comments        int64      `json:"comments"`
	Shares          int64      `json:"shares"`
	Region          string     `json:"region,omitempty"`
	PostedAt        *time.Time `json:"posted_at,omitempty"`
	ObservedAt      time.Time  `json:"observed_at"`
}

// Identity is the outcome of canonical resolution, before persistence.
type Identity struct {
	Platform     Platform `json:"platform"`
	Kind         Kind     `json:"kind"`
	CanonicalKey string   `json:"canonical_key"`
	Title        string   `json:"title,omitempty"`
	Artist       string   `json:"artist,omitempty"`
	OwnerHandle  string   `json:"owner_handle,omitempty"`
	PageURL      string   `json:"page_url,omitempty"`
}

// Snapshot is a freshly scraped state to be written by a completion transition.
type Snapshot struct {
	Metrics     Metrics
	Geo         []GeoShare
	OwnerHandle string
}

// TraceStep is one diagnostic entry of a job run.
type TraceStep struct {
	Step    string          `json:"step"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Trace is an ordered debug trace for a single resolve-and-index attempt.
type Trace []TraceStep

// Add appends a step, marshaling payload best-effort.
func (t *Trace) Add(at time.Time, step string, payload any) {
	entry := TraceStep{Step: step, At: at}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			entry.Payload = raw
		}
	}
	*t = append(*t, entry)
}

// TransitionRecord is one append-only entry of the status audit log.
type TransitionRecord struct {
	ItemID    string    `json:"item_id"`
	Component string    `json:"component"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
