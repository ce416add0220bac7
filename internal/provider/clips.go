package provider

import (
	"time"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// Alias sets for content items returned by scrapers and orchestrator runs.
var (
	clipIDPaths       = []string{"id", "videoId", "aweme_id", "code", "shortCode", "pk"}
	clipOwnerPaths    = []string{"authorHandle", "author.uniqueId", "authorMeta.name", "ownerUsername", "owner.username", "user.username"}
	clipViewsPaths    = []string{"views", "playCount", "stats.playCount", "statistics.play_count", "videoPlayCount", "play_count", "videoViewCount"}
	clipLikesPaths    = []string{"likes", "diggCount", "stats.diggCount", "statistics.digg_count", "likesCount", "like_count"}
	clipCommentsPaths = []string{"comments", "commentCount", "stats.commentCount", "statistics.comment_count", "commentsCount", "comment_count"}
	clipSharesPaths   = []string{"shares", "shareCount", "stats.shareCount", "statistics.share_count", "sharesCount", "reshare_count"}
	clipPostedPaths   = []string{"postedAt", "createTime", "create_time", "timestamp", "taken_at", "createTimeISO"}
	clipRegionPaths   = []string{"region", "locationCreated", "country", "authorMeta.region", "location.country_code"}
)

// Clip is one piece of content discovered for a tracked item.
type Clip struct {
	ExternalID  string
	OwnerHandle string
	Views       int64
	Likes       int64
	Comments    int64
	Shares      int64
	Region      string
	PostedAt    *time.Time
}

// ParseClip extracts a Clip from one raw item. Items without any identifier are skipped.
func (f *Fields) ParseClip(item any) (Clip, bool) {
	id := f.String(item, clipIDPaths...)
	if id == "" {
		return Clip{}, false
	}
	return Clip{
		ExternalID:  id,
		OwnerHandle: f.String(item, clipOwnerPaths...),
		Views:       f.Int(item, clipViewsPaths...),
		Likes:       f.Int(item, clipLikesPaths...),
		Comments:    f.Int(item, clipCommentsPaths...),
		Shares:      f.Int(item, clipSharesPaths...),
		Region:      f.String(item, clipRegionPaths...),
		PostedAt:    f.Time(item, clipPostedPaths...),
	}, true
}

// ParseClips parses every identifiable item, keeping the last occurrence of duplicate IDs.
func (f *Fields) ParseClips(items []any) []Clip {
	index := make(map[string]int, len(items))
	out := make([]Clip, 0, len(items))
	for _, raw := range items {
		clip, ok := f.ParseClip(raw)
		if !ok {
			continue
		}
		if pos, seen := index[clip.ExternalID]; seen {
			out[pos] = clip
			continue
		}
		index[clip.ExternalID] = len(out)
		out = append(out, clip)
	}
	return out
}

// Observations converts clips into child rows for parentID.
func Observations(parentID string, clips []Clip, observedAt time.Time) []tracker.ChildObservation {
	children := make([]tracker.ChildObservation, 0, len(clips))
	for _, c := range clips {
		children = append(children, tracker.ChildObservation{
			ParentID:        parentID,
			ExternalVideoID: c.ExternalID,
			OwnerHandle:     c.OwnerHandle,
			Views:           c.Views,
			Likes:           c.Likes,
			Comments:        c.Comments,
			Shares:          c.Shares,
			Region:          c.Region,
			PostedAt:        c.PostedAt,
			ObservedAt:      observedAt,
		})
	}
	return children
}
