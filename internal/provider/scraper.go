// Package provider adapts third-party scraper and orchestrator JSON APIs to tracker types.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/httpclient"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// Doer is the retrying transport used for every provider call.
type Doer interface {
	Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// ScraperConfig locates the scraper API.
type ScraperConfig struct {
	BaseURL string
	APIKey  string
	// BaseURLs overrides BaseURL for individual platforms.
	BaseURLs map[tracker.Platform]string
}

// VideoInfo is what a video lookup reveals about the sound it uses.
type VideoInfo struct {
	VideoID     string
	SoundID     string
	SoundTitle  string
	SoundArtist string
	OwnerHandle string
}

// SoundInfo is descriptive metadata for an audio identity.
type SoundInfo struct {
	SoundID string
	Title   string
	Artist  string
}

// PostInfo is a point-in-time engagement snapshot of one post.
type PostInfo struct {
	PostID      string
	OwnerHandle string
	Metrics     tracker.Metrics
	Region      string
}

var (
	videoIDPaths = []string{"id", "aweme_id", "itemInfo.itemStruct.id", "aweme_detail.aweme_id", "item.id", "code", "shortcode"}
	soundIDPaths = []string{
		"music.id", "musicMeta.musicId", "itemInfo.itemStruct.music.id", "aweme_detail.music.mid",
		"item.music.id", "music_id",
		"clips_metadata.music_info.music_asset_info.audio_cluster_id",
		"clips_metadata.original_sound_info.audio_asset_id",
		"audio.id", "audio_id",
	}
	soundTitlePaths = []string{
		"music.title", "musicMeta.musicName", "itemInfo.itemStruct.music.title", "aweme_detail.music.title",
		"clips_metadata.music_info.music_asset_info.title",
		"clips_metadata.original_sound_info.original_audio_title",
		"audio.title",
	}
	soundArtistPaths = []string{
		"music.authorName", "music.author", "musicMeta.musicAuthor", "itemInfo.itemStruct.music.authorName",
		"aweme_detail.music.author",
		"clips_metadata.music_info.music_asset_info.display_artist",
		"clips_metadata.original_sound_info.ig_artist.username",
		"audio.artist",
	}
	ownerPaths = []string{"author.uniqueId", "authorMeta.name", "itemInfo.itemStruct.author.uniqueId", "aweme_detail.author.unique_id", "owner.username", "user.username", "ownerUsername", "author"}

	soundInfoIDPaths     = []string{"musicInfo.music.id", "music.id", "id", "audio_cluster_id", "audio_id", "metadata.music_info.music_asset_info.audio_cluster_id"}
	soundInfoTitlePaths  = []string{"musicInfo.music.title", "music.title", "title", "metadata.music_info.music_asset_info.title", "name"}
	soundInfoArtistPaths = []string{"musicInfo.music.authorName", "music.authorName", "authorName", "artist", "metadata.music_info.music_asset_info.display_artist", "author"}

	clipListPaths = []string{"items", "clips", "aweme_list", "itemList", "results", "videos"}
)

// enveloped expands every alias to also match under the common `data` wrapper.
func enveloped(paths []string) []string {
	out := make([]string, 0, len(paths)*2)
	for _, p := range paths {
		out = append(out, "data."+p)
	}
	return append(out, paths...)
}

// Scraper talks to the synchronous scraper API.
type Scraper struct {
	doer   Doer
	cfg    ScraperConfig
	fields *Fields
	logger *zap.Logger
}

// NewScraper wires a scraper client.
func NewScraper(doer Doer, cfg ScraperConfig, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{doer: doer, cfg: cfg, fields: NewFields(), logger: logger.Named("scraper")}
}

// Fields exposes the alias resolver shared with webhook parsing.
func (s *Scraper) Fields() *Fields {
	return s.fields
}

// LookupVideo dereferences a video id or short link into the sound it uses.
func (s *Scraper) LookupVideo(ctx context.Context, platform tracker.Platform, precursor string) (VideoInfo, error) {
	query := url.Values{}
	if strings.HasPrefix(precursor, "http://") || strings.HasPrefix(precursor, "https://") {
		query.Set("url", precursor)
	} else {
		query.Set("id", precursor)
	}
	doc, err := s.get(ctx, "lookup_video", platform, "/videos", query)
	if err != nil {
		return VideoInfo{}, err
	}
	info := VideoInfo{
		VideoID:     s.fields.String(doc, enveloped(videoIDPaths)...),
		SoundID:     s.fields.String(doc, enveloped(soundIDPaths)...),
		SoundTitle:  s.fields.String(doc, enveloped(soundTitlePaths)...),
		SoundArtist: s.fields.String(doc, enveloped(soundArtistPaths)...),
		OwnerHandle: s.fields.String(doc, enveloped(ownerPaths)...),
	}
	if info.SoundID == "" {
		return info, fmt.Errorf("%w: no sound id in %s video lookup for %q", tracker.ErrUnresolvableIdentifier, platform, precursor)
	}
	return info, nil
}

// LookupSound fetches title and artist for a canonical sound id.
func (s *Scraper) LookupSound(ctx context.Context, platform tracker.Platform, soundID string) (SoundInfo, error) {
	doc, err := s.get(ctx, "lookup_sound", platform, "/sounds/"+url.PathEscape(soundID), nil)
	if err != nil {
		return SoundInfo{}, err
	}
	info := SoundInfo{
		SoundID: s.fields.String(doc, enveloped(soundInfoIDPaths)...),
		Title:   s.fields.String(doc, enveloped(soundInfoTitlePaths)...),
		Artist:  s.fields.String(doc, enveloped(soundInfoArtistPaths)...),
	}
	if info.SoundID == "" {
		info.SoundID = soundID
	}
	return info, nil
}

// FetchPost scrapes the current engagement of a single post.
func (s *Scraper) FetchPost(ctx context.Context, platform tracker.Platform, postID string) (PostInfo, error) {
	doc, err := s.get(ctx, "fetch_post", platform, "/posts/"+url.PathEscape(postID), nil)
	if err != nil {
		return PostInfo{}, err
	}
	item := doc
	for _, wrapper := range []string{"data", "item", "data.item"} {
		if inner, ok := s.fields.First(doc, wrapper).(map[string]any); ok {
			item = inner
		}
	}
	views := s.fields.Int(item, clipViewsPaths...)
	likes := s.fields.Int(item, clipLikesPaths...)
	comments := s.fields.Int(item, clipCommentsPaths...)
	shares := s.fields.Int(item, clipSharesPaths...)
	info := PostInfo{
		PostID:      s.fields.String(item, clipIDPaths...),
		OwnerHandle: s.fields.String(item, clipOwnerPaths...),
		Region:      s.fields.String(item, clipRegionPaths...),
		Metrics: tracker.Metrics{
			Views:          views,
			Likes:          likes,
			Comments:       comments,
			Shares:         shares,
			EngagementRate: EngagementRate(views, likes, comments, shares),
		},
	}
	if info.PostID == "" {
		info.PostID = postID
	}
	return info, nil
}

// ListSoundClips returns up to limit recent clips that use soundID.
func (s *Scraper) ListSoundClips(ctx context.Context, platform tracker.Platform, soundID string, limit int) ([]Clip, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	doc, err := s.get(ctx, "list_sound_clips", platform, "/sounds/"+url.PathEscape(soundID)+"/clips", query)
	if err != nil {
		return nil, err
	}
	items, ok := doc.([]any)
	if !ok {
		items = s.fields.List(doc, append(enveloped(clipListPaths), "data")...)
	}
	clips := s.fields.ParseClips(items)
	if limit > 0 && len(clips) > limit {
		clips = clips[:limit]
	}
	s.logger.Debug("listed sound clips",
		zap.String("platform", string(platform)),
		zap.String("sound_id", soundID),
		zap.Int("raw", len(items)),
		zap.Int("parsed", len(clips)),
	)
	return clips, nil
}

func (s *Scraper) get(ctx context.Context, name string, platform tracker.Platform, path string, query url.Values) (any, error) {
	base := s.cfg.BaseURL
	if override, ok := s.cfg.BaseURLs[platform]; ok && override != "" {
		base = override
	}
	if base == "" {
		return nil, fmt.Errorf("%s: no scraper configured for %s", name, platform)
	}
	endpoint := strings.TrimRight(base, "/") + "/v1/" + string(platform) + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req := httpclient.Request{Name: name, Method: http.MethodGet, URL: endpoint, Header: http.Header{}}
	req.Header.Set("Accept", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}
	resp, err := s.doer.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, platform, err)
	}
	return Decode(resp.Body)
}

// EngagementRate is (likes+comments+shares)/views as a percentage, zero without views.
func EngagementRate(views, likes, comments, shares int64) float64 {
	if views <= 0 {
		return 0
	}
	return float64(likes+comments+shares) / float64(views) * 100
}
