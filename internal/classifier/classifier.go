// Package classifier maps submitted URLs to a platform and an extracted identifier.
// It performs no I/O and never panics on malformed input.
package classifier

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// rule extracts an identifier from a parsed URL. The first matching rule wins.
type rule struct {
	name    string
	hosts   []string
	path    *regexp.Regexp
	query   string
	kind    tracker.IdentifierKind
	fullURL bool
}

func (r rule) match(host string, u *url.URL) (string, bool) {
	if len(r.hosts) > 0 && !hostIn(host, r.hosts) {
		return "", false
	}
	if r.path != nil {
		m := r.path.FindStringSubmatch(u.EscapedPath())
		if m == nil {
			return "", false
		}
		if r.fullURL {
			return canonicalURL(host, u), true
		}
		if len(m) > 1 {
			return m[1], m[1] != ""
		}
	}
	if r.query != "" {
		v := strings.TrimSpace(u.Query().Get(r.query))
		return v, v != ""
	}
	return "", false
}

var domains = map[tracker.Platform][]string{
	tracker.PlatformTikTok:    {"tiktok.com"},
	tracker.PlatformInstagram: {"instagram.com", "instagr.am"},
	tracker.PlatformYouTube:   {"youtube.com", "youtu.be"},
	tracker.PlatformTwitter:   {"twitter.com", "x.com"},
	tracker.PlatformFacebook:  {"facebook.com", "fb.watch", "fb.com"},
}

var (
	tiktokShortHosts = []string{"vm.tiktok.com", "vt.tiktok.com"}

	soundRules = map[tracker.Platform][]rule{
		tracker.PlatformTikTok: {
			{name: "music_path", path: regexp.MustCompile(`^/music/(?:[^/]*-)?(\d{6,})/?$`), kind: tracker.IdentifierDirect},
			{name: "video_path", path: regexp.MustCompile(`^/@[^/]+/video/(\d+)`), kind: tracker.IdentifierIndirect},
			{name: "short_link", hosts: tiktokShortHosts, path: regexp.MustCompile(`^/[A-Za-z0-9]+/?$`), kind: tracker.IdentifierIndirect, fullURL: true},
			{name: "short_path", path: regexp.MustCompile(`^/t/[A-Za-z0-9]+/?$`), kind: tracker.IdentifierIndirect, fullURL: true},
		},
		tracker.PlatformInstagram: {
			{name: "audio_path", path: regexp.MustCompile(`^/reels/audio/(\d+)`), kind: tracker.IdentifierDirect},
			{name: "reel_path", path: regexp.MustCompile(`^/(?:reel|reels|p)/([A-Za-z0-9_-]+)`), kind: tracker.IdentifierIndirect},
		},
	}

	postRules = map[tracker.Platform][]rule{
		tracker.PlatformTikTok: {
			{name: "video_path", path: regexp.MustCompile(`^/@[^/]+/(?:video|photo)/(\d+)`), kind: tracker.IdentifierDirect},
			{name: "short_link", hosts: tiktokShortHosts, path: regexp.MustCompile(`^/[A-Za-z0-9]+/?$`), kind: tracker.IdentifierIndirect, fullURL: true},
			{name: "short_path", path: regexp.MustCompile(`^/t/[A-Za-z0-9]+/?$`), kind: tracker.IdentifierIndirect, fullURL: true},
		},
		tracker.PlatformInstagram: {
			{name: "post_path", path: regexp.MustCompile(`^/(?:p|reel|reels|tv)/([A-Za-z0-9_-]+)`), kind: tracker.IdentifierDirect},
		},
		tracker.PlatformYouTube: {
			{name: "short_link", hosts: []string{"youtu.be"}, path: regexp.MustCompile(`^/([A-Za-z0-9_-]{6,})`), kind: tracker.IdentifierDirect},
			{name: "shorts_path", path: regexp.MustCompile(`^/shorts/([A-Za-z0-9_-]{6,})`), kind: tracker.IdentifierDirect},
			{name: "watch_query", path: regexp.MustCompile(`^/watch/?$`), query: "v", kind: tracker.IdentifierDirect},
		},
		tracker.PlatformTwitter: {
			{name: "status_path", path: regexp.MustCompile(`^/(?:[^/]+|i/web)/status(?:es)?/(\d+)`), kind: tracker.IdentifierDirect},
		},
		tracker.PlatformFacebook: {
			{name: "short_link", hosts: []string{"fb.watch"}, path: regexp.MustCompile(`^/[A-Za-z0-9_-]+/?$`), kind: tracker.IdentifierIndirect, fullURL: true},
			{name: "video_path", path: regexp.MustCompile(`/videos/(?:[^/]+/)?(\d+)`), kind: tracker.IdentifierDirect},
			{name: "reel_path", path: regexp.MustCompile(`^/reel/(\d+)`), kind: tracker.IdentifierDirect},
			{name: "watch_query", path: regexp.MustCompile(`^/watch/?$`), query: "v", kind: tracker.IdentifierDirect},
		},
	}
)

// DetectPlatform returns the platform owning rawURL's host.
func DetectPlatform(rawURL string) (tracker.Platform, error) {
	_, host, err := parse(rawURL)
	if err != nil {
		return "", err
	}
	return platformFor(host)
}

// Classify extracts {platform, identifier kind, raw identifier} for the requested item kind.
// An empty kind tries the direct sound rules first and falls back to post rules.
func Classify(rawURL string, kind tracker.Kind) (tracker.Classification, error) {
	u, host, err := parse(rawURL)
	if err != nil {
		return tracker.Classification{}, err
	}
	platform, err := platformFor(host)
	if err != nil {
		return tracker.Classification{}, err
	}

	switch kind {
	case tracker.KindSound:
		rules, ok := soundRules[platform]
		if !ok {
			return tracker.Classification{}, fmt.Errorf("%w: sound resolution is not implemented for %s",
				tracker.ErrUnsupportedPlatform, platform)
		}
		return apply(platform, tracker.KindSound, rules, host, u)
	case tracker.KindPost:
		return apply(platform, tracker.KindPost, postRules[platform], host, u)
	case "":
		for _, r := range soundRules[platform] {
			if r.kind != tracker.IdentifierDirect {
				continue
			}
			if id, ok := r.match(host, u); ok {
				return result(platform, tracker.KindSound, r, id), nil
			}
		}
		return apply(platform, tracker.KindPost, postRules[platform], host, u)
	default:
		return tracker.Classification{}, fmt.Errorf("%w: unknown kind %q", tracker.ErrUnsupportedPlatform, kind)
	}
}

func apply(
	platform tracker.Platform,
	kind tracker.Kind,
	rules []rule,
	host string,
	u *url.URL,
) (tracker.Classification, error) {
	for _, r := range rules {
		if id, ok := r.match(host, u); ok {
			return result(platform, kind, r, id), nil
		}
	}
	return tracker.Classification{}, fmt.Errorf("%w: no %s identifier in %s URL",
		tracker.ErrUnresolvableIdentifier, kind, platform)
}

func result(platform tracker.Platform, kind tracker.Kind, r rule, id string) tracker.Classification {
	return tracker.Classification{
		Platform:       platform,
		Kind:           kind,
		IdentifierKind: r.kind,
		RawIdentifier:  id,
		Rule:           r.name,
	}
}

func parse(rawURL string) (*url.URL, string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, "", fmt.Errorf("%w: empty url", tracker.ErrUnsupportedPlatform)
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("%w: malformed url", tracker.ErrUnsupportedPlatform)
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "m.", "mobile.", "web."} {
		host = strings.TrimPrefix(host, prefix)
	}
	if host == "" {
		return nil, "", fmt.Errorf("%w: missing host", tracker.ErrUnsupportedPlatform)
	}
	return u, host, nil
}

func platformFor(host string) (tracker.Platform, error) {
	for _, p := range tracker.Platforms {
		if hostIn(host, domains[p]) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", tracker.ErrUnsupportedPlatform, host)
}

func hostIn(host string, candidates []string) bool {
	for _, d := range candidates {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func canonicalURL(host string, u *url.URL) string {
	return "https://" + host + strings.TrimRight(u.EscapedPath(), "/")
}
