// Package ratelimit implements token bucket rate limiting per upstream host.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-sound-tracker/internal/telemetry"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]Rule
	defaultRate  rate.Limit
	defaultBurst int
}

// Rule is a rate and burst pair for one host.
type Rule struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// Hosts overrides the default rule for specific provider hosts.
	Hosts map[string]Rule
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r, burst := toLimit(Rule{RPS: cfg.DefaultRPS, Burst: cfg.DefaultBurst})
	overrides := make(map[string]Rule, len(cfg.Hosts))
	for host, rule := range cfg.Hosts {
		overrides[host] = rule
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    overrides,
		defaultRate:  r,
		defaultBurst: burst,
	}
}

func toLimit(rule Rule) (rate.Limit, int) {
	r := rate.Limit(rule.RPS)
	if rule.RPS <= 0 {
		r = rate.Inf
	}
	burst := rule.Burst
	if burst <= 0 {
		burst = 1
	}
	return r, burst
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := telemetry.SanitizeHost(rawURL)

	start := time.Now()
	if err := l.forHost(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Tokens available immediately are not worth a histogram sample.
	if d := time.Since(start); d > time.Millisecond {
		telemetry.ObserveRateLimitDelay(host, d)
	}
	return nil
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[host]
	if exists {
		return limiter
	}
	r, burst := l.defaultRate, l.defaultBurst
	if rule, ok := l.overrides[host]; ok {
		r, burst = toLimit(rule)
	}
	limiter = rate.NewLimiter(r, burst)
	l.limiters[host] = limiter
	return limiter
}
