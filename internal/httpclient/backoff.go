package httpclient

import (
	"crypto/rand"
	"math/big"
	"time"
)

// backoffPolicy computes base * 2^attempt, optionally capped and jittered.
type backoffPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    bool
}

func newBackoffPolicy(base, maxDelay time.Duration, jitter bool) *backoffPolicy {
	return &backoffPolicy{baseDelay: base, maxDelay: maxDelay, jitter: jitter}
}

// Backoff returns the wait after the given zero-based failed attempt.
func (p *backoffPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := p.baseDelay << attempt
	if p.maxDelay > 0 && delay > p.maxDelay {
		delay = p.maxDelay
	}
	if !p.jitter {
		return delay
	}
	return delay/2 + randomJitter(delay/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
