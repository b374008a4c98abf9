package forgeloop

import (
	"sync"
	"time"
)

// RateLimiter is the single capability the core assumes from the
// authorization layer: admit or defer one request for a key.
type RateLimiter interface {
	// Allow reports whether the request may proceed; when it may not,
	// retryMs is how long the caller should wait before retrying.
	Allow(key string) (ok bool, retryMs int)
}

// TokenBucket is an in-memory per-key token bucket: rps tokens refill
// per second up to burst. The zero value admits everything (rps <= 0).
type TokenBucket struct {
	rps   float64
	burst float64

	mu    sync.Mutex
	state map[string]bucketState
	now   func() time.Time
}

type bucketState struct {
	tokens float64
	last   time.Time
}

// NewTokenBucket builds a limiter with the given refill rate and burst.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		rps:   rps,
		burst: float64(burst),
		state: make(map[string]bucketState),
		now:   time.Now,
	}
}

// Allow consumes one token for key when available.
func (b *TokenBucket) Allow(key string) (bool, int) {
	if b.rps <= 0 {
		return true, 0
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[key]
	if !ok {
		s = bucketState{tokens: b.burst, last: now}
	}
	s.tokens += now.Sub(s.last).Seconds() * b.rps
	if s.tokens > b.burst {
		s.tokens = b.burst
	}
	s.last = now

	if s.tokens >= 1.0 {
		s.tokens--
		b.state[key] = s
		return true, 0
	}
	need := 1.0 - s.tokens
	retryMs := int(need / b.rps * 1000)
	if retryMs < 1 {
		retryMs = 1
	}
	b.state[key] = s
	return false, retryMs
}

// compile-time check
var _ RateLimiter = (*TokenBucket)(nil)
