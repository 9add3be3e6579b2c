// Package ratelimit implements per-client token buckets that throttle job
// start requests.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTracked bounds the client map; idle buckets are pruned past it.
	maxTracked = 1024
	idleAfter  = 10 * time.Minute
)

// Limiter manages per-client rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*bucket
	defaultRate  rate.Limit
	defaultBurst int
	now          func() time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS of zero or less disables limiting.
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*bucket),
		defaultRate:  r,
		defaultBurst: burst,
		now:          time.Now,
	}
}

// Allow reports whether client may act now and consumes a token if so.
func (l *Limiter) Allow(client string) bool {
	if l == nil || l.defaultRate == rate.Inf {
		return true
	}
	if client == "" {
		client = "unknown"
	}
	now := l.now()
	l.mu.Lock()
	b, ok := l.limiters[client]
	if !ok {
		if len(l.limiters) >= maxTracked {
			l.prune(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.defaultRate, l.defaultBurst)}
		l.limiters[client] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// RetryAfter estimates how long client must wait for the next token.
func (l *Limiter) RetryAfter(client string) time.Duration {
	if l == nil || l.defaultRate == rate.Inf {
		return 0
	}
	l.mu.Lock()
	b, ok := l.limiters[client]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	now := l.now()
	r := b.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return delay
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// prune must be called with l.mu held.
func (l *Limiter) prune(now time.Time) {
	for key, b := range l.limiters {
		if now.Sub(b.seen) > idleAfter {
			delete(l.limiters, key)
		}
	}
}
