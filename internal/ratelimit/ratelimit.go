package ratelimit

import (
	"math/rand"
	"sync"
	"time"
)

// Result of a rate-limit check. RetryAfter is in whole seconds, rounded up,
// and only set when the request was throttled.
type Result struct {
	Allowed    bool `json:"allowed"`
	RetryAfter int  `json:"retry_after,omitempty"`
}

// Limiter enforces a minimum interval between requests per key. Entries are
// swept lazily: each allowed request has a small probability of triggering a
// cleanup of entries older than the stale age.
type Limiter struct {
	mu          sync.Mutex
	lastRequest map[string]time.Time

	minInterval time.Duration
	staleAge    time.Duration
	sweepProb   float64

	now  func() time.Time
	rand func() float64
}

func New(minInterval, staleAge time.Duration, sweepProb float64) *Limiter {
	return &Limiter{
		lastRequest: make(map[string]time.Time),
		minInterval: minInterval,
		staleAge:    staleAge,
		sweepProb:   sweepProb,
		now:         time.Now,
		rand:        rand.Float64,
	}
}

// CheckAndRecord allows the request and records its timestamp, or throttles
// it without touching the timestamp so the window does not slide forward on
// rejected requests.
func (l *Limiter) CheckAndRecord(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.lastRequest[key]; ok {
		elapsed := now.Sub(last)
		if elapsed < l.minInterval {
			remaining := l.minInterval - elapsed
			retryAfter := int((remaining + time.Second - 1) / time.Second)
			return Result{Allowed: false, RetryAfter: retryAfter}
		}
	}

	l.lastRequest[key] = now

	if l.rand() < l.sweepProb {
		l.sweepLocked(now)
	}
	return Result{Allowed: true}
}

func (l *Limiter) sweepLocked(now time.Time) {
	for key, ts := range l.lastRequest {
		if now.Sub(ts) > l.staleAge {
			delete(l.lastRequest, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lastRequest)
}
