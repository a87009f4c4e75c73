package handlers

import (
	"strings"
	"sync"
	"time"
)

// rateLimiter gates refund intake per actor. A nil limiter admits everything.
type rateLimiter interface {
	Allow(key string) bool
}

// refundThrottle counts refund requests per actor in fixed windows. Refund
// intake is the one user-facing write worth throttling: each accepted request
// opens an operator review and blocks further requests for the order, so a
// burst from one actor is either a bug or abuse.
type refundThrottle struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]throttleBucket
}

type throttleBucket struct {
	opened time.Time
	used   int
}

func newRefundThrottle(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &refundThrottle{
		limit:   limit,
		window:  window,
		clock:   clock,
		buckets: make(map[string]throttleBucket),
	}
}

func (t *refundThrottle) Allow(key string) bool {
	if t == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}

	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, ok := t.buckets[key]
	if !ok || now.Sub(bucket.opened) >= t.window {
		t.dropStaleBuckets(now)
		t.buckets[key] = throttleBucket{opened: now, used: 1}
		return true
	}
	if bucket.used >= t.limit {
		return false
	}
	bucket.used++
	t.buckets[key] = bucket
	return true
}

// dropStaleBuckets runs under the mutex whenever a fresh window opens, which
// bounds the map to actors seen within the current window.
func (t *refundThrottle) dropStaleBuckets(now time.Time) {
	for key, bucket := range t.buckets {
		if now.Sub(bucket.opened) >= t.window {
			delete(t.buckets, key)
		}
	}
}
