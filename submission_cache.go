package agentpay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// SubmissionCache provides idempotency for fund-moving submissions by
// caching successful results and tracking in-flight requests. A caller
// that retries after a timeout gets the original result instead of a
// second submission.
type SubmissionCache[T any] struct {
	mu       sync.Mutex
	results  map[string]T
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewSubmissionCache creates a cache that keeps completed results for ttl.
func NewSubmissionCache[T any](ttl time.Duration) *SubmissionCache[T] {
	return &SubmissionCache[T]{
		results:  make(map[string]T),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SubmissionKey derives a cache key from a caller-supplied idempotency key
// and the scope it applies to, so the same key under two sessions does not
// collide.
func SubmissionKey(scope, idempotencyKey string) string {
	hash := sha256.Sum256([]byte(strings.ToLower(scope) + "\x00" + idempotencyKey))
	return hex.EncodeToString(hash[:])
}

// SubmissionStatus is the result of checking the cache.
type SubmissionStatus int

const (
	// SubmissionNew means no cached result and no in-flight request. The
	// key is now marked in-flight and the caller must Complete or Fail it.
	SubmissionNew SubmissionStatus = iota
	// SubmissionCached means a cached result was found.
	SubmissionCached
	// SubmissionInFlight means another request is processing this key.
	SubmissionInFlight
)

// CheckAndMark atomically checks the cache and marks the key as in-flight
// if nobody holds it.
func (c *SubmissionCache[T]) CheckAndMark(key string) (SubmissionStatus, T, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if expiry, exists := c.expiry[key]; exists {
		if c.now().Before(expiry) {
			return SubmissionCached, c.results[key], nil
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return SubmissionInFlight, zero, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return SubmissionNew, zero, done
}

// WaitForResult waits for an in-flight request to finish. ok is false when
// the request failed and nothing was cached.
func (c *SubmissionCache[T]) WaitForResult(ctx context.Context, key string, done chan struct{}) (T, bool, error) {
	select {
	case <-done:
		v, ok := c.Get(key)
		return v, ok, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// Get returns a cached result that has not expired.
func (c *SubmissionCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	expiry, exists := c.expiry[key]
	if !exists {
		return zero, false
	}
	if c.now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return zero, false
	}
	return c.results[key], true
}

// Complete caches the result and releases any waiters.
func (c *SubmissionCache[T]) Complete(key string, result T, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = result
	c.expiry[key] = c.now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail removes the in-flight marker without caching, so the submission
// may be retried.
func (c *SubmissionCache[T]) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// cleanupExpiredLocked must be called with the lock held.
func (c *SubmissionCache[T]) cleanupExpiredLocked() {
	now := c.now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
