// Package ratelimit implements fixed-window request limiting keyed by
// caller-chosen strings.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Result describes the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// ExceededError is returned by callers that turn a denied Result into an
// error.
type ExceededError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return "rate limit exceeded for " + e.Scope
}

// Limiter is satisfied by the memory and redis backends.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
	// Reset closes the current window of key.
	Reset(ctx context.Context, key string) error
}

const (
	sweepThreshold = 5000
	maxBuckets     = 10000
	overflowRetry  = time.Minute
)

type bucket struct {
	count   int
	resetAt time.Time
}

// Memory is a process-local limiter. Its bucket table is swept of expired
// windows once it grows past sweepThreshold and is capped at maxBuckets.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	sweep   rate.Sometimes
}

var _ Limiter = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		sweep:   rate.Sometimes{Interval: time.Minute},
	}
}

// WithClock replaces the time source; used by tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if len(m.buckets) > sweepThreshold {
		m.sweep.Do(func() { m.purge(now) })
	}

	b, ok := m.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		if !ok && len(m.buckets) >= maxBuckets {
			m.purge(now)
			if len(m.buckets) >= maxBuckets {
				return Result{Allowed: false, ResetAt: now.Add(overflowRetry), RetryAfter: overflowRetry}, nil
			}
		}
		b = &bucket{resetAt: now.Add(window)}
		m.buckets[key] = b
	}

	if b.count >= limit {
		return Result{Allowed: false, ResetAt: b.resetAt, RetryAfter: b.resetAt.Sub(now)}, nil
	}
	b.count++
	return Result{Allowed: true, Remaining: limit - b.count, ResetAt: b.resetAt}, nil
}

// purge drops every bucket whose window has closed. Caller holds mu.
func (m *Memory) purge(now time.Time) {
	for k, b := range m.buckets {
		if !now.Before(b.resetAt) {
			delete(m.buckets, k)
		}
	}
}

// Reset forgets key, e.g. after a successful login.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.buckets, key)
	m.mu.Unlock()
	return nil
}
