package ratelimit

import (
	"context"
	"sync"
	"time"
)

// tokenBucket tracks remaining capacity for one key.
type tokenBucket struct {
	remaining  float64
	lastRefill time.Time
}

// MemoryLimiter is an in-memory token bucket per key: rate tokens per second
// refill up to a burst ceiling. Suitable for a single process; the shared
// global budget uses RedisLimiter instead.
type MemoryLimiter struct {
	rate  float64
	burst float64
	ttl   time.Duration

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter with the given sustained
// rate (tokens/second per key) and burst capacity. Keys idle longer than ttl
// are evicted by a background sweep; Close stops the sweep.
func NewMemoryLimiter(rate float64, burst int, ttl time.Duration) *MemoryLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		ttl:     ttl,
		buckets: make(map[string]*tokenBucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow consumes one token from key's bucket, refilling for elapsed time first.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// New key starts full, minus the token this request consumes.
		m.buckets[key] = &tokenBucket{remaining: m.burst - 1, lastRefill: now}
		return true, nil
	}

	b.remaining += now.Sub(b.lastRefill).Seconds() * m.rate
	if b.remaining > m.burst {
		b.remaining = m.burst
	}
	b.lastRefill = now

	if b.remaining < 1 {
		return false, nil
	}
	b.remaining--
	return true, nil
}

// Close stops the eviction sweep. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.ttl)
			m.mu.Lock()
			for key, b := range m.buckets {
				if b.lastRefill.Before(cutoff) {
					delete(m.buckets, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
