// Package limiter provides shared token-bucket rate limiting for oracle and
// operator traffic. The Redis-backed store keeps buckets consistent across
// replicas; the in-memory store serves tests and single-node deployments.
package limiter

import (
	"context"
	"sync"
	"time"
)

// Policy is a per-actor request budget.
type Policy struct {
	RequestsPerMinute int
	Burst             int
}

func (p Policy) ratePerSecond() float64 {
	rate := float64(p.RequestsPerMinute) / 60.0
	if rate <= 0 {
		rate = 1
	}
	return rate
}

// RetryAfterSeconds is the hint returned with a 429.
func (p Policy) RetryAfterSeconds() int {
	if p.RequestsPerMinute <= 0 {
		return 1
	}
	s := 60 / p.RequestsPerMinute
	if s < 1 {
		s = 1
	}
	return s
}

// Store decides whether an actor may spend cost tokens right now.
type Store interface {
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket), now: time.Now}
}

func (s *MemoryStore) Allow(_ context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[actorID]
	if !ok {
		b = &bucket{tokens: float64(policy.Burst), lastRefill: now}
		s.buckets[actorID] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * policy.ratePerSecond()
		if b.tokens > float64(policy.Burst) {
			b.tokens = float64(policy.Burst)
		}
		b.lastRefill = now
	}

	if b.tokens < float64(cost) {
		return false, nil
	}
	b.tokens -= float64(cost)
	return true, nil
}
