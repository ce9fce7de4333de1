package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemStore is an in-process Store for single-instance deployments and
// tests; the server uses it when no Redis address is configured. RedisStore
// does not fall back to it when Redis is unreachable. It follows the same per-actor limiter map and idle-eviction
// shape as the reference per-IP rate limiter, keyed by tenant ID (or the
// global bucket key) instead of client IP.
type MemStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{visitors: make(map[string]*visitor)}
}

func (s *MemStore) getVisitor(actorID string, policy Policy) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exists := s.visitors[actorID]
	if !exists {
		perSec := float64(policy.PerMinuteCap) / 60.0
		if perSec <= 0 {
			perSec = 1
		}
		limiter := rate.NewLimiter(rate.Limit(perSec), policy.Burst)
		s.visitors[actorID] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (s *MemStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	limiter := s.getVisitor(actorID, policy)
	return limiter.AllowN(time.Now(), cost), nil
}

// Evict removes visitor entries untouched for longer than staleAfter.
// Callers run this periodically (e.g. every minute); the store does not
// spawn its own goroutine so tests can control eviction timing.
func (s *MemStore) Evict(staleAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, v := range s.visitors {
		if now.Sub(v.lastSeen) > staleAfter {
			delete(s.visitors, id)
		}
	}
}
