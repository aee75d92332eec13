package core

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultLimiterEntries = 100000

// RateLimiterStore manages per-(tenant, device) token buckets. Refill is
// continuous from elapsed wall-clock time; an idle device regains full
// burst capacity.
//
// The store runs before device auth, so its keys are attacker-controlled.
// Buckets live in a bounded LRU so spoofed device IDs cannot grow memory
// without limit; an evicted bucket restarts at full burst, which only
// affects devices idle long enough to fall off the cache.
type RateLimiterStore struct {
	limiters *lru.Cache[string, *rate.Limiter]
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiterStore creates a limiter store where every key gets a
// bucket of the given burst capacity refilling at r tokens/second. At
// most maxEntries buckets are kept, least recently used evicted first.
func NewRateLimiterStore(r float64, burst, maxEntries int) *RateLimiterStore {
	if maxEntries <= 0 {
		maxEntries = defaultLimiterEntries
	}
	limiters, _ := lru.New[string, *rate.Limiter](maxEntries)
	return &RateLimiterStore{
		limiters: limiters,
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow consumes one token from the bucket for (tenantID, deviceUID) if
// one is available. Never blocks, never does I/O.
func (s *RateLimiterStore) Allow(tenantID, deviceUID string) bool {
	return s.limiter(tenantID + "/" + deviceUID).Allow()
}

func (s *RateLimiterStore) limiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limiter, ok := s.limiters.Get(key); ok {
		return limiter
	}
	limiter := rate.NewLimiter(s.rate, s.burst)
	s.limiters.Add(key, limiter)
	return limiter
}

// Len reports how many buckets are currently tracked.
func (s *RateLimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiters.Len()
}
