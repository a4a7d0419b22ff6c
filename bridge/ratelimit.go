package bridge

import (
	"sync"

	"golang.org/x/time/rate"
)

// sourceLimiters holds one token bucket per message source. Refill rate is
// tokensPerSecond with a burst of twice the rate.
type sourceLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newSourceLimiters(tokensPerSecond int) *sourceLimiters {
	return &sourceLimiters{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(tokensPerSecond),
		burst:    2 * tokensPerSecond,
	}
}

// allow consumes one token for source, creating the bucket on first use.
func (s *sourceLimiters) allow(source string) bool {
	s.mu.Lock()
	lim, ok := s.limiters[source]
	if !ok {
		lim = rate.NewLimiter(s.rate, s.burst)
		s.limiters[source] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

// forget drops the bucket for a departed source.
func (s *sourceLimiters) forget(source string) {
	s.mu.Lock()
	delete(s.limiters, source)
	s.mu.Unlock()
}
