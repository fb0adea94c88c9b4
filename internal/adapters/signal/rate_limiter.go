package signal

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/dkeye/sceneroom/internal/core"
)

// ConnRateLimiter applies a token bucket to each connection's inbound
// frames.
type ConnRateLimiter struct {
	mu      sync.Mutex
	buckets map[core.SessionID]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func NewConnRateLimiter(perSecond float64, burst int) *ConnRateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &ConnRateLimiter{
		buckets: make(map[core.SessionID]*rate.Limiter),
		limit:   limit,
		burst:   burst,
	}
}

func (rl *ConnRateLimiter) Allow(sid core.SessionID) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[sid]
	if !ok {
		b = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[sid] = b
	}
	rl.mu.Unlock()
	return b.Allow()
}

// Forget drops the bucket of a closed connection.
func (rl *ConnRateLimiter) Forget(sid core.SessionID) {
	rl.mu.Lock()
	delete(rl.buckets, sid)
	rl.mu.Unlock()
}
