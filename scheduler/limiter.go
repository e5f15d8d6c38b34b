package scheduler

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/taskflux/taskflux/observability"
)

// TaskTypeLimiter rate-limits dispatch per declared key, grounded directly
// in the teacher's control_plane/scheduler/limiter.go TokenBucketLimiter.
// The key is whatever the task type's dictionary.Definition.RateLimitKey
// extracts from its params (a tenant or destination-system id, typically),
// falling back to the task type itself when a definition declares none: a
// runaway tenant/destination shouldn't starve the pool of capacity for
// every other key sharing the same task type.
type TaskTypeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewTaskTypeLimiter builds a limiter allowing r dispatches/sec per key,
// with burst b.
func NewTaskTypeLimiter(r float64, b int) *TaskTypeLimiter {
	return &TaskTypeLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether a dispatch keyed by key may proceed right now.
func (l *TaskTypeLimiter) Allow(key string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	allowed := limiter.Allow()
	if !allowed {
		observability.RateLimitedDispatches.WithLabelValues(key).Inc()
	}
	return allowed
}
