package store

import (
	"context"
	"log"
	"time"

	"github.com/taskflux/taskflux/observability"
)

// LeaseJanitor is a periodic sweep that force-releases Redis task leases
// whose retryAt has passed by more than a grace window. Grounded in the
// teacher's coordination.LockJanitor fencing/staleness sweep, adapted from
// lock-epoch fencing to task-lease staleness: Redis has no background
// "visibility" scan the way a SQL WHERE clause gives the Postgres backend
// for free, so an abandoned claiming/running task could otherwise sit past
// its lease until something else happens to poll it. This never changes
// claim semantics; ClaimAvailable already reclaims expired leases inline.
// It only prevents a pathological accumulation of expired-but-untouched
// hash keys between claim cycles.
type LeaseJanitor struct {
	store    *RedisStore
	interval time.Duration
	grace    time.Duration
}

// NewLeaseJanitor constructs a janitor that sweeps store every interval,
// releasing leases that expired more than grace ago.
func NewLeaseJanitor(s *RedisStore, interval, grace time.Duration) *LeaseJanitor {
	return &LeaseJanitor{store: s, interval: interval, grace: grace}
}

// Start runs the sweep loop in the background until ctx is cancelled.
func (j *LeaseJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *LeaseJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *LeaseJanitor) sweep(ctx context.Context) {
	result, err := j.store.Fetch(ctx, SearchOptions{Size: 1000})
	if err != nil {
		log.Printf("lease janitor: fetch failed: %v", err)
		return
	}

	now := time.Now()
	for _, doc := range result.Docs {
		if doc.Status != StatusClaiming && doc.Status != StatusRunning {
			continue
		}
		if doc.RetryAt == nil || !now.After(doc.RetryAt.Add(j.grace)) {
			continue
		}

		released := doc.Clone()
		released.Status = StatusIdle
		released.OwnerID = nil
		released.RetryAt = nil
		if _, err := j.store.Update(ctx, released); err != nil {
			if !IsVersionConflict(err) {
				log.Printf("lease janitor: release %s failed: %v", doc.ID, err)
			}
			continue
		}
		observability.LeaseJanitorReclaims.Inc()
		log.Printf("lease janitor: reclaimed stale lease on %s (owner %v, expired %s)", doc.ID, doc.OwnerID, doc.RetryAt)
	}
}
