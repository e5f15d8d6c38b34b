package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskflux/taskflux/events"
	"github.com/taskflux/taskflux/observability"
	"github.com/taskflux/taskflux/store"
)

// Schedule applies registered middleware and delegates creation to the
// store.
func (s *Scheduler) Schedule(ctx context.Context, doc *store.TaskDocument) (*store.TaskDocument, error) {
	doc = s.applyMiddleware(doc)
	return s.store.Create(ctx, doc)
}

// EnsureScheduled is like Schedule but treats a version conflict (document
// already exists) as idempotent success, returning the caller's instance.
func (s *Scheduler) EnsureScheduled(ctx context.Context, doc *store.TaskDocument) (*store.TaskDocument, error) {
	doc = s.applyMiddleware(doc)
	created, err := s.store.Create(ctx, doc)
	if store.IsVersionConflict(err) {
		observability.VersionConflicts.WithLabelValues("ensure_scheduled").Inc()
		return doc, nil
	}
	return created, err
}

func (s *Scheduler) applyMiddleware(doc *store.TaskDocument) *store.TaskDocument {
	s.mu.RLock()
	mws := s.middlewares
	s.mu.RUnlock()
	for _, m := range mws {
		doc = m(doc)
	}
	return doc
}

// RunNow enqueues an explicit claim request and waits for the first
// terminal lifecycle event referencing id. The subscribe-before-enqueue /
// filter-by-id / first-terminal-wins / unsubscribe protocol is the
// trickiest piece of the whole design: subscribing before enqueueing
// guarantees the caller can't miss the event if the request completes
// immediately.
func (s *Scheduler) RunNow(ctx context.Context, id string) (string, error) {
	if err := s.requireStarted(); err != nil {
		return "", err
	}

	sub := s.stream.Subscribe()
	defer sub.Unsubscribe()

	p := s.monitor.Current()
	if p == nil {
		return "", fmt.Errorf("scheduler: poller not available")
	}
	if err := p.RequestClaim(id); err != nil {
		s.stream.Publish(events.New(id, events.KindRunRequest, events.Err(err)))
	}

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return "", fmt.Errorf("scheduler: event stream closed")
			}
			if ev.TaskID != id || !ev.Terminal() {
				continue
			}
			if ev.Kind == events.KindRun && !ev.Result.IsErr {
				return id, nil
			}
			if ev.Result.Err != nil {
				return "", ev.Result.Err
			}
			return "", errors.New("scheduler: runNow failed")
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Fetch performs a read-only listing.
func (s *Scheduler) Fetch(ctx context.Context, opts store.SearchOptions) (store.FetchResult, error) {
	return s.store.Fetch(ctx, opts)
}

// Get fetches a single document.
func (s *Scheduler) Get(ctx context.Context, id string) (*store.TaskDocument, error) {
	return s.store.Get(ctx, id)
}

// Remove idempotently deletes a document.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	return s.store.Remove(ctx, id)
}
