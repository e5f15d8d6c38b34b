package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation used by the facade's own
// unit tests and by local development, grounded in the teacher's
// control_plane/store/memory.go (same copy-on-read discipline, same
// linear-scan-and-filter approach to listing).
type MemoryStore struct {
	mu    sync.Mutex
	docs  map[string]*TaskDocument
	errCh chan error

	// InjectError, if set, is returned by the next ClaimAvailable call and
	// also published on Errors(); used by tests to exercise
	// ManagedConfiguration and the StoreFatal/StoreOverload paths.
	InjectError error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]*TaskDocument),
		errCh: make(chan error, 64),
	}
}

func (s *MemoryStore) Errors() <-chan error { return s.errCh }

func (s *MemoryStore) publishErr(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *MemoryStore) nextVersion(current string) string {
	n, _ := strconv.ParseInt(current, 10, 64)
	return strconv.FormatInt(n+1, 10)
}

func (s *MemoryStore) Create(ctx context.Context, doc *TaskDocument) (*TaskDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return nil, ErrVersionConflict
	}
	c := doc.Clone()
	c.Status = StatusIdle
	c.Version = "1"
	s.docs[c.ID] = c
	return c.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, doc *TaskDocument) (*TaskDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.docs[doc.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if existing.Version != doc.Version {
		return nil, ErrVersionConflict
	}
	c := doc.Clone()
	c.Version = s.nextVersion(existing.Version)
	s.docs[c.ID] = c
	return c.Clone(), nil
}

// UpdateBatch implements BatchUpdater so BufferedStore's coalescing path has
// something concrete to exercise in tests without a real database.
func (s *MemoryStore) UpdateBatch(ctx context.Context, docs []*TaskDocument) ([]UpdateResult, error) {
	results := make([]UpdateResult, len(docs))
	for i, d := range docs {
		updated, err := s.Update(ctx, d)
		results[i] = UpdateResult{Doc: updated, Err: err}
	}
	return results, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*TaskDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) GetLifecycle(ctx context.Context, id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return "", ErrNotFound
	}
	return d.Status, nil
}

func (s *MemoryStore) Fetch(ctx context.Context, opts SearchOptions) (FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*TaskDocument
	for _, d := range s.docs {
		if opts.TaskType != "" && d.TaskType != opts.TaskType {
			continue
		}
		if opts.Status != "" && d.Status != opts.Status {
			continue
		}
		matched = append(matched, d.Clone())
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if opts.Size > 0 && len(matched) > opts.Size {
		matched = matched[:opts.Size]
	}
	return FetchResult{Docs: matched}, nil
}

// eligible reports whether doc is claimable at instant now: idle tasks
// whose runAt has arrived, or claiming/running tasks whose lease and runAt
// have both expired.
func eligible(d *TaskDocument, now time.Time) bool {
	switch d.Status {
	case StatusIdle:
		return !d.RunAt.After(now)
	case StatusClaiming, StatusRunning:
		return !d.RunAt.After(now) && d.RetryAt != nil && !d.RetryAt.After(now)
	default:
		return false
	}
}

// ClaimAvailable orders eligible candidates by (status priority, runAt
// ascending), prioritizing explicitly requested ids. A requested id that is
// idle is a candidate even before its runAt.
func (s *MemoryStore) ClaimAvailable(ctx context.Context, opts ClaimOptions) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InjectError != nil {
		err := s.InjectError
		s.InjectError = nil
		s.publishErr(err)
		return ClaimResult{}, err
	}

	now := time.Now()
	requested := make(map[string]bool, len(opts.ClaimTasksByID))
	for _, id := range opts.ClaimTasksByID {
		requested[id] = true
	}

	var candidates []*TaskDocument
	for _, d := range s.docs {
		if eligible(d, now) || (requested[d.ID] && d.Status == StatusIdle) {
			candidates = append(candidates, d)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ar, br := requested[a.ID], requested[b.ID]
		if ar != br {
			return ar // requested ids sort first
		}
		if a.Status.Rank() != b.Status.Rank() {
			return a.Status.Rank() < b.Status.Rank()
		}
		return a.RunAt.Before(b.RunAt)
	})

	if opts.Size > 0 && len(candidates) > opts.Size {
		candidates = candidates[:opts.Size]
	}

	claimed := make([]*TaskDocument, 0, len(candidates))
	for _, d := range candidates {
		owner := opts.OwnerID
		started := now
		retry := opts.ClaimOwnershipUntil
		d.Status = StatusClaiming
		d.OwnerID = &owner
		d.StartedAt = &started
		d.RetryAt = &retry
		d.Attempts++
		d.Version = s.nextVersion(d.Version)
		claimed = append(claimed, d.Clone())
	}

	return ClaimResult{Docs: claimed, ClaimedTasks: len(claimed)}, nil
}
