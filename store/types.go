package store

import "time"

// Status is the lifecycle state of a TaskDocument.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusClaiming Status = "claiming"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// priorityRank orders statuses for claimAvailable ordering:
// claiming < idle < running < failed, so expired claiming/running leases are
// reclaimed ahead of fresh idle work.
var priorityRank = map[Status]int{
	StatusClaiming: 0,
	StatusIdle:     1,
	StatusRunning:  2,
	StatusFailed:   3,
}

// Rank returns this status's claim-ordering priority; lower sorts first.
func (s Status) Rank() int { return priorityRank[s] }

// Schedule marks a task as recurring with a fixed interval.
type Schedule struct {
	Interval time.Duration
}

// TaskDocument is the persisted shape of a scheduled task.
type TaskDocument struct {
	ID           string
	TaskType     string
	Params       []byte // opaque payload, serialized by the caller
	State        []byte // opaque payload, overwritten by each successful run
	Status       Status
	RunAt        time.Time
	ScheduledAt  time.Time
	StartedAt    *time.Time
	RetryAt      *time.Time
	Attempts     int
	OwnerID      *string
	Schedule     *Schedule
	Version      string
}

// Recurring reports whether this task reschedules itself after each run.
func (d *TaskDocument) Recurring() bool { return d.Schedule != nil }

// Clone returns a deep-enough copy safe for a caller to mutate without
// racing the store's internal state (mirrors the teacher's MemoryStore
// copy-on-read discipline in control_plane/store/memory.go).
func (d *TaskDocument) Clone() *TaskDocument {
	if d == nil {
		return nil
	}
	c := *d
	if d.Params != nil {
		c.Params = append([]byte(nil), d.Params...)
	}
	if d.State != nil {
		c.State = append([]byte(nil), d.State...)
	}
	if d.StartedAt != nil {
		t := *d.StartedAt
		c.StartedAt = &t
	}
	if d.RetryAt != nil {
		t := *d.RetryAt
		c.RetryAt = &t
	}
	if d.OwnerID != nil {
		o := *d.OwnerID
		c.OwnerID = &o
	}
	if d.Schedule != nil {
		s := *d.Schedule
		c.Schedule = &s
	}
	return &c
}

// ClaimOptions parameterizes TaskStore.ClaimAvailable.
type ClaimOptions struct {
	Size                int
	ClaimOwnershipUntil time.Time
	ClaimTasksByID      []string
	OwnerID             string
}

// ClaimResult is the outcome of a claim round-trip. ClaimedTasks is the
// store's reported update count, which may disagree with len(Docs) when the
// backend can't materialize every updated row in one round trip; callers
// should treat a disagreement as a warning signal.
type ClaimResult struct {
	Docs         []*TaskDocument
	ClaimedTasks int
}

// SearchOptions parameterizes the read-only TaskStore.Fetch listing.
type SearchOptions struct {
	TaskType   string
	Status     Status
	Size       int
	SearchAfter string
}

// FetchResult is the outcome of TaskStore.Fetch.
type FetchResult struct {
	Docs        []*TaskDocument
	SearchAfter string
}
