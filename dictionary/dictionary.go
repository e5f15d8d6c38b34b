// Package dictionary implements an in-memory registry of task-type
// definitions, locked once the facade starts. Grounded in the teacher's
// registration-before-start
// discipline for scheduler state in
// control_plane/scheduler/scheduler.go (NewScheduler wiring nodeLimiters and
// tenantLimiters before the worker loop starts).
package dictionary

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Executor is the caller-supplied function associated with a task type.
// ctx is the abort signal: it is cancelled when the runner's timeout elapses
// or the pool is shut down; a well-behaved executor selects on ctx.Done().
type Executor interface {
	Execute(ctx context.Context, params, state []byte) (Outcome, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, params, state []byte) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, params, state []byte) (Outcome, error) {
	return f(ctx, params, state)
}

// Outcome is what a successful executor invocation returns. RunAt, if
// non-zero, overrides the computed reschedule time for the *next* run only;
// it does not permanently override the recurring interval.
type Outcome struct {
	State []byte
	RunAt time.Time
}

// Definition is one entry in the dictionary.
type Definition struct {
	Title       string
	Timeout     time.Duration
	MaxAttempts int
	NewExecutor func() Executor

	// RateLimitKey extracts the per-type dispatch rate-limit key (a tenant
	// or destination-system id, typically) from a task's params. Nil means
	// the type's own name is the key.
	RateLimitKey func(params []byte) string
}

// ErrAlreadyStarted is returned by Register once the dictionary is locked.
var ErrAlreadyStarted = fmt.Errorf("dictionary: already started, registration is closed")

// Dictionary is the facade's task-type registry.
type Dictionary struct {
	mu     sync.RWMutex
	defs   map[string]Definition
	locked bool
}

// New returns an empty, unlocked Dictionary.
func New() *Dictionary {
	return &Dictionary{defs: make(map[string]Definition)}
}

// Register adds or replaces a type definition. It returns ErrAlreadyStarted
// once Lock has been called: registration is permitted only before start.
func (d *Dictionary) Register(taskType string, def Definition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return ErrAlreadyStarted
	}
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = 3
	}
	d.defs[taskType] = def
	return nil
}

// RegisterAll registers a batch, stopping at the first error.
func (d *Dictionary) RegisterAll(defs map[string]Definition) error {
	for taskType, def := range defs {
		if err := d.Register(taskType, def); err != nil {
			return err
		}
	}
	return nil
}

// Lock freezes the dictionary; called by the facade's start.
func (d *Dictionary) Lock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked = true
}

// Get looks up a definition by task type.
func (d *Dictionary) Get(taskType string) (Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[taskType]
	return def, ok
}
