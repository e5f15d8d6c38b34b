// Package runner implements the state machine that drives a claimed task
// to completion: claim → mark-running → execute → persist outcome →
// removed | rescheduled | failed. Grounded in the teacher's
// control_plane/reconciler.go Reconcile method (hard per-invocation
// timeout via context.WithTimeout, deferred metrics, mutex-guarded
// busy-tracking) generalized from one-shot reconciliation to a retry/
// backoff/reschedule state machine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/taskflux/taskflux/dictionary"
	"github.com/taskflux/taskflux/events"
	"github.com/taskflux/taskflux/observability"
	"github.com/taskflux/taskflux/store"
)

// ErrExecutorTimeout is the synthetic error substituted for a failure
// caused by the executor exceeding its type's timeout.
var ErrExecutorTimeout = errors.New("runner: executor timeout")

// ErrUnknownTaskType marks a task failed terminally when its type isn't
// registered.
var ErrUnknownTaskType = errors.New("runner: unknown task type")

const (
	defaultBackoffBase = 5 * time.Minute
	defaultMaxBackoff  = 1 * time.Hour
	jitterFraction     = 0.30
)

// Updater is the subset of store.Store (or bufferedstore.BufferedStore)
// the runner needs to persist transitions.
type Updater interface {
	Update(ctx context.Context, doc *store.TaskDocument) (*store.TaskDocument, error)
	Remove(ctx context.Context, id string) error
}

// Runner drives one claimed TaskDocument to completion.
type Runner struct {
	Doc         *store.TaskDocument
	OwnerID     string
	Store       Updater
	Dict        *dictionary.Dictionary
	Emit        func(events.Event)
	MaxBackoff  time.Duration
	BackoffBase time.Duration
}

// Run executes the full state machine. ctx is the pool's per-runner
// context; cancellation fires the executor's abort signal.
func (r *Runner) Run(ctx context.Context) {
	if r.BackoffBase <= 0 {
		r.BackoffBase = defaultBackoffBase
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = defaultMaxBackoff
	}

	def, ok := r.Dict.Get(r.Doc.TaskType)
	if !ok {
		r.failUnknownType(ctx)
		return
	}

	running, err := r.markRunning(ctx)
	if err != nil {
		if store.IsVersionConflict(err) {
			observability.VersionConflicts.WithLabelValues("mark_running").Inc()
		}
		r.Emit(events.New(r.Doc.ID, events.KindMarkRunning, events.Err(err)))
		return
	}
	r.Emit(events.New(r.Doc.ID, events.KindMarkRunning, events.Ok(running)))

	outcome, execErr := r.execute(ctx, def)

	final, persistErr := r.persistOutcome(ctx, running, def, outcome, execErr)
	if persistErr != nil {
		r.Emit(events.New(r.Doc.ID, events.KindRun, events.Err(persistErr)))
		return
	}
	if execErr != nil {
		r.Emit(events.New(r.Doc.ID, events.KindRun, events.Err(execErr)))
		return
	}
	r.Emit(events.New(r.Doc.ID, events.KindRun, events.Ok(final)))
}

func (r *Runner) failUnknownType(ctx context.Context) {
	doc := r.Doc.Clone()
	doc.Status = store.StatusFailed
	_, err := r.Store.Update(ctx, doc)
	if err != nil && !store.IsVersionConflict(err) {
		observability.RunnerOutcomes.WithLabelValues("persist_error").Inc()
	}
	observability.RunnerOutcomes.WithLabelValues("unknown_type").Inc()
	r.Emit(events.New(r.Doc.ID, events.KindRun, events.Err(fmt.Errorf("%w: %s", ErrUnknownTaskType, r.Doc.TaskType))))
}

// markRunning performs the optimistic transition claiming -> running. A
// version conflict here means another instance reclaimed the lease after
// it expired; the caller aborts silently.
func (r *Runner) markRunning(ctx context.Context) (*store.TaskDocument, error) {
	doc := r.Doc.Clone()
	doc.Status = store.StatusRunning
	now := time.Now()
	doc.StartedAt = &now

	updated, err := r.Store.Update(ctx, doc)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type executionResult struct {
	outcome dictionary.Outcome
}

// execute invokes the type's executor bounded by its configured timeout.
func (r *Runner) execute(ctx context.Context, def dictionary.Definition) (executionResult, error) {
	execCtx := ctx
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	exec := def.NewExecutor()
	start := time.Now()

	type result struct {
		outcome dictionary.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := exec.Execute(execCtx, r.Doc.Params, r.Doc.State)
		done <- result{outcome: outcome, err: err}
	}()

	select {
	case res := <-done:
		observability.RunnerExecutionSeconds.Observe(time.Since(start).Seconds())
		if res.err != nil {
			return executionResult{}, res.err
		}
		return executionResult{outcome: res.outcome}, nil
	case <-execCtx.Done():
		observability.RunnerExecutionSeconds.Observe(time.Since(start).Seconds())
		return executionResult{}, ErrExecutorTimeout
	}
}

// persistOutcome applies the execution-outcome disposition rules and
// writes the resulting document (or removes it). A version conflict here
// is surfaced to the caller as an error so Run can emit
// Run(Err(VersionConflict)).
func (r *Runner) persistOutcome(ctx context.Context, running *store.TaskDocument, def dictionary.Definition, res executionResult, execErr error) (*store.TaskDocument, error) {
	now := time.Now()
	doc := running.Clone()
	doc.OwnerID = nil
	doc.StartedAt = nil

	recurring := doc.Recurring()
	maxAttempts := def.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	if execErr == nil {
		doc.Attempts = 0
		doc.State = res.outcome.State
		if !recurring {
			if err := r.removeDoc(ctx, doc.ID); err != nil {
				recordOutcome("version_conflict", err)
				return nil, err
			}
			observability.RunnerOutcomes.WithLabelValues("removed").Inc()
			return doc, nil
		}
		doc.Status = store.StatusIdle
		if !res.outcome.RunAt.IsZero() {
			doc.RunAt = res.outcome.RunAt
		} else {
			doc.RunAt = now.Add(doc.Schedule.Interval)
		}
		doc.ScheduledAt = now
		updated, err := r.updateDoc(ctx, doc)
		recordOutcome("rescheduled", err)
		return updated, err
	}

	// Attempts was already incremented once by the store at claim time
	// (ClaimAvailable); persisting a failure here just reads that count
	// back to decide retry vs. terminal, it does not increment again.
	if doc.Attempts < maxAttempts {
		doc.Status = store.StatusIdle
		doc.RunAt = now.Add(backoff(doc.Attempts, r.BackoffBase, r.MaxBackoff))
		updated, err := r.updateDoc(ctx, doc)
		recordOutcome("retry", err)
		return updated, err
	}

	if recurring {
		// recurring tasks never reach terminal failed
		doc.Status = store.StatusIdle
		doc.Attempts = 0
		doc.RunAt = now.Add(doc.Schedule.Interval)
		updated, err := r.updateDoc(ctx, doc)
		recordOutcome("rescheduled", err)
		return updated, err
	}

	doc.Status = store.StatusFailed
	updated, err := r.updateDoc(ctx, doc)
	recordOutcome("failed", err)
	return updated, err
}

// recordOutcome increments the runner-outcomes counter, folding a version
// conflict into its own label regardless of the attempted disposition.
func recordOutcome(outcome string, err error) {
	if store.IsVersionConflict(err) {
		observability.VersionConflicts.WithLabelValues("persist_outcome").Inc()
		observability.RunnerOutcomes.WithLabelValues("version_conflict").Inc()
		return
	}
	if err != nil {
		return
	}
	observability.RunnerOutcomes.WithLabelValues(outcome).Inc()
}

func (r *Runner) updateDoc(ctx context.Context, doc *store.TaskDocument) (*store.TaskDocument, error) {
	updated, err := r.Store.Update(ctx, doc)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *Runner) removeDoc(ctx context.Context, id string) error {
	return r.Store.Remove(ctx, id)
}

// backoff computes min(maxBackoff, base*2^(attempts-1)) plus jitter bounded
// to 30% of the computed interval.
func backoff(attempts int, base, max time.Duration) time.Duration {
	interval := base * time.Duration(1<<uint(attempts-1))
	if interval > max || interval <= 0 {
		interval = max
	}
	jitter := time.Duration(rand.Float64() * jitterFraction * float64(interval))
	return interval + jitter
}
