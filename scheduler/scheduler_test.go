package scheduler

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskflux/taskflux/dictionary"
	"github.com/taskflux/taskflux/store"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxWorkers = 10
	cfg.MaxPollInactivityCycles = 50
	cfg.TaskTypeRateLimit = 0 // disable the limiter; tests exercise claim/run directly
	cfg.MonitoredStatsRequiredFreshness = 200 * time.Millisecond
	return cfg
}

func newTestScheduler(t *testing.T, defs map[string]dictionary.Definition) (*Scheduler, context.Context, func()) {
	t.Helper()
	s := New(testConfig(), store.NewMemoryStore())
	if err := s.RegisterTaskDefinitions(defs); err != nil {
		t.Fatalf("RegisterTaskDefinitions returned %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	return s, ctx, func() {
		s.Stop()
		cancel()
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Scenario 1: schedule a one-shot task and observe one execution.
func TestScheduleObserveOneExecution(t *testing.T) {
	var runs int32
	defs := map[string]dictionary.Definition{
		"incr": {
			MaxAttempts: 3,
			NewExecutor: func() dictionary.Executor {
				return dictionary.ExecutorFunc(func(ctx context.Context, params, state []byte) (dictionary.Outcome, error) {
					atomic.AddInt32(&runs, 1)
					return dictionary.Outcome{State: []byte("1")}, nil
				})
			},
		},
	}
	s, ctx, stop := newTestScheduler(t, defs)
	defer stop()

	if _, err := s.Schedule(ctx, &store.TaskDocument{ID: "t1", TaskType: "incr", RunAt: time.Now()}); err != nil {
		t.Fatalf("Schedule returned %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := s.Get(ctx, "t1")
		return err == store.ErrNotFound
	})
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Errorf("executor ran %d times, want exactly 1", got)
	}
}

// Scenario 2: recurring reschedule — post-run RunAt advances by the
// schedule interval relative to the pre-run RunAt.
func TestRecurringReschedule(t *testing.T) {
	interval := 100 * time.Millisecond
	defs := map[string]dictionary.Definition{
		"tick": {
			MaxAttempts: 3,
			NewExecutor: func() dictionary.Executor {
				return dictionary.ExecutorFunc(func(ctx context.Context, params, state []byte) (dictionary.Outcome, error) {
					return dictionary.Outcome{State: []byte("ok")}, nil
				})
			},
		},
	}
	s, ctx, stop := newTestScheduler(t, defs)
	defer stop()

	preRunAt := time.Now()
	if _, err := s.Schedule(ctx, &store.TaskDocument{
		ID: "t1", TaskType: "tick", RunAt: preRunAt,
		Schedule: &store.Schedule{Interval: interval},
	}); err != nil {
		t.Fatalf("Schedule returned %v", err)
	}

	var updated *store.TaskDocument
	waitFor(t, 2*time.Second, func() bool {
		d, err := s.Get(ctx, "t1")
		if err != nil {
			return false
		}
		if d.RunAt.After(preRunAt.Add(interval / 2)) {
			updated = d
			return true
		}
		return false
	})

	if updated.Status != store.StatusIdle {
		t.Errorf("Status = %v, want idle", updated.Status)
	}
	gotDelta := updated.RunAt.Sub(preRunAt)
	if gotDelta < interval-20*time.Millisecond {
		t.Errorf("RunAt advanced by %v, want approximately %v", gotDelta, interval)
	}
}

// Scenario 3: retry on failure — attempts increments, status returns to
// idle, and RunAt is pushed past the scheduling time by the backoff.
func TestRetryOnFailure(t *testing.T) {
	defs := map[string]dictionary.Definition{
		"flaky": {
			MaxAttempts: 5,
			NewExecutor: func() dictionary.Executor {
				return dictionary.ExecutorFunc(func(ctx context.Context, params, state []byte) (dictionary.Outcome, error) {
					return dictionary.Outcome{}, errStub("transient failure")
				})
			},
		},
	}
	cfg := testConfig()
	s := New(cfg, store.NewMemoryStore())
	if err := s.RegisterTaskDefinitions(defs); err != nil {
		t.Fatalf("RegisterTaskDefinitions returned %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	defer s.Stop()

	before := time.Now()
	if _, err := s.Schedule(ctx, &store.TaskDocument{ID: "t1", TaskType: "flaky", RunAt: before}); err != nil {
		t.Fatalf("Schedule returned %v", err)
	}

	var updated *store.TaskDocument
	waitFor(t, 2*time.Second, func() bool {
		d, err := s.Get(ctx, "t1")
		if err != nil {
			return false
		}
		// Wait for the retry to actually be persisted (idle), not just for
		// the claim-time attempts increment to land: attempts goes to 1 the
		// moment the task is claimed, before the executor even runs.
		if d.Status == store.StatusIdle && d.Attempts >= 1 {
			updated = d
			return true
		}
		return false
	})

	if updated.Status != store.StatusIdle {
		t.Errorf("Status = %v, want idle (retry scheduled)", updated.Status)
	}
	// Exactly one increment per failed run: the store's claim-time
	// increment is the only one (runner.persistOutcome no longer
	// increments attempts itself); regressing to a double-increment would
	// produce 2 here instead.
	if updated.Attempts != 1 {
		t.Errorf("Attempts = %d, want exactly 1 after a single failed run", updated.Attempts)
	}
	if !updated.RunAt.After(before) {
		t.Error("RunAt should be pushed into the future by backoff")
	}
}

type errStub string

func (e errStub) Error() string { return string(e) }

// Scenario 4: RunNow preemption on a recurring task — a second run is
// observable within seconds of the explicit request, and RunNow replies
// with the task id.
func TestRunNowPreemption(t *testing.T) {
	var runs int32
	defs := map[string]dictionary.Definition{
		"tick": {
			MaxAttempts: 3,
			NewExecutor: func() dictionary.Executor {
				return dictionary.ExecutorFunc(func(ctx context.Context, params, state []byte) (dictionary.Outcome, error) {
					atomic.AddInt32(&runs, 1)
					return dictionary.Outcome{State: []byte("ok")}, nil
				})
			},
		},
	}
	s, ctx, stop := newTestScheduler(t, defs)
	defer stop()

	if _, err := s.Schedule(ctx, &store.TaskDocument{
		ID: "t1", TaskType: "tick", RunAt: time.Now(),
		Schedule: &store.Schedule{Interval: time.Hour},
	}); err != nil {
		t.Fatalf("Schedule returned %v", err)
	}

	// Wait until the first run is persisted (idle again): a RunNow while the
	// task is still running is rejected as "currently running".
	waitFor(t, 2*time.Second, func() bool {
		if atomic.LoadInt32(&runs) < 1 {
			return false
		}
		d, err := s.Get(ctx, "t1")
		return err == nil && d.Status == store.StatusIdle
	})

	id, err := s.RunNow(ctx, "t1")
	if err != nil {
		t.Fatalf("RunNow returned %v", err)
	}
	if id != "t1" {
		t.Errorf("RunNow id = %q, want t1", id)
	}
	if got := atomic.LoadInt32(&runs); got < 2 {
		t.Errorf("executor ran %d times, want at least 2 after RunNow", got)
	}
}

// Scenario 5: RunNow called while the task is already running returns
// Err("currently running"); once the execution unblocks, a subsequent
// RunNow succeeds.
func TestRunNowOnRunningTask(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once int32
	defs := map[string]dictionary.Definition{
		"blocker": {
			MaxAttempts: 3,
			NewExecutor: func() dictionary.Executor {
				return dictionary.ExecutorFunc(func(ctx context.Context, params, state []byte) (dictionary.Outcome, error) {
					if atomic.CompareAndSwapInt32(&once, 0, 1) {
						close(entered)
						<-release
					}
					return dictionary.Outcome{}, nil
				})
			},
		},
	}
	s, ctx, stop := newTestScheduler(t, defs)
	defer stop()

	if _, err := s.Schedule(ctx, &store.TaskDocument{ID: "t1", TaskType: "blocker", RunAt: time.Now()}); err != nil {
		t.Fatalf("Schedule returned %v", err)
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("execution never started")
	}

	runNowCtx, runNowCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	_, err := s.RunNow(runNowCtx, "t1")
	runNowCancel()
	if err == nil {
		t.Fatal("RunNow on a running task succeeded, want an error")
	}
	if !strings.Contains(err.Error(), "running") && runNowCtx.Err() == nil {
		t.Errorf("RunNow error = %v, want something mentioning the task is running", err)
	}

	close(release)
}

// Scenario 6: RunNow on a nonexistent id fails with a "does not exist"
// style error.
func TestRunNowOnMissingTask(t *testing.T) {
	s, ctx, stop := newTestScheduler(t, map[string]dictionary.Definition{})
	defer stop()

	_, err := s.RunNow(ctx, "nonexistent")
	if err == nil {
		t.Fatal("RunNow on a missing task succeeded, want an error")
	}
	if !strings.Contains(err.Error(), "exist") {
		t.Errorf("RunNow error = %v, want something mentioning the task does not exist", err)
	}
}

// Scenario 7: two concurrent EnsureScheduled calls for the same id both
// return the id, with exactly one create side effect surviving in the
// store.
func TestEnsureScheduledVersionConflictIdempotent(t *testing.T) {
	s := New(testConfig(), store.NewMemoryStore())
	if err := s.RegisterTaskDefinitions(map[string]dictionary.Definition{}); err != nil {
		t.Fatalf("RegisterTaskDefinitions returned %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	defer s.Stop()

	doc := &store.TaskDocument{ID: "dup", TaskType: "noop", RunAt: time.Now().Add(time.Hour)}

	results := make(chan string, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			got, err := s.EnsureScheduled(ctx, doc.Clone())
			if err != nil {
				errs <- err
				return
			}
			results <- got.ID
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case id := <-results:
			if id != "dup" {
				t.Errorf("EnsureScheduled returned id %q, want dup", id)
			}
		case err := <-errs:
			t.Errorf("EnsureScheduled returned error %v, want idempotent success", err)
		case <-time.After(2 * time.Second):
			t.Fatal("EnsureScheduled never returned")
		}
	}

	got, err := s.Get(ctx, "dup")
	if err != nil {
		t.Fatalf("Get returned %v", err)
	}
	if got.ID != "dup" {
		t.Errorf("stored document id = %q, want dup", got.ID)
	}
}

// Scenario 8: capacity saturation — with maxWorkers=2, a third long-running
// due task isn't claimed until one of the first two finishes.
func TestCapacitySaturation(t *testing.T) {
	unblock := make(chan struct{})
	var started int32

	defs := map[string]dictionary.Definition{
		"slow": {
			MaxAttempts: 1,
			NewExecutor: func() dictionary.Executor {
				return dictionary.ExecutorFunc(func(ctx context.Context, params, state []byte) (dictionary.Outcome, error) {
					atomic.AddInt32(&started, 1)
					<-unblock
					return dictionary.Outcome{}, nil
				})
			},
		},
	}

	cfg := testConfig()
	cfg.MaxWorkers = 2
	s := New(cfg, store.NewMemoryStore())
	if err := s.RegisterTaskDefinitions(defs); err != nil {
		t.Fatalf("RegisterTaskDefinitions returned %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	defer s.Stop()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Schedule(ctx, &store.TaskDocument{ID: id, TaskType: "slow", RunAt: time.Now()}); err != nil {
			t.Fatalf("Schedule(%s) returned %v", id, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&started) >= 2 })
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&started); got != 2 {
		t.Fatalf("started = %d, want exactly 2 while maxWorkers=2 is saturated", got)
	}

	third, err := s.Get(ctx, "c")
	if err != nil {
		t.Fatalf("Get(c) returned %v", err)
	}
	if third.Status == store.StatusRunning {
		t.Error("third task should not be running while the pool is saturated")
	}

	close(unblock)
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&started) == 3 })
}
