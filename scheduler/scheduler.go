// Package scheduler implements the facade that wires the document store,
// BufferedStore, task-type dictionary, ManagedConfiguration, the
// poller/monitor pair, and the worker pool together, exposes
// schedule/ensureScheduled/runNow/fetch/get/remove, and publishes the
// lifecycle event stream. Grounded in the teacher's
// control_plane/scheduler/scheduler.go Scheduler struct (the same
// leadership/admission-mode/circuit-breaker checks before a dispatch,
// generalized here from HTTP-dispatched reconciliation tasks to
// in-process claimed TaskDocuments) and control_plane/main.go's wiring
// order (store → coordination → scheduler → HTTP).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/taskflux/taskflux/bufferedstore"
	"github.com/taskflux/taskflux/dictionary"
	"github.com/taskflux/taskflux/events"
	"github.com/taskflux/taskflux/managedconfig"
	"github.com/taskflux/taskflux/observability"
	"github.com/taskflux/taskflux/poller"
	"github.com/taskflux/taskflux/pool"
	"github.com/taskflux/taskflux/runner"
	"github.com/taskflux/taskflux/store"
)

// Sentinel errors for lifecycle misuse.
var (
	ErrNotInitialized = errors.New("scheduler: not started")
	ErrAlreadyStarted = errors.New("scheduler: already started")
)

// Middleware transforms a document before it's written by schedule/
// ensureScheduled: a pre-save transform hook.
type Middleware func(doc *store.TaskDocument) *store.TaskDocument

// Config holds the facade's recognized options.
type Config struct {
	Enabled                 bool
	MaxAttempts             int
	PollInterval            time.Duration
	MaxWorkers              int
	Index                   string
	MaxPollInactivityCycles int
	RequestCapacity         int

	// MonitoredStatsRequiredFreshness bounds how stale the last poll
	// snapshot may be before Health reports unhealthy. Defaults to
	// PollInterval+1s in DefaultConfig.
	MonitoredStatsRequiredFreshness time.Duration

	// OwnerID identifies this instance in ownerId/claim fields. Defaults
	// to a random id if empty.
	OwnerID string

	// TaskTypeRateLimit/TaskTypeRateBurst parameterize the per-task-type
	// dispatch limiter; zero disables it.
	TaskTypeRateLimit float64
	TaskTypeRateBurst int

	// CircuitFailureThreshold is the number of consecutive overload
	// signals before claim cycles are rejected outright.
	CircuitFailureThreshold int
}

// DefaultConfig returns conservative defaults for every tunable.
func DefaultConfig() Config {
	pollInterval := 3 * time.Second
	return Config{
		Enabled:                         true,
		MaxAttempts:                     3,
		PollInterval:                    pollInterval,
		MaxWorkers:                      10,
		Index:                           "taskflux_task_manager",
		MaxPollInactivityCycles:         10,
		RequestCapacity:                 1000,
		TaskTypeRateLimit:               50,
		TaskTypeRateBurst:               100,
		CircuitFailureThreshold:         5,
		MonitoredStatsRequiredFreshness: pollInterval + time.Second,
	}
}

// Scheduler is the coordination facade.
type Scheduler struct {
	cfg   Config
	store store.Store
	buf   *bufferedstore.BufferedStore
	dict  *dictionary.Dictionary

	managed *managedconfig.ManagedConfiguration
	pool    *pool.Pool
	monitor *poller.Monitor
	breaker *CircuitBreaker
	limiter *TaskTypeLimiter
	stream  *events.Stream

	mu          sync.RWMutex
	middlewares []Middleware
	started     bool
	startedAt   time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New constructs an unstarted Scheduler over st.
func New(cfg Config, st store.Store) *Scheduler {
	if cfg.OwnerID == "" {
		cfg.OwnerID = fmt.Sprintf("taskflux-%d", time.Now().UnixNano())
	}
	s := &Scheduler{
		cfg:     cfg,
		store:   st,
		dict:    dictionary.New(),
		stream:  events.NewStream(),
		breaker: NewCircuitBreaker(cfg.CircuitFailureThreshold),
	}
	if cfg.TaskTypeRateLimit > 0 {
		s.limiter = NewTaskTypeLimiter(cfg.TaskTypeRateLimit, cfg.TaskTypeRateBurst)
	}
	return s
}

// Events exposes the lifecycle event stream for eventhub and other
// observers.
func (s *Scheduler) Events() *events.Stream { return s.stream }

// RegisterTaskDefinitions registers task-type definitions; setup phase
// only.
func (s *Scheduler) RegisterTaskDefinitions(defs map[string]dictionary.Definition) error {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if started {
		return ErrAlreadyStarted
	}
	return s.dict.RegisterAll(defs)
}

// AddMiddleware registers a pre-save transform; setup phase only.
func (s *Scheduler) AddMiddleware(m Middleware) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.middlewares = append(s.middlewares, m)
	return nil
}

// Start locks the dictionary, spins up ManagedConfiguration, the pool, and
// the poller/monitor pair, and begins claim cycles.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	s.dict.Lock()

	mcCfg := managedconfig.DefaultConfig()
	mcCfg.MaxWorkers = s.cfg.MaxWorkers
	mcCfg.PollInterval = s.cfg.PollInterval
	s.managed = managedconfig.New(mcCfg)

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.managed.Watch(s.runCtx, s.store.Errors())

	s.buf = bufferedstore.New(s.store, s.cfg.MaxWorkers, 50*time.Millisecond)
	s.pool = pool.New(s.runCtx, s.managed.MaxWorkers)

	pollerCfg := poller.Config{
		RequestCapacity:         s.cfg.RequestCapacity,
		MaxPollInactivityCycles: s.cfg.MaxPollInactivityCycles,
		PollInterval:            s.managed.PollInterval,
		Capacity:                s.pool.AvailableWorkers,
		Work:                    s.pollForWork,
	}
	s.monitor = poller.NewMonitor(pollerCfg, func() *poller.Poller { return poller.New(pollerCfg) })
	s.monitor.Spawn(s.runCtx)
	go s.monitor.Run(s.runCtx)

	s.startedAt = time.Now()
	s.started = true
	return nil
}

// Stop cancels the poller/monitor, signals the pool to cancel in-flight
// runners, and stops ManagedConfiguration.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.monitor.Stop()
	s.pool.CancelRunningTasks()
	s.pool.Wait()
	s.managed.Stop()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.started = false
}

func (s *Scheduler) requireStarted() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotInitialized
	}
	return nil
}

// claimWindow is the lease duration granted on a claim: exactly one full
// work-phase timeout (pollInterval * maxPollInactivityCycles), the same
// multiplier the poller uses for its own work timeout. The exact value is
// an implementation tunable.
func (s *Scheduler) claimWindow() time.Duration {
	return s.managed.PollInterval() * time.Duration(s.cfg.MaxPollInactivityCycles)
}

// pollForWork is the poller's Work callback: claim eligible tasks
// (prioritizing explicit ids), emit Claim events, and dispatch runners into
// the pool.
func (s *Scheduler) pollForWork(ctx context.Context, requestedIDs []string) error {
	if !s.breaker.ShouldAdmit() {
		for _, id := range requestedIDs {
			s.stream.Publish(events.New(id, events.KindClaim, events.Err(fmt.Errorf("scheduler: claim cycle rejected by circuit breaker"))))
		}
		return nil
	}

	capacity := s.pool.AvailableWorkers()
	if capacity <= 0 && len(requestedIDs) == 0 {
		return nil
	}
	if capacity <= 0 {
		capacity = len(requestedIDs)
	}

	result, err := s.store.ClaimAvailable(ctx, store.ClaimOptions{
		Size:                capacity,
		ClaimOwnershipUntil: time.Now().Add(s.claimWindow()),
		ClaimTasksByID:      requestedIDs,
		OwnerID:             s.cfg.OwnerID,
	})
	if err != nil {
		for _, id := range requestedIDs {
			s.stream.Publish(events.New(id, events.KindClaim, events.Err(err)))
		}
		var fatal *store.FatalError
		var overload *store.OverloadError
		isFatal := errors.As(err, &fatal)
		isOverload := errors.As(err, &overload)
		if isOverload {
			s.breaker.RecordFailure()
		}
		if isFatal || isOverload {
			if isFatal {
				log.Printf("scheduler: warn: store fatal error, claim cycle skipped: %v", err)
			}
			// Both are retried on the next cycle rather than failing
			// individual tasks: StoreFatal is logged at warn level above,
			// StoreOverload already fed ManagedConfiguration via
			// Errors(). Returning nil here (instead of the error) keeps
			// this looking like a normal, on-time cycle to the poller, so
			// sustained overload doesn't also masquerade as a wedged
			// poller to the monitor's inactivity watchdog.
			return nil
		}
		return err
	}
	s.breaker.RecordSuccess()

	observability.ClaimedTasks.Observe(float64(len(result.Docs)))
	if result.ClaimedTasks != len(result.Docs) {
		observability.ClaimMismatch.Inc()
	}

	claimed := make(map[string]*store.TaskDocument, len(result.Docs))
	for _, d := range result.Docs {
		claimed[d.ID] = d
	}

	s.resolveRequestedClaims(ctx, requestedIDs, claimed)

	runners := make([]pool.Runner, 0, len(result.Docs))
	for _, doc := range result.Docs {
		if s.limiter != nil && !s.limiter.Allow(s.rateLimitKey(doc)) {
			// left claiming; reclaimed on lease expiry, same as pool-capacity
			// drops.
			continue
		}
		s.stream.Publish(events.New(doc.ID, events.KindClaim, events.Ok(doc)))
		runners = append(runners, &runner.Runner{
			Doc:     doc,
			OwnerID: s.cfg.OwnerID,
			Store:   s.buf,
			Dict:    s.dict,
			Emit:    s.stream.Publish,
		})
	}

	s.pool.Run(runners)
	return nil
}

// rateLimitKey resolves the dispatch rate-limit key for doc: the type's
// declared dictionary.Definition.RateLimitKey extractor applied to its
// params, or the task type itself when the definition declares none or
// isn't found.
func (s *Scheduler) rateLimitKey(doc *store.TaskDocument) string {
	if def, ok := s.dict.Get(doc.TaskType); ok && def.RateLimitKey != nil {
		if key := def.RateLimitKey(doc.Params); key != "" {
			return key
		}
	}
	return doc.TaskType
}

// resolveRequestedClaims emits Claim(Err(...)) for every explicitly
// requested id that wasn't actually claimed, enriching the diagnostic with
// getLifecycle.
func (s *Scheduler) resolveRequestedClaims(ctx context.Context, requestedIDs []string, claimed map[string]*store.TaskDocument) {
	for _, id := range requestedIDs {
		if _, ok := claimed[id]; ok {
			continue
		}
		status, err := s.store.GetLifecycle(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.stream.Publish(events.New(id, events.KindClaim, events.Err(fmt.Errorf("does not exist"))))
		case err != nil:
			s.stream.Publish(events.New(id, events.KindClaim, events.Err(err)))
		case status == store.StatusRunning:
			s.stream.Publish(events.New(id, events.KindClaim, events.Err(fmt.Errorf("currently running"))))
		default:
			s.stream.Publish(events.New(id, events.KindClaim, events.Err(fmt.Errorf("not claimed"))))
		}
	}
}
