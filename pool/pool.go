// Package pool implements a bounded worker pool that is not itself a
// queue — unclaimed capacity simply means the
// next poll cycle claims fewer tasks. Grounded in the teacher's
// control_plane/scheduler/scheduler.go activeTasks/maxConcurrency counter
// pattern (mutex-guarded int, checked before each dispatch) rather than
// golang.org/x/sync/semaphore, since maxWorkers here is resized at runtime
// by managedconfig and semaphore.Weighted's fixed total doesn't fit that
// (see DESIGN.md).
package pool

import (
	"context"
	"sync"

	"github.com/taskflux/taskflux/observability"
)

// Runner is the minimal surface TaskPool needs from a runner.TaskRunner,
// kept here rather than importing package runner to avoid a cycle (runner
// emits through bufferedstore and events, not through pool).
type Runner interface {
	// Run executes the task to completion, observing ctx cancellation as
	// an abort signal. It never returns an error: outcomes are persisted
	// internally and reported through the event stream.
	Run(ctx context.Context)
}

// Pool is a bounded worker pool whose cap is resized live via maxWorkers.
type Pool struct {
	maxWorkers func() int

	mu      sync.Mutex
	running int
	cancels map[int]context.CancelFunc
	nextID  int
	wg      sync.WaitGroup

	parentCtx context.Context
}

// New constructs a Pool bounded by the live value maxWorkers returns.
func New(ctx context.Context, maxWorkers func() int) *Pool {
	return &Pool{maxWorkers: maxWorkers, cancels: make(map[int]context.CancelFunc), parentCtx: ctx}
}

// AvailableWorkers returns current slack (max - running).
func (p *Pool) AvailableWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	avail := p.maxWorkers() - p.running
	if avail < 0 {
		avail = 0
	}
	observability.PoolAvailableWorkers.Set(float64(avail))
	return avail
}

// Run accepts up to AvailableWorkers runners; the rest are dropped on the
// floor (they remain "claiming" in the store and are reclaimed on lease
// expiry). It returns the number actually started.
func (p *Pool) Run(runners []Runner) int {
	p.mu.Lock()
	avail := p.maxWorkers() - p.running
	if avail < 0 {
		avail = 0
	}
	accepted := runners
	if len(runners) > avail {
		accepted = runners[:avail]
		observability.PoolRunnersDropped.Add(float64(len(runners) - avail))
	}
	p.running += len(accepted)

	ids := make([]int, len(accepted))
	ctxs := make([]context.Context, len(accepted))
	for i := range accepted {
		id := p.nextID
		p.nextID++
		runCtx, cancel := context.WithCancel(p.parentCtx)
		p.cancels[id] = cancel
		ids[i] = id
		ctxs[i] = runCtx
	}
	p.mu.Unlock()

	for i, r := range accepted {
		p.wg.Add(1)
		go p.drive(ids[i], ctxs[i], r)
	}

	return len(accepted)
}

func (p *Pool) drive(id int, ctx context.Context, r Runner) {
	defer p.wg.Done()
	r.Run(ctx)

	p.mu.Lock()
	delete(p.cancels, id)
	p.running--
	p.mu.Unlock()
}

// CancelRunningTasks signals cancellation to every in-flight runner;
// invoked on shutdown.
func (p *Pool) CancelRunningTasks() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, c := range p.cancels {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

// Wait blocks until all in-flight runners have returned, for use after
// CancelRunningTasks during an orderly shutdown.
func (p *Pool) Wait() { p.wg.Wait() }
