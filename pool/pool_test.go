package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type blockingRunner struct {
	started chan struct{}
	cancel  chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{}), cancel: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context) {
	close(r.started)
	select {
	case <-ctx.Done():
	case <-r.cancel:
	}
}

type countingRunner struct {
	ran int32
}

func (r *countingRunner) Run(ctx context.Context) { atomic.AddInt32(&r.ran, 1) }

func TestAvailableWorkersReflectsRunning(t *testing.T) {
	p := New(context.Background(), func() int { return 2 })

	if got := p.AvailableWorkers(); got != 2 {
		t.Fatalf("AvailableWorkers() = %d, want 2", got)
	}

	r := newBlockingRunner()
	started := p.Run([]Runner{r})
	if started != 1 {
		t.Fatalf("Run started %d, want 1", started)
	}
	<-r.started

	if got := p.AvailableWorkers(); got != 1 {
		t.Fatalf("AvailableWorkers() = %d, want 1 while one runner is active", got)
	}

	close(r.cancel)
	p.Wait()
}

func TestAvailableWorkersNeverNegative(t *testing.T) {
	p := New(context.Background(), func() int { return 0 })
	if got := p.AvailableWorkers(); got != 0 {
		t.Fatalf("AvailableWorkers() = %d, want 0 when maxWorkers is 0", got)
	}
}

func TestRunDropsExcessRunners(t *testing.T) {
	p := New(context.Background(), func() int { return 2 })

	runners := make([]Runner, 5)
	counters := make([]*countingRunner, 5)
	for i := range runners {
		c := &countingRunner{}
		counters[i] = c
		runners[i] = c
	}

	started := p.Run(runners)
	if started != 2 {
		t.Fatalf("Run started %d, want 2 (bounded by maxWorkers)", started)
	}

	p.Wait()
	var ran int
	for _, c := range counters {
		if atomic.LoadInt32(&c.ran) == 1 {
			ran++
		}
	}
	if ran != 2 {
		t.Fatalf("%d runners actually ran, want exactly 2", ran)
	}
}

func TestCancelRunningTasksSignalsContext(t *testing.T) {
	p := New(context.Background(), func() int { return 1 })
	r := newBlockingRunner()
	p.Run([]Runner{r})
	<-r.started

	p.CancelRunningTasks()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CancelRunningTasks did not unblock the running runner")
	}
}

func TestRunConcurrentCallsRespectSharedCap(t *testing.T) {
	p := New(context.Background(), func() int { return 3 })

	var wg sync.WaitGroup
	var totalStarted int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := &countingRunner{}
			n := p.Run([]Runner{r})
			atomic.AddInt32(&totalStarted, int32(n))
		}()
	}
	wg.Wait()
	p.Wait()

	if totalStarted > 3 {
		t.Fatalf("totalStarted = %d, want <= 3 (maxWorkers cap)", totalStarted)
	}
}
