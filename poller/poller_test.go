package poller

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRequestClaimRespectsCapacity(t *testing.T) {
	p := New(Config{
		RequestCapacity:         2,
		MaxPollInactivityCycles: 10,
		PollInterval:            func() time.Duration { return time.Hour },
		Capacity:                func() int { return 0 },
		Work:                    func(ctx context.Context, ids []string) error { return nil },
	})

	if err := p.RequestClaim("a"); err != nil {
		t.Fatalf("RequestClaim(a) = %v, want nil", err)
	}
	if err := p.RequestClaim("b"); err != nil {
		t.Fatalf("RequestClaim(b) = %v, want nil", err)
	}
	if err := p.RequestClaim("c"); err != ErrRequestCapacityReached {
		t.Fatalf("RequestClaim(c) = %v, want ErrRequestCapacityReached", err)
	}

	select {
	case pe := <-p.Errors():
		if pe.TaskID != "c" {
			t.Errorf("published error TaskID = %q, want c", pe.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("capacity-reached error was not published")
	}
}

func TestRunEmitsOnTimerTick(t *testing.T) {
	workDone := make(chan []string, 4)
	p := New(Config{
		RequestCapacity:         10,
		MaxPollInactivityCycles: 10,
		PollInterval:            func() time.Duration { return 10 * time.Millisecond },
		Capacity:                func() int { return 1 },
		Work: func(ctx context.Context, ids []string) error {
			workDone <- ids
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	select {
	case <-workDone:
	case <-time.After(time.Second):
		t.Fatal("timer tick never triggered a work cycle")
	}
}

func TestRunEmitsEarlyOnRequestWhenCapacityAvailable(t *testing.T) {
	workDone := make(chan []string, 4)
	p := New(Config{
		RequestCapacity:         10,
		MaxPollInactivityCycles: 10,
		PollInterval:            func() time.Duration { return time.Hour },
		Capacity:                func() int { return 1 },
		Work: func(ctx context.Context, ids []string) error {
			workDone <- ids
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	p.RequestClaim("t1")

	select {
	case ids := <-workDone:
		if len(ids) != 1 || ids[0] != "t1" {
			t.Errorf("work ids = %v, want [t1]", ids)
		}
	case <-time.After(time.Second):
		t.Fatal("explicit request never triggered an early cycle")
	}
}

func TestRunSkipsRequestWhenNoCapacity(t *testing.T) {
	workDone := make(chan []string, 4)
	p := New(Config{
		RequestCapacity:         10,
		MaxPollInactivityCycles: 10,
		PollInterval:            func() time.Duration { return 50 * time.Millisecond },
		Capacity:                func() int { return 0 },
		Work: func(ctx context.Context, ids []string) error {
			workDone <- ids
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	p.RequestClaim("t1")

	// With zero capacity the wake signal should not trigger an emit; only
	// the next timer tick should fire (it drains and carries the buffered
	// request id, since a timer tick does not check capacity).
	select {
	case ids := <-workDone:
		_ = ids
	case <-time.After(time.Second):
		t.Fatal("no work cycle ever ran")
	}
}

func TestEmitPublishesWorkErrorWithoutUpdatingLastEmit(t *testing.T) {
	wantErr := errors.New("boom")
	p := New(Config{
		RequestCapacity:         10,
		MaxPollInactivityCycles: 10,
		PollInterval:            func() time.Duration { return 10 * time.Millisecond },
		Capacity:                func() int { return 1 },
		Work:                    func(ctx context.Context, ids []string) error { return wantErr },
	})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	select {
	case pe := <-p.Errors():
		if !errors.Is(pe.Err, wantErr) && pe.Err.Error() != wantErr.Error() {
			t.Errorf("published err = %v, want %v", pe.Err, wantErr)
		}
	case <-time.After(time.Second):
		t.Fatal("work error was never published")
	}

	if !p.LastEmit().IsZero() {
		t.Error("LastEmit should remain zero after a failed cycle")
	}
}

func TestEmitTimesOutLongRunningWork(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	p := New(Config{
		RequestCapacity:         10,
		MaxPollInactivityCycles: 1,
		PollInterval:            func() time.Duration { return 10 * time.Millisecond },
		Capacity:                func() int { return 1 },
		Work: func(ctx context.Context, ids []string) error {
			<-block
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	select {
	case pe := <-p.Errors():
		if pe.Err == nil {
			t.Error("expected a work-phase timeout error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("work-phase timeout was never published")
	}
}
