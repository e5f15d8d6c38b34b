package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPollerConfig(work func(ctx context.Context, ids []string) error) Config {
	return Config{
		RequestCapacity:         10,
		MaxPollInactivityCycles: 2,
		PollInterval:            func() time.Duration { return 10 * time.Millisecond },
		Capacity:                func() int { return 1 },
		Work:                    work,
	}
}

func TestMonitorSpawnMakesCurrentAvailableImmediately(t *testing.T) {
	cfg := newTestPollerConfig(func(ctx context.Context, ids []string) error { return nil })
	m := NewMonitor(cfg, func() *Poller { return New(cfg) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Spawn(ctx)
	if m.Current() == nil {
		t.Fatal("Current() is nil immediately after Spawn")
	}
}

func TestMonitorRunDoesNotDoubleSpawn(t *testing.T) {
	var constructed int32
	cfg := newTestPollerConfig(func(ctx context.Context, ids []string) error { return nil })
	m := NewMonitor(cfg, func() *Poller {
		atomic.AddInt32(&constructed, 1)
		return New(cfg)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Spawn(ctx)
	go m.Run(ctx)
	defer m.Stop()

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&constructed); got != 1 {
		t.Errorf("newPoller invoked %d times, want exactly 1 (Run must not respawn after Spawn)", got)
	}
}

func TestMonitorRespawnsOnInactivity(t *testing.T) {
	var constructed int32
	first := make(chan struct{}, 1)

	cfg := Config{
		RequestCapacity:         10,
		MaxPollInactivityCycles: 1,
		PollInterval:            func() time.Duration { return 10 * time.Millisecond },
		Capacity:                func() int { return 1 },
		Work: func(ctx context.Context, ids []string) error {
			n := atomic.LoadInt32(&constructed)
			if n == 1 {
				select {
				case first <- struct{}{}:
				default:
				}
				// every work cycle of the first poller blocks until its
				// work-phase timeout, so it never records a successful emit
				<-ctx.Done()
			}
			return nil
		},
	}
	m := NewMonitor(cfg, func() *Poller {
		atomic.AddInt32(&constructed, 1)
		return New(cfg)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Spawn(ctx)
	go m.Run(ctx)
	defer m.Stop()

	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("first poller's work callback never ran")
	}

	deadline := time.After(3 * time.Second)
	for {
		if atomic.LoadInt32(&constructed) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("monitor never respawned a stuck poller, constructed=%d", atomic.LoadInt32(&constructed))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMonitorStopTearsDownCurrentPoller(t *testing.T) {
	cfg := newTestPollerConfig(func(ctx context.Context, ids []string) error { return nil })
	m := NewMonitor(cfg, func() *Poller { return New(cfg) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Spawn(ctx)
	go m.Run(ctx)

	m.Stop()
	if m.Current() != nil {
		t.Error("Current() should be nil after Stop tears down the poller")
	}
}
