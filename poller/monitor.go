package poller

import (
	"context"
	"sync"
	"time"

	"github.com/taskflux/taskflux/observability"
)

// Monitor wraps a Poller and tears it down/recreates it if no emission
// occurs within inactivityTimeout = pollInterval*(maxPollInactivityCycles+1).
// This guards against a stuck poller more severe than a single work-phase
// timeout, which Poller itself already tolerates.
type Monitor struct {
	newPoller func() *Poller
	cfg       Config

	mu        sync.Mutex
	current   *Poller
	spawnedAt time.Time
	cancel    context.CancelFunc
	stop      chan struct{}
	done      chan struct{}
}

// NewMonitor constructs a Monitor. newPoller must return a fresh, unstarted
// Poller each time it's called (the facade typically closes over the same
// Config each time).
func NewMonitor(cfg Config, newPoller func() *Poller) *Monitor {
	return &Monitor{cfg: cfg, newPoller: newPoller, stop: make(chan struct{}), done: make(chan struct{})}
}

// Spawn synchronously starts the first poller. Callers that need
// RequestClaim to work immediately after Start returns should call Spawn
// before launching Run in the background.
func (m *Monitor) Spawn(ctx context.Context) {
	m.spawn(ctx)
}

// Run starts the watchdog loop. It blocks until ctx is cancelled or Stop is
// called. It spawns a poller first if one isn't already running.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	m.mu.Lock()
	needsSpawn := m.current == nil
	m.mu.Unlock()
	if needsSpawn {
		m.spawn(ctx)
	}
	checkEvery := m.cfg.PollInterval()
	if checkEvery <= 0 {
		checkEvery = time.Second
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return
		case <-m.stop:
			m.teardown()
			return
		case <-ticker.C:
			m.checkInactivity(ctx)
		}
	}
}

func (m *Monitor) checkInactivity(ctx context.Context) {
	interval := m.cfg.PollInterval()
	inactivityTimeout := interval * time.Duration(m.cfg.MaxPollInactivityCycles+1)

	m.mu.Lock()
	p := m.current
	spawnedAt := m.spawnedAt
	m.mu.Unlock()
	if p == nil {
		return
	}

	// A poller that hasn't emitted yet is judged against its spawn time
	// rather than being given an indefinite grace period: an immediately
	// wedged first cycle must still trip the watchdog.
	last := p.LastEmit()
	since := spawnedAt
	if !last.IsZero() {
		since = last
	}
	if time.Since(since) < inactivityTimeout {
		return
	}

	observability.MonitorRestarts.Inc()
	m.teardown()
	m.spawn(ctx)
}

func (m *Monitor) spawn(ctx context.Context) {
	p := m.newPoller()
	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.current = p
	m.spawnedAt = time.Now()
	m.cancel = cancel
	m.mu.Unlock()

	go p.Run(runCtx)
}

func (m *Monitor) teardown() {
	m.mu.Lock()
	p := m.current
	cancel := m.cancel
	m.current = nil
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if p != nil {
		<-p.done
	}
}

// Current returns the poller presently in use, for RequestClaim delegation.
func (m *Monitor) Current() *Poller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Stop shuts the monitor and its current poller down.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}
