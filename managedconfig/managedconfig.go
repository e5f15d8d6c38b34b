// Package managedconfig implements a controller that derives live
// maxWorkers/pollInterval values from the store's errors channel. The
// decay-on-overload / additive-recovery-on-clean-window shape is grounded in
// the teacher's control_plane/scheduler/circuit_breaker.go
// (closed/half-open/open transitions driven by a rolling error signal) and
// the same package's DefaultSchedulerConfig tunables.
package managedconfig

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/taskflux/taskflux/observability"
	"github.com/taskflux/taskflux/store"
)

// Config are the static bounds for the controller.
type Config struct {
	MaxWorkers      int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MinWorkers      int

	// DecayFactor d is applied to maxWorkers (multiplicatively) and its
	// inverse to pollInterval on a sustained overload signal.
	DecayFactor float64

	// RecoveryStep is the additive step maxWorkers climbs back by per clean
	// observation window; pollInterval recovers by the symmetric fraction.
	RecoveryStep int

	// ObservationWindow bounds how often decay/recovery can fire.
	ObservationWindow time.Duration
}

// DefaultConfig mirrors the teacher's DefaultSchedulerConfig in
// control_plane/scheduler/types.go: conservative ceilings, gentle recovery.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:        10,
		PollInterval:      3 * time.Second,
		MaxPollInterval:   30 * time.Second,
		MinWorkers:        1,
		DecayFactor:       0.5,
		RecoveryStep:      1,
		ObservationWindow: 5 * time.Second,
	}
}

// ManagedConfiguration watches a store's error channel and publishes live
// maxWorkers/pollInterval values, read via MaxWorkers()/PollInterval().
type ManagedConfiguration struct {
	cfg Config

	mu           sync.RWMutex
	maxWorkers   int
	pollInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a ManagedConfiguration at its configured baseline; call
// Watch to start consuming errCh.
func New(cfg Config) *ManagedConfiguration {
	m := &ManagedConfiguration{
		cfg:          cfg,
		maxWorkers:   cfg.MaxWorkers,
		pollInterval: cfg.PollInterval,
	}
	observability.ManagedMaxWorkers.Set(float64(m.maxWorkers))
	observability.ManagedPollIntervalSeconds.Set(m.pollInterval.Seconds())
	return m
}

func (m *ManagedConfiguration) MaxWorkers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxWorkers
}

func (m *ManagedConfiguration) PollInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pollInterval
}

// Watch starts a background goroutine consuming errCh until ctx is
// cancelled. It classifies each error as overload/fatal/other and applies
// decay on overload; recovery fires once per clean ObservationWindow in
// which no overload signal was observed.
func (m *ManagedConfiguration) Watch(ctx context.Context, errCh <-chan error) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	ticker := time.NewTicker(m.cfg.ObservationWindow)
	overloadSeen := make(chan struct{}, 1)

	go func() {
		defer close(m.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errCh:
				if !ok {
					return
				}
				if isOverload(err) {
					select {
					case overloadSeen <- struct{}{}:
					default:
					}
					m.decay()
				}
			case <-ticker.C:
				select {
				case <-overloadSeen:
					// overload observed this window; skip recovery
				default:
					m.recover()
				}
			}
		}
	}()
}

// Stop tears down the background watcher.
func (m *ManagedConfiguration) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func isOverload(err error) bool {
	var overload *store.OverloadError
	return errors.As(err, &overload)
}

func (m *ManagedConfiguration) decay() {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := int(float64(m.maxWorkers) * m.cfg.DecayFactor)
	if next < m.cfg.MinWorkers {
		next = m.cfg.MinWorkers
	}
	m.maxWorkers = next

	nextInterval := time.Duration(float64(m.pollInterval) / m.cfg.DecayFactor)
	if nextInterval > m.cfg.MaxPollInterval {
		nextInterval = m.cfg.MaxPollInterval
	}
	m.pollInterval = nextInterval

	observability.ManagedMaxWorkers.Set(float64(m.maxWorkers))
	observability.ManagedPollIntervalSeconds.Set(m.pollInterval.Seconds())
}

func (m *ManagedConfiguration) recover() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxWorkers < m.cfg.MaxWorkers {
		m.maxWorkers += m.cfg.RecoveryStep
		if m.maxWorkers > m.cfg.MaxWorkers {
			m.maxWorkers = m.cfg.MaxWorkers
		}
	}
	if m.pollInterval > m.cfg.PollInterval {
		step := time.Duration(float64(m.pollInterval) * (1 - m.cfg.DecayFactor))
		m.pollInterval -= step
		if m.pollInterval < m.cfg.PollInterval {
			m.pollInterval = m.cfg.PollInterval
		}
	}

	observability.ManagedMaxWorkers.Set(float64(m.maxWorkers))
	observability.ManagedPollIntervalSeconds.Set(m.pollInterval.Seconds())
}
