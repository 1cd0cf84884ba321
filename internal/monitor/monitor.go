// Package monitor serialises command and attribute execution on devices.
//
// A Monitor is a one-slot lock with a bounded wait. A Set hands out
// monitors according to the process-wide serialisation model: one per
// device, one per class, or a no-op monitor when serialisation is off.
//
// Monitors are not re-entrant. A goroutine holding a device monitor must
// not call polling.Engine.Trigger for an object of the same device: the
// polling loop takes the same monitor to sample it and the trigger times
// out.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/devserver/internal/fault"
)

// Monitor is a mutual-exclusion slot acquired with a timeout.
type Monitor struct {
	name    string
	timeout time.Duration
	slot    chan struct{} // nil for a no-op monitor

	mu    sync.Mutex
	owner string
	since time.Time
}

// New creates a monitor. timeout bounds every Acquire.
func New(name string, timeout time.Duration) *Monitor {
	return &Monitor{
		name:    name,
		timeout: timeout,
		slot:    make(chan struct{}, 1),
	}
}

// Noop returns a monitor whose Acquire always succeeds immediately.
func Noop() *Monitor {
	return &Monitor{name: "nosync"}
}

// Name returns the name the monitor guards.
func (m *Monitor) Name() string { return m.name }

// Acquire takes the monitor for owner. It waits at most the monitor
// timeout and fails with command_timed_out, or with the context error when
// ctx ends first.
func (m *Monitor) Acquire(ctx context.Context, owner string) error {
	if m.slot == nil {
		return nil
	}

	select {
	case m.slot <- struct{}{}:
		m.setOwner(owner)
		return nil
	default:
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case m.slot <- struct{}{}:
		m.setOwner(owner)
		return nil
	case <-timer.C:
		holder, since := m.Owner()
		return fault.New(fault.CommandTimedOut,
			fmt.Sprintf("Not able to acquire serialization (dev, class or process) monitor for %s (held by %s for %v)",
				m.name, holder, time.Since(since).Round(time.Millisecond)),
			"Monitor.Acquire")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the monitor. Releasing a free monitor panics.
func (m *Monitor) Release() {
	if m.slot == nil {
		return
	}
	m.setOwner("")
	select {
	case <-m.slot:
	default:
		panic("monitor: release of unlocked monitor " + m.name)
	}
}

// Owner returns the current holder and when it took the monitor.
func (m *Monitor) Owner() (string, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner, m.since
}

func (m *Monitor) setOwner(owner string) {
	m.mu.Lock()
	m.owner = owner
	if owner == "" {
		m.since = time.Time{}
	} else {
		m.since = time.Now()
	}
	m.mu.Unlock()
}

// Do runs fn while holding the monitor.
func (m *Monitor) Do(ctx context.Context, owner string, fn func() error) error {
	if err := m.Acquire(ctx, owner); err != nil {
		return err
	}
	defer m.Release()
	return fn()
}
