// Package dispatch provides the delayed dispatch facility used for run
// scheduling and human-turn timeout checks.
package dispatch

import (
	"sync"
	"time"
)

// Dispatcher schedules a function to run after a delay. No goroutine blocks
// for the duration; implementations are fire-and-forget, and handlers are
// expected to tolerate firing after the work they reference has already
// resolved.
type Dispatcher interface {
	After(d time.Duration, fn func())
}

// TimerDispatcher dispatches through time.AfterFunc.
type TimerDispatcher struct{}

// NewTimerDispatcher creates a timer-backed dispatcher.
func NewTimerDispatcher() *TimerDispatcher {
	return &TimerDispatcher{}
}

// After schedules fn after d.
func (t *TimerDispatcher) After(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// ManualDispatcher records scheduled functions so tests can fire them
// deterministically.
type ManualDispatcher struct {
	mu      sync.Mutex
	pending []func()
}

// NewManualDispatcher creates a dispatcher that never fires on its own.
func NewManualDispatcher() *ManualDispatcher {
	return &ManualDispatcher{}
}

// After records fn without running it.
func (m *ManualDispatcher) After(_ time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, fn)
}

// FireAll runs every recorded function in scheduling order and clears the
// queue.
func (m *ManualDispatcher) FireAll() {
	m.mu.Lock()
	fns := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Pending reports how many scheduled functions have not fired.
func (m *ManualDispatcher) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
