// Package schedule wraps a cron runner as a single retimeable recurring
// trigger for the monitor pass.
package schedule

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrStopped = errors.New("timer stopped")

// Timer fires fn every interval. There is exactly one schedule entry at a
// time; Reschedule atomically swaps it so the old cadence never fires again.
// The runner skips a firing if the previous fn is still running.
type Timer struct {
	runner *cron.Cron
	fn     func()

	mu      sync.Mutex
	entry   cron.EntryID
	every   time.Duration
	stopped bool
}

func NewTimer(fn func()) *Timer {
	return &Timer{
		runner: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		fn:     fn,
	}
}

// Start registers the initial cadence and starts the runner. The first
// firing happens one full interval after Start, never immediately.
func (t *Timer) Start(every time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if t.entry != 0 {
		return errors.New("timer already started")
	}
	id, err := t.runner.AddFunc(spec(every), t.fn)
	if err != nil {
		return err
	}
	t.entry = id
	t.every = every
	t.runner.Start()
	return nil
}

// Reschedule swaps the cadence. On a parse failure the existing schedule
// keeps running untouched.
func (t *Timer) Reschedule(every time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if t.entry == 0 {
		return errors.New("timer not started")
	}
	id, err := t.runner.AddFunc(spec(every), t.fn)
	if err != nil {
		return err
	}
	t.runner.Remove(t.entry)
	t.entry = id
	t.every = every
	return nil
}

// Every reports the current cadence.
func (t *Timer) Every() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.every
}

// Next reports when the trigger fires next; zero if not running.
func (t *Timer) Next() time.Time {
	t.mu.Lock()
	id := t.entry
	t.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return t.runner.Entry(id).Next
}

// Stop halts the runner and waits for an in-flight firing to return.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	<-t.runner.Stop().Done()
}

func spec(every time.Duration) string {
	return "@every " + every.String()
}
