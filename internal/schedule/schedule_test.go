package schedule

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerFiresAndReschedules(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	tm := NewTimer(func() { fired.Add(1) })
	defer tm.Stop()

	if err := tm.Start(50 * time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timer never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := tm.Reschedule(time.Hour); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if got := tm.Every(); got != time.Hour {
		t.Fatalf("Every = %v, want 1h", got)
	}
	next := tm.Next()
	if next.IsZero() || time.Until(next) < 50*time.Minute {
		t.Fatalf("next firing %v not pushed out by reschedule", next)
	}
}

func TestTimerLifecycleErrors(t *testing.T) {
	t.Parallel()
	tm := NewTimer(func() {})

	if err := tm.Reschedule(time.Minute); err == nil {
		t.Fatal("Reschedule before Start must fail")
	}
	if err := tm.Start(time.Hour); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tm.Start(time.Hour); err == nil {
		t.Fatal("second Start must fail")
	}
	tm.Stop()
	if err := tm.Reschedule(time.Minute); err != ErrStopped {
		t.Fatalf("Reschedule after Stop = %v, want ErrStopped", err)
	}
	tm.Stop() // idempotent
}
