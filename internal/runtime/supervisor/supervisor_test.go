package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	logx "chanwatch/pkg/logx"
)

func TestGoAndWait(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	done := make(chan struct{})
	s.Go("worker", func(ctx context.Context) error {
		close(done)
		return nil
	})
	<-done
	if !s.Wait(2 * time.Second) {
		t.Fatal("Wait timed out")
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	s.Go("bomb", func(ctx context.Context) error {
		panic("boom")
	})
	if !s.Wait(2 * time.Second) {
		t.Fatal("Wait timed out")
	}
	err := s.Err()
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("panic not surfaced as error: %v", err)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop(), WithCancelOnError())

	stopped := make(chan struct{})
	s.Go0("long", func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})
	s.Go("failing", func(ctx context.Context) error {
		return errors.New("broken")
	})

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling was not cancelled after first error")
	}
	if !s.Wait(2 * time.Second) {
		t.Fatal("Wait timed out")
	}
	if s.Err() == nil {
		t.Fatal("first error lost")
	}
}

func TestCancelStopsGoroutines(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	s.Go0("looper", func(ctx context.Context) {
		<-ctx.Done()
	})
	s.Cancel()
	if !s.Wait(2 * time.Second) {
		t.Fatal("Wait timed out after Cancel")
	}
	if s.Active() != 0 {
		t.Fatalf("Active = %d after Wait", s.Active())
	}
}
