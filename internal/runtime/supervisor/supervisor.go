// Package supervisor runs named goroutines under a shared context with
// panic recovery and a bounded wait on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "chanwatch/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error

	wg      sync.WaitGroup
	started uint64
	active  int64
}

type Option func(*Supervisor)

// WithCancelOnError cancels every supervised goroutine when the first one
// returns a non-nil error.
func WithCancelOnError() Option {
	return func(s *Supervisor) { s.cancelOnErr = true }
}

func New(parent context.Context, log logx.Logger, opts ...Option) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Go starts a named goroutine. A panic is recovered, logged and treated as
// the goroutine's error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("goroutine panicked",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
				s.fail(fmt.Errorf("%s: panic: %v", name, r))
			}
			atomic.AddInt64(&s.active, -1)
			s.wg.Done()
		}()

		s.log.Debug("goroutine started", logx.String("name", name))
		err := fn(s.ctx)
		if err != nil && s.ctx.Err() == nil {
			s.log.Warn("goroutine failed",
				logx.String("name", name),
				logx.Duration("ran", time.Since(start)),
				logx.Err(err))
			s.fail(fmt.Errorf("%s: %w", name, err))
			return
		}
		s.log.Debug("goroutine stopped",
			logx.String("name", name),
			logx.Duration("ran", time.Since(start)))
	}()
}

// Go0 starts a named goroutine that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() {
		s.firstErr.Store(err)
		if s.cancelOnErr {
			s.cancel()
		}
	})
}

// Err returns the first goroutine error, if any.
func (s *Supervisor) Err() error {
	if v := s.firstErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (s *Supervisor) Active() int64 { return atomic.LoadInt64(&s.active) }

// Cancel asks every supervised goroutine to stop.
func (s *Supervisor) Cancel() { s.cancel() }

// Wait blocks until all goroutines finished or the timeout elapsed.
// Returns false on timeout; stragglers are logged, not killed.
func (s *Supervisor) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		s.log.Warn("shutdown wait elapsed with goroutines still running",
			logx.Any("active", s.Active()))
		return false
	}
}
