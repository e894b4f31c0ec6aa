// Package broadcast fans one message out to many channels with paced
// delivery and a per-target delivery report.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"chanwatch/internal/eventbus"
	"chanwatch/internal/storage"
	"chanwatch/internal/transport"
	logx "chanwatch/pkg/logx"
)

var (
	// ErrNoTargets is returned when a fan-out resolves to zero deliverable
	// targets (empty registry, or a group whose members all dangle).
	ErrNoTargets = errors.New("no broadcast targets")

	// ErrBusy is returned when a fan-out is triggered while another is in
	// flight. Runs never queue or interleave.
	ErrBusy = errors.New("broadcast already running")
)

// Payload is the message to fan out: either plain text or a reference to
// an existing message that gets copied verbatim (preserves media).
type Payload struct {
	Text   string
	Source *transport.MessageRef
}

type Target struct {
	Address string
	Name    string
}

// Failure is one undeliverable target in a report. Err is truncated so a
// long transport error cannot blow up the operator-facing summary.
type Failure struct {
	Name string
	Err  string
}

// Report summarizes one completed fan-out.
type Report struct {
	TargetCount int
	Successful  int
	Failed      int
	Failures    []Failure
	Elapsed     time.Duration
}

// ProgressFunc receives delivery progress during a long fan-out. Errors in
// the progress channel itself are the caller's concern; Fanout ignores them.
type ProgressFunc func(done, failed, total int)

// progressEvery is how many deliveries pass between progress callbacks.
const progressEvery = 5

const maxFailureErrLen = 50

// Broadcaster delivers a payload to every target sequentially. One failed
// target never aborts the run; it is recorded and the fan-out moves on.
type Broadcaster struct {
	port  transport.Port
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	running bool
}

func New(port transport.Port, store storage.Store, bus eventbus.Bus, log logx.Logger) *Broadcaster {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broadcaster{port: port, store: store, bus: bus, log: log}
}

// Broadcast fans the payload out to every registered channel.
func (b *Broadcaster) Broadcast(ctx context.Context, p Payload, progress ProgressFunc) (Report, error) {
	channels, err := b.store.ListChannels(ctx)
	if err != nil {
		return Report{}, err
	}
	targets := make([]Target, 0, len(channels))
	for _, ch := range channels {
		targets = append(targets, Target{Address: ch.Address, Name: ch.Name})
	}
	return b.run(ctx, "broadcast", p, targets, progress)
}

// Publish fans the payload out to the members of a named group. Members
// that no longer exist in the channel registry are silently skipped; they
// do not count as targets and do not appear in the report.
func (b *Broadcaster) Publish(ctx context.Context, group string, p Payload, progress ProgressFunc) (Report, error) {
	members, err := b.store.GroupMembers(ctx, group)
	if err != nil {
		return Report{}, err
	}
	channels, err := b.store.ListChannels(ctx)
	if err != nil {
		return Report{}, err
	}
	registered := make(map[string]storage.Channel, len(channels))
	for _, ch := range channels {
		registered[ch.Address] = ch
	}

	targets := make([]Target, 0, len(members))
	for _, addr := range members {
		ch, ok := registered[addr]
		if !ok {
			b.log.Debug("skipping dangling group member",
				logx.String("group", group), logx.String("address", addr))
			continue
		}
		targets = append(targets, Target{Address: ch.Address, Name: ch.Name})
	}
	return b.run(ctx, "publish:"+group, p, targets, progress)
}

// Fanout delivers the payload to an explicit target list.
func (b *Broadcaster) Fanout(ctx context.Context, p Payload, targets []Target, progress ProgressFunc) (Report, error) {
	return b.run(ctx, "fanout", p, targets, progress)
}

func (b *Broadcaster) run(ctx context.Context, label string, p Payload, targets []Target, progress ProgressFunc) (Report, error) {
	if len(targets) == 0 {
		return Report{}, ErrNoTargets
	}

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return Report{}, ErrBusy
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	delay := storage.DefaultSettings().BroadcastDelay
	if set, err := b.store.Settings(ctx); err == nil {
		delay = set.BroadcastDelay
	}

	start := time.Now()
	rep := Report{TargetCount: len(targets)}
	b.log.Info("fan-out started",
		logx.String("run", label), logx.Int("targets", len(targets)))

	for i, tgt := range targets {
		if err := ctx.Err(); err != nil {
			rep.Elapsed = time.Since(start)
			b.log.Info("fan-out cancelled",
				logx.String("run", label), logx.Int("done", i))
			return rep, err
		}
		if i > 0 {
			if err := sleep(ctx, delay); err != nil {
				rep.Elapsed = time.Since(start)
				return rep, err
			}
		}

		// One attempt per target; broadcasts are not retried.
		if err := b.deliver(ctx, p, tgt); err != nil {
			rep.Failed++
			rep.Failures = append(rep.Failures, Failure{
				Name: targetName(tgt),
				Err:  truncate(err.Error(), maxFailureErrLen),
			})
			b.log.Warn("delivery failed",
				logx.String("run", label),
				logx.String("target", tgt.Address),
				logx.Err(err))
		} else {
			rep.Successful++
		}

		done := i + 1
		if progress != nil && (done%progressEvery == 0 || done == len(targets)) {
			progress(done, rep.Failed, len(targets))
		}
	}

	rep.Elapsed = time.Since(start)
	b.log.Info("fan-out completed",
		logx.String("run", label),
		logx.Int("ok", rep.Successful),
		logx.Int("failed", rep.Failed),
		logx.Duration("elapsed", rep.Elapsed))
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: eventbus.EventBroadcastDone, Data: rep})
	}
	return rep, nil
}

func (b *Broadcaster) deliver(ctx context.Context, p Payload, tgt Target) error {
	addr := transport.Address(tgt.Address)
	if p.Source != nil {
		return b.port.Copy(ctx, *p.Source, addr)
	}
	_, err := b.port.Send(ctx, addr, p.Text, nil)
	return err
}

func targetName(t Target) string {
	if t.Name != "" {
		return t.Name
	}
	return t.Address
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
