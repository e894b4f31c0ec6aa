package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"chanwatch/internal/eventbus"
	"chanwatch/internal/storage"
	logx "chanwatch/pkg/logx"
)

// ErrPassInProgress is returned when a pass is triggered while another is
// still running. The caller skips; it never queues.
var ErrPassInProgress = errors.New("monitor pass already running")

// Alerter escalates a terminally unreachable channel to the operators.
type Alerter interface {
	Notify(ctx context.Context, owner int64, admins []int64, ch storage.Channel, summary string)
}

// Rescheduler retimes the recurring pass trigger.
type Rescheduler interface {
	Reschedule(every time.Duration) error
}

// PassStats summarizes one completed monitor pass.
type PassStats struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Checked    int
	Healthy    int
	Banned     int
	Skipped    bool // disabled, empty registry or store unreachable
}

// BannedEvent is the bus payload for a channel classified as banned.
type BannedEvent struct {
	Address string
	Name    string
	Error   string
}

// Monitor runs the timer-driven health pass over the channel registry.
//
// Settings are re-read from the store at the start of every pass, so
// administrative changes take effect on the next run. The pass is strictly
// sequential with fixed inter-channel pacing to respect transport rate
// limits; cancellation is checked between channels, never inside a probe.
type Monitor struct {
	store  storage.Store
	prober *Prober
	alerts Alerter
	bus    eventbus.Bus
	log    logx.Logger
	timer  Rescheduler // may be nil in tests

	// ChannelPacing separates consecutive channel probes. Default 1s.
	ChannelPacing time.Duration

	mu      sync.Mutex
	running bool
	passes  uint64
	last    PassStats
}

func New(store storage.Store, prober *Prober, alerts Alerter, bus eventbus.Bus, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		store:         store,
		prober:        prober,
		alerts:        alerts,
		bus:           bus,
		log:           log,
		ChannelPacing: time.Second,
	}
}

// SetTimer attaches the recurring trigger so SetCheckInterval can retime it.
func (m *Monitor) SetTimer(t Rescheduler) {
	m.mu.Lock()
	m.timer = t
	m.mu.Unlock()
}

// Snapshot returns pass counters for status views.
func (m *Monitor) Snapshot() (passes uint64, last PassStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passes, m.last
}

// RunPass executes one full pass over the registry.
//
// A disabled monitor, an empty registry or an unreachable store all degrade
// to a logged no-op that still counts as a completed pass. One channel's
// failure (or its alert) never aborts the rest of the pass; only ctx does.
func (m *Monitor) RunPass(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.log.Warn("pass trigger skipped, previous pass still running")
		return ErrPassInProgress
	}
	m.running = true
	m.mu.Unlock()

	stats := PassStats{StartedAt: time.Now()}
	defer func() {
		stats.FinishedAt = time.Now()
		m.mu.Lock()
		m.running = false
		m.passes++
		m.last = stats
		m.mu.Unlock()
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.EventPass, Data: stats})
		}
	}()

	set, err := m.store.Settings(ctx)
	if err != nil {
		m.log.Warn("settings unavailable, skipping pass", logx.Err(err))
		stats.Skipped = true
		return nil
	}
	if !set.Active {
		m.log.Info("monitoring disabled, skipping pass")
		stats.Skipped = true
		return nil
	}

	channels, err := m.store.ListChannels(ctx)
	if err != nil {
		// A dead store degrades to "no channels" rather than crashing.
		m.log.Warn("registry unavailable, skipping pass", logx.Err(err))
		stats.Skipped = true
		return nil
	}
	if len(channels) == 0 {
		m.log.Info("no channels to check")
		stats.Skipped = true
		return nil
	}

	owner, admins := m.roster(ctx)

	m.log.Info("pass started", logx.Int("channels", len(channels)))

	for i, ch := range channels {
		if err := ctx.Err(); err != nil {
			m.log.Info("pass cancelled", logx.Int("checked", stats.Checked))
			return err
		}
		if i > 0 {
			if err := sleep(ctx, m.ChannelPacing); err != nil {
				return err
			}
		}

		outcomes, err := m.prober.Probe(ctx, ch, set.TestMessage, set.DeleteInterval)
		if err != nil {
			// Abandoned probe: no status write from a partial sequence.
			m.log.Info("pass cancelled mid-probe", logx.String("channel", ch.Address))
			return err
		}
		stats.Checked++

		status := Classify(outcomes)
		if serr := m.store.SetChannelStatus(ctx, ch.Address, status); serr != nil {
			m.log.Warn("status update failed",
				logx.String("channel", ch.Address), logx.Err(serr))
		}

		switch status {
		case storage.StatusActive, storage.StatusActiveNoDelete:
			stats.Healthy++
			m.log.Info("channel alive",
				logx.String("channel", ch.Address),
				logx.String("status", string(status)),
				logx.Int("attempts", len(outcomes)))
		case storage.StatusBanned:
			stats.Banned++
			last := outcomes[len(outcomes)-1]
			summary := ""
			if last.Err != nil {
				summary = last.Err.Error()
			}
			m.log.Error("channel banned or inaccessible",
				logx.String("channel", ch.Address),
				logx.String("name", ch.Name),
				logx.Err(last.Err))
			if m.bus != nil {
				m.bus.Publish(eventbus.Event{
					Type: eventbus.EventChannelBanned,
					Data: BannedEvent{Address: ch.Address, Name: ch.Name, Error: summary},
				})
			}
			if m.alerts != nil {
				// Best-effort; a failed alert never blocks the next channel.
				m.alerts.Notify(ctx, owner, admins, ch, summary)
			}
		}
	}

	m.log.Info("pass completed",
		logx.Int("checked", stats.Checked),
		logx.Int("healthy", stats.Healthy),
		logx.Int("banned", stats.Banned))
	return nil
}

func (m *Monitor) roster(ctx context.Context) (int64, []int64) {
	owner, err := m.store.Owner(ctx)
	if err != nil {
		m.log.Warn("owner lookup failed", logx.Err(err))
	}
	admins, err := m.store.Admins(ctx)
	if err != nil {
		m.log.Warn("admin lookup failed", logx.Err(err))
	}
	return owner, admins
}

// SetCheckInterval validates and persists a new pass interval, then retimes
// the recurring trigger. A rejected interval leaves both the stored
// settings and the running timer untouched.
func (m *Monitor) SetCheckInterval(ctx context.Context, every time.Duration) error {
	set, err := m.store.Settings(ctx)
	if err != nil {
		return err
	}
	set.CheckInterval = every
	if err := set.Validate(); err != nil {
		return err
	}
	if err := m.store.PutSettings(ctx, set); err != nil {
		return err
	}
	m.mu.Lock()
	timer := m.timer
	m.mu.Unlock()
	if timer != nil {
		return timer.Reschedule(every)
	}
	return nil
}

// Enable turns monitoring on; the next timer firing runs a real pass.
func (m *Monitor) Enable(ctx context.Context) error { return m.setActive(ctx, true) }

// Disable turns monitoring off; scheduled passes become logged no-ops.
func (m *Monitor) Disable(ctx context.Context) error { return m.setActive(ctx, false) }

func (m *Monitor) setActive(ctx context.Context, active bool) error {
	set, err := m.store.Settings(ctx)
	if err != nil {
		return err
	}
	if set.Active == active {
		return nil
	}
	set.Active = active
	if err := m.store.PutSettings(ctx, set); err != nil {
		return err
	}
	m.log.Info("monitoring toggled", logx.Bool("active", active))
	return nil
}
