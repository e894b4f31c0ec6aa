package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed = errors.New("store closed")

	// ErrInvalidSettings wraps every settings validation failure so callers
	// can reject bad operator input before any state mutates.
	ErrInvalidSettings = errors.New("invalid settings")
)

// MinCheckInterval is the lower bound for the monitor pass interval.
// Anything shorter hammers the transport for no diagnostic gain.
const MinCheckInterval = 30 * time.Second

// Status is the closed set of channel health states.
type Status string

const (
	StatusUnknown        Status = "unknown"
	StatusActive         Status = "active"
	StatusActiveNoDelete Status = "active_no_delete"
	StatusInactive       Status = "inactive"
	StatusBanned         Status = "banned"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusActive, StatusActiveNoDelete, StatusInactive, StatusBanned:
		return true
	}
	return false
}

// Channel is a registered monitoring/broadcast target. Identity is Address.
type Channel struct {
	Address   string
	Name      string
	Status    Status
	LastCheck time.Time // zero if never probed
}

// Settings is the process-wide monitor/broadcast configuration. It is
// re-read from the store at the start of every pass, so admin changes take
// effect on the next run without restarts.
type Settings struct {
	CheckInterval  time.Duration
	TestMessage    string
	DeleteInterval time.Duration
	BroadcastDelay time.Duration
	Active         bool
}

func DefaultSettings() Settings {
	return Settings{
		CheckInterval:  time.Hour,
		TestMessage:    "✓ Status Check",
		DeleteInterval: 3 * time.Second,
		BroadcastDelay: 500 * time.Millisecond,
		Active:         true,
	}
}

// Validate rejects settings before they are persisted. A failed validation
// must leave the previous settings (and any timer derived from them) intact.
func (s Settings) Validate() error {
	if s.CheckInterval < MinCheckInterval {
		return fmt.Errorf("%w: check_interval %s below minimum %s",
			ErrInvalidSettings, s.CheckInterval, MinCheckInterval)
	}
	if s.DeleteInterval < 0 {
		return fmt.Errorf("%w: delete_interval must be >= 0", ErrInvalidSettings)
	}
	if s.BroadcastDelay < 0 {
		return fmt.Errorf("%w: broadcast_delay must be >= 0", ErrInvalidSettings)
	}
	if s.TestMessage == "" {
		return fmt.Errorf("%w: test_message must not be empty", ErrInvalidSettings)
	}
	return nil
}

// AuditEntry records an operator action or a monitor/broadcast outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	OK      int
	Fail    int
	Error   string
}

// Config selects and configures a store driver.
//
// Driver values:
//   - "file": dependency-free JSON state + JSONL audit
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
