package storage

import (
	"context"
	"errors"
	"strings"

	logx "chanwatch/pkg/logx"
)

// Store is the persistence surface consumed by the monitor, broadcaster
// and command front end. All listing methods return stable registration
// order. Implementations are safe for concurrent use.
type Store interface {
	// Channel registry.
	UpsertChannel(ctx context.Context, ch Channel) error
	RemoveChannel(ctx context.Context, address string) (bool, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	SetChannelStatus(ctx context.Context, address string, st Status) error

	// Named groups. Membership may reference addresses no longer present
	// in the registry; such dangling entries are tolerated here and
	// filtered by the caller at resolve time.
	AddToGroup(ctx context.Context, group, address string) error
	RemoveFromGroup(ctx context.Context, group, address string) (bool, error)
	ListGroups(ctx context.Context) ([]string, error)
	GroupMembers(ctx context.Context, group string) ([]string, error)

	// Monitor settings. Settings() returns DefaultSettings() until a
	// first PutSettings. PutSettings persists without validating; callers
	// validate first (Settings.Validate).
	Settings(ctx context.Context) (Settings, error)
	PutSettings(ctx context.Context, s Settings) error

	// Operator roster.
	Owner(ctx context.Context) (int64, error) // 0 when unset
	SetOwner(ctx context.Context, id int64) error
	Admins(ctx context.Context) ([]int64, error)
	AddAdmin(ctx context.Context, id int64) error
	RemoveAdmin(ctx context.Context, id int64) (bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
