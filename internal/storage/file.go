package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "chanwatch/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json  (full state snapshot, rewritten atomically)
//   - <prefix>.audit.jsonl (append-only JSON Lines)
//
// Mutations are operator-paced (commands, one status write per probe), so
// rewriting the snapshot per mutation is cheap and keeps recovery trivial.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath string
	auditFile *os.File

	state  fileState
	closed bool
}

type fileState struct {
	Owner    int64               `json:"owner,omitempty"`
	Admins   []int64             `json:"admins,omitempty"`
	Channels []fileChannel       `json:"channels"`
	Groups   map[string][]string `json:"groups,omitempty"`
	Settings *fileSettings       `json:"settings,omitempty"`
}

type fileChannel struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	LastCheck int64  `json:"last_check,omitempty"` // unix milli, 0 if never
}

type fileSettings struct {
	CheckInterval  string `json:"check_interval"`
	TestMessage    string `json:"test_message"`
	DeleteInterval string `json:"delete_interval"`
	BroadcastDelay string `json:"broadcast_delay"`
	Active         bool   `json:"active"`
}

type auditRecord struct {
	At      string `json:"at"`
	ActorID int64  `json:"actor_id,omitempty"`
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
	OK      int    `json:"ok,omitempty"`
	Fail    int    `json:"fail,omitempty"`
	Error   string `json:"err,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	statePath := prefix + ".state.json"
	auditPath := prefix + ".audit.jsonl"

	var st fileState
	if b, err := os.ReadFile(statePath); err == nil {
		if err := json.Unmarshal(b, &st); err != nil {
			return nil, errors.New("corrupt state file " + statePath + ": " + err.Error())
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if st.Groups == nil {
		st.Groups = map[string][]string{}
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:       log,
		statePath: statePath,
		auditFile: af,
		state:     st,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

// saveLocked writes the snapshot via tmp+rename so a crash mid-write never
// truncates the previous good state.
func (s *fileStore) saveLocked() error {
	if s.closed {
		return ErrClosed
	}
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) UpsertChannel(ctx context.Context, ch Channel) error {
	_ = ctx
	addr := strings.TrimSpace(ch.Address)
	if addr == "" {
		return errors.New("channel address is empty")
	}
	if ch.Status == "" {
		ch.Status = StatusUnknown
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-registering keeps position, status and last check; only the
	// display name refreshes.
	for i := range s.state.Channels {
		if s.state.Channels[i].Address == addr {
			s.state.Channels[i].Name = ch.Name
			return s.saveLocked()
		}
	}
	s.state.Channels = append(s.state.Channels, fileChannel{
		Address:   addr,
		Name:      ch.Name,
		Status:    string(ch.Status),
		LastCheck: toMilli(ch.LastCheck),
	})
	return s.saveLocked()
}

func (s *fileStore) RemoveChannel(ctx context.Context, address string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.Channels {
		if s.state.Channels[i].Address == address {
			s.state.Channels = append(s.state.Channels[:i], s.state.Channels[i+1:]...)
			return true, s.saveLocked()
		}
	}
	return false, nil
}

func (s *fileStore) ListChannels(ctx context.Context) ([]Channel, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Channel, 0, len(s.state.Channels))
	for _, fc := range s.state.Channels {
		out = append(out, Channel{
			Address:   fc.Address,
			Name:      fc.Name,
			Status:    Status(fc.Status),
			LastCheck: fromMilli(fc.LastCheck),
		})
	}
	return out, nil
}

func (s *fileStore) SetChannelStatus(ctx context.Context, address string, st Status) error {
	_ = ctx
	if !st.Valid() {
		return errors.New("invalid channel status: " + string(st))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.Channels {
		if s.state.Channels[i].Address == address {
			s.state.Channels[i].Status = string(st)
			s.state.Channels[i].LastCheck = toMilli(time.Now())
			return s.saveLocked()
		}
	}
	return errors.New("channel not registered: " + address)
}

func (s *fileStore) AddToGroup(ctx context.Context, group, address string) error {
	_ = ctx
	group = strings.TrimSpace(group)
	address = strings.TrimSpace(address)
	if group == "" || address == "" {
		return errors.New("group and address must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.state.Groups[group]
	for _, m := range members {
		if m == address {
			return nil
		}
	}
	s.state.Groups[group] = append(members, address)
	return s.saveLocked()
}

func (s *fileStore) RemoveFromGroup(ctx context.Context, group, address string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.state.Groups[group]
	for i, m := range members {
		if m == address {
			members = append(members[:i], members[i+1:]...)
			if len(members) == 0 {
				delete(s.state.Groups, group)
			} else {
				s.state.Groups[group] = members
			}
			return true, s.saveLocked()
		}
	}
	return false, nil
}

func (s *fileStore) ListGroups(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.state.Groups))
	for g := range s.state.Groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) GroupMembers(ctx context.Context, group string) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.state.Groups[group]...), nil
}

func (s *fileStore) Settings(ctx context.Context) (Settings, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Settings{}, ErrClosed
	}
	if s.state.Settings == nil {
		return DefaultSettings(), nil
	}
	return decodeSettings(*s.state.Settings)
}

func (s *fileStore) PutSettings(ctx context.Context, set Settings) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := encodeSettings(set)
	s.state.Settings = &fs
	return s.saveLocked()
}

func (s *fileStore) Owner(ctx context.Context) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Owner, nil
}

func (s *fileStore) SetOwner(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Owner = id
	return s.saveLocked()
}

func (s *fileStore) Admins(ctx context.Context) ([]int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.state.Admins...), nil
}

func (s *fileStore) AddAdmin(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.state.Admins {
		if a == id {
			return nil
		}
	}
	s.state.Admins = append(s.state.Admins, id)
	return s.saveLocked()
}

func (s *fileStore) RemoveAdmin(ctx context.Context, id int64) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.state.Admins {
		if a == id {
			s.state.Admins = append(s.state.Admins[:i], s.state.Admins[i+1:]...)
			return true, s.saveLocked()
		}
	}
	return false, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(auditRecord{
		At:      e.At.Format(time.RFC3339Nano),
		ActorID: e.ActorID,
		Action:  e.Action,
		Target:  e.Target,
		OK:      e.OK,
		Fail:    e.Fail,
		Error:   e.Error,
	})
}

func encodeSettings(s Settings) fileSettings {
	return fileSettings{
		CheckInterval:  s.CheckInterval.String(),
		TestMessage:    s.TestMessage,
		DeleteInterval: s.DeleteInterval.String(),
		BroadcastDelay: s.BroadcastDelay.String(),
		Active:         s.Active,
	}
}

func decodeSettings(fs fileSettings) (Settings, error) {
	out := DefaultSettings()
	var err error
	if fs.CheckInterval != "" {
		if out.CheckInterval, err = time.ParseDuration(fs.CheckInterval); err != nil {
			return Settings{}, err
		}
	}
	if fs.DeleteInterval != "" {
		if out.DeleteInterval, err = time.ParseDuration(fs.DeleteInterval); err != nil {
			return Settings{}, err
		}
	}
	if fs.BroadcastDelay != "" {
		if out.BroadcastDelay, err = time.ParseDuration(fs.BroadcastDelay); err != nil {
			return Settings{}, err
		}
	}
	if fs.TestMessage != "" {
		out.TestMessage = fs.TestMessage
	}
	out.Active = fs.Active
	return out, nil
}

func toMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
