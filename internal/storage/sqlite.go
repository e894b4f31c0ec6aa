package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "chanwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertChannel(ctx context.Context, ch Channel) error {
	addr := strings.TrimSpace(ch.Address)
	if addr == "" {
		return errors.New("channel address is empty")
	}
	if ch.Status == "" {
		ch.Status = StatusUnknown
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(address, name, status, last_check, position)
		 VALUES(?,?,?,?, COALESCE((SELECT MAX(position) FROM channels), 0) + 1)
		 ON CONFLICT(address) DO UPDATE SET name=excluded.name`,
		addr, ch.Name, string(ch.Status), nullMilli(ch.LastCheck),
	)
	return err
}

func (s *sqliteStore) RemoveChannel(ctx context.Context, address string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE address = ?`, address)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, name, status, last_check FROM channels ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var (
			ch Channel
			st string
			ms sql.NullInt64
		)
		if err := rows.Scan(&ch.Address, &ch.Name, &st, &ms); err != nil {
			return nil, err
		}
		ch.Status = Status(st)
		if ms.Valid {
			ch.LastCheck = time.UnixMilli(ms.Int64)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetChannelStatus(ctx context.Context, address string, st Status) error {
	if !st.Valid() {
		return errors.New("invalid channel status: " + string(st))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET status = ?, last_check = ? WHERE address = ?`,
		string(st), time.Now().UnixMilli(), address,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("channel not registered: " + address)
	}
	return nil
}

func (s *sqliteStore) AddToGroup(ctx context.Context, group, address string) error {
	group = strings.TrimSpace(group)
	address = strings.TrimSpace(address)
	if group == "" || address == "" {
		return errors.New("group and address must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members(group_name, address, position)
		 VALUES(?,?, COALESCE((SELECT MAX(position) FROM group_members WHERE group_name = ?), 0) + 1)
		 ON CONFLICT(group_name, address) DO NOTHING`,
		group, address, group,
	)
	return err
}

func (s *sqliteStore) RemoveFromGroup(ctx context.Context, group, address string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_name = ? AND address = ?`, group, address)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ListGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT group_name FROM group_members ORDER BY group_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GroupMembers(ctx context.Context, group string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address FROM group_members WHERE group_name = ? ORDER BY position`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const settingsKey = "monitor"

func (s *sqliteStore) Settings(ctx context.Context) (Settings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, settingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	var fs fileSettings
	if err := json.Unmarshal([]byte(raw), &fs); err != nil {
		return Settings{}, err
	}
	return decodeSettings(fs)
}

func (s *sqliteStore) PutSettings(ctx context.Context, set Settings) error {
	b, err := json.Marshal(encodeSettings(set))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		settingsKey, string(b),
	)
	return err
}

func (s *sqliteStore) Owner(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM roster WHERE role = 'owner'`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

func (s *sqliteStore) SetOwner(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM roster WHERE role = 'owner'`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO roster(user_id, role) VALUES(?, 'owner')
		 ON CONFLICT(user_id) DO UPDATE SET role='owner'`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Admins(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM roster WHERE role = 'admin' ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddAdmin(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roster(user_id, role) VALUES(?, 'admin')
		 ON CONFLICT(user_id) DO NOTHING`, id)
	return err
}

func (s *sqliteStore) RemoveAdmin(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM roster WHERE user_id = ? AND role = 'admin'`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, target, ok, fail, err)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
