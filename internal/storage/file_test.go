package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "chanwatch/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestChannelRegistryOrderAndUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	for _, c := range []Channel{
		{Address: "@alpha", Name: "Alpha"},
		{Address: "-1001", Name: "Beta"},
		{Address: "@gamma", Name: "Gamma"},
	} {
		if err := st.UpsertChannel(ctx, c); err != nil {
			t.Fatalf("UpsertChannel(%s): %v", c.Address, err)
		}
	}

	// Re-registering keeps position, updates name.
	if err := st.UpsertChannel(ctx, Channel{Address: "@alpha", Name: "Alpha Prime"}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}

	chs, err := st.ListChannels(ctx)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if len(chs) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(chs))
	}
	if chs[0].Address != "@alpha" || chs[1].Address != "-1001" || chs[2].Address != "@gamma" {
		t.Fatalf("unexpected order: %+v", chs)
	}
	if chs[0].Name != "Alpha Prime" {
		t.Fatalf("upsert did not update name: %q", chs[0].Name)
	}
	if chs[0].Status != StatusUnknown {
		t.Fatalf("new channel should be unknown, got %q", chs[0].Status)
	}
}

func TestSetChannelStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.UpsertChannel(ctx, Channel{Address: "@a", Name: "A"}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}
	if err := st.SetChannelStatus(ctx, "@a", StatusBanned); err != nil {
		t.Fatalf("SetChannelStatus: %v", err)
	}
	chs, _ := st.ListChannels(ctx)
	if chs[0].Status != StatusBanned {
		t.Fatalf("status = %q, want banned", chs[0].Status)
	}
	if chs[0].LastCheck.IsZero() {
		t.Fatal("last_check not recorded")
	}
	if err := st.SetChannelStatus(ctx, "@missing", StatusActive); err == nil {
		t.Fatal("expected error for unregistered channel")
	}
	if err := st.SetChannelStatus(ctx, "@a", Status("bogus")); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestGroupsTolerateDanglingMembers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.UpsertChannel(ctx, Channel{Address: "@kept", Name: "Kept"}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}
	for _, a := range []string{"@kept", "@gone"} {
		if err := st.AddToGroup(ctx, "news", a); err != nil {
			t.Fatalf("AddToGroup(%s): %v", a, err)
		}
	}

	members, err := st.GroupMembers(ctx, "news")
	if err != nil {
		t.Fatalf("GroupMembers: %v", err)
	}
	// Dangling membership stays in the store; resolution filters it.
	if len(members) != 2 || members[0] != "@kept" || members[1] != "@gone" {
		t.Fatalf("unexpected members: %v", members)
	}

	groups, err := st.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 1 || groups[0] != "news" {
		t.Fatalf("unexpected groups: %v", groups)
	}

	ok, err := st.RemoveFromGroup(ctx, "news", "@gone")
	if err != nil || !ok {
		t.Fatalf("RemoveFromGroup: ok=%v err=%v", ok, err)
	}
	ok, err = st.RemoveFromGroup(ctx, "news", "@gone")
	if err != nil || ok {
		t.Fatalf("second RemoveFromGroup should be a no-op: ok=%v err=%v", ok, err)
	}
}

func TestSettingsRoundTripAndDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	got, err := st.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if got != DefaultSettings() {
		t.Fatalf("expected defaults before first write, got %+v", got)
	}

	want := Settings{
		CheckInterval:  5 * time.Minute,
		TestMessage:    "ping",
		DeleteInterval: 10 * time.Second,
		BroadcastDelay: time.Second,
		Active:         false,
	}
	if err := st.PutSettings(ctx, want); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	got, err = st.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if got != want {
		t.Fatalf("settings round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	s.CheckInterval = 10 * time.Second
	err := s.Validate()
	if err == nil {
		t.Fatal("expected rejection below minimum interval")
	}
	if !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}

	s = DefaultSettings()
	s.DeleteInterval = -time.Second
	if err := s.Validate(); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings for negative delete_interval, got %v", err)
	}
}

func TestRosterAndPersistenceAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "store")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.SetOwner(ctx, 100); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}
	for _, id := range []int64{200, 300} {
		if err := st.AddAdmin(ctx, id); err != nil {
			t.Fatalf("AddAdmin(%d): %v", id, err)
		}
	}
	if err := st.UpsertChannel(ctx, Channel{Address: "@persist", Name: "P"}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}
	if err := st.AppendAudit(ctx, AuditEntry{Action: "test", Target: "@persist"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	owner, err := st.Owner(ctx)
	if err != nil || owner != 100 {
		t.Fatalf("Owner after reopen = %d, %v", owner, err)
	}
	admins, err := st.Admins(ctx)
	if err != nil || len(admins) != 2 {
		t.Fatalf("Admins after reopen = %v, %v", admins, err)
	}
	chs, err := st.ListChannels(ctx)
	if err != nil || len(chs) != 1 || chs[0].Address != "@persist" {
		t.Fatalf("channels after reopen = %+v, %v", chs, err)
	}

	ok, err := st.RemoveAdmin(ctx, 200)
	if err != nil || !ok {
		t.Fatalf("RemoveAdmin: ok=%v err=%v", ok, err)
	}
	ok, err = st.RemoveAdmin(ctx, 999)
	if err != nil || ok {
		t.Fatalf("RemoveAdmin(unknown): ok=%v err=%v", ok, err)
	}
}
