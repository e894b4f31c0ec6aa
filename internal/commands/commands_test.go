package commands

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chanwatch/internal/broadcast"
	"chanwatch/internal/monitor"
	"chanwatch/internal/storage"
	"chanwatch/internal/transport"
	logx "chanwatch/pkg/logx"
)

type fakeMessenger struct {
	mu    sync.Mutex
	sent  []string
	edits []string
	ch    chan string
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{ch: make(chan string, 16)}
}

func (f *fakeMessenger) Send(_ context.Context, _ transport.Address, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	n := len(f.sent)
	f.mu.Unlock()
	select {
	case f.ch <- text:
	default:
	}
	return transport.MessageRef{ChatID: 1, MessageID: n}, nil
}

func (f *fakeMessenger) Edit(_ context.Context, _ transport.MessageRef, text string, _ *transport.SendOptions) error {
	f.mu.Lock()
	f.edits = append(f.edits, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) MemberCount(context.Context, transport.Address) (int, error) {
	return 1234, nil
}

func (f *fakeMessenger) lastReply(t *testing.T) string {
	t.Helper()
	select {
	case s := <-f.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no reply arrived")
		return ""
	}
}

type fakeMonitor struct {
	mu       sync.Mutex
	passes   int
	interval time.Duration
	active   bool
}

func (f *fakeMonitor) RunPass(context.Context) error {
	f.mu.Lock()
	f.passes++
	f.mu.Unlock()
	return nil
}

func (f *fakeMonitor) Snapshot() (uint64, monitor.PassStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(f.passes), monitor.PassStats{StartedAt: time.Now(), Checked: 2, Healthy: 2}
}

func (f *fakeMonitor) SetCheckInterval(_ context.Context, d time.Duration) error {
	if d < storage.MinCheckInterval {
		return storage.ErrInvalidSettings
	}
	f.mu.Lock()
	f.interval = d
	f.mu.Unlock()
	return nil
}

func (f *fakeMonitor) Enable(context.Context) error  { f.setActive(true); return nil }
func (f *fakeMonitor) Disable(context.Context) error { f.setActive(false); return nil }

func (f *fakeMonitor) setActive(v bool) {
	f.mu.Lock()
	f.active = v
	f.mu.Unlock()
}

type fakeFanout struct {
	mu     sync.Mutex
	groups []string
	rep    broadcast.Report
	err    error
}

func (f *fakeFanout) Broadcast(_ context.Context, _ broadcast.Payload, progress broadcast.ProgressFunc) (broadcast.Report, error) {
	if progress != nil && f.err == nil {
		progress(f.rep.TargetCount, f.rep.Failed, f.rep.TargetCount)
	}
	return f.rep, f.err
}

func (f *fakeFanout) Publish(_ context.Context, group string, _ broadcast.Payload, _ broadcast.ProgressFunc) (broadcast.Report, error) {
	f.mu.Lock()
	f.groups = append(f.groups, group)
	f.mu.Unlock()
	return f.rep, f.err
}

func testManager(t *testing.T) (*Manager, storage.Store, *fakeMessenger, *fakeMonitor, *fakeFanout) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	out := newFakeMessenger()
	mon := &fakeMonitor{active: true}
	fan := &fakeFanout{}
	m := NewManager(st, mon, fan, out, logx.Nop())
	return m, st, out, mon, fan
}

func msgFrom(userID int64, text string) transport.Message {
	return transport.Message{ID: 1, ChatID: userID, FromID: userID, Text: text}
}

func TestStartClaimsOwnerOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, out, _, _ := testManager(t)

	m.dispatch(ctx, msgFrom(100, "/start"))
	if reply := out.lastReply(t); !strings.Contains(reply, "owner") {
		t.Fatalf("first /start should claim ownership, got %q", reply)
	}
	owner, _ := st.Owner(ctx)
	if owner != 100 {
		t.Fatalf("owner = %d, want 100", owner)
	}

	// Second caller does not steal the seat.
	m.dispatch(ctx, msgFrom(200, "/start"))
	out.lastReply(t)
	owner, _ = st.Owner(ctx)
	if owner != 100 {
		t.Fatalf("owner changed to %d", owner)
	}
}

func TestAccessControl(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, out, _, _ := testManager(t)

	if err := st.SetOwner(ctx, 100); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}

	// Stranger cannot use admin commands.
	m.dispatch(ctx, msgFrom(999, "/list"))
	if reply := out.lastReply(t); !strings.Contains(reply, "not authorized") {
		t.Fatalf("stranger got through: %q", reply)
	}

	// Admin cannot manage admins.
	if err := st.AddAdmin(ctx, 200); err != nil {
		t.Fatalf("AddAdmin: %v", err)
	}
	m.dispatch(ctx, msgFrom(200, "/add_admin 300"))
	if reply := out.lastReply(t); !strings.Contains(reply, "owner") {
		t.Fatalf("admin managed admins: %q", reply)
	}

	// Owner can.
	m.dispatch(ctx, msgFrom(100, "/add_admin 300"))
	if reply := out.lastReply(t); !strings.Contains(reply, "300") {
		t.Fatalf("owner add_admin reply: %q", reply)
	}
	admins, _ := st.Admins(ctx)
	if len(admins) != 2 {
		t.Fatalf("admins = %v", admins)
	}
}

func TestChannelLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, out, _, _ := testManager(t)
	if err := st.SetOwner(ctx, 100); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}

	m.dispatch(ctx, msgFrom(100, "/add_channel @news Daily News"))
	out.lastReply(t)
	m.dispatch(ctx, msgFrom(100, "/add_channel -1001234 Private"))
	out.lastReply(t)

	m.dispatch(ctx, msgFrom(100, "/list"))
	reply := out.lastReply(t)
	if !strings.Contains(reply, "Daily News") || !strings.Contains(reply, "-1001234") {
		t.Fatalf("list reply: %q", reply)
	}

	// Garbage address is refused with guidance, not an error.
	m.dispatch(ctx, msgFrom(100, "/add_channel not-a-channel"))
	if reply := out.lastReply(t); !strings.Contains(reply, "@handle") {
		t.Fatalf("bad address reply: %q", reply)
	}

	m.dispatch(ctx, msgFrom(100, "/remove_channel @news"))
	out.lastReply(t)
	chs, _ := st.ListChannels(ctx)
	if len(chs) != 1 || chs[0].Address != "-1001234" {
		t.Fatalf("channels after removal: %+v", chs)
	}

	m.dispatch(ctx, msgFrom(100, "/remove_channel @news"))
	if reply := out.lastReply(t); !strings.Contains(reply, "not registered") {
		t.Fatalf("double removal reply: %q", reply)
	}
}

func TestInfoShowsMemberCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, out, _, _ := testManager(t)
	if err := st.SetOwner(ctx, 100); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}
	if err := st.UpsertChannel(ctx, storage.Channel{Address: "@news", Name: "News"}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}

	m.dispatch(ctx, msgFrom(100, "/info @news"))
	reply := out.lastReply(t)
	if !strings.Contains(reply, "News") || !strings.Contains(reply, "1234") {
		t.Fatalf("info reply: %q", reply)
	}

	m.dispatch(ctx, msgFrom(100, "/info @ghost"))
	if reply := out.lastReply(t); !strings.Contains(reply, "not registered") {
		t.Fatalf("unknown channel reply: %q", reply)
	}
}

func TestTimePeriodValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, out, mon, _ := testManager(t)
	if err := st.SetOwner(ctx, 100); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}

	m.dispatch(ctx, msgFrom(100, "/time_period 10s"))
	if reply := out.lastReply(t); !strings.Contains(reply, "at least") {
		t.Fatalf("below-minimum reply: %q", reply)
	}
	if mon.interval != 0 {
		t.Fatalf("rejected interval reached the monitor: %v", mon.interval)
	}

	m.dispatch(ctx, msgFrom(100, "/time_period 2d"))
	if reply := out.lastReply(t); !strings.Contains(reply, "2d") {
		t.Fatalf("day shorthand reply: %q", reply)
	}
	if mon.interval != 48*time.Hour {
		t.Fatalf("interval = %v, want 48h", mon.interval)
	}
}

func TestBroadcastCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, out, _, fan := testManager(t)
	if err := st.SetOwner(ctx, 100); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}
	fan.rep = broadcast.Report{TargetCount: 3, Successful: 2, Failed: 1,
		Failures: []broadcast.Failure{{Name: "Dead", Err: "forbidden"}}}

	m.dispatch(ctx, msgFrom(100, "/broadcast hello world"))
	first := out.lastReply(t)
	if !strings.Contains(first, "Sending") {
		t.Fatalf("expected status message first, got %q", first)
	}
	final := out.lastReply(t)
	if !strings.Contains(final, "2 of 3") || !strings.Contains(final, "Dead") {
		t.Fatalf("final report: %q", final)
	}

	// Bare /broadcast without text or reply is refused.
	m.dispatch(ctx, msgFrom(100, "/broadcast"))
	if reply := out.lastReply(t); !strings.Contains(reply, "reply") {
		t.Fatalf("bare broadcast reply: %q", reply)
	}
}

func TestPublishRoutesGroup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, out, _, fan := testManager(t)
	if err := st.SetOwner(ctx, 100); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}
	fan.rep = broadcast.Report{TargetCount: 1, Successful: 1}

	m.dispatch(ctx, msgFrom(100, "/publish news hello"))
	out.lastReply(t) // status
	out.lastReply(t) // report
	fan.mu.Lock()
	defer fan.mu.Unlock()
	if len(fan.groups) != 1 || fan.groups[0] != "news" {
		t.Fatalf("published groups: %v", fan.groups)
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{"/list", "list", nil, true},
		{"/ADD_CHANNEL @x", "add_channel", []string{"@x"}, true},
		{"/check@chanwatch_bot", "check", nil, true},
		{"plain text", "", nil, false},
		{"/", "", nil, false},
		{"  /status  ", "status", nil, true},
	}
	for _, tt := range tests {
		name, args, ok := splitCommand(tt.in)
		if ok != tt.ok || name != tt.name || len(args) != len(tt.args) {
			t.Errorf("splitCommand(%q) = %q %v %v", tt.in, name, args, ok)
		}
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"1h30m", 90 * time.Minute, false},
		{"2d", 48 * time.Hour, false},
		{"0s", 0, true},
		{"-5m", 0, true},
		{"soon", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parseInterval(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("parseInterval(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestFormatReportOverflow(t *testing.T) {
	t.Parallel()
	rep := broadcast.Report{TargetCount: 10, Successful: 3, Failed: 7}
	for i := 0; i < 7; i++ {
		rep.Failures = append(rep.Failures, broadcast.Failure{Name: "ch" + string(rune('A'+i)), Err: "x"})
	}
	out := formatReport(rep)
	if !strings.Contains(out, "…and 2 more") {
		t.Fatalf("overflow missing: %q", out)
	}
	if strings.Count(out, "• ") != 5 {
		t.Fatalf("expected 5 named failures: %q", out)
	}
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"@handle", "@handle", false},
		{"-1001234", "-1001234", false},
		{"t.me/news", "@news", false},
		{"https://t.me/news", "@news", false},
		{"@", "", true},
		{"garbage!", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeAddress(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("normalizeAddress(%q) = %q, %v", tt.in, got, err)
		}
	}
}
