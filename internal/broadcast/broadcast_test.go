package broadcast

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"chanwatch/internal/storage"
	"chanwatch/internal/transport"
	logx "chanwatch/pkg/logx"
)

type scriptedPort struct {
	mu     sync.Mutex
	sends  []string
	copies []string
	fail   map[string]error
}

func (p *scriptedPort) Send(_ context.Context, to transport.Address, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[string(to)]; err != nil {
		return transport.MessageRef{}, err
	}
	p.sends = append(p.sends, string(to))
	return transport.MessageRef{ChatID: 1, MessageID: len(p.sends)}, nil
}

func (p *scriptedPort) Copy(_ context.Context, _ transport.MessageRef, to transport.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[string(to)]; err != nil {
		return err
	}
	p.copies = append(p.copies, string(to))
	return nil
}

func (p *scriptedPort) Delete(context.Context, transport.MessageRef) error         { return nil }
func (p *scriptedPort) MemberCount(context.Context, transport.Address) (int, error) { return 0, nil }

func openBroadcastStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	set := storage.DefaultSettings()
	set.BroadcastDelay = 0
	if err := st.PutSettings(context.Background(), set); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	return st
}

func TestFanoutReportAndProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openBroadcastStore(t)
	port := &scriptedPort{fail: map[string]error{
		"@t3": errors.New("forbidden: bot is not a member of the channel chat"),
		"@t6": errors.New("flood"),
		"@t9": errors.New("gone"),
	}}
	b := New(port, st, nil, logx.Nop())

	targets := make([]Target, 0, 10)
	for i := 1; i <= 10; i++ {
		targets = append(targets, Target{Address: fmt.Sprintf("@t%d", i), Name: fmt.Sprintf("T%d", i)})
	}

	var ticks [][3]int
	rep, err := b.Fanout(ctx, Payload{Text: "hello"}, targets, func(done, failed, total int) {
		ticks = append(ticks, [3]int{done, failed, total})
	})
	if err != nil {
		t.Fatalf("Fanout: %v", err)
	}

	if rep.TargetCount != 10 || rep.Successful != 7 || rep.Failed != 3 {
		t.Fatalf("report = %+v, want 7/3 of 10", rep)
	}
	wantFailed := []string{"T3", "T6", "T9"}
	if len(rep.Failures) != len(wantFailed) {
		t.Fatalf("failures = %+v", rep.Failures)
	}
	for i, w := range wantFailed {
		if rep.Failures[i].Name != w {
			t.Fatalf("failure %d = %q, want %q", i, rep.Failures[i].Name, w)
		}
	}
	// 50-char cap on recorded transport errors.
	if got := rep.Failures[0].Err; len([]rune(got)) > 51 {
		t.Fatalf("failure error not truncated: %q", got)
	}

	// Progress at every 5 deliveries and at the end.
	want := [][3]int{{5, 1, 10}, {10, 3, 10}}
	if len(ticks) != len(want) {
		t.Fatalf("progress ticks = %v, want %v", ticks, want)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("tick %d = %v, want %v", i, ticks[i], want[i])
		}
	}
}

func TestFanoutNoTargets(t *testing.T) {
	t.Parallel()
	st := openBroadcastStore(t)
	b := New(&scriptedPort{}, st, nil, logx.Nop())

	rep, err := b.Fanout(context.Background(), Payload{Text: "x"}, nil, nil)
	if !errors.Is(err, ErrNoTargets) {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
	if !reflect.DeepEqual(rep, Report{}) {
		t.Fatalf("expected zero report, got %+v", rep)
	}
}

func TestBroadcastUsesWholeRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openBroadcastStore(t)
	port := &scriptedPort{}
	b := New(port, st, nil, logx.Nop())

	for _, a := range []string{"@a", "@b"} {
		if err := st.UpsertChannel(ctx, storage.Channel{Address: a, Name: a}); err != nil {
			t.Fatalf("UpsertChannel: %v", err)
		}
	}

	rep, err := b.Broadcast(ctx, Payload{Text: "news"}, nil)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if rep.TargetCount != 2 || rep.Successful != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if len(port.sends) != 2 || port.sends[0] != "@a" || port.sends[1] != "@b" {
		t.Fatalf("sends = %v, want registry order", port.sends)
	}
}

func TestPublishSkipsDanglingMembers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openBroadcastStore(t)
	port := &scriptedPort{}
	b := New(port, st, nil, logx.Nop())

	if err := st.UpsertChannel(ctx, storage.Channel{Address: "@kept", Name: "Kept"}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}
	for _, a := range []string{"@gone", "@kept"} {
		if err := st.AddToGroup(ctx, "news", a); err != nil {
			t.Fatalf("AddToGroup: %v", err)
		}
	}

	rep, err := b.Publish(ctx, "news", Payload{Text: "x"}, nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// The dangling member neither counts nor fails.
	if rep.TargetCount != 1 || rep.Successful != 1 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want exactly the surviving member", rep)
	}
	if len(port.sends) != 1 || port.sends[0] != "@kept" {
		t.Fatalf("sends = %v", port.sends)
	}
}

func TestPublishEmptyGroupIsNoTargets(t *testing.T) {
	t.Parallel()
	st := openBroadcastStore(t)
	b := New(&scriptedPort{}, st, nil, logx.Nop())

	_, err := b.Publish(context.Background(), "ghost", Payload{Text: "x"}, nil)
	if !errors.Is(err, ErrNoTargets) {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
}

func TestFanoutSingleFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openBroadcastStore(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	port := &blockingPort{release: release, started: started}
	b := New(port, st, nil, logx.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := b.Fanout(ctx, Payload{Text: "x"}, []Target{{Address: "@a"}}, nil)
		done <- err
	}()
	<-started

	if _, err := b.Fanout(ctx, Payload{Text: "y"}, []Target{{Address: "@b"}}, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("overlapping fan-out err = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first fan-out: %v", err)
	}

	// Guard releases once the run finishes.
	if _, err := b.Fanout(ctx, Payload{Text: "z"}, []Target{{Address: "@c"}}, nil); err != nil {
		t.Fatalf("follow-up fan-out: %v", err)
	}
}

// blockingPort holds its first Send until released.
type blockingPort struct {
	release <-chan struct{}
	started chan struct{}
	once    sync.Once
}

func (p *blockingPort) Send(context.Context, transport.Address, string, *transport.SendOptions) (transport.MessageRef, error) {
	p.once.Do(func() {
		p.started <- struct{}{}
		<-p.release
	})
	return transport.MessageRef{ChatID: 1, MessageID: 1}, nil
}

func (p *blockingPort) Copy(context.Context, transport.MessageRef, transport.Address) error {
	return nil
}
func (p *blockingPort) Delete(context.Context, transport.MessageRef) error          { return nil }
func (p *blockingPort) MemberCount(context.Context, transport.Address) (int, error) { return 0, nil }

func TestFanoutCopiesWhenSourceSet(t *testing.T) {
	t.Parallel()
	st := openBroadcastStore(t)
	port := &scriptedPort{}
	b := New(port, st, nil, logx.Nop())

	src := transport.MessageRef{ChatID: 7, MessageID: 99}
	rep, err := b.Fanout(context.Background(), Payload{Source: &src},
		[]Target{{Address: "@a"}, {Address: "@b"}}, nil)
	if err != nil {
		t.Fatalf("Fanout: %v", err)
	}
	if rep.Successful != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if len(port.copies) != 2 || len(port.sends) != 0 {
		t.Fatalf("expected copies not sends: copies=%v sends=%v", port.copies, port.sends)
	}
}
