// Package commands implements the operator-facing bot command front end.
package commands

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"chanwatch/internal/broadcast"
	"chanwatch/internal/monitor"
	"chanwatch/internal/storage"
	"chanwatch/internal/transport"
	logx "chanwatch/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin           // owner or admin
	AccessOwner
)

// Request is one parsed incoming command.
type Request struct {
	Msg     transport.Message
	Command string
	Args    []string

	IsOwner bool
	IsAdmin bool
}

// HandlerFunc returns the reply text. An error produces a generic failure
// reply; operator-caused problems should come back as friendly reply text
// instead.
type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Handle      HandlerFunc
}

// Messenger is the transport surface the front end needs: replies,
// in-place progress edits and the live member count for /info.
type Messenger interface {
	Send(ctx context.Context, to transport.Address, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	Edit(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
	MemberCount(ctx context.Context, to transport.Address) (int, error)
}

// HealthMonitor is the monitor surface the commands drive.
type HealthMonitor interface {
	RunPass(ctx context.Context) error
	Snapshot() (passes uint64, last monitor.PassStats)
	SetCheckInterval(ctx context.Context, every time.Duration) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// Fanout is the broadcaster surface the commands drive.
type Fanout interface {
	Broadcast(ctx context.Context, p broadcast.Payload, progress broadcast.ProgressFunc) (broadcast.Report, error)
	Publish(ctx context.Context, group string, p broadcast.Payload, progress broadcast.ProgressFunc) (broadcast.Report, error)
}

// TimerView exposes the recurring trigger for /status.
type TimerView interface {
	Every() time.Duration
	Next() time.Time
}

type Manager struct {
	store storage.Store
	mon   HealthMonitor
	fan   Fanout
	timer TimerView // may be nil until the scheduler starts
	out   Messenger
	log   logx.Logger

	cmds  map[string]*Command
	order []string
}

func NewManager(store storage.Store, mon HealthMonitor, fan Fanout, out Messenger, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		store: store,
		mon:   mon,
		fan:   fan,
		out:   out,
		log:   log,
		cmds:  map[string]*Command{},
	}
	m.registerAll()
	return m
}

func (m *Manager) SetTimerView(t TimerView) { m.timer = t }

func (m *Manager) register(c Command) {
	m.cmds[c.Name] = &c
	m.order = append(m.order, c.Name)
	for _, a := range c.Aliases {
		m.cmds[a] = &c
	}
}

// DispatchLoop consumes incoming messages until ctx ends or in closes.
// Handlers run inline; long operations (/check, /broadcast, /publish)
// detach internally so the loop stays responsive.
func (m *Manager) DispatchLoop(ctx context.Context, in <-chan transport.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			m.dispatch(ctx, msg)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, msg transport.Message) {
	name, args, ok := splitCommand(msg.Text)
	if !ok {
		return
	}
	cmd, ok := m.cmds[name]
	if !ok {
		m.reply(ctx, msg, "Unknown command. Try /help.")
		return
	}

	req := &Request{Msg: msg, Command: name, Args: args}
	m.resolveAccess(ctx, req)

	switch cmd.Access {
	case AccessOwner:
		if !req.IsOwner {
			m.reply(ctx, msg, "Only the owner can do that.")
			return
		}
	case AccessAdmin:
		if !req.IsOwner && !req.IsAdmin {
			m.reply(ctx, msg, "You are not authorized. Ask the owner to add you with /add_admin.")
			return
		}
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("command handler panicked",
				logx.String("command", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			m.reply(ctx, msg, "Something went wrong handling that command.")
		}
	}()

	text, err := cmd.Handle(ctx, req)
	if err != nil {
		m.log.Warn("command failed",
			logx.String("command", name),
			logx.Int64("from", msg.FromID),
			logx.Err(err))
		m.reply(ctx, msg, "Command failed: "+err.Error())
		return
	}
	if text != "" {
		m.reply(ctx, msg, text)
	}
}

func (m *Manager) resolveAccess(ctx context.Context, req *Request) {
	owner, err := m.store.Owner(ctx)
	if err != nil {
		m.log.Warn("owner lookup failed", logx.Err(err))
		return
	}
	req.IsOwner = owner != 0 && req.Msg.FromID == owner
	if req.IsOwner {
		return
	}
	admins, err := m.store.Admins(ctx)
	if err != nil {
		m.log.Warn("admin lookup failed", logx.Err(err))
		return
	}
	for _, id := range admins {
		if id == req.Msg.FromID {
			req.IsAdmin = true
			return
		}
	}
}

func (m *Manager) reply(ctx context.Context, msg transport.Message, text string) {
	to := transport.Address(strconv.FormatInt(msg.ChatID, 10))
	if _, err := m.out.Send(ctx, to, text, nil); err != nil {
		m.log.Warn("reply failed",
			logx.Int64("chat", msg.ChatID), logx.Err(err))
	}
}

func (m *Manager) audit(ctx context.Context, req *Request, action, target string) {
	e := storage.AuditEntry{
		At:      time.Now(),
		ActorID: req.Msg.FromID,
		Action:  action,
		Target:  target,
	}
	if err := m.store.AppendAudit(ctx, e); err != nil {
		m.log.Warn("audit write failed", logx.String("action", action), logx.Err(err))
	}
}

// splitCommand parses "/cmd@botname arg1 arg2". Non-command text is ignored.
func splitCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name = strings.ToLower(fields[0])
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return name, fields[1:], true
}
