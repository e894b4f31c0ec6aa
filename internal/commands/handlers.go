package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chanwatch/internal/broadcast"
	"chanwatch/internal/monitor"
	"chanwatch/internal/storage"
	"chanwatch/internal/transport"
	logx "chanwatch/pkg/logx"
)

func (m *Manager) registerAll() {
	m.register(Command{
		Name: "start", Description: "Introduce the bot; first caller becomes owner",
		Access: AccessEveryone, Handle: m.cmdStart,
	})
	m.register(Command{
		Name: "help", Description: "List available commands",
		Access: AccessEveryone, Handle: m.cmdHelp,
	})
	m.register(Command{
		Name: "add_admin", Usage: "/add_admin <user_id>",
		Description: "Grant admin access", Access: AccessOwner, Handle: m.cmdAddAdmin,
	})
	m.register(Command{
		Name: "remove_admin", Usage: "/remove_admin <user_id>",
		Description: "Revoke admin access", Access: AccessOwner, Handle: m.cmdRemoveAdmin,
	})
	m.register(Command{
		Name: "add_channel", Usage: "/add_channel <@handle|chat_id> [name]",
		Description: "Register a channel for monitoring", Access: AccessAdmin, Handle: m.cmdAddChannel,
	})
	m.register(Command{
		Name: "remove_channel", Aliases: []string{"del_channel"}, Usage: "/remove_channel <@handle|chat_id>",
		Description: "Unregister a channel", Access: AccessAdmin, Handle: m.cmdRemoveChannel,
	})
	m.register(Command{
		Name: "list", Description: "List channels with their health",
		Access: AccessAdmin, Handle: m.cmdList,
	})
	m.register(Command{
		Name: "status", Description: "Monitor settings and last pass",
		Access: AccessAdmin, Handle: m.cmdStatus,
	})
	m.register(Command{
		Name: "info", Usage: "/info <@handle|chat_id>",
		Description: "Details and live member count for one channel", Access: AccessAdmin, Handle: m.cmdInfo,
	})
	m.register(Command{
		Name: "check", Description: "Run a health pass now",
		Access: AccessAdmin, Handle: m.cmdCheck,
	})
	m.register(Command{
		Name: "on", Description: "Enable scheduled monitoring",
		Access: AccessAdmin, Handle: m.cmdOn,
	})
	m.register(Command{
		Name: "off", Description: "Disable scheduled monitoring",
		Access: AccessAdmin, Handle: m.cmdOff,
	})
	m.register(Command{
		Name: "time_period", Usage: "/time_period <30s|5m|1h|2d>",
		Description: "Set the check interval", Access: AccessAdmin, Handle: m.cmdTimePeriod,
	})
	m.register(Command{
		Name: "test_message", Usage: "/test_message <text>",
		Description: "Set the probe message text", Access: AccessAdmin, Handle: m.cmdTestMessage,
	})
	m.register(Command{
		Name: "delete_interval", Usage: "/delete_interval <3s|1m>",
		Description: "Set how long probe messages stay up", Access: AccessAdmin, Handle: m.cmdDeleteInterval,
	})
	m.register(Command{
		Name: "broadcast", Usage: "/broadcast <text> (or reply to a message)",
		Description: "Send to every registered channel", Access: AccessAdmin, Handle: m.cmdBroadcast,
	})
	m.register(Command{
		Name: "publish", Usage: "/publish <group> <text> (or reply to a message)",
		Description: "Send to a channel group", Access: AccessAdmin, Handle: m.cmdPublish,
	})
	m.register(Command{
		Name: "group_add", Usage: "/group_add <group> <@handle|chat_id>",
		Description: "Add a channel to a group", Access: AccessAdmin, Handle: m.cmdGroupAdd,
	})
	m.register(Command{
		Name: "group_del", Usage: "/group_del <group> <@handle|chat_id>",
		Description: "Remove a channel from a group", Access: AccessAdmin, Handle: m.cmdGroupDel,
	})
	m.register(Command{
		Name: "groups", Description: "List channel groups",
		Access: AccessAdmin, Handle: m.cmdGroups,
	})
}

func (m *Manager) cmdStart(ctx context.Context, req *Request) (string, error) {
	owner, err := m.store.Owner(ctx)
	if err != nil {
		return "", err
	}
	if owner == 0 {
		if err := m.store.SetOwner(ctx, req.Msg.FromID); err != nil {
			return "", err
		}
		m.audit(ctx, req, "owner_claimed", strconv.FormatInt(req.Msg.FromID, 10))
		m.log.Info("owner claimed", logx.Int64("user", req.Msg.FromID))
		return "👋 Channel monitor ready. You are now the owner.\nUse /help to see what I can do.", nil
	}
	return "👋 Channel monitor. Use /help to see available commands.", nil
}

func (m *Manager) cmdHelp(ctx context.Context, req *Request) (string, error) {
	var b strings.Builder
	b.WriteString("Commands:\n")
	seen := map[string]bool{}
	for _, name := range m.order {
		cmd := m.cmds[name]
		if seen[cmd.Name] {
			continue
		}
		seen[cmd.Name] = true
		switch cmd.Access {
		case AccessOwner:
			if !req.IsOwner {
				continue
			}
		case AccessAdmin:
			if !req.IsOwner && !req.IsAdmin {
				continue
			}
		}
		usage := cmd.Usage
		if usage == "" {
			usage = "/" + cmd.Name
		}
		fmt.Fprintf(&b, "%s — %s\n", usage, cmd.Description)
	}
	return b.String(), nil
}

func (m *Manager) cmdAddAdmin(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "Usage: /add_admin <user_id>", nil
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil || id == 0 {
		return "That doesn't look like a user id.", nil
	}
	if err := m.store.AddAdmin(ctx, id); err != nil {
		return "", err
	}
	m.audit(ctx, req, "admin_added", req.Args[0])
	return fmt.Sprintf("✅ User %d is now an admin.", id), nil
}

func (m *Manager) cmdRemoveAdmin(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "Usage: /remove_admin <user_id>", nil
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		return "That doesn't look like a user id.", nil
	}
	ok, err := m.store.RemoveAdmin(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("User %d is not an admin.", id), nil
	}
	m.audit(ctx, req, "admin_removed", req.Args[0])
	return fmt.Sprintf("✅ User %d is no longer an admin.", id), nil
}

func (m *Manager) cmdAddChannel(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) < 1 {
		return "Usage: /add_channel <@handle|chat_id> [name]", nil
	}
	addr, err := normalizeAddress(req.Args[0])
	if err != nil {
		return err.Error(), nil
	}
	name := strings.Join(req.Args[1:], " ")
	if name == "" {
		name = addr
	}
	if err := m.store.UpsertChannel(ctx, storage.Channel{Address: addr, Name: name, Status: storage.StatusUnknown}); err != nil {
		return "", err
	}
	m.audit(ctx, req, "channel_added", addr)
	return fmt.Sprintf("✅ %s registered. It will be probed on the next pass.", name), nil
}

func (m *Manager) cmdRemoveChannel(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "Usage: /remove_channel <@handle|chat_id>", nil
	}
	addr, err := normalizeAddress(req.Args[0])
	if err != nil {
		return err.Error(), nil
	}
	ok, err := m.store.RemoveChannel(ctx, addr)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("%s is not registered.", addr), nil
	}
	m.audit(ctx, req, "channel_removed", addr)
	return fmt.Sprintf("✅ %s removed.", addr), nil
}

func (m *Manager) cmdList(ctx context.Context, _ *Request) (string, error) {
	channels, err := m.store.ListChannels(ctx)
	if err != nil {
		return "", err
	}
	if len(channels) == 0 {
		return "No channels registered. Add one with /add_channel.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Channels (%d):\n", len(channels))
	for _, ch := range channels {
		fmt.Fprintf(&b, "%s %s (%s) — %s", statusIcon(ch.Status), ch.Name, ch.Address, ch.Status)
		if !ch.LastCheck.IsZero() {
			fmt.Fprintf(&b, ", checked %s ago", formatDuration(time.Since(ch.LastCheck)))
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (m *Manager) cmdStatus(ctx context.Context, _ *Request) (string, error) {
	set, err := m.store.Settings(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	state := "enabled"
	if !set.Active {
		state = "disabled"
	}
	fmt.Fprintf(&b, "Monitoring: %s\n", state)
	fmt.Fprintf(&b, "Check interval: %s\n", formatDuration(set.CheckInterval))
	fmt.Fprintf(&b, "Test message: %q\n", set.TestMessage)
	fmt.Fprintf(&b, "Delete after: %s\n", formatDuration(set.DeleteInterval))
	fmt.Fprintf(&b, "Broadcast delay: %s\n", formatDuration(set.BroadcastDelay))

	passes, last := m.mon.Snapshot()
	fmt.Fprintf(&b, "Passes run: %d\n", passes)
	if passes > 0 && !last.StartedAt.IsZero() {
		if last.Skipped {
			fmt.Fprintf(&b, "Last pass: skipped (%s ago)\n", formatDuration(time.Since(last.StartedAt)))
		} else {
			fmt.Fprintf(&b, "Last pass: %d checked, %d healthy, %d banned (%s ago)\n",
				last.Checked, last.Healthy, last.Banned, formatDuration(time.Since(last.StartedAt)))
		}
	}
	if m.timer != nil {
		if next := m.timer.Next(); !next.IsZero() {
			fmt.Fprintf(&b, "Next pass: in %s\n", formatDuration(time.Until(next)))
		}
	}
	return b.String(), nil
}

func (m *Manager) cmdInfo(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "Usage: /info <@handle|chat_id>", nil
	}
	addr, err := normalizeAddress(req.Args[0])
	if err != nil {
		return err.Error(), nil
	}
	channels, err := m.store.ListChannels(ctx)
	if err != nil {
		return "", err
	}
	for _, ch := range channels {
		if ch.Address != addr {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s (%s)\nStatus: %s\n", statusIcon(ch.Status), ch.Name, ch.Address, ch.Status)
		if !ch.LastCheck.IsZero() {
			fmt.Fprintf(&b, "Last check: %s ago\n", formatDuration(time.Since(ch.LastCheck)))
		}
		if n, err := m.out.MemberCount(ctx, transport.Address(ch.Address)); err != nil {
			fmt.Fprintf(&b, "Members: unavailable (%v)\n", err)
		} else {
			fmt.Fprintf(&b, "Members: %d\n", n)
		}
		return b.String(), nil
	}
	return fmt.Sprintf("%s is not registered.", addr), nil
}

func (m *Manager) cmdCheck(ctx context.Context, req *Request) (string, error) {
	m.audit(ctx, req, "manual_check", "")
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("manual check panicked", logx.Any("panic", r))
			}
		}()
		err := m.mon.RunPass(ctx)
		switch {
		case errors.Is(err, monitor.ErrPassInProgress):
			m.reply(ctx, req.Msg, "A pass is already running.")
			return
		case err != nil:
			m.log.Warn("manual check aborted", logx.Err(err))
			return
		}
		_, last := m.mon.Snapshot()
		if last.Skipped {
			m.reply(ctx, req.Msg, "Pass skipped: monitoring is disabled or no channels are registered.")
			return
		}
		m.reply(ctx, req.Msg, fmt.Sprintf("✅ Pass done: %d checked, %d healthy, %d banned.",
			last.Checked, last.Healthy, last.Banned))
	}()
	return "🔍 Checking all channels…", nil
}

func (m *Manager) cmdOn(ctx context.Context, req *Request) (string, error) {
	if err := m.mon.Enable(ctx); err != nil {
		return "", err
	}
	m.audit(ctx, req, "monitoring_enabled", "")
	return "✅ Monitoring enabled.", nil
}

func (m *Manager) cmdOff(ctx context.Context, req *Request) (string, error) {
	if err := m.mon.Disable(ctx); err != nil {
		return "", err
	}
	m.audit(ctx, req, "monitoring_disabled", "")
	return "⏸ Monitoring disabled. Scheduled passes will be skipped.", nil
}

func (m *Manager) cmdTimePeriod(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "Usage: /time_period <30s|5m|1h|2d>", nil
	}
	d, err := parseInterval(req.Args[0])
	if err != nil {
		return "I can't read that interval. Try 30s, 5m, 1h or 2d.", nil
	}
	if err := m.mon.SetCheckInterval(ctx, d); err != nil {
		if errors.Is(err, storage.ErrInvalidSettings) {
			return fmt.Sprintf("Interval must be at least %s. Nothing changed.",
				formatDuration(storage.MinCheckInterval)), nil
		}
		return "", err
	}
	m.audit(ctx, req, "check_interval_set", d.String())
	return fmt.Sprintf("✅ Channels will be checked every %s.", formatDuration(d)), nil
}

func (m *Manager) cmdTestMessage(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) == 0 {
		return "Usage: /test_message <text>", nil
	}
	text := strings.Join(req.Args, " ")
	if err := m.updateSettings(ctx, func(s *storage.Settings) { s.TestMessage = text }); err != nil {
		if errors.Is(err, storage.ErrInvalidSettings) {
			return "That test message is not usable. Nothing changed.", nil
		}
		return "", err
	}
	m.audit(ctx, req, "test_message_set", text)
	return fmt.Sprintf("✅ Probe message set to %q.", text), nil
}

func (m *Manager) cmdDeleteInterval(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "Usage: /delete_interval <3s|1m>", nil
	}
	d, err := parseInterval(req.Args[0])
	if err != nil {
		return "I can't read that interval. Try 3s, 30s or 1m.", nil
	}
	if err := m.updateSettings(ctx, func(s *storage.Settings) { s.DeleteInterval = d }); err != nil {
		if errors.Is(err, storage.ErrInvalidSettings) {
			return "That interval is not usable. Nothing changed.", nil
		}
		return "", err
	}
	m.audit(ctx, req, "delete_interval_set", d.String())
	return fmt.Sprintf("✅ Probe messages will be deleted after %s.", formatDuration(d)), nil
}

func (m *Manager) updateSettings(ctx context.Context, mut func(*storage.Settings)) error {
	set, err := m.store.Settings(ctx)
	if err != nil {
		return err
	}
	mut(&set)
	if err := set.Validate(); err != nil {
		return err
	}
	return m.store.PutSettings(ctx, set)
}

func (m *Manager) cmdBroadcast(ctx context.Context, req *Request) (string, error) {
	payload, errText := payloadFrom(req, req.Args)
	if errText != "" {
		return errText, nil
	}
	m.runFanout(ctx, req, "broadcast", func(ctx context.Context, progress broadcast.ProgressFunc) (broadcast.Report, error) {
		return m.fan.Broadcast(ctx, payload, progress)
	})
	return "", nil
}

func (m *Manager) cmdPublish(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) < 1 {
		return "Usage: /publish <group> <text> (or reply to a message)", nil
	}
	group := req.Args[0]
	payload, errText := payloadFrom(req, req.Args[1:])
	if errText != "" {
		return errText, nil
	}
	m.runFanout(ctx, req, "publish:"+group, func(ctx context.Context, progress broadcast.ProgressFunc) (broadcast.Report, error) {
		return m.fan.Publish(ctx, group, payload, progress)
	})
	return "", nil
}

// payloadFrom builds the broadcast payload: a replied-to message is copied
// verbatim, otherwise the argument text is sent.
func payloadFrom(req *Request, textArgs []string) (broadcast.Payload, string) {
	if req.Msg.ReplyTo != nil {
		return broadcast.Payload{Source: req.Msg.ReplyTo}, ""
	}
	text := strings.Join(textArgs, " ")
	if text == "" {
		return broadcast.Payload{}, "Give me text to send, or reply to the message you want forwarded."
	}
	return broadcast.Payload{Text: text}, ""
}

func (m *Manager) runFanout(ctx context.Context, req *Request, action string,
	run func(context.Context, broadcast.ProgressFunc) (broadcast.Report, error)) {

	to := transport.Address(strconv.FormatInt(req.Msg.ChatID, 10))
	statusRef, err := m.out.Send(ctx, to, "📤 Sending…", nil)
	progress := func(done, failed, total int) {
		if err != nil {
			return // no status message to edit
		}
		text := fmt.Sprintf("📤 Sending… %d/%d", done, total)
		if failed > 0 {
			text += fmt.Sprintf(" (%d failed)", failed)
		}
		// Progress edits are cosmetic; a failed edit is ignored.
		_ = m.out.Edit(ctx, statusRef, text, nil)
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("fan-out panicked",
					logx.String("action", action), logx.Any("panic", r))
			}
		}()
		rep, rerr := run(ctx, progress)
		m.auditFanout(ctx, req, action, rep, rerr)
		switch {
		case errors.Is(rerr, broadcast.ErrNoTargets):
			m.reply(ctx, req.Msg, "Nothing to send to: no matching channels.")
			return
		case errors.Is(rerr, broadcast.ErrBusy):
			m.reply(ctx, req.Msg, "A broadcast is already running. Try again when it finishes.")
			return
		case rerr != nil:
			m.log.Warn("fan-out aborted", logx.String("action", action), logx.Err(rerr))
			m.reply(ctx, req.Msg, "Sending was interrupted.")
			return
		}
		m.reply(ctx, req.Msg, formatReport(rep))
	}()
}

func (m *Manager) auditFanout(ctx context.Context, req *Request, action string, rep broadcast.Report, rerr error) {
	e := storage.AuditEntry{
		At:      time.Now(),
		ActorID: req.Msg.FromID,
		Action:  action,
		OK:      rep.Successful,
		Fail:    rep.Failed,
	}
	if rerr != nil {
		e.Error = rerr.Error()
	}
	if err := m.store.AppendAudit(ctx, e); err != nil {
		m.log.Warn("audit write failed", logx.String("action", action), logx.Err(err))
	}
}

func (m *Manager) cmdGroupAdd(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 2 {
		return "Usage: /group_add <group> <@handle|chat_id>", nil
	}
	group := req.Args[0]
	addr, err := normalizeAddress(req.Args[1])
	if err != nil {
		return err.Error(), nil
	}
	if !m.channelRegistered(ctx, addr) {
		return fmt.Sprintf("%s is not registered. Add it first with /add_channel.", addr), nil
	}
	if err := m.store.AddToGroup(ctx, group, addr); err != nil {
		return "", err
	}
	m.audit(ctx, req, "group_member_added", group+":"+addr)
	return fmt.Sprintf("✅ %s added to group %q.", addr, group), nil
}

func (m *Manager) cmdGroupDel(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 2 {
		return "Usage: /group_del <group> <@handle|chat_id>", nil
	}
	group := req.Args[0]
	addr, err := normalizeAddress(req.Args[1])
	if err != nil {
		return err.Error(), nil
	}
	ok, err := m.store.RemoveFromGroup(ctx, group, addr)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("%s is not in group %q.", addr, group), nil
	}
	m.audit(ctx, req, "group_member_removed", group+":"+addr)
	return fmt.Sprintf("✅ %s removed from group %q.", addr, group), nil
}

func (m *Manager) cmdGroups(ctx context.Context, _ *Request) (string, error) {
	groups, err := m.store.ListGroups(ctx)
	if err != nil {
		return "", err
	}
	if len(groups) == 0 {
		return "No groups yet. Create one with /group_add.", nil
	}
	var b strings.Builder
	b.WriteString("Groups:\n")
	for _, g := range groups {
		members, err := m.store.GroupMembers(ctx, g)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s — %d member(s)\n", g, len(members))
	}
	return b.String(), nil
}

func (m *Manager) channelRegistered(ctx context.Context, addr string) bool {
	channels, err := m.store.ListChannels(ctx)
	if err != nil {
		return false
	}
	for _, ch := range channels {
		if ch.Address == addr {
			return true
		}
	}
	return false
}

func statusIcon(s storage.Status) string {
	switch s {
	case storage.StatusActive:
		return "🟢"
	case storage.StatusActiveNoDelete:
		return "🟡"
	case storage.StatusBanned:
		return "🔴"
	case storage.StatusInactive:
		return "⚪"
	default:
		return "❔"
	}
}
