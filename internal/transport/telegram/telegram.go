package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"chanwatch/internal/transport"
	logx "chanwatch/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// CallTimeout bounds each outbound API call. A probe against a hung
	// channel must fail, not stall the whole pass.
	CallTimeout time.Duration

	// RatePerSec caps outbound calls across all callers. 0 disables.
	RatePerSec int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// dropped counts updates discarded because the consumer was slower
	// than the poll loop. Logged periodically to avoid per-update spam.
	dropped uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		Client: &http.Client{Timeout: cfg.CallTimeout},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	if cfg.RatePerSec > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return a, nil
}

// recipient adapts an opaque address ("@handle" or numeric id) to telebot.
// The Bot API accepts both forms in chat_id.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func resolve(to transport.Address) (recipient, error) {
	s := strings.TrimSpace(string(to))
	if s == "" {
		return "", errors.New("empty channel address")
	}
	if strings.HasPrefix(s, "@") {
		if len(s) < 2 {
			return "", fmt.Errorf("invalid channel handle %q", s)
		}
		return recipient(s), nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return "", fmt.Errorf("invalid channel address %q", s)
	}
	return recipient(s), nil
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	return a.limiter.Wait(ctx)
}

func (a *Adapter) Send(ctx context.Context, to transport.Address, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	r, err := resolve(to)
	if err != nil {
		return transport.MessageRef{}, err
	}
	if err := a.wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	msg, err := a.bot.Send(r, text, sendOptions(opt))
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: msg.Chat.ID, MessageID: msg.ID}, nil
}

func (a *Adapter) Delete(ctx context.Context, ref transport.MessageRef) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	return a.bot.Delete(&tele.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.ChatID,
	})
}

func (a *Adapter) Copy(ctx context.Context, src transport.MessageRef, to transport.Address) error {
	r, err := resolve(to)
	if err != nil {
		return err
	}
	if err := a.wait(ctx); err != nil {
		return err
	}
	_, err = a.bot.Copy(r, &tele.StoredMessage{
		MessageID: strconv.Itoa(src.MessageID),
		ChatID:    src.ChatID,
	})
	return err
}

func (a *Adapter) Edit(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.Edit(&tele.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.ChatID,
	}, text, sendOptions(opt))
	return err
}

// MemberCount goes through Raw because telebot's Len helper wants a *Chat
// we don't always have for @username addresses.
func (a *Adapter) MemberCount(ctx context.Context, to transport.Address) (int, error) {
	r, err := resolve(to)
	if err != nil {
		return 0, err
	}
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	raw, err := a.bot.Raw("getChatMemberCount", map[string]string{"chat_id": r.Recipient()})
	if err != nil {
		return 0, err
	}
	var resp struct {
		Result int `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, err
	}
	return resp.Result, nil
}

func sendOptions(opt *transport.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Message) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	// Periodic summary for dropped updates.
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
				}
			}
		}
	}()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		msg := transport.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
		}
		if r := m.ReplyTo; r != nil && r.Chat != nil {
			msg.ReplyTo = &transport.MessageRef{ChatID: r.Chat.ID, MessageID: r.ID}
		}
		select {
		case out <- msg:
		default:
			atomic.AddUint64(&a.dropped, 1)
		}
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go a.bot.Stop()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if the long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}
