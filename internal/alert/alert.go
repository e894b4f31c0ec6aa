// Package alert delivers operator notifications for channels the monitor
// could not reach.
package alert

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"chanwatch/internal/storage"
	"chanwatch/internal/transport"
	logx "chanwatch/pkg/logx"
)

// adminPacing spaces direct messages to operators so a long admin list
// does not trip the platform's per-bot flood limits.
const adminPacing = 300 * time.Millisecond

// Dispatcher fans an alert out to the owner and every admin. Delivery is
// best effort and per-recipient independent: one blocked operator must not
// silence the rest, and no delivery failure ever propagates to the caller.
type Dispatcher struct {
	port    transport.Port
	log     logx.Logger
	limiter *rate.Limiter
}

func New(port transport.Port, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		port:    port,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(adminPacing), 1),
	}
}

// Notify tells the owner and admins that ch has become unreachable.
// A recipient id of 0 (owner never set) is skipped.
func (d *Dispatcher) Notify(ctx context.Context, owner int64, admins []int64, ch storage.Channel, summary string) {
	text := formatAlert(ch, summary)

	seen := map[int64]bool{}
	recipients := make([]int64, 0, len(admins)+1)
	if owner != 0 {
		recipients = append(recipients, owner)
		seen[owner] = true
	}
	for _, id := range admins {
		if id != 0 && !seen[id] {
			recipients = append(recipients, id)
			seen[id] = true
		}
	}
	if len(recipients) == 0 {
		d.log.Warn("channel alert has no recipients",
			logx.String("channel", ch.Address))
		return
	}

	delivered := 0
	for _, id := range recipients {
		if err := d.limiter.Wait(ctx); err != nil {
			d.log.Info("alert delivery cancelled",
				logx.String("channel", ch.Address),
				logx.Int("delivered", delivered))
			return
		}
		addr := transport.Address(strconv.FormatInt(id, 10))
		if _, err := d.port.Send(ctx, addr, text, nil); err != nil {
			d.log.Warn("alert delivery failed",
				logx.Int64("recipient", id),
				logx.String("channel", ch.Address),
				logx.Err(err))
			continue
		}
		delivered++
	}
	d.log.Info("channel alert dispatched",
		logx.String("channel", ch.Address),
		logx.Int("delivered", delivered),
		logx.Int("recipients", len(recipients)))
}

func formatAlert(ch storage.Channel, summary string) string {
	name := ch.Name
	if name == "" {
		name = ch.Address
	}
	text := fmt.Sprintf("⚠️ Channel %s (%s) is unreachable and was marked banned.", name, ch.Address)
	if summary != "" {
		text += "\nLast error: " + summary
	}
	return text
}
