package monitor

import (
	"context"
	"time"

	"chanwatch/internal/storage"
	"chanwatch/internal/transport"
	logx "chanwatch/pkg/logx"
)

// ProbeResult classifies a single probe attempt. Modeled as a closed type
// instead of error values so callers cannot swallow the send/delete
// distinction by accident.
type ProbeResult string

const (
	ProbeSuccess      ProbeResult = "success"
	ProbeSendFailed   ProbeResult = "send_failed"
	ProbeDeleteFailed ProbeResult = "delete_failed"
)

// Outcome is one probe attempt against one channel. A probe produces one
// or two of these: the second only when the first attempt's send failed.
type Outcome struct {
	Address string
	Attempt int // 1 or 2
	Result  ProbeResult
	Err     error
}

// Prober performs a single channel liveness probe with one retry.
//
// A probe sends the test message; a transient blip must not read as a ban,
// so one send failure earns a second attempt after RetryBackoff. Only
// exhausting both attempts is treated as evidence of an actual block.
// After a successful send the message is deleted following DeleteInterval
// (keeps the check unobtrusive); deletion failure is informational only.
type Prober struct {
	port transport.Port
	log  logx.Logger

	// RetryBackoff separates the two send attempts. Default 2s.
	RetryBackoff time.Duration
}

func NewProber(port transport.Port, log logx.Logger) *Prober {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prober{
		port:         port,
		log:          log,
		RetryBackoff: 2 * time.Second,
	}
}

// Probe runs up to two attempts against ch and returns the outcome
// sequence. A non-nil error means the probe was abandoned by ctx; the
// caller must not derive a status from a partial sequence.
func (p *Prober) Probe(ctx context.Context, ch storage.Channel, testMessage string, deleteInterval time.Duration) ([]Outcome, error) {
	var outcomes []Outcome

	for attempt := 1; attempt <= 2; attempt++ {
		out, err := p.attempt(ctx, ch, attempt, testMessage, deleteInterval)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
		if out.Result != ProbeSendFailed {
			// Send succeeded; no further attempts regardless of delete outcome.
			return outcomes, nil
		}
		if attempt == 1 {
			p.log.Warn("probe attempt failed, retrying",
				logx.String("channel", ch.Address), logx.Err(out.Err))
			if err := sleep(ctx, p.RetryBackoff); err != nil {
				return outcomes, err
			}
		}
	}
	return outcomes, nil
}

func (p *Prober) attempt(ctx context.Context, ch storage.Channel, attempt int, testMessage string, deleteInterval time.Duration) (Outcome, error) {
	out := Outcome{Address: ch.Address, Attempt: attempt}

	ref, err := p.port.Send(ctx, transport.Address(ch.Address), testMessage, nil)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.Result = ProbeSendFailed
		out.Err = err
		return out, nil
	}

	if err := sleep(ctx, deleteInterval); err != nil {
		// The message stays behind, but the channel already proved reachable.
		return out, err
	}

	if err := p.port.Delete(ctx, ref); err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		// Reachable but not cleanable; a health signal, not a failure.
		p.log.Warn("probe message sent but not deleted",
			logx.String("channel", ch.Address), logx.Err(err))
		out.Result = ProbeDeleteFailed
		out.Err = err
		return out, nil
	}

	out.Result = ProbeSuccess
	return out, nil
}

// Classify maps a completed outcome sequence to the channel status.
func Classify(outcomes []Outcome) storage.Status {
	if len(outcomes) == 0 {
		return storage.StatusUnknown
	}
	switch last := outcomes[len(outcomes)-1]; last.Result {
	case ProbeSuccess:
		return storage.StatusActive
	case ProbeDeleteFailed:
		return storage.StatusActiveNoDelete
	case ProbeSendFailed:
		return storage.StatusBanned
	default:
		return storage.StatusUnknown
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
