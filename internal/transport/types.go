package transport

import "context"

// Address is an opaque channel/chat address as the operator entered it:
// either a numeric chat id ("-1001234567890", "12345") or a public
// "@username" handle. The adapter resolves it per call.
type Address string

// MessageRef identifies a concrete sent message. ChatID is always the
// numeric id reported by the platform, even when the send went to an
// @username address, so the message stays addressable for Delete/Copy.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string

	// ReplyTo references the message this one replies to, if any. Lets a
	// command fan out rich content by copying instead of re-sending text.
	ReplyTo *MessageRef
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Port is the outbound messaging capability consumed by the monitor,
// the alert dispatcher and the broadcaster.
//
// Implementations must bound every call with their own timeout so a hung
// channel cannot stall a monitor pass; a timeout surfaces as a send error.
type Port interface {
	Send(ctx context.Context, to Address, text string, opt *SendOptions) (MessageRef, error)
	Delete(ctx context.Context, ref MessageRef) error
	Copy(ctx context.Context, src MessageRef, to Address) error
	MemberCount(ctx context.Context, to Address) (int, error)
}

// Updater is the inbound side used by the command front end.
type Updater interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
}

// Adapter is the full transport surface a platform adapter provides.
type Adapter interface {
	Port
	Updater

	// Edit rewrites a previously sent message in place (progress updates).
	Edit(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}
