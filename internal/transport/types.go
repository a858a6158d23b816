package transport

import (
	"context"
	"errors"
	"time"
)

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers formatted text to a chat (and optionally a forum topic).
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// RetryAfterError is implemented by send errors that carry a server-provided
// delay (e.g. Telegram flood control).
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter returns the delay hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
