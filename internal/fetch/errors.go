package fetch

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed request.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers timeouts, connection errors and 5xx responses.
	KindTransient
	// KindRateLimited is a 429 (or a platform's equivalent).
	KindRateLimited
	// KindFatal is a non-retryable request error (4xx other than 429).
	KindFatal
	// KindQuotaExceeded means the source is down for a known, long window.
	// It is never retried.
	KindQuotaExceeded
	// KindDecode means the response body could not be decoded.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

func (k Kind) retryable() bool {
	return k == KindTransient || k == KindRateLimited || k == KindDecode
}

// ErrQuotaExceeded matches any *Error of KindQuotaExceeded via errors.Is.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Error is the terminal error returned once a request gives up.
type Error struct {
	Kind     Kind
	Status   int    // HTTP status, 0 for transport errors
	URL      string // request URL without query
	Attempts int
	Message  string
	Err      error

	retryAfter time.Duration
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d, attempts %d): %s", e.Kind, e.URL, e.Status, e.Attempts, msg)
	}
	return fmt.Sprintf("%s: %s (attempts %d): %s", e.Kind, e.URL, e.Attempts, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrQuotaExceeded && e.Kind == KindQuotaExceeded
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsQuotaExceeded reports whether err carries the quota-exceeded tag.
func IsQuotaExceeded(err error) bool { return errors.Is(err, ErrQuotaExceeded) }

// QuotaExceeded builds a quota-exhausted error for a Classify hook.
func QuotaExceeded(msg string) error { return &Error{Kind: KindQuotaExceeded, Message: msg} }

// Fatal builds a non-retryable error for a Classify hook.
func Fatal(msg string) error { return &Error{Kind: KindFatal, Message: msg} }

// Transient builds a retryable error for a Classify hook.
func Transient(msg string) error { return &Error{Kind: KindTransient, Message: msg} }

// RateLimited builds a rate-limit error for a Classify hook. after is an
// optional server hint; it is honored when longer than the default schedule.
func RateLimited(msg string, after time.Duration) error {
	return &Error{Kind: KindRateLimited, Message: msg, retryAfter: after}
}
