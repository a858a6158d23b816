package notify

import (
	"strings"
	"time"

	kit "commentwatch/internal/transport"
)

// Config controls the dispatcher. Zero values take the defaults below.
type Config struct {
	QueueSize      int
	RatePerSec     int
	RetryMax       int // total attempts per message
	BatchThreshold int // more items than this become one summary
	BatchShow      int // items listed in a summary
	SendTimeout    time.Duration
	// Location renders comment times; nil means time.Local.
	Location *time.Location
}

const (
	DefaultQueueSize      = 256
	DefaultRatePerSec     = 2
	DefaultRetryMax       = 3
	DefaultBatchThreshold = 3
	DefaultBatchShow      = 10
	DefaultSendTimeout    = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.BatchThreshold <= 0 {
		c.BatchThreshold = DefaultBatchThreshold
	}
	if c.BatchShow <= 0 {
		c.BatchShow = DefaultBatchShow
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Routes holds the destination chat and per-platform forum topics.
type Routes struct {
	ChatID  int64
	YouTube int
	VK      int
	Reddit  int
	Errors  int
}

// DefaultRoutes returns the stock topic layout for chat.
func DefaultRoutes(chat int64) Routes {
	return Routes{ChatID: chat, YouTube: 2, VK: 4, Reddit: 6, Errors: 1}
}

// For returns the target for comments from source. Unknown sources go to the
// general chat.
func (r Routes) For(source string) kit.ChatTarget {
	s := strings.ToLower(strings.TrimSpace(source))
	to := kit.ChatTarget{ChatID: r.ChatID}
	switch {
	case strings.HasPrefix(s, "youtube"):
		to.ThreadID = r.YouTube
	case strings.HasPrefix(s, "vk"):
		to.ThreadID = r.VK
	case strings.HasPrefix(s, "reddit"):
		to.ThreadID = r.Reddit
	}
	return to
}

func (r Routes) ErrorTarget() kit.ChatTarget {
	return kit.ChatTarget{ChatID: r.ChatID, ThreadID: r.Errors}
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Retried uint64 `json:"retried"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

// DeliveryEvent is the Data of notify.* bus events.
type DeliveryEvent struct {
	Kind     string    `json:"kind"` // comment, batch, error
	Source   string    `json:"source"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
