// Package source defines the adapter capability every comment platform
// implements, plus the fan-out helper the adapters share.
package source

import (
	"context"
	"strings"

	"commentwatch/internal/comment"
)

// Adapter fetches the most recent comments of one platform container
// (a channel, a group wall, a subreddit).
type Adapter interface {
	// Name is the stable label used for state and routing.
	Name() string
	// Configured reports whether all required credentials are present.
	Configured() bool
	// Comments returns at most limit items, newest first. Failures in
	// individual containers are isolated; a listing failure or quota
	// exhaustion fails the whole call.
	Comments(ctx context.Context, limit int) ([]comment.Item, error)
	Close() error
}

// Per-call item caps. Reddit is lower to stay inside its OAuth budget.
const (
	DefaultLimit = 600
	RedditLimit  = 400
)

// LimitFor returns the per-call cap for the adapter labeled name.
func LimitFor(name string) int {
	if strings.HasPrefix(name, "Reddit") {
		return RedditLimit
	}
	return DefaultLimit
}
