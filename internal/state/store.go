// Package state persists the most recent comment batch of every source so a
// restart does not re-send what was already forwarded.
//
// Drivers:
//   - "file": a single JSON document, replaced atomically (default)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//   - "none": in-memory only; every restart is cold
package state

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "commentwatch/pkg/logx"
)

const DefaultPath = "./comment_state.json"

// ErrCorrupt marks a persisted snapshot that exists but cannot be used.
var ErrCorrupt = errors.New("state corrupt")

// Store loads and saves whole snapshots. Implementations are safe for use by
// a single poller goroutine; Save replaces everything previously saved.
type Store interface {
	// Load returns ok=false when nothing was ever persisted.
	Load(ctx context.Context) (snap Snapshot, ok bool, err error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	case "none", "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
