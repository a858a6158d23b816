package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	logx "commentwatch/pkg/logx"
)

//go:embed migrations
var migrationFS embed.FS

const (
	metaSavedAt      = "saved_at"
	metaProcessStart = "process_start"
	metaStats        = "stats"
	metaSources      = "sources"
)

// sqlStore implements Store on database/sql. The sqlite and postgres drivers
// differ only in how they open the handle and in placeholder syntax.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dollars bool // postgres-style $n placeholders
}

// runMigrations applies the embedded migrations for dialect using driver.
// It closes driver (and its handle) when done.
func runMigrations(dialect string, driver database.Driver) (uint, error) {
	src, err := iofs.New(migrationFS, "migrations/"+dialect)
	if err != nil {
		_ = driver.Close()
		return 0, fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dialect, driver)
	if err != nil {
		_ = driver.Close()
		return 0, fmt.Errorf("migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("migration version %d is dirty", version)
	}
	return version, nil
}

func (s *sqlStore) q(query string) string {
	if !s.dollars {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Load(ctx context.Context) (Snapshot, bool, error) {
	meta, err := s.loadMeta(ctx)
	if err != nil {
		return Snapshot{}, false, err
	}
	if _, ok := meta[metaSavedAt]; !ok {
		return Snapshot{}, false, nil
	}

	snap := Snapshot{Sources: map[string][]Record{}}
	if snap.SavedAt, err = parseTime(meta[metaSavedAt]); err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: saved_at: %v", ErrCorrupt, err)
	}
	if snap.ProcessStart, err = parseTime(meta[metaProcessStart]); err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: process_start: %v", ErrCorrupt, err)
	}
	if v := meta[metaStats]; v != "" {
		snap.Stats = json.RawMessage(v)
	}
	// Sources whose last batch was empty have no rows.
	if v := meta[metaSources]; v != "" {
		var names []string
		if err := json.Unmarshal([]byte(v), &names); err != nil {
			return Snapshot{}, false, fmt.Errorf("%w: sources: %v", ErrCorrupt, err)
		}
		for _, n := range names {
			snap.Sources[n] = []Record{}
		}
	}

	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT source, author, body, origin, created_at, url FROM comments ORDER BY source, position`))
	if err != nil {
		return Snapshot{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var src, ts string
		var r Record
		if err := rows.Scan(&src, &r.Author, &r.Text, &r.Source, &ts, &r.URL); err != nil {
			return Snapshot{}, false, err
		}
		r.Timestamp, _ = parseTime(ts)
		snap.Sources[src] = append(snap.Sources[src], r)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *sqlStore) loadMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT key, value FROM meta`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Save replaces all stored batches in one transaction.
func (s *sqlStore) Save(ctx context.Context, snap Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.q(`DELETE FROM comments`)); err != nil {
		return err
	}
	ins, err := tx.PrepareContext(ctx, s.q(
		`INSERT INTO comments(source, position, author, body, origin, created_at, url) VALUES(?,?,?,?,?,?,?)`))
	if err != nil {
		return err
	}
	defer ins.Close()
	for src, recs := range snap.Sources {
		for i, r := range recs {
			if _, err = ins.ExecContext(ctx, src, i, r.Author, r.Text, r.Source, formatTime(r.Timestamp), r.URL); err != nil {
				return fmt.Errorf("insert %s[%d]: %w", src, i, err)
			}
		}
	}

	names := make([]string, 0, len(snap.Sources))
	for src := range snap.Sources {
		names = append(names, src)
	}
	sort.Strings(names)
	namesJSON, err := json.Marshal(names)
	if err != nil {
		return err
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	meta := map[string]string{
		metaSavedAt:      formatTime(savedAt),
		metaProcessStart: formatTime(snap.ProcessStart),
		metaStats:        string(snap.Stats),
		metaSources:      string(namesJSON),
	}
	for k, v := range meta {
		if _, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO meta(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`), k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
