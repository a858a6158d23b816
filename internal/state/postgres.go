package state

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/lib/pq"

	logx "commentwatch/pkg/logx"
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	if err := migratePostgres(dsn, log); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &sqlStore{db: db, log: log, dollars: true}, nil
}

func migratePostgres(dsn string, log logx.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("postgres migrate driver: %w", err)
	}
	version, err := runMigrations("postgres", driver)
	if err != nil {
		return err
	}
	log.Debug("state schema ready", logx.String("driver", "postgres"), logx.Uint64("version", uint64(version)))
	return nil
}
