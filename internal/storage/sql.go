package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "wxalert/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

// sqlStore implements KV on a single "kv" table. The same statements run on
// SQLite and PostgreSQL; sqlx rebinds placeholders per driver.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger

	getQ    string
	setQ    string
	removeQ string
}

func openSQL(driver string, cfg Config, log logx.Logger) (KV, error) {
	var dsn string
	switch driver {
	case "sqlite":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, errors.New("storage.path is required for sqlite driver")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = path
	case "postgres":
		dsn = strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, errors.New("storage.dsn is required for postgres driver")
		}
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// SQLite prefers a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if cfg.BusyTimeout > 0 {
			_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
		}
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	}

	st := newSQLStore(db, log)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}
	return st, nil
}

func newSQLStore(db *sqlx.DB, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{
		db:      db,
		log:     log,
		getQ:    db.Rebind(`SELECT value FROM kv WHERE key = ?`),
		setQ:    db.Rebind(`INSERT INTO kv(key, value, updated_at) VALUES(?,?,?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		removeQ: db.Rebind(`DELETE FROM kv WHERE key = ?`),
	}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrationsSQL)
	return err
}

func (s *sqlStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrClosed
	}
	var v string
	err := s.db.GetContext(ctx, &v, s.getQ, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqlStore) SetItem(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, s.setQ, key, value, time.Now().UnixMilli())
	return err
}

func (s *sqlStore) RemoveItem(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, s.removeQ, key)
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
