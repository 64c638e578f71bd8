package localstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "remindkit/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("localstore sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadQueue(ctx context.Context) (QueueDoc, error) {
	if s == nil || s.db == nil {
		return QueueDoc{}, ErrDisabled
	}
	var schema int
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT schema, doc FROM queue_doc WHERE id = 1`).Scan(&schema, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return NewQueueDoc(), nil
	}
	if err != nil {
		return QueueDoc{}, err
	}
	if schema != QueueSchema {
		s.log.Info("queue schema mismatch; resetting",
			logx.Int("found", schema), logx.Int("want", QueueSchema))
		return NewQueueDoc(), nil
	}
	var doc QueueDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		s.log.Warn("queue document unreadable; resetting", logx.Any("err", err))
		return NewQueueDoc(), nil
	}
	if doc.Items == nil {
		doc.Items = map[string]Item{}
	}
	return doc, nil
}

func (s *sqliteStore) SaveQueue(ctx context.Context, doc QueueDoc) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	doc.Schema = QueueSchema
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_doc(id, schema, doc) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET schema=excluded.schema, doc=excluded.doc`,
		doc.Schema, string(b))
	return err
}

func (s *sqliteStore) PutDeclined(ctx context.Context, key string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(key) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO declined(key, at) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET at=excluded.at`,
		key, at.UnixMilli())
	return err
}

func (s *sqliteStore) GetDeclined(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT at FROM declined WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) ClearDeclined(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM declined WHERE key = ?`, key)
	return err
}
