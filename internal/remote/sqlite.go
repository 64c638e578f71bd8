package remote

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

	"remindkit/internal/schedule"
	logx "remindkit/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteConfig configures the SQLite-backed remote store.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	hub *watchHub
}

// OpenSQLite opens (and migrates) a SQLite-backed Store.
func OpenSQLite(cfg SQLiteConfig, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("remote sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, hub: newWatchHub()}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
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

func (s *sqliteStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Transient(err)
	}
	tx := &sqliteTx{tx: dbtx}
	if err := fn(tx); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return Transient(err)
	}
	for _, r := range tx.created {
		s.hub.notify(Change{Kind: ChangeCreated, Reminder: r})
	}
	return nil
}

func (s *sqliteStore) ListReminders(ctx context.Context, ownerID string) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, reminder_type, schedule, next_run_at, enabled, content, idempotency_key, created_at
		 FROM reminders WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, Transient(err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, Transient(err)
	}
	return out, nil
}

func (s *sqliteStore) CommitBatch(ctx context.Context, ownerID string, writes []StagedWrite) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Transient(err)
	}
	rollback := func(e error) error {
		_ = dbtx.Rollback()
		return e
	}

	updated := make([]Reminder, 0, len(writes))
	for _, w := range writes {
		row := dbtx.QueryRowContext(ctx,
			`SELECT id, owner_id, reminder_type, schedule, next_run_at, enabled, content, idempotency_key, created_at
			 FROM reminders WHERE id = ? AND owner_id = ?`, w.ReminderID, ownerID)
		r, err := scanReminder(row)
		if errors.Is(err, sql.ErrNoRows) {
			return rollback(Permanent(ErrNotFound))
		}
		if err != nil {
			return rollback(err)
		}

		r.Schedule.Timezone = w.Timezone
		if w.SetNextRun {
			r.NextRunAt = w.NextRunAt
		}
		specJSON, err := json.Marshal(r.Schedule)
		if err != nil {
			return rollback(err)
		}
		if _, err := dbtx.ExecContext(ctx,
			`UPDATE reminders SET schedule = ?, next_run_at = ? WHERE id = ?`,
			string(specJSON), nullUnix(r.NextRunAt), r.ID); err != nil {
			return rollback(Transient(err))
		}
		updated = append(updated, r)
	}

	if err := dbtx.Commit(); err != nil {
		return Transient(err)
	}
	for _, r := range updated {
		s.hub.notify(Change{Kind: ChangeUpdated, Reminder: r})
	}
	return nil
}

func (s *sqliteStore) SetTimezone(ctx context.Context, ownerID, tz string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles(owner_id, timezone, updated_at) VALUES(?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET timezone=excluded.timezone, updated_at=excluded.updated_at`,
		ownerID, tz, time.Now().Unix())
	if err != nil {
		return Transient(err)
	}
	return nil
}

func (s *sqliteStore) DeleteExpiredMappings(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, Transient(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Watch(ownerID string, buffer int) (<-chan Change, func()) {
	return s.hub.subscribe(ownerID, buffer)
}

// sqliteTx adapts a sql.Tx to the Tx surface.
type sqliteTx struct {
	tx      *sql.Tx
	created []Reminder
}

func (t *sqliteTx) GetMapping(ctx context.Context, ownerID, key string) (Mapping, bool, error) {
	var reminderID string
	var createdAt, expiresAt int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT reminder_id, created_at, expires_at FROM idempotency WHERE owner_id = ? AND key = ?`,
		ownerID, key).Scan(&reminderID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, false, nil
	}
	if err != nil {
		return Mapping{}, false, Transient(err)
	}
	return Mapping{
		ReminderID: reminderID,
		CreatedAt:  time.Unix(createdAt, 0).UTC(),
		ExpiresAt:  time.Unix(expiresAt, 0).UTC(),
	}, true, nil
}

func (t *sqliteTx) PutMapping(ctx context.Context, ownerID, key string, m Mapping) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO idempotency(owner_id, key, reminder_id, created_at, expires_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(owner_id, key) DO UPDATE SET reminder_id=excluded.reminder_id,
		 created_at=excluded.created_at, expires_at=excluded.expires_at`,
		ownerID, key, m.ReminderID, m.CreatedAt.Unix(), m.ExpiresAt.Unix())
	if err != nil {
		return Transient(err)
	}
	return nil
}

func (t *sqliteTx) CreateReminder(ctx context.Context, r Reminder) error {
	specJSON, err := json.Marshal(r.Schedule)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO reminders(id, owner_id, reminder_type, schedule, next_run_at, enabled, content, idempotency_key, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.OwnerID, r.ReminderType, string(specJSON), nullUnix(r.NextRunAt),
		boolInt(r.Enabled), r.Content, r.Meta.IdempotencyKey, r.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return Transient(err)
	}
	t.created = append(t.created, r)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var r Reminder
	var specJSON string
	var nextRun sql.NullInt64
	var reminderType, content, idemKey sql.NullString
	var enabled int
	var createdAt string

	err := row.Scan(&r.ID, &r.OwnerID, &reminderType, &specJSON, &nextRun, &enabled, &content, &idemKey, &createdAt)
	if err != nil {
		return Reminder{}, err
	}
	var spec schedule.Spec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return Reminder{}, err
	}
	r.Schedule = spec
	r.ReminderType = reminderType.String
	r.Content = content.String
	r.Meta.IdempotencyKey = idemKey.String
	r.Enabled = enabled != 0
	if nextRun.Valid {
		at := time.Unix(nextRun.Int64, 0).UTC()
		r.NextRunAt = &at
	}
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		r.CreatedAt = ts
	}
	return r, nil
}

func nullUnix(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
