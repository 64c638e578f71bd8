// Package localstore persists the engine's device-local state: the sync
// queue document and declined-timezone markers.
//
// Two drivers, selected by config:
//   - "file": dependency-free snapshot files (atomic tmp+rename)
//   - "sqlite": SQLite database file
package localstore

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "remindkit/pkg/logx"
)

var ErrDisabled = errors.New("localstore disabled")

// QueueSchema versions the persisted queue document. A mismatch on load
// triggers a full reset, never a migration.
const QueueSchema = 2

// Config configures local persistence.
// If Driver is empty or "none", local persistence is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Item is one pending timezone-change delivery.
//
// Attempts only grows; once PermanentFailure is set the item is retained for
// diagnostics but never retried.
type Item struct {
	OwnerID          string    `json:"ownerId"`
	TargetTimezone   string    `json:"targetTimezone"`
	EnqueuedAt       time.Time `json:"enqueuedAt"`
	Attempts         int       `json:"attempts"`
	ClientID         string    `json:"clientId"`
	OpID             string    `json:"opId"`
	PermanentFailure bool      `json:"permanentFailure"`
	NextAttemptAt    time.Time `json:"nextAttemptAt,omitzero"`
}

// QueueDoc is the schema-versioned persisted queue document.
type QueueDoc struct {
	Schema int             `json:"schema"`
	Items  map[string]Item `json:"items"`
}

func NewQueueDoc() QueueDoc {
	return QueueDoc{Schema: QueueSchema, Items: map[string]Item{}}
}

// Store is the local persistence API used by the sync queue.
//
// LoadQueue returns a fresh document when nothing is stored or the schema
// doesn't match. All callers mutate via load-modify-save against the latest
// persisted snapshot.
type Store interface {
	LoadQueue(ctx context.Context) (QueueDoc, error)
	SaveQueue(ctx context.Context, doc QueueDoc) error

	PutDeclined(ctx context.Context, key string, at time.Time) error
	GetDeclined(ctx context.Context, key string) (time.Time, bool, error)
	ClearDeclined(ctx context.Context, key string) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if local persistence is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown localstore driver: " + driver)
	}
}
