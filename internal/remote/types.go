// Package remote abstracts the product's remote document store.
//
// The engine never talks to a concrete backend directly; it sees Store,
// transactions, and a transient/permanent error taxonomy. Implementations
// here: an in-memory store (tests, dev mode) and a SQLite-backed store.
package remote

import (
	"context"
	"time"

	"remindkit/internal/schedule"
)

// Reminder is the persisted reminder document.
type Reminder struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"ownerId"`
	ReminderType string         `json:"reminderType,omitempty"`
	Schedule     schedule.Spec  `json:"schedule"`
	NextRunAt    *time.Time     `json:"nextRunAtUtc,omitempty"`
	Enabled      bool           `json:"enabled"`
	Content      string         `json:"content,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	Meta         Meta           `json:"meta"`
}

type Meta struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Mapping is the idempotency record keyed by (ownerID, idempotencyKey).
// TTL-bounded; an expired mapping is treated as absent.
type Mapping struct {
	ReminderID string    `json:"reminderId"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Tx is the surface available inside RunTransaction. Reads and writes in one
// Tx commit or fail as a unit.
type Tx interface {
	GetMapping(ctx context.Context, ownerID, key string) (Mapping, bool, error)
	PutMapping(ctx context.Context, ownerID, key string, m Mapping) error
	CreateReminder(ctx context.Context, r Reminder) error
}

// StagedWrite is one reminder mutation inside an all-or-nothing batch.
// When SetNextRun is false only the timezone changes and the stored next-run
// is left untouched.
type StagedWrite struct {
	ReminderID string
	Timezone   string
	NextRunAt  *time.Time
	SetNextRun bool
}

// ChangeKind discriminates watch events.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
)

// Change is one document-change event delivered to a watch subscriber.
type Change struct {
	Kind     ChangeKind
	Reminder Reminder
}

// Store is the remote document store consumed by the engine.
//
// Guarantees required of implementations:
//   - RunTransaction is atomic: fn's writes all apply or none do.
//   - CommitBatch is all-or-nothing per call.
//   - Errors are classified via Transient/Permanent wrapping (errors.go).
type Store interface {
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	ListReminders(ctx context.Context, ownerID string) ([]Reminder, error)
	CommitBatch(ctx context.Context, ownerID string, writes []StagedWrite) error

	// SetTimezone records the owner's declared timezone on their profile.
	// This is the write the sync queue delivers.
	SetTimezone(ctx context.Context, ownerID, tz string) error

	// DeleteExpiredMappings removes idempotency mappings whose TTL elapsed.
	DeleteExpiredMappings(ctx context.Context, now time.Time) (int, error)

	// Watch returns a restartable sequence of document-change events for one
	// owner. Slow subscribers may drop events; callers re-list to recover.
	Watch(ownerID string, buffer int) (<-chan Change, func())

	Close() error
}
