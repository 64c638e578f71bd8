package remote

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and the daemon's dev
// mode. It honors the same atomicity contract as real backends.
type MemoryStore struct {
	mu        sync.Mutex
	reminders map[string]Reminder
	mappings  map[mappingKey]Mapping
	timezones map[string]string
	hub       *watchHub

	fault func(op string) error
}

type mappingKey struct{ owner, key string }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reminders: map[string]Reminder{},
		mappings:  map[mappingKey]Mapping{},
		timezones: map[string]string{},
		hub:       newWatchHub(),
	}
}

// SetFault installs a hook run before each mutating operation ("tx",
// "commit_batch", "set_timezone"); a non-nil return aborts the operation.
// Used to exercise failure paths.
func (s *MemoryStore) SetFault(fn func(op string) error) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

func (s *MemoryStore) faultFor(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()

	if err := s.faultFor("tx"); err != nil {
		s.mu.Unlock()
		return err
	}

	tx := &memTx{store: s, putMappings: map[mappingKey]Mapping{}}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}

	// Commit staged writes.
	created := make([]Reminder, 0, len(tx.createdReminders))
	for _, r := range tx.createdReminders {
		s.reminders[r.ID] = r
		created = append(created, r)
	}
	for k, m := range tx.putMappings {
		s.mappings[k] = m
	}
	s.mu.Unlock()

	for _, r := range created {
		s.hub.notify(Change{Kind: ChangeCreated, Reminder: r})
	}
	return nil
}

func (s *MemoryStore) ListReminders(ctx context.Context, ownerID string) ([]Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Reminder, 0, 8)
	for _, r := range s.reminders {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CommitBatch(ctx context.Context, ownerID string, writes []StagedWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()

	if err := s.faultFor("commit_batch"); err != nil {
		s.mu.Unlock()
		return err
	}

	// Validate the whole batch before touching anything.
	for _, w := range writes {
		r, ok := s.reminders[w.ReminderID]
		if !ok || r.OwnerID != ownerID {
			s.mu.Unlock()
			return Permanent(ErrNotFound)
		}
	}

	updated := make([]Reminder, 0, len(writes))
	for _, w := range writes {
		r := s.reminders[w.ReminderID]
		r.Schedule.Timezone = w.Timezone
		if w.SetNextRun {
			r.NextRunAt = w.NextRunAt
		}
		s.reminders[w.ReminderID] = r
		updated = append(updated, r)
	}
	s.mu.Unlock()

	for _, r := range updated {
		s.hub.notify(Change{Kind: ChangeUpdated, Reminder: r})
	}
	return nil
}

func (s *MemoryStore) SetTimezone(ctx context.Context, ownerID, tz string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultFor("set_timezone"); err != nil {
		return err
	}
	s.timezones[ownerID] = tz
	return nil
}

// Timezone returns the owner's recorded timezone, if any.
func (s *MemoryStore) Timezone(ownerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz, ok := s.timezones[ownerID]
	return tz, ok
}

func (s *MemoryStore) DeleteExpiredMappings(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, m := range s.mappings {
		if m.ExpiresAt.Before(now) {
			delete(s.mappings, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Watch(ownerID string, buffer int) (<-chan Change, func()) {
	return s.hub.subscribe(ownerID, buffer)
}

func (s *MemoryStore) Close() error { return nil }

// memTx stages writes; reads observe both committed and staged state.
type memTx struct {
	store            *MemoryStore
	createdReminders []Reminder
	putMappings      map[mappingKey]Mapping
}

func (tx *memTx) GetMapping(ctx context.Context, ownerID, key string) (Mapping, bool, error) {
	if err := ctx.Err(); err != nil {
		return Mapping{}, false, err
	}
	k := mappingKey{owner: ownerID, key: key}
	if m, ok := tx.putMappings[k]; ok {
		return m, true, nil
	}
	m, ok := tx.store.mappings[k]
	return m, ok, nil
}

func (tx *memTx) PutMapping(ctx context.Context, ownerID, key string, m Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.putMappings[mappingKey{owner: ownerID, key: key}] = m
	return nil
}

func (tx *memTx) CreateReminder(ctx context.Context, r Reminder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.createdReminders = append(tx.createdReminders, r)
	return nil
}
