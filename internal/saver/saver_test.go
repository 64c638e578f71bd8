package saver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindkit/internal/eventbus"
	"remindkit/internal/remote"
	"remindkit/internal/schedule"
	"remindkit/internal/writer"
	logx "remindkit/pkg/logx"
)

var testNow = time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)

func dailyInput() schedule.Input {
	return schedule.Input{
		Frequency: "daily",
		Timezone:  "Europe/London",
		TimeOfDay: "09:00",
	}
}

func newTestSaver(store remote.Store) *Saver {
	w := writer.New(store, logx.Nop(),
		writer.WithRetryPolicy(remote.RetryPolicy{MaxAttempts: 2, Base: time.Millisecond, MaxDelay: time.Millisecond}),
		writer.WithClock(func() time.Time { return testNow }))
	s := New(w, eventbus.New(), logx.Nop(), WithClock(func() time.Time { return testNow }))
	s.Activate()
	return s
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from State
		ev   event
		want State
		ok   bool
	}{
		{StateIdle, evActivate, StateActive, true},
		{StateError, evActivate, StateActive, true},
		{StateActive, evActivate, StateActive, true},
		{StateSaving, evActivate, StateSaving, false},
		{StateActive, evSaveStart, StateSaving, true},
		{StateSaving, evSaveStart, StateSaving, true},
		{StateError, evSaveStart, StateSaving, true},
		{StateIdle, evSaveStart, StateIdle, false},
		{StateSaving, evSaveOK, StateActive, true},
		{StateActive, evSaveOK, StateActive, false},
		{StateSaving, evSaveFail, StateError, true},
		{StateActive, evDeactivate, StateIdle, true},
		{StateSaving, evDeactivate, StateIdle, true},
	}
	for _, tc := range cases {
		got, ok := transition(tc.from, tc.ev)
		if got != tc.want || ok != tc.ok {
			t.Errorf("transition(%s, %s) = (%s, %v), want (%s, %v)",
				tc.from, tc.ev, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSaveCreatesAndReturnsToActive(t *testing.T) {
	t.Parallel()
	store := remote.NewMemoryStore()
	s := newTestSaver(store)

	out, err := s.Save(context.Background(), "owner-1", "key-1", dailyInput(), "stand-up")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if out.ReminderID == "" || out.Idempotent {
		t.Fatalf("outcome = %+v", out)
	}
	if !out.NextRunAt.After(testNow) {
		t.Fatalf("next-run %v not after now", out.NextRunAt)
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("state = %s, want %s", got, StateActive)
	}

	reminders, err := store.ListReminders(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reminders) != 1 || reminders[0].Content != "stand-up" {
		t.Fatalf("reminders = %+v", reminders)
	}
}

func TestSaveRequiresActivation(t *testing.T) {
	t.Parallel()
	store := remote.NewMemoryStore()
	w := writer.New(store, logx.Nop())
	s := New(w, eventbus.New(), logx.Nop())

	if _, err := s.Save(context.Background(), "owner-1", "key-1", dailyInput(), ""); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

func TestSaveValidationFailureEntersErrorState(t *testing.T) {
	t.Parallel()
	s := newTestSaver(remote.NewMemoryStore())

	in := dailyInput()
	in.TimeOfDay = "25:00"
	_, err := s.Save(context.Background(), "owner-1", "key-1", in, "")
	var verr *schedule.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if got := s.State(); got != StateError {
		t.Fatalf("state = %s, want %s", got, StateError)
	}
	if s.Err() == nil {
		t.Fatal("Err() = nil after failed save")
	}

	// A fresh activation clears the error.
	s.Activate()
	if got := s.State(); got != StateActive {
		t.Fatalf("state after reactivate = %s, want %s", got, StateActive)
	}
	if s.Err() != nil {
		t.Fatalf("Err() = %v after reactivate, want nil", s.Err())
	}
}

func TestSaveRemoteFailureEntersErrorState(t *testing.T) {
	t.Parallel()
	store := remote.NewMemoryStore()
	store.SetFault(func(op string) error {
		if op == "tx" {
			return remote.Permanent(remote.ErrPermissionDenied)
		}
		return nil
	})
	s := newTestSaver(store)

	_, err := s.Save(context.Background(), "owner-1", "key-1", dailyInput(), "")
	if !errors.Is(err, remote.ErrPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}
	if got := s.State(); got != StateError {
		t.Fatalf("state = %s, want %s", got, StateError)
	}
}

// blockingStore parks the first transaction until its context is canceled.
// It blocks outside the memory store's lock so other calls proceed.
type blockingStore struct {
	*remote.MemoryStore
	started chan struct{}
	once    sync.Once
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		MemoryStore: remote.NewMemoryStore(),
		started:     make(chan struct{}),
	}
}

func (b *blockingStore) RunTransaction(ctx context.Context, fn func(tx remote.Tx) error) error {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.started)
		<-ctx.Done()
		return ctx.Err()
	}
	return b.MemoryStore.RunTransaction(ctx, fn)
}

func TestNewSaveCancelsStaleSave(t *testing.T) {
	t.Parallel()
	store := newBlockingStore()
	s := newTestSaver(store)

	staleErr := make(chan error, 1)
	go func() {
		_, err := s.Save(context.Background(), "owner-1", "key-stale", dailyInput(), "old")
		staleErr <- err
	}()

	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first save never reached the store")
	}

	out, err := s.Save(context.Background(), "owner-1", "key-new", dailyInput(), "new")
	if err != nil {
		t.Fatalf("new save: %v", err)
	}
	if !errors.Is(<-staleErr, context.Canceled) {
		t.Fatal("stale save was not canceled")
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("state = %s, want %s (stale result must not drive state)", got, StateActive)
	}

	reminders, lerr := store.ListReminders(context.Background(), "owner-1")
	if lerr != nil {
		t.Fatalf("list: %v", lerr)
	}
	if len(reminders) != 1 || reminders[0].ID != out.ReminderID {
		t.Fatalf("reminders = %+v, want only the new save's document", reminders)
	}
}

func TestDeactivateAbortsInFlightSave(t *testing.T) {
	t.Parallel()
	store := newBlockingStore()
	s := newTestSaver(store)

	done := make(chan error, 1)
	go func() {
		_, err := s.Save(context.Background(), "owner-1", "key-1", dailyInput(), "")
		done <- err
	}()
	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		t.Fatal("save never reached the store")
	}

	s.Deactivate()
	if !errors.Is(<-done, context.Canceled) {
		t.Fatal("save was not aborted by deactivation")
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}
}

func TestSaveBroadcastsReminderChanged(t *testing.T) {
	t.Parallel()
	store := remote.NewMemoryStore()
	s := newTestSaver(store)
	ch, unsub := s.bus.Subscribe(4)
	defer unsub()

	out, err := s.Save(context.Background(), "owner-1", "key-1", dailyInput(), "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeReminderChanged {
			t.Fatalf("event type = %q, want %q", ev.Type, eventbus.TypeReminderChanged)
		}
		got, ok := ev.Data.(Outcome)
		if !ok || got.ReminderID != out.ReminderID {
			t.Fatalf("event data = %#v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no reminder.changed event")
	}
}
