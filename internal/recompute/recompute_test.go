package recompute

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"remindkit/internal/remote"
	"remindkit/internal/schedule"
	logx "remindkit/pkg/logx"
)

var testNow = time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)

func fastRetry() remote.RetryPolicy {
	return remote.RetryPolicy{MaxAttempts: 2, Base: time.Millisecond, MaxDelay: time.Millisecond}
}

func seedDaily(t *testing.T, store *remote.MemoryStore, ownerID string, n int, tz string) []remote.Reminder {
	t.Helper()
	ctx := context.Background()
	out := make([]remote.Reminder, 0, n)
	for i := range n {
		spec := schedule.Spec{
			Frequency: schedule.FreqDaily,
			Timezone:  tz,
			TimeOfDay: "09:00",
		}
		next, ok := schedule.Resolve(spec, testNow)
		if !ok {
			t.Fatalf("seed resolve failed for %s", tz)
		}
		r := remote.Reminder{
			ID:        fmt.Sprintf("rem-%03d", i),
			OwnerID:   ownerID,
			Schedule:  spec,
			NextRunAt: &next,
			Enabled:   true,
			CreatedAt: testNow.Add(time.Duration(i) * time.Second),
		}
		if err := store.RunTransaction(ctx, func(tx remote.Tx) error {
			return tx.CreateReminder(ctx, r)
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func newRecomputer(store *remote.MemoryStore, cfg Config) *Recomputer {
	return New(cfg, store, logx.Nop(),
		WithRetryPolicy(fastRetry()),
		WithClock(func() time.Time { return testNow }))
}

func listByID(t *testing.T, store *remote.MemoryStore, ownerID string) map[string]remote.Reminder {
	t.Helper()
	got, err := store.ListReminders(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	byID := make(map[string]remote.Reminder, len(got))
	for _, r := range got {
		byID[r.ID] = r
	}
	return byID
}

func TestRecomputePreservesLocalWallClock(t *testing.T) {
	t.Parallel()
	store := remote.NewMemoryStore()
	seedDaily(t, store, "owner-1", 3, "America/New_York")
	r := newRecomputer(store, Config{BatchSize: 2})

	rep, err := r.Recompute(context.Background(), "owner-1", "Europe/London", nil)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if rep.Status != StatusApplied {
		t.Fatalf("status = %q, want %q", rep.Status, StatusApplied)
	}
	if rep.Processed != 3 || rep.Total != 3 {
		t.Fatalf("report = %+v, want 3/3", rep)
	}

	london, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Fatal(err)
	}
	for id, rem := range listByID(t, store, "owner-1") {
		if rem.Schedule.Timezone != "Europe/London" {
			t.Errorf("%s timezone = %q, want Europe/London", id, rem.Schedule.Timezone)
		}
		if rem.NextRunAt == nil {
			t.Errorf("%s next-run is nil", id)
			continue
		}
		local := rem.NextRunAt.In(london)
		if local.Hour() != 9 || local.Minute() != 0 {
			t.Errorf("%s local time = %02d:%02d, want 09:00", id, local.Hour(), local.Minute())
		}
		if !rem.NextRunAt.After(testNow) {
			t.Errorf("%s next-run %v not after now", id, rem.NextRunAt)
		}
	}
}

func TestRecomputeDefersAboveCeiling(t *testing.T) {
	t.Parallel()
	store := remote.NewMemoryStore()
	orig := seedDaily(t, store, "owner-1", 3, "America/New_York")
	r := newRecomputer(store, Config{ClientCeiling: 2})

	rep, err := r.Recompute(context.Background(), "owner-1", "Europe/London", nil)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if rep.Status != StatusQueued {
		t.Fatalf("status = %q, want %q", rep.Status, StatusQueued)
	}
	if rep.Processed != 0 || rep.Total != 3 {
		t.Fatalf("report = %+v, want 0 processed, 3 total", rep)
	}

	byID := listByID(t, store, "owner-1")
	for _, want := range orig {
		got := byID[want.ID]
		if got.Schedule.Timezone != want.Schedule.Timezone {
			t.Errorf("%s timezone mutated to %q", want.ID, got.Schedule.Timezone)
		}
	}
}

func TestRecomputeReportsProgressPerBatch(t *testing.T) {
	t.Parallel()
	store := remote.NewMemoryStore()
	seedDaily(t, store, "owner-1", 5, "America/New_York")
	r := newRecomputer(store, Config{BatchSize: 2})

	var ticks []Progress
	_, err := r.Recompute(context.Background(), "owner-1", "Europe/London", func(p Progress) {
		ticks = append(ticks, p)
	})
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	want := []Progress{{2, 5}, {4, 5}, {5, 5}}
	if len(ticks) != len(want) {
		t.Fatalf("ticks = %v, want %v", ticks, want)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("tick %d = %v, want %v", i, ticks[i], want[i])
		}
	}
}

func TestRecomputeRollsBackCommittedBatches(t *testing.T) {
	t.Parallel()
	store := remote.NewMemoryStore()
	orig := seedDaily(t, store, "owner-1", 2, "America/New_York")
	r := newRecomputer(store, Config{BatchSize: 1})

	commits := 0
	store.SetFault(func(op string) error {
		if op != "commit_batch" {
			return nil
		}
		commits++
		if commits == 2 {
			return remote.Permanent(errors.New("quota exceeded"))
		}
		return nil
	})

	rep, err := r.Recompute(context.Background(), "owner-1", "Europe/London", nil)
	if err == nil {
		t.Fatal("expected commit error")
	}
	if rep.Status != StatusRolledBack {
		t.Fatalf("status = %q, want %q", rep.Status, StatusRolledBack)
	}
	if len(rep.Rollback) != 1 || rep.Rollback[0].ReminderID != orig[0].ID {
		t.Fatalf("rollback log = %+v", rep.Rollback)
	}

	// The first batch committed and must be restored.
	byID := listByID(t, store, "owner-1")
	got := byID[orig[0].ID]
	if got.Schedule.Timezone != "America/New_York" {
		t.Fatalf("timezone = %q, want restored America/New_York", got.Schedule.Timezone)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(*orig[0].NextRunAt) {
		t.Fatalf("next-run = %v, want restored %v", got.NextRunAt, orig[0].NextRunAt)
	}
}

func TestRecomputeSurfacesRollbackFailure(t *testing.T) {
	t.Parallel()
	store := remote.NewMemoryStore()
	seedDaily(t, store, "owner-1", 2, "America/New_York")
	r := newRecomputer(store, Config{BatchSize: 1})

	commits := 0
	store.SetFault(func(op string) error {
		if op != "commit_batch" {
			return nil
		}
		commits++
		if commits >= 2 {
			return remote.Permanent(errors.New("backend down"))
		}
		return nil
	})

	rep, err := r.Recompute(context.Background(), "owner-1", "Europe/London", nil)
	if err == nil {
		t.Fatal("expected commit error")
	}
	if rep.Status != StatusRollbackFailed {
		t.Fatalf("status = %q, want %q", rep.Status, StatusRollbackFailed)
	}
}

func TestRecomputeTimezoneOnlyWhenMigrationFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := remote.NewMemoryStore()

	// A one-time reminder whose date already passed: migration yields no
	// valid instant, so only the timezone may change.
	stale := time.Date(2025, 12, 25, 14, 0, 0, 0, time.UTC)
	rem := remote.Reminder{
		ID:      "rem-stale",
		OwnerID: "owner-1",
		Schedule: schedule.Spec{
			Frequency: schedule.FreqOneTime,
			Timezone:  "America/New_York",
			TimeOfDay: "09:00",
			Date:      "2025-12-25",
		},
		NextRunAt: &stale,
		CreatedAt: testNow,
	}
	if err := store.RunTransaction(ctx, func(tx remote.Tx) error {
		return tx.CreateReminder(ctx, rem)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := newRecomputer(store, Config{})
	rep, err := r.Recompute(ctx, "owner-1", "Europe/London", nil)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if rep.Status != StatusApplied {
		t.Fatalf("status = %q, want %q", rep.Status, StatusApplied)
	}

	got := listByID(t, store, "owner-1")["rem-stale"]
	if got.Schedule.Timezone != "Europe/London" {
		t.Fatalf("timezone = %q, want Europe/London", got.Schedule.Timezone)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(stale) {
		t.Fatalf("next-run = %v, want untouched %v", got.NextRunAt, stale)
	}
}

func TestRecomputeRetriesTransientCommitErrors(t *testing.T) {
	t.Parallel()
	store := remote.NewMemoryStore()
	seedDaily(t, store, "owner-1", 1, "America/New_York")
	r := newRecomputer(store, Config{})

	// One transient failure, then success within the retry budget.
	commits := 0
	store.SetFault(func(op string) error {
		if op != "commit_batch" {
			return nil
		}
		commits++
		if commits == 1 {
			return remote.Transient(errors.New("flaky"))
		}
		return nil
	})

	rep, err := r.Recompute(context.Background(), "owner-1", "Europe/London", nil)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if rep.Status != StatusApplied {
		t.Fatalf("status = %q, want %q", rep.Status, StatusApplied)
	}
	if commits != 2 {
		t.Fatalf("commit attempts = %d, want 2", commits)
	}
}
