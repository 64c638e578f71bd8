package schedule

import (
	"testing"
	"time"
)

func TestMigratePreservesLocalWallClock(t *testing.T) {
	t.Parallel()
	// 09:00 in New York, stored next-run 2026-01-07 09:00 EST = 14:00 UTC.
	spec := Spec{Frequency: FreqDaily, Timezone: "America/New_York", TimeOfDay: "09:00"}
	stored := mustUTC(t, 2026, time.January, 7, 14, 0)
	now := mustUTC(t, 2026, time.January, 6, 20, 0)

	got := Migrate(spec, &stored, "America/New_York", "Europe/London", now)
	if got == nil {
		t.Fatal("expected a migrated instant")
	}
	london, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	local := got.In(london)
	if local.Hour() != 9 || local.Minute() != 0 {
		t.Fatalf("local time in London = %02d:%02d, want 09:00", local.Hour(), local.Minute())
	}
	// Not the same absolute instant: 09:00 London != 09:00 New York.
	if got.Equal(stored) {
		t.Fatal("migration kept the absolute instant instead of the wall-clock time")
	}
}

func TestMigrateNoOpSameZone(t *testing.T) {
	t.Parallel()
	spec := Spec{Frequency: FreqDaily, Timezone: "UTC", TimeOfDay: "09:00"}
	stored := mustUTC(t, 2026, time.January, 7, 9, 0)
	now := mustUTC(t, 2026, time.January, 6, 12, 0)

	got := Migrate(spec, &stored, "UTC", "UTC", now)
	if got == nil {
		t.Fatal("expected a migrated instant")
	}
	if !got.Equal(stored) {
		t.Fatalf("no-op migration moved the instant: got %v, want %v", got, stored)
	}
}

func TestMigrateWeeklyFallsBackToRecoveredWeekday(t *testing.T) {
	t.Parallel()
	// Stored next-run is a Wednesday 18:00 Berlin = 17:00 UTC in winter.
	spec := Spec{Frequency: FreqWeekly, Timezone: "Europe/Berlin", TimeOfDay: "18:00"}
	stored := mustUTC(t, 2026, time.January, 7, 17, 0)
	now := mustUTC(t, 2026, time.January, 5, 0, 0)

	got := Migrate(spec, &stored, "Europe/Berlin", "Asia/Tokyo", now)
	if got == nil {
		t.Fatal("expected a migrated instant")
	}
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	local := got.In(tokyo)
	if isoWeekday(local) != 3 {
		t.Fatalf("recovered weekday = %d, want Wednesday (3)", isoWeekday(local))
	}
	if local.Hour() != 18 || local.Minute() != 0 {
		t.Fatalf("local time in Tokyo = %02d:%02d, want 18:00", local.Hour(), local.Minute())
	}
}

func TestMigrateWithoutStoredInstantResolvesDirectly(t *testing.T) {
	t.Parallel()
	spec := Spec{Frequency: FreqDaily, Timezone: "America/New_York", TimeOfDay: "07:30"}
	now := mustUTC(t, 2026, time.January, 6, 12, 0)

	got := Migrate(spec, nil, "America/New_York", "Europe/Paris", now)
	if got == nil {
		t.Fatal("expected best-effort direct resolution")
	}
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	local := got.In(paris)
	if local.Hour() != 7 || local.Minute() != 30 {
		t.Fatalf("local time in Paris = %02d:%02d, want 07:30", local.Hour(), local.Minute())
	}
	if !got.After(now) {
		t.Fatalf("resolved %v is not after now %v", got, now)
	}
}

func TestMigrateExpiredOneTimeReturnsNil(t *testing.T) {
	t.Parallel()
	spec := Spec{Frequency: FreqOneTime, Timezone: "UTC", TimeOfDay: "09:00", Date: "2026-01-05"}
	stored := mustUTC(t, 2026, time.January, 5, 9, 0)
	now := mustUTC(t, 2026, time.February, 1, 0, 0)

	if got := Migrate(spec, &stored, "UTC", "Europe/London", now); got != nil {
		t.Fatalf("expected nil for an expired one-time schedule, got %v", got)
	}
}

func TestMigrateBadFromZoneFallsBack(t *testing.T) {
	t.Parallel()
	spec := Spec{Frequency: FreqDaily, Timezone: "UTC", TimeOfDay: "10:00"}
	stored := mustUTC(t, 2026, time.January, 7, 10, 0)
	now := mustUTC(t, 2026, time.January, 6, 0, 0)

	got := Migrate(spec, &stored, "Not/AZone", "Europe/London", now)
	if got == nil {
		t.Fatal("expected fallback resolution in the target zone")
	}
	london, _ := time.LoadLocation("Europe/London")
	local := got.In(london)
	if local.Hour() != 10 {
		t.Fatalf("local hour in London = %d, want 10", local.Hour())
	}
}
