package schedule

import (
	"testing"
	"time"
)

func mustUTC(t *testing.T, y int, mo time.Month, d, h, m int) time.Time {
	t.Helper()
	return time.Date(y, mo, d, h, m, 0, 0, time.UTC)
}

func TestResolveWeeklyEndToEnd(t *testing.T) {
	t.Parallel()
	spec := Spec{Frequency: FreqWeekly, Timezone: "UTC", TimeOfDay: "09:00", WeekDays: []int{1, 3}}

	// Wednesday 2026-01-07.
	ref := mustUTC(t, 2026, time.January, 7, 8, 0)
	got, ok := Resolve(spec, ref)
	if !ok {
		t.Fatal("expected resolvable")
	}
	if want := mustUTC(t, 2026, time.January, 7, 9, 0); !got.Equal(want) {
		t.Fatalf("got %v, want same-day %v", got, want)
	}

	// Past 09:00 the same Wednesday: next candidate is Monday 2026-01-12.
	ref = mustUTC(t, 2026, time.January, 7, 10, 0)
	got, ok = Resolve(spec, ref)
	if !ok {
		t.Fatal("expected resolvable")
	}
	if want := mustUTC(t, 2026, time.January, 12, 9, 0); !got.Equal(want) {
		t.Fatalf("got %v, want next Monday %v", got, want)
	}
}

func TestResolveDailyAdvancesPastReference(t *testing.T) {
	t.Parallel()
	spec := Spec{Frequency: FreqDaily, Timezone: "Asia/Tokyo", TimeOfDay: "08:00"}

	// 08:00 Tokyo = 23:00 UTC the previous day.
	ref := mustUTC(t, 2026, time.January, 6, 22, 0)
	got, ok := Resolve(spec, ref)
	if !ok {
		t.Fatal("expected resolvable")
	}
	if want := mustUTC(t, 2026, time.January, 6, 23, 0); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	ref = mustUTC(t, 2026, time.January, 6, 23, 0) // exactly at the occurrence
	got, ok = Resolve(spec, ref)
	if !ok {
		t.Fatal("expected resolvable")
	}
	if want := mustUTC(t, 2026, time.January, 7, 23, 0); !got.Equal(want) {
		t.Fatalf("got %v, want next day %v", got, want)
	}
}

func TestResolveStrictlyFuture(t *testing.T) {
	t.Parallel()
	specs := []Spec{
		{Frequency: FreqDaily, Timezone: "America/New_York", TimeOfDay: "00:00"},
		{Frequency: FreqDaily, Timezone: "Pacific/Auckland", TimeOfDay: "23:59"},
		{Frequency: FreqWeekly, Timezone: "Europe/Berlin", TimeOfDay: "12:30", WeekDays: []int{1, 4, 6, 7}},
		{Frequency: FreqWeekly, Timezone: "UTC", TimeOfDay: "09:00", WeekDays: []int{3}},
	}
	refs := []time.Time{
		mustUTC(t, 2026, time.January, 1, 0, 0),
		mustUTC(t, 2026, time.March, 8, 6, 59),  // US spring-forward morning
		mustUTC(t, 2026, time.November, 1, 5, 30), // US fall-back morning
		mustUTC(t, 2026, time.June, 30, 23, 59),
	}
	for _, spec := range specs {
		for _, ref := range refs {
			got, ok := Resolve(spec, ref)
			if !ok {
				t.Fatalf("spec %+v at %v: unexpectedly unsatisfiable", spec, ref)
			}
			if !got.After(ref) {
				t.Fatalf("spec %+v at %v: resolved %v is not strictly after ref", spec, ref, got)
			}
			if got.Nanosecond() != 0 {
				t.Fatalf("resolved instant carries sub-second precision: %v", got)
			}
		}
	}
}

func TestResolveOneTimePastIsUnsatisfiable(t *testing.T) {
	t.Parallel()
	spec := Spec{Frequency: FreqOneTime, Timezone: "UTC", TimeOfDay: "09:00", Date: "2026-01-05"}
	if _, ok := Resolve(spec, mustUTC(t, 2026, time.January, 6, 0, 0)); ok {
		t.Fatal("expected unsatisfiable for a passed date")
	}
	// Exactly at the instant is also unsatisfiable (strictly-after contract).
	if _, ok := Resolve(spec, mustUTC(t, 2026, time.January, 5, 9, 0)); ok {
		t.Fatal("expected unsatisfiable at the exact instant")
	}
	if got, ok := Resolve(spec, mustUTC(t, 2026, time.January, 5, 8, 59)); !ok || !got.Equal(mustUTC(t, 2026, time.January, 5, 9, 0)) {
		t.Fatalf("expected 09:00, got %v ok=%v", got, ok)
	}
}

func TestResolveDSTGapProbesForward(t *testing.T) {
	t.Parallel()
	// America/New_York springs forward 2026-03-08: 02:00 -> 03:00 local.
	// 02:30 does not exist; probe lands on 03:00 EDT = 07:00 UTC.
	spec := Spec{Frequency: FreqOneTime, Timezone: "America/New_York", TimeOfDay: "02:30", Date: "2026-03-08"}
	got, ok := Resolve(spec, mustUTC(t, 2026, time.March, 1, 0, 0))
	if !ok {
		t.Fatal("expected the probe to find a valid instant")
	}
	if want := mustUTC(t, 2026, time.March, 8, 7, 0); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestResolveDSTGapExhaustion(t *testing.T) {
	t.Parallel()
	// Pacific/Apia skipped 2011-12-30 entirely; no probe within the ceiling
	// can find a valid wall time on that date.
	spec := Spec{Frequency: FreqOneTime, Timezone: "Pacific/Apia", TimeOfDay: "12:00", Date: "2011-12-30"}
	if _, ok := Resolve(spec, time.Date(2011, time.December, 1, 0, 0, 0, 0, time.UTC)); ok {
		t.Fatal("expected probe exhaustion to surface as unsatisfiable")
	}
}

func TestResolveRejectsBrokenSpecs(t *testing.T) {
	t.Parallel()
	ref := mustUTC(t, 2026, time.January, 6, 0, 0)
	broken := []Spec{
		{Frequency: FreqDaily, Timezone: "Nope/Nowhere", TimeOfDay: "09:00"},
		{Frequency: FreqDaily, Timezone: "UTC", TimeOfDay: "9am"},
		{Frequency: FreqWeekly, Timezone: "UTC", TimeOfDay: "09:00"},
		{Frequency: FreqOneTime, Timezone: "UTC", TimeOfDay: "09:00", Date: "garbage"},
		{Frequency: "monthly", Timezone: "UTC", TimeOfDay: "09:00"},
	}
	for _, spec := range broken {
		if _, ok := Resolve(spec, ref); ok {
			t.Fatalf("spec %+v: expected not resolvable", spec)
		}
	}
}
