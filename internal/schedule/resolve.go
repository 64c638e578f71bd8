package schedule

import (
	"time"
)

// dstProbeCeiling bounds the forward minute-by-minute search used when a
// literal local time falls into a daylight-saving gap. The bounded linear
// probe is intentional; do not replace it with transition-table math without
// revisiting every caller that relies on the documented bound.
const dstProbeCeiling = 90

// Resolve returns the next absolute instant satisfying spec strictly after
// ref, or ok=false when the schedule is unsatisfiable (one-time date passed,
// or the DST probe exhausted its ceiling).
//
// Resolve is pure: it never touches I/O and never panics on expected "no
// valid time" outcomes. Results are UTC with sub-second precision suppressed.
func Resolve(spec Spec, ref time.Time) (time.Time, bool) {
	loc, err := time.LoadLocation(spec.Timezone)
	if err != nil {
		return time.Time{}, false
	}
	h, m, ok := parseTimeOfDay(spec.TimeOfDay)
	if !ok {
		return time.Time{}, false
	}

	switch spec.Frequency {
	case FreqOneTime:
		return resolveOneTime(spec, loc, h, m, ref)
	case FreqDaily:
		return resolveDaily(loc, h, m, ref)
	case FreqWeekly:
		return resolveWeekly(spec, loc, h, m, ref)
	default:
		return time.Time{}, false
	}
}

func resolveOneTime(spec Spec, loc *time.Location, h, m int, ref time.Time) (time.Time, bool) {
	day, err := time.Parse("2006-01-02", spec.Date)
	if err != nil {
		return time.Time{}, false
	}
	at, ok := resolveLocal(loc, day.Year(), day.Month(), day.Day(), h, m)
	if !ok {
		return time.Time{}, false
	}
	if !at.After(ref) {
		return time.Time{}, false
	}
	return toStored(at), true
}

func resolveDaily(loc *time.Location, h, m int, ref time.Time) (time.Time, bool) {
	local := ref.In(loc)
	at, ok := resolveLocal(loc, local.Year(), local.Month(), local.Day(), h, m)
	if ok && at.After(ref) {
		return toStored(at), true
	}
	// Today's occurrence has passed (or doesn't exist); take tomorrow's.
	next := local.AddDate(0, 0, 1)
	at, ok = resolveLocal(loc, next.Year(), next.Month(), next.Day(), h, m)
	if !ok {
		return time.Time{}, false
	}
	return toStored(at), true
}

func resolveWeekly(spec Spec, loc *time.Location, h, m int, ref time.Time) (time.Time, bool) {
	if len(spec.WeekDays) == 0 {
		return time.Time{}, false
	}
	local := ref.In(loc)
	today := isoWeekday(local)

	var best time.Time
	found := false
	for _, wd := range spec.WeekDays {
		delta := (wd - today + 7) % 7
		day := local.AddDate(0, 0, delta)
		at, ok := resolveLocal(loc, day.Year(), day.Month(), day.Day(), h, m)
		if ok && !at.After(ref) {
			// Same-day occurrence already passed; wrap to next week.
			day = day.AddDate(0, 0, 7)
			at, ok = resolveLocal(loc, day.Year(), day.Month(), day.Day(), h, m)
		}
		if !ok {
			continue
		}
		if !found || at.Before(best) {
			best = at
			found = true
		}
	}
	if !found {
		return time.Time{}, false
	}
	return toStored(best), true
}

// resolveLocal constructs the instant for the given local wall-clock values.
// If the literal time does not exist (spring-forward gap), it probes forward
// one minute at a time up to dstProbeCeiling and returns the first wall time
// that does exist. ok=false means the probe was exhausted.
func resolveLocal(loc *time.Location, y int, mo time.Month, d, h, m int) (time.Time, bool) {
	if at, ok := localInstant(loc, y, mo, d, h, m); ok {
		return at, true
	}
	// Wall-clock arithmetic is done in UTC so day rollover is handled for us.
	base := time.Date(y, mo, d, h, m, 0, 0, time.UTC)
	for i := 1; i <= dstProbeCeiling; i++ {
		w := base.Add(time.Duration(i) * time.Minute)
		if at, ok := localInstant(loc, w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute()); ok {
			return at, true
		}
	}
	return time.Time{}, false
}

// localInstant returns the instant for a local wall-clock time, or ok=false
// if that wall time does not exist in loc. time.Date normalizes nonexistent
// times forward, so a round-trip mismatch identifies the gap.
func localInstant(loc *time.Location, y int, mo time.Month, d, h, m int) (time.Time, bool) {
	t := time.Date(y, mo, d, h, m, 0, 0, loc)
	if t.Year() == y && t.Month() == mo && t.Day() == d && t.Hour() == h && t.Minute() == m {
		return t, true
	}
	return time.Time{}, false
}

// toStored converts an instant to its stored form: UTC, whole seconds.
// Stable comparisons require every stored next-run to pass through here.
func toStored(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
