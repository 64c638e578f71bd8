package schedule

import (
	"time"
)

// Migrate re-derives a reminder's next-run instant after the user's timezone
// changed, preserving the local wall-clock time the user originally declared
// rather than the absolute instant.
//
// When currentNextRun is available it is converted into the old timezone to
// recover the intended local (date, hour, minute, weekday), a new spec is
// built against the new timezone, and Resolve is re-run against now. Without
// a prior instant the existing spec is re-resolved directly in the new
// timezone (best-effort; local-time semantics may shift).
//
// A nil result means migration failed at every step. Callers MUST leave the
// stored next-run untouched in that case; never null out a working value.
func Migrate(spec Spec, currentNextRun *time.Time, from, to string, now time.Time) *time.Time {
	if currentNextRun != nil && !currentNextRun.IsZero() {
		if fromLoc, err := time.LoadLocation(from); err == nil {
			local := currentNextRun.In(fromLoc)

			next := spec
			next.Timezone = to
			next.TimeOfDay = formatTimeOfDay(local.Hour(), local.Minute())
			switch spec.Frequency {
			case FreqOneTime:
				next.Date = local.Format("2006-01-02")
			case FreqWeekly:
				if len(spec.WeekDays) == 0 {
					next.WeekDays = []int{isoWeekday(local)}
				}
			}

			if at, ok := Resolve(next, now); ok {
				return &at
			}
		}
	}

	// No usable prior instant: re-resolve the declared schedule in the new zone.
	direct := spec
	direct.Timezone = to
	if at, ok := Resolve(direct, now); ok {
		return &at
	}
	return nil
}
