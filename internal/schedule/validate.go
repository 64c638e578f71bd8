package schedule

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxWeekDays bounds how many weekdays a weekly schedule may select.
const maxWeekDays = 4

var reTimeOfDay = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// Validate checks a raw schedule for structural validity and returns the
// normalized Spec.
//
// Checks run in a fixed order: timezone resolvability, time-of-day shape,
// frequency-specific required fields, and (for one-time schedules) that the
// combined local instant is strictly in the future relative to now.
// Extraneous fields for the given frequency are dropped, not rejected.
func Validate(in Input, now time.Time) (Spec, error) {
	freq, ok := ParseFrequency(in.Frequency)
	if !ok {
		return Spec{}, invalid(CodeBadFrequency, "unknown frequency %q", in.Frequency)
	}

	tz := strings.TrimSpace(in.Timezone)
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		return Spec{}, invalid(CodeBadTimezone, "unresolvable timezone %q", in.Timezone)
	}

	tod := strings.TrimSpace(in.TimeOfDay)
	if tod == "" {
		tod = strings.TrimSpace(in.LocalTime)
	}
	h, m, ok := parseTimeOfDay(tod)
	if !ok {
		return Spec{}, invalid(CodeBadTimeOfDay, "time of day %q is not HH:mm", tod)
	}

	spec := Spec{
		Frequency: freq,
		Timezone:  tz,
		TimeOfDay: formatTimeOfDay(h, m),
	}

	switch freq {
	case FreqOneTime:
		date := strings.TrimSpace(in.Date)
		if date == "" {
			return Spec{}, invalid(CodeMissingDate, "one-time schedule requires a date")
		}
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			return Spec{}, invalid(CodeBadDate, "date %q is not YYYY-MM-DD", in.Date)
		}
		spec.Date = day.Format("2006-01-02")

		at, ok := resolveLocal(loc, day.Year(), day.Month(), day.Day(), h, m)
		if !ok {
			return Spec{}, invalid(CodeUnresolvable, "%s %s does not exist in %s", spec.Date, spec.TimeOfDay, tz)
		}
		if !at.After(now) {
			return Spec{}, invalid(CodeTimeInPast, "%s %s in %s is not in the future", spec.Date, spec.TimeOfDay, tz)
		}

	case FreqWeekly:
		raw := in.WeekDays
		if len(raw) == 0 {
			raw = in.DaysOfWeek
		}
		days, err := normalizeWeekDays(raw)
		if err != nil {
			return Spec{}, err
		}
		spec.WeekDays = days
	}

	return spec, nil
}

func parseTimeOfDay(s string) (h, m int, ok bool) {
	sub := reTimeOfDay.FindStringSubmatch(s)
	if sub == nil {
		return 0, 0, false
	}
	h, _ = strconv.Atoi(sub[1])
	m, _ = strconv.Atoi(sub[2])
	return h, m, true
}

func formatTimeOfDay(h, m int) string {
	return padTwo(h) + ":" + padTwo(m)
}

func padTwo(v int) string {
	if v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}

// normalizeWeekDays converts legacy weekday aliases into canonical ISO ints
// 1(Mon)..7(Sun), deduplicated and sorted ascending.
func normalizeWeekDays(raw []any) ([]int, error) {
	if len(raw) == 0 {
		return nil, invalid(CodeBadWeekDays, "weekly schedule requires at least one weekday")
	}
	seen := map[int]bool{}
	days := make([]int, 0, len(raw))
	for _, v := range raw {
		d, ok := normalizeWeekday(v)
		if !ok {
			return nil, invalid(CodeBadWeekDays, "unrecognized weekday %v", v)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		days = append(days, d)
	}
	if len(days) > maxWeekDays {
		return nil, invalid(CodeTooManyWeekDays, "at most %d weekdays allowed, got %d", maxWeekDays, len(days))
	}
	sort.Ints(days)
	return days, nil
}

func normalizeWeekday(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return weekdayFromInt(x)
	case int64:
		return weekdayFromInt(int(x))
	case float64:
		// JSON numbers decode as float64.
		if x != float64(int(x)) {
			return 0, false
		}
		return weekdayFromInt(int(x))
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		if n, err := strconv.Atoi(s); err == nil {
			return weekdayFromInt(n)
		}
		switch s {
		case "mon", "monday":
			return 1, true
		case "tue", "tues", "tuesday":
			return 2, true
		case "wed", "wednesday":
			return 3, true
		case "thu", "thur", "thurs", "thursday":
			return 4, true
		case "fri", "friday":
			return 5, true
		case "sat", "saturday":
			return 6, true
		case "sun", "sunday":
			return 7, true
		}
	}
	return 0, false
}

// weekdayFromInt accepts ISO 1..7 and the legacy 0-as-Sunday form.
func weekdayFromInt(n int) (int, bool) {
	if n == 0 {
		return 7, true
	}
	if n >= 1 && n <= 7 {
		return n, true
	}
	return 0, false
}
