package schedule

import (
	"fmt"
	"strings"
	"time"

	// User-declared IANA zones must resolve even on hosts without a system
	// tz database (containers, scratch images).
	_ "time/tzdata"
)

// Frequency is the recurrence kind of a schedule.
type Frequency string

const (
	FreqOneTime Frequency = "one_time"
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
)

// Spec is a normalized, validated schedule specification.
//
// Exactly the fields required by Frequency are populated:
//   - OneTime: Date
//   - Weekly: WeekDays (1..4 ISO weekday ints, deduped, ascending)
//
// TimeOfDay is local "HH:mm" in Timezone.
type Spec struct {
	Frequency Frequency `json:"frequency"`
	Timezone  string    `json:"timezone"`
	TimeOfDay string    `json:"timeOfDay"`
	Date      string    `json:"date,omitempty"`
	WeekDays  []int     `json:"weekDays,omitempty"`
}

// Input is the raw schedule shape from the form layer, including legacy
// alias fields. Weekday values may be numbers, numeric strings, or day names.
type Input struct {
	Frequency  string `json:"frequency"`
	Timezone   string `json:"timezone"`
	TimeOfDay  string `json:"timeOfDay"`
	LocalTime  string `json:"localTime"` // legacy alias for TimeOfDay
	Date       string `json:"date"`
	WeekDays   []any  `json:"weekDays"`
	DaysOfWeek []any  `json:"daysOfWeek"` // legacy alias for WeekDays
}

// Validation reason codes surfaced to the caller layer.
const (
	CodeBadFrequency    = "BAD_FREQUENCY"
	CodeBadTimezone     = "BAD_TIMEZONE"
	CodeBadTimeOfDay    = "BAD_TIME_OF_DAY"
	CodeBadDate         = "BAD_DATE"
	CodeMissingDate     = "MISSING_DATE"
	CodeBadWeekDays     = "BAD_WEEKDAYS"
	CodeTooManyWeekDays = "TOO_MANY_WEEKDAYS"
	CodeTimeInPast      = "TIME_IN_PAST"
	CodeUnresolvable    = "UNRESOLVABLE_TIME"
)

// ValidationError reports why a schedule specification was rejected.
// It is never retried.
type ValidationError struct {
	Code string
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid schedule (%s): %s", e.Code, e.Msg)
}

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// ParseFrequency normalizes the frequency names the form layer has used
// over time.
func ParseFrequency(raw string) (Frequency, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "one_time", "onetime", "one-time", "once":
		return FreqOneTime, true
	case "daily", "day":
		return FreqDaily, true
	case "weekly", "week":
		return FreqWeekly, true
	default:
		return "", false
	}
}

// isoWeekday maps time.Weekday to ISO 8601 numbering (Mon=1..Sun=7).
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
