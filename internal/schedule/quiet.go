package schedule

import (
	"fmt"
	"time"

	"outreach/internal/types"
)

// Calculator computes quiet-hours-aware schedule times. It is safe for
// concurrent use.
type Calculator struct {
	clock  types.Clock
	logger types.Logger
}

// NewCalculator creates a Calculator with the given clock and logger.
func NewCalculator(clock types.Clock, logger types.Logger) *Calculator {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Calculator{clock: clock, logger: logger}
}

// ScheduleTime adds delay to base (the clock's now when base is zero) and,
// if the result lands inside the quiet window in the given timezone, pushes
// it forward to the window's end.
//
// This computation must never fail hard: on a bad timezone or malformed
// window the unadjusted candidate time is returned and a warning is logged.
// Failing to schedule at all is worse than scheduling slightly wrong.
func (c *Calculator) ScheduleTime(delay time.Duration, timezone string, quiet *types.QuietHours, base time.Time) time.Time {
	if base.IsZero() {
		base = c.clock.Now()
	}
	candidate := base.Add(delay)

	if quiet == nil {
		return candidate
	}

	adjusted, err := adjustForQuietHours(candidate, timezone, quiet)
	if err != nil {
		c.logger.Warn("quiet hours adjustment failed, using unadjusted time",
			"timezone", timezone,
			"quiet_start", quiet.Start,
			"quiet_end", quiet.End,
			"error", err,
		)
		return candidate
	}
	return adjusted
}

// InQuietHours reports whether t falls inside the quiet window in the given
// timezone. Exposed standalone for plan validation and testing. Errors are
// resolved to false: an unparseable window never suppresses a send.
func (c *Calculator) InQuietHours(t time.Time, timezone string, quiet *types.QuietHours) bool {
	if quiet == nil {
		return false
	}
	in, _, err := quietWindowAt(t, timezone, quiet)
	if err != nil {
		c.logger.Warn("quiet hours check failed, treating as outside window",
			"timezone", timezone, "error", err)
		return false
	}
	return in
}

// timeOfDay is a wall-clock time with hour and minute components.
type timeOfDay struct {
	hour   int
	minute int
}

// toMinutes converts a timeOfDay to minutes since midnight for comparison.
func (t timeOfDay) toMinutes() int {
	return t.hour*60 + t.minute
}

// parseTimeOfDay parses a "HH:MM" string into a timeOfDay.
func parseTimeOfDay(s string) (timeOfDay, error) {
	var h, m int
	n, err := fmt.Sscanf(s, "%d:%d", &h, &m)
	if err != nil || n != 2 {
		return timeOfDay{}, fmt.Errorf("expected HH:MM format, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return timeOfDay{}, fmt.Errorf("time out of range: %q", s)
	}
	return timeOfDay{hour: h, minute: m}, nil
}

// adjustForQuietHours pushes t to the end of the quiet window when it falls
// inside it, otherwise returns t unchanged.
func adjustForQuietHours(t time.Time, timezone string, quiet *types.QuietHours) (time.Time, error) {
	in, resumeAt, err := quietWindowAt(t, timezone, quiet)
	if err != nil {
		return time.Time{}, err
	}
	if !in {
		return t, nil
	}
	return resumeAt.UTC(), nil
}

// quietWindowAt evaluates the quiet window at t. It returns whether t is in
// the window and, if so, when the window ends in the same timezone.
//
// The window is "wrapping" (overnight, e.g. 22:00-06:00) when end <= start.
func quietWindowAt(t time.Time, timezone string, quiet *types.QuietHours) (bool, time.Time, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	start, err := parseTimeOfDay(quiet.Start)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("invalid quiet hours start: %w", err)
	}
	end, err := parseTimeOfDay(quiet.End)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("invalid quiet hours end: %w", err)
	}

	local := t.In(loc)
	nowMinutes := local.Hour()*60 + local.Minute()
	startMinutes := start.toMinutes()
	endMinutes := end.toMinutes()

	endOn := func(d time.Time) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), end.hour, end.minute, 0, 0, loc)
	}

	if startMinutes < endMinutes {
		// Same-day window (e.g. 09:00-17:00).
		if nowMinutes >= startMinutes && nowMinutes < endMinutes {
			return true, endOn(local), nil
		}
		return false, time.Time{}, nil
	}

	// Wrapping window (end <= start, e.g. 22:00-06:00).
	if nowMinutes >= startMinutes {
		// Before midnight; the window ends tomorrow.
		return true, endOn(local.AddDate(0, 0, 1)), nil
	}
	if nowMinutes < endMinutes {
		// After midnight; the window ends today.
		return true, endOn(local), nil
	}
	return false, time.Time{}, nil
}
