// Package schedule provides the timing primitives for the campaign engine:
// ISO-8601 interval parsing and quiet-hours-aware schedule computation.
//
// These functions sit on the hot path of every transition, so failures here
// must never take the pipeline down. Parsing is strict (callers validate
// plans up front), but schedule computation degrades to the safest usable
// time rather than erroring.
package schedule

import (
	"regexp"
	"strconv"
	"time"

	"outreach/internal/types"
)

// Calendar approximations used by the interval grammar. Campaign delays are
// deadlines, not calendar arithmetic, so fixed-length months/years are
// acceptable here.
const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// durationRe matches the restricted ISO-8601 interval grammar:
// P[nY][nM][nW][nD][T[nH][nM][nS]] with fractional values allowed.
var durationRe = regexp.MustCompile(
	`^P(?:(\d+(?:\.\d+)?)Y)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)W)?(?:(\d+(?:\.\d+)?)D)?` +
		`(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// zeroForms are zero-length intervals recognized without entering the
// general regex path.
var zeroForms = map[string]struct{}{
	"P0D": {}, "P0W": {}, "P0M": {}, "P0Y": {},
	"PT0S": {}, "PT0M": {}, "PT0H": {},
}

// ParseDuration parses a restricted ISO-8601 interval string into a
// time.Duration. Zero-length forms (PT0S, P0D, ...) return 0. Malformed
// input returns an AppError with ErrCodeValidationInvalidDuration.
func ParseDuration(text string) (time.Duration, error) {
	if _, ok := zeroForms[text]; ok {
		return 0, nil
	}

	m := durationRe.FindStringSubmatch(text)
	if m == nil || text == "P" || text == "PT" {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidDuration,
			"malformed ISO-8601 interval", nil).WithDetails(map[string]any{"input": text})
	}

	units := []time.Duration{year, month, week, day, time.Hour, time.Minute, time.Second}

	var total time.Duration
	matched := false
	for i, group := range m[1:] {
		if group == "" {
			continue
		}
		matched = true
		v, err := strconv.ParseFloat(group, 64)
		if err != nil {
			return 0, types.NewAppError(types.ErrCodeValidationInvalidDuration,
				"malformed interval component", err).WithDetails(map[string]any{"input": text})
		}
		total += time.Duration(v * float64(units[i]))
	}

	if !matched {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidDuration,
			"interval has no components", nil).WithDetails(map[string]any{"input": text})
	}

	return total, nil
}
