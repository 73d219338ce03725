package schedule

import (
	"errors"
	"testing"
	"time"

	"outreach/internal/types"
)

func TestParseDurationZeroForms(t *testing.T) {
	for _, form := range []string{"PT0S", "PT0M", "PT0H", "P0D"} {
		d, err := ParseDuration(form)
		if err != nil {
			t.Fatalf("ParseDuration(%q) unexpected error: %v", form, err)
		}
		if d != 0 {
			t.Errorf("ParseDuration(%q) = %v, want 0", form, d)
		}
	}
}

func TestParseDurationWellFormed(t *testing.T) {
	cases := []struct {
		input string
		want  time.Duration
	}{
		{"PT24H", 24 * time.Hour},
		{"PT72H", 72 * time.Hour},
		{"P1D", 24 * time.Hour},
		{"P1W", 7 * 24 * time.Hour},
		{"P1DT12H", 36 * time.Hour},
		{"PT30M", 30 * time.Minute},
		{"PT1.5H", 90 * time.Minute},
		{"PT0.5S", 500 * time.Millisecond},
		{"P1M", 30 * 24 * time.Hour},
		{"P1Y", 365 * 24 * time.Hour},
		{"P1Y2M3DT4H5M6S", 365*24*time.Hour + 2*30*24*time.Hour + 3*24*time.Hour + 4*time.Hour + 5*time.Minute + 6*time.Second},
	}

	for _, tc := range cases {
		got, err := ParseDuration(tc.input)
		if err != nil {
			t.Fatalf("ParseDuration(%q) unexpected error: %v", tc.input, err)
		}
		if got != tc.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tc.input, got, tc.want)
		}
		if got < 0 {
			t.Errorf("ParseDuration(%q) negative", tc.input)
		}
	}
}

func TestParseDurationMalformed(t *testing.T) {
	for _, input := range []string{"", "P", "PT", "24H", "PT24X", "P-1D", "one day", "PS"} {
		_, err := ParseDuration(input)
		if err == nil {
			t.Errorf("ParseDuration(%q) expected error", input)
			continue
		}
		var appErr *types.AppError
		if !errors.As(err, &appErr) {
			t.Errorf("ParseDuration(%q) error is not an AppError: %v", input, err)
			continue
		}
		if appErr.Code != types.ErrCodeValidationInvalidDuration {
			t.Errorf("ParseDuration(%q) code = %s", input, appErr.Code)
		}
	}
}
