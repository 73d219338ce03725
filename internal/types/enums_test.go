package types

import (
	"errors"
	"net/http"
	"testing"
)

func TestNormalizeEventType(t *testing.T) {
	cases := []struct {
		provider string
		want     EventType
	}{
		{"open", EventOpened},
		{"opened", EventOpened},
		{"click", EventClicked},
		{"bounce", EventBounced},
		{"spamreport", EventSpamReport},
		{"unsubscribe", EventUnsubscribe},
		// Unknown names pass through unchanged.
		{"deferred", EventType("deferred")},
	}

	for _, tc := range cases {
		if got := NormalizeEventType(tc.provider); got != tc.want {
			t.Errorf("NormalizeEventType(%q) = %q, want %q", tc.provider, got, tc.want)
		}
	}
}

func TestTriggersTransition(t *testing.T) {
	if EventDelivered.TriggersTransition() {
		t.Error("delivered must not trigger transitions")
	}
	if EventDropped.TriggersTransition() {
		t.Error("dropped must not trigger transitions")
	}
	if !EventOpened.TriggersTransition() {
		t.Error("opened must trigger transitions")
	}
	if !EventNoOpen.TriggersTransition() {
		t.Error("no_open must trigger transitions")
	}
}

func TestPositiveCounterpart(t *testing.T) {
	if got, ok := EventNoOpen.PositiveCounterpart(); !ok || got != EventOpened {
		t.Errorf("no_open counterpart = %q, %v", got, ok)
	}
	if got, ok := EventNoClick.PositiveCounterpart(); !ok || got != EventClicked {
		t.Errorf("no_click counterpart = %q, %v", got, ok)
	}
	if _, ok := EventOpened.PositiveCounterpart(); ok {
		t.Error("opened must not have a counterpart")
	}
}

func TestAppErrorStatusAndUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := NewAppError(ErrCodeValidationInvalidDuration, "bad duration", inner)

	if err.HTTPStatus() != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", err.HTTPStatus())
	}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to reach the wrapped error")
	}

	detailed := err.WithDetails(map[string]any{"input": "PTx"})
	if detailed.Details["input"] != "PTx" {
		t.Error("details not merged")
	}
	if err.Details != nil {
		t.Error("WithDetails must not mutate the original")
	}
}

func TestErrorCodeStatusFallback(t *testing.T) {
	if ErrCodeInternalQueue.HTTPStatus() != http.StatusInternalServerError {
		t.Error("internal codes map to 500")
	}
	if ErrCodeConflictStaleNode.HTTPStatus() != http.StatusConflict {
		t.Error("conflict codes map to 409")
	}
	if ErrCodeUpstreamDispatch.HTTPStatus() != http.StatusBadGateway {
		t.Error("upstream codes map to 502")
	}
}
