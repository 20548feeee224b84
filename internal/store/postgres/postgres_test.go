package postgres

import (
	"testing"
	"time"
)

func TestNullableTime(t *testing.T) {
	if got := nullableTime(time.Time{}); got != nil {
		t.Fatalf("zero time should map to NULL, got %v", *got)
	}

	// The unix epoch is a real instant, not an absent value.
	epoch := time.Unix(0, 0).UTC()
	if got := nullableTime(epoch); got == nil || !got.Equal(epoch) {
		t.Fatalf("epoch should round-trip, got %v", got)
	}

	at := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	if got := nullableTime(at); got == nil || !got.Equal(at) {
		t.Fatalf("finish time should round-trip, got %v", got)
	}
}
