package agent

import (
	"testing"
	"time"
)

func TestEncodeCursor(t *testing.T) {
	ts := time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC)
	id := "550e8400-e29b-41d4-a716-446655440000"

	cursor := EncodeCursor(ts, id)
	if cursor == "" {
		t.Fatal("expected non-empty cursor")
	}

	gotTime, gotID, err := DecodeCursor(cursor)
	if err != nil {
		t.Fatalf("unexpected error decoding cursor: %v", err)
	}
	if !gotTime.Equal(ts) {
		t.Errorf("time mismatch: got %v, want %v", gotTime, ts)
	}
	if gotID != id {
		t.Errorf("id mismatch: got %q, want %q", gotID, id)
	}
}

func TestDecodeCursorErrors(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"invalid base64", "not-valid-base64!!!"},
		{"missing separator", "bm9waXBl"},             // "nopipe"
		{"invalid time", "YmFkLXRpbWV8c29tZS1pZA=="}, // "bad-time|some-id"
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeCursor(tt.cursor); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEncodeCursorRoundTripNano(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC)

	gotTime, _, err := DecodeCursor(EncodeCursor(ts, "test-id"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotTime.Equal(ts) {
		t.Errorf("nanosecond precision lost: got %v, want %v", gotTime, ts)
	}
}
