package app

import (
	"testing"
	"time"
)

func TestEncodeCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 15, 12, 30, 0, 123456789, time.UTC)
	id := "550e8400-e29b-41d4-a716-446655440000"

	cursor := encodeCursor(ts, id)
	if cursor == "" {
		t.Fatal("expected non-empty cursor")
	}

	gotTime, gotID, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}
	if !gotTime.Equal(ts) {
		t.Errorf("time mismatch: got %v, want %v", gotTime, ts)
	}
	if gotID != id {
		t.Errorf("id mismatch: got %q, want %q", gotID, id)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	cases := []struct {
		name   string
		cursor string
	}{
		{"invalid base64", "not-valid-base64!!!"},
		{"missing separator", "bm9waXBl"},              // "nopipe"
		{"bad timestamp", "YmFkLXRpbWV8c29tZS1pZA=="}, // "bad-time|some-id"
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := decodeCursor(tt.cursor); err == nil {
				t.Error("expected error")
			}
		})
	}
}
