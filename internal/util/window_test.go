package util

import (
	"testing"
	"time"
)

func TestInWindowSameDay(t *testing.T) {
	now := time.Date(2024, 1, 1, 2, 30, 0, 0, time.UTC)
	ok, err := InWindow(now, "02:00", "05:00", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected to be in window")
	}
}

func TestInWindowWrap(t *testing.T) {
	now := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	ok, err := InWindow(now, "23:00", "02:00", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected to be in window")
	}
}

func TestInWindowOutside(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ok, err := InWindow(now, "23:00", "02:00", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("noon must be outside a night window")
	}
}

func TestWindowOpenEnded(t *testing.T) {
	w, err := ParseWindow("20:00", "", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Contains(time.Date(2024, 1, 1, 19, 59, 0, 0, time.UTC)) {
		t.Fatalf("19:59 is before the start")
	}
	if !w.Contains(time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)) {
		t.Fatalf("23:00 is after the start")
	}
}

func TestParseWindowRejectsBadClock(t *testing.T) {
	if _, err := ParseWindow("25:00", "", "UTC"); err == nil {
		t.Fatalf("expected error for invalid clock")
	}
	if _, err := ParseWindow("", "", "Mars/Olympus"); err == nil {
		t.Fatalf("expected error for invalid timezone")
	}
}
