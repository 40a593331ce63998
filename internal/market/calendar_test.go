package market

import (
	"testing"
	"time"
)

func TestCalendar_IsOpen(t *testing.T) {
	cal := NewCalendar(9, 17, "UTC")

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"weekday mid-session", time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC), true}, // Wednesday
		{"weekday at open", time.Date(2026, 8, 19, 9, 0, 0, 0, time.UTC), true},
		{"weekday just before open", time.Date(2026, 8, 19, 8, 59, 59, 0, time.UTC), false},
		{"weekday at close", time.Date(2026, 8, 19, 17, 0, 0, 0, time.UTC), false}, // close is exclusive
		{"saturday", time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC), false},
		{"sunday", time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cal.IsOpen(tt.at); got != tt.want {
				t.Errorf("IsOpen(%s) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestCalendar_TimezoneConversion(t *testing.T) {
	cal := NewCalendar(9, 17, "Europe/Amsterdam")

	// 07:30 UTC on a Wednesday in August is 09:30 CEST: open.
	at := time.Date(2026, 8, 19, 7, 30, 0, 0, time.UTC)
	if !cal.IsOpen(at) {
		t.Errorf("Expected open at %s (09:30 Amsterdam)", at)
	}

	// 16:30 UTC is 18:30 CEST: closed.
	at = time.Date(2026, 8, 19, 16, 30, 0, 0, time.UTC)
	if cal.IsOpen(at) {
		t.Errorf("Expected closed at %s (18:30 Amsterdam)", at)
	}
}

func TestCalendar_UnknownTimezoneFallsBackToUTC(t *testing.T) {
	cal := NewCalendar(9, 17, "Not/AZone")
	if cal.Loc != time.UTC {
		t.Errorf("Expected UTC fallback, got %v", cal.Loc)
	}
}

func TestCalendar_Status(t *testing.T) {
	cal := NewCalendar(9, 17, "UTC")
	at := time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)

	st := cal.Status(at)
	if !st.Open {
		t.Error("Expected open status")
	}
	if st.AsOfUnixM != at.UnixMicro() {
		t.Errorf("AsOfUnixM = %d, want %d", st.AsOfUnixM, at.UnixMicro())
	}
}
