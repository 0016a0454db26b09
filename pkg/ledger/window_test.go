package ledger

import (
	"testing"
	"time"

	"mercator-hq/spendguard/pkg/rules"
)

func TestWindowFor(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name      string
		tf        rules.Timeframe
		at        time.Time
		loc       *time.Location
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "hourly",
			tf:        rules.TimeframeHourly,
			at:        time.Date(2026, 3, 4, 14, 37, 5, 0, time.UTC),
			loc:       time.UTC,
			wantStart: time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC),
		},
		{
			name:      "daily utc",
			tf:        rules.TimeframeDaily,
			at:        time.Date(2026, 3, 4, 23, 59, 59, 0, time.UTC),
			loc:       time.UTC,
			wantStart: time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "daily follows local midnight",
			tf:   rules.TimeframeDaily,
			// 02:00 UTC on the 5th is still the 4th in New York.
			at:        time.Date(2026, 3, 5, 2, 0, 0, 0, time.UTC),
			loc:       ny,
			wantStart: time.Date(2026, 3, 4, 0, 0, 0, 0, ny),
			wantEnd:   time.Date(2026, 3, 5, 0, 0, 0, 0, ny),
		},
		{
			name:      "weekly starts monday",
			tf:        rules.TimeframeWeekly,
			at:        time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC), // Wednesday
			loc:       time.UTC,
			wantStart: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "weekly on sunday belongs to previous monday",
			tf:        rules.TimeframeWeekly,
			at:        time.Date(2026, 3, 8, 22, 0, 0, 0, time.UTC),
			loc:       time.UTC,
			wantStart: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "weekly across month boundary",
			tf:        rules.TimeframeWeekly,
			at:        time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), // Sunday
			loc:       time.UTC,
			wantStart: time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "monthly",
			tf:        rules.TimeframeMonthly,
			at:        time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC),
			loc:       time.UTC,
			wantStart: time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, ok, err := WindowFor(tt.tf, tt.at, tt.loc)
			if err != nil {
				t.Fatalf("WindowFor() error = %v", err)
			}
			if !ok {
				t.Fatal("WindowFor() ok = false, want true")
			}
			if !w.Start.Equal(tt.wantStart) {
				t.Errorf("Start = %v, want %v", w.Start, tt.wantStart)
			}
			if !w.End.Equal(tt.wantEnd) {
				t.Errorf("End = %v, want %v", w.End, tt.wantEnd)
			}
			if !w.Contains(tt.at) {
				t.Errorf("window %v-%v does not contain %v", w.Start, w.End, tt.at)
			}
		})
	}
}

func TestWindowFor_DSTDayLength(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// Clocks spring forward on 2026-03-08 in New York.
	w, _, err := WindowFor(rules.TimeframeDaily, time.Date(2026, 3, 8, 12, 0, 0, 0, ny), ny)
	if err != nil {
		t.Fatal(err)
	}
	if got := w.End.Sub(w.Start); got != 23*time.Hour {
		t.Errorf("spring-forward day length = %v, want 23h", got)
	}

	w, _, err = WindowFor(rules.TimeframeDaily, time.Date(2026, 11, 1, 12, 0, 0, 0, ny), ny)
	if err != nil {
		t.Fatal(err)
	}
	if got := w.End.Sub(w.Start); got != 25*time.Hour {
		t.Errorf("fall-back day length = %v, want 25h", got)
	}
}

func TestWindowFor_Transaction(t *testing.T) {
	_, ok, err := WindowFor(rules.TimeframeTransaction, time.Now(), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("transaction timeframe should have no window")
	}

	if _, _, err := WindowFor("fortnightly", time.Now(), time.UTC); err == nil {
		t.Error("expected error for unknown timeframe")
	}
}
