package ledger

import (
	"fmt"
	"time"

	"mercator-hq/spendguard/pkg/rules"
)

// WindowFor returns the calendar window containing t for a timeframe,
// anchored in loc. Days start at local midnight, weeks on Monday, months on
// the first. Boundaries follow the local calendar, so a day spanning a DST
// change is 23 or 25 hours long.
//
// The transaction timeframe has no window; ok is false.
func WindowFor(tf rules.Timeframe, t time.Time, loc *time.Location) (w Window, ok bool, err error) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, m, d := local.Date()

	switch tf {
	case rules.TimeframeTransaction:
		return Window{}, false, nil

	case rules.TimeframeHourly:
		start := time.Date(y, m, d, local.Hour(), 0, 0, 0, loc)
		// Add rather than Date(h+1) so the repeated hour at a DST fall-back
		// still yields a one-hour window.
		return Window{Start: start, End: start.Add(time.Hour)}, true, nil

	case rules.TimeframeDaily:
		start := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return Window{Start: start, End: time.Date(y, m, d+1, 0, 0, 0, 0, loc)}, true, nil

	case rules.TimeframeWeekly:
		offset := (int(local.Weekday()) + 6) % 7 // days since Monday
		start := time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
		return Window{Start: start, End: time.Date(y, m, d-offset+7, 0, 0, 0, 0, loc)}, true, nil

	case rules.TimeframeMonthly:
		start := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return Window{Start: start, End: time.Date(y, m+1, 1, 0, 0, 0, 0, loc)}, true, nil
	}

	return Window{}, false, fmt.Errorf("unknown timeframe %q", tf)
}
