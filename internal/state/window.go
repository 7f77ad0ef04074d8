package state

import "time"

// InWindow reports whether tod falls inside window w, honoring midnight
// wrap when w.Start > w.End (covers [start,24:00) ∪ [00:00,end)).
func (w Window) InWindow(tod TimeOfDay) bool {
	if !w.Start.Before(w.End) && w.Start != w.End {
		// start > end: wraps midnight
		return !tod.Before(w.Start) || tod.Before(w.End)
	}
	if w.Start == w.End {
		return false
	}
	return !tod.Before(w.Start) && tod.Before(w.End)
}

// InChargeWindow reports whether nowLocal (already in the operator
// timezone) falls inside any of consusID's resolved windows for that day.
func (s *Store) InChargeWindow(consusID string, nowLocal time.Time) bool {
	day := DateOf(nowLocal)
	tod := TimeOfDay{Hour: nowLocal.Hour(), Minute: nowLocal.Minute(), Second: nowLocal.Second()}
	for _, w := range s.WindowsFor(consusID, day) {
		if w.InWindow(tod) {
			return true
		}
	}
	return false
}

// CurrentWindowEnd returns the wall-clock moment the window covering
// nowLocal ends. For a window that wraps midnight, the end falls on
// tomorrow's date while nowLocal is still before midnight, and on today's
// date once nowLocal is past midnight. Returns (zero, false) if nowLocal
// is not inside any window.
func (s *Store) CurrentWindowEnd(consusID string, nowLocal time.Time) (time.Time, bool) {
	day := DateOf(nowLocal)
	tod := TimeOfDay{Hour: nowLocal.Hour(), Minute: nowLocal.Minute(), Second: nowLocal.Second()}
	loc := nowLocal.Location()

	for _, w := range s.WindowsFor(consusID, day) {
		if !w.InWindow(tod) {
			continue
		}
		wraps := w.Start != w.End && !w.Start.Before(w.End)
		endDay := day
		if wraps && tod.Before(w.End) {
			// We're past midnight, still in yesterday's window; the end is
			// today's date at w.End.
			endDay = day
		} else if wraps {
			// We're before midnight; the end rolls onto tomorrow.
			endDay = day.AddDays(1)
		}
		return time.Date(endDay.Year, time.Month(endDay.Month), endDay.Day,
			w.End.Hour, w.End.Minute, w.End.Second, 0, loc), true
	}
	return time.Time{}, false
}
