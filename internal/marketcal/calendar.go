// Package marketcal computes the "last known value" reference point for
// price lookups. The upstream feed only updates on trading days after 15:30,
// so lookups on weekends, on Monday mornings, or before the daily cutoff
// must fall back to the close of the last trading day. Hour-granularity
// views read the 22:01 close, day-granularity views the 23:01 close.
//
// Both the price-series endpoints and the growth calculation resolve their
// reference times through this package so they always agree on which day
// counts as "yesterday".
package marketcal

import "time"

// Granularity selects the close lookup time for a view.
type Granularity int

const (
	// Hour granularity uses 22:01 as the close lookup time.
	Hour Granularity = iota
	// Day granularity uses 23:01 as the close lookup time.
	Day
)

// beforeCutoff reports whether t's wall clock is before 15:30, the time at
// which the feed starts producing the current day's data.
func beforeCutoff(t time.Time) bool {
	h, m, _ := t.Clock()
	return h < 15 || (h == 15 && m < 30)
}

// closeOf returns the close lookup timestamp on day's date: 22:01 for hour
// granularity, 23:01 for day granularity.
func closeOf(day time.Time, g Granularity) time.Time {
	y, m, d := day.Date()
	if g == Day {
		return time.Date(y, m, d, 23, 1, 0, 0, day.Location())
	}
	return time.Date(y, m, d, 22, 1, 0, 0, day.Location())
}

func weekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// earlyMonday reports whether day is a Monday whose data has not arrived
// yet. The clock check deliberately uses the original reference time, not
// the stepped-back day.
func earlyMonday(day, ref time.Time) bool {
	return day.Weekday() == time.Monday && beforeCutoff(ref)
}

// LastKnown resolves a reference timestamp to the point where the most
// recent price data is guaranteed to exist:
//
//   - Weekend or early-Monday references walk back one day at a time to the
//     last trading day and use its close.
//   - Weekday references before the cutoff use the previous calendar day's
//     close.
//   - Anything else uses the reference directly (Hour) or its close (Day).
func LastKnown(ref time.Time, g Granularity) time.Time {
	day := ref
	if weekend(day) || earlyMonday(day, ref) {
		for weekend(day) || earlyMonday(day, ref) {
			day = day.AddDate(0, 0, -1)
		}
		return closeOf(day, g)
	}
	if beforeCutoff(ref) {
		return closeOf(ref.AddDate(0, 0, -1), g)
	}
	if g == Hour {
		return ref
	}
	return closeOf(ref, g)
}

// PreviousClose resolves the close of the last trading day strictly before
// the reference: it starts at the previous calendar day (one further back
// when the reference is before the cutoff), skips weekends, and returns
// that day's close. Growth calculations compare the current price against
// this point.
func PreviousClose(ref time.Time, g Granularity) time.Time {
	day := ref.AddDate(0, 0, -1)
	if beforeCutoff(ref) {
		day = day.AddDate(0, 0, -1)
	}
	for weekend(day) {
		day = day.AddDate(0, 0, -1)
	}
	return closeOf(day, g)
}
