package clock

import (
	"errors"
	"fmt"
	"time"

	"wellwisher/internal/types"
)

// LeapDayPolicy controls how an event date of Feb 29 is handled in a
// non-leap year. The planning documents assert the Feb 28 fallback but do
// not justify it, so the policy is configurable rather than hard-coded.
type LeapDayPolicy string

const (
	// LeapDayFeb28 sends the message on Feb 28 of non-leap years (default).
	LeapDayFeb28 LeapDayPolicy = "feb28"

	// LeapDaySkip skips the occurrence entirely in non-leap years.
	LeapDaySkip LeapDayPolicy = "skip"
)

// Valid reports whether the policy is a known value.
func (p LeapDayPolicy) Valid() bool {
	return p == LeapDayFeb28 || p == LeapDaySkip
}

// ErrSkippedOccurrence is returned by ResolveSendTime when the leap-day
// policy is LeapDaySkip and the occurrence falls on Feb 29 of a non-leap
// year. Callers treat it as "no job this year", not as a failure.
var ErrSkippedOccurrence = errors.New("clock: occurrence skipped by leap-day policy")

// maxGapScan bounds the forward scan used to step over a DST gap. Real
// transitions are at most one hour (two in historical oddities), so three
// hours is comfortably past any gap.
const maxGapScan = 180 * time.Minute

// gapScanStep is the scan granularity. 15 minutes covers zones with
// 30- and 45-minute transitions (e.g. Australia/Lord_Howe).
const gapScanStep = 15 * time.Minute

// ResolveSendTime converts a local calendar date, IANA zone, and target
// local hour into the UTC instant at which the message becomes due.
//
// Edge cases:
//   - DST spring-forward: if the target local time does not exist, the
//     first valid instant at or after it is used (nominal +1h for a
//     standard one-hour gap).
//   - DST fall-back: if the target local time occurs twice, the first
//     (earlier) occurrence is chosen deterministically.
//   - Feb 29 in a non-leap year: resolved per the LeapDayPolicy.
//   - Fractional-hour offsets (e.g. Asia/Kathmandu, UTC+5:45) need no
//     special handling; the zone database carries the offset.
func ResolveSendTime(date types.LocalDate, tz string, localHour int, policy LeapDayPolicy) (time.Time, error) {
	if localHour < 0 || localHour > 23 {
		return time.Time{}, fmt.Errorf("clock: local hour %d out of range", localHour)
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("clock: unknown timezone %q: %w", tz, err)
	}

	if date.Month == time.February && date.Day == 29 && !date.IsLeapYear() {
		switch policy {
		case LeapDaySkip:
			return time.Time{}, ErrSkippedOccurrence
		case LeapDayFeb28, "":
			date = types.NewLocalDate(date.Year, time.February, 28)
		default:
			return time.Time{}, fmt.Errorf("clock: unknown leap-day policy %q", policy)
		}
	}

	// Scan forward from the nominal wall time until a wall clock that
	// round-trips through the zone, i.e. actually exists. The first probe
	// (offset zero) is the nominal time itself, so the common case does a
	// single iteration.
	for extra := time.Duration(0); extra <= maxGapScan; extra += gapScanStep {
		totalMin := localHour*60 + int(extra.Minutes())
		wallHour, wallMin := totalMin/60, totalMin%60

		cand := time.Date(date.Year, date.Month, date.Day, wallHour, wallMin, 0, 0, loc)
		if cand.Hour() == wallHour%24 && cand.Minute() == wallMin {
			return earliestOccurrence(cand, loc).UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("clock: no valid instant for %s %02d:00 in %s", date, localHour, tz)
}

// earliestOccurrence resolves DST fall-back ambiguity: if the same wall
// clock maps to two instants, time.Date may have returned the later one.
// Probing one transition-width earlier finds the first occurrence.
func earliestOccurrence(t time.Time, loc *time.Location) time.Time {
	for _, back := range []time.Duration{time.Hour, 30 * time.Minute} {
		prev := t.Add(-back)
		if sameWallClock(prev.In(loc), t.In(loc)) {
			return prev
		}
	}
	return t
}

// sameWallClock reports whether two times show the same local calendar
// date and wall-clock minute.
func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute()
}

// EventMatches reports whether a user's event (month/day) falls on the
// given local calendar date, honoring the leap-day policy: an event on
// Feb 29 matches Feb 28 of a non-leap year under LeapDayFeb28.
func EventMatches(date types.LocalDate, eventMonth time.Month, eventDay int, policy LeapDayPolicy) bool {
	if date.Month == eventMonth && date.Day == eventDay {
		return true
	}
	if policy == LeapDaySkip {
		return false
	}
	return eventMonth == time.February && eventDay == 29 &&
		date.Month == time.February && date.Day == 28 && !date.IsLeapYear()
}
