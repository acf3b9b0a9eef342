package availability

import (
	"time"

	"github.com/jleitner/studiobook/services/booking-service/internal/model"
)

// Business-day constants. All clock values are interpreted in the
// business time zone (the location of the date passed in).
const (
	OpeningHour = 9
	ClosingHour = 19
	SlotStep    = 15 * time.Minute
)

// Interval is a half-open time span [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Slot is an offerable start time together with every duration (minutes)
// that can be booked at it. Slots with no allowed duration are not emitted.
type Slot struct {
	Time      time.Time
	Durations []int
}

// Occupied returns the interval a booking of the given start and duration
// blocks: the prep buffer plus the appointment itself.
func Occupied(start time.Time, durationMinutes int) Interval {
	return Interval{
		Start: start.Add(-model.PrepBuffer),
		End:   start.Add(time.Duration(durationMinutes) * time.Minute),
	}
}

// BlockedIntervals maps existing appointments to their occupied intervals.
func BlockedIntervals(existing []model.Appointment) []Interval {
	out := make([]Interval, 0, len(existing))
	for _, a := range existing {
		s, e := a.Occupied()
		out = append(out, Interval{Start: s, End: e})
	}
	return out
}

// ComputeDay returns every bookable (time, durations) pair for the given
// date. date must be midnight in the business location; now is the
// reference for the lead-time gate. Weekend dates and dates earlier than
// one calendar day ahead yield no slots at all.
func ComputeDay(existing []model.Appointment, date time.Time, now time.Time) []Slot {
	if !DateBookable(date, now) {
		return nil
	}

	blocked := BlockedIntervals(existing)
	open, close := DayWindow(date)

	minDur := time.Duration(model.AppointmentDurations[0]) * time.Minute

	var slots []Slot
	for t := open; !t.Add(minDur).After(close); t = t.Add(SlotStep) {
		var durations []int
		for _, d := range model.AppointmentDurations {
			if candidateAllowed(t, d, close, blocked) {
				durations = append(durations, d)
			}
		}
		if len(durations) > 0 {
			slots = append(slots, Slot{Time: t, Durations: durations})
		}
	}
	return slots
}

// CandidateAllowed reports whether a single (start, duration) booking is
// free of conflicts and within the business day. It applies the same
// rules as ComputeDay and is used to re-validate creations server-side.
func CandidateAllowed(existing []model.Appointment, start time.Time, durationMinutes int, now time.Time) bool {
	loc := start.Location()
	date := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	if !DateBookable(date, now) {
		return false
	}
	open, close := DayWindow(date)
	if start.Before(open) {
		return false
	}
	if start.Sub(open)%SlotStep != 0 {
		return false
	}
	return candidateAllowed(start, durationMinutes, close, BlockedIntervals(existing))
}

// DateBookable applies the weekend and lead-time gates. The earliest
// bookable date is the calendar day after now, in date's location.
func DateBookable(date time.Time, now time.Time) bool {
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	nowLocal := now.In(date.Location())
	today := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), 0, 0, 0, 0, date.Location())
	return date.After(today)
}

// DayWindow returns the opening and closing bounds for a date.
func DayWindow(date time.Time) (open, close time.Time) {
	loc := date.Location()
	open = time.Date(date.Year(), date.Month(), date.Day(), OpeningHour, 0, 0, 0, loc)
	close = time.Date(date.Year(), date.Month(), date.Day(), ClosingHour, 0, 0, 0, loc)
	return open, close
}

func candidateAllowed(start time.Time, durationMinutes int, close time.Time, blocked []Interval) bool {
	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	if end.After(close) {
		return false
	}
	candidate := Occupied(start, durationMinutes)
	return !overlapsAny(candidate, blocked)
}

func overlapsAny(candidate Interval, blocked []Interval) bool {
	for _, b := range blocked {
		// Half-open intervals: [a,b) overlaps [c,d) iff a < d && c < b.
		if candidate.Start.Before(b.End) && b.Start.Before(candidate.End) {
			return true
		}
	}
	return false
}
