package scheduling

import (
	"sort"
	"time"
)

// Reason explains an empty slot list.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNoSchedule        Reason = "no_schedule"
	ReasonDoctorUnavailable Reason = "doctor_unavailable"
	ReasonInvalidSchedule   Reason = "invalid_schedule"
	ReasonFullyBooked       Reason = "fully_booked"
)

// Slot is a candidate [Start, End) window. Slots are derived, never stored.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps is the half-open interval test shared by slot generation and the
// conflict guard.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// Overlaps reports whether two slots intersect.
func (s Slot) Overlaps(o Slot) bool {
	return Overlaps(s.Start, s.End, o.Start, o.End)
}

// Duration is End - Start.
func (s Slot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Result is the output of Generate.
type Result struct {
	Slots  []Slot `json:"slots"`
	Reason Reason `json:"reason,omitempty"`
}

// Generate lists the open slots of doctor on date. Candidates start at the
// weekday's opening time and step by duration while start+duration <= close;
// a candidate is dropped when it intersects a break or any busy window.
// busy must contain only windows that block booking (BOOKED or CONFIRMED).
func Generate(doctor Doctor, date time.Time, duration time.Duration, busy []Slot) Result {
	if !doctor.Active {
		return Result{Slots: []Slot{}, Reason: ReasonDoctorUnavailable}
	}
	if duration <= 0 {
		duration = DefaultSlotDuration
	}
	loc := doctor.Location()
	hours, ok := doctor.Hours.For(date.In(loc).Weekday())
	if !ok {
		return Result{Slots: []Slot{}, Reason: ReasonNoSchedule}
	}
	open, closing, err := hours.window()
	if err != nil {
		return Result{Slots: []Slot{}, Reason: ReasonInvalidSchedule}
	}

	dayOpen := open.On(date, loc)
	dayClose := closing.On(date, loc)

	breaks := make([]Slot, 0, len(hours.Breaks))
	for _, b := range hours.Breaks {
		bs, err1 := ParseClock(b.Start)
		be, err2 := ParseClock(b.End)
		if err1 != nil || err2 != nil || be <= bs {
			return Result{Slots: []Slot{}, Reason: ReasonInvalidSchedule}
		}
		breaks = append(breaks, Slot{Start: bs.On(date, loc), End: be.On(date, loc)})
	}

	slots := make([]Slot, 0, int(dayClose.Sub(dayOpen)/duration))
	for start := dayOpen; !start.Add(duration).After(dayClose); start = start.Add(duration) {
		candidate := Slot{Start: start, End: start.Add(duration)}
		if intersectsAny(candidate, breaks) || intersectsAny(candidate, busy) {
			continue
		}
		slots = append(slots, candidate)
	}

	if len(slots) == 0 {
		return Result{Slots: slots, Reason: ReasonFullyBooked}
	}
	return Result{Slots: slots}
}

func intersectsAny(candidate Slot, windows []Slot) bool {
	for _, w := range windows {
		if candidate.Overlaps(w) {
			return true
		}
	}
	return false
}

// Closest picks the slot starting nearest to target. ok is false when no slot
// starts within tolerance of target.
func Closest(slots []Slot, target time.Time, tolerance time.Duration) (Slot, bool) {
	best := -1
	var bestDelta time.Duration
	for i, s := range slots {
		delta := s.Start.Sub(target)
		if delta < 0 {
			delta = -delta
		}
		if delta > tolerance {
			continue
		}
		if best == -1 || delta < bestDelta {
			best, bestDelta = i, delta
		}
	}
	if best == -1 {
		return Slot{}, false
	}
	return slots[best], true
}

// Earliest returns the slot with the earliest start.
func Earliest(slots []Slot) (Slot, bool) {
	if len(slots) == 0 {
		return Slot{}, false
	}
	return first(slots), true
}

func first(slots []Slot) Slot {
	sorted := append([]Slot(nil), slots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
	return sorted[0]
}
