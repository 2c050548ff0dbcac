package scheduling

import (
	"testing"
	"time"
)

func weekdayDoctor() Doctor {
	return Doctor{
		ID:     "doc-1",
		Active: true,
		Hours: WeeklySchedule{
			"tuesday": {Open: "09:00", Close: "12:00", Breaks: []Break{{Start: "10:30", End: "11:00"}}},
		},
	}
}

// 2025-01-07 is a Tuesday.
var tuesday = time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return time.Date(2025, 1, 7, h, m, 0, 0, time.UTC)
}

func TestGenerateStepsAndSkipsBreak(t *testing.T) {
	res := Generate(weekdayDoctor(), tuesday, 30*time.Minute, nil)
	if res.Reason != ReasonNone {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
	want := []time.Time{at(9, 0), at(9, 30), at(10, 0), at(11, 0), at(11, 30)}
	if len(res.Slots) != len(want) {
		t.Fatalf("expected %d slots, got %d: %v", len(want), len(res.Slots), res.Slots)
	}
	for i, s := range res.Slots {
		if !s.Start.Equal(want[i]) || s.Duration() != 30*time.Minute {
			t.Fatalf("slot %d = %v, want start %v", i, s, want[i])
		}
	}
}

func TestGenerateStopsBeforeClose(t *testing.T) {
	doc := weekdayDoctor()
	doc.Hours["tuesday"] = DayHours{Open: "09:00", Close: "10:00"}
	res := Generate(doc, tuesday, 45*time.Minute, nil)
	if len(res.Slots) != 1 || !res.Slots[0].End.Equal(at(9, 45)) {
		t.Fatalf("expected single 09:00-09:45 slot, got %v", res.Slots)
	}
}

func TestGenerateExcludesBusyWindows(t *testing.T) {
	busy := []Slot{{Start: at(9, 15), End: at(9, 45)}}
	res := Generate(weekdayDoctor(), tuesday, 30*time.Minute, busy)
	for _, s := range res.Slots {
		for _, b := range busy {
			if s.Overlaps(b) {
				t.Fatalf("slot %v overlaps busy window %v", s, b)
			}
		}
	}
	if len(res.Slots) != 3 {
		t.Fatalf("expected 3 slots after removing 09:00 and 09:30, got %v", res.Slots)
	}
}

func TestGenerateAdjacentBusyDoesNotBlock(t *testing.T) {
	busy := []Slot{{Start: at(9, 0), End: at(9, 30)}}
	res := Generate(weekdayDoctor(), tuesday, 30*time.Minute, busy)
	if !res.Slots[0].Start.Equal(at(9, 30)) {
		t.Fatalf("expected 09:30 to stay open next to a half-open booking, got %v", res.Slots[0])
	}
}

func TestGenerateReasons(t *testing.T) {
	inactive := weekdayDoctor()
	inactive.Active = false

	broken := weekdayDoctor()
	broken.Hours["tuesday"] = DayHours{Open: "12:00", Close: "09:00"}

	cases := []struct {
		name   string
		doctor Doctor
		date   time.Time
		busy   []Slot
		want   Reason
	}{
		{"inactive doctor", inactive, tuesday, nil, ReasonDoctorUnavailable},
		{"no weekday entry", weekdayDoctor(), tuesday.AddDate(0, 0, 1), nil, ReasonNoSchedule},
		{"inverted hours", broken, tuesday, nil, ReasonInvalidSchedule},
		{"everything taken", weekdayDoctor(), tuesday, []Slot{{Start: at(8, 0), End: at(13, 0)}}, ReasonFullyBooked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Generate(tc.doctor, tc.date, 30*time.Minute, tc.busy)
			if res.Reason != tc.want {
				t.Fatalf("reason = %q, want %q", res.Reason, tc.want)
			}
			if res.Slots == nil || len(res.Slots) != 0 {
				t.Fatalf("expected empty non-nil slots, got %v", res.Slots)
			}
		})
	}
}

func TestGenerateUsesDoctorTimezone(t *testing.T) {
	doc := weekdayDoctor()
	doc.Timezone = "America/New_York"
	loc := doc.Location()
	res := Generate(doc, time.Date(2025, 1, 7, 12, 0, 0, 0, loc), 60*time.Minute, nil)
	if len(res.Slots) == 0 {
		t.Fatalf("expected slots, got reason %q", res.Reason)
	}
	if got := res.Slots[0].Start; got.Location() != loc || got.Hour() != 9 {
		t.Fatalf("expected 09:00 local, got %v", got)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	busy := []Slot{{Start: at(11, 0), End: at(11, 30)}}
	a := Generate(weekdayDoctor(), tuesday, 30*time.Minute, busy)
	b := Generate(weekdayDoctor(), tuesday, 30*time.Minute, busy)
	if len(a.Slots) != len(b.Slots) {
		t.Fatalf("expected identical output")
	}
	for i := range a.Slots {
		if a.Slots[i] != b.Slots[i] {
			t.Fatalf("slot %d differs: %v vs %v", i, a.Slots[i], b.Slots[i])
		}
	}
}

func TestClosest(t *testing.T) {
	slots := []Slot{
		{Start: at(9, 0), End: at(9, 30)},
		{Start: at(10, 0), End: at(10, 30)},
		{Start: at(14, 0), End: at(14, 30)},
	}
	got, ok := Closest(slots, at(10, 20), time.Hour)
	if !ok || !got.Start.Equal(at(10, 0)) {
		t.Fatalf("expected 10:00, got %v", got)
	}
	if _, ok := Closest(slots, at(17, 0), time.Hour); ok {
		t.Fatalf("expected no slot within an hour of 17:00")
	}
	if _, ok := Closest(nil, at(9, 0), time.Hour); ok {
		t.Fatalf("expected no slot for empty list")
	}
}

func TestEarliest(t *testing.T) {
	got, ok := Earliest([]Slot{
		{Start: at(14, 0), End: at(14, 30)},
		{Start: at(9, 0), End: at(9, 30)},
	})
	if !ok || !got.Start.Equal(at(9, 0)) {
		t.Fatalf("expected 09:00, got %v", got)
	}
	if _, ok := Earliest(nil); ok {
		t.Fatalf("expected no slot for empty list")
	}
}

func TestClockOnKeepsWallTimeAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	for _, date := range []time.Time{
		time.Date(2025, 3, 9, 12, 0, 0, 0, loc),
		time.Date(2025, 11, 2, 12, 0, 0, 0, loc),
	} {
		got := Clock(9*60).On(date, loc)
		if got.Hour() != 9 || got.Minute() != 0 {
			t.Fatalf("09:00 on %s resolved to %s", date.Format("2006-01-02"), got.Format(time.RFC3339))
		}
	}
}

func TestParseClock(t *testing.T) {
	valid := map[string]Clock{"09:00": 540, "00:00": 0, "24:00": 1440, "17:45": 1065}
	for in, want := range valid {
		got, err := ParseClock(in)
		if err != nil || got != want {
			t.Fatalf("ParseClock(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"9", "25:00", "10:60", "ab:cd", "24:30"} {
		if _, err := ParseClock(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
