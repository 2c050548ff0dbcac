package scheduling

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSlotDuration is used when a caller does not request a duration.
const DefaultSlotDuration = 30 * time.Minute

var ErrInvalidClock = errors.New("scheduling: invalid clock value")

// Clock is a wall-clock time of day expressed in minutes after midnight.
type Clock int

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return Clock(h*60 + m), nil
}

// On anchors the clock to the calendar day of date in loc as wall-clock
// time, so DST shifts do not move opening hours.
func (c Clock) On(date time.Time, loc *time.Location) time.Time {
	y, mo, d := date.In(loc).Date()
	return time.Date(y, mo, d, int(c)/60, int(c)%60, 0, 0, loc)
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Break is a recurring daily pause inside operating hours.
type Break struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// DayHours are the operating hours for one weekday.
type DayHours struct {
	Open   string  `json:"open" yaml:"open"`
	Close  string  `json:"close" yaml:"close"`
	Breaks []Break `json:"breaks,omitempty" yaml:"breaks,omitempty"`
}

// WeeklySchedule is keyed by lower-case English weekday name ("monday").
type WeeklySchedule map[string]DayHours

// For returns the hours for a weekday, if any.
func (w WeeklySchedule) For(day time.Weekday) (DayHours, bool) {
	if w == nil {
		return DayHours{}, false
	}
	h, ok := w[strings.ToLower(day.String())]
	return h, ok
}

// Validate checks every entry parses and closes after it opens.
func (w WeeklySchedule) Validate() error {
	for day, hours := range w {
		if _, ok := weekdays[day]; !ok {
			return fmt.Errorf("scheduling: unknown weekday %q", day)
		}
		if _, _, err := hours.window(); err != nil {
			return fmt.Errorf("scheduling: %s: %w", day, err)
		}
		for _, b := range hours.Breaks {
			bs, err := ParseClock(b.Start)
			if err != nil {
				return fmt.Errorf("scheduling: %s break: %w", day, err)
			}
			be, err := ParseClock(b.End)
			if err != nil {
				return fmt.Errorf("scheduling: %s break: %w", day, err)
			}
			if be <= bs {
				return fmt.Errorf("scheduling: %s break %s-%s ends before it starts", day, b.Start, b.End)
			}
		}
	}
	return nil
}

func (h DayHours) window() (Clock, Clock, error) {
	open, err := ParseClock(h.Open)
	if err != nil {
		return 0, 0, err
	}
	closing, err := ParseClock(h.Close)
	if err != nil {
		return 0, 0, err
	}
	if closing <= open {
		return 0, 0, fmt.Errorf("close %s is not after open %s", h.Close, h.Open)
	}
	return open, closing, nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Doctor is a bookable clinician with a recurring weekly schedule.
type Doctor struct {
	ID             string         `json:"id" yaml:"id"`
	OrganizationID string         `json:"organizationId" yaml:"organization_id"`
	Name           string         `json:"name" yaml:"name"`
	Specialty      string         `json:"specialty,omitempty" yaml:"specialty,omitempty"`
	Active         bool           `json:"active" yaml:"active"`
	Timezone       string         `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Hours          WeeklySchedule `json:"hours" yaml:"hours"`
	CreatedAt      time.Time      `json:"createdAt" yaml:"-"`
}

// Location returns the doctor's time zone, UTC when unset or unknown.
func (d Doctor) Location() *time.Location {
	if d.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
