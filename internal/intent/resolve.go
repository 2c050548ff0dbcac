package intent

import (
	"strconv"
	"strings"
	"time"
)

// ResolveDate turns a preferredDate parameter into a calendar date in loc.
// dd/mm/yyyy is day-first.
func ResolveDate(value string, now time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	today := now.In(loc)
	midnight := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)

	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "":
		return time.Time{}, false
	case "today":
		return midnight, true
	case "tomorrow":
		return midnight.AddDate(0, 0, 1), true
	case "next week":
		return midnight.AddDate(0, 0, 7), true
	}
	if t, err := time.ParseInLocation("2006-01-02", value, loc); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2/1/2006", value, loc); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// ResolveClock parses "10am", "3:30pm" or "14:00" into hour and minute.
func ResolveClock(value string) (hour, minute int, ok bool) {
	value = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(value), " ", ""))
	if value == "" {
		return 0, 0, false
	}
	meridiem := ""
	if strings.HasSuffix(value, "am") || strings.HasSuffix(value, "pm") {
		meridiem = value[len(value)-2:]
		value = value[:len(value)-2]
	}
	hourPart, minutePart, hasMinutes := strings.Cut(value, ":")
	h, err := strconv.Atoi(hourPart)
	if err != nil {
		return 0, 0, false
	}
	m := 0
	if hasMinutes {
		if m, err = strconv.Atoi(minutePart); err != nil || m < 0 || m > 59 {
			return 0, 0, false
		}
	}
	switch meridiem {
	case "am":
		if h < 1 || h > 12 {
			return 0, 0, false
		}
		if h == 12 {
			h = 0
		}
	case "pm":
		if h < 1 || h > 12 {
			return 0, 0, false
		}
		if h != 12 {
			h += 12
		}
	default:
		if h < 0 || h > 23 || !hasMinutes {
			return 0, 0, false
		}
	}
	return h, m, true
}

// ResolveDateTime combines the date and time parameters. A missing time
// yields ok=false for the time part only.
func ResolveDateTime(r Result, now time.Time, loc *time.Location) (date time.Time, at time.Time, hasDate, hasTime bool) {
	date, hasDate = ResolveDate(r.Param(ParamDate), now, loc)
	h, m, hasTime := ResolveClock(r.Param(ParamTime))
	if !hasTime {
		return date, time.Time{}, hasDate, false
	}
	base := date
	if !hasDate {
		base, _ = ResolveDate("today", now, loc)
	}
	return date, time.Date(base.Year(), base.Month(), base.Day(), h, m, 0, 0, base.Location()), hasDate, true
}
