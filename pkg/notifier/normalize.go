package notifier

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MalformedRecordError reports a single listing row that could not be turned into an Event.
// The row is dropped; the rest of the snapshot is unaffected.
type MalformedRecordError struct {
	Token  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Token == "" {
		return "malformed record: " + e.Reason
	}
	return fmt.Sprintf("malformed record %q: %s", e.Token, e.Reason)
}

// IsMalformedRecord checks if an error is a MalformedRecordError.
func IsMalformedRecord(err error) bool {
	var malformed *MalformedRecordError
	return errors.As(err, &malformed)
}

// Danish month abbreviations as printed by halbooking.
var months = map[string]time.Month{
	"jan": time.January,
	"feb": time.February,
	"mar": time.March,
	"apr": time.April,
	"maj": time.May,
	"jun": time.June,
	"jul": time.July,
	"aug": time.August,
	"sep": time.September,
	"okt": time.October,
	"nov": time.November,
	"dec": time.December,
}

const locationPrefix = "sted:"

// Normalize converts a raw listing row into a canonical Event.
// The identity comes only from the row token, never from display fields.
func Normalize(raw RawEvent, loc *time.Location) (Event, error) {
	if loc == nil {
		loc = time.UTC
	}

	id := strings.TrimSpace(raw.Token)
	if id == "" {
		return Event{}, &MalformedRecordError{Reason: "no id attribute on row"}
	}
	malformed := func(format string, args ...any) error {
		return &MalformedRecordError{Token: id, Reason: fmt.Sprintf(format, args...)}
	}

	var title, date, clock string
	switch len(raw.MainInfo) {
	case 3:
		title, date, clock = raw.MainInfo[0], raw.MainInfo[1], raw.MainInfo[2]
	case 5:
		title, date, clock = raw.MainInfo[0], raw.MainInfo[3], raw.MainInfo[4]
	default:
		return Event{}, malformed("expected main info to have 3 or 5 lines, found %d %q", len(raw.MainInfo), raw.MainInfo)
	}

	year, month, day, err := parseDate(date)
	if err != nil {
		return Event{}, malformed("%v", err)
	}
	hour, minute, err := parseClock(clock)
	if err != nil {
		return Event{}, malformed("%v", err)
	}

	capacity := CapacityUnknown
	if c := strings.TrimSpace(raw.Capacity); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			return Event{}, malformed("invalid capacity %q", c)
		}
		capacity = n
	}

	var location string
	var details []string
	for _, line := range raw.ClassInfo {
		if location == "" && strings.HasPrefix(strings.ToLower(line), locationPrefix) {
			location = strings.TrimSpace(line[len(locationPrefix):])
			continue
		}
		details = append(details, line)
	}

	return Event{
		ID:       id,
		Title:    strings.TrimSpace(title),
		Start:    time.Date(year, month, day, hour, minute, 0, 0, loc),
		Location: location,
		Details:  details,
		Capacity: capacity,
	}, nil
}

// NormalizeAll normalizes every raw row, returning the valid events and one error per dropped row.
// When the same id appears more than once, the last row wins.
func NormalizeAll(raws []RawEvent, loc *time.Location) ([]Event, []error) {
	events := make([]Event, 0, len(raws))
	index := make(map[string]int, len(raws))
	var errs []error

	for _, raw := range raws {
		e, err := Normalize(raw, loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i, ok := index[e.ID]; ok {
			events[i] = e
			continue
		}
		index[e.ID] = len(events)
		events = append(events, e)
	}

	return events, errs
}

// parseDate parses "<weekday> <day>. <month> <year>", e.g. "Lør 10. jul 2021".
func parseDate(s string) (int, time.Month, int, error) {
	fields := strings.Fields(s)
	if len(fields) != 4 {
		return 0, 0, 0, fmt.Errorf("expected date as \"<weekday> <day>. <month> <year>\", got %q", s)
	}

	day, err := strconv.Atoi(strings.TrimSuffix(fields[1], "."))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parse day from %q: %w", fields[1], err)
	}

	month, ok := months[strings.TrimSuffix(strings.ToLower(fields[2]), ".")]
	if !ok {
		return 0, 0, 0, fmt.Errorf("no month matching %q", fields[2])
	}

	year, err := strconv.Atoi(fields[3])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parse year from %q: %w", fields[3], err)
	}

	// time.Date silently normalizes 31 feb into march.
	if day < 1 || day > daysIn(month, year) {
		return 0, 0, 0, fmt.Errorf("day %d out of range for %s %d", day, month, year)
	}
	return year, month, day, nil
}

// parseClock parses the leading "HH:MM" of a time line such as "10:00 - 11:00".
func parseClock(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if len(s) < 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("expected time as \"HH:MM\", got %q", s)
	}

	hour, err := strconv.Atoi(s[:2])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(s[3:5])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

func daysIn(month time.Month, year int) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
