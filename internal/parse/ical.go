package parse

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Event is one VEVENT block from a booking calendar feed.
type Event struct {
	UID         string
	Summary     string
	Description string
	// Start and End are calendar dates (midnight UTC). Zero when absent.
	Start time.Time
	End   time.Time
	// BookingRef is the reservation code from a "/details/<code>" link.
	BookingRef string
	PhoneLast4 string
}

// Valid reports whether the event carries the fields a reservation needs.
func (e Event) Valid() bool {
	return e.UID != "" && !e.Start.IsZero() && !e.End.IsZero()
}

var (
	uidRe     = regexp.MustCompile(`(?m)^UID:(.+)$`)
	summaryRe = regexp.MustCompile(`(?m)^SUMMARY:(.+)$`)
	startRe   = regexp.MustCompile(`(?m)^DTSTART;VALUE=DATE:(\d{8})\r?$`)
	endRe     = regexp.MustCompile(`(?m)^DTEND;VALUE=DATE:(\d{8})\r?$`)
	detailsRe = regexp.MustCompile(`/details/(\w+)`)
	phoneRe   = regexp.MustCompile(`Phone Number \(Last 4 Digits\):\s*(\d{4})`)
)

const dateLayout = "20060102"

// ParseCalendar extracts events from raw feed text. Every VEVENT block yields
// an Event; callers use Valid to drop malformed ones.
func ParseCalendar(text string) []Event {
	blocks := strings.Split(text, "BEGIN:VEVENT")
	events := make([]Event, 0, len(blocks))

	for _, raw := range blocks[1:] {
		block, _, _ := strings.Cut(raw, "END:VEVENT")
		var ev Event

		if m := uidRe.FindStringSubmatch(block); m != nil {
			ev.UID = strings.TrimSpace(m[1])
		}
		if m := summaryRe.FindStringSubmatch(block); m != nil {
			ev.Summary = strings.TrimSpace(m[1])
		}
		if m := startRe.FindStringSubmatch(block); m != nil {
			ev.Start, _ = time.Parse(dateLayout, m[1])
		}
		if m := endRe.FindStringSubmatch(block); m != nil {
			ev.End, _ = time.Parse(dateLayout, m[1])
		}

		ev.Description = description(block)
		if m := detailsRe.FindStringSubmatch(ev.Description); m != nil {
			ev.BookingRef = m[1]
		}
		if m := phoneRe.FindStringSubmatch(ev.Description); m != nil {
			ev.PhoneLast4 = m[1]
		}
		events = append(events, ev)
	}
	return events
}

// description unfolds a DESCRIPTION property: continuation lines start with a
// single space, and literal "\n" sequences become newlines.
func description(block string) string {
	var b strings.Builder
	inDesc := false
	for _, line := range strings.Split(block, "\n") {
		line = strings.ReplaceAll(line, "\r", "")
		switch {
		case strings.HasPrefix(line, "DESCRIPTION:"):
			inDesc = true
			b.WriteString(strings.TrimPrefix(line, "DESCRIPTION:"))
		case inDesc && strings.HasPrefix(line, " "):
			b.WriteString(line[1:])
		default:
			inDesc = false
		}
	}
	return strings.TrimSpace(strings.ReplaceAll(b.String(), `\n`, "\n"))
}

// ShortDate formats a date as month abbreviation plus two-digit day, e.g. "Feb14".
func ShortDate(d time.Time) string {
	return d.Format("Jan02")
}

// ClockTime parses an "HH:MM" time of day.
func ClockTime(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// At combines a calendar date with a time of day in loc.
func At(date time.Time, hour, minute int, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, loc)
}
