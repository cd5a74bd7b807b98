package privacyidea

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// timeSpan is one parsed entry of the weekly schedule grammar
// "Day-Day: HH:MM-HH:MM", e.g. "Mon-Fri: 08:00-17:30".
type timeSpan struct {
	days     [7]bool // indexed by time.Weekday
	startMin int
	endMin   int
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// parseTimeSpec parses a comma-separated weekly schedule. An empty spec
// yields nil, which scheduleMatches treats as always-on.
func parseTimeSpec(spec string) ([]timeSpan, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var out []timeSpan
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		span, err := parseTimeSpan(part)
		if err != nil {
			return nil, err
		}
		out = append(out, span)
	}
	return out, nil
}

func parseTimeSpan(part string) (timeSpan, error) {
	var span timeSpan

	dayPart, hourPart, found := strings.Cut(part, ":")
	if !found {
		return span, fmt.Errorf("%w: time entry %q lacks an hour range", ErrPolicyInvalid, part)
	}

	if err := parseDays(&span, strings.TrimSpace(dayPart)); err != nil {
		return span, err
	}

	startRaw, endRaw, found := strings.Cut(strings.TrimSpace(hourPart), "-")
	if !found {
		return span, fmt.Errorf("%w: time entry %q lacks an end time", ErrPolicyInvalid, part)
	}
	start, err := parseClock(strings.TrimSpace(startRaw))
	if err != nil {
		return span, err
	}
	end, err := parseClock(strings.TrimSpace(endRaw))
	if err != nil {
		return span, err
	}
	if end < start {
		return span, fmt.Errorf("%w: time entry %q ends before it starts", ErrPolicyInvalid, part)
	}
	span.startMin = start
	span.endMin = end
	return span, nil
}

func parseDays(span *timeSpan, dayPart string) error {
	first, last, isRange := strings.Cut(dayPart, "-")
	from, ok := weekdayNames[strings.ToLower(strings.TrimSpace(first))]
	if !ok {
		return fmt.Errorf("%w: unknown weekday %q", ErrPolicyInvalid, first)
	}
	if !isRange {
		span.days[from] = true
		return nil
	}
	to, ok := weekdayNames[strings.ToLower(strings.TrimSpace(last))]
	if !ok {
		return fmt.Errorf("%w: unknown weekday %q", ErrPolicyInvalid, last)
	}
	// Day ranges may wrap across the week boundary (Fri-Mon).
	for d := from; ; d = (d + 1) % 7 {
		span.days[d] = true
		if d == to {
			break
		}
	}
	return nil
}

func parseClock(raw string) (int, error) {
	hhRaw, mmRaw, found := strings.Cut(raw, ":")
	if !found {
		return 0, fmt.Errorf("%w: bad clock value %q", ErrPolicyInvalid, raw)
	}
	hh, err := strconv.Atoi(hhRaw)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("%w: bad hour in %q", ErrPolicyInvalid, raw)
	}
	mm, err := strconv.Atoi(mmRaw)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("%w: bad minute in %q", ErrPolicyInvalid, raw)
	}
	return hh*60 + mm, nil
}

// scheduleMatches reports whether t falls inside any span. A policy
// with no time filter always passes the time check.
func scheduleMatches(spans []timeSpan, t time.Time) bool {
	if len(spans) == 0 {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	for _, span := range spans {
		if span.days[t.Weekday()] && minute >= span.startMin && minute <= span.endMin {
			return true
		}
	}
	return false
}
