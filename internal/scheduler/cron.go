package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for cron parsing.
var (
	// ErrCronFieldCount is returned when an expression has other than five
	// fields.
	ErrCronFieldCount = errors.New("cron expression requires five fields")

	// ErrCronField is returned for an unparseable or out-of-range field.
	ErrCronField = errors.New("invalid cron field")
)

// cronAliases maps the @-shorthand expressions onto their five-field forms.
var cronAliases = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// cronSearchHorizon bounds the Next scan; expressions that never fire inside
// it (e.g. minute 0 of Feb 30) resolve to the zero time.
const cronSearchHorizon = 4 * 365 * 24 * time.Hour

// Cron is a parsed five-field cron expression: minute, hour, day of month,
// month, day of week (0 = Sunday). Each field is a bitmask of matching
// values.
type Cron struct {
	minutes uint64
	hours   uint32
	days    uint32
	months  uint16
	// weekdays keeps its wildcard flag: when both day fields are
	// restricted, standard cron fires on either match, so Next must know
	// which were wildcards.
	weekdays    uint8
	daysAny     bool
	weekdaysAny bool
}

// ParseCron parses a five-field cron expression or one of the @-aliases.
func ParseCron(expr string) (*Cron, error) {
	if alias, ok := cronAliases[strings.ToLower(strings.TrimSpace(expr))]; ok {
		expr = alias
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: got %d in %q", ErrCronFieldCount, len(fields), expr)
	}

	c := &Cron{}

	minutes, _, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute: %w", err)
	}

	hours, _, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour: %w", err)
	}

	days, daysAny, err := parseCronField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day of month: %w", err)
	}

	months, _, err := parseCronField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month: %w", err)
	}

	weekdays, weekdaysAny, err := parseCronField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day of week: %w", err)
	}

	c.minutes = minutes
	c.hours = uint32(hours)
	c.days = uint32(days)
	c.months = uint16(months)
	c.weekdays = uint8(weekdays)
	c.daysAny = daysAny
	c.weekdaysAny = weekdaysAny

	return c, nil
}

// parseCronField parses one comma-separated field into a bitmask, also
// reporting whether it was the bare wildcard.
func parseCronField(field string, min, max int) (uint64, bool, error) {
	var mask uint64

	for _, part := range strings.Split(field, ",") {
		step := 1

		if idx := strings.Index(part, "/"); idx >= 0 {
			parsed, err := strconv.Atoi(part[idx+1:])
			if err != nil || parsed <= 0 {
				return 0, false, fmt.Errorf("%w: step %q", ErrCronField, part)
			}

			step = parsed
			part = part[:idx]
		}

		start, end := min, max

		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)

			var err error
			if start, err = strconv.Atoi(bounds[0]); err != nil {
				return 0, false, fmt.Errorf("%w: range %q", ErrCronField, part)
			}

			if end, err = strconv.Atoi(bounds[1]); err != nil {
				return 0, false, fmt.Errorf("%w: range %q", ErrCronField, part)
			}
		default:
			value, err := strconv.Atoi(part)
			if err != nil {
				return 0, false, fmt.Errorf("%w: %q", ErrCronField, part)
			}

			start, end = value, value
		}

		if start < min || end > max || start > end {
			return 0, false, fmt.Errorf("%w: %q outside [%d,%d]", ErrCronField, part, min, max)
		}

		for v := start; v <= end; v += step {
			mask |= 1 << uint(v)
		}
	}

	return mask, field == "*", nil
}

// matchesDay applies the standard cron day rule: when both day-of-month and
// day-of-week are restricted, either match fires; a wildcard field defers to
// the other.
func (c *Cron) matchesDay(t time.Time) bool {
	domMatch := c.days&(1<<uint(t.Day())) != 0
	dowMatch := c.weekdays&(1<<uint(t.Weekday())) != 0

	switch {
	case c.daysAny:
		return dowMatch
	case c.weekdaysAny:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

// Next returns the first time strictly after from that matches the
// expression, at minute granularity. The zero time means no match within the
// search horizon.
func (c *Cron) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	horizon := from.Add(cronSearchHorizon)

	for t.Before(horizon) {
		if c.months&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())

			continue
		}

		if !c.matchesDay(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())

			continue
		}

		if c.hours&(1<<uint(t.Hour())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())

			continue
		}

		if c.minutes&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)

			continue
		}

		return t
	}

	return time.Time{}
}
