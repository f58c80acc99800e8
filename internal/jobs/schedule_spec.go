package jobs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleSpec is a parsed recurrence rule. Supported forms:
//
//	@every <duration>      e.g. "@every 5m"
//	@hourly                top of every hour
//	@daily HH:MM           every day at HH:MM UTC
//	@monthly D HH:MM       day D of every month at HH:MM UTC
//
// Months shorter than D clamp to their last day.
type ScheduleSpec struct {
	raw string

	every    time.Duration
	hourly   bool
	daily    bool
	monthly  bool
	monthDay int
	hour     int
	minute   int
}

// ParseScheduleSpec parses a recurrence rule.
func ParseScheduleSpec(raw string) (*ScheduleSpec, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty schedule spec")
	}

	s := &ScheduleSpec{raw: raw}
	switch fields[0] {
	case "@every":
		if len(fields) != 2 {
			return nil, fmt.Errorf("schedule %q: @every needs a duration", raw)
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("schedule %q: bad duration %q", raw, fields[1])
		}
		s.every = d
	case "@hourly":
		if len(fields) != 1 {
			return nil, fmt.Errorf("schedule %q: @hourly takes no arguments", raw)
		}
		s.hourly = true
	case "@daily":
		if len(fields) != 2 {
			return nil, fmt.Errorf("schedule %q: @daily needs HH:MM", raw)
		}
		h, m, err := parseClock(fields[1])
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", raw, err)
		}
		s.daily, s.hour, s.minute = true, h, m
	case "@monthly":
		if len(fields) != 3 {
			return nil, fmt.Errorf("schedule %q: @monthly needs day and HH:MM", raw)
		}
		day, err := strconv.Atoi(fields[1])
		if err != nil || day < 1 || day > 31 {
			return nil, fmt.Errorf("schedule %q: bad day %q", raw, fields[1])
		}
		h, m, err := parseClock(fields[2])
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", raw, err)
		}
		s.monthly, s.monthDay, s.hour, s.minute = true, day, h, m
	default:
		return nil, fmt.Errorf("schedule %q: unknown directive %s", raw, fields[0])
	}
	return s, nil
}

// String returns the original spec text.
func (s *ScheduleSpec) String() string { return s.raw }

// Next returns the first fire time strictly after from.
func (s *ScheduleSpec) Next(from time.Time) time.Time {
	from = from.UTC()
	switch {
	case s.every > 0:
		return from.Add(s.every)
	case s.hourly:
		return from.Truncate(time.Hour).Add(time.Hour)
	case s.daily:
		next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, time.UTC)
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case s.monthly:
		next := monthlyAt(from.Year(), from.Month(), s.monthDay, s.hour, s.minute)
		if !next.After(from) {
			y, m := from.Year(), from.Month()+1
			next = monthlyAt(y, m, s.monthDay, s.hour, s.minute)
		}
		return next
	}
	return from
}

// monthlyAt builds day/hour/minute in year/month, clamping day to the
// month's length so that "@monthly 31 ..." fires on Feb 28.
func monthlyAt(year int, month time.Month, day, hour, minute int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, time.UTC)
}

func parseClock(v string) (int, int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad time of day %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour %q", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute %q", parts[1])
	}
	return h, m, nil
}
