package maintenance

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Cadence yields the next fire time strictly after t.
type Cadence interface {
	Next(t time.Time) time.Time
	String() string
}

// Every fires on a fixed interval. The interval is anchored to the previous
// fire time, not the wall clock, so reschedules do not drift.
func Every(d time.Duration) Cadence {
	if d <= 0 {
		d = time.Minute
	}
	return intervalCadence{d}
}

type intervalCadence struct{ d time.Duration }

func (c intervalCadence) Next(t time.Time) time.Time { return t.Add(c.d) }
func (c intervalCadence) String() string             { return "every:" + c.d.String() }

// DailyAt fires once a day at HH:MM in loc.
func DailyAt(clock string, loc *time.Location) (Cadence, error) {
	h, m, err := parseClock(clock)
	if err != nil {
		return nil, err
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", m, h))
	if err != nil {
		return nil, fmt.Errorf("daily cadence %q: %w", clock, err)
	}
	return &cronCadence{sched: sched, loc: loc, repr: "daily:" + clock}, nil
}

// WeeklyAt fires once a week on the given weekday at HH:MM in loc.
func WeeklyAt(day time.Weekday, clock string, loc *time.Location) (Cadence, error) {
	h, m, err := parseClock(clock)
	if err != nil {
		return nil, err
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * %d", m, h, int(day)))
	if err != nil {
		return nil, fmt.Errorf("weekly cadence %q: %w", clock, err)
	}
	repr := fmt.Sprintf("weekly:%s:%s", strings.ToLower(day.String()[:3]), clock)
	return &cronCadence{sched: sched, loc: loc, repr: repr}, nil
}

type cronCadence struct {
	sched cron.Schedule
	loc   *time.Location
	repr  string
}

func (c *cronCadence) Next(t time.Time) time.Time {
	if c.loc != nil {
		t = t.In(c.loc)
	}
	return c.sched.Next(t)
}

func (c *cronCadence) String() string { return c.repr }

// ParseCadence parses the config cadence formats:
//
//	every:<duration>        e.g. every:1h
//	daily:HH:MM             e.g. daily:03:00
//	weekly:<weekday>:HH:MM  e.g. weekly:sun:04:00
func ParseCadence(s string, loc *time.Location) (Cadence, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, fmt.Errorf("invalid cadence %q", s)
	}
	switch strings.ToLower(kind) {
	case "every":
		d, err := time.ParseDuration(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid cadence %q: %w", s, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid cadence %q: interval must be positive", s)
		}
		return Every(d), nil
	case "daily":
		return DailyAt(rest, loc)
	case "weekly":
		dayStr, clock, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("invalid cadence %q", s)
		}
		day, err := parseWeekday(dayStr)
		if err != nil {
			return nil, fmt.Errorf("invalid cadence %q: %w", s, err)
		}
		return WeeklyAt(day, clock, loc)
	default:
		return nil, fmt.Errorf("invalid cadence %q: unknown kind %q", s, kind)
	}
}

func parseClock(s string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	if d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
