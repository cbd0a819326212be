package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"commagent/internal/domain"
)

// ErrSkip reports a schedule config without frequency or time. Such
// templates are skipped without complaint.
var ErrSkip = errors.New("schedule: frequency or time not set")

const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// Rule is a compiled recurring schedule.
type Rule struct {
	// Spec is the cron expression including its CRON_TZ prefix.
	Spec     string
	Location *time.Location
	sched    cron.Schedule
}

// Next returns the first fire strictly after t, in the rule's timezone.
func (r Rule) Next(t time.Time) time.Time {
	if r.sched == nil {
		return time.Time{}
	}
	return r.sched.Next(t).In(r.Location)
}

// NextN returns the next n fires after t.
func (r Rule) NextN(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = r.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

var weekdays = map[string]int{
	"sun": 0, "sunday": 0,
	"mon": 1, "monday": 1,
	"tue": 2, "tues": 2, "tuesday": 2,
	"wed": 3, "wednesday": 3,
	"thu": 4, "thur": 4, "thurs": 4, "thursday": 4,
	"fri": 5, "friday": 5,
	"sat": 6, "saturday": 6,
}

// Compile turns a schedule config into a Rule. The timezone is the first
// non-empty of cfg.Timezone and fallbacks, then UTC.
func Compile(cfg domain.ScheduleConfig, fallbackTZ ...string) (Rule, error) {
	freq := strings.ToLower(strings.TrimSpace(cfg.Frequency))
	at := strings.TrimSpace(cfg.Time)
	if freq == "" || at == "" {
		return Rule{}, ErrSkip
	}
	hour, minute, err := parseHHMM(at)
	if err != nil {
		return Rule{}, err
	}

	tz := strings.TrimSpace(cfg.Timezone)
	for _, f := range fallbackTZ {
		if tz != "" {
			break
		}
		tz = strings.TrimSpace(f)
	}
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Rule{}, fmt.Errorf("timezone %q: %w", tz, err)
	}

	var expr string
	switch freq {
	case FrequencyDaily:
		expr = fmt.Sprintf("%d %d * * *", minute, hour)
	case FrequencyWeekly:
		days, err := weekdayList(cfg.Days)
		if err != nil {
			return Rule{}, err
		}
		expr = fmt.Sprintf("%d %d * * %s", minute, hour, days)
	case FrequencyMonthly:
		day, err := monthDay(cfg.Days)
		if err != nil {
			return Rule{}, err
		}
		expr = fmt.Sprintf("%d %d %d * *", minute, hour, day)
	default:
		return Rule{}, fmt.Errorf("unknown frequency %q", cfg.Frequency)
	}

	spec := "CRON_TZ=" + loc.String() + " " + expr
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return Rule{}, fmt.Errorf("compile %q: %w", spec, err)
	}
	return Rule{Spec: spec, Location: loc, sched: sched}, nil
}

func weekdayList(days []string) (string, error) {
	if len(days) == 0 {
		return "", errors.New("weekly schedule needs at least one day")
	}
	seen := map[int]bool{}
	var parts []string
	for _, d := range days {
		d = strings.ToLower(strings.TrimSpace(d))
		n, ok := weekdays[d]
		if !ok {
			v, err := strconv.Atoi(d)
			if err != nil || v < 0 || v > 7 {
				return "", fmt.Errorf("invalid weekday %q", d)
			}
			n = v % 7
		}
		if !seen[n] {
			seen[n] = true
			parts = append(parts, strconv.Itoa(n))
		}
	}
	return strings.Join(parts, ","), nil
}

// monthDay uses only the first listed day.
func monthDay(days []string) (int, error) {
	if len(days) == 0 {
		return 1, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(days[0]))
	if err != nil || v < 1 || v > 31 {
		return 0, fmt.Errorf("invalid day of month %q", days[0])
	}
	return v, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
