package poller

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultInterval is the pause between cycles when nothing is configured.
const DefaultInterval = 30 * time.Second

// Schedule yields the start of the next cycle.
type Schedule interface {
	Next(after time.Time) time.Time
	String() string
}

// Every returns a fixed-interval schedule.
func Every(d time.Duration) Schedule {
	if d <= 0 {
		d = DefaultInterval
	}
	return every(d)
}

type every time.Duration

func (e every) Next(after time.Time) time.Time { return after.Add(time.Duration(e)) }
func (e every) String() string                 { return "every " + time.Duration(e).String() }

type cronSchedule struct {
	expr  string
	sched cron.Schedule
}

func (c cronSchedule) Next(after time.Time) time.Time { return c.sched.Next(after) }
func (c cronSchedule) String() string                 { return "cron " + c.expr }

var (
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
)

// ParseSchedule accepts:
//   - a Go duration: "30s", "2m"
//   - HH:MM as an interval: "00:05" (five minutes)
//   - a cron expression, optionally with seconds: "*/30 * * * * *", "@every 45s"
//
// "cron:" and "every:" prefixes force the interpretation.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}
	return parseInterval(s)
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return cronSchedule{expr: expr, sched: sched}, nil
}

func parseInterval(v string) (Schedule, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return every(d), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q (use a duration like '30s', HH:MM, or a cron expression)", v)
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return every(d), nil
}
