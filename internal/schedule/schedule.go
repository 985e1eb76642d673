// Package schedule parses agent schedule expressions.
//
// Three forms are accepted:
//
//	6h, 90m          plain durations, run every interval
//	@every 6h        the same, in cron descriptor form
//	@daily, 0 6 * * *  descriptors and standard 5-field cron expressions
//
// Every schedule also reports a nominal interval. Status uses it to decide
// when an agent is late.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// intervalSamples is how many consecutive fires are inspected to derive the
// nominal interval of a cron expression.
const intervalSamples = 64

// reference anchors interval sampling so results do not depend on wall time.
var reference = time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC)

// Schedule is a parsed schedule expression.
type Schedule struct {
	expr     string
	sched    cron.Schedule
	interval time.Duration
}

// Parse parses a schedule expression.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("schedule: expression is required")
	}

	if d, err := time.ParseDuration(expr); err == nil {
		if d < time.Second {
			return Schedule{}, fmt.Errorf("schedule: interval %s is shorter than one second", d)
		}
		return Schedule{expr: expr, sched: cron.Every(d), interval: d}, nil
	}

	s, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule: parse %q: %w", expr, err)
	}
	if every, ok := s.(cron.ConstantDelaySchedule); ok {
		return Schedule{expr: expr, sched: s, interval: every.Delay}, nil
	}
	return Schedule{expr: expr, sched: s, interval: longestGap(s)}, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Next returns the first fire strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t)
}

// Interval returns the nominal gap between fires. For irregular cron
// expressions this is the longest gap observed, so a weekday-only agent is
// not flagged late over a weekend.
func (s Schedule) Interval() time.Duration {
	return s.interval
}

// String returns the original expression.
func (s Schedule) String() string {
	return s.expr
}

func longestGap(s cron.Schedule) time.Duration {
	var longest time.Duration
	prev := s.Next(reference)
	for range intervalSamples {
		next := s.Next(prev)
		if next.IsZero() {
			break
		}
		if gap := next.Sub(prev); gap > longest {
			longest = gap
		}
		prev = next
	}
	return longest
}
