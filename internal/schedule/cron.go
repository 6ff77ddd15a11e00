// Package schedule computes run times for scheduled jobs. Cron evaluation is
// timezone-aware: the same expression evaluated in two IANA zones yields
// different absolute instants, and wall-clock semantics hold across DST
// transitions.
package schedule

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// InvalidScheduleError reports a malformed cron expression, timezone, or
// one-shot timestamp supplied to a job or tool.
type InvalidScheduleError struct {
	Field  string
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %s: %s", e.Field, e.Reason)
}

// NextRun returns the next instant after the given time at which the cron
// expression fires in the given IANA zone. It is a pure function of its
// inputs.
func NextRun(cronExpr, timezone string, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, &InvalidScheduleError{Field: "timezone", Reason: err.Error()}
	}
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, &InvalidScheduleError{Field: "cron_expression", Reason: err.Error()}
	}
	return sched.Next(after.In(loc)), nil
}

// ValidateCron checks a cron expression and timezone without computing a run time.
func ValidateCron(cronExpr, timezone string) error {
	_, err := NextRun(cronExpr, timezone, time.Now())
	return err
}

// ValidateOnce checks that a one-shot run time is well-formed and in the
// future relative to now.
func ValidateOnce(runAt, now time.Time) error {
	if runAt.IsZero() {
		return &InvalidScheduleError{Field: "run_at", Reason: "timestamp is zero"}
	}
	if !runAt.After(now) {
		return &InvalidScheduleError{Field: "run_at", Reason: "timestamp is not in the future"}
	}
	return nil
}
