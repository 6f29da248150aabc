package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	opsv1alpha1 "github.com/lmoretti/maintenance-trigger-agent/api/v1alpha1"
)

// standardParser accepts the standard 5-field cron syntax
// (minute hour day-of-month month day-of-week) plus the usual
// descriptors (@hourly, @daily, ...). Seconds fields are rejected.
var standardParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidationError collects the reasons a trigger spec was rejected.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid trigger spec: %s", strings.Join(e.Reasons, "; "))
}

// ParseCron parses a 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("schedule must not be empty")
	}
	sched, err := standardParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("malformed cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextRun returns the first tick of expr strictly after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// Validate checks a trigger spec at configuration time. It never touches the
// scheduler: a spec that fails here must not produce any registration.
func Validate(spec *opsv1alpha1.PeriodicTriggerSpec) error {
	var reasons []string

	if _, err := ParseCron(spec.Schedule); err != nil {
		reasons = append(reasons, err.Error())
	}

	if strings.TrimSpace(spec.Image) == "" {
		reasons = append(reasons, "image reference is required")
	}

	if spec.TTLSecondsAfterFinished != nil && *spec.TTLSecondsAfterFinished < 0 {
		reasons = append(reasons, "ttlSecondsAfterFinished must not be negative")
	}
	if spec.BackoffLimit != nil && *spec.BackoffLimit < 0 {
		reasons = append(reasons, "backoffLimit must not be negative")
	}
	if spec.SuccessfulJobsHistoryLimit != nil && *spec.SuccessfulJobsHistoryLimit < 0 {
		reasons = append(reasons, "successfulJobsHistoryLimit must not be negative")
	}
	if spec.FailedJobsHistoryLimit != nil && *spec.FailedJobsHistoryLimit < 0 {
		reasons = append(reasons, "failedJobsHistoryLimit must not be negative")
	}
	if spec.StartingDeadlineSeconds != nil && *spec.StartingDeadlineSeconds < 1 {
		reasons = append(reasons, "startingDeadlineSeconds must be at least 1")
	}

	switch spec.ConcurrencyPolicy {
	case "", "Allow", "Forbid", "Replace":
	default:
		reasons = append(reasons, fmt.Sprintf("unknown concurrencyPolicy %q", spec.ConcurrencyPolicy))
	}

	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}
