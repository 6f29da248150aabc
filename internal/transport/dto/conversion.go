package dto

import (
	"time"

	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/lmoretti/maintenance-trigger-agent/internal/metrics"
)

// FromJob converts a finished scheduler-owned Job into a run report. It
// returns nil while the job is still running.
func FromJob(triggerName string, job *batchv1.Job) *RunReportDTO {
	outcome, finished := metrics.JobOutcome(job)
	if !finished {
		return nil
	}

	report := &RunReportDTO{
		Trigger:   triggerName,
		Namespace: job.Namespace,
		RunName:   job.Name,
		Outcome:   outcome,
		Retries:   job.Status.Failed,
		StartedAt: convertTimePtr(job.Status.StartTime),
	}

	switch outcome {
	case metrics.OutcomeSucceeded:
		report.EndedAt = convertTimePtr(job.Status.CompletionTime)
	case metrics.OutcomeFailed:
		failedAt, message := metrics.FailureDetails(job)
		report.EndedAt = convertTimePtr(failedAt)
		report.Message = message
	}

	return report
}

// convertTimePtr converts *metav1.Time to *time.Time
func convertTimePtr(t *metav1.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.Time
	return &v
}
