package metrics

import (
	"context"
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	opsv1alpha1 "github.com/lmoretti/maintenance-trigger-agent/api/v1alpha1"
)

// Run outcomes derived from job conditions.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRunning   = "running"
)

// Collector aggregates run outcomes for registered triggers
type Collector struct {
	Client client.Client
}

// CollectRunStatistics gathers the scheduler-owned view of a trigger: launch
// times from the CronJob status and retained run outcomes from its Jobs. The
// collector only observes; run lifecycle stays with the scheduler.
func (c *Collector) CollectRunStatistics(ctx context.Context, trigger *opsv1alpha1.PeriodicTrigger) (*opsv1alpha1.RunStatistics, error) {
	stats := &opsv1alpha1.RunStatistics{}

	cj := &batchv1.CronJob{}
	err := c.Client.Get(ctx, client.ObjectKey{Name: trigger.Name, Namespace: trigger.Namespace}, cj)
	if err != nil {
		if apierrors.IsNotFound(err) {
			// Not registered yet, nothing to observe.
			return stats, nil
		}
		return nil, fmt.Errorf("failed to get cronjob for trigger %s: %w", trigger.Name, err)
	}

	stats.Active = int32(len(cj.Status.Active))
	stats.LastScheduleTime = cj.Status.LastScheduleTime
	stats.LastSuccessfulTime = cj.Status.LastSuccessfulTime

	jobList := &batchv1.JobList{}
	if err := c.Client.List(ctx, jobList,
		client.InNamespace(trigger.Namespace),
		client.MatchingLabels{opsv1alpha1.TriggerNameLabel: trigger.Name},
	); err != nil {
		return nil, fmt.Errorf("failed to list jobs for trigger %s: %w", trigger.Name, err)
	}

	var lastFailure *metav1.Time
	for i := range jobList.Items {
		job := &jobList.Items[i]
		outcome, finished := JobOutcome(job)
		if !finished {
			continue
		}
		switch outcome {
		case OutcomeSucceeded:
			stats.Succeeded++
		case OutcomeFailed:
			stats.Failed++
			failedAt, message := FailureDetails(job)
			if lastFailure == nil || (failedAt != nil && failedAt.After(lastFailure.Time)) {
				lastFailure = failedAt
				stats.LastFailureMessage = message
			}
		}
	}

	if stats.Failed > 0 {
		log.FromContext(ctx).WithName("run-collector").Info("observed failed runs",
			"trigger", trigger.Name,
			"failed", stats.Failed,
			"lastFailureMessage", stats.LastFailureMessage)
	}

	return stats, nil
}

// JobOutcome classifies a run from its terminal conditions. The second
// return value reports whether the run has finished.
func JobOutcome(job *batchv1.Job) (string, bool) {
	for _, condition := range job.Status.Conditions {
		if condition.Status != corev1.ConditionTrue {
			continue
		}
		switch condition.Type {
		case batchv1.JobComplete:
			return OutcomeSucceeded, true
		case batchv1.JobFailed:
			return OutcomeFailed, true
		}
	}
	return OutcomeRunning, false
}

// FailureDetails returns when and why a job failed.
func FailureDetails(job *batchv1.Job) (*metav1.Time, string) {
	for _, condition := range job.Status.Conditions {
		if condition.Type == batchv1.JobFailed && condition.Status == corev1.ConditionTrue {
			at := condition.LastTransitionTime
			message := condition.Message
			if message == "" {
				message = condition.Reason
			}
			return &at, message
		}
	}
	return nil, ""
}
