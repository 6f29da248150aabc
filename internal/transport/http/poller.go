package http

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	opsv1alpha1 "github.com/lmoretti/maintenance-trigger-agent/api/v1alpha1"
	"github.com/lmoretti/maintenance-trigger-agent/internal/transport"
	"github.com/lmoretti/maintenance-trigger-agent/internal/transport/dto"
)

// RunReportPoller periodically sweeps finished runs and ships each one to the
// report sink exactly once. Reported runs are marked with an annotation so a
// sweep after a restart does not re-ship them.
type RunReportPoller struct {
	sink        transport.ReportSink
	localClient client.Client
	namespace   string
	interval    time.Duration
}

// NewRunReportPoller creates a new run report poller
func NewRunReportPoller(
	sink transport.ReportSink,
	localClient client.Client,
	namespace string,
	interval time.Duration,
) *RunReportPoller {
	return &RunReportPoller{
		sink:        sink,
		localClient: localClient,
		namespace:   namespace,
		interval:    interval,
	}
}

// Start begins the report sweep loop
func (p *RunReportPoller) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("run-report-poller")
	logger.Info("Starting run report poller",
		"namespace", p.namespace,
		"interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial sweep
	p.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping run report poller")
			return nil
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep reports finished runs for every registered trigger
func (p *RunReportPoller) sweep(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("run-report-poller")

	triggerList := &opsv1alpha1.PeriodicTriggerList{}
	if err := p.localClient.List(ctx, triggerList, client.InNamespace(p.namespace)); err != nil {
		logger.Error(err, "Failed to list triggers")
		return
	}

	for i := range triggerList.Items {
		trigger := &triggerList.Items[i]
		if err := p.reportFinishedRuns(ctx, trigger); err != nil {
			logger.Error(err, "Failed to report runs", "trigger", trigger.Name)
		}
	}
}

// reportFinishedRuns ships every not-yet-reported finished run of a trigger
func (p *RunReportPoller) reportFinishedRuns(ctx context.Context, trigger *opsv1alpha1.PeriodicTrigger) error {
	logger := log.FromContext(ctx).WithName("run-report-poller")

	jobList := &batchv1.JobList{}
	if err := p.localClient.List(ctx, jobList,
		client.InNamespace(trigger.Namespace),
		client.MatchingLabels{opsv1alpha1.TriggerNameLabel: trigger.Name},
	); err != nil {
		return fmt.Errorf("failed to list jobs for trigger %s: %w", trigger.Name, err)
	}

	for i := range jobList.Items {
		job := &jobList.Items[i]
		if job.Annotations[opsv1alpha1.RunReportedAnnotation] == "true" {
			continue
		}

		report := dto.FromJob(trigger.Name, job)
		if report == nil {
			// Still running, the next sweep will pick it up.
			continue
		}

		if err := p.sink.ReportRun(ctx, report); err != nil {
			logger.Error(err, "Failed to ship run report",
				"trigger", trigger.Name,
				"run", job.Name)
			continue
		}

		if err := p.markReported(ctx, job); err != nil {
			logger.Error(err, "Failed to mark run as reported",
				"trigger", trigger.Name,
				"run", job.Name)
			continue
		}

		logger.Info("Reported finished run",
			"trigger", trigger.Name,
			"run", job.Name,
			"outcome", report.Outcome)
	}

	return nil
}

// markReported annotates a job so it is only shipped once
func (p *RunReportPoller) markReported(ctx context.Context, job *batchv1.Job) error {
	if job.Annotations == nil {
		job.Annotations = map[string]string{}
	}
	job.Annotations[opsv1alpha1.RunReportedAnnotation] = "true"
	return p.localClient.Update(ctx, job)
}
