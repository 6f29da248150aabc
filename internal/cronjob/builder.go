package cronjob

import (
	"fmt"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	opsv1alpha1 "github.com/lmoretti/maintenance-trigger-agent/api/v1alpha1"
)

// Build renders a PeriodicTrigger into the scheduler-native CronJob. The
// result carries the trigger's placement and security fields unchanged, an
// OnFailure restart policy, and a finished-record TTL that never undercuts
// the retention floor.
func Build(trigger *opsv1alpha1.PeriodicTrigger) (*batchv1.CronJob, error) {
	if strings.TrimSpace(trigger.Spec.Image) == "" {
		return nil, fmt.Errorf("trigger %s/%s has no image reference", trigger.Namespace, trigger.Name)
	}

	labels := map[string]string{
		opsv1alpha1.TriggerNameLabel: trigger.Name,
	}

	container := corev1.Container{
		Name:            "task",
		Image:           trigger.Spec.Image,
		Command:         trigger.Spec.Command,
		Args:            trigger.Spec.Args,
		Env:             trigger.Spec.Env,
		Resources:       trigger.Spec.Resources,
		SecurityContext: trigger.Spec.SecurityContext,
	}

	cj := &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{
			Name:      trigger.Name,
			Namespace: trigger.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.CronJobSpec{
			Schedule:                   trigger.Spec.Schedule,
			Suspend:                    trigger.Spec.Suspend,
			ConcurrencyPolicy:          concurrencyPolicy(trigger.Spec.ConcurrencyPolicy),
			StartingDeadlineSeconds:    trigger.Spec.StartingDeadlineSeconds,
			SuccessfulJobsHistoryLimit: historyLimit(trigger.Spec.SuccessfulJobsHistoryLimit, opsv1alpha1.DefaultSuccessfulJobsHistoryLimit),
			FailedJobsHistoryLimit:     historyLimit(trigger.Spec.FailedJobsHistoryLimit, opsv1alpha1.DefaultFailedJobsHistoryLimit),
			JobTemplate: batchv1.JobTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: batchv1.JobSpec{
					BackoffLimit:            trigger.Spec.BackoffLimit,
					TTLSecondsAfterFinished: ttlSecondsAfterFinished(trigger.Spec.TTLSecondsAfterFinished),
					Template: corev1.PodTemplateSpec{
						ObjectMeta: metav1.ObjectMeta{
							Labels: labels,
						},
						Spec: corev1.PodSpec{
							RestartPolicy:      corev1.RestartPolicyOnFailure,
							Containers:         []corev1.Container{container},
							NodeSelector:       trigger.Spec.NodeSelector,
							Tolerations:        trigger.Spec.Tolerations,
							ImagePullSecrets:   trigger.Spec.ImagePullSecrets,
							ServiceAccountName: trigger.Spec.ServiceAccountName,
							SecurityContext:    trigger.Spec.PodSecurityContext,
						},
					},
				},
			},
		},
	}

	return cj, nil
}

// ttlSecondsAfterFinished applies the default retention window and raises
// configured values up to the floor.
func ttlSecondsAfterFinished(configured *int32) *int32 {
	ttl := opsv1alpha1.DefaultTTLSecondsAfterFinished
	if configured != nil {
		ttl = *configured
	}
	if ttl < opsv1alpha1.MinTTLSecondsAfterFinished {
		ttl = opsv1alpha1.MinTTLSecondsAfterFinished
	}
	return &ttl
}

func historyLimit(configured *int32, def int32) *int32 {
	if configured != nil {
		limit := *configured
		return &limit
	}
	limit := def
	return &limit
}

// concurrencyPolicy defaults to Forbid: maintenance runs must not overlap.
func concurrencyPolicy(configured batchv1.ConcurrencyPolicy) batchv1.ConcurrencyPolicy {
	if configured == "" {
		return batchv1.ForbidConcurrent
	}
	return configured
}
