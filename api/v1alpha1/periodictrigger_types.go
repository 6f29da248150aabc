/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// DefaultTTLSecondsAfterFinished is the record retention applied when the
	// trigger does not set one. Finished runs are purged by the scheduler no
	// earlier than this many seconds after completion.
	DefaultTTLSecondsAfterFinished int32 = 300

	// MinTTLSecondsAfterFinished is the retention floor. Values below it are
	// raised to it when the trigger is rendered.
	MinTTLSecondsAfterFinished int32 = 300

	// DefaultSuccessfulJobsHistoryLimit bounds retained successful runs.
	DefaultSuccessfulJobsHistoryLimit int32 = 3

	// DefaultFailedJobsHistoryLimit bounds retained failed runs.
	DefaultFailedJobsHistoryLimit int32 = 1

	// TriggerNameLabel is set on every scheduler object rendered from a
	// PeriodicTrigger so the runs it spawns can be traced back.
	TriggerNameLabel = "ops.dscache.io/trigger"

	// RunReportedAnnotation marks a finished run whose summary has already
	// been shipped to the report sink.
	RunReportedAnnotation = "ops.dscache.io/reported"
)

// Trigger phases surfaced in status.
const (
	PhasePending    = "Pending"
	PhaseRegistered = "Registered"
	PhaseInvalid    = "Invalid"
	PhaseError      = "Error"
)

// PeriodicTriggerSpec declares when and under what constraints a maintenance
// task runs. Execution itself belongs to the cluster's batch scheduler.
type PeriodicTriggerSpec struct {
	// Schedule is a 5-field cron expression (e.g. "*/10 * * * *").
	Schedule string `json:"schedule"`

	// Suspend stops new runs from being scheduled without deregistering.
	// +optional
	Suspend *bool `json:"suspend,omitempty"`

	// Image is the container image of the maintenance task.
	Image string `json:"image"`

	// Command overrides the image entrypoint.
	// +optional
	Command []string `json:"command,omitempty"`

	// Args are passed to the task container.
	// +optional
	Args []string `json:"args,omitempty"`

	// Env for the task container.
	// +optional
	Env []corev1.EnvVar `json:"env,omitempty"`

	// Resources requested by the task container.
	// +optional
	Resources corev1.ResourceRequirements `json:"resources,omitempty"`

	// NodeSelector constrains placement of each run.
	// +optional
	NodeSelector map[string]string `json:"nodeSelector,omitempty"`

	// Tolerations for each run.
	// +optional
	Tolerations []corev1.Toleration `json:"tolerations,omitempty"`

	// ImagePullSecrets referenced by each run.
	// +optional
	ImagePullSecrets []corev1.LocalObjectReference `json:"imagePullSecrets,omitempty"`

	// ServiceAccountName used by each run.
	// +optional
	ServiceAccountName string `json:"serviceAccountName,omitempty"`

	// PodSecurityContext applied to each run's pod.
	// +optional
	PodSecurityContext *corev1.PodSecurityContext `json:"podSecurityContext,omitempty"`

	// SecurityContext applied to the task container.
	// +optional
	SecurityContext *corev1.SecurityContext `json:"securityContext,omitempty"`

	// TTLSecondsAfterFinished is the retention window for finished run
	// records. Defaults to 300 and is never rendered below 300.
	// +optional
	TTLSecondsAfterFinished *int32 `json:"ttlSecondsAfterFinished,omitempty"`

	// SuccessfulJobsHistoryLimit bounds retained successful runs.
	// +optional
	SuccessfulJobsHistoryLimit *int32 `json:"successfulJobsHistoryLimit,omitempty"`

	// FailedJobsHistoryLimit bounds retained failed runs.
	// +optional
	FailedJobsHistoryLimit *int32 `json:"failedJobsHistoryLimit,omitempty"`

	// BackoffLimit is the scheduler's retry budget for a failing run.
	// +optional
	BackoffLimit *int32 `json:"backoffLimit,omitempty"`

	// ConcurrencyPolicy controls overlapping runs. Defaults to Forbid:
	// maintenance runs must not overlap.
	// +optional
	ConcurrencyPolicy batchv1.ConcurrencyPolicy `json:"concurrencyPolicy,omitempty"`

	// StartingDeadlineSeconds is how late a run may start before the tick
	// is counted as missed.
	// +optional
	StartingDeadlineSeconds *int64 `json:"startingDeadlineSeconds,omitempty"`
}

// RunStatistics summarizes scheduler-owned runs observed for a trigger.
type RunStatistics struct {
	// Active is the number of currently running jobs.
	// +optional
	Active int32 `json:"active,omitempty"`

	// Succeeded counts retained successful runs.
	// +optional
	Succeeded int32 `json:"succeeded,omitempty"`

	// Failed counts retained failed runs.
	// +optional
	Failed int32 `json:"failed,omitempty"`

	// LastScheduleTime is when the scheduler last launched a run.
	// +optional
	LastScheduleTime *metav1.Time `json:"lastScheduleTime,omitempty"`

	// LastSuccessfulTime is when a run last completed successfully.
	// +optional
	LastSuccessfulTime *metav1.Time `json:"lastSuccessfulTime,omitempty"`

	// LastFailureMessage carries the scheduler's reason for the most
	// recent failed run.
	// +optional
	LastFailureMessage string `json:"lastFailureMessage,omitempty"`
}

// PeriodicTriggerStatus defines the observed state of PeriodicTrigger
type PeriodicTriggerStatus struct {
	// Phase represents the current state of the trigger
	// +optional
	Phase string `json:"phase,omitempty"`

	// Registered indicates the trigger has been accepted by the scheduler
	// +optional
	Registered bool `json:"registered,omitempty"`

	// Message provides additional information about the status
	// +optional
	Message string `json:"message,omitempty"`

	// CronJobName is the scheduler object rendered from this trigger
	// +optional
	CronJobName string `json:"cronJobName,omitempty"`

	// NextScheduleTime is the next tick computed from the schedule
	// +optional
	NextScheduleTime *metav1.Time `json:"nextScheduleTime,omitempty"`

	// Runs aggregates observed run outcomes
	// +optional
	Runs *RunStatistics `json:"runs,omitempty"`

	// LastUpdateTime is when this status was last updated
	// +optional
	LastUpdateTime metav1.Time `json:"lastUpdateTime,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced
// +kubebuilder:printcolumn:name="Schedule",type=string,JSONPath=`.spec.schedule`
// +kubebuilder:printcolumn:name="Image",type=string,JSONPath=`.spec.image`
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Registered",type=boolean,JSONPath=`.status.registered`
// +kubebuilder:printcolumn:name="Next",type=date,JSONPath=`.status.nextScheduleTime`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// PeriodicTrigger is the Schema for the periodictriggers API
type PeriodicTrigger struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   PeriodicTriggerSpec   `json:"spec,omitempty"`
	Status PeriodicTriggerStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// PeriodicTriggerList contains a list of PeriodicTrigger
type PeriodicTriggerList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []PeriodicTrigger `json:"items"`
}

func init() {
	SchemeBuilder.Register(&PeriodicTrigger{}, &PeriodicTriggerList{})
}
