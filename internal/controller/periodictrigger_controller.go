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

package controller

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	opsv1alpha1 "github.com/lmoretti/maintenance-trigger-agent/api/v1alpha1"
	"github.com/lmoretti/maintenance-trigger-agent/internal/cronjob"
	"github.com/lmoretti/maintenance-trigger-agent/internal/metrics"
	"github.com/lmoretti/maintenance-trigger-agent/internal/registry"
	"github.com/lmoretti/maintenance-trigger-agent/internal/schedule"
)

// PeriodicTriggerReconciler registers PeriodicTrigger specs with the cluster's
// batch scheduler. Execution of the triggered runs is entirely delegated.
type PeriodicTriggerReconciler struct {
	client.Client
	Scheme          *runtime.Scheme
	Collector       *metrics.Collector
	RemoteRegistrar *registry.RemoteRegistrar
	RequeueInterval time.Duration
}

// +kubebuilder:rbac:groups=ops.dscache.io,resources=periodictriggers,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=ops.dscache.io,resources=periodictriggers/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=ops.dscache.io,resources=periodictriggers/finalizers,verbs=update
// +kubebuilder:rbac:groups=batch,resources=cronjobs,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch

// Reconcile is part of the main kubernetes reconciliation loop
func (r *PeriodicTriggerReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	logger.Info("Reconciling PeriodicTrigger", "name", req.Name, "namespace", req.Namespace)

	// Fetch the PeriodicTrigger instance
	trigger := &opsv1alpha1.PeriodicTrigger{}
	err := r.Get(ctx, req.NamespacedName, trigger)
	if err != nil {
		if client.IgnoreNotFound(err) == nil {
			// Trigger not found, the owned CronJob is garbage collected
			logger.Info("PeriodicTrigger not found, may have been deleted")
			return ctrl.Result{}, nil
		}
		logger.Error(err, "Failed to get PeriodicTrigger")
		return ctrl.Result{}, err
	}

	// Configuration errors are rejected before anything reaches the
	// scheduler. A previously registered CronJob stays untouched.
	if verr := schedule.Validate(&trigger.Spec); verr != nil {
		logger.Info("Rejecting invalid trigger spec", "reason", verr.Error())
		return r.updateStatus(ctx, trigger, opsv1alpha1.PhaseInvalid, false, verr.Error(), nil)
	}

	desired, err := cronjob.Build(trigger)
	if err != nil {
		logger.Error(err, "Failed to render trigger")
		return r.updateStatus(ctx, trigger, opsv1alpha1.PhaseInvalid, false, err.Error(), nil)
	}

	cj := &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{
			Name:      desired.Name,
			Namespace: desired.Namespace,
		},
	}
	op, err := controllerutil.CreateOrUpdate(ctx, r.Client, cj, func() error {
		cj.Labels = desired.Labels
		cj.Spec = desired.Spec
		return controllerutil.SetControllerReference(trigger, cj, r.Scheme)
	})
	if err != nil {
		logger.Error(err, "Failed to register trigger with scheduler")
		return r.updateStatus(ctx, trigger, opsv1alpha1.PhaseError, false,
			fmt.Sprintf("Failed to register trigger: %v", err), nil)
	}
	if op != controllerutil.OperationResultNone {
		logger.Info("Registered trigger with scheduler", "cronjob", cj.Name, "operation", op)
	}

	// Register on the remote cluster if configured
	if r.RemoteRegistrar != nil && r.RemoteRegistrar.Enabled {
		if err := r.RemoteRegistrar.RegisterCronJob(ctx, desired); err != nil {
			logger.Error(err, "Failed to register trigger on remote cluster, will retry")
			// Don't fail the reconciliation, just log the error
		} else {
			logger.Info("Successfully registered trigger on remote cluster")
		}
	}

	stats, err := r.Collector.CollectRunStatistics(ctx, trigger)
	if err != nil {
		logger.Error(err, "Failed to collect run statistics")
		return r.updateStatus(ctx, trigger, opsv1alpha1.PhaseError, true,
			fmt.Sprintf("Failed to collect run statistics: %v", err), nil)
	}

	logger.Info("Trigger registered",
		"schedule", trigger.Spec.Schedule,
		"active", stats.Active,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed)

	return r.updateStatus(ctx, trigger, opsv1alpha1.PhaseRegistered, true, "Trigger registered with scheduler", stats)
}

// updateStatus updates the PeriodicTrigger status
func (r *PeriodicTriggerReconciler) updateStatus(
	ctx context.Context,
	trigger *opsv1alpha1.PeriodicTrigger,
	phase string,
	registered bool,
	message string,
	stats *opsv1alpha1.RunStatistics,
) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	trigger.Status.Phase = phase
	trigger.Status.Registered = registered
	trigger.Status.Message = message
	trigger.Status.LastUpdateTime = metav1.Now()

	if registered {
		trigger.Status.CronJobName = trigger.Name
	}
	if stats != nil {
		trigger.Status.Runs = stats
	}

	trigger.Status.NextScheduleTime = nil
	if registered {
		if next, err := schedule.NextRun(trigger.Spec.Schedule, time.Now()); err == nil {
			trigger.Status.NextScheduleTime = &metav1.Time{Time: next}
		}
	}

	if err := r.Status().Update(ctx, trigger); err != nil {
		logger.Error(err, "Failed to update PeriodicTrigger status")
		return ctrl.Result{}, err
	}

	// Invalid specs stay parked until the next edit; registered triggers are
	// requeued to refresh run statistics.
	if !registered {
		return ctrl.Result{}, nil
	}
	return ctrl.Result{RequeueAfter: r.RequeueInterval}, nil
}

// SetupWithManager sets up the controller with the Manager
func (r *PeriodicTriggerReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.Collector == nil {
		r.Collector = &metrics.Collector{
			Client: r.Client,
		}
	}
	if r.RequeueInterval <= 0 {
		r.RequeueInterval = 30 * time.Second
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&opsv1alpha1.PeriodicTrigger{}).
		Owns(&batchv1.CronJob{}).
		Named("periodictrigger").
		Complete(r)
}
