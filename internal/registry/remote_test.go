package registry

import (
	"context"
	"testing"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func sampleCronJob() *batchv1.CronJob {
	return &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{
			Name:            "metrics-collector",
			Namespace:       "maintenance",
			ResourceVersion: "42",
			OwnerReferences: []metav1.OwnerReference{{Name: "metrics-collector"}},
		},
		Spec: batchv1.CronJobSpec{
			Schedule: "*/10 * * * *",
			JobTemplate: batchv1.JobTemplateSpec{
				Spec: batchv1.JobSpec{
					Template: corev1.PodTemplateSpec{
						Spec: corev1.PodSpec{
							RestartPolicy: corev1.RestartPolicyOnFailure,
							Containers: []corev1.Container{
								{Name: "task", Image: "registry.example.com/metrics-collector:1.4.2"},
							},
						},
					},
				},
			},
		},
		Status: batchv1.CronJobStatus{
			Active: []corev1.ObjectReference{{Name: "metrics-collector-1"}},
		},
	}
}

func TestRegisterCronJobDisabledIsNoop(t *testing.T) {
	registrar, err := NewRemoteRegistrar("", "maintenance")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if registrar.Enabled {
		t.Fatal("registrar should be disabled without a kubeconfig")
	}
	if err := registrar.RegisterCronJob(context.Background(), sampleCronJob()); err != nil {
		t.Fatalf("disabled registrar must not error: %v", err)
	}
}

func TestToUnstructuredCronJobStripsLocalState(t *testing.T) {
	obj, err := ToUnstructuredCronJob(sampleCronJob(), "remote-maintenance")
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}

	if obj.GetAPIVersion() != "batch/v1" || obj.GetKind() != "CronJob" {
		t.Fatalf("unexpected GVK: %s/%s", obj.GetAPIVersion(), obj.GetKind())
	}
	if obj.GetNamespace() != "remote-maintenance" {
		t.Fatalf("expected rehomed namespace, got %q", obj.GetNamespace())
	}
	if obj.GetResourceVersion() != "" {
		t.Fatal("resourceVersion must be stripped")
	}
	if len(obj.GetOwnerReferences()) != 0 {
		t.Fatal("owner references must be stripped")
	}

	schedule, found, err := unstructured.NestedString(obj.Object, "spec", "schedule")
	if err != nil || !found {
		t.Fatalf("schedule missing from converted object: %v", err)
	}
	if schedule != "*/10 * * * *" {
		t.Fatalf("expected schedule to survive conversion, got %q", schedule)
	}

	if _, found, _ := unstructured.NestedMap(obj.Object, "status"); found {
		status, _, _ := unstructured.NestedMap(obj.Object, "status")
		if len(status) != 0 {
			t.Fatalf("status must be stripped, got %v", status)
		}
	}
}

func TestIsTransientError(t *testing.T) {
	gr := schema.GroupResource{Group: "batch", Resource: "cronjobs"}

	if !isTransientError(apierrors.NewServerTimeout(gr, "get", 1)) {
		t.Fatal("server timeout should be transient")
	}
	if !isTransientError(apierrors.NewTooManyRequests("slow down", 1)) {
		t.Fatal("too many requests should be transient")
	}
	if isTransientError(apierrors.NewNotFound(gr, "metrics-collector")) {
		t.Fatal("not found is permanent")
	}
	if isTransientError(nil) {
		t.Fatal("nil is not an error")
	}
}
