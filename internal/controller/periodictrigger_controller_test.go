package controller_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	opsv1alpha1 "github.com/lmoretti/maintenance-trigger-agent/api/v1alpha1"
	"github.com/lmoretti/maintenance-trigger-agent/internal/controller"
	"github.com/lmoretti/maintenance-trigger-agent/internal/metrics"
)

func TestPeriodicTriggerController(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "PeriodicTrigger Controller Suite")
}

var _ = Describe("PeriodicTrigger Controller", func() {
	var (
		ctx    context.Context
		scheme *runtime.Scheme
	)

	BeforeEach(func() {
		ctx = context.Background()
		scheme = runtime.NewScheme()
		_ = clientgoscheme.AddToScheme(scheme)
		_ = opsv1alpha1.AddToScheme(scheme)
	})

	newTrigger := func(name, schedule, image string) *opsv1alpha1.PeriodicTrigger {
		return &opsv1alpha1.PeriodicTrigger{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: "maintenance",
			},
			Spec: opsv1alpha1.PeriodicTriggerSpec{
				Schedule: schedule,
				Image:    image,
			},
		}
	}

	newReconciler := func(fakeClient client.Client) *controller.PeriodicTriggerReconciler {
		return &controller.PeriodicTriggerReconciler{
			Client:          fakeClient,
			Scheme:          scheme,
			Collector:       &metrics.Collector{Client: fakeClient},
			RequeueInterval: time.Second,
		}
	}

	reconcile := func(r *controller.PeriodicTriggerReconciler, name string) (ctrl.Result, error) {
		return r.Reconcile(ctx, ctrl.Request{
			NamespacedName: types.NamespacedName{Name: name, Namespace: "maintenance"},
		})
	}

	Context("Reconcile", func() {
		It("should register a valid trigger as a CronJob", func() {
			trigger := newTrigger("metrics-collector", "*/10 * * * *", "registry.example.com/metrics-collector:1.4.2")
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(trigger).
				WithStatusSubresource(&opsv1alpha1.PeriodicTrigger{}).
				Build()

			result, err := reconcile(newReconciler(fakeClient), "metrics-collector")
			Expect(err).ToNot(HaveOccurred())
			Expect(result.RequeueAfter).To(Equal(time.Second))

			cj := &batchv1.CronJob{}
			Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "metrics-collector", Namespace: "maintenance"}, cj)).To(Succeed())
			Expect(cj.Spec.Schedule).To(Equal("*/10 * * * *"))
			Expect(cj.Spec.JobTemplate.Spec.Template.Spec.RestartPolicy).To(Equal(corev1.RestartPolicyOnFailure))
			Expect(*cj.Spec.JobTemplate.Spec.TTLSecondsAfterFinished).To(Equal(int32(300)))

			updated := &opsv1alpha1.PeriodicTrigger{}
			Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "metrics-collector", Namespace: "maintenance"}, updated)).To(Succeed())
			Expect(updated.Status.Phase).To(Equal(opsv1alpha1.PhaseRegistered))
			Expect(updated.Status.Registered).To(BeTrue())
			Expect(updated.Status.CronJobName).To(Equal("metrics-collector"))
			Expect(updated.Status.NextScheduleTime).ToNot(BeNil())
		})

		It("should set an owner reference so trigger deletion cleans up", func() {
			trigger := newTrigger("metrics-collector", "*/10 * * * *", "registry.example.com/metrics-collector:1.4.2")
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(trigger).
				WithStatusSubresource(&opsv1alpha1.PeriodicTrigger{}).
				Build()

			_, err := reconcile(newReconciler(fakeClient), "metrics-collector")
			Expect(err).ToNot(HaveOccurred())

			cj := &batchv1.CronJob{}
			Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "metrics-collector", Namespace: "maintenance"}, cj)).To(Succeed())
			Expect(cj.OwnerReferences).To(HaveLen(1))
			Expect(cj.OwnerReferences[0].Name).To(Equal("metrics-collector"))
			Expect(cj.OwnerReferences[0].Kind).To(Equal("PeriodicTrigger"))
		})

		It("should reject a malformed cron expression before any registration", func() {
			trigger := newTrigger("bad-cron", "* * * * * *", "registry.example.com/metrics-collector:1.4.2")
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(trigger).
				WithStatusSubresource(&opsv1alpha1.PeriodicTrigger{}).
				Build()

			result, err := reconcile(newReconciler(fakeClient), "bad-cron")
			Expect(err).ToNot(HaveOccurred())
			Expect(result.RequeueAfter).To(BeZero())

			cj := &batchv1.CronJob{}
			getErr := fakeClient.Get(ctx, types.NamespacedName{Name: "bad-cron", Namespace: "maintenance"}, cj)
			Expect(apierrors.IsNotFound(getErr)).To(BeTrue())

			updated := &opsv1alpha1.PeriodicTrigger{}
			Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "bad-cron", Namespace: "maintenance"}, updated)).To(Succeed())
			Expect(updated.Status.Phase).To(Equal(opsv1alpha1.PhaseInvalid))
			Expect(updated.Status.Registered).To(BeFalse())
			Expect(updated.Status.Message).To(ContainSubstring("malformed cron expression"))
		})

		It("should reject a trigger without an image reference", func() {
			trigger := newTrigger("no-image", "*/10 * * * *", "")
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(trigger).
				WithStatusSubresource(&opsv1alpha1.PeriodicTrigger{}).
				Build()

			_, err := reconcile(newReconciler(fakeClient), "no-image")
			Expect(err).ToNot(HaveOccurred())

			cj := &batchv1.CronJob{}
			getErr := fakeClient.Get(ctx, types.NamespacedName{Name: "no-image", Namespace: "maintenance"}, cj)
			Expect(apierrors.IsNotFound(getErr)).To(BeTrue())

			updated := &opsv1alpha1.PeriodicTrigger{}
			Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "no-image", Namespace: "maintenance"}, updated)).To(Succeed())
			Expect(updated.Status.Phase).To(Equal(opsv1alpha1.PhaseInvalid))
			Expect(updated.Status.Message).To(ContainSubstring("image reference is required"))
		})

		It("should leave an existing registration untouched by an invalid update", func() {
			trigger := newTrigger("metrics-collector", "*/10 * * * *", "registry.example.com/metrics-collector:1.4.2")
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(trigger).
				WithStatusSubresource(&opsv1alpha1.PeriodicTrigger{}).
				Build()
			reconciler := newReconciler(fakeClient)

			_, err := reconcile(reconciler, "metrics-collector")
			Expect(err).ToNot(HaveOccurred())

			// Break the schedule after the first registration.
			current := &opsv1alpha1.PeriodicTrigger{}
			Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "metrics-collector", Namespace: "maintenance"}, current)).To(Succeed())
			current.Spec.Schedule = "whenever"
			Expect(fakeClient.Update(ctx, current)).To(Succeed())

			_, err = reconcile(reconciler, "metrics-collector")
			Expect(err).ToNot(HaveOccurred())

			cj := &batchv1.CronJob{}
			Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "metrics-collector", Namespace: "maintenance"}, cj)).To(Succeed())
			Expect(cj.Spec.Schedule).To(Equal("*/10 * * * *"))

			updated := &opsv1alpha1.PeriodicTrigger{}
			Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "metrics-collector", Namespace: "maintenance"}, updated)).To(Succeed())
			Expect(updated.Status.Phase).To(Equal(opsv1alpha1.PhaseInvalid))
		})

		It("should propagate schedule updates to the registered CronJob", func() {
			trigger := newTrigger("metrics-collector", "*/10 * * * *", "registry.example.com/metrics-collector:1.4.2")
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(trigger).
				WithStatusSubresource(&opsv1alpha1.PeriodicTrigger{}).
				Build()
			reconciler := newReconciler(fakeClient)

			_, err := reconcile(reconciler, "metrics-collector")
			Expect(err).ToNot(HaveOccurred())

			current := &opsv1alpha1.PeriodicTrigger{}
			Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "metrics-collector", Namespace: "maintenance"}, current)).To(Succeed())
			current.Spec.Schedule = "0 3 * * *"
			Expect(fakeClient.Update(ctx, current)).To(Succeed())

			_, err = reconcile(reconciler, "metrics-collector")
			Expect(err).ToNot(HaveOccurred())

			cj := &batchv1.CronJob{}
			Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "metrics-collector", Namespace: "maintenance"}, cj)).To(Succeed())
			Expect(cj.Spec.Schedule).To(Equal("0 3 * * *"))
		})

		It("should surface run statistics in the trigger status", func() {
			trigger := newTrigger("metrics-collector", "*/10 * * * *", "registry.example.com/metrics-collector:1.4.2")
			finished := &batchv1.Job{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "metrics-collector-1",
					Namespace: "maintenance",
					Labels:    map[string]string{opsv1alpha1.TriggerNameLabel: "metrics-collector"},
				},
				Status: batchv1.JobStatus{
					Conditions: []batchv1.JobCondition{
						{
							Type:               batchv1.JobComplete,
							Status:             corev1.ConditionTrue,
							LastTransitionTime: metav1.Now(),
						},
					},
				},
			}
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(trigger, finished).
				WithStatusSubresource(&opsv1alpha1.PeriodicTrigger{}).
				Build()
			reconciler := newReconciler(fakeClient)

			_, err := reconcile(reconciler, "metrics-collector")
			Expect(err).ToNot(HaveOccurred())

			updated := &opsv1alpha1.PeriodicTrigger{}
			Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "metrics-collector", Namespace: "maintenance"}, updated)).To(Succeed())
			Expect(updated.Status.Runs).ToNot(BeNil())
			Expect(updated.Status.Runs.Succeeded).To(Equal(int32(1)))
		})

		It("should do nothing when the trigger was deleted", func() {
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithStatusSubresource(&opsv1alpha1.PeriodicTrigger{}).
				Build()

			result, err := reconcile(newReconciler(fakeClient), "gone")
			Expect(err).ToNot(HaveOccurred())
			Expect(result).To(Equal(ctrl.Result{}))
		})
	})
})
