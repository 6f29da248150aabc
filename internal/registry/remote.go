package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var cronJobGVR = schema.GroupVersionResource{
	Group:    "batch",
	Version:  "v1",
	Resource: "cronjobs",
}

// RemoteRegistrar registers rendered triggers on a separate cluster's batch
// scheduler. It is used when the maintenance tasks run somewhere other than
// the cluster hosting the agent.
type RemoteRegistrar struct {
	Client    dynamic.Interface
	Namespace string
	Enabled   bool
}

// NewRemoteRegistrar creates a registrar for the cluster behind kubeconfigPath.
// An empty path disables remote registration.
func NewRemoteRegistrar(kubeconfigPath, namespace string) (*RemoteRegistrar, error) {
	if kubeconfigPath == "" {
		return &RemoteRegistrar{
			Enabled: false,
		}, nil
	}

	config, err := loadRemoteConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load remote kubeconfig: %w", err)
	}

	dynamicClient, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	return &RemoteRegistrar{
		Client:    dynamicClient,
		Namespace: namespace,
		Enabled:   true,
	}, nil
}

// loadRemoteConfig loads kubeconfig from file
func loadRemoteConfig(kubeconfigPath string) (*rest.Config, error) {
	// Expand ~ to home directory
	if len(kubeconfigPath) >= 2 && kubeconfigPath[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		kubeconfigPath = filepath.Join(home, kubeconfigPath[2:])
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// RegisterCronJob creates or updates the rendered CronJob on the remote
// cluster, retrying transient API errors with exponential backoff.
func (r *RemoteRegistrar) RegisterCronJob(ctx context.Context, cj *batchv1.CronJob) error {
	if !r.Enabled {
		return nil
	}

	backoff := wait.Backoff{
		Steps:    4,
		Duration: 500 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
	}

	var lastErr error
	err := wait.ExponentialBackoff(backoff, func() (bool, error) {
		err := r.registerOnce(ctx, cj)
		if err == nil {
			return true, nil // Success
		}

		if isTransientError(err) {
			lastErr = err
			return false, nil // Retry
		}

		// Permanent error
		return false, err
	})

	if err != nil {
		if lastErr != nil {
			return fmt.Errorf("remote registration failed after retries: %w", lastErr)
		}
		return err
	}

	return nil
}

// registerOnce performs a single registration attempt
func (r *RemoteRegistrar) registerOnce(ctx context.Context, cj *batchv1.CronJob) error {
	obj, err := ToUnstructuredCronJob(cj, r.Namespace)
	if err != nil {
		return err
	}

	resourceClient := r.Client.Resource(cronJobGVR).Namespace(r.Namespace)

	existing, err := resourceClient.Get(ctx, obj.GetName(), metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to check existing remote cronjob: %w", err)
		}
		if _, err := resourceClient.Create(ctx, obj, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("failed to create remote cronjob: %w", err)
		}
		return nil
	}

	// Exists, update with preserved resourceVersion
	obj.SetResourceVersion(existing.GetResourceVersion())
	if _, err := resourceClient.Update(ctx, obj, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update remote cronjob: %w", err)
	}

	return nil
}

// ToUnstructuredCronJob converts a typed CronJob into the dynamic-client
// representation, rehomed into the given namespace. Status and local
// ownership metadata are stripped: the remote scheduler owns its copy.
func ToUnstructuredCronJob(cj *batchv1.CronJob, namespace string) (*unstructured.Unstructured, error) {
	clone := cj.DeepCopy()
	clone.Status = batchv1.CronJobStatus{}
	clone.ResourceVersion = ""
	clone.UID = ""
	clone.OwnerReferences = nil
	clone.Namespace = namespace

	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(clone)
	if err != nil {
		return nil, fmt.Errorf("failed to convert cronjob: %w", err)
	}

	obj := &unstructured.Unstructured{Object: content}
	obj.SetAPIVersion("batch/v1")
	obj.SetKind("CronJob")
	return obj, nil
}

// isTransientError checks if error is temporary and should be retried
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	// Kubernetes API errors
	if apierrors.IsTimeout(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) {
		return true
	}

	return false
}
