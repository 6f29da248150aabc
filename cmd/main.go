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

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	opsv1alpha1 "github.com/lmoretti/maintenance-trigger-agent/api/v1alpha1"
	"github.com/lmoretti/maintenance-trigger-agent/internal/controller"
	"github.com/lmoretti/maintenance-trigger-agent/internal/metrics"
	"github.com/lmoretti/maintenance-trigger-agent/internal/registry"
	"github.com/lmoretti/maintenance-trigger-agent/internal/schedule"
	"github.com/lmoretti/maintenance-trigger-agent/internal/transport"
	transporthttp "github.com/lmoretti/maintenance-trigger-agent/internal/transport/http"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	utilruntime.Must(opsv1alpha1.AddToScheme(scheme))
}

func main() {
	var metricsAddr string
	var metricsCertPath, metricsCertName, metricsCertKey string
	var webhookCertPath, webhookCertName, webhookCertKey string
	var enableLeaderElection bool
	var probeAddr string
	var secureMetrics bool
	var enableHTTP2 bool
	var tlsOpts []func(*tls.Config)
	var remoteKubeconfig string
	var remoteNamespace string
	var reportURL string
	var reportCertPath string
	var reportInterval time.Duration
	var triggerName string
	var triggerNamespace string
	var collectorSchedule string
	var collectorImage string
	var triggerRequeueInterval time.Duration

	flag.StringVar(&metricsAddr, "metrics-bind-address", "0", "The address the metrics endpoint binds to. "+
		"Use :8443 for HTTPS or :8080 for HTTP, or leave as 0 to disable the metrics service.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&secureMetrics, "metrics-secure", true,
		"If set, the metrics endpoint is served securely via HTTPS. Use --metrics-secure=false to use HTTP instead.")
	flag.StringVar(&webhookCertPath, "webhook-cert-path", "", "The directory that contains the webhook certificate.")
	flag.StringVar(&webhookCertName, "webhook-cert-name", "tls.crt", "The name of the webhook certificate file.")
	flag.StringVar(&webhookCertKey, "webhook-cert-key", "tls.key", "The name of the webhook key file.")
	flag.StringVar(&metricsCertPath, "metrics-cert-path", "",
		"The directory that contains the metrics server certificate.")
	flag.StringVar(&metricsCertName, "metrics-cert-name", "tls.crt", "The name of the metrics server certificate file.")
	flag.StringVar(&metricsCertKey, "metrics-cert-key", "tls.key", "The name of the metrics server key file.")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics and webhook servers")
	flag.StringVar(&remoteKubeconfig, "remote-kubeconfig", "", "Path to kubeconfig of the cluster where triggers are also registered (optional)")
	flag.StringVar(&remoteNamespace, "remote-namespace", "default", "Namespace for remotely registered triggers")
	flag.StringVar(&reportURL, "report-url", "", "Admin service URL for run reports (e.g., https://admin.example.com:8443, empty disables reporting)")
	flag.StringVar(&reportCertPath, "report-cert-path", "", "Client certificate path for the run report sink")
	flag.DurationVar(&reportInterval, "report-interval", 5*time.Minute, "Interval between run report sweeps")
	flag.StringVar(&triggerName, "trigger-name", "metrics-collector", "Name of the bootstrap maintenance trigger")
	flag.StringVar(&triggerNamespace, "trigger-namespace", "default", "Namespace of the bootstrap maintenance trigger")
	flag.StringVar(&collectorSchedule, "collector-schedule", "*/10 * * * *", "Cron schedule of the bootstrap metrics-collector trigger")
	flag.StringVar(&collectorImage, "collector-image", "", "Image of the metrics-collector task (empty skips the bootstrap trigger)")
	flag.DurationVar(&triggerRequeueInterval, "trigger-requeue-interval", 30*time.Second, "Interval for periodic trigger status refreshes")

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	ctx := context.Background()
	cfg := ctrl.GetConfigOrDie()

	bootstrapClient, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		setupLog.Error(err, "failed to create bootstrap client")
		os.Exit(1)
	}

	// if the enable-http2 flag is false (the default), http/2 should be disabled
	// due to its vulnerabilities. More specifically, disabling http/2 will
	// prevent from being vulnerable to the HTTP/2 Stream Cancellation and
	// Rapid Reset CVEs. For more information see:
	// - https://github.com/advisories/GHSA-qppj-fm5r-hxr3
	// - https://github.com/advisories/GHSA-4374-p667-p6c8
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}

	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	// Initial webhook TLS options
	webhookTLSOpts := tlsOpts
	webhookServerOptions := webhook.Options{
		TLSOpts: webhookTLSOpts,
	}

	if len(webhookCertPath) > 0 {
		setupLog.Info("Initializing webhook certificate watcher using provided certificates",
			"webhook-cert-path", webhookCertPath, "webhook-cert-name", webhookCertName, "webhook-cert-key", webhookCertKey)

		webhookServerOptions.CertDir = webhookCertPath
		webhookServerOptions.CertName = webhookCertName
		webhookServerOptions.KeyName = webhookCertKey
	}

	webhookServer := webhook.NewServer(webhookServerOptions)

	metricsServerOptions := metricsserver.Options{
		BindAddress:   metricsAddr,
		SecureServing: secureMetrics,
		TLSOpts:       tlsOpts,
	}

	if secureMetrics {
		// FilterProvider is used to protect the metrics endpoint with authn/authz.
		metricsServerOptions.FilterProvider = filters.WithAuthenticationAndAuthorization
	}

	if len(metricsCertPath) > 0 {
		setupLog.Info("Initializing metrics certificate watcher using provided certificates",
			"metrics-cert-path", metricsCertPath, "metrics-cert-name", metricsCertName, "metrics-cert-key", metricsCertKey)

		metricsServerOptions.CertDir = metricsCertPath
		metricsServerOptions.CertName = metricsCertName
		metricsServerOptions.KeyName = metricsCertKey
	}

	mgr, err := ctrl.NewManager(cfg, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsServerOptions,
		WebhookServer:          webhookServer,
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "f3a92c04.ops.dscache.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	if collectorImage != "" {
		if err := ensureTriggerExists(ctx, bootstrapClient, triggerNamespace, triggerName, collectorSchedule, collectorImage); err != nil {
			setupLog.Error(err, "unable to bootstrap maintenance trigger",
				"namespace", triggerNamespace, "name", triggerName)
			os.Exit(1)
		}
	} else {
		setupLog.Info("No collector image configured, skipping bootstrap trigger")
	}

	remoteRegistrar, err := registry.NewRemoteRegistrar(remoteKubeconfig, remoteNamespace)
	if err != nil {
		setupLog.Error(err, "failed to create remote registrar")
		os.Exit(1)
	}
	if remoteRegistrar.Enabled {
		setupLog.Info("Remote registration enabled", "namespace", remoteNamespace)
	}

	var reportSink transport.ReportSink
	if reportURL != "" {
		reportSink, err = newReportSink(reportURL, reportCertPath)
		if err != nil {
			setupLog.Error(err, "failed to create run report sink")
			os.Exit(1)
		}
		setupLog.Info("Run report sink initialized successfully", "reportURL", reportURL)
	} else {
		setupLog.Info("Report URL not specified, run reporting disabled")
	}

	if err = (&controller.PeriodicTriggerReconciler{
		Client: mgr.GetClient(),
		Scheme: mgr.GetScheme(),
		Collector: &metrics.Collector{
			Client: mgr.GetClient(),
		},
		RemoteRegistrar: remoteRegistrar,
		RequeueInterval: triggerRequeueInterval,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "PeriodicTrigger")
		os.Exit(1)
	}

	// Start the run report poller if a sink is configured
	if reportSink != nil {
		poller := transporthttp.NewRunReportPoller(
			reportSink,
			mgr.GetClient(),
			triggerNamespace,
			reportInterval,
		)
		go func() {
			if err := poller.Start(context.Background()); err != nil {
				setupLog.Error(err, "Run report poller failed")
			}
		}()
		setupLog.Info("Run report poller started", "interval", reportInterval)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

// ensureTriggerExists creates the default metrics-collector trigger when it is
// missing. The spec is validated first so a bad bootstrap configuration is
// rejected before anything reaches the scheduler.
func ensureTriggerExists(
	ctx context.Context,
	k8sClient client.Client,
	namespace, name, cronSchedule, image string,
) error {
	spec := opsv1alpha1.PeriodicTriggerSpec{
		Schedule: cronSchedule,
		Image:    image,
	}
	if err := schedule.Validate(&spec); err != nil {
		return fmt.Errorf("bootstrap trigger rejected: %w", err)
	}

	trigger := &opsv1alpha1.PeriodicTrigger{}
	if err := k8sClient.Get(ctx, types.NamespacedName{Name: name, Namespace: namespace}, trigger); err != nil {
		if !apierrors.IsNotFound(err) {
			return err
		}
		trigger = &opsv1alpha1.PeriodicTrigger{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: namespace,
			},
			Spec: spec,
		}
		return k8sClient.Create(ctx, trigger)
	}

	return nil
}

// newReportSink creates a ReportSink for the admin service
func newReportSink(reportURL, certPath string) (transport.ReportSink, error) {
	if reportURL == "" {
		return nil, fmt.Errorf("report-url is required for run reporting")
	}
	if certPath == "" {
		return nil, fmt.Errorf("report-cert-path is required for run reporting")
	}
	return transporthttp.NewHTTPReporter(reportURL, certPath)
}
