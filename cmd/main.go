/*
Copyright 2026.

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

// runboat deploys short-lived instances of application builds from
// GitHub branches and pull requests onto a Kubernetes cluster.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/config"
	"github.com/runboat/runboat/internal/controller"
	"github.com/runboat/runboat/internal/events"
	"github.com/runboat/runboat/internal/github"
	"github.com/runboat/runboat/internal/index"
	"github.com/runboat/runboat/internal/kube"
	"github.com/runboat/runboat/internal/metrics"
	"github.com/runboat/runboat/internal/server"
)

// version is set at build time with -ldflags.
var version = "dev"

var setupLog = ctrl.Log.WithName("setup")

func main() {
	root := &cobra.Command{
		Use:          "runboat",
		Short:        "runbot on Kubernetes",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), newVersionCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runboat version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newServeCommand() *cobra.Command {
	var (
		listenAddr      string
		metricsAddr     string
		probeAddr       string
		shutdownTimeout time.Duration
	)
	zapFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	zapOpts := zap.Options{}
	zapOpts.BindFlags(zapFlags)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller and the HTTP API",
		RunE: func(*cobra.Command, []string) error {
			return serve(listenAddr, metricsAddr, probeAddr, shutdownTimeout, &zapOpts)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":8000", "The address the API and web UI bind to.")
	cmd.Flags().StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	cmd.Flags().StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "How long to wait for in-flight requests on shutdown.")
	cmd.Flags().AddGoFlagSet(zapFlags)
	return cmd
}

func serve(listenAddr, metricsAddr, probeAddr string, shutdownTimeout time.Duration, zapOpts *zap.Options) error {
	settings, err := config.Read()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	if settings.LogConfig == "devel" || settings.LogConfig == "debug" {
		zapOpts.Development = true
	}
	if lvl, err := zapcore.ParseLevel(settings.LogConfig); settings.LogConfig != "" && err == nil {
		zapOpts.Level = lvl
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(zapOpts)))
	log := ctrl.Log.WithName("runboat")
	ctx := ctrl.SetupSignalHandler()

	buildSelector, err := labels.Parse(build.LabelBuild)
	if err != nil {
		return err
	}
	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		Cache: cache.Options{
			DefaultNamespaces: map[string]cache.Config{settings.BuildNamespace: {}},
			ByObject: map[client.Object]cache.ByObject{
				&appsv1.Deployment{}: {Label: buildSelector},
				&batchv1.Job{}:       {Label: buildSelector},
			},
		},
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return err
	}

	// Pod log reads stream through the clientset, outside the cache.
	clientset, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		setupLog.Error(err, "unable to create clientset")
		return err
	}

	idx := index.New(log.WithName("index"))
	bus := events.New(log.WithName("events"))
	idx.AddListener(bus.Publish)
	idx.AddListener(metrics.Register(idx))

	gateway := kube.NewGateway(mgr.GetClient(), clientset, settings.BuildNamespace, log.WithName("kube"))
	gh := github.NewClient(ctx, settings.GithubToken)
	c := controller.New(settings, idx, gateway, gh, log.WithName("controller"))

	if err := (&controller.DeploymentReconciler{Client: mgr.GetClient(), Controller: c}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "deployment")
		return err
	}
	if err := (&controller.JobReconciler{Client: mgr.GetClient(), Controller: c}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "job")
		return err
	}

	initializer := c.NewInitializer()
	stopper := c.NewStopper()
	undeployer := c.NewUndeployer()
	wake := func() {
		initializer.Wake()
		stopper.Wake()
		undeployer.Wake()
	}
	idx.AddListener(func(build.Event) { wake() })
	for _, loop := range []*controller.Loop{initializer, stopper, undeployer} {
		if err := mgr.Add(loop); err != nil {
			setupLog.Error(err, "unable to add capacity loop")
			return err
		}
	}
	if err := mgr.Add(&controller.Warmup{
		Cache:      mgr.GetCache(),
		Client:     mgr.GetClient(),
		Controller: c,
		Wake:       wake,
	}); err != nil {
		setupLog.Error(err, "unable to add warmup")
		return err
	}

	if settings.GithubToken != "" && !settings.DisableCommitStatuses {
		notifier := github.NewStatusNotifier(gh, settings.BaseURL, log.WithName("statuses"))
		idx.AddListener(notifier.OnBuildEvent)
		if err := mgr.Add(notifier); err != nil {
			setupLog.Error(err, "unable to add status notifier")
			return err
		}
	}

	if err := mgr.Add(server.New(settings, c, bus, log.WithName("http"), listenAddr, shutdownTimeout)); err != nil {
		setupLog.Error(err, "unable to add http server")
		return err
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", func(*http.Request) error {
		if !idx.Ready() {
			return errors.New("index not ready")
		}
		return nil
	}); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	setupLog.Info("starting manager", "version", version)
	defer bus.Close()
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		return err
	}
	return nil
}
