// Package main is the entry point for the ingrate Ingress controller.
//
// ingrate watches Ingress objects (optionally restricted to a label
// selector) together with the Services and Secrets they reference,
// derives an HAProxy configuration from them, and keeps a ConfigMap and
// Deployment rolled out to match. Once the managed Deployment's exposure
// Services acquire a load-balancer address, that status is reflected
// back onto every managed Ingress.
//
// Example usage:
//
//	# Run against every Ingress in the cluster for instance "web"
//	./ingrate default web
//
//	# Restrict to Ingresses carrying a label, with verbose logging
//	./ingrate -v -v -l team=checkout default web
package main

import (
	"os"

	"github.com/spf13/pflag"

	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/maternity-io/ingrate/internal/controller"
)

var (
	scheme = runtime.NewScheme()

	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	var verbosity int
	var selector string
	var metricsAddr string
	var probeAddr string

	pflag.CountVarP(&verbosity, "verbose", "v", "increase log verbosity; repeatable")
	pflag.StringVarP(&selector, "selector", "l", "", "label selector restricting which Ingresses to manage")
	pflag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "the address the metrics endpoint binds to")
	pflag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "the address the probe endpoint binds to")
	pflag.Parse()

	args := pflag.Args()
	if len(args) != 2 {
		setupLog.Info("usage: ingrate [flags] NAMESPACE NAME")
		os.Exit(2)
	}
	namespace, name := args[0], args[1]

	// The default level is Warn; more -v means more verbose, i.e. a more
	// negative zap level, mirroring the original's "level -= args.verbose*10".
	opts := zap.Options{
		Development: true,
		Level:       zapcore.WarnLevel - zapcore.Level(verbosity),
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                server.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         false,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	client, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		setupLog.Error(err, "unable to create kubernetes client")
		os.Exit(1)
	}

	ctx := log.IntoContext(ctrl.SetupSignalHandler(), setupLog)

	go func() {
		setupLog.Info("starting manager")
		if err := mgr.Start(ctx); err != nil {
			setupLog.Error(err, "problem running manager")
			os.Exit(1)
		}
	}()

	setupLog.Info("starting ingrate", "namespace", namespace, "name", name, "selector", selector)
	controller.Run(ctx, controller.Config{
		Client:        client,
		Namespace:     namespace,
		Name:          name,
		LabelSelector: selector,
	})

	// ctx is only ever cancelled by the signal handler above, so its
	// presence here means a SIGINT/SIGTERM stopped the run. Per spec.md's
	// "SIGINT → 1", every signalled shutdown exits 1, clean or not — the
	// original's "except KeyboardInterrupt: rc = 1" draws no distinction.
	if ctx.Err() != nil {
		setupLog.Info("shutting down on signal")
		os.Exit(1)
	}
}
