package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/twr-io/imageswap-webhook/pkg/config"
	"github.com/twr-io/imageswap-webhook/pkg/log"
	"github.com/twr-io/imageswap-webhook/pkg/tlsbootstrap"
	"github.com/twr-io/imageswap-webhook/pkg/webhookconfig"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Main(ctx); err != nil {
		log.DefaultLogger.WithError(err).Error("imageswap init failed")
		os.Exit(1)
	}
}

func Main(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	cfg.ApplyLogLevel(log.DefaultLogger)
	ctx = log.AddLogFieldsToContext(ctx, logrus.Fields{"pod": cfg.PodName})
	log.DefaultLogger.WithContext(ctx).Info("ImageSwap Init")

	restConfig, err := clusterConfig(ctx)
	if err != nil {
		return err
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return err
	}

	source, err := tlsbootstrap.New(
		client,
		cfg.Namespace,
		cfg.PodName,
		tlsbootstrap.WithSecretName(cfg.TLSSecretName),
	).Run(ctx)
	if err != nil {
		return err
	}

	opts := []webhookconfig.Option{}
	if restConfig.TLSClientConfig.CAFile != "" {
		opts = append(opts, webhookconfig.WithClusterCAPath(restConfig.TLSClientConfig.CAFile))
	}
	if err := webhookconfig.NewReconciler(client, cfg.Namespace, opts...).Reconcile(ctx, source); err != nil {
		return err
	}
	log.DefaultLogger.WithContext(ctx).Info("Done")
	return nil
}

// clusterConfig prefers the in-cluster service account and falls back to the
// local kubeconfig for development.
func clusterConfig(ctx context.Context) (*rest.Config, error) {
	restConfig, err := rest.InClusterConfig()
	if err == nil {
		return restConfig, nil
	}
	log.DefaultLogger.WithContext(ctx).WithError(err).Info("not running in-cluster, loading local kubeconfig")
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{},
	).ClientConfig()
}
