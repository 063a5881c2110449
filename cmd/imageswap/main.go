package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/twr-io/imageswap-webhook/pkg/admission"
	"github.com/twr-io/imageswap-webhook/pkg/config"
	"github.com/twr-io/imageswap-webhook/pkg/httputils"
	"github.com/twr-io/imageswap-webhook/pkg/log"
	"github.com/twr-io/imageswap-webhook/pkg/mapstore"
	"github.com/twr-io/imageswap-webhook/pkg/swap"
)

const version = "v1.5.3"

func main() {
	var addr, metricsAddr string
	var reloadInterval time.Duration

	flag.StringVar(&addr, "addr", ":5000", "The address the admission endpoint binds to.")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "The address the metric endpoint binds to.")
	flag.DurationVar(&reloadInterval, "maps-reload-interval", 30*time.Second, "How often to check the map file for changes.")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Main(ctx, afero.NewOsFs(), addr, metricsAddr, config.TLSCertPath, config.TLSKeyPath, reloadInterval); err != nil {
		log.DefaultLogger.WithError(err).Error("imageswap server failed")
		os.Exit(1)
	}
}

func Main(ctx context.Context, fs afero.Fs, addr, metricsAddr, certPath, keyPath string, reloadInterval time.Duration) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	cfg.ApplyLogLevel(log.DefaultLogger)
	ctx = log.AddLogFieldsToContext(ctx, logrus.Fields{"pod": cfg.PodName})
	log.DefaultLogger.WithContext(ctx).WithField("version", version).Info("ImageSwap startup")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "imageswap",
		Name:      "build_info",
		Help:      "Build information of the running binary",
	}, []string{"version"})
	registry.MustRegister(buildInfo)
	buildInfo.WithLabelValues(version).Set(1)

	swapper, err := newSwapper(ctx, fs, cfg, registry, reloadInterval)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", httputils.InstrumentHandler(
		registry,
		prometheus.Opts{
			Namespace: "imageswap",
			Subsystem: "webhook",
		},
		httputils.StandardHandlerLabeller,
		admission.NewHandler(
			swapper,
			admission.WithMetricsRegistry(registry),
			admission.WithDisableLabel(cfg.DisableLabel),
		),
	))
	mux.Handle("/healthz", admission.HealthHandler(cfg.PodName))

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
		TLSConfig: &tls.Config{
			GetCertificate: NewCertReloader(fs, certPath, keyPath).GetCertificate,
		},
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: metricsMux,
	}

	errs := make(chan error, 2)
	go func() {
		log.DefaultLogger.WithContext(ctx).WithField("addr", addr).Info("starting admission server")
		errs <- server.ListenAndServeTLS("", "")
	}()
	go func() {
		log.DefaultLogger.WithContext(ctx).WithField("addr", metricsAddr).Info("starting metrics server")
		errs <- metricsServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.DefaultLogger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if metricsErr := metricsServer.Shutdown(shutdownCtx); err == nil {
			err = metricsErr
		}
		return err
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// newSwapper selects the MAPS or LEGACY resolution strategy from the
// configured mode.
func newSwapper(ctx context.Context, fs afero.Fs, cfg config.Config, registry prometheus.Registerer, reloadInterval time.Duration) (admission.Swapper, error) {
	switch cfg.Mode {
	case config.ModeMaps:
		log.DefaultLogger.WithContext(ctx).Info(`ImageSwap running in "MAPS" mode`)
		store, err := mapstore.NewStore(fs, cfg.MapsFile, mapstore.WithMetricsRegistry(registry))
		if err != nil {
			return nil, err
		}
		go store.Run(ctx, reloadInterval)
		return admission.SwapperFunc(func(ctx context.Context, image string) swap.Result {
			return swap.Resolve(image, store.Tables())
		}), nil
	case config.ModeLegacy:
		log.DefaultLogger.WithContext(ctx).Warn(`ImageSwap running in "LEGACY" mode. This mode is deprecated, please migrate to the MAPS configuration`)
		return admission.SwapperFunc(func(ctx context.Context, image string) swap.Result {
			return swap.LegacyResolve(image, cfg.LegacyPrefix)
		}), nil
	default:
		return nil, fmt.Errorf("unknown IMAGESWAP_MODE %q", cfg.Mode)
	}
}
