// Package config gathers the environment-driven settings and fixed cluster
// identifiers shared by the bootstrap and the admission server.
package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/twr-io/imageswap-webhook/pkg/log"
)

const (
	// ServiceName is the Kubernetes service fronting the admission server.
	ServiceName = "imageswap"

	// TLSPairSecretName is the default secret holding the serving cert/key.
	TLSPairSecretName = "imageswap-tls"
	// TLSRootCASecretName holds the operator-supplied root CA for BYOC.
	TLSRootCASecretName = "imageswap-tls-ca"
	// BYOCAnnotation on the TLS secret signals operator-managed certificates.
	BYOCAnnotation = "imageswap-byoc"

	// MWCName is the MutatingWebhookConfiguration object managed by the
	// reconciler.
	MWCName = "imageswap-webhook"
	// MWCWebhookName identifies the webhook entry inside the configuration.
	MWCWebhookName = "imageswap.webhook.k8s.twr.io"

	TLSCertPath     = "/tls/cert.pem"
	TLSKeyPath      = "/tls/key.pem"
	MWCTemplatePath = "/mwc/imageswap-mwc.yaml"

	// ModeMaps is the default, map-file driven swap mode.
	ModeMaps = "MAPS"
	// ModeLegacy is the deprecated single-prefix mode.
	ModeLegacy = "LEGACY"
)

// Config is the resolved runtime configuration. It is built once at startup
// and threaded explicitly through the components that need it.
type Config struct {
	Namespace     string
	PodName       string
	LogLevel      string
	DisableLabel  string
	Mode          string
	MapsFile      string
	LegacyPrefix  string
	TLSSecretName string
}

// FromEnv resolves the configuration from the process environment.
// IMAGESWAP_NAMESPACE_NAME and IMAGESWAP_POD_NAME are required; everything
// else has a default.
func FromEnv() (Config, error) {
	cfg := Config{
		Namespace:     os.Getenv("IMAGESWAP_NAMESPACE_NAME"),
		PodName:       os.Getenv("IMAGESWAP_POD_NAME"),
		LogLevel:      getenvDefault("IMAGESWAP_LOG_LEVEL", "INFO"),
		DisableLabel:  getenvDefault("IMAGESWAP_DISABLE_LABEL", "k8s.twr.io/imageswap"),
		Mode:          getenvDefault("IMAGESWAP_MODE", ModeMaps),
		MapsFile:      getenvDefault("IMAGESWAP_MAPS_FILE", "/app/maps/imageswap-maps.conf"),
		LegacyPrefix:  os.Getenv("IMAGE_PREFIX"),
		TLSSecretName: getenvDefault("IMAGESWAP_TLS_SECRET_NAME", TLSPairSecretName),
	}
	if cfg.Namespace == "" {
		return Config{}, fmt.Errorf("IMAGESWAP_NAMESPACE_NAME must be set")
	}
	if cfg.PodName == "" {
		return Config{}, fmt.Errorf("IMAGESWAP_POD_NAME must be set")
	}
	return cfg, nil
}

// ApplyLogLevel sets the logger verbosity from the configured level, leaving
// the logger's current level unchanged when the level does not parse.
func (c Config) ApplyLogLevel(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		log.DefaultLogger.WithField("level", c.LogLevel).Warn("unknown log level, keeping default")
		return
	}
	logger.SetLevel(level)
}

func getenvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
