package main

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/twr-io/imageswap-webhook/pkg/log"
)

// CertReloader serves the keypair the bootstrap wrote to disk and picks up a
// rotated pair without restarting the server.
type CertReloader struct {
	fs       afero.Fs
	certPath string
	keyPath  string

	mu                sync.Mutex
	cachedCert        *tls.Certificate
	cachedCertModTime time.Time
}

func NewCertReloader(fs afero.Fs, certPath, keyPath string) *CertReloader {
	return &CertReloader{
		fs:       fs,
		certPath: certPath,
		keyPath:  keyPath,
	}
}

func (cr *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	stat, err := cr.fs.Stat(cr.certPath)
	if err != nil {
		return nil, fmt.Errorf("failed checking cert file modification time: %w", err)
	}
	if cr.cachedCert == nil || stat.ModTime().After(cr.cachedCertModTime) {
		certPEM, err := afero.ReadFile(cr.fs, cr.certPath)
		if err != nil {
			return nil, fmt.Errorf("failed reading cert file: %w", err)
		}
		keyPEM, err := afero.ReadFile(cr.fs, cr.keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed reading key file: %w", err)
		}
		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed loading tls key pair: %w", err)
		}
		cr.cachedCert = &pair
		cr.cachedCertModTime = stat.ModTime()
		log.DefaultLogger.Info("TLS certificate loaded")
	}
	return cr.cachedCert, nil
}
