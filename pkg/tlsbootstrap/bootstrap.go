// Package tlsbootstrap establishes the webhook's TLS identity before the
// admission server starts: it generates or reuses a keypair, obtains a
// cluster-signed certificate through the CertificateSigningRequest API, and
// converges the shared TLS secret across replicas.
package tlsbootstrap

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	certificatesv1 "k8s.io/api/certificates/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"github.com/twr-io/imageswap-webhook/pkg/config"
	"github.com/twr-io/imageswap-webhook/pkg/log"
)

const (
	// SecretCertKey and SecretKeyKey are the data keys of the TLS secret.
	SecretCertKey = "cert.pem"
	SecretKeyKey  = "key.pem"
	// RootCAKey is the data key of the BYOC root CA secret.
	RootCAKey = "rootca.pem"
	// UpdatedByPodLabel identifies the replica that last wrote the secret.
	UpdatedByPodLabel = "imageswap/updated-by-pod"

	appLabelValue = "imageswap"

	// rotateThreshold is the remaining validity below which a cluster-signed
	// cert is re-issued. Kubelet-serving certs are valid for a year; rotating
	// early keeps a wide margin.
	rotateThreshold = 180 * 24 * time.Hour
)

// CertSource tags where the TLS material comes from; it selects the branches
// of the rotation state machine.
type CertSource int

const (
	// CertSourceClusterSigned is the default: the bootstrap owns the pair and
	// rotates it through the CSR API.
	CertSourceClusterSigned CertSource = iota
	// CertSourceBYOC marks operator-supplied material that is never rotated
	// here.
	CertSourceBYOC
)

func (s CertSource) String() string {
	if s == CertSourceBYOC {
		return "byoc"
	}
	return "cluster-signed"
}

// TLSPair is the PEM-encoded certificate and private key handed to the
// admission server.
type TLSPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

func (p TLSPair) complete() bool {
	return len(p.CertPEM) > 0 && len(p.KeyPEM) > 0
}

type Option func(*Bootstrapper)

type Bootstrapper struct {
	client kubernetes.Interface
	fs     afero.Fs

	namespace        string
	podName          string
	serviceName      string
	secretName       string
	rootCASecretName string
	byocAnnotation   string
	tlsDir           string

	csrPollInterval    time.Duration
	csrTimeout         time.Duration
	writerPollInterval time.Duration
	writerTimeout      time.Duration

	now func() time.Time
}

func New(client kubernetes.Interface, namespace, podName string, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		client:             client,
		fs:                 afero.NewOsFs(),
		namespace:          namespace,
		podName:            podName,
		serviceName:        config.ServiceName,
		secretName:         config.TLSPairSecretName,
		rootCASecretName:   config.TLSRootCASecretName,
		byocAnnotation:     config.BYOCAnnotation,
		tlsDir:             filepath.Dir(config.TLSCertPath),
		csrPollInterval:    500 * time.Millisecond,
		csrTimeout:         5 * time.Second,
		writerPollInterval: 5 * time.Second,
		writerTimeout:      30 * time.Second,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func WithFs(fs afero.Fs) Option {
	return func(b *Bootstrapper) {
		b.fs = fs
	}
}

func WithSecretName(name string) Option {
	return func(b *Bootstrapper) {
		b.secretName = name
	}
}

func WithServiceName(name string) Option {
	return func(b *Bootstrapper) {
		b.serviceName = name
	}
}

func WithTLSDir(dir string) Option {
	return func(b *Bootstrapper) {
		b.tlsDir = dir
	}
}

func WithCSRWindow(pollInterval, timeout time.Duration) Option {
	return func(b *Bootstrapper) {
		b.csrPollInterval = pollInterval
		b.csrTimeout = timeout
	}
}

func WithWriterWindow(pollInterval, timeout time.Duration) Option {
	return func(b *Bootstrapper) {
		b.writerPollInterval = pollInterval
		b.writerTimeout = timeout
	}
}

// Run executes the bootstrap state machine. Any returned error is fatal for
// the pod; the next restart retries from scratch.
func (b *Bootstrapper) Run(ctx context.Context) (CertSource, error) {
	ctx = log.AddLogFieldsToContext(ctx, logrus.Fields{"secret": b.secretName, "namespace": b.namespace})
	log.DefaultLogger.WithContext(ctx).Info("starting TLS init process")

	secret, pair, found, source, err := b.readSecret(ctx)
	if err != nil {
		return source, err
	}
	if found {
		log.DefaultLogger.WithContext(ctx).WithField("source", source.String()).Info("existing TLS secret found")
	}

	rotate, err := b.shouldRotate(ctx, secret, found, source)
	if err != nil {
		return source, err
	}
	if rotate {
		log.DefaultLogger.WithContext(ctx).Info("generating new cert/key pair")
		pair, err = b.issuePair(ctx)
		if err != nil {
			return source, err
		}
	}

	pair, err = b.writeSecret(ctx, found, rotate, source, pair)
	if err != nil {
		return source, err
	}
	if err := b.writeLocalFiles(ctx, pair); err != nil {
		return source, err
	}
	log.DefaultLogger.WithContext(ctx).Info("TLS init complete")
	return source, nil
}

// readSecret fetches the TLS secret and classifies its source. A 404 is the
// expected first-boot branch; any other API error is fatal.
func (b *Bootstrapper) readSecret(ctx context.Context) (*corev1.Secret, TLSPair, bool, CertSource, error) {
	secret, err := b.client.CoreV1().Secrets(b.namespace).Get(ctx, b.secretName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		log.DefaultLogger.WithContext(ctx).Info("TLS secret not found")
		return nil, TLSPair{}, false, CertSourceClusterSigned, nil
	}
	if err != nil {
		return nil, TLSPair{}, false, CertSourceClusterSigned, fmt.Errorf("reading secret %s/%s: %w", b.namespace, b.secretName, err)
	}

	pair := TLSPair{
		CertPEM: secret.Data[SecretCertKey],
		KeyPEM:  secret.Data[SecretKeyKey],
	}

	source := CertSourceClusterSigned
	if _, ok := secret.Annotations[b.byocAnnotation]; ok {
		log.DefaultLogger.WithContext(ctx).Info("bring-your-own-cert annotation detected")
		if err := b.checkRootCASecret(ctx); err != nil {
			return nil, TLSPair{}, false, CertSourceBYOC, err
		}
		source = CertSourceBYOC
	}
	return secret, pair, true, source, nil
}

// checkRootCASecret requires the BYOC companion secret to exist and carry a
// non-empty root CA bundle.
func (b *Bootstrapper) checkRootCASecret(ctx context.Context) error {
	secret, err := b.client.CoreV1().Secrets(b.namespace).Get(ctx, b.rootCASecretName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("bring-your-own-cert annotation specified but secret %s/%s could not be read: %w", b.namespace, b.rootCASecretName, err)
	}
	if len(secret.Data[RootCAKey]) == 0 {
		return fmt.Errorf("no %q key found or value is blank in secret %s/%s", RootCAKey, b.namespace, b.rootCASecretName)
	}
	return nil
}

// shouldRotate implements the DECIDE state.
func (b *Bootstrapper) shouldRotate(ctx context.Context, secret *corev1.Secret, found bool, source CertSource) (bool, error) {
	if !found {
		return true, nil
	}
	pair := TLSPair{CertPEM: secret.Data[SecretCertKey], KeyPEM: secret.Data[SecretKeyKey]}
	if !pair.complete() {
		if source == CertSourceBYOC {
			return false, fmt.Errorf("bring-your-own-cert annotation used but the cert/key values are blank")
		}
		return true, nil
	}

	cert, err := parseCertificate(pair.CertPEM)
	if err != nil {
		if source == CertSourceBYOC {
			return false, fmt.Errorf("parsing operator-supplied certificate: %w", err)
		}
		log.DefaultLogger.WithContext(ctx).WithError(err).Warn("existing certificate does not parse, rotating")
		return true, nil
	}

	remaining := cert.NotAfter.Sub(b.now())
	log.DefaultLogger.WithContext(ctx).WithField("daysRemaining", int(remaining.Hours()/24)).Info("days until cert expiration")
	if remaining > rotateThreshold {
		return false, nil
	}
	if source == CertSourceBYOC {
		log.DefaultLogger.WithContext(ctx).Warn("certificate is past the rotation threshold but is operator-supplied, not rotating")
		return false, nil
	}
	return true, nil
}

// issuePair runs GENERATE and CSR_CYCLE: a fresh RSA keypair signed by the
// cluster through the kubelet-serving signer.
func (b *Bootstrapper) issuePair(ctx context.Context) (TLSPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return TLSPair{}, fmt.Errorf("generating RSA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	csrName := fmt.Sprintf("%s.%s.cert-request", b.serviceName, b.namespace)
	csr, err := b.buildCSR(csrName, key)
	if err != nil {
		return TLSPair{}, err
	}
	if err := b.submitAndApprove(ctx, csr); err != nil {
		return TLSPair{}, err
	}
	certPEM, err := b.waitForCertificate(ctx, csrName)
	if err != nil {
		return TLSPair{}, err
	}
	return TLSPair{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// buildCSR shapes the request the way the kubelet-serving signer expects:
// a node-style subject plus the service DNS names.
func (b *Bootstrapper) buildCSR(name string, key *rsa.PrivateKey) (*certificatesv1.CertificateSigningRequest, error) {
	dnsNames := []string{
		b.serviceName,
		fmt.Sprintf("%s.%s", b.serviceName, b.namespace),
		fmt.Sprintf("%s.%s.svc", b.serviceName, b.namespace),
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   "system:node:" + dnsNames[2],
			Organization: []string{"system:nodes"},
		},
		DNSNames:           dnsNames,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("building certificate request: %w", err)
	}

	return &certificatesv1.CertificateSigningRequest{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"app": appLabelValue},
		},
		Spec: certificatesv1.CertificateSigningRequestSpec{
			Request:    pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}),
			SignerName: certificatesv1.KubeletServingSignerName,
			Usages: []certificatesv1.KeyUsage{
				certificatesv1.UsageKeyEncipherment,
				certificatesv1.UsageDigitalSignature,
				certificatesv1.UsageServerAuth,
			},
			Groups: []string{"system:authenticated"},
		},
	}, nil
}

// submitAndApprove deletes any prior request of the same name, creates the
// new one and self-approves it. Several replicas may race here: losing the
// create is fine, the winner's request is consumed instead.
func (b *Bootstrapper) submitAndApprove(ctx context.Context, csr *certificatesv1.CertificateSigningRequest) error {
	csrs := b.client.CertificatesV1().CertificateSigningRequests()

	err := csrs.Delete(ctx, csr.Name, metav1.DeleteOptions{})
	switch {
	case apierrors.IsNotFound(err):
		log.DefaultLogger.WithContext(ctx).Info("no existing certificate request found")
	case err != nil:
		return fmt.Errorf("deleting existing certificate request %q: %w", csr.Name, err)
	default:
		log.DefaultLogger.WithContext(ctx).Info("existing certificate request deleted")
	}

	_, err = csrs.Create(ctx, csr, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		log.DefaultLogger.WithContext(ctx).WithField("csr", csr.Name).Info("another replica submitted the certificate request, consuming it")
	} else if err != nil {
		return fmt.Errorf("creating certificate request %q: %w", csr.Name, err)
	}

	submitted, err := csrs.Get(ctx, csr.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("reading certificate request %q: %w", csr.Name, err)
	}
	submitted.Status.Conditions = append(submitted.Status.Conditions, certificatesv1.CertificateSigningRequestCondition{
		Type:           certificatesv1.CertificateApproved,
		Status:         corev1.ConditionTrue,
		Reason:         "ImageSwap-Approve",
		Message:        fmt.Sprintf("This certificate was approved by ImageSwap (pod: %s)", b.podName),
		LastUpdateTime: metav1.NewTime(b.now()),
	})
	if _, err := csrs.UpdateApproval(ctx, csr.Name, submitted, metav1.UpdateOptions{}); err != nil {
		// A concurrent replica may have approved first; the poll below tells
		// us whether an approved certificate materializes either way.
		log.DefaultLogger.WithContext(ctx).WithError(err).Info("unable to update certificate request approval")
	}
	return nil
}

// waitForCertificate polls the CSR status until the signer populated the
// certificate and an approval condition is visible.
func (b *Bootstrapper) waitForCertificate(ctx context.Context, name string) ([]byte, error) {
	var certPEM []byte
	err := wait.PollUntilContextTimeout(ctx, b.csrPollInterval, b.csrTimeout, true, func(ctx context.Context) (bool, error) {
		csr, err := b.client.CertificatesV1().CertificateSigningRequests().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			log.DefaultLogger.WithContext(ctx).WithError(err).Info("problem reading certificate request")
			return false, nil
		}
		approved := false
		for _, condition := range csr.Status.Conditions {
			if condition.Type == certificatesv1.CertificateApproved {
				approved = true
				break
			}
		}
		if !approved || len(csr.Status.Certificate) == 0 {
			log.DefaultLogger.WithContext(ctx).Info("waiting for certificate approval")
			return false, nil
		}
		certPEM = csr.Status.Certificate
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("timed out reading certificate request %q: %w", name, err)
	}
	log.DefaultLogger.WithContext(ctx).Info("found approved certificate")
	return certPEM, nil
}

// writeSecret converges the shared secret across replicas and returns the
// pair the local files must carry.
func (b *Bootstrapper) writeSecret(ctx context.Context, found, rotated bool, source CertSource, pair TLSPair) (TLSPair, error) {
	secrets := b.client.CoreV1().Secrets(b.namespace)

	if !found {
		log.DefaultLogger.WithContext(ctx).Info("creating TLS secret")
		secret := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:      b.secretName,
				Namespace: b.namespace,
				Labels: map[string]string{
					"app":             appLabelValue,
					UpdatedByPodLabel: b.podName,
				},
			},
			Type: corev1.SecretTypeTLS,
			Data: map[string][]byte{
				SecretCertKey: pair.CertPEM,
				SecretKeyKey:  pair.KeyPEM,
			},
		}
		_, err := secrets.Create(ctx, secret, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			// Lost the creation race: wait for the winner and take its pair.
			log.DefaultLogger.WithContext(ctx).Info("another replica created the TLS secret")
			b.waitForWriter(ctx)
			return b.currentSecretPair(ctx, pair)
		}
		if err != nil {
			return pair, fmt.Errorf("creating secret %s/%s: %w", b.namespace, b.secretName, err)
		}
		log.DefaultLogger.WithContext(ctx).Info("new TLS secret created")
		return pair, nil
	}

	b.waitForWriter(ctx)

	if rotated && source != CertSourceBYOC {
		patch := map[string]interface{}{
			"metadata": map[string]interface{}{
				"labels": map[string]string{UpdatedByPodLabel: b.podName},
			},
			"data": map[string][]byte{
				SecretCertKey: pair.CertPEM,
				SecretKeyKey:  pair.KeyPEM,
			},
		}
		payload, err := json.Marshal(patch)
		if err != nil {
			return pair, fmt.Errorf("encoding secret patch: %w", err)
		}
		if _, err := secrets.Patch(ctx, b.secretName, types.StrategicMergePatchType, payload, metav1.PatchOptions{}); err != nil {
			return pair, fmt.Errorf("patching secret %s/%s: %w", b.namespace, b.secretName, err)
		}
		log.DefaultLogger.WithContext(ctx).Info("patched new cert/key into existing secret")
		return pair, nil
	}

	// Not rotating: another replica may have refreshed the pair while we
	// waited, so serve whatever the secret holds now.
	return b.currentSecretPair(ctx, pair)
}

// waitForWriter polls for the updated-by-pod label to be set by whichever
// replica won the write race. On timeout the bootstrap proceeds with
// whatever is currently in the secret.
func (b *Bootstrapper) waitForWriter(ctx context.Context) {
	log.DefaultLogger.WithContext(ctx).Info("waiting for race winning pod")
	err := wait.PollUntilContextTimeout(ctx, b.writerPollInterval, b.writerTimeout, true, func(ctx context.Context) (bool, error) {
		secret, err := b.client.CoreV1().Secrets(b.namespace).Get(ctx, b.secretName, metav1.GetOptions{})
		if err != nil {
			log.DefaultLogger.WithContext(ctx).WithError(err).Info("problem reading TLS secret while waiting for writer")
			return false, nil
		}
		return secret.Labels[UpdatedByPodLabel] != "", nil
	})
	if err != nil {
		log.DefaultLogger.WithContext(ctx).Warn("no writer label observed in time, proceeding with the current secret content")
	}
}

// currentSecretPair re-reads the secret and prefers its content over the
// locally held pair when complete.
func (b *Bootstrapper) currentSecretPair(ctx context.Context, fallback TLSPair) (TLSPair, error) {
	secret, err := b.client.CoreV1().Secrets(b.namespace).Get(ctx, b.secretName, metav1.GetOptions{})
	if err != nil {
		return fallback, fmt.Errorf("re-reading secret %s/%s: %w", b.namespace, b.secretName, err)
	}
	pair := TLSPair{
		CertPEM: secret.Data[SecretCertKey],
		KeyPEM:  secret.Data[SecretKeyKey],
	}
	if !pair.complete() {
		log.DefaultLogger.WithContext(ctx).Warn("secret content is incomplete, keeping locally held pair")
		return fallback, nil
	}
	return pair, nil
}

// writeLocalFiles persists the pair where the admission server expects it.
func (b *Bootstrapper) writeLocalFiles(ctx context.Context, pair TLSPair) error {
	log.DefaultLogger.WithContext(ctx).WithField("dir", b.tlsDir).Info("writing cert and key locally")
	if err := b.fs.MkdirAll(b.tlsDir, 0o755); err != nil {
		return fmt.Errorf("creating TLS directory %s: %w", b.tlsDir, err)
	}
	if err := afero.WriteFile(b.fs, filepath.Join(b.tlsDir, SecretCertKey), pair.CertPEM, 0o644); err != nil {
		return fmt.Errorf("writing local certificate: %w", err)
	}
	if err := afero.WriteFile(b.fs, filepath.Join(b.tlsDir, SecretKeyKey), pair.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("writing local key: %w", err)
	}
	return nil
}

func parseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in certificate data")
	}
	return x509.ParseCertificate(block.Bytes)
}
