package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"

	"github.com/twr-io/imageswap-webhook/pkg/config"
)

func writeSelfSignedPair(t *testing.T, fs afero.Fs) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"imageswap-integration-test"},
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(24 * time.Hour),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, config.TLSCertPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, afero.WriteFile(fs, config.TLSKeyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
}

func TestImageSwapMain(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "true" {
		t.Skip("RUN_INTEGRATION_TESTS environment variable is not set, skipping integration test")
		return
	}

	fs := afero.NewMemMapFs()
	writeSelfSignedPair(t, fs)
	require.NoError(t, afero.WriteFile(fs, "/app/maps/imageswap-maps.conf", []byte("default :: default.example.com\n"), 0o644))

	t.Setenv("IMAGESWAP_NAMESPACE_NAME", "imageswap-system")
	t.Setenv("IMAGESWAP_POD_NAME", "imageswap-integration")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Main(ctx, fs, "127.0.0.1:15000", "127.0.0.1:19090", config.TLSCertPath, config.TLSKeyPath, time.Second)
	}()

	client := http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	assert.Eventually(t, func() bool {
		resp, err := client.Get("https://127.0.0.1:15000/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 30*time.Second, 250*time.Millisecond, "webhook never became available")

	pod := corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "test-pod", Namespace: "default"},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{Name: "main", Image: "quay.io/istio/istiod:1.17"},
			},
		},
	}
	podRaw, err := json.Marshal(pod)
	require.NoError(t, err)
	review := admissionv1.AdmissionReview{
		Request: &admissionv1.AdmissionRequest{
			UID:    types.UID("integration-uid"),
			Object: runtime.RawExtension{Raw: podRaw},
		},
	}
	review.APIVersion = "admission.k8s.io/v1"
	review.Kind = "AdmissionReview"
	review.Request.Kind.Kind = "Pod"
	body, err := json.Marshal(review)
	require.NoError(t, err)

	resp, err := client.Post("https://127.0.0.1:15000/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	answer := admissionv1.AdmissionReview{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	require.NotNil(t, answer.Response)
	assert.True(t, answer.Response.Allowed)
	assert.Equal(t, types.UID("integration-uid"), answer.Response.UID)
	assert.NotEmpty(t, answer.Response.Patch)

	metricsResp, err := http.Get("http://127.0.0.1:19090/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	metricsBody, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metricsBody), "imageswap_admission_requests_total")
	assert.Contains(t, string(metricsBody), "imageswap_build_info")

	cancel()
	assert.NoError(t, <-done)
}
