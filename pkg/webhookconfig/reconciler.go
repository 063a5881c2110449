// Package webhookconfig installs and converges the cluster's
// MutatingWebhookConfiguration: it loads a local template, injects the trust
// bundle the API server must use to talk to the webhook, and creates or
// patches the cluster object to match.
package webhookconfig

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"

	"github.com/twr-io/imageswap-webhook/pkg/config"
	"github.com/twr-io/imageswap-webhook/pkg/log"
	"github.com/twr-io/imageswap-webhook/pkg/tlsbootstrap"
)

const (
	pksNamespace        = "pks-system"
	pksConfigMapName    = "extension-apiserver-authentication"
	pksConfigMapKey     = "client-ca-file"
	kubeSystemNamespace = "kube-system"
	inClusterCAFilePath = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
)

type Option func(*Reconciler)

type Reconciler struct {
	client kubernetes.Interface
	fs     afero.Fs

	namespace        string
	templatePath     string
	configName       string
	webhookName      string
	rootCASecretName string
	clusterCAPath    string
}

func NewReconciler(client kubernetes.Interface, namespace string, opts ...Option) *Reconciler {
	r := &Reconciler{
		client:           client,
		fs:               afero.NewOsFs(),
		namespace:        namespace,
		templatePath:     config.MWCTemplatePath,
		configName:       config.MWCName,
		webhookName:      config.MWCWebhookName,
		rootCASecretName: config.TLSRootCASecretName,
		clusterCAPath:    inClusterCAFilePath,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func WithFs(fs afero.Fs) Option {
	return func(r *Reconciler) {
		r.fs = fs
	}
}

func WithTemplatePath(path string) Option {
	return func(r *Reconciler) {
		r.templatePath = path
	}
}

func WithClusterCAPath(path string) Option {
	return func(r *Reconciler) {
		r.clusterCAPath = path
	}
}

// Reconcile loads the template, injects the trust bundle derived from source,
// and creates the cluster configuration, or patches it once when it differs
// from the template.
func (r *Reconciler) Reconcile(ctx context.Context, source tlsbootstrap.CertSource) error {
	ctx = log.AddLogFieldsToContext(ctx, logrus.Fields{"mwc": r.configName})

	desired, err := r.loadTemplate()
	if err != nil {
		return err
	}
	bundle, err := r.rootCA(ctx, source)
	if err != nil {
		return err
	}
	index := findWebhookIndex(desired, r.webhookName)
	if index < 0 {
		return fmt.Errorf("webhook %q not found in template %s", r.webhookName, r.templatePath)
	}
	desired.Webhooks[index].ClientConfig.CABundle = bundle

	mwcs := r.client.AdmissionregistrationV1().MutatingWebhookConfigurations()
	existing, err := mwcs.Get(ctx, r.configName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		log.DefaultLogger.WithContext(ctx).Info("creating mutating webhook configuration")
		if _, err := mwcs.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("creating %q: %w", r.configName, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %q: %w", r.configName, err)
	}

	// The live object comes back without apiVersion/kind set, so the
	// comparison covers everything but the TypeMeta.
	comparable := desired.DeepCopy()
	comparable.TypeMeta = metav1.TypeMeta{}
	desiredTree, err := toTree(comparable)
	if err != nil {
		return fmt.Errorf("encoding desired configuration: %w", err)
	}
	existingTree, err := toTree(existing)
	if err != nil {
		return fmt.Errorf("encoding existing configuration: %w", err)
	}
	if Matches(pruneNulls(desiredTree), existingTree) {
		log.DefaultLogger.WithContext(ctx).Info("existing mutating webhook configuration matches the template")
		return nil
	}

	log.DefaultLogger.WithContext(ctx).Info("changes detected, patching mutating webhook configuration")
	payload, err := json.Marshal(desired)
	if err != nil {
		return fmt.Errorf("encoding patch: %w", err)
	}
	if _, err := mwcs.Patch(ctx, r.configName, types.StrategicMergePatchType, payload, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("patching %q: %w", r.configName, err)
	}
	return nil
}

func (r *Reconciler) loadTemplate() (*admissionregistrationv1.MutatingWebhookConfiguration, error) {
	raw, err := afero.ReadFile(r.fs, r.templatePath)
	if err != nil {
		return nil, fmt.Errorf("reading webhook template %s: %w", r.templatePath, err)
	}
	mwc := &admissionregistrationv1.MutatingWebhookConfiguration{}
	if err := yaml.UnmarshalStrict(raw, mwc); err != nil {
		return nil, fmt.Errorf("decoding webhook template %s: %w", r.templatePath, err)
	}
	return mwc, nil
}

func findWebhookIndex(mwc *admissionregistrationv1.MutatingWebhookConfiguration, name string) int {
	for i, webhook := range mwc.Webhooks {
		if webhook.Name == name {
			return i
		}
	}
	return -1
}

// rootCA derives the PEM trust bundle the API server will use to verify the
// webhook's serving certificate.
func (r *Reconciler) rootCA(ctx context.Context, source tlsbootstrap.CertSource) ([]byte, error) {
	if source == tlsbootstrap.CertSourceBYOC {
		secret, err := r.client.CoreV1().Secrets(r.namespace).Get(ctx, r.rootCASecretName, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("reading secret %s/%s: %w", r.namespace, r.rootCASecretName, err)
		}
		if len(secret.Data[tlsbootstrap.RootCAKey]) == 0 {
			return nil, fmt.Errorf("no %q key found or value is blank in secret %s/%s", tlsbootstrap.RootCAKey, r.namespace, r.rootCASecretName)
		}
		return secret.Data[tlsbootstrap.RootCAKey], nil
	}

	pks, err := r.isPKSCluster(ctx)
	if err != nil {
		return nil, err
	}
	if pks {
		// PKS provisions the cluster root CA differently from other
		// distributions; it is published through a kube-system configmap.
		log.DefaultLogger.WithContext(ctx).Info("PKS cluster detected")
		configMap, err := r.client.CoreV1().ConfigMaps(kubeSystemNamespace).Get(ctx, pksConfigMapName, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("reading configmap %s/%s: %w", kubeSystemNamespace, pksConfigMapName, err)
		}
		ca, ok := configMap.Data[pksConfigMapKey]
		if !ok || ca == "" {
			return nil, fmt.Errorf("no %q key found in configmap %s/%s", pksConfigMapKey, kubeSystemNamespace, pksConfigMapName)
		}
		return []byte(ca), nil
	}

	ca, err := afero.ReadFile(r.fs, r.clusterCAPath)
	if err != nil {
		return nil, fmt.Errorf("reading root CA from in-cluster kubeconfig: %w", err)
	}
	return ca, nil
}

func (r *Reconciler) isPKSCluster(ctx context.Context) (bool, error) {
	_, err := r.client.CoreV1().Namespaces().Get(ctx, pksNamespace, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading namespace %q: %w", pksNamespace, err)
	}
	return true, nil
}
