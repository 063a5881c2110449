// Package admission serves the mutating admission endpoint: it walks the
// container specs of the submitted workload, applies the swap engine to each
// image, and answers with a JSON Patch when anything changed.
package admission

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gomodules.xyz/jsonpatch/v2"
	admissionv1 "k8s.io/api/admission/v1"

	"github.com/twr-io/imageswap-webhook/pkg/log"
	"github.com/twr-io/imageswap-webhook/pkg/swap"
)

// Swapper resolves a single image reference to its possibly-rewritten form.
type Swapper interface {
	Swap(ctx context.Context, image string) swap.Result
}

type SwapperFunc func(ctx context.Context, image string) swap.Result

func (f SwapperFunc) Swap(ctx context.Context, image string) swap.Result {
	return f(ctx, image)
}

type HandlerMetrics struct {
	Requests          *prometheus.CounterVec
	ContainersMutated *prometheus.CounterVec
	RequestFailures   *prometheus.CounterVec
}

func (m HandlerMetrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.Requests,
		m.ContainersMutated,
		m.RequestFailures,
	)
}

func NewHandlerMetrics(prefix string) *HandlerMetrics {
	return &HandlerMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Subsystem: "admission",
			Name:      "requests_total",
			Help:      "Number of admission requests handled",
		}, []string{"patched"}),
		ContainersMutated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Subsystem: "admission",
			Name:      "containers_mutated_total",
			Help:      "Number of container images rewritten",
		}, []string{"kind"}),
		RequestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Subsystem: "admission",
			Name:      "request_failures_total",
			Help:      "Number of admission requests answered without processing",
		}, []string{"reason"}),
	}
}

type HandlerOption func(*Handler)

type Handler struct {
	swapper      Swapper
	disableLabel string
	metrics      HandlerMetrics
}

func NewHandler(swapper Swapper, opts ...HandlerOption) *Handler {
	h := &Handler{
		swapper:      swapper,
		disableLabel: "k8s.twr.io/imageswap",
		metrics:      *NewHandlerMetrics("imageswap"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func WithMetricsRegistry(reg prometheus.Registerer) HandlerOption {
	return func(h *Handler) {
		h.metrics.MustRegister(reg)
	}
}

func WithDisableLabel(label string) HandlerOption {
	return func(h *Handler) {
		h.disableLabel = label
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := log.AddLogFieldsToContext(r.Context(), logrus.Fields{"correlationID": uuid.NewString()})

	review := admissionv1.AdmissionReview{}
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
		h.metrics.RequestFailures.WithLabelValues("decode").Inc()
		log.DefaultLogger.WithContext(ctx).WithError(err).Error("unable to decode admission review")
		writeResponse(ctx, w, emptyReview())
		return
	}
	writeResponse(ctx, w, h.Mutate(ctx, &review))
}

// Mutate builds the AdmissionReview response for a request. It never denies:
// any failure degrades to an allow-without-patch answer.
func (h *Handler) Mutate(ctx context.Context, review *admissionv1.AdmissionReview) *admissionv1.AdmissionReview {
	response := &admissionv1.AdmissionReview{TypeMeta: review.TypeMeta}
	if response.APIVersion == "" {
		response.TypeMeta = emptyReview().TypeMeta
	}

	if review.Request == nil {
		h.metrics.RequestFailures.WithLabelValues("no_request").Inc()
		log.DefaultLogger.WithContext(ctx).Error("admission review carries no request")
		response.Response = &admissionv1.AdmissionResponse{Allowed: true}
		return response
	}

	response.Response = &admissionv1.AdmissionResponse{
		UID:     review.Request.UID,
		Allowed: true,
	}

	kind := review.Request.Kind.Kind
	original := review.Request.Object.Raw

	workload := map[string]interface{}{}
	if err := json.Unmarshal(original, &workload); err != nil {
		h.metrics.RequestFailures.WithLabelValues("decode_object").Inc()
		log.DefaultLogger.WithContext(ctx).WithError(err).Error("unable to decode admission request object")
		return response
	}

	ctx = log.AddLogFieldsToContext(ctx, logrus.Fields{
		"kind":      kind,
		"namespace": review.Request.Namespace,
		"workload":  workloadName(workload, string(review.Request.UID)),
	})

	if h.disabledByLabel(workload) {
		log.DefaultLogger.WithContext(ctx).WithField("label", h.disableLabel).Info("disable label detected, skipping image swap")
		h.metrics.Requests.WithLabelValues("false").Inc()
		return response
	}

	mutated := h.swapPodSpec(ctx, kind, workload)
	if mutated == 0 {
		h.metrics.Requests.WithLabelValues("false").Inc()
		return response
	}
	h.metrics.ContainersMutated.WithLabelValues(kind).Add(float64(mutated))

	modified, err := json.Marshal(workload)
	if err != nil {
		h.metrics.RequestFailures.WithLabelValues("encode_object").Inc()
		log.DefaultLogger.WithContext(ctx).WithError(err).Error("unable to encode mutated object")
		return response
	}
	operations, err := jsonpatch.CreatePatch(original, modified)
	if err != nil {
		h.metrics.RequestFailures.WithLabelValues("patch").Inc()
		log.DefaultLogger.WithContext(ctx).WithError(err).Error("unable to diff original and mutated objects")
		return response
	}
	patch, err := json.Marshal(operations)
	if err != nil {
		h.metrics.RequestFailures.WithLabelValues("patch").Inc()
		log.DefaultLogger.WithContext(ctx).WithError(err).Error("unable to encode patch")
		return response
	}

	patchType := admissionv1.PatchTypeJSONPatch
	response.Response.Patch = patch
	response.Response.PatchType = &patchType
	h.metrics.Requests.WithLabelValues("true").Inc()
	log.DefaultLogger.WithContext(ctx).WithField("containers", mutated).Info("rewrote container images")
	return response
}

// swapPodSpec mutates workload in place and returns the number of rewritten
// container images.
func (h *Handler) swapPodSpec(ctx context.Context, kind string, workload map[string]interface{}) int {
	path := []string{"spec"}
	if kind != "Pod" {
		path = []string{"spec", "template", "spec"}
	}
	podSpec, ok := lookupMap(workload, path...)
	if !ok {
		log.DefaultLogger.WithContext(ctx).Warn("workload has no pod spec, skipping")
		return 0
	}

	mutated := 0
	for _, field := range []string{"containers", "initContainers"} {
		containers, ok := podSpec[field].([]interface{})
		if !ok {
			continue
		}
		for _, entry := range containers {
			container, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			image, ok := container["image"].(string)
			if !ok || image == "" {
				continue
			}
			result := h.swapper.Swap(ctx, image)
			if !result.Changed {
				continue
			}
			log.DefaultLogger.WithContext(ctx).WithFields(logrus.Fields{"from": image, "to": result.New}).Info("swapping container image")
			container["image"] = result.New
			mutated++
		}
	}
	return mutated
}

func (h *Handler) disabledByLabel(workload map[string]interface{}) bool {
	labels, ok := lookupMap(workload, "metadata", "labels")
	if !ok {
		return false
	}
	value, _ := labels[h.disableLabel].(string)
	return value == "disabled"
}

func workloadName(workload map[string]interface{}, fallback string) string {
	metadata, ok := lookupMap(workload, "metadata")
	if !ok {
		return fallback
	}
	// Pods created through generateName have no name until after admission.
	for _, field := range []string{"name", "generateName"} {
		if name, ok := metadata[field].(string); ok && name != "" {
			return name
		}
	}
	return fallback
}

func lookupMap(obj map[string]interface{}, path ...string) (map[string]interface{}, bool) {
	current := obj
	for _, key := range path {
		next, ok := current[key].(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func emptyReview() *admissionv1.AdmissionReview {
	review := &admissionv1.AdmissionReview{}
	review.APIVersion = admissionv1.SchemeGroupVersion.String()
	review.Kind = "AdmissionReview"
	review.Response = &admissionv1.AdmissionResponse{Allowed: true}
	return review
}

func writeResponse(ctx context.Context, w http.ResponseWriter, review *admissionv1.AdmissionReview) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(review); err != nil {
		log.DefaultLogger.WithContext(ctx).WithError(err).Error("unable to encode admission response")
	}
}
