package admission

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/twr-io/imageswap-webhook/pkg/log"
)

var now = time.Now

type healthResponse struct {
	PodName  string `json:"pod_name"`
	DateTime string `json:"date_time"`
	Health   string `json:"health"`
}

// HealthHandler answers GET /healthz with the replica identity and the
// current timestamp.
func HealthHandler(podName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(healthResponse{
			PodName:  podName,
			DateTime: now().String(),
			Health:   "ok",
		})
		if err != nil {
			log.DefaultLogger.WithContext(r.Context()).WithError(err).Error("unable to encode health response")
		}
	})
}
