package health

import (
	"encoding/json"
	"net/http"

	"tradecore/internal/core"
)

// healthResponse is the /healthz document.
type healthResponse struct {
	Status     State             `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// Handler serves the health snapshot. Mounted on the telemetry listener as
// /healthz: 200 while every component is beating, 503 once any goes down.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		overall := Overall(snap)

		code := http.StatusOK
		if overall == StateDown {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(healthResponse{Status: overall, Components: snap})
	})
}

// ReconcileTrigger is the slice of the reconciler the health surface needs.
type ReconcileTrigger interface {
	TriggerManual()
}

// TriggerHandler exposes an out-of-band reconciliation kick next to
// /healthz, so an operator watching a degraded component can force a run
// without touching the bus.
func TriggerHandler(trigger ReconcileTrigger, logger core.ILogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		trigger.TriggerManual()
		logger.Info("Manual reconciliation requested", "remote", req.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	})
}
