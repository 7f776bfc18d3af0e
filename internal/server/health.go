// Package server exposes liveness, readiness and Prometheus endpoints.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthResponse is the body of both probe endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// LivenessHandler fails only when the process should be restarted.
func LivenessHandler(checker HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "alive", http.StatusOK
		if !checker.Liveness() {
			status, code = "not alive", http.StatusServiceUnavailable
		}
		respond(w, code, HealthResponse{Status: status}, logger)
	}
}

// ReadinessHandler fails while no worker is consuming or the ledger is
// unreachable. The body lists per-topic worker states.
func ReadinessHandler(checker HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ready", http.StatusOK
		if !checker.Readiness(r.Context()) {
			status, code = "not ready", http.StatusServiceUnavailable
		}
		respond(w, code, HealthResponse{Status: status, Checks: checker.GetStatus()}, logger)
	}
}

func respond(w http.ResponseWriter, code int, response HealthResponse, logger *zap.Logger) {
	response.Timestamp = time.Now().UTC().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("failed to encode health response", zap.Error(err))
	}
}
