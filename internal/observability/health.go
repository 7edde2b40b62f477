package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                      `json:"status"`
	Service   string                      `json:"service"`
	Version   string                      `json:"version"`
	Timestamp string                      `json:"timestamp"`
	Providers map[string]DependencyStatus `json:"providers,omitempty"`
}

// DependencyStatus represents the status of a provider
type DependencyStatus struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
}

// Version is reported by the health endpoints
var Version = "1.0.0"

// ProviderChecker exposes provider health verdicts. It is satisfied by
// health.Monitor and kept as an interface to avoid an import cycle.
type ProviderChecker interface {
	Keys() []string
	IsHealthy(ctx context.Context, key string) bool
}

// HealthCheckHandler handles liveness requests
func HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Service:   "speech-gateway",
			Version:   Version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadinessHandler reports every provider verdict. The service is ready when
// each direction (stt, tts) has at least one healthy provider, and degraded
// when only fallbacks are available.
func ReadinessHandler(checker ProviderChecker, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		providers := make(map[string]DependencyStatus)
		healthyByKind := make(map[string]bool)
		allHealthy := true

		for _, key := range checker.Keys() {
			start := time.Now()
			healthy := checker.IsHealthy(ctx, key)

			status := "healthy"
			if !healthy {
				status = "unhealthy"
				allHealthy = false
			}
			providers[key] = DependencyStatus{
				Status:    status,
				LatencyMs: time.Since(start).Milliseconds(),
			}

			kind := key
			if i := strings.IndexByte(key, ':'); i >= 0 {
				kind = key[:i]
			}
			healthyByKind[kind] = healthyByKind[kind] || healthy
		}

		status := HealthStatus{
			Status:    "ready",
			Service:   "speech-gateway",
			Version:   Version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Providers: providers,
		}

		code := http.StatusOK
		if !allHealthy {
			status.Status = "degraded"
			for _, ok := range healthyByKind {
				if !ok {
					status.Status = "not_ready"
					code = http.StatusServiceUnavailable
					break
				}
			}
		}
		writeStatus(w, code, status)
	}
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
