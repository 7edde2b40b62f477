package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeChecker map[string]bool

func (f fakeChecker) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	return keys
}

func (f fakeChecker) IsHealthy(ctx context.Context, key string) bool {
	return f[key]
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		checker  fakeChecker
		code     int
		expected string
	}{
		{
			name:     "all healthy",
			checker:  fakeChecker{"stt:sarvam": true, "stt:deepgram": true, "tts:cartesia": true},
			code:     http.StatusOK,
			expected: "ready",
		},
		{
			name:     "fallback only",
			checker:  fakeChecker{"stt:sarvam": false, "stt:deepgram": true, "tts:cartesia": true},
			code:     http.StatusOK,
			expected: "degraded",
		},
		{
			name:     "direction down",
			checker:  fakeChecker{"stt:sarvam": true, "tts:cartesia": false, "tts:sarvam": false},
			code:     http.StatusServiceUnavailable,
			expected: "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(tt.checker, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.code {
				t.Errorf("Expected status code %d, got %d", tt.code, rec.Code)
			}
			var status HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if status.Status != tt.expected {
				t.Errorf("Expected status %s, got %s", tt.expected, status.Status)
			}
			if len(status.Providers) != len(tt.checker) {
				t.Errorf("Expected %d providers, got %d", len(tt.checker), len(status.Providers))
			}
		})
	}
}

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %s", ct)
	}
}
