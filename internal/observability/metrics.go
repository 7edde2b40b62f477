package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_gateway_active_calls",
		Help: "Number of active phone calls",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_gateway_calls_total",
		Help: "Total number of calls processed",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_gateway_call_duration_seconds",
		Help:    "Duration of phone calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// STT metrics
	transcriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_transcriptions_total",
		Help: "Transcriptions received from STT providers",
	}, []string{"provider", "final"})

	// TTS metrics
	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_synthesis_requests_total",
		Help: "Synthesis requests by provider and outcome",
	}, []string{"provider", "status"})

	synthesisFirstFrame = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "speech_gateway_synthesis_first_frame_seconds",
		Help:    "Time from synthesis request to first audio frame",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"provider"})

	synthesisFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_synthesis_frames_total",
		Help: "Audio frames produced by synthesizers",
	}, []string{"provider"})

	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_gateway_barge_ins_total",
		Help: "Playbacks interrupted by the caller",
	})

	// Provider selection and health
	providerHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speech_gateway_provider_healthy",
		Help: "Last health verdict per provider (1=healthy, 0=unhealthy)",
	}, []string{"key"})

	healthProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_health_probes_total",
		Help: "Health probes run per provider",
	}, []string{"key", "verdict"})

	failovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_failovers_total",
		Help: "Calls set up on a fallback provider",
	}, []string{"kind", "primary", "fallback"})

	reconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_reconnect_attempts_total",
		Help: "Streaming connection attempts by outcome",
	}, []string{"provider", "outcome"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speech_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single call
type Metrics struct {
	callID    string
	startTime time.Time

	mu         sync.Mutex
	ttsStarted map[string]time.Time
	ended      bool
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:     callID,
		startTime:  time.Now(),
		ttsStarted: make(map[string]time.Time),
	}
}

// RecordCallStart records the start of a call
func (m *Metrics) RecordCallStart() {
	activeCalls.Inc()
	totalCalls.Inc()
}

// RecordCallEnd records the end of a call. Later calls are ignored.
func (m *Metrics) RecordCallEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSynthesisStart marks the moment an utterance was requested
func (m *Metrics) RecordSynthesisStart(utteranceID string) {
	m.mu.Lock()
	m.ttsStarted[utteranceID] = time.Now()
	m.mu.Unlock()
}

// RecordSynthesisFrame counts a frame and observes first-frame latency once per utterance
func (m *Metrics) RecordSynthesisFrame(provider, utteranceID string) {
	synthesisFrames.WithLabelValues(provider).Inc()

	m.mu.Lock()
	start, ok := m.ttsStarted[utteranceID]
	if ok {
		delete(m.ttsStarted, utteranceID)
	}
	m.mu.Unlock()

	if ok {
		synthesisFirstFrame.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}
}

// RecordSynthesisEnd records the outcome of an utterance
func (m *Metrics) RecordSynthesisEnd(provider, utteranceID string, success bool) {
	m.mu.Lock()
	delete(m.ttsStarted, utteranceID)
	m.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	synthesisRequests.WithLabelValues(provider, status).Inc()
}

// RecordBargeIn counts an interrupted playback
func (m *Metrics) RecordBargeIn() {
	bargeIns.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordError records an error outside a call
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordTranscriptionEvent counts one transcription delivered by a provider
func RecordTranscriptionEvent(provider string, final bool) {
	label := "false"
	if final {
		label = "true"
	}
	transcriptions.WithLabelValues(provider, label).Inc()
}

// RecordProviderHealth publishes a health verdict
func RecordProviderHealth(key string, healthy bool) {
	verdict := "unhealthy"
	value := 0.0
	if healthy {
		verdict = "healthy"
		value = 1.0
	}
	providerHealth.WithLabelValues(key).Set(value)
	healthProbes.WithLabelValues(key, verdict).Inc()
}

// RecordFailover counts a call routed to the fallback provider
func RecordFailover(kind, primary, fallback string) {
	failovers.WithLabelValues(kind, primary, fallback).Inc()
}

// RecordReconnectAttempt counts a streaming connection attempt
func RecordReconnectAttempt(provider string, err error) {
	outcome := "clean_close"
	if err != nil {
		outcome = "error"
	}
	reconnectAttempts.WithLabelValues(provider, outcome).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
