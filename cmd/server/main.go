package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/lexiqai/speech-gateway/internal/config"
	"github.com/lexiqai/speech-gateway/internal/health"
	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/speech"
	"github.com/lexiqai/speech-gateway/internal/stt"
	"github.com/lexiqai/speech-gateway/internal/telephony"
	"github.com/lexiqai/speech-gateway/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_port", cfg.GRPCPort).
		Str("stt_provider", cfg.STTProvider).
		Str("stt_fallback", cfg.STTFallbackProvider).
		Str("tts_provider", cfg.TTSProvider).
		Str("tts_fallback", cfg.TTSFallbackProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Speech Gateway Service starting")

	// gRPC health service mirrors provider verdicts
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	publisher := health.NewGRPCPublisher(healthServer)

	// Provider health monitor
	monitor := health.NewMonitor(cfg.HealthConfig(), logger)
	monitor.OnVerdict = func(key string, healthy bool) {
		observability.RecordProviderHealth(key, healthy)
		publisher.Publish(key, healthy)
	}
	if err := registerProbes(monitor, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register provider probes")
	}

	// Warm the health cache so the first call does not wait for a probe
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.HealthProbeTimeout)
		defer cancel()
		for _, key := range monitor.Keys() {
			monitor.IsHealthy(ctx, key)
		}
	}()

	manager := telephony.NewManager(cfg, monitor, telephony.Hooks{}, logger)

	// Create HTTP server
	mux := http.NewServeMux()

	// Register Twilio WebSocket handler
	mux.HandleFunc("/streams/twilio", manager.HandleTwilioWS())

	// Conversation layer pushes reply text here
	mux.HandleFunc("POST /calls/{callSid}/say", manager.HandleSay())

	// Health check endpoints
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(monitor, cfg.HealthProbeTimeout+time.Second))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start servers in goroutines
	go func() {
		endpoint := fmt.Sprintf("ws://localhost:%s/streams/twilio", cfg.Port)
		if cfg.VoiceGatewayURL != "" {
			endpoint = cfg.VoiceGatewayURL + "/streams/twilio"
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to listen for gRPC")
	}
	go func() {
		logger.Info().Str("port", cfg.GRPCPort).Msg("gRPC health service listening")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	publisher.Shutdown()
	manager.Shutdown()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	grpcServer.GracefulStop()

	logger.Info().Msg("Server exited gracefully")
}

// registerProbes installs a probe for every routed provider. Providers
// without a probe are reported healthy.
func registerProbes(monitor *health.Monitor, cfg *config.Config, logger zerolog.Logger) error {
	sttPrimary := cfg.STTConfig()
	sttConfigs := []stt.Config{sttPrimary}
	if fb := cfg.STTFallback(); fb != nil {
		sttConfigs = append(sttConfigs, stt.FallbackConfig(sttPrimary, *fb))
	}
	for _, c := range sttConfigs {
		if probe := stt.Probe(c); probe != nil {
			monitor.Register(speech.HealthKey(speech.KindSTT, c.Provider), probe)
		}
	}

	ttsPrimary := cfg.TTSConfig()
	ttsConfigs := []tts.Config{ttsPrimary}
	if fb := cfg.TTSFallback(); fb != nil {
		ttsConfigs = append(ttsConfigs, tts.FallbackConfig(ttsPrimary, *fb))
	}
	for _, c := range ttsConfigs {
		probe, err := tts.Probe(c, logger)
		if err != nil {
			return err
		}
		monitor.Register(speech.HealthKey(speech.KindTTS, c.Provider), probe)
	}
	return nil
}
