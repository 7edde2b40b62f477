package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/speech-gateway/internal/audio"
	"github.com/lexiqai/speech-gateway/internal/speech"
)

// Config holds all configuration for the speech gateway service
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Only used for logging the media stream endpoint.
	VoiceGatewayURL string `envconfig:"VOICE_GATEWAY_URL" default:""`

	// Telephony leg
	TelephonySampleRate int    `envconfig:"TELEPHONY_SAMPLE_RATE" default:"8000"`
	TelephonyEncoding   string `envconfig:"TELEPHONY_ENCODING" default:"mulaw"`
	SynthFrameSize      int    `envconfig:"SYNTH_FRAME_SIZE" default:"160"` // Bytes per outbound frame (160 = 20ms of 8kHz μ-law)

	// Provider routing
	STTProvider         string `envconfig:"STT_PROVIDER" default:"sarvam"`
	STTFallbackProvider string `envconfig:"STT_FALLBACK_PROVIDER" default:"deepgram"` // Empty disables failover
	TTSProvider         string `envconfig:"TTS_PROVIDER" default:"cartesia"`
	TTSFallbackProvider string `envconfig:"TTS_FALLBACK_PROVIDER" default:"sarvam"`
	ProvidersFile       string `envconfig:"PROVIDERS_FILE" default:""` // Optional YAML routing override

	// Sarvam configuration (STT and TTS)
	SarvamAPIKey        string   `envconfig:"SARVAM_API_KEY"`
	SarvamLanguage      string   `envconfig:"SARVAM_LANGUAGE" default:"hi-IN"`
	SarvamSTTModel      string   `envconfig:"SARVAM_STT_MODEL" default:"saaras:v3"`
	SarvamSTTMode       string   `envconfig:"SARVAM_STT_MODE" default:"transcribe"` // transcribe, translate
	SarvamSTTURL        string   `envconfig:"SARVAM_STT_URL" default:""`
	SarvamTTSModel      string   `envconfig:"SARVAM_TTS_MODEL" default:"bulbul:v3"`
	SarvamTTSURL        string   `envconfig:"SARVAM_TTS_URL" default:""`
	SarvamSpeaker       string   `envconfig:"SARVAM_SPEAKER" default:""`
	SarvamTTSCodec      string   `envconfig:"SARVAM_TTS_CODEC" default:"mulaw"` // mulaw, linear16, wav
	SarvamTTSSampleRate int      `envconfig:"SARVAM_TTS_SAMPLE_RATE" default:"8000"`
	SarvamPitch         *float64 `envconfig:"SARVAM_PITCH"`
	SarvamPace          *float64 `envconfig:"SARVAM_PACE"`
	SarvamLoudness      *float64 `envconfig:"SARVAM_LOUDNESS"`

	// Deepgram STT configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`
	DeepgramURL      string `envconfig:"DEEPGRAM_URL" default:""`

	// Cartesia TTS configuration
	CartesiaAPIKey   string `envconfig:"CARTESIA_API_KEY"`
	CartesiaVoiceID  string `envconfig:"CARTESIA_VOICE_ID" default:""`
	CartesiaModelID  string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-2"`
	CartesiaLanguage string `envconfig:"CARTESIA_LANGUAGE" default:"en"`
	CartesiaURL      string `envconfig:"CARTESIA_URL" default:""`

	// Streaming behaviour
	EndpointingMs       int           `envconfig:"ENDPOINTING_MS" default:"300"`
	STTHeartbeatTimeout time.Duration `envconfig:"STT_HEARTBEAT_TIMEOUT" default:"5s"`
	SynthGraceDelay     time.Duration `envconfig:"SYNTH_GRACE_DELAY" default:"3s"`
	WordsPerMinute      int           `envconfig:"WORDS_PER_MINUTE" default:"150"`

	// Provider health
	HealthTTL          time.Duration `envconfig:"HEALTH_TTL" default:"5m"`
	HealthProbeTimeout time.Duration `envconfig:"HEALTH_PROBE_TIMEOUT" default:"3s"`

	// Audio processing configuration
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSpeechFrames    int     `envconfig:"VAD_SPEECH_FRAMES" default:"3"`        // Frames of speech to mark speech start
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`      // Frames of silence to mark speech end

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum dial attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Connection attempts per call
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"500"`            // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.ProvidersFile != "" {
		routing, err := LoadRouting(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		routing.Apply(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var knownProviders = map[speech.Kind][]speech.ProviderID{
	speech.KindSTT: {speech.ProviderSarvam, speech.ProviderDeepgram},
	speech.KindTTS: {speech.ProviderCartesia, speech.ProviderSarvam},
}

func isKnown(kind speech.Kind, name string) bool {
	for _, p := range knownProviders[kind] {
		if string(p) == name {
			return true
		}
	}
	return false
}

// Validate checks the routing, credentials and audio settings. Every failure
// wraps speech.ErrConfiguration; all of them are reported at once.
func (c *Config) Validate() error {
	var errs []error

	check := func(kind speech.Kind, primary, fallback string) {
		if !isKnown(kind, primary) {
			errs = append(errs, speech.ConfigError("unknown %s provider %q", kind, primary))
		}
		if fallback == "" {
			return
		}
		if !isKnown(kind, fallback) {
			errs = append(errs, speech.ConfigError("unknown %s fallback provider %q", kind, fallback))
		}
		if fallback == primary {
			errs = append(errs, speech.ConfigError("%s fallback provider must differ from the primary", kind))
		}
	}
	check(speech.KindSTT, c.STTProvider, c.STTFallbackProvider)
	check(speech.KindTTS, c.TTSProvider, c.TTSFallbackProvider)

	for _, p := range []string{c.STTProvider, c.STTFallbackProvider, c.TTSProvider, c.TTSFallbackProvider} {
		if err := c.requireCredentials(p); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := speech.ParseEncoding(c.TelephonyEncoding); err != nil {
		errs = append(errs, err)
	}
	if !audio.SupportedSampleRates[c.TelephonySampleRate] {
		errs = append(errs, speech.ConfigError("unsupported TELEPHONY_SAMPLE_RATE %d", c.TelephonySampleRate))
	}
	if c.SynthFrameSize <= 0 {
		errs = append(errs, speech.ConfigError("SYNTH_FRAME_SIZE must be positive, got %d", c.SynthFrameSize))
	}
	if c.HealthProbeTimeout <= 0 || c.HealthTTL <= 0 {
		errs = append(errs, speech.ConfigError("HEALTH_TTL and HEALTH_PROBE_TIMEOUT must be positive"))
	}
	if c.ReconnectMaxAttempts <= 0 {
		errs = append(errs, speech.ConfigError("RECONNECT_MAX_ATTEMPTS must be positive, got %d", c.ReconnectMaxAttempts))
	}

	return errors.Join(errs...)
}

// requireCredentials reports a missing key for a selected provider
func (c *Config) requireCredentials(provider string) error {
	switch speech.ProviderID(provider) {
	case speech.ProviderSarvam:
		if c.SarvamAPIKey == "" {
			return speech.ConfigError("SARVAM_API_KEY is required")
		}
	case speech.ProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return speech.ConfigError("DEEPGRAM_API_KEY is required")
		}
	case speech.ProviderCartesia:
		if c.CartesiaAPIKey == "" {
			return speech.ConfigError("CARTESIA_API_KEY is required")
		}
		if c.CartesiaVoiceID == "" {
			return speech.ConfigError("CARTESIA_VOICE_ID is required")
		}
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
