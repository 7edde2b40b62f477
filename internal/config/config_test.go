package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

// setRequired sets the keys needed by the default routing
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SARVAM_API_KEY", "test-sarvam-key")
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	t.Setenv("CARTESIA_API_KEY", "test-cartesia-key")
	t.Setenv("CARTESIA_VOICE_ID", "test-voice")
	t.Setenv("PROVIDERS_FILE", "")
}

func TestLoad(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.SarvamAPIKey != "test-sarvam-key" {
		t.Errorf("Expected SarvamAPIKey 'test-sarvam-key', got '%s'", cfg.SarvamAPIKey)
	}

	if cfg.CartesiaVoiceID != "test-voice" {
		t.Errorf("Expected CartesiaVoiceID 'test-voice', got '%s'", cfg.CartesiaVoiceID)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("SARVAM_API_KEY", "")

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatal("Expected error when required keys are missing")
	}
	if !errors.Is(err, speech.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "SARVAM_API_KEY") {
		t.Errorf("Expected the missing key to be named, got %v", err)
	}
}

func TestLoad_FallbackKeyOnlyNeededWhenRouted(t *testing.T) {
	setRequired(t)
	t.Setenv("DEEPGRAM_API_KEY", "")
	t.Setenv("STT_FALLBACK_PROVIDER", "")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.STTFallback() != nil {
		t.Error("Expected no STT fallback")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.STTProvider != "sarvam" || cfg.STTFallbackProvider != "deepgram" {
		t.Errorf("Expected sarvam/deepgram STT routing, got %s/%s", cfg.STTProvider, cfg.STTFallbackProvider)
	}

	if cfg.TTSProvider != "cartesia" || cfg.TTSFallbackProvider != "sarvam" {
		t.Errorf("Expected cartesia/sarvam TTS routing, got %s/%s", cfg.TTSProvider, cfg.TTSFallbackProvider)
	}

	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}

	if cfg.CartesiaModelID != "sonic-2" {
		t.Errorf("Expected default CartesiaModelID 'sonic-2', got '%s'", cfg.CartesiaModelID)
	}

	if cfg.SarvamTTSModel != "bulbul:v3" {
		t.Errorf("Expected default SarvamTTSModel 'bulbul:v3', got '%s'", cfg.SarvamTTSModel)
	}

	if cfg.HealthTTL != 5*time.Minute {
		t.Errorf("Expected default HealthTTL 5m, got %v", cfg.HealthTTL)
	}

	if cfg.HealthProbeTimeout != 3*time.Second {
		t.Errorf("Expected default HealthProbeTimeout 3s, got %v", cfg.HealthProbeTimeout)
	}

	if cfg.SynthGraceDelay != 3*time.Second {
		t.Errorf("Expected default SynthGraceDelay 3s, got %v", cfg.SynthGraceDelay)
	}

	if cfg.SarvamPitch != nil {
		t.Errorf("Expected no default SarvamPitch, got %v", *cfg.SarvamPitch)
	}

	if cfg.VADEnergyThreshold != 500.0 {
		t.Errorf("Expected default VADEnergyThreshold 500.0, got %f", cfg.VADEnergyThreshold)
	}

	if cfg.VADSilenceFrames != 10 {
		t.Errorf("Expected default VADSilenceFrames 10, got %d", cfg.VADSilenceFrames)
	}
}

func TestLoadFromEnv_VoiceControls(t *testing.T) {
	setRequired(t)
	t.Setenv("SARVAM_PITCH", "0.25")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	ttsCfg := cfg.TTSConfig()
	if ttsCfg.Controls.Pitch == nil || *ttsCfg.Controls.Pitch != 0.25 {
		t.Errorf("Expected pitch 0.25, got %v", ttsCfg.Controls.Pitch)
	}
	if ttsCfg.Controls.Pace != nil {
		t.Error("Expected pace to stay unset")
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_KEY", "test-value")
	defer os.Unsetenv("TEST_KEY")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.CircuitBreakerResetTimeout != 30 {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30, got %d", cfg.CircuitBreakerResetTimeout)
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.ReconnectMaxAttempts != 3 {
		t.Errorf("Expected default ReconnectMaxAttempts 3, got %d", cfg.ReconnectMaxAttempts)
	}

	if cfg.ReconnectBackoff != 500 {
		t.Errorf("Expected default ReconnectBackoff 500, got %d", cfg.ReconnectBackoff)
	}

	sttCfg := cfg.STTConfig()
	if sttCfg.Reconnect.MaxAttempts != 3 || sttCfg.Reconnect.Backoff != 500*time.Millisecond {
		t.Errorf("Expected 3 attempts 500ms apart, got %+v", sttCfg.Reconnect)
	}
	if ttsCfg := cfg.TTSConfig(); ttsCfg.Reconnect != sttCfg.Reconnect {
		t.Errorf("Expected the synthesizer to share the reconnect bound, got %+v", ttsCfg.Reconnect)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setRequired(t)
	// Clear LOG_LEVEL to ensure we get the default
	t.Setenv("LOG_LEVEL", "")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			TelephonySampleRate:  8000,
			TelephonyEncoding:    "mulaw",
			SynthFrameSize:       160,
			STTProvider:          "sarvam",
			STTFallbackProvider:  "deepgram",
			TTSProvider:          "cartesia",
			TTSFallbackProvider:  "sarvam",
			SarvamAPIKey:         "s",
			DeepgramAPIKey:       "d",
			CartesiaAPIKey:       "c",
			CartesiaVoiceID:      "v",
			HealthTTL:            time.Minute,
			HealthProbeTimeout:   time.Second,
			ReconnectMaxAttempts: 3,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown stt provider", func(c *Config) { c.STTProvider = "whisper" }, "unknown stt provider"},
		{"cartesia cannot transcribe", func(c *Config) { c.STTFallbackProvider = "cartesia" }, "unknown stt fallback provider"},
		{"same fallback", func(c *Config) { c.TTSFallbackProvider = "cartesia" }, "must differ"},
		{"missing voice", func(c *Config) { c.CartesiaVoiceID = "" }, "CARTESIA_VOICE_ID"},
		{"bad encoding", func(c *Config) { c.TelephonyEncoding = "opus" }, "opus"},
		{"bad sample rate", func(c *Config) { c.TelephonySampleRate = 11025 }, "TELEPHONY_SAMPLE_RATE"},
		{"zero frame size", func(c *Config) { c.SynthFrameSize = 0 }, "SYNTH_FRAME_SIZE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadRoutingFromReader(t *testing.T) {
	routing, err := LoadRoutingFromReader(strings.NewReader(`
stt:
  primary: deepgram
  fallback: sarvam
tts:
  fallback: ""
`))
	if err != nil {
		t.Fatalf("LoadRoutingFromReader failed: %v", err)
	}

	cfg := &Config{STTProvider: "sarvam", STTFallbackProvider: "deepgram", TTSProvider: "cartesia", TTSFallbackProvider: "sarvam"}
	routing.Apply(cfg)

	if cfg.STTProvider != "deepgram" || cfg.STTFallbackProvider != "sarvam" {
		t.Errorf("Expected deepgram/sarvam, got %s/%s", cfg.STTProvider, cfg.STTFallbackProvider)
	}
	if cfg.TTSProvider != "cartesia" {
		t.Errorf("Expected primary TTS to be kept, got %s", cfg.TTSProvider)
	}
	if cfg.TTSFallbackProvider != "" {
		t.Errorf("Expected TTS failover to be disabled, got %s", cfg.TTSFallbackProvider)
	}

	_, err = LoadRoutingFromReader(strings.NewReader("stt:\n  primray: deepgram\n"))
	if !errors.Is(err, speech.ErrConfiguration) {
		t.Errorf("Expected configuration error for unknown field, got %v", err)
	}
}

func TestLoadFromEnv_ProvidersFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte("tts:\n  primary: sarvam\n  fallback: cartesia\n"), 0o600); err != nil {
		t.Fatalf("write providers file: %v", err)
	}
	t.Setenv("PROVIDERS_FILE", path)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	ttsCfg := cfg.TTSConfig()
	if ttsCfg.Provider != speech.ProviderSarvam || ttsCfg.Model != "bulbul:v3" {
		t.Errorf("Expected sarvam bulbul:v3, got %s %s", ttsCfg.Provider, ttsCfg.Model)
	}
	fb := cfg.TTSFallback()
	if fb == nil || fb.Provider != speech.ProviderCartesia || fb.Voice != "test-voice" {
		t.Errorf("Expected cartesia fallback, got %+v", fb)
	}
}
