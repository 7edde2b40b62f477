package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lexiqai/speech-gateway/internal/audio"
	"github.com/lexiqai/speech-gateway/internal/health"
	"github.com/lexiqai/speech-gateway/internal/resilience"
	"github.com/lexiqai/speech-gateway/internal/speech"
	"github.com/lexiqai/speech-gateway/internal/stt"
	"github.com/lexiqai/speech-gateway/internal/tts"
)

// Route selects the primary and fallback provider for one direction.
// A nil Fallback keeps the environment value; an empty one disables failover.
type Route struct {
	Primary  string  `yaml:"primary"`
	Fallback *string `yaml:"fallback"`
}

// Routing is the optional YAML file named by PROVIDERS_FILE
//
//	stt:
//	  primary: deepgram
//	  fallback: sarvam
//	tts:
//	  primary: sarvam
//	  fallback: ""
type Routing struct {
	STT Route `yaml:"stt"`
	TTS Route `yaml:"tts"`
}

// LoadRouting reads a routing file from disk
func LoadRouting(path string) (*Routing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	return LoadRoutingFromReader(f)
}

// LoadRoutingFromReader decodes a routing file. Unknown keys are rejected.
func LoadRoutingFromReader(r io.Reader) (*Routing, error) {
	var routing Routing
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&routing); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: decode providers file: %v", speech.ErrConfiguration, err)
	}
	return &routing, nil
}

// Apply overrides the environment routing with the non-empty file entries
func (r *Routing) Apply(cfg *Config) {
	if r.STT.Primary != "" {
		cfg.STTProvider = r.STT.Primary
	}
	if r.STT.Fallback != nil {
		cfg.STTFallbackProvider = *r.STT.Fallback
	}
	if r.TTS.Primary != "" {
		cfg.TTSProvider = r.TTS.Primary
	}
	if r.TTS.Fallback != nil {
		cfg.TTSFallbackProvider = *r.TTS.Fallback
	}
}

// TelephonyFormat is the audio format on the caller leg
func (c *Config) TelephonyFormat() speech.AudioFormat {
	enc, err := speech.ParseEncoding(c.TelephonyEncoding)
	if err != nil {
		enc = speech.Mulaw
	}
	return speech.AudioFormat{Encoding: enc, SampleRate: c.TelephonySampleRate, Channels: 1}
}

// HealthConfig returns the provider health monitor settings
func (c *Config) HealthConfig() health.Config {
	return health.Config{TTL: c.HealthTTL, ProbeTimeout: c.HealthProbeTimeout}
}

// VADConfig returns the barge-in detector settings
func (c *Config) VADConfig() audio.VADConfig {
	return audio.VADConfig{
		EnergyThreshold: c.VADEnergyThreshold,
		SpeechFrames:    c.VADSpeechFrames,
		SilenceFrames:   c.VADSilenceFrames,
	}
}

func (c *Config) reconnectConfig() resilience.SupervisorConfig {
	return resilience.SupervisorConfig{
		MaxAttempts: c.ReconnectMaxAttempts,
		Backoff:     time.Duration(c.ReconnectBackoff) * time.Millisecond,
	}
}

func (c *Config) retryConfig() resilience.RetryConfig {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = c.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(c.RetryInitialBackoff) * time.Millisecond
	return retry
}

func (c *Config) sttSettings(provider string) stt.ProviderSettings {
	switch speech.ProviderID(provider) {
	case speech.ProviderDeepgram:
		return stt.ProviderSettings{
			Provider: speech.ProviderDeepgram,
			APIKey:   c.DeepgramAPIKey,
			Model:    c.DeepgramModel,
			Language: c.DeepgramLanguage,
			URL:      c.DeepgramURL,
		}
	default:
		return stt.ProviderSettings{
			Provider: speech.ProviderID(provider),
			APIKey:   c.SarvamAPIKey,
			Model:    c.SarvamSTTModel,
			Language: c.SarvamLanguage,
			URL:      c.SarvamSTTURL,
		}
	}
}

// STTConfig returns the primary transcriber configuration for one call
func (c *Config) STTConfig() stt.Config {
	cfg := stt.DefaultConfig(c.sttSettings(c.STTProvider))
	cfg.Input = c.TelephonyFormat()
	cfg.Mode = c.SarvamSTTMode
	cfg.EndpointingMs = c.EndpointingMs
	cfg.HeartbeatTimeout = c.STTHeartbeatTimeout
	cfg.Reconnect = c.reconnectConfig()
	return cfg
}

// STTFallback returns the fallback transcriber settings, or nil when
// failover is disabled
func (c *Config) STTFallback() *stt.ProviderSettings {
	if c.STTFallbackProvider == "" {
		return nil
	}
	s := c.sttSettings(c.STTFallbackProvider)
	return &s
}

func (c *Config) ttsSettings(provider string) tts.ProviderSettings {
	switch speech.ProviderID(provider) {
	case speech.ProviderCartesia:
		return tts.ProviderSettings{
			Provider: speech.ProviderCartesia,
			APIKey:   c.CartesiaAPIKey,
			Model:    c.CartesiaModelID,
			Voice:    c.CartesiaVoiceID,
			Language: c.CartesiaLanguage,
			URL:      c.CartesiaURL,
		}
	default:
		return tts.ProviderSettings{
			Provider: speech.ProviderID(provider),
			APIKey:   c.SarvamAPIKey,
			Model:    c.SarvamTTSModel,
			Voice:    c.SarvamSpeaker,
			Language: c.SarvamLanguage,
			URL:      c.SarvamTTSURL,
		}
	}
}

// TTSConfig returns the primary synthesizer configuration for one call
func (c *Config) TTSConfig() tts.Config {
	cfg := tts.DefaultConfig(c.ttsSettings(c.TTSProvider))
	cfg.Output = c.TelephonyFormat()
	cfg.Codec = c.SarvamTTSCodec
	cfg.SpeechSampleRate = c.SarvamTTSSampleRate
	cfg.Controls = tts.VoiceControls{
		Pitch:    c.SarvamPitch,
		Pace:     c.SarvamPace,
		Loudness: c.SarvamLoudness,
	}
	cfg.GraceDelay = c.SynthGraceDelay
	cfg.WordsPerMinute = c.WordsPerMinute
	cfg.CircuitBreaker = resilience.CircuitBreakerConfig{
		MaxFailures:  c.CircuitBreakerMaxFailures,
		ResetTimeout: time.Duration(c.CircuitBreakerResetTimeout) * time.Second,
		HalfOpenMax:  1,
	}
	cfg.Retry = c.retryConfig()
	cfg.Reconnect = c.reconnectConfig()
	return cfg
}

// TTSFallback returns the fallback synthesizer settings, or nil when
// failover is disabled
func (c *Config) TTSFallback() *tts.ProviderSettings {
	if c.TTSFallbackProvider == "" {
		return nil
	}
	s := c.ttsSettings(c.TTSFallbackProvider)
	return &s
}
