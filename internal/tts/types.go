// Package tts holds the streaming text-to-speech clients. A synthesizer turns
// reply text into a lazy sequence of fixed-size telephony frames that the
// call loop can cancel or truncate at any playback offset.
package tts

import (
	"context"
	"errors"
	"time"

	"github.com/lexiqai/speech-gateway/internal/resilience"
	"github.com/lexiqai/speech-gateway/internal/speech"
)

// ErrClosed is returned by Synthesize after Close
var ErrClosed = errors.New("synthesizer is closed")

// Synthesizer converts reply text to audio for one call
type Synthesizer interface {
	// Synthesize starts producing audio for text. frameSize is the size of
	// every returned frame in bytes. isFirst marks the first fragment of a
	// turn and isSole a turn made of this fragment alone.
	Synthesize(ctx context.Context, text string, frameSize int, isFirst, isSole bool) (*speech.SynthesisResult, error)

	Provider() speech.ProviderID

	// Close cancels pending timers and releases the provider connection
	Close() error
}

// TurnEnder is implemented by synthesizers that keep a context open between
// the fragments of one turn. EndTurn closes it without waiting for the grace
// delay.
type TurnEnder interface {
	EndTurn()
}

// ProviderSettings are the provider-specific parts of a configuration
type ProviderSettings struct {
	Provider speech.ProviderID
	APIKey   string
	Model    string
	Voice    string // Cartesia voice id or Sarvam speaker
	Language string
	URL      string // endpoint override
}

// VoiceControls are the optional Sarvam prosody settings. Nil means the
// provider default.
type VoiceControls struct {
	Pitch    *float64
	Pace     *float64
	Loudness *float64
}

// Config describes one call's synthesizer
type Config struct {
	ProviderSettings

	// Output is the format of the frames handed back to the caller
	Output speech.AudioFormat

	// Codec and SpeechSampleRate select the Sarvam response format
	Codec            string
	SpeechSampleRate int

	Controls VoiceControls

	// GraceDelay is how long a Cartesia context stays open for a follow-up fragment
	GraceDelay     time.Duration
	WordsPerMinute int

	CircuitBreaker resilience.CircuitBreakerConfig
	Retry          resilience.RetryConfig

	// Reconnect bounds the Cartesia connections made over one call
	Reconnect resilience.SupervisorConfig
}

// DefaultConfig returns the telephony defaults for a provider
func DefaultConfig(settings ProviderSettings) Config {
	return Config{
		ProviderSettings: settings,
		Output:           speech.TelephonyFormat,
		Codec:            "mulaw",
		SpeechSampleRate: 8000,
		GraceDelay:       3 * time.Second,
		WordsPerMinute:   speech.DefaultWordsPerMinute,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
		},
		Retry:     resilience.DefaultRetryConfig(),
		Reconnect: resilience.DefaultSupervisorConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.ProviderSettings)
	if c.Output == (speech.AudioFormat{}) {
		c.Output = def.Output
	}
	if c.Codec == "" {
		c.Codec = def.Codec
	}
	if c.SpeechSampleRate <= 0 {
		c.SpeechSampleRate = def.SpeechSampleRate
	}
	if c.GraceDelay <= 0 {
		c.GraceDelay = def.GraceDelay
	}
	if c.WordsPerMinute <= 0 {
		c.WordsPerMinute = def.WordsPerMinute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = def.Retry
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect = def.Reconnect
	}
}
