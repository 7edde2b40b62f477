// Package stt holds the streaming speech-to-text clients. Each client keeps
// one live provider connection per call, transcodes telephony audio to the
// provider's format and emits transcriptions in arrival order.
package stt

import (
	"context"
	"errors"
	"time"

	"github.com/lexiqai/speech-gateway/internal/resilience"
	"github.com/lexiqai/speech-gateway/internal/speech"
)

// ErrNotStreaming is returned by SendAudio once a stream has ended
var ErrNotStreaming = errors.New("transcriber is not streaming")

// State is the lifecycle stage of a transcriber
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Transcriber is a streaming speech-to-text session for one call
type Transcriber interface {
	// Start begins connecting in the background. ctx bounds the whole stream.
	Start(ctx context.Context) error

	// SendAudio queues one telephony frame. It never blocks.
	SendAudio(frame []byte) error

	// Transcriptions yields results in arrival order and is closed when the
	// stream ends
	Transcriptions() <-chan speech.Transcription

	// Terminate closes the connection and stops both duties. Idempotent.
	Terminate() error

	State() State

	// Err returns the error that failed the stream, if any
	Err() error

	Provider() speech.ProviderID
}

// ProviderSettings are the provider-specific parts of a configuration
type ProviderSettings struct {
	Provider speech.ProviderID
	APIKey   string
	Model    string
	Language string
	URL      string // endpoint override
}

// Config describes one call's transcription stream
type Config struct {
	ProviderSettings

	// Input is the format of frames passed to SendAudio
	Input speech.AudioFormat

	// Output is the format sent to the provider
	Output speech.AudioFormat

	// Mode is the Sarvam recognition mode (transcribe, translate)
	Mode string

	EndpointingMs    int
	HeartbeatTimeout time.Duration
	Reconnect        resilience.SupervisorConfig
	QueueSize        int
}

// ProviderFormat is the wire format both providers are fed
var ProviderFormat = speech.AudioFormat{Encoding: speech.Linear16, SampleRate: 16000, Channels: 1}

// DefaultConfig returns the telephony-to-provider defaults for a provider
func DefaultConfig(settings ProviderSettings) Config {
	return Config{
		ProviderSettings: settings,
		Input:            speech.TelephonyFormat,
		Output:           ProviderFormat,
		Mode:             "transcribe",
		EndpointingMs:    300,
		HeartbeatTimeout: 5 * time.Second,
		Reconnect:        resilience.DefaultSupervisorConfig(),
		QueueSize:        500,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.ProviderSettings)
	if c.Input == (speech.AudioFormat{}) {
		c.Input = def.Input
	}
	if c.Output == (speech.AudioFormat{}) {
		c.Output = def.Output
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect = def.Reconnect
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
}

// heartbeatFrame is 20ms of 16kHz linear silence
var heartbeatFrame = make([]byte, 640)
