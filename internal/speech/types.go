// Package speech holds the audio and transcription types shared by the
// transcriber, synthesizer, health and telephony packages.
package speech

import (
	"fmt"
	"strings"
)

// AudioEncoding identifies the sample encoding of an audio frame
type AudioEncoding string

const (
	// Linear16 is 16-bit signed little-endian PCM
	Linear16 AudioEncoding = "linear16"
	// Mulaw is 8-bit G.711 μ-law
	Mulaw AudioEncoding = "mulaw"
)

// SilenceByte returns the byte value that encodes silence
func (e AudioEncoding) SilenceByte() byte {
	if e == Mulaw {
		return 0xFF
	}
	return 0x00
}

// BytesPerSample returns the width of a single mono sample
func (e AudioEncoding) BytesPerSample() int {
	if e == Mulaw {
		return 1
	}
	return 2
}

// ParseEncoding converts a configuration value to an AudioEncoding
func ParseEncoding(s string) (AudioEncoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mulaw", "ulaw", "pcm_mulaw", "pcmu":
		return Mulaw, nil
	case "linear16", "pcm", "pcm_s16le", "linear":
		return Linear16, nil
	default:
		return "", ConfigError("unsupported audio encoding %q", s)
	}
}

// AudioFormat describes a stream of audio frames
type AudioFormat struct {
	Encoding   AudioEncoding
	SampleRate int
	Channels   int
}

// TelephonyFormat is the format of the phone leg (8kHz mono μ-law)
var TelephonyFormat = AudioFormat{Encoding: Mulaw, SampleRate: 8000, Channels: 1}

// Validate reports a configuration error for formats the pipeline cannot carry
func (f AudioFormat) Validate() error {
	if f.Encoding != Linear16 && f.Encoding != Mulaw {
		return ConfigError("unsupported audio encoding %q", f.Encoding)
	}
	if f.SampleRate <= 0 {
		return ConfigError("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 {
		return ConfigError("invalid channel count %d", f.Channels)
	}
	return nil
}

// BytesPerSecond returns the byte rate of the format
func (f AudioFormat) BytesPerSecond() int {
	channels := f.Channels
	if channels < 1 {
		channels = 1
	}
	return f.SampleRate * channels * f.Encoding.BytesPerSample()
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%s/%dHz/%dch", f.Encoding, f.SampleRate, f.Channels)
}

// Transcription is a single recognition result from a transcriber
type Transcription struct {
	// Text is the recognized text
	Text string

	// Confidence is the provider's confidence score in [0, 1]
	Confidence float64

	// IsFinal is true when the result closes an utterance
	IsFinal bool

	// Duration is the utterance length in seconds, when the provider reports it
	Duration *float64
}

// WordTimestamp is the spoken interval of a single synthesized word, in seconds
type WordTimestamp struct {
	Word  string
	Start float64
	End   float64
}

// Kind separates the two directions of the pipeline
type Kind string

const (
	KindSTT Kind = "stt"
	KindTTS Kind = "tts"
)

// ProviderID names a concrete cloud provider
type ProviderID string

const (
	ProviderSarvam   ProviderID = "sarvam"
	ProviderDeepgram ProviderID = "deepgram"
	ProviderCartesia ProviderID = "cartesia"
)

// HealthKey is the identity a provider's health verdict is cached under
func HealthKey(kind Kind, provider ProviderID) string {
	return string(kind) + ":" + string(provider)
}
