package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/audio"
	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/resilience"
	"github.com/lexiqai/speech-gateway/internal/speech"
)

// DefaultSarvamURL is the Sarvam streaming synthesis endpoint
const DefaultSarvamURL = "https://api.sarvam.ai/text-to-speech/stream"

const (
	defaultSarvamModel    = "bulbul:v3"
	defaultSarvamLanguage = "hi-IN"
	sarvamReadSize        = 4096
)

// sarvamRequest is the JSON body of a synthesis request
type sarvamRequest struct {
	Text                string   `json:"text"`
	TargetLanguageCode  string   `json:"target_language_code"`
	Model               string   `json:"model"`
	Speaker             string   `json:"speaker,omitempty"`
	SpeechSampleRate    int      `json:"speech_sample_rate"`
	OutputAudioCodec    string   `json:"output_audio_codec"`
	EnablePreprocessing bool     `json:"enable_preprocessing"`
	Pitch               *float64 `json:"pitch,omitempty"`
	Pace                *float64 `json:"pace,omitempty"`
	Loudness            *float64 `json:"loudness,omitempty"`
}

// SarvamClient synthesizes with one HTTP request per fragment and reads the
// audio body as it arrives. Requests go through a circuit breaker.
type SarvamClient struct {
	config     Config
	logger     zerolog.Logger
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
}

// NewSarvamClient validates the configuration
func NewSarvamClient(config Config, logger zerolog.Logger) (*SarvamClient, error) {
	config.applyDefaults()
	if config.APIKey == "" {
		return nil, speech.ConfigError("SARVAM_API_KEY is required for the sarvam synthesizer")
	}
	if config.Model == "" {
		config.Model = defaultSarvamModel
	}
	if config.Language == "" {
		config.Language = defaultSarvamLanguage
	}

	// Fail at setup on a codec or rate the decoder cannot handle
	if _, err := newSarvamDecoder(config); err != nil {
		return nil, err
	}

	breaker := resilience.NewCircuitBreaker("sarvam_tts", config.CircuitBreaker)
	breaker.OnStateChange = func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
	}

	return &SarvamClient{
		config:     config,
		logger:     logger.With().Str("component", "tts").Str("provider", string(speech.ProviderSarvam)).Logger(),
		httpClient: &http.Client{},
		breaker:    breaker,
	}, nil
}

// Provider returns the provider tag
func (c *SarvamClient) Provider() speech.ProviderID {
	return speech.ProviderSarvam
}

// Breaker exposes the request circuit breaker
func (c *SarvamClient) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// decodeFunc converts one piece of the response body to the output format
type decodeFunc func([]byte) ([]byte, error)

// newSarvamDecoder picks the body decoder for the configured codec
func newSarvamDecoder(config Config) (decodeFunc, error) {
	switch strings.ToLower(config.Codec) {
	case "wav":
		if err := config.Output.Validate(); err != nil {
			return nil, err
		}
		return audio.NewWAVStreamDecoder(config.Output).Write, nil
	case "mulaw", "linear16":
		enc, err := speech.ParseEncoding(config.Codec)
		if err != nil {
			return nil, err
		}
		src := speech.AudioFormat{Encoding: enc, SampleRate: config.SpeechSampleRate, Channels: 1}
		t, err := audio.NewTranscoder(src, config.Output)
		if err != nil {
			return nil, err
		}
		return rawDecoder(t), nil
	default:
		return nil, speech.ConfigError("unsupported sarvam output codec %q", config.Codec)
	}
}

// rawDecoder transcodes a headerless body, carrying a split sample over to
// the next piece
func rawDecoder(t *audio.Transcoder) decodeFunc {
	block := t.Source().Encoding.BytesPerSample()
	var pending []byte
	return func(p []byte) ([]byte, error) {
		data := append(pending, p...)
		whole := len(data) - len(data)%block
		pending = append([]byte(nil), data[whole:]...)
		if whole == 0 {
			return nil, nil
		}
		return t.Convert(data[:whole])
	}
}

func (c *SarvamClient) url() string {
	if c.config.URL != "" {
		return c.config.URL
	}
	return DefaultSarvamURL
}

func (c *SarvamClient) newRequest(ctx context.Context, text string) (*http.Request, error) {
	body, err := json.Marshal(sarvamRequest{
		Text:                text,
		TargetLanguageCode:  c.config.Language,
		Model:               c.config.Model,
		Speaker:             c.config.Voice,
		SpeechSampleRate:    c.config.SpeechSampleRate,
		OutputAudioCodec:    strings.ToLower(c.config.Codec),
		EnablePreprocessing: true,
		Pitch:               c.config.Controls.Pitch,
		Pace:                c.config.Controls.Pace,
		Loudness:            c.config.Controls.Loudness,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-subscription-key", c.config.APIKey)
	return req, nil
}

// post sends the request and returns the body of a successful response
func (c *SarvamClient) post(ctx context.Context, text string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, text)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &speech.ConnectionError{Provider: speech.ProviderSarvam, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, speech.NewProviderError(speech.ProviderSarvam, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp.Body, nil
}

// Synthesize returns a lazy result: the request is sent on the first pull.
// Provider failures end the frame sequence and are only logged.
func (c *SarvamClient) Synthesize(ctx context.Context, text string, frameSize int, isFirst, isSole bool) (*speech.SynthesisResult, error) {
	clean := strings.TrimSpace(text)
	if speech.IsSilenceMarker(clean) {
		return speech.EmptyResult(), nil
	}
	fr, err := newFramer(frameSize, c.config.Output.Encoding)
	if err != nil {
		return nil, speech.ConfigError("invalid frame size: %v", err)
	}
	decode, err := newSarvamDecoder(c.config)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	var (
		body    io.ReadCloser
		started bool
		buf     = make([]byte, sarvamReadSize)
	)

	finish := func() {
		if body != nil {
			body.Close()
			body = nil
		}
		fr.end()
		cancel()
	}

	start := func() bool {
		started = true
		err := c.breaker.Execute(reqCtx, func(ctx context.Context) error {
			var err error
			body, err = c.post(ctx, clean)
			return err
		})
		if err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				c.logger.Warn().Msg("Sarvam circuit open, skipping synthesis")
			} else if reqCtx.Err() == nil {
				observability.RecordError("provider", "tts")
				c.logger.Error().Err(err).Msg("Sarvam synthesis request failed")
			}
			return false
		}
		return true
	}

	pull := func(ctx context.Context) (speech.Chunk, bool) {
		for !fr.ready() {
			if fr.ended {
				return speech.Chunk{}, false
			}
			// A done pull ctx aborts the request, which unblocks the
			// response wait and the body read
			stop := context.AfterFunc(ctx, cancel)
			if !started && !start() {
				stop()
				finish()
				continue
			}
			n, err := body.Read(buf)
			stop()
			if n > 0 {
				out, derr := decode(buf[:n])
				if derr != nil {
					observability.RecordError("decode", "tts")
					c.logger.Error().Err(derr).Msg("Failed to decode Sarvam audio")
					finish()
					continue
				}
				fr.write(out)
			}
			if err != nil {
				if err != io.EOF && reqCtx.Err() == nil {
					c.logger.Warn().Err(err).Msg("Sarvam audio stream ended early")
				}
				finish()
			}
		}
		return fr.next()
	}

	cutoff := func(seconds float64) string {
		return speech.CutoffByWordsPerMinute(clean, seconds, c.config.WordsPerMinute)
	}

	return speech.NewSynthesisResult(pull, cutoff, cancel), nil
}

// Close is a no-op; requests end with their results
func (c *SarvamClient) Close() error {
	return nil
}

// SarvamProbe returns a health probe that synthesizes one word and reads the
// first bytes of audio
func SarvamProbe(config Config, logger zerolog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		client, err := NewSarvamClient(config, logger)
		if err != nil {
			return err
		}
		body, err := client.post(ctx, "Hello")
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return speech.ErrProbeTimeout
			}
			return err
		}
		defer body.Close()

		var first [1]byte
		if _, err := io.ReadFull(body, first[:]); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return speech.ErrProbeTimeout
			}
			return &speech.ConnectionError{Provider: speech.ProviderSarvam, Err: err}
		}
		return nil
	}
}
