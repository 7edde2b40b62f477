package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

// DefaultSarvamURL is the Sarvam streaming recognition endpoint
const DefaultSarvamURL = "wss://api.sarvam.ai/speech-to-text-translate/ws"

// Sarvam event types
const (
	sarvamEventConnected       = "connected"
	sarvamEventPartial         = "partial"
	sarvamEventPartialAlt      = "partial_transcript"
	sarvamEventTranscript      = "transcript"
	sarvamEventFinalTranscript = "final_transcript"
	sarvamEventError           = "error"
)

// closeUnsupportedData is the close code Sarvam uses when rate limiting
const closeUnsupportedData = 1003

// SarvamClient streams call audio to Sarvam over a websocket
type SarvamClient struct {
	*stream
	dialer *websocket.Dialer
}

// NewSarvamClient creates a Sarvam transcriber. It does not connect.
func NewSarvamClient(config Config, logger zerolog.Logger) (*SarvamClient, error) {
	if config.APIKey == "" {
		return nil, speech.ConfigError("SARVAM_API_KEY is required for the sarvam transcriber")
	}
	if config.Model == "" {
		config.Model = "saaras:v3"
	}

	s, err := newStream(speech.ProviderSarvam, config, logger)
	if err != nil {
		return nil, err
	}
	c := &SarvamClient{
		stream: s,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
	s.conn = c
	return c, nil
}

// sarvamURL builds the connection URL with the audio contract as query parameters
func sarvamURL(config Config) (string, error) {
	base := config.URL
	if base == "" {
		base = DefaultSarvamURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", speech.ConfigError("invalid sarvam url %q: %v", base, err)
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(config.Output.SampleRate))
	q.Set("mode", config.Mode)
	q.Set("input_audio_codec", "pcm_s16le")
	if config.Language != "" {
		q.Set("language-code", config.Language)
	}
	q.Set("model", config.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sarvamHeader(apiKey string) http.Header {
	h := http.Header{}
	h.Set("api-subscription-key", apiKey)
	return h
}

// dialSarvam opens the websocket, classifying handshake rejections
func dialSarvam(ctx context.Context, dialer *websocket.Dialer, config Config) (*websocket.Conn, error) {
	u, err := sarvamURL(config)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, u, sarvamHeader(config.APIKey))
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, speech.NewProviderError(speech.ProviderSarvam, resp.StatusCode,
				fmt.Sprintf("handshake rejected: %s", resp.Status))
		}
		return nil, &speech.ConnectionError{Provider: speech.ProviderSarvam, Err: err}
	}
	return conn, nil
}

// serve runs one connection: send and receive duties under an errgroup
func (c *SarvamClient) serve(ctx context.Context, attempt int) error {
	conn, err := dialSarvam(ctx, c.dialer, c.config)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.setState(StateStreaming)
	c.logger.Info().Int("attempt", attempt).Msg("Connected to Sarvam")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.sendLoop(gctx, func(b []byte) error {
			return conn.WriteMessage(websocket.BinaryMessage, b)
		})
	})

	g.Go(func() error {
		return c.receiveLoop(gctx, conn)
	})

	// Unblock the reader once either duty ends or the call is terminated
	g.Go(func() error {
		<-gctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, errClosedCleanly) {
		return nil
	}
	return err
}

// sarvamMessage covers the field spellings Sarvam uses across event versions
type sarvamMessage struct {
	Type       string          `json:"type"`
	Event      string          `json:"event"`
	Text       string          `json:"text"`
	Transcript string          `json:"transcript"`
	Message    string          `json:"message"`
	Error      string          `json:"error"`
	Confidence *float64        `json:"confidence"`
	Duration   *float64        `json:"duration"`
	Payload    json.RawMessage `json:"payload"`
	Data       json.RawMessage `json:"data"`
}

type sarvamData struct {
	Text       string   `json:"text"`
	Transcript string   `json:"transcript"`
	Message    string   `json:"message"`
	Confidence *float64 `json:"confidence"`
	Duration   *float64 `json:"duration"`
}

func (m *sarvamMessage) eventType() string {
	if m.Type != "" {
		return m.Type
	}
	return m.Event
}

func (m *sarvamMessage) data() sarvamData {
	var d sarvamData
	if len(m.Data) > 0 && m.Data[0] == '{' {
		json.Unmarshal(m.Data, &d)
	}
	return d
}

func (m *sarvamMessage) text() string {
	d := m.data()
	for _, s := range []string{m.Text, m.Transcript, d.Text, d.Transcript} {
		if s != "" {
			return s
		}
	}
	var payload string
	if len(m.Payload) > 0 && json.Unmarshal(m.Payload, &payload) == nil {
		return payload
	}
	return ""
}

func (m *sarvamMessage) errorMessage() string {
	d := m.data()
	for _, s := range []string{d.Message, m.Message, m.Error} {
		if s != "" {
			return s
		}
	}
	return "unknown error"
}

// receiveLoop is the receive duty: classify events and emit transcriptions
func (c *SarvamClient) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return classifySarvamClose(err)
		}

		var msg sarvamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Ignoring malformed Sarvam message")
			continue
		}

		if err := c.handleMessage(&msg); err != nil {
			return err
		}
	}
}

// handleMessage turns one event into a transcription. Only a rate limit
// reported in an error event is fatal to the connection.
func (c *SarvamClient) handleMessage(msg *sarvamMessage) error {
	switch msg.eventType() {
	case sarvamEventConnected:
		c.logger.Info().Msg("Sarvam session started")

	case sarvamEventPartial, sarvamEventPartialAlt:
		text := msg.text()
		if text == "" {
			return nil
		}
		c.emit(speech.Transcription{
			Text:       text,
			Confidence: confidenceOr(msg.Confidence, msg.data().Confidence, 0.0),
			IsFinal:    false,
		})

	case sarvamEventTranscript, sarvamEventFinalTranscript:
		text := msg.text()
		if text == "" {
			return nil
		}
		duration := msg.Duration
		if duration == nil {
			duration = msg.data().Duration
		}
		c.emit(speech.Transcription{
			Text:       text,
			Confidence: confidenceOr(msg.Confidence, msg.data().Confidence, 1.0),
			IsFinal:    true,
			Duration:   duration,
		})
		c.logger.Debug().Str("text", text).Msg("Sarvam final transcription")

	case sarvamEventError:
		perr := speech.NewProviderError(speech.ProviderSarvam, 0, msg.errorMessage())
		if perr.RateLimited {
			return perr
		}
		c.logger.Error().Str("error", perr.Message).Msg("Sarvam error event")

	default:
		c.logger.Debug().Str("event", msg.eventType()).Msg("Ignoring unknown Sarvam event")
	}
	return nil
}

func confidenceOr(primary, secondary *float64, def float64) float64 {
	if primary != nil {
		return *primary
	}
	if secondary != nil {
		return *secondary
	}
	return def
}

// classifySarvamClose maps a read failure to a clean close, a rate limit or
// a connection error
func classifySarvamClose(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case ce.Code == closeUnsupportedData && speech.LooksRateLimited(ce.Text):
			perr := speech.NewProviderError(speech.ProviderSarvam, ce.Code, ce.Text)
			perr.RateLimited = true
			return perr
		case ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway:
			return errClosedCleanly
		}
	}
	return &speech.ConnectionError{Provider: speech.ProviderSarvam, Err: err}
}

// SarvamProbe returns a health probe that streams two seconds of silence and
// waits for a rejection. No error event before the deadline means healthy.
func SarvamProbe(config Config) func(ctx context.Context) error {
	config.applyDefaults()
	dialer := &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}

	return func(ctx context.Context) error {
		conn, err := dialSarvam(ctx, dialer, config)
		if err != nil {
			return err
		}
		defer conn.Close()

		// 20 frames of 100ms silence at the provider rate
		silence := make([]byte, config.Output.BytesPerSecond()/10)
		for i := 0; i < 20; i++ {
			if err := conn.WriteMessage(websocket.BinaryMessage, silence); err != nil {
				return &speech.ConnectionError{Provider: speech.ProviderSarvam, Err: err}
			}
		}

		deadline := time.Now().Add(5 * time.Second)
		if d, ok := ctx.Deadline(); ok {
			deadline = d.Add(-50 * time.Millisecond)
		}
		conn.SetReadDeadline(deadline)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					return speech.ErrProbeTimeout
				}
				if cerr := classifySarvamClose(err); !errors.Is(cerr, errClosedCleanly) {
					return cerr
				}
				return nil
			}

			var msg sarvamMessage
			if json.Unmarshal(data, &msg) == nil && msg.eventType() == sarvamEventError {
				return speech.NewProviderError(speech.ProviderSarvam, 0, msg.errorMessage())
			}
		}
	}
}
