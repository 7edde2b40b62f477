package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/resilience"
	"github.com/lexiqai/speech-gateway/internal/speech"
)

const (
	// DefaultCartesiaURL is the Cartesia streaming synthesis endpoint
	DefaultCartesiaURL = "wss://api.cartesia.ai/tts/websocket"

	// CartesiaVersion is the API version sent with every connection
	CartesiaVersion = "2024-06-10"

	defaultCartesiaModel = "sonic-2"

	cartesiaReadLimit    = 4 << 20
	cartesiaWriteTimeout = 5 * time.Second
)

// cartesiaOutputFormat is the raw output format requested from Cartesia
type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// cartesiaFormat maps an output format onto one Cartesia can produce
func cartesiaFormat(f speech.AudioFormat) (cartesiaOutputFormat, error) {
	if f.Channels != 1 {
		return cartesiaOutputFormat{}, speech.ConfigError("cartesia produces mono audio, got %d channels", f.Channels)
	}
	switch f.Encoding {
	case speech.Linear16:
		switch f.SampleRate {
		case 48000, 44100, 22050, 16000, 8000:
			return cartesiaOutputFormat{Container: "raw", Encoding: "pcm_s16le", SampleRate: f.SampleRate}, nil
		}
		return cartesiaOutputFormat{}, speech.ConfigError("unsupported cartesia PCM sample rate %d", f.SampleRate)
	case speech.Mulaw:
		if f.SampleRate != 8000 {
			return cartesiaOutputFormat{}, speech.ConfigError("cartesia μ-law output is 8000Hz only, got %d", f.SampleRate)
		}
		return cartesiaOutputFormat{Container: "raw", Encoding: "pcm_mulaw", SampleRate: 8000}, nil
	default:
		return cartesiaOutputFormat{}, speech.ConfigError("unsupported cartesia encoding %q", f.Encoding)
	}
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

// cartesiaRequest appends a transcript to a context. An empty transcript with
// Continue unset closes the context's input.
type cartesiaRequest struct {
	ModelID       string               `json:"model_id"`
	Transcript    string               `json:"transcript"`
	Voice         cartesiaVoice        `json:"voice"`
	OutputFormat  cartesiaOutputFormat `json:"output_format"`
	Language      string               `json:"language,omitempty"`
	ContextID     string               `json:"context_id"`
	Continue      bool                 `json:"continue"`
	AddTimestamps bool                 `json:"add_timestamps"`
}

type cartesiaCancel struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

type cartesiaWordTimestamps struct {
	Words []string  `json:"words"`
	Start []float64 `json:"start"`
	End   []float64 `json:"end"`
}

type cartesiaEvent struct {
	Type           string                  `json:"type"`
	ContextID      string                  `json:"context_id"`
	Data           string                  `json:"data"`
	Done           bool                    `json:"done"`
	StatusCode     int                     `json:"status_code"`
	Error          string                  `json:"error"`
	WordTimestamps *cartesiaWordTimestamps `json:"word_timestamps"`
}

// cartesiaContext is one utterance context. Every result synthesized into
// the context reads from the same audio queue and shares its text and word
// timestamps.
type cartesiaContext struct {
	id  string
	wpm int

	mu          sync.Mutex
	queue       [][]byte
	notify      chan struct{}
	finished    bool
	inputClosed bool
	text        strings.Builder
	timestamps  []speech.WordTimestamp
}

func newCartesiaContext(wpm int) *cartesiaContext {
	return &cartesiaContext{
		id:     uuid.NewString(),
		wpm:    wpm,
		notify: make(chan struct{}, 1),
	}
}

func (cc *cartesiaContext) signal() {
	select {
	case cc.notify <- struct{}{}:
	default:
	}
}

func (cc *cartesiaContext) push(data []byte) {
	cc.mu.Lock()
	if !cc.finished {
		cc.queue = append(cc.queue, data)
	}
	cc.mu.Unlock()
	cc.signal()
}

// finish ends the audio sequence. Queued audio is still delivered.
func (cc *cartesiaContext) finish() {
	cc.mu.Lock()
	cc.finished = true
	cc.mu.Unlock()
	cc.signal()
}

func (cc *cartesiaContext) isFinished() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.finished
}

// receive waits for the next piece of audio. It returns false once the
// context is finished and drained or ctx is done.
func (cc *cartesiaContext) receive(ctx context.Context) ([]byte, bool) {
	for {
		cc.mu.Lock()
		if len(cc.queue) > 0 {
			data := cc.queue[0]
			cc.queue = cc.queue[1:]
			cc.mu.Unlock()
			return data, true
		}
		if cc.finished {
			cc.mu.Unlock()
			return nil, false
		}
		cc.mu.Unlock()

		select {
		case <-cc.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (cc *cartesiaContext) appendText(transcript string) {
	cc.mu.Lock()
	cc.text.WriteString(transcript)
	cc.mu.Unlock()
}

func (cc *cartesiaContext) addTimestamps(ts *cartesiaWordTimestamps) {
	n := len(ts.Words)
	if len(ts.Start) < n {
		n = len(ts.Start)
	}
	if len(ts.End) < n {
		n = len(ts.End)
	}
	cc.mu.Lock()
	for i := 0; i < n; i++ {
		cc.timestamps = append(cc.timestamps, speech.WordTimestamp{Word: ts.Words[i], Start: ts.Start[i], End: ts.End[i]})
	}
	cc.mu.Unlock()
}

// cutoff uses word timestamps once Cartesia has sent any, the speaking rate otherwise
func (cc *cartesiaContext) cutoff(seconds float64) string {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if len(cc.timestamps) > 0 {
		return speech.CutoffByTimestamps(cc.timestamps, seconds)
	}
	return speech.CutoffByWordsPerMinute(cc.text.String(), seconds, cc.wpm)
}

// CartesiaClient synthesizes over one Cartesia websocket per call,
// multiplexing utterance contexts by context id
type CartesiaClient struct {
	config     Config
	format     cartesiaOutputFormat
	logger     zerolog.Logger
	supervisor *resilience.Supervisor

	// sendMu orders outbound messages and serialises dialing. It is always
	// taken before mu and never held by the read loop.
	sendMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	contexts   map[string]*cartesiaContext
	current    *cartesiaContext
	grace      *time.Timer
	graceSeq   uint64
	closed     bool
	failed     error
}

var _ TurnEnder = (*CartesiaClient)(nil)

// NewCartesiaClient validates the configuration. It connects lazily on the
// first synthesis.
func NewCartesiaClient(config Config, logger zerolog.Logger) (*CartesiaClient, error) {
	config.applyDefaults()
	if config.APIKey == "" {
		return nil, speech.ConfigError("CARTESIA_API_KEY is required for the cartesia synthesizer")
	}
	if config.Voice == "" {
		return nil, speech.ConfigError("CARTESIA_VOICE_ID is required for the cartesia synthesizer")
	}
	if config.Model == "" {
		config.Model = defaultCartesiaModel
	}
	format, err := cartesiaFormat(config.Output)
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "tts").Str("provider", string(speech.ProviderCartesia)).Logger()
	return &CartesiaClient{
		config:     config,
		format:     format,
		logger:     logger,
		supervisor: resilience.NewSupervisor(config.Reconnect, logger),
		contexts:   make(map[string]*cartesiaContext),
	}, nil
}

// Provider returns the provider tag
func (c *CartesiaClient) Provider() speech.ProviderID {
	return speech.ProviderCartesia
}

func cartesiaURL(config Config) string {
	if config.URL != "" {
		return config.URL
	}
	return DefaultCartesiaURL
}

func cartesiaHeader(apiKey string) http.Header {
	h := http.Header{}
	h.Set("X-API-Key", apiKey)
	h.Set("Cartesia-Version", CartesiaVersion)
	return h
}

// dialCartesia opens the socket, classifying handshake rejections
func dialCartesia(ctx context.Context, config Config) (*websocket.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, cartesiaURL(config), &websocket.DialOptions{
		HTTPHeader: cartesiaHeader(config.APIKey),
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, speech.NewProviderError(speech.ProviderCartesia, resp.StatusCode,
				fmt.Sprintf("handshake rejected: %s", resp.Status))
		}
		return nil, &speech.ConnectionError{Provider: speech.ProviderCartesia, Err: err}
	}
	conn.SetReadLimit(cartesiaReadLimit)
	return conn, nil
}

func isRetryableDial(err error) bool {
	if errors.Is(err, resilience.ErrReconnectExhausted) {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}

// connect returns the open connection or dials a new one. Every dial draws
// on the call's attempt budget; once the budget is spent or the provider
// rate limits the call, the client fails for good. The caller holds sendMu.
func (c *CartesiaClient) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	conn, closed, failed := c.conn, c.closed, c.failed
	c.mu.Unlock()
	switch {
	case closed:
		return nil, ErrClosed
	case failed != nil:
		return nil, failed
	case conn != nil:
		return conn, nil
	}

	var attempt int
	err := resilience.Retry(ctx, c.config.Retry, func(ctx context.Context) error {
		var err error
		if attempt, err = c.supervisor.Acquire(); err != nil {
			return err
		}
		conn, err = dialCartesia(ctx, c.config)
		if err != nil {
			observability.RecordReconnectAttempt(string(speech.ProviderCartesia), err)
		}
		return err
	}, isRetryableDial)
	if err != nil {
		observability.RecordError("connect", "tts")
		if !errors.Is(err, resilience.ErrReconnectExhausted) && !speech.IsRateLimited(err) && c.supervisor.Remaining() == 0 {
			err = fmt.Errorf("%w after %d attempts: %v", resilience.ErrReconnectExhausted, attempt, err)
		}
		if errors.Is(err, resilience.ErrReconnectExhausted) || speech.IsRateLimited(err) {
			c.mu.Lock()
			c.failed = err
			c.mu.Unlock()
			c.logger.Error().Err(err).Msg("Cartesia synthesizer failed, no further connections")
		}
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, ErrClosed
	}
	c.conn = conn
	c.connCancel = cancel
	c.mu.Unlock()
	go c.readLoop(connCtx, conn)

	c.logger.Info().Str("model", c.config.Model).Int("attempt", attempt).Msg("Connected to Cartesia")
	return conn, nil
}

// readLoop routes inbound events to their context
func (c *CartesiaClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.connectionLost(conn, err)
			return
		}

		var ev cartesiaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring malformed Cartesia event")
			continue
		}

		c.mu.Lock()
		cc := c.contexts[ev.ContextID]
		c.mu.Unlock()
		if cc == nil {
			continue
		}

		switch ev.Type {
		case "chunk":
			audio, err := base64.StdEncoding.DecodeString(ev.Data)
			if err != nil {
				observability.RecordError("decode", "tts")
				c.logger.Warn().Err(err).Str("context_id", cc.id).Msg("Dropping undecodable Cartesia chunk")
			} else if len(audio) > 0 {
				cc.push(audio)
			}
			if ev.Done {
				c.finishContext(cc)
			}

		case "timestamps":
			if ev.WordTimestamps != nil {
				cc.addTimestamps(ev.WordTimestamps)
			}

		case "done":
			c.finishContext(cc)

		case "error":
			perr := speech.NewProviderError(speech.ProviderCartesia, ev.StatusCode, ev.Error)
			observability.RecordError("provider", "tts")
			c.logger.Error().Err(perr).Str("context_id", cc.id).Msg("Cartesia error event")
			c.finishContext(cc)

		default:
			c.logger.Debug().Str("type", ev.Type).Msg("Ignoring unknown Cartesia event")
		}
	}
}

func (c *CartesiaClient) finishContext(cc *cartesiaContext) {
	cc.finish()
	c.mu.Lock()
	delete(c.contexts, cc.id)
	if c.current == cc {
		c.current = nil
		c.stopGraceLocked()
	}
	c.mu.Unlock()
}

// connectionLost ends every open context; the next synthesis redials while
// the attempt budget lasts
func (c *CartesiaClient) connectionLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}

	if !c.closed && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		observability.RecordError("connection_lost", "tts")
		c.logger.Warn().Err(err).Int("attempts_left", c.supervisor.Remaining()).Msg("Cartesia connection lost")
	}

	c.connCancel()
	c.conn = nil
	c.stopGraceLocked()
	for id, cc := range c.contexts {
		cc.finish()
		delete(c.contexts, id)
	}
	c.current = nil
}

// send writes one message. The caller holds sendMu.
func (c *CartesiaClient) send(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cartesiaWriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &speech.ConnectionError{Provider: speech.ProviderCartesia, Err: err}
	}
	return nil
}

func (c *CartesiaClient) request(cc *cartesiaContext, transcript string, cont bool) cartesiaRequest {
	return cartesiaRequest{
		ModelID:       c.config.Model,
		Transcript:    transcript,
		Voice:         cartesiaVoice{Mode: "id", ID: c.config.Voice},
		OutputFormat:  c.format,
		Language:      c.config.Language,
		ContextID:     cc.id,
		Continue:      cont,
		AddTimestamps: true,
	}
}

// takeInputLocked marks cc's input closed and returns the connection the
// "no more inputs" message goes out on, or nil when none is needed
func (c *CartesiaClient) takeInputLocked(cc *cartesiaContext) *websocket.Conn {
	if cc.inputClosed || c.conn == nil {
		return nil
	}
	cc.inputClosed = true
	if c.current == cc {
		c.current = nil
	}
	return c.conn
}

// closeInput tells Cartesia no more transcripts follow for cc. The caller
// holds sendMu.
func (c *CartesiaClient) closeInput(conn *websocket.Conn, cc *cartesiaContext) {
	if conn == nil {
		return
	}
	if err := c.send(conn, c.request(cc, "", false)); err != nil {
		c.logger.Warn().Err(err).Str("context_id", cc.id).Msg("Failed to close Cartesia context")
	}
}

func (c *CartesiaClient) stopGraceLocked() {
	c.graceSeq++
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}

// armGraceLocked schedules the close of cc's input. A timer that fired but
// lost the race for the locks sees a newer sequence number and does nothing.
func (c *CartesiaClient) armGraceLocked(cc *cartesiaContext) {
	c.stopGraceLocked()
	seq := c.graceSeq
	c.grace = time.AfterFunc(c.config.GraceDelay, func() {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()

		c.mu.Lock()
		if c.graceSeq != seq || c.current != cc {
			c.mu.Unlock()
			return
		}
		c.grace = nil
		conn := c.takeInputLocked(cc)
		c.mu.Unlock()

		c.closeInput(conn, cc)
	})
}

// Synthesize appends text to the open context or opens a new one. A first
// fragment closes the previous context; a non-sole fragment keeps the
// context open for the grace delay or until EndTurn.
func (c *CartesiaClient) Synthesize(ctx context.Context, text string, frameSize int, isFirst, isSole bool) (*speech.SynthesisResult, error) {
	if speech.IsSilenceMarker(text) {
		return speech.EmptyResult(), nil
	}
	fr, err := newFramer(frameSize, c.config.Output.Encoding)
	if err != nil {
		return nil, speech.ConfigError("invalid frame size: %v", err)
	}

	transcript := text
	if !strings.HasSuffix(transcript, " ") {
		transcript += " "
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stopGraceLocked()

	cc := c.current
	if cc != nil && (cc.inputClosed || cc.isFinished()) {
		cc = nil
	}
	var previous *cartesiaContext
	var previousConn *websocket.Conn
	if cc != nil && isFirst {
		previous, previousConn = cc, c.takeInputLocked(cc)
		cc = nil
	}
	if cc == nil {
		cc = newCartesiaContext(c.config.WordsPerMinute)
		c.contexts[cc.id] = cc
		c.current = cc
		c.logger.Debug().Str("context_id", cc.id).Msg("Opened Cartesia context")
	}
	cc.appendText(transcript)
	c.mu.Unlock()

	if previous != nil {
		c.closeInput(previousConn, previous)
	}
	if err := c.send(conn, c.request(cc, transcript, !isSole)); err != nil {
		c.mu.Lock()
		delete(c.contexts, cc.id)
		if c.current == cc {
			c.current = nil
		}
		c.mu.Unlock()
		cc.finish()
		return nil, err
	}

	c.mu.Lock()
	if isSole {
		cc.inputClosed = true
		if c.current == cc {
			c.current = nil
		}
	} else if c.current == cc {
		c.armGraceLocked(cc)
	}
	c.mu.Unlock()

	pull := func(ctx context.Context) (speech.Chunk, bool) {
		for !fr.ready() {
			if fr.ended {
				return speech.Chunk{}, false
			}
			data, ok := cc.receive(ctx)
			if !ok {
				fr.end()
				continue
			}
			fr.write(data)
		}
		return fr.next()
	}

	return speech.NewSynthesisResult(pull, cc.cutoff, func() { c.cancelContext(cc) }), nil
}

// EndTurn closes the open context at once instead of after the grace delay
func (c *CartesiaClient) EndTurn() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	cc := c.current
	var conn *websocket.Conn
	if cc != nil {
		c.stopGraceLocked()
		conn = c.takeInputLocked(cc)
	}
	c.mu.Unlock()

	if cc != nil {
		c.closeInput(conn, cc)
	}
}

// cancelContext ends cc locally at once and tells Cartesia to stop
// generating it. The cancel message goes out behind any write in progress.
func (c *CartesiaClient) cancelContext(cc *cartesiaContext) {
	c.mu.Lock()
	if c.current == cc {
		c.stopGraceLocked()
		c.current = nil
	}
	_, open := c.contexts[cc.id]
	conn := c.conn
	cc.inputClosed = true
	delete(c.contexts, cc.id)
	c.mu.Unlock()
	cc.finish()

	if !open || conn == nil {
		return
	}
	go func() {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		if err := c.send(conn, cartesiaCancel{ContextID: cc.id, Cancel: true}); err != nil {
			c.logger.Warn().Err(err).Str("context_id", cc.id).Msg("Failed to cancel Cartesia context")
		}
	}()
}

// Close cancels the grace timer and closes the socket
func (c *CartesiaClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopGraceLocked()

	for id, cc := range c.contexts {
		cc.finish()
		delete(c.contexts, id)
	}
	c.current = nil

	conn, cancel := c.conn, c.connCancel
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "")
	cancel()
	return err
}

// CartesiaProbe returns a health probe that completes the websocket handshake
func CartesiaProbe(config Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		conn, err := dialCartesia(ctx, config)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return speech.ErrProbeTimeout
			}
			return err
		}
		conn.Close(websocket.StatusNormalClosure, "")
		return nil
	}
}
