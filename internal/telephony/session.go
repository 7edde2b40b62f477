package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/audio"
	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/resilience"
	"github.com/lexiqai/speech-gateway/internal/speech"
	"github.com/lexiqai/speech-gateway/internal/stt"
	"github.com/lexiqai/speech-gateway/internal/tts"
)

// playbackLead is how far ahead of real time outbound audio is sent
const playbackLead = 100 * time.Millisecond

var (
	// ErrSessionInactive is returned for requests on a call that has ended
	ErrSessionInactive = errors.New("call session is not active")

	// ErrNoSynthesizer is returned when the call has no TTS leg
	ErrNoSynthesizer = errors.New("call has no synthesizer")

	// ErrSpeakQueueFull is returned when too many utterances are pending
	ErrSpeakQueueFull = errors.New("speak queue full")

	// ErrSynthesizerFailed is returned once the TTS leg has gone silent
	ErrSynthesizerFailed = errors.New("synthesizer failed")
)

// utterance is one fragment of a turn. gen is the barge-in generation it
// was queued under; a barge-in makes every older utterance stale.
type utterance struct {
	id      string
	text    string
	isFirst bool
	isSole  bool
	isLast  bool
	gen     uint64
}

// synthesis is an utterance whose audio is being generated
type synthesis struct {
	utterance
	result *speech.SynthesisResult
}

// playback is the utterance currently being sent to the caller
type playback struct {
	id          string
	result      *speech.SynthesisResult
	cancel      context.CancelFunc
	started     time.Time
	sent        time.Duration
	interrupted bool
}

// elapsed is the playback offset the caller has heard: wall time since the
// first frame, capped at the audio actually sent
func (p *playback) elapsed(now time.Time) float64 {
	e := now.Sub(p.started)
	if e > p.sent {
		e = p.sent
	}
	return e.Seconds()
}

// CallSession holds the state of a single phone call
type CallSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	manager *Manager

	// Session identifiers
	mu         sync.RWMutex
	callSid    string
	streamSid  string
	accountSid string
	params     map[string]string
	isActive   bool
	started    bool

	// Provider legs; either may be nil when setup failed
	transcriber stt.Transcriber
	synthesizer tts.Synthesizer

	vad         *audio.VADDetector
	frameDur    time.Duration
	speakQueue  chan utterance
	playQueue   chan synthesis
	synthFailed atomic.Bool

	// playMu guards the playback state of the current turn
	playMu  sync.Mutex
	playing *playback
	gen     uint64
	heard   []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	correlationID string
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

func newCallSession(conn *websocket.Conn, m *Manager) *CallSession {
	ctx, cancel := context.WithCancel(context.Background())
	correlationID := observability.NewCorrelationID()
	format := m.cfg.TelephonyFormat()

	frameDur := time.Duration(0)
	if bps := format.BytesPerSecond(); bps > 0 {
		frameDur = time.Duration(m.cfg.SynthFrameSize) * time.Second / time.Duration(bps)
	}

	return &CallSession{
		conn:          conn,
		manager:       m,
		isActive:      true,
		vad:           audio.NewVADDetector(m.cfg.VADConfig(), format.Encoding),
		frameDur:      frameDur,
		speakQueue:    make(chan utterance, 32),
		playQueue:     make(chan synthesis, 32),
		ctx:           ctx,
		cancel:        cancel,
		correlationID: correlationID,
		metrics:       observability.NewCallMetrics(correlationID),
		logger:        m.logger.With().Str("correlation_id", correlationID).Logger(),
	}
}

// serve reads Twilio events until the stream stops or the socket fails
func (s *CallSession) serve() {
	defer s.close()
	s.metrics.RecordCallStart()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg TwilioMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse Twilio message")
			continue
		}

		switch msg.Event {
		case "connected":
			s.logger.Debug().Msg("Twilio stream connected")

		case "start":
			if msg.Start == nil {
				s.logger.Warn().Msg("Start event without payload")
				continue
			}
			s.setup(msg.Start)

		case "media":
			if msg.Media != nil {
				s.handleMedia(msg.Media)
			}

		case "mark":
			if msg.Mark != nil {
				s.logger.Debug().Str("mark", msg.Mark.Name).Msg("Playback reached mark")
			}

		case "stop":
			s.logger.Info().Msg("Call stopped")
			return

		default:
			s.logger.Debug().Str("event", msg.Event).Msg("Unknown Twilio event")
		}
	}
}

// setup builds both provider legs through failover and registers the call
func (s *CallSession) setup(start *TwilioStart) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.callSid = start.CallSid
	s.streamSid = start.StreamSid
	s.accountSid = start.AccountSid
	s.params = start.CustomParameters
	s.logger = s.logger.With().Str("call_sid", start.CallSid).Logger()
	s.mu.Unlock()

	s.logger.Info().
		Str("stream_sid", start.StreamSid).
		Str("encoding", start.MediaFormat.Encoding).
		Int("sample_rate", start.MediaFormat.SampleRate).
		Msg("Call started")

	transcriber, err := s.manager.newTranscriber(s.ctx, s.logger)
	if err == nil {
		if err = transcriber.Start(s.ctx); err != nil {
			transcriber.Terminate()
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to set up transcriber, inbound leg is silent")
		s.metrics.RecordError("setup", "stt")
	} else {
		s.transcriber = transcriber
		s.wg.Add(1)
		go s.processTranscriptions()
	}

	synthesizer, err := s.manager.newSynthesizer(s.ctx, s.logger)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to set up synthesizer, outbound leg is silent")
		s.metrics.RecordError("setup", "tts")
	} else {
		s.synthesizer = synthesizer
		s.wg.Add(2)
		go s.processSynthesis()
		go s.processPlayback()
	}

	s.manager.register(s)
}

// handleMedia forwards one caller frame and watches it for barge-in
func (s *CallSession) handleMedia(media *TwilioMedia) {
	frame, err := decodeMedia(media)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to decode media payload")
		return
	}
	s.metrics.RecordAudioBytes("in", int64(len(frame)))

	if s.vad.ProcessFrame(frame) == audio.VADSpeechStart {
		s.bargeIn("vad")
	}

	if s.transcriber == nil {
		return
	}
	if err := s.transcriber.SendAudio(frame); err != nil && !errors.Is(err, stt.ErrNotStreaming) {
		s.logger.Warn().Err(err).Msg("Failed to queue caller audio")
	}
}

// processTranscriptions delivers transcriptions until the stream ends
func (s *CallSession) processTranscriptions() {
	defer s.wg.Done()

	for t := range s.transcriber.Transcriptions() {
		if t.Text != "" {
			s.bargeIn("transcript")
		}
		if t.IsFinal {
			s.logger.Info().
				Str("text", t.Text).
				Float64("confidence", t.Confidence).
				Msg("Final transcription")
		}
		if s.manager.hooks.OnTranscript != nil {
			s.manager.hooks.OnTranscript(s.CallSid(), t)
		}
	}

	if s.transcriber.State() == stt.StateFailed {
		key := speech.HealthKey(speech.KindSTT, s.transcriber.Provider())
		s.logger.Error().
			Err(s.transcriber.Err()).
			Str("provider", string(s.transcriber.Provider())).
			Msg("Transcriber failed, inbound leg is silent")
		s.manager.monitor.Report(key, false)
	}
}

// processSynthesis starts synthesis for each utterance as soon as it is
// queued, so later fragments of a turn reach the provider while earlier ones
// are still playing
func (s *CallSession) processSynthesis() {
	defer s.wg.Done()
	for {
		select {
		case u := <-s.speakQueue:
			s.synthesize(u)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *CallSession) synthesize(u utterance) {
	if !s.isCurrent(u.gen) {
		return
	}
	provider := s.synthesizer.Provider()
	s.metrics.RecordSynthesisStart(u.id)

	result, err := s.synthesizer.Synthesize(s.ctx, u.text, s.manager.cfg.SynthFrameSize, u.isFirst, u.isSole)
	if err != nil {
		s.logger.Error().Err(err).Str("utterance_id", u.id).Msg("Synthesis failed")
		s.metrics.RecordSynthesisEnd(string(provider), u.id, false)
		if errors.Is(err, resilience.ErrReconnectExhausted) || speech.IsRateLimited(err) {
			s.failSynthesizer(provider, err)
		}
		return
	}

	if u.isLast && !u.isSole {
		if ender, ok := s.synthesizer.(tts.TurnEnder); ok {
			ender.EndTurn()
		}
	}

	sy := synthesis{utterance: u, result: result}
	if !s.isCurrent(u.gen) {
		s.discard(sy)
		return
	}
	select {
	case s.playQueue <- sy:
	case <-s.ctx.Done():
		s.discard(sy)
	}
}

// discard drops a synthesis that will never be played
func (s *CallSession) discard(sy synthesis) {
	sy.result.Cancel()
	s.metrics.RecordSynthesisEnd(string(s.synthesizer.Provider()), sy.id, false)
}

// failSynthesizer silences the outbound leg and marks the provider unhealthy
// so the next call fails over
func (s *CallSession) failSynthesizer(provider speech.ProviderID, err error) {
	if s.synthFailed.Swap(true) {
		return
	}
	s.logger.Error().
		Err(err).
		Str("provider", string(provider)).
		Msg("Synthesizer failed, outbound leg is silent")
	s.manager.monitor.Report(speech.HealthKey(speech.KindTTS, provider), false)
}

func (s *CallSession) isCurrent(gen uint64) bool {
	s.playMu.Lock()
	defer s.playMu.Unlock()
	return gen == s.gen
}

// processPlayback plays synthesized utterances one at a time
func (s *CallSession) processPlayback() {
	defer s.wg.Done()
	for {
		select {
		case sy := <-s.playQueue:
			s.play(sy)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *CallSession) play(sy synthesis) {
	u, result := sy.utterance, sy.result
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	provider := string(s.synthesizer.Provider())
	pb := &playback{id: u.id, result: result, cancel: cancel}

	s.playMu.Lock()
	if u.gen != s.gen {
		s.playMu.Unlock()
		s.discard(sy)
		return
	}
	if u.isFirst {
		s.heard = nil
	}
	s.playing = pb
	s.playMu.Unlock()

	defer func() {
		s.playMu.Lock()
		if s.playing == pb {
			s.playing = nil
		}
		s.playMu.Unlock()
	}()

	streamSid := s.StreamSid()
	for {
		c, ok := result.Next(ctx)
		if !ok {
			break
		}

		s.playMu.Lock()
		if pb.started.IsZero() {
			pb.started = time.Now()
		}
		interrupted := pb.interrupted
		s.playMu.Unlock()
		if interrupted {
			break
		}

		var wait time.Duration
		if len(c.Data) > 0 {
			if err := s.writeJSON(mediaMessage(streamSid, c.Data)); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to send audio to Twilio")
				s.metrics.RecordError("twilio_send_error", "telephony")
				result.Cancel()
				break
			}
			s.metrics.RecordSynthesisFrame(provider, u.id)
			s.metrics.RecordAudioBytes("out", int64(len(c.Data)))

			s.playMu.Lock()
			pb.sent += s.frameDur
			wait = time.Until(pb.started.Add(pb.sent - playbackLead))
			s.playMu.Unlock()
		}

		if c.IsLast {
			break
		}
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
		}
	}

	s.playMu.Lock()
	interrupted := pb.interrupted
	if !interrupted && pb.sent > 0 {
		s.heard = append(s.heard, result.TruncateAt(math.Inf(1)))
	}
	s.playMu.Unlock()
	if interrupted {
		s.metrics.RecordSynthesisEnd(provider, u.id, false)
		return
	}
	s.metrics.RecordSynthesisEnd(provider, u.id, true)
	if err := s.writeJSON(markMessage(streamSid, u.id)); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send mark")
	}
}

// bargeIn stops the current utterance, drops pending ones and tells Twilio
// to discard buffered audio. The hook receives everything the caller heard
// of the turn so far.
func (s *CallSession) bargeIn(reason string) {
	s.playMu.Lock()
	s.gen++
	pb := s.playing
	if pb != nil && pb.interrupted {
		pb = nil
	}
	var seconds float64
	if pb != nil {
		pb.interrupted = true
		seconds = pb.elapsed(time.Now())
	}
	heard := s.heard
	s.heard = nil
	s.playMu.Unlock()

	dropped := 0
	for drained := false; !drained; {
		select {
		case <-s.speakQueue:
			dropped++
		case sy := <-s.playQueue:
			s.discard(sy)
			dropped++
		default:
			drained = true
		}
	}

	if pb == nil && dropped == 0 {
		return
	}

	parts := heard
	if pb != nil {
		if text := pb.result.TruncateAt(seconds); text != "" {
			parts = append(parts, text)
		}
		pb.result.Cancel()
		pb.cancel()
	}
	spoken := strings.Join(parts, " ")

	if err := s.writeJSON(clearMessage(s.StreamSid())); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send clear")
	}
	s.metrics.RecordBargeIn()

	s.logger.Info().
		Str("reason", reason).
		Str("spoken", spoken).
		Int("dropped", dropped).
		Msg("Caller interrupted playback")

	if s.manager.hooks.OnBargeIn != nil {
		s.manager.hooks.OnBargeIn(s.CallSid(), spoken)
	}
}

// Say queues reply text. Each fragment continues the previous one; the whole
// list is one turn.
func (s *CallSession) Say(fragments []string) ([]string, error) {
	if !s.IsActive() {
		return nil, ErrSessionInactive
	}
	if s.synthesizer == nil {
		return nil, ErrNoSynthesizer
	}
	if s.synthFailed.Load() {
		return nil, ErrSynthesizerFailed
	}
	if len(fragments) == 0 {
		return nil, fmt.Errorf("no text to say")
	}

	s.playMu.Lock()
	gen := s.gen
	s.playMu.Unlock()

	ids := make([]string, 0, len(fragments))
	for i, text := range fragments {
		u := utterance{
			id:      uuid.New().String(),
			text:    text,
			isFirst: i == 0,
			isSole:  len(fragments) == 1,
			isLast:  i == len(fragments)-1,
			gen:     gen,
		}
		select {
		case s.speakQueue <- u:
			ids = append(ids, u.id)
		default:
			return ids, ErrSpeakQueueFull
		}
	}
	return ids, nil
}

func (s *CallSession) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

// shutdown unblocks the read loop, which then closes the session
func (s *CallSession) shutdown() {
	s.cancel()
	s.conn.Close()
}

// close tears down both legs. Safe to call more than once.
func (s *CallSession) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.isActive = false
		s.mu.Unlock()

		s.manager.unregister(s)
		s.cancel()

		if s.transcriber != nil {
			if err := s.transcriber.Terminate(); err != nil {
				s.logger.Warn().Err(err).Msg("Error terminating transcriber")
			}
		}
		if s.synthesizer != nil {
			if err := s.synthesizer.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("Error closing synthesizer")
			}
		}
		s.conn.Close()
		s.wg.Wait()

		s.metrics.RecordCallEnd()
		s.logger.Info().Msg("Call session ended")
	})
}

// CallSid returns the call SID
func (s *CallSession) CallSid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callSid
}

// StreamSid returns the media stream SID
func (s *CallSession) StreamSid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSid
}

// Param returns a custom parameter passed by the TwiML <Stream>
func (s *CallSession) Param(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params[name]
}

// IsActive returns whether the session is still active
func (s *CallSession) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isActive
}
