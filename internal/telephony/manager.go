// Package telephony bridges Twilio media streams to the speech providers.
// Each call gets a transcriber and a synthesizer chosen through failover;
// caller audio is forwarded to the transcriber and reply text queued with
// Say is played back frame by frame, with barge-in.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/config"
	"github.com/lexiqai/speech-gateway/internal/health"
	"github.com/lexiqai/speech-gateway/internal/speech"
	"github.com/lexiqai/speech-gateway/internal/stt"
	"github.com/lexiqai/speech-gateway/internal/tts"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Twilio does not send an Origin header
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Hooks connect calls to the conversation layer. Both are optional.
type Hooks struct {
	// OnTranscript receives every transcription of a call in arrival order
	OnTranscript func(callSid string, t speech.Transcription)

	// OnBargeIn receives the text the caller heard before interrupting
	OnBargeIn func(callSid string, spoken string)
}

// Manager owns the active call sessions
type Manager struct {
	cfg     *config.Config
	monitor *health.Monitor
	hooks   Hooks
	logger  zerolog.Logger

	newTranscriber func(ctx context.Context, logger zerolog.Logger) (stt.Transcriber, error)
	newSynthesizer func(ctx context.Context, logger zerolog.Logger) (tts.Synthesizer, error)

	mu       sync.RWMutex
	sessions map[string]*CallSession
	pending  map[*CallSession]struct{}
}

// NewManager creates a manager that selects providers through monitor
func NewManager(cfg *config.Config, monitor *health.Monitor, hooks Hooks, logger zerolog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		monitor:  monitor,
		hooks:    hooks,
		logger:   logger.With().Str("component", "telephony").Logger(),
		sessions: make(map[string]*CallSession),
		pending:  make(map[*CallSession]struct{}),
	}
	m.newTranscriber = func(ctx context.Context, logger zerolog.Logger) (stt.Transcriber, error) {
		return stt.Select(ctx, monitor, cfg.STTConfig(), cfg.STTFallback(), logger)
	}
	m.newSynthesizer = func(ctx context.Context, logger zerolog.Logger) (tts.Synthesizer, error) {
		return tts.Select(ctx, monitor, cfg.TTSConfig(), cfg.TTSFallback(), logger)
	}
	return m
}

// HandleTwilioWS is the entry point for Twilio media stream connections
func (m *Manager) HandleTwilioWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client
			m.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}

		session := newCallSession(conn, m)
		m.mu.Lock()
		m.pending[session] = struct{}{}
		m.mu.Unlock()

		session.logger.Info().Msg("New Twilio WebSocket connection established")
		session.serve()
	}
}

type sayRequest struct {
	Text      string   `json:"text,omitempty"`
	Fragments []string `json:"fragments,omitempty"`
}

type sayResponse struct {
	CallSid      string   `json:"call_sid"`
	UtteranceIDs []string `json:"utterance_ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleSay queues reply text for a live call: POST /calls/{callSid}/say
// with {"text": "..."} or {"fragments": ["...", "..."]}
func (m *Manager) HandleSay() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callSid := r.PathValue("callSid")
		session, ok := m.Session(callSid)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown call"})
			return
		}

		var req sayRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}
		fragments := req.Fragments
		if req.Text != "" {
			fragments = append([]string{req.Text}, fragments...)
		}
		if len(fragments) == 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
			return
		}

		ids, err := session.Say(fragments)
		switch {
		case err == nil:
			writeJSON(w, http.StatusAccepted, sayResponse{CallSid: callSid, UtteranceIDs: ids})
		case errors.Is(err, ErrSpeakQueueFull):
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error()})
		case errors.Is(err, ErrSessionInactive):
			writeJSON(w, http.StatusGone, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Session returns the live session for a call
func (m *Manager) Session(callSid string) (*CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callSid]
	return s, ok
}

// ActiveCalls returns the number of registered calls
func (m *Manager) ActiveCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) register(s *CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, s)
	if prev, ok := m.sessions[s.CallSid()]; ok && prev != s {
		m.logger.Warn().Str("call_sid", s.CallSid()).Msg("Replacing existing session for call")
		go prev.shutdown()
	}
	m.sessions[s.CallSid()] = s
}

func (m *Manager) unregister(s *CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, s)
	if cur, ok := m.sessions[s.CallSid()]; ok && cur == s {
		delete(m.sessions, s.CallSid())
	}
}

// Shutdown ends every session, registered or not yet started
func (m *Manager) Shutdown() {
	m.mu.RLock()
	sessions := make([]*CallSession, 0, len(m.sessions)+len(m.pending))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	for s := range m.pending {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.shutdown()
	}
	m.logger.Info().Int("sessions", len(sessions)).Msg("Telephony sessions shut down")
}
