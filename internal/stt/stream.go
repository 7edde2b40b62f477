package stt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/audio"
	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/resilience"
	"github.com/lexiqai/speech-gateway/internal/speech"
)

// errClosedCleanly ends a connection's duties after a normal close
var errClosedCleanly = errors.New("connection closed cleanly")

// connector opens one provider connection and serves it until it closes
type connector interface {
	serve(ctx context.Context, attempt int) error
}

// stream is the provider-independent half of a transcriber: lifecycle,
// input queue, transcoding, heartbeat and reconnection
type stream struct {
	provider   speech.ProviderID
	config     Config
	logger     zerolog.Logger
	conn       connector
	transcoder *audio.Transcoder
	supervisor *resilience.Supervisor

	input chan []byte

	outMu     sync.RWMutex
	out       chan speech.Transcription
	outClosed bool

	state atomic.Int32

	errMu sync.Mutex
	err   error

	startOnce sync.Once
	termOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func newStream(provider speech.ProviderID, config Config, logger zerolog.Logger) (*stream, error) {
	config.applyDefaults()

	transcoder, err := audio.NewTranscoder(config.Input, config.Output)
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "stt").Str("provider", string(provider)).Logger()
	s := &stream{
		provider:   provider,
		config:     config,
		logger:     logger,
		transcoder: transcoder,
		supervisor: resilience.NewSupervisor(config.Reconnect, logger),
		input:      make(chan []byte, config.QueueSize),
		out:        make(chan speech.Transcription, 100),
		done:       make(chan struct{}),
	}
	s.supervisor.OnAttempt = func(attempt int, err error) {
		observability.RecordReconnectAttempt(string(provider), err)
	}
	return s, nil
}

// Start begins connecting in the background
func (s *stream) Start(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() {
		started = true
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.setState(StateConnecting)
		go s.run()
	})
	if !started {
		return errors.New("transcriber already started")
	}
	return nil
}

func (s *stream) run() {
	defer close(s.done)

	err := s.supervisor.Run(s.ctx, func(ctx context.Context, attempt int) error {
		s.setState(StateConnecting)
		s.transcoder.Reset()
		return s.conn.serve(ctx, attempt)
	})

	if s.ctx.Err() != nil && !errors.Is(err, resilience.ErrReconnectExhausted) {
		s.setState(StateClosed)
		s.logger.Info().Msg("Transcriber closed")
	} else {
		s.setErr(err)
		s.setState(StateFailed)
		s.logger.Error().Err(err).Msg("Transcriber failed, caller audio will not be transcribed")
	}

	s.cancel()
	s.outMu.Lock()
	s.outClosed = true
	close(s.out)
	s.outMu.Unlock()
}

// SendAudio queues a telephony frame for the send duty. Frames are dropped
// when the queue is full.
func (s *stream) SendAudio(frame []byte) error {
	if st := s.State(); st.Terminal() {
		return ErrNotStreaming
	}
	select {
	case s.input <- frame:
	default:
		observability.RecordError("queue_full", "stt")
		s.logger.Warn().Int("frame_bytes", len(frame)).Msg("Transcriber input queue full, dropping frame")
	}
	return nil
}

// Transcriptions returns the output channel
func (s *stream) Transcriptions() <-chan speech.Transcription {
	return s.out
}

// Terminate cancels the stream and waits for both duties to stop
func (s *stream) Terminate() error {
	s.termOnce.Do(func() {
		started := true
		s.startOnce.Do(func() {
			// Never started: close without connecting
			started = false
			s.setState(StateClosed)
			s.outMu.Lock()
			s.outClosed = true
			close(s.out)
			s.outMu.Unlock()
		})
		if !started {
			return
		}
		s.cancel()
		<-s.done
	})
	return nil
}

// State returns the current lifecycle state
func (s *stream) State() State {
	return State(s.state.Load())
}

func (s *stream) setState(st State) {
	s.state.Store(int32(st))
}

// Err returns the error that failed the stream
func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Provider returns the provider tag
func (s *stream) Provider() speech.ProviderID {
	return s.provider
}

// emit delivers a transcription in arrival order. It blocks while the
// consumer is behind and gives up once the stream is cancelled.
func (s *stream) emit(t speech.Transcription) {
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	if s.outClosed {
		return
	}
	select {
	case s.out <- t:
		observability.RecordTranscriptionEvent(string(s.provider), t.IsFinal)
	case <-s.ctx.Done():
	}
}

// sendLoop is the send duty of one connection: transcode queued frames and
// write them, or write a silence heartbeat when the caller is quiet
func (s *stream) sendLoop(ctx context.Context, write func([]byte) error) error {
	timer := time.NewTimer(s.config.HeartbeatTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame := <-s.input:
			out, err := s.transcoder.Convert(frame)
			if err != nil {
				observability.RecordError("decode", "stt")
				s.logger.Warn().Err(err).Msg("Dropping undecodable frame")
				continue
			}
			if len(out) == 0 {
				continue
			}
			if err := write(out); err != nil {
				return &speech.ConnectionError{Provider: s.provider, Err: err}
			}
			timer.Reset(s.config.HeartbeatTimeout)

		case <-timer.C:
			if err := write(heartbeatFrame); err != nil {
				return &speech.ConnectionError{Provider: s.provider, Err: err}
			}
			s.logger.Debug().Msg("Sent silence heartbeat")
			timer.Reset(s.config.HeartbeatTimeout)
		}
	}
}
