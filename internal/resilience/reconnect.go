package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

// ErrReconnectExhausted is returned once a stream has used all its connection attempts
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// SupervisorConfig holds configuration for stream reconnection
type SupervisorConfig struct {
	MaxAttempts int           // Connection attempts over the lifetime of a call
	Backoff     time.Duration // Fixed wait after a failed attempt
}

// DefaultSupervisorConfig returns the streaming defaults: three attempts, 500ms apart
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
	}
}

// ServeFunc opens a provider connection and serves it until it closes.
// A nil return is a clean close; an error is a broken connection.
type ServeFunc func(ctx context.Context, attempt int) error

// Supervisor re-establishes a streaming connection within a fixed budget.
// The attempt counter covers the whole call and is never reset.
type Supervisor struct {
	config SupervisorConfig
	logger zerolog.Logger

	mu       sync.Mutex
	attempts int

	// OnAttempt, when set, observes every finished attempt
	OnAttempt func(attempt int, err error)
}

// NewSupervisor creates a supervisor for one call
func NewSupervisor(config SupervisorConfig, logger zerolog.Logger) *Supervisor {
	def := DefaultSupervisorConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Backoff < 0 {
		config.Backoff = def.Backoff
	}
	return &Supervisor{config: config, logger: logger}
}

// Attempts returns the number of connection attempts made so far
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Run calls serve until ctx is done, the budget is spent, or serve reports a
// rate limit or configuration error. Clean closes are retried immediately;
// failures after the fixed backoff.
func (s *Supervisor) Run(ctx context.Context, serve ServeFunc) error {
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		attempt, ok := s.next()
		if !ok {
			break
		}

		err := serve(ctx, attempt)
		if s.OnAttempt != nil {
			s.OnAttempt(attempt, err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			s.logger.Info().
				Int("attempt", attempt).
				Int("max_attempts", s.config.MaxAttempts).
				Msg("Stream closed cleanly, reconnecting")
			continue
		}

		lastErr = err

		if speech.IsRateLimited(err) {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("Provider rate limit reached, not reconnecting")
			return err
		}
		if errors.Is(err, speech.ErrConfiguration) {
			return err
		}

		s.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", s.config.MaxAttempts).
			Dur("backoff", s.config.Backoff).
			Msg("Stream connection failed")

		if s.Attempts() >= s.config.MaxAttempts {
			break
		}

		timer := time.NewTimer(s.config.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, s.config.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, s.config.MaxAttempts)
}

// Acquire takes one attempt from the budget for clients that dial on demand
// instead of through Run
func (s *Supervisor) Acquire() (int, error) {
	attempt, ok := s.next()
	if !ok {
		return 0, fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, s.config.MaxAttempts)
	}
	return attempt, nil
}

// Remaining returns the number of attempts left
func (s *Supervisor) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.MaxAttempts - s.attempts
}

func (s *Supervisor) next() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts >= s.config.MaxAttempts {
		return 0, false
	}
	s.attempts++
	return s.attempts, true
}
