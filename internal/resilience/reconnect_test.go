package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

func newTestSupervisor(max int) *Supervisor {
	return NewSupervisor(SupervisorConfig{MaxAttempts: max, Backoff: time.Millisecond}, zerolog.Nop())
}

func TestSupervisor_StopsAtBound(t *testing.T) {
	s := newTestSupervisor(3)
	calls := 0
	err := s.Run(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt != calls {
			t.Errorf("Expected attempt %d, got %d", calls, attempt)
		}
		return &speech.ConnectionError{Provider: speech.ProviderSarvam, Err: errors.New("abnormal close")}
	})

	if !errors.Is(err, ErrReconnectExhausted) {
		t.Errorf("Expected ErrReconnectExhausted, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if s.Attempts() != 3 {
		t.Errorf("Expected attempt counter 3, got %d", s.Attempts())
	}
}

func TestSupervisor_CleanClosesCountTowardsBound(t *testing.T) {
	s := newTestSupervisor(3)
	calls := 0
	err := s.Run(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})

	if !errors.Is(err, ErrReconnectExhausted) {
		t.Errorf("Expected ErrReconnectExhausted, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestSupervisor_RateLimitStopsImmediately(t *testing.T) {
	s := newTestSupervisor(3)
	calls := 0
	rl := speech.NewProviderError(speech.ProviderSarvam, 1003, "Rate limit exceeded")
	err := s.Run(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return rl
	})

	if !speech.IsRateLimited(err) {
		t.Errorf("Expected rate-limit error, got %v", err)
	}
	if errors.Is(err, ErrReconnectExhausted) {
		t.Error("Expected rate limit not to be reported as exhaustion")
	}
	if calls != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls)
	}
}

func TestSupervisor_RecoversWithinBudget(t *testing.T) {
	s := newTestSupervisor(3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := s.Run(ctx, func(ctx context.Context, attempt int) error {
		calls++
		if attempt == 1 {
			return errors.New("connection reset")
		}
		// Second connection serves until the call ends
		cancel()
		<-ctx.Done()
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestSupervisor_LifetimeCounter(t *testing.T) {
	s := newTestSupervisor(3)
	fail := func(ctx context.Context, attempt int) error { return errors.New("down") }

	s.Run(context.Background(), fail)
	calls := 0
	err := s.Run(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Errorf("Expected exhausted supervisor to stay exhausted, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no further attempts, got %d", calls)
	}
}

func TestSupervisor_BackoffHonoursContext(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{MaxAttempts: 3, Backoff: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, attempt int) error {
			return errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Run to return after cancellation")
	}
}

func TestSupervisor_OnAttempt(t *testing.T) {
	s := newTestSupervisor(2)
	var seen []int
	s.OnAttempt = func(attempt int, err error) { seen = append(seen, attempt) }
	s.Run(context.Background(), func(ctx context.Context, attempt int) error { return errors.New("x") })
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("Expected attempts [1 2], got %v", seen)
	}
}

func TestSupervisor_AcquireSharesBudgetWithRun(t *testing.T) {
	s := newTestSupervisor(3)

	for i := 1; i <= 2; i++ {
		attempt, err := s.Acquire()
		if err != nil || attempt != i {
			t.Fatalf("Expected attempt %d, got %d (%v)", i, attempt, err)
		}
	}
	if s.Remaining() != 1 {
		t.Errorf("Expected 1 remaining attempt, got %d", s.Remaining())
	}

	calls := 0
	err := s.Run(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("down")
	})
	if !errors.Is(err, ErrReconnectExhausted) || calls != 1 {
		t.Errorf("Expected one attempt left for Run, got %d calls (%v)", calls, err)
	}

	if _, err := s.Acquire(); !errors.Is(err, ErrReconnectExhausted) {
		t.Errorf("Expected ErrReconnectExhausted, got %v", err)
	}
	if s.Remaining() != 0 {
		t.Errorf("Expected no remaining attempts, got %d", s.Remaining())
	}
}
