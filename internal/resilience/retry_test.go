package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetry_Success(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(3), func(ctx context.Context) error {
		attempts++
		return nil
	}, nil)

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetry_FailureThenSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(3), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &speech.ConnectionError{Provider: speech.ProviderCartesia, Err: errors.New("reset")}
		}
		return nil
	}, nil)

	if err != nil {
		t.Errorf("Expected no error after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_MaxAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(2), func(ctx context.Context) error {
		attempts++
		return NewRetryableError(errors.New("persistent error"))
	}, nil)

	if err == nil {
		t.Error("Expected error after max attempts")
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestRetry_NonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"rate limit", speech.NewProviderError(speech.ProviderCartesia, 429, "too many requests")},
		{"configuration", speech.ConfigError("missing key")},
		{"client error", speech.NewProviderError(speech.ProviderCartesia, 401, "unauthorized")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Retry(context.Background(), fastRetry(5), func(ctx context.Context) error {
				attempts++
				return tt.err
			}, nil)
			if !errors.Is(err, tt.err) {
				t.Errorf("Expected %v, got %v", tt.err, err)
			}
			if attempts != 1 {
				t.Errorf("Expected 1 attempt, got %d", attempts)
			}
		})
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := fastRetry(5)
	config.InitialBackoff = time.Second
	config.MaxBackoff = time.Second

	attempts := 0
	err := Retry(ctx, config, func(ctx context.Context) error {
		attempts++
		cancel()
		return NewRetryableError(errors.New("temporary"))
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{10, time.Second},
	}
	for _, tt := range tests {
		got := CalculateBackoff(tt.attempt, 100*time.Millisecond, time.Second, 2.0)
		if got != tt.expected {
			t.Errorf("Attempt %d: expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}
}

func TestIsRetryableNetworkError(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("invalid voice id"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("wrap: %w", &speech.ConnectionError{Provider: speech.ProviderSarvam, Err: errors.New("x")}), true},
		{speech.NewProviderError(speech.ProviderSarvam, 503, "unavailable"), true},
		{speech.NewProviderError(speech.ProviderSarvam, 0, "Rate limit exceeded"), false},
	}
	for _, tt := range tests {
		if got := IsRetryableNetworkError(tt.err); got != tt.expected {
			t.Errorf("IsRetryableNetworkError(%v): expected %v, got %v", tt.err, tt.expected, got)
		}
	}
}
