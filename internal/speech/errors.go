package speech

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration marks setup-time failures: missing credentials,
// unsupported formats, unknown providers. They are never retried.
var ErrConfiguration = errors.New("configuration error")

// ErrProbeTimeout is returned by a health probe that saw no rejection before
// its deadline. The monitor treats it as a healthy verdict.
var ErrProbeTimeout = errors.New("probe timed out")

// ConfigError builds an error wrapping ErrConfiguration
func ConfigError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// DecodeError reports a malformed audio payload. It is local to one frame.
type DecodeError struct {
	Reason string
	Len    int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %s (len=%d)", e.Reason, e.Len)
}

// ConnectionError reports a network-level failure or an abrupt close
type ConnectionError struct {
	Provider ProviderID
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection error: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProviderError is an explicit error reported by the remote service
type ProviderError struct {
	Provider    ProviderID
	Code        int
	Message     string
	RateLimited bool
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s provider error %d: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s provider error: %s", e.Provider, e.Message)
}

// NewProviderError classifies msg as a rate limit when it says so
func NewProviderError(provider ProviderID, code int, msg string) *ProviderError {
	return &ProviderError{
		Provider:    provider,
		Code:        code,
		Message:     msg,
		RateLimited: code == 429 || LooksRateLimited(msg),
	}
}

// LooksRateLimited reports whether a provider message describes a rate limit
func LooksRateLimited(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "rate limit") || strings.Contains(m, "too many requests")
}

// IsRateLimited reports whether err carries a rate-limit ProviderError
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.RateLimited
}
