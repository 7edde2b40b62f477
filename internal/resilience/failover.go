package resilience

import (
	"context"
	"fmt"
)

// HealthChecker reports the cached health verdict for a provider key
type HealthChecker interface {
	IsHealthy(ctx context.Context, key string) bool
}

// Factory constructs a provider client; it does not connect
type Factory[T any] func() (T, error)

// Selection is the outcome of a failover decision
type Selection[T any] struct {
	Value    T
	Fallback bool
}

// Select builds the primary when its health verdict is good and the fallback
// otherwise. It runs once per call, before any audio flows.
func Select[T any](ctx context.Context, checker HealthChecker, primaryKey string, primary, fallback Factory[T]) (Selection[T], error) {
	if checker == nil || checker.IsHealthy(ctx, primaryKey) {
		v, err := primary()
		if err != nil {
			return Selection[T]{}, fmt.Errorf("build primary %s: %w", primaryKey, err)
		}
		return Selection[T]{Value: v}, nil
	}

	if fallback == nil {
		return Selection[T]{}, fmt.Errorf("primary %s unhealthy and no fallback configured", primaryKey)
	}
	v, err := fallback()
	if err != nil {
		return Selection[T]{}, fmt.Errorf("build fallback for %s: %w", primaryKey, err)
	}
	return Selection[T]{Value: v, Fallback: true}, nil
}
