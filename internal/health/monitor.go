// Package health caches provider health verdicts. A verdict is computed by
// a short live probe the first time a provider is asked about and again
// whenever the cached verdict is older than the TTL.
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

// Record is the cached verdict for one provider key
type Record struct {
	Healthy   bool
	CheckedAt time.Time
}

// ProbeFunc checks a provider within ctx's deadline. A nil error or
// speech.ErrProbeTimeout means healthy.
type ProbeFunc func(ctx context.Context) error

// Config holds monitor timing
type Config struct {
	TTL          time.Duration // How long a verdict stays valid
	ProbeTimeout time.Duration // Hard bound on a single probe
}

// DefaultConfig returns a five minute TTL and a three second probe bound
func DefaultConfig() Config {
	return Config{
		TTL:          5 * time.Minute,
		ProbeTimeout: 3 * time.Second,
	}
}

// Monitor is the process-wide provider health cache. It is safe for
// concurrent use; concurrent checks of a stale key share one probe.
type Monitor struct {
	config Config
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	records map[string]Record
	probes  map[string]ProbeFunc

	group singleflight.Group

	// OnVerdict, when set, observes every new verdict
	OnVerdict func(key string, healthy bool)
}

// NewMonitor creates an empty monitor
func NewMonitor(config Config, logger zerolog.Logger) *Monitor {
	def := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	return &Monitor{
		config:  config,
		logger:  logger.With().Str("component", "health_monitor").Logger(),
		now:     time.Now,
		records: make(map[string]Record),
		probes:  make(map[string]ProbeFunc),
	}
}

// Register installs the probe for a provider key
func (m *Monitor) Register(key string, probe ProbeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[key] = probe
}

// Keys returns every registered key in sorted order
func (m *Monitor) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.probes))
	for k := range m.probes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsHealthy returns the cached verdict for key, probing first when the
// verdict is missing or stale. Keys without a probe are healthy. If ctx ends
// while waiting for a probe the previous verdict is returned, or unhealthy
// when there is none.
func (m *Monitor) IsHealthy(ctx context.Context, key string) bool {
	m.mu.Lock()
	rec, ok := m.records[key]
	probe, hasProbe := m.probes[key]
	m.mu.Unlock()

	if ok && m.now().Sub(rec.CheckedAt) < m.config.TTL {
		return rec.Healthy
	}
	if !hasProbe {
		return true
	}

	ch := m.group.DoChan(key, func() (interface{}, error) {
		return m.runProbe(ctx, key, probe), nil
	})

	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return ok && rec.Healthy
	}
}

// runProbe executes probe under the hard time bound and stores the verdict.
// The probe outlives a caller that stops waiting.
func (m *Monitor) runProbe(ctx context.Context, key string, probe ProbeFunc) bool {
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.ProbeTimeout)
	defer cancel()

	start := m.now()
	err := probe(probeCtx)
	healthy := err == nil || errors.Is(err, speech.ErrProbeTimeout)

	event := m.logger.Info()
	if !healthy {
		event = m.logger.Warn().Err(err)
	}
	event.Str("key", key).
		Bool("healthy", healthy).
		Dur("elapsed", m.now().Sub(start)).
		Msg("Provider health probe finished")

	m.store(key, healthy)
	return healthy
}

// Report records a verdict observed outside a probe, e.g. a stream that
// exhausted its reconnects
func (m *Monitor) Report(key string, healthy bool) {
	m.store(key, healthy)
}

func (m *Monitor) store(key string, healthy bool) {
	m.mu.Lock()
	m.records[key] = Record{Healthy: healthy, CheckedAt: m.now()}
	m.mu.Unlock()

	if m.OnVerdict != nil {
		m.OnVerdict(key, healthy)
	}
}

// Record returns the cached verdict for key without probing
func (m *Monitor) Record(key string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	return rec, ok
}

// Checker adapts the monitor for one direction of one provider
func (m *Monitor) Checker(kind speech.Kind, provider speech.ProviderID) func(ctx context.Context) bool {
	key := speech.HealthKey(kind, provider)
	return func(ctx context.Context) bool {
		return m.IsHealthy(ctx, key)
	}
}
