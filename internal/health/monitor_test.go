package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(ttl, probeTimeout time.Duration) (*Monitor, *testClock) {
	clock := &testClock{t: time.Unix(1700000000, 0)}
	m := NewMonitor(Config{TTL: ttl, ProbeTimeout: probeTimeout}, zerolog.Nop())
	m.now = clock.now
	return m, clock
}

func TestMonitor_UnknownKeyIsHealthy(t *testing.T) {
	m, _ := newTestMonitor(time.Minute, time.Second)
	if !m.IsHealthy(context.Background(), "stt:unknown") {
		t.Error("Expected key without probe to be healthy")
	}
	if _, ok := m.Record("stt:unknown"); ok {
		t.Error("Expected no record for key without probe")
	}
}

func TestMonitor_ProbeVerdicts(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"clean", nil, true},
		{"no rejection before deadline", speech.ErrProbeTimeout, true},
		{"error event", speech.NewProviderError(speech.ProviderSarvam, 0, "invalid api key"), false},
		{"dial failure", &speech.ConnectionError{Provider: speech.ProviderSarvam, Err: errors.New("refused")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMonitor(time.Minute, time.Second)
			m.Register("stt:sarvam", func(ctx context.Context) error { return tt.err })

			if got := m.IsHealthy(context.Background(), "stt:sarvam"); got != tt.expected {
				t.Errorf("Expected healthy=%v, got %v", tt.expected, got)
			}
			rec, ok := m.Record("stt:sarvam")
			if !ok || rec.Healthy != tt.expected {
				t.Errorf("Expected cached verdict %v, got %+v (ok=%v)", tt.expected, rec, ok)
			}
		})
	}
}

func TestMonitor_CachesWithinTTLAndRecovers(t *testing.T) {
	m, clock := newTestMonitor(5*time.Minute, time.Second)

	var calls int32
	healthy := atomic.Bool{}
	m.Register("stt:sarvam", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		if healthy.Load() {
			return nil
		}
		return errors.New("service down")
	})

	if m.IsHealthy(context.Background(), "stt:sarvam") {
		t.Fatal("Expected first probe to be unhealthy")
	}

	// Provider recovers but the verdict is cached
	healthy.Store(true)
	clock.advance(4 * time.Minute)
	if m.IsHealthy(context.Background(), "stt:sarvam") {
		t.Error("Expected cached unhealthy verdict within TTL")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected 1 probe, got %d", n)
	}

	clock.advance(2 * time.Minute)
	if !m.IsHealthy(context.Background(), "stt:sarvam") {
		t.Error("Expected recovery after TTL expired")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("Expected 2 probes, got %d", n)
	}
}

func TestMonitor_ConcurrentChecksShareProbe(t *testing.T) {
	m, _ := newTestMonitor(time.Minute, time.Second)

	var calls int32
	entered := make(chan struct{})
	release := make(chan struct{})
	m.Register("tts:cartesia", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
		}
		<-release
		return nil
	})

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.IsHealthy(context.Background(), "tts:cartesia")
		}(i)
	}

	<-entered
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected a single probe, got %d", n)
	}
	for i, r := range results {
		if !r {
			t.Errorf("Expected caller %d to see healthy", i)
		}
	}
}

func TestMonitor_ProbeIsBounded(t *testing.T) {
	m, _ := newTestMonitor(time.Minute, 20*time.Millisecond)
	m.Register("stt:sarvam", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	if m.IsHealthy(context.Background(), "stt:sarvam") {
		t.Error("Expected hung probe to be unhealthy")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected probe to be cut off quickly, took %v", elapsed)
	}
}

func TestMonitor_CallerGivesUp(t *testing.T) {
	m, _ := newTestMonitor(time.Minute, time.Second)
	release := make(chan struct{})
	defer close(release)
	m.Register("stt:sarvam", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if m.IsHealthy(ctx, "stt:sarvam") {
		t.Error("Expected unhealthy when caller gives up before the first verdict")
	}
}

func TestMonitor_ReportAndOnVerdict(t *testing.T) {
	m, _ := newTestMonitor(time.Minute, time.Second)
	m.Register("stt:sarvam", func(ctx context.Context) error {
		t.Error("Expected no probe after a fresh report")
		return nil
	})

	var seen []string
	m.OnVerdict = func(key string, healthy bool) {
		if !healthy {
			seen = append(seen, key)
		}
	}

	m.Report("stt:sarvam", false)
	if m.IsHealthy(context.Background(), "stt:sarvam") {
		t.Error("Expected reported verdict to be used")
	}
	if len(seen) != 1 || seen[0] != "stt:sarvam" {
		t.Errorf("Expected OnVerdict for stt:sarvam, got %v", seen)
	}

	check := m.Checker(speech.KindSTT, speech.ProviderSarvam)
	if check(context.Background()) {
		t.Error("Expected checker to reflect the cached verdict")
	}
}

func TestMonitor_Keys(t *testing.T) {
	m, _ := newTestMonitor(time.Minute, time.Second)
	m.Register("tts:cartesia", nil)
	m.Register("stt:sarvam", nil)
	keys := m.Keys()
	if len(keys) != 2 || keys[0] != "stt:sarvam" || keys[1] != "tts:cartesia" {
		t.Errorf("Expected sorted keys, got %v", keys)
	}
}

func TestGRPCPublisher(t *testing.T) {
	server := grpchealth.NewServer()
	pub := NewGRPCPublisher(server)

	pub.Publish("stt:sarvam", false)
	pub.Publish("tts:cartesia", true)

	tests := map[string]healthpb.HealthCheckResponse_ServingStatus{
		"":             healthpb.HealthCheckResponse_SERVING,
		"stt:sarvam":   healthpb.HealthCheckResponse_NOT_SERVING,
		"tts:cartesia": healthpb.HealthCheckResponse_SERVING,
	}
	for service, expected := range tests {
		resp, err := server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q) failed: %v", service, err)
		}
		if resp.Status != expected {
			t.Errorf("Service %q: expected %v, got %v", service, expected, resp.Status)
		}
	}
}
