package audio

import (
	"errors"
	"math"
	"testing"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

func TestMulawKnownValues(t *testing.T) {
	tests := []struct {
		name     string
		sample   int16
		expected byte
	}{
		{"zero", 0, 0xFF},
		{"max positive", 32767, 0x80},
		{"max negative", -32768, 0x00},
		{"small positive", 100, 0xF2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := linearToMulaw(tt.sample); got != tt.expected {
				t.Errorf("Expected 0x%02X, got 0x%02X", tt.expected, got)
			}
		})
	}

	if got := mulawToLinear(0xFF); got != 0 {
		t.Errorf("Expected silence to decode to 0, got %d", got)
	}
	if got := mulawToLinear(0x80); got != 32124 {
		t.Errorf("Expected 0x80 to decode to 32124, got %d", got)
	}
	if got := mulawToLinear(0x00); got != -32124 {
		t.Errorf("Expected 0x00 to decode to -32124, got %d", got)
	}
}

func TestMulawRoundTrip(t *testing.T) {
	for x := -32768; x <= 32767; x += 7 {
		sample := int16(x)
		got := int(mulawToLinear(linearToMulaw(sample)))

		diff := got - x
		if diff < 0 {
			diff = -diff
		}
		abs := x
		if abs < 0 {
			abs = -abs
		}
		tolerance := (abs+mulawBias)/16 + 1
		if diff > tolerance {
			t.Fatalf("Round trip of %d gave %d (diff %d > %d)", x, got, diff, tolerance)
		}
	}
}

func TestMulawFrameConversion(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767, -32768}
	ulaw, err := LinearToMulaw(SamplesToBytes(samples))
	if err != nil {
		t.Fatalf("LinearToMulaw failed: %v", err)
	}
	if len(ulaw) != len(samples) {
		t.Errorf("Expected %d bytes, got %d", len(samples), len(ulaw))
	}

	pcm := MulawToLinear(ulaw)
	if len(pcm) != len(samples)*2 {
		t.Errorf("Expected %d bytes, got %d", len(samples)*2, len(pcm))
	}
}

func TestLinearToMulaw_OddLength(t *testing.T) {
	_, err := LinearToMulaw([]byte{1, 2, 3})
	var de *speech.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Expected DecodeError, got %v", err)
	}
	if de.Len != 3 {
		t.Errorf("Expected length 3 in error, got %d", de.Len)
	}
}

func TestDownmixToMono(t *testing.T) {
	stereo := SamplesToBytes([]int16{100, 300, -200, -400, 32767, 32767})
	mono, err := DownmixToMono(stereo, 2)
	if err != nil {
		t.Fatalf("DownmixToMono failed: %v", err)
	}
	samples, _ := BytesToSamples(mono)
	expected := []int16{200, -300, 32767}
	for i, exp := range expected {
		if samples[i] != exp {
			t.Errorf("Expected sample %d at index %d, got %d", exp, i, samples[i])
		}
	}

	if _, err := DownmixToMono(SamplesToBytes([]int16{1, 2, 3}), 2); err == nil {
		t.Error("Expected error for frame not aligned to channels")
	}
	if _, err := DownmixToMono(stereo, 0); !errors.Is(err, speech.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestBytesToSamples(t *testing.T) {
	samples, err := BytesToSamples([]byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80})
	if err != nil {
		t.Fatalf("BytesToSamples failed: %v", err)
	}
	expected := []int16{0, 32767, -32768}
	for i, exp := range expected {
		if samples[i] != exp {
			t.Errorf("Expected sample %d at index %d, got %d", exp, i, samples[i])
		}
	}

	back := SamplesToBytes(samples)
	if string(back) != string([]byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80}) {
		t.Errorf("Unexpected bytes %v", back)
	}
}

func TestNormalizeAudio(t *testing.T) {
	samples := []int16{1000, 20000, -30000}
	normalized := NormalizeAudio(samples, 15000)

	for _, s := range normalized {
		if s > 15000 || s < -15000 {
			t.Errorf("Expected sample within 15000, got %d", s)
		}
	}

	quiet := []int16{100, -200}
	if got := NormalizeAudio(quiet, 10000); got[0] != 100 || got[1] != -200 {
		t.Errorf("Expected quiet samples unchanged, got %v", got)
	}
	if got := NormalizeAudio(nil, 100); len(got) != 0 {
		t.Errorf("Expected empty result, got %v", got)
	}
}

func TestCalculateRMS(t *testing.T) {
	samples := []int16{1000, -1000, 2000, -2000}
	expected := math.Sqrt((1000000 + 1000000 + 4000000 + 4000000) / 4.0)
	if rms := CalculateRMS(samples); math.Abs(rms-expected) > 0.1 {
		t.Errorf("Expected RMS %.2f, got %.2f", expected, rms)
	}
	if rms := CalculateRMS(nil); rms != 0.0 {
		t.Errorf("Expected RMS 0.0 for empty slice, got %.2f", rms)
	}
}
