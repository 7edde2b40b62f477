package audio

import (
	"bytes"
	"errors"
	"testing"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

func testTone(n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16((i*397)%20000 - 10000)
	}
	return SamplesToBytes(samples)
}

func TestResample_RoundTripPreservesSamples(t *testing.T) {
	in := testTone(160)

	up, _, err := Resample(in, ResampleState{}, 8000, 16000)
	if err != nil {
		t.Fatalf("Resample up failed: %v", err)
	}
	if got := len(up) / 2; got < 319 || got > 320 {
		t.Errorf("Expected about 320 samples at 16kHz, got %d", got)
	}

	down, _, err := Resample(up, ResampleState{}, 16000, 8000)
	if err != nil {
		t.Fatalf("Resample down failed: %v", err)
	}
	if len(down) != len(in) {
		t.Fatalf("Expected %d bytes after round trip, got %d", len(in), len(down))
	}
	if !bytes.Equal(down, in) {
		t.Error("Expected 2x round trip to reproduce the input samples")
	}
}

func TestResample_ChunkedMatchesOneShot(t *testing.T) {
	rates := []struct{ src, dst int }{
		{8000, 16000},
		{16000, 8000},
		{44100, 8000},
		{8000, 22050},
		{48000, 16000},
	}
	in := testTone(4410)

	for _, r := range rates {
		oneShot, _, err := Resample(in, ResampleState{}, r.src, r.dst)
		if err != nil {
			t.Fatalf("Resample %d->%d failed: %v", r.src, r.dst, err)
		}

		var chunked []byte
		var state ResampleState
		sizes := []int{2, 160, 318, 40, 1000}
		for off, i := 0, 0; off < len(in); i++ {
			end := off + sizes[i%len(sizes)]
			if end > len(in) {
				end = len(in)
			}
			var out []byte
			out, state, err = Resample(in[off:end], state, r.src, r.dst)
			if err != nil {
				t.Fatalf("Chunked resample failed: %v", err)
			}
			chunked = append(chunked, out...)
			off = end
		}

		if !bytes.Equal(chunked, oneShot) {
			t.Errorf("%d->%d: chunked output (%d bytes) differs from one-shot (%d bytes)",
				r.src, r.dst, len(chunked), len(oneShot))
		}
	}
}

func TestResample_Downsample(t *testing.T) {
	out, _, err := Resample(testTone(4800), ResampleState{}, 48000, 8000)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if got := len(out) / 2; got != 800 {
		t.Errorf("Expected 800 samples, got %d", got)
	}
}

func TestResample_SameRate(t *testing.T) {
	in := testTone(10)
	out, state, err := Resample(in, ResampleState{}, 8000, 8000)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Error("Expected same-rate resample to copy the input")
	}
	if state != (ResampleState{}) {
		t.Error("Expected state untouched for same rate")
	}
}

func TestResample_Errors(t *testing.T) {
	var de *speech.DecodeError
	if _, _, err := Resample([]byte{1}, ResampleState{}, 8000, 16000); !errors.As(err, &de) {
		t.Errorf("Expected DecodeError, got %v", err)
	}
	if _, _, err := Resample(testTone(2), ResampleState{}, 0, 16000); !errors.Is(err, speech.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestTranscoder_TelephonyToProvider(t *testing.T) {
	tc, err := NewTranscoder(speech.TelephonyFormat, speech.AudioFormat{
		Encoding: speech.Linear16, SampleRate: 16000, Channels: 1,
	})
	if err != nil {
		t.Fatalf("NewTranscoder failed: %v", err)
	}

	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = byte(i)
	}

	total := 0
	for i := 0; i < 10; i++ {
		out, err := tc.Convert(frame)
		if err != nil {
			t.Fatalf("Convert failed: %v", err)
		}
		total += len(out)
	}

	// 1600 samples doubled, less the one sample the interpolator holds back
	if total != 3199*2 {
		t.Errorf("Expected %d bytes, got %d", 3199*2, total)
	}
}

func TestTranscoder_StereoToMulaw(t *testing.T) {
	tc, err := NewTranscoder(
		speech.AudioFormat{Encoding: speech.Linear16, SampleRate: 16000, Channels: 2},
		speech.TelephonyFormat,
	)
	if err != nil {
		t.Fatalf("NewTranscoder failed: %v", err)
	}

	// 320 stereo frames at 16kHz become 160 mono μ-law bytes at 8kHz
	out, err := tc.Convert(make([]byte, 320*4))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if len(out) != 160 {
		t.Errorf("Expected 160 bytes, got %d", len(out))
	}
	for i, b := range out {
		if b != 0xFF {
			t.Fatalf("Expected μ-law silence at %d, got 0x%02X", i, b)
		}
	}
}

func TestNewTranscoder_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  speech.AudioFormat
		dst  speech.AudioFormat
	}{
		{"odd rate", speech.AudioFormat{Encoding: speech.Mulaw, SampleRate: 7000, Channels: 1}, speech.TelephonyFormat},
		{"unknown encoding", speech.AudioFormat{Encoding: "opus", SampleRate: 48000, Channels: 1}, speech.TelephonyFormat},
		{"stereo target", speech.TelephonyFormat, speech.AudioFormat{Encoding: speech.Linear16, SampleRate: 16000, Channels: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTranscoder(tt.src, tt.dst); !errors.Is(err, speech.ErrConfiguration) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}

func TestTranscoder_MulawPassthrough(t *testing.T) {
	tc, err := NewTranscoder(speech.TelephonyFormat, speech.TelephonyFormat)
	if err != nil {
		t.Fatalf("NewTranscoder failed: %v", err)
	}
	frame := []byte{0x00, 0x7F, 0x80, 0xFF, 0x13}
	out, err := tc.Convert(frame)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if !bytes.Equal(out, frame) {
		t.Errorf("Expected %v, got %v", frame, out)
	}
}
