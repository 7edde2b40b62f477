package audio

import (
	"encoding/binary"
	"math"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

// G.711 μ-law constants (ITU-T G.711)
const (
	mulawBias = 0x84  // 132
	mulawClip = 32635 // maximum magnitude before bias
)

// MulawToLinear expands G.711 μ-law bytes to 16-bit little-endian PCM
func MulawToLinear(frame []byte) []byte {
	out := make([]byte, len(frame)*2)
	for i, b := range frame {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawToLinear(b)))
	}
	return out
}

// LinearToMulaw compresses 16-bit little-endian PCM to G.711 μ-law
func LinearToMulaw(frame []byte) ([]byte, error) {
	samples, err := BytesToSamples(frame)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMulaw(s)
	}
	return out, nil
}

// DownmixToMono averages interleaved 16-bit PCM channels into one
func DownmixToMono(frame []byte, channels int) ([]byte, error) {
	if channels < 1 {
		return nil, speech.ConfigError("invalid channel count %d", channels)
	}
	if channels == 1 {
		if len(frame)%2 != 0 {
			return nil, &speech.DecodeError{Reason: "odd-length PCM frame", Len: len(frame)}
		}
		return frame, nil
	}
	if len(frame)%(2*channels) != 0 {
		return nil, &speech.DecodeError{Reason: "PCM frame not aligned to channel count", Len: len(frame)}
	}

	frames := len(frame) / (2 * channels)
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			sum += int(int16(binary.LittleEndian.Uint16(frame[off:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/channels)))
	}
	return out, nil
}

// BytesToSamples decodes 16-bit little-endian PCM
func BytesToSamples(frame []byte) ([]int16, error) {
	if len(frame)%2 != 0 {
		return nil, &speech.DecodeError{Reason: "odd-length PCM frame", Len: len(frame)}
	}
	samples := make([]int16, len(frame)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
	}
	return samples, nil
}

// SamplesToBytes encodes samples as 16-bit little-endian PCM
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law
func linearToMulaw(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// Segment is the position of the highest set bit above bit 7
	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)

	// μ-law stores the inverted code
	return ^(sign | exponent<<4 | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)

	magnitude := ((mantissa << 3) + mulawBias) << exponent
	magnitude -= mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// NormalizeAudio scales samples down so that none exceeds maxAmplitude
func NormalizeAudio(samples []int16, maxAmplitude int16) []int16 {
	if len(samples) == 0 {
		return samples
	}

	maxVal := int32(0)
	for _, sample := range samples {
		abs := int32(sample)
		if abs < 0 {
			abs = -abs
		}
		if abs > maxVal {
			maxVal = abs
		}
	}

	if maxVal <= int32(maxAmplitude) {
		return samples
	}

	ratio := float64(maxAmplitude) / float64(maxVal)
	normalized := make([]int16, len(samples))
	for i, sample := range samples {
		normalized[i] = int16(float64(sample) * ratio)
	}
	return normalized
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
