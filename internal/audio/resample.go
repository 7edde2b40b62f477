package audio

import (
	"encoding/binary"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

// ResampleState carries the interpolation position and the last two input
// samples between calls. The zero value starts a new stream.
type ResampleState struct {
	started bool
	d       int64
	prev    int64
	cur     int64
}

// Resample converts mono 16-bit PCM from srcRate to dstRate by linear
// interpolation. The returned state must be passed to the next call of the
// same stream; feeding a stream in pieces gives the same bytes as feeding it
// at once.
func Resample(frame []byte, state ResampleState, srcRate, dstRate int) ([]byte, ResampleState, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, state, speech.ConfigError("invalid resample rates %d -> %d", srcRate, dstRate)
	}
	if len(frame)%2 != 0 {
		return nil, state, &speech.DecodeError{Reason: "odd-length PCM frame", Len: len(frame)}
	}
	if srcRate == dstRate {
		out := make([]byte, len(frame))
		copy(out, frame)
		return out, state, nil
	}

	g := gcd(srcRate, dstRate)
	inRate := int64(srcRate / g)
	outRate := int64(dstRate / g)

	if !state.started {
		state = ResampleState{started: true, d: -outRate}
	}

	n := len(frame) / 2
	out := make([]byte, 0, int(int64(n)*outRate/inRate+2)*2)
	var buf [2]byte
	i := 0
	for {
		for state.d < 0 {
			if i >= n {
				return out, state, nil
			}
			state.prev = state.cur
			state.cur = int64(int16(binary.LittleEndian.Uint16(frame[i*2:])))
			i++
			state.d += outRate
		}
		for state.d >= 0 {
			v := (state.prev*state.d + state.cur*(outRate-state.d)) / outRate
			binary.LittleEndian.PutUint16(buf[:], uint16(int16(v)))
			out = append(out, buf[0], buf[1])
			state.d -= inRate
		}
	}
}

// Resampler threads ResampleState through successive frames of one stream
type Resampler struct {
	srcRate int
	dstRate int
	state   ResampleState
}

// NewResampler creates a resampler for a fixed rate pair
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, speech.ConfigError("invalid resample rates %d -> %d", srcRate, dstRate)
	}
	return &Resampler{srcRate: srcRate, dstRate: dstRate}, nil
}

// Process resamples the next frame of the stream
func (r *Resampler) Process(frame []byte) ([]byte, error) {
	out, state, err := Resample(frame, r.state, r.srcRate, r.dstRate)
	if err != nil {
		return nil, err
	}
	r.state = state
	return out, nil
}

// Reset starts a new stream
func (r *Resampler) Reset() {
	r.state = ResampleState{}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// SupportedSampleRates lists the rates a Transcoder accepts on either side
var SupportedSampleRates = map[int]bool{
	8000:  true,
	11025: true,
	16000: true,
	22050: true,
	24000: true,
	32000: true,
	44100: true,
	48000: true,
}

// Transcoder converts frames of one stream between two fixed formats:
// decode, downmix, resample, encode. It is not safe for concurrent use; each
// stream owns its own.
type Transcoder struct {
	src       speech.AudioFormat
	dst       speech.AudioFormat
	resampler *Resampler
}

// NewTranscoder validates the format pair. Unsupported encodings or rates
// fail here, never per frame.
func NewTranscoder(src, dst speech.AudioFormat) (*Transcoder, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if err := dst.Validate(); err != nil {
		return nil, err
	}
	if dst.Channels != 1 {
		return nil, speech.ConfigError("transcoder output must be mono, got %d channels", dst.Channels)
	}
	if !SupportedSampleRates[src.SampleRate] {
		return nil, speech.ConfigError("unsupported source sample rate %d", src.SampleRate)
	}
	if !SupportedSampleRates[dst.SampleRate] {
		return nil, speech.ConfigError("unsupported target sample rate %d", dst.SampleRate)
	}

	r, err := NewResampler(src.SampleRate, dst.SampleRate)
	if err != nil {
		return nil, err
	}
	return &Transcoder{src: src, dst: dst, resampler: r}, nil
}

// Source returns the input format
func (t *Transcoder) Source() speech.AudioFormat { return t.src }

// Target returns the output format
func (t *Transcoder) Target() speech.AudioFormat { return t.dst }

// Convert transcodes the next frame of the stream
func (t *Transcoder) Convert(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	// μ-law does not survive a decode/encode round trip byte for byte
	if t.src == t.dst && t.src.Encoding == speech.Mulaw {
		out := make([]byte, len(frame))
		copy(out, frame)
		return out, nil
	}

	pcm := frame
	if t.src.Encoding == speech.Mulaw {
		pcm = MulawToLinear(frame)
	}

	mono, err := DownmixToMono(pcm, t.src.Channels)
	if err != nil {
		return nil, err
	}

	resampled, err := t.resampler.Process(mono)
	if err != nil {
		return nil, err
	}

	if t.dst.Encoding == speech.Mulaw {
		return LinearToMulaw(resampled)
	}
	return resampled, nil
}

// Reset discards the resampler history, e.g. after a reconnect
func (t *Transcoder) Reset() {
	t.resampler.Reset()
}
