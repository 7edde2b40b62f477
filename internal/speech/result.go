package speech

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultWordsPerMinute is the speaking rate assumed when a provider gives
// no word timing
const DefaultWordsPerMinute = 150

// Chunk is one frame of synthesized audio
type Chunk struct {
	Data   []byte
	IsLast bool
}

// PullFunc produces the next chunk of a synthesis. It returns false once the
// sequence is exhausted. Provider failures end the sequence; they are not
// returned to the consumer.
type PullFunc func(ctx context.Context) (Chunk, bool)

// CutoffFunc maps elapsed playback seconds to the text spoken so far
type CutoffFunc func(seconds float64) string

// SynthesisResult is a lazy, finite, single-pass sequence of audio chunks
// together with a way to learn how much of the text was spoken at a given
// playback offset.
type SynthesisResult struct {
	mu   sync.Mutex
	pull PullFunc
	done bool

	cutoff     CutoffFunc
	cancel     func()
	cancelOnce sync.Once
	cancelled  atomic.Bool
}

// NewSynthesisResult wraps a pull function. cancel may be nil.
func NewSynthesisResult(pull PullFunc, cutoff CutoffFunc, cancel func()) *SynthesisResult {
	if cutoff == nil {
		cutoff = func(float64) string { return "" }
	}
	return &SynthesisResult{pull: pull, cutoff: cutoff, cancel: cancel}
}

// EmptyResult is returned for silence markers: no frames, nothing spoken
func EmptyResult() *SynthesisResult {
	return &SynthesisResult{
		done:   true,
		cutoff: func(float64) string { return "" },
	}
}

// Next returns the next chunk. A sequence that runs to completion ends with
// a chunk marked IsLast, which is empty when the provider produced no audio.
// After that chunk, after Cancel, or once ctx is done, every further call
// returns false.
func (r *SynthesisResult) Next(ctx context.Context) (Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done || r.pull == nil {
		return Chunk{}, false
	}
	if ctx.Err() != nil || r.cancelled.Load() {
		r.done = true
		return Chunk{}, false
	}
	c, ok := r.pull(ctx)
	if ctx.Err() != nil || r.cancelled.Load() {
		r.done = true
		return Chunk{}, false
	}
	if !ok || c.IsLast {
		r.done = true
	}
	return c, ok
}

// TruncateAt returns the prefix of the text spoken after the given number of
// seconds of playback. It never touches the chunk sequence.
func (r *SynthesisResult) TruncateAt(seconds float64) string {
	if seconds <= 0 || math.IsNaN(seconds) {
		return ""
	}
	return r.cutoff(seconds)
}

// Cancel releases the provider resources behind the result. Safe to call
// concurrently with Next and more than once.
func (r *SynthesisResult) Cancel() {
	r.cancelled.Store(true)
	r.cancelOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
}

// CutoffByWordsPerMinute estimates the spoken prefix of text from a speaking rate
func CutoffByWordsPerMinute(text string, seconds float64, wordsPerMinute int) string {
	if seconds <= 0 {
		return ""
	}
	if wordsPerMinute <= 0 {
		wordsPerMinute = DefaultWordsPerMinute
	}
	words := strings.Fields(text)
	spoken := math.Floor(float64(wordsPerMinute) / 60 * seconds)
	if spoken >= float64(len(words)) {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:int(spoken)], " ")
}

// CutoffByTimestamps returns every word that had started by the given offset
func CutoffByTimestamps(timestamps []WordTimestamp, seconds float64) string {
	if seconds <= 0 {
		return ""
	}
	words := make([]string, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts.Start >= seconds {
			break
		}
		words = append(words, ts.Word)
	}
	return strings.Join(words, " ")
}

var silenceMarkers = map[string]struct{}{
	"<silence>": {},
	"[silence]": {},
}

// IsSilenceMarker reports whether text is a control payload meaning "say nothing"
func IsSilenceMarker(text string) bool {
	clean := strings.ToLower(strings.TrimSpace(text))
	if clean == "" {
		return true
	}
	_, ok := silenceMarkers[clean]
	return ok
}
