package tts

import (
	"github.com/lexiqai/speech-gateway/internal/audio"
	"github.com/lexiqai/speech-gateway/internal/speech"
)

// framer cuts provider audio into fixed-size frames. One frame is held back
// until more audio or the end arrives so the final frame can carry IsLast.
type framer struct {
	buf     *audio.ChunkBuffer
	pending [][]byte
	ended   bool
}

func newFramer(frameSize int, encoding speech.AudioEncoding) (*framer, error) {
	buf, err := audio.NewChunkBuffer(frameSize, encoding)
	if err != nil {
		return nil, err
	}
	return &framer{buf: buf}, nil
}

func (f *framer) write(data []byte) {
	if f.ended || len(data) == 0 {
		return
	}
	f.pending = append(f.pending, f.buf.Push(data)...)
}

// end flushes the padded remainder. A sequence that produced no audio ends
// with one empty frame so the consumer still sees IsLast. Later writes are
// ignored.
func (f *framer) end() {
	if f.ended {
		return
	}
	f.ended = true
	if last := f.buf.Flush(); last != nil {
		f.pending = append(f.pending, last)
	}
	if len(f.pending) == 0 {
		f.pending = append(f.pending, []byte{})
	}
}

// ready reports whether next can return a frame without more input
func (f *framer) ready() bool {
	return len(f.pending) > 1 || (f.ended && len(f.pending) > 0)
}

func (f *framer) next() (speech.Chunk, bool) {
	if len(f.pending) == 0 {
		return speech.Chunk{}, false
	}
	data := f.pending[0]
	f.pending = f.pending[1:]
	return speech.Chunk{Data: data, IsLast: f.ended && len(f.pending) == 0}, true
}
