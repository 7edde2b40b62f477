package audio

import (
	"sync"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

// ChunkBuffer re-frames an arbitrary byte stream into fixed-size frames.
// The final partial frame is padded with the encoding's silence byte.
type ChunkBuffer struct {
	frameSize int
	silence   byte
	buf       []byte
	mu        sync.Mutex
}

// NewChunkBuffer creates a buffer emitting frames of frameSize bytes
func NewChunkBuffer(frameSize int, encoding speech.AudioEncoding) (*ChunkBuffer, error) {
	if frameSize <= 0 {
		return nil, speech.ConfigError("invalid frame size %d", frameSize)
	}
	if encoding == speech.Linear16 && frameSize%2 != 0 {
		return nil, speech.ConfigError("frame size %d is not a whole number of linear16 samples", frameSize)
	}
	return &ChunkBuffer{
		frameSize: frameSize,
		silence:   encoding.SilenceByte(),
		buf:       make([]byte, 0, frameSize),
	}, nil
}

// Push appends data and returns every complete frame now available
func (cb *ChunkBuffer) Push(data []byte) [][]byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buf = append(cb.buf, data...)

	var frames [][]byte
	for len(cb.buf) >= cb.frameSize {
		frame := make([]byte, cb.frameSize)
		copy(frame, cb.buf[:cb.frameSize])
		frames = append(frames, frame)
		cb.buf = cb.buf[cb.frameSize:]
	}

	// Compact so the backing array does not grow with the stream
	if len(cb.buf) == 0 {
		cb.buf = cb.buf[:0:0]
	}
	return frames
}

// Flush returns the buffered remainder padded to a whole frame, or nil when
// nothing is buffered
func (cb *ChunkBuffer) Flush() []byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.buf) == 0 {
		return nil
	}
	frame := make([]byte, cb.frameSize)
	n := copy(frame, cb.buf)
	for i := n; i < cb.frameSize; i++ {
		frame[i] = cb.silence
	}
	cb.buf = nil
	return frame
}

// Buffered returns the number of bytes waiting for a full frame
func (cb *ChunkBuffer) Buffered() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.buf)
}

// FrameSize returns the configured frame size in bytes
func (cb *ChunkBuffer) FrameSize() int {
	return cb.frameSize
}

// SilenceFrame returns one full frame of silence
func (cb *ChunkBuffer) SilenceFrame() []byte {
	frame := make([]byte, cb.frameSize)
	for i := range frame {
		frame[i] = cb.silence
	}
	return frame
}
