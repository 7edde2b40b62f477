package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

// WAV format tags
const (
	wavFormatPCM   = 1
	wavFormatMulaw = 7
)

// maxWAVHeader bounds how much a stream may buffer while looking for the data chunk
const maxWAVHeader = 4096

var errWAVIncomplete = errors.New("incomplete WAV header")

// WAVInfo is the format metadata of a RIFF/WAVE container
type WAVInfo struct {
	DataOffset    int
	Format        speech.AudioFormat
	BitsPerSample int
}

// ParseWAVHeader walks the RIFF chunks of wav and returns the offset of the
// first sample together with the audio format from the "fmt " chunk.
func ParseWAVHeader(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errWAVIncomplete
	}
	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, &speech.DecodeError{Reason: "missing RIFF header", Len: len(wav)}
	}
	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, &speech.DecodeError{Reason: "missing WAVE identifier", Len: len(wav)}
	}

	var info WAVInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return WAVInfo{}, &speech.DecodeError{Reason: "short fmt chunk", Len: chunkSize}
			}
			if offset+8+16 > len(wav) {
				return WAVInfo{}, errWAVIncomplete
			}
			f := wav[offset+8:]
			tag := binary.LittleEndian.Uint16(f[0:2])
			info.Format.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			info.Format.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))

			switch {
			case tag == wavFormatPCM && info.BitsPerSample == 16:
				info.Format.Encoding = speech.Linear16
			case tag == wavFormatMulaw && info.BitsPerSample == 8:
				info.Format.Encoding = speech.Mulaw
			default:
				return WAVInfo{}, &speech.DecodeError{
					Reason: fmt.Sprintf("unsupported WAV format tag %d with %d bits", tag, info.BitsPerSample),
					Len:    len(wav),
				}
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return WAVInfo{}, &speech.DecodeError{Reason: "data chunk before fmt chunk", Len: len(wav)}
			}
			info.DataOffset = offset + 8
			return info, nil
		}

		// Chunks are word aligned
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errWAVIncomplete
}

// WAVStreamDecoder strips the WAV container from a body that arrives in
// pieces and transcodes the samples to a target format.
type WAVStreamDecoder struct {
	target     speech.AudioFormat
	header     []byte
	pending    []byte
	info       *WAVInfo
	transcoder *Transcoder
}

// NewWAVStreamDecoder creates a decoder producing frames in target format
func NewWAVStreamDecoder(target speech.AudioFormat) *WAVStreamDecoder {
	return &WAVStreamDecoder{target: target}
}

// Write consumes the next piece of the body and returns any decoded audio.
// It returns nil until the header has been seen.
func (d *WAVStreamDecoder) Write(p []byte) ([]byte, error) {
	if d.info == nil {
		d.header = append(d.header, p...)
		info, err := ParseWAVHeader(d.header)
		if errors.Is(err, errWAVIncomplete) {
			if len(d.header) > maxWAVHeader {
				return nil, &speech.DecodeError{Reason: "WAV header too large", Len: len(d.header)}
			}
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		t, err := NewTranscoder(info.Format, d.target)
		if err != nil {
			return nil, err
		}
		d.info = &info
		d.transcoder = t

		p = d.header[info.DataOffset:]
		d.header = nil
	}
	return d.convert(p)
}

// Info returns the container format once the header has been parsed
func (d *WAVStreamDecoder) Info() (WAVInfo, bool) {
	if d.info == nil {
		return WAVInfo{}, false
	}
	return *d.info, true
}

// convert keeps a trailing partial sample block for the next write
func (d *WAVStreamDecoder) convert(p []byte) ([]byte, error) {
	block := d.info.Format.Channels * d.info.Format.Encoding.BytesPerSample()
	data := append(d.pending, p...)
	whole := len(data) - len(data)%block
	d.pending = append([]byte(nil), data[whole:]...)
	if whole == 0 {
		return nil, nil
	}
	return d.transcoder.Convert(data[:whole])
}
