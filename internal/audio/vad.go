package audio

import "github.com/lexiqai/speech-gateway/internal/speech"

// VADEvent is a transition reported by the speech detector
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStart
	VADSpeechEnd
)

func (e VADEvent) String() string {
	switch e {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// VADConfig holds configuration for energy-based voice activity detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech
	SpeechFrames    int     // consecutive loud frames before speech starts
	SilenceFrames   int     // consecutive quiet frames before speech ends
}

// DefaultVADConfig returns thresholds tuned for 20ms telephony frames
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold: 500.0,
		SpeechFrames:    3,  // 60ms
		SilenceFrames:   10, // 200ms
	}
}

// VADDetector tracks speech on one inbound audio leg. Not safe for
// concurrent use.
type VADDetector struct {
	config     VADConfig
	encoding   speech.AudioEncoding
	loud       int
	quiet      int
	isSpeaking bool
}

// NewVADDetector creates a detector for frames in the given encoding
func NewVADDetector(config VADConfig, encoding speech.AudioEncoding) *VADDetector {
	def := DefaultVADConfig()
	if config.EnergyThreshold <= 0 {
		config.EnergyThreshold = def.EnergyThreshold
	}
	if config.SpeechFrames <= 0 {
		config.SpeechFrames = def.SpeechFrames
	}
	if config.SilenceFrames <= 0 {
		config.SilenceFrames = def.SilenceFrames
	}
	return &VADDetector{config: config, encoding: encoding}
}

// ProcessFrame classifies one encoded frame and reports a transition, if any.
// Malformed linear frames are treated as silence.
func (v *VADDetector) ProcessFrame(frame []byte) VADEvent {
	pcm := frame
	if v.encoding == speech.Mulaw {
		pcm = MulawToLinear(frame)
	}
	samples, err := BytesToSamples(pcm)
	if err != nil {
		samples = nil
	}
	return v.ProcessSamples(samples)
}

// ProcessSamples classifies decoded samples
func (v *VADDetector) ProcessSamples(samples []int16) VADEvent {
	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.quiet = 0
		v.loud++
		if !v.isSpeaking && v.loud >= v.config.SpeechFrames {
			v.isSpeaking = true
			return VADSpeechStart
		}
		return VADNone
	}

	v.loud = 0
	if v.isSpeaking {
		v.quiet++
		if v.quiet >= v.config.SilenceFrames {
			v.isSpeaking = false
			v.quiet = 0
			return VADSpeechEnd
		}
	}
	return VADNone
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// Reset forgets any speech in progress
func (v *VADDetector) Reset() {
	v.loud = 0
	v.quiet = 0
	v.isSpeaking = false
}

// DetectSilence reports whether samples are below the energy threshold
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
