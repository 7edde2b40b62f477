package telephony

import (
	"encoding/base64"
	"fmt"
)

// TwilioMessage represents a message from Twilio Media Streams
type TwilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Media          *TwilioMedia `json:"media,omitempty"`
	Start          *TwilioStart `json:"start,omitempty"`
	Stop           *TwilioStop  `json:"stop,omitempty"`
	Mark           *TwilioMark  `json:"mark,omitempty"`
}

// TwilioMedia represents the media payload in a media event
type TwilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"` // Sequence number of the chunk
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded audio
}

// TwilioMediaFormat describes the audio of the stream
type TwilioMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// TwilioStart represents the start event payload
type TwilioStart struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      TwilioMediaFormat `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// TwilioStop represents the stop event payload
type TwilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// TwilioMark names a playback position
type TwilioMark struct {
	Name string `json:"name"`
}

// outboundMessage is a message sent back to Twilio (media, clear, mark)
type outboundMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     *TwilioMedia `json:"media,omitempty"`
	Mark      *TwilioMark  `json:"mark,omitempty"`
}

func mediaMessage(streamSid string, frame []byte) outboundMessage {
	return outboundMessage{
		Event:     "media",
		StreamSid: streamSid,
		Media:     &TwilioMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
	}
}

// clearMessage drops the audio Twilio has buffered but not yet played
func clearMessage(streamSid string) outboundMessage {
	return outboundMessage{Event: "clear", StreamSid: streamSid}
}

func markMessage(streamSid, name string) outboundMessage {
	return outboundMessage{Event: "mark", StreamSid: streamSid, Mark: &TwilioMark{Name: name}}
}

// decodeMedia extracts the audio of a media event
func decodeMedia(media *TwilioMedia) ([]byte, error) {
	if media.Payload == "" {
		return nil, fmt.Errorf("media event missing payload")
	}
	return base64.StdEncoding.DecodeString(media.Payload)
}
