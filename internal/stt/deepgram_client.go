package stt

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/speech-gateway/internal/speech"
)

// messageCallbackHandler embeds the SDK's default handler and overrides the
// callbacks the transcriber needs
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	client *DeepgramClient
	closed chan error
}

// Message converts a Deepgram result into a transcription
func (m *messageCallbackHandler) Message(mr *msginterfaces.MessageResponse) error {
	if t, ok := transcriptionFromDeepgram(mr); ok {
		m.client.emit(t)
	}
	return nil
}

// Error ends the connection on a rate limit and logs anything else
func (m *messageCallbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	msg := er.ErrMsg
	if er.Description != "" {
		msg = fmt.Sprintf("%s: %s", er.ErrMsg, er.Description)
	}
	perr := speech.NewProviderError(speech.ProviderDeepgram, 0, msg)
	if perr.RateLimited || er.ErrCode == "429" {
		perr.RateLimited = true
		m.signal(perr)
		return nil
	}
	m.client.logger.Error().Str("error", msg).Str("code", er.ErrCode).Msg("Deepgram error event")
	return nil
}

// Close reports a server-side close to the serving attempt
func (m *messageCallbackHandler) Close(cr *msginterfaces.CloseResponse) error {
	m.signal(errClosedCleanly)
	return nil
}

func (m *messageCallbackHandler) signal(err error) {
	select {
	case m.closed <- err:
	default:
	}
}

// DeepgramClient streams call audio to Deepgram through the Deepgram SDK.
// It shares the call's audio contract with the Sarvam client so only the
// wire protocol differs.
type DeepgramClient struct {
	*stream
}

// NewDeepgramClient creates a Deepgram transcriber. It does not connect.
func NewDeepgramClient(config Config, logger zerolog.Logger) (*DeepgramClient, error) {
	if config.APIKey == "" {
		return nil, speech.ConfigError("DEEPGRAM_API_KEY is required for the deepgram transcriber")
	}
	if config.Model == "" {
		config.Model = "nova-2"
	}

	s, err := newStream(speech.ProviderDeepgram, config, logger)
	if err != nil {
		return nil, err
	}
	c := &DeepgramClient{stream: s}
	s.conn = c
	return c, nil
}

// liveOptions maps the call's audio contract onto Deepgram query options
func (c *DeepgramClient) liveOptions() *interfaces.LiveTranscriptionOptions {
	encoding := "linear16"
	if c.config.Output.Encoding == speech.Mulaw {
		encoding = "mulaw"
	}
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          c.config.Model,
		Language:       c.config.Language,
		Punctuate:      true,
		InterimResults: true,
		Encoding:       encoding,
		Channels:       c.config.Output.Channels,
		SampleRate:     c.config.Output.SampleRate,
	}
	if c.config.EndpointingMs > 0 {
		opts.Endpointing = strconv.Itoa(c.config.EndpointingMs)
	}
	return opts
}

// serve runs one Deepgram connection. The SDK owns the reader; its callbacks
// feed the receive side while the send duty writes audio.
func (c *DeepgramClient) serve(ctx context.Context, attempt int) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		client:                 c,
		closed:                 make(chan error, 1),
	}

	var cOptions *interfaces.ClientOptions
	if c.config.URL != "" {
		cOptions = &interfaces.ClientOptions{Host: c.config.URL}
	}

	client, err := listenClient.NewWSUsingCallback(connCtx, c.config.APIKey, cOptions, c.liveOptions(), handler)
	if err != nil {
		return &speech.ConnectionError{Provider: speech.ProviderDeepgram, Err: err}
	}
	if !client.Connect() {
		return &speech.ConnectionError{Provider: speech.ProviderDeepgram, Err: errors.New("websocket connect failed")}
	}
	defer client.Finish()

	c.setState(StateStreaming)
	c.logger.Info().Int("attempt", attempt).Str("model", c.config.Model).Msg("Connected to Deepgram")

	g, gctx := errgroup.WithContext(connCtx)

	g.Go(func() error {
		return c.sendLoop(gctx, func(b []byte) error {
			_, err := client.Write(b)
			return err
		})
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-handler.closed:
			return err
		}
	})

	err = g.Wait()
	if errors.Is(err, errClosedCleanly) {
		return nil
	}
	return err
}

// transcriptionFromDeepgram extracts the best alternative of a result
func transcriptionFromDeepgram(mr *msginterfaces.MessageResponse) (speech.Transcription, bool) {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return speech.Transcription{}, false
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return speech.Transcription{}, false
	}

	t := speech.Transcription{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		IsFinal:    mr.IsFinal,
	}
	if mr.IsFinal {
		duration := mr.Duration
		if duration == 0 && len(alt.Words) > 0 {
			duration = alt.Words[len(alt.Words)-1].End - alt.Words[0].Start
		}
		t.Duration = &duration
	}
	return t, true
}
