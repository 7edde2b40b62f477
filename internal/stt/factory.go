package stt

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/resilience"
	"github.com/lexiqai/speech-gateway/internal/speech"
)

// New builds the transcriber named by config.Provider
func New(config Config, logger zerolog.Logger) (Transcriber, error) {
	switch config.Provider {
	case speech.ProviderSarvam:
		return NewSarvamClient(config, logger)
	case speech.ProviderDeepgram:
		return NewDeepgramClient(config, logger)
	default:
		return nil, speech.ConfigError("unknown STT provider %q", config.Provider)
	}
}

// Probe returns the health probe for the configured provider. Deepgram has
// none; a key without a probe is always healthy.
func Probe(config Config) func(ctx context.Context) error {
	if config.Provider == speech.ProviderSarvam {
		return SarvamProbe(config)
	}
	return nil
}

// FallbackConfig derives the fallback's configuration from the primary's so
// that encoding, sample rate, endpointing and reconnect policy match. Only
// the provider settings are swapped; an empty fallback language keeps the
// primary's.
func FallbackConfig(primary Config, fallback ProviderSettings) Config {
	cfg := primary
	language := fallback.Language
	if language == "" {
		language = primary.Language
	}
	cfg.ProviderSettings = fallback
	cfg.Language = language
	return cfg
}

// Select builds the primary transcriber when healthy and the fallback
// otherwise. fallback may be nil when no fallback provider is configured.
func Select(ctx context.Context, checker resilience.HealthChecker, primary Config, fallback *ProviderSettings, logger zerolog.Logger) (Transcriber, error) {
	primaryKey := speech.HealthKey(speech.KindSTT, primary.Provider)

	var fallbackFactory resilience.Factory[Transcriber]
	if fallback != nil {
		fallbackFactory = func() (Transcriber, error) {
			return New(FallbackConfig(primary, *fallback), logger)
		}
	}

	sel, err := resilience.Select(ctx, checker, primaryKey,
		func() (Transcriber, error) { return New(primary, logger) },
		fallbackFactory,
	)
	if err != nil {
		return nil, err
	}

	if sel.Fallback {
		observability.RecordFailover(string(speech.KindSTT), string(primary.Provider), string(fallback.Provider))
		logger.Warn().
			Str("primary", string(primary.Provider)).
			Str("fallback", string(fallback.Provider)).
			Msg("Primary STT provider unhealthy, using fallback")
	}
	return sel.Value, nil
}
