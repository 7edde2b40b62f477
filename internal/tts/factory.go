package tts

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/resilience"
	"github.com/lexiqai/speech-gateway/internal/speech"
)

// New builds the synthesizer named by config.Provider
func New(config Config, logger zerolog.Logger) (Synthesizer, error) {
	switch config.Provider {
	case speech.ProviderCartesia:
		return NewCartesiaClient(config, logger)
	case speech.ProviderSarvam:
		return NewSarvamClient(config, logger)
	default:
		return nil, speech.ConfigError("unknown TTS provider %q", config.Provider)
	}
}

// Probe returns the health probe for the configured provider
func Probe(config Config, logger zerolog.Logger) (func(ctx context.Context) error, error) {
	switch config.Provider {
	case speech.ProviderCartesia:
		return CartesiaProbe(config), nil
	case speech.ProviderSarvam:
		return SarvamProbe(config, logger), nil
	default:
		return nil, speech.ConfigError("unknown TTS provider %q", config.Provider)
	}
}

// FallbackConfig swaps in the fallback's provider settings and keeps the
// output format, frame pacing and resilience settings of the primary
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

// Select builds the primary synthesizer when healthy and the fallback
// otherwise. fallback may be nil when no fallback provider is configured.
func Select(ctx context.Context, checker resilience.HealthChecker, primary Config, fallback *ProviderSettings, logger zerolog.Logger) (Synthesizer, error) {
	primaryKey := speech.HealthKey(speech.KindTTS, primary.Provider)

	var fallbackFactory resilience.Factory[Synthesizer]
	if fallback != nil {
		fallbackFactory = func() (Synthesizer, error) {
			return New(FallbackConfig(primary, *fallback), logger)
		}
	}

	sel, err := resilience.Select(ctx, checker, primaryKey,
		func() (Synthesizer, error) { return New(primary, logger) },
		fallbackFactory,
	)
	if err != nil {
		return nil, err
	}

	if sel.Fallback {
		observability.RecordFailover(string(speech.KindTTS), string(primary.Provider), string(fallback.Provider))
		logger.Warn().
			Str("primary", string(primary.Provider)).
			Str("fallback", string(fallback.Provider)).
			Msg("Primary TTS provider unhealthy, using fallback")
	}
	return sel.Value, nil
}
