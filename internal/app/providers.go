package app

import (
	"log/slog"

	"github.com/MrWong99/fablevoice/internal/config"
	"github.com/MrWong99/fablevoice/pkg/provider/voice"
	"github.com/MrWong99/fablevoice/pkg/provider/voice/elevenlabs"
	"github.com/MrWong99/fablevoice/pkg/provider/voice/mock"
)

// RegisterBuiltinProviders registers the providers that ship with fablevoice:
// "elevenlabs" and "mock". The mock keeps every voice and clip in memory and
// is meant for local development without an ElevenLabs account.
func RegisterBuiltinProviders(reg *config.Registry) {
	reg.Register("elevenlabs", newElevenLabs)
	reg.Register("mock", func(config.ProviderConfig) (voice.Provider, error) {
		slog.Warn("using the mock synthesis provider; audio is placeholder text")
		return &mock.Provider{}, nil
	})
}

func newElevenLabs(cfg config.ProviderConfig) (voice.Provider, error) {
	var opts []elevenlabs.Option
	if cfg.BaseURL != "" {
		opts = append(opts, elevenlabs.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, elevenlabs.WithModel(cfg.Model))
	}
	if cfg.OutputFormat != "" {
		opts = append(opts, elevenlabs.WithOutputFormat(cfg.OutputFormat))
	}
	if cfg.CloneTimeout > 0 {
		opts = append(opts, elevenlabs.WithCloneTimeout(cfg.CloneTimeout))
	}
	if cfg.CallTimeout > 0 {
		opts = append(opts, elevenlabs.WithCallTimeout(cfg.CallTimeout))
	}
	return elevenlabs.New(cfg.APIKey, opts...)
}
