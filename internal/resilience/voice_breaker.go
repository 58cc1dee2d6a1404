package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

// VoiceBreaker implements [voice.Provider] by guarding every call to an
// underlying provider with a [CircuitBreaker]. Only transient failures
// ([voice.ErrProviderUnavailable]) count against the breaker; rejected input
// and sample fetch failures are passed through without tripping it.
//
// While the breaker is open, calls fail fast with an error that matches both
// [voice.ErrProviderUnavailable] and [ErrCircuitOpen]. No call is retried.
type VoiceBreaker struct {
	next    voice.Provider
	breaker *CircuitBreaker
}

// Compile-time interface assertion.
var _ voice.Provider = (*VoiceBreaker)(nil)

// NewVoiceBreaker wraps next. cfg.IsFailure is replaced with the transient
// failure classifier.
func NewVoiceBreaker(next voice.Provider, cfg CircuitBreakerConfig) *VoiceBreaker {
	cfg.IsFailure = voice.IsRetryable
	return &VoiceBreaker{next: next, breaker: NewCircuitBreaker(cfg)}
}

// Breaker exposes the underlying breaker (for health checks).
func (b *VoiceBreaker) Breaker() *CircuitBreaker { return b.breaker }

// CreateClone forwards to the wrapped provider.
func (b *VoiceBreaker) CreateClone(ctx context.Context, name string, samples []voice.SampleRef) (string, error) {
	var id string
	err := b.breaker.Execute(func() error {
		var err error
		id, err = b.next.CreateClone(ctx, name, samples)
		return err
	})
	return id, openAsUnavailable("create clone", err)
}

// DeleteVoice forwards to the wrapped provider.
func (b *VoiceBreaker) DeleteVoice(ctx context.Context, voiceID string) error {
	err := b.breaker.Execute(func() error {
		return b.next.DeleteVoice(ctx, voiceID)
	})
	return openAsUnavailable("delete voice", err)
}

// GenerateSpeech forwards to the wrapped provider.
func (b *VoiceBreaker) GenerateSpeech(ctx context.Context, text, voiceID string) ([]byte, error) {
	var audio []byte
	err := b.breaker.Execute(func() error {
		var err error
		audio, err = b.next.GenerateSpeech(ctx, text, voiceID)
		return err
	})
	return audio, openAsUnavailable("generate speech", err)
}

// AudioFormat forwards to the wrapped provider.
func (b *VoiceBreaker) AudioFormat() (string, string) {
	return b.next.AudioFormat()
}

// openAsUnavailable maps [ErrCircuitOpen] onto the provider error taxonomy.
func openAsUnavailable(op string, err error) error {
	if errors.Is(err, ErrCircuitOpen) {
		return voice.Unavailable(op, err)
	}
	return err
}
