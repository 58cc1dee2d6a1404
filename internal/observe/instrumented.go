package observe

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

// InstrumentedProvider decorates a [voice.Provider] with a span, a latency
// histogram sample, and request/error counters per call.
type InstrumentedProvider struct {
	next    voice.Provider
	name    string
	metrics *Metrics
}

var _ voice.Provider = (*InstrumentedProvider)(nil)

// InstrumentProvider wraps p. name labels the provider in telemetry (e.g.
// "elevenlabs").
func InstrumentProvider(p voice.Provider, name string, m *Metrics) *InstrumentedProvider {
	return &InstrumentedProvider{next: p, name: name, metrics: m}
}

// CreateClone implements [voice.Provider].
func (p *InstrumentedProvider) CreateClone(ctx context.Context, name string, samples []voice.SampleRef) (string, error) {
	ctx, done := p.start(ctx, "create_clone", attribute.Int("voice.samples", len(samples)))
	id, err := p.next.CreateClone(ctx, name, samples)
	done(err)
	return id, err
}

// DeleteVoice implements [voice.Provider].
func (p *InstrumentedProvider) DeleteVoice(ctx context.Context, voiceID string) error {
	ctx, done := p.start(ctx, "delete_voice", attribute.String("voice.id", voiceID))
	err := p.next.DeleteVoice(ctx, voiceID)
	done(err)
	return err
}

// GenerateSpeech implements [voice.Provider].
func (p *InstrumentedProvider) GenerateSpeech(ctx context.Context, text, voiceID string) ([]byte, error) {
	ctx, done := p.start(ctx, "generate_speech",
		attribute.String("voice.id", voiceID),
		attribute.Int("text.length", len(text)),
	)
	audio, err := p.next.GenerateSpeech(ctx, text, voiceID)
	done(err)
	return audio, err
}

// AudioFormat implements [voice.Provider].
func (p *InstrumentedProvider) AudioFormat() (string, string) {
	return p.next.AudioFormat()
}

func (p *InstrumentedProvider) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	begin := time.Now()
	ctx, span := StartSpan(ctx, "voice."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("voice.provider", p.name))...),
	)
	return ctx, func(err error) {
		defer span.End()
		p.metrics.ProviderDuration.Record(ctx, time.Since(begin).Seconds(),
			metric.WithAttributes(attribute.String("provider", p.name), attribute.String("op", op)))

		status := "ok"
		if err != nil {
			status = "error"
			kind := errorKind(err)
			p.metrics.RecordProviderError(ctx, p.name, kind)
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
		}
		p.metrics.RecordProviderRequest(ctx, p.name, op, status)
	}
}

// errorKind maps a provider error onto a low-cardinality label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, voice.ErrProviderUnavailable):
		return "unavailable"
	case errors.Is(err, voice.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, voice.ErrSampleFetchFailed):
		return "sample_fetch"
	default:
		return "other"
	}
}
