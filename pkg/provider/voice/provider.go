// Package voice defines the Provider interface for voice-cloning and
// text-to-speech backends.
//
// A voice provider wraps an external synthesis service (e.g., ElevenLabs) that
// can create a cloned voice from a handful of audio samples, delete it again,
// and render text with it. Providers are stateless remote-call wrappers: they
// own no durable state and perform no retries. Failures are surfaced as typed
// errors (see [Error]) so callers can decide on retry or compensation.
//
// Implementations must be safe for concurrent use.
package voice

import "context"

// SampleRef points at an audio sample that the provider must fetch before it
// can create a clone. The bytes are owned by the object store; the provider
// only ever sees a URL.
type SampleRef struct {
	// URL is a downloadable location for the sample, typically a signed read URL.
	URL string `json:"url"`

	// ContentType is the MIME type of the sample (e.g., "audio/mpeg"). When
	// empty the provider falls back to the response Content-Type header and
	// then to the file extension.
	ContentType string `json:"contentType,omitempty"`
}

// Provider is the abstraction over any voice-cloning TTS backend.
type Provider interface {
	// CreateClone fetches every sample, submits them together with name and
	// voice settings metadata, and returns the provider-assigned voice ID.
	//
	// At least one sample is required. All samples must be fetched before the
	// creation request is sent; a sample that cannot be retrieved fails the
	// call with [ErrSampleFetchFailed] and no request reaches the provider.
	//
	// Consumes one of the provider's own voice slots on success.
	CreateClone(ctx context.Context, name string, samples []SampleRef) (string, error)

	// DeleteVoice removes a previously created voice. A voice that no longer
	// exists is reported as success.
	DeleteVoice(ctx context.Context, voiceID string) error

	// GenerateSpeech renders text with the given voice and returns the encoded
	// audio. The caller is responsible for voiceID still being valid; a stale
	// ID fails with [ErrProviderRejected].
	GenerateSpeech(ctx context.Context, text, voiceID string) ([]byte, error)

	// AudioFormat reports the encoding of audio returned by GenerateSpeech as
	// a file extension and MIME type (e.g., "mp3", "audio/mpeg").
	AudioFormat() (ext, contentType string)
}
