// Package mock provides a test double for the voice.Provider interface.
//
// Use Provider to hand out deterministic voice IDs and audio, inject failures,
// and verify which calls reached the backend.
//
// Example:
//
//	p := &mock.Provider{SpeechAudio: []byte("mp3")}
//	id, _ := p.CreateClone(ctx, "Grandma", samples) // "voice-1"
//	_ = p.DeleteVoice(ctx, id)
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

// CreateCloneCall records a single invocation of CreateClone.
type CreateCloneCall struct {
	// Name is the voice name passed to CreateClone.
	Name string
	// Samples is a copy of the sample references passed to CreateClone.
	Samples []voice.SampleRef
}

// GenerateSpeechCall records a single invocation of GenerateSpeech.
type GenerateSpeechCall struct {
	Text    string
	VoiceID string
}

// Provider is a mock implementation of voice.Provider. The zero value is ready
// to use: CreateClone returns "voice-1", "voice-2", … and GenerateSpeech
// returns "audio:<voiceID>:<text>".
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CreateCloneErr, if non-nil, is returned by CreateClone.
	CreateCloneErr error

	// CreateCloneFunc, if set, overrides CreateClone entirely (after the call
	// is recorded).
	CreateCloneFunc func(ctx context.Context, name string, samples []voice.SampleRef) (string, error)

	// DeleteVoiceErr, if non-nil, is returned by DeleteVoice.
	DeleteVoiceErr error

	// SpeechAudio, if non-nil, is returned by every GenerateSpeech call.
	SpeechAudio []byte

	// GenerateSpeechErr, if non-nil, is returned by GenerateSpeech.
	GenerateSpeechErr error

	// GenerateSpeechFunc, if set, overrides GenerateSpeech (after the call is
	// recorded). It runs without the mock's lock held, so it may block.
	GenerateSpeechFunc func(ctx context.Context, text, voiceID string) ([]byte, error)

	// Ext and ContentType are returned by AudioFormat. Defaults: "mp3",
	// "audio/mpeg".
	Ext         string
	ContentType string

	// --- Call records ---

	CreateCloneCalls    []CreateCloneCall
	DeleteVoiceCalls    []string
	GenerateSpeechCalls []GenerateSpeechCall

	// live tracks voices created and not yet deleted.
	live   map[string]bool
	nextID int
}

// CreateClone records the call and returns the next sequential voice ID.
func (p *Provider) CreateClone(ctx context.Context, name string, samples []voice.SampleRef) (string, error) {
	p.mu.Lock()
	samplesCopy := make([]voice.SampleRef, len(samples))
	copy(samplesCopy, samples)
	p.CreateCloneCalls = append(p.CreateCloneCalls, CreateCloneCall{Name: name, Samples: samplesCopy})
	fn := p.CreateCloneFunc
	if fn == nil && p.CreateCloneErr != nil {
		err := p.CreateCloneErr
		p.mu.Unlock()
		return "", err
	}
	p.mu.Unlock()

	var id string
	if fn != nil {
		var err error
		if id, err = fn(ctx, name, samples); err != nil {
			return "", err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if id == "" {
		p.nextID++
		id = fmt.Sprintf("voice-%d", p.nextID)
	}
	if p.live == nil {
		p.live = make(map[string]bool)
	}
	p.live[id] = true
	return id, nil
}

// DeleteVoice records the call and returns DeleteVoiceErr.
func (p *Provider) DeleteVoice(_ context.Context, voiceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DeleteVoiceCalls = append(p.DeleteVoiceCalls, voiceID)
	if p.DeleteVoiceErr != nil {
		return p.DeleteVoiceErr
	}
	delete(p.live, voiceID)
	return nil
}

// GenerateSpeech records the call and returns SpeechAudio or a deterministic
// payload derived from the inputs.
func (p *Provider) GenerateSpeech(ctx context.Context, text, voiceID string) ([]byte, error) {
	p.mu.Lock()
	p.GenerateSpeechCalls = append(p.GenerateSpeechCalls, GenerateSpeechCall{Text: text, VoiceID: voiceID})
	if fn := p.GenerateSpeechFunc; fn != nil {
		p.mu.Unlock()
		return fn(ctx, text, voiceID)
	}
	defer p.mu.Unlock()
	if p.GenerateSpeechErr != nil {
		return nil, p.GenerateSpeechErr
	}
	if p.SpeechAudio != nil {
		out := make([]byte, len(p.SpeechAudio))
		copy(out, p.SpeechAudio)
		return out, nil
	}
	return []byte("audio:" + voiceID + ":" + text), nil
}

// AudioFormat returns Ext and ContentType, defaulting to MP3.
func (p *Provider) AudioFormat() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ext, ct := p.Ext, p.ContentType
	if ext == "" {
		ext = "mp3"
	}
	if ct == "" {
		ct = "audio/mpeg"
	}
	return ext, ct
}

// CreateCloneCount returns the number of CreateClone calls. Thread-safe.
func (p *Provider) CreateCloneCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CreateCloneCalls)
}

// GenerateSpeechCount returns the number of GenerateSpeech calls. Thread-safe.
func (p *Provider) GenerateSpeechCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.GenerateSpeechCalls)
}

// Deleted returns a copy of every voice ID passed to DeleteVoice. Thread-safe.
func (p *Provider) Deleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.DeleteVoiceCalls))
	copy(out, p.DeleteVoiceCalls)
	return out
}

// LiveVoices returns the number of voices created and not yet deleted.
func (p *Provider) LiveVoices() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// SetGenerateSpeechErr replaces GenerateSpeechErr. Thread-safe.
func (p *Provider) SetGenerateSpeechErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateSpeechErr = err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreateCloneCalls = nil
	p.DeleteVoiceCalls = nil
	p.GenerateSpeechCalls = nil
}

// Ensure Provider implements voice.Provider at compile time.
var _ voice.Provider = (*Provider)(nil)
