// Package elevenlabs provides an ElevenLabs-backed voice provider using the
// ElevenLabs REST API. It implements the voice.Provider interface.
//
// Voice creation uses POST /v1/voices/add (multipart upload of the fetched
// samples), deletion uses DELETE /v1/voices/{id}, and synthesis uses
// POST /v1/text-to-speech/{id}, which returns the complete encoded audio in a
// single response.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

// Compile-time interface assertion.
var _ voice.Provider = (*Provider)(nil)

const (
	defaultBaseURL      = "https://api.elevenlabs.io"
	defaultModel        = "eleven_multilingual_v2"
	defaultOutputFmt    = "mp3_44100_128"
	defaultDescription  = "Narration voice"
	defaultCloneTimeout = 2 * time.Minute
	defaultCallTimeout  = time.Minute

	addVoiceEndpoint = "/v1/voices/add"
	voiceEndpointFmt = "/v1/voices/%s"
	ttsEndpointFmt   = "/v1/text-to-speech/%s"

	// maxErrorBody caps how much of an error response is read for the message.
	maxErrorBody = 4 << 10
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithBaseURL overrides the API endpoint (used by tests and proxies).
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithModel sets the ElevenLabs model ID (e.g., "eleven_multilingual_v2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithHTTPClient replaces the HTTP client used for API calls and sample
// downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithCloneTimeout bounds CreateClone, including sample downloads.
func WithCloneTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.cloneTimeout = d
	}
}

// WithCallTimeout bounds DeleteVoice and GenerateSpeech.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.callTimeout = d
	}
}

// WithVoiceSettings sets the stability and similarity boost sent with every
// synthesis request and recorded as labels on created voices.
func WithVoiceSettings(stability, similarityBoost float64) Option {
	return func(p *Provider) {
		p.settings = voiceSettings{Stability: stability, SimilarityBoost: similarityBoost}
	}
}

// WithDescription sets the description attached to created voices.
func WithDescription(desc string) Option {
	return func(p *Provider) {
		p.description = desc
	}
}

// Provider implements voice.Provider backed by the ElevenLabs REST API.
type Provider struct {
	apiKey       string
	baseURL      string
	model        string
	outputFormat string
	description  string
	settings     voiceSettings
	cloneTimeout time.Duration
	callTimeout  time.Duration
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		description:  defaultDescription,
		settings:     voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		cloneTimeout: defaultCloneTimeout,
		callTimeout:  defaultCallTimeout,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- request/response types ----

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// ttsRequest is the JSON body for POST /v1/text-to-speech/{voice_id}.
type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// addVoiceResponse is the JSON body returned by POST /v1/voices/add.
type addVoiceResponse struct {
	VoiceID              string `json:"voice_id"`
	RequiresVerification bool   `json:"requires_verification"`
}

// errorResponse covers both shapes of the ElevenLabs "detail" field: an
// object with status/message or a bare string.
type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

type errorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ---- CreateClone ----

// CreateClone downloads every sample, then uploads them to ElevenLabs as a new
// instant voice clone named name.
//
// If the creation response cannot be parsed the call fails even though the
// voice may exist upstream; such orphans must be reconciled out of band.
func (p *Provider) CreateClone(ctx context.Context, name string, samples []voice.SampleRef) (string, error) {
	const op = "elevenlabs: create clone"
	if name == "" {
		return "", &voice.Error{Op: op, Kind: voice.ErrProviderRejected, Message: "name must not be empty"}
	}
	if len(samples) == 0 {
		return "", &voice.Error{Op: op, Kind: voice.ErrProviderRejected, Message: "at least one sample is required"}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cloneTimeout)
	defer cancel()

	files, err := fetchSamples(ctx, p.httpClient, samples)
	if err != nil {
		return "", err
	}

	body, contentType, err := p.buildAddVoiceBody(name, files)
	if err != nil {
		return "", fmt.Errorf("%s: build body: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+addVoiceEndpoint, body)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := p.do(req)
	if err != nil {
		return "", voice.Unavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(op, resp)
	}

	var ar addVoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", &voice.Error{Op: op, Kind: voice.ErrProviderUnavailable, StatusCode: resp.StatusCode,
			Message: "unparseable response", Err: err}
	}
	if ar.VoiceID == "" {
		return "", &voice.Error{Op: op, Kind: voice.ErrProviderUnavailable, StatusCode: resp.StatusCode,
			Message: "response missing voice_id"}
	}
	return ar.VoiceID, nil
}

// buildAddVoiceBody encodes the multipart form for POST /v1/voices/add.
func (p *Provider) buildAddVoiceBody(name string, files []sampleFile) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("name", name); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("description", p.description); err != nil {
		return nil, "", err
	}
	labels, err := json.Marshal(map[string]string{
		"stability":        fmt.Sprintf("%.2f", p.settings.Stability),
		"similarity_boost": fmt.Sprintf("%.2f", p.settings.SimilarityBoost),
		"model_id":         p.model,
	})
	if err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("labels", string(labels)); err != nil {
		return nil, "", err
	}

	for _, f := range files {
		fw, err := mw.CreatePart(formFileHeader("files", f.name, f.contentType))
		if err != nil {
			return nil, "", fmt.Errorf("create form file %s: %w", f.name, err)
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, "", fmt.Errorf("write form file %s: %w", f.name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// ---- DeleteVoice ----

// DeleteVoice removes voiceID. A 404 is treated as success so that eviction
// stays idempotent under retry.
func (p *Provider) DeleteVoice(ctx context.Context, voiceID string) error {
	const op = "elevenlabs: delete voice"
	if voiceID == "" {
		return &voice.Error{Op: op, Kind: voice.ErrProviderRejected, Message: "voice ID must not be empty"}
	}

	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	endpoint := p.baseURL + fmt.Sprintf(voiceEndpointFmt, url.PathEscape(voiceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.do(req)
	if err != nil {
		return voice.Unavailable(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case isVoiceNotFound(resp):
		return nil
	default:
		return statusError(op, resp)
	}
}

// ---- GenerateSpeech ----

// GenerateSpeech renders text with voiceID and returns the encoded audio.
func (p *Provider) GenerateSpeech(ctx context.Context, text, voiceID string) ([]byte, error) {
	const op = "elevenlabs: generate speech"
	if strings.TrimSpace(text) == "" {
		return nil, &voice.Error{Op: op, Kind: voice.ErrProviderRejected, Message: "text must not be empty"}
	}
	if voiceID == "" {
		return nil, &voice.Error{Op: op, Kind: voice.ErrProviderRejected, Message: "voice ID must not be empty"}
	}

	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	payload, err := json.Marshal(ttsRequest{Text: text, ModelID: p.model, VoiceSettings: p.settings})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal: %w", op, err)
	}

	endpoint := p.baseURL + fmt.Sprintf(ttsEndpointFmt, url.PathEscape(voiceID)) +
		"?output_format=" + url.QueryEscape(p.outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	_, contentType := p.AudioFormat()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", contentType)

	resp, err := p.do(req)
	if err != nil {
		return nil, voice.Unavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, voice.Unavailable(op, err)
	}
	if len(audio) == 0 {
		return nil, &voice.Error{Op: op, Kind: voice.ErrProviderUnavailable, StatusCode: resp.StatusCode,
			Message: "empty audio response"}
	}
	return audio, nil
}

// AudioFormat maps the configured output format onto a file extension and
// MIME type.
func (p *Provider) AudioFormat() (string, string) {
	return formatInfo(p.outputFormat)
}

// ---- helpers ----

// do attaches authentication and sends req.
func (p *Provider) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("xi-api-key", p.apiKey)
	return p.httpClient.Do(req)
}

// formatInfo returns the extension and MIME type for an ElevenLabs
// output_format value such as "mp3_44100_128" or "pcm_16000".
func formatInfo(format string) (string, string) {
	codec, _, _ := strings.Cut(format, "_")
	switch codec {
	case "mp3":
		return "mp3", "audio/mpeg"
	case "pcm":
		return "pcm", "audio/pcm"
	case "ulaw":
		return "ulaw", "audio/basic"
	case "opus":
		return "opus", "audio/ogg"
	default:
		return "bin", "application/octet-stream"
	}
}

// statusError converts a non-2xx response into a typed provider error.
func statusError(op string, resp *http.Response) error {
	return &voice.Error{
		Op:         op,
		Kind:       voice.KindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    readErrorMessage(resp.Body),
	}
}

// readErrorMessage extracts a human-readable message from an error body.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	return parseErrorMessage(raw)
}

// parseErrorMessage decodes the ElevenLabs error envelope. Unknown shapes are
// returned verbatim.
func parseErrorMessage(raw []byte) string {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		return strings.TrimSpace(string(raw))
	}
	if len(er.Detail) == 0 {
		return ""
	}
	var d errorDetail
	if err := json.Unmarshal(er.Detail, &d); err == nil && (d.Message != "" || d.Status != "") {
		if d.Message == "" {
			return d.Status
		}
		return d.Message
	}
	var s string
	if err := json.Unmarshal(er.Detail, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(er.Detail))
}

// isVoiceNotFound reports whether a 400 response carries the "voice_not_found"
// status, which ElevenLabs returns for some deletions of unknown voices.
func isVoiceNotFound(resp *http.Response) bool {
	if resp.StatusCode != http.StatusBadRequest {
		return false
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return false
	}
	// Put the body back for statusError.
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		return false
	}
	var d errorDetail
	if err := json.Unmarshal(er.Detail, &d); err != nil {
		return false
	}
	return d.Status == "voice_not_found"
}
