// Package api exposes the voice and narration services as a small JSON RPC
// surface over HTTP.
//
// Identity is established by the upstream gateway: every request carries the
// caller's user ID in the X-User-ID header and, when a token is configured,
// an Authorization bearer token shared with the gateway.
//
// Routes:
//
//	POST /v1/voices/ensure  get or create the caller's cloned voice
//	POST /v1/narrations     synthesise (or fetch cached) narration audio
//	GET  /v1/quota          shared monthly usage
//	POST /v1/uploads        signed write URL for a voice sample
//
// Failures are reported as {"error":{"code":…,"message":…}}.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/fablevoice/internal/narration"
	"github.com/MrWong99/fablevoice/internal/observe"
	"github.com/MrWong99/fablevoice/internal/voiceclone"
	"github.com/MrWong99/fablevoice/pkg/objectstore"
	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

const (
	// UserIDHeader carries the authenticated caller.
	UserIDHeader = "X-User-ID"

	// UploadURLTTL is how long a signed sample upload URL stays valid.
	UploadURLTTL = 15 * time.Minute

	// SampleReadURLTTL is how long the provider may take to fetch a sample
	// referenced by object path.
	SampleReadURLTTL = 15 * time.Minute

	maxBodyBytes    = 1 << 20
	maxFileNameLen  = 128
	samplePathRoot  = "samples"
	allowedAudioPfx = "audio/"
)

// VoiceEnsurer gets or creates a user's cloned voice.
type VoiceEnsurer interface {
	EnsureVoice(ctx context.Context, req voiceclone.EnsureRequest) (voiceclone.EnsureResult, error)
}

// Narrator synthesises narration and reports quota usage.
type Narrator interface {
	Synthesize(ctx context.Context, req narration.SynthesizeRequest) (narration.SynthesizeResult, error)
	Usage(ctx context.Context) (narration.Usage, error)
}

// URLSigner issues signed object store URLs.
type URLSigner interface {
	SignedURL(path string, action objectstore.Action, expiresAt time.Time) (string, error)
}

// Server implements the HTTP handlers. It is safe for concurrent use.
type Server struct {
	voices   VoiceEnsurer
	narrator Narrator
	signer   URLSigner
	token    string
	now      func() time.Time
}

// Option configures a [Server].
type Option func(*Server)

// WithAPIToken requires callers to present token as a bearer credential.
func WithAPIToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithClock overrides the time source used for URL expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server.
func New(voices VoiceEnsurer, narrator Narrator, signer URLSigner, opts ...Option) *Server {
	s := &Server{
		voices:   voices,
		narrator: narrator,
		signer:   signer,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/voices/ensure", s.authenticated(s.handleEnsureVoice))
	mux.Handle("POST /v1/narrations", s.authenticated(s.handleSynthesize))
	mux.Handle("GET /v1/quota", s.authenticated(s.handleQuota))
	mux.Handle("POST /v1/uploads", s.authenticated(s.handleUpload))
}

// Handler returns a mux serving only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) authenticated(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, codeUnauthenticated, "missing or invalid credentials")
				return
			}
		}
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "missing user identity")
			return
		}
		// User IDs become object path segments.
		if strings.ContainsAny(userID, `/\`) || objectstore.ValidatePath(userID) != nil {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "invalid user identity")
			return
		}
		next(w, r.WithContext(observe.WithUserID(r.Context(), userID)), userID)
	})
}

// ---------------------------------------------------------------------------
// ensureVoice
// ---------------------------------------------------------------------------

type ensureVoiceRequest struct {
	VoiceName  string            `json:"voiceName"`
	SampleURLs []string          `json:"sampleUrls,omitempty"`
	Samples    []voice.SampleRef `json:"samples,omitempty"`
}

type ensureVoiceResponse struct {
	VoiceID string `json:"voiceId"`
	Created bool   `json:"created"`
}

func (s *Server) handleEnsureVoice(w http.ResponseWriter, r *http.Request, userID string) {
	var body ensureVoiceRequest
	if !decodeBody(w, r, &body) {
		return
	}

	samples := make([]voice.SampleRef, 0, len(body.Samples)+len(body.SampleURLs))
	samples = append(samples, body.Samples...)
	for _, u := range body.SampleURLs {
		samples = append(samples, voice.SampleRef{URL: u})
	}
	for i := range samples {
		resolved, err := s.resolveSample(userID, samples[i].URL)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidArgument, fmt.Sprintf("sample %d: %v", i, err))
			return
		}
		samples[i].URL = resolved
	}

	res, err := s.voices.EnsureVoice(r.Context(), voiceclone.EnsureRequest{
		UserID:    userID,
		VoiceName: body.VoiceName,
		Samples:   samples,
	})
	if err != nil {
		s.fail(w, r, "ensure voice", err)
		return
	}
	writeJSON(w, http.StatusOK, ensureVoiceResponse{VoiceID: res.VoiceID, Created: res.Created})
}

// resolveSample turns an object path returned by the upload flow into a
// short-lived signed read URL. Absolute http(s) URLs pass through.
func (s *Server) resolveSample(userID, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil // reported by request validation
	}
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
		}
		return ref, nil
	}
	if err := objectstore.ValidatePath(ref); err != nil {
		return "", err
	}
	if !strings.HasPrefix(ref, samplePathRoot+"/"+userID+"/") {
		return "", errors.New("sample belongs to another user")
	}
	return s.signer.SignedURL(ref, objectstore.ActionRead, s.now().Add(SampleReadURLTTL))
}

// ---------------------------------------------------------------------------
// synthesize
// ---------------------------------------------------------------------------

type synthesizeRequest struct {
	VoiceID string `json:"voiceId"`
	Text    string `json:"text"`
}

type synthesizeResponse struct {
	AudioURL string `json:"audioUrl"`
	Cached   bool   `json:"cached"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request, userID string) {
	var body synthesizeRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.narrator.Synthesize(r.Context(), narration.SynthesizeRequest{
		UserID:  userID,
		VoiceID: body.VoiceID,
		Text:    body.Text,
	})
	if err != nil {
		s.fail(w, r, "synthesize", err)
		return
	}
	writeJSON(w, http.StatusOK, synthesizeResponse{AudioURL: res.AudioURL, Cached: res.Cached})
}

// ---------------------------------------------------------------------------
// quota
// ---------------------------------------------------------------------------

type quotaResponse struct {
	TotalMinutesUsed    float64    `json:"totalMinutesUsed"`
	MonthlyLimitMinutes float64    `json:"monthlyLimitMinutes"`
	RemainingMinutes    float64    `json:"remainingMinutes"`
	LastReset           *time.Time `json:"lastReset"`
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, _ string) {
	u, err := s.narrator.Usage(r.Context())
	if err != nil {
		s.fail(w, r, "quota", err)
		return
	}
	resp := quotaResponse{
		TotalMinutesUsed:    u.TotalMinutesUsed,
		MonthlyLimitMinutes: u.MonthlyLimitMinutes,
		RemainingMinutes:    u.RemainingMinutes,
	}
	if !u.LastReset.IsZero() {
		resp.LastReset = &u.LastReset
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// uploads
// ---------------------------------------------------------------------------

type uploadRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

type uploadResponse struct {
	Path      string    `json:"path"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID string) {
	var body uploadRequest
	if !decodeBody(w, r, &body) {
		return
	}
	name, err := sanitizeFileName(body.FileName)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, err.Error())
		return
	}
	if ct := strings.ToLower(strings.TrimSpace(body.ContentType)); ct != "" && !strings.HasPrefix(ct, allowedAudioPfx) {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, "content type must be audio/*")
		return
	}

	objectPath := path.Join(samplePathRoot, userID, uuid.NewString()+"-"+name)
	if err := objectstore.ValidatePath(objectPath); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, err.Error())
		return
	}
	expires := s.now().Add(UploadURLTTL).UTC()
	signed, err := s.signer.SignedURL(objectPath, objectstore.ActionWrite, expires)
	if err != nil {
		s.fail(w, r, "upload url", err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Path: objectPath, UploadURL: signed, ExpiresAt: expires.Truncate(time.Second)})
}

// sanitizeFileName keeps the base name of a client-supplied file name.
func sanitizeFileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	switch {
	case name == "", name == ".", name == "..":
		return "", errors.New("file name is required")
	case len(name) > maxFileNameLen:
		return "", fmt.Errorf("file name exceeds %d bytes", maxFileNameLen)
	}
	return name, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, codeInvalidArgument, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, codeInvalidArgument, "request body is empty")
		default:
			writeError(w, http.StatusBadRequest, codeInvalidArgument, "invalid request body: "+err.Error())
		}
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code, msg := classify(err)
	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("api: request failed", "op", op, "code", code, "err", err)
	} else {
		log.Info("api: request refused", "op", op, "code", code, "err", err)
	}
	writeError(w, status, code, msg)
}
