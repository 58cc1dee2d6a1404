package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/fablevoice/internal/narration"
	"github.com/MrWong99/fablevoice/internal/voiceclone"
	"github.com/MrWong99/fablevoice/pkg/objectstore"
	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeVoices struct {
	mu   sync.Mutex
	reqs []voiceclone.EnsureRequest
	res  voiceclone.EnsureResult
	err  error
}

func (f *fakeVoices) EnsureVoice(_ context.Context, req voiceclone.EnsureRequest) (voiceclone.EnsureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

type fakeNarrator struct {
	reqs     []narration.SynthesizeRequest
	res      narration.SynthesizeResult
	err      error
	usage    narration.Usage
	usageErr error
}

func (f *fakeNarrator) Synthesize(_ context.Context, req narration.SynthesizeRequest) (narration.SynthesizeResult, error) {
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

func (f *fakeNarrator) Usage(context.Context) (narration.Usage, error) {
	return f.usage, f.usageErr
}

// testNow stays close to the wall clock because Signer.Verify checks expiry
// against real time.
var testNow = time.Now().UTC().Truncate(time.Second)

func newTestServer(t *testing.T, v *fakeVoices, n *fakeNarrator, opts ...Option) (*Server, *objectstore.Signer) {
	t.Helper()
	signer, err := objectstore.NewSigner("https://cdn.example.com", []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	gw := objectstore.NewGateway(objectstore.NewMemoryStore(), signer)
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(v, n, gw, opts...), signer
}

func do(t *testing.T, h http.Handler, method, target, user, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (raw %q)", err, rec.Body.String())
	}
	return body.Error
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestAuthentication(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		token   string
		user    string
		headers []string
		want    int
	}{
		{name: "no user", want: http.StatusUnauthorized},
		{name: "user with path separator", user: "alice/../bob", want: http.StatusUnauthorized},
		{name: "user without token configured", user: "alice", want: http.StatusOK},
		{name: "missing bearer", token: "secret", user: "alice", want: http.StatusUnauthorized},
		{name: "wrong bearer", token: "secret", user: "alice", headers: []string{"Authorization", "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "bearer without user", token: "secret", headers: []string{"Authorization", "Bearer secret"}, want: http.StatusUnauthorized},
		{name: "valid bearer", token: "secret", user: "alice", headers: []string{"Authorization", "Bearer secret"}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var opts []Option
			if tt.token != "" {
				opts = append(opts, WithAPIToken(tt.token))
			}
			s, _ := newTestServer(t, &fakeVoices{}, &fakeNarrator{}, opts...)
			rec := do(t, s.Handler(), http.MethodGet, "/v1/quota", tt.user, "", tt.headers...)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			if tt.want == http.StatusUnauthorized {
				if got := decodeError(t, rec).Code; got != codeUnauthenticated {
					t.Errorf("code = %q, want %q", got, codeUnauthenticated)
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ensureVoice
// ---------------------------------------------------------------------------

func TestEnsureVoice_Success(t *testing.T) {
	t.Parallel()
	v := &fakeVoices{res: voiceclone.EnsureResult{VoiceID: "voice-1", Created: true}}
	s, signer := newTestServer(t, v, &fakeNarrator{})

	body := `{"voiceName":"Grandpa","sampleUrls":["samples/alice/abc-one.wav","https://files.example.com/two.mp3"],` +
		`"samples":[{"url":"https://files.example.com/three.wav","contentType":"audio/wav"}]}`
	rec := do(t, s.Handler(), http.MethodPost, "/v1/voices/ensure", "alice", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp ensureVoiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.VoiceID != "voice-1" || !resp.Created {
		t.Errorf("response = %+v", resp)
	}

	if len(v.reqs) != 1 {
		t.Fatalf("EnsureVoice calls = %d, want 1", len(v.reqs))
	}
	req := v.reqs[0]
	if req.UserID != "alice" || req.VoiceName != "Grandpa" || len(req.Samples) != 3 {
		t.Fatalf("request = %+v", req)
	}
	if req.Samples[0].URL != "https://files.example.com/three.wav" || req.Samples[0].ContentType != "audio/wav" {
		t.Errorf("structured sample = %+v", req.Samples[0])
	}

	// Object paths are turned into signed read URLs the provider can fetch.
	signed, err := url.Parse(req.Samples[1].URL)
	if err != nil {
		t.Fatalf("parse signed url: %v", err)
	}
	q := signed.Query()
	if q.Get("action") != string(objectstore.ActionRead) {
		t.Errorf("action = %q, want read", q.Get("action"))
	}
	if err := signer.Verify("samples/alice/abc-one.wav", objectstore.ActionRead, q.Get("expires"), q.Get("sig")); err != nil {
		t.Errorf("signed sample url does not verify: %v", err)
	}
	if req.Samples[2].URL != "https://files.example.com/two.mp3" {
		t.Errorf("absolute url rewritten: %q", req.Samples[2].URL)
	}
}

func TestEnsureVoice_RejectsForeignSample(t *testing.T) {
	t.Parallel()
	v := &fakeVoices{}
	s, _ := newTestServer(t, v, &fakeNarrator{})

	for _, ref := range []string{"samples/bob/x.wav", "ftp://files.example.com/x.wav", "samples/alice/../bob/x.wav"} {
		body := fmt.Sprintf(`{"voiceName":"V","sampleUrls":[%q]}`, ref)
		rec := do(t, s.Handler(), http.MethodPost, "/v1/voices/ensure", "alice", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", ref, rec.Code)
		}
	}
	if len(v.reqs) != 0 {
		t.Errorf("EnsureVoice called %d times for invalid samples", len(v.reqs))
	}
}

func TestEnsureVoice_BadBody(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, &fakeVoices{}, &fakeNarrator{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "empty", body: "", want: http.StatusBadRequest},
		{name: "not json", body: "voice please", want: http.StatusBadRequest},
		{name: "unknown field", body: `{"voiceName":"V","extra":1}`, want: http.StatusBadRequest},
		{name: "too large", body: `{"voiceName":"` + strings.Repeat("x", maxBodyBytes) + `"}`, want: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		rec := do(t, s.Handler(), http.MethodPost, "/v1/voices/ensure", "alice", tt.body)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
		if got := decodeError(t, rec).Code; got != codeInvalidArgument {
			t.Errorf("%s: code = %q", tt.name, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "voice validation",
			err:        fmt.Errorf("%w: %w", voiceclone.ErrInvalidRequest, errors.Join(errors.New("voice name is required"), errors.New("at least one sample is required"))),
			wantStatus: http.StatusBadRequest,
			wantCode:   codeInvalidArgument,
		},
		{name: "narration validation", err: fmt.Errorf("%w: text is required", narration.ErrInvalidRequest), wantStatus: http.StatusBadRequest, wantCode: codeInvalidArgument},
		{name: "quota", err: narration.ErrQuotaExceeded, wantStatus: http.StatusTooManyRequests, wantCode: codeQuotaExceeded},
		{name: "capacity", err: voiceclone.ErrCapacityExhausted, wantStatus: http.StatusServiceUnavailable, wantCode: codeCapacityExhausted},
		{name: "unavailable", err: fmt.Errorf("voiceclone: create clone: %w", voice.Unavailable("create clone", errors.New("dial tcp"))), wantStatus: http.StatusServiceUnavailable, wantCode: codeProviderUnavailable},
		{name: "rejected", err: &voice.Error{Op: "generate speech", Kind: voice.ErrProviderRejected, StatusCode: 404}, wantStatus: http.StatusUnprocessableEntity, wantCode: codeProviderRejected},
		{name: "sample fetch", err: &voice.Error{Op: "fetch sample", Kind: voice.ErrSampleFetchFailed}, wantStatus: http.StatusUnprocessableEntity, wantCode: codeSampleFetchFailed},
		{name: "unknown", err: errors.New("disk on fire"), wantStatus: http.StatusInternalServerError, wantCode: codeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestServer(t, &fakeVoices{err: tt.err}, &fakeNarrator{err: tt.err})
			for _, route := range []struct{ path, body string }{
				{"/v1/voices/ensure", `{"voiceName":"V","sampleUrls":["https://x.example.com/a.wav"]}`},
				{"/v1/narrations", `{"voiceId":"v","text":"Once upon a time"}`},
			} {
				rec := do(t, s.Handler(), http.MethodPost, route.path, "alice", route.body)
				if rec.Code != tt.wantStatus {
					t.Errorf("%s: status = %d, want %d", route.path, rec.Code, tt.wantStatus)
				}
				detail := decodeError(t, rec)
				if detail.Code != tt.wantCode {
					t.Errorf("%s: code = %q, want %q", route.path, detail.Code, tt.wantCode)
				}
				if detail.Message == "" {
					t.Errorf("%s: empty message", route.path)
				}
				if tt.wantCode == codeInternal && strings.Contains(detail.Message, "disk") {
					t.Errorf("%s: internal detail leaked: %q", route.path, detail.Message)
				}
			}
		})
	}
}

func TestErrorMapping_DistinctUserMessages(t *testing.T) {
	t.Parallel()
	_, _, quotaMsg := classify(narration.ErrQuotaExceeded)
	_, _, unavailableMsg := classify(voice.Unavailable("generate speech", context.DeadlineExceeded))
	if quotaMsg == unavailableMsg {
		t.Fatalf("quota and provider outage share a message: %q", quotaMsg)
	}
}

func TestValidationMessage(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("%w: %w", voiceclone.ErrInvalidRequest, errors.Join(errors.New("a"), errors.New("b")))
	if got := validationMessage(err); got != "a; b" {
		t.Errorf("validationMessage = %q, want %q", got, "a; b")
	}
}

// ---------------------------------------------------------------------------
// synthesize / quota
// ---------------------------------------------------------------------------

func TestSynthesize_Success(t *testing.T) {
	t.Parallel()
	n := &fakeNarrator{res: narration.SynthesizeResult{AudioURL: "https://cdn.example.com/objects/tts/a.mp3?sig=x", Cached: true}}
	s, _ := newTestServer(t, &fakeVoices{}, n)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/narrations", "alice", `{"voiceId":"voice-1","text":"Once upon a time"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp synthesizeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AudioURL != n.res.AudioURL || !resp.Cached {
		t.Errorf("response = %+v", resp)
	}
	want := narration.SynthesizeRequest{UserID: "alice", VoiceID: "voice-1", Text: "Once upon a time"}
	if len(n.reqs) != 1 || n.reqs[0] != want {
		t.Errorf("requests = %+v, want [%+v]", n.reqs, want)
	}
}

func TestQuota(t *testing.T) {
	t.Parallel()

	t.Run("never reset", func(t *testing.T) {
		t.Parallel()
		n := &fakeNarrator{usage: narration.Usage{TotalMinutesUsed: 12.5, MonthlyLimitMinutes: 100, RemainingMinutes: 87.5}}
		s, _ := newTestServer(t, &fakeVoices{}, n)
		rec := do(t, s.Handler(), http.MethodGet, "/v1/quota", "alice", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var raw map[string]any
		if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if raw["totalMinutesUsed"] != 12.5 || raw["monthlyLimitMinutes"] != 100.0 || raw["remainingMinutes"] != 87.5 {
			t.Errorf("body = %v", raw)
		}
		if raw["lastReset"] != nil {
			t.Errorf("lastReset = %v, want null", raw["lastReset"])
		}
	})

	t.Run("reset this month", func(t *testing.T) {
		t.Parallel()
		reset := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		n := &fakeNarrator{usage: narration.Usage{MonthlyLimitMinutes: 100, RemainingMinutes: 100, LastReset: reset}}
		s, _ := newTestServer(t, &fakeVoices{}, n)
		rec := do(t, s.Handler(), http.MethodGet, "/v1/quota", "alice", "")
		var resp quotaResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.LastReset == nil || !resp.LastReset.Equal(reset) {
			t.Errorf("lastReset = %v, want %v", resp.LastReset, reset)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		t.Parallel()
		s, _ := newTestServer(t, &fakeVoices{}, &fakeNarrator{usageErr: errors.New("db down")})
		rec := do(t, s.Handler(), http.MethodGet, "/v1/quota", "alice", "")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
	})
}

// ---------------------------------------------------------------------------
// uploads
// ---------------------------------------------------------------------------

func TestUpload_SignsWriteURL(t *testing.T) {
	t.Parallel()
	s, signer := newTestServer(t, &fakeVoices{}, &fakeNarrator{})

	rec := do(t, s.Handler(), http.MethodPost, "/v1/uploads", "alice", `{"fileName":"C:\\clips\\grandpa.wav","contentType":"audio/wav"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.Path, "samples/alice/") || !strings.HasSuffix(resp.Path, "-grandpa.wav") {
		t.Errorf("path = %q", resp.Path)
	}
	if want := testNow.Add(UploadURLTTL); !resp.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", resp.ExpiresAt, want)
	}
	u, err := url.Parse(resp.UploadURL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if err := signer.Verify(resp.Path, objectstore.ActionWrite, q.Get("expires"), q.Get("sig")); err != nil {
		t.Errorf("upload url does not verify: %v", err)
	}
}

func TestUpload_UploadThenEnsure(t *testing.T) {
	t.Parallel()
	v := &fakeVoices{res: voiceclone.EnsureResult{VoiceID: "voice-1", Created: true}}
	s, _ := newTestServer(t, v, &fakeNarrator{})

	rec := do(t, s.Handler(), http.MethodPost, "/v1/uploads", "alice", `{"fileName":"a.mp3","contentType":"audio/mpeg"}`)
	var up uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&up); err != nil {
		t.Fatalf("decode: %v", err)
	}

	body, _ := json.Marshal(ensureVoiceRequest{VoiceName: "A", SampleURLs: []string{up.Path}})
	rec = do(t, s.Handler(), http.MethodPost, "/v1/voices/ensure", "alice", string(bytes.TrimSpace(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("ensure status = %d, body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(v.reqs[0].Samples[0].URL, "action=read") {
		t.Errorf("sample url = %q, want signed read url", v.reqs[0].Samples[0].URL)
	}
}

func TestUpload_Validation(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, &fakeVoices{}, &fakeNarrator{})

	for _, body := range []string{
		`{"fileName":"","contentType":"audio/wav"}`,
		`{"fileName":"../","contentType":"audio/wav"}`,
		`{"fileName":"a.exe","contentType":"application/octet-stream"}`,
		`{"fileName":"` + strings.Repeat("a", maxFileNameLen+1) + `"}`,
	} {
		rec := do(t, s.Handler(), http.MethodPost, "/v1/uploads", "alice", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestSanitizeFileName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "clip.wav", want: "clip.wav"},
		{in: "  dir/sub/clip.wav ", want: "clip.wav"},
		{in: `C:\x\clip.wav`, want: "clip.wav"},
		{in: "dir/", wantErr: true},
		{in: "..", wantErr: true},
	}
	for _, tt := range tests {
		got, err := sanitizeFileName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("sanitizeFileName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("sanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
