// Package narration turns story text into narrated audio in a user's cloned
// voice, under a shared monthly quota.
//
// Generated audio is cached by (user, voice, text hash): a repeated request
// returns the stored URL without spending quota or calling the provider. A
// cache miss is charged an estimated duration derived from the text length
// and is refused when it would push the monthly total past the ceiling.
//
// The [Ledger] owns both the audio cache and the quota record and performs
// the quota check, audio insert, and debit in one atomic commit.
package narration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Defaults.
const (
	// DefaultMonthlyLimitMinutes is the shared quota ceiling per month.
	DefaultMonthlyLimitMinutes = 100.0

	// DefaultCharsPerFiveMinutes is the calibration for duration estimates:
	// this many characters narrate in about five minutes.
	DefaultCharsPerFiveMinutes = 1500
)

var (
	// ErrInvalidRequest is returned when a SynthesizeRequest fails validation.
	ErrInvalidRequest = errors.New("narration: invalid request")

	// ErrQuotaExceeded is returned when a narration would exceed the monthly
	// quota.
	ErrQuotaExceeded = errors.New("narration: monthly quota exceeded")
)

// CacheKey identifies a narration. Two requests with equal keys share audio.
type CacheKey struct {
	UserID   string
	VoiceID  string
	TextHash string
}

// NewCacheKey derives the key for text narrated by voiceID for userID.
func NewCacheKey(userID, voiceID, text string) CacheKey {
	return CacheKey{UserID: userID, VoiceID: voiceID, TextHash: TextHash(text, voiceID)}
}

// String returns a stable representation, also used as an object name stem.
func (k CacheKey) String() string {
	return k.UserID + "/" + k.VoiceID + "/" + k.TextHash
}

// TextHash returns the hex SHA-256 of text followed by voiceID.
func TextHash(text, voiceID string) string {
	sum := sha256.Sum256([]byte(text + voiceID))
	return hex.EncodeToString(sum[:])
}

// EstimateMinutes estimates how long text takes to narrate, assuming
// charsPerFiveMinutes characters take five minutes. Characters are counted as
// Unicode code points.
func EstimateMinutes(text string, charsPerFiveMinutes int) float64 {
	if charsPerFiveMinutes <= 0 {
		charsPerFiveMinutes = DefaultCharsPerFiveMinutes
	}
	perMinute := float64(charsPerFiveMinutes) / 5
	return float64(utf8.RuneCountInString(text)) / perMinute
}

// Audio is a cached narration record. Records are immutable once committed.
type Audio struct {
	ID              string
	Key             CacheKey
	StoragePath     string
	URL             string
	DurationSeconds float64
	CreatedAt       time.Time
}

// Quota is the shared monthly usage record.
type Quota struct {
	TotalMinutesUsed float64
	LastReset        time.Time
}

// Ledger persists narration audio and the quota record.
//
// Implementations must be safe for concurrent use; Commit must be atomic also
// across processes sharing the backing store.
type Ledger interface {
	// LookupAudio returns the audio cached under key, or nil on a miss.
	LookupAudio(ctx context.Context, key CacheKey) (*Audio, error)

	// Quota returns the current usage. A missing record reads as zero usage
	// with a zero LastReset.
	Quota(ctx context.Context) (Quota, error)

	// Commit records a and adds minutes to the quota, provided the total
	// stays within ceiling; otherwise it returns [ErrQuotaExceeded] and
	// changes nothing. If audio already exists for a.Key, Commit returns the
	// existing record, debits nothing, and reports debited=false.
	Commit(ctx context.Context, a Audio, minutes, ceiling float64) (stored Audio, debited bool, err error)

	// ResetQuota sets usage to zero and the last reset time to at.
	ResetQuota(ctx context.Context, at time.Time) error
}

// SynthesizeRequest asks for narration of Text in voice VoiceID for UserID.
type SynthesizeRequest struct {
	UserID  string
	VoiceID string
	Text    string
}

// Validate checks the request at the service boundary.
func (r SynthesizeRequest) Validate(maxChars int) error {
	var errs []error
	if strings.TrimSpace(r.UserID) == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if strings.TrimSpace(r.VoiceID) == "" {
		errs = append(errs, errors.New("voice id is required"))
	}
	switch n := utf8.RuneCountInString(r.Text); {
	case strings.TrimSpace(r.Text) == "":
		errs = append(errs, errors.New("text is required"))
	case maxChars > 0 && n > maxChars:
		errs = append(errs, fmt.Errorf("text exceeds %d characters", maxChars))
	}
	if !utf8.ValidString(r.Text) {
		errs = append(errs, errors.New("text is not valid UTF-8"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}

// SynthesizeResult is the outcome of [Narrator.Synthesize].
type SynthesizeResult struct {
	AudioURL string

	// Cached reports whether the audio came from the cache.
	Cached bool

	// Minutes is the quota charged by this call (zero on cache hits).
	Minutes float64
}

// Usage is a quota snapshot for display.
type Usage struct {
	TotalMinutesUsed    float64
	MonthlyLimitMinutes float64
	RemainingMinutes    float64
	LastReset           time.Time
}
