package objectstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrBadSignature is returned by [Signer.Verify] when the signature does
	// not match the request.
	ErrBadSignature = errors.New("objectstore: bad signature")

	// ErrExpired is returned by [Signer.Verify] when the URL has expired.
	ErrExpired = errors.New("objectstore: signed url expired")
)

// minSigningKeyBytes is the shortest HMAC key NewSigner accepts.
const minSigningKeyBytes = 16

// Signer issues and verifies HMAC-SHA256 signed object URLs of the form
//
//	{baseURL}/objects/{path}?action=read&expires=1767225600&sig=<hex>
type Signer struct {
	baseURL string
	key     []byte
	now     func() time.Time
}

// NewSigner returns a Signer for URLs rooted at baseURL.
func NewSigner(baseURL string, key []byte) (*Signer, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("objectstore: invalid public base url %q", baseURL)
	}
	if len(key) < minSigningKeyBytes {
		return nil, fmt.Errorf("objectstore: signing key must be at least %d bytes", minSigningKeyBytes)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{baseURL: strings.TrimRight(baseURL, "/"), key: k, now: time.Now}, nil
}

// URL returns a signed URL granting action on path until expiresAt.
func (s *Signer) URL(path string, action Action, expiresAt time.Time) (string, error) {
	if !action.Valid() {
		return "", fmt.Errorf("objectstore: unknown action %q", action)
	}
	exp := expiresAt.Unix()
	q := url.Values{}
	q.Set("action", string(action))
	q.Set("expires", strconv.FormatInt(exp, 10))
	q.Set("sig", s.sign(path, action, exp))
	return s.baseURL + "/objects/" + escapePath(path) + "?" + q.Encode(), nil
}

// Verify checks a signature presented for path. expires is the raw query
// value.
func (s *Signer) Verify(path string, action Action, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || !action.Valid() {
		return ErrBadSignature
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	got, _ := hex.DecodeString(s.sign(path, action, exp))
	if !hmac.Equal(want, got) {
		return ErrBadSignature
	}
	if !s.now().Before(time.Unix(exp, 0)) {
		return ErrExpired
	}
	return nil
}

func (s *Signer) sign(path string, action Action, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s\n%s\n%d", action, path, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// escapePath escapes each segment of path, keeping the separators.
func escapePath(path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}
