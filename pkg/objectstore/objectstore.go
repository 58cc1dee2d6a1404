// Package objectstore stores binary objects (voice samples and generated
// narration audio) and hands out time-limited signed URLs for them.
//
// A [Gateway] combines a byte-level [Store] backend with a [Signer]. Backends
// live in sub-packages (natsstore for JetStream object storage, mock for
// tests); [MemoryStore] is a process-local backend for development.
//
// Signed URLs are served by [Handler], which verifies the signature and expiry
// before reading (GET) or writing (PUT) the object.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by [Store.Get] when no object exists at the path.
	ErrNotFound = errors.New("objectstore: object not found")

	// ErrInvalidPath is returned for empty, absolute, or traversing paths.
	ErrInvalidPath = errors.New("objectstore: invalid path")
)

// Action is the operation a signed URL grants.
type Action string

const (
	// ActionRead permits GET on the object.
	ActionRead Action = "read"
	// ActionWrite permits PUT on the object.
	ActionWrite Action = "write"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return a == ActionRead || a == ActionWrite }

// Store is a byte-level object backend.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put writes data at path, replacing any existing object.
	Put(ctx context.Context, path string, data []byte, contentType string) error

	// Get returns the object at path and its content type. It returns
	// [ErrNotFound] when no object exists.
	Get(ctx context.Context, path string) ([]byte, string, error)

	// Delete removes the object at path. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, path string) error
}

// Gateway is the object store facade used by the rest of the service.
type Gateway struct {
	store  Store
	signer *Signer
}

// NewGateway returns a Gateway that persists through store and signs URLs
// with signer.
func NewGateway(store Store, signer *Signer) *Gateway {
	return &Gateway{store: store, signer: signer}
}

// Put validates path and writes data to the backing store.
func (g *Gateway) Put(ctx context.Context, path string, data []byte, contentType string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if err := g.store.Put(ctx, path, data, contentType); err != nil {
		return fmt.Errorf("objectstore: put %q: %w", path, err)
	}
	return nil
}

// Get reads the object at path.
func (g *Gateway) Get(ctx context.Context, path string) ([]byte, string, error) {
	if err := ValidatePath(path); err != nil {
		return nil, "", err
	}
	data, ct, err := g.store.Get(ctx, path)
	if err != nil {
		return nil, "", fmt.Errorf("objectstore: get %q: %w", path, err)
	}
	return data, ct, nil
}

// Delete removes the object at path. Missing objects are not an error.
func (g *Gateway) Delete(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if err := g.store.Delete(ctx, path); err != nil {
		return fmt.Errorf("objectstore: delete %q: %w", path, err)
	}
	return nil
}

// SignedURL returns a URL granting action on path until expiresAt.
func (g *Gateway) SignedURL(path string, action Action, expiresAt time.Time) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	return g.signer.URL(path, action, expiresAt)
}

// Signer returns the gateway's URL signer.
func (g *Gateway) Signer() *Signer { return g.signer }

// Store returns the gateway's backend.
func (g *Gateway) Store() Store { return g.store }

// ValidatePath rejects paths that are empty, absolute, contain empty or dot
// segments, or contain control characters.
func ValidatePath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}
