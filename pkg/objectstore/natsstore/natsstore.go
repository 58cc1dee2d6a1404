// Package natsstore implements objectstore.Store on a NATS JetStream object
// store bucket.
package natsstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MrWong99/fablevoice/pkg/objectstore"
)

// metaContentType is the object metadata key holding the MIME type.
const metaContentType = "content-type"

// Store implements [objectstore.Store] using a JetStream object store bucket.
type Store struct {
	bucket string
	obs    jetstream.ObjectStore
}

var _ objectstore.Store = (*Store)(nil)

// New creates bucket on js, or binds to it when it already exists.
func New(ctx context.Context, js jetstream.JetStream, bucket string) (*Store, error) {
	obs, err := js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("fablevoice objects (%s)", bucket),
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("natsstore: create bucket %q: %w", bucket, err)
		}
		obs, err = js.ObjectStore(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("natsstore: bind bucket %q: %w", bucket, err)
		}
	}
	return &Store{bucket: bucket, obs: obs}, nil
}

// Connect dials the NATS server at url and opens bucket. The returned close
// function drains the connection.
func Connect(ctx context.Context, url, bucket string) (*Store, func(), error) {
	nc, err := nats.Connect(url, nats.Name("fablevoice"))
	if err != nil {
		return nil, nil, fmt.Errorf("natsstore: connect %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("natsstore: jetstream: %w", err)
	}
	s, err := New(ctx, js, bucket)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return s, func() { _ = nc.Drain() }, nil
}

// Put implements [objectstore.Store].
func (s *Store) Put(ctx context.Context, path string, data []byte, contentType string) error {
	meta := jetstream.ObjectMeta{Name: path}
	if contentType != "" {
		meta.Metadata = map[string]string{metaContentType: contentType}
	}
	if _, err := s.obs.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("natsstore: put %q into %q: %w", path, s.bucket, err)
	}
	return nil
}

// Get implements [objectstore.Store].
func (s *Store) Get(ctx context.Context, path string) ([]byte, string, error) {
	res, err := s.obs.Get(ctx, path)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, "", objectstore.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("natsstore: get %q from %q: %w", path, s.bucket, err)
	}

	data, readErr := io.ReadAll(res)
	closeErr := res.Close()
	if readErr != nil {
		return nil, "", fmt.Errorf("natsstore: read %q: %w", path, readErr)
	}
	if closeErr != nil {
		return nil, "", fmt.Errorf("natsstore: close %q: %w", path, closeErr)
	}

	var ct string
	if info, err := res.Info(); err == nil && info.Metadata != nil {
		ct = info.Metadata[metaContentType]
	}
	return data, ct, nil
}

// Delete implements [objectstore.Store]. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	err := s.obs.Delete(ctx, path)
	if err == nil || errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil
	}
	return fmt.Errorf("natsstore: delete %q from %q: %w", path, s.bucket, err)
}

// Ping reports whether the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.obs.Status(ctx); err != nil {
		return fmt.Errorf("natsstore: status %q: %w", s.bucket, err)
	}
	return nil
}
