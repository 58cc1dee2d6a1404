// Package mock provides an in-memory objectstore.Store with failure injection
// and call recording for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/fablevoice/pkg/objectstore"
)

// Store is a mock implementation of objectstore.Store. The zero value is
// ready to use.
type Store struct {
	mu sync.Mutex

	// PutErr, if non-nil, is returned by Put and nothing is stored.
	PutErr error

	// GetErr, if non-nil, is returned by Get.
	GetErr error

	// DeleteErr, if non-nil, is returned by Delete and nothing is removed.
	DeleteErr error

	// PutCalls and DeleteCalls record the paths passed to Put and Delete.
	PutCalls    []string
	DeleteCalls []string

	objects map[string]object
}

type object struct {
	data        []byte
	contentType string
}

var _ objectstore.Store = (*Store)(nil)

// Put records the call and stores a copy of data.
func (s *Store) Put(_ context.Context, path string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutCalls = append(s.PutCalls, path)
	if s.PutErr != nil {
		return s.PutErr
	}
	if s.objects == nil {
		s.objects = make(map[string]object)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[path] = object{data: cp, contentType: contentType}
	return nil
}

// Get returns the stored object or objectstore.ErrNotFound.
func (s *Store) Get(_ context.Context, path string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, "", s.GetErr
	}
	obj, ok := s.objects[path]
	if !ok {
		return nil, "", objectstore.ErrNotFound
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}

// Delete records the call and removes the object.
func (s *Store) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls = append(s.DeleteCalls, path)
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	delete(s.objects, path)
	return nil
}

// Has reports whether an object exists at path.
func (s *Store) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[path]
	return ok
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// PutCount returns the number of Put calls.
func (s *Store) PutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.PutCalls)
}
