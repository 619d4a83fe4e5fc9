package state

import (
	"encoding/json"
	"fmt"
)

// TypedStore wraps Store with JSON marshaling for a specific document type.
type TypedStore[T any] struct {
	store *Store
	kind  string
}

// NewTypedStore creates a new typed store wrapper for the given kind.
func NewTypedStore[T any](store *Store, kind string) *TypedStore[T] {
	return &TypedStore[T]{
		store: store,
		kind:  kind,
	}
}

// Kind returns the document kind this store handles.
func (s *TypedStore[T]) Kind() string {
	return s.kind
}

// Get retrieves and unmarshals the document for an ID.
// found is false and value is the zero value if the document does not exist.
func (s *TypedStore[T]) Get(id string) (value T, found bool, err error) {
	payload, _, err := s.store.Get(s.kind, id)
	if err != nil {
		return value, false, err
	}

	if payload == nil {
		return value, false, nil
	}

	if err := json.Unmarshal(payload, &value); err != nil {
		return value, false, fmt.Errorf("failed to unmarshal %s/%s: %w", s.kind, id, err)
	}

	return value, true, nil
}

// Version returns the current version of a document, 0 if absent.
func (s *TypedStore[T]) Version(id string) (int64, error) {
	_, version, err := s.store.Get(s.kind, id)
	return version, err
}

// Set marshals and stores the document for an ID.
func (s *TypedStore[T]) Set(id string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", s.kind, id, err)
	}

	return s.store.Set(s.kind, id, payload)
}

// Delete removes the document for an ID.
func (s *TypedStore[T]) Delete(id string) error {
	return s.store.Delete(s.kind, id)
}

// Clear removes all documents of this kind.
func (s *TypedStore[T]) Clear() error {
	return s.store.Clear(s.kind)
}
