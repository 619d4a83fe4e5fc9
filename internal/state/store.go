// Package state provides the persisted document store for shaded.
// Documents are stored as JSON blobs keyed by (kind, id) with version
// tracking, so every write is observable in the history of a document.
package state

import (
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store provides generic versioned state storage with JSON payloads.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore creates a new generic state store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves payload and version for a document.
// Returns empty payload and version 0 if not found.
func (s *Store) Get(kind, id string) (payload []byte, version int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payloadStr string
	err = s.db.QueryRow(`
		SELECT payload, version FROM resource_state
		WHERE kind = ? AND id = ?
	`, kind, id).Scan(&payloadStr, &version)

	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	return []byte(payloadStr), version, nil
}

// Set stores payload, incrementing version automatically.
// Creates new entry if not exists, updates if exists.
func (s *Store) Set(kind, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Unix()

	_, err := s.db.Exec(`
		INSERT INTO resource_state (kind, id, payload, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			payload = excluded.payload,
			version = version + 1,
			updated_at = excluded.updated_at
	`, kind, id, string(payload), now)

	if err == nil {
		log.Debug().
			Str("kind", kind).
			Str("id", id).
			Str("payload", string(payload)).
			Msg("Store.Set completed")
	}

	return err
}

// Delete removes a document.
func (s *Store) Delete(kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM resource_state WHERE kind = ? AND id = ?
	`, kind, id)

	return err
}

// Clear removes all documents of a kind. If kind is empty, clears everything.
func (s *Store) Clear(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if kind == "" {
		_, err = s.db.Exec(`DELETE FROM resource_state`)
	} else {
		_, err = s.db.Exec(`DELETE FROM resource_state WHERE kind = ?`, kind)
	}

	return err
}
