package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// SaveSession overwrites the persisted session record wholesale.
	SaveSession(s *Session) error

	// GetSession loads the persisted session record. Returns ErrNotFound
	// when no record exists or the stored record cannot be decoded; the
	// caller is expected to fall back to a full login either way.
	GetSession() (*Session, error)

	// DeleteSession removes the persisted session record.
	DeleteSession() error

	// Close the store
	Close() error
}
