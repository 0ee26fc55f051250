package objstore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("objstore: not found")
	// ErrVersionConflict is returned by PutIfVersion when the stored version
	// no longer matches the caller's.
	ErrVersionConflict = errors.New("objstore: version conflict")
	// ErrUnavailable marks backend failures (network, disk, closed handle).
	ErrUnavailable = errors.New("objstore: unavailable")
)

// Unavailable wraps err and marks it as ErrUnavailable so callers can abort
// a pass with errors.Is(err, ErrUnavailable) while keeping the cause.
func Unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrUnavailable)
}

// Object is a stored value plus its backend version token.
type Object struct {
	Key     string
	Data    []byte
	Version string
	Updated time.Time
}

// Store is a flat key/value object store addressed by slash-separated keys.
// It has no transactions and no locks.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (Object, error)
	// List returns keys starting with prefix in lexical order. limit <= 0
	// means no limit.
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Versioned is implemented by backends that can do conditional writes.
//
// PutIfVersion writes only when the stored version equals version; an empty
// version means the key must not exist yet. It returns the new version, or
// ErrVersionConflict.
type Versioned interface {
	Store
	PutIfVersion(ctx context.Context, key string, data []byte, version string) (string, error)
}

// AsVersioned reports whether s supports conditional writes.
func AsVersioned(s Store) (Versioned, bool) {
	v, ok := s.(Versioned)
	return v, ok
}

// Config selects and configures a backend. See config.StorageConfig.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration

	URI        string
	Database   string
	Collection string

	Bucket       string
	Region       string
	Endpoint     string
	Prefix       string
	UsePathStyle bool
}

func validKey(key string) error {
	if key == "" {
		return errors.New("objstore: empty key")
	}
	return nil
}
