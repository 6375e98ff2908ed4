package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
)

var (
	// ErrLocked means another process holds the store lock.
	ErrLocked = errors.New("store is locked by another process")
	// ErrReadOnly is returned by saves on a store opened with ReadOnly.
	ErrReadOnly = errors.New("store is read-only")
)

// Lock is an exclusive inter-process lock on a store. Every save rewrites a
// whole collection, so only the lock holder may write.
type Lock struct {
	fl *flock.Flock
}

// LockPath returns the lock file guarding the store described by cfg, or ""
// for drivers that keep nothing on disk.
func LockPath(cfg Config) string {
	path := strings.TrimSpace(cfg.Path)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		if path == "" {
			return ""
		}
		base := filepath.Base(path)
		return filepath.Join(filepath.Dir(path), strings.TrimSuffix(base, filepath.Ext(base))+".lock")
	case "sqlite", "sqlite3":
		if path == "" {
			return ""
		}
		return path + ".lock"
	default:
		return ""
	}
}

// AcquireLock takes the store lock without waiting. It fails with ErrLocked
// while another process (or another Lock in this one) holds it.
func AcquireLock(cfg Config) (*Lock, error) {
	path := LockPath(cfg)
	if path == "" {
		return &Lock{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", path)
	}
	if !ok {
		return nil, errors.Wrapf(ErrLocked, "%s", path)
	}
	return &Lock{fl: fl}, nil
}

// Path is the lock file, empty for the no-op lock.
func (l *Lock) Path() string {
	if l == nil || l.fl == nil {
		return ""
	}
	return l.fl.Path()
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// ReadOnly wraps s so loads pass through and saves fail with ErrReadOnly.
func ReadOnly(s Store) Store {
	return readOnlyStore{Store: s}
}

type readOnlyStore struct {
	Store
}

func (readOnlyStore) SaveJobs(context.Context, map[string]JobRecord) error {
	return ErrReadOnly
}

func (readOnlyStore) SaveArchive(context.Context, map[string]ArchiveRecord) error {
	return ErrReadOnly
}
