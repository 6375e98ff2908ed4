package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrClosed = errors.New("storage closed")

// Store is the persistence API used by the timekeeper.
type Store interface {
	LoadJobs(ctx context.Context) (map[string]JobRecord, error)
	SaveJobs(ctx context.Context, jobs map[string]JobRecord) error
	LoadArchive(ctx context.Context) (map[string]ArchiveRecord, error)
	SaveArchive(ctx context.Context, entries map[string]ArchiveRecord) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file": JSON files next to Path (default)
//   - "sqlite": SQLite database file (build tag "sqlite")
//   - "memory" or "none": nothing survives the process
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is the persisted form of an active job.
// Kwargs is decoded with json.Number so integer arguments stay integers.
type JobRecord struct {
	ID           string         `json:"id"`
	Task         string         `json:"task"`
	ScheduleTime time.Time      `json:"schedule_time"`
	Kwargs       map[string]any `json:"kwargs"`
	Status       string         `json:"status"`
}

// ArchiveRecord is the persisted outcome of a finished job.
type ArchiveRecord struct {
	Task        string    `json:"task"`
	Result      bool      `json:"result"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}
