package storage

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu      sync.Mutex
	jobs    map[string]JobRecord
	archive map[string]ArchiveRecord
	closed  bool
}

// NewMemory returns a Store that keeps everything in process memory.
func NewMemory() Store {
	return &memoryStore{jobs: map[string]JobRecord{}, archive: map[string]ArchiveRecord{}}
}

func (s *memoryStore) LoadJobs(context.Context) (map[string]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobRecord, len(s.jobs))
	for k, v := range s.jobs {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) SaveJobs(_ context.Context, jobs map[string]JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.jobs = make(map[string]JobRecord, len(jobs))
	for k, v := range jobs {
		s.jobs[k] = v
	}
	return nil
}

func (s *memoryStore) LoadArchive(context.Context) (map[string]ArchiveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ArchiveRecord, len(s.archive))
	for k, v := range s.archive {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) SaveArchive(_ context.Context, entries map[string]ArchiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.archive = make(map[string]ArchiveRecord, len(entries))
	for k, v := range entries {
		s.archive[k] = v
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
