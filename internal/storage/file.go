package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	logx "sonaris/pkg/logx"
)

// fileStore keeps each collection in its own JSON document.
//
// Files:
//   - <prefix>.jobs.json    (active jobs keyed by id)
//   - <prefix>.archive.json (finished jobs keyed by id)
//
// Every save rewrites the whole document through a temp file + rename.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool

	jobsPath    string
	archivePath string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	return &fileStore{
		log:         log,
		jobsPath:    prefix + ".jobs.json",
		archivePath: prefix + ".archive.json",
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) LoadJobs(ctx context.Context) (map[string]JobRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]JobRecord{}
	if err := s.loadLocked(s.jobsPath, &out); err != nil {
		return nil, err
	}
	for id, rec := range out {
		if rec.ID == "" {
			rec.ID = id
		}
		if rec.Kwargs == nil {
			rec.Kwargs = map[string]any{}
		}
		out[id] = rec
	}
	return out, nil
}

func (s *fileStore) SaveJobs(ctx context.Context, jobs map[string]JobRecord) error {
	_ = ctx
	if jobs == nil {
		jobs = map[string]JobRecord{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(s.jobsPath, jobs)
}

func (s *fileStore) LoadArchive(ctx context.Context) (map[string]ArchiveRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]ArchiveRecord{}
	if err := s.loadLocked(s.archivePath, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) SaveArchive(ctx context.Context, entries map[string]ArchiveRecord) error {
	_ = ctx
	if entries == nil {
		entries = map[string]ArchiveRecord{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(s.archivePath, entries)
}

// loadLocked decodes path into out. A missing or empty file leaves out untouched.
// Malformed content is moved to a numbered backup and out is reset to empty;
// only I/O errors are returned.
func (s *fileStore) loadLocked(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "read %s", path)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	derr := dec.Decode(out)
	if derr == nil {
		// reject trailing tokens (e.g. two documents glued by a torn write)
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			derr = errors.New("trailing data after document")
		}
	}
	if derr == nil {
		return nil
	}

	backup, berr := moveToBackup(path)
	if berr != nil {
		s.log.Error("corrupt store file; backup failed", logx.String("path", path), logx.Err(berr), logx.Any("decode_err", derr.Error()))
	} else {
		s.log.Warn("corrupt store file; starting empty", logx.String("path", path), logx.String("backup", backup), logx.Any("decode_err", derr.Error()))
	}
	resetEmpty(out)
	return nil
}

func (s *fileStore) writeLocked(path string, v any) error {
	if s.closed {
		return ErrClosed
	}
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encode store file")
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrapf(err, "open %s", tmp)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "replace %s", path)
	}
	return nil
}

// moveToBackup renames path to the first free <path>.bak_<n>.
func moveToBackup(path string) (string, error) {
	for n := 1; ; n++ {
		candidate := path + ".bak_" + strconv.Itoa(n)
		_, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			return candidate, os.Rename(path, candidate)
		}
		if err != nil {
			return "", err
		}
	}
}

func resetEmpty(out any) {
	switch m := out.(type) {
	case *map[string]JobRecord:
		*m = map[string]JobRecord{}
	case *map[string]ArchiveRecord:
		*m = map[string]ArchiveRecord{}
	}
}
