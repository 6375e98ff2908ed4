//go:build sqlite
// +build sqlite

package storage

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "sonaris/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return errors.Wrap(err, "sqlite migrate")
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadJobs skips rows that fail to decode; they are logged and left in place
// until the next SaveJobs replaces the table.
func (s *sqliteStore) LoadJobs(ctx context.Context) (map[string]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task, schedule_time, kwargs, status FROM jobs`)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()

	out := map[string]JobRecord{}
	for rows.Next() {
		var (
			rec    JobRecord
			at     string
			kwargs string
		)
		if err := rows.Scan(&rec.ID, &rec.Task, &at, &kwargs, &rec.Status); err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			s.log.Warn("skipping job row with bad schedule_time", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		rec.ScheduleTime = t
		rec.Kwargs = map[string]any{}
		dec := json.NewDecoder(bytes.NewReader([]byte(kwargs)))
		dec.UseNumber()
		if err := dec.Decode(&rec.Kwargs); err != nil {
			s.log.Warn("skipping job row with bad kwargs", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		if rec.Kwargs == nil {
			rec.Kwargs = map[string]any{}
		}
		out[rec.ID] = rec
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

func (s *sqliteStore) SaveJobs(ctx context.Context, jobs map[string]JobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return errors.Wrap(err, "clear jobs")
	}
	for id, rec := range jobs {
		kw := rec.Kwargs
		if kw == nil {
			kw = map[string]any{}
		}
		b, err := json.Marshal(kw)
		if err != nil {
			return errors.Wrapf(err, "encode kwargs for %s", id)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs(id, task, schedule_time, kwargs, status) VALUES(?,?,?,?,?)`,
			id, rec.Task, rec.ScheduleTime.Format(time.RFC3339Nano), string(b), rec.Status,
		)
		if err != nil {
			return errors.Wrapf(err, "insert job %s", id)
		}
	}
	return errors.Wrap(tx.Commit(), "commit jobs")
}

func (s *sqliteStore) LoadArchive(ctx context.Context) (map[string]ArchiveRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task, result, error_detail, finished_at FROM archive`)
	if err != nil {
		return nil, errors.Wrap(err, "query archive")
	}
	defer rows.Close()

	out := map[string]ArchiveRecord{}
	for rows.Next() {
		var (
			id     string
			rec    ArchiveRecord
			detail sql.NullString
			at     string
		)
		if err := rows.Scan(&id, &rec.Task, &rec.Result, &detail, &at); err != nil {
			return nil, errors.Wrap(err, "scan archive")
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			s.log.Warn("skipping archive row with bad finished_at", logx.String("id", id), logx.Err(err))
			continue
		}
		rec.FinishedAt = t
		rec.ErrorDetail = detail.String
		out[id] = rec
	}
	return out, errors.Wrap(rows.Err(), "iterate archive")
}

func (s *sqliteStore) SaveArchive(ctx context.Context, entries map[string]ArchiveRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM archive`); err != nil {
		return errors.Wrap(err, "clear archive")
	}
	for id, rec := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO archive(id, task, result, error_detail, finished_at) VALUES(?,?,?,?,?)`,
			id, rec.Task, rec.Result, nullStr(rec.ErrorDetail), rec.FinishedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return errors.Wrapf(err, "insert archive %s", id)
		}
	}
	return errors.Wrap(tx.Commit(), "commit archive")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
