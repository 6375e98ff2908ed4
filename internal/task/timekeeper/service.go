package timekeeper

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"sonaris/internal/eventbus"
	"sonaris/internal/storage"
	"sonaris/internal/task/action"
	"sonaris/internal/task/validator"
	"sonaris/internal/task/worker"
	logx "sonaris/pkg/logx"
)

type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	shapes validator.ShapeSource
	wk     Scheduler

	// persistMu serializes every write path and is always taken before mu,
	// so snapshots reach the store in the order they were taken.
	persistMu sync.Mutex

	mu       sync.Mutex
	cfg      Config
	jobs     map[string]Job
	archive  map[string]ArchiveEntry
	callback func()
	started  bool
}

// New loads the active set and archive from store. Storage corruption has
// already been degraded to empty collections by the store; only I/O failures
// are returned here.
func New(cfg Config, store storage.Store, shapes validator.ShapeSource, wk Scheduler, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if store == nil {
		store = storage.NewMemory()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "timekeeper")),
		bus:     bus,
		store:   store,
		shapes:  shapes,
		wk:      wk,
		cfg:     normalizeConfig(cfg),
		jobs:    map[string]Job{},
		archive: map[string]ArchiveEntry{},
	}

	ctx := context.Background()
	recs, err := store.LoadJobs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}
	for id, r := range recs {
		s.jobs[id] = jobFromRecord(id, r)
	}
	arecs, err := store.LoadArchive(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load archive")
	}
	for id, r := range arecs {
		s.archive[id] = archiveFromRecord(id, r)
	}
	s.log.Info("state loaded", logx.Int("jobs", len(s.jobs)), logx.Int("archive", len(s.archive)))
	return s, nil
}

func normalizeConfig(cfg Config) Config {
	p := strings.ToLower(strings.TrimSpace(cfg.OverduePolicy))
	if p != OverdueDrop {
		p = OverdueFire
	}
	cfg.OverduePolicy = p
	return cfg
}

// Apply updates archive bound and overdue policy. A smaller ArchiveMax takes
// effect on the next completion.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = normalizeConfig(cfg)
	s.mu.Unlock()
}

// SetCallback registers a zero-argument notification invoked after add,
// cancel, complete and clear. nil removes it.
func (s *Service) SetCallback(fn func()) {
	s.mu.Lock()
	s.callback = fn
	s.mu.Unlock()
}

// Start hands every loaded job to the worker. Jobs whose time has passed fire
// immediately (or are dropped under OverdueDrop); jobs interrupted mid-fire by
// a crash are fired again.
func (s *Service) Start(ctx context.Context) error {
	s.persistMu.Lock()
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.persistMu.Unlock()
		return nil
	}
	s.started = true

	now := time.Now()
	policy := s.cfg.OverduePolicy
	var (
		arm      []Job
		dropped  []ArchiveEntry
		changed  bool
		rearmed  int
		refire   int
		overdueN int
	)
	for id, j := range s.jobs {
		if j.Status == StatusFiring {
			s.log.Warn("job was firing at shutdown; firing again", logx.String("job_id", id), logx.String("task", j.Task))
			j.Status = StatusScheduled
			s.jobs[id] = j
			changed = true
			refire++
		}
		if j.ScheduleTime.Before(now) {
			overdueN++
			if policy == OverdueDrop {
				delete(s.jobs, id)
				e := ArchiveEntry{JobID: id, Task: j.Task, Result: false, ErrorDetail: droppedDetail, FinishedAt: now}
				s.archive[id] = e
				dropped = append(dropped, e)
				changed = true
				continue
			}
		}
		arm = append(arm, j.clone())
	}
	if len(dropped) > 0 {
		s.trimArchiveLocked()
	}
	jobsSnap, archSnap := s.snapshotLocked()
	s.mu.Unlock()

	var perr error
	if changed {
		perr = s.writeLocked(ctx, jobsSnap, archSnap, len(dropped) > 0)
	}
	s.persistMu.Unlock()

	sort.Slice(arm, func(i, k int) bool { return arm[i].ScheduleTime.Before(arm[k].ScheduleTime) })
	for _, j := range arm {
		if err := s.wk.Schedule(s.request(j)); err != nil {
			s.log.Error("re-arm failed", logx.String("job_id", j.ID), logx.Err(err))
			continue
		}
		rearmed++
	}
	for _, e := range dropped {
		s.log.Warn("overdue job dropped", logx.String("job_id", e.JobID), logx.String("task", e.Task))
		eventbus.Publish(s.bus, eventbus.JobCompleted, eventbus.JobEvent{ID: e.JobID, Task: e.Task, At: e.FinishedAt, Error: e.ErrorDetail})
	}
	s.log.Info("timekeeper started",
		logx.Int("rearmed", rearmed),
		logx.Int("overdue", overdueN),
		logx.Int("refired", refire),
		logx.Int("dropped", len(dropped)),
		logx.String("overdue_policy", policy),
	)
	if len(dropped) > 0 {
		s.notify()
	}
	return perr
}

// AddJob validates kwargs against the action's declared shape and schedules a
// new job at at. On validation failure it returns *validator.ValidationError
// and nothing is persisted.
func (s *Service) AddJob(ctx context.Context, task string, at time.Time, kwargs map[string]any) (string, error) {
	task = strings.TrimSpace(task)
	if err := validator.Check(s.shapes, task, kwargs); err != nil {
		return "", err
	}
	if at.IsZero() {
		return "", errors.New("schedule time required")
	}

	j := Job{
		ID:           uuid.NewString(),
		Task:         task,
		ScheduleTime: at,
		Kwargs:       action.Args(kwargs).Clone(),
		Status:       StatusScheduled,
	}

	s.persistMu.Lock()
	s.mu.Lock()
	s.jobs[j.ID] = j
	jobsSnap, _ := s.snapshotLocked()
	s.mu.Unlock()
	err := s.store.SaveJobs(ctx, jobsSnap)
	if err != nil {
		s.mu.Lock()
		delete(s.jobs, j.ID)
		s.mu.Unlock()
	}
	s.persistMu.Unlock()
	if err != nil {
		return "", errors.Wrap(err, "persist jobs")
	}

	if err := s.wk.Schedule(s.request(j.clone())); err != nil {
		// persisted but not armed; it will be picked up on the next start
		s.log.Error("arm failed", logx.String("job_id", j.ID), logx.Err(err))
	}

	s.log.Info("job scheduled", logx.String("job_id", j.ID), logx.String("task", task), logx.Time("at", at))
	eventbus.Publish(s.bus, eventbus.JobScheduled, eventbus.JobEvent{ID: j.ID, Task: task, At: at})
	s.notify()
	return j.ID, nil
}

// AddJobIn schedules a job d from now.
func (s *Service) AddJobIn(ctx context.Context, task string, d time.Duration, kwargs map[string]any) (string, error) {
	if d < 0 {
		d = 0
	}
	return s.AddJob(ctx, task, time.Now().Add(d), kwargs)
}

// GetJobs returns a deep copy of the active set.
func (s *Service) GetJobs() map[string]Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Job, len(s.jobs))
	for id, j := range s.jobs {
		out[id] = j.clone()
	}
	return out
}

// CancelJob removes a Scheduled job. A job that already started firing returns
// ErrJobFiring and is left to complete normally. The store is written first;
// if that fails the job stays scheduled and the error is returned.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	s.persistMu.Lock()
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		s.persistMu.Unlock()
		return errors.Wrapf(ErrJobNotFound, "%s", id)
	}
	if j.Status != StatusScheduled {
		s.mu.Unlock()
		s.persistMu.Unlock()
		return errors.Wrapf(ErrJobFiring, "%s", id)
	}
	jobsSnap, _ := s.snapshotLocked()
	s.mu.Unlock()
	delete(jobsSnap, id)

	// A fire that is already due waits in onJobStart for persistMu and is
	// vetoed once the job is gone.
	if err := s.store.SaveJobs(ctx, jobsSnap); err != nil {
		s.persistMu.Unlock()
		return errors.Wrap(err, "persist jobs")
	}
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	_ = s.wk.Cancel(id)
	s.persistMu.Unlock()

	s.log.Info("job cancelled", logx.String("job_id", id), logx.String("task", j.Task))
	eventbus.Publish(s.bus, eventbus.JobCancelled, eventbus.JobEvent{ID: id, Task: j.Task, At: time.Now()})
	s.notify()
	return nil
}

// ClearArchive empties the archive on disk, then in memory. On a write error
// the archive is left as it was.
func (s *Service) ClearArchive(ctx context.Context) error {
	s.persistMu.Lock()
	if err := s.store.SaveArchive(ctx, map[string]storage.ArchiveRecord{}); err != nil {
		s.persistMu.Unlock()
		return errors.Wrap(err, "persist archive")
	}
	s.mu.Lock()
	n := len(s.archive)
	s.archive = map[string]ArchiveEntry{}
	s.mu.Unlock()
	s.persistMu.Unlock()

	s.log.Info("archive cleared", logx.Int("entries", n))
	eventbus.Publish(s.bus, eventbus.ArchiveCleared, nil)
	s.notify()
	return nil
}

func (s *Service) request(j Job) worker.Request {
	return worker.Request{
		JobID:      j.ID,
		Task:       j.Task,
		At:         j.ScheduleTime,
		Args:       j.Kwargs,
		OnStart:    s.onJobStart,
		OnComplete: s.onJobComplete,
	}
}

func (s *Service) notify() {
	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("refresh callback panicked", logx.Any("panic", r))
		}
	}()
	cb()
}

func sortArchive(out []ArchiveEntry) {
	sort.Slice(out, func(i, k int) bool {
		if !out[i].FinishedAt.Equal(out[k].FinishedAt) {
			return out[i].FinishedAt.Before(out[k].FinishedAt)
		}
		return out[i].JobID < out[k].JobID
	})
}
