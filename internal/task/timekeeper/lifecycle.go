package timekeeper

import (
	"context"
	"time"

	"sonaris/internal/eventbus"
	"sonaris/internal/storage"
	"sonaris/internal/task/worker"
	logx "sonaris/pkg/logx"
)

// onJobStart moves a Scheduled job to Firing. It vetoes the fire for jobs that
// were cancelled (or already finished) in the meantime.
func (s *Service) onJobStart(id string) bool {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.Status != StatusScheduled {
		s.mu.Unlock()
		return false
	}
	j.Status = StatusFiring
	s.jobs[id] = j
	jobsSnap, _ := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.store.SaveJobs(context.Background(), jobsSnap); err != nil {
		s.log.Error("persist firing state failed", logx.String("job_id", id), logx.Err(err))
	}
	return true
}

// onJobComplete is the worker's completion target. The job leaves the active
// set exactly once; duplicates are ignored.
func (s *Service) onJobComplete(res worker.Result) {
	finished := res.Finished
	if finished.IsZero() {
		finished = time.Now()
	}

	s.persistMu.Lock()
	s.mu.Lock()
	j, ok := s.jobs[res.JobID]
	if !ok {
		s.mu.Unlock()
		s.persistMu.Unlock()
		s.log.Warn("completion for unknown job ignored", logx.String("job_id", res.JobID))
		return
	}
	delete(s.jobs, res.JobID)
	e := ArchiveEntry{
		JobID:       res.JobID,
		Task:        j.Task,
		Result:      res.Success,
		ErrorDetail: res.Error,
		FinishedAt:  finished,
	}
	if !e.Result && e.ErrorDetail == "" {
		e.ErrorDetail = "failed"
	}
	s.archive[res.JobID] = e
	s.trimArchiveLocked()
	jobsSnap, archSnap := s.snapshotLocked()
	s.mu.Unlock()
	err := s.writeLocked(context.Background(), jobsSnap, archSnap, true)
	s.persistMu.Unlock()
	if err != nil {
		s.log.Error("persist completion failed", logx.String("job_id", res.JobID), logx.Err(err))
	}

	eventbus.Publish(s.bus, eventbus.JobCompleted, eventbus.JobEvent{
		ID:       e.JobID,
		Task:     e.Task,
		At:       e.FinishedAt,
		Duration: res.Finished.Sub(res.Started),
		Error:    e.ErrorDetail,
	})
	s.notify()
}

// trimArchiveLocked drops the oldest entries beyond ArchiveMax.
func (s *Service) trimArchiveLocked() {
	max := s.cfg.ArchiveMax
	if max <= 0 || len(s.archive) <= max {
		return
	}
	all := make([]ArchiveEntry, 0, len(s.archive))
	for _, e := range s.archive {
		all = append(all, e)
	}
	sortArchive(all)
	for _, e := range all[:len(all)-max] {
		delete(s.archive, e.JobID)
	}
}

func (s *Service) snapshotLocked() (map[string]storage.JobRecord, map[string]storage.ArchiveRecord) {
	jobs := make(map[string]storage.JobRecord, len(s.jobs))
	for id, j := range s.jobs {
		jobs[id] = jobToRecord(j)
	}
	arch := make(map[string]storage.ArchiveRecord, len(s.archive))
	for id, e := range s.archive {
		arch[id] = archiveToRecord(e)
	}
	return jobs, arch
}

// writeLocked persists both collections; caller holds persistMu.
func (s *Service) writeLocked(ctx context.Context, jobs map[string]storage.JobRecord, arch map[string]storage.ArchiveRecord, withArchive bool) error {
	if err := s.store.SaveJobs(ctx, jobs); err != nil {
		return err
	}
	if withArchive {
		return s.store.SaveArchive(ctx, arch)
	}
	return nil
}
