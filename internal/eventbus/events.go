package eventbus

import "time"

// Job lifecycle event types. job.started, job.finished and job.failed come
// from the worker; job.completed is published once the outcome is archived
// (JobEvent.Error is set when it failed).
const (
	JobScheduled = "job.scheduled"
	JobCancelled = "job.cancelled"
	JobStarted   = "job.started"
	JobFinished  = "job.finished"
	JobFailed    = "job.failed"
	JobCompleted = "job.completed"

	ArchiveCleared = "archive.cleared"
)

// JobEvent is the payload for job.* events.
type JobEvent struct {
	ID       string        `json:"id"`
	Task     string        `json:"task"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
