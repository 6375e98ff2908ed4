package timekeeper

import (
	"time"

	"github.com/cockroachdb/errors"

	"sonaris/internal/task/action"
	"sonaris/internal/task/worker"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFiring means the cancel arrived after the job started; it will
	// complete and be archived normally.
	ErrJobFiring = errors.New("job already firing")
)

type Status string

const (
	StatusScheduled Status = "Scheduled"
	StatusFiring    Status = "Firing"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Overdue policies applied at Start to jobs whose time passed while the process was down.
const (
	OverdueFire = "fire"
	OverdueDrop = "drop"
)

const droppedDetail = "dropped: overdue at startup"

type Config struct {
	// ArchiveMax bounds the archive; oldest entries go first. <= 0 keeps everything.
	ArchiveMax int
	// OverduePolicy is OverdueFire (default) or OverdueDrop.
	OverduePolicy string
}

// Job is an active scheduled job.
type Job struct {
	ID           string      `json:"id"`
	Task         string      `json:"task"`
	ScheduleTime time.Time   `json:"schedule_time"`
	Kwargs       action.Args `json:"kwargs"`
	Status       Status      `json:"status"`
}

func (j Job) clone() Job {
	j.Kwargs = j.Kwargs.Clone()
	return j
}

// ArchiveEntry is the terminal record of a finished job.
type ArchiveEntry struct {
	JobID       string    `json:"job_id"`
	Task        string    `json:"task"`
	Result      bool      `json:"result"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Scheduler is the worker surface the timekeeper drives.
type Scheduler interface {
	Schedule(req worker.Request) error
	Cancel(jobID string) bool
}
