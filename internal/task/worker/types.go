package worker

import (
	"time"

	"sonaris/internal/task/action"
)

// DefaultDeviceTimeout is the device hold bound used when none is configured.
const DefaultDeviceTimeout = time.Minute

// Config controls execution. Zero values disable the corresponding feature.
type Config struct {
	// DefaultTimeout bounds each handler run. 0 means no timeout.
	DefaultTimeout time.Duration

	// DeviceTimeout bounds how long an action holds its device when
	// DefaultTimeout is 0. When it expires the fire fails and the device is
	// released to the next job. 0 means DefaultDeviceTimeout.
	DeviceTimeout time.Duration

	// CatchUpRate limits how many overdue requests per second are started
	// (e.g. after a restart with a backlog). 0 disables limiting.
	CatchUpRate  float64
	CatchUpBurst int
}

// Resolver looks up the action a request names at fire time.
type Resolver interface {
	Resolve(name string) (action.Action, error)
}

// Request is one pending fire.
type Request struct {
	JobID string
	Task  string
	At    time.Time
	Args  action.Args

	// OnStart is called once the action holds its device, right before the
	// handler runs. Returning false vetoes the fire; OnComplete is then not
	// called.
	OnStart func(jobID string) bool

	// OnComplete receives the outcome of every fire that was not vetoed.
	OnComplete func(Result)
}

// Result is the outcome of one fire.
type Result struct {
	JobID    string
	Task     string
	Success  bool
	Error    string
	Started  time.Time
	Finished time.Time
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Running  bool      `json:"running"`
	Pending  int       `json:"pending"`
	InFlight int       `json:"in_flight"`
	Fired    uint64    `json:"fired"`
	Failed   uint64    `json:"failed"`
	NextDue  time.Time `json:"next_due,omitempty"`
}
