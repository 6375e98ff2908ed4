package worker

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"sonaris/internal/eventbus"
	rtsup "sonaris/internal/runtime/supervisor"
	"sonaris/internal/task/action"
	logx "sonaris/pkg/logx"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrStopped        = errors.New("worker stopped")
)

type pending struct {
	req     Request
	ver     uint64
	timer   *time.Timer
	overdue bool
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	reg Resolver

	limiter *rate.Limiter

	running bool
	sup     *rtsup.Supervisor

	pending map[string]*pending
	ver     map[string]uint64

	inFlight int
	fired    uint64
	failed   uint64

	devices deviceGroups
}

func New(cfg Config, reg Resolver, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		log:     log.With(logx.String("comp", "worker")),
		bus:     bus,
		reg:     reg,
		pending: map[string]*pending{},
		ver:     map[string]uint64{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply hot-reloads timeout and catch-up settings. Requests already running keep
// the timeout they started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.DefaultTimeout < 0 {
		cfg.DefaultTimeout = 0
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = DefaultDeviceTimeout
	}
	if cfg.CatchUpBurst <= 0 {
		cfg.CatchUpBurst = 1
	}
	s.cfg = cfg
	if cfg.CatchUpRate <= 0 {
		s.limiter = nil
		return
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.CatchUpRate), cfg.CatchUpBurst)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.CatchUpRate))
	s.limiter.SetBurst(cfg.CatchUpBurst)
}

// Start arms every pending request. Fires run under a context detached from ctx;
// their lifetime is bounded by Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	s.running = true
	for _, p := range s.pending {
		s.armLocked(p)
	}
	s.log.Info("worker started", logx.Int("pending", len(s.pending)))
	return nil
}

// Stop disarms all timers (definitions are kept) and waits for in-flight fires.
// If ctx expires first, running handlers are canceled and ctx.Err() is returned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for _, p := range s.pending {
		if p.timer != nil {
			_ = p.timer.Stop()
			p.timer = nil
		}
	}
	sup := s.sup
	s.sup = nil
	inFlight := s.inFlight
	s.mu.Unlock()

	s.log.Info("worker stopping", logx.Int("in_flight", inFlight))
	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		sup.Cancel()
		s.log.Warn("worker stop timed out; canceling running actions", logx.Err(err))
		return err
	}
	return nil
}

// Schedule upserts the timer for req.JobID. A request whose At has passed fires
// immediately.
func (s *Service) Schedule(req Request) error {
	req.JobID = strings.TrimSpace(req.JobID)
	if req.JobID == "" {
		return errors.Wrap(ErrInvalidRequest, "job id required")
	}
	if strings.TrimSpace(req.Task) == "" {
		return errors.Wrap(ErrInvalidRequest, "task required")
	}
	if req.At.IsZero() {
		return errors.Wrap(ErrInvalidRequest, "at required")
	}
	req.Args = req.Args.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.pending[req.JobID]; ok && old.timer != nil {
		_ = old.timer.Stop()
	}
	// bump version to ignore stale callbacks from previously armed timers
	ver := s.ver[req.JobID] + 1
	s.ver[req.JobID] = ver
	p := &pending{req: req, ver: ver}
	s.pending[req.JobID] = p
	if s.running {
		s.armLocked(p)
	}
	return nil
}

// Cancel removes a pending request. It reports false when the request is
// unknown or has already started firing.
func (s *Service) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[jobID]
	if !ok {
		return false
	}
	if p.timer != nil {
		_ = p.timer.Stop()
	}
	delete(s.pending, jobID)
	delete(s.ver, jobID)
	return true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:  s.running,
		Pending:  len(s.pending),
		InFlight: s.inFlight,
		Fired:    s.fired,
		Failed:   s.failed,
	}
	for _, p := range s.pending {
		if snap.NextDue.IsZero() || p.req.At.Before(snap.NextDue) {
			snap.NextDue = p.req.At
		}
	}
	return snap
}

func (s *Service) armLocked(p *pending) {
	delay := time.Until(p.req.At)
	p.overdue = delay < 0
	if p.overdue {
		s.log.Warn("job overdue; firing now",
			logx.String("job_id", p.req.JobID),
			logx.String("task", p.req.Task),
			logx.Duration("late", -delay),
		)
		delay = 0
	}
	id, ver := p.req.JobID, p.ver
	p.timer = time.AfterFunc(delay, func() { s.onTimer(id, ver) })
}

func (s *Service) onTimer(id string, ver uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	// If the request was removed, replaced, or the worker stopped, ignore this callback.
	if !ok || p.ver != ver || !s.running || s.sup == nil {
		return
	}
	delete(s.pending, id)
	delete(s.ver, id)
	s.inFlight++
	req, overdue := p.req, p.overdue
	s.sup.Go0("job."+id, func(ctx context.Context) { s.fire(ctx, req, overdue) })
}

func (s *Service) fire(ctx context.Context, req Request, overdue bool) {
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	s.mu.Lock()
	limiter := s.limiter
	timeout := s.cfg.DefaultTimeout
	devTimeout := s.cfg.DeviceTimeout
	s.mu.Unlock()

	if overdue && limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			// Hard stop before the action started: keep the definition so a
			// later Start picks it up again.
			s.requeue(req)
			return
		}
	}

	// The action is resolved at fire time; a miss is reported as a failed
	// fire once OnStart accepts it.
	a, resolveErr := s.reg.Resolve(req.Task)
	var sem *deviceSemaphore
	if resolveErr == nil {
		sem = s.devices.get(a.Device)
		if err := sem.acquire(ctx); err != nil {
			s.requeue(req)
			return
		}
		if sem != nil && timeout <= 0 {
			timeout = devTimeout
		}
	}
	hold := &deviceHold{sem: sem}

	// OnStart runs only once the device is held, so a job queued behind a
	// busy instrument is still Scheduled and can be cancelled.
	if req.OnStart != nil && !req.OnStart(req.JobID) {
		hold.release()
		s.log.Debug("fire vetoed", logx.String("job_id", req.JobID), logx.String("task", req.Task))
		return
	}

	started := time.Now()
	eventbus.Publish(s.bus, eventbus.JobStarted, eventbus.JobEvent{ID: req.JobID, Task: req.Task, At: started})
	s.log.Debug("job.started", logx.String("job_id", req.JobID), logx.String("task", req.Task))

	err := resolveErr
	if err == nil {
		err = s.run(ctx, req, a, hold, timeout)
	}
	finished := time.Now()

	res := Result{JobID: req.JobID, Task: req.Task, Success: err == nil, Started: started, Finished: finished}
	ev := eventbus.JobEvent{ID: req.JobID, Task: req.Task, At: finished, Duration: finished.Sub(started)}

	s.mu.Lock()
	s.fired++
	if err != nil {
		s.failed++
	}
	s.mu.Unlock()

	if err != nil {
		res.Error = err.Error()
		ev.Error = res.Error
		s.log.Warn("job failed", logx.String("job_id", req.JobID), logx.String("task", req.Task), logx.Duration("took", ev.Duration), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.JobFailed, ev)
	} else {
		s.log.Info("job finished", logx.String("job_id", req.JobID), logx.String("task", req.Task), logx.Duration("took", ev.Duration))
		eventbus.Publish(s.bus, eventbus.JobFinished, ev)
	}

	if req.OnComplete != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("completion callback panicked", logx.String("job_id", req.JobID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			req.OnComplete(res)
		}()
	}
}

// run executes the handler while hold keeps its device. A fire that gives up
// (timeout or stop) frees the device for the next job; the abandoned handler
// goroutine is left to return on its own.
func (s *Service) run(ctx context.Context, req Request, a action.Action, hold *deviceHold, timeout time.Duration) error {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer hold.release()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("action panicked", logx.String("job_id", req.JobID), logx.String("task", req.Task), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- errors.Newf("panic: %v", r)
			}
		}()
		done <- a.Handler(runCtx, a.Shape.WithDefaults(req.Args))
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		hold.release()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			s.log.Warn("action abandoned; device released",
				logx.String("job_id", req.JobID),
				logx.String("task", req.Task),
				logx.String("device", a.Device),
				logx.Duration("timeout", timeout),
			)
			return errors.Newf("timed out after %s", timeout)
		}
		return errors.Wrap(ErrStopped, "action canceled")
	}
}

func (s *Service) requeue(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[req.JobID]; ok {
		return
	}
	ver := s.ver[req.JobID] + 1
	s.ver[req.JobID] = ver
	p := &pending{req: req, ver: ver}
	s.pending[req.JobID] = p
	if s.running {
		s.armLocked(p)
	}
}

// compile-time check that the registry satisfies Resolver.
var _ Resolver = (*action.Registry)(nil)
