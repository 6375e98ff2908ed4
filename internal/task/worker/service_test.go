package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonaris/internal/eventbus"
	"sonaris/internal/task/action"
	logx "sonaris/pkg/logx"
)

func newTestWorker(t *testing.T, cfg Config, actions ...action.Action) (*Service, *action.Registry) {
	t.Helper()
	reg := action.NewRegistry()
	for _, a := range actions {
		require.NoError(t, reg.Register(a))
	}
	w := New(cfg, reg, logx.Nop(), eventbus.New())
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return w, reg
}

func okAction(name, device string, fn func(context.Context, action.Args) error) action.Action {
	if fn == nil {
		fn = func(context.Context, action.Args) error { return nil }
	}
	return action.Action{Name: name, Device: device, Handler: fn}
}

// collector gathers completions.
type collector struct {
	mu  sync.Mutex
	got []Result
	ch  chan Result
}

func newCollector() *collector { return &collector{ch: make(chan Result, 16)} }

func (c *collector) done(r Result) {
	c.mu.Lock()
	c.got = append(c.got, r)
	c.mu.Unlock()
	c.ch <- r
}

func (c *collector) wait(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-c.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Result{}
	}
}

func (c *collector) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case r := <-c.ch:
		t.Fatalf("unexpected completion for %s", r.JobID)
	case <-time.After(d):
	}
}

func TestScheduleFiresAtDueTime(t *testing.T) {
	var got action.Args
	w, _ := newTestWorker(t, Config{}, okAction("toggle", "dg", func(_ context.Context, a action.Args) error {
		got = a
		return nil
	}))
	c := newCollector()

	at := time.Now().Add(50 * time.Millisecond)
	require.NoError(t, w.Schedule(Request{JobID: "j1", Task: "toggle", At: at, Args: action.Args{"channel": 1}, OnComplete: c.done}))

	r := c.wait(t)
	assert.True(t, r.Success)
	assert.Equal(t, "j1", r.JobID)
	assert.False(t, r.Started.Before(at), "fired early")
	assert.Equal(t, action.Args{"channel": 1}, got)
	assert.Equal(t, uint64(1), w.Snapshot().Fired)
}

func TestHandlerSeesDeclaredDefaults(t *testing.T) {
	got := make(chan action.Args, 1)
	a := okAction("sweep", "", func(_ context.Context, args action.Args) error {
		got <- args
		return nil
	})
	a.Shape = action.Shape{
		{Name: "time", Type: action.TypeFloat, Required: true},
		{Name: "rtime", Type: action.TypeFloat, Default: 0.25},
	}
	w, _ := newTestWorker(t, Config{}, a)
	c := newCollector()

	require.NoError(t, w.Schedule(Request{JobID: "j", Task: "sweep", At: time.Now(), Args: action.Args{"time": 2}, OnComplete: c.done}))
	assert.True(t, c.wait(t).Success)
	assert.Equal(t, action.Args{"time": 2, "rtime": 0.25}, <-got)
}

func TestOverdueFiresImmediately(t *testing.T) {
	w, _ := newTestWorker(t, Config{}, okAction("toggle", "", nil))
	c := newCollector()

	require.NoError(t, w.Schedule(Request{JobID: "late", Task: "toggle", At: time.Now().Add(-time.Hour), OnComplete: c.done}))
	start := time.Now()
	r := c.wait(t)
	assert.True(t, r.Success)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCancelPreventsFire(t *testing.T) {
	var calls atomic.Int32
	w, _ := newTestWorker(t, Config{}, okAction("toggle", "", func(context.Context, action.Args) error {
		calls.Add(1)
		return nil
	}))
	c := newCollector()

	require.NoError(t, w.Schedule(Request{JobID: "j", Task: "toggle", At: time.Now().Add(50 * time.Millisecond), OnComplete: c.done}))
	assert.True(t, w.Cancel("j"))
	assert.False(t, w.Cancel("j"))
	c.none(t, 150*time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestRescheduleReplacesTimer(t *testing.T) {
	w, _ := newTestWorker(t, Config{}, okAction("toggle", "", nil))
	c := newCollector()

	require.NoError(t, w.Schedule(Request{JobID: "j", Task: "toggle", At: time.Now().Add(30 * time.Millisecond), OnComplete: c.done}))
	require.NoError(t, w.Schedule(Request{JobID: "j", Task: "toggle", At: time.Now().Add(time.Hour), OnComplete: c.done}))
	c.none(t, 120*time.Millisecond)
	assert.Equal(t, 1, w.Snapshot().Pending)
}

func TestFailuresAreReported(t *testing.T) {
	w, _ := newTestWorker(t, Config{DefaultTimeout: 50 * time.Millisecond},
		okAction("fails", "", func(context.Context, action.Args) error { return errors.New("device busy") }),
		okAction("panics", "", func(context.Context, action.Args) error { panic("kaput") }),
		okAction("hangs", "", func(ctx context.Context, _ action.Args) error {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return nil
		}),
	)

	cases := map[string]string{
		"fails":   "device busy",
		"panics":  "panic: kaput",
		"hangs":   "timed out after 50ms",
		"missing": "unknown action",
	}
	for task, want := range cases {
		c := newCollector()
		require.NoError(t, w.Schedule(Request{JobID: task, Task: task, At: time.Now(), OnComplete: c.done}))
		r := c.wait(t)
		assert.False(t, r.Success, task)
		assert.Contains(t, r.Error, want, task)
	}
	assert.Equal(t, uint64(4), w.Snapshot().Failed)
}

func TestOnStartVeto(t *testing.T) {
	var calls atomic.Int32
	w, _ := newTestWorker(t, Config{}, okAction("toggle", "", func(context.Context, action.Args) error {
		calls.Add(1)
		return nil
	}))
	c := newCollector()

	require.NoError(t, w.Schedule(Request{
		JobID:      "j",
		Task:       "toggle",
		At:         time.Now(),
		OnStart:    func(string) bool { return false },
		OnComplete: c.done,
	}))
	c.none(t, 100*time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestHungActionDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	w, _ := newTestWorker(t, Config{},
		okAction("stuck", "scope", func(context.Context, action.Args) error { <-release; return nil }),
		okAction("quick", "generator", nil),
	)
	c := newCollector()

	require.NoError(t, w.Schedule(Request{JobID: "a", Task: "stuck", At: time.Now(), OnComplete: c.done}))
	require.NoError(t, w.Schedule(Request{JobID: "b", Task: "quick", At: time.Now().Add(20 * time.Millisecond), OnComplete: c.done}))

	r := c.wait(t)
	assert.Equal(t, "b", r.JobID)
	assert.True(t, r.Success)
}

func TestSameDeviceIsSerialized(t *testing.T) {
	var active, peak atomic.Int32
	handler := func(context.Context, action.Args) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	w, _ := newTestWorker(t, Config{},
		okAction("one", "dg4202", handler),
		okAction("two", "DG4202", handler),
	)
	c := newCollector()

	now := time.Now()
	require.NoError(t, w.Schedule(Request{JobID: "a", Task: "one", At: now, OnComplete: c.done}))
	require.NoError(t, w.Schedule(Request{JobID: "b", Task: "two", At: now, OnComplete: c.done}))
	c.wait(t)
	c.wait(t)
	assert.Equal(t, int32(1), peak.Load())
}

func TestOnStartWaitsForDevice(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()
	w, _ := newTestWorker(t, Config{},
		okAction("hold", "dg4202", func(context.Context, action.Args) error { <-release; return nil }),
		okAction("next", "dg4202", nil),
	)
	c := newCollector()

	var started sync.Map
	onStart := func(id string) bool { started.Store(id, true); return true }

	require.NoError(t, w.Schedule(Request{JobID: "a", Task: "hold", At: time.Now(), OnStart: onStart, OnComplete: c.done}))
	require.Eventually(t, func() bool { _, ok := started.Load("a"); return ok }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Schedule(Request{JobID: "b", Task: "next", At: time.Now(), OnStart: onStart, OnComplete: c.done}))

	c.none(t, 100*time.Millisecond)
	_, bStarted := started.Load("b")
	assert.False(t, bStarted, "queued job started before its device was free")
	assert.Equal(t, 2, w.Snapshot().InFlight)

	unblock()
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		r := c.wait(t)
		got[r.JobID] = r.Success
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)
}

func TestVetoWhileQueuedReleasesDevice(t *testing.T) {
	release := make(chan struct{})
	w, _ := newTestWorker(t, Config{},
		okAction("hold", "dg4202", func(context.Context, action.Args) error { <-release; return nil }),
		okAction("next", "dg4202", nil),
	)
	c := newCollector()

	require.NoError(t, w.Schedule(Request{JobID: "a", Task: "hold", At: time.Now(), OnComplete: c.done}))
	require.Eventually(t, func() bool { return w.Snapshot().InFlight == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Schedule(Request{JobID: "b", Task: "next", At: time.Now(), OnStart: func(string) bool { return false }, OnComplete: c.done}))
	require.NoError(t, w.Schedule(Request{JobID: "c", Task: "next", At: time.Now().Add(30 * time.Millisecond), OnComplete: c.done}))

	close(release)
	got := []string{c.wait(t).JobID, c.wait(t).JobID}
	assert.ElementsMatch(t, []string{"a", "c"}, got)
	c.none(t, 50*time.Millisecond)
}

func TestDeviceTimeoutReleasesDevice(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	w, _ := newTestWorker(t, Config{DeviceTimeout: 50 * time.Millisecond},
		okAction("stuck", "dg4202", func(context.Context, action.Args) error { <-release; return nil }),
		okAction("next", "DG4202", nil),
	)
	c := newCollector()

	require.NoError(t, w.Schedule(Request{JobID: "a", Task: "stuck", At: time.Now(), OnComplete: c.done}))
	require.NoError(t, w.Schedule(Request{JobID: "b", Task: "next", At: time.Now().Add(10 * time.Millisecond), OnComplete: c.done}))

	r := c.wait(t)
	assert.Equal(t, "a", r.JobID)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "timed out after 50ms")

	r = c.wait(t)
	assert.Equal(t, "b", r.JobID)
	assert.True(t, r.Success)
}

func TestStoppedWorkerKeepsRequests(t *testing.T) {
	reg := action.NewRegistry()
	require.NoError(t, reg.Register(okAction("toggle", "", nil)))
	w := New(Config{}, reg, logx.Nop(), nil)
	c := newCollector()

	require.NoError(t, w.Schedule(Request{JobID: "j", Task: "toggle", At: time.Now(), OnComplete: c.done}))
	c.none(t, 50*time.Millisecond)
	assert.Equal(t, 1, w.Snapshot().Pending)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop(context.Background()) }()
	assert.True(t, c.wait(t).Success)

	snap := w.Snapshot()
	assert.True(t, snap.Running)
	assert.Zero(t, snap.Pending)
}

func TestStopDisarmsAndStartRearms(t *testing.T) {
	w, _ := newTestWorker(t, Config{}, okAction("toggle", "", nil))
	c := newCollector()

	require.NoError(t, w.Schedule(Request{JobID: "j", Task: "toggle", At: time.Now().Add(60 * time.Millisecond), OnComplete: c.done}))
	require.NoError(t, w.Stop(context.Background()))
	c.none(t, 120*time.Millisecond)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, c.wait(t).Success)
}

func TestCatchUpLimiter(t *testing.T) {
	w, _ := newTestWorker(t, Config{CatchUpRate: 20, CatchUpBurst: 1}, okAction("toggle", "", nil))
	c := newCollector()

	start := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, w.Schedule(Request{JobID: id, Task: "toggle", At: start.Add(-time.Minute), OnComplete: c.done}))
	}
	for i := 0; i < 3; i++ {
		c.wait(t)
	}
	// burst 1 at 20/s: the third start waits at least ~100ms
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestScheduleRejectsIncompleteRequests(t *testing.T) {
	w := New(Config{}, action.NewRegistry(), logx.Nop(), nil)
	assert.ErrorIs(t, w.Schedule(Request{Task: "x", At: time.Now()}), ErrInvalidRequest)
	assert.ErrorIs(t, w.Schedule(Request{JobID: "j", At: time.Now()}), ErrInvalidRequest)
	assert.ErrorIs(t, w.Schedule(Request{JobID: "j", Task: "x"}), ErrInvalidRequest)
}

func TestEventsPublished(t *testing.T) {
	reg := action.NewRegistry()
	require.NoError(t, reg.Register(okAction("toggle", "", nil)))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	w := New(Config{}, reg, logx.Nop(), bus)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop(context.Background()) }()
	c := newCollector()
	require.NoError(t, w.Schedule(Request{JobID: "j", Task: "toggle", At: time.Now(), OnComplete: c.done}))
	c.wait(t)

	assert.Equal(t, eventbus.JobStarted, (<-events).Type)
	e := <-events
	assert.Equal(t, eventbus.JobFinished, e.Type)
	assert.Equal(t, "j", e.Data.(eventbus.JobEvent).ID)
}
