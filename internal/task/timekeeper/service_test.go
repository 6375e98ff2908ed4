package timekeeper

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonaris/internal/eventbus"
	"sonaris/internal/storage"
	"sonaris/internal/task/action"
	"sonaris/internal/task/validator"
	"sonaris/internal/task/worker"
	logx "sonaris/pkg/logx"
)

type fixture struct {
	reg   *action.Registry
	wk    *worker.Service
	tk    *Service
	store storage.Store

	toggled atomic.Int32
	release chan struct{}
}

func testRegistry(t *testing.T, f *fixture) *action.Registry {
	t.Helper()
	reg := action.NewRegistry()
	require.NoError(t, reg.Register(action.Action{
		Name:   "toggle",
		Device: "dg4202",
		Shape: action.Shape{
			{Name: "channel", Type: action.TypeInt, Required: true, Constraint: action.OneOf{Values: []any{1, 2}}},
			{Name: "state", Type: action.TypeBool, Required: true},
		},
		Handler: func(context.Context, action.Args) error {
			f.toggled.Add(1)
			return nil
		},
	}))
	require.NoError(t, reg.Register(action.Action{
		Name:    "explode",
		Handler: func(context.Context, action.Args) error { return errors.New("instrument not connected") },
	}))
	require.NoError(t, reg.Register(action.Action{
		Name:   "hold",
		Device: "dg4202",
		Handler: func(ctx context.Context, _ action.Args) error {
			select {
			case <-f.release:
			case <-ctx.Done():
			}
			return nil
		},
	}))
	require.NoError(t, reg.Register(action.Action{
		Name:    "level",
		Shape:   action.Shape{{Name: "amplitude", Type: action.TypeFloat, Required: true}},
		Handler: func(context.Context, action.Args) error { return nil },
	}))
	require.NoError(t, reg.Register(action.Action{
		Name: "block",
		Handler: func(ctx context.Context, _ action.Args) error {
			select {
			case <-f.release:
			case <-ctx.Done():
			}
			return nil
		},
	}))
	return reg
}

// newFixture wires a started worker and timekeeper over store.
func newFixture(t *testing.T, store storage.Store, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: store, release: make(chan struct{})}
	f.reg = testRegistry(t, f)
	bus := eventbus.New()
	f.wk = worker.New(worker.Config{}, f.reg, logx.Nop(), bus)

	tk, err := New(cfg, store, f.reg, f.wk, logx.Nop(), bus)
	require.NoError(t, err)
	f.tk = tk
	require.NoError(t, tk.Start(context.Background()))
	require.NoError(t, f.wk.Start(context.Background()))

	t.Cleanup(func() {
		select {
		case <-f.release:
		default:
			close(f.release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.wk.Stop(ctx)
	})
	return f
}

func fileStore(t *testing.T, dir string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "sonaris.db")}, logx.Nop())
	require.NoError(t, err)
	return st
}

func archiveFor(tk *Service, id string) (ArchiveEntry, bool) {
	for _, e := range tk.Archive() {
		if e.JobID == id {
			return e, true
		}
	}
	return ArchiveEntry{}, false
}

func waitArchived(t *testing.T, tk *Service, id string) ArchiveEntry {
	t.Helper()
	var e ArchiveEntry
	require.Eventually(t, func() bool {
		var ok bool
		e, ok = archiveFor(tk, id)
		return ok
	}, 3*time.Second, 10*time.Millisecond, "job %s never archived", id)
	return e
}

func TestAddJobThenGetJobs(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), Config{})
	kwargs := map[string]any{"channel": 2, "state": false}

	id, err := f.tk.AddJob(context.Background(), "toggle", time.Now().Add(time.Hour), kwargs)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	jobs := f.tk.GetJobs()
	require.Len(t, jobs, 1)
	j := jobs[id]
	assert.Equal(t, StatusScheduled, j.Status)
	assert.Equal(t, "toggle", j.Task)
	assert.Equal(t, action.Args{"channel": 2, "state": false}, j.Kwargs)

	// snapshots are copies
	j.Kwargs["channel"] = 1
	assert.Equal(t, 2, f.tk.GetJobs()[id].Kwargs["channel"])
	kwargs["channel"] = 1
	assert.Equal(t, 2, f.tk.GetJobs()[id].Kwargs["channel"])
}

func TestToggleFiresAndArchives(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), Config{})
	start := time.Now()

	id, err := f.tk.AddJob(context.Background(), "toggle", start.Add(time.Second), map[string]any{"channel": 1, "state": true})
	require.NoError(t, err)

	e := waitArchived(t, f.tk, id)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.NotContains(t, f.tk.GetJobs(), id)
	assert.True(t, e.Result)
	assert.Empty(t, e.ErrorDetail)
	assert.Equal(t, "toggle", e.Task)
	assert.Equal(t, int32(1), f.toggled.Load())
}

func TestInvalidJobIsRejected(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), Config{})

	_, err := f.tk.AddJob(context.Background(), "toggle", time.Now(), map[string]any{"channel": 3, "state": true})
	require.Error(t, err)
	assert.ErrorIs(t, err, validator.ErrValidation)

	var verr *validator.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Messages, 1)
	assert.Contains(t, verr.Messages[0], "channel")
	assert.Contains(t, verr.Messages[0], "not in allowed set")

	assert.Empty(t, f.tk.GetJobs())
	jobs, err := f.store.LoadJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPastJobCatchesUp(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), Config{})

	id, err := f.tk.AddJob(context.Background(), "toggle", time.Now().Add(-time.Minute), map[string]any{"channel": 1, "state": true})
	require.NoError(t, err)

	e := waitArchived(t, f.tk, id)
	assert.True(t, e.Result)
	assert.Empty(t, f.tk.GetJobs())
}

func TestCancelScheduledJob(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), Config{})

	id, err := f.tk.AddJobIn(context.Background(), "toggle", 100*time.Millisecond, map[string]any{"channel": 1, "state": true})
	require.NoError(t, err)
	require.NoError(t, f.tk.CancelJob(context.Background(), id))
	assert.Empty(t, f.tk.GetJobs())

	time.Sleep(250 * time.Millisecond)
	_, archived := archiveFor(f.tk, id)
	assert.False(t, archived)
	assert.Zero(t, f.toggled.Load())

	assert.ErrorIs(t, f.tk.CancelJob(context.Background(), id), ErrJobNotFound)
}

func TestCancelWhileFiringCompletesNormally(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), Config{})

	id, err := f.tk.AddJob(context.Background(), "block", time.Now(), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.tk.GetJobs()[id].Status == StatusFiring
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, f.tk.CancelJob(context.Background(), id), ErrJobFiring)
	close(f.release)

	e := waitArchived(t, f.tk, id)
	assert.True(t, e.Result)
}

func TestCancelJobQueuedBehindDevice(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), Config{})
	ctx := context.Background()

	busy, err := f.tk.AddJob(ctx, "hold", time.Now(), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.tk.GetJobs()[busy].Status == StatusFiring
	}, 2*time.Second, 5*time.Millisecond)

	queued, err := f.tk.AddJob(ctx, "toggle", time.Now(), map[string]any{"channel": 1, "state": true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.wk.Snapshot().InFlight == 2 }, 2*time.Second, 5*time.Millisecond)

	// due, but waiting for dg4202: still Scheduled and cancellable
	assert.Equal(t, StatusScheduled, f.tk.GetJobs()[queued].Status)
	require.NoError(t, f.tk.CancelJob(ctx, queued))

	close(f.release)
	waitArchived(t, f.tk, busy)
	require.Eventually(t, func() bool { return f.wk.Snapshot().InFlight == 0 }, 2*time.Second, 5*time.Millisecond)
	_, archived := archiveFor(f.tk, queued)
	assert.False(t, archived)
	assert.Zero(t, f.toggled.Load())
	assert.Empty(t, f.tk.GetJobs())
}

func TestNonFiniteFloatIsAValidationError(t *testing.T) {
	f := newFixture(t, fileStore(t, t.TempDir()), Config{})

	for _, v := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		_, err := f.tk.AddJob(context.Background(), "level", time.Now().Add(time.Hour), map[string]any{"amplitude": v})
		require.Error(t, err)
		assert.ErrorIs(t, err, validator.ErrValidation)
	}
	assert.Empty(t, f.tk.GetJobs())
}

func TestFailingJobDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), Config{})
	ctx := context.Background()

	bad, err := f.tk.AddJob(ctx, "explode", time.Now(), map[string]any{})
	require.NoError(t, err)
	good, err := f.tk.AddJob(ctx, "toggle", time.Now().Add(150*time.Millisecond), map[string]any{"channel": 1, "state": false})
	require.NoError(t, err)

	e := waitArchived(t, f.tk, bad)
	assert.False(t, e.Result)
	assert.Contains(t, e.ErrorDetail, "instrument not connected")

	e = waitArchived(t, f.tk, good)
	assert.True(t, e.Result)
}

func TestUnknownActionAtFireTimeFails(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), Config{})

	id, err := f.tk.AddJob(context.Background(), "toggle", time.Now().Add(100*time.Millisecond), map[string]any{"channel": 1, "state": true})
	require.NoError(t, err)
	require.True(t, f.reg.Unregister("toggle"))

	e := waitArchived(t, f.tk, id)
	assert.False(t, e.Result)
	assert.Contains(t, e.ErrorDetail, "unknown action")
}

func TestRestartReloadsActiveJobs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	kwargs := map[string]any{"channel": 2, "state": true}

	f := newFixture(t, fileStore(t, dir), Config{})
	id, err := f.tk.AddJob(ctx, "toggle", time.Now().Add(time.Hour), kwargs)
	require.NoError(t, err)
	done, err := f.tk.AddJob(ctx, "toggle", time.Now(), kwargs)
	require.NoError(t, err)
	waitArchived(t, f.tk, done)
	require.Eventually(t, func() bool {
		st, err := storage.Open(storage.Config{Path: filepath.Join(dir, "sonaris.db")}, logx.Nop())
		if err != nil {
			return false
		}
		arch, err := st.LoadArchive(ctx)
		return err == nil && len(arch) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// fresh process: nothing in memory, same files
	st := fileStore(t, dir)
	wk := worker.New(worker.Config{}, f.reg, logx.Nop(), nil)
	tk, err := New(Config{}, st, f.reg, wk, logx.Nop(), nil)
	require.NoError(t, err)

	jobs := tk.GetJobs()
	require.Len(t, jobs, 1)
	j := jobs[id]
	assert.Equal(t, "toggle", j.Task)
	assert.Equal(t, StatusScheduled, j.Status)
	ch, err := j.Kwargs.Int("channel")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ch)
	state, err := j.Kwargs.Bool("state")
	require.NoError(t, err)
	assert.True(t, state)
	assert.Equal(t, action.Args{"channel": int64(2), "state": true}, j.Kwargs)

	// validation still accepts the reloaded kwargs
	ok, msgs := validator.Validate(f.reg, j.Task, j.Kwargs)
	assert.True(t, ok, msgs)

	_, archived := archiveFor(tk, done)
	assert.True(t, archived)

	require.NoError(t, tk.Start(ctx))
	assert.Equal(t, 1, wk.Snapshot().Pending)
}

func TestRestartFiresOverdueAndInterrupted(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.SaveJobs(ctx, map[string]storage.JobRecord{
		"overdue": {ID: "overdue", Task: "toggle", ScheduleTime: past, Kwargs: map[string]any{"channel": 1, "state": true}, Status: string(StatusScheduled)},
		"crashed": {ID: "crashed", Task: "toggle", ScheduleTime: past, Kwargs: map[string]any{"channel": 2, "state": true}, Status: string(StatusFiring)},
	}))

	f := newFixture(t, store, Config{})
	waitArchived(t, f.tk, "overdue")
	waitArchived(t, f.tk, "crashed")
	assert.Equal(t, int32(2), f.toggled.Load())
	assert.Empty(t, f.tk.GetJobs())
}

func TestRestartDropPolicy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.SaveJobs(ctx, map[string]storage.JobRecord{
		"old":    {ID: "old", Task: "toggle", ScheduleTime: time.Now().Add(-time.Hour), Kwargs: map[string]any{"channel": 1, "state": true}, Status: string(StatusScheduled)},
		"future": {ID: "future", Task: "toggle", ScheduleTime: time.Now().Add(time.Hour), Kwargs: map[string]any{"channel": 1, "state": true}, Status: string(StatusScheduled)},
	}))

	f := newFixture(t, store, Config{OverduePolicy: "DROP"})

	e, ok := archiveFor(f.tk, "old")
	require.True(t, ok)
	assert.False(t, e.Result)
	assert.Equal(t, droppedDetail, e.ErrorDetail)
	assert.Contains(t, f.tk.GetJobs(), "future")

	persisted, err := store.LoadArchive(ctx)
	require.NoError(t, err)
	assert.Contains(t, persisted, "old")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.toggled.Load())
}

func TestConcurrentAddsAndCompletionsPersistEverything(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, fileStore(t, dir), Config{})
	ctx := context.Background()

	const n = 25
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		future = map[string]bool{}
		now    = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := time.Now()
			if i%2 == 1 {
				at = at.Add(time.Hour)
			}
			id, err := f.tk.AddJob(ctx, "toggle", at, map[string]any{"channel": 1 + i%2, "state": i%3 == 0})
			assert.NoError(t, err)
			mu.Lock()
			if i%2 == 1 {
				future[id] = true
			} else {
				now[id] = true
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	require.Len(t, future, n/2)
	require.Len(t, now, n-n/2)

	for id := range now {
		waitArchived(t, f.tk, id)
	}

	require.Eventually(t, func() bool {
		st, err := storage.Open(storage.Config{Path: filepath.Join(dir, "sonaris.db")}, logx.Nop())
		if err != nil {
			return false
		}
		jobs, err := st.LoadJobs(ctx)
		if err != nil || len(jobs) != len(future) {
			return false
		}
		for id := range future {
			if _, ok := jobs[id]; !ok {
				return false
			}
		}
		arch, err := st.LoadArchive(ctx)
		if err != nil || len(arch) != len(now) {
			return false
		}
		for id := range now {
			if e, ok := arch[id]; !ok || !e.Result {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)
}

// flakyStore fails every save while fail is set.
type flakyStore struct {
	storage.Store
	fail atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) SaveJobs(ctx context.Context, jobs map[string]storage.JobRecord) error {
	if s.fail.Load() {
		return errDiskFull
	}
	return s.Store.SaveJobs(ctx, jobs)
}

func (s *flakyStore) SaveArchive(ctx context.Context, entries map[string]storage.ArchiveRecord) error {
	if s.fail.Load() {
		return errDiskFull
	}
	return s.Store.SaveArchive(ctx, entries)
}

func TestWriteFailuresLeaveStateUnchanged(t *testing.T) {
	st := &flakyStore{Store: storage.NewMemory()}
	f := newFixture(t, st, Config{})
	ctx := context.Background()
	kwargs := map[string]any{"channel": 1, "state": true}

	later, err := f.tk.AddJob(ctx, "toggle", time.Now().Add(time.Hour), kwargs)
	require.NoError(t, err)
	done, err := f.tk.AddJob(ctx, "toggle", time.Now(), kwargs)
	require.NoError(t, err)
	waitArchived(t, f.tk, done)

	st.fail.Store(true)

	_, err = f.tk.AddJob(ctx, "toggle", time.Now().Add(time.Hour), kwargs)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Len(t, f.tk.GetJobs(), 1)

	err = f.tk.CancelJob(ctx, later)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, StatusScheduled, f.tk.GetJobs()[later].Status)
	assert.Equal(t, 1, f.wk.Snapshot().Pending, "job must stay armed")

	assert.ErrorIs(t, f.tk.ClearArchive(ctx), errDiskFull)
	assert.Len(t, f.tk.Archive(), 1)

	st.fail.Store(false)

	require.NoError(t, f.tk.CancelJob(ctx, later))
	assert.Empty(t, f.tk.GetJobs())
	assert.Zero(t, f.wk.Snapshot().Pending)
	require.NoError(t, f.tk.ClearArchive(ctx))
	assert.Empty(t, f.tk.Archive())

	persisted, err := st.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestArchiveIsBounded(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), Config{ArchiveMax: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.tk.AddJob(ctx, "toggle", time.Now(), map[string]any{"channel": 1, "state": true})
		require.NoError(t, err)
		waitArchived(t, f.tk, id)
		ids = append(ids, id)
	}

	arch := f.tk.Archive()
	require.Len(t, arch, 2)
	assert.Equal(t, ids[1], arch[0].JobID)
	assert.Equal(t, ids[2], arch[1].JobID)
}

func TestClearArchive(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), Config{})
	ctx := context.Background()

	id, err := f.tk.AddJob(ctx, "toggle", time.Now(), map[string]any{"channel": 1, "state": true})
	require.NoError(t, err)
	waitArchived(t, f.tk, id)

	require.NoError(t, f.tk.ClearArchive(ctx))
	assert.Empty(t, f.tk.Archive())
	persisted, err := f.store.LoadArchive(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestCallbackAfterEveryChange(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), Config{})
	ctx := context.Background()
	var calls atomic.Int32
	f.tk.SetCallback(func() { calls.Add(1) })

	a, err := f.tk.AddJob(ctx, "toggle", time.Now().Add(time.Hour), map[string]any{"channel": 1, "state": true})
	require.NoError(t, err)
	require.NoError(t, f.tk.CancelJob(ctx, a))
	b, err := f.tk.AddJob(ctx, "toggle", time.Now(), map[string]any{"channel": 1, "state": true})
	require.NoError(t, err)
	waitArchived(t, f.tk, b)
	require.Eventually(t, func() bool { return calls.Load() == 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.tk.ClearArchive(ctx))

	// add, cancel, add, complete, clear
	assert.Equal(t, int32(5), calls.Load())
}

func TestCorruptJobFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	jobsPath := filepath.Join(dir, "sonaris.jobs.json")
	require.NoError(t, os.WriteFile(jobsPath, []byte("{not json"), 0o600))

	f := newFixture(t, fileStore(t, dir), Config{})
	assert.Empty(t, f.tk.GetJobs())
	_, err := os.Stat(jobsPath + ".bak_1")
	assert.NoError(t, err)

	// scheduling keeps working in the degraded state
	_, err = f.tk.AddJob(context.Background(), "toggle", time.Now().Add(time.Hour), map[string]any{"channel": 1, "state": true})
	require.NoError(t, err)
}

func TestEventsOnLifecycle(t *testing.T) {
	reg := action.NewRegistry()
	require.NoError(t, reg.Register(action.Action{Name: "noop", Handler: func(context.Context, action.Args) error { return nil }}))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	wk := worker.New(worker.Config{}, reg, logx.Nop(), bus)
	tk, err := New(Config{}, storage.NewMemory(), reg, wk, logx.Nop(), bus)
	require.NoError(t, err)
	require.NoError(t, wk.Start(context.Background()))
	defer func() { _ = wk.Stop(context.Background()) }()

	id, err := tk.AddJob(context.Background(), "noop", time.Now(), nil)
	require.NoError(t, err)
	waitArchived(t, tk, id)

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[eventbus.JobCompleted] {
		select {
		case e := <-events:
			seen[e.Type] = true
		case <-timeout:
			t.Fatalf("events seen: %v", seen)
		}
	}
	assert.True(t, seen[eventbus.JobScheduled])
	assert.True(t, seen[eventbus.JobStarted])
	assert.True(t, seen[eventbus.JobFinished])
}
