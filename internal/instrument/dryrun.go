package instrument

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "sonaris/pkg/logx"
)

// Call is one recorded instrument invocation.
type Call struct {
	At     time.Time
	Device string
	Op     string
	Detail string
}

// DryRun implements SignalGenerator and Oscilloscope by logging and recording
// every call without touching hardware.
type DryRun struct {
	log logx.Logger

	mu    sync.Mutex
	calls []Call
	fail  map[string]error
}

func NewDryRun(log logx.Logger) *DryRun {
	return &DryRun{log: log.With(logx.String("comp", "instrument")), fail: map[string]error{}}
}

// FailOn makes op ("output", "waveform", "sweep", "autoscale") return err.
// A nil err clears the failure.
func (d *DryRun) FailOn(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, op)
		return
	}
	d.fail[op] = err
}

// Calls returns a copy of the recorded calls in order.
func (d *DryRun) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

func (d *DryRun) record(ctx context.Context, device, op, detail string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.calls = append(d.calls, Call{At: time.Now(), Device: device, Op: op, Detail: detail})
	err := d.fail[op]
	d.mu.Unlock()

	d.log.Info("dry-run instrument call", logx.String("device", device), logx.String("op", op), logx.String("detail", detail))
	return err
}

func (d *DryRun) SetOutput(ctx context.Context, channel int, on bool) error {
	return d.record(ctx, "dg4202", "output", fmt.Sprintf("ch%d on=%t", channel, on))
}

func (d *DryRun) SetWaveform(ctx context.Context, channel int, w Waveform) error {
	return d.record(ctx, "dg4202", "waveform",
		fmt.Sprintf("ch%d %s amp=%g freq=%g offset=%g", channel, w.Type, w.Amplitude, w.Frequency, w.Offset))
}

func (d *DryRun) SetSweep(ctx context.Context, channel int, s Sweep) error {
	return d.record(ctx, "dg4202", "sweep",
		fmt.Sprintf("ch%d fstart=%g fstop=%g time=%g rtime=%g htime_start=%g htime_stop=%g",
			channel, s.FStart, s.FStop, s.Time, s.RTime, s.HTimeStart, s.HTimeStop))
}

func (d *DryRun) Autoscale(ctx context.Context) error {
	return d.record(ctx, "edux1002a", "autoscale", "")
}

var (
	_ SignalGenerator = (*DryRun)(nil)
	_ Oscilloscope    = (*DryRun)(nil)
)
