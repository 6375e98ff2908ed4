// Package tasks registers the built-in instrument actions.
package tasks

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"

	"sonaris/internal/instrument"
	"sonaris/internal/task/action"
)

// Action names.
const (
	ToggleOutput = "toggle_output"
	SetWaveform  = "set_waveform"
	SetSweep     = "set_sweep"
	PressAuto    = "press_auto"
)

// Device keys; actions sharing a device never run concurrently.
const (
	DeviceGenerator = "dg4202"
	DeviceScope     = "edux1002a"
)

var channels = action.OneOf{Values: []any{1, 2}}

func nonNegative() action.Range { return action.Range{Min: 0, Max: math.Inf(1)} }

func frequency() action.Range { return action.Range{Min: 0, Max: instrument.FreqLimit} }

// Register adds every built-in action to reg.
func Register(reg *action.Registry, gen instrument.SignalGenerator, scope instrument.Oscilloscope) error {
	waveforms := make([]any, 0, len(instrument.Waveforms))
	for _, w := range instrument.Waveforms {
		waveforms = append(waveforms, w)
	}

	defs := []action.Action{
		{
			Name:        ToggleOutput,
			Aliases:     []string{"DG4202_TOGGLE", "Toggle Output"},
			Device:      DeviceGenerator,
			Description: "Switch a generator output on or off",
			Shape: action.Shape{
				{Name: "channel", Type: action.TypeInt, Required: true, Constraint: channels},
				{Name: "status", Type: action.TypeBool, Required: true},
			},
			Handler: func(ctx context.Context, a action.Args) error {
				ch, err := a.Int("channel")
				if err != nil {
					return err
				}
				on, err := a.Bool("status")
				if err != nil {
					return err
				}
				return gen.SetOutput(ctx, int(ch), on)
			},
		},
		{
			Name:        SetWaveform,
			Aliases:     []string{"DG4202_SET_WAVEFORM", "Set Waveform Parameters"},
			Device:      DeviceGenerator,
			Description: "Apply waveform parameters to a generator channel",
			Shape: action.Shape{
				{Name: "channel", Type: action.TypeInt, Required: true, Constraint: channels},
				{Name: "send_on", Type: action.TypeBool, Required: true},
				{Name: "waveform_type", Type: action.TypeString, Required: true, Constraint: action.OneOf{Values: waveforms}},
				{Name: "amplitude", Type: action.TypeFloat, Required: true},
				{Name: "frequency", Type: action.TypeFloat, Required: true, Constraint: frequency()},
				{Name: "offset", Type: action.TypeFloat, Required: true, Constraint: action.Range{Min: 0, Max: 5}},
			},
			Handler: func(ctx context.Context, a action.Args) error {
				ch, err := a.Int("channel")
				if err != nil {
					return err
				}
				var w instrument.Waveform
				if w.Type, err = a.String("waveform_type"); err != nil {
					return err
				}
				if w.Amplitude, err = a.Float("amplitude"); err != nil {
					return err
				}
				if w.Frequency, err = a.Float("frequency"); err != nil {
					return err
				}
				if w.Offset, err = a.Float("offset"); err != nil {
					return err
				}
				if err := gen.SetWaveform(ctx, int(ch), w); err != nil {
					return errors.Wrap(err, "set waveform")
				}
				return sendOn(ctx, gen, a, int(ch))
			},
		},
		{
			Name:        SetSweep,
			Aliases:     []string{"DG4202_SET_SWEEP", "Set Sweep Parameters"},
			Device:      DeviceGenerator,
			Description: "Apply frequency sweep parameters to a generator channel",
			Shape: action.Shape{
				{Name: "channel", Type: action.TypeInt, Required: true, Constraint: channels},
				{Name: "send_on", Type: action.TypeBool, Required: true},
				{Name: "fstart", Type: action.TypeFloat, Required: true, Constraint: frequency()},
				{Name: "fstop", Type: action.TypeFloat, Required: true, Constraint: frequency()},
				{Name: "time", Type: action.TypeFloat, Required: true, Constraint: nonNegative()},
				{Name: "rtime", Type: action.TypeFloat, Default: 0.0, Constraint: nonNegative()},
				{Name: "htime_start", Type: action.TypeFloat, Default: 0.0, Constraint: nonNegative()},
				{Name: "htime_stop", Type: action.TypeFloat, Default: 0.0, Constraint: nonNegative()},
			},
			Handler: func(ctx context.Context, a action.Args) error {
				ch, err := a.Int("channel")
				if err != nil {
					return err
				}
				var s instrument.Sweep
				if s.FStart, err = a.Float("fstart"); err != nil {
					return err
				}
				if s.FStop, err = a.Float("fstop"); err != nil {
					return err
				}
				if s.Time, err = a.Float("time"); err != nil {
					return err
				}
				if s.RTime, err = a.Float("rtime"); err != nil {
					return err
				}
				if s.HTimeStart, err = a.Float("htime_start"); err != nil {
					return err
				}
				if s.HTimeStop, err = a.Float("htime_stop"); err != nil {
					return err
				}
				if err := gen.SetSweep(ctx, int(ch), s); err != nil {
					return errors.Wrap(err, "set sweep")
				}
				return sendOn(ctx, gen, a, int(ch))
			},
		},
		{
			Name:        PressAuto,
			Aliases:     []string{"EDUX1002A_AUTO", "Press Auto"},
			Device:      DeviceScope,
			Description: "Press the oscilloscope Auto Scale key",
			Shape: action.Shape{
				{Name: "press", Type: action.TypeString, Required: true, Constraint: action.OneOf{Values: []any{"OK"}}},
			},
			Handler: func(ctx context.Context, _ action.Args) error {
				return scope.Autoscale(ctx)
			},
		},
	}

	for _, a := range defs {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func sendOn(ctx context.Context, gen instrument.SignalGenerator, a action.Args, ch int) error {
	on, err := a.Bool("send_on")
	if err != nil {
		return err
	}
	if !on {
		return nil
	}
	return errors.Wrap(gen.SetOutput(ctx, ch, true), "enable output")
}
