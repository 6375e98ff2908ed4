// Package instrument declares the narrow surface the built-in actions drive.
// Wire protocols live behind these interfaces and are not part of this module.
package instrument

import "context"

// Waveform shapes accepted by the signal generator.
var Waveforms = []string{"SINE", "SQUARE", "RAMP", "PULSE", "NOISE", "USER"}

// FreqLimit is the generator's maximum output frequency in Hz.
const FreqLimit = 200e6

type Waveform struct {
	Type      string
	Amplitude float64
	Frequency float64
	Offset    float64
}

type Sweep struct {
	FStart     float64
	FStop      float64
	Time       float64
	RTime      float64
	HTimeStart float64
	HTimeStop  float64
}

// SignalGenerator is a two-channel function generator.
type SignalGenerator interface {
	SetOutput(ctx context.Context, channel int, on bool) error
	SetWaveform(ctx context.Context, channel int, w Waveform) error
	SetSweep(ctx context.Context, channel int, s Sweep) error
}

// Oscilloscope is the subset of scope controls used by scheduled jobs.
type Oscilloscope interface {
	Autoscale(ctx context.Context) error
}
