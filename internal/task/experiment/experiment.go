// Package experiment loads a YAML list of steps and schedules them back to back.
//
// File format:
//
//	experiment:
//	  name: sweep then scope
//	  steps:
//	    - task: DG4202_TOGGLE          # action name or alias, any case
//	      parameters:                  # a map, or a list holding one map
//	        - {channel: 1, status: true}
//	      duration: 5                  # seconds, or a duration such as "1m30s"
//
// Step i fires at start plus the durations of steps 0..i-1. Every step is
// validated before any job is created.
package experiment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	yaml "go.yaml.in/yaml/v3"

	"sonaris/internal/task/action"
	"sonaris/internal/task/validator"
)

var ErrInvalid = errors.New("invalid experiment")

// Experiment is a parsed experiment file.
type Experiment struct {
	Name  string
	Steps []Step
}

// Step is one scheduled action. Task is what the file said, not yet canonical.
type Step struct {
	Task       string
	Parameters map[string]any
	Duration   time.Duration
}

// Entry is a validated step placed on the timeline.
type Entry struct {
	Step   int
	Task   string
	At     time.Time
	Kwargs map[string]any
}

// Registry resolves task names and exposes their shapes.
type Registry interface {
	validator.ShapeSource
	Canonical(name string) (string, error)
}

// Scheduler is the part of the timekeeper that Schedule drives.
type Scheduler interface {
	AddJob(ctx context.Context, task string, at time.Time, kwargs map[string]any) (string, error)
	CancelJob(ctx context.Context, id string) error
}

// Error lists every problem found across all steps.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid experiment: " + strings.Join(e.Problems, "; ")
}

func (e *Error) Is(target error) bool { return target == ErrInvalid }

type fileDoc struct {
	Experiment struct {
		Name  string    `yaml:"name"`
		Steps []rawStep `yaml:"steps"`
	} `yaml:"experiment"`
}

type rawStep struct {
	Task       string    `yaml:"task"`
	Parameters yaml.Node `yaml:"parameters"`
	Duration   yaml.Node `yaml:"duration"`
}

// Load reads and parses an experiment file.
func Load(path string) (Experiment, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Experiment{}, errors.Wrap(err, "read experiment")
	}
	exp, err := Parse(b)
	if err != nil {
		return Experiment{}, errors.Wrapf(err, "%s", path)
	}
	return exp, nil
}

// Parse decodes an experiment document. Structural problems in any step are
// reported together; task names and parameters are checked later by Plan.
func Parse(data []byte) (Experiment, error) {
	var doc fileDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Experiment{}, &Error{Problems: []string{"empty document"}}
		}
		return Experiment{}, errors.Wrap(err, "yaml decode")
	}

	exp := Experiment{Name: strings.TrimSpace(doc.Experiment.Name)}
	var problems []string
	if len(doc.Experiment.Steps) == 0 {
		problems = append(problems, "no steps")
	}
	for i, rs := range doc.Experiment.Steps {
		st := Step{Task: strings.TrimSpace(rs.Task)}
		if st.Task == "" {
			problems = append(problems, fmt.Sprintf("step %d: task required", i+1))
		}
		params, err := decodeParameters(&rs.Parameters)
		if err != nil {
			problems = append(problems, fmt.Sprintf("step %d: parameters: %v", i+1, err))
		}
		st.Parameters = params
		d, err := decodeDuration(&rs.Duration)
		if err != nil {
			problems = append(problems, fmt.Sprintf("step %d: duration: %v", i+1, err))
		}
		st.Duration = d
		exp.Steps = append(exp.Steps, st)
	}
	if len(problems) > 0 {
		return Experiment{}, &Error{Problems: problems}
	}
	return exp, nil
}

func decodeParameters(n *yaml.Node) (map[string]any, error) {
	switch n.Kind {
	case 0:
		return map[string]any{}, nil
	case yaml.MappingNode:
		out := map[string]any{}
		if err := n.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	case yaml.SequenceNode:
		switch len(n.Content) {
		case 0:
			return map[string]any{}, nil
		case 1:
			return decodeParameters(n.Content[0])
		default:
			return nil, errors.Newf("expected one parameter map, got %d", len(n.Content))
		}
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return map[string]any{}, nil
		}
	}
	return nil, errors.New("expected a map or a list with one map")
}

func decodeDuration(n *yaml.Node) (time.Duration, error) {
	if n.Kind == 0 || (n.Kind == yaml.ScalarNode && n.Tag == "!!null") {
		return 0, nil
	}
	if n.Kind != yaml.ScalarNode {
		return 0, errors.New("expected seconds or a duration string")
	}
	raw := strings.TrimSpace(n.Value)
	var d time.Duration
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, errors.Newf("%q is not a finite number", raw)
		}
		d = time.Duration(secs * float64(time.Second))
	} else {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return 0, errors.Newf("%q is neither seconds nor a duration", raw)
		}
		d = parsed
	}
	if d < 0 {
		return 0, errors.Newf("%q is negative", raw)
	}
	return d, nil
}

// Plan resolves every step against reg, validates its parameters, and places
// it on the timeline starting at start. It returns all problems at once and
// no entries if any step is invalid.
func Plan(reg Registry, exp Experiment, start time.Time) ([]Entry, error) {
	if len(exp.Steps) == 0 {
		return nil, &Error{Problems: []string{"no steps"}}
	}
	var problems []string
	entries := make([]Entry, 0, len(exp.Steps))
	at := start
	for i, st := range exp.Steps {
		task, err := reg.Canonical(st.Task)
		if err != nil {
			problems = append(problems, fmt.Sprintf("step %d: unknown task %q", i+1, st.Task))
		} else if ok, msgs := validator.Validate(reg, task, st.Parameters); !ok {
			for _, m := range msgs {
				problems = append(problems, fmt.Sprintf("step %d (%s): %s", i+1, task, m))
			}
		}
		entries = append(entries, Entry{
			Step:   i + 1,
			Task:   task,
			At:     at,
			Kwargs: action.Args(st.Parameters).Clone(),
		})
		at = at.Add(st.Duration)
	}
	if len(problems) > 0 {
		return nil, &Error{Problems: problems}
	}
	return entries, nil
}

// Schedule plans exp and adds one job per step. If adding a step fails, the
// jobs already added for this experiment are cancelled before returning.
func Schedule(ctx context.Context, reg Registry, sched Scheduler, exp Experiment, start time.Time) ([]string, []Entry, error) {
	entries, err := Plan(reg, exp, start)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		id, err := sched.AddJob(ctx, e.Task, e.At, e.Kwargs)
		if err != nil {
			for _, prev := range ids {
				_ = sched.CancelJob(ctx, prev)
			}
			return nil, nil, errors.Wrapf(err, "step %d (%s)", e.Step, e.Task)
		}
		ids = append(ids, id)
	}
	return ids, entries, nil
}
