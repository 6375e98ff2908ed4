// Package validator checks job arguments against an action's declared parameter shape.
//
// Validation runs once, when a job is scheduled, so a malformed request never
// reaches the persisted job set.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"sonaris/internal/task/action"
)

var ErrValidation = errors.New("validation failed")

// ShapeSource is the part of the registry the validator needs.
type ShapeSource interface {
	Shape(name string) (action.Shape, error)
}

// ValidationError carries every violation found, not just the first one.
type ValidationError struct {
	Task     string
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %q: %s", e.Task, strings.Join(e.Messages, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validate reports whether kwargs satisfies the declared shape of name.
// messages lists every violation in a stable order: missing, unexpected, then per-parameter.
func Validate(src ShapeSource, name string, kwargs map[string]any) (ok bool, messages []string) {
	shape, err := src.Shape(name)
	if err != nil {
		return false, []string{fmt.Sprintf("unknown action %q", name)}
	}

	for _, p := range shape {
		if v, present := kwargs[p.Name]; p.Required && (!present || v == nil) {
			messages = append(messages, fmt.Sprintf("missing required parameter `%s`", p.Name))
		}
	}

	extra := make([]string, 0)
	for k := range kwargs {
		if _, known := shape.Lookup(k); !known {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		messages = append(messages, fmt.Sprintf("unexpected parameter `%s`", k))
	}

	for _, p := range shape {
		v, present := kwargs[p.Name]
		if !present || v == nil {
			continue
		}
		if !action.Finite(v) {
			messages = append(messages, fmt.Sprintf("parameter `%s`: value %v is not a finite number", p.Name, v))
			continue
		}
		if !action.Compatible(p.Type, v) {
			messages = append(messages, fmt.Sprintf("parameter `%s`: expected %s, got %s", p.Name, p.Type, describe(v)))
			continue
		}
		if p.Constraint != nil {
			if err := p.Constraint.Check(v); err != nil {
				messages = append(messages, fmt.Sprintf("parameter `%s`: %v", p.Name, err))
			}
		}
	}

	return len(messages) == 0, messages
}

// Check is Validate returning a *ValidationError (nil when valid).
func Check(src ShapeSource, name string, kwargs map[string]any) error {
	ok, msgs := Validate(src, name, kwargs)
	if ok {
		return nil
	}
	return &ValidationError{Task: name, Messages: msgs}
}

func describe(v any) string {
	if k := action.KindOf(v); k != action.TypeAny {
		return k.String()
	}
	return fmt.Sprintf("%T", v)
}
