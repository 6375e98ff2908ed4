package action

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Args is the argument mapping a handler receives.
//
// Values come either from Go callers (int, float64, bool, string) or from
// persisted JSON decoded with UseNumber (json.Number). The getters accept both.
type Args map[string]any

// Clone returns a shallow copy. Values are primitives, so this is a full copy in practice.
func (a Args) Clone() Args {
	if a == nil {
		return Args{}
	}
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func (a Args) Int(name string) (int64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, errors.Newf("missing argument %q", name)
	}
	n, ok := AsInt(v)
	if !ok {
		return 0, errors.Newf("argument %q: expected int, got %s", name, KindOf(v))
	}
	return n, nil
}

func (a Args) Float(name string) (float64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, errors.Newf("missing argument %q", name)
	}
	f, ok := AsFloat(v)
	if !ok {
		return 0, errors.Newf("argument %q: expected float, got %s", name, KindOf(v))
	}
	return f, nil
}

func (a Args) Bool(name string) (bool, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return false, errors.Newf("missing argument %q", name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Newf("argument %q: expected bool, got %s", name, KindOf(v))
	}
	return b, nil
}

func (a Args) String(name string) (string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", errors.Newf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Newf("argument %q: expected string, got %s", name, KindOf(v))
	}
	return s, nil
}

// KindOf classifies a runtime value into a primitive Type.
// Unknown kinds report TypeAny.
func KindOf(v any) Type {
	switch x := v.(type) {
	case bool:
		return TypeBool
	case string:
		return TypeString
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case json.Number:
		if isIntLiteral(string(x)) {
			return TypeInt
		}
		return TypeFloat
	}
	return TypeAny
}

// Compatible reports whether v may be passed for a parameter of type t.
// Ints widen to float; floats never narrow to int; bools are strict.
// NaN and ±Inf are never a valid float.
func Compatible(t Type, v any) bool {
	k := KindOf(v)
	switch t {
	case TypeAny:
		return true
	case TypeFloat:
		return (k == TypeFloat && Finite(v)) || k == TypeInt
	default:
		return k == t
	}
}

// Finite reports false for NaN and ±Inf floats and true for everything else.
// Job arguments are persisted as JSON, which has no encoding for them.
func Finite(v any) bool {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	default:
		return true
	}
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// AsInt converts integer-kinded values. Floats are rejected even when integral.
func AsInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		if !isIntLiteral(string(x)) {
			return 0, false
		}
		n, err := x.Int64()
		return n, err == nil
	}
	return 0, false
}

// AsFloat converts any numeric value.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	if n, ok := AsInt(v); ok {
		return float64(n), true
	}
	return 0, false
}

func isIntLiteral(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, ".eE")
}

// ParseArg converts a raw string (e.g. from the command line) into the declared type of p.
func ParseArg(p Param, raw string) (any, error) {
	s := strings.TrimSpace(raw)
	switch p.Type {
	case TypeString:
		return raw, nil
	case TypeBool:
		b, err := strconv.ParseBool(strings.ToLower(s))
		if err != nil {
			switch strings.ToLower(s) {
			case "on", "yes":
				return true, nil
			case "off", "no":
				return false, nil
			}
			return nil, errors.Newf("parameter %q: %q is not a bool", p.Name, raw)
		}
		return b, nil
	case TypeInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Newf("parameter %q: %q is not an int", p.Name, raw)
		}
		return n, nil
	case TypeFloat:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Newf("parameter %q: %q is not a number", p.Name, raw)
		}
		if !Finite(f) {
			return nil, errors.Newf("parameter %q: %q is not a finite number", p.Name, raw)
		}
		return f, nil
	}
	// TypeAny: best guess, most specific first.
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && Finite(f) {
		return f, nil
	}
	return raw, nil
}
