package action

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Type is the primitive type tag of a declared parameter.
type Type int

const (
	TypeAny Type = iota
	TypeString
	TypeInt
	TypeFloat
	TypeBool
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	default:
		return "any"
	}
}

// Handler executes an action. A returned error marks the job as failed.
type Handler func(ctx context.Context, args Args) error

// Constraint bounds the values a parameter accepts.
type Constraint interface {
	Check(v any) error
	String() string
}

// Range is an inclusive numeric bound. Use math.Inf for open ends.
type Range struct {
	Min float64
	Max float64
}

func (r Range) Check(v any) error {
	f, ok := AsFloat(v)
	if !ok {
		return errors.Newf("value %s is not numeric", formatValue(v))
	}
	if math.IsNaN(f) || f < r.Min || f > r.Max {
		return errors.Newf("value %s out of range %s", formatValue(v), r.String())
	}
	return nil
}

func (r Range) String() string {
	return "[" + formatFloat(r.Min) + ", " + formatFloat(r.Max) + "]"
}

// OneOf restricts a parameter to a fixed set of values.
// Numeric members compare by value, so 1, int64(1) and json.Number("1") all match 1.
type OneOf struct {
	Values []any
}

func (o OneOf) Check(v any) error {
	for _, allowed := range o.Values {
		if sameValue(allowed, v) {
			return nil
		}
	}
	return errors.Newf("value %s not in allowed set %s", formatValue(v), o.String())
}

func (o OneOf) String() string {
	parts := make([]string, 0, len(o.Values))
	for _, v := range o.Values {
		parts = append(parts, formatValue(v))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Param declares one accepted parameter.
type Param struct {
	Name       string
	Type       Type
	Required   bool
	Default    any
	Constraint Constraint
}

// Shape is the declared parameter shape of an action, in declaration order.
type Shape []Param

// Lookup returns the parameter named name.
func (s Shape) Lookup(name string) (Param, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// WithDefaults returns a copy of args with the declared Default filled in for
// every parameter that is absent or nil.
func (s Shape) WithDefaults(args Args) Args {
	out := args.Clone()
	for _, p := range s {
		if p.Default == nil {
			continue
		}
		if v, ok := out[p.Name]; !ok || v == nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

func (s Shape) clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Action is a named, registered unit of work.
//
// Device is the concurrency key: actions that share a device never fire concurrently.
// An empty Device means the action may overlap with anything.
// Aliases are extra names accepted by Registry.Canonical (e.g. in experiment files).
type Action struct {
	Name        string
	Aliases     []string
	Device      string
	Description string
	Shape       Shape
	Handler     Handler
}

func sameValue(a, b any) bool {
	af, aNum := AsFloat(a)
	bf, bNum := AsFloat(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	return a == b
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case nil:
		return "null"
	}
	if f, ok := AsFloat(v); ok {
		if _, isInt := AsInt(v); isInt {
			return fmt.Sprint(v)
		}
		return formatFloat(f)
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
