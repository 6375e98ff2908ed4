package action

import (
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry maps action names to actions.
//
// Actions are registered once at startup. Re-registering a name is rejected
// rather than overwritten, so a startup-order mistake surfaces immediately.
// Names and aliases also share one case-insensitive index used by Canonical.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	index   map[string]string
}

func NewRegistry() *Registry {
	return &Registry{actions: map[string]Action{}, index: map[string]string{}}
}

func foldName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Register adds a. The shape is validated and copied; later edits to the caller's
// slice do not affect the registered action.
func (r *Registry) Register(a Action) error {
	a.Name = strings.TrimSpace(a.Name)
	if err := checkAction(a); err != nil {
		return err
	}
	a.Shape = a.Shape.clone()
	a.Aliases = append([]string(nil), a.Aliases...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[a.Name]; ok {
		return errors.Wrapf(ErrDuplicateName, "register %q", a.Name)
	}
	keys := make([]string, 0, 1+len(a.Aliases))
	for _, k := range append([]string{a.Name}, a.Aliases...) {
		k = foldName(k)
		if owner, ok := r.index[k]; ok && owner != a.Name {
			return errors.Wrapf(ErrDuplicateName, "register %q: %q already names %q", a.Name, k, owner)
		}
		keys = append(keys, k)
	}
	r.actions[a.Name] = a
	for _, k := range keys {
		r.index[k] = a.Name
	}
	return nil
}

// MustRegister is Register for startup code where a failure is a programming error.
func (r *Registry) MustRegister(a Action) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Unregister removes name and reports whether it was present.
// Jobs already scheduled for it fail at fire time with ErrUnknownAction.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[name]; !ok {
		return false
	}
	delete(r.actions, name)
	for k, owner := range r.index {
		if owner == name {
			delete(r.index, k)
		}
	}
	return true
}

// Canonical maps a user-supplied name to the registered action name. It
// tries an exact match first, then any name or alias ignoring case and
// surrounding space.
func (r *Registry) Canonical(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.actions[name]; ok {
		return name, nil
	}
	if canon, ok := r.index[foldName(name)]; ok {
		return canon, nil
	}
	return "", errors.Wrapf(ErrUnknownAction, "%q", name)
}

func (r *Registry) Resolve(name string) (Action, error) {
	r.mu.RLock()
	a, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return Action{}, errors.Wrapf(ErrUnknownAction, "%q", name)
	}
	a.Shape = a.Shape.clone()
	a.Aliases = append([]string(nil), a.Aliases...)
	return a, nil
}

// Shape returns the declared parameter shape of name.
func (r *Registry) Shape(name string) (Shape, error) {
	a, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return a.Shape, nil
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.actions))
	for n := range r.actions {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func checkAction(a Action) error {
	if a.Name == "" {
		return errors.Wrap(ErrInvalidAction, "name required")
	}
	if a.Handler == nil {
		return errors.Wrapf(ErrInvalidAction, "%q: handler required", a.Name)
	}
	for _, alias := range a.Aliases {
		if strings.TrimSpace(alias) == "" {
			return errors.Wrapf(ErrInvalidAction, "%q: empty alias", a.Name)
		}
	}
	seen := make(map[string]struct{}, len(a.Shape))
	for _, p := range a.Shape {
		name := strings.TrimSpace(p.Name)
		if name == "" || name != p.Name {
			return errors.Wrapf(ErrInvalidAction, "%q: invalid parameter name %q", a.Name, p.Name)
		}
		if _, dup := seen[name]; dup {
			return errors.Wrapf(ErrInvalidAction, "%q: duplicate parameter %q", a.Name, name)
		}
		seen[name] = struct{}{}

		switch c := p.Constraint.(type) {
		case nil:
		case Range:
			if p.Type != TypeInt && p.Type != TypeFloat {
				return errors.Wrapf(ErrInvalidAction, "%q: range on non-numeric parameter %q", a.Name, name)
			}
			if c.Min > c.Max {
				return errors.Wrapf(ErrInvalidAction, "%q: empty range %s on %q", a.Name, c, name)
			}
		case OneOf:
			if len(c.Values) == 0 {
				return errors.Wrapf(ErrInvalidAction, "%q: empty enum on %q", a.Name, name)
			}
			for _, v := range c.Values {
				if !Compatible(p.Type, v) {
					return errors.Wrapf(ErrInvalidAction, "%q: enum member %s does not match type %s of %q", a.Name, formatValue(v), p.Type, name)
				}
			}
		}
		if p.Default != nil && !Compatible(p.Type, p.Default) {
			return errors.Wrapf(ErrInvalidAction, "%q: default of %q does not match type %s", a.Name, name, p.Type)
		}
		if p.Default != nil && p.Constraint != nil {
			if err := p.Constraint.Check(p.Default); err != nil {
				return errors.Wrapf(ErrInvalidAction, "%q: default of %q: %v", a.Name, name, err)
			}
		}
	}
	return nil
}
