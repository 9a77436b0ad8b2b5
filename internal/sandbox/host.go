package sandbox

import (
	"context"
	"fmt"
	"sort"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/authz"
)

// ScriptError is an error a script is allowed to see. It carries no
// internal detail.
type ScriptError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ScriptError) Error() string { return e.Code + ": " + e.Message }

var (
	// ErrAuthRequired is returned by RequireUser for anonymous callers.
	ErrAuthRequired = &ScriptError{Code: "AUTH_REQUIRED", Message: "sign in to use this script"}

	// ErrNotExposed is returned when a script calls a host function that
	// was not exposed to it.
	ErrNotExposed = &ScriptError{Code: "NOT_AVAILABLE", Message: "host function is not available"}
)

// HostFunc is a server-side function callable from a script.
type HostFunc func(ctx context.Context, args ...any) (any, error)

// Binding declares a host function and the capability it needs.
type Binding struct {
	Name     string
	Requires authz.Capability
	Fn       HostFunc
}

// Registry is the full table of host functions a deployment offers.
type Registry struct {
	bindings map[string]Binding
}

// NewRegistry builds a registry. Duplicate or empty names are a
// configuration error.
func NewRegistry(bindings ...Binding) (*Registry, error) {
	r := &Registry{bindings: make(map[string]Binding, len(bindings))}
	for _, b := range bindings {
		if b.Name == "" || b.Fn == nil {
			return nil, fmt.Errorf("%w: host function needs a name and an implementation", apperror.ErrConfig)
		}
		if _, dup := r.bindings[b.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate host function %q", apperror.ErrConfig, b.Name)
		}
		r.bindings[b.Name] = b
	}
	return r, nil
}

// Environment is everything one script invocation receives.
type Environment struct {
	User         *User
	Capabilities authz.Set
	functions    map[string]HostFunc
}

// NewEnvironment exposes only the bindings whose capability is in
// id.Capabilities. Functions outside the set are absent, not stubbed.
func (r *Registry) NewEnvironment(id Identity) *Environment {
	env := &Environment{
		User:         NewUser(id),
		Capabilities: id.Capabilities,
		functions:    make(map[string]HostFunc),
	}
	for name, b := range r.bindings {
		if id.Capabilities.Has(b.Requires) {
			env.functions[name] = b.Fn
		}
	}
	return env
}

// Functions lists the exposed host function names, sorted.
func (e *Environment) Functions() []string {
	names := make([]string, 0, len(e.functions))
	for n := range e.functions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns an exposed function.
func (e *Environment) Lookup(name string) (HostFunc, bool) {
	fn, ok := e.functions[name]
	return fn, ok
}

// Call invokes an exposed function by name. The function can read the
// caller with UserFrom(ctx).
func (e *Environment) Call(ctx context.Context, name string, args ...any) (any, error) {
	fn, ok := e.functions[name]
	if !ok {
		return nil, ErrNotExposed
	}
	return fn(context.WithValue(ctx, userKey{}, e.User), args...)
}

type userKey struct{}

// UserFrom returns the caller of the running host function. It is never
// nil inside a function invoked through Environment.Call.
func UserFrom(ctx context.Context) *User {
	if u, ok := ctx.Value(userKey{}).(*User); ok {
		return u
	}
	return NewUser(Identity{})
}

// StringArg returns args[i] as a string, or a ScriptError.
func StringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", &ScriptError{Code: "BAD_ARGUMENT", Message: fmt.Sprintf("argument %d is required", i+1)}
	}
	s, ok := args[i].(string)
	if !ok {
		return "", &ScriptError{Code: "BAD_ARGUMENT", Message: fmt.Sprintf("argument %d must be a string", i+1)}
	}
	return s, nil
}
