package authz

import (
	"fmt"
	"strings"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// Mode is the deployment mode.
type Mode int

const (
	Production Mode = iota
	Development
)

// ParseMode maps the ENV value to a Mode. Anything other than
// "development" is production, so a typo never relaxes policy.
func ParseMode(env string) Mode {
	if strings.EqualFold(strings.TrimSpace(env), "development") {
		return Development
	}
	return Production
}

func (m Mode) String() string {
	if m == Development {
		return "development"
	}
	return "production"
}

// Fixed capability sets.
var (
	// AnonymousBase is what an unauthenticated caller gets in production.
	AnonymousBase = NewSet(ReadScripts, ReadAssets)

	// AnonymousDevelopment is the wider set for local iteration. Never
	// granted in production.
	AnonymousDevelopment = NewSet(ReadScripts, ReadAssets, WriteScripts, WriteAssets, ViewLogs)

	// Authenticated is the provider-agnostic set for any signed-in user.
	Authenticated = NewSet(ReadScripts, ReadAssets, WriteScripts, DeleteScripts, WriteAssets, ViewLogs)
)

// Subject is the caller being resolved.
type Subject struct {
	Authenticated bool
	UserID        string
	Provider      string
}

// Extender adds role or tier capabilities for authenticated subjects. It
// can only add: the result is unioned with the base set.
type Extender interface {
	Extend(subject Subject, base Set) Set
}

// ExtenderFunc adapts a function to Extender.
type ExtenderFunc func(subject Subject, base Set) Set

// Extend calls f.
func (f ExtenderFunc) Extend(subject Subject, base Set) Set { return f(subject, base) }

// Option configures a Resolver.
type Option func(*Resolver)

// WithWideAnonymous grants AnonymousDevelopment to anonymous callers.
// NewResolver rejects it in production.
func WithWideAnonymous() Option {
	return func(r *Resolver) { r.wideAnonymous = true }
}

// WithExtender installs a role/tier extension hook.
func WithExtender(e Extender) Option {
	return func(r *Resolver) { r.ext = e }
}

// Resolver maps subjects to capability sets. It holds no mutable state.
type Resolver struct {
	mode          Mode
	wideAnonymous bool
	ext           Extender
}

// NewResolver creates a resolver for mode. Requesting wide anonymous
// capabilities in production is a configuration error.
func NewResolver(mode Mode, opts ...Option) (*Resolver, error) {
	r := &Resolver{mode: mode}
	for _, o := range opts {
		o(r)
	}
	if r.mode == Production && r.wideAnonymous {
		return nil, fmt.Errorf("%w: wide anonymous capabilities cannot be enabled in production", apperror.ErrConfig)
	}
	return r, nil
}

// Mode returns the resolver's deployment mode.
func (r *Resolver) Mode() Mode { return r.mode }

// Anonymous returns the set for an unauthenticated caller.
func (r *Resolver) Anonymous() Set {
	if r.mode == Development && r.wideAnonymous {
		return AnonymousDevelopment
	}
	return AnonymousBase
}

// Resolve returns the capabilities for subject.
func (r *Resolver) Resolve(subject Subject) Set {
	if !subject.Authenticated {
		return r.Anonymous()
	}
	base := Authenticated
	if r.ext != nil {
		return base.Union(r.ext.Extend(subject, base))
	}
	return base
}
