// Package layouts holds the page shell shared by every rendered page and
// the per-request data it reads. Handlers never pass that data explicitly:
// the layout injector in app/routes.go stores a Data in the render context.
package layouts

import (
	"context"
	"slices"
)

// Data is what the page shell knows about the caller. Only plain types are
// stored so this package never imports plugin types.
type Data struct {
	Authenticated bool
	UserID        string
	Name          string
	Provider      string
	Capabilities  []string

	// CSRFToken is set only for signed-in callers; the logout form is the
	// only form the shell renders.
	CSRFToken string

	// Path is the request path, for highlighting the current nav entry.
	Path string
}

// DisplayName is the name to greet the user with.
func (d Data) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.UserID
}

// Can reports whether the caller holds the named capability.
func (d Data) Can(capability string) bool {
	return slices.Contains(d.Capabilities, capability)
}

type dataKey struct{}

// WithData stores d for the components rendered with ctx.
func WithData(ctx context.Context, d Data) context.Context {
	return context.WithValue(ctx, dataKey{}, d)
}

// FromContext returns the stored Data, or the zero value for an anonymous
// caller when none was stored.
func FromContext(ctx context.Context) Data {
	d, _ := ctx.Value(dataKey{}).(Data)
	return d
}
