// Package plugin manages the sandboxed plugin modules loaded by the host.
// Each configured role owns a Slot holding one live module generation; the
// Registry maps the closed role set to slots and drives hot reloads.
package plugin

import (
	"context"
)

// Instance is one live generation of a plugin module: a dedicated sandbox
// together with the typed handle used to call into it. Callers serialise
// access; an Instance is never called concurrently.
type Instance interface {
	// Poll runs plugin_poll and returns the raw JSON payload.
	Poll(ctx context.Context) ([]byte, error)

	// Render runs plugin_render with the view JSON and returns the HTML.
	Render(ctx context.Context, view []byte) ([]byte, error)

	// Update runs plugin_update with the view JSON.
	Update(ctx context.Context, view []byte) error

	// Closed reports whether the sandbox has terminated, for example after a
	// call overran its deadline or the guest exited.
	Closed() bool

	// Close releases the sandbox. It is safe to call more than once.
	Close(ctx context.Context) error
}

// Loader builds a new Instance for a role from a binary on disk. The returned
// error is a load or instantiation error when the module is unusable.
type Loader interface {
	Load(ctx context.Context, role Role, path string) (Instance, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, role Role, path string) (Instance, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, role Role, path string) (Instance, error) {
	return f(ctx, role, path)
}
