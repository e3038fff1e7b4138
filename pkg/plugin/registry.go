package plugin

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ReloadResult reports one reload attempted by CheckReloads.
type ReloadResult struct {
	Role       Role
	Generation uint64
	Err        error
}

// Registry maps the closed role set to slots. The map is built once and never
// mutated, so lookups take no lock; each Slot locks itself.
type Registry struct {
	slots  map[Role]*Slot
	order  []Role
	logger *zap.Logger
}

// NewRegistry loads a slot for every role with a configured path. Roles that
// are absent or map to an empty path are disabled. A load or instantiation
// failure for any enabled role is fatal: slots already loaded are closed and
// the error is returned.
func NewRegistry(ctx context.Context, loader Loader, paths map[Role]string, opts ...Option) (*Registry, error) {
	o := applyOptions(opts)
	r := &Registry{
		slots:  make(map[Role]*Slot),
		logger: o.logger.Named("registry"),
	}

	for role := range paths {
		if !role.Valid() {
			return nil, fmt.Errorf("unknown plugin role %q", role)
		}
	}

	for _, role := range Roles() {
		path := paths[role]
		if path == "" {
			r.logger.Info("Plugin role disabled", zap.String("role", string(role)))
			continue
		}

		slot := NewSlot(role, path, loader, opts...)
		if err := slot.Load(ctx); err != nil {
			r.Close(ctx)
			return nil, fmt.Errorf("failed to load plugin for role %s: %w", role, err)
		}
		r.slots[role] = slot
		r.order = append(r.order, role)
	}

	r.logger.Info("Plugin registry ready", zap.Int("enabled", len(r.order)))
	return r, nil
}

// Get returns the slot for role. ok is false when the role is disabled.
func (r *Registry) Get(role Role) (*Slot, bool) {
	slot, ok := r.slots[role]
	return slot, ok
}

// Enabled reports whether role has a slot.
func (r *Registry) Enabled(role Role) bool {
	_, ok := r.slots[role]
	return ok
}

// EnabledRoles returns the enabled roles in fixed order.
func (r *Registry) EnabledRoles() []Role {
	out := make([]Role, len(r.order))
	copy(out, r.order)
	return out
}

// CheckReloads reloads every enabled slot whose binary changed on disk, in
// fixed role order. A failed reload keeps the running generation and is
// reported in the result; it is not retried until the binary changes again.
func (r *Registry) CheckReloads(ctx context.Context) []ReloadResult {
	var results []ReloadResult
	for _, role := range r.order {
		slot := r.slots[role]
		if !slot.reloadDue() {
			continue
		}

		r.logger.Info("Plugin binary changed, reloading",
			zap.String("role", string(role)),
			zap.String("path", slot.Path()))

		err := slot.Reload(ctx)
		if err != nil {
			r.logger.Error("Hot reload failed, keeping previous version",
				zap.String("role", string(role)),
				zap.Error(err))
		}
		results = append(results, ReloadResult{Role: role, Generation: slot.Generation(), Err: err})
	}
	return results
}

// Statuses returns the status of every enabled slot in fixed order.
func (r *Registry) Statuses() []Status {
	out := make([]Status, 0, len(r.order))
	for _, role := range r.order {
		out = append(out, r.slots[role].Status())
	}
	return out
}

// Close releases every slot.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		if err := r.slots[r.order[i]].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r.order[i], err))
		}
	}
	return errors.Join(errs...)
}
