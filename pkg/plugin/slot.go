package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a Slot.
type State int32

const (
	StateUnloaded State = iota
	StateLoaded
	StateReloading
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateReloading:
		return "reloading"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status is a point-in-time description of a slot, served by the status API.
type Status struct {
	Role         Role      `json:"role"`
	Kind         string    `json:"kind"`
	Path         string    `json:"path"`
	State        string    `json:"state"`
	Generation   uint64    `json:"generation"`
	LastModified time.Time `json:"last_modified"`
	LoadedAt     time.Time `json:"loaded_at"`
	Reloads      int       `json:"reloads"`
	LastError    string    `json:"last_error,omitempty"`
}

// Slot owns the live generation of one role's module.
//
// Guest calls hold mu for their whole duration, so a generation is never
// entered concurrently. Reload builds the replacement without holding mu and
// only takes it for the swap, so the old generation keeps serving until then.
// infoMu is a leaf lock guarding status fields.
type Slot struct {
	role   Role
	path   string
	loader Loader
	logger *zap.Logger
	opts   options

	// mtime (unix nanos) of the binary behind the current generation, read
	// before it was compiled.
	lastModified atomic.Int64
	// mtime of the most recent binary that failed to reload.
	failedModified atomic.Int64

	reloadMu sync.Mutex

	mu   sync.Mutex
	inst Instance

	infoMu     sync.RWMutex
	state      State
	generation uint64
	loadedAt   time.Time
	reloads    int
	lastErr    string
}

// NewSlot creates an unloaded slot. Call Load before use.
func NewSlot(role Role, path string, loader Loader, opts ...Option) *Slot {
	o := applyOptions(opts)
	return &Slot{
		role:   role,
		path:   path,
		loader: loader,
		logger: o.logger.Named("plugin." + string(role)),
		opts:   o,
		state:  StateUnloaded,
	}
}

func (s *Slot) Role() Role   { return s.role }
func (s *Slot) Path() string { return s.path }

// State returns the current lifecycle state.
func (s *Slot) State() State {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.state
}

// Generation counts successful loads; the initial load is generation 1.
func (s *Slot) Generation() uint64 {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.generation
}

// LastModified is the mtime of the binary the current generation came from.
func (s *Slot) LastModified() time.Time {
	return time.Unix(0, s.lastModified.Load())
}

// Status returns a snapshot of the slot's state. It never waits on guest calls.
func (s *Slot) Status() Status {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return Status{
		Role:         s.role,
		Kind:         s.role.Kind().String(),
		Path:         s.path,
		State:        s.state.String(),
		Generation:   s.generation,
		LastModified: s.LastModified(),
		LoadedAt:     s.loadedAt,
		Reloads:      s.reloads,
		LastError:    s.lastErr,
	}
}

func modTime(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}

// NeedsReload reports whether the binary on disk is newer than the one the
// current generation was built from. It has no side effects; a missing file
// reports false.
func (s *Slot) NeedsReload() bool {
	mtime, err := modTime(s.path)
	if err != nil {
		return false
	}
	return mtime > s.lastModified.Load()
}

// reloadDue is NeedsReload minus binaries that already failed to load.
func (s *Slot) reloadDue() bool {
	mtime, err := modTime(s.path)
	if err != nil {
		return false
	}
	return mtime > s.lastModified.Load() && mtime != s.failedModified.Load()
}

// Load builds the first generation. Errors are load or instantiation errors.
func (s *Slot) Load(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	mtime, err := modTime(s.path)
	if err != nil {
		err = NewModuleNotFoundError(s.role, s.path, err)
		s.recordError(err)
		return err
	}
	inst, err := s.loader.Load(ctx, s.role, s.path)
	if err != nil {
		s.recordError(err)
		return err
	}

	s.mu.Lock()
	old := s.installLocked(inst, mtime, false)
	s.mu.Unlock()
	s.closeInstance(old)

	s.logger.Info("Plugin loaded", zap.String("path", s.path), zap.Uint64("generation", s.Generation()))
	return nil
}

// Reload replaces the current generation with one built from the binary on
// disk. On failure the running generation is untouched and a reload error is
// returned.
func (s *Slot) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	prev := s.setState(StateReloading)

	mtime, err := modTime(s.path)
	if err != nil {
		s.setState(prev)
		err = NewReloadStatError(s.role, s.path, err)
		s.recordError(err)
		return err
	}

	inst, err := s.loader.Load(ctx, s.role, s.path)
	if err != nil {
		s.setState(prev)
		s.failedModified.Store(mtime)
		err = NewReloadFailedError(s.role, s.path, err)
		s.recordError(err)
		return err
	}

	s.mu.Lock()
	old := s.installLocked(inst, mtime, true)
	s.mu.Unlock()
	s.closeInstance(old)

	s.logger.Info("Plugin hot reloaded",
		zap.String("path", s.path),
		zap.Uint64("generation", s.Generation()))
	return nil
}

// installLocked swaps in inst and returns the generation it replaced.
// Caller holds mu.
func (s *Slot) installLocked(inst Instance, mtime int64, reload bool) Instance {
	old := s.inst
	s.inst = inst
	s.lastModified.Store(mtime)
	s.failedModified.Store(0)

	s.infoMu.Lock()
	s.state = StateLoaded
	s.generation++
	s.loadedAt = s.opts.clock.Now()
	if reload {
		s.reloads++
	}
	s.lastErr = ""
	s.infoMu.Unlock()
	return old
}

func (s *Slot) closeInstance(inst Instance) {
	if inst == nil {
		return
	}
	if err := inst.Close(context.Background()); err != nil {
		s.logger.Warn("Failed to close plugin generation", zap.Error(err))
	}
}

func (s *Slot) setState(st State) State {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	prev := s.state
	s.state = st
	return prev
}

func (s *Slot) recordError(err error) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	s.lastErr = err.Error()
}

// restartLocked rebuilds a faulted generation from the same path.
// Caller holds mu.
func (s *Slot) restartLocked(ctx context.Context) error {
	mtime, err := modTime(s.path)
	if err != nil {
		err = NewModuleNotFoundError(s.role, s.path, err)
		s.recordError(err)
		return err
	}
	inst, err := s.loader.Load(ctx, s.role, s.path)
	if err != nil {
		s.recordError(err)
		return err
	}
	s.installLocked(inst, mtime, false)
	s.logger.Info("Plugin restarted after fault", zap.Uint64("generation", s.Generation()))
	return nil
}

// call runs fn against the current generation under mu with the per-call
// deadline. A generation whose sandbox terminated during the call is dropped
// and the slot becomes faulted; the next call restarts it.
func (s *Slot) call(ctx context.Context, fn func(context.Context, Instance) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst == nil {
		if s.State() != StateFaulted {
			return NewPluginNotLoadedError(s.role)
		}
		if err := s.restartLocked(ctx); err != nil {
			return err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.callTimeout)
	defer cancel()

	err := fn(callCtx, s.inst)
	if err != nil && s.inst.Closed() {
		s.logger.Warn("Plugin sandbox terminated, restarting on next call", zap.Error(err))
		s.closeInstance(s.inst)
		s.inst = nil
		s.setState(StateFaulted)
		s.recordError(err)
	}
	if err != nil && s.role.Kind().Polls() && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", NewPollTimeoutError(s.role, s.opts.callTimeout), err)
	}
	return err
}

// Poll calls the module's poll export and returns the raw JSON payload.
func (s *Slot) Poll(ctx context.Context) ([]byte, error) {
	var out []byte
	err := s.call(ctx, func(ctx context.Context, inst Instance) error {
		var err error
		out, err = inst.Poll(ctx)
		return err
	})
	return out, err
}

// Render calls the module's render export.
func (s *Slot) Render(ctx context.Context, view []byte) ([]byte, error) {
	var out []byte
	err := s.call(ctx, func(ctx context.Context, inst Instance) error {
		var err error
		out, err = inst.Render(ctx, view)
		return err
	})
	return out, err
}

// Update calls the module's update export.
func (s *Slot) Update(ctx context.Context, view []byte) error {
	return s.call(ctx, func(ctx context.Context, inst Instance) error {
		return inst.Update(ctx, view)
	})
}

// Close releases the current generation. The slot reports unloaded afterwards.
func (s *Slot) Close(ctx context.Context) error {
	s.mu.Lock()
	inst := s.inst
	s.inst = nil
	s.mu.Unlock()

	s.setState(StateUnloaded)
	if inst == nil {
		return nil
	}
	return inst.Close(ctx)
}
