// Package engine compiles and instantiates plugin modules on wazero.
//
// Every generation of every plugin gets its own wazero.Runtime, so closing a
// generation releases all of its memory and host modules at once. Compiled
// code is shared between runtimes through a single compilation cache.
package engine

import (
	"context"
	"fmt"
	"os"

	"pluginhost/internal/abi"
	"pluginhost/internal/capability"
	"pluginhost/pkg/plugin"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// DefaultMemoryLimitPages caps guest linear memory at 32 MiB.
const DefaultMemoryLimitPages = 512

// HostBinder defines the host modules a role's guest may import.
type HostBinder interface {
	Bind(ctx context.Context, r wazero.Runtime, role plugin.Role, grants capability.Grants, logger *zap.Logger) error
}

// Config configures the engine.
type Config struct {
	// MemoryLimitPages caps each guest's linear memory in 64 KiB pages.
	MemoryLimitPages uint32
	// CacheDir, when set, persists compiled code across restarts.
	CacheDir string
}

// Engine turns plugin binaries into running instances. It implements
// plugin.Loader.
type Engine struct {
	cache  wazero.CompilationCache
	binder HostBinder
	cfg    Config
	logger *zap.Logger
}

// New creates an engine. Host capabilities are provided by binder.
func New(binder HostBinder, cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}

	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache %s: %w", cfg.CacheDir, err)
		}
	} else {
		cache = wazero.NewCompilationCache()
	}

	return &Engine{
		cache:  cache,
		binder: binder,
		cfg:    cfg,
		logger: logger.Named("engine"),
	}, nil
}

func (e *Engine) runtimeConfig() wazero.RuntimeConfig {
	return wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(e.cfg.MemoryLimitPages)
}

// CompiledModule is a validated module bound to the runtime that will host
// its single instance.
type CompiledModule struct {
	role     plugin.Role
	path     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// Role returns the role the module was validated against.
func (c *CompiledModule) Role() plugin.Role { return c.role }

// Close releases the module's runtime. Only needed when the module is never
// instantiated.
func (c *CompiledModule) Close(ctx context.Context) error {
	return c.runtime.Close(ctx)
}

// Compile reads, compiles and validates the module at path against the
// contract for role. No host code runs and no hardware is touched.
func (e *Engine) Compile(ctx context.Context, role plugin.Role, path string) (*CompiledModule, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, plugin.NewModuleNotFoundError(role, path, err)
	}

	r := wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig())
	compiled, err := r.CompileModule(ctx, bin)
	if err != nil {
		_ = r.Close(ctx)
		return nil, plugin.NewModuleInvalidError(role, path, err)
	}

	if detail := checkContract(role, compiled); detail != "" {
		_ = r.Close(ctx)
		return nil, plugin.NewContractViolationError(role, path, detail)
	}

	e.logger.Debug("Module compiled",
		zap.String("role", string(role)),
		zap.String("path", path),
		zap.Int("bytes", len(bin)))
	return &CompiledModule{role: role, path: path, runtime: r, compiled: compiled}, nil
}

// Instantiate links the compiled module against the capabilities granted to
// its role, runs guest initialisation and checks the ABI version. The
// runtime is closed on any failure.
func (e *Engine) Instantiate(ctx context.Context, cm *CompiledModule, binder HostBinder) (inst *Instance, err error) {
	defer func() {
		if err != nil {
			_ = cm.runtime.Close(ctx)
		}
	}()

	grants := capability.GrantsFor(cm.role)
	usesWASI, err := checkImports(cm.role, cm.compiled, grants)
	if err != nil {
		return nil, err
	}

	guestLogger := e.logger.Named("plugin." + string(cm.role))
	if err := binder.Bind(ctx, cm.runtime, cm.role, grants, guestLogger); err != nil {
		return nil, plugin.NewHostBindError(cm.role, err)
	}
	if usesWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, cm.runtime); err != nil {
			return nil, plugin.NewHostBindError(cm.role, err)
		}
	}

	stdout := &zapio.Writer{Log: guestLogger, Level: zap.InfoLevel}
	stderr := &zapio.Writer{Log: guestLogger, Level: zap.WarnLevel}

	modCfg := wazero.NewModuleConfig().
		WithName(string(cm.role)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithStartFunctions("_initialize")

	mod, err := cm.runtime.InstantiateModule(ctx, cm.compiled, modCfg)
	if err != nil {
		return nil, plugin.NewGuestInitError(cm.role, err)
	}

	res, err := mod.ExportedFunction(abi.ExportVersion).Call(ctx)
	if err != nil {
		return nil, plugin.NewGuestInitError(cm.role, err)
	}
	if got := api.DecodeU32(res[0]); got != abi.Version {
		return nil, plugin.NewABIMismatchError(cm.role, got, abi.Version)
	}

	return newInstance(cm, mod, guestLogger, stdout, stderr), nil
}

// Load compiles and instantiates the module at path for role.
func (e *Engine) Load(ctx context.Context, role plugin.Role, path string) (plugin.Instance, error) {
	cm, err := e.Compile(ctx, role, path)
	if err != nil {
		return nil, err
	}
	inst, err := e.Instantiate(ctx, cm, e.binder)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Module instantiated", zap.String("role", string(role)), zap.String("path", path))
	return inst, nil
}

// Close releases the compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}
