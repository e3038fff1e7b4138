// Package harness provides a TestEnv for end-to-end plugin tests. It builds
// the real engine, capability host, registry and orchestrator over a mock
// hardware provider and a mock clock, and exposes the aggregate state via
// pkg interfaces.
package harness

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pluginhost/internal/capability"
	"pluginhost/internal/clock"
	"pluginhost/internal/engine"
	"pluginhost/internal/hal"
	"pluginhost/internal/orchestrator"
	"pluginhost/internal/state"
	"pluginhost/pkg/plugin"
	pkgstate "pluginhost/pkg/state"
	"pluginhost/pkg/testutil"

	"go.uber.org/zap"
)

// StartTime is the mock clock's initial time and the mtime of the first
// installed binaries.
var StartTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// Options configures a TestEnv. Zero values give a standalone node "node1"
// with no heartbeat pixel and a 2s call timeout.
type Options struct {
	NodeID         string
	Mode           orchestrator.Mode
	HubURL         string
	ForwardTimeout time.Duration
	CallTimeout    time.Duration
	HeartbeatPixel int
	Heartbeat      bool
}

// TestEnv is a complete plugin host wired for tests.
type TestEnv struct {
	Dir          string
	Hardware     *hal.MockProvider
	Clock        *clock.MockClock
	Host         *capability.Host
	Store        pkgstate.Store
	Registry     *plugin.Registry
	Orchestrator *orchestrator.Orchestrator
	Logger       *zap.Logger

	t       testing.TB
	opts    Options
	engine *engine.Engine
	pool   *capability.Pool
	paths  map[plugin.Role]string
	writes int
}

// New creates the environment without any plugin. Install binaries, then
// call Start.
//
// Example usage:
//
//	env := harness.New(t, harness.Options{})
//	env.Install(plugin.RolePrimarySensor, testutil.SensorGuest(`[...]`))
//	require.NoError(t, env.Start())
//	report := env.Tick()
func New(t testing.TB, opts Options) *TestEnv {
	t.Helper()
	if opts.NodeID == "" {
		opts.NodeID = "node1"
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 2 * time.Second
	}
	if !opts.Heartbeat {
		opts.HeartbeatPixel = -1
	}

	logger := zap.NewNop()
	hw := hal.NewMockProvider(logger)
	pool := capability.NewPool(2, logger)
	host := capability.NewHost(hw, nil, pool,
		capability.NewIndicator(hw, 11, 100),
		capability.NewBuzzer(hw, 17, true, logger),
		logger, capability.Config{HardwareTimeout: time.Second})

	eng, err := engine.New(capability.NewBinder(host), engine.Config{}, logger)
	if err != nil {
		pool.Close()
		t.Fatalf("failed to create engine: %v", err)
	}

	clk := clock.NewMockClock(StartTime)

	env := &TestEnv{
		Dir:      t.TempDir(),
		Hardware: hw,
		Clock:    clk,
		Host:     host,
		Store:    pkgstate.WrapManager(state.NewManager(clk, logger)),
		Logger:   logger,
		t:        t,
		opts:     opts,
		engine:   eng,
		pool:     pool,
		paths:    make(map[plugin.Role]string),
	}
	t.Cleanup(env.Cleanup)
	return env
}

// Install writes bin as role's binary. Each write gets a later mtime than the
// previous one, so replacing a loaded binary is always seen as a change.
func (e *TestEnv) Install(role plugin.Role, bin []byte) string {
	e.t.Helper()
	mtime := StartTime.Add(time.Duration(e.writes) * time.Second)
	e.writes++
	path := testutil.WriteModule(e.t, e.Dir, string(role)+".wasm", bin, mtime)
	e.paths[role] = path
	return path
}

// Corrupt overwrites role's binary with bytes that are not a wasm module.
func (e *TestEnv) Corrupt(role plugin.Role) {
	e.Install(role, []byte("definitely not wasm"))
}

// Start loads every installed role and builds the orchestrator.
func (e *TestEnv) Start() error {
	registry, err := plugin.NewRegistry(context.Background(), e.engine, e.paths,
		plugin.WithLogger(e.Logger),
		plugin.WithClock(e.Clock),
		plugin.WithCallTimeout(e.opts.CallTimeout))
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		NodeID:         e.opts.NodeID,
		Mode:           e.opts.Mode,
		Interval:       5 * time.Second,
		HubURL:         e.opts.HubURL,
		ForwardTimeout: e.opts.ForwardTimeout,
		HeartbeatPixel: e.opts.HeartbeatPixel,
		HeartbeatColor: hal.RGB{G: 40},
	}, registry, pkgstate.UnwrapManager(e.Store), e.Host, e.Clock, e.Logger)
	if err != nil {
		_ = registry.Close(context.Background())
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	e.Registry = registry
	e.Orchestrator = orch
	return nil
}

// Tick runs one orchestration cycle after advancing the clock by one second.
func (e *TestEnv) Tick() orchestrator.TickReport {
	e.Clock.Advance(time.Second)
	return e.Orchestrator.Tick(context.Background())
}

// Generation returns role's current generation, or 0 when disabled.
func (e *TestEnv) Generation(role plugin.Role) uint64 {
	slot, ok := e.Registry.Get(role)
	if !ok {
		return 0
	}
	return slot.Generation()
}

// Cleanup releases every plugin and the engine. It is registered with
// t.Cleanup by New and safe to call more than once.
func (e *TestEnv) Cleanup() {
	ctx := context.Background()
	if e.Orchestrator != nil {
		e.Orchestrator.Stop()
	}
	if e.Registry != nil {
		_ = e.Registry.Close(ctx)
	}
	if e.engine != nil {
		_ = e.engine.Close(ctx)
		e.engine = nil
	}
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
	}
}
