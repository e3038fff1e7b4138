package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pluginhost/internal/capability"
	"pluginhost/internal/clock"
	"pluginhost/internal/hal"
	"pluginhost/internal/state"
	"pluginhost/pkg/plugin"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// behavior scripts every generation of one role's fake plugin.
type behavior struct {
	mu     sync.Mutex
	poll   func() ([]byte, error)
	render func(view []byte) ([]byte, error)
	update func(view []byte) error
	views  [][]byte

	polls atomic.Int32
	loads atomic.Int32
}

func pollReturns(payload string) *behavior {
	return &behavior{poll: func() ([]byte, error) { return []byte(payload), nil }}
}

func (b *behavior) setPoll(fn func() ([]byte, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.poll = fn
}

func (b *behavior) lastView() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.views) == 0 {
		return nil
	}
	return b.views[len(b.views)-1]
}

type fakeInstance struct {
	b      *behavior
	closed atomic.Bool
}

func (f *fakeInstance) Poll(ctx context.Context) ([]byte, error) {
	f.b.polls.Add(1)
	f.b.mu.Lock()
	fn := f.b.poll
	f.b.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no poll")
	}
	return fn()
}

func (f *fakeInstance) Render(ctx context.Context, view []byte) ([]byte, error) {
	f.b.mu.Lock()
	f.b.views = append(f.b.views, view)
	fn := f.b.render
	f.b.mu.Unlock()
	if fn == nil {
		return view, nil
	}
	return fn(view)
}

func (f *fakeInstance) Update(ctx context.Context, view []byte) error {
	f.b.mu.Lock()
	f.b.views = append(f.b.views, view)
	fn := f.b.update
	f.b.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(view)
}

func (f *fakeInstance) Closed() bool { return f.closed.Load() }

func (f *fakeInstance) Close(ctx context.Context) error {
	f.closed.Store(true)
	return nil
}

type fixture struct {
	orch     *Orchestrator
	registry *plugin.Registry
	state    *state.Manager
	clock    *clock.MockClock
	mock     *hal.MockProvider
	paths    map[plugin.Role]string
}

// newFixture builds an orchestrator over fake plugins. Roles missing from
// behaviors are disabled.
func newFixture(t *testing.T, cfg Config, behaviors map[plugin.Role]*behavior) *fixture {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()
	clk := clock.NewMockClock(baseTime)

	paths := make(map[plugin.Role]string)
	for role := range behaviors {
		path := filepath.Join(dir, string(role)+".wasm")
		require.NoError(t, os.WriteFile(path, []byte(role), 0o644))
		require.NoError(t, os.Chtimes(path, baseTime, baseTime))
		paths[role] = path
	}

	loader := plugin.LoaderFunc(func(ctx context.Context, role plugin.Role, path string) (plugin.Instance, error) {
		b := behaviors[role]
		b.loads.Add(1)
		return &fakeInstance{b: b}, nil
	})

	registry, err := plugin.NewRegistry(context.Background(), loader, paths,
		plugin.WithLogger(logger), plugin.WithClock(clk), plugin.WithCallTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	mock := hal.NewMockProvider(logger)
	pool := capability.NewPool(1, logger)
	t.Cleanup(pool.Close)
	host := capability.NewHost(mock, nil, pool, capability.NewIndicator(mock, 11, 100),
		capability.NewBuzzer(mock, 17, true, logger), logger, capability.Config{})

	st := state.NewManager(clk, logger)
	orch, err := New(cfg, registry, st, host, clk, logger)
	require.NoError(t, err)

	return &fixture{orch: orch, registry: registry, state: st, clock: clk, mock: mock, paths: paths}
}

func ids(s state.AppState) []string {
	out := make([]string, 0, len(s.Readings))
	for _, r := range s.Readings {
		out = append(out, r.SensorID)
	}
	return out
}
