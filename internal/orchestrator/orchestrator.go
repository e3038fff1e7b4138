// Package orchestrator drives the plugin host: each tick it reloads changed
// plugins, polls sensor and monitor roles, merges their readings into the
// aggregate state and, depending on the cluster mode, forwards them to a hub.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pluginhost/internal/capability"
	"pluginhost/internal/clock"
	"pluginhost/internal/hal"
	"pluginhost/internal/state"
	"pluginhost/pkg/plugin"

	"go.uber.org/zap"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 5 * time.Second

// ErrNotAccepting is returned by Accept on nodes that are not hubs.
var ErrNotAccepting = errors.New("node does not accept pushed batches")

// Observer receives orchestration events, typically for metrics.
type Observer interface {
	ObserveTick(d time.Duration)
	ObservePoll(role plugin.Role, d time.Duration, err error)
	ObserveReload(role plugin.Role, err error)
	ObserveMerge(source string, n int)
	ObserveRender(role plugin.Role, d time.Duration, err error)
	ObserveForward(d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveTick(time.Duration)                       {}
func (nopObserver) ObservePoll(plugin.Role, time.Duration, error)   {}
func (nopObserver) ObserveReload(plugin.Role, error)                {}
func (nopObserver) ObserveMerge(string, int)                        {}
func (nopObserver) ObserveRender(plugin.Role, time.Duration, error) {}
func (nopObserver) ObserveForward(time.Duration, error)             {}

// Config configures the orchestrator.
type Config struct {
	NodeID   string
	Mode     Mode
	Interval time.Duration
	// HubURL is the push target of a spoke.
	HubURL         string
	ForwardTimeout time.Duration
	// HeartbeatPixel is the indicator index toggled every tick; negative
	// disables the heartbeat.
	HeartbeatPixel int
	HeartbeatColor hal.RGB
}

// TickReport summarises one tick.
type TickReport struct {
	Reloads    []plugin.ReloadResult
	Polled     []plugin.Role
	Failed     map[plugin.Role]error
	Merged     int
	Forwarded  bool
	ForwardErr error
	DisplayErr error
}

// Orchestrator runs the poll/merge/forward cycle and serves render and
// accept requests. Tick is not reentrant; the run loop is its only caller
// in production.
type Orchestrator struct {
	cfg       Config
	registry  *plugin.Registry
	state     *state.Manager
	host      *capability.Host
	forwarder *Forwarder
	clock     clock.Clock
	logger    *zap.Logger
	observer  Observer

	tickMu    sync.Mutex
	heartbeat bool

	nudge    chan struct{}
	stopChan chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// New creates an orchestrator. host may be nil when no indicator is wired.
func New(cfg Config, registry *plugin.Registry, st *state.Manager, host *capability.Host, clk clock.Clock, logger *zap.Logger) (*Orchestrator, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		state:    st,
		host:     host,
		clock:    clk,
		logger:   logger.Named("orchestrator"),
		observer: nopObserver{},
		nudge:    make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if cfg.Mode.Forwards() {
		if cfg.HubURL == "" {
			return nil, fmt.Errorf("spoke mode requires a hub url")
		}
		o.forwarder = NewForwarder(cfg.HubURL, cfg.ForwardTimeout, logger)
	}
	return o, nil
}

// SetObserver installs an observer. Call before Start.
func (o *Orchestrator) SetObserver(obs Observer) {
	if obs == nil {
		obs = nopObserver{}
	}
	o.observer = obs
}

func (o *Orchestrator) Mode() Mode                 { return o.cfg.Mode }
func (o *Orchestrator) NodeID() string             { return o.cfg.NodeID }
func (o *Orchestrator) Registry() *plugin.Registry { return o.registry }
func (o *Orchestrator) State() *state.Manager      { return o.state }

func (o *Orchestrator) nowMs() uint64 {
	return uint64(o.clock.Now().UnixMilli())
}

// Start runs an initial tick and then ticks every interval until Stop is
// called or ctx is done.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		o.logger.Debug("Orchestrator already started")
		return
	}

	o.logger.Info("Starting orchestrator",
		zap.String("node_id", o.cfg.NodeID),
		zap.String("mode", o.cfg.Mode.String()),
		zap.Duration("interval", o.cfg.Interval))
	go o.run(ctx)
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)

	ticker := o.clock.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	o.Tick(ctx)
	for {
		select {
		case <-ticker.C():
			o.Tick(ctx)
		case <-o.nudge:
			o.checkReloads(ctx)
		case <-o.stopChan:
			o.logger.Info("Stopping orchestrator")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the run loop and waits for an in-progress tick to finish. It is
// a no-op when the loop was never started.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopChan) })
	if o.started.Load() {
		<-o.done
	}
}

// Nudge asks the run loop to check for reloads before the next tick. It
// never blocks; nudges coalesce.
func (o *Orchestrator) Nudge() {
	select {
	case o.nudge <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) checkReloads(ctx context.Context) []plugin.ReloadResult {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()
	return o.reload(ctx)
}

func (o *Orchestrator) reload(ctx context.Context) []plugin.ReloadResult {
	results := o.registry.CheckReloads(ctx)
	for _, r := range results {
		o.observer.ObserveReload(r.Role, r.Err)
	}
	return results
}

// Tick runs one full cycle.
func (o *Orchestrator) Tick(ctx context.Context) TickReport {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()

	start := o.clock.Now()
	report := TickReport{Failed: make(map[plugin.Role]error)}

	report.Reloads = o.reload(ctx)

	var batch []state.SensorReading
	for _, role := range o.registry.EnabledRoles() {
		if !role.Kind().Polls() {
			continue
		}
		readings, err := o.poll(ctx, role)
		report.Polled = append(report.Polled, role)
		if err != nil {
			report.Failed[role] = err
			continue
		}
		batch = append(batch, readings...)
	}

	report.Merged = o.state.Merge(batch)
	o.observer.ObserveMerge("local", report.Merged)

	o.flushIndicator(ctx)

	report.DisplayErr = o.updateDisplay(ctx)

	if o.forwarder != nil && len(batch) > 0 {
		report.Forwarded = true
		report.ForwardErr = o.forward(ctx, batch)
	}

	o.observer.ObserveTick(o.clock.Since(start))
	return report
}

// poll invokes one role and normalizes its output. Failures stay local to
// the role.
func (o *Orchestrator) poll(ctx context.Context, role plugin.Role) ([]state.SensorReading, error) {
	slot, ok := o.registry.Get(role)
	if !ok {
		return nil, plugin.NewPluginNotLoadedError(role)
	}

	start := o.clock.Now()
	payload, err := slot.Poll(ctx)
	var readings []state.SensorReading
	if err == nil {
		readings, err = Normalize(role, o.cfg.NodeID, payload, o.nowMs())
	}
	o.observer.ObservePoll(role, o.clock.Since(start), err)

	if err != nil {
		o.logger.Warn("Poll failed, skipping role this tick",
			zap.String("role", string(role)),
			zap.Error(err))
		return nil, err
	}
	return readings, nil
}

// flushIndicator toggles the heartbeat pixel and pushes the buffer.
func (o *Orchestrator) flushIndicator(ctx context.Context) {
	if o.host == nil {
		return
	}
	if o.cfg.HeartbeatPixel >= 0 {
		o.heartbeat = !o.heartbeat
		c := hal.RGB{}
		if o.heartbeat {
			c = o.cfg.HeartbeatColor
		}
		o.host.Indicator().SetPixel(o.cfg.HeartbeatPixel, c)
	}
	_ = o.host.FlushIndicator(ctx)
}

func (o *Orchestrator) updateDisplay(ctx context.Context) error {
	if !o.registry.Enabled(plugin.RoleAuxiliaryDisplay) {
		return nil
	}
	err := o.UpdateDisplay(ctx)
	if err != nil {
		o.logger.Warn("Display update failed", zap.Error(err))
	}
	return err
}

func (o *Orchestrator) forward(ctx context.Context, batch []state.SensorReading) error {
	b := NewBatch(o.cfg.NodeID, batch, o.nowMs())
	start := o.clock.Now()
	err := o.forwarder.Forward(ctx, b)
	o.observer.ObserveForward(o.clock.Since(start), err)
	if err != nil {
		o.logger.Warn("Forward to hub failed, dropping batch",
			zap.String("hub", o.forwarder.HubURL()),
			zap.String("batch_id", b.BatchID),
			zap.Error(err))
	}
	return err
}

// Accept merges a batch pushed by a spoke. Ids without a node prefix are
// qualified with the batch's node id.
func (o *Orchestrator) Accept(ctx context.Context, b Batch) (int, error) {
	if !o.cfg.Mode.Accepts() {
		return 0, ErrNotAccepting
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := o.state.Merge(qualifyIncoming(b.NodeID, b.Readings))
	o.observer.ObserveMerge("push", n)
	o.logger.Debug("Accepted pushed batch",
		zap.String("node_id", b.NodeID),
		zap.String("batch_id", b.BatchID),
		zap.Int("readings", n))
	return n, nil
}

// Render renders the current state through the dashboard renderer.
func (o *Orchestrator) Render(ctx context.Context) ([]byte, error) {
	return o.RenderState(ctx, o.state.Snapshot())
}

// RenderState renders s through the dashboard renderer. The aggregate state
// is never modified, whatever the outcome.
func (o *Orchestrator) RenderState(ctx context.Context, s state.AppState) ([]byte, error) {
	role := plugin.RoleDashboardRenderer
	slot, ok := o.registry.Get(role)
	if !ok {
		return nil, plugin.NewPluginNotLoadedError(role)
	}
	view, err := BuildView(s)
	if err != nil {
		return nil, plugin.NewRenderError(role, err)
	}

	start := o.clock.Now()
	html, err := slot.Render(ctx, view)
	o.observer.ObserveRender(role, o.clock.Since(start), err)
	return html, err
}

// UpdateDisplay pushes the current view to the auxiliary display.
func (o *Orchestrator) UpdateDisplay(ctx context.Context) error {
	role := plugin.RoleAuxiliaryDisplay
	slot, ok := o.registry.Get(role)
	if !ok {
		return plugin.NewPluginNotLoadedError(role)
	}
	view, err := BuildView(o.state.Snapshot())
	if err != nil {
		return plugin.NewUpdateError(role, err)
	}

	start := o.clock.Now()
	err = slot.Update(ctx, view)
	o.observer.ObserveRender(role, o.clock.Since(start), err)
	return err
}
