// Package metrics exposes host, plugin and capability counters to
// Prometheus.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"pluginhost/internal/capability"
	"pluginhost/pkg/plugin"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pluginhost"

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Metrics holds the collectors. It implements orchestrator.Observer and
// capability.Observer.
type Metrics struct {
	registry *prometheus.Registry

	ticks        prometheus.Histogram
	polls        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	reloads      *prometheus.CounterVec
	merged       *prometheus.CounterVec
	renders      *prometheus.CounterVec
	forwards     *prometheus.CounterVec
	forwardTime  prometheus.Histogram
	capabilities *prometheus.CounterVec
	generation   *prometheus.GaugeVec
	readings     prometheus.Gauge

	registryMu sync.RWMutex
	plugins    *plugin.Registry
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of orchestration ticks.",
			Buckets:   prometheus.DefBuckets,
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Plugin polls by role and result.",
		}, []string{"role", "result"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of plugin polls including normalization.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"role"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Hot reload attempts by role and result.",
		}, []string{"role", "result"}),
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_merged_total",
			Help:      "Readings merged into the aggregate state by source.",
		}, []string{"source"}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Render and display update calls by role and result.",
		}, []string{"role", "result"}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_total",
			Help:      "Batches pushed to the hub by result.",
		}, []string{"result"}),
		forwardTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Duration of pushes to the hub.",
			Buckets:   prometheus.DefBuckets,
		}),
		capabilities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_calls_total",
			Help:      "Mediated capability calls by group, function and result.",
		}, []string{"group", "function", "result"}),
		generation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugin_generation",
			Help:      "Current generation of each loaded plugin.",
		}, []string{"role"}),
		readings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "readings",
			Help:      "Distinct sensors in the aggregate state.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.polls, m.pollDuration, m.reloads, m.merged, m.renders,
		m.forwards, m.forwardTime, m.capabilities, m.generation, m.readings,
	)
	return m
}

// Registry returns the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveTick(d time.Duration) {
	m.ticks.Observe(d.Seconds())
}

func (m *Metrics) ObservePoll(role plugin.Role, d time.Duration, err error) {
	m.polls.WithLabelValues(string(role), result(err)).Inc()
	m.pollDuration.WithLabelValues(string(role)).Observe(d.Seconds())
}

func (m *Metrics) ObserveReload(role plugin.Role, err error) {
	m.reloads.WithLabelValues(string(role), result(err)).Inc()

	m.registryMu.RLock()
	r := m.plugins
	m.registryMu.RUnlock()
	if r == nil {
		return
	}
	if slot, ok := r.Get(role); ok {
		m.SetGeneration(role, slot.Generation())
	}
}

// TrackRegistry records the current generation of every enabled role and
// refreshes it after each reload.
func (m *Metrics) TrackRegistry(r *plugin.Registry) {
	m.registryMu.Lock()
	m.plugins = r
	m.registryMu.Unlock()

	for _, role := range r.EnabledRoles() {
		if slot, ok := r.Get(role); ok {
			m.SetGeneration(role, slot.Generation())
		}
	}
}

func (m *Metrics) ObserveMerge(source string, n int) {
	m.merged.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) ObserveRender(role plugin.Role, d time.Duration, err error) {
	m.renders.WithLabelValues(string(role), result(err)).Inc()
}

func (m *Metrics) ObserveForward(d time.Duration, err error) {
	m.forwards.WithLabelValues(result(err)).Inc()
	m.forwardTime.Observe(d.Seconds())
}

// CapabilityCall counts one mediated call.
func (m *Metrics) CapabilityCall(group capability.Group, name string, err error) {
	m.capabilities.WithLabelValues(string(group), name, result(err)).Inc()
}

// SetGeneration records the generation of role's loaded plugin.
func (m *Metrics) SetGeneration(role plugin.Role, generation uint64) {
	m.generation.WithLabelValues(string(role)).Set(float64(generation))
}

// SetReadings records the number of distinct sensors.
func (m *Metrics) SetReadings(n int) {
	m.readings.Set(float64(n))
}
