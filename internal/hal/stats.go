package hal

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// DefaultThermalZone is where Linux SoCs expose the CPU temperature in
// millidegrees Celsius.
const DefaultThermalZone = "/sys/class/thermal/thermal_zone0/temp"

// HostStats implements SystemStats for the machine the host runs on.
type HostStats struct{}

// NewHostStats returns a SystemStats backed by gopsutil.
func NewHostStats() *HostStats {
	return &HostStats{}
}

// MemoryUsage returns used and total virtual memory in megabytes.
func (s *HostStats) MemoryUsage(ctx context.Context) (uint32, uint32, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read memory stats: %w", err)
	}
	return uint32(vm.Used >> 20), uint32(vm.Total >> 20), nil
}

// CPUUsage returns CPU utilisation since the previous call.
func (s *HostStats) CPUUsage(ctx context.Context) (float32, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, fmt.Errorf("failed to read cpu stats: %w", err)
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return float32(pct[0]), nil
}

// Uptime returns seconds since boot.
func (s *HostStats) Uptime(ctx context.Context) (uint64, error) {
	up, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read uptime: %w", err)
	}
	return up, nil
}

// ReadThermalZone parses a sysfs thermal zone file (millidegrees) into °C.
func ReadThermalZone(path string) (float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read thermal zone: %w", err)
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 32)
	if err != nil {
		return 0, fmt.Errorf("invalid thermal zone value %q: %w", strings.TrimSpace(string(raw)), err)
	}
	return float32(milli / 1000.0), nil
}

// thermalProvider overrides CPUTemperature with a sysfs thermal zone read.
type thermalProvider struct {
	Provider
	path string
}

// WithThermalZone wraps p so CPUTemperature reads path. When the file cannot
// be read the wrapped provider answers instead.
func WithThermalZone(p Provider, path string) Provider {
	if path == "" {
		return p
	}
	return &thermalProvider{Provider: p, path: path}
}

func (t *thermalProvider) CPUTemperature() (float32, error) {
	if v, err := ReadThermalZone(t.path); err == nil {
		return v, nil
	}
	return t.Provider.CPUTemperature()
}
