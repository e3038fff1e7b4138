package capability

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"pluginhost/internal/hal"
	"pluginhost/pkg/plugin"

	"github.com/agilira/go-timecache"
	"go.uber.org/zap"
)

// Limits applied to guest hardware requests.
const (
	DefaultHardwareTimeout = 2 * time.Second
	MaxBusAddress          = 0x3FF
	MaxBusRead             = 4096
)

// Observer is notified after every mediated capability call.
type Observer interface {
	CapabilityCall(group Group, name string, err error)
}

// Config holds the hardware parameters of the host.
type Config struct {
	// HardwareTimeout bounds a single blocking hardware operation.
	HardwareTimeout time.Duration
	// DefaultSensorRef replaces a non-positive sensor ref from a guest.
	DefaultSensorRef int
	// DefaultBusAddress replaces bus address 0 from a guest.
	DefaultBusAddress uint16
}

// Host implements the capability groups on top of a hal.Provider. Every
// method is safe for concurrent use by many guests.
type Host struct {
	hw        hal.Provider
	stats     hal.SystemStats
	pool      *Pool
	indicator *Indicator
	buzzer    *Buzzer
	logger    *zap.Logger
	cfg       Config
	observer  Observer
}

// NewHost creates a capability host. stats may be nil, in which case the
// system group reports zeros.
func NewHost(hw hal.Provider, stats hal.SystemStats, pool *Pool, indicator *Indicator, buzzer *Buzzer, logger *zap.Logger, cfg Config) *Host {
	if cfg.HardwareTimeout <= 0 {
		cfg.HardwareTimeout = DefaultHardwareTimeout
	}
	return &Host{
		hw:        hw,
		stats:     stats,
		pool:      pool,
		indicator: indicator,
		buzzer:    buzzer,
		logger:    logger.Named("capability"),
		cfg:       cfg,
	}
}

// SetObserver installs an observer. Call before any guest is instantiated.
func (h *Host) SetObserver(o Observer) {
	h.observer = o
}

func (h *Host) Indicator() *Indicator { return h.indicator }
func (h *Host) Buzzer() *Buzzer       { return h.buzzer }

func (h *Host) observe(group Group, name string, err error) {
	if h.observer != nil {
		h.observer.CapabilityCall(group, name, err)
	}
}

// blocking runs fn on the pool with the hardware timeout and maps failures to
// capability errors.
func (h *Host) blocking(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.HardwareTimeout)
	defer cancel()

	err := h.pool.Do(ctx, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return plugin.NewCapabilityTimeoutError(name, err)
	default:
		return plugin.NewHardwareFailureError(name, err)
	}
}

// ReadTemperatureHumidity reads the single-wire sensor ref; ref 0 selects the configured sensor.
func (h *Host) ReadTemperatureHumidity(ctx context.Context, ref int) TemperatureHumidityResponse {
	if ref <= 0 {
		ref = h.cfg.DefaultSensorRef
	}

	var reading hal.Reading
	err := h.blocking(ctx, FnReadTemperatureHumidity, func(ctx context.Context) error {
		var err error
		reading, err = h.hw.ReadTemperatureHumidity(ctx, ref)
		return err
	})
	h.observe(GroupHardware, FnReadTemperatureHumidity, err)
	if err != nil {
		h.logger.Warn("Sensor read failed", zap.Int("ref", ref), zap.Error(err))
		return TemperatureHumidityResponse{Response: failure(err)}
	}
	return TemperatureHumidityResponse{
		Response:    Response{OK: true},
		Temperature: reading.Temperature,
		Humidity:    reading.Humidity,
	}
}

// ReadBus writes w to the device at addr and reads readLen bytes back.
// Address 0 selects the configured default device.
func (h *Host) ReadBus(ctx context.Context, addr uint32, w []byte, readLen uint32) BusResponse {
	if addr == 0 {
		addr = uint32(h.cfg.DefaultBusAddress)
	}
	if addr > MaxBusAddress {
		err := plugin.NewBadRequestError(FnReadBus, "bus address out of range")
		h.observe(GroupHardware, FnReadBus, err)
		return BusResponse{Response: failure(err)}
	}
	if readLen > MaxBusRead {
		err := plugin.NewBadRequestError(FnReadBus, "read length exceeds limit")
		h.observe(GroupHardware, FnReadBus, err)
		return BusResponse{Response: failure(err)}
	}

	var data []byte
	err := h.blocking(ctx, FnReadBus, func(ctx context.Context) error {
		var err error
		data, err = h.hw.BusTransfer(ctx, uint16(addr), w, int(readLen))
		return err
	})
	h.observe(GroupHardware, FnReadBus, err)
	if err != nil {
		h.logger.Warn("Bus transfer failed", zap.Uint32("addr", addr), zap.Error(err))
		return BusResponse{Response: failure(err)}
	}
	return BusResponse{Response: Response{OK: true}, Data: hex.EncodeToString(data)}
}

// CPUTemperature reads the SoC temperature on the pool, or returns 0 when it
// cannot be read within the hardware timeout.
func (h *Host) CPUTemperature(ctx context.Context) float32 {
	var t float32
	err := h.blocking(ctx, FnGetCPUTemperature, func(context.Context) error {
		var err error
		t, err = h.hw.CPUTemperature()
		return err
	})
	h.observe(GroupHardware, FnGetCPUTemperature, err)
	if err != nil {
		h.logger.Debug("CPU temperature unavailable", zap.Error(err))
		return 0
	}
	return t
}

// TimestampMs returns the host's wall clock in milliseconds.
func (h *Host) TimestampMs() uint64 {
	return uint64(timecache.CachedTimeNano() / int64(time.Millisecond))
}

// MemoryUsage returns used and total memory in megabytes; zeros on failure.
func (h *Host) MemoryUsage(ctx context.Context) (used, total uint32) {
	if h.stats == nil {
		return 0, 0
	}
	err := h.blocking(ctx, FnMemoryUsage, func(ctx context.Context) error {
		var err error
		used, total, err = h.stats.MemoryUsage(ctx)
		return err
	})
	h.observe(GroupSystem, FnMemoryUsage, err)
	if err != nil {
		h.logger.Debug("Memory stats unavailable", zap.Error(err))
		return 0, 0
	}
	return used, total
}

// CPUUsage returns CPU utilisation in percent; 0 on failure.
func (h *Host) CPUUsage(ctx context.Context) float32 {
	if h.stats == nil {
		return 0
	}
	var pct float32
	err := h.blocking(ctx, FnCPUUsage, func(ctx context.Context) error {
		var err error
		pct, err = h.stats.CPUUsage(ctx)
		return err
	})
	h.observe(GroupSystem, FnCPUUsage, err)
	if err != nil {
		h.logger.Debug("CPU stats unavailable", zap.Error(err))
		return 0
	}
	return pct
}

// Uptime returns seconds since boot; 0 on failure.
func (h *Host) Uptime(ctx context.Context) uint64 {
	if h.stats == nil {
		return 0
	}
	var up uint64
	err := h.blocking(ctx, FnUptime, func(ctx context.Context) error {
		var err error
		up, err = h.stats.Uptime(ctx)
		return err
	})
	h.observe(GroupSystem, FnUptime, err)
	if err != nil {
		h.logger.Debug("Uptime unavailable", zap.Error(err))
		return 0
	}
	return up
}

// FlushIndicator writes the pixel buffer to hardware on the pool.
func (h *Host) FlushIndicator(ctx context.Context) error {
	err := h.blocking(ctx, FnFlush, func(context.Context) error {
		return h.indicator.Flush()
	})
	h.observe(GroupIndicator, FnFlush, err)
	if err != nil {
		h.logger.Warn("Indicator flush failed", zap.Error(err))
	}
	return err
}

// Buzz sounds the buzzer for d on the pool.
func (h *Host) Buzz(ctx context.Context, d time.Duration) error {
	err := h.buzzerJob(ctx, FnActivate, d, func(ctx context.Context) error {
		return h.buzzer.Activate(ctx, d)
	})
	h.observe(GroupBuzzer, FnActivate, err)
	return err
}

// BuzzPattern plays a beep pattern on the pool.
func (h *Host) BuzzPattern(ctx context.Context, count int, on, gap time.Duration) error {
	total := time.Duration(min(count, MaxBuzzCount)) * (min(on, MaxBuzzDuration) + min(gap, MaxBuzzDuration))
	err := h.buzzerJob(ctx, FnPattern, total, func(ctx context.Context) error {
		return h.buzzer.Pattern(ctx, count, on, gap)
	})
	h.observe(GroupBuzzer, FnPattern, err)
	return err
}

// buzzerJob runs a buzzer sequence with a deadline covering its length.
func (h *Host) buzzerJob(ctx context.Context, name string, length time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, length+h.cfg.HardwareTimeout)
	defer cancel()
	if err := h.pool.Do(ctx, fn); err != nil {
		h.logger.Warn("Buzzer operation failed", zap.String("op", name), zap.Error(err))
		return plugin.NewHardwareFailureError(name, err)
	}
	return nil
}
