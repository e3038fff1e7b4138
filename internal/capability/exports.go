package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pluginhost/internal/abi"
	"pluginhost/internal/hal"
	"pluginhost/pkg/plugin"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Guest log levels accepted by log.write.
const (
	LogLevelDebug uint32 = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// maxLogLine truncates guest log lines.
const maxLogLine = 4096

// Binder installs the capability groups granted to a role as host modules in
// a guest's runtime. Functions outside the grant are never defined, so a
// guest cannot link against them.
type Binder struct {
	host *Host
}

// NewBinder creates a binder serving calls from host.
func NewBinder(host *Host) *Binder {
	return &Binder{host: host}
}

// Host returns the capability host behind the binder.
func (b *Binder) Host() *Host {
	return b.host
}

// Bind defines one host module per granted group in r. logger receives the
// guest's log.write output.
func (b *Binder) Bind(ctx context.Context, r wazero.Runtime, role plugin.Role, grants Grants, logger *zap.Logger) error {
	for _, group := range grants.Groups() {
		builder := r.NewHostModuleBuilder(string(group))
		for _, name := range grants.Functions(group) {
			fn := b.function(group, name, logger)
			if fn == nil {
				return fmt.Errorf("no implementation for %s.%s", group, name)
			}
			builder.NewFunctionBuilder().WithFunc(fn).Export(name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return fmt.Errorf("failed to define host module %s for %s: %w", group, role, err)
		}
	}
	return nil
}

// reply hands a JSON response to the guest as a packed pointer/length.
// A response that cannot be delivered yields 0.
func reply(ctx context.Context, m api.Module, logger *zap.Logger, v any) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to encode capability response", zap.Error(err))
		return 0
	}
	packed, err := abi.Write(ctx, m, data)
	if err != nil {
		logger.Warn("Failed to deliver capability response", zap.Error(err))
		return 0
	}
	return packed
}

func color(r, g, b uint32) hal.RGB {
	return hal.RGB{R: uint8(r), G: uint8(g), B: uint8(b)}
}

func ms(v uint32) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (b *Binder) function(group Group, name string, logger *zap.Logger) any {
	h := b.host
	switch group {
	case GroupHardware:
		switch name {
		case FnReadTemperatureHumidity:
			return func(ctx context.Context, m api.Module, ref uint32) uint64 {
				return reply(ctx, m, logger, h.ReadTemperatureHumidity(ctx, int(ref)))
			}
		case FnReadBus:
			return func(ctx context.Context, m api.Module, addr, wptr, wlen, rlen uint32) uint64 {
				w, err := abi.Read(m, wptr, wlen)
				if err != nil {
					bad := plugin.NewBadRequestError(FnReadBus, err.Error())
					h.observe(GroupHardware, FnReadBus, bad)
					return reply(ctx, m, logger, BusResponse{Response: failure(bad)})
				}
				return reply(ctx, m, logger, h.ReadBus(ctx, addr, w, rlen))
			}
		case FnGetCPUTemperature:
			return func(ctx context.Context) float32 {
				return h.CPUTemperature(ctx)
			}
		case FnGetTimestampMs:
			return func(ctx context.Context) uint64 {
				return h.TimestampMs()
			}
		}

	case GroupIndicator:
		switch name {
		case FnSetPixel:
			return func(ctx context.Context, index, r, g, bl uint32) {
				h.indicator.SetPixel(int(index), color(r, g, bl))
			}
		case FnSetAll:
			return func(ctx context.Context, r, g, bl uint32) {
				h.indicator.SetAll(color(r, g, bl))
			}
		case FnClear:
			return func(ctx context.Context) {
				h.indicator.Clear()
			}
		case FnFlush:
			return func(ctx context.Context) {
				_ = h.FlushIndicator(ctx)
			}
		}

	case GroupBuzzer:
		switch name {
		case FnActivate:
			return func(ctx context.Context, durationMs uint32) {
				_ = h.Buzz(ctx, ms(durationMs))
			}
		case FnPattern:
			return func(ctx context.Context, count, onMs, gapMs uint32) {
				_ = h.BuzzPattern(ctx, int(count), ms(onMs), ms(gapMs))
			}
		}

	case GroupSystem:
		switch name {
		case FnMemoryUsage:
			return func(ctx context.Context) uint64 {
				used, total := h.MemoryUsage(ctx)
				return uint64(used)<<32 | uint64(total)
			}
		case FnCPUUsage:
			return func(ctx context.Context) float32 {
				return h.CPUUsage(ctx)
			}
		case FnUptime:
			return func(ctx context.Context) uint64 {
				return h.Uptime(ctx)
			}
		}

	case GroupLog:
		if name == FnWrite {
			return func(ctx context.Context, m api.Module, level, ptr, length uint32) {
				if length > maxLogLine {
					length = maxLogLine
				}
				msg, err := abi.Read(m, ptr, length)
				if err != nil {
					logger.Warn("Unreadable guest log line", zap.Error(err))
					return
				}
				guestLog(logger, level, string(msg))
			}
		}
	}
	return nil
}

func guestLog(logger *zap.Logger, level uint32, msg string) {
	switch level {
	case LogLevelDebug:
		logger.Debug(msg)
	case LogLevelInfo:
		logger.Info(msg)
	case LogLevelWarn:
		logger.Warn(msg)
	default:
		logger.Error(msg)
	}
}
