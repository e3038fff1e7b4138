package plugin

import (
	"time"

	"pluginhost/internal/clock"

	"go.uber.org/zap"
)

// DefaultCallTimeout bounds a single poll, render or update call.
const DefaultCallTimeout = 5 * time.Second

// Option configures slots created by NewSlot and NewRegistry.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	callTimeout time.Duration
	clock       clock.Clock
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		callTimeout: DefaultCallTimeout,
		clock:       clock.NewRealClock(),
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. Slots log under "plugin.<role>".
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCallTimeout sets the per-call deadline. Non-positive values keep the default.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithClock sets the clock used for status timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}
