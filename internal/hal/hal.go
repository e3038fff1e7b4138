// Package hal is the boundary between the plugin host and physical hardware.
// The capability host only ever talks to a Provider; real board drivers live
// outside this module and the MockProvider stands in for development and tests.
package hal

import (
	"context"
)

// Reading is a combined temperature/humidity measurement.
type Reading struct {
	Temperature float32
	Humidity    float32
}

// RGB is one pixel of the indicator strip.
type RGB struct {
	R, G, B uint8
}

// Provider is the hardware access surface. Implementations must be safe for
// concurrent use; blocking methods are called from the capability worker pool.
type Provider interface {
	// ReadTemperatureHumidity reads the single-wire sensor identified by ref
	// (a GPIO pin on the reference board).
	ReadTemperatureHumidity(ctx context.Context, ref int) (Reading, error)

	// BusTransfer writes w to the bus device at addr and then reads readLen bytes.
	BusTransfer(ctx context.Context, addr uint16, w []byte, readLen int) ([]byte, error)

	// WriteGPIO drives a digital output pin to the given electrical level.
	WriteGPIO(pin int, high bool) error

	// WritePixels pushes the full indicator strip contents to the hardware.
	WritePixels(pixels []RGB) error

	// CPUTemperature returns the SoC temperature in degrees Celsius.
	CPUTemperature() (float32, error)
}

// SystemStats reports host resource usage for monitor plugins.
type SystemStats interface {
	// MemoryUsage returns used and total memory in megabytes.
	MemoryUsage(ctx context.Context) (usedMB, totalMB uint32, err error)
	// CPUUsage returns overall CPU utilisation in percent.
	CPUUsage(ctx context.Context) (float32, error)
	// Uptime returns seconds since boot.
	Uptime(ctx context.Context) (uint64, error)
}
