package hal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GPIOWrite records a single WriteGPIO call on the MockProvider.
type GPIOWrite struct {
	Pin  int
	High bool
	Time time.Time
}

// BusCall records a single BusTransfer call on the MockProvider.
type BusCall struct {
	Addr    uint16
	Write   []byte
	ReadLen int
}

// MockProvider implements Provider without touching hardware. It returns
// canned sensor values, records every output operation and can be told to
// fail individual operations.
type MockProvider struct {
	logger *zap.Logger

	mu          sync.Mutex
	reading     Reading
	cpuTemp     float32
	busResponse map[uint16][]byte
	failures    map[string]error
	delay       time.Duration

	gpioWrites []GPIOWrite
	busCalls   []BusCall
	frames     [][]RGB
}

// NewMockProvider creates a mock with the development defaults
// (25.0 °C, 50 % humidity, 45 °C CPU).
func NewMockProvider(logger *zap.Logger) *MockProvider {
	return &MockProvider{
		logger:      logger,
		reading:     Reading{Temperature: 25.0, Humidity: 50.0},
		cpuTemp:     45.0,
		busResponse: make(map[uint16][]byte),
		failures:    make(map[string]error),
	}
}

// Operation names accepted by Fail.
const (
	OpTemperatureHumidity = "temperature_humidity"
	OpBus                 = "bus"
	OpGPIO                = "gpio"
	OpPixels              = "pixels"
	OpCPUTemperature      = "cpu_temperature"
)

// Fail makes the named operation return err until cleared with a nil err.
func (m *MockProvider) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// SetReading changes the value returned by ReadTemperatureHumidity.
func (m *MockProvider) SetReading(r Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reading = r
}

// SetBusResponse sets the bytes returned for reads from addr. Reads longer
// than the response are zero padded.
func (m *MockProvider) SetBusResponse(addr uint16, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busResponse[addr] = append([]byte(nil), data...)
}

// SetDelay makes blocking reads sleep for d (or until ctx is done).
func (m *MockProvider) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *MockProvider) wait(ctx context.Context) error {
	m.mu.Lock()
	d := m.delay
	m.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockProvider) failure(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[op]
}

// ReadTemperatureHumidity returns the configured reading.
func (m *MockProvider) ReadTemperatureHumidity(ctx context.Context, ref int) (Reading, error) {
	if err := m.wait(ctx); err != nil {
		return Reading{}, err
	}
	if err := m.failure(OpTemperatureHumidity); err != nil {
		return Reading{}, err
	}
	m.mu.Lock()
	r := m.reading
	m.mu.Unlock()
	m.logger.Debug("Mock sensor read", zap.Int("ref", ref),
		zap.Float32("temperature", r.Temperature), zap.Float32("humidity", r.Humidity))
	return r, nil
}

// BusTransfer records the call and returns the configured response for addr.
func (m *MockProvider) BusTransfer(ctx context.Context, addr uint16, w []byte, readLen int) ([]byte, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if err := m.failure(OpBus); err != nil {
		return nil, err
	}
	if readLen < 0 {
		return nil, fmt.Errorf("negative read length %d", readLen)
	}

	m.mu.Lock()
	m.busCalls = append(m.busCalls, BusCall{Addr: addr, Write: append([]byte(nil), w...), ReadLen: readLen})
	out := make([]byte, readLen)
	copy(out, m.busResponse[addr])
	m.mu.Unlock()

	m.logger.Debug("Mock bus transfer", zap.Uint16("addr", addr),
		zap.Int("write_len", len(w)), zap.Int("read_len", readLen))
	return out, nil
}

// WriteGPIO records the pin level.
func (m *MockProvider) WriteGPIO(pin int, high bool) error {
	if err := m.failure(OpGPIO); err != nil {
		return err
	}
	m.mu.Lock()
	m.gpioWrites = append(m.gpioWrites, GPIOWrite{Pin: pin, High: high, Time: time.Now()})
	m.mu.Unlock()
	m.logger.Debug("Mock GPIO write", zap.Int("pin", pin), zap.Bool("high", high))
	return nil
}

// WritePixels records a copy of the frame.
func (m *MockProvider) WritePixels(pixels []RGB) error {
	if err := m.failure(OpPixels); err != nil {
		return err
	}
	frame := append([]RGB(nil), pixels...)
	m.mu.Lock()
	m.frames = append(m.frames, frame)
	m.mu.Unlock()
	m.logger.Debug("Mock indicator sync", zap.Int("pixels", len(frame)))
	return nil
}

// CPUTemperature returns the configured CPU temperature.
func (m *MockProvider) CPUTemperature() (float32, error) {
	if err := m.failure(OpCPUTemperature); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpuTemp, nil
}

// GPIOWrites returns all recorded GPIO writes.
func (m *MockProvider) GPIOWrites() []GPIOWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GPIOWrite(nil), m.gpioWrites...)
}

// BusCalls returns all recorded bus transfers.
func (m *MockProvider) BusCalls() []BusCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BusCall(nil), m.busCalls...)
}

// Frames returns every frame pushed with WritePixels, oldest first.
func (m *MockProvider) Frames() [][]RGB {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]RGB, len(m.frames))
	copy(out, m.frames)
	return out
}

// LastFrame returns the most recent frame, or nil if none was written.
func (m *MockProvider) LastFrame() []RGB {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frames) == 0 {
		return nil
	}
	return m.frames[len(m.frames)-1]
}

// Reset clears recorded calls but keeps configured values and failures.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gpioWrites = nil
	m.busCalls = nil
	m.frames = nil
}
