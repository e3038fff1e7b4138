package capability

import (
	"sync"

	"pluginhost/internal/hal"
)

// Indicator is the in-memory pixel buffer behind the indicator group. Set
// operations only touch memory; Flush pushes the whole buffer to hardware.
//
// mu is a leaf lock. flushMu orders hardware writes so frames reach the
// strip in the order they were snapshotted; it is only ever taken before mu.
type Indicator struct {
	hw hal.Provider

	flushMu sync.Mutex

	mu         sync.Mutex
	pixels     []hal.RGB
	brightness uint8
}

// NewIndicator creates a buffer of count pixels, all off. brightness is a
// percentage applied when flushing; values outside 1..100 mean full.
func NewIndicator(hw hal.Provider, count int, brightness int) *Indicator {
	if count < 0 {
		count = 0
	}
	b := uint8(100)
	if brightness > 0 && brightness < 100 {
		b = uint8(brightness)
	}
	return &Indicator{
		hw:         hw,
		pixels:     make([]hal.RGB, count),
		brightness: b,
	}
}

// Len returns the number of pixels.
func (i *Indicator) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pixels)
}

// SetPixel sets one pixel. Out-of-range indices are ignored and report false.
func (i *Indicator) SetPixel(index int, c hal.RGB) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if index < 0 || index >= len(i.pixels) {
		return false
	}
	i.pixels[index] = c
	return true
}

// SetAll sets every pixel to c.
func (i *Indicator) SetAll(c hal.RGB) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.pixels {
		i.pixels[idx] = c
	}
}

// Clear turns every pixel off.
func (i *Indicator) Clear() {
	i.SetAll(hal.RGB{})
}

// Snapshot returns a copy of the buffer as set, before brightness scaling.
func (i *Indicator) Snapshot() []hal.RGB {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]hal.RGB(nil), i.pixels...)
}

// Flush writes the full buffer to hardware. Flushing an unchanged buffer
// writes the same frame again.
func (i *Indicator) Flush() error {
	i.flushMu.Lock()
	defer i.flushMu.Unlock()

	i.mu.Lock()
	frame := make([]hal.RGB, len(i.pixels))
	for idx, c := range i.pixels {
		frame[idx] = scale(c, i.brightness)
	}
	i.mu.Unlock()

	return i.hw.WritePixels(frame)
}

func scale(c hal.RGB, pct uint8) hal.RGB {
	if pct >= 100 {
		return c
	}
	return hal.RGB{
		R: uint8(uint16(c.R) * uint16(pct) / 100),
		G: uint8(uint16(c.G) * uint16(pct) / 100),
		B: uint8(uint16(c.B) * uint16(pct) / 100),
	}
}
