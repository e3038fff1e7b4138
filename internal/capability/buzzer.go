package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pluginhost/internal/hal"

	"go.uber.org/zap"
)

// Limits applied to guest buzzer requests.
const (
	MaxBuzzDuration = 5 * time.Second
	MaxBuzzCount    = 10
)

// Buzzer drives the relay behind the buzzer group. Callers say on/off; the
// electrical level, including active-low inversion, is decided here.
type Buzzer struct {
	hw        hal.Provider
	pin       int
	activeLow bool
	logger    *zap.Logger

	// held for a whole activation or pattern so sequences never interleave
	mu sync.Mutex
}

// NewBuzzer creates a buzzer on pin.
func NewBuzzer(hw hal.Provider, pin int, activeLow bool, logger *zap.Logger) *Buzzer {
	return &Buzzer{hw: hw, pin: pin, activeLow: activeLow, logger: logger.Named("buzzer")}
}

func (b *Buzzer) level(on bool) bool {
	if b.activeLow {
		return !on
	}
	return on
}

func (b *Buzzer) set(on bool) error {
	if err := b.hw.WriteGPIO(b.pin, b.level(on)); err != nil {
		return fmt.Errorf("buzzer pin %d: %w", b.pin, err)
	}
	return nil
}

// Off forces the relay to its idle level.
func (b *Buzzer) Off() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set(false)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Buzzer) beep(ctx context.Context, d time.Duration) error {
	if err := b.set(true); err != nil {
		return err
	}
	waitErr := sleep(ctx, d)
	// Always release the relay, even when ctx ended the wait.
	if err := b.set(false); err != nil {
		return err
	}
	return waitErr
}

// Activate sounds the buzzer for d, clamped to MaxBuzzDuration.
func (b *Buzzer) Activate(ctx context.Context, d time.Duration) error {
	if d > MaxBuzzDuration {
		d = MaxBuzzDuration
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger.Debug("Buzzer activate", zap.Duration("duration", d))
	return b.beep(ctx, d)
}

// Pattern sounds count beeps of on separated by gap.
func (b *Buzzer) Pattern(ctx context.Context, count int, on, gap time.Duration) error {
	if count <= 0 {
		return nil
	}
	if count > MaxBuzzCount {
		count = MaxBuzzCount
	}
	if on > MaxBuzzDuration {
		on = MaxBuzzDuration
	}
	if gap > MaxBuzzDuration {
		gap = MaxBuzzDuration
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger.Debug("Buzzer pattern", zap.Int("count", count),
		zap.Duration("on", on), zap.Duration("gap", gap))

	for i := 0; i < count; i++ {
		if err := b.beep(ctx, on); err != nil {
			return err
		}
		if i < count-1 {
			if err := sleep(ctx, gap); err != nil {
				return err
			}
		}
	}
	return nil
}

// SelfTest plays three short beeps.
func (b *Buzzer) SelfTest(ctx context.Context) error {
	return b.Pattern(ctx, 3, 100*time.Millisecond, 100*time.Millisecond)
}
