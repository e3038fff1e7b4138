package state

import (
	"pluginhost/internal/state"
)

// StoreAdapter wraps internal state.Manager to implement pkg state.Store
type StoreAdapter struct {
	internal *state.Manager
}

// WrapManager wraps an internal state.Manager to implement the pkg state.Store interface
func WrapManager(m *state.Manager) Store {
	return &StoreAdapter{internal: m}
}

// UnwrapManager returns the underlying internal manager if available
func UnwrapManager(s Store) *state.Manager {
	if adapter, ok := s.(*StoreAdapter); ok {
		return adapter.internal
	}
	return nil
}

func (a *StoreAdapter) Merge(readings []SensorReading) int {
	return a.internal.Merge(readings)
}

func (a *StoreAdapter) Snapshot() AppState {
	return a.internal.Snapshot()
}

func (a *StoreAdapter) Get(sensorID string) (SensorReading, bool) {
	return a.internal.Get(sensorID)
}

func (a *StoreAdapter) Len() int {
	return a.internal.Len()
}

func (a *StoreAdapter) LastUpdate() uint64 {
	return a.internal.LastUpdate()
}

func (a *StoreAdapter) Subscribe(handler ChangeHandler) Subscription {
	// Convert between handler types
	return a.internal.Subscribe(func(changed []SensorReading, lastUpdate uint64) {
		handler(changed, lastUpdate)
	})
}
