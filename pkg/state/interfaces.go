// Package state provides the public interface definitions for the aggregate
// sensor state. These can be imported by external packages, such as
// out-of-tree integration tests.
//
// The actual implementation is in internal/state, which is wrapped by these
// public interfaces for external consumption.
package state

import (
	"pluginhost/internal/state"
)

// SensorReading is one normalized reading.
type SensorReading = state.SensorReading

// AppState is the aggregate view of all readings.
type AppState = state.AppState

// ChangeHandler is called after each merge.
type ChangeHandler func(changed []SensorReading, lastUpdate uint64)

// Subscription represents an active change subscription.
type Subscription interface {
	Unsubscribe()
}

// Store defines the interface for the aggregate state.
// This interface matches the public methods of internal/state.Manager.
type Store interface {
	// Merge upserts readings by sensor id and returns how many were written.
	Merge(readings []SensorReading) int

	// Query
	Snapshot() AppState
	Get(sensorID string) (SensorReading, bool)
	Len() int
	LastUpdate() uint64

	// Subscription
	Subscribe(handler ChangeHandler) Subscription
}
