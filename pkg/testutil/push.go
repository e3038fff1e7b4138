package testutil

import (
	"time"

	pkgstate "pluginhost/pkg/state"
)

// Push records a batch received by MockHub
type Push struct {
	Timestamp   time.Time
	NodeID      string
	BatchID     string
	HeaderID    string
	ContentType string
	SentAtMs    uint64
	Readings    []pkgstate.SensorReading
}

// FilterPushes returns the pushes sent by node
func FilterPushes(pushes []Push, node string) []Push {
	var filtered []Push
	for _, p := range pushes {
		if p.NodeID == node {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// FindReading returns the most recent pushed reading for sensorID
func FindReading(pushes []Push, sensorID string) *pkgstate.SensorReading {
	for i := len(pushes) - 1; i >= 0; i-- {
		for j := range pushes[i].Readings {
			if pushes[i].Readings[j].SensorID == sensorID {
				r := pushes[i].Readings[j]
				return &r
			}
		}
	}
	return nil
}
