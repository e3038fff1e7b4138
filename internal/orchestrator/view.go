package orchestrator

import (
	"fmt"
	"strings"

	"pluginhost/internal/state"

	"github.com/tidwall/sjson"
)

// Reserved top-level keys of the render view.
const (
	ViewKeyReadings   = "readings"
	ViewKeyLastUpdate = "last_update"
)

// escapeKey makes a sensor id usable as a single sjson path component.
func escapeKey(id string) string {
	var b strings.Builder
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// BuildView renders snapshot as the JSON object handed to renderers and
// displays: one key per sensor id holding the reading's data plus
// timestamp_ms, and the reserved keys readings and last_update. The reserved
// keys are written last and win over a sensor with the same id.
func BuildView(snapshot state.AppState) ([]byte, error) {
	view := []byte(`{}`)
	var err error

	for _, r := range snapshot.Readings {
		key := escapeKey(r.SensorID)
		if r.Data == nil {
			view, err = sjson.SetRawBytes(view, key, []byte(`{}`))
		} else {
			view, err = sjson.SetBytes(view, key, r.Data)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to view: %w", r.SensorID, err)
		}
		if view, err = sjson.SetBytes(view, key+"."+fieldTimestamp, r.TimestampMs); err != nil {
			return nil, fmt.Errorf("failed to add %s to view: %w", r.SensorID, err)
		}
	}

	readings := snapshot.Readings
	if readings == nil {
		readings = []state.SensorReading{}
	}
	if view, err = sjson.SetBytes(view, ViewKeyReadings, readings); err != nil {
		return nil, fmt.Errorf("failed to add readings to view: %w", err)
	}
	if view, err = sjson.SetBytes(view, ViewKeyLastUpdate, snapshot.LastUpdate); err != nil {
		return nil, fmt.Errorf("failed to add last_update to view: %w", err)
	}
	return view, nil
}
