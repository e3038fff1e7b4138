package orchestrator

import (
	"fmt"
	"strings"

	"pluginhost/internal/state"
	"pluginhost/pkg/plugin"

	"github.com/tidwall/gjson"
)

// Reserved reading fields. Everything else in a flat reading or a monitor
// stats object becomes data.
const (
	fieldSensorID  = "sensor_id"
	fieldTimestamp = "timestamp_ms"
	fieldData      = "data"
)

// Qualify prefixes id with node unless it already carries that prefix.
func Qualify(node, id string) string {
	if node == "" || strings.HasPrefix(id, node+":") {
		return id
	}
	return node + ":" + id
}

// Normalize turns a role's poll payload into readings with node-qualified
// sensor ids. Readings without a timestamp are stamped with now.
//
// Sensor roles return an array of readings, each either
// {sensor_id, timestamp_ms, data} or flat {sensor_id, timestamp_ms, <fields>}.
// Monitor roles return one stats object; its sensor id defaults to the role
// name.
func Normalize(role plugin.Role, node string, payload []byte, now uint64) ([]state.SensorReading, error) {
	if !gjson.ValidBytes(payload) {
		return nil, plugin.NewPollMalformedError(role, "payload is not valid JSON")
	}
	root := gjson.ParseBytes(payload)

	switch role.Kind() {
	case plugin.KindSensor:
		if !root.IsArray() {
			return nil, plugin.NewPollMalformedError(role, "sensor payload must be an array")
		}
		items := root.Array()
		out := make([]state.SensorReading, 0, len(items))
		for i, item := range items {
			r, err := reading(item, "", now)
			if err != nil {
				return nil, plugin.NewPollMalformedError(role, fmt.Sprintf("reading %d: %v", i, err))
			}
			r.SensorID = Qualify(node, r.SensorID)
			out = append(out, r)
		}
		return out, nil

	case plugin.KindMonitor:
		r, err := reading(root, string(role), now)
		if err != nil {
			return nil, plugin.NewPollMalformedError(role, err.Error())
		}
		r.SensorID = Qualify(node, r.SensorID)
		return []state.SensorReading{r}, nil

	default:
		return nil, plugin.NewPollMalformedError(role, "role does not poll")
	}
}

// reading decodes one reading object. defaultID is used when the object has
// no sensor_id; when it is empty a sensor_id is required.
func reading(v gjson.Result, defaultID string, now uint64) (state.SensorReading, error) {
	if !v.IsObject() {
		return state.SensorReading{}, fmt.Errorf("expected an object, got %s", v.Type)
	}

	id := v.Get(fieldSensorID)
	r := state.SensorReading{SensorID: defaultID, TimestampMs: now}
	if id.Exists() {
		if id.Type != gjson.String || id.Str == "" {
			return state.SensorReading{}, fmt.Errorf("sensor_id must be a non-empty string")
		}
		r.SensorID = id.Str
	}
	if r.SensorID == "" {
		return state.SensorReading{}, fmt.Errorf("missing sensor_id")
	}
	if ts := v.Get(fieldTimestamp); ts.Type == gjson.Number && ts.Uint() > 0 {
		r.TimestampMs = ts.Uint()
	}

	if nested := v.Get(fieldData); nested.IsObject() {
		r.Data = nested.Value().(map[string]any)
		return r, nil
	}

	r.Data = make(map[string]any)
	v.ForEach(func(key, value gjson.Result) bool {
		switch key.Str {
		case fieldSensorID, fieldTimestamp:
		default:
			r.Data[key.Str] = value.Value()
		}
		return true
	})
	return r, nil
}
