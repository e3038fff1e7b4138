package state

// SensorReading is one normalized reading. Data is an open map so new plugin
// roles can report arbitrary fields.
type SensorReading struct {
	SensorID    string         `json:"sensor_id"`
	TimestampMs uint64         `json:"timestamp_ms"`
	Data        map[string]any `json:"data"`
}

// Clone returns a deep copy of the reading.
func (r SensorReading) Clone() SensorReading {
	out := r
	if r.Data != nil {
		out.Data = cloneValue(r.Data).(map[string]any)
	}
	return out
}

// AppState is the aggregate view: readings unique by sensor id in first-seen
// order, and the time of the last merge.
type AppState struct {
	Readings   []SensorReading `json:"readings"`
	LastUpdate uint64          `json:"last_update"`
}

// Find returns the reading for id.
func (s AppState) Find(id string) (SensorReading, bool) {
	for _, r := range s.Readings {
		if r.SensorID == id {
			return r, true
		}
	}
	return SensorReading{}, false
}

// cloneValue deep-copies the JSON-shaped values found in reading data.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
