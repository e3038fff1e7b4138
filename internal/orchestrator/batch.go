package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"pluginhost/internal/state"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// HeaderBatchID carries the batch id on push requests.
const HeaderBatchID = "X-Batch-ID"

// Batch is the unit pushed from a spoke to a hub.
type Batch struct {
	NodeID   string                `json:"node_id"`
	BatchID  string                `json:"batch_id"`
	SentAtMs uint64                `json:"sent_at_ms"`
	Readings []state.SensorReading `json:"readings"`
}

// NewBatch wraps readings for sending from node.
func NewBatch(node string, readings []state.SensorReading, sentAtMs uint64) Batch {
	return Batch{
		NodeID:   node,
		BatchID:  uuid.NewString(),
		SentAtMs: sentAtMs,
		Readings: readings,
	}
}

// DecodeBatch parses a push body. Besides the Batch envelope, a bare JSON
// array of readings is accepted; it carries no node id.
func DecodeBatch(body []byte) (Batch, error) {
	if !gjson.ValidBytes(body) {
		return Batch{}, fmt.Errorf("push body is not valid JSON")
	}

	var b Batch
	switch root := gjson.ParseBytes(body); {
	case root.IsArray():
		if err := json.Unmarshal(body, &b.Readings); err != nil {
			return Batch{}, fmt.Errorf("failed to decode readings: %w", err)
		}
	case root.IsObject():
		if err := json.Unmarshal(body, &b); err != nil {
			return Batch{}, fmt.Errorf("failed to decode batch: %w", err)
		}
	default:
		return Batch{}, fmt.Errorf("push body must be an object or an array")
	}

	for i, r := range b.Readings {
		if r.SensorID == "" {
			return Batch{}, fmt.Errorf("reading %d has no sensor_id", i)
		}
	}
	return b, nil
}

// qualifyIncoming prefixes ids that carry no node prefix with the batch's
// node id. Ids that already name a node are kept so relayed batches do not
// stack prefixes.
func qualifyIncoming(node string, readings []state.SensorReading) []state.SensorReading {
	out := make([]state.SensorReading, len(readings))
	for i, r := range readings {
		if !strings.Contains(r.SensorID, ":") {
			r.SensorID = Qualify(node, r.SensorID)
		}
		out[i] = r
	}
	return out
}
