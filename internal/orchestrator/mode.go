package orchestrator

import (
	"fmt"
	"strings"
)

// Mode selects what the orchestrator does with merged readings.
type Mode int

const (
	// ModeStandalone polls and merges locally.
	ModeStandalone Mode = iota
	// ModeHub additionally accepts batches pushed by spokes.
	ModeHub
	// ModeSpoke additionally forwards each tick's batch to a hub.
	ModeSpoke
)

func (m Mode) String() string {
	switch m {
	case ModeStandalone:
		return "standalone"
	case ModeHub:
		return "hub"
	case ModeSpoke:
		return "spoke"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Forwards reports whether ticks push their batch to a hub.
func (m Mode) Forwards() bool { return m == ModeSpoke }

// Accepts reports whether pushed batches are merged.
func (m Mode) Accepts() bool { return m == ModeHub }

// ParseMode parses a cluster role. An empty string means standalone.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standalone":
		return ModeStandalone, nil
	case "hub":
		return ModeHub, nil
	case "spoke":
		return ModeSpoke, nil
	default:
		return ModeStandalone, fmt.Errorf("unknown cluster role %q (want standalone, hub or spoke)", s)
	}
}
