package plugin

import (
	"fmt"
)

// Role names a fixed slot in the host. Each role has exactly one contract
// kind and at most one loaded module.
type Role string

// Roles known to the host, in the order they are loaded and polled.
const (
	RolePrimarySensor       Role = "primary-sensor"
	RoleEnvironmentalSensor Role = "environmental-sensor"
	RoleSystemMonitor       Role = "system-monitor"
	RoleSecondaryMonitor    Role = "secondary-monitor"
	RoleDashboardRenderer   Role = "dashboard-renderer"
	RoleAuxiliaryDisplay    Role = "auxiliary-display"
)

// Kind is the contract a role's module must satisfy.
type Kind int

const (
	// KindSensor modules export plugin_poll and return an array of readings.
	KindSensor Kind = iota
	// KindMonitor modules export plugin_poll and return one stats object.
	KindMonitor
	// KindRenderer modules export plugin_render and return HTML.
	KindRenderer
	// KindUpdater modules export plugin_update and drive a display.
	KindUpdater
)

func (k Kind) String() string {
	switch k {
	case KindSensor:
		return "sensor"
	case KindMonitor:
		return "monitor"
	case KindRenderer:
		return "renderer"
	case KindUpdater:
		return "updater"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Polls reports whether modules of this kind export plugin_poll.
func (k Kind) Polls() bool {
	return k == KindSensor || k == KindMonitor
}

// RoleInfo describes a role.
type RoleInfo struct {
	Role        Role
	Kind        Kind
	Description string
}

var roleTable = []RoleInfo{
	{Role: RolePrimarySensor, Kind: KindSensor, Description: "Temperature/humidity sensor"},
	{Role: RoleEnvironmentalSensor, Kind: KindSensor, Description: "Bus-attached environmental sensor"},
	{Role: RoleSystemMonitor, Kind: KindMonitor, Description: "Host resource monitor"},
	{Role: RoleSecondaryMonitor, Kind: KindMonitor, Description: "Secondary board monitor"},
	{Role: RoleDashboardRenderer, Kind: KindRenderer, Description: "HTML dashboard renderer"},
	{Role: RoleAuxiliaryDisplay, Kind: KindUpdater, Description: "Auxiliary display driver"},
}

// Roles returns every role in fixed order.
func Roles() []Role {
	out := make([]Role, len(roleTable))
	for i, info := range roleTable {
		out[i] = info.Role
	}
	return out
}

// Info returns the role's description.
func (r Role) Info() (RoleInfo, bool) {
	for _, info := range roleTable {
		if info.Role == r {
			return info, true
		}
	}
	return RoleInfo{}, false
}

// Kind returns the role's contract kind. Unknown roles report KindSensor;
// use Valid to check first.
func (r Role) Kind() Kind {
	info, _ := r.Info()
	return info.Kind
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := r.Info()
	return ok
}

func (r Role) String() string {
	return string(r)
}

// ParseRole converts a configuration key into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown plugin role %q", s)
	}
	return r, nil
}
