// Package capability mediates every interaction between plugin modules and
// the outside world. Guests only see the host functions their role is granted;
// all hardware access goes through a hal.Provider on a bounded worker pool.
package capability

import (
	"pluginhost/pkg/plugin"
)

// Group is a wasm import module name exposing one family of host functions.
type Group string

const (
	GroupHardware  Group = "hardware"
	GroupIndicator Group = "indicator"
	GroupBuzzer    Group = "buzzer"
	GroupSystem    Group = "system"
	GroupLog       Group = "log"
)

// Host function names, by group.
const (
	FnReadTemperatureHumidity = "read_temperature_humidity"
	FnReadBus                 = "read_bus"
	FnGetCPUTemperature       = "get_cpu_temperature"
	FnGetTimestampMs          = "get_timestamp_ms"

	FnSetPixel = "set_pixel"
	FnSetAll   = "set_all"
	FnClear    = "clear"
	FnFlush    = "flush"

	FnActivate = "activate"
	FnPattern  = "pattern"

	FnMemoryUsage = "memory_usage"
	FnCPUUsage    = "cpu_usage"
	FnUptime      = "uptime"

	FnWrite = "write"
)

// groupOrder is the order groups are bound in.
var groupOrder = []Group{GroupHardware, GroupIndicator, GroupBuzzer, GroupSystem, GroupLog}

// groupFunctions lists every function a group exports.
var groupFunctions = map[Group][]string{
	GroupHardware:  {FnReadTemperatureHumidity, FnReadBus, FnGetCPUTemperature, FnGetTimestampMs},
	GroupIndicator: {FnSetPixel, FnSetAll, FnClear, FnFlush},
	GroupBuzzer:    {FnActivate, FnPattern},
	GroupSystem:    {FnMemoryUsage, FnCPUUsage, FnUptime},
	GroupLog:       {FnWrite},
}

// Grants is the capability set of a role: group to granted function names.
// A nil function list grants the whole group.
type Grants map[Group][]string

// Allows reports whether the import module.name is granted.
func (g Grants) Allows(module, name string) bool {
	fns, ok := g[Group(module)]
	if !ok {
		return false
	}
	if !knownFunction(Group(module), name) {
		return false
	}
	if fns == nil {
		return true
	}
	for _, fn := range fns {
		if fn == name {
			return true
		}
	}
	return false
}

// Functions returns the granted functions of a group, in declaration order.
func (g Grants) Functions(group Group) []string {
	fns, ok := g[group]
	if !ok {
		return nil
	}
	if fns == nil {
		return groupFunctions[group]
	}
	var out []string
	for _, fn := range groupFunctions[group] {
		for _, granted := range fns {
			if fn == granted {
				out = append(out, fn)
				break
			}
		}
	}
	return out
}

// Groups returns the granted groups in binding order.
func (g Grants) Groups() []Group {
	var out []Group
	for _, group := range groupOrder {
		if _, ok := g[group]; ok {
			out = append(out, group)
		}
	}
	return out
}

func knownFunction(group Group, name string) bool {
	for _, fn := range groupFunctions[group] {
		if fn == name {
			return true
		}
	}
	return false
}

// GrantsFor returns the static capability set for a role. Unknown roles get
// no capabilities.
func GrantsFor(role plugin.Role) Grants {
	switch role {
	case plugin.RolePrimarySensor, plugin.RoleEnvironmentalSensor:
		return Grants{
			GroupHardware:  nil,
			GroupIndicator: nil,
			GroupBuzzer:    nil,
			GroupLog:       nil,
		}
	case plugin.RoleSystemMonitor, plugin.RoleSecondaryMonitor:
		return Grants{
			GroupHardware:  nil,
			GroupIndicator: nil,
			GroupBuzzer:    nil,
			GroupSystem:    nil,
			GroupLog:       nil,
		}
	case plugin.RoleDashboardRenderer:
		return Grants{GroupLog: nil}
	case plugin.RoleAuxiliaryDisplay:
		return Grants{
			GroupHardware: {FnReadBus, FnGetTimestampMs},
			GroupLog:      nil,
		}
	default:
		return Grants{}
	}
}

// Response is the envelope of every fallible capability result handed back
// to a guest as JSON.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TemperatureHumidityResponse answers hardware.read_temperature_humidity.
type TemperatureHumidityResponse struct {
	Response
	Temperature float32 `json:"temperature"`
	Humidity    float32 `json:"humidity"`
}

// BusResponse answers hardware.read_bus. Data is hex encoded.
type BusResponse struct {
	Response
	Data string `json:"data,omitempty"`
}

func failure(err error) Response {
	return Response{OK: false, Error: err.Error()}
}
