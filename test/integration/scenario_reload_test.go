package integration

import (
	"errors"
	"testing"

	"pluginhost/internal/hal"
	"pluginhost/pkg/plugin"
	"pluginhost/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenario_CorruptedBinaryKeepsRunningGeneration covers a bad hot reload:
// the previous generation keeps serving, the broken binary is not retried,
// and a later good binary is picked up.
func TestScenario_CorruptedBinaryKeepsRunningGeneration(t *testing.T) {
	env := NewTestEnv(t, Options{})
	env.Install(plugin.RolePrimarySensor, testutil.SensorGuest(`[{"sensor_id":"dht22","data":{"temperature":20.5}}]`))
	require.NoError(t, env.Start())

	t.Log("GIVEN: generation 1 is serving readings")
	report := env.Tick()
	require.Empty(t, report.Failed)
	require.Equal(t, uint64(1), env.Generation(plugin.RolePrimarySensor))

	t.Log("WHEN: The binary is replaced with garbage")
	env.Corrupt(plugin.RolePrimarySensor)
	report = env.Tick()

	t.Log("THEN: The reload fails but generation 1 still polls")
	require.Len(t, report.Reloads, 1)
	assert.True(t, plugin.IsReloadError(report.Reloads[0].Err))
	assert.Equal(t, uint64(1), report.Reloads[0].Generation)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1, report.Merged)

	slot, ok := env.Registry.Get(plugin.RolePrimarySensor)
	require.True(t, ok)
	status := slot.Status()
	assert.Equal(t, "loaded", status.State)
	assert.NotEmpty(t, status.LastError)

	t.Log("AND: The same broken binary is not retried")
	report = env.Tick()
	assert.Empty(t, report.Reloads)

	t.Log("WHEN: A working binary is installed")
	env.Install(plugin.RolePrimarySensor, testutil.SensorGuest(`[{"sensor_id":"dht22","data":{"temperature":21.0}}]`))
	report = env.Tick()

	t.Log("THEN: Generation 2 serves the new readings")
	require.Len(t, report.Reloads, 1)
	require.NoError(t, report.Reloads[0].Err)
	assert.Equal(t, uint64(2), env.Generation(plugin.RolePrimarySensor))
	r, _ := env.Store.Get("node1:dht22")
	assert.Equal(t, 21.0, r.Data["temperature"])
}

// TestScenario_ReloadOnlyTouchesChangedRole replaces one of two binaries.
func TestScenario_ReloadOnlyTouchesChangedRole(t *testing.T) {
	env := NewTestEnv(t, Options{})
	env.Install(plugin.RolePrimarySensor, testutil.SensorGuest(`[{"sensor_id":"dht22","data":{"temperature":20}}]`))
	env.Install(plugin.RoleEnvironmentalSensor, testutil.SensorGuest(`[{"sensor_id":"bme680","data":{"pressure":1013}}]`))
	require.NoError(t, env.Start())
	env.Tick()

	env.Install(plugin.RoleEnvironmentalSensor, testutil.SensorGuest(`[{"sensor_id":"bme680","data":{"pressure":1009}}]`))
	report := env.Tick()

	require.Len(t, report.Reloads, 1)
	assert.Equal(t, plugin.RoleEnvironmentalSensor, report.Reloads[0].Role)
	assert.Equal(t, uint64(1), env.Generation(plugin.RolePrimarySensor))
	assert.Equal(t, uint64(2), env.Generation(plugin.RoleEnvironmentalSensor))
	assert.Equal(t, 2, env.Store.Len())
}

// TestScenario_CapabilityFailureIsNotFatal fails the sensor hardware under a
// monitor that reads it through the host.
func TestScenario_CapabilityFailureIsNotFatal(t *testing.T) {
	env := NewTestEnv(t, Options{})
	env.Install(plugin.RoleSystemMonitor, testutil.HardwareSensorGuest(4))
	require.NoError(t, env.Start())

	t.Log("GIVEN: The temperature sensor hardware is failing")
	env.Hardware.Fail(hal.OpTemperatureHumidity, errors.New("checksum mismatch"))

	t.Log("WHEN: A tick polls the monitor")
	report := env.Tick()

	t.Log("THEN: The failure is reported for the role and nothing is merged")
	require.Contains(t, report.Failed, plugin.RoleSystemMonitor)
	assert.True(t, plugin.HasCode(report.Failed[plugin.RoleSystemMonitor], plugin.ErrCodePollReported))
	assert.Equal(t, 0, env.Store.Len())

	slot, _ := env.Registry.Get(plugin.RoleSystemMonitor)
	assert.Equal(t, plugin.StateLoaded, slot.State())
	assert.Equal(t, uint64(1), slot.Generation())

	t.Log("WHEN: The hardware recovers")
	env.Hardware.Fail(hal.OpTemperatureHumidity, nil)
	report = env.Tick()

	t.Log("THEN: The same generation reports a reading")
	assert.Empty(t, report.Failed)
	r, ok := env.Store.Get("node1:system-monitor")
	require.True(t, ok)
	assert.Equal(t, true, r.Data["ok"])
	assert.Equal(t, 25.0, r.Data["temperature"])
	assert.Equal(t, 50.0, r.Data["humidity"])
}

// TestScenario_HeartbeatAndGuestIndicator checks that pixels a guest sets
// are flushed with the heartbeat pixel toggling on top.
func TestScenario_HeartbeatAndGuestIndicator(t *testing.T) {
	env := NewTestEnv(t, Options{Heartbeat: true, HeartbeatPixel: 10})
	env.Install(plugin.RolePrimarySensor, testutil.IndicatorSensorGuest(0, 0, 200,
		`[{"sensor_id":"dht22","data":{"temperature":22}}]`))
	require.NoError(t, env.Start())

	env.Tick()
	frame := env.Hardware.LastFrame()
	require.Len(t, frame, 11)
	assert.Equal(t, hal.RGB{B: 200}, frame[0])
	assert.Equal(t, hal.RGB{G: 40}, frame[10])

	env.Tick()
	frame = env.Hardware.LastFrame()
	assert.Equal(t, hal.RGB{B: 200}, frame[0])
	assert.Equal(t, hal.RGB{}, frame[10], "heartbeat pixel is off on alternate ticks")
}
