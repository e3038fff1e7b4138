package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRegistry_DisabledRoles(t *testing.T) {
	dir := t.TempDir()
	sensor := writeBinary(t, dir, "sensor.wasm", "[]", baseTime)
	renderer := writeBinary(t, dir, "dash.wasm", "<html>", baseTime)

	reg, err := NewRegistry(context.Background(), &fakeLoader{}, map[Role]string{
		RolePrimarySensor:     sensor,
		RoleDashboardRenderer: renderer,
		RoleSystemMonitor:     "",
	}, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer reg.Close(context.Background())

	tests := []struct {
		role    Role
		enabled bool
	}{
		{RolePrimarySensor, true},
		{RoleEnvironmentalSensor, false},
		{RoleSystemMonitor, false},
		{RoleSecondaryMonitor, false},
		{RoleDashboardRenderer, true},
		{RoleAuxiliaryDisplay, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			slot, ok := reg.Get(tt.role)
			assert.Equal(t, tt.enabled, ok)
			assert.Equal(t, tt.enabled, reg.Enabled(tt.role))
			if tt.enabled {
				require.NotNil(t, slot)
				assert.Equal(t, tt.role, slot.Role())
			} else {
				assert.Nil(t, slot)
			}
		})
	}

	assert.Equal(t, []Role{RolePrimarySensor, RoleDashboardRenderer}, reg.EnabledRoles())
}

func TestNewRegistry_StartupFailureIsFatal(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		checkFunc func(error) bool
	}{
		{name: "corrupt module", content: "corrupt", checkFunc: IsLoadError},
		{name: "ungranted import", content: "ungranted", checkFunc: IsInstantiationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			good := writeBinary(t, dir, "good.wasm", "[]", baseTime)
			bad := writeBinary(t, dir, "bad.wasm", tt.content, baseTime)
			loader := &fakeLoader{}

			reg, err := NewRegistry(context.Background(), loader, map[Role]string{
				RolePrimarySensor: good,
				RoleSystemMonitor: bad,
			})
			require.Error(t, err)
			assert.Nil(t, reg)
			assert.True(t, tt.checkFunc(err))
			assert.True(t, IsStartupFatal(err))

			require.Equal(t, 1, loader.count())
			assert.True(t, loader.instance(0).Closed(), "already-loaded slots are released")
		})
	}
}

func TestNewRegistry_MissingBinary(t *testing.T) {
	_, err := NewRegistry(context.Background(), &fakeLoader{}, map[Role]string{
		RolePrimarySensor: "/does/not/exist.wasm",
	})
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeModuleNotFound))
}

func TestNewRegistry_UnknownRole(t *testing.T) {
	_, err := NewRegistry(context.Background(), &fakeLoader{}, map[Role]string{
		Role("coffee-maker"): "/tmp/x.wasm",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin role")
}

func TestRegistry_CheckReloads(t *testing.T) {
	dir := t.TempDir()
	sensor := writeBinary(t, dir, "sensor.wasm", "s1", baseTime)
	monitor := writeBinary(t, dir, "monitor.wasm", "m1", baseTime)
	loader := &fakeLoader{}

	reg, err := NewRegistry(context.Background(), loader, map[Role]string{
		RolePrimarySensor: sensor,
		RoleSystemMonitor: monitor,
	})
	require.NoError(t, err)
	defer reg.Close(context.Background())

	assert.Empty(t, reg.CheckReloads(context.Background()), "nothing changed")

	writeBinary(t, dir, "monitor.wasm", "m2", baseTime.Add(time.Minute))
	writeBinary(t, dir, "sensor.wasm", "corrupt", baseTime.Add(time.Minute))

	results := reg.CheckReloads(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, RolePrimarySensor, results[0].Role)
	assert.True(t, IsReloadError(results[0].Err))
	assert.Equal(t, uint64(1), results[0].Generation)
	assert.Equal(t, RoleSystemMonitor, results[1].Role)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, uint64(2), results[1].Generation)

	assert.Empty(t, reg.CheckReloads(context.Background()), "failed binary is not retried until it changes")

	writeBinary(t, dir, "sensor.wasm", "s2", baseTime.Add(2*time.Minute))
	results = reg.CheckReloads(context.Background())
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)

	slot, _ := reg.Get(RolePrimarySensor)
	out, err := slot.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s2", string(out))
}

func TestRegistry_Statuses(t *testing.T) {
	dir := t.TempDir()
	sensor := writeBinary(t, dir, "sensor.wasm", "s1", baseTime)
	display := writeBinary(t, dir, "oled.wasm", "d1", baseTime)

	reg, err := NewRegistry(context.Background(), &fakeLoader{}, map[Role]string{
		RoleAuxiliaryDisplay: display,
		RolePrimarySensor:    sensor,
	})
	require.NoError(t, err)

	statuses := reg.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, RolePrimarySensor, statuses[0].Role)
	assert.Equal(t, "sensor", statuses[0].Kind)
	assert.Equal(t, "loaded", statuses[0].State)
	assert.Equal(t, RoleAuxiliaryDisplay, statuses[1].Role)
	assert.Equal(t, "updater", statuses[1].Kind)

	require.NoError(t, reg.Close(context.Background()))
	for _, st := range reg.Statuses() {
		assert.Equal(t, "unloaded", st.State)
	}
}

func TestParseRole(t *testing.T) {
	for _, role := range Roles() {
		got, err := ParseRole(string(role))
		require.NoError(t, err)
		assert.Equal(t, role, got)
	}

	_, err := ParseRole("toaster")
	assert.Error(t, err)

	assert.Equal(t, KindSensor, RoleEnvironmentalSensor.Kind())
	assert.Equal(t, KindMonitor, RoleSecondaryMonitor.Kind())
	assert.True(t, KindMonitor.Polls())
	assert.False(t, KindRenderer.Polls())
}
