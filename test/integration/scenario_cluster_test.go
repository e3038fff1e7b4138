package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pluginhost/internal/api"
	"pluginhost/internal/orchestrator"
	"pluginhost/internal/state"
	"pluginhost/pkg/plugin"
	"pluginhost/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// TestScenario_HubMergesPushedBatch pushes readings from a spoke straight
// into a hub's orchestrator.
func TestScenario_HubMergesPushedBatch(t *testing.T) {
	env := NewTestEnv(t, Options{NodeID: "hub", Mode: orchestrator.ModeHub})
	require.NoError(t, env.Start())

	batch := orchestrator.Batch{
		NodeID:   "nodeA",
		BatchID:  "b-1",
		SentAtMs: 1,
		Readings: []state.SensorReading{
			{SensorID: "dht22", TimestampMs: 100, Data: map[string]any{"temperature": 21.0}},
			{SensorID: "bme680", TimestampMs: 100, Data: map[string]any{"pressure": 1012.0}},
		},
	}

	t.Log("GIVEN: A hub with an empty state")
	require.Equal(t, 0, env.Store.Len())

	t.Log("WHEN: nodeA pushes a batch of two readings")
	n, err := env.Orchestrator.Accept(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	t.Log("THEN: Both readings are present once, qualified by node")
	assert.Equal(t, 2, env.Store.Len())
	_, ok := env.Store.Get("nodeA:dht22")
	assert.True(t, ok)
	_, ok = env.Store.Get("nodeA:bme680")
	assert.True(t, ok)
	assert.Equal(t, uint64(env.Clock.Now().UnixMilli()), env.Store.LastUpdate())

	t.Log("WHEN: The same batch arrives again")
	_, err = env.Orchestrator.Accept(context.Background(), batch)
	require.NoError(t, err)

	t.Log("THEN: Readings are replaced, not duplicated")
	assert.Equal(t, 2, env.Store.Len())
}

// TestScenario_StandaloneRejectsPush checks that only hubs accept batches.
func TestScenario_StandaloneRejectsPush(t *testing.T) {
	env := NewTestEnv(t, Options{})
	require.NoError(t, env.Start())

	_, err := env.Orchestrator.Accept(context.Background(), orchestrator.Batch{
		NodeID:   "nodeA",
		Readings: []state.SensorReading{{SensorID: "dht22"}},
	})
	assert.ErrorIs(t, err, orchestrator.ErrNotAccepting)
	assert.Equal(t, 0, env.Store.Len())
}

// TestScenario_SpokeForwardsEachTick forwards local readings to a mock hub.
func TestScenario_SpokeForwardsEachTick(t *testing.T) {
	hub := NewMockHub()
	defer hub.Close()

	env := NewTestEnv(t, Options{
		NodeID:         "kitchen",
		Mode:           orchestrator.ModeSpoke,
		HubURL:         hub.URL(),
		ForwardTimeout: 2 * time.Second,
	})
	env.Install(plugin.RolePrimarySensor, testutil.SensorGuest(`[{"sensor_id":"dht22","data":{"temperature":22.5}}]`))
	require.NoError(t, env.Start())

	t.Log("WHEN: Two ticks run")
	first := env.Tick()
	second := env.Tick()

	t.Log("THEN: Each tick pushed one batch with a fresh id")
	require.True(t, first.Forwarded)
	require.NoError(t, first.ForwardErr)
	require.NoError(t, second.ForwardErr)

	pushes := FilterPushes(hub.Pushes(), "kitchen")
	require.Len(t, pushes, 2)
	assert.NotEqual(t, pushes[0].BatchID, pushes[1].BatchID)
	for _, p := range pushes {
		assert.Equal(t, p.BatchID, p.HeaderID)
		assert.Equal(t, "application/json", p.ContentType)
	}

	r := FindReading(pushes, "kitchen:dht22")
	require.NotNil(t, r)
	assert.Equal(t, 22.5, r.Data["temperature"])
}

// TestScenario_SpokeSurvivesHubRejection makes the hub answer 500.
func TestScenario_SpokeSurvivesHubRejection(t *testing.T) {
	hub := NewMockHub()
	defer hub.Close()
	hub.SetStatus(http.StatusInternalServerError)

	env := NewTestEnv(t, Options{Mode: orchestrator.ModeSpoke, HubURL: hub.URL(), ForwardTimeout: time.Second})
	env.Install(plugin.RolePrimarySensor, testutil.SensorGuest(`[{"sensor_id":"dht22","data":{"temperature":22.5}}]`))
	require.NoError(t, env.Start())

	report := env.Tick()

	require.Error(t, report.ForwardErr)
	assert.True(t, plugin.HasCode(report.ForwardErr, plugin.ErrCodeForwardRejected))
	assert.Equal(t, 1, hub.Requests())
	assert.Empty(t, hub.Pushes())
	assert.Equal(t, 1, env.Store.Len(), "local state is kept when forwarding fails")

	t.Log("WHEN: The hub recovers, the next tick's batch goes through")
	hub.SetStatus(http.StatusOK)
	report = env.Tick()
	require.NoError(t, report.ForwardErr)
	assert.Len(t, hub.Pushes(), 1)
}

// TestScenario_SpokeToHubOverHTTP runs a spoke against a real hub API and
// renders the hub's dashboard.
func TestScenario_SpokeToHubOverHTTP(t *testing.T) {
	hubEnv := NewTestEnv(t, Options{NodeID: "hub", Mode: orchestrator.ModeHub})
	hubEnv.Install(plugin.RoleDashboardRenderer, testutil.RendererGuest())
	require.NoError(t, hubEnv.Start())

	srv := api.NewServer(api.Options{
		Node:    hubEnv.Orchestrator,
		Store:   hubEnv.Store,
		Plugins: hubEnv.Registry,
	}, hubEnv.Logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	spoke := NewTestEnv(t, Options{
		NodeID:         "garage",
		Mode:           orchestrator.ModeSpoke,
		HubURL:         ts.URL + "/push",
		ForwardTimeout: 2 * time.Second,
	})
	spoke.Install(plugin.RolePrimarySensor, testutil.SensorGuest(`[{"sensor_id":"dht22","data":{"temperature":18.25}}]`))
	spoke.Install(plugin.RoleSystemMonitor, testutil.SensorGuest(`{"cpu_temp":51.0}`))
	require.NoError(t, spoke.Start())

	t.Log("WHEN: The spoke ticks")
	report := spoke.Tick()
	require.NoError(t, report.ForwardErr)

	t.Log("THEN: The hub holds the spoke's readings under their qualified ids")
	assert.Equal(t, 2, hubEnv.Store.Len())
	r, ok := hubEnv.Store.Get("garage:dht22")
	require.True(t, ok)
	assert.Equal(t, 18.25, r.Data["temperature"])
	_, ok = hubEnv.Store.Get("garage:system-monitor")
	assert.True(t, ok)

	t.Log("AND: The hub dashboard renders them")
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	html, err := hubEnv.Orchestrator.Render(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 18.25, gjson.GetBytes(html, `garage\:dht22.temperature`).Float())
	assert.Equal(t, int64(2), gjson.GetBytes(html, "readings.#").Int())
}

// TestScenario_RenderAndDisplayFailures checks that neither a display
// failure nor rendering changes the aggregate state.
func TestScenario_RenderAndDisplayFailures(t *testing.T) {
	env := NewTestEnv(t, Options{})
	env.Install(plugin.RolePrimarySensor, testutil.SensorGuest(`[{"sensor_id":"dht22","data":{"temperature":19.0}}]`))
	env.Install(plugin.RoleDashboardRenderer, testutil.RendererGuest())
	env.Install(plugin.RoleAuxiliaryDisplay, testutil.DisplayGuest("panel offline"))
	require.NoError(t, env.Start())

	report := env.Tick()

	t.Log("THEN: The display failure is reported without touching state")
	require.Error(t, report.DisplayErr)
	assert.True(t, plugin.HasCode(report.DisplayErr, plugin.ErrCodeUpdateFailed))
	assert.Equal(t, 1, env.Store.Len())
	before := env.Store.Snapshot()

	html, err := env.Orchestrator.Render(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 19.0, gjson.GetBytes(html, `node1\:dht22.temperature`).Float())
	assert.Equal(t, before, env.Store.Snapshot())
}
