package plugin

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlot_LoadAndPoll(t *testing.T) {
	dir := t.TempDir()
	path := writeBinary(t, dir, "dht.wasm", `[{"sensor_id":"dht22"}]`, baseTime)
	loader := &fakeLoader{}

	slot := NewSlot(RolePrimarySensor, path, loader)
	assert.Equal(t, StateUnloaded, slot.State())

	require.NoError(t, slot.Load(context.Background()))
	assert.Equal(t, StateLoaded, slot.State())
	assert.Equal(t, uint64(1), slot.Generation())
	assert.True(t, slot.LastModified().Equal(baseTime))

	out, err := slot.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `[{"sensor_id":"dht22"}]`, string(out))
}

func TestSlot_PollBeforeLoad(t *testing.T) {
	slot := NewSlot(RolePrimarySensor, "/nonexistent", &fakeLoader{})

	_, err := slot.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodePluginNotLoaded))
}

func TestSlot_LoadMissingFile(t *testing.T) {
	slot := NewSlot(RolePrimarySensor, "/nonexistent/plugin.wasm", &fakeLoader{})

	err := slot.Load(context.Background())
	require.Error(t, err)
	assert.True(t, IsLoadError(err))
	assert.NotEmpty(t, slot.Status().LastError)
}

func TestSlot_NeedsReloadIsPure(t *testing.T) {
	dir := t.TempDir()
	path := writeBinary(t, dir, "p.wasm", "v1", baseTime)
	loader := &fakeLoader{}
	slot := NewSlot(RolePrimarySensor, path, loader)
	require.NoError(t, slot.Load(context.Background()))

	assert.False(t, slot.NeedsReload())

	require.NoError(t, os.Chtimes(path, baseTime.Add(time.Second), baseTime.Add(time.Second)))
	for i := 0; i < 3; i++ {
		assert.True(t, slot.NeedsReload())
	}
	assert.Equal(t, uint64(1), slot.Generation())
	assert.Equal(t, 1, loader.count())
}

func TestSlot_NeedsReloadOnlyForNewerBinary(t *testing.T) {
	dir := t.TempDir()
	path := writeBinary(t, dir, "p.wasm", "v1", baseTime)
	slot := NewSlot(RolePrimarySensor, path, &fakeLoader{})
	require.NoError(t, slot.Load(context.Background()))

	tests := []struct {
		name  string
		mtime time.Time
		want  bool
	}{
		{"older binary restored", baseTime.Add(-time.Hour), false},
		{"same mtime rewritten", baseTime, false},
		{"one second newer", baseTime.Add(time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte("v2"), 0644))
			require.NoError(t, os.Chtimes(path, tt.mtime, tt.mtime))
			assert.Equal(t, tt.want, slot.NeedsReload())
		})
	}
}

func TestSlot_ReloadSwapsGeneration(t *testing.T) {
	dir := t.TempDir()
	path := writeBinary(t, dir, "p.wasm", "v1", baseTime)
	loader := &fakeLoader{}
	slot := NewSlot(RolePrimarySensor, path, loader)
	require.NoError(t, slot.Load(context.Background()))

	writeBinary(t, dir, "p.wasm", "v2", baseTime.Add(time.Minute))
	require.True(t, slot.NeedsReload())
	require.NoError(t, slot.Reload(context.Background()))

	assert.Equal(t, uint64(2), slot.Generation())
	assert.False(t, slot.NeedsReload())
	assert.Equal(t, 1, slot.Status().Reloads)
	assert.Equal(t, int32(1), loader.instance(0).closes.Load(), "old generation released")

	out, err := slot.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", string(out))
}

func TestSlot_ReloadFailureKeepsOldGeneration(t *testing.T) {
	dir := t.TempDir()
	path := writeBinary(t, dir, "p.wasm", "v1", baseTime)
	loader := &fakeLoader{}
	slot := NewSlot(RolePrimarySensor, path, loader)
	require.NoError(t, slot.Load(context.Background()))

	writeBinary(t, dir, "p.wasm", "corrupt bytes", baseTime.Add(time.Minute))
	err := slot.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, IsReloadError(err))
	assert.False(t, IsStartupFatal(err))

	assert.Equal(t, StateLoaded, slot.State())
	assert.Equal(t, uint64(1), slot.Generation())
	assert.Equal(t, int32(0), loader.instance(0).closes.Load())
	assert.True(t, slot.NeedsReload(), "binary is still newer than the running generation")
	assert.False(t, slot.reloadDue(), "same broken binary is not retried")

	out, err := slot.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", string(out))
}

func TestSlot_ReloadDoesNotInterruptInFlightCall(t *testing.T) {
	dir := t.TempDir()
	path := writeBinary(t, dir, "p.wasm", "v1", baseTime)
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	loader := &fakeLoader{gate: gate, entered: entered}
	slot := NewSlot(RolePrimarySensor, path, loader)
	require.NoError(t, slot.Load(context.Background()))

	var pollOut []byte
	var pollErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pollOut, pollErr = slot.Poll(context.Background())
	}()
	<-entered

	writeBinary(t, dir, "p.wasm", "v2", baseTime.Add(time.Minute))
	loader.gate = nil
	reloaded := make(chan error, 1)
	go func() { reloaded <- slot.Reload(context.Background()) }()

	require.Eventually(t, func() bool { return loader.count() == 2 }, time.Second, time.Millisecond,
		"new generation is built while the old one is still serving")
	select {
	case <-reloaded:
		t.Fatal("swap must wait for the in-flight call")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	wg.Wait()
	require.NoError(t, pollErr)
	assert.Equal(t, "v1", string(pollOut))
	require.NoError(t, <-reloaded)

	out, err := slot.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", string(out))
}

func TestSlot_CallsNeverOverlap(t *testing.T) {
	dir := t.TempDir()
	path := writeBinary(t, dir, "p.wasm", "v1", baseTime)
	loader := &fakeLoader{}
	slot := NewSlot(RolePrimarySensor, path, loader)
	require.NoError(t, slot.Load(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = slot.Poll(context.Background())
			_, _ = slot.Render(context.Background(), []byte("{}"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loader.instance(0).maxActive.Load())
}

func TestSlot_DeadlineFaultsAndRestarts(t *testing.T) {
	dir := t.TempDir()
	path := writeBinary(t, dir, "p.wasm", "hang", baseTime)
	loader := &fakeLoader{}
	slot := NewSlot(RolePrimarySensor, path, loader, WithCallTimeout(20*time.Millisecond))
	require.NoError(t, slot.Load(context.Background()))

	_, err := slot.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodePollTimeout))
	assert.Equal(t, StateFaulted, slot.State())
	assert.Equal(t, int32(1), loader.instance(0).closes.Load())

	writeBinary(t, dir, "p.wasm", "recovered", baseTime)
	out, err := slot.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(out))
	assert.Equal(t, StateLoaded, slot.State())
	assert.Equal(t, uint64(2), slot.Generation())
}

func TestSlot_Close(t *testing.T) {
	dir := t.TempDir()
	path := writeBinary(t, dir, "p.wasm", "v1", baseTime)
	loader := &fakeLoader{}
	slot := NewSlot(RolePrimarySensor, path, loader)
	require.NoError(t, slot.Load(context.Background()))

	require.NoError(t, slot.Close(context.Background()))
	assert.Equal(t, StateUnloaded, slot.State())
	assert.True(t, loader.instance(0).Closed())

	_, err := slot.Poll(context.Background())
	assert.True(t, HasCode(err, ErrCodePluginNotLoaded))
}
