package plugin

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeInstance behaves according to the bytes of the "binary" it was loaded
// from: the content is returned verbatim from Poll, "hang" blocks until the
// call deadline and then reports the sandbox as terminated.
type fakeInstance struct {
	payload []byte
	gate    chan struct{}
	entered chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
	closed    atomic.Bool
	closes    atomic.Int32
}

func (f *fakeInstance) enter() func() {
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { f.active.Add(-1) }
}

func (f *fakeInstance) Poll(ctx context.Context) ([]byte, error) {
	defer f.enter()()
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	if bytes.Equal(f.payload, []byte("hang")) {
		<-ctx.Done()
		f.closed.Store(true)
		return nil, ctx.Err()
	}
	time.Sleep(time.Millisecond)
	return f.payload, nil
}

func (f *fakeInstance) Render(ctx context.Context, view []byte) ([]byte, error) {
	defer f.enter()()
	return append([]byte("<html>"), view...), nil
}

func (f *fakeInstance) Update(ctx context.Context, view []byte) error {
	defer f.enter()()
	return nil
}

func (f *fakeInstance) Closed() bool { return f.closed.Load() }

func (f *fakeInstance) Close(ctx context.Context) error {
	f.closed.Store(true)
	f.closes.Add(1)
	return nil
}

// fakeLoader reads the file at path and decides what to build from it.
type fakeLoader struct {
	mu        sync.Mutex
	instances []*fakeInstance
	loads     atomic.Int32
	gate      chan struct{}
	entered   chan struct{}
}

func (l *fakeLoader) Load(ctx context.Context, role Role, path string) (Instance, error) {
	l.loads.Add(1)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewModuleNotFoundError(role, path, err)
	}
	switch {
	case bytes.HasPrefix(data, []byte("corrupt")):
		return nil, NewModuleInvalidError(role, path, errors.New("bad magic number"))
	case bytes.HasPrefix(data, []byte("ungranted")):
		return nil, NewCapabilityNotGrantedError(role, "system", "cpu_usage")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	inst := &fakeInstance{payload: data, gate: l.gate, entered: l.entered}
	l.instances = append(l.instances, inst)
	return inst, nil
}

func (l *fakeLoader) instance(i int) *fakeInstance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.instances[i]
}

func (l *fakeLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.instances)
}

// writeBinary writes content to dir/name with an explicit mtime.
func writeBinary(t *testing.T, dir, name, content string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
