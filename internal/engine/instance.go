package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"pluginhost/internal/abi"
	"pluginhost/pkg/plugin"

	"github.com/tetratelabs/wazero/api"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// Instance is one instantiated generation of a plugin. It implements
// plugin.Instance; the owning slot serialises calls.
type Instance struct {
	role    plugin.Role
	path    string
	cm      *CompiledModule
	mod     api.Module
	logger  *zap.Logger
	stdout  *zapio.Writer
	stderr  *zapio.Writer
	closed  atomic.Bool
	entries map[string]api.Function
}

func newInstance(cm *CompiledModule, mod api.Module, logger *zap.Logger, stdout, stderr *zapio.Writer) *Instance {
	entries := make(map[string]api.Function, 3)
	for _, name := range []string{abi.ExportPoll, abi.ExportRender, abi.ExportUpdate} {
		if fn := mod.ExportedFunction(name); fn != nil {
			entries[name] = fn
		}
	}
	return &Instance{
		role:    cm.role,
		path:    cm.path,
		cm:      cm,
		mod:     mod,
		logger:  logger,
		stdout:  stdout,
		stderr:  stderr,
		entries: entries,
	}
}

// Role returns the role the instance was built for.
func (i *Instance) Role() plugin.Role { return i.role }

func (i *Instance) entry(name string) (api.Function, error) {
	fn, ok := i.entries[name]
	if !ok {
		return nil, fmt.Errorf("%s does not export %s", i.role, name)
	}
	return fn, nil
}

// Poll runs plugin_poll and returns the JSON payload. An empty or invalid
// payload is malformed; an object with an "error" member is reported by the
// guest.
func (i *Instance) Poll(ctx context.Context) ([]byte, error) {
	fn, err := i.entry(abi.ExportPoll)
	if err != nil {
		return nil, plugin.NewPollFailedError(i.role, err)
	}
	res, err := fn.Call(ctx)
	if err != nil {
		return nil, plugin.NewPollFailedError(i.role, err)
	}

	payload, err := abi.ReadPacked(i.mod, res[0])
	abi.Release(ctx, i.mod, res[0])
	if err != nil {
		return nil, plugin.NewPollMalformedError(i.role, err.Error())
	}
	if len(payload) == 0 {
		return nil, plugin.NewPollMalformedError(i.role, "empty payload")
	}
	if !gjson.ValidBytes(payload) {
		return nil, plugin.NewPollMalformedError(i.role, "payload is not valid JSON")
	}
	if msg := gjson.GetBytes(payload, "error"); msg.Exists() && gjson.ParseBytes(payload).IsObject() {
		return nil, plugin.NewPollReportedError(i.role, msg.String())
	}
	return payload, nil
}

// call hands view to a (ptr, len) -> i64 export.
func (i *Instance) call(ctx context.Context, name string, view []byte) (uint64, error) {
	fn, err := i.entry(name)
	if err != nil {
		return 0, err
	}
	in, err := abi.Write(ctx, i.mod, view)
	if err != nil {
		return 0, err
	}
	ptr, length := abi.Unpack(in)
	res, err := fn.Call(ctx, uint64(ptr), uint64(length))
	abi.Release(ctx, i.mod, in)
	if err != nil {
		return 0, err
	}
	return res[0], nil
}

// Render runs plugin_render with view and returns the guest's HTML untouched.
func (i *Instance) Render(ctx context.Context, view []byte) ([]byte, error) {
	packed, err := i.call(ctx, abi.ExportRender, view)
	if err != nil {
		return nil, plugin.NewRenderError(i.role, err)
	}
	html, err := abi.ReadPacked(i.mod, packed)
	abi.Release(ctx, i.mod, packed)
	if err != nil {
		return nil, plugin.NewRenderError(i.role, err)
	}
	return html, nil
}

// Update runs plugin_update with view. A non-zero result is the guest's
// error text.
func (i *Instance) Update(ctx context.Context, view []byte) error {
	packed, err := i.call(ctx, abi.ExportUpdate, view)
	if err != nil {
		return plugin.NewUpdateError(i.role, err)
	}
	if packed == 0 {
		return nil
	}
	text, err := abi.ReadPacked(i.mod, packed)
	abi.Release(ctx, i.mod, packed)
	if err != nil {
		return plugin.NewUpdateError(i.role, err)
	}
	if len(text) == 0 {
		text = []byte("display update failed")
	}
	return plugin.NewUpdateError(i.role, errors.New(string(text)))
}

// Closed reports whether the guest module has terminated.
func (i *Instance) Closed() bool {
	return i.closed.Load() || i.mod.IsClosed()
}

// Close tears down the instance's runtime and flushes buffered guest output.
func (i *Instance) Close(ctx context.Context) error {
	if i.closed.Swap(true) {
		return nil
	}
	err := i.cm.runtime.Close(ctx)
	_ = i.stdout.Close()
	_ = i.stderr.Close()
	i.logger.Debug("Instance closed", zap.String("path", i.path))
	return err
}
