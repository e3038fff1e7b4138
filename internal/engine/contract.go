package engine

import (
	"fmt"
	"slices"

	"pluginhost/internal/abi"
	"pluginhost/internal/capability"
	"pluginhost/pkg/plugin"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const wasiModule = "wasi_snapshot_preview1"

// deniedWASI lists the preview1 functions no plugin may import. The rest of
// preview1 is allowed; guests run without preopened directories, environment
// or arguments, so it exposes nothing beyond clocks, randomness and stdio.
var deniedWASI = []string{"sock_accept", "sock_recv", "sock_send", "sock_shutdown"}

type signature struct {
	params  []api.ValueType
	results []api.ValueType
}

func (s signature) String() string {
	return fmt.Sprintf("%s -> %s", typeNames(s.params), typeNames(s.results))
}

func typeNames(types []api.ValueType) string {
	out := "("
	for i, t := range types {
		if i > 0 {
			out += ", "
		}
		out += api.ValueTypeName(t)
	}
	return out + ")"
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// baseExports must be exported by every plugin.
var baseExports = map[string]signature{
	abi.ExportVersion: {results: []api.ValueType{i32}},
	abi.ExportAlloc:   {params: []api.ValueType{i32}, results: []api.ValueType{i32}},
}

// optionalExports are checked only when present.
var optionalExports = map[string]signature{
	abi.ExportFree: {params: []api.ValueType{i32, i32}},
}

// roleExport returns the export a role's kind must provide.
func roleExport(kind plugin.Kind) (string, signature) {
	switch kind {
	case plugin.KindRenderer:
		return abi.ExportRender, signature{params: []api.ValueType{i32, i32}, results: []api.ValueType{i64}}
	case plugin.KindUpdater:
		return abi.ExportUpdate, signature{params: []api.ValueType{i32, i32}, results: []api.ValueType{i64}}
	default:
		return abi.ExportPoll, signature{results: []api.ValueType{i64}}
	}
}

func matches(def api.FunctionDefinition, want signature) bool {
	return slices.Equal(def.ParamTypes(), want.params) && slices.Equal(def.ResultTypes(), want.results)
}

// checkContract returns a description of the first way compiled fails the
// contract for role, or "" when it conforms.
func checkContract(role plugin.Role, compiled wazero.CompiledModule) string {
	if _, ok := compiled.ExportedMemories()[abi.ExportMemory]; !ok {
		return "missing exported memory \"" + abi.ExportMemory + "\""
	}

	exports := compiled.ExportedFunctions()
	check := func(name string, want signature, required bool) string {
		def, ok := exports[name]
		if !ok {
			if required {
				return "missing export " + name
			}
			return ""
		}
		if !matches(def, want) {
			return fmt.Sprintf("export %s has signature %s, want %s",
				name, signature{params: def.ParamTypes(), results: def.ResultTypes()}, want)
		}
		return ""
	}

	for _, name := range []string{abi.ExportVersion, abi.ExportAlloc} {
		if detail := check(name, baseExports[name], true); detail != "" {
			return detail
		}
	}
	if detail := check(abi.ExportFree, optionalExports[abi.ExportFree], false); detail != "" {
		return detail
	}
	name, sig := roleExport(role.Kind())
	return check(name, sig, true)
}

// checkImports verifies every import of compiled against grants and the
// allowed WASI subset. It reports whether WASI must be provided.
func checkImports(role plugin.Role, compiled wazero.CompiledModule, grants capability.Grants) (bool, error) {
	usesWASI := false
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		switch {
		case module == wasiModule:
			if slices.Contains(deniedWASI, name) {
				return false, plugin.NewCapabilityNotGrantedError(role, module, name)
			}
			usesWASI = true
		case grants.Allows(module, name):
		default:
			return false, plugin.NewCapabilityNotGrantedError(role, module, name)
		}
	}
	for _, def := range compiled.ImportedMemories() {
		module, name, _ := def.Import()
		return false, plugin.NewCapabilityNotGrantedError(role, module, name)
	}
	return usesWASI, nil
}
