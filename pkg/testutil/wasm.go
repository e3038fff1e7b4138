// Package testutil provides testing utilities for pluginhost plugins.
// This file contains a minimal WebAssembly module assembler, so tests can
// produce real guest binaries for the plugin ABI without an external
// toolchain.
package testutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ValType is a wasm value type.
type ValType byte

// Value types used by the plugin ABI.
const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
	F32 ValType = 0x7D
)

// FuncType is a wasm function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Common signatures.
var (
	SigPoll   = FuncType{Results: []ValType{I64}}
	SigView   = FuncType{Params: []ValType{I32, I32}, Results: []ValType{I64}}
	SigNone   = FuncType{}
	sigI32    = FuncType{Results: []ValType{I32}}
	sigAlloc  = FuncType{Params: []ValType{I32}, Results: []ValType{I32}}
	sigFree   = FuncType{Params: []ValType{I32, I32}}
	heapStart = int32(16 << 10)
)

// Instruction encodings.
var (
	Unreachable = []byte{0x00}
	Drop        = []byte{0x1A}
	// Spin loops forever; the host must interrupt it.
	Spin = []byte{0x03, 0x40, 0x0C, 0x00, 0x0B}
)

const (
	opEnd       = 0x0B
	opCall      = 0x10
	opLocalGet  = 0x20
	opGlobalGet = 0x23
	opGlobalSet = 0x24
	opI32Const  = 0x41
	opI64Const  = 0x42
	opI32Add    = 0x6A
	opI64Or     = 0x84
	opI64Shl    = 0x86
	opI64ExtU   = 0xAD
)

func uleb(v uint64) []byte {
	return binary.AppendUvarint(nil, v)
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// I32Const pushes an i32.
func I32Const(v int32) []byte { return append([]byte{opI32Const}, sleb(int64(v))...) }

// I64Const pushes an i64.
func I64Const(v int64) []byte { return append([]byte{opI64Const}, sleb(v)...) }

// LocalGet pushes local i.
func LocalGet(i uint32) []byte { return append([]byte{opLocalGet}, uleb(uint64(i))...) }

// Call calls function index i.
func Call(i uint32) []byte { return append([]byte{opCall}, uleb(uint64(i))...) }

// PackArgs packs the two i32 parameters into the i64 result, turning a
// (ptr, len) view function into an echo.
var PackArgs = concat(
	LocalGet(0), []byte{opI64ExtU}, I64Const(32), []byte{opI64Shl},
	LocalGet(1), []byte{opI64ExtU}, []byte{opI64Or},
)

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items [][]byte) []byte {
	return append(uleb(uint64(len(items))), concat(items...)...)
}

func section(id byte, items [][]byte) []byte {
	body := vec(items)
	return append(append([]byte{id}, uleb(uint64(len(body)))...), body...)
}

func (t FuncType) encode() []byte {
	enc := func(ts []ValType) []byte {
		out := uleb(uint64(len(ts)))
		for _, v := range ts {
			out = append(out, byte(v))
		}
		return out
	}
	return concat([]byte{0x60}, enc(t.Params), enc(t.Results))
}

type wasmImport struct {
	module, name string
	sig          FuncType
}

type wasmFunc struct {
	export string
	sig    FuncType
	body   []byte
}

type segment struct {
	offset int32
	data   []byte
}

// Guest assembles a plugin module. Every guest gets an exported memory, a
// bump allocator, a no-op plugin_free and plugin_abi_version.
type Guest struct {
	imports  []wasmImport
	funcs    []wasmFunc
	data     []segment
	next     int32
	version  int32
	noMemory bool
}

// NewGuest starts a guest reporting ABI version 1.
func NewGuest() *Guest {
	return &Guest{next: 64, version: 1}
}

// Version overrides the reported ABI version.
func (g *Guest) Version(v int32) *Guest {
	g.version = v
	return g
}

// WithoutMemory omits the memory export.
func (g *Guest) WithoutMemory() *Guest {
	g.noMemory = true
	return g
}

// Import declares a host function and returns its function index. Imports
// occupy the lowest indices, so the index stays valid as functions are added.
func (g *Guest) Import(module, fn string, sig FuncType) uint32 {
	g.imports = append(g.imports, wasmImport{module: module, name: fn, sig: sig})
	return uint32(len(g.imports) - 1)
}

// Static places data in the guest's memory and returns its packed
// pointer/length.
func (g *Guest) Static(data string) int64 {
	off := g.next
	g.data = append(g.data, segment{offset: off, data: []byte(data)})
	g.next += int32(len(data)+7) &^ 7
	return int64(off)<<32 | int64(len(data))
}

// Func adds an exported function. The body must leave the results on the
// stack; the closing end is appended.
func (g *Guest) Func(export string, sig FuncType, body ...[]byte) *Guest {
	g.funcs = append(g.funcs, wasmFunc{export: export, sig: sig, body: concat(body...)})
	return g
}

// Returns adds a function that returns a static payload.
func (g *Guest) Returns(export, payload string) *Guest {
	return g.Func(export, SigPoll, I64Const(g.Static(payload)))
}

func (g *Guest) builtins() []wasmFunc {
	return []wasmFunc{
		{export: "plugin_abi_version", sig: sigI32, body: I32Const(g.version)},
		{export: "plugin_alloc", sig: sigAlloc, body: concat(
			[]byte{opGlobalGet, 0x00},
			[]byte{opGlobalGet, 0x00}, LocalGet(0), []byte{opI32Add},
			[]byte{opGlobalSet, 0x00},
		)},
		{export: "plugin_free", sig: sigFree},
	}
}

// Bytes encodes the module.
func (g *Guest) Bytes() []byte {
	funcs := append(g.builtins(), g.funcs...)

	var types, imports, decls, exports, code, data [][]byte
	for _, imp := range g.imports {
		imports = append(imports, concat(name(imp.module), name(imp.name), []byte{0x00}, uleb(uint64(len(types)))))
		types = append(types, imp.sig.encode())
	}
	for i, fn := range funcs {
		decls = append(decls, uleb(uint64(len(types))))
		types = append(types, fn.sig.encode())
		idx := uint64(len(g.imports) + i)
		exports = append(exports, concat(name(fn.export), []byte{0x00}, uleb(idx)))
		entry := concat([]byte{0x00}, fn.body, []byte{opEnd})
		code = append(code, append(uleb(uint64(len(entry))), entry...))
	}
	if !g.noMemory {
		exports = append(exports, concat(name("memory"), []byte{0x02, 0x00}))
	}
	for _, seg := range g.data {
		data = append(data, concat([]byte{0x00}, I32Const(seg.offset), []byte{opEnd}, name(string(seg.data))))
	}

	heap := max(heapStart, (g.next+1023)&^1023)
	global := concat([]byte{byte(I32), 0x01}, I32Const(heap), []byte{opEnd})

	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, types)...)
	if len(imports) > 0 {
		out = append(out, section(2, imports)...)
	}
	out = append(out, section(3, decls)...)
	out = append(out, section(5, [][]byte{{0x00, 0x04}})...)
	out = append(out, section(6, [][]byte{global})...)
	out = append(out, section(7, exports)...)
	out = append(out, section(10, code)...)
	if len(data) > 0 {
		out = append(out, section(11, data)...)
	}
	return out
}

// SensorGuest returns a polling guest that always reports payload.
func SensorGuest(payload string) []byte {
	return NewGuest().Returns("plugin_poll", payload).Bytes()
}

// RendererGuest returns a renderer that echoes its view back as HTML.
func RendererGuest() []byte {
	return NewGuest().Func("plugin_render", SigView, PackArgs).Bytes()
}

// StaticRendererGuest returns a renderer that always produces html.
func StaticRendererGuest(html string) []byte {
	g := NewGuest()
	packed := g.Static(html)
	return g.Func("plugin_render", SigView, I64Const(packed)).Bytes()
}

// DisplayGuest returns an auxiliary display. A non-empty failure makes every
// update report that text.
func DisplayGuest(failure string) []byte {
	g := NewGuest()
	if failure == "" {
		return g.Func("plugin_update", SigView, I64Const(0)).Bytes()
	}
	return g.Func("plugin_update", SigView, I64Const(g.Static(failure))).Bytes()
}

// HardwareSensorGuest returns a sensor whose poll result is the host's
// response to hardware.read_temperature_humidity(ref).
func HardwareSensorGuest(ref int32) []byte {
	g := NewGuest()
	read := g.Import("hardware", "read_temperature_humidity", FuncType{Params: []ValType{I32}, Results: []ValType{I64}})
	return g.Func("plugin_poll", SigPoll, I32Const(ref), Call(read)).Bytes()
}

// IndicatorSensorGuest sets every pixel to (r, g, b), flushes, then reports
// payload.
func IndicatorSensorGuest(r, gr, b int32, payload string) []byte {
	g := NewGuest()
	setAll := g.Import("indicator", "set_all", FuncType{Params: []ValType{I32, I32, I32}})
	flush := g.Import("indicator", "flush", SigNone)
	return g.Func("plugin_poll", SigPoll,
		I32Const(r), I32Const(gr), I32Const(b), Call(setAll),
		Call(flush),
		I64Const(g.Static(payload)),
	).Bytes()
}

// WriteModule writes bin to dir/name with the given modification time and
// returns the path.
func WriteModule(t testing.TB, dir, name string, bin []byte, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, bin, 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}
