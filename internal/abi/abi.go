// Package abi defines the host/guest calling convention shared by the module
// engine and the capability exports.
//
// Every guest exports a linear memory named "memory", an allocator and a
// version probe. Variable-length values cross the boundary as a packed i64:
// the high 32 bits hold the guest pointer and the low 32 bits the length.
package abi

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Version is the contract version a guest must report from ExportVersion.
const Version = 1

// Guest export names.
const (
	ExportMemory  = "memory"
	ExportVersion = "plugin_abi_version"
	ExportAlloc   = "plugin_alloc"
	ExportFree    = "plugin_free"
	ExportPoll    = "plugin_poll"
	ExportRender  = "plugin_render"
	ExportUpdate  = "plugin_update"
)

// MaxPayload bounds any single buffer copied out of guest memory.
const MaxPayload = 4 << 20

// Pack combines a guest pointer and length into one i64 result.
func Pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// Unpack splits a packed i64 into pointer and length.
func Unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// Read copies length bytes at ptr out of the module's memory.
func Read(m api.Module, ptr, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if length > MaxPayload {
		return nil, fmt.Errorf("guest buffer of %d bytes exceeds limit of %d", length, MaxPayload)
	}
	mem := m.Memory()
	if mem == nil {
		return nil, fmt.Errorf("guest exports no memory")
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("guest buffer [%d, +%d) out of range (memory size %d)", ptr, length, mem.Size())
	}
	out := make([]byte, length)
	copy(out, view)
	return out, nil
}

// ReadPacked is Read for a packed pointer/length pair.
func ReadPacked(m api.Module, packed uint64) ([]byte, error) {
	ptr, length := Unpack(packed)
	return Read(m, ptr, length)
}

// Write allocates len(data) bytes inside the guest through its allocator and
// copies data there. It returns the packed location.
func Write(ctx context.Context, m api.Module, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if len(data) > MaxPayload {
		return 0, fmt.Errorf("host buffer of %d bytes exceeds limit of %d", len(data), MaxPayload)
	}
	alloc := m.ExportedFunction(ExportAlloc)
	if alloc == nil {
		return 0, fmt.Errorf("guest does not export %s", ExportAlloc)
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("guest allocation failed: %w", err)
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, fmt.Errorf("guest allocator returned null for %d bytes", len(data))
	}
	if !m.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("guest allocation [%d, +%d) out of range", ptr, len(data))
	}
	return Pack(ptr, uint32(len(data))), nil
}

// Release hands a buffer back to the guest when it exports a free function.
// Guests without one manage their own memory.
func Release(ctx context.Context, m api.Module, packed uint64) {
	ptr, length := Unpack(packed)
	if length == 0 {
		return
	}
	if free := m.ExportedFunction(ExportFree); free != nil {
		_, _ = free.Call(ctx, uint64(ptr), uint64(length))
	}
}
