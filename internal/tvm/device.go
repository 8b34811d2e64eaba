package tvm

import (
	"ailoy/internal/config"
	"ailoy/internal/hostinfo"
)

// Device identifies the target the VM should place parameters and run
// compute on (spec.md §4.B contract).
type Device struct {
	Kind    config.DeviceKind
	Ordinal int
}

// DefaultOrdinal picks ordinal 0 of the requested kind. For a non-CPU kind it
// falls back to CPU when host discovery finds no GPU at all; it does not check
// that a GPU it finds matches the requested kind.
// This supplements spec.md §4.B, which names the device struct but leaves
// default selection to the implementer.
func DefaultOrdinal(kind config.DeviceKind) (config.DeviceKind, int) {
	if kind != config.DeviceCPU {
		if info, err := hostinfo.GetHostInfo(); err == nil && len(info.GPUs) == 0 {
			return config.DeviceCPU, 0
		}
	}
	return kind, 0
}

// VMHandle is a live, initialized VM with parameters resident on device
// (spec.md §4.B contract). It owns the loaded Library and the parameter
// table for the lifetime of one model handle.
type VMHandle struct {
	lib      *Library
	device   Device
	metadata Metadata
	params   []ParamTensor
}

// poolAllocDefault is always enabled; spec.md §4.B step 2 names
// pooled_alloc as one of the init parameters but leaves its default
// unspecified, and nothing in this repo ever needs the unpooled path.
const poolAllocDefault = true

// Init loads libPath, initializes the VM against device (spec.md §4.B step
// 2), parses _metadata, and loads every parameter tensor named by the
// tensor-cache index in dir (spec.md §4.B steps 1-5).
func Init(libPath string, dir string, device Device) (*VMHandle, error) {
	lib, err := LoadLibrary(libPath)
	if err != nil {
		return nil, err
	}

	if err := lib.Init(device.Kind, device.Ordinal, poolAllocDefault); err != nil {
		return nil, err
	}

	md, err := lib.Metadata()
	if err != nil {
		return nil, err
	}

	params, err := LoadParams(dir, md)
	if err != nil {
		return nil, err
	}

	return &VMHandle{lib: lib, device: device, metadata: md, params: params}, nil
}

// Metadata returns the parsed VM metadata.
func (h *VMHandle) Metadata() Metadata { return h.metadata }

// Library exposes the bound VM function table for the engine package to
// drive prefill/decode/sample directly, behind an interface so callers can
// substitute a fake in tests.
func (h *VMHandle) Library() LibraryHandle { return h.lib }

// VocabSize derives the model's vocabulary size from the final parameter
// tensor LoadParams resolved (the lm-head / tied-embedding matrix's output
// dimension), since spec.md §4.B's extracted metadata fields don't name
// vocab size directly.
func (h *VMHandle) VocabSize() int32 {
	if len(h.params) == 0 {
		return 0
	}
	last := h.params[len(h.params)-1]
	if len(last.Shape) == 0 {
		return 0
	}
	return int32(last.Shape[0])
}

// Close releases device resources. Spec.md §9 "tensor handle lifetimes":
// each engine exclusively owns its parameter array and releases it here
// rather than through a shared back-reference.
func (h *VMHandle) Close() error {
	h.params = nil
	return h.lib.Close()
}
