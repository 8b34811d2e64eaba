// Package tvm hosts the compiled tensor-VM library for one model handle:
// loading the shared library, reading its `_metadata` export, and resolving
// the parameter table from a tensor-cache index (spec.md component B).
//
// Dynamic library loading is grounded on github.com/ebitengine/purego, the
// cgo-free dlopen/dlsym binding present in the pack's own dependency closure
// (pulled in transitively by both the teacher and xfeldman-aegisvm); it is
// the only library in the corpus that does C ABI calls into a compiled
// .so/.dylib/.dll without a cgo toolchain, which is exactly spec.md §4.B
// step 1's "load the compiled model library... via the tensor VM's
// executable loader."
package tvm

import (
	"encoding/json"
	"fmt"

	"github.com/ebitengine/purego"

	"ailoy/internal/config"
	"ailoy/internal/llm"
)

// Metadata is the parsed result of calling the VM's `_metadata` export
// (spec.md §4.B step 3).
type Metadata struct {
	ContextWindowSize int              `json:"context_window_size"`
	PrefillChunkSize  int              `json:"prefill_chunk_size"`
	SlidingWindowSize int              `json:"sliding_window_size"`
	Params            []ParamReference `json:"params"`
}

// ParamReference names one parameter tensor the VM expects, in load order.
type ParamReference struct {
	Name string `json:"name"`
}

// HasSlidingWindow reports whether sliding_window_size is meaningfully set;
// -1 means unused per spec.md §4.B step 3.
func (m Metadata) HasSlidingWindow() bool { return m.SlidingWindowSize >= 0 }

// Library is a loaded compiled tensor-VM module and its exported C
// functions, bound via purego. Function pointers are resolved once at
// LoadLibrary time; callers invoke them through the typed wrapper methods
// on Library.
type Library struct {
	handle uintptr

	metadataFn func() string
	// embedFn takes a device pointer to int32 token ids and their count,
	// returning a device pointer to the embedded [1, n, D] tensor.
	embedFn func(tokensPtr uintptr, numTokens int32) uintptr
	// prefillFn/decodeFn exchange device tensor pointers; decodeFn returns a
	// device pointer to the [1, 1, vocab] logits tensor.
	prefillFn      func(embeddingsPtr uintptr, numTokens int32) int32
	decodeFn       func(lastEmbeddingPtr uintptr) uintptr
	sampleFn       func(logitsPtr uintptr, vocabSize int32, temperature, topP, u float32) uint32
	beginForwardFn func(n int32) int32
	endForwardFn   func()
	popnFn         func(k int32) int32
	clearFn        func()
	// initFn places the VM on (deviceKind, ordinal), configures the pooled
	// allocator, and pins staging memory to the host kind; returns nonzero
	// on failure (spec.md §4.B step 2).
	initFn func(deviceKind int32, ordinal int32, pooledAlloc int32, hostKind int32) int32
}

// LibraryHandle is the subset of *Library the local engine drives directly,
// named here so callers can depend on an interface instead of the concrete
// type (mirrors kvcache.Backend's boundary-interface pattern).
type LibraryHandle interface {
	Embed(tokensPtr uintptr, numTokens int32) uintptr
	Prefill(embeddingsPtr uintptr, numTokens int32) int32
	Decode(lastEmbeddingPtr uintptr) uintptr
	Sample(logitsPtr uintptr, vocabSize int32, temperature, topP, u float32) uint32
	BeginForward(n int32) int32
	EndForward()
	Popn(k int32) int32
	Clear()
}

// LoadLibrary dlopen()s path and binds the fixed set of C exports the tensor
// VM contract requires. Failure is always KindLibraryLoad per spec.md §7.
func LoadLibrary(path string) (*Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, llm.Wrap(llm.KindLibraryLoad, err)
	}

	lib := &Library{handle: handle}
	bindings := []struct {
		name string
		fptr any
	}{
		{"_init", &lib.initFn},
		{"_metadata", &lib.metadataFn},
		{"embed", &lib.embedFn},
		{"prefill", &lib.prefillFn},
		{"decode", &lib.decodeFn},
		{"sample_top_p_from_logits", &lib.sampleFn},
		{"begin_forward", &lib.beginForwardFn},
		{"end_forward", &lib.endForwardFn},
		{"popn", &lib.popnFn},
		{"clear", &lib.clearFn},
	}
	for _, b := range bindings {
		if err := registerFunc(handle, b.name, b.fptr); err != nil {
			return nil, llm.Wrap(llm.KindLibraryLoad, fmt.Errorf("bind %s: %w", b.name, err))
		}
	}
	return lib, nil
}

// registerFunc resolves symbol in the loaded library and binds it to fptr,
// converting purego's panic-on-missing-symbol behavior into an error.
func registerFunc(handle uintptr, symbol string, fptr any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("symbol %s: %v", symbol, r)
		}
	}()
	purego.RegisterLibFunc(fptr, handle, symbol)
	return nil
}

// hostStagingKind is the fixed `host=CPU` argument spec.md §4.B step 2
// always passes: staging memory for transfers to/from the device is host
// memory, and the host is always the CPU regardless of the compute device.
const hostStagingKind int32 = 0

// deviceKindCode encodes a config.DeviceKind into the integer the VM's
// `_init` export expects. The spec names the device kinds but not their
// wire encoding, so this ordering (the same order config.DeviceKind's own
// constants are declared in) is this binding's own convention, recorded
// here rather than left implicit.
func deviceKindCode(kind config.DeviceKind) int32 {
	switch kind {
	case config.DeviceCPU:
		return 0
	case config.DeviceMetal:
		return 1
	case config.DeviceVulkan:
		return 2
	case config.DeviceWebGPU:
		return 3
	default:
		return 0
	}
}

// Init places the VM on (deviceKind, ordinal) and configures the pooled
// allocator, per spec.md §4.B step 2. Must be called once, before Metadata,
// right after LoadLibrary.
func (l *Library) Init(deviceKind config.DeviceKind, ordinal int, pooledAlloc bool) error {
	pa := int32(0)
	if pooledAlloc {
		pa = 1
	}
	if rc := l.initFn(deviceKindCode(deviceKind), int32(ordinal), pa, hostStagingKind); rc != 0 {
		return llm.New(llm.KindLibraryLoad, fmt.Sprintf("vm init failed for device %s[%d]: rc=%d", deviceKind, ordinal, rc))
	}
	return nil
}

// Metadata calls the VM's `_metadata` export and parses its JSON payload
// (spec.md §4.B step 3).
func (l *Library) Metadata() (Metadata, error) {
	raw := l.metadataFn()
	var md Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return Metadata{}, llm.Wrap(llm.KindLibraryLoad, fmt.Errorf("parse _metadata: %w", err))
	}
	if md.SlidingWindowSize == 0 {
		md.SlidingWindowSize = -1
	}
	return md, nil
}

// Close releases the loaded library. The tensor VM API has no unload
// primitive exposed through purego; Close is a no-op placeholder kept so
// callers can defer it uniformly and a future dlclose binding has a home.
func (l *Library) Close() error { return nil }

// BeginForward, EndForward, Popn, and Clear satisfy kvcache.Backend,
// letting the paged KV cache dispatch directly into the bound VM exports.
func (l *Library) BeginForward(n int32) int32 { return l.beginForwardFn(n) }
func (l *Library) EndForward()                { l.endForwardFn() }
func (l *Library) Popn(k int32) int32         { return l.popnFn(k) }
func (l *Library) Clear()                     { l.clearFn() }

// Embed, Prefill, Decode, and Sample expose the remaining bound VM exports
// that spec.md §4.D's prefill/decode/sample algorithms drive directly.
func (l *Library) Embed(tokensPtr uintptr, numTokens int32) uintptr {
	return l.embedFn(tokensPtr, numTokens)
}
func (l *Library) Prefill(embeddingsPtr uintptr, numTokens int32) int32 {
	return l.prefillFn(embeddingsPtr, numTokens)
}
func (l *Library) Decode(lastEmbeddingPtr uintptr) uintptr { return l.decodeFn(lastEmbeddingPtr) }
func (l *Library) Sample(logitsPtr uintptr, vocabSize int32, temperature, topP, u float32) uint32 {
	return l.sampleFn(logitsPtr, vocabSize, temperature, topP, u)
}
