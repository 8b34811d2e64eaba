// Package engine implements the local tensor-VM-backed LM engine (spec.md
// component D): prefill with prefix reuse, autoregressive decode, top-p
// sampling, and the orchestration that ties the Model Cache (A), Tensor VM
// Host (B), and Paged KV Cache (C) into one llm.Provider the agent
// orchestrator can drive identically to a remote adapter (spec.md §9
// "Polymorphism over providers").
package engine

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"
	"unsafe"

	"ailoy/internal/chatstream"
	"ailoy/internal/config"
	"ailoy/internal/kvcache"
	"ailoy/internal/llm"
	"ailoy/internal/modelcache"
	"ailoy/internal/observability"
	"ailoy/internal/tvm"
)

// defaultTemperature and defaultTopP are the sampling parameters Infer passes
// to every sample call; what temperature=0 does is left to the VM sampler's
// own contract (see sample and DESIGN.md).
const (
	defaultTemperature = 0.8
	defaultTopP        = 0.95
)

// vmHost is the subset of *tvm.VMHandle the engine depends on, named here so
// tests can substitute a fake VM and exercise prefill/decode/sample control
// flow without a loaded tensor-VM library — the same boundary-interface
// pattern kvcache.Backend uses one layer down.
type vmHost interface {
	Library() tvm.LibraryHandle
	Metadata() tvm.Metadata
	VocabSize() int32
	Close() error
}

// Engine is one model handle: it exclusively owns its VM, parameter table,
// KV cache, and token history for its lifetime (spec.md §3 "Lifecycle").
type Engine struct {
	vm       vmHost
	kv       *kvcache.Cache
	tok      Tokenizer
	template *chatstream.Template
	metadata tvm.Metadata

	// mu serializes prefill/decode/sample: the KV cache and VM are not
	// reentrant (spec.md §5 "Scheduling").
	mu      sync.Mutex
	history []int32
}

// Option configures New.
type Option func(*options)

type options struct {
	tokenizer    Tokenizer
	templateFile string
	httpClient   *http.Client
}

// WithTokenizer injects a real tokenizer in place of the byte-level default.
func WithTokenizer(t Tokenizer) Option {
	return func(o *options) { o.tokenizer = t }
}

// WithTemplateFile overrides the template filename looked up in the model
// directory (default "template.j2", per spec.md §6's filesystem layout).
func WithTemplateFile(name string) Option {
	return func(o *options) { o.templateFile = name }
}

// WithHTTPClient overrides the HTTP client used to resolve the model from
// the cache.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New resolves localCfg's model through the cache, initializes the tensor
// VM and paged KV cache against it, and returns a ready Engine implementing
// llm.Provider.
func New(localCfg config.LocalModelConfig, cacheCfg config.CacheConfig, opts ...Option) (*Engine, error) {
	o := &options{tokenizer: byteTokenizer{}, templateFile: "template.j2"}
	for _, opt := range opts {
		opt(o)
	}

	store, err := modelcache.New(cacheCfg, o.httpClient)
	if err != nil {
		return nil, err
	}

	device := localCfg.Device
	if device.Kind == "" {
		kind, ordinal := tvm.DefaultOrdinal(config.DeviceCPU)
		device = config.DeviceConfig{Kind: kind, Ordinal: ordinal}
	}

	record, err := store.Resolve(context.Background(), localCfg.ModelID, localCfg.Quantization, device, nil)
	if err != nil {
		return nil, err
	}

	vmHandle, err := tvm.Init(record.LibPath, record.RootDir, tvm.Device{Kind: device.Kind, Ordinal: device.Ordinal})
	if err != nil {
		return nil, err
	}

	md := vmHandle.Metadata()
	totalPages := (md.ContextWindowSize + kvcache.PageSize - 1) / kvcache.PageSize
	if totalPages <= 0 {
		totalPages = 1
	}
	kv := kvcache.New(vmHandle.Library(), totalPages)

	tmpl, err := chatstream.LoadTemplate(record.RootDir, o.templateFile)
	if err != nil {
		_ = vmHandle.Close()
		return nil, err
	}

	return &Engine{vm: vmHandle, kv: kv, tok: o.tokenizer, template: tmpl, metadata: md}, nil
}

// Close releases the VM's device resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vm.Close()
}

// Clear resets the KV cache and token history (spec.md §4.D "clear").
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
}

func (e *Engine) clearLocked() {
	e.kv.Clear()
	e.history = nil
}

// prefill makes the KV cache reflect tokens using prefix reuse (spec.md
// §4.D "Prefill algorithm"). Caller must hold e.mu.
func (e *Engine) prefill(tokens []int32) error {
	if e.kv.TotalSequenceLength() != len(e.history) {
		e.clearLocked()
	}

	lcp := longestCommonPrefix(e.history, tokens)
	if drop := len(e.history) - lcp; drop > 0 {
		e.kv.Popn(drop)
	}
	e.history = append([]int32(nil), tokens[:lcp]...)

	tail := tokens[lcp:]
	if len(tail) == 0 {
		return nil
	}

	if len(tail) >= e.kv.AvailablePages()*kvcache.PageSize {
		return llm.New(llm.KindContextOverflow, "prefill tail exceeds available KV capacity")
	}

	chunkSize := e.metadata.PrefillChunkSize
	if chunkSize <= 0 {
		chunkSize = 512
	}

	for i := 0; i < len(tail); i += chunkSize {
		end := i + chunkSize
		if end > len(tail) {
			end = len(tail)
		}
		chunk := tail[i:end]

		if err := e.kv.BeginForward(len(chunk)); err != nil {
			return err
		}
		embedPtr := e.vm.Library().Embed(int32SlicePtr(chunk), int32(len(chunk)))
		e.vm.Library().Prefill(embedPtr, int32(len(chunk)))
		e.kv.EndForward()

		e.history = append(e.history, chunk...)
	}
	return nil
}

// decode advances one token and returns the VM's raw logits pointer (spec.md
// §4.D "Decode algorithm"). Caller must hold e.mu.
func (e *Engine) decode(lastToken int32) (uintptr, error) {
	if e.kv.AvailablePages() < 1 {
		return 0, llm.New(llm.KindContextOverflow, "decode: no free KV pages")
	}
	tok := lastToken
	embedPtr := e.vm.Library().Embed(int32SlicePtr([]int32{tok}), 1)
	if err := e.kv.BeginForward(1); err != nil {
		return 0, err
	}
	logits := e.vm.Library().Decode(embedPtr)
	e.kv.EndForward()
	return logits, nil
}

// sample draws the next token id via the VM's top-p sampler. temperature=0
// is documented here, not merely assumed, as the greedy policy spec.md §9's
// open question leaves to the sampler: callers that want strict
// reproducibility should pass temperature=0 and rely on the VM builtin's
// contract (spec.md §4.D "Sampling").
func (e *Engine) sample(logits uintptr, temperature, topP float32, rng *rand.Rand) int32 {
	u := float32(rng.Float64())
	return int32(e.vm.Library().Sample(logits, e.vm.VocabSize(), temperature, topP, u))
}

func int32SlicePtr(s []int32) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s[0]))
}

func longestCommonPrefix(a, b []int32) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// Infer implements llm.Provider by rendering the chat template, prefilling
// the rendered prompt, and decoding turn-by-turn through the streaming
// parser until a terminal state (spec.md §4.D + §4.E).
func (e *Engine) Infer(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (<-chan llm.Delta, error) {
	system := systemPrompt(msgs)
	prompt, err := e.template.Render(system, msgs, tools, true)
	if err != nil {
		return nil, err
	}
	tokens := e.tok.Encode(prompt)

	ctx, span := llm.StartRequestSpan(ctx, "engine.infer", model, len(tools), len(msgs))
	llm.LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	out := make(chan llm.Delta, 8)

	go func() {
		defer close(out)
		defer span.End()

		e.mu.Lock()
		defer e.mu.Unlock()

		start := time.Now()
		if err := e.prefill(tokens); err != nil {
			span.RecordError(err)
			out <- llm.Delta{FinishReason: llm.FinishError, Err: err}
			return
		}

		parser := chatstream.NewParser(e.template.Tokens())
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))

		last := tokens[len(tokens)-1]
		promptTokens := len(tokens)
		completionTokens := 0

		for {
			select {
			case <-ctx.Done():
				out <- llm.Delta{FinishReason: llm.FinishError, Err: ctx.Err()}
				return
			default:
			}

			logits, err := e.decode(last)
			if err != nil {
				span.RecordError(err)
				out <- llm.Delta{FinishReason: llm.FinishError, Err: err}
				return
			}
			next := e.sample(logits, defaultTemperature, defaultTopP, rng)
			completionTokens++
			e.history = append(e.history, next)
			last = next

			text := e.tok.Decode(next)
			deltas := parser.Feed(text)
			terminal := false
			for _, d := range deltas {
				out <- d
				if d.FinishReason != "" {
					terminal = true
				}
			}
			if terminal {
				break
			}
			if completionTokens >= e.metadata.ContextWindowSize {
				out <- llm.Delta{FinishReason: llm.FinishLength}
				break
			}
		}

		dur := time.Since(start)
		llm.RecordTokenAttributes(span, promptTokens, completionTokens, promptTokens+completionTokens)
		llm.RecordTokenMetrics(model, promptTokens, completionTokens)
		log.Debug().Str("model", model).Dur("duration", dur).Int("completion_tokens", completionTokens).Msg("engine_infer_ok")
	}()

	return out, nil
}

func systemPrompt(msgs []llm.Message) string {
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			return llm.Text(m.Content)
		}
	}
	return ""
}

var _ llm.Provider = (*Engine)(nil)
