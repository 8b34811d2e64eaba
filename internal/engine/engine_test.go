package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ailoy/internal/kvcache"
	"ailoy/internal/llm"
	"ailoy/internal/tvm"
)

// fakeLibrary implements tvm.LibraryHandle (and so kvcache.Backend too) over
// an in-memory call log, mirroring kvcache_test.go's own fakeBackend one
// layer up, so prefill/decode can be driven without a loaded tensor-VM
// library.
type fakeLibrary struct {
	prefillCalls []int32
}

func (f *fakeLibrary) Embed(tokensPtr uintptr, numTokens int32) uintptr { return 0 }
func (f *fakeLibrary) Prefill(embeddingsPtr uintptr, numTokens int32) int32 {
	f.prefillCalls = append(f.prefillCalls, numTokens)
	return 0
}
func (f *fakeLibrary) Decode(lastEmbeddingPtr uintptr) uintptr { return 1 }
func (f *fakeLibrary) Sample(logitsPtr uintptr, vocabSize int32, temperature, topP, u float32) uint32 {
	return 0
}
func (f *fakeLibrary) BeginForward(n int32) int32 { return 0 }
func (f *fakeLibrary) EndForward()                {}
func (f *fakeLibrary) Popn(k int32) int32         { return 0 }
func (f *fakeLibrary) Clear()                     {}

var _ tvm.LibraryHandle = (*fakeLibrary)(nil)

// fakeVM implements vmHost over fakeLibrary.
type fakeVM struct {
	lib      *fakeLibrary
	metadata tvm.Metadata
}

func (f *fakeVM) Library() tvm.LibraryHandle { return f.lib }
func (f *fakeVM) Metadata() tvm.Metadata     { return f.metadata }
func (f *fakeVM) VocabSize() int32           { return 32000 }
func (f *fakeVM) Close() error               { return nil }

var _ vmHost = (*fakeVM)(nil)

// newTestEngine builds an Engine over a fake VM with totalPages pages of
// kvcache.PageSize tokens each, so tests can drive prefill/decode without a
// real tensor-VM library.
func newTestEngine(totalPages int) (*Engine, *fakeLibrary) {
	lib := &fakeLibrary{}
	md := tvm.Metadata{ContextWindowSize: totalPages * kvcache.PageSize, PrefillChunkSize: 512}
	vm := &fakeVM{lib: lib, metadata: md}
	kv := kvcache.New(lib, totalPages)
	return &Engine{vm: vm, kv: kv, tok: byteTokenizer{}, metadata: md}, lib
}

func TestPrefillReusesCommonPrefix(t *testing.T) {
	e, lib := newTestEngine(4) // 4 pages * 16 tokens = 64 token capacity

	require.NoError(t, e.prefill([]int32{1, 2, 3, 4, 5}))
	require.Equal(t, []int32{1, 2, 3, 4, 5}, e.history)
	require.Len(t, lib.prefillCalls, 1)
	require.EqualValues(t, 5, lib.prefillCalls[0])

	// Shares a 5-token prefix with history; only the new tail should be
	// re-run through Prefill.
	require.NoError(t, e.prefill([]int32{1, 2, 3, 4, 5, 6, 7}))
	require.Equal(t, []int32{1, 2, 3, 4, 5, 6, 7}, e.history)
	require.Len(t, lib.prefillCalls, 2)
	require.EqualValues(t, 2, lib.prefillCalls[1])

	// Diverges at index 2; the non-matching tail must be dropped before the
	// new one is appended.
	require.NoError(t, e.prefill([]int32{1, 2, 9}))
	require.Equal(t, []int32{1, 2, 9}, e.history)
}

func TestPrefillFailsOnContextOverflow(t *testing.T) {
	e, _ := newTestEngine(1) // 1 page * 16 tokens = 16 token capacity

	tokens := make([]int32, 32)
	for i := range tokens {
		tokens[i] = int32(i)
	}

	err := e.prefill(tokens)
	require.Error(t, err)
	require.True(t, llm.Is(err, llm.KindContextOverflow))
}

func TestDecodeFailsWhenNoFreePages(t *testing.T) {
	e, _ := newTestEngine(1) // 1 page * 16 tokens = 16 token capacity

	// prefill refuses a tail that fills every free page, so 15 tokens is the
	// most it accepts here; they still take the only page.
	require.NoError(t, e.prefill([]int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}))

	_, err := e.decode(15)
	require.Error(t, err)
	require.True(t, llm.Is(err, llm.KindContextOverflow))
}

func TestLongestCommonPrefix(t *testing.T) {
	cases := []struct {
		a, b []int32
		want int
	}{
		{[]int32{1, 2, 3}, []int32{1, 2, 3, 4}, 3},
		{[]int32{1, 2, 3}, []int32{1, 9, 3}, 1},
		{nil, []int32{1, 2}, 0},
		{[]int32{1, 2}, []int32{1, 2}, 2},
	}
	for _, c := range cases {
		if got := longestCommonPrefix(c.a, c.b); got != c.want {
			t.Errorf("longestCommonPrefix(%v, %v) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestByteTokenizerRoundTrip(t *testing.T) {
	tok := byteTokenizer{}
	ids := tok.Encode("hi")
	if len(ids) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(ids))
	}
	if tok.Decode(ids[0])+tok.Decode(ids[1]) != "hi" {
		t.Fatalf("round trip failed: %v", ids)
	}
}
