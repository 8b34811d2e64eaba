package engine

// Tokenizer turns prompt text into token ids and single token ids back into
// text. The tokenizer library itself is named an out-of-scope external
// collaborator by spec.md §1 ("the tokenizer library" is listed alongside
// the broker/VM RPC transport and WASM glue); this interface is the narrow
// seam the local engine needs, so an embedding application can inject a
// real one (e.g. a SentencePiece/BPE binding) without the engine depending
// on its implementation.
type Tokenizer interface {
	Encode(text string) []int32
	Decode(token int32) string
}

// byteTokenizer is a trivial stand-in that treats each byte as one token.
// It keeps the engine self-contained for tests and smoke use when no real
// tokenizer has been wired in; production use is expected to inject the
// model's actual tokenizer via WithTokenizer.
type byteTokenizer struct{}

func (byteTokenizer) Encode(text string) []int32 {
	b := []byte(text)
	out := make([]int32, len(b))
	for i, c := range b {
		out[i] = int32(c)
	}
	return out
}

func (byteTokenizer) Decode(token int32) string {
	if token < 0 || token > 255 {
		return ""
	}
	return string([]byte{byte(token)})
}
