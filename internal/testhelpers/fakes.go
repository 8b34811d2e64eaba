// Package testhelpers collects small test doubles shared across package
// boundaries (llm provider stand-ins, HTTP test servers) so individual
// _test.go files don't each redefine them.
package testhelpers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"

	"ailoy/internal/llm"
)

// FakeProvider is a scripted llm.Provider: each call to Infer pops the next
// turn's deltas off Turns, in order. Configure Err to make every call fail
// instead.
type FakeProvider struct {
	Turns [][]llm.Delta
	Err   error

	mu    sync.Mutex
	calls int
}

func (f *FakeProvider) Infer(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (<-chan llm.Delta, error) {
	if f.Err != nil {
		return nil, f.Err
	}

	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if idx >= len(f.Turns) {
		return nil, llm.New(llm.KindProvider, "fake provider: no scripted turn left")
	}

	turn := f.Turns[idx]
	ch := make(chan llm.Delta, len(turn))
	for _, d := range turn {
		ch <- d
	}
	close(ch)
	return ch, nil
}

// Calls reports how many times Infer has been called.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// NewTestServer returns an httptest.Server for the given handler func.
func NewTestServer(handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(handler))
}

// WaitGroupDoneOnce returns a function that calls wg.Done() only once, for
// tests where multiple goroutines might race to signal completion.
func WaitGroupDoneOnce(wg *sync.WaitGroup) func() {
	var once sync.Once
	return func() { once.Do(wg.Done) }
}
