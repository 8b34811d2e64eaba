// Package kvcache implements the paged attention KV cache bookkeeping from
// spec.md component C: one active sequence, fixed-size pages, and the
// overflow check that must happen before any VM dispatch. The accounting is
// pure Go; the actual begin_forward/end_forward/popn/clear calls into the
// tensor VM are delegated to the Backend interface so this package stays
// testable without a real tensor-VM library loaded (grounded on the
// teacher's preference for small, mockable interfaces at the boundary of an
// external system, e.g. internal/agent/interfaces.go's Tool/Memory split).
package kvcache

import (
	"ailoy/internal/llm"
)

// PageSize is the fixed page size in tokens (spec.md §3 "KV page table").
const PageSize = 16

// Backend performs the actual device-side forward/rewind/reset calls. The
// tvm package's VMHandle.Library satisfies this via thin method wrappers.
type Backend interface {
	BeginForward(n int32) int32
	EndForward()
	Popn(k int32) int32
	Clear()
}

// Cache tracks page accounting for the single active sequence (id 0) and
// dispatches scoped forward passes through Backend.
type Cache struct {
	backend     Backend
	totalPages  int
	freePages   int
	sequenceLen int
}

// New creates a Cache with totalPages pages of PageSize tokens each, backed
// by the live VM.
func New(backend Backend, totalPages int) *Cache {
	return &Cache{backend: backend, totalPages: totalPages, freePages: totalPages}
}

// AvailablePages returns the number of free pages.
func (c *Cache) AvailablePages() int { return c.freePages }

// TotalSequenceLength returns the token count currently materialized.
func (c *Cache) TotalSequenceLength() int { return c.sequenceLen }

// pagesFor returns how many pages n additional tokens require given the
// current occupancy of the last partial page.
func (c *Cache) pagesFor(n int) int {
	occupied := c.sequenceLen % PageSize
	remaining := n
	pages := 0
	if occupied != 0 && remaining > 0 {
		room := PageSize - occupied
		if remaining <= room {
			return 0
		}
		remaining -= room
	}
	pages += (remaining + PageSize - 1) / PageSize
	return pages
}

// BeginForward scopes one forward pass of n tokens, failing ContextOverflow
// before dispatching to the VM if n exceeds available capacity (spec.md
// §4.C invariant).
func (c *Cache) BeginForward(n int) error {
	if n <= 0 {
		return nil
	}
	needed := c.pagesFor(n)
	if needed > c.freePages {
		return llm.New(llm.KindContextOverflow, "begin_forward exceeds available pages")
	}
	c.freePages -= needed
	c.sequenceLen += n
	c.backend.BeginForward(int32(n))
	return nil
}

// EndForward closes the scope opened by BeginForward.
func (c *Cache) EndForward() {
	c.backend.EndForward()
}

// Popn discards the most recent k tokens, releasing any pages that become
// wholly unused (spec.md §4.C "popn").
func (c *Cache) Popn(k int) {
	if k <= 0 {
		return
	}
	if k > c.sequenceLen {
		k = c.sequenceLen
	}
	pagesBefore := pagesOccupied(c.sequenceLen)
	c.sequenceLen -= k
	pagesAfter := pagesOccupied(c.sequenceLen)
	c.freePages += pagesBefore - pagesAfter
	c.backend.Popn(int32(k))
}

// Clear resets to empty and re-adds sequence 0 (spec.md §4.C "clear").
func (c *Cache) Clear() {
	c.sequenceLen = 0
	c.freePages = c.totalPages
	c.backend.Clear()
}

func pagesOccupied(tokens int) int {
	if tokens == 0 {
		return 0
	}
	return (tokens + PageSize - 1) / PageSize
}
