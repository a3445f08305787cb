// Package heap implements the growth primitive backing the firmware's heap.
//
// A Region is a fixed window of guest memory with a monotonically increasing
// high-water mark. Grow hands out the current break and advances the mark,
// exactly like the classic sbrk contract: the returned pointer is the start
// of the newly reserved range, and (void *)-1 signals exhaustion. The
// firmware's own malloc turns arbitrary alloc/free traffic into calls to
// this single primitive.
package heap

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Failed is the exhaustion sentinel, -1 as a pointer.
const Failed = ^uint64(0)

// Grower is the single growth entry point consumed by allocator layers.
// Implementations must serialize concurrent calls.
type Grower interface {
	Grow(delta int64) uint64
}

// Region is a fixed, pre-sized window of guest memory served by Grow.
// base and capacity are set once at construction and never change; mark is
// the allocation offset from base and is only mutated under the growth lock.
type Region struct {
	base     uint64
	capacity uint64

	lock *semaphore.Weighted // guards mark
	mark uint64
}

// NewRegion creates a region over [base, base+capacity). The layout facts
// come from the machine's heap window.
func NewRegion(base, capacity uint64) *Region {
	return &Region{
		base:     base,
		capacity: capacity,
		lock:     semaphore.NewWeighted(1),
	}
}

// Grow extends the region by delta bytes and returns the previous break.
// delta may be zero (returns the current break unchanged) or negative
// (a shrink request). On exhaustion it returns Failed and leaves the mark
// untouched. The wait for the growth lock is unconditional: this primitive
// backs all allocation and must never be skipped.
//
// The bounds check is strictly less-than: a request landing the mark exactly
// on capacity is rejected, matching the original sbrk hook it reproduces.
func (r *Region) Grow(delta int64) uint64 {
	// Acquire with a background context cannot fail.
	_ = r.lock.Acquire(context.Background(), 1)
	defer r.lock.Release(1)

	ptr := r.base + r.mark

	// Unsigned wraparound makes an oversized shrink fail the bounds
	// check rather than move the break below base.
	next := r.mark + uint64(delta)
	if next < r.capacity {
		r.mark = next
		return ptr
	}
	return Failed
}

// Base returns the fixed start of the region.
func (r *Region) Base() uint64 { return r.base }

// Capacity returns the fixed usable byte length of the region.
func (r *Region) Capacity() uint64 { return r.capacity }

// Mark returns the current allocation offset. It takes the growth lock so
// the value is consistent with respect to in-flight Grow calls.
func (r *Region) Mark() uint64 {
	_ = r.lock.Acquire(context.Background(), 1)
	defer r.lock.Release(1)
	return r.mark
}

// Remaining returns the number of bytes still available to Grow. Because of
// the strict bounds check the last byte of the window is never handed out.
func (r *Region) Remaining() uint64 {
	_ = r.lock.Acquire(context.Background(), 1)
	defer r.lock.Release(1)
	return r.capacity - r.mark
}
