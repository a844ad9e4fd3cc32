// Package mem implements the physical frame allocator: the "phys_alloc/
// phys_free/frame_refcount" external collaborator spec.md §6 names.
// It is grounded on biscuit's mem.Physmem_t (see
// _examples/Oichkatzelesfrettschen-biscuit/biscuit/src/mem/mem.go):
// a fixed pool of frames, a free list, and atomic reference counts so
// that a frame mapped into two address spaces is freed only when both
// mappings are gone.
package mem

import (
	"sync"
	"sync/atomic"

	"exojos/internal/defs"
)

// Frame identifies one physical page by index into the pool.
type Frame uint32

// NoFrame is the zero value meaning "no frame".
const NoFrame Frame = ^Frame(0)

type page struct {
	refcnt int32
	bytes  [defs.PGSIZE]byte
}

// Phys is the physical memory pool. Unlike biscuit's Physmem_t it keeps
// a single free list rather than per-CPU ones: spec.md's concurrency
// model is explicitly single-CPU (§5), so the per-CPU sharding that
// exists only to avoid cross-CPU lock contention on bare metal has no
// job to do here.
type Phys struct {
	mu    sync.Mutex
	pages []page
	free  []Frame
}

// New creates a physical memory pool of n frames, all initially free.
func New(n int) *Phys {
	p := &Phys{pages: make([]page, n)}
	p.free = make([]Frame, n)
	for i := range p.free {
		p.free[i] = Frame(n - 1 - i)
	}
	return p
}

// Alloc returns a fresh zero-filled frame with refcount 0, or
// (NoFrame, false) if the pool is exhausted.
func (p *Phys) Alloc() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return NoFrame, false
	}
	n := len(p.free) - 1
	f := p.free[n]
	p.free = p.free[:n]
	pg := &p.pages[f]
	for i := range pg.bytes {
		pg.bytes[i] = 0
	}
	pg.refcnt = 0
	return f, true
}

// Refcount returns the current reference count of a frame.
func (p *Phys) Refcount(f Frame) int {
	return int(atomic.LoadInt32(&p.pages[f].refcnt))
}

// Refup increments the reference count of a frame.
func (p *Phys) Refup(f Frame) {
	c := atomic.AddInt32(&p.pages[f].refcnt, 1)
	if c <= 0 {
		panic("mem: refup of dead frame")
	}
}

// Refdown decrements the reference count of a frame, freeing it back to
// the pool when it reaches zero. Returns true if the frame was freed.
func (p *Phys) Refdown(f Frame) bool {
	c := atomic.AddInt32(&p.pages[f].refcnt, -1)
	if c < 0 {
		panic("mem: refdown of frame with no references")
	}
	if c == 0 {
		p.mu.Lock()
		p.free = append(p.free, f)
		p.mu.Unlock()
		return true
	}
	return false
}

// Bytes returns the backing storage for a frame. Callers that mutate it
// must hold whatever lock guards the owning address space.
func (p *Phys) Bytes(f Frame) *[defs.PGSIZE]byte {
	return &p.pages[f].bytes
}

// NumFrames reports the size of the pool (for diagnostics).
func (p *Phys) NumFrames() int { return len(p.pages) }

// Free reports the number of frames currently on the free list.
func (p *Phys) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
