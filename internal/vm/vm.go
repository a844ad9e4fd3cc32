// Package vm implements the per-environment address space: the
// "map_insert/map_lookup/map_remove" external collaborator spec.md §6
// names, plus the capability-checked user-memory access helper every
// syscall that touches user-supplied pointers relies on (spec.md §5
// "memory safety contract").
//
// It is grounded on biscuit's vm.Vm_t (see
// _examples/Oichkatzelesfrettschen-biscuit/biscuit/src/vm/as.go): a
// mutex-protected page table plus a page-fault resolution routine. This
// version trades biscuit's real hardware page-table walk for a plain
// map keyed by page number, since there is no MMU under this module
// (see SPEC_FULL.md §0) — the refcounting, permission, and COW
// bookkeeping is otherwise the same algorithm.
package vm

import (
	"sync"

	"exojos/internal/defs"
	"exojos/internal/mem"
)

// PTE is one page-table entry: a physical frame plus its permissions.
type PTE struct {
	Frame mem.Frame
	Perm  defs.Perm_t
}

// PageFaultHandler is invoked synchronously when Access hits a missing
// page or (on write) a page without PTE_W, such as a copy-on-write page. It receives the fault record spec.md
// §4.D describes; a nil handler means the environment has none
// registered. See SPEC_FULL.md §0 for why this stands in for the real
// trap/trampoline path.
type PageFaultHandler func(utf *defs.UserTrapframe)

// AddrSpace is one environment's address space.
type AddrSpace struct {
	mu     sync.Mutex
	phys   *mem.Phys
	ptes   map[uint64]PTE // keyed by page number (va >> PGSHIFT)
	upcall PageFaultHandler

	// rawUpcall is the user-level handler as registered, before the
	// kernel wraps it with the exception-stack delivery bookkeeping
	// (internal/kernel/fault.go). exofork needs this to re-wrap the same
	// handler against the *child's* environment (spec.md §4.C: "clone
	// the caller's trap frame and fault upcall") rather than cloning the
	// wrapped closure, which would stay bound to the parent.
	rawUpcall PageFaultHandler
}

func New(phys *mem.Phys) *AddrSpace {
	return &AddrSpace{phys: phys, ptes: make(map[uint64]PTE)}
}

func pn(va uint64) uint64 { return va >> defs.PGSHIFT }

// SetUpcall installs (or clears, if nil) the wrapped page-fault upcall
// that Access invokes directly.
func (as *AddrSpace) SetUpcall(h PageFaultHandler) {
	as.mu.Lock()
	as.upcall = h
	as.mu.Unlock()
}

// Upcall returns the currently wrapped fault handler, if any.
func (as *AddrSpace) Upcall() PageFaultHandler {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.upcall
}

// SetRawUpcall records the unwrapped user-level handler, for exofork
// cloning.
func (as *AddrSpace) SetRawUpcall(h PageFaultHandler) {
	as.mu.Lock()
	as.rawUpcall = h
	as.mu.Unlock()
}

// RawUpcall returns the unwrapped user-level handler, if any.
func (as *AddrSpace) RawUpcall() PageFaultHandler {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.rawUpcall
}

// Lookup returns the PTE mapped at va, if any.
func (as *AddrSpace) Lookup(va uint64) (PTE, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.ptes[pn(va)]
	return pte, ok
}

// Insert maps frame at va with perm, replacing (and dropping the
// refcount of) any previous mapping. It bumps frame's refcount — the
// caller must have already arranged for the frame's existence (e.g. via
// Phys.Alloc, or by having looked it up in a source address space).
func (as *AddrSpace) Insert(va uint64, frame mem.Frame, perm defs.Perm_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.phys.Refup(frame)
	key := pn(va)
	if old, ok := as.ptes[key]; ok {
		as.phys.Refdown(old.Frame)
	}
	as.ptes[key] = PTE{Frame: frame, Perm: perm}
}

// Remove unmaps va, returning true if a mapping was removed.
func (as *AddrSpace) Remove(va uint64) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	key := pn(va)
	old, ok := as.ptes[key]
	if !ok {
		return false
	}
	delete(as.ptes, key)
	as.phys.Refdown(old.Frame)
	return true
}

// Teardown drops every mapping in the address space (used by
// env_destroy).
func (as *AddrSpace) Teardown() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for key, pte := range as.ptes {
		as.phys.Refdown(pte.Frame)
		delete(as.ptes, key)
	}
}

// RawAccess returns the byte slice backing va if it is currently mapped
// with at least the permission bits in want, without ever triggering the
// page-fault upcall. The kernel's own fault-delivery bookkeeping
// (internal/kernel/fault.go) uses this to write the pushed
// UserTrapframe record onto an env's exception-stack page: it must
// never recurse into that env's user-mode fault handler while doing so.
func (as *AddrSpace) RawAccess(va uint64, want defs.Perm_t) ([]byte, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.ptes[pn(va)]
	if !ok || pte.Perm&want != want {
		return nil, false
	}
	off := va & (defs.PGSIZE - 1)
	bs := as.phys.Bytes(pte.Frame)
	return bs[off:], true
}

// Access validates and returns a byte slice covering the page containing
// va, for a read (write=false) or write (write=true), delivering a page
// fault upcall and retrying once if the page is missing or (on write)
// lacks PTE_W, as a copy-on-write page does. It panics if no upcall is registered or the upcall
// does not resolve the fault — callers at the syscall boundary are
// expected to have already rejected such cases via capability/validation
// checks before ever calling Access; an unresolved fault here means an
// invariant (not a user error) was violated.
func (as *AddrSpace) Access(va uint64, write bool) []byte {
	for attempt := 0; ; attempt++ {
		as.mu.Lock()
		pte, ok := as.ptes[pn(va)]
		needFault := !ok || (write && pte.Perm&defs.PTE_W == 0)
		if !needFault {
			off := va & (defs.PGSIZE - 1)
			bs := as.phys.Bytes(pte.Frame)
			as.mu.Unlock()
			return bs[off:]
		}
		upcall := as.upcall
		as.mu.Unlock()

		if attempt > 0 || upcall == nil {
			panic("vm: unresolved page fault")
		}
		var errbits uint
		if write {
			errbits |= uint(defs.PTE_W)
		}
		utf := &defs.UserTrapframe{FaultVA: defs.PageRounddown(va), Err: errbits}
		upcall(utf)
	}
}
