// Package fork implements the user-level copy-on-write fork algorithm
// of spec.md §4.F, the protocol's canonical non-trivial client. It is
// grounded on _examples/original_source/lib/fork.c's duppage/pgfault
// pair, adapted to the goroutine-per-environment model SPEC_FULL.md §0
// commits to: exofork's "child returns 0, parent returns child id" is
// modeled by taking the child's continuation as an explicit func value
// instead of relying on a zero-vs-nonzero return from one call.
package fork

import (
	"context"
	"fmt"

	"exojos/internal/defs"
	"exojos/internal/env"
	"exojos/internal/kernel"
	"exojos/internal/vm"
)

// ChildMain is the child environment's continuation: the code that
// would run starting from the zero-return branch of a real fork(),
// running on its own goroutine. It receives its own *env.Environment —
// the Go analogue of the child re-reading getenvid() to fix up its
// thread-local "my env" pointer (spec.md §4.F step 3).
type ChildMain func(k *kernel.Kernel, child *env.Environment)

// Fork performs the full duppage/exception-stack/upcall algorithm and
// starts childMain on a new goroutine registered with k.Sched, returning
// the child's id to the caller — exactly the parent branch's return
// value from the real sys_exofork.
func Fork(k *kernel.Kernel, caller *env.Environment, childMain ChildMain) (defs.Envid_t, defs.Err_t) {
	callerID := k.Getenvid(caller)
	if err := k.EnvSetPgfaultUpcall(caller, callerID, pgfaultHandler(k, caller)); err != 0 {
		return 0, err
	}

	childID, err := k.Exofork(caller)
	if err != 0 {
		return 0, err
	}
	child, cerr := k.Envs.Resolve(caller, childID, true)
	if cerr != 0 {
		return 0, cerr
	}

	// For every present user page below UTOP except the exception stack:
	// propagate it to the child, marking it COW if it was writable or
	// already COW (spec.md §4.F step 4).
	for va := uint64(0); va < defs.UTOP; va += defs.PGSIZE {
		if va == defs.UXSTACKTOP-defs.PGSIZE {
			continue
		}
		pte, ok := caller.AS.Lookup(va)
		if !ok {
			continue
		}
		if err := duppage(k, caller, childID, va, pte); err != 0 {
			panic(fmt.Sprintf("fork: duppage failed at 0x%x: %v", va, err))
		}
	}

	if err := k.PageAlloc(caller, childID, defs.UXSTACKTOP-defs.PGSIZE, defs.PTE_P|defs.PTE_U|defs.PTE_W); err != 0 {
		panic(fmt.Sprintf("fork: exception-stack alloc failed: %v", err))
	}
	if err := k.EnvSetPgfaultUpcall(caller, childID, pgfaultHandler(k, child)); err != 0 {
		panic(fmt.Sprintf("fork: upcall registration failed: %v", err))
	}
	if err := k.EnvSetStatus(caller, childID, defs.ENV_RUNNABLE); err != 0 {
		panic(fmt.Sprintf("fork: env_set_status failed: %v", err))
	}

	k.Sched.Spawn(func(sctx context.Context) error {
		childMain(k, child)
		return nil
	})

	return childID, 0
}

// duppage implements spec.md §4.F step 4's per-page classification.
func duppage(k *kernel.Kernel, caller *env.Environment, childID defs.Envid_t, va uint64, pte vm.PTE) defs.Err_t {
	callerID := k.Getenvid(caller)
	if pte.Perm&defs.PTE_W != 0 || pte.Perm&defs.PTE_COW != 0 {
		perm := defs.PTE_P | defs.PTE_U | defs.PTE_COW
		if err := k.PageMap(caller, callerID, va, childID, va, perm); err != 0 {
			return err
		}
		// Re-map the parent's own mapping to strip WRITE: both sides must
		// now see the shared page as read-only, or the parent could
		// write without faulting (spec.md §4.F step 4's rationale).
		return k.PageMap(caller, callerID, va, callerID, va, perm)
	}
	perm := defs.PTE_P | defs.PTE_U
	return k.PageMap(caller, callerID, va, childID, va, perm)
}

// pgfaultHandler returns the COW fault handler of spec.md §4.F: it
// requires a write fault to a COW page, stages a private copy at
// PFTEMP, and remaps it over the faulting address writable, with COW
// cleared.
func pgfaultHandler(k *kernel.Kernel, who *env.Environment) vm.PageFaultHandler {
	return func(utf *defs.UserTrapframe) {
		pte, ok := who.AS.Lookup(utf.FaultVA)
		if !ok || utf.Err&uint(defs.PTE_W) == 0 || pte.Perm&defs.PTE_COW == 0 {
			panic(fmt.Sprintf("fork: pgfault: not a write to a COW page, addr=0x%x err=%d", utf.FaultVA, utf.Err))
		}

		id := k.Getenvid(who)
		if err := k.PageAlloc(who, id, defs.PFTEMP, defs.PTE_P|defs.PTE_U|defs.PTE_W); err != 0 {
			panic(fmt.Sprintf("fork: pgfault: page_alloc: %v", err))
		}

		src := who.AS.Access(utf.FaultVA, false)
		dst := who.AS.Access(defs.PFTEMP, true)
		copy(dst[:defs.PGSIZE], src[:defs.PGSIZE])

		if err := k.PageMap(who, id, defs.PFTEMP, id, utf.FaultVA, defs.PTE_P|defs.PTE_U|defs.PTE_W); err != 0 {
			panic(fmt.Sprintf("fork: pgfault: page_map: %v", err))
		}
		if err := k.PageUnmap(who, id, defs.PFTEMP); err != 0 {
			panic(fmt.Sprintf("fork: pgfault: page_unmap: %v", err))
		}
	}
}
