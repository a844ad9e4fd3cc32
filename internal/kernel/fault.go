package kernel

import (
	"encoding/binary"
	"fmt"

	"exojos/internal/defs"
	"exojos/internal/env"
	"exojos/internal/vm"
)

// trapframeWireSize is the on-exception-stack size of a pushed
// UserTrapframe record: seven uint64 register/address words (Regs' four
// fields plus Eip/Esp/Flags) followed by five more (FaultVA, Err, Eip,
// Eflags, Esp) — 12 words of 8 bytes each. There is no real hardware
// layout to match (SPEC_FULL.md §0), so this is simply a fixed,
// consistently-used record size for the push/overflow arithmetic spec.md
// §4.D and §8 describe.
const trapframeWireSize = 12 * 8

// scratchWordSize is the "extra empty 32-bit scratch word" spec.md §4.D
// describes pushing first when a fault nests inside an already-running
// handler.
const scratchWordSize = 4

// wrapUpcall implements the kernel's page-fault delivery algorithm
// (spec.md §4.D) around the user-level handler h: it builds the
// UserTrapframe, decides where on the exception stack to push it
// (including the nested-fault scratch word), checks for overflow, writes
// the record, and only then invokes h — standing in for "resume the env
// at the upcall entry point" (SPEC_FULL.md §0).
func (k *Kernel) wrapUpcall(target *env.Environment, h vm.PageFaultHandler) vm.PageFaultHandler {
	return func(utf *defs.UserTrapframe) {
		k.Debug.Record(target.Id, "pgfault_upcall", fmt.Sprintf("env0x%x_upcall", uint64(target.Id)))

		target.Lock()
		esp := target.Regs.Esp
		utf.Regs = target.Regs
		utf.Eip = target.Regs.Eip
		utf.Esp = esp
		utf.Eflags = target.Regs.Flags
		target.Unlock()

		// Step 1: validate exception-stack writability and that an
		// upcall is actually registered (readability of the entry point
		// has no meaning without a real address space to execute, so a
		// nil handler is the direct analogue of an unreadable entry).
		if _, ok := target.AS.RawAccess(defs.UXSTACKTOP-4, defs.PTE_P|defs.PTE_W|defs.PTE_U); !ok {
			k.destroyFaulting(target)
			return
		}
		if h == nil {
			k.destroyFaulting(target)
			return
		}

		// Step 3: choose the push location.
		nested := esp < defs.UXSTACKTOP && esp >= defs.UXSTACKTOP-defs.PGSIZE
		top := uint64(defs.UXSTACKTOP)
		if nested {
			top = esp - scratchWordSize
		}
		newEsp := top - trapframeWireSize

		// Step 4: overflow check.
		if newEsp < defs.UXSTACKTOP-defs.PGSIZE {
			k.destroyFaulting(target)
			return
		}

		// Step 5: write the record, update saved state, "resume".
		if !writeTrapframe(target.AS, newEsp, utf) {
			k.destroyFaulting(target)
			return
		}
		target.Lock()
		target.Regs.Esp = newEsp
		target.Unlock()

		h(utf)
	}
}

// writeTrapframe serializes utf onto the exception-stack page at va.
func writeTrapframe(as *vm.AddrSpace, va uint64, utf *defs.UserTrapframe) bool {
	buf, ok := as.RawAccess(va, defs.PTE_P|defs.PTE_W|defs.PTE_U)
	if !ok || len(buf) < trapframeWireSize {
		return false
	}
	put := func(off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:], v) }
	put(0, utf.Regs.Ret)
	put(8, utf.Regs.R1)
	put(16, utf.Regs.R2)
	put(24, utf.Regs.R3)
	put(32, utf.Regs.Eip)
	put(40, utf.Regs.Esp)
	put(48, utf.Regs.Flags)
	put(56, utf.FaultVA)
	put(64, uint64(utf.Err))
	put(72, utf.Eip)
	put(80, utf.Eflags)
	put(88, utf.Esp)
	return true
}

// destroyFaulting tears an environment down from inside the kernel
// itself (no capability check: this path is entered only because a
// fault could not be delivered, never because a user asked to destroy
// another env).
func (k *Kernel) destroyFaulting(target *env.Environment) {
	target.Lock()
	target.Status = defs.ENV_DYING
	target.AS.Teardown()
	target.Status = defs.ENV_FREE
	target.Unlock()
	target.Wake()
	k.Envs.Free(target.Id)
}
