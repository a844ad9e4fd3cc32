// Package spawn implements the user-level program-loading algorithm of
// spec.md §4.G: ELF loading into a child environment, argv stack
// construction, and shared read-only text propagation. It is grounded on
// _examples/original_source/lib/spawn.c (init_stack, load_elf_to_child,
// the PTE_SHARE propagation loop), adapted to the goroutine model
// SPEC_FULL.md §0 commits to and using the standard library's
// debug/elf for header parsing — exactly the library biscuit's own
// kernel/chentry.go tool uses for the same job (DESIGN.md documents why
// no third-party ELF library from the retrieved pack applies here).
package spawn

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"io"
	"sync"

	"exojos/internal/defs"
	"exojos/internal/env"
	"exojos/internal/kernel"
	"exojos/internal/mem"
)

// ProgramEntry is the child environment's continuation: the code that
// would start running at the loaded ELF's entry point, on its own
// goroutine. It receives the argv the loader staged for it.
type ProgramEntry func(k *kernel.Kernel, child *env.Environment, argv []string)

// Program names a loadable image: its path (the cache key for shared
// read-only text, SPEC_FULL.md §12), its ELF bytes, and the entry
// continuation to run once loading completes.
type Program struct {
	Path  string
	Image io.ReaderAt
	Entry ProgramEntry
}

type textKey struct {
	path string
	off  int64
}

// Loader shares physical frames across every spawn of the same
// program's read-only segments, exactly as spec.md §4.G step 4 requires
// ("multiple instances of the same program will share the same copy of
// the program text") and per SPEC_FULL.md §12's read_map replacement.
type Loader struct {
	k      *kernel.Kernel
	mu     sync.Mutex
	frames map[textKey]frameRange
}

type frameRange struct {
	frame mem.Frame
	perm  defs.Perm_t
}

func NewLoader(k *kernel.Kernel) *Loader {
	return &Loader{k: k, frames: make(map[textKey]frameRange)}
}

func roundDown4(v uint64) uint64 { return v &^ 3 }

// utemp2ustack translates an address within the staging page at UTEMP to
// the address the child will see once that page is remapped to
// USTACKTOP-PGSIZE (_examples/original_source/lib/spawn.c's
// UTEMP2USTACK macro).
func utemp2ustack(addr uint64) uint64 {
	return addr + (defs.USTACKTOP - defs.PGSIZE) - defs.UTEMP
}

// Spawn loads prog into a freshly-exoforked child, builds its argv
// stack, maps its ELF segments, propagates PTE_SHARE pages, seeds its
// trap frame, marks it RUNNABLE, and starts Entry on a new goroutine.
func (l *Loader) Spawn(caller *env.Environment, prog *Program, argv []string) (defs.Envid_t, defs.Err_t) {
	k := l.k
	ef, err := elf.NewFile(prog.Image)
	if err != nil {
		return 0, defs.EINVAL
	}
	if ef.Class != elf.ELFCLASS32 && ef.Class != elf.ELFCLASS64 {
		return 0, defs.EINVAL
	}

	callerID := k.Getenvid(caller)
	childID, eerr := k.Exofork(caller)
	if eerr != 0 {
		return 0, eerr
	}
	child, cerr := k.Envs.Resolve(caller, childID, true)
	if cerr != 0 {
		return 0, cerr
	}

	initEsp, serr := l.initStack(caller, callerID, childID, argv)
	if serr != 0 {
		return 0, serr
	}

	for _, ph := range ef.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if err := l.loadSegment(caller, callerID, childID, prog.Path, prog.Image, ph); err != 0 {
			return 0, err
		}
	}

	l.propagateShared(caller, callerID, childID)

	child.Lock()
	tf := child.Regs
	child.Unlock()
	tf.Eip = ef.Entry
	tf.Esp = initEsp
	if err := k.EnvSetTrapframe(caller, childID, tf); err != 0 {
		return 0, err
	}
	if err := k.EnvSetStatus(caller, childID, defs.ENV_RUNNABLE); err != 0 {
		return 0, err
	}

	k.Sched.Spawn(func(ctx context.Context) error {
		prog.Entry(k, child, argv)
		return nil
	})

	return childID, 0
}

// initStack implements spec.md §4.G's argv-stack construction
// (_examples/original_source/lib/spawn.c's init_stack): strings and an
// argv pointer array are laid out on one staging page at UTEMP using
// addresses already translated to the child's eventual USTACKTOP-PGSIZE
// mapping, then the page is handed to the child and unmapped from the
// caller.
func (l *Loader) initStack(caller *env.Environment, callerID, childID defs.Envid_t, argv []string) (uint64, defs.Err_t) {
	k := l.k
	stringSize := uint64(0)
	for _, a := range argv {
		stringSize += uint64(len(a)) + 1
	}
	stringStore := defs.UTEMP + defs.PGSIZE - stringSize
	argvStore := roundDown4(stringStore) - 4*uint64(len(argv)+1)
	if argvStore < defs.UTEMP+8 {
		return 0, defs.ENOMEM
	}

	if err := k.PageAlloc(caller, callerID, defs.UTEMP, defs.PTE_P|defs.PTE_U|defs.PTE_W); err != 0 {
		return 0, err
	}
	buf := caller.AS.Access(defs.UTEMP, true)
	put32 := func(addr uint64, v uint32) {
		binary.LittleEndian.PutUint32(buf[addr-defs.UTEMP:], v)
	}

	ss := stringStore
	for i, a := range argv {
		copy(buf[ss-defs.UTEMP:], a)
		buf[ss-defs.UTEMP+uint64(len(a))] = 0
		put32(argvStore+4*uint64(i), uint32(utemp2ustack(ss)))
		ss += uint64(len(a)) + 1
	}
	put32(argvStore+4*uint64(len(argv)), 0)

	argvPtr := uint32(utemp2ustack(argvStore))
	argvStore -= 8
	put32(argvStore+4, argvPtr)
	put32(argvStore, uint32(len(argv)))
	initEsp := utemp2ustack(argvStore)

	if err := k.PageMap(caller, callerID, defs.UTEMP, childID, defs.USTACKTOP-defs.PGSIZE, defs.PTE_P|defs.PTE_U|defs.PTE_W); err != 0 {
		k.PageUnmap(caller, callerID, defs.UTEMP)
		return 0, err
	}
	k.PageUnmap(caller, callerID, defs.UTEMP)
	return initEsp, 0
}

// loadSegment implements load_elf_to_child's two branches: writable
// segments are staged at UTEMP page-by-page, zero-filled past filesz,
// and page_map'd into the child; read-only segments are served from the
// Loader's shared frame cache and mapped into the child directly —
// standing in for read_map's zero-copy semantics against the
// out-of-scope filesystem server (SPEC_FULL.md §12).
func (l *Loader) loadSegment(caller *env.Environment, callerID, childID defs.Envid_t, path string, image io.ReaderAt, ph *elf.Prog) defs.Err_t {
	k := l.k
	vaddr, filesz, memsz, off := ph.Vaddr, ph.Filesz, ph.Memsz, ph.Off
	writable := ph.Flags&elf.PF_W != 0

	start := defs.PageRounddown(vaddr)
	end := defs.PageRoundup(vaddr + memsz)

	for va := start; va < end; va += defs.PGSIZE {
		pageStart, pageEnd := va, va+defs.PGSIZE
		copyStart := maxU64(pageStart, vaddr)
		copyEnd := minU64(pageEnd, vaddr+filesz)

		if !writable {
			key := textKey{path: path, off: int64(off + (va - vaddr))}
			l.mu.Lock()
			fr, ok := l.frames[key]
			l.mu.Unlock()
			if !ok {
				f, ok := k.Phys.Alloc()
				if !ok {
					return defs.ENOMEM
				}
				bs := k.Phys.Bytes(f)
				if copyEnd > copyStart {
					if _, rerr := image.ReadAt(bs[copyStart-pageStart:copyEnd-pageStart], int64(off+(copyStart-vaddr))); rerr != nil && rerr != io.EOF {
						return defs.EINVAL
					}
				}
				fr = frameRange{frame: f, perm: defs.PTE_P | defs.PTE_U}
				l.mu.Lock()
				l.frames[key] = fr
				l.mu.Unlock()
			}
			child, cerr := k.Envs.Resolve(caller, childID, true)
			if cerr != 0 {
				return cerr
			}
			child.AS.Insert(va, fr.frame, fr.perm)
			continue
		}

		if err := k.PageAlloc(caller, callerID, defs.UTEMP, defs.PTE_P|defs.PTE_U|defs.PTE_W); err != 0 {
			return err
		}
		buf := caller.AS.Access(defs.UTEMP, true)
		if copyEnd > copyStart {
			if _, rerr := image.ReadAt(buf[copyStart-pageStart:copyEnd-pageStart], int64(off+(copyStart-vaddr))); rerr != nil && rerr != io.EOF {
				k.PageUnmap(caller, callerID, defs.UTEMP)
				return defs.EINVAL
			}
		}
		if err := k.PageMap(caller, callerID, defs.UTEMP, childID, va, defs.PTE_P|defs.PTE_U|defs.PTE_W); err != 0 {
			k.PageUnmap(caller, callerID, defs.UTEMP)
			return err
		}
		k.PageUnmap(caller, callerID, defs.UTEMP)
	}
	return 0
}

// propagateShared implements spec.md §4.G's final step: any page in the
// caller's address space marked PTE_SHARE is mapped into the child with
// the same permissions, so resources explicitly marked for propagation
// (e.g. open file descriptor pages in the fuller JOS runtime) survive a
// spawn the way they survive a fork.
func (l *Loader) propagateShared(caller *env.Environment, callerID, childID defs.Envid_t) {
	k := l.k
	for va := uint64(0); va < defs.UTOP; va += defs.PGSIZE {
		pte, ok := caller.AS.Lookup(va)
		if !ok || pte.Perm&defs.PTE_SHARE == 0 {
			continue
		}
		k.PageMap(caller, callerID, va, childID, va, pte.Perm&defs.PermUserMask)
	}
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
