// Package env implements the environment table and the capability
// check: spec.md module A ("resolve(envid, require_permission) → env |
// BAD_ENV") and the Environment record of spec.md §3.
package env

import (
	"sync"

	"exojos/internal/accnt"
	"exojos/internal/defs"
	"exojos/internal/vm"
)

// Environment is the unit of protection and scheduling (spec.md §3).
type Environment struct {
	Id       defs.Envid_t
	ParentId defs.Envid_t
	Status   defs.Status_t
	AS       *vm.AddrSpace
	Regs     defs.Registers

	// Accnt tracks time this environment has spent dispatching kernel
	// syscalls versus running its own continuation; see cmd/exoctl's
	// "ps" column and EnvDestroy's merge into the parent.
	Accnt accnt.Accnt

	// IPC rendezvous state (spec.md §3, §4.E).
	Recving bool
	Dstva   uint64
	From    defs.Envid_t
	Value   uint32
	Perm    defs.Perm_t

	// wake is used by ipc_recv/ipc_try_send to model "suspend, then be
	// resumed by whoever completes the wait" (spec.md §9) without a
	// hand-rolled scheduler: the receiver blocks reading this channel,
	// the sender (or destroyer) sends on it.
	wake chan struct{}

	mu sync.Mutex
}

// Table is the bounded environment table: a fixed array of slots with
// generation tags, exactly spec.md §5's "Shared resources" description.
type Table struct {
	mu    sync.Mutex
	slots []slot
}

type slot struct {
	gen uint32
	env *Environment // nil when FREE
}

// NewTable creates a table with n slots.
func NewTable(n int) *Table {
	return &Table{slots: make([]slot, n)}
}

// Alloc installs a freshly constructed environment into the first free
// slot, returning ENOFREEENV if the table is full.
func (t *Table) Alloc(as *vm.AddrSpace, parent defs.Envid_t) (*Environment, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].env != nil {
			continue
		}
		t.slots[i].gen++
		id := defs.MkEnvid(i, t.slots[i].gen)
		e := &Environment{
			Id:       id,
			ParentId: parent,
			Status:   defs.ENV_NOT_RUNNABLE,
			AS:       as,
			wake:     make(chan struct{}, 1),
		}
		t.slots[i].env = e
		return e, 0
	}
	return nil, defs.ENOFREEENV
}

// Free returns a slot to FREE, so any outstanding handle referencing it
// fails Resolve. The slot's generation is bumped when Alloc next reuses
// it, so the old handle keeps failing after reuse.
func (t *Table) Free(id defs.Envid_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := id.Idx()
	if idx < 0 || idx >= len(t.slots) {
		return
	}
	t.slots[idx].env = nil
}

// lookup returns the environment for id without any capability check.
func (t *Table) lookup(id defs.Envid_t) (*Environment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := id.Idx()
	if idx < 0 || idx >= len(t.slots) {
		return nil, false
	}
	s := t.slots[idx]
	if s.env == nil || s.gen != id.Gen() {
		return nil, false
	}
	return s.env, true
}

// Resolve implements spec.md module A: envid==0 means "caller"; a
// generation mismatch or FREE slot fails BAD_ENV; when requirePerm is
// set, only the environment itself or its immediate parent may resolve
// it (the capability rule of spec.md §3). IPC send resolves without a
// permission check, per spec.md: "IPC send is a deliberate exception".
func (t *Table) Resolve(caller *Environment, id defs.Envid_t, requirePerm bool) (*Environment, defs.Err_t) {
	if id == 0 {
		return caller, 0
	}
	e, ok := t.lookup(id)
	if !ok {
		return nil, defs.EBADENV
	}
	if requirePerm && e.Id != caller.Id && e.ParentId != caller.Id {
		return nil, defs.EBADENV
	}
	return e, 0
}

// Each returns a stable snapshot of every live environment, for
// diagnostics (cmd/exoctl's "ps" table).
func (t *Table) Each(f func(*Environment)) {
	t.mu.Lock()
	live := make([]*Environment, 0, len(t.slots))
	for _, s := range t.slots {
		if s.env != nil {
			live = append(live, s.env)
		}
	}
	t.mu.Unlock()
	for _, e := range live {
		f(e)
	}
}

// Lock/Unlock guard an individual environment's mutable fields (status,
// ipc state, saved registers) independent of the table lock, so a
// syscall touching one environment does not block unrelated table
// operations (e.g. a concurrent diagnostic snapshot).
func (e *Environment) Lock()   { e.mu.Lock() }
func (e *Environment) Unlock() { e.mu.Unlock() }

// Wake resumes a goroutine blocked in IpcRecv. It never blocks: the
// channel is buffered 1, so a wakeup with nobody waiting stays pending
// and a second one is dropped. IpcRecv drains any stale pending wakeup
// before it blocks.
func (e *Environment) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// WaitChan exposes the channel a blocked environment parks on.
func (e *Environment) WaitChan() <-chan struct{} { return e.wake }
