package kernel

import (
	"context"

	"exojos/internal/defs"
	"exojos/internal/env"
)

// IpcRecv implements spec.md §4.E's ipc_recv(dstva). It validates dstva,
// marks the caller as waiting, and blocks until a sender completes the
// rendezvous (env.Environment.wake) or ctx is cancelled — cancellation
// is not part of spec.md's IPC semantics ("no cancellation... the only
// way to interrupt a waiting receiver is env_destroy") but exists here
// so tests and shutdown paths never leak a blocked goroutine. A returned
// non-zero Err_t means validation failed before the caller ever blocked;
// a zero return means the caller blocked and was resumed. When a sender
// resumed it, the actual message is in caller.Value/From/Perm and
// caller.Regs.Ret, exactly as the sender wrote them; when ctx was
// cancelled it also returns 0, no message was delivered and
// caller.Recving is still set.
func (k *Kernel) IpcRecv(ctx context.Context, caller *env.Environment, dstva uint64) defs.Err_t {
	k.Debug.Record(caller.Id, "ipc_recv", "")
	if dstva < defs.UTOP && !defs.PageAligned(dstva) {
		return defs.EINVAL
	}

	// Drop a wakeup left pending from before this call (e.g. by
	// EnvSetStatus), so only a completed send resumes the caller.
	select {
	case <-caller.WaitChan():
	default:
	}

	caller.Lock()
	caller.Recving = true
	caller.Dstva = dstva
	caller.Status = defs.ENV_NOT_RUNNABLE
	caller.Regs.Ret = 0
	caller.Unlock()

	k.Sched.Release()
	select {
	case <-caller.WaitChan():
	case <-ctx.Done():
	}
	k.Sched.Acquire(context.Background())
	return 0
}

// IpcTrySend implements spec.md §4.E's ipc_try_send. All validation
// happens before any mutation of either environment: on any error
// nothing changes in either env, exactly as spec.md's atomicity note
// requires.
func (k *Kernel) IpcTrySend(caller *env.Environment, envid defs.Envid_t, value uint32, srcva uint64, perm defs.Perm_t) (int, defs.Err_t) {
	k.Debug.Record(caller.Id, "ipc_try_send", "")
	target, err := k.Envs.Resolve(caller, envid, false)
	if err != 0 {
		return 0, err
	}

	target.Lock()
	recving := target.Recving
	dstva := target.Dstva
	target.Unlock()
	if !recving {
		return 0, defs.EIPCNOTRECV
	}

	wantsTransfer := srcva < defs.UTOP
	if wantsTransfer {
		if !defs.PageAligned(srcva) {
			return 0, defs.EINVAL
		}
		pte, ok := caller.AS.Lookup(srcva)
		if !ok {
			return 0, defs.EINVAL
		}
		if !validPerm(perm) {
			return 0, defs.EINVAL
		}
		if perm&defs.PTE_W != 0 && pte.Perm&defs.PTE_W == 0 && pte.Perm&defs.PTE_COW == 0 {
			return 0, defs.EINVAL
		}

		transferred := dstva < defs.UTOP
		if transferred {
			target.AS.Insert(dstva, pte.Frame, perm)
		}

		target.Lock()
		target.Recving = false
		target.From = caller.Id
		target.Value = value
		if transferred {
			target.Perm = perm
		} else {
			target.Perm = 0
		}
		target.Regs.Ret = uint64(value)
		target.Status = defs.ENV_RUNNABLE
		target.Unlock()
		target.Wake()

		if transferred {
			return 1, 0
		}
		return 0, 0
	}

	target.Lock()
	target.Recving = false
	target.From = caller.Id
	target.Value = value
	target.Perm = 0
	target.Regs.Ret = uint64(value)
	target.Status = defs.ENV_RUNNABLE
	target.Unlock()
	target.Wake()
	return 0, 0
}
