package kernel

import (
	"context"
	"testing"
	"time"

	"exojos/internal/defs"
)

func TestIpcValueOnly(t *testing.T) {
	k, root := newTestKernel(t)
	rootID := k.Getenvid(root)
	childID, _ := k.Exofork(root)
	child, _ := k.Envs.Resolve(root, childID, true)

	recvDone := make(chan defs.Err_t, 1)
	k.Sched.Spawn(func(ctx context.Context) error {
		if err := k.Sched.Acquire(ctx); err != nil {
			recvDone <- defs.EINVAL
			return err
		}
		recvDone <- k.IpcRecv(ctx, child, defs.UTOP) // UTOP = "no page wanted"
		return nil
	})

	// Give the receiver a moment to mark itself recving.
	deadline := time.Now().Add(time.Second)
	for {
		child.Lock()
		recving := child.Recving
		child.Unlock()
		if recving {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("receiver never entered Recving state")
		}
		time.Sleep(time.Millisecond)
	}

	n, err := k.IpcTrySend(root, childID, 42, defs.UTOP, 0)
	if err != 0 {
		t.Fatalf("IpcTrySend: %v", err)
	}
	if n != 0 {
		t.Fatalf("IpcTrySend returned page-transferred=%d, want 0", n)
	}

	select {
	case rerr := <-recvDone:
		if rerr != 0 {
			t.Fatalf("IpcRecv: %v", rerr)
		}
	case <-time.After(time.Second):
		t.Fatal("IpcRecv never returned")
	}

	child.Lock()
	defer child.Unlock()
	if child.From != rootID {
		t.Fatalf("From = %v, want %v", child.From, rootID)
	}
	if child.Value != 42 {
		t.Fatalf("Value = %d, want 42", child.Value)
	}
	if child.Status != defs.ENV_RUNNABLE {
		t.Fatalf("Status = %v, want RUNNABLE", child.Status)
	}
}

func TestIpcWithPageTransfer(t *testing.T) {
	k, root := newTestKernel(t)
	rootID := k.Getenvid(root)
	childID, _ := k.Exofork(root)
	child, _ := k.Envs.Resolve(root, childID, true)

	k.PageAlloc(root, rootID, 0x1000, defs.PTE_P|defs.PTE_U|defs.PTE_W)
	buf := root.AS.Access(0x1000, true)
	buf[0] = 0x77

	recvDone := make(chan defs.Err_t, 1)
	k.Sched.Spawn(func(ctx context.Context) error {
		if err := k.Sched.Acquire(ctx); err != nil {
			recvDone <- defs.EINVAL
			return err
		}
		recvDone <- k.IpcRecv(ctx, child, 0x2000)
		return nil
	})

	deadline := time.Now().Add(time.Second)
	for {
		child.Lock()
		recving := child.Recving
		child.Unlock()
		if recving {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("receiver never entered Recving state")
		}
		time.Sleep(time.Millisecond)
	}

	n, err := k.IpcTrySend(root, childID, 7, 0x1000, defs.PTE_P|defs.PTE_U)
	if err != 0 {
		t.Fatalf("IpcTrySend: %v", err)
	}
	if n != 1 {
		t.Fatalf("IpcTrySend page-transferred=%d, want 1", n)
	}
	<-recvDone

	childBuf := child.AS.Access(0x2000, false)
	if childBuf[0] != 0x77 {
		t.Fatalf("transferred page byte = 0x%x, want 0x77", childBuf[0])
	}
}

func TestIpcTrySendToNonRecvingTarget(t *testing.T) {
	k, root := newTestKernel(t)
	childID, _ := k.Exofork(root)

	if _, err := k.IpcTrySend(root, childID, 1, defs.UTOP, 0); err != defs.EIPCNOTRECV {
		t.Fatalf("IpcTrySend to non-recving target = %v, want EIPCNOTRECV", err)
	}
}

func TestIpcRecvValidatesDstva(t *testing.T) {
	k, root := newTestKernel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := k.IpcRecv(ctx, root, 0x1001); err != defs.EINVAL {
		t.Fatalf("IpcRecv with misaligned dstva = %v, want EINVAL", err)
	}
}

func TestIpcTrySendRejectsBadSrcPerm(t *testing.T) {
	k, root := newTestKernel(t)
	rootID := k.Getenvid(root)
	childID, _ := k.Exofork(root)
	child, _ := k.Envs.Resolve(root, childID, true)

	k.PageAlloc(root, rootID, 0x1000, defs.PTE_P|defs.PTE_U)

	child.Lock()
	child.Recving = true
	child.Dstva = 0x2000
	child.Unlock()

	if _, err := k.IpcTrySend(root, childID, 1, 0x1000, defs.PTE_P|defs.PTE_U|defs.PTE_W); err != defs.EINVAL {
		t.Fatalf("IpcTrySend escalating a read-only page to writable = %v, want EINVAL", err)
	}
	// Nothing should have mutated on a rejected send.
	child.Lock()
	stillRecving := child.Recving
	child.Unlock()
	if !stillRecving {
		t.Fatal("rejected IpcTrySend mutated the receiver's Recving flag")
	}
}
