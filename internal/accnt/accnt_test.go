package accnt

import (
	"testing"
	"time"
)

func TestSystaddAccumulates(t *testing.T) {
	var a Accnt
	a.Systadd(5 * time.Millisecond)
	a.Systadd(5 * time.Millisecond)
	if _, sys := a.Snapshot(); sys != int64(10*time.Millisecond) {
		t.Fatalf("Sysns = %d, want %d", sys, int64(10*time.Millisecond))
	}
}

func TestFinishChargesElapsedToSysns(t *testing.T) {
	var a Accnt
	start := time.Now().Add(-20 * time.Millisecond)
	a.Finish(start)
	_, sys := a.Snapshot()
	if sys < int64(15*time.Millisecond) {
		t.Fatalf("Sysns = %d, want at least ~20ms", sys)
	}
}

func TestAddMergesCounters(t *testing.T) {
	var parent, child Accnt
	parent.Systadd(3 * time.Millisecond)
	child.Systadd(7 * time.Millisecond)
	child.Utadd(2 * time.Millisecond)

	parent.Add(&child)

	user, sys := parent.Snapshot()
	if sys != int64(10*time.Millisecond) {
		t.Fatalf("merged Sysns = %d, want %d", sys, int64(10*time.Millisecond))
	}
	if user != int64(2*time.Millisecond) {
		t.Fatalf("merged Userns = %d, want %d", user, int64(2*time.Millisecond))
	}
}
