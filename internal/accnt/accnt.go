// Package accnt tracks per-environment CPU-time accounting: how much
// time an environment has spent inside a kernel syscall dispatch
// ("system" time) versus running its own continuation ("user" time).
//
// Grounded on biscuit's accnt.Accnt_t, which keeps the same Userns/
// Sysns nanosecond-counter pair updated via atomic adds with a separate
// mutex reserved for the consistent-snapshot and merge paths. The
// userspace rusage encoding (To_rusage/Fetch) has no home here — there
// is no user-mode copy-out in this simulation — so only the counters
// and the merge/snapshot operations survive, translated from manual
// UnixNano() timestamp deltas to time.Duration so callers can't mix up
// units.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

/**
 * Accnt accumulates one environment's accounting record.
 *
 * Userns and Sysns store elapsed time in nanoseconds. The embedded
 * mutex allows callers to take a consistent snapshot of the fields
 * when exporting usage statistics.
 */
type Accnt struct {
	/// Nanoseconds of user time consumed.
	Userns int64
	/// Nanoseconds of system time consumed.
	Sysns int64
	/// Protects concurrent access when reporting or merging usage.
	mu sync.Mutex
}

/// Utadd adds delta to the user-time counter.
///
/// @param delta Amount of user time to add.
func (a *Accnt) Utadd(delta time.Duration) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

/// Systadd adds delta to the system-time counter.
///
/// @param delta Amount of system time to add.
func (a *Accnt) Systadd(delta time.Duration) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

/// Finish charges the elapsed time since start to system time. Kernel
/// syscall dispatch calls this on return, mirroring biscuit's own
/// Finish(inttime) called when a syscall trap returns to userspace.
///
/// @param start Timestamp the syscall dispatch began at.
func (a *Accnt) Finish(start time.Time) {
	a.Systadd(time.Since(start))
}

/// Add merges n's counters into a, the way a parent environment folds a
/// destroyed child's usage into its own (biscuit's Accnt_t.Add, called
/// from proc reaping).
///
/// @param n Record to merge in.
func (a *Accnt) Add(n *Accnt) {
	un := atomic.LoadInt64(&n.Userns)
	sn := atomic.LoadInt64(&n.Sysns)
	a.mu.Lock()
	a.Userns += un
	a.Sysns += sn
	a.mu.Unlock()
}

/// Snapshot returns a consistent (user, sys) nanosecond pair, taking
/// the lock the way biscuit's Fetch does before encoding an rusage.
///
/// @return Current user and system nanosecond totals.
func (a *Accnt) Snapshot() (userns, sysns int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Userns, a.Sysns
}
