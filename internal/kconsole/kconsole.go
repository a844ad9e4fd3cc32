// Package kconsole is the kernel's console device: the target of
// sys_cputs and the source of sys_cgetc. The teacher repo has no
// logging library anywhere in its stack (its own diagnostics, e.g.
// biscuit/src/kernel/chentry.go, go straight to fmt.Printf), so this
// follows suit rather than reaching for a third-party logger that
// nothing else in the pack uses.
package kconsole

import (
	"fmt"
	"io"
	"sync"
)

// Console serializes writes from concurrently-running environments onto
// a single io.Writer.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func New(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *Console) Warnf(format string, args ...any) {
	c.Printf("kernel: "+format, args...)
}
