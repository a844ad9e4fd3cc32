package kconsole

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestPrintf(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	c.Printf("hello %s %d", "world", 7)
	if got, want := buf.String(), "hello world 7"; got != want {
		t.Errorf("Printf output = %q, want %q", got, want)
	}
}

func TestWarnfPrefixes(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	c.Warnf("out of memory")
	if got := buf.String(); !strings.HasPrefix(got, "kernel: ") {
		t.Errorf("Warnf output = %q, want kernel: prefix", got)
	}
}

func TestConcurrentWritesSerialize(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Printf("x")
		}()
	}
	wg.Wait()
	if got := buf.Len(); got != 50 {
		t.Fatalf("buffer length = %d, want 50", got)
	}
}
