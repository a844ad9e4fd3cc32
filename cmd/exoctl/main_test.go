package main

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"strings"
	"testing"

	"exojos/internal/env"
	"exojos/internal/kernel"
)

func TestRunDemoPopulatesEnvTable(t *testing.T) {
	var console bytes.Buffer
	k := kernel.New(kernel.Config{Frames: 256, Envs: 8, Console: &console})
	runDemo(k)

	var count int
	k.Envs.Each(func(e *env.Environment) { count++ })
	if count < 2 {
		t.Fatalf("runDemo populated %d envs, want at least 2 (root + fork child)", count)
	}
}

func TestPrintPsListsEnvs(t *testing.T) {
	var console bytes.Buffer
	k := kernel.New(kernel.Config{Frames: 256, Envs: 8, Console: &console})
	runDemo(k)

	tmp, err := os.CreateTemp(t.TempDir(), "ps")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()
	printPs(tmp, k)

	tmp.Seek(0, io.SeekStart)
	out, _ := io.ReadAll(tmp)
	if !strings.Contains(string(out), "ENVID") {
		t.Fatalf("ps output missing header: %q", out)
	}
	if !strings.Contains(string(out), "RUNNABLE") && !strings.Contains(string(out), "NOT_RUNNABLE") {
		t.Fatalf("ps output has no recognizable status column: %q", out)
	}
}

func TestWriteProfileProducesValidGzip(t *testing.T) {
	var console bytes.Buffer
	k := kernel.New(kernel.Config{Frames: 256, Envs: 8, Console: &console})
	runDemo(k)

	path := t.TempDir() + "/out.pb.gz"
	if err := writeProfile(k, path); err != nil {
		t.Fatalf("writeProfile: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("profile output is not valid gzip: %v", err)
	}
	defer gz.Close()
	if _, err := io.ReadAll(gz); err != nil {
		t.Fatalf("reading gzip body: %v", err)
	}
}
