package kdebug

import (
	"testing"

	"exojos/internal/defs"
)

func TestRecordAccumulatesCounts(t *testing.T) {
	r := New()
	r.Record(1, "yield", "")
	r.Record(1, "yield", "")
	r.Record(2, "yield", "")

	p := r.Profile()
	var total int64
	for _, s := range p.Sample {
		total += s.Value[0]
	}
	if total != 3 {
		t.Fatalf("total sample value = %d, want 3", total)
	}
}

func TestProfileLabelsCarryEnv(t *testing.T) {
	r := New()
	r.Record(defs.Envid_t(0x42), "exofork", "")
	p := r.Profile()
	if len(p.Sample) != 1 {
		t.Fatalf("got %d samples, want 1", len(p.Sample))
	}
	envs := p.Sample[0].Label["env"]
	if len(envs) != 1 || envs[0] != "0x42" {
		t.Fatalf("env label = %v, want [0x42]", envs)
	}
}

func TestProfileDistinguishesSymbols(t *testing.T) {
	r := New()
	r.Record(1, "pgfault_upcall", "handlerA")
	r.Record(1, "pgfault_upcall", "handlerB")
	p := r.Profile()
	if len(p.Sample) != 2 {
		t.Fatalf("got %d samples, want 2 (distinct symbols)", len(p.Sample))
	}
	if len(p.Location) != 2 || len(p.Function) != 2 {
		t.Fatalf("got %d locations / %d functions, want 2 each", len(p.Location), len(p.Function))
	}
}

func TestProfileIsValid(t *testing.T) {
	r := New()
	r.Record(1, "yield", "")
	r.Record(2, "ipc_recv", "")
	if err := r.Profile().CheckValid(); err != nil {
		t.Fatalf("CheckValid: %v", err)
	}
}
