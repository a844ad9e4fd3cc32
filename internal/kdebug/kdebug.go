// Package kdebug accumulates a syscall-count and scheduler-handoff
// histogram and renders it as a github.com/google/pprof/profile.Profile
// — the same library biscuit's own go.mod carries — using
// github.com/ianlancetaylor/demangle to pretty-print the raw upcall/
// entry symbol names recorded against each sample, exactly as biscuit
// links demangle to turn program-counter-ish identifiers from kernel
// data structures into readable pprof labels.
package kdebug

import (
	"fmt"
	"sync"

	"github.com/google/pprof/profile"
	"github.com/ianlancetaylor/demangle"

	"exojos/internal/defs"
)

// Recorder is safe for concurrent use by every environment goroutine.
type Recorder struct {
	mu      sync.Mutex
	samples map[sampleKey]int64
}

type sampleKey struct {
	env     defs.Envid_t
	syscall string
	symbol  string
}

func New() *Recorder {
	return &Recorder{samples: make(map[sampleKey]int64)}
}

// Record counts one occurrence of a syscall for env. rawSymbol, if
// non-empty, is a raw upcall/entry-point identifier that gets demangled
// before it is stored as part of the sample's label.
func (r *Recorder) Record(env defs.Envid_t, syscall, rawSymbol string) {
	sym := ""
	if rawSymbol != "" {
		sym = demangle.Filter(rawSymbol)
	}
	r.mu.Lock()
	r.samples[sampleKey{env: env, syscall: syscall, symbol: sym}]++
	r.mu.Unlock()
}

// Profile renders the accumulated histogram as a pprof Profile: one
// Location per distinct (syscall, symbol) label, one Sample per (env,
// syscall, symbol) triple carrying the occurrence count.
func (r *Recorder) Profile() *profile.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "syscalls", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "syscalls", Unit: "count"},
		Period:     1,
	}

	funcs := make(map[string]*profile.Function)
	locs := make(map[string]*profile.Location)
	var nextID uint64 = 1

	getLoc := func(name string) *profile.Location {
		if l, ok := locs[name]; ok {
			return l
		}
		fn, ok := funcs[name]
		if !ok {
			fn = &profile.Function{ID: nextID, Name: name, SystemName: name}
			nextID++
			funcs[name] = fn
			p.Function = append(p.Function, fn)
		}
		l := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn}}}
		nextID++
		locs[name] = l
		p.Location = append(p.Location, l)
		return l
	}

	for key, count := range r.samples {
		label := key.syscall
		if key.symbol != "" {
			label = fmt.Sprintf("%s[%s]", key.syscall, key.symbol)
		}
		loc := getLoc(label)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{count},
			Label:    map[string][]string{"env": {fmt.Sprintf("0x%x", uint64(key.env))}},
		})
	}
	return p
}
