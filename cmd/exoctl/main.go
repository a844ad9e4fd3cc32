// Command exoctl boots a kernel.Kernel, runs a short fixed demo
// workload (one init environment forking a child), and exposes two
// diagnostic subcommands against
// the result: "ps", an environment-table dump, and "profile", a pprof
// export of the syscall histogram internal/kdebug accumulated while the
// workload ran. Configuration is flags, not a config file or a
// cobra/viper command tree — see SPEC_FULL.md's Configuration section
// for why: the pack offers flag.Bool-style CLI tests
// (Oichkatzelesfrettschen-biscuit's debug_test.go) and no higher-level
// CLI framework anywhere.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/text/width"

	"exojos/internal/defs"
	"exojos/internal/env"
	"exojos/internal/kernel"
	"exojos/user/fork"
)

func main() {
	var (
		frames  = flag.Int("frames", 4096, "physical frame pool size")
		envs    = flag.Int("envs", 64, "environment table slot count")
		profOut = flag.String("profile-out", "", "if set, write a pprof .pb.gz profile of the run to this path")
	)
	flag.Parse()

	cmd := "ps"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	k := kernel.New(kernel.Config{Frames: *frames, Envs: *envs, Console: os.Stdout})
	runDemo(k)

	switch cmd {
	case "ps":
		printPs(os.Stdout, k)
	case "profile":
		path := *profOut
		if path == "" {
			path = "exoctl.pb.gz"
		}
		if err := writeProfile(k, path); err != nil {
			fmt.Fprintf(os.Stderr, "exoctl: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "wrote %s\n", path)
	default:
		fmt.Fprintf(os.Stderr, "exoctl: unknown subcommand %q (want ps|profile)\n", cmd)
		os.Exit(2)
	}
}

// runDemo exercises the syscall surface just enough to populate both
// the environment table and the kdebug histogram for the subcommands
// below: one root environment that forks a child and waits briefly for
// it to run.
func runDemo(k *kernel.Kernel) {
	root, err := k.NewEnv()
	if err != 0 {
		fmt.Fprintf(os.Stderr, "exoctl: create root env: %v\n", err)
		return
	}
	root.Lock()
	root.Status = defs.ENV_RUNNABLE
	root.Unlock()
	k.Sched.Acquire(context.Background())

	_, err = fork.Fork(k, root, func(k *kernel.Kernel, child *env.Environment) {
		k.Sched.Acquire(context.Background())
		defer k.Sched.Release()
	})
	// Give up the CPU token so the child can take it during the wait.
	k.Sched.Release()
	if err != 0 {
		fmt.Fprintf(os.Stderr, "exoctl: fork: %v\n", err)
		return
	}
	// Give the child goroutine a moment to actually run before the
	// process exits and the demo environments vanish with it.
	time.Sleep(10 * time.Millisecond)
}

// printPs renders one row per live environment. Columns are aligned
// with text/tabwriter; golang.org/x/text/width normalizes any wide
// (East-Asian fullwidth) runes in the ENVID and PARENT columns to their
// narrow equivalent first, since tabwriter counts runes, not display
// cells.
func printPs(w *os.File, k *kernel.Kernel) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENVID\tPARENT\tSTATUS\tRECVING\tSYSTIME")
	k.Envs.Each(func(e *env.Environment) {
		e.Lock()
		id, parent, status, recving := e.Id, e.ParentId, e.Status, e.Recving
		e.Unlock()
		_, sysns := e.Accnt.Snapshot()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n",
			width.Narrow.String(fmt.Sprintf("0x%x", uint64(id))),
			width.Narrow.String(fmt.Sprintf("0x%x", uint64(parent))),
			status, recving, time.Duration(sysns))
	})
	tw.Flush()
}

// writeProfile renders k.Debug's histogram as a gzip-compressed pprof
// profile, the format `go tool pprof` reads directly. Profile.Write
// already gzips its output.
func writeProfile(k *kernel.Kernel, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return k.Debug.Profile().Write(f)
}
