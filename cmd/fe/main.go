// Ferrite CLI - evaluates MIR modules and serves the eval service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/ferrite/constcache"
	"github.com/chazu/ferrite/interp"
	"github.com/chazu/ferrite/mir"
	"github.com/chazu/ferrite/server"
	"github.com/chazu/ferrite/target"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: fe <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  eval     evaluate a module entry as a constant\n")
	fmt.Fprintf(os.Stderr, "  check    execute a module entry, detecting undefined behavior\n")
	fmt.Fprintf(os.Stderr, "  serve    start the eval server\n")
	fmt.Fprintf(os.Stderr, "  targets  list built-in targets\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  fe eval module.fir                  # evaluate the module's entry\n")
	fmt.Fprintf(os.Stderr, "  fe eval -entry LEN module.fir       # evaluate a named body\n")
	fmt.Fprintf(os.Stderr, "  fe check -target i686 module.fir    # strict run on 32-bit\n")
	fmt.Fprintf(os.Stderr, "  fe serve -addr :4567 -cache out.db  # serve with a result cache\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "eval":
		err = runEval(os.Args[2:], interp.ModeConstEval)
	case "check":
		err = runEval(os.Args[2:], interp.ModeCheck)
	case "serve":
		err = runServe(os.Args[2:])
	case "targets":
		err = runTargets(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "fe: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "fe: %v\n", err)
		if interp.IsInvariant(err) {
			// Not the evaluated program's fault; flag it loudly.
			fmt.Fprintf(os.Stderr, "fe: this is an internal error, please report it\n")
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func runEval(args []string, mode interp.Mode) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	targetFlag := fs.String("target", "", "target name or manifest path (default x86_64)")
	entry := fs.String("entry", "", "body to evaluate (default: the module's entry)")
	fuel := fs.Uint64("fuel", 0, "step budget, 0 for unlimited")
	cachePath := fs.String("cache", "", "const-eval result cache database")
	stats := fs.Bool("stats", false, "print step and memory statistics")
	verbose := fs.Bool("v", false, "verbose machine tracing")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one module file, got %d", fs.NArg())
	}
	configureLogging(*verbose)

	prog, err := mir.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	spec := target.Default()
	if *targetFlag != "" {
		spec, err = target.Resolve(*targetFlag)
		if err != nil {
			return err
		}
	}

	name := *entry
	if name == "" {
		name = prog.Entry
	}
	if name == "" {
		return fmt.Errorf("%s has no entry; name one with -entry", fs.Arg(0))
	}

	var cache *constcache.Cache
	var key [32]byte
	if *cachePath != "" && mode == interp.ModeConstEval {
		cache, err = constcache.Open(*cachePath)
		if err != nil {
			return err
		}
		defer cache.Close()

		key, err = constcache.Key(prog, name, spec.Name)
		if err != nil {
			return err
		}
		if out, cerr := cache.Get(key); cerr == nil {
			printOutcome(out, *stats)
			return nil
		} else if !errors.Is(cerr, constcache.ErrMiss) {
			return cerr
		}
	}

	ctx := context.Background()
	var out *interp.Outcome
	if mode == interp.ModeConstEval {
		out, err = interp.ConstEval(ctx, prog, name, spec, interp.WithFuel(*fuel))
	} else {
		out, err = interp.Check(ctx, prog, name, spec, interp.WithFuel(*fuel))
	}
	if err != nil {
		return err
	}

	if cache != nil {
		if cerr := cache.Put(key, out); cerr != nil {
			fmt.Fprintf(os.Stderr, "Warning: cache write failed: %v\n", cerr)
		}
	}
	printOutcome(out, *stats)
	return nil
}

func printOutcome(out *interp.Outcome, stats bool) {
	fmt.Printf("%s: %s = %s\n", out.Entry, out.TypeKey, out.Rendered)
	if stats {
		fmt.Printf("  target:      %s\n", out.Target)
		fmt.Printf("  hash:        %x\n", out.Hash[:8])
		fmt.Printf("  steps:       %d\n", out.Steps)
		fmt.Printf("  allocations: %d (peak %d bytes)\n", out.Memory.Allocations, out.Memory.PeakBytes)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":4567", "listen address")
	cachePath := fs.String("cache", "", "const-eval result cache database")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.Parse(args)
	configureLogging(*verbose)

	var opts []server.Option
	if *cachePath != "" {
		cache, err := constcache.Open(*cachePath)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithCache(cache))
	}

	srv := server.New(opts...)
	defer srv.Stop()
	return srv.ListenAndServe(*addr)
}

func runTargets(args []string) error {
	fs := flag.NewFlagSet("targets", flag.ExitOnError)
	fs.Parse(args)

	for _, name := range target.Names() {
		spec, err := target.Lookup(name)
		if err != nil {
			return err
		}
		fmt.Printf("%-10s %d-bit, %s-endian\n", spec.Name, spec.PointerSize*8, spec.Endian)
	}
	return nil
}

func configureLogging(verbose bool) {
	verbosity := 0
	if verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
}
