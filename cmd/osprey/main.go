// Osprey CLI - runs and inspects serialized Osprey bytecode modules
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/ospreyjs/osprey/bytecode"
	"github.com/ospreyjs/osprey/vm"
)

var errColor = color.New(color.FgRed, color.Bold)

func main() {
	configPath := flag.String("config", "", "Path to a TOML engine config")
	verbosity := flag.Int("v", 0, "Log verbosity (0 = quiet)")
	noJit := flag.Bool("no-jit", false, "Disable the tiered JIT")
	timeout := flag.Duration("timeout", 0, "Interrupt execution after this duration (0 = none)")
	showStats := flag.Bool("stats", false, "Print GC and JIT statistics after the run")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: osprey [options] <command> <module.obc>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run     Execute a module's entry function\n")
		fmt.Fprintf(os.Stderr, "  disasm  Disassemble a module to stdout\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  osprey run app.obc\n")
		fmt.Fprintf(os.Stderr, "  osprey -stats -timeout 5s run app.obc\n")
		fmt.Fprintf(os.Stderr, "  osprey disasm app.obc\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(2)
	}
	command, path := args[0], args[1]

	data, err := os.ReadFile(path)
	if err != nil {
		fatal("reading %s: %v", path, err)
	}

	switch command {
	case "disasm":
		mod, err := bytecode.Decode(data)
		if err != nil {
			fatal("decoding %s: %v", path, err)
		}
		fmt.Print(bytecode.Disassemble(mod))

	case "run":
		cfg := vm.DefaultConfig()
		if *configPath != "" {
			cfg, err = vm.LoadConfig(*configPath)
			if err != nil {
				fatal("loading config: %v", err)
			}
		}
		if *noJit {
			cfg.Jit.Enabled = false
		}

		engine, err := vm.NewEngine(cfg)
		if err != nil {
			fatal("creating engine: %v", err)
		}
		defer engine.Close()

		rec, err := engine.LoadModule(data)
		if err != nil {
			fatal("loading module: %v", err)
		}

		ctx := context.Background()
		if *timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, *timeout)
			defer cancel()
		}

		result, err := engine.Evaluate(ctx, rec)
		if *showStats {
			printStats(engine)
		}
		if err != nil {
			if thrown, ok := vm.Thrown(err); ok {
				fatal("uncaught exception: %s", thrown.Format())
			}
			fatal("%v", err)
		}
		if result != vm.Undefined {
			fmt.Println(result.Format())
		}
		if result.IsInt32() {
			os.Exit(int(result.AsInt32()) & 0xff)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func printStats(engine *vm.Engine) {
	gc := engine.GcStats()
	jit := engine.JitStats()
	bold := color.New(color.Bold)
	bold.Fprintln(os.Stderr, "gc:")
	fmt.Fprintf(os.Stderr, "  full cycles    %d\n", gc.FullCycles)
	fmt.Fprintf(os.Stderr, "  minor cycles   %d\n", gc.MinorCycles)
	fmt.Fprintf(os.Stderr, "  swept objects  %d\n", gc.TotalSwept)
	fmt.Fprintf(os.Stderr, "  promoted       %d\n", gc.TotalPromoted)
	fmt.Fprintf(os.Stderr, "  live bytes     %d\n", engine.Heap().LiveBytes())
	bold.Fprintln(os.Stderr, "jit:")
	fmt.Fprintf(os.Stderr, "  enqueued       %d\n", jit.Enqueued)
	fmt.Fprintf(os.Stderr, "  compiled       %d\n", jit.Compiled)
	fmt.Fprintf(os.Stderr, "  bailouts       %d\n", jit.Bailouts)
	fmt.Fprintf(os.Stderr, "  deopts         %d\n", jit.Deopts)
}

func fatal(format string, args ...any) {
	errColor.Fprint(os.Stderr, "error: ")
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
