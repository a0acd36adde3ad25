// Agim operator tool: builds, disassembles and runs compiled programs on the
// runtime core. The language front end lives elsewhere; this tool works on
// .agimc bytecode files and a few built-in samples.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/agim-lang/agim/block"
	"github.com/agim-lang/agim/bytecode"
	"github.com/agim-lang/agim/config"
	"github.com/agim-lang/agim/regvm"
	"github.com/agim-lang/agim/vm"
	"github.com/agim-lang/agim/wire"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: agim <command> [options] [file.agimc]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  run    run a program as the root block and print its result\n")
	fmt.Fprintf(w, "  dis    disassemble a program\n")
	fmt.Fprintf(w, "  build  write a sample program as a .agimc file\n")
	fmt.Fprintf(w, "\nSamples (-sample, used when no file is given):\n")
	names := make([]string, 0, len(samples))
	for name := range samples {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-6s %s\n", name, samples[name])
	}
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  agim run -sample fib -n 25                # stack VM\n")
	fmt.Fprintf(w, "  agim run -engine register -sample ping    # register VM\n")
	fmt.Fprintf(w, "  agim build -sample count -o count.agimc\n")
	fmt.Fprintf(w, "  agim run -checkpoint state.cbor count.agimc\n")
}

// run executes one command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	var err error
	switch args[0] {
	case "run":
		err = cmdRun(args[1:], stdout, stderr)
	case "dis":
		err = cmdDis(args[1:], stdout, stderr)
	case "build":
		err = cmdBuild(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "agim: unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}
	switch {
	case errors.Is(err, flag.ErrHelp):
		return 0
	case err != nil:
		fmt.Fprintf(stderr, "agim: %v\n", err)
		return 1
	}
	return 0
}

// programFlags are shared by every command that loads a program.
type programFlags struct {
	config  *string
	engine  *string
	sample  *string
	n       *int
	verbose *int
}

func addProgramFlags(fs *flag.FlagSet) programFlags {
	return programFlags{
		config:  fs.String("config", "", "Path to agim.toml (default: search upward from the current directory)"),
		engine:  fs.String("engine", "", "VM engine for samples: stack or register (default: from config)"),
		sample:  fs.String("sample", "fib", "Built-in sample to use when no file is given"),
		n:       fs.Int("n", 20, "Argument of the sample"),
		verbose: fs.Int("v", 0, "Extra log verbosity"),
	}
}

// setup loads the configuration and configures logging from it.
func (p programFlags) setup() (config.Config, error) {
	var cfg config.Config
	var err error
	if *p.config != "" {
		cfg, err = config.Load(*p.config)
	} else {
		cfg, _, err = config.FindAndLoad(".")
	}
	if err != nil {
		return cfg, err
	}
	if *p.engine != "" {
		cfg.VM.Engine = *p.engine
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}

	var path *string
	if f := cfg.Log.File; f != "" {
		if !filepath.IsAbs(f) && cfg.Dir != "" {
			f = filepath.Join(cfg.Dir, f)
		}
		path = &f
	}
	commonlog.Configure(cfg.Log.Verbosity+*p.verbose, path)
	return cfg, nil
}

// load returns the program named by args, or the selected sample, and a
// name for it.
func (p programFlags) load(cfg config.Config, args []string) (any, string, error) {
	switch len(args) {
	case 0:
		prog, err := sample(*p.sample, cfg.VM.Engine, *p.n)
		return prog, *p.sample, err
	case 1:
		b, err := bytecode.ReadFile(args[0])
		return b, filepath.Base(args[0]), err
	}
	return nil, "", fmt.Errorf("expected at most one program file, got %d", len(args))
}

func cmdRun(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pf := addProgramFlags(fs)
	checkpoint := fs.String("checkpoint", "", "Write a checkpoint of the root block to this file when it stops")
	restore := fs.String("restore", "", "Start the root block from this checkpoint")
	stats := fs.Bool("stats", false, "Print heap statistics of the root block")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := pf.setup()
	if err != nil {
		return err
	}
	prog, source, err := pf.load(cfg, fs.Args())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// The hook runs on the root block's goroutine; Wait orders it before
	// the reads below.
	var result string
	var hookErr error
	onExit := func(b *block.Block) {
		if b.Parent() != 0 {
			return
		}
		if v := b.Result(); v != nil {
			result = v.String()
		}
		if *stats {
			if s, ok := b.HeapStats(); ok {
				fmt.Fprintf(stdout, "heap: %s\n", s)
			}
		}
		if *checkpoint != "" {
			hookErr = writeCheckpoint(b, *checkpoint)
		}
	}
	r := block.NewRegistry(ctx, cfg, block.WithHost(vm.NewMemoryHost()), block.OnExit(onExit))

	if *restore != "" {
		c, err := readCheckpoint(*restore)
		if err != nil {
			return err
		}
		if _, err := r.Restore(c, prog); err != nil {
			return err
		}
	} else if _, err := r.Start(prog, source); err != nil {
		return err
	}

	if err := r.Wait(); err != nil {
		return err
	}
	if hookErr != nil {
		return hookErr
	}
	fmt.Fprintln(stdout, result)
	return nil
}

func writeCheckpoint(b *block.Block, path string) error {
	c, err := b.Checkpoint()
	if err != nil {
		return err
	}
	data, err := wire.MarshalCheckpoint(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func readCheckpoint(path string) (*wire.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return wire.UnmarshalCheckpoint(data)
}

func cmdDis(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("dis", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pf := addProgramFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := pf.setup()
	if err != nil {
		return err
	}
	prog, _, err := pf.load(cfg, fs.Args())
	if err != nil {
		return err
	}
	switch p := prog.(type) {
	case *bytecode.Bytecode:
		fmt.Fprint(stdout, p.Disassemble())
	case *regvm.Unit:
		if err := p.Verify(); err != nil {
			return err
		}
		fmt.Fprint(stdout, p.Disassemble())
	}
	return nil
}

func cmdBuild(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("sample", "fib", "Sample to build")
	n := fs.Int("n", 20, "Argument of the sample")
	out := fs.String("o", "", "Output file (default: <sample>.agimc)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := *out
	if path == "" {
		path = *name + ".agimc"
	}
	prog, err := sample(*name, config.EngineStack, *n)
	if err != nil {
		return err
	}
	if err := bytecode.WriteFile(path, prog.(*bytecode.Bytecode)); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}
