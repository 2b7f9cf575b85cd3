// The gcnlift tool lifts the kernels of AMDGPU code objects to LLVM IR and
// register-allocated machine functions.
//
// Separation of concern is handled through reliance on oracles, which provide
// kernel metadata and additional basic block addresses.
package main

import (
	"flag"
	"io"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/disasm"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/mewmew/gcnlift/lift"
	"github.com/mewmew/gcnlift/target"
	"github.com/mewmew/gcnlift/target/amdgcn"
)

var (
	// dbg is a logger which logs debug messages with "gcnlift:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("gcnlift:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// Default load base of code objects.
const defaultBase bin.Addr = 0x7F0000000000

func main() {
	// Parse command line arguments.
	opts := options{base: defaultBase}
	// quiet specifies whether to suppress non-error messages.
	var quiet bool
	flag.BoolVar(&quiet, "q", false, "suppress non-error messages")
	flag.StringVar(&opts.isa, "isa", "", "target ISA (default derived from ELF header; e.g. amdgcn-amd-amdhsa--gfx908)")
	flag.StringVar(&opts.kernel, "kernel", "", "lift only the kernel of the given name")
	flag.StringVar(&opts.outDir, "o", "", "output directory (default standard output)")
	flag.BoolVar(&opts.dot, "dot", false, "output control flow graphs in Graphviz DOT format")
	flag.IntVar(&opts.workers, "j", 0, "number of functions lowered concurrently (0 = one per function)")
	flag.Var(&opts.base, "base", "load base address of code objects")
	flag.BoolVar(&opts.verbose, "v", false, "dump the decoded instruction of each machine instruction")
	flag.Parse()
	// Skip debug output if -q is set.
	if quiet {
		dbg.SetOutput(io.Discard)
		lift.SetDebugOutput(io.Discard)
		disasm.SetDebugOutput(io.Discard)
	}

	reg := target.NewRegistry()
	amdgcn.Register(reg)
	platform := hsa.NewPlatform()
	l := lift.New(reg, platform, lift.Config{Workers: opts.workers})
	l.InvalidateOnUnload(platform)

	// Lift code objects.
	for i, path := range flag.Args() {
		h := hsa.Handle(i + 1)
		if err := liftCodeObject(l, platform, h, path, opts); err != nil {
			log.Fatalf("%+v", err)
		}
	}
}
