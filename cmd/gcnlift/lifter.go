package main

import (
	"path/filepath"

	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/mewmew/gcnlift/lift"
	"github.com/mewmew/gcnlift/target"
	"github.com/pkg/errors"
)

// options specifies the command line options of a lift.
type options struct {
	// Target ISA; derived from the ELF header if empty.
	isa string
	// Name of the kernel to lift; all kernels if empty.
	kernel string
	// Output directory; standard output if empty.
	outDir string
	// Output control flow graphs in DOT format.
	dot bool
	// Number of functions lowered concurrently.
	workers int
	// Load base of code objects.
	base bin.Addr
	// Dump instruction provenance.
	verbose bool
}

// oracle holds the information of a code object provided by external tools.
type oracle struct {
	// Kernel metadata by kernel name.
	kernels map[string]*hsa.KernelMetadata
	// Basic block addresses, relative to the load base.
	blockAddrs []bin.Addr
}

// parseOracle parses the oracle JSON files located next to the given code
// object.
func parseOracle(path string) (*oracle, error) {
	dir := filepath.Dir(path)
	o := &oracle{}
	// Parse kernel metadata.
	if err := parseJSON(filepath.Join(dir, "kernels.json"), &o.kernels); err != nil {
		return nil, errors.WithStack(err)
	}
	// Parse basic block addresses.
	if err := parseJSON(filepath.Join(dir, "blocks.json"), &o.blockAddrs); err != nil {
		return nil, errors.WithStack(err)
	}
	return o, nil
}

// liftCodeObject lifts the kernels of the given code object, registered with
// the platform under the given handle for the duration of the lift.
func liftCodeObject(l *lift.Lifter, platform *hsa.Platform, h hsa.Handle, path string, opts options) error {
	dbg.Printf("liftCodeObject(path = %q)", path)
	o, err := parseOracle(path)
	if err != nil {
		return errors.WithStack(err)
	}
	co, err := loadCodeObject(path, h, opts.base, target.ISA(opts.isa), o.kernels)
	if err != nil {
		return errors.WithStack(err)
	}
	defer co.Close()
	if err := platform.Register(co.lco); err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if err := platform.Unload(h); err != nil {
			warn.Printf("unable to unload %q; %v", path, err)
		}
	}()
	// Record oracle basic blocks as branch targets.
	for _, addr := range o.blockAddrs {
		if err := l.AddBranchTargets(co.lco, opts.base+addr); err != nil {
			warn.Printf("ignoring basic block address %v; %v", addr, err)
		}
	}
	found := false
	for _, kernel := range co.lco.KernelSymbols() {
		if opts.kernel != "" && kernel.FunctionName() != opts.kernel {
			continue
		}
		found = true
		lr, err := l.Lift(kernel)
		if err != nil {
			return errors.WithStack(err)
		}
		if err := output(l, lr, opts); err != nil {
			return errors.WithStack(err)
		}
	}
	if opts.kernel != "" && !found {
		return errors.Errorf("unable to locate kernel %q in %q", opts.kernel, path)
	}
	return nil
}
