package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kr/pretty"
	"github.com/mewmew/gcnlift/lift"
	"github.com/mewmew/gcnlift/mir"
	"github.com/pkg/errors"
)

// output writes the LLVM IR module and machine functions of the given lifted
// representation.
func output(l *lift.Lifter, lr *lift.LiftedRepresentation, opts options) error {
	name := lr.Kernel().FunctionName()
	// Output LLVM IR assembly.
	if err := writeFile(opts.outDir, name+".ll", func(w io.Writer) error {
		_, err := fmt.Fprintln(w, lr.Module())
		return err
	}); err != nil {
		return errors.WithStack(err)
	}
	// Output machine functions.
	if err := writeFile(opts.outDir, name+".mir", func(w io.Writer) error {
		for i, mf := range lr.Functions() {
			if i != 0 {
				fmt.Fprintln(w)
			}
			if _, err := fmt.Fprintln(w, mf); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return errors.WithStack(err)
	}
	// Output control flow graphs.
	if opts.dot {
		for _, mf := range lr.Functions() {
			dotName := fmt.Sprintf("%s.%s.dot", name, mf.Name)
			if err := writeFile(opts.outDir, dotName, mf.WriteDOT); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	if opts.verbose {
		if err := dumpProvenance(l, lr); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// dumpProvenance prints the decoded instruction of each machine instruction of
// the lifted representation to standard output.
func dumpProvenance(l *lift.Lifter, lr *lift.LiftedRepresentation) error {
	info, err := l.Engine().Info(lr.TargetMachine().ISA)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, mf := range lr.Functions() {
		fmt.Printf("; provenance of %q\n", mf.Name)
		for id := 0; id < mf.NumInsts(); id++ {
			ref := mir.InstRef{Func: mf.Index, Inst: mir.InstID(id)}
			inst, ok := lr.Provenance(ref)
			if !ok {
				warn.Printf("missing provenance of %v in %q", ref, mf.Name)
				continue
			}
			fmt.Printf("%v\t%v\t%s\n", ref, inst.Addr, info.Print(inst))
			fmt.Printf("\t%# v\n", pretty.Formatter(inst.MCInst))
		}
	}
	return nil
}

// ### [ Helper functions ] ####################################################

// writeFile writes the output produced by write to the given file of the
// output directory, or to standard output if no output directory is set.
func writeFile(outDir, name string, write func(w io.Writer) error) error {
	if outDir == "" {
		bw := bufio.NewWriter(os.Stdout)
		if err := write(bw); err != nil {
			return errors.WithStack(err)
		}
		return errors.WithStack(bw.Flush())
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	path := filepath.Join(outDir, name)
	dbg.Printf("creating %q", path)
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(bw.Flush())
}
