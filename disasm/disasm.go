// Package disasm implements range disassembly of GPU machine code, using the
// decoders of the target registry.
package disasm

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/target"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "disasm:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("disasm:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of debug messages.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// SetWarningOutput sets the output destination of warning messages.
func SetWarningOutput(w io.Writer) {
	warn.SetOutput(w)
}

// Inst is a decoded instruction.
type Inst struct {
	// Address of instruction, relative to the start of the disassembled range.
	Addr bin.Addr
	// Size in bytes of the instruction.
	Size int
	// Decoded instruction.
	*target.MCInst
}

// End returns the address directly following the instruction.
func (inst *Inst) End() bin.Addr {
	return inst.Addr + bin.Addr(inst.Size)
}

// String returns the string representation of the instruction.
func (inst *Inst) String() string {
	return fmt.Sprintf("%v: %v", inst.Addr, inst.MCInst)
}

// DecodeError is returned when a byte range holds an instruction that cannot
// be decoded.
type DecodeError struct {
	// ISA of the disassembled range.
	ISA target.ISA
	// Offset of the offending instruction within the range.
	Offset bin.Addr
	// Underlying decoder error.
	Err error
}

// Error returns the error message.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("unable to decode %s instruction at offset %v; %v", e.ISA, e.Offset, e.Err)
}

// Unwrap returns the underlying decoder error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Info is the disassembly context of an ISA.
type Info struct {
	// Instruction set architecture.
	ISA target.ISA
	// Target description.
	Target *target.Info
	// Decoder of the ISA.
	Decoder target.Decoder
}

// Print returns the assembly representation of the given instruction.
func (info *Info) Print(inst *Inst) string {
	if info.Target.Print == nil {
		return inst.MCInst.String()
	}
	return info.Target.Print(inst.MCInst)
}

// Engine disassembles machine code, caching one disassembly context per ISA.
type Engine struct {
	targets *target.Registry
	mu      sync.Mutex
	// Disassembly contexts by ISA.
	infos map[target.ISA]*Info
}

// NewEngine returns a new disassembly engine using the decoders of the given
// target registry.
func NewEngine(targets *target.Registry) *Engine {
	return &Engine{
		targets: targets,
		infos:   make(map[target.ISA]*Info),
	}
}

// Info returns the disassembly context of the given ISA, creating it on first
// use.
func (e *Engine) Info(isa target.ISA) (*Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info, ok := e.infos[isa]; ok {
		return info, nil
	}
	targetInfo, err := e.targets.TargetInfo(isa)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if targetInfo.NewDecoder == nil {
		return nil, errors.Errorf("target %q has no decoder", targetInfo.Name)
	}
	dec, err := targetInfo.NewDecoder(isa)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	dbg.Printf("created disassembly context for %s", isa)
	info := &Info{
		ISA:     isa,
		Target:  targetInfo,
		Decoder: dec,
	}
	e.infos[isa] = info
	return info, nil
}

// Invalidate drops the cached disassembly context of the given ISA.
func (e *Engine) Invalidate(isa target.ISA) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.infos, isa)
}

// Disassemble decodes the given code of the specified ISA, starting at address
// 0 relative to the range. The returned instructions cover the entire range.
// A *DecodeError is returned if any instruction fails to decode.
func (e *Engine) Disassemble(isa target.ISA, code []byte) ([]*Inst, error) {
	info, err := e.Info(isa)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	maxLen := info.Target.MaxInstLength
	var insts []*Inst
	for offset := 0; offset < len(code); {
		end := offset + maxLen
		if end > len(code) {
			end = len(code)
		}
		src := code[offset:end]
		addr := bin.Addr(offset)
		mcinst, size, err := info.Decoder.Decode(src, uint64(addr))
		if err == nil && (size <= 0 || size > len(src)) {
			err = errors.Errorf("invalid instruction size %d; expected 1-%d bytes", size, len(src))
		}
		if err != nil {
			warn.Printf("unable to decode instruction at offset %v:\n%s", addr, hex.Dump(src))
			return nil, errors.WithStack(&DecodeError{ISA: isa, Offset: addr, Err: err})
		}
		insts = append(insts, &Inst{Addr: addr, Size: size, MCInst: mcinst})
		offset += size
	}
	return insts, nil
}
