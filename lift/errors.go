package lift

import (
	"fmt"

	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/disasm"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/pkg/errors"
)

// Stage identifies the step of a lift or clone operation.
type Stage uint8

// Lift stages.
const (
	// Context and module creation.
	StageInit Stage = iota + 1
	// Declaration of globals and functions.
	StageSkeleton
	// Disassembly of function contents.
	StageDisassembly
	// Relocation table construction.
	StageRelocation
	// Lowering of instructions into machine functions.
	StageLowering
	// Cloning of a lifted representation.
	StageClone
)

// String returns the string representation of the stage.
func (stage Stage) String() string {
	switch stage {
	case StageInit:
		return "init"
	case StageSkeleton:
		return "skeleton"
	case StageDisassembly:
		return "disassembly"
	case StageRelocation:
		return "relocation"
	case StageLowering:
		return "lowering"
	case StageClone:
		return "clone"
	}
	return fmt.Sprintf("Stage(%d)", uint8(stage))
}

// Error is returned when a lift or clone operation fails. It records the
// failing stage and symbol.
type Error struct {
	Stage Stage
	// Name of the symbol being processed.
	Symbol string
	Err    error
}

// Error returns the error message.
func (e *Error) Error() string {
	return fmt.Sprintf("%s of %q failed; %v", e.Stage, e.Symbol, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// newError returns a new error of the given stage and symbol, wrapping err. The
// stage is refined from the kind of the underlying error.
func newError(stage Stage, symbol string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	var decodeErr *disasm.DecodeError
	var symErr *SymbolResolutionError
	switch {
	case errors.As(err, &decodeErr):
		stage = StageDisassembly
	case errors.As(err, &symErr):
		stage = StageRelocation
	}
	return &Error{Stage: stage, Symbol: symbol, Err: err}
}

// ErrUnloaded is returned when the code object of a kernel is invalidated while
// the kernel is being lifted.
var ErrUnloaded = errors.New("code object unloaded during lift")

// SymbolResolutionError is returned when a relocation references an address
// with no known loaded symbol.
type SymbolResolutionError struct {
	// Loaded code object of the relocation.
	LCO hsa.Handle
	// Name of the symbol table entry referenced by the relocation.
	Name string
	// Load address of the referenced symbol.
	Addr bin.Addr
	// Load address of the relocated value.
	Target bin.Addr
}

// Error returns the error message.
func (e *SymbolResolutionError) Error() string {
	name := e.Name
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("unable to resolve symbol %s at %v referenced by relocation at %v of %v", name, e.Addr, e.Target, e.LCO)
}

// UnresolvedBranchTargetError is returned when the target of a direct branch
// does not start a basic block.
type UnresolvedBranchTargetError struct {
	// Function name.
	Func string
	// Address of the branch instruction.
	Branch bin.Addr
	// Computed target address.
	Target bin.Addr
}

// Error returns the error message.
func (e *UnresolvedBranchTargetError) Error() string {
	return fmt.Sprintf("unable to locate basic block at branch target %v of branch at %v in %q", e.Target, e.Branch, e.Func)
}

// StructuralAssumptionError is returned when an instruction, operand or symbol
// violates a structural assumption of the lifter.
type StructuralAssumptionError struct {
	// Address of the offending instruction; zero if not applicable.
	Addr bin.Addr
	Msg  string
}

// Error returns the error message.
func (e *StructuralAssumptionError) Error() string {
	if e.Addr == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s (at %v)", e.Msg, e.Addr)
}

// structuralf returns a new structural assumption error with a stack trace.
func structuralf(addr bin.Addr, format string, args ...interface{}) error {
	return errors.WithStack(&StructuralAssumptionError{Addr: addr, Msg: fmt.Sprintf(format, args...)})
}

// CloneConsistencyError is returned when a lifted representation refers to an
// entity missing from its module or function arena.
type CloneConsistencyError struct {
	// Kind of the missing entity.
	Kind string
	// Identity of the missing entity.
	Key string
}

// Error returns the error message.
func (e *CloneConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent lifted representation; unable to locate %s %s", e.Kind, e.Key)
}
