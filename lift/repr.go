package lift

import (
	"sync/atomic"

	"github.com/llir/llvm/ir"
	"github.com/mewmew/gcnlift/disasm"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/mewmew/gcnlift/mir"
	"github.com/mewmew/gcnlift/target"
)

// LiftedRepresentation is the lifted representation of a kernel: an IR module
// declaring the kernel, its device functions and the globals of its code
// object, and one machine function per declared function.
//
// Functions are kept in an arena; the machine function at index i belongs to
// the i:th function of the module and the kernel is at index 0. Globals are
// referred to by their index into the module globals.
type LiftedRepresentation struct {
	// Shared execution context.
	ctx *Context
	// IR module.
	module *ir.Module
	// Target machine of the code object ISA.
	machine *target.Machine
	// Originating loaded code object.
	lco hsa.LoadedCodeObject
	// Kernel symbol; owned copy.
	kernel *hsa.Symbol

	// Machine functions by arena index.
	funcs []*mir.Function
	// Symbols of functions by arena index; owned copies.
	funcSyms []*hsa.Symbol
	// Arena index of functions by symbol.
	funcIndex map[hsa.SymbolKey]int
	// Symbols of globals by global index; owned copies.
	varSyms []*hsa.Symbol
	// Global index of variables by symbol.
	vars map[hsa.SymbolKey]int
	// Decoded instruction of each machine instruction.
	provenance map[mir.InstRef]*disasm.Inst

	released atomic.Bool
}

// Context returns the execution context of the lifted representation.
func (lr *LiftedRepresentation) Context() *Context {
	return lr.ctx
}

// Module returns the IR module of the lifted representation.
func (lr *LiftedRepresentation) Module() *ir.Module {
	return lr.module
}

// TargetMachine returns the target machine of the lifted representation.
func (lr *LiftedRepresentation) TargetMachine() *target.Machine {
	return lr.machine
}

// CodeObject returns the handle of the originating loaded code object.
func (lr *LiftedRepresentation) CodeObject() hsa.Handle {
	return lr.lco.Handle()
}

// Kernel returns the kernel symbol of the lifted representation.
func (lr *LiftedRepresentation) Kernel() *hsa.Symbol {
	return lr.kernel
}

// KernelFunction returns the machine function of the kernel.
func (lr *LiftedRepresentation) KernelFunction() *mir.Function {
	return lr.funcs[0]
}

// Functions returns the machine functions of the lifted representation, the
// kernel first.
func (lr *LiftedRepresentation) Functions() []*mir.Function {
	return lr.funcs
}

// Function returns the machine function of the given kernel or device function
// symbol.
func (lr *LiftedRepresentation) Function(sym *hsa.Symbol) (*mir.Function, bool) {
	idx, ok := lr.funcIndex[sym.Key()]
	if !ok {
		return nil, false
	}
	return lr.funcs[idx], true
}

// FunctionSymbol returns the symbol of the given machine function.
func (lr *LiftedRepresentation) FunctionSymbol(f *mir.Function) (*hsa.Symbol, bool) {
	if f.Index < 0 || f.Index >= len(lr.funcSyms) || lr.funcs[f.Index] != f {
		return nil, false
	}
	return lr.funcSyms[f.Index], true
}

// DeviceFunctions returns the device function symbols of the lifted
// representation.
func (lr *LiftedRepresentation) DeviceFunctions() []*hsa.Symbol {
	return lr.funcSyms[1:]
}

// Variable returns the global declaration of the given variable, extern or
// kernel symbol.
func (lr *LiftedRepresentation) Variable(sym *hsa.Symbol) (*ir.Global, bool) {
	idx, ok := lr.vars[sym.Key()]
	if !ok || idx >= len(lr.module.Globals) {
		return nil, false
	}
	return lr.module.Globals[idx], true
}

// Variables returns the symbols declared as globals of the lifted
// representation.
func (lr *LiftedRepresentation) Variables() []*hsa.Symbol {
	return lr.varSyms
}

// Provenance returns the decoded instruction the given machine instruction was
// lowered from.
func (lr *LiftedRepresentation) Provenance(ref mir.InstRef) (*disasm.Inst, bool) {
	inst, ok := lr.provenance[ref]
	return inst, ok
}

// Release drops the reference of the lifted representation to its execution
// context. Subsequent calls have no effect.
func (lr *LiftedRepresentation) Release() {
	if lr.released.CompareAndSwap(false, true) {
		lr.ctx.Release()
	}
}
