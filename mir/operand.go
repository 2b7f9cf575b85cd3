package mir

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/gcnlift/target"
	"github.com/pkg/errors"
)

// OperandKind specifies the kind of a machine operand.
type OperandKind uint8

// Operand kinds.
const (
	OperandReg OperandKind = iota + 1
	OperandImm
	// Symbolic reference to a global variable or function.
	OperandGlobal
	// Basic block.
	OperandBlock
)

// Operand is a machine instruction operand.
type Operand struct {
	Kind OperandKind
	// Register; valid for register operands.
	Reg target.Reg
	// Register definition.
	IsDef bool
	// Implicit register operand.
	Implicit bool
	// Index of the operand tied to this register operand, or -1.
	TiedTo int
	// Immediate; valid for immediate operands.
	Imm int64
	// Referenced symbol; valid for global operands.
	Sym SymRef
	// Offset relative to the referenced symbol.
	Offset int64
	// Target specific operand flags of global operands.
	Flags uint32
	// Block number; valid for block operands.
	Block int
}

// RegOp returns a register operand.
func RegOp(reg target.Reg, isDef bool) Operand {
	return Operand{Kind: OperandReg, Reg: reg, IsDef: isDef, TiedTo: -1}
}

// ImplicitRegOp returns an implicit register operand.
func ImplicitRegOp(reg target.Reg, isDef bool) Operand {
	op := RegOp(reg, isDef)
	op.Implicit = true
	return op
}

// ImmOp returns an immediate operand.
func ImmOp(imm int64) Operand {
	return Operand{Kind: OperandImm, Imm: imm, TiedTo: -1}
}

// GlobalOp returns a symbolic operand referencing the given symbol.
func GlobalOp(sym SymRef, offset int64, flags uint32) Operand {
	return Operand{Kind: OperandGlobal, Sym: sym, Offset: offset, Flags: flags, TiedTo: -1}
}

// BlockOp returns a basic block operand.
func BlockOp(num int) Operand {
	return Operand{Kind: OperandBlock, Block: num, TiedTo: -1}
}

// SymKind specifies the kind of a symbol reference.
type SymKind uint8

// Symbol reference kinds.
const (
	// Global variable of the IR module.
	SymGlobal SymKind = iota + 1
	// Function of the IR module.
	SymFunc
)

// SymRef refers to a global variable or function of an IR module by index.
type SymRef struct {
	Kind  SymKind
	Index int
}

// String returns the string representation of the symbol reference.
func (ref SymRef) String() string {
	switch ref.Kind {
	case SymGlobal:
		return fmt.Sprintf("global#%d", ref.Index)
	case SymFunc:
		return fmt.Sprintf("func#%d", ref.Index)
	}
	return fmt.Sprintf("sym#%d", ref.Index)
}

// Resolve returns the global variable or function of the module referred to
// by the symbol reference.
func (ref SymRef) Resolve(m *ir.Module) (value.Named, error) {
	switch ref.Kind {
	case SymGlobal:
		if ref.Index < 0 || ref.Index >= len(m.Globals) {
			return nil, errors.Errorf("invalid global index %d; module holds %d globals", ref.Index, len(m.Globals))
		}
		return m.Globals[ref.Index], nil
	case SymFunc:
		if ref.Index < 0 || ref.Index >= len(m.Funcs) {
			return nil, errors.Errorf("invalid function index %d; module holds %d functions", ref.Index, len(m.Funcs))
		}
		return m.Funcs[ref.Index], nil
	}
	return nil, errors.Errorf("invalid symbol reference kind %d", ref.Kind)
}

// GlobalRef returns the reference of the given global variable of the module.
func GlobalRef(m *ir.Module, g *ir.Global) (SymRef, bool) {
	for i, v := range m.Globals {
		if v == g {
			return SymRef{Kind: SymGlobal, Index: i}, true
		}
	}
	return SymRef{}, false
}

// FuncRef returns the reference of the given function of the module.
func FuncRef(m *ir.Module, f *ir.Func) (SymRef, bool) {
	for i, v := range m.Funcs {
		if v == f {
			return SymRef{Kind: SymFunc, Index: i}, true
		}
	}
	return SymRef{}, false
}
