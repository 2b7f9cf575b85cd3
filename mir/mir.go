// Package mir provides a register-allocated machine representation of lifted
// functions: basic blocks of target instructions with explicit register,
// immediate, symbol and block operands.
//
// Cross references are handles rather than pointers. Blocks are referred to by
// number, instructions by their ID within the owning function and symbols by
// their index into the globals or functions of the enclosing IR module, so a
// cloned function remains valid against a cloned module.
package mir

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/mewmew/gcnlift/target"
	"github.com/pkg/errors"
)

// InstID identifies an instruction within its function.
type InstID int

// InstRef identifies an instruction within a lifted representation; the
// function index and the instruction ID.
type InstRef struct {
	Func int
	Inst InstID
}

// String returns the string representation of the instruction reference.
func (ref InstRef) String() string {
	return fmt.Sprintf("fn%d.i%d", ref.Func, ref.Inst)
}

// Function is a register-allocated machine function.
type Function struct {
	// Function name.
	Name string
	// Index of the function within its lifted representation.
	Index int
	// IR module holding the function declaration.
	Module *ir.Module
	// IR function declaration.
	Func *ir.Func
	// Target description.
	Target *target.Info
	// Basic blocks in layout order; the block number is the index.
	Blocks []*Block
	// Instructions by ID.
	insts []*Inst
	// Function alignment in bytes.
	Alignment uint64
	// Stack frame.
	Frame Frame
	// Function information.
	Info FuncInfo
	// Function properties.
	Props Properties
	// Reserved registers; valid once frozen.
	Reserved []target.Reg
	// Whether the reserved registers are frozen.
	frozen bool
}

// NewFunction returns a new empty machine function of the given IR function
// declaration.
func NewFunction(index int, m *ir.Module, f *ir.Func, t *target.Info) *Function {
	return &Function{
		Name:   f.Name(),
		Index:  index,
		Module: m,
		Func:   f,
		Target: t,
	}
}

// CreateBlock appends a new empty basic block to the function.
func (f *Function) CreateBlock() *Block {
	b := &Block{Number: len(f.Blocks)}
	f.Blocks = append(f.Blocks, b)
	return b
}

// Block returns the basic block of the given number.
func (f *Function) Block(num int) (*Block, bool) {
	if num < 0 || num >= len(f.Blocks) {
		return nil, false
	}
	return f.Blocks[num], true
}

// Append appends a new instruction of the given descriptor to the basic block
// and returns it.
func (f *Function) Append(b *Block, desc *target.InstrDesc) *Inst {
	inst := &Inst{
		ID:    InstID(len(f.insts)),
		Desc:  desc,
		Block: b.Number,
	}
	f.insts = append(f.insts, inst)
	b.Insts = append(b.Insts, inst)
	return inst
}

// Inst returns the instruction of the given ID.
func (f *Function) Inst(id InstID) (*Inst, bool) {
	if id < 0 || int(id) >= len(f.insts) {
		return nil, false
	}
	return f.insts[id], true
}

// NumInsts returns the number of instructions of the function.
func (f *Function) NumInsts() int {
	return len(f.insts)
}

// Ref returns the reference of the given instruction of the function.
func (f *Function) Ref(inst *Inst) InstRef {
	return InstRef{Func: f.Index, Inst: inst.ID}
}

// AddSuccessor adds a control flow edge from the basic block from to the basic
// block to. Duplicate edges are ignored.
func (f *Function) AddSuccessor(from, to *Block) {
	for _, succ := range from.Succs {
		if succ == to.Number {
			return
		}
	}
	from.Succs = append(from.Succs, to.Number)
	to.Preds = append(to.Preds, from.Number)
}

// FreezeReservedRegs records the reserved registers of the target.
func (f *Function) FreezeReservedRegs() {
	if f.Target != nil && f.Target.Regs != nil {
		f.Reserved = f.Target.Regs.Reserved()
	}
	f.frozen = true
}

// ReservedRegsFrozen reports whether the reserved registers are frozen.
func (f *Function) ReservedRegsFrozen() bool {
	return f.frozen
}

// Verify checks the structural consistency of the function handles.
func (f *Function) Verify() error {
	for num, b := range f.Blocks {
		if b.Number != num {
			return errors.Errorf("block %d of %q numbered %d", num, f.Name, b.Number)
		}
		for _, succ := range b.Succs {
			if _, ok := f.Block(succ); !ok {
				return errors.Errorf("invalid successor bb.%d of bb.%d in %q", succ, num, f.Name)
			}
		}
		for _, inst := range b.Insts {
			if got, ok := f.Inst(inst.ID); !ok || got != inst {
				return errors.Errorf("instruction %d of bb.%d in %q missing from instruction table", inst.ID, num, f.Name)
			}
			if inst.Block != num {
				return errors.Errorf("instruction %d of bb.%d in %q refers to bb.%d", inst.ID, num, f.Name, inst.Block)
			}
			for _, op := range inst.Operands {
				if err := f.verifyOperand(op); err != nil {
					return errors.Wrapf(err, "invalid operand of instruction %d in %q", inst.ID, f.Name)
				}
			}
		}
	}
	return nil
}

// verifyOperand checks the handles of the given operand.
func (f *Function) verifyOperand(op Operand) error {
	switch op.Kind {
	case OperandBlock:
		if _, ok := f.Block(op.Block); !ok {
			return errors.Errorf("invalid block operand bb.%d", op.Block)
		}
	case OperandGlobal:
		if f.Module == nil {
			return nil
		}
		if _, err := op.Sym.Resolve(f.Module); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Block is a basic block of machine instructions.
type Block struct {
	// Block number within its function.
	Number int
	// Instructions of the block.
	Insts []*Inst
	// Successor and predecessor block numbers.
	Succs []int
	Preds []int
}

// Empty reports whether the block holds no instructions.
func (b *Block) Empty() bool {
	return len(b.Insts) == 0
}

// Inst is a machine instruction.
type Inst struct {
	// Instruction ID within its function.
	ID InstID
	// Structural descriptor of the canonical opcode.
	Desc *target.InstrDesc
	// Explicit operands followed by implicit operands.
	Operands []Operand
	// Number of the owning block.
	Block int
}

// AddOperand adds the given operand to the instruction. Explicit operands are
// inserted before any implicit operand.
func (inst *Inst) AddOperand(op Operand) {
	if op.Kind == OperandReg && op.Implicit {
		inst.Operands = append(inst.Operands, op)
		return
	}
	pos := inst.NumExplicitOperands()
	inst.Operands = append(inst.Operands, Operand{})
	copy(inst.Operands[pos+1:], inst.Operands[pos:])
	inst.Operands[pos] = op
}

// TieOperands ties the register operands at the given explicit operand
// indices.
func (inst *Inst) TieOperands(def, use int) error {
	n := len(inst.Operands)
	if def < 0 || def >= n || use < 0 || use >= n {
		return errors.Errorf("invalid tied operand pair (%d, %d) of %s; instruction has %d operands", def, use, inst.Desc.Name, n)
	}
	if inst.Operands[def].Kind != OperandReg || inst.Operands[use].Kind != OperandReg {
		return errors.Errorf("tied operands (%d, %d) of %s are not registers", def, use, inst.Desc.Name)
	}
	inst.Operands[def].TiedTo = use
	inst.Operands[use].TiedTo = def
	return nil
}

// NumExplicitOperands returns the number of explicit operands.
func (inst *Inst) NumExplicitOperands() int {
	n := 0
	for _, op := range inst.Operands {
		if !(op.Kind == OperandReg && op.Implicit) {
			n++
		}
	}
	return n
}

// ReadsReg reports whether the instruction uses the given register.
func (inst *Inst) ReadsReg(reg target.Reg) bool {
	for _, op := range inst.Operands {
		if op.Kind == OperandReg && op.Reg == reg && !op.IsDef {
			return true
		}
	}
	return false
}

// ~~~ [ Frame and function information ] ~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~

// Frame is the stack frame of a function.
type Frame struct {
	// Stack size in bytes.
	StackSize uint64
	// Fixed stack objects.
	FixedObjects []FrameObject
}

// FrameObject is a fixed stack object.
type FrameObject struct {
	// Offset from the incoming stack pointer.
	Offset int64
	// Size in bytes.
	Size uint64
}

// CreateFixedObject adds a fixed stack object of the given size and offset and
// returns its index.
func (frame *Frame) CreateFixedObject(size uint64, offset int64) int {
	frame.FixedObjects = append(frame.FixedObjects, FrameObject{Offset: offset, Size: size})
	return len(frame.FixedObjects) - 1
}

// UserSGPR is a preloaded user SGPR of a kernel.
type UserSGPR uint8

// User SGPRs.
const (
	UserSGPRPrivateSegmentBuffer UserSGPR = iota + 1
	UserSGPRDispatchPtr
	UserSGPRQueuePtr
	UserSGPRKernargSegmentPtr
	UserSGPRFlatScratchInit
	UserSGPRPrivateSegmentWaveByteOffset
)

// String returns the string representation of the user SGPR.
func (u UserSGPR) String() string {
	switch u {
	case UserSGPRPrivateSegmentBuffer:
		return "privateSegmentBuffer"
	case UserSGPRDispatchPtr:
		return "dispatchPtr"
	case UserSGPRQueuePtr:
		return "queuePtr"
	case UserSGPRKernargSegmentPtr:
		return "kernargSegmentPtr"
	case UserSGPRFlatScratchInit:
		return "flatScratchInit"
	case UserSGPRPrivateSegmentWaveByteOffset:
		return "privateSegmentWaveByteOffset"
	}
	return fmt.Sprintf("UserSGPR(%d)", uint8(u))
}

// FuncInfo holds target specific function information.
type FuncInfo struct {
	// Whether the function is a kernel entry point.
	IsEntry bool
	// Preloaded user SGPRs of kernels.
	UserSGPRs []UserSGPR
	// Whether the kernel uses dynamically sized LDS.
	UsesDynamicLDS bool
}

// AddUserSGPR records the given user SGPR; duplicates are ignored.
func (info *FuncInfo) AddUserSGPR(u UserSGPR) {
	if info.HasUserSGPR(u) {
		return
	}
	info.UserSGPRs = append(info.UserSGPRs, u)
}

// HasUserSGPR reports whether the given user SGPR is preloaded.
func (info *FuncInfo) HasUserSGPR(u UserSGPR) bool {
	for _, v := range info.UserSGPRs {
		if v == u {
			return true
		}
	}
	return false
}

// Properties are structural properties of a machine function.
type Properties uint8

// Function properties.
const (
	// No virtual registers remain.
	PropNoVRegs Properties = 1 << iota
	// Static single assignment form.
	PropIsSSA
	// No phi instructions.
	PropNoPHIs
	// Register liveness is tracked.
	PropTracksLiveness
	// Instruction selection has completed.
	PropSelected
)

// propNames maps function properties to their names.
var propNames = []struct {
	prop Properties
	name string
}{
	{PropNoVRegs, "NoVRegs"},
	{PropIsSSA, "IsSSA"},
	{PropNoPHIs, "NoPHIs"},
	{PropTracksLiveness, "TracksLiveness"},
	{PropSelected, "Selected"},
}

// Has reports whether all the given properties are set.
func (props Properties) Has(p Properties) bool {
	return props&p == p
}

// Set sets the given properties.
func (props *Properties) Set(p Properties) {
	*props |= p
}

// Clear clears the given properties.
func (props *Properties) Clear(p Properties) {
	*props &^= p
}
