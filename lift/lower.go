package lift

import (
	"sort"

	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/disasm"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/mewmew/gcnlift/mir"
	"github.com/mewmew/gcnlift/target"
	"github.com/pkg/errors"
)

// funcLifter lowers the instructions of a kernel or device function into its
// machine function.
type funcLifter struct {
	// Representation builder.
	b *builder
	// Symbol of the function being lowered.
	sym *hsa.Symbol
	// Machine function being lowered.
	f *mir.Function
	// Target description.
	t *target.Info
	// Current basic block being lowered.
	cur *mir.Block

	// Basic blocks by branch target address.
	blocks map[bin.Addr]*mir.Block
	// Direct branches pending resolution, by target address.
	pending map[bin.Addr][]*mir.Inst
	// Decoded instruction of each lowered instruction.
	provenance map[mir.InstRef]*disasm.Inst
}

// newFuncLifter returns a new function lifter of the given symbol and machine
// function.
func newFuncLifter(b *builder, sym *hsa.Symbol, f *mir.Function) *funcLifter {
	return &funcLifter{
		b:          b,
		sym:        sym,
		f:          f,
		t:          b.lr.machine.Info,
		blocks:     make(map[bin.Addr]*mir.Block),
		pending:    make(map[bin.Addr][]*mir.Inst),
		provenance: make(map[mir.InstRef]*disasm.Inst),
	}
}

// lower lowers the instructions of the function.
func (fl *funcLifter) lower() error {
	l := fl.b.l
	insts, err := l.disassemble(fl.sym, fl.b.gen)
	if err != nil {
		return errors.WithStack(err)
	}
	dbg.Printf("lowering %d instructions of %q", len(insts), fl.f.Name)
	lco := fl.b.lr.lco.Handle()
	fl.cur = fl.f.CreateBlock()
	for i, inst := range insts {
		desc, err := canonicalDesc(fl.t, inst)
		if err != nil {
			return errors.WithStack(err)
		}
		if l.branches.Contains(lco, inst.Addr) {
			if !fl.cur.Empty() {
				prev := fl.cur
				fl.cur = fl.f.CreateBlock()
				fl.f.AddSuccessor(prev, fl.cur)
			}
			fl.blocks[inst.Addr] = fl.cur
		}
		mi := fl.f.Append(fl.cur, desc)
		fl.provenance[fl.f.Ref(mi)] = inst
		if err := fl.lowerOperands(mi, inst); err != nil {
			return errors.WithStack(err)
		}
		if err := fl.fixupOperands(mi, inst); err != nil {
			return errors.WithStack(err)
		}
		fl.addPredicate(mi)
		if !desc.IsTerminator() {
			continue
		}
		if desc.IsDirectBranch() {
			dest, err := branchTarget(fl.t, inst)
			if err != nil {
				return errors.WithStack(err)
			}
			fl.pending[dest] = append(fl.pending[dest], mi)
		}
		if i == len(insts)-1 {
			break
		}
		prev := fl.cur
		fl.cur = fl.f.CreateBlock()
		if !desc.IsUnconditionalBranch() {
			fl.f.AddSuccessor(prev, fl.cur)
		}
	}
	if err := fl.resolveBranches(); err != nil {
		return errors.WithStack(err)
	}
	fl.finalize()
	return nil
}

// lowerOperands adds the decoded operands of inst to the machine instruction.
// Immediates of instructions holding a relocated value are lowered to symbolic
// operands; immediate targets of direct branches are deferred.
func (fl *funcLifter) lowerOperands(mi *mir.Inst, inst *disasm.Inst) error {
	desc := mi.Desc
	var (
		reloc   *RelocationInfo
		checked bool
	)
	for idx, op := range inst.Operands {
		switch op.Kind {
		case target.MCOperandReg:
			isDef := idx < desc.NumDefs
			if idx < len(desc.Operands) && desc.Operands[idx].OptionalDef {
				isDef = false
			}
			mi.AddOperand(mir.RegOp(fl.t.Regs.Canonical(op.Reg), isDef))
		case target.MCOperandImm:
			if !checked {
				var err error
				if reloc, err = fl.relocation(inst); err != nil {
					return errors.WithStack(err)
				}
				checked = true
			}
			if reloc != nil {
				symOp, err := fl.symbolOperand(inst, reloc)
				if err != nil {
					return errors.WithStack(err)
				}
				mi.AddOperand(symOp)
				continue
			}
			if desc.IsDirectBranch() {
				continue
			}
			mi.AddOperand(mir.ImmOp(truncateImm(desc, op.Imm)))
		default:
			return structuralf(inst.Addr, "support for operand kind %d of %s not yet implemented", op.Kind, desc.Name)
		}
	}
	return nil
}

// relocation returns the relocation applied within the encoding of inst, or
// nil if none applies.
func (fl *funcLifter) relocation(inst *disasm.Inst) (*RelocationInfo, error) {
	lco := fl.b.lr.lco
	for addr := inst.Addr; addr < inst.End(); addr++ {
		reloc, err := fl.b.l.relocs.resolve(lco, addr, fl.b.gen)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if reloc != nil {
			return reloc, nil
		}
	}
	return nil, nil
}

// symbolOperand returns the symbolic operand referencing the target of the
// given relocation.
func (fl *funcLifter) symbolOperand(inst *disasm.Inst, reloc *RelocationInfo) (mir.Operand, error) {
	lr := fl.b.lr
	sym := reloc.Symbol
	key := sym.Key()
	typ := uint32(reloc.Reloc.Type)
	switch sym.Kind {
	case hsa.KindKernel:
		if key == lr.kernel.Key() {
			ref := mir.SymRef{Kind: mir.SymFunc, Index: 0}
			return mir.GlobalOp(ref, reloc.Reloc.Addend, fl.operandFlags(typ, false)), nil
		}
		return fl.globalOperand(inst, reloc)
	case hsa.KindVariable, hsa.KindExtern:
		return fl.globalOperand(inst, reloc)
	case hsa.KindDeviceFunction:
		idx, ok := lr.funcIndex[key]
		if !ok {
			return mir.Operand{}, structuralf(inst.Addr, "unable to locate function of relocated symbol %v", sym)
		}
		ref := mir.SymRef{Kind: mir.SymFunc, Index: idx}
		return mir.GlobalOp(ref, reloc.Reloc.Addend, fl.operandFlags(typ, true)), nil
	}
	return mir.Operand{}, structuralf(inst.Addr, "unexpected kind of relocated symbol %v", sym)
}

// globalOperand returns the symbolic operand referencing the global
// placeholder of the relocated symbol.
func (fl *funcLifter) globalOperand(inst *disasm.Inst, reloc *RelocationInfo) (mir.Operand, error) {
	idx, ok := fl.b.lr.vars[reloc.Symbol.Key()]
	if !ok {
		return mir.Operand{}, structuralf(inst.Addr, "unable to locate global of relocated symbol %v", reloc.Symbol)
	}
	ref := mir.SymRef{Kind: mir.SymGlobal, Index: idx}
	return mir.GlobalOp(ref, reloc.Reloc.Addend, fl.operandFlags(uint32(reloc.Reloc.Type), false)), nil
}

// operandFlags returns the symbolic operand flags of the given relocation
// type.
func (fl *funcLifter) operandFlags(relocType uint32, function bool) uint32 {
	if fl.t.OperandFlags == nil {
		return relocType
	}
	return fl.t.OperandFlags(relocType, function)
}

// fixupOperands adds the explicit operands required by the descriptor but
// omitted by the decoder; zero immediates and tied registers. Decoded tied
// operands are tied together.
func (fl *funcLifter) fixupOperands(mi *mir.Inst, inst *disasm.Inst) error {
	desc := mi.Desc
	for idx := len(inst.Operands); idx < desc.NumOperands(); idx++ {
		info := desc.Operands[idx]
		switch {
		case info.TiedTo >= 0:
			if info.TiedTo >= len(mi.Operands) || mi.Operands[info.TiedTo].Kind != mir.OperandReg {
				return structuralf(inst.Addr, "operand %d of %s tied to non-register operand %d", idx, desc.Name, info.TiedTo)
			}
			mi.AddOperand(mir.RegOp(mi.Operands[info.TiedTo].Reg, false))
			if err := mi.TieOperands(info.TiedTo, mi.NumExplicitOperands()-1); err != nil {
				return errors.WithStack(err)
			}
		case info.Type == target.OperandImmediate || info.Type == target.OperandKImm32:
			mi.AddOperand(mir.ImmOp(0))
		}
	}
	for idx := 0; idx < len(inst.Operands) && idx < desc.NumOperands() && idx < len(mi.Operands); idx++ {
		tied := desc.Operands[idx].TiedTo
		if tied < 0 || mi.Operands[idx].Kind != mir.OperandReg {
			continue
		}
		if err := mi.TieOperands(tied, idx); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// addPredicate adds an implicit use of the lane predicate register to
// lane-predicated instructions lacking one.
func (fl *funcLifter) addPredicate(mi *mir.Inst) {
	reg := fl.t.PredicateReg
	if reg == target.NoReg || !readsPredicate(mi.Desc) {
		return
	}
	for _, op := range mi.Operands {
		if op.Kind == mir.OperandReg && op.Implicit && !op.IsDef && op.Reg == reg {
			return
		}
	}
	mi.AddOperand(mir.ImplicitRegOp(reg, false))
}

// resolveBranches adds the destination blocks of the pending direct branches.
func (fl *funcLifter) resolveBranches() error {
	var dests bin.Addrs
	for dest := range fl.pending {
		dests = append(dests, dest)
	}
	sort.Sort(dests)
	for _, dest := range dests {
		blk, ok := fl.blocks[dest]
		for _, mi := range fl.pending[dest] {
			if !ok {
				branch := fl.provenance[fl.f.Ref(mi)]
				return errors.WithStack(&UnresolvedBranchTargetError{Func: fl.f.Name, Branch: branch.Addr, Target: dest})
			}
			mi.AddOperand(mir.BlockOp(blk.Number))
			fl.f.AddSuccessor(fl.f.Blocks[mi.Block], blk)
		}
	}
	return nil
}

// finalize freezes the reserved registers, sets up the stack frame of kernels
// and marks the properties of the lowered function.
func (fl *funcLifter) finalize() {
	f := fl.f
	f.FreezeReservedRegs()
	if f.Info.IsEntry {
		if size := fl.sym.Kernel.Metadata.PrivateSegmentFixedSize; size != 0 {
			f.Frame.StackSize = uint64(size)
			f.Frame.CreateFixedObject(uint64(size), 0)
		}
	}
	f.Props.Set(mir.PropNoVRegs | mir.PropNoPHIs | mir.PropTracksLiveness | mir.PropSelected)
	f.Props.Clear(mir.PropIsSSA)
}

// ### [ Helper functions ] ####################################################

// truncateImm returns the immediate of the given instruction, truncated to 16
// bits and zero- or sign-extended for SOPK instructions.
func truncateImm(desc *target.InstrDesc, imm int64) int64 {
	switch {
	case !desc.Is(target.CatSOPK):
		return imm
	case desc.Is(target.CatSOPKZext):
		return int64(uint16(imm))
	default:
		return int64(int16(imm))
	}
}

// readsPredicate reports whether instructions of the given descriptor read the
// lane predicate register.
func readsPredicate(desc *target.InstrDesc) bool {
	switch {
	case desc.Is(target.CatVALU):
		return !desc.Is(target.CatPredicateExempt)
	case desc.Is(target.CatPreISel | target.CatGeneric | target.CatSALU | target.CatSMRD):
		return false
	}
	return true
}
