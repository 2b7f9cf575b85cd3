package lift

import (
	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/disasm"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/mewmew/gcnlift/target"
	"github.com/pkg/errors"
)

// Disassemble returns the instructions of the given kernel or device function,
// located at their load addresses. The direct branch targets of the function
// are recorded once the complete function has been decoded. The result is
// cached per symbol and must not be modified.
func (l *Lifter) Disassemble(sym *hsa.Symbol) ([]*disasm.Inst, error) {
	if sym.CodeObject == nil {
		return nil, errors.Errorf("symbol %v has no code object", sym)
	}
	return l.disassemble(sym, l.gens.current(sym.CodeObject.Handle()))
}

// disassemble disassembles the given function. The function fails with
// ErrUnloaded, recording neither instructions nor branch targets, if the code
// object is no longer at generation gen.
func (l *Lifter) disassemble(sym *hsa.Symbol, gen uint64) ([]*disasm.Inst, error) {
	if !sym.IsFunction() {
		return nil, structuralf(sym.Addr, "unable to disassemble %v; not a kernel or device function", sym)
	}
	key := sym.Key()
	l.disasmMu.Lock()
	insts, ok := l.insts[key]
	l.disasmMu.Unlock()
	if ok {
		return insts, nil
	}
	lco := sym.CodeObject
	if lco == nil {
		return nil, errors.Errorf("symbol %v has no code object", sym)
	}
	dbg.Printf("disassembling %q (%d bytes at %v)", sym.Name, sym.Size, sym.Addr)
	code, err := lco.ReadMemory(sym.Addr, sym.Size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	isa := lco.ISA()
	insts, err = l.engine.Disassemble(isa, code)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	info, err := l.engine.Info(isa)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var targets []bin.Addr
	for _, inst := range insts {
		inst.Addr += sym.Addr
		desc, err := canonicalDesc(info.Target, inst)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if !desc.IsDirectBranch() {
			continue
		}
		dest, err := branchTarget(info.Target, inst)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		targets = append(targets, dest)
	}
	l.disasmMu.Lock()
	defer l.disasmMu.Unlock()
	if l.gens.current(lco.Handle()) != gen {
		warn.Printf("dropping disassembly of %q; code object invalidated", sym.Name)
		return nil, errors.WithStack(ErrUnloaded)
	}
	// Only record branch targets of completely decoded functions.
	l.branches.Add(lco.Handle(), targets...)
	if prev, ok := l.insts[key]; ok {
		return prev, nil
	}
	l.insts[key] = insts
	return insts, nil
}

// ### [ Helper functions ] ####################################################

// canonicalDesc returns the descriptor of the canonical opcode of the given
// decoded instruction.
func canonicalDesc(t *target.Info, inst *disasm.Inst) (*target.InstrDesc, error) {
	op, ok := t.Instrs.Canonical(inst.Opcode)
	if !ok {
		return nil, structuralf(inst.Addr, "unable to locate canonical opcode of real opcode 0x%X", inst.Opcode)
	}
	desc, ok := t.Instrs.Desc(op)
	if !ok {
		return nil, structuralf(inst.Addr, "unable to locate descriptor of opcode %d", op)
	}
	return desc, nil
}

// branchTarget returns the target address of the given direct branch; the
// sign-extended 16-bit offset is scaled by the instruction word size and added
// to the address following the branch.
func branchTarget(t *target.Info, inst *disasm.Inst) (bin.Addr, error) {
	for _, op := range inst.Operands {
		if !op.IsImm() {
			continue
		}
		offset := int64(int16(op.Imm)) * int64(t.InstWordSize)
		return bin.Addr(int64(inst.End()) + offset), nil
	}
	return 0, structuralf(inst.Addr, "direct branch without immediate target")
}
