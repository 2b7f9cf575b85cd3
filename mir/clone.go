package mir

import (
	"github.com/llir/llvm/ir"
	"github.com/pkg/errors"
)

// Clone returns a deep copy of the function, attached to the given IR module
// and function declaration. Instruction IDs, block numbers and symbol
// references are preserved.
func (f *Function) Clone(m *ir.Module, fn *ir.Func) (*Function, error) {
	dup := &Function{
		Name:      f.Name,
		Index:     f.Index,
		Module:    m,
		Func:      fn,
		Target:    f.Target,
		Blocks:    make([]*Block, len(f.Blocks)),
		insts:     make([]*Inst, len(f.insts)),
		Alignment: f.Alignment,
		Frame: Frame{
			StackSize:    f.Frame.StackSize,
			FixedObjects: append([]FrameObject(nil), f.Frame.FixedObjects...),
		},
		Info: FuncInfo{
			IsEntry:        f.Info.IsEntry,
			UserSGPRs:      append([]UserSGPR(nil), f.Info.UserSGPRs...),
			UsesDynamicLDS: f.Info.UsesDynamicLDS,
		},
		Props:    f.Props,
		Reserved: append(f.Reserved[:0:0], f.Reserved...),
		frozen:   f.frozen,
	}
	for num, b := range f.Blocks {
		nb := &Block{
			Number: b.Number,
			Insts:  make([]*Inst, len(b.Insts)),
			Succs:  append([]int(nil), b.Succs...),
			Preds:  append([]int(nil), b.Preds...),
		}
		for i, inst := range b.Insts {
			if int(inst.ID) >= len(dup.insts) || dup.insts[inst.ID] != nil {
				return nil, errors.Errorf("invalid or duplicate instruction ID %d in bb.%d of %q", inst.ID, num, f.Name)
			}
			ninst := &Inst{
				ID:       inst.ID,
				Desc:     inst.Desc,
				Operands: append([]Operand(nil), inst.Operands...),
				Block:    inst.Block,
			}
			nb.Insts[i] = ninst
			dup.insts[inst.ID] = ninst
		}
		dup.Blocks[num] = nb
	}
	for id, inst := range dup.insts {
		if inst == nil {
			return nil, errors.Errorf("instruction %d of %q not placed in any block", id, f.Name)
		}
	}
	return dup, nil
}
