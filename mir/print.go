package mir

import (
	"fmt"
	"strings"
)

// String returns the string representation of the function.
func (f *Function) String() string {
	buf := &strings.Builder{}
	fmt.Fprintf(buf, "--- name: %s\n", f.Name)
	fmt.Fprintf(buf, "alignment: %d\n", f.Alignment)
	fmt.Fprintf(buf, "properties: %s\n", f.Props)
	if f.Info.IsEntry {
		fmt.Fprintf(buf, "stackSize: %d\n", f.Frame.StackSize)
		for i, obj := range f.Frame.FixedObjects {
			fmt.Fprintf(buf, "fixedStack.%d: { offset: %d, size: %d }\n", i, obj.Offset, obj.Size)
		}
		var sgprs []string
		for _, u := range f.Info.UserSGPRs {
			sgprs = append(sgprs, u.String())
		}
		fmt.Fprintf(buf, "userSGPRs: [%s]\n", strings.Join(sgprs, ", "))
		if f.Info.UsesDynamicLDS {
			buf.WriteString("usesDynamicLDS: true\n")
		}
	}
	buf.WriteString("body:\n")
	for _, b := range f.Blocks {
		fmt.Fprintf(buf, "bb.%d:\n", b.Number)
		if len(b.Succs) > 0 {
			var succs []string
			for _, succ := range b.Succs {
				succs = append(succs, fmt.Sprintf("bb.%d", succ))
			}
			fmt.Fprintf(buf, "  successors: %s\n", strings.Join(succs, ", "))
		}
		for _, inst := range b.Insts {
			fmt.Fprintf(buf, "  %s\n", f.FormatInst(inst))
		}
	}
	buf.WriteString("...\n")
	return buf.String()
}

// FormatInst returns the string representation of the given instruction.
func (f *Function) FormatInst(inst *Inst) string {
	var defs, uses []string
	for _, op := range inst.Operands {
		s := f.formatOperand(op)
		if op.Kind == OperandReg && op.Implicit {
			if op.IsDef {
				s = "implicit-def " + s
			} else {
				s = "implicit " + s
			}
		}
		if op.Kind == OperandReg && op.IsDef && !op.Implicit {
			defs = append(defs, s)
			continue
		}
		uses = append(uses, s)
	}
	buf := &strings.Builder{}
	if len(defs) > 0 {
		buf.WriteString(strings.Join(defs, ", "))
		buf.WriteString(" = ")
	}
	buf.WriteString(inst.Desc.Name)
	if len(uses) > 0 {
		buf.WriteString(" ")
		buf.WriteString(strings.Join(uses, ", "))
	}
	return buf.String()
}

// formatOperand returns the string representation of the given operand.
func (f *Function) formatOperand(op Operand) string {
	switch op.Kind {
	case OperandReg:
		if f.Target != nil && f.Target.Regs != nil {
			return "$" + f.Target.Regs.Name(op.Reg)
		}
		return fmt.Sprintf("$reg%d", uint32(op.Reg))
	case OperandImm:
		return fmt.Sprintf("%d", op.Imm)
	case OperandGlobal:
		name := op.Sym.String()
		if f.Module != nil {
			if v, err := op.Sym.Resolve(f.Module); err == nil {
				name = v.Ident()
			}
		}
		s := name
		if op.Offset != 0 {
			s = fmt.Sprintf("%s%+d", name, op.Offset)
		}
		if op.Flags != 0 {
			s = fmt.Sprintf("target-flags(%d) %s", op.Flags, s)
		}
		return s
	case OperandBlock:
		return fmt.Sprintf("%%bb.%d", op.Block)
	}
	return "<invalid>"
}

// String returns the string representation of the function properties.
func (props Properties) String() string {
	var names []string
	for _, p := range propNames {
		if props.Has(p.prop) {
			names = append(names, p.name)
		}
	}
	return "[" + strings.Join(names, ", ") + "]"
}
