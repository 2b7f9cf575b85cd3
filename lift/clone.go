package lift

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/metadata"
	"github.com/mewmew/gcnlift/disasm"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/mewmew/gcnlift/mir"
	"github.com/pkg/errors"
)

// Clone returns an independent copy of the given lifted representation. The
// copy shares the execution context of src, which is locked for the duration
// of the clone.
func (l *Lifter) Clone(src *LiftedRepresentation) (*LiftedRepresentation, error) {
	src.ctx.Lock()
	defer src.ctx.Unlock()
	dst, err := l.clone(src)
	if err != nil {
		return nil, newError(StageClone, src.kernel.Name, err)
	}
	src.ctx.Retain()
	return dst, nil
}

// clone returns a copy of src.
//
// pre-condition: src.ctx is locked.
func (l *Lifter) clone(src *LiftedRepresentation) (*LiftedRepresentation, error) {
	machine, err := l.targets.CreateTargetMachine(src.machine.ISA)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	machine.Options = src.machine.Options
	m := cloneModule(src.module)
	dst := &LiftedRepresentation{
		ctx:        src.ctx,
		module:     m,
		machine:    machine,
		lco:        src.lco,
		kernel:     src.kernel.Clone(),
		funcs:      make([]*mir.Function, len(src.funcs)),
		funcSyms:   make([]*hsa.Symbol, len(src.funcSyms)),
		funcIndex:  make(map[hsa.SymbolKey]int, len(src.funcIndex)),
		varSyms:    make([]*hsa.Symbol, len(src.varSyms)),
		vars:       make(map[hsa.SymbolKey]int, len(src.vars)),
		provenance: make(map[mir.InstRef]*disasm.Inst, len(src.provenance)),
	}
	if len(src.funcSyms) != len(src.funcs) {
		return nil, inconsistent("function symbols", fmt.Sprintf("(%d symbols for %d functions)", len(src.funcSyms), len(src.funcs)))
	}
	for i, f := range src.funcs {
		if f.Index != i || i >= len(m.Funcs) || m.Funcs[i].Name() != f.Func.Name() {
			return nil, inconsistent("function", fmt.Sprintf("#%d %q", i, f.Name))
		}
		dup, err := f.Clone(m, m.Funcs[i])
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if err := dup.Verify(); err != nil {
			return nil, errors.Wrap(inconsistent("operand target", fmt.Sprintf("of function %q", f.Name)), err.Error())
		}
		dst.funcs[i] = dup
		dst.funcSyms[i] = src.funcSyms[i].Clone()
	}
	for key, idx := range src.funcIndex {
		if idx < 0 || idx >= len(dst.funcs) {
			return nil, inconsistent("function of symbol", key.String())
		}
		dst.funcIndex[key] = idx
	}
	for i, sym := range src.varSyms {
		dst.varSyms[i] = sym.Clone()
	}
	for key, idx := range src.vars {
		if idx < 0 || idx >= len(m.Globals) || m.Globals[idx].Name() != src.module.Globals[idx].Name() {
			return nil, inconsistent("global of symbol", key.String())
		}
		dst.vars[key] = idx
	}
	for ref, inst := range src.provenance {
		if ref.Func < 0 || ref.Func >= len(dst.funcs) {
			return nil, inconsistent("function of instruction", ref.String())
		}
		if _, ok := dst.funcs[ref.Func].Inst(ref.Inst); !ok {
			return nil, inconsistent("instruction", ref.String())
		}
		dst.provenance[ref] = inst
	}
	return dst, nil
}

// cloneModule returns a copy of the given module, preserving the order of its
// globals and functions. Function bodies are reduced to their placeholder
// block.
func cloneModule(src *ir.Module) *ir.Module {
	m := ir.NewModule()
	m.SourceFilename = src.SourceFilename
	m.DataLayout = src.DataLayout
	m.TargetTriple = src.TargetTriple
	for _, g := range src.Globals {
		var dup *ir.Global
		if g.Init != nil {
			dup = m.NewGlobalDef(g.Name(), g.Init)
		} else {
			dup = m.NewGlobal(g.Name(), g.ContentType)
		}
		dup.Linkage = g.Linkage
		dup.Visibility = g.Visibility
		dup.Immutable = g.Immutable
	}
	for _, f := range src.Funcs {
		params := make([]*ir.Param, len(f.Params))
		for i, p := range f.Params {
			params[i] = ir.NewParam(p.Name(), p.Typ)
		}
		dup := m.NewFunc(f.Name(), f.Sig.RetType, params...)
		dup.Linkage = f.Linkage
		dup.Visibility = f.Visibility
		dup.CallingConv = f.CallingConv
		dup.FuncAttrs = append([]ir.FuncAttribute(nil), f.FuncAttrs...)
		if len(f.Blocks) > 0 {
			dup.NewBlock("").NewUnreachable()
		}
	}
	if len(src.NamedMetadataDefs) > 0 {
		m.NamedMetadataDefs = make(map[string]*metadata.NamedDef, len(src.NamedMetadataDefs))
		for name, def := range src.NamedMetadataDefs {
			m.NamedMetadataDefs[name] = &metadata.NamedDef{
				Name:  def.Name,
				Nodes: append([]metadata.Node(nil), def.Nodes...),
			}
		}
	}
	return m
}

// inconsistent returns a new clone consistency error with a stack trace.
func inconsistent(kind, key string) error {
	return errors.WithStack(&CloneConsistencyError{Kind: kind, Key: key})
}
