package lift

import (
	"sync"

	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/disasm"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/mewmew/gcnlift/target"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Lifter lifts kernels of loaded code objects. Each kernel is lifted at most
// once; kernels are lifted concurrently.
type Lifter struct {
	cfg     Config
	targets *target.Registry
	engine  *disasm.Engine
	relocs  *relocCache
	// Invalidation generations by code object.
	gens *generations
	// Direct branch targets.
	branches *BranchTargets

	disasmMu sync.Mutex
	// Disassembled functions by symbol.
	insts map[hsa.SymbolKey][]*disasm.Inst

	// In-flight lifts by symbol.
	group singleflight.Group
	mu    sync.Mutex
	// Lifted representations by kernel symbol.
	lrs map[hsa.SymbolKey]*LiftedRepresentation
}

// New returns a new lifter using the targets of the given registry and
// resolving relocated symbols through lookup.
func New(targets *target.Registry, lookup hsa.SymbolLookup, cfg Config) *Lifter {
	gens := newGenerations()
	return &Lifter{
		cfg:      cfg,
		targets:  targets,
		engine:   disasm.NewEngine(targets),
		relocs:   newRelocCache(lookup, gens),
		gens:     gens,
		branches: NewBranchTargets(),
		insts:    make(map[hsa.SymbolKey][]*disasm.Inst),
		lrs:      make(map[hsa.SymbolKey]*LiftedRepresentation),
	}
}

// Engine returns the disassembly engine of the lifter.
func (l *Lifter) Engine() *disasm.Engine {
	return l.engine
}

// BranchTargets returns the direct branch targets tracked by the lifter.
func (l *Lifter) BranchTargets() *BranchTargets {
	return l.branches
}

// ResolveRelocation returns the relocation applied at the given load address
// of the code object, or nil if none applies. The relocation table of a code
// object is built once, on first use.
func (l *Lifter) ResolveRelocation(lco hsa.LoadedCodeObject, addr bin.Addr) (*RelocationInfo, error) {
	reloc, err := l.relocs.resolve(lco, addr, l.gens.current(lco.Handle()))
	if err != nil {
		return nil, newError(StageRelocation, lco.Handle().String(), err)
	}
	return reloc, nil
}

// Lift returns the lifted representation of the given kernel, building it on
// first use. Concurrent lifts of the same kernel wait for a single build; the
// same representation is returned on every call. Nothing is cached on failure,
// and a lift fails with ErrUnloaded if the code object of the kernel is
// invalidated before the build completes.
func (l *Lifter) Lift(kernel *hsa.Symbol) (*LiftedRepresentation, error) {
	if kernel == nil || kernel.Kind != hsa.KindKernel || kernel.Kernel == nil {
		return nil, newError(StageInit, symbolName(kernel), structuralf(0, "unable to lift %v; not a kernel", kernel))
	}
	key := kernel.Key()
	if lr, ok := l.cached(key); ok {
		return lr, nil
	}
	v, err, _ := l.group.Do(key.String(), func() (interface{}, error) {
		if lr, ok := l.cached(key); ok {
			return lr, nil
		}
		dbg.Printf("lifting kernel %q", kernel.Name)
		gen := l.gens.current(key.LCO)
		lr, err := newBuilder(l, kernel, gen).build()
		if err != nil {
			if l.gens.current(key.LCO) != gen && !errors.Is(err, ErrUnloaded) {
				return nil, newError(StageLowering, kernel.Name, errors.Wrap(ErrUnloaded, err.Error()))
			}
			return nil, err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.gens.current(key.LCO) != gen {
			lr.Release()
			return nil, newError(StageLowering, kernel.Name, errors.WithStack(ErrUnloaded))
		}
		l.lrs[key] = lr
		return lr, nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return v.(*LiftedRepresentation), nil
}

// cached returns the cached lifted representation of the given kernel.
func (l *Lifter) cached(key hsa.SymbolKey) (*LiftedRepresentation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lr, ok := l.lrs[key]
	return lr, ok
}

// Invalidate drops the cached relocations, branch targets, disassembly and
// lifted representations of the given code object.
func (l *Lifter) Invalidate(h hsa.Handle) {
	dbg.Printf("invalidating %v", h)
	// Lifts in flight observe the new generation and drop their results.
	l.gens.bump(h)
	l.relocs.invalidate(h)
	l.disasmMu.Lock()
	l.branches.Invalidate(h)
	for key := range l.insts {
		if key.LCO == h {
			delete(l.insts, key)
		}
	}
	l.disasmMu.Unlock()
	l.mu.Lock()
	for key, lr := range l.lrs {
		if key.LCO == h {
			lr.Release()
			delete(l.lrs, key)
		}
	}
	l.mu.Unlock()
}

// InvalidateOnUnload invalidates the caches of code objects as they are
// unloaded from the given platform.
func (l *Lifter) InvalidateOnUnload(p *hsa.Platform) {
	p.OnUnload(func(lco hsa.LoadedCodeObject) {
		l.Invalidate(lco.Handle())
	})
}

// ### [ Helper functions ] ####################################################

// symbolName returns the name of the given symbol, or "<nil>".
func symbolName(sym *hsa.Symbol) string {
	if sym == nil {
		return "<nil>"
	}
	return sym.Name
}
