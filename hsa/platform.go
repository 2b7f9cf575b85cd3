package hsa

import (
	"sync"

	"github.com/mewmew/gcnlift/bin"
	"github.com/pkg/errors"
)

// Platform tracks the loaded code objects of a process and maps load
// addresses to the symbols they hold.
type Platform struct {
	mu sync.RWMutex
	// Loaded code objects by handle.
	lcos map[Handle]LoadedCodeObject
	// Loaded symbols by address; kernels are indexed by both their code entry
	// point and their descriptor.
	syms map[bin.Addr]*Symbol
	// Unload notification hooks.
	onUnload []func(lco LoadedCodeObject)
}

// NewPlatform returns a new platform with no loaded code objects.
func NewPlatform() *Platform {
	return &Platform{
		lcos: make(map[Handle]LoadedCodeObject),
		syms: make(map[bin.Addr]*Symbol),
	}
}

// Register records the given loaded code object and indexes its symbols.
func (p *Platform) Register(lco LoadedCodeObject) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := lco.Handle()
	if _, ok := p.lcos[h]; ok {
		return errors.Errorf("code object %v already registered", h)
	}
	p.lcos[h] = lco
	for _, syms := range symbolSets(lco) {
		for _, sym := range syms {
			if sym.Addr != 0 {
				p.syms[sym.Addr] = sym
			}
			if sym.Kernel != nil && sym.Kernel.DescriptorAddr != 0 {
				p.syms[sym.Kernel.DescriptorAddr] = sym
			}
		}
	}
	return nil
}

// CodeObject returns the loaded code object of the given handle.
func (p *Platform) CodeObject(h Handle) (LoadedCodeObject, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	lco, ok := p.lcos[h]
	return lco, ok
}

// SymbolAt returns the loaded symbol located at the given load address.
func (p *Platform) SymbolAt(addr bin.Addr) (*Symbol, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sym, ok := p.syms[addr]
	return sym, ok
}

// OnUnload registers a hook invoked whenever a code object is unloaded.
func (p *Platform) OnUnload(hook func(lco LoadedCodeObject)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUnload = append(p.onUnload, hook)
}

// Unload removes the loaded code object of the given handle and notifies the
// unload hooks.
func (p *Platform) Unload(h Handle) error {
	p.mu.Lock()
	lco, ok := p.lcos[h]
	if !ok {
		p.mu.Unlock()
		return errors.Errorf("unable to locate code object %v", h)
	}
	delete(p.lcos, h)
	for addr, sym := range p.syms {
		if sym.CodeObject != nil && sym.CodeObject.Handle() == h {
			delete(p.syms, addr)
		}
	}
	hooks := append([]func(LoadedCodeObject){}, p.onUnload...)
	p.mu.Unlock()
	for _, hook := range hooks {
		hook(lco)
	}
	return nil
}

// ### [ Helper functions ] ####################################################

// symbolSets returns the symbols of the given code object, grouped by kind.
func symbolSets(lco LoadedCodeObject) [][]*Symbol {
	return [][]*Symbol{
		lco.KernelSymbols(),
		lco.DeviceFunctionSymbols(),
		lco.VariableSymbols(),
		lco.ExternSymbols(),
	}
}
