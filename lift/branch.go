package lift

import (
	"sort"
	"sync"

	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/pkg/errors"
)

// BranchTargets tracks the direct branch target addresses of loaded code
// objects. Sets only grow until invalidated.
type BranchTargets struct {
	mu   sync.RWMutex
	sets map[hsa.Handle]bin.AddrSet
}

// NewBranchTargets returns a new empty branch target tracker.
func NewBranchTargets() *BranchTargets {
	return &BranchTargets{
		sets: make(map[hsa.Handle]bin.AddrSet),
	}
}

// Add marks the given load addresses of the code object as direct branch
// targets.
func (bt *BranchTargets) Add(h hsa.Handle, addrs ...bin.Addr) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	set, ok := bt.sets[h]
	if !ok {
		set = make(bin.AddrSet)
		bt.sets[h] = set
	}
	set.Add(addrs...)
}

// Contains reports whether the given load address of the code object is a
// direct branch target.
func (bt *BranchTargets) Contains(h hsa.Handle, addr bin.Addr) bool {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.sets[h].Contains(addr)
}

// Addrs returns the direct branch targets of the code object in ascending
// order.
func (bt *BranchTargets) Addrs(h hsa.Handle) bin.Addrs {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.sets[h].Sorted()
}

// Invalidate drops the branch targets of the given code object.
func (bt *BranchTargets) Invalidate(h hsa.Handle) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	delete(bt.sets, h)
}

// AddBranchTargets marks the given load addresses of the code object as branch
// targets, as reported by an external scan. Each address must be the address
// of an instruction of a kernel or device function of the code object; no
// address is added otherwise.
func (l *Lifter) AddBranchTargets(lco hsa.LoadedCodeObject, addrs ...bin.Addr) error {
	for _, addr := range addrs {
		sym := containingFunction(lco, addr)
		if sym == nil {
			return structuralf(addr, "branch target outside of the functions of %v", lco.Handle())
		}
		insts, err := l.Disassemble(sym)
		if err != nil {
			return errors.WithStack(err)
		}
		i := sort.Search(len(insts), func(i int) bool {
			return insts[i].Addr >= addr
		})
		if i == len(insts) || insts[i].Addr != addr {
			return structuralf(addr, "branch target not at an instruction boundary of %q", sym.Name)
		}
	}
	l.branches.Add(lco.Handle(), addrs...)
	return nil
}

// containingFunction returns the kernel or device function of the code object
// containing the given load address, or nil if none.
func containingFunction(lco hsa.LoadedCodeObject, addr bin.Addr) *hsa.Symbol {
	for _, syms := range [][]*hsa.Symbol{lco.KernelSymbols(), lco.DeviceFunctionSymbols()} {
		for _, sym := range syms {
			if sym.Addr <= addr && addr < sym.Addr+bin.Addr(sym.Size) {
				return sym
			}
		}
	}
	return nil
}
