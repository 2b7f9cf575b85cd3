// Package hsa models the runtime collaborators of the lifter: loaded code
// objects, their symbols, kernel metadata and descriptors, relocations of the
// backing storage image, and the process-wide address to symbol lookup.
package hsa

import (
	"fmt"

	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/target"
)

// Handle is an opaque loaded code object handle.
type Handle uint64

// String returns the string representation of the handle.
func (h Handle) String() string {
	return fmt.Sprintf("lco(0x%X)", uint64(h))
}

// LoadedCodeObject is a code object loaded into an address space. Its
// lifetime is managed externally.
type LoadedCodeObject interface {
	// Handle returns the handle of the loaded code object.
	Handle() Handle
	// ISA returns the instruction set architecture of the code object.
	ISA() target.ISA
	// KernelSymbols returns the kernel symbols of the code object.
	KernelSymbols() []*Symbol
	// DeviceFunctionSymbols returns the device function symbols of the code
	// object.
	DeviceFunctionSymbols() []*Symbol
	// VariableSymbols returns the global variable symbols of the code object.
	VariableSymbols() []*Symbol
	// ExternSymbols returns the external symbols of the code object.
	ExternSymbols() []*Symbol
	// StorageImage returns the backing storage image of the code object.
	StorageImage() StorageImage
	// LoadedMemory returns the base address and size of the loaded memory.
	LoadedMemory() (base bin.Addr, size uint64)
	// ReadMemory returns the size bytes of loaded memory at the given address.
	ReadMemory(addr bin.Addr, size uint64) ([]byte, error)
}

// SymbolLookup maps load addresses to loaded symbols.
type SymbolLookup interface {
	// SymbolAt returns the loaded symbol located at the given load address.
	SymbolAt(addr bin.Addr) (*Symbol, bool)
}
