package hsa

import (
	"fmt"
	"strings"

	"github.com/mewmew/gcnlift/bin"
)

// SymbolKind specifies the kind of a loaded symbol.
type SymbolKind uint8

// Symbol kinds.
const (
	KindKernel SymbolKind = iota + 1
	KindDeviceFunction
	KindVariable
	KindExtern
)

// String returns the string representation of the symbol kind.
func (kind SymbolKind) String() string {
	switch kind {
	case KindKernel:
		return "kernel"
	case KindDeviceFunction:
		return "device function"
	case KindVariable:
		return "variable"
	case KindExtern:
		return "extern"
	}
	return fmt.Sprintf("SymbolKind(%d)", uint8(kind))
}

// Symbol is a loaded symbol of a code object.
type Symbol struct {
	// Symbol kind.
	Kind SymbolKind
	// Symbol name; kernel symbols carry the ".kd" suffix of their descriptor.
	Name string
	// Size in bytes of the symbol contents.
	Size uint64
	// Load address of the symbol contents; the machine code entry point of
	// kernels and device functions.
	Addr bin.Addr
	// Owning loaded code object.
	CodeObject LoadedCodeObject
	// Kernel payload; present iff Kind is KindKernel.
	Kernel *Kernel
}

// Kernel is the kernel specific payload of a loaded symbol.
type Kernel struct {
	// Kernel metadata.
	Metadata *KernelMetadata
	// Kernel descriptor.
	Descriptor *KernelDescriptor
	// Load address of the kernel descriptor.
	DescriptorAddr bin.Addr
}

// SymbolKey is the comparable identity of a loaded symbol.
type SymbolKey struct {
	LCO  Handle
	Kind SymbolKind
	Addr bin.Addr
}

// String returns the string representation of the symbol key.
func (key SymbolKey) String() string {
	return fmt.Sprintf("%v/%v@%v", key.LCO, key.Kind, key.Addr)
}

// Key returns the identity of the symbol.
func (sym *Symbol) Key() SymbolKey {
	key := SymbolKey{Kind: sym.Kind, Addr: sym.Addr}
	if sym.CodeObject != nil {
		key.LCO = sym.CodeObject.Handle()
	}
	return key
}

// IsFunction reports whether the symbol holds machine code.
func (sym *Symbol) IsFunction() bool {
	return sym.Kind == KindKernel || sym.Kind == KindDeviceFunction
}

// FunctionName returns the name of the function of a kernel symbol, that is
// the symbol name without the descriptor suffix.
func (sym *Symbol) FunctionName() string {
	return strings.TrimSuffix(sym.Name, ".kd")
}

// String returns the string representation of the symbol.
func (sym *Symbol) String() string {
	return fmt.Sprintf("%v %q at %v", sym.Kind, sym.Name, sym.Addr)
}

// Clone returns a deep copy of the symbol. The owning code object is shared.
func (sym *Symbol) Clone() *Symbol {
	dup := *sym
	if sym.Kernel != nil {
		kernel := *sym.Kernel
		if sym.Kernel.Metadata != nil {
			kernel.Metadata = sym.Kernel.Metadata.Clone()
		}
		if sym.Kernel.Descriptor != nil {
			desc := *sym.Kernel.Descriptor
			kernel.Descriptor = &desc
		}
		dup.Kernel = &kernel
	}
	return &dup
}
