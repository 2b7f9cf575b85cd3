package hsa

import (
	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/target"
	"github.com/pkg/errors"
)

// StaticCodeObject is a loaded code object whose contents are held in memory.
type StaticCodeObject struct {
	handle Handle
	isa    target.ISA
	base   bin.Addr
	mem    []byte
	image  StorageImage
	// Symbols by kind.
	kernels     []*Symbol
	deviceFuncs []*Symbol
	variables   []*Symbol
	externs     []*Symbol
}

// NewStaticCodeObject returns a new code object of the given ISA, with the
// contents mem loaded at base and the given backing storage image.
func NewStaticCodeObject(handle Handle, isa target.ISA, base bin.Addr, mem []byte, image StorageImage) *StaticCodeObject {
	if image == nil {
		image = StaticImage(nil)
	}
	return &StaticCodeObject{
		handle: handle,
		isa:    isa,
		base:   base,
		mem:    mem,
		image:  image,
	}
}

// AddSymbol adds the given symbol to the code object.
func (lco *StaticCodeObject) AddSymbol(sym *Symbol) error {
	if sym.Kind != KindKernel && sym.Kernel != nil {
		return errors.Errorf("unexpected kernel payload of %v symbol %q", sym.Kind, sym.Name)
	}
	sym.CodeObject = lco
	switch sym.Kind {
	case KindKernel:
		if sym.Kernel == nil {
			return errors.Errorf("missing kernel payload of kernel symbol %q", sym.Name)
		}
		lco.kernels = append(lco.kernels, sym)
	case KindDeviceFunction:
		lco.deviceFuncs = append(lco.deviceFuncs, sym)
	case KindVariable:
		lco.variables = append(lco.variables, sym)
	case KindExtern:
		lco.externs = append(lco.externs, sym)
	default:
		return errors.Errorf("invalid kind %v of symbol %q", sym.Kind, sym.Name)
	}
	return nil
}

// Handle returns the handle of the code object.
func (lco *StaticCodeObject) Handle() Handle { return lco.handle }

// ISA returns the instruction set architecture of the code object.
func (lco *StaticCodeObject) ISA() target.ISA { return lco.isa }

// KernelSymbols returns the kernel symbols of the code object.
func (lco *StaticCodeObject) KernelSymbols() []*Symbol { return lco.kernels }

// DeviceFunctionSymbols returns the device function symbols of the code
// object.
func (lco *StaticCodeObject) DeviceFunctionSymbols() []*Symbol { return lco.deviceFuncs }

// VariableSymbols returns the global variable symbols of the code object.
func (lco *StaticCodeObject) VariableSymbols() []*Symbol { return lco.variables }

// ExternSymbols returns the external symbols of the code object.
func (lco *StaticCodeObject) ExternSymbols() []*Symbol { return lco.externs }

// StorageImage returns the backing storage image of the code object.
func (lco *StaticCodeObject) StorageImage() StorageImage { return lco.image }

// LoadedMemory returns the base address and size of the loaded memory.
func (lco *StaticCodeObject) LoadedMemory() (bin.Addr, uint64) {
	return lco.base, uint64(len(lco.mem))
}

// ReadMemory returns the size bytes of loaded memory at the given address.
func (lco *StaticCodeObject) ReadMemory(addr bin.Addr, size uint64) ([]byte, error) {
	if addr < lco.base {
		return nil, errors.Errorf("address %v below load base %v of %v", addr, lco.base, lco.handle)
	}
	start := uint64(addr - lco.base)
	end := start + size
	if end < start || end > uint64(len(lco.mem)) {
		return nil, errors.Errorf("memory range [%v, %v) outside loaded memory of %v", addr, addr+bin.Addr(size), lco.handle)
	}
	return lco.mem[start:end], nil
}
