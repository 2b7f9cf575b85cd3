package gcntest

import (
	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/mewmew/gcnlift/target"
	"github.com/pkg/errors"
)

// ISA is the default ISA of fixtures.
const ISA target.ISA = "amdgcn-amd-amdhsa--gfx908"

// Fixture builds a loaded code object in memory.
type Fixture struct {
	// Load base.
	Base bin.Addr
	// Instruction set architecture.
	ISA target.ISA
	// Loaded memory.
	mem []byte
	// Symbols in definition order.
	syms []*hsa.Symbol
	// Relocations of the storage image.
	relocs []hsa.Relocation
}

// NewFixture returns a new empty fixture loaded at the given base address.
func NewFixture(base bin.Addr) *Fixture {
	return &Fixture{Base: base, ISA: ISA}
}

// AddKernel places the descriptor and code of a kernel and returns its symbol.
// A nil descriptor is replaced by a zero descriptor.
func (f *Fixture) AddKernel(name string, code []byte, md *hsa.KernelMetadata, kd *hsa.KernelDescriptor) *hsa.Symbol {
	if kd == nil {
		kd = &hsa.KernelDescriptor{}
	}
	kdAddr := f.place(kd.Bytes(), 64)
	codeAddr := f.place(code, 256)
	kd.KernelCodeEntryByteOffset = int64(codeAddr) - int64(kdAddr)
	copy(f.mem[kdAddr-f.Base:], kd.Bytes())
	sym := &hsa.Symbol{
		Kind: hsa.KindKernel,
		Name: name + ".kd",
		Size: uint64(len(code)),
		Addr: codeAddr,
		Kernel: &hsa.Kernel{
			Metadata:       md,
			Descriptor:     kd,
			DescriptorAddr: kdAddr,
		},
	}
	f.syms = append(f.syms, sym)
	return sym
}

// AddDeviceFunction places the code of a device function and returns its
// symbol.
func (f *Fixture) AddDeviceFunction(name string, code []byte) *hsa.Symbol {
	sym := &hsa.Symbol{
		Kind: hsa.KindDeviceFunction,
		Name: name,
		Size: uint64(len(code)),
		Addr: f.place(code, 256),
	}
	f.syms = append(f.syms, sym)
	return sym
}

// AddVariable places a zero-initialized global variable and returns its
// symbol.
func (f *Fixture) AddVariable(name string, size uint64) *hsa.Symbol {
	sym := &hsa.Symbol{
		Kind: hsa.KindVariable,
		Name: name,
		Size: size,
		Addr: f.place(make([]byte, size), 16),
	}
	f.syms = append(f.syms, sym)
	return sym
}

// AddExtern places an external symbol and returns it.
func (f *Fixture) AddExtern(name string) *hsa.Symbol {
	sym := &hsa.Symbol{
		Kind: hsa.KindExtern,
		Name: name,
		Addr: f.place(make([]byte, 8), 16),
	}
	f.syms = append(f.syms, sym)
	return sym
}

// AddReloc adds a relocation of the value at the given load address against
// the given symbol.
func (f *Fixture) AddReloc(at bin.Addr, typ hsa.RelocType, sym *hsa.Symbol, addend int64) {
	reloc := hsa.Relocation{
		Offset: uint64(at - f.Base),
		Type:   typ,
		Addend: addend,
	}
	if sym != nil {
		reloc.Symbol = &hsa.RelocSymbol{Name: sym.Name, Value: uint64(sym.Addr - f.Base)}
	}
	f.relocs = append(f.relocs, reloc)
}

// AddRawReloc adds a relocation against a symbol table entry of the given
// value, relative to the load base.
func (f *Fixture) AddRawReloc(at bin.Addr, typ hsa.RelocType, value uint64) {
	f.relocs = append(f.relocs, hsa.Relocation{
		Offset: uint64(at - f.Base),
		Type:   typ,
		Symbol: &hsa.RelocSymbol{Value: value},
	})
}

// Build returns the loaded code object of the fixture with the given handle,
// registered with the given platform.
func (f *Fixture) Build(handle hsa.Handle, platform *hsa.Platform) (*hsa.StaticCodeObject, error) {
	mem := append([]byte(nil), f.mem...)
	image := hsa.StaticImage{{Name: ".rela.dyn", Relocs: f.relocs}}
	lco := hsa.NewStaticCodeObject(handle, f.ISA, f.Base, mem, image)
	for _, sym := range f.syms {
		if err := lco.AddSymbol(sym); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if platform != nil {
		if err := platform.Register(lco); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return lco, nil
}

// place appends data to loaded memory at the given alignment and returns its
// load address.
func (f *Fixture) place(data []byte, align int) bin.Addr {
	for len(f.mem)%align != 0 {
		f.mem = append(f.mem, 0)
	}
	addr := f.Base + bin.Addr(len(f.mem))
	f.mem = append(f.mem, data...)
	return addr
}
