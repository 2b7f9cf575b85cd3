package main

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/mewmew/gcnlift/target"
	"github.com/pkg/errors"
)

// codeObject is an AMDGPU ELF code object loaded into memory.
type codeObject struct {
	// ELF file; owned until closed.
	file *elf.File
	// Backing file.
	r *os.File
	// Loaded code object.
	lco *hsa.StaticCodeObject
}

// Close closes the code object file.
func (co *codeObject) Close() error {
	return co.r.Close()
}

// loadCodeObject loads the given AMDGPU ELF code object at the specified load
// base. Kernel metadata is taken from the given oracle, keyed by kernel name.
func loadCodeObject(path string, h hsa.Handle, base bin.Addr, isa target.ISA, kernels map[string]*hsa.KernelMetadata) (*codeObject, error) {
	dbg.Printf("loading %q at %v", path, base)
	r, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	file, err := elf.NewFile(r)
	if err != nil {
		r.Close()
		return nil, errors.WithStack(err)
	}
	co := &codeObject{file: file, r: r}
	if err := co.load(h, base, isa, kernels); err != nil {
		r.Close()
		return nil, errors.Wrapf(err, "unable to load code object %q", path)
	}
	return co, nil
}

// load populates the loaded code object.
func (co *codeObject) load(h hsa.Handle, base bin.Addr, isa target.ISA, kernels map[string]*hsa.KernelMetadata) error {
	file := co.file
	if file.Machine != elf.EM_AMDGPU {
		return errors.Errorf("invalid ELF machine %v; expected %v", file.Machine, elf.EM_AMDGPU)
	}
	if isa == "" {
		var err error
		if isa, err = co.isa(); err != nil {
			return errors.WithStack(err)
		}
	}
	mem, err := loadSegments(file)
	if err != nil {
		return errors.WithStack(err)
	}
	co.lco = hsa.NewStaticCodeObject(h, isa, base, mem, &hsa.ELFImage{File: file})
	syms, err := file.Symbols()
	if err != nil {
		return errors.WithStack(err)
	}
	funcs := make(map[string]elf.Symbol)
	kds := make(map[string]bool)
	for _, sym := range syms {
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC:
			funcs[sym.Name] = sym
		case elf.STT_OBJECT:
			if strings.HasSuffix(sym.Name, ".kd") {
				kds[strings.TrimSuffix(sym.Name, ".kd")] = true
			}
		}
	}
	for _, sym := range syms {
		hsym, err := co.symbol(sym, base, funcs, kds, kernels)
		if err != nil {
			return errors.WithStack(err)
		}
		if hsym == nil {
			continue
		}
		if err := co.lco.AddSymbol(hsym); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// symbol returns the loaded symbol of the given ELF symbol, or nil if the ELF
// symbol is not of interest.
func (co *codeObject) symbol(sym elf.Symbol, base bin.Addr, funcs map[string]elf.Symbol, kds map[string]bool, kernels map[string]*hsa.KernelMetadata) (*hsa.Symbol, error) {
	if sym.Name == "" {
		return nil, nil
	}
	if sym.Section == elf.SHN_UNDEF {
		if elf.ST_BIND(sym.Info) == elf.STB_LOCAL {
			return nil, nil
		}
		warn.Printf("external symbol %q left undefined", sym.Name)
		return &hsa.Symbol{Kind: hsa.KindExtern, Name: sym.Name}, nil
	}
	addr := base + bin.Addr(sym.Value)
	switch elf.ST_TYPE(sym.Info) {
	case elf.STT_FUNC:
		if kds[sym.Name] {
			// Kernel code; located through its descriptor.
			return nil, nil
		}
		return &hsa.Symbol{Kind: hsa.KindDeviceFunction, Name: sym.Name, Size: sym.Size, Addr: addr}, nil
	case elf.STT_OBJECT:
		if !strings.HasSuffix(sym.Name, ".kd") {
			return &hsa.Symbol{Kind: hsa.KindVariable, Name: sym.Name, Size: sym.Size, Addr: addr}, nil
		}
		return co.kernel(sym, addr, funcs, kernels)
	}
	return nil, nil
}

// kernel returns the kernel symbol of the given kernel descriptor symbol, or
// nil if the kernel cannot be lifted.
func (co *codeObject) kernel(sym elf.Symbol, kdAddr bin.Addr, funcs map[string]elf.Symbol, kernels map[string]*hsa.KernelMetadata) (*hsa.Symbol, error) {
	name := strings.TrimSuffix(sym.Name, ".kd")
	data, err := co.lco.ReadMemory(kdAddr, hsa.KernelDescriptorSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	kd, err := hsa.ParseKernelDescriptor(data)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse kernel descriptor of %q", name)
	}
	code, ok := funcs[name]
	if !ok {
		warn.Printf("unable to locate code of kernel %q; skipping", name)
		return nil, nil
	}
	md, ok := kernels[name]
	if !ok {
		warn.Printf("unable to locate metadata of kernel %q in oracle; skipping", name)
		return nil, nil
	}
	entry := bin.Addr(int64(kdAddr) + kd.KernelCodeEntryByteOffset)
	return &hsa.Symbol{
		Kind: hsa.KindKernel,
		Name: sym.Name,
		Size: code.Size,
		Addr: entry,
		Kernel: &hsa.Kernel{
			Metadata:       md,
			Descriptor:     kd,
			DescriptorAddr: kdAddr,
		},
	}, nil
}

// isa returns the ISA of the code object, as specified by the machine field
// of its ELF header flags.
func (co *codeObject) isa() (target.ISA, error) {
	var hdr [64]byte
	if _, err := co.r.ReadAt(hdr[:], 0); err != nil {
		return "", errors.WithStack(err)
	}
	flags := co.file.ByteOrder.Uint32(hdr[0x30:])
	mach := flags & efAMDGPUMach
	cpu, ok := machNames[mach]
	if !ok {
		return "", errors.Errorf("unknown AMDGPU machine 0x%X; specify ISA with -isa", mach)
	}
	return target.ISA(fmt.Sprintf("amdgcn-amd-amdhsa--%s", cpu)), nil
}

// ### [ Helper functions ] ####################################################

// loadSegments returns the loaded memory image of the loadable segments of the
// given ELF file, relative to a load base of zero.
func loadSegments(file *elf.File) ([]byte, error) {
	var size uint64
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if end := prog.Vaddr + prog.Memsz; end > size {
			size = end
		}
	}
	mem := make([]byte, size)
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		dst := mem[prog.Vaddr : prog.Vaddr+prog.Filesz]
		if _, err := io.ReadFull(prog.Open(), dst); err != nil {
			return nil, errors.Wrapf(err, "unable to read segment at 0x%X", prog.Vaddr)
		}
	}
	return mem, nil
}

// Machine mask of the AMDGPU ELF header flags.
const efAMDGPUMach = 0xFF

// machNames maps gfx9 AMDGPU machine numbers to processor names.
var machNames = map[uint32]string{
	0x2C: "gfx900",
	0x2D: "gfx902",
	0x2E: "gfx904",
	0x2F: "gfx906",
	0x30: "gfx908",
	0x31: "gfx909",
	0x32: "gfx90c",
	0x3F: "gfx90a",
	0x40: "gfx940",
}
