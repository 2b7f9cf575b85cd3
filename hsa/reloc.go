package hsa

import (
	"debug/elf"
	"fmt"

	"github.com/pkg/errors"
)

// RelocType is an AMDGPU ELF relocation type.
type RelocType uint32

// AMDGPU relocation types.
const (
	R_AMDGPU_NONE          RelocType = 0
	R_AMDGPU_ABS32_LO      RelocType = 1
	R_AMDGPU_ABS32_HI      RelocType = 2
	R_AMDGPU_ABS64         RelocType = 3
	R_AMDGPU_REL32         RelocType = 4
	R_AMDGPU_REL64         RelocType = 5
	R_AMDGPU_ABS32         RelocType = 6
	R_AMDGPU_GOTPCREL      RelocType = 7
	R_AMDGPU_GOTPCREL32_LO RelocType = 8
	R_AMDGPU_GOTPCREL32_HI RelocType = 9
	R_AMDGPU_REL32_LO      RelocType = 10
	R_AMDGPU_REL32_HI      RelocType = 11
	R_AMDGPU_RELATIVE64    RelocType = 13
	R_AMDGPU_REL16         RelocType = 14
)

// relocTypeNames maps relocation types to their names.
var relocTypeNames = map[RelocType]string{
	R_AMDGPU_NONE:          "R_AMDGPU_NONE",
	R_AMDGPU_ABS32_LO:      "R_AMDGPU_ABS32_LO",
	R_AMDGPU_ABS32_HI:      "R_AMDGPU_ABS32_HI",
	R_AMDGPU_ABS64:         "R_AMDGPU_ABS64",
	R_AMDGPU_REL32:         "R_AMDGPU_REL32",
	R_AMDGPU_REL64:         "R_AMDGPU_REL64",
	R_AMDGPU_ABS32:         "R_AMDGPU_ABS32",
	R_AMDGPU_GOTPCREL:      "R_AMDGPU_GOTPCREL",
	R_AMDGPU_GOTPCREL32_LO: "R_AMDGPU_GOTPCREL32_LO",
	R_AMDGPU_GOTPCREL32_HI: "R_AMDGPU_GOTPCREL32_HI",
	R_AMDGPU_REL32_LO:      "R_AMDGPU_REL32_LO",
	R_AMDGPU_REL32_HI:      "R_AMDGPU_REL32_HI",
	R_AMDGPU_RELATIVE64:    "R_AMDGPU_RELATIVE64",
	R_AMDGPU_REL16:         "R_AMDGPU_REL16",
}

// String returns the name of the relocation type.
func (typ RelocType) String() string {
	if name, ok := relocTypeNames[typ]; ok {
		return name
	}
	return fmt.Sprintf("RelocType(%d)", uint32(typ))
}

// Relocation is a relocation entry of a storage image.
type Relocation struct {
	// Offset of the relocated value, relative to the load base.
	Offset uint64
	// Relocation type.
	Type RelocType
	// Addend.
	Addend int64
	// Referenced symbol; nil if the relocation has no symbol.
	Symbol *RelocSymbol
}

// RelocSymbol is the symbol table entry referenced by a relocation.
type RelocSymbol struct {
	// Symbol name; empty for stripped private symbols.
	Name string
	// Symbol value, relative to the load base.
	Value uint64
}

// Section is a relocation section of a storage image.
type Section struct {
	Name   string
	Relocs []Relocation
}

// StorageImage is the backing storage of a loaded code object.
type StorageImage interface {
	// Sections returns the relocation sections of the storage image.
	Sections() ([]*Section, error)
}

// StaticImage is an in-memory storage image.
type StaticImage []*Section

// Sections returns the relocation sections of the storage image.
func (img StaticImage) Sections() ([]*Section, error) {
	return img, nil
}

// ELFImage is a storage image backed by an ELF code object.
type ELFImage struct {
	File *elf.File
}

// Sections returns the relocation sections of the ELF file.
func (img *ELFImage) Sections() ([]*Section, error) {
	var sections []*Section
	for _, sect := range img.File.Sections {
		if sect.Type != elf.SHT_RELA && sect.Type != elf.SHT_REL {
			continue
		}
		relocs, err := img.relocs(sect)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to parse relocation section %q", sect.Name)
		}
		sections = append(sections, &Section{Name: sect.Name, Relocs: relocs})
	}
	return sections, nil
}

// relocs returns the relocation entries of the given relocation section.
func (img *ELFImage) relocs(sect *elf.Section) ([]Relocation, error) {
	if img.File.Class != elf.ELFCLASS64 {
		return nil, errors.Errorf("support for ELF class %v not yet implemented", img.File.Class)
	}
	data, err := sect.Data()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	syms, err := img.linkedSymbols(sect)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	entSize := 16
	if sect.Type == elf.SHT_RELA {
		entSize = 24
	}
	order := img.File.ByteOrder
	var relocs []Relocation
	for off := 0; off+entSize <= len(data); off += entSize {
		info := order.Uint64(data[off+8:])
		reloc := Relocation{
			Offset: order.Uint64(data[off:]),
			Type:   RelocType(elf.R_TYPE64(info)),
		}
		if sect.Type == elf.SHT_RELA {
			reloc.Addend = int64(order.Uint64(data[off+16:]))
		}
		if symIndex := elf.R_SYM64(info); symIndex != 0 {
			// Symbol index 0 is the undefined symbol, omitted by debug/elf.
			if int(symIndex) > len(syms) {
				return nil, errors.Errorf("invalid symbol index %d of relocation at offset 0x%X; symbol table holds %d entries", symIndex, reloc.Offset, len(syms))
			}
			sym := syms[symIndex-1]
			reloc.Symbol = &RelocSymbol{Name: sym.Name, Value: sym.Value}
		}
		relocs = append(relocs, reloc)
	}
	return relocs, nil
}

// linkedSymbols returns the symbol table linked to the given relocation
// section.
func (img *ELFImage) linkedSymbols(sect *elf.Section) ([]elf.Symbol, error) {
	if int(sect.Link) >= len(img.File.Sections) {
		return nil, errors.Errorf("invalid symbol table link %d of section %q", sect.Link, sect.Name)
	}
	switch link := img.File.Sections[sect.Link]; link.Type {
	case elf.SHT_DYNSYM:
		syms, err := img.File.DynamicSymbols()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return syms, nil
	case elf.SHT_SYMTAB:
		syms, err := img.File.Symbols()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return syms, nil
	default:
		return nil, errors.Errorf("invalid symbol table type %v of section %q", link.Type, link.Name)
	}
}
