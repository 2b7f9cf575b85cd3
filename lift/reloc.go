package lift

import (
	"sync"

	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/pkg/errors"
)

// RelocationInfo is a relocation resolved against the loaded symbols of its
// code object.
type RelocationInfo struct {
	// Relocated symbol; owned copy.
	Symbol *hsa.Symbol
	// Relocation entry.
	Reloc hsa.Relocation
}

// relocCache holds the relocation tables of loaded code objects, keyed by the
// load address of the relocated value.
type relocCache struct {
	lookup hsa.SymbolLookup
	gens   *generations

	mu     sync.Mutex
	tables map[hsa.Handle]map[bin.Addr]*RelocationInfo
	// Number of relocation table scans performed.
	scans int
}

// newRelocCache returns a new relocation cache resolving symbols through the
// given lookup.
func newRelocCache(lookup hsa.SymbolLookup, gens *generations) *relocCache {
	return &relocCache{
		lookup: lookup,
		gens:   gens,
		tables: make(map[hsa.Handle]map[bin.Addr]*RelocationInfo),
	}
}

// resolve returns the relocation applied at the given load address of the code
// object, or nil if no relocation applies. The relocation table of the code
// object is built on first use, and only kept if the code object is still at
// generation gen.
func (c *relocCache) resolve(lco hsa.LoadedCodeObject, addr bin.Addr, gen uint64) (*RelocationInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := lco.Handle()
	table, ok := c.tables[h]
	if !ok {
		var err error
		if table, err = c.scan(lco); err != nil {
			return nil, errors.WithStack(err)
		}
		if c.gens.current(h) == gen {
			c.tables[h] = table
		} else {
			warn.Printf("dropping relocation table of %v; invalidated during scan", h)
		}
	}
	return table[addr], nil
}

// scan builds the relocation table of the given code object.
//
// pre-condition: c.mu is held.
func (c *relocCache) scan(lco hsa.LoadedCodeObject) (map[bin.Addr]*RelocationInfo, error) {
	c.scans++
	base, _ := lco.LoadedMemory()
	img := lco.StorageImage()
	if img == nil {
		return nil, errors.Errorf("code object %v has no storage image", lco.Handle())
	}
	sects, err := img.Sections()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	table := make(map[bin.Addr]*RelocationInfo)
	for _, sect := range sects {
		for _, reloc := range sect.Relocs {
			if reloc.Symbol == nil {
				continue
			}
			symAddr := base + bin.Addr(reloc.Symbol.Value)
			target := base + bin.Addr(reloc.Offset)
			sym, ok := c.lookup.SymbolAt(symAddr)
			if !ok {
				return nil, errors.WithStack(&SymbolResolutionError{
					LCO:    lco.Handle(),
					Name:   reloc.Symbol.Name,
					Addr:   symAddr,
					Target: target,
				})
			}
			table[target] = &RelocationInfo{Symbol: sym.Clone(), Reloc: reloc}
		}
	}
	dbg.Printf("resolved %d relocations of %v", len(table), lco.Handle())
	return table, nil
}

// numScans returns the number of relocation table scans performed.
func (c *relocCache) numScans() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scans
}

// invalidate drops the relocation table of the given code object.
//
// pre-condition: the generation of h has been bumped.
func (c *relocCache) invalidate(h hsa.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables, h)
}
