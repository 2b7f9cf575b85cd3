package lift

import (
	"sync"
	"sync/atomic"

	"github.com/llir/llvm/ir/types"
)

// Context is the execution context of a lifted representation, shared with
// all of its clones. It owns a lock serializing clone operations and the
// interned IR types of the representations.
type Context struct {
	mu sync.Mutex
	// Number of lifted representations referring to the context.
	refs atomic.Int32

	typesMu sync.Mutex
	ints    map[uint64]*types.IntType
	ptrs    map[ptrKey]*types.PointerType
	arrays  map[arrayKey]*types.ArrayType
}

// ptrKey is the identity of an interned pointer type.
type ptrKey struct {
	elem types.Type
	as   types.AddrSpace
}

// arrayKey is the identity of an interned array type.
type arrayKey struct {
	n    uint64
	elem types.Type
}

// newContext returns a new execution context.
func newContext() *Context {
	return &Context{
		ints:   make(map[uint64]*types.IntType),
		ptrs:   make(map[ptrKey]*types.PointerType),
		arrays: make(map[arrayKey]*types.ArrayType),
	}
}

// Lock locks the context.
func (ctx *Context) Lock() { ctx.mu.Lock() }

// Unlock unlocks the context.
func (ctx *Context) Unlock() { ctx.mu.Unlock() }

// Retain records a new reference to the context.
func (ctx *Context) Retain() {
	ctx.refs.Add(1)
}

// Release drops a reference to the context and returns the number of
// remaining references.
func (ctx *Context) Release() int32 {
	return ctx.refs.Add(-1)
}

// Refs returns the number of lifted representations referring to the context.
func (ctx *Context) Refs() int32 {
	return ctx.refs.Load()
}

// IntType returns the integer type of the given bit size.
func (ctx *Context) IntType(bits uint64) *types.IntType {
	ctx.typesMu.Lock()
	defer ctx.typesMu.Unlock()
	if t, ok := ctx.ints[bits]; ok {
		return t
	}
	t := types.NewInt(bits)
	ctx.ints[bits] = t
	return t
}

// PointerType returns the pointer type to elem in the given address space.
func (ctx *Context) PointerType(elem types.Type, as types.AddrSpace) *types.PointerType {
	ctx.typesMu.Lock()
	defer ctx.typesMu.Unlock()
	key := ptrKey{elem: elem, as: as}
	if t, ok := ctx.ptrs[key]; ok {
		return t
	}
	t := types.NewPointer(elem)
	t.AddrSpace = as
	ctx.ptrs[key] = t
	return t
}

// ByteArrayType returns the array type of n bytes.
func (ctx *Context) ByteArrayType(n uint64) *types.ArrayType {
	elem := ctx.IntType(8)
	ctx.typesMu.Lock()
	defer ctx.typesMu.Unlock()
	key := arrayKey{n: n, elem: elem}
	if t, ok := ctx.arrays[key]; ok {
		return t
	}
	t := types.NewArray(n, elem)
	ctx.arrays[key] = t
	return t
}
