package hsa

import (
	"fmt"

	"github.com/pkg/errors"
)

// KernelMetadata is the code object metadata of a kernel.
type KernelMetadata struct {
	// Kernel name.
	Name string `json:"name"`
	// Kernel arguments in offset order; nil if the metadata holds no argument
	// list.
	Args []ArgMetadata `json:"args"`
	// Whether the kernel requires uniform work-group sizes.
	UniformWorkgroupSize bool `json:"uniform_work_group_size"`
	// Fixed size in bytes of the private (scratch) segment per work-item.
	PrivateSegmentFixedSize uint32 `json:"private_segment_fixed_size"`
	// Fixed size in bytes of the group (LDS) segment.
	GroupSegmentFixedSize uint32 `json:"group_segment_fixed_size"`
	// Size in bytes of the kernel argument segment.
	KernargSegmentSize uint32 `json:"kernarg_segment_size"`
}

// Clone returns a deep copy of the kernel metadata.
func (md *KernelMetadata) Clone() *KernelMetadata {
	dup := *md
	if md.Args != nil {
		dup.Args = make([]ArgMetadata, len(md.Args))
		for i, arg := range md.Args {
			dup.Args[i] = arg
			if arg.AddrSpace != nil {
				as := *arg.AddrSpace
				dup.Args[i].AddrSpace = &as
			}
		}
	}
	return &dup
}

// ArgMetadata is the metadata of a kernel argument.
type ArgMetadata struct {
	// Argument name.
	Name string `json:"name,omitempty"`
	// Argument value kind.
	ValueKind ValueKind `json:"value_kind"`
	// Offset in bytes of the argument in the kernel argument segment.
	Offset uint32 `json:"offset"`
	// Size in bytes of the argument.
	Size uint32 `json:"size"`
	// Address space of pointer arguments; nil if unspecified.
	AddrSpace *AddrSpace `json:"address_space,omitempty"`
	// Alignment in bytes of the pointee of dynamic shared pointers.
	PointeeAlign uint32 `json:"pointee_align,omitempty"`
}

// ValueKind specifies the kind of a kernel argument.
type ValueKind uint8

// Value kinds.
const (
	ValueKindByValue ValueKind = iota + 1
	ValueKindGlobalBuffer
	ValueKindDynamicSharedPointer
	ValueKindSampler
	ValueKindImage
	ValueKindPipe
	ValueKindQueue
	// Hidden arguments.
	ValueKindHiddenGlobalOffsetX
	ValueKindHiddenGlobalOffsetY
	ValueKindHiddenGlobalOffsetZ
	ValueKindHiddenNone
	ValueKindHiddenPrintfBuffer
	ValueKindHiddenHostcallBuffer
	ValueKindHiddenDefaultQueue
	ValueKindHiddenCompletionAction
	ValueKindHiddenMultiGridSyncArg
	ValueKindHiddenHeapV1
	ValueKindHiddenBlockCountX
	ValueKindHiddenBlockCountY
	ValueKindHiddenBlockCountZ
	ValueKindHiddenGroupSizeX
	ValueKindHiddenGroupSizeY
	ValueKindHiddenGroupSizeZ
	ValueKindHiddenRemainderX
	ValueKindHiddenRemainderY
	ValueKindHiddenRemainderZ
	ValueKindHiddenGridDims
	ValueKindHiddenPrivateBase
	ValueKindHiddenSharedBase
	ValueKindHiddenDynamicLDSSize
	ValueKindHiddenQueuePtr
)

// valueKindNames maps value kinds to their metadata names.
var valueKindNames = map[ValueKind]string{
	ValueKindByValue:                "by_value",
	ValueKindGlobalBuffer:           "global_buffer",
	ValueKindDynamicSharedPointer:   "dynamic_shared_pointer",
	ValueKindSampler:                "sampler",
	ValueKindImage:                  "image",
	ValueKindPipe:                   "pipe",
	ValueKindQueue:                  "queue",
	ValueKindHiddenGlobalOffsetX:    "hidden_global_offset_x",
	ValueKindHiddenGlobalOffsetY:    "hidden_global_offset_y",
	ValueKindHiddenGlobalOffsetZ:    "hidden_global_offset_z",
	ValueKindHiddenNone:             "hidden_none",
	ValueKindHiddenPrintfBuffer:     "hidden_printf_buffer",
	ValueKindHiddenHostcallBuffer:   "hidden_hostcall_buffer",
	ValueKindHiddenDefaultQueue:     "hidden_default_queue",
	ValueKindHiddenCompletionAction: "hidden_completion_action",
	ValueKindHiddenMultiGridSyncArg: "hidden_multigrid_sync_arg",
	ValueKindHiddenHeapV1:           "hidden_heap_v1",
	ValueKindHiddenBlockCountX:      "hidden_block_count_x",
	ValueKindHiddenBlockCountY:      "hidden_block_count_y",
	ValueKindHiddenBlockCountZ:      "hidden_block_count_z",
	ValueKindHiddenGroupSizeX:       "hidden_group_size_x",
	ValueKindHiddenGroupSizeY:       "hidden_group_size_y",
	ValueKindHiddenGroupSizeZ:       "hidden_group_size_z",
	ValueKindHiddenRemainderX:       "hidden_remainder_x",
	ValueKindHiddenRemainderY:       "hidden_remainder_y",
	ValueKindHiddenRemainderZ:       "hidden_remainder_z",
	ValueKindHiddenGridDims:         "hidden_grid_dims",
	ValueKindHiddenPrivateBase:      "hidden_private_base",
	ValueKindHiddenSharedBase:       "hidden_shared_base",
	ValueKindHiddenDynamicLDSSize:   "hidden_dynamic_lds_size",
	ValueKindHiddenQueuePtr:         "hidden_queue_ptr",
}

// IsHidden reports whether the value kind denotes a hidden argument.
func (kind ValueKind) IsHidden() bool {
	return kind >= ValueKindHiddenGlobalOffsetX
}

// String returns the metadata name of the value kind.
func (kind ValueKind) String() string {
	if name, ok := valueKindNames[kind]; ok {
		return name
	}
	return fmt.Sprintf("ValueKind(%d)", uint8(kind))
}

// MarshalText encodes the value kind as its metadata name.
func (kind ValueKind) MarshalText() ([]byte, error) {
	if _, ok := valueKindNames[kind]; !ok {
		return nil, errors.Errorf("invalid value kind %d", uint8(kind))
	}
	return []byte(kind.String()), nil
}

// UnmarshalText decodes the value kind from its metadata name.
func (kind *ValueKind) UnmarshalText(text []byte) error {
	s := string(text)
	for k, name := range valueKindNames {
		if name == s {
			*kind = k
			return nil
		}
	}
	return errors.Errorf("unknown kernel argument value kind %q", s)
}

// AddrSpace is an AMDGPU address space.
type AddrSpace uint8

// Address spaces.
const (
	AddrSpaceGeneric  AddrSpace = 0
	AddrSpaceGlobal   AddrSpace = 1
	AddrSpaceRegion   AddrSpace = 2
	AddrSpaceLocal    AddrSpace = 3
	AddrSpaceConstant AddrSpace = 4
	AddrSpacePrivate  AddrSpace = 5
)

// addrSpaceNames maps address spaces to their metadata names.
var addrSpaceNames = map[AddrSpace]string{
	AddrSpaceGeneric:  "generic",
	AddrSpaceGlobal:   "global",
	AddrSpaceRegion:   "region",
	AddrSpaceLocal:    "local",
	AddrSpaceConstant: "constant",
	AddrSpacePrivate:  "private",
}

// String returns the metadata name of the address space.
func (as AddrSpace) String() string {
	if name, ok := addrSpaceNames[as]; ok {
		return name
	}
	return fmt.Sprintf("AddrSpace(%d)", uint8(as))
}

// MarshalText encodes the address space as its metadata name.
func (as AddrSpace) MarshalText() ([]byte, error) {
	if _, ok := addrSpaceNames[as]; !ok {
		return nil, errors.Errorf("invalid address space %d", uint8(as))
	}
	return []byte(as.String()), nil
}

// UnmarshalText decodes the address space from its metadata name.
func (as *AddrSpace) UnmarshalText(text []byte) error {
	s := string(text)
	for a, name := range addrSpaceNames {
		if name == s {
			*as = a
			return nil
		}
	}
	return errors.Errorf("unknown address space %q", s)
}
