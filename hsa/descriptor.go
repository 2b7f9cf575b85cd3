package hsa

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// KernelDescriptorSize is the size in bytes of a kernel descriptor.
const KernelDescriptorSize = 64

// KernelDescriptor is the AMDHSA kernel descriptor of a kernel, as placed in
// loaded memory at the address of the kernel's ".kd" symbol.
type KernelDescriptor struct {
	GroupSegmentFixedSize     uint32
	PrivateSegmentFixedSize   uint32
	KernargSize               uint32
	_                         [4]byte
	KernelCodeEntryByteOffset int64
	_                         [20]byte
	ComputePgmRsrc3           uint32
	ComputePgmRsrc1           uint32
	ComputePgmRsrc2           uint32
	KernelCodeProperties      uint16
	KernargPreload            uint16
	_                         [4]byte
}

// ParseKernelDescriptor parses the given kernel descriptor contents.
func ParseKernelDescriptor(data []byte) (*KernelDescriptor, error) {
	if len(data) < KernelDescriptorSize {
		return nil, errors.Errorf("invalid kernel descriptor size; expected %d bytes, got %d", KernelDescriptorSize, len(data))
	}
	kd := &KernelDescriptor{}
	if err := binary.Read(bytes.NewReader(data[:KernelDescriptorSize]), binary.LittleEndian, kd); err != nil {
		return nil, errors.WithStack(err)
	}
	return kd, nil
}

// Bytes returns the binary encoding of the kernel descriptor.
func (kd *KernelDescriptor) Bytes() []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, kd); err != nil {
		panic(errors.Wrap(err, "unable to encode kernel descriptor"))
	}
	return buf.Bytes()
}

// ~~~ [ COMPUTE_PGM_RSRC1 ] ~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~

// DX10Clamp reports whether DX10 clamping of vector ALU results is enabled.
func (kd *KernelDescriptor) DX10Clamp() bool {
	return kd.ComputePgmRsrc1&(1<<21) != 0
}

// IEEEMode reports whether IEEE mode of floating-point operations is enabled.
func (kd *KernelDescriptor) IEEEMode() bool {
	return kd.ComputePgmRsrc1&(1<<23) != 0
}

// ~~~ [ COMPUTE_PGM_RSRC2 ] ~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~

// PrivateSegmentWaveByteOffset reports whether the private segment wave byte
// offset is passed in a system SGPR.
func (kd *KernelDescriptor) PrivateSegmentWaveByteOffset() bool {
	return kd.ComputePgmRsrc2&1 != 0
}

// UserSGPRCount returns the number of user SGPRs.
func (kd *KernelDescriptor) UserSGPRCount() uint32 {
	return kd.ComputePgmRsrc2 >> 1 & 0x1F
}

// WorkgroupIDX reports whether the work-group id X is passed in a system SGPR.
func (kd *KernelDescriptor) WorkgroupIDX() bool {
	return kd.ComputePgmRsrc2&(1<<7) != 0
}

// WorkgroupIDY reports whether the work-group id Y is passed in a system SGPR.
func (kd *KernelDescriptor) WorkgroupIDY() bool {
	return kd.ComputePgmRsrc2&(1<<8) != 0
}

// WorkgroupIDZ reports whether the work-group id Z is passed in a system SGPR.
func (kd *KernelDescriptor) WorkgroupIDZ() bool {
	return kd.ComputePgmRsrc2&(1<<9) != 0
}

// WorkitemIDs returns the encoded set of work-item ids passed in VGPRs; 0 for
// X only, 1 for X and Y, 2 for X, Y and Z.
func (kd *KernelDescriptor) WorkitemIDs() uint32 {
	return kd.ComputePgmRsrc2 >> 11 & 0x3
}

// ~~~ [ Kernel code properties ] ~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~

// Kernel code property bits.
const (
	KCPPrivateSegmentBuffer uint16 = 1 << 0
	KCPDispatchPtr          uint16 = 1 << 1
	KCPQueuePtr             uint16 = 1 << 2
	KCPKernargSegmentPtr    uint16 = 1 << 3
	KCPDispatchID           uint16 = 1 << 4
	KCPFlatScratchInit      uint16 = 1 << 5
	KCPPrivateSegmentSize   uint16 = 1 << 6
	KCPWavefrontSize32      uint16 = 1 << 10
	KCPUsesDynamicStack     uint16 = 1 << 11
)

// Has reports whether the given kernel code property is enabled.
func (kd *KernelDescriptor) Has(prop uint16) bool {
	return kd.KernelCodeProperties&prop != 0
}
