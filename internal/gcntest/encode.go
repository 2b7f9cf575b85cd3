// Package gcntest provides gfx9 instruction encoders and code object fixtures
// for tests.
package gcntest

import "encoding/binary"

// Source operand encodings.
const (
	SrcFlatScrLo = 102
	SrcVCCLo     = 106
	SrcVCC       = 106
	SrcM0        = 124
	SrcExecLo    = 126
	SrcExec      = 126
	SrcSCC       = 253
	SrcLiteral   = 255
)

// Inline returns the source operand encoding of the given inline integer
// constant in [-16, 64].
func Inline(x int) uint32 {
	if x < 0 {
		return uint32(192 - x)
	}
	return uint32(128 + x)
}

// V returns the 9-bit source operand encoding of the vector register vN.
func V(n uint32) uint32 { return 256 + n }

// Assemble returns the little-endian byte encoding of the given instructions.
func Assemble(insts ...[]uint32) []byte {
	var buf []byte
	for _, inst := range insts {
		for _, w := range inst {
			buf = binary.LittleEndian.AppendUint32(buf, w)
		}
	}
	return buf
}

// Lit appends a 32-bit literal constant to the given instruction.
func Lit(inst []uint32, x uint32) []uint32 {
	return append(inst, x)
}

// ~~~ [ Encodings ] ~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~

// SOPP returns a SOPP instruction.
func SOPP(op uint32, simm16 uint16) []uint32 {
	return []uint32{0x17F<<23 | op<<16 | uint32(simm16)}
}

// SOPK returns a SOPK instruction.
func SOPK(op, sdst uint32, simm16 uint16) []uint32 {
	return []uint32{0xB<<28 | op<<23 | sdst<<16 | uint32(simm16)}
}

// SOP1 returns a SOP1 instruction.
func SOP1(op, sdst, ssrc0 uint32) []uint32 {
	return []uint32{0x17D<<23 | sdst<<16 | op<<8 | ssrc0}
}

// SOP2 returns a SOP2 instruction.
func SOP2(op, sdst, ssrc0, ssrc1 uint32) []uint32 {
	return []uint32{0x2<<30 | op<<23 | sdst<<16 | ssrc1<<8 | ssrc0}
}

// SOPC returns a SOPC instruction.
func SOPC(op, ssrc0, ssrc1 uint32) []uint32 {
	return []uint32{0x17E<<23 | op<<16 | ssrc1<<8 | ssrc0}
}

// SMEM returns a SMEM instruction with an immediate offset. sbase is the
// first register of the base address pair.
func SMEM(op, sdata, sbase, offset uint32, glc bool) []uint32 {
	w := 0x30<<26 | op<<18 | 1<<17 | sdata<<6 | sbase>>1
	if glc {
		w |= 1 << 16
	}
	return []uint32{w, offset & 0xFFFFF}
}

// VOP1 returns a VOP1 instruction.
func VOP1(op, vdst, src0 uint32) []uint32 {
	return []uint32{0x3F<<25 | vdst<<17 | op<<9 | src0}
}

// VOP2 returns a VOP2 instruction.
func VOP2(op, vdst, src0, vsrc1 uint32) []uint32 {
	return []uint32{op<<25 | vdst<<17 | vsrc1<<9 | src0}
}

// VOP3 returns a VOP3 instruction.
func VOP3(op, vdst, src0, src1 uint32) []uint32 {
	return []uint32{0x34<<26 | op<<16 | vdst, src1<<9 | src0}
}

// ~~~ [ Instructions ] ~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~

// SNop returns s_nop.
func SNop(n uint16) []uint32 { return SOPP(0x00, n) }

// SEndpgm returns s_endpgm.
func SEndpgm() []uint32 { return SOPP(0x01, 0) }

// SBranch returns s_branch with the given word offset.
func SBranch(off int16) []uint32 { return SOPP(0x02, uint16(off)) }

// SCBranchSCC0 returns s_cbranch_scc0 with the given word offset.
func SCBranchSCC0(off int16) []uint32 { return SOPP(0x04, uint16(off)) }

// SCBranchSCC1 returns s_cbranch_scc1 with the given word offset.
func SCBranchSCC1(off int16) []uint32 { return SOPP(0x05, uint16(off)) }

// SCBranchExecZ returns s_cbranch_execz with the given word offset.
func SCBranchExecZ(off int16) []uint32 { return SOPP(0x08, uint16(off)) }

// SBarrier returns s_barrier.
func SBarrier() []uint32 { return SOPP(0x0A, 0) }

// SWaitcnt returns s_waitcnt.
func SWaitcnt(simm16 uint16) []uint32 { return SOPP(0x0C, simm16) }

// SMovkI32 returns s_movk_i32.
func SMovkI32(sdst uint32, simm16 uint16) []uint32 { return SOPK(0x00, sdst, simm16) }

// SCmpkEqU32 returns s_cmpk_eq_u32.
func SCmpkEqU32(ssrc uint32, simm16 uint16) []uint32 { return SOPK(0x08, ssrc, simm16) }

// SAddkI32 returns s_addk_i32.
func SAddkI32(sdst uint32, simm16 uint16) []uint32 { return SOPK(0x0E, sdst, simm16) }

// SMovB32 returns s_mov_b32.
func SMovB32(sdst, ssrc0 uint32) []uint32 { return SOP1(0x00, sdst, ssrc0) }

// SMovB64 returns s_mov_b64.
func SMovB64(sdst, ssrc0 uint32) []uint32 { return SOP1(0x01, sdst, ssrc0) }

// SBitset0B32 returns s_bitset0_b32.
func SBitset0B32(sdst, ssrc0 uint32) []uint32 { return SOP1(0x18, sdst, ssrc0) }

// SBitset1B32 returns s_bitset1_b32.
func SBitset1B32(sdst, ssrc0 uint32) []uint32 { return SOP1(0x1A, sdst, ssrc0) }

// SGetpcB64 returns s_getpc_b64.
func SGetpcB64(sdst uint32) []uint32 { return SOP1(0x1C, sdst, 0) }

// SSetpcB64 returns s_setpc_b64.
func SSetpcB64(ssrc0 uint32) []uint32 { return SOP1(0x1D, 0, ssrc0) }

// SSwappcB64 returns s_swappc_b64.
func SSwappcB64(sdst, ssrc0 uint32) []uint32 { return SOP1(0x1E, sdst, ssrc0) }

// SAddU32 returns s_add_u32.
func SAddU32(sdst, ssrc0, ssrc1 uint32) []uint32 { return SOP2(0x00, sdst, ssrc0, ssrc1) }

// SAddcU32 returns s_addc_u32.
func SAddcU32(sdst, ssrc0, ssrc1 uint32) []uint32 { return SOP2(0x04, sdst, ssrc0, ssrc1) }

// SCmpEqU32 returns s_cmp_eq_u32.
func SCmpEqU32(ssrc0, ssrc1 uint32) []uint32 { return SOPC(0x06, ssrc0, ssrc1) }

// SLoadDword returns s_load_dword.
func SLoadDword(sdata, sbase, offset uint32) []uint32 { return SMEM(0x00, sdata, sbase, offset, false) }

// SLoadDwordx2 returns s_load_dwordx2.
func SLoadDwordx2(sdata, sbase, offset uint32) []uint32 { return SMEM(0x01, sdata, sbase, offset, false) }

// VNop returns v_nop.
func VNop() []uint32 { return VOP1(0x00, 0, 0) }

// VMovB32 returns v_mov_b32.
func VMovB32(vdst, src0 uint32) []uint32 { return VOP1(0x01, vdst, src0) }

// VReadfirstlaneB32 returns v_readfirstlane_b32.
func VReadfirstlaneB32(sdst, src0 uint32) []uint32 { return VOP1(0x02, sdst, src0) }

// VAddU32 returns v_add_u32.
func VAddU32(vdst, src0, vsrc1 uint32) []uint32 { return VOP2(0x34, vdst, src0, vsrc1) }

// VReadlaneB32 returns v_readlane_b32.
func VReadlaneB32(sdst, src0, ssrc1 uint32) []uint32 { return VOP3(0x289, sdst, src0, ssrc1) }

// VWritelaneB32 returns v_writelane_b32.
func VWritelaneB32(vdst, ssrc0, ssrc1 uint32) []uint32 { return VOP3(0x28A, vdst, ssrc0, ssrc1) }
