package lift

import (
	"reflect"
	"testing"

	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/mewmew/gcnlift/internal/gcntest"
	"github.com/mewmew/gcnlift/mir"
	"github.com/mewmew/gcnlift/target/amdgcn"
	"github.com/pkg/errors"
)

func TestLowerInfiniteLoop(t *testing.T) {
	env := newTestEnv(Config{})
	f, kernel := loopFixture()
	env.load(t, f, 1)
	lr := env.lift(t, kernel)
	if !env.l.BranchTargets().Contains(1, kernel.Addr) {
		t.Errorf("entry %v not recorded as branch target", kernel.Addr)
	}
	mf := lr.KernelFunction()
	if len(mf.Blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(mf.Blocks))
	}
	entry, exit := mf.Blocks[0], mf.Blocks[1]
	if !reflect.DeepEqual(entry.Succs, []int{0}) {
		t.Errorf("bb.0 successors = %v, want [0]", entry.Succs)
	}
	if !reflect.DeepEqual(entry.Preds, []int{0}) {
		t.Errorf("bb.0 predecessors = %v, want [0]", entry.Preds)
	}
	if len(exit.Succs) != 0 || len(exit.Preds) != 0 {
		t.Errorf("bb.1 edges = %v/%v, want none", exit.Succs, exit.Preds)
	}
	br := entry.Insts[0]
	if br.Desc.Opcode != amdgcn.S_BRANCH {
		t.Fatalf("bb.0 instruction = %s, want s_branch", br.Desc.Name)
	}
	if want := []mir.Operand{mir.BlockOp(0)}; !reflect.DeepEqual(br.Operands, want) {
		t.Errorf("s_branch operands = %+v, want %+v", br.Operands, want)
	}
	if err := mf.Verify(); err != nil {
		t.Errorf("unexpected error; %+v", err)
	}
}

func TestLowerFallThrough(t *testing.T) {
	golden := []struct {
		name  string
		code  []byte
		succs [][]int
	}{
		// s_endpgm in the middle of a kernel falls through to the next block.
		{
			name: "endpgm",
			code: gcntest.Assemble(
				gcntest.SCmpEqU32(0, gcntest.Inline(0)),
				gcntest.SCBranchSCC1(1),
				gcntest.SEndpgm(),
				gcntest.SNop(0),
				gcntest.SEndpgm(),
			),
			succs: [][]int{{1, 2}, {2}, nil},
		},
		// Indirect branches are not unconditional branches.
		{
			name: "setpc",
			code: gcntest.Assemble(
				gcntest.SCmpEqU32(0, gcntest.Inline(0)),
				gcntest.SCBranchSCC1(1),
				gcntest.SSetpcB64(30),
				gcntest.SNop(0),
				gcntest.SEndpgm(),
			),
			succs: [][]int{{1, 2}, {2}, nil},
		},
		// s_branch never falls through.
		{
			name: "branch",
			code: gcntest.Assemble(
				gcntest.SCBranchSCC1(1),
				gcntest.SBranch(1),
				gcntest.SNop(0),
				gcntest.SEndpgm(),
			),
			succs: [][]int{{1, 2}, {3}, {3}, nil},
		},
	}
	for _, g := range golden {
		env := newTestEnv(Config{})
		fix := gcntest.NewFixture(testBase)
		md, kd := simpleKernel(g.name)
		kernel := fix.AddKernel(g.name, g.code, md, kd)
		env.load(t, fix, 1)
		mf := env.lift(t, kernel).KernelFunction()
		if len(mf.Blocks) != len(g.succs) {
			t.Errorf("%s: blocks = %d, want %d", g.name, len(mf.Blocks), len(g.succs))
			continue
		}
		for num, b := range mf.Blocks {
			if len(b.Succs) == 0 && len(g.succs[num]) == 0 {
				continue
			}
			if !reflect.DeepEqual(b.Succs, g.succs[num]) {
				t.Errorf("%s: bb.%d successors = %v, want %v", g.name, num, b.Succs, g.succs[num])
			}
		}
		if err := mf.Verify(); err != nil {
			t.Errorf("%s: unexpected error; %+v", g.name, err)
		}
	}
}

func TestAddBranchTargets(t *testing.T) {
	env := newTestEnv(Config{})
	fix := gcntest.NewFixture(testBase)
	md, kd := simpleKernel("split")
	code := gcntest.Assemble(
		gcntest.SNop(0),
		gcntest.Lit(gcntest.SMovB32(0, gcntest.SrcLiteral), 0x12345678),
		gcntest.SEndpgm(),
	)
	kernel := fix.AddKernel("split", code, md, kd)
	lco := env.load(t, fix, 1)

	golden := []struct {
		addr bin.Addr
		// Whether the address is a valid branch target.
		valid bool
	}{
		{addr: kernel.Addr + 4, valid: true},
		// Literal of s_mov_b32.
		{addr: kernel.Addr + 8, valid: false},
		{addr: kernel.Addr + 2, valid: false},
		{addr: kernel.Addr + bin.Addr(kernel.Size), valid: false},
	}
	for _, g := range golden {
		err := env.l.AddBranchTargets(lco, g.addr)
		if !g.valid {
			var structErr *StructuralAssumptionError
			if !errors.As(err, &structErr) {
				t.Errorf("%v: error = %v, want *StructuralAssumptionError", g.addr, err)
			}
			if env.l.BranchTargets().Contains(1, g.addr) {
				t.Errorf("%v: invalid branch target recorded", g.addr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%v: unexpected error; %+v", g.addr, err)
			continue
		}
		if !env.l.BranchTargets().Contains(1, g.addr) {
			t.Errorf("%v: branch target not recorded", g.addr)
		}
	}

	// Added branch targets start basic blocks.
	mf := env.lift(t, kernel).KernelFunction()
	if len(mf.Blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(mf.Blocks))
	}
	if !reflect.DeepEqual(mf.Blocks[0].Succs, []int{1}) {
		t.Errorf("bb.0 successors = %v, want [1]", mf.Blocks[0].Succs)
	}
	if got := mf.Blocks[1].Insts[0].Desc.Opcode; got != amdgcn.S_MOV_B32 {
		t.Errorf("bb.1 opcode = %v, want s_mov_b32", got)
	}
}

func TestLowerBranchTargets(t *testing.T) {
	env := newTestEnv(Config{})
	fix := gcntest.NewFixture(testBase)
	md, kd := simpleKernel("diamond")
	code := gcntest.Assemble(
		gcntest.SMovB32(0, gcntest.Inline(0)),
		gcntest.SCmpEqU32(0, gcntest.Inline(0)),
		gcntest.SCBranchSCC1(2),
		gcntest.VMovB32(1, gcntest.V(0)),
		gcntest.SBranch(1),
		gcntest.SAddU32(0, 0, gcntest.Inline(1)),
		gcntest.SEndpgm(),
	)
	kernel := fix.AddKernel("diamond", code, md, kd)
	env.load(t, fix, 1)
	lr := env.lift(t, kernel)

	want := bin.Addrs{kernel.Addr + 20, kernel.Addr + 24}
	if got := env.l.BranchTargets().Addrs(1); !reflect.DeepEqual(got, want) {
		t.Errorf("branch targets = %v, want %v", got, want)
	}
	mf := lr.KernelFunction()
	wantSuccs := [][]int{{1, 2}, {3}, {3}, nil}
	if len(mf.Blocks) != len(wantSuccs) {
		t.Fatalf("blocks = %d, want %d", len(mf.Blocks), len(wantSuccs))
	}
	for num, b := range mf.Blocks {
		if len(b.Succs) == 0 && len(wantSuccs[num]) == 0 {
			continue
		}
		if !reflect.DeepEqual(b.Succs, wantSuccs[num]) {
			t.Errorf("bb.%d successors = %v, want %v", num, b.Succs, wantSuccs[num])
		}
	}

	// The destination of every direct branch starts at its target address.
	info := lr.TargetMachine().Info
	branches := 0
	for _, b := range mf.Blocks {
		for _, mi := range b.Insts {
			if !mi.Desc.IsDirectBranch() {
				continue
			}
			branches++
			prov, ok := lr.Provenance(mf.Ref(mi))
			if !ok {
				t.Fatalf("missing provenance of %s", mi.Desc.Name)
			}
			dest, err := branchTarget(info, prov)
			if err != nil {
				t.Fatalf("unexpected error; %+v", err)
			}
			ops := mi.Operands
			if len(ops) != 1 || ops[0].Kind != mir.OperandBlock {
				t.Fatalf("%s operands = %+v, want single block operand", mi.Desc.Name, ops)
			}
			blk, ok := mf.Block(ops[0].Block)
			if !ok || blk.Empty() {
				t.Fatalf("invalid destination bb.%d of %s", ops[0].Block, mi.Desc.Name)
			}
			first, ok := lr.Provenance(mf.Ref(blk.Insts[0]))
			if !ok {
				t.Fatalf("missing provenance of first instruction of bb.%d", blk.Number)
			}
			if first.Addr != dest {
				t.Errorf("bb.%d starts at %v, want branch target %v", blk.Number, first.Addr, dest)
			}
		}
	}
	if branches != 2 {
		t.Errorf("direct branches = %d, want 2", branches)
	}
}

func TestLowerProvenance(t *testing.T) {
	env := newTestEnv(Config{})
	f, kernel := loopFixture()
	env.load(t, f, 1)
	lr := env.lift(t, kernel)
	insts, err := env.l.Disassemble(kernel)
	if err != nil {
		t.Fatalf("unexpected error; %+v", err)
	}
	mf := lr.KernelFunction()
	if mf.NumInsts() != len(insts) {
		t.Fatalf("machine instructions = %d, want %d", mf.NumInsts(), len(insts))
	}
	for i, inst := range insts {
		mi, ok := mf.Inst(mir.InstID(i))
		if !ok {
			t.Fatalf("missing instruction %d", i)
		}
		prov, ok := lr.Provenance(mf.Ref(mi))
		if !ok {
			t.Fatalf("missing provenance of instruction %d", i)
		}
		if prov != inst {
			t.Errorf("provenance of instruction %d = %v, want %v", i, prov, inst)
		}
	}
}

func TestLowerOperandFixups(t *testing.T) {
	env := newTestEnv(Config{})
	fix := gcntest.NewFixture(testBase)
	md, kd := simpleKernel("fixups")
	code := gcntest.Assemble(
		gcntest.SBitset1B32(6, gcntest.Inline(3)),
		gcntest.SAddkI32(5, 3),
		gcntest.SMovkI32(4, 0x8000),
		gcntest.SCmpkEqU32(4, 0x8000),
		gcntest.VReadlaneB32(3, gcntest.V(1), 4),
		gcntest.VAddU32(2, 5, 3),
		gcntest.SEndpgm(),
	)
	kernel := fix.AddKernel("fixups", code, md, kd)
	env.load(t, fix, 1)
	lr := env.lift(t, kernel)
	mf := lr.KernelFunction()
	if len(mf.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(mf.Blocks))
	}
	tied := func(op mir.Operand, to int) mir.Operand {
		op.TiedTo = to
		return op
	}
	s := amdgcn.SGPR
	v := amdgcn.VGPR
	golden := []struct {
		name string
		want []mir.Operand
	}{
		{
			name: "s_bitset1_b32",
			want: []mir.Operand{
				tied(mir.RegOp(s(6), true), 2),
				mir.ImmOp(3),
				tied(mir.RegOp(s(6), false), 0),
			},
		},
		{
			name: "s_addk_i32",
			want: []mir.Operand{
				tied(mir.RegOp(s(5), true), 1),
				tied(mir.RegOp(s(5), false), 0),
				mir.ImmOp(3),
			},
		},
		{
			name: "s_movk_i32",
			want: []mir.Operand{mir.RegOp(s(4), true), mir.ImmOp(-32768)},
		},
		{
			name: "s_cmpk_eq_u32",
			want: []mir.Operand{mir.RegOp(s(4), false), mir.ImmOp(32768)},
		},
		{
			name: "v_readlane_b32",
			want: []mir.Operand{mir.RegOp(s(3), true), mir.RegOp(v(1), false), mir.RegOp(s(4), false)},
		},
		{
			name: "v_add_u32",
			want: []mir.Operand{
				mir.RegOp(v(2), true),
				mir.RegOp(s(5), false),
				mir.RegOp(v(3), false),
				mir.ImplicitRegOp(amdgcn.Exec, false),
			},
		},
		{
			name: "s_endpgm",
			want: []mir.Operand{mir.ImmOp(0)},
		},
	}
	insts := mf.Blocks[0].Insts
	if len(insts) != len(golden) {
		t.Fatalf("instructions = %d, want %d", len(insts), len(golden))
	}
	for i, g := range golden {
		mi := insts[i]
		if mi.Desc.Name != g.name {
			t.Errorf("instruction %d = %s, want %s", i, mi.Desc.Name, g.name)
			continue
		}
		if !reflect.DeepEqual(mi.Operands, g.want) {
			t.Errorf("%s operands mismatch;\n got: %+v\nwant: %+v", g.name, mi.Operands, g.want)
		}
	}
}

// relocFixture returns a fixture of a kernel referring to a global variable
// and a device function through relocated literal constants.
func relocFixture() (f *gcntest.Fixture, kernel, g, callee *hsa.Symbol) {
	f = gcntest.NewFixture(testBase)
	g = f.AddVariable("g", 16)
	callee = f.AddDeviceFunction("callee", gcntest.Assemble(
		gcntest.SNop(0),
		gcntest.SSetpcB64(30),
	))
	md, kd := simpleKernel("reloc")
	code := gcntest.Assemble(
		gcntest.SGetpcB64(4),
		gcntest.Lit(gcntest.SAddU32(4, 4, gcntest.SrcLiteral), 0),
		gcntest.Lit(gcntest.SAddcU32(5, 5, gcntest.SrcLiteral), 0),
		gcntest.SGetpcB64(6),
		gcntest.Lit(gcntest.SAddU32(6, 6, gcntest.SrcLiteral), 0),
		gcntest.SSwappcB64(30, 6),
		gcntest.SEndpgm(),
	)
	kernel = f.AddKernel("reloc", code, md, kd)
	f.AddReloc(kernel.Addr+8, hsa.R_AMDGPU_REL32_LO, g, 4)
	f.AddReloc(kernel.Addr+16, hsa.R_AMDGPU_REL32_HI, g, 12)
	f.AddReloc(kernel.Addr+28, hsa.R_AMDGPU_REL32_LO, callee, 4)
	return f, kernel, g, callee
}

func TestLowerRelocatedImmediates(t *testing.T) {
	env := newTestEnv(Config{})
	fix, kernel, g, callee := relocFixture()
	env.load(t, fix, 1)
	lr := env.lift(t, kernel)

	gv, ok := lr.Variable(g)
	if !ok {
		t.Fatalf("missing global of %q", g.Name)
	}
	if gv.Name() != "g" {
		t.Errorf("global name = %q, want %q", gv.Name(), "g")
	}
	calleeFn, ok := lr.Function(callee)
	if !ok {
		t.Fatalf("missing function of %q", callee.Name)
	}
	if calleeFn.Index != 1 {
		t.Errorf("callee index = %d, want 1", calleeFn.Index)
	}
	syms := lr.DeviceFunctions()
	if len(syms) != 1 || syms[0].Key() != callee.Key() {
		t.Errorf("device functions = %v, want [%v]", syms, callee)
	}

	golden := []struct {
		idx  int
		want mir.Operand
	}{
		{idx: 1, want: mir.GlobalOp(mir.SymRef{Kind: mir.SymGlobal, Index: 0}, 4, amdgcn.MOGOTPCRel32Lo)},
		{idx: 2, want: mir.GlobalOp(mir.SymRef{Kind: mir.SymGlobal, Index: 0}, 12, amdgcn.MOGOTPCRel32Hi)},
		{idx: 4, want: mir.GlobalOp(mir.SymRef{Kind: mir.SymFunc, Index: 1}, 4, amdgcn.MORel32Lo)},
	}
	mf := lr.KernelFunction()
	for _, g := range golden {
		mi, ok := mf.Inst(mir.InstID(g.idx))
		if !ok {
			t.Fatalf("missing instruction %d", g.idx)
		}
		if len(mi.Operands) != 3 {
			t.Errorf("%s operands = %+v, want 3 operands", mi.Desc.Name, mi.Operands)
			continue
		}
		if got := mi.Operands[2]; !reflect.DeepEqual(got, g.want) {
			t.Errorf("instruction %d operand 2 = %+v, want %+v", g.idx, got, g.want)
		}
	}
	if err := mf.Verify(); err != nil {
		t.Errorf("unexpected error; %+v", err)
	}
}

func TestLowerSelfReference(t *testing.T) {
	env := newTestEnv(Config{})
	fix := gcntest.NewFixture(testBase)
	other := fix.AddKernel("other", gcntest.Assemble(gcntest.SEndpgm()), &hsa.KernelMetadata{Name: "other"}, nil)
	md, kd := simpleKernel("self")
	code := gcntest.Assemble(
		gcntest.Lit(gcntest.SMovB32(4, gcntest.SrcLiteral), 0),
		gcntest.Lit(gcntest.SMovB32(5, gcntest.SrcLiteral), 0),
		gcntest.SEndpgm(),
	)
	kernel := fix.AddKernel("self", code, md, kd)
	fix.AddReloc(kernel.Addr+4, hsa.R_AMDGPU_ABS32_LO, kernel, 0)
	fix.AddReloc(kernel.Addr+12, hsa.R_AMDGPU_ABS32_LO, other, 0)
	env.load(t, fix, 1)
	lr := env.lift(t, kernel)

	mf := lr.KernelFunction()
	self := mf.Blocks[0].Insts[0].Operands[1]
	if want := mir.GlobalOp(mir.SymRef{Kind: mir.SymFunc, Index: 0}, 0, uint32(hsa.R_AMDGPU_ABS32_LO)); !reflect.DeepEqual(self, want) {
		t.Errorf("self reference = %+v, want %+v", self, want)
	}
	gv, ok := lr.Variable(other)
	if !ok {
		t.Fatalf("missing global of kernel %q", other.Name)
	}
	ref := mf.Blocks[0].Insts[1].Operands[1]
	if ref.Kind != mir.OperandGlobal || ref.Sym.Kind != mir.SymGlobal {
		t.Fatalf("kernel reference = %+v, want global operand", ref)
	}
	if got := lr.Module().Globals[ref.Sym.Index]; got != gv {
		t.Errorf("kernel reference resolves to %q, want %q", got.Name(), gv.Name())
	}
}

func TestLowerDeviceFunctions(t *testing.T) {
	env := newTestEnv(Config{Workers: 1})
	fix, kernel, _, callee := relocFixture()
	helper := fix.AddDeviceFunction("helper", gcntest.Assemble(
		gcntest.SCBranchExecZ(1),
		gcntest.VNop(),
		gcntest.SSetpcB64(30),
	))
	env.load(t, fix, 1)
	lr := env.lift(t, kernel)

	fns := lr.Functions()
	if len(fns) != 3 {
		t.Fatalf("functions = %d, want 3", len(fns))
	}
	wantNames := []string{"reloc", callee.Name, helper.Name}
	for i, mf := range fns {
		if mf.Index != i {
			t.Errorf("function %d index = %d", i, mf.Index)
		}
		if mf.Name != wantNames[i] {
			t.Errorf("function %d name = %q, want %q", i, mf.Name, wantNames[i])
		}
		if lr.Module().Funcs[i] != mf.Func {
			t.Errorf("function %d not backed by module function %d", i, i)
		}
		sym, ok := lr.FunctionSymbol(mf)
		if !ok {
			t.Fatalf("missing symbol of function %q", mf.Name)
		}
		if i == 0 && sym.Key() != kernel.Key() {
			t.Errorf("kernel function symbol = %v, want %v", sym, kernel)
		}
		if mf.Alignment != funcAlign {
			t.Errorf("%q alignment = %d, want %d", mf.Name, mf.Alignment, funcAlign)
		}
		if !mf.ReservedRegsFrozen() {
			t.Errorf("%q reserved registers not frozen", mf.Name)
		}
		props := mir.PropNoVRegs | mir.PropNoPHIs | mir.PropTracksLiveness | mir.PropSelected
		if !mf.Props.Has(props) || mf.Props.Has(mir.PropIsSSA) {
			t.Errorf("%q properties = %v", mf.Name, mf.Props)
		}
		if got := mf.Info.IsEntry; got != (i == 0) {
			t.Errorf("%q entry = %v, want %v", mf.Name, got, i == 0)
		}
	}
	hf := fns[2]
	// s_cbranch_execz falls through to v_nop and branches to s_setpc_b64.
	if len(hf.Blocks) != 3 {
		t.Fatalf("%q blocks = %d, want 3", hf.Name, len(hf.Blocks))
	}
	if want := []int{1, 2}; !reflect.DeepEqual(hf.Blocks[0].Succs, want) {
		t.Errorf("%q bb.0 successors = %v, want %v", hf.Name, hf.Blocks[0].Succs, want)
	}
	if want := []int{2}; !reflect.DeepEqual(hf.Blocks[1].Succs, want) {
		t.Errorf("%q bb.1 successors = %v, want %v", hf.Name, hf.Blocks[1].Succs, want)
	}
	// v_nop is lane-predicated.
	vnop := hf.Blocks[1].Insts[0]
	if want := []mir.Operand{mir.ImplicitRegOp(amdgcn.Exec, false)}; !reflect.DeepEqual(vnop.Operands, want) {
		t.Errorf("v_nop operands = %+v, want %+v", vnop.Operands, want)
	}
}
