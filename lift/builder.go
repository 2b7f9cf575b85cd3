package lift

import (
	"fmt"
	"strconv"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/gcnlift/disasm"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/mewmew/gcnlift/mir"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Alignment in bytes of lifted machine functions.
const funcAlign = 4096

// builderState is the state of a representation builder.
type builderState uint8

// Builder states.
const (
	stateUninitialized builderState = iota
	stateContextReady
	stateSkeletonPopulated
	stateInstructionsLowered
	stateFinalized
)

// String returns the string representation of the builder state.
func (state builderState) String() string {
	switch state {
	case stateUninitialized:
		return "uninitialized"
	case stateContextReady:
		return "context ready"
	case stateSkeletonPopulated:
		return "skeleton populated"
	case stateInstructionsLowered:
		return "instructions lowered"
	case stateFinalized:
		return "finalized"
	}
	return fmt.Sprintf("builderState(%d)", uint8(state))
}

// builder builds the lifted representation of a kernel.
type builder struct {
	// Lifter.
	l *Lifter
	// Kernel symbol; owned copy.
	kernel *hsa.Symbol
	// Generation of the code object of the kernel at the start of the build.
	gen uint64
	// Builder state.
	state builderState
	// Lifted representation being built.
	lr *LiftedRepresentation
}

// newBuilder returns a new builder of the given kernel, whose code object is at
// generation gen.
func newBuilder(l *Lifter, kernel *hsa.Symbol, gen uint64) *builder {
	return &builder{
		l:      l,
		kernel: kernel.Clone(),
		gen:    gen,
	}
}

// build builds the lifted representation of the kernel.
func (b *builder) build() (*LiftedRepresentation, error) {
	name := b.kernel.Name
	if err := b.initContext(); err != nil {
		return nil, newError(StageInit, name, err)
	}
	if err := b.advance(stateContextReady); err != nil {
		return nil, newError(StageInit, name, err)
	}
	if err := b.populateSkeleton(); err != nil {
		return nil, newError(StageSkeleton, name, err)
	}
	if err := b.advance(stateSkeletonPopulated); err != nil {
		return nil, newError(StageSkeleton, name, err)
	}
	if err := b.lowerFunctions(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := b.advance(stateInstructionsLowered); err != nil {
		return nil, newError(StageLowering, name, err)
	}
	// Machine functions are finalized at the end of their lowering.
	if err := b.advance(stateFinalized); err != nil {
		return nil, newError(StageLowering, name, err)
	}
	return b.lr, nil
}

// advance moves the builder to the given state, which must directly follow the
// current state.
func (b *builder) advance(to builderState) error {
	if to != b.state+1 {
		return errors.Errorf("invalid builder transition from %v to %v", b.state, to)
	}
	dbg.Printf("%s: %v -> %v", b.kernel.Name, b.state, to)
	b.state = to
	return nil
}

// initContext creates the execution context, target machine and module of the
// lifted representation.
func (b *builder) initContext() error {
	lco := b.kernel.CodeObject
	if lco == nil {
		return errors.Errorf("kernel %q has no code object", b.kernel.Name)
	}
	machine, err := b.l.targets.CreateTargetMachine(lco.ISA())
	if err != nil {
		return errors.WithStack(err)
	}
	machine.Options.AsmVerbose = true
	m := ir.NewModule()
	m.DataLayout = machine.DataLayout
	m.TargetTriple = machine.Triple
	ctx := newContext()
	ctx.Retain()
	b.lr = &LiftedRepresentation{
		ctx:        ctx,
		module:     m,
		machine:    machine,
		lco:        lco,
		kernel:     b.kernel,
		funcIndex:  make(map[hsa.SymbolKey]int),
		vars:       make(map[hsa.SymbolKey]int),
		provenance: make(map[mir.InstRef]*disasm.Inst),
	}
	return nil
}

// populateSkeleton declares the globals and functions of the lifted
// representation.
func (b *builder) populateSkeleton() error {
	lco := b.lr.lco
	for _, sym := range lco.VariableSymbols() {
		b.initGlobal(sym)
	}
	for _, sym := range lco.ExternSymbols() {
		b.initGlobal(sym)
	}
	kernelKey := b.kernel.Key()
	for _, sym := range lco.KernelSymbols() {
		if sym.Key() != kernelKey {
			b.initGlobal(sym)
		}
	}
	// The kernel precedes the device functions in the function arena.
	if err := b.initKernelEntry(); err != nil {
		return errors.WithStack(err)
	}
	for _, sym := range lco.DeviceFunctionSymbols() {
		b.initDeviceFunction(sym)
	}
	return nil
}

// initGlobal declares a zero-initialized byte array placeholder of the given
// symbol.
func (b *builder) initGlobal(sym *hsa.Symbol) {
	lr := b.lr
	typ := lr.ctx.ByteArrayType(sym.Size)
	lr.module.NewGlobalDef(sym.Name, constant.NewZeroInitializer(typ))
	lr.vars[sym.Key()] = len(lr.module.Globals) - 1
	lr.varSyms = append(lr.varSyms, sym.Clone())
}

// initDeviceFunction declares the function of the given device function symbol.
func (b *builder) initDeviceFunction(sym *hsa.Symbol) {
	f := b.lr.module.NewFunc(sym.Name, types.Void)
	f.Linkage = enum.LinkagePrivate
	f.CallingConv = enum.CallingConvC
	f.NewBlock("").NewUnreachable()
	b.addFunction(sym.Clone(), f)
}

// addFunction creates the machine function of the given function declaration.
func (b *builder) addFunction(sym *hsa.Symbol, f *ir.Func) *mir.Function {
	lr := b.lr
	idx := len(lr.funcs)
	mf := mir.NewFunction(idx, lr.module, f, lr.machine.Info)
	mf.Alignment = funcAlign
	lr.funcs = append(lr.funcs, mf)
	lr.funcSyms = append(lr.funcSyms, sym)
	lr.funcIndex[sym.Key()] = idx
	return mf
}

// hiddenArgAttrs maps hidden arguments to the function attributes recording
// their absence.
var hiddenArgAttrs = []struct {
	kind hsa.ValueKind
	attr string
}{
	{kind: hsa.ValueKindHiddenHostcallBuffer, attr: "amdgpu-no-hostcall-ptr"},
	{kind: hsa.ValueKindHiddenDefaultQueue, attr: "amdgpu-no-default-queue"},
	{kind: hsa.ValueKindHiddenCompletionAction, attr: "amdgpu-no-completion-action"},
	{kind: hsa.ValueKindHiddenMultiGridSyncArg, attr: "amdgpu-no-multigrid-sync-arg"},
	{kind: hsa.ValueKindHiddenHeapV1, attr: "amdgpu-no-heap-ptr"},
}

// initKernelEntry declares the kernel function, with parameters derived from
// the explicit kernel arguments and attributes derived from the kernel
// descriptor.
func (b *builder) initKernelEntry() error {
	sym := b.kernel
	if sym.Kernel == nil || sym.Kernel.Metadata == nil || sym.Kernel.Descriptor == nil {
		return structuralf(sym.Addr, "kernel %q lacks metadata or descriptor", sym.Name)
	}
	md, kd := sym.Kernel.Metadata, sym.Kernel.Descriptor
	var params []*ir.Param
	for _, arg := range md.Args {
		if arg.ValueKind.IsHidden() {
			break
		}
		typ, err := b.explicitArgType(arg)
		if err != nil {
			return errors.WithStack(err)
		}
		params = append(params, ir.NewParam("", typ))
	}
	f := b.lr.module.NewFunc(sym.FunctionName(), types.Void, params...)
	f.Linkage = enum.LinkageWeak
	f.Visibility = enum.VisibilityProtected
	f.CallingConv = enum.CallingConvAMDGPUKernel

	attrs := &attrList{}
	attrs.set("uniform-work-group-size", strconv.FormatBool(md.UniformWorkgroupSize))
	attrs.set("amdgpu-lds-size", strconv.FormatUint(uint64(kd.GroupSegmentFixedSize), 10))
	if !kd.Has(hsa.KCPDispatchID) {
		attrs.add("amdgpu-no-dispatch-id")
	}
	if !kd.Has(hsa.KCPDispatchPtr) {
		attrs.add("amdgpu-no-dispatch-ptr")
	}
	if !kd.Has(hsa.KCPQueuePtr) {
		attrs.add("amdgpu-no-queue-ptr")
	}
	attrs.set("amdgpu-ieee", strconv.FormatBool(kd.IEEEMode()))
	attrs.set("amdgpu-dx10-clamp", strconv.FormatBool(kd.DX10Clamp()))
	if !kd.WorkgroupIDX() {
		attrs.add("amdgpu-no-workgroup-id-x")
	}
	if !kd.WorkgroupIDY() {
		attrs.add("amdgpu-no-workgroup-id-y")
	}
	if !kd.WorkgroupIDZ() {
		attrs.add("amdgpu-no-workgroup-id-z")
	}
	// Work-item IDs are enabled cumulatively; x is always present.
	switch n := kd.WorkitemIDs(); n {
	case 0:
		attrs.add("amdgpu-no-workitem-id-y")
		attrs.add("amdgpu-no-workitem-id-z")
	case 1:
		attrs.add("amdgpu-no-workitem-id-z")
	case 2:
	default:
		return structuralf(sym.Kernel.DescriptorAddr, "invalid VGPR work-item ID count %d of kernel %q", n, sym.Name)
	}
	f.NewBlock("").NewUnreachable()

	mf := b.addFunction(sym, f)
	mf.Info.IsEntry = true
	if kd.Has(hsa.KCPDispatchPtr) {
		mf.Info.AddUserSGPR(mir.UserSGPRDispatchPtr)
	}
	if kd.Has(hsa.KCPPrivateSegmentBuffer) {
		mf.Info.AddUserSGPR(mir.UserSGPRPrivateSegmentBuffer)
	}
	if kd.Has(hsa.KCPKernargSegmentPtr) {
		mf.Info.AddUserSGPR(mir.UserSGPRKernargSegmentPtr)
	}
	if kd.Has(hsa.KCPFlatScratchInit) {
		mf.Info.AddUserSGPR(mir.UserSGPRFlatScratchInit)
	}
	if kd.PrivateSegmentWaveByteOffset() {
		mf.Info.AddUserSGPR(mir.UserSGPRPrivateSegmentWaveByteOffset)
	}

	if md.Args != nil {
		// Assume absence of every hidden argument until seen.
		for _, h := range hiddenArgAttrs {
			attrs.add(h.attr)
		}
		for _, arg := range md.Args {
			if arg.ValueKind.IsHidden() {
				b.processHiddenArg(arg, attrs, mf)
			}
		}
	}
	attrs.set("amdgpu-implicitarg-num-bytes", strconv.FormatUint(uint64(implicitArgBytes(md.Args)), 10))
	f.FuncAttrs = attrs.attrs
	return nil
}

// explicitArgType returns the parameter type of the given explicit kernel
// argument.
func (b *builder) explicitArgType(arg hsa.ArgMetadata) (types.Type, error) {
	if arg.Size == 0 {
		return nil, structuralf(0, "zero-sized kernel argument %q at offset %d", arg.Name, arg.Offset)
	}
	ctx := b.lr.ctx
	bits := uint64(arg.Size) * 8
	switch arg.ValueKind {
	case hsa.ValueKindByValue:
		return ctx.IntType(bits), nil
	case hsa.ValueKindGlobalBuffer:
		return ctx.PointerType(ctx.IntType(bits), argAddrSpace(arg, hsa.AddrSpaceGlobal)), nil
	case hsa.ValueKindDynamicSharedPointer:
		return ctx.PointerType(ctx.IntType(bits), argAddrSpace(arg, hsa.AddrSpaceLocal)), nil
	}
	return nil, structuralf(0, "support for kernel argument %q of value kind %v not yet implemented", arg.Name, arg.ValueKind)
}

// processHiddenArg records the presence of the given hidden kernel argument.
func (b *builder) processHiddenArg(arg hsa.ArgMetadata, attrs *attrList, mf *mir.Function) {
	switch arg.ValueKind {
	case hsa.ValueKindHiddenPrintfBuffer:
		m := b.lr.module
		if m.NamedMetadataDefs == nil {
			m.NamedMetadataDefs = make(map[string]*metadata.NamedDef)
		}
		if _, ok := m.NamedMetadataDefs["llvm.printf.fmts"]; !ok {
			m.NamedMetadataDefs["llvm.printf.fmts"] = &metadata.NamedDef{Name: "llvm.printf.fmts"}
		}
	case hsa.ValueKindHiddenDynamicLDSSize:
		mf.Info.UsesDynamicLDS = true
	case hsa.ValueKindHiddenQueuePtr:
		mf.Info.AddUserSGPR(mir.UserSGPRQueuePtr)
	default:
		for _, h := range hiddenArgAttrs {
			if h.kind == arg.ValueKind {
				attrs.remove(h.attr)
			}
		}
	}
}

// lowerFunctions lowers the machine functions of the lifted representation
// concurrently.
func (b *builder) lowerFunctions() error {
	lr := b.lr
	g := &errgroup.Group{}
	if b.l.cfg.Workers > 0 {
		g.SetLimit(b.l.cfg.Workers)
	}
	provs := make([]map[mir.InstRef]*disasm.Inst, len(lr.funcs))
	for i, mf := range lr.funcs {
		i, mf := i, mf
		sym := lr.funcSyms[i]
		g.Go(func() error {
			fl := newFuncLifter(b, sym, mf)
			if err := fl.lower(); err != nil {
				return newError(StageLowering, sym.Name, err)
			}
			provs[i] = fl.provenance
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.WithStack(err)
	}
	for _, prov := range provs {
		for ref, inst := range prov {
			lr.provenance[ref] = inst
		}
	}
	return nil
}

// ### [ Helper functions ] ####################################################

// argAddrSpace returns the address space of the given pointer argument, or def
// if unspecified.
func argAddrSpace(arg hsa.ArgMetadata, def hsa.AddrSpace) types.AddrSpace {
	if arg.AddrSpace != nil {
		return types.AddrSpace(*arg.AddrSpace)
	}
	return types.AddrSpace(def)
}

// implicitArgBytes returns the size in bytes of the hidden argument region of
// the given kernel arguments, measured from the first hidden argument to the
// end of the last one. This deliberately differs from a count derived from the
// explicit argument offsets, which includes alignment padding.
func implicitArgBytes(args []hsa.ArgMetadata) uint32 {
	var start, end uint32
	found := false
	for _, arg := range args {
		if !arg.ValueKind.IsHidden() {
			continue
		}
		if !found || arg.Offset < start {
			start = arg.Offset
		}
		if e := arg.Offset + arg.Size; e > end {
			end = e
		}
		found = true
	}
	if !found {
		return 0
	}
	return end - start
}

// attrList is an ordered list of function attributes.
type attrList struct {
	attrs []ir.FuncAttribute
}

// add adds the given valueless attribute.
func (a *attrList) add(key string) {
	a.remove(key)
	a.attrs = append(a.attrs, ir.AttrString(key))
}

// set sets the value of the given attribute.
func (a *attrList) set(key, val string) {
	a.remove(key)
	a.attrs = append(a.attrs, ir.AttrPair{Key: key, Value: val})
}

// remove removes the given attribute.
func (a *attrList) remove(key string) {
	attrs := a.attrs[:0]
	for _, attr := range a.attrs {
		if k, _ := attrKeyValue(attr); k != key {
			attrs = append(attrs, attr)
		}
	}
	a.attrs = attrs
}

// funcAttr returns the value of the given string attribute of f.
func funcAttr(f *ir.Func, key string) (string, bool) {
	for _, attr := range f.FuncAttrs {
		if k, v := attrKeyValue(attr); k == key {
			return v, true
		}
	}
	return "", false
}

// attrKeyValue returns the key and value of the given string attribute.
func attrKeyValue(attr ir.FuncAttribute) (key, val string) {
	switch attr := attr.(type) {
	case ir.AttrString:
		return string(attr), ""
	case ir.AttrPair:
		return attr.Key, attr.Value
	}
	return "", ""
}
