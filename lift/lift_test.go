package lift

import (
	"io"
	"runtime"
	"sync"
	"testing"

	"github.com/mewmew/gcnlift/bin"
	"github.com/mewmew/gcnlift/disasm"
	"github.com/mewmew/gcnlift/hsa"
	"github.com/mewmew/gcnlift/internal/gcntest"
	"github.com/mewmew/gcnlift/target"
	"github.com/mewmew/gcnlift/target/amdgcn"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func init() {
	SetDebugOutput(io.Discard)
	SetWarningOutput(io.Discard)
	disasm.SetDebugOutput(io.Discard)
	disasm.SetWarningOutput(io.Discard)
}

// Load base of test fixtures.
const testBase bin.Addr = 0x7F3A00000000

// testEnv is a lifter resolving symbols through a platform of loaded fixtures.
type testEnv struct {
	platform *hsa.Platform
	l        *Lifter
}

// newTestEnv returns a new test environment of the given lifter configuration.
func newTestEnv(cfg Config) *testEnv {
	reg := target.NewRegistry()
	amdgcn.Register(reg)
	p := hsa.NewPlatform()
	return &testEnv{platform: p, l: New(reg, p, cfg)}
}

// load registers the code object of the given fixture with the platform.
func (env *testEnv) load(t *testing.T, f *gcntest.Fixture, h hsa.Handle) *hsa.StaticCodeObject {
	t.Helper()
	lco, err := f.Build(h, env.platform)
	if err != nil {
		t.Fatalf("unable to build fixture; %+v", err)
	}
	return lco
}

// lift lifts the given kernel, failing the test on error.
func (env *testEnv) lift(t *testing.T, kernel *hsa.Symbol) *LiftedRepresentation {
	t.Helper()
	lr, err := env.l.Lift(kernel)
	if err != nil {
		t.Fatalf("unable to lift %q; %+v", kernel.Name, err)
	}
	return lr
}

// simpleKernel returns metadata and descriptor of a kernel without arguments.
func simpleKernel(name string) (*hsa.KernelMetadata, *hsa.KernelDescriptor) {
	md := &hsa.KernelMetadata{Name: name}
	kd := &hsa.KernelDescriptor{
		KernelCodeProperties: hsa.KCPKernargSegmentPtr,
	}
	return md, kd
}

// loopFixture returns a fixture holding a kernel branching to itself.
func loopFixture() (*gcntest.Fixture, *hsa.Symbol) {
	f := gcntest.NewFixture(testBase)
	md, kd := simpleKernel("spin")
	code := gcntest.Assemble(
		gcntest.SBranch(-1),
		gcntest.SEndpgm(),
	)
	kernel := f.AddKernel("spin", code, md, kd)
	return f, kernel
}

// stageOf returns the stage of the given lift error.
func stageOf(t *testing.T, err error) Stage {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("error type = %T, want *Error; %v", err, err)
	}
	return e.Stage
}

func TestLiftCached(t *testing.T) {
	env := newTestEnv(Config{})
	f, kernel := loopFixture()
	env.load(t, f, 1)
	first := env.lift(t, kernel)
	second := env.lift(t, kernel)
	if first != second {
		t.Fatalf("second lift returned a new representation")
	}
	if got := first.Context().Refs(); got != 1 {
		t.Errorf("context refs = %d, want 1", got)
	}
}

func TestLiftConcurrent(t *testing.T) {
	env := newTestEnv(Config{Workers: 2})
	f, kernel := loopFixture()
	env.load(t, f, 1)
	lrs := make([]*LiftedRepresentation, 16)
	g := &errgroup.Group{}
	for i := range lrs {
		i := i
		g.Go(func() error {
			lr, err := env.l.Lift(kernel)
			lrs[i] = lr
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error; %+v", err)
	}
	for i, lr := range lrs {
		if lr != lrs[0] {
			t.Errorf("lift %d returned a distinct representation", i)
		}
	}
	if got := env.l.relocs.numScans(); got != 1 {
		t.Errorf("relocation scans = %d, want 1", got)
	}
}

func TestLiftNotKernel(t *testing.T) {
	env := newTestEnv(Config{})
	f := gcntest.NewFixture(testBase)
	fn := f.AddDeviceFunction("callee", gcntest.Assemble(gcntest.SSetpcB64(30)))
	env.load(t, f, 1)
	_, err := env.l.Lift(fn)
	if err == nil {
		t.Fatalf("expected error for device function symbol")
	}
	if got := stageOf(t, err); got != StageInit {
		t.Errorf("stage = %v, want %v", got, StageInit)
	}
	var structErr *StructuralAssumptionError
	if !errors.As(err, &structErr) {
		t.Errorf("error type = %T, want *StructuralAssumptionError", err)
	}
}

func TestLiftUnknownISA(t *testing.T) {
	env := newTestEnv(Config{})
	f, kernel := loopFixture()
	f.ISA = "r600-amd-amdhsa--cypress"
	env.load(t, f, 1)
	_, err := env.l.Lift(kernel)
	if err == nil {
		t.Fatalf("expected error for unregistered architecture")
	}
	if got := stageOf(t, err); got != StageInit {
		t.Errorf("stage = %v, want %v", got, StageInit)
	}
}

func TestLiftDecodeError(t *testing.T) {
	env := newTestEnv(Config{})
	f := gcntest.NewFixture(testBase)
	md, kd := simpleKernel("bad")
	code := gcntest.Assemble(
		gcntest.SBranch(0),
		[]uint32{0xFFFFFFFF},
		gcntest.SEndpgm(),
	)
	kernel := f.AddKernel("bad", code, md, kd)
	env.load(t, f, 1)
	for i := 0; i < 2; i++ {
		_, err := env.l.Lift(kernel)
		if err == nil {
			t.Fatalf("lift %d; expected decode error", i)
		}
		if got := stageOf(t, err); got != StageDisassembly {
			t.Errorf("lift %d; stage = %v, want %v", i, got, StageDisassembly)
		}
		var decErr *disasm.DecodeError
		if !errors.As(err, &decErr) {
			t.Fatalf("lift %d; error type = %T, want *disasm.DecodeError", i, err)
		}
		if decErr.Offset != 4 {
			t.Errorf("lift %d; offset = %v, want 0x00000004", i, decErr.Offset)
		}
	}
	// Branch targets of partially decoded functions are discarded.
	if addrs := env.l.BranchTargets().Addrs(1); len(addrs) != 0 {
		t.Errorf("branch targets = %v, want none", addrs)
	}
	if _, ok := env.l.cached(kernel.Key()); ok {
		t.Errorf("failed lift was cached")
	}
}

func TestLiftSymbolResolutionError(t *testing.T) {
	env := newTestEnv(Config{})
	f := gcntest.NewFixture(testBase)
	md, kd := simpleKernel("stray")
	code := gcntest.Assemble(
		gcntest.SGetpcB64(4),
		gcntest.Lit(gcntest.SAddU32(4, 4, gcntest.SrcLiteral), 0),
		gcntest.SEndpgm(),
	)
	kernel := f.AddKernel("stray", code, md, kd)
	f.AddRawReloc(kernel.Addr+8, hsa.R_AMDGPU_REL32_LO, 0xDEAD00)
	lco := env.load(t, f, 1)

	_, err := env.l.Lift(kernel)
	if err == nil {
		t.Fatalf("expected symbol resolution error")
	}
	if got := stageOf(t, err); got != StageRelocation {
		t.Errorf("stage = %v, want %v", got, StageRelocation)
	}
	var symErr *SymbolResolutionError
	if !errors.As(err, &symErr) {
		t.Fatalf("error type = %T, want *SymbolResolutionError", err)
	}
	if want := kernel.Addr + 8; symErr.Target != want {
		t.Errorf("relocation target = %v, want %v", symErr.Target, want)
	}
	if want := testBase + 0xDEAD00; symErr.Addr != want {
		t.Errorf("symbol address = %v, want %v", symErr.Addr, want)
	}

	_, err = env.l.ResolveRelocation(lco, kernel.Addr+8)
	if err == nil {
		t.Fatalf("expected symbol resolution error")
	}
	if got := stageOf(t, err); got != StageRelocation {
		t.Errorf("stage = %v, want %v", got, StageRelocation)
	}
}

func TestLiftUnresolvedBranchTarget(t *testing.T) {
	env := newTestEnv(Config{})
	f := gcntest.NewFixture(testBase)
	md, kd := simpleKernel("mid")
	// The branch lands on the literal constant of the following instruction.
	code := gcntest.Assemble(
		gcntest.SBranch(1),
		gcntest.Lit(gcntest.SAddU32(0, 0, gcntest.SrcLiteral), 7),
		gcntest.SEndpgm(),
	)
	kernel := f.AddKernel("mid", code, md, kd)
	env.load(t, f, 1)
	_, err := env.l.Lift(kernel)
	if err == nil {
		t.Fatalf("expected unresolved branch target error")
	}
	if got := stageOf(t, err); got != StageLowering {
		t.Errorf("stage = %v, want %v", got, StageLowering)
	}
	var brErr *UnresolvedBranchTargetError
	if !errors.As(err, &brErr) {
		t.Fatalf("error type = %T, want *UnresolvedBranchTargetError", err)
	}
	if brErr.Branch != kernel.Addr {
		t.Errorf("branch = %v, want %v", brErr.Branch, kernel.Addr)
	}
	if want := kernel.Addr + 8; brErr.Target != want {
		t.Errorf("target = %v, want %v", brErr.Target, want)
	}
}

func TestResolveRelocationIdempotent(t *testing.T) {
	env := newTestEnv(Config{})
	f := gcntest.NewFixture(testBase)
	g := f.AddVariable("g", 16)
	md, kd := simpleKernel("k")
	code := gcntest.Assemble(
		gcntest.SGetpcB64(4),
		gcntest.Lit(gcntest.SAddU32(4, 4, gcntest.SrcLiteral), 0),
		gcntest.SEndpgm(),
	)
	kernel := f.AddKernel("k", code, md, kd)
	f.AddReloc(kernel.Addr+8, hsa.R_AMDGPU_REL32_LO, g, 4)
	lco := env.load(t, f, 1)

	first, err := env.l.ResolveRelocation(lco, kernel.Addr+8)
	if err != nil {
		t.Fatalf("unexpected error; %+v", err)
	}
	if first == nil {
		t.Fatalf("missing relocation at %v", kernel.Addr+8)
	}
	second, err := env.l.ResolveRelocation(lco, kernel.Addr+8)
	if err != nil {
		t.Fatalf("unexpected error; %+v", err)
	}
	if first != second {
		t.Errorf("second resolution returned a distinct relocation")
	}
	if first.Symbol.Key() != g.Key() {
		t.Errorf("relocated symbol = %v, want %v", first.Symbol, g)
	}
	if first.Symbol == g {
		t.Errorf("relocated symbol not copied")
	}
	if first.Reloc.Type != hsa.R_AMDGPU_REL32_LO || first.Reloc.Addend != 4 {
		t.Errorf("relocation = %+v, want R_AMDGPU_REL32_LO with addend 4", first.Reloc)
	}
	miss, err := env.l.ResolveRelocation(lco, kernel.Addr+4)
	if err != nil {
		t.Fatalf("unexpected error; %+v", err)
	}
	if miss != nil {
		t.Errorf("unexpected relocation at %v; %+v", kernel.Addr+4, miss)
	}
	env.lift(t, kernel)
	if got := env.l.relocs.numScans(); got != 1 {
		t.Errorf("relocation scans = %d, want 1", got)
	}
}

func TestInvalidateOnUnload(t *testing.T) {
	env := newTestEnv(Config{})
	env.l.InvalidateOnUnload(env.platform)
	f, kernel := loopFixture()
	env.load(t, f, 7)
	lr := env.lift(t, kernel)
	if !env.l.BranchTargets().Contains(7, kernel.Addr) {
		t.Fatalf("missing branch target %v", kernel.Addr)
	}
	if err := env.platform.Unload(7); err != nil {
		t.Fatalf("unexpected error; %+v", err)
	}
	if got := lr.Context().Refs(); got != 0 {
		t.Errorf("context refs after unload = %d, want 0", got)
	}
	if addrs := env.l.BranchTargets().Addrs(7); len(addrs) != 0 {
		t.Errorf("branch targets after unload = %v, want none", addrs)
	}
	if _, ok := env.l.cached(kernel.Key()); ok {
		t.Errorf("lifted representation still cached after unload")
	}

	// Reload under the same handle.
	env.load(t, f, 7)
	relifted := env.lift(t, kernel)
	if relifted == lr {
		t.Errorf("lift after unload returned the invalidated representation")
	}
	if got := env.l.relocs.numScans(); got != 2 {
		t.Errorf("relocation scans = %d, want 2", got)
	}
}

func TestInvalidateDuringLift(t *testing.T) {
	f, kernel, g, callee := relocFixture()
	lookup := &gatedLookup{
		syms:    map[bin.Addr]*hsa.Symbol{g.Addr: g, callee.Addr: callee},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	reg := target.NewRegistry()
	amdgcn.Register(reg)
	platform := hsa.NewPlatform()
	l := New(reg, lookup, Config{})
	l.InvalidateOnUnload(platform)
	if _, err := f.Build(1, platform); err != nil {
		t.Fatalf("unable to build fixture; %+v", err)
	}

	// Unload the code object while its relocation table is being scanned.
	lifted := make(chan error, 1)
	go func() {
		_, err := l.Lift(kernel)
		lifted <- err
	}()
	<-lookup.entered
	unloaded := make(chan error, 1)
	go func() {
		unloaded <- platform.Unload(1)
	}()
	for l.gens.current(1) == 0 {
		runtime.Gosched()
	}
	close(lookup.release)
	if err := <-unloaded; err != nil {
		t.Fatalf("unexpected error; %+v", err)
	}
	err := <-lifted
	if !errors.Is(err, ErrUnloaded) {
		t.Fatalf("error = %v, want %v", err, ErrUnloaded)
	}

	if _, ok := l.cached(kernel.Key()); ok {
		t.Errorf("lifted representation cached after unload")
	}
	l.relocs.mu.Lock()
	_, ok := l.relocs.tables[1]
	l.relocs.mu.Unlock()
	if ok {
		t.Errorf("relocation table cached after unload")
	}
	if addrs := l.BranchTargets().Addrs(1); len(addrs) != 0 {
		t.Errorf("branch targets after unload = %v, want none", addrs)
	}
	l.disasmMu.Lock()
	for key := range l.insts {
		if key.LCO == 1 {
			t.Errorf("disassembly of %v cached after unload", key)
		}
	}
	l.disasmMu.Unlock()

	// Reload under the same handle.
	if _, err := f.Build(1, platform); err != nil {
		t.Fatalf("unable to build fixture; %+v", err)
	}
	lr, err := l.Lift(kernel)
	if err != nil {
		t.Fatalf("unexpected error; %+v", err)
	}
	if cached, ok := l.cached(kernel.Key()); !ok || cached != lr {
		t.Errorf("lifted representation of reloaded code object not cached")
	}
}

func TestReleaseOnce(t *testing.T) {
	env := newTestEnv(Config{})
	f, kernel := loopFixture()
	env.load(t, f, 1)
	lr := env.lift(t, kernel)
	lr.Release()
	lr.Release()
	if got := lr.Context().Refs(); got != 0 {
		t.Errorf("context refs = %d, want 0", got)
	}
}

// gatedLookup resolves symbols from a fixed table. The first lookup blocks until
// release is closed.
type gatedLookup struct {
	syms map[bin.Addr]*hsa.Symbol
	once sync.Once
	// Closed when the first lookup starts.
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLookup) SymbolAt(addr bin.Addr) (*hsa.Symbol, bool) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	sym, ok := g.syms[addr]
	return sym, ok
}
