package interp

import (
	"context"
	"testing"

	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/mir"
	"github.com/chazu/ferrite/target"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func mustBuild(t *testing.T, pb *mir.ProgramBuilder) *mir.Program {
	t.Helper()
	prog, err := pb.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return prog
}

func constEval(t *testing.T, pb *mir.ProgramBuilder, opts ...Option) (*Outcome, error) {
	t.Helper()
	prog := mustBuild(t, pb)
	return ConstEval(context.Background(), prog, prog.Entry, target.Default(), opts...)
}

func wantRendered(t *testing.T, out *Outcome, err error, rendered string) {
	t.Helper()
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if out.Rendered != rendered {
		t.Errorf("Rendered = %q, want %q", out.Rendered, rendered)
	}
}

// ---------------------------------------------------------------------------
// Straight-line evaluation
// ---------------------------------------------------------------------------

func TestEvalConstant(t *testing.T) {
	pb := mir.NewProgram("add")
	u32 := pb.Types().U32()

	f := pb.Func("answer", u32)
	b0 := f.NewBlock()
	b0.Assign(mir.L(mir.RetLocal), mir.Bin(mir.OpAdd, mir.CUint(u32, 2), mir.CUint(u32, 40)))
	b0.Return()
	pb.Entry("answer")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "42")
	if out.Entry != "answer" || out.Target != "x86_64" {
		t.Errorf("identity = %s/%s", out.Entry, out.Target)
	}
	if out.TypeKey != "u32" {
		t.Errorf("TypeKey = %q, want u32", out.TypeKey)
	}
	if out.Steps != 2 {
		t.Errorf("Steps = %d, want 2 (assign + return)", out.Steps)
	}
	if out.Hash == ([32]byte{}) {
		t.Error("outcome has a zero hash")
	}
}

func TestEvalUnitResult(t *testing.T) {
	pb := mir.NewProgram("unit")
	unit := pb.Types().Unit()

	f := pb.Func("nothing", unit)
	f.NewBlock().Return()
	pb.Entry("nothing")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "()")
	if out.TypeKey != "()" {
		t.Errorf("TypeKey = %q, want ()", out.TypeKey)
	}
}

func TestCallAndReturn(t *testing.T) {
	pb := mir.NewProgram("calls")
	tt := pb.Types()
	u32 := tt.U32()
	sqTy := tt.FnPtr(layout.FnSig{Params: []layout.TypeID{u32}, Ret: u32})

	sq := pb.Func("square", u32, u32)
	sb := sq.NewBlock()
	sb.Assign(mir.L(mir.RetLocal), mir.Bin(mir.OpMul, mir.Copy(mir.L(sq.Arg(0))), mir.Copy(mir.L(sq.Arg(0)))))
	sb.Return()

	main := pb.Func("main", u32)
	x := main.Local("x", u32)
	b0 := main.NewBlock()
	b1 := main.NewBlock()
	b0.Call(mir.CFn(sqTy, "square"), []mir.Operand{mir.CUint(u32, 6)}, mir.L(x), b1, nil)
	b1.Assign(mir.L(mir.RetLocal), mir.Bin(mir.OpAdd, mir.Copy(mir.L(x)), mir.CUint(u32, 6)))
	b1.Return()
	pb.Entry("main")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "42")
}

func TestMachineStates(t *testing.T) {
	pb := mir.NewProgram("states")
	tt := pb.Types()
	u32 := tt.U32()
	idTy := tt.FnPtr(layout.FnSig{Params: []layout.TypeID{u32}, Ret: u32})

	id := pb.Func("identity", u32, u32)
	ib := id.NewBlock()
	ib.Assign(mir.L(mir.RetLocal), mir.Use(mir.Copy(mir.L(id.Arg(0)))))
	ib.Return()

	main := pb.Func("main", u32)
	b0 := main.NewBlock()
	b1 := main.NewBlock()
	b0.Call(mir.CFn(idTy, "identity"), []mir.Operand{mir.CUint(u32, 42)}, mir.L(mir.RetLocal), b1, nil)
	b1.Return()
	pb.Entry("main")

	c, err := NewContext(mustBuild(t, pb), target.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start("main"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.State() != StateFrameEntry {
		t.Errorf("state after Start = %v, want frame-entry", c.State())
	}

	seen := make(map[State]bool)
	for {
		st, err := c.Step()
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		seen[st] = true
		if st == StateTerminated {
			break
		}
	}
	if !seen[StateFrameEntry] {
		t.Error("never observed frame-entry while stepping")
	}
	if !seen[StateFrameExit] {
		t.Error("never observed frame-exit while stepping")
	}
	if c.Depth() != 0 {
		t.Errorf("Depth = %d after termination", c.Depth())
	}

	v, ty := c.Result()
	rendered, err := c.Render(v, ty)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if rendered != "42" {
		t.Errorf("result = %q, want 42", rendered)
	}

	// The machine is single-use.
	wantInvariant(t, c.Start("main"))
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func TestSwitchInt(t *testing.T) {
	pb := mir.NewProgram("switch")
	u32 := pb.Types().U32()

	f := pb.Func("pick", u32)
	b0 := f.NewBlock()
	bOne := f.NewBlock()
	bTwo := f.NewBlock()
	bOther := f.NewBlock()
	b0.SwitchInt(mir.CUint(u32, 2), []uint64{1, 2}, []*mir.BlockBuilder{bOne, bTwo}, bOther)
	bOne.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 10)))
	bOne.Return()
	bTwo.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 20)))
	bTwo.Return()
	bOther.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 30)))
	bOther.Return()
	pb.Entry("pick")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "20")
}

func TestIfOnBool(t *testing.T) {
	pb := mir.NewProgram("branch")
	tt := pb.Types()
	u32, boolTy := tt.U32(), tt.Bool()

	f := pb.Func("choose", u32)
	b0 := f.NewBlock()
	then := f.NewBlock()
	els := f.NewBlock()
	b0.If(mir.CBool(boolTy, true), then, els)
	then.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 1)))
	then.Return()
	els.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 2)))
	els.Return()
	pb.Entry("choose")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "1")
}

func TestUnreachableFaults(t *testing.T) {
	pb := mir.NewProgram("unreachable")
	u32 := pb.Types().U32()
	f := pb.Func("bad", u32)
	f.NewBlock().Unreachable()
	pb.Entry("bad")

	_, err := constEval(t, pb)
	wantFault(t, err, FaultUnreachable)
}

// ---------------------------------------------------------------------------
// Aggregates, references, projections
// ---------------------------------------------------------------------------

func TestStructAggregateAndFields(t *testing.T) {
	pb := mir.NewProgram("structs")
	tt := pb.Types()
	u32 := tt.U32()
	point := tt.Struct("Point", layout.Field{Name: "x", Ty: u32}, layout.Field{Name: "y", Ty: u32})

	f := pb.Func("sum", u32)
	p := f.Local("p", point)
	b0 := f.NewBlock()
	b0.Assign(mir.L(p), mir.Aggregate(point, mir.CUint(u32, 3), mir.CUint(u32, 4)))
	b0.Assign(mir.L(mir.RetLocal), mir.Bin(mir.OpAdd,
		mir.Copy(mir.L(p, mir.Field(0))), mir.Copy(mir.L(p, mir.Field(1)))))
	b0.Return()
	pb.Entry("sum")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "7")
}

func TestRenderStructResult(t *testing.T) {
	pb := mir.NewProgram("render")
	tt := pb.Types()
	u32 := tt.U32()
	point := tt.Struct("Point", layout.Field{Name: "x", Ty: u32}, layout.Field{Name: "y", Ty: u32})

	f := pb.Func("origin", point)
	b0 := f.NewBlock()
	b0.Assign(mir.L(mir.RetLocal), mir.Aggregate(point, mir.CUint(u32, 3), mir.CUint(u32, 4)))
	b0.Return()
	pb.Entry("origin")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "Point { x: 3, y: 4 }")
}

func TestReferenceDeref(t *testing.T) {
	pb := mir.NewProgram("refs")
	tt := pb.Types()
	u32 := tt.U32()
	refU32 := tt.Ref(u32, false)

	f := pb.Func("through", u32)
	x := f.Local("x", u32)
	r := f.Local("r", refU32)
	b0 := f.NewBlock()
	b0.Assign(mir.L(x), mir.Use(mir.CUint(u32, 41)))
	b0.Assign(mir.L(r), mir.Ref(mir.L(x), false, refU32))
	b0.Assign(mir.L(mir.RetLocal), mir.Bin(mir.OpAdd,
		mir.Copy(mir.L(r, mir.Deref())), mir.CUint(u32, 1)))
	b0.Return()
	pb.Entry("through")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "42")
}

func TestWriteThroughReference(t *testing.T) {
	pb := mir.NewProgram("mutate")
	tt := pb.Types()
	u32 := tt.U32()
	refMut := tt.Ref(u32, true)

	f := pb.Func("bump", u32)
	x := f.Local("x", u32)
	r := f.Local("r", refMut)
	b0 := f.NewBlock()
	b0.Assign(mir.L(x), mir.Use(mir.CUint(u32, 1)))
	b0.Assign(mir.L(r), mir.Ref(mir.L(x), true, refMut))
	b0.Assign(mir.L(r, mir.Deref()), mir.Use(mir.CUint(u32, 9)))
	b0.Assign(mir.L(mir.RetLocal), mir.Use(mir.Copy(mir.L(x))))
	b0.Return()
	pb.Entry("bump")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "9")
}

func TestArrayUnsizeAndLen(t *testing.T) {
	pb := mir.NewProgram("slices")
	tt := pb.Types()
	u8, usize := tt.U8(), tt.Usize()
	arr := tt.Array(u8, 3)
	refArr := tt.Ref(arr, false)
	refSlice := tt.Ref(tt.Slice(u8), false)

	f := pb.Func("length", usize)
	a := f.Local("a", arr)
	r := f.Local("r", refArr)
	s := f.Local("s", refSlice)
	b0 := f.NewBlock()
	b0.Assign(mir.L(a), mir.Aggregate(arr, mir.CUint(u8, 1), mir.CUint(u8, 2), mir.CUint(u8, 3)))
	b0.Assign(mir.L(r), mir.Ref(mir.L(a), false, refArr))
	b0.Assign(mir.L(s), mir.Cast(mir.CastUnsize, mir.Move(mir.L(r)), refSlice))
	b0.Assign(mir.L(mir.RetLocal), mir.LenOf(mir.L(s, mir.Deref())))
	b0.Return()
	pb.Entry("length")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "3")
	if out.TypeKey != "usize" {
		t.Errorf("TypeKey = %q, want usize", out.TypeKey)
	}
}

func TestIndexOutOfBoundsFaults(t *testing.T) {
	pb := mir.NewProgram("oob")
	tt := pb.Types()
	u8 := tt.U8()
	arr := tt.Array(u8, 2)

	f := pb.Func("bad", u8)
	a := f.Local("a", arr)
	b0 := f.NewBlock()
	b0.Assign(mir.L(a), mir.Aggregate(arr, mir.CUint(u8, 1), mir.CUint(u8, 2)))
	b0.Assign(mir.L(mir.RetLocal), mir.Use(mir.Copy(mir.L(a, mir.ConstIdx(5)))))
	b0.Return()
	pb.Entry("bad")

	_, err := constEval(t, pb)
	wantFault(t, err, FaultOutOfBounds)
}

func TestEnumAggregateAndDowncast(t *testing.T) {
	pb := mir.NewProgram("enums")
	tt := pb.Types()
	u32 := tt.U32()
	opt := tt.Enum("Option",
		layout.Variant{Name: "None", Discr: 0},
		layout.Variant{Name: "Some", Discr: 1, Fields: []layout.Field{{Ty: u32}}})

	f := pb.Func("payload", u32)
	o := f.Local("o", opt)
	b0 := f.NewBlock()
	b0.Assign(mir.L(o), mir.EnumAggregate(opt, 1, mir.CUint(u32, 7)))
	b0.Assign(mir.L(mir.RetLocal), mir.Use(mir.Copy(mir.L(o, mir.Downcast(1), mir.Field(0)))))
	b0.Return()
	pb.Entry("payload")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "7")
}

func TestDiscriminantRvalue(t *testing.T) {
	pb := mir.NewProgram("discr")
	tt := pb.Types()
	u32, u64ty := tt.U32(), tt.U64()
	opt := tt.Enum("Option",
		layout.Variant{Name: "None", Discr: 0},
		layout.Variant{Name: "Some", Discr: 1, Fields: []layout.Field{{Ty: u32}}})

	f := pb.Func("which", u64ty)
	o := f.Local("o", opt)
	b0 := f.NewBlock()
	b0.Assign(mir.L(o), mir.EnumAggregate(opt, 1, mir.CUint(u32, 9)))
	b0.Assign(mir.L(mir.RetLocal), mir.DiscrOf(mir.L(o)))
	b0.Return()
	pb.Entry("which")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "1")
}

func TestNullarySizeAndAlign(t *testing.T) {
	pb := mir.NewProgram("nullary")
	tt := pb.Types()
	usize := tt.Usize()
	pair := tt.Tuple(usize, usize)
	u64ty := tt.U64()

	f := pb.Func("layout_of_u64", pair)
	b0 := f.NewBlock()
	sz := f.Local("sz", usize)
	al := f.Local("al", usize)
	b0.Assign(mir.L(sz), mir.Nullary(mir.NullSizeOf, u64ty))
	b0.Assign(mir.L(al), mir.Nullary(mir.NullAlignOf, u64ty))
	b0.Assign(mir.L(mir.RetLocal), mir.Aggregate(pair, mir.Copy(mir.L(sz)), mir.Copy(mir.L(al))))
	b0.Return()
	pb.Entry("layout_of_u64")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "(8, 8)")
}

// ---------------------------------------------------------------------------
// Unwinding
// ---------------------------------------------------------------------------

func TestAssertUnwindRunsCleanup(t *testing.T) {
	pb := mir.NewProgram("unwind")
	tt := pb.Types()
	u32, boolTy := tt.U32(), tt.Bool()

	f := pb.Func("bad", u32)
	b0 := f.NewBlock()
	ok := f.NewBlock()
	cleanup := f.NewCleanupBlock()
	b0.Assert(mir.CBool(boolTy, false), true, "boom", ok, cleanup)
	ok.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 0)))
	ok.Return()
	cleanup.Nop()
	cleanup.Resume()
	pb.Entry("bad")

	_, err := constEval(t, pb)
	wantFault(t, err, FaultAssert)
	ee, _ := AsEvalError(err)
	if ee.Msg != "boom" {
		t.Errorf("fault message = %q, want boom", ee.Msg)
	}
}

func TestAssertWithoutCleanupFaults(t *testing.T) {
	pb := mir.NewProgram("assert")
	tt := pb.Types()
	u32, boolTy := tt.U32(), tt.Bool()

	f := pb.Func("bad", u32)
	b0 := f.NewBlock()
	ok := f.NewBlock()
	b0.Assert(mir.CBool(boolTy, false), true, "", ok, nil)
	ok.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 0)))
	ok.Return()
	pb.Entry("bad")

	_, err := constEval(t, pb)
	wantFault(t, err, FaultAssert)
}

func TestAssertPassContinues(t *testing.T) {
	pb := mir.NewProgram("assert-ok")
	tt := pb.Types()
	u32, boolTy := tt.U32(), tt.Bool()

	f := pb.Func("fine", u32)
	b0 := f.NewBlock()
	ok := f.NewBlock()
	b0.Assert(mir.CBool(boolTy, true), true, "never", ok, nil)
	ok.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 5)))
	ok.Return()
	pb.Entry("fine")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "5")
}

// ---------------------------------------------------------------------------
// Limits and stops
// ---------------------------------------------------------------------------

func TestFuelExhaustionStops(t *testing.T) {
	pb := mir.NewProgram("fuel")
	u32 := pb.Types().U32()
	f := pb.Func("slow", u32)
	b0 := f.NewBlock()
	b0.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 1)))
	b0.Return()
	pb.Entry("slow")

	_, err := constEval(t, pb, WithFuel(1))
	if !IsStop(err) {
		t.Fatalf("want stop, got %v", err)
	}
}

func TestCancellationStops(t *testing.T) {
	pb := mir.NewProgram("cancel")
	u32 := pb.Types().U32()
	f := pb.Func("slow", u32)
	b0 := f.NewBlock()
	b0.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 1)))
	b0.Return()
	pb.Entry("slow")

	c, err := NewContext(mustBuild(t, pb), target.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start("slow"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = c.Run(ctx)
	if !IsStop(err) {
		t.Fatalf("want stop, got %v", err)
	}
}

func TestStackOverflow(t *testing.T) {
	pb := mir.NewProgram("recursion")
	tt := pb.Types()
	u32 := tt.U32()
	fnTy := tt.FnPtr(layout.FnSig{Ret: u32})

	f := pb.Func("forever", u32)
	b0 := f.NewBlock()
	b1 := f.NewBlock()
	b0.Call(mir.CFn(fnTy, "forever"), nil, mir.L(mir.RetLocal), b1, nil)
	b1.Return()
	pb.Entry("forever")

	_, err := constEval(t, pb, WithMaxFrames(8))
	wantFault(t, err, FaultStackOverflow)
}

// ---------------------------------------------------------------------------
// Local lifetimes and faults
// ---------------------------------------------------------------------------

func TestDeadLocalFaults(t *testing.T) {
	pb := mir.NewProgram("storage")
	u32 := pb.Types().U32()
	f := pb.Func("bad", u32)
	x := f.Local("x", u32)
	b0 := f.NewBlock()
	b0.Dead(x)
	b0.Assign(mir.L(x), mir.Use(mir.CUint(u32, 1)))
	b0.Assign(mir.L(mir.RetLocal), mir.Use(mir.Copy(mir.L(x))))
	b0.Return()
	pb.Entry("bad")

	_, err := constEval(t, pb)
	wantFault(t, err, FaultDeadLocal)
}

func TestStorageLiveReopens(t *testing.T) {
	pb := mir.NewProgram("storage-live")
	u32 := pb.Types().U32()
	f := pb.Func("fine", u32)
	x := f.Local("x", u32)
	b0 := f.NewBlock()
	b0.Dead(x)
	b0.Live(x)
	b0.Assign(mir.L(x), mir.Use(mir.CUint(u32, 3)))
	b0.Assign(mir.L(mir.RetLocal), mir.Use(mir.Copy(mir.L(x))))
	b0.Return()
	pb.Entry("fine")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "3")
}

func TestUninitializedReadFaults(t *testing.T) {
	pb := mir.NewProgram("uninit")
	u32 := pb.Types().U32()
	f := pb.Func("bad", u32)
	x := f.Local("x", u32)
	b0 := f.NewBlock()
	b0.Assign(mir.L(mir.RetLocal), mir.Use(mir.Copy(mir.L(x))))
	b0.Return()
	pb.Entry("bad")

	_, err := constEval(t, pb)
	wantFault(t, err, FaultUninit)
}

func TestMoveOutMarksUninit(t *testing.T) {
	pb := mir.NewProgram("moves")
	u32 := pb.Types().U32()
	f := pb.Func("bad", u32)
	x := f.Local("x", u32)
	y := f.Local("y", u32)
	b0 := f.NewBlock()
	b0.Assign(mir.L(x), mir.Use(mir.CUint(u32, 1)))
	b0.Assign(mir.L(y), mir.Use(mir.Move(mir.L(x))))
	b0.Assign(mir.L(mir.RetLocal), mir.Use(mir.Copy(mir.L(x))))
	b0.Return()
	pb.Entry("bad")

	_, err := constEval(t, pb)
	wantFault(t, err, FaultUninit)
}

func TestDivByZeroCarriesLocation(t *testing.T) {
	pb := mir.NewProgram("div")
	u32 := pb.Types().U32()
	f := pb.Func("bad", u32)
	b0 := f.NewBlock()
	b0.Assign(mir.L(mir.RetLocal), mir.Bin(mir.OpDiv, mir.CUint(u32, 1), mir.CUint(u32, 0)))
	b0.Return()
	pb.Entry("bad")

	_, err := constEval(t, pb)
	wantFault(t, err, FaultDivByZero)
	ee, _ := AsEvalError(err)
	if ee.Loc.Fn != "bad" {
		t.Errorf("fault location = %q, want bad", ee.Loc.Fn)
	}
	if len(ee.Backtrace) == 0 {
		t.Error("fault has no backtrace")
	}
}

func TestUnknownEntryFaults(t *testing.T) {
	pb := mir.NewProgram("empty")
	u32 := pb.Types().U32()
	f := pb.Func("main", u32)
	b0 := f.NewBlock()
	b0.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 0)))
	b0.Return()
	pb.Entry("main")

	prog := mustBuild(t, pb)
	_, err := ConstEval(context.Background(), prog, "missing", target.Default())
	wantFault(t, err, FaultUnknownSymbol)
}

// ---------------------------------------------------------------------------
// Casts driven through full evaluation
// ---------------------------------------------------------------------------

func TestCastInEvaluation(t *testing.T) {
	pb := mir.NewProgram("casts")
	tt := pb.Types()
	i8, i32 := tt.I8(), tt.I32()

	f := pb.Func("widen", i32)
	b0 := f.NewBlock()
	b0.Assign(mir.L(mir.RetLocal), mir.Cast(mir.CastIntToInt, mir.CInt(i8, -1), i32))
	b0.Return()
	pb.Entry("widen")

	out, err := constEval(t, pb)
	wantRendered(t, out, err, "-1")
}
