package mir

import (
	"fmt"
	"testing"

	"github.com/chazu/ferrite/layout"
)

// buildAddProgram builds: fn add(a: u32, b: u32) -> u32 { a + b }
// plus an entry body calling it.
func buildAddProgram(t *testing.T) *Program {
	t.Helper()
	pb := NewProgram("add-demo")
	tb := pb.Types()
	u32 := tb.U32()
	fnTy := tb.FnPtr(layout.FnSig{Params: []layout.TypeID{u32, u32}, Ret: u32})

	add := pb.Func("add", u32, u32, u32)
	b0 := add.NewBlock()
	b0.Assign(L(RetLocal), Bin(OpAdd, Copy(L(add.Arg(0))), Copy(L(add.Arg(1)))))
	b0.Return()

	main := pb.Func("main", u32)
	e0 := main.NewBlock()
	e1 := main.NewBlock()
	e0.Call(CFn(fnTy, "add"), []Operand{CUint(u32, 2), CUint(u32, 40)}, L(RetLocal), e1, nil)
	e1.Return()
	pb.Entry("main")

	prog, err := pb.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return prog
}

func TestBuilderProducesValidProgram(t *testing.T) {
	prog := buildAddProgram(t)

	add, ok := prog.Body("add")
	if !ok {
		t.Fatal("body add not found")
	}
	if add.Params != 2 || len(add.Locals) != 3 {
		t.Errorf("add: params=%d locals=%d, want 2/3", add.Params, len(add.Locals))
	}
	if len(add.Blocks) != 1 {
		t.Fatalf("add has %d blocks, want 1", len(add.Blocks))
	}
	if add.Blocks[0].Term.Kind != TermReturn {
		t.Errorf("add terminator = %v, want return", add.Blocks[0].Term.Kind)
	}

	sig := add.Sig()
	if got := prog.Table().SigKey(sig); got != "fn(u32, u32) -> u32" {
		t.Errorf("add sig = %q", got)
	}
}

func TestValidateCatchesBadEdges(t *testing.T) {
	pb := NewProgram("bad")
	u32 := pb.Types().U32()
	f := pb.Func("f", u32)
	b := f.NewBlock()
	b.term = Terminator{Kind: TermGoto, Target: 7} // out of range
	if _, err := pb.Build(); err == nil {
		t.Error("out-of-range goto should fail validation")
	}
}

func TestValidateCatchesBadLocals(t *testing.T) {
	pb := NewProgram("bad")
	u32 := pb.Types().U32()
	f := pb.Func("f", u32)
	b := f.NewBlock()
	b.Assign(L(9), Use(CUint(u32, 1))) // local _9 undeclared
	b.Return()
	if _, err := pb.Build(); err == nil {
		t.Error("undeclared local should fail validation")
	}
}

func TestValidateMissingTerminator(t *testing.T) {
	pb := NewProgram("bad")
	u32 := pb.Types().U32()
	f := pb.Func("f", u32)
	f.NewBlock() // never terminated
	if _, err := pb.Build(); err == nil {
		t.Error("unterminated block should fail build")
	}
}

func TestValidateEntryMustExist(t *testing.T) {
	pb := NewProgram("bad")
	u32 := pb.Types().U32()
	f := pb.Func("f", u32)
	f.NewBlock().Return()
	pb.Entry("missing")
	if _, err := pb.Build(); err == nil {
		t.Error("unknown entry should fail validation")
	}
}

func TestValidateSwitchArity(t *testing.T) {
	pb := NewProgram("bad")
	tb := pb.Types()
	u32 := tb.U32()
	f := pb.Func("f", u32)
	b0 := f.NewBlock()
	b1 := f.NewBlock()
	b1.Return()
	b0.term = Terminator{
		Kind:      TermSwitchInt,
		Discr:     &Operand{Kind: OpConst, Const: &Const{Kind: ConstInt, Ty: u32, Bits: 1}},
		Values:    []uint64{0, 1},
		Targets:   []int32{b1.Index()}, // arity mismatch
		Otherwise: b1.Index(),
	}
	if _, err := pb.Build(); err == nil {
		t.Error("switch value/target arity mismatch should fail")
	}
}

func TestWireRoundTrip(t *testing.T) {
	prog := buildAddProgram(t)

	data, err := Encode(prog)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(data[:4]) != "FIRE" {
		t.Errorf("magic = %q, want FIRE", data[:4])
	}

	back, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if back.Name != prog.Name || back.Entry != prog.Entry {
		t.Errorf("name/entry = %q/%q, want %q/%q", back.Name, back.Entry, prog.Name, prog.Entry)
	}
	if len(back.Bodies) != len(prog.Bodies) {
		t.Fatalf("bodies = %d, want %d", len(back.Bodies), len(prog.Bodies))
	}
	if back.Table().Len() != prog.Table().Len() {
		t.Errorf("types = %d, want %d", back.Table().Len(), prog.Table().Len())
	}

	add, ok := back.Body("add")
	if !ok {
		t.Fatal("decoded program lost body add")
	}
	st := add.Blocks[0].Stmts[0]
	if st.Kind != StmtAssign || st.Rvalue.Op != OpAdd {
		t.Error("decoded add body lost its assign statement")
	}

	// Deterministic encoding.
	again, err := Encode(back)
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(data) {
		t.Error("encoding is not deterministic")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("FI")); err == nil {
		t.Error("short input should fail")
	}
	if _, err := Decode([]byte("NOPE1234garbage")); err == nil {
		t.Error("bad magic should fail")
	}
	data, _ := Encode(buildAddProgram(t))
	data[4] = 99 // version
	if _, err := Decode(data); err == nil {
		t.Error("bad version should fail")
	}
}

func TestPlaceString(t *testing.T) {
	p := L(3, Deref(), Field(1), Index(2))
	want := "(*_3).1[_2]"
	if got := p.String(); got != want {
		t.Errorf("Place.String() = %q, want %q", got, want)
	}
}

func TestOpStrings(t *testing.T) {
	tests := []struct {
		op   fmt.Stringer
		want string
	}{
		{OpAdd, "+"},
		{OpPtrOffset, "ptr-offset"},
		{BinOp(200), "binop(200)"},
		{NullSizeOf, "size-of"},
		{NullAlignOf, "align-of"},
		{NullOp(9), "nullop(9)"},
	}
	for _, tc := range tests {
		if got := tc.op.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
