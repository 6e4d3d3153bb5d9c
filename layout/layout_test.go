package layout

import (
	"testing"

	"github.com/chazu/ferrite/target"
)

func newEngine(t *testing.T, targetName string) *Engine {
	t.Helper()
	spec, err := target.Lookup(targetName)
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(NewTable(), spec)
}

func mustLayout(t *testing.T, e *Engine, id TypeID) *Layout {
	t.Helper()
	l, err := e.Of(id)
	if err != nil {
		t.Fatalf("layout of %s failed: %v", e.Table().Key(id), err)
	}
	return l
}

func TestPrimitiveLayouts(t *testing.T) {
	e := newEngine(t, "x86_64")
	tb := e.Table()

	tests := []struct {
		id        TypeID
		size      uint64
		align     uint64
		repr      Repr
		signed    bool
		validFrom uint64
		validTo   uint64
	}{
		{tb.Bool(), 1, 1, ReprScalar, false, 0, 1},
		{tb.Char(), 4, 4, ReprScalar, false, 0, 0x10FFFF},
		{tb.U8(), 1, 1, ReprScalar, false, 0, 0xff},
		{tb.I16(), 2, 2, ReprScalar, true, 0, 0xffff},
		{tb.U64(), 8, 8, ReprScalar, false, 0, ^uint64(0)},
		{tb.Usize(), 8, 8, ReprScalar, false, 0, ^uint64(0)},
		{tb.F32(), 4, 4, ReprScalar, false, 0, 0xffff_ffff},
	}

	for _, tt := range tests {
		l := mustLayout(t, e, tt.id)
		key := tb.Key(tt.id)
		if l.Size != tt.size || l.Align != tt.align {
			t.Errorf("%s: size/align = %d/%d, want %d/%d", key, l.Size, l.Align, tt.size, tt.align)
		}
		if l.Repr != tt.repr {
			t.Errorf("%s: repr = %v, want %v", key, l.Repr, tt.repr)
		}
		if l.Scalar == nil {
			t.Fatalf("%s: no scalar info", key)
		}
		if l.Scalar.Signed != tt.signed {
			t.Errorf("%s: signed = %v, want %v", key, l.Scalar.Signed, tt.signed)
		}
		if l.Scalar.ValidStart != tt.validFrom || l.Scalar.ValidEnd != tt.validTo {
			t.Errorf("%s: valid range [%d,%d], want [%d,%d]",
				key, l.Scalar.ValidStart, l.Scalar.ValidEnd, tt.validFrom, tt.validTo)
		}
	}
}

func TestU64AlignOn32Bit(t *testing.T) {
	e := newEngine(t, "i686")
	l := mustLayout(t, e, e.Table().U64())
	if l.Size != 8 || l.Align != 4 {
		t.Errorf("i686 u64: size/align = %d/%d, want 8/4", l.Size, l.Align)
	}
	usize := mustLayout(t, e, e.Table().Usize())
	if usize.Size != 4 {
		t.Errorf("i686 usize size = %d, want 4", usize.Size)
	}
}

func TestStructOffsets(t *testing.T) {
	e := newEngine(t, "x86_64")
	tb := e.Table()

	// struct { a: u8, b: u32, c: u8 } -> offsets 0, 4, 8; size 12
	id := tb.Struct("Packed",
		Field{Name: "a", Ty: tb.U8()},
		Field{Name: "b", Ty: tb.U32()},
		Field{Name: "c", Ty: tb.U8()},
	)
	l := mustLayout(t, e, id)

	wantOffsets := []uint64{0, 4, 8}
	for i, want := range wantOffsets {
		if l.Fields[i].Offset != want {
			t.Errorf("field %d offset = %d, want %d", i, l.Fields[i].Offset, want)
		}
	}
	if l.Size != 12 || l.Align != 4 {
		t.Errorf("size/align = %d/%d, want 12/4", l.Size, l.Align)
	}
	if l.Repr != ReprMemory {
		t.Errorf("repr = %v, want memory", l.Repr)
	}
}

func TestNewtypeIsScalar(t *testing.T) {
	e := newEngine(t, "x86_64")
	tb := e.Table()

	id := tb.Struct("Meters", Field{Name: "0", Ty: tb.U32()})
	l := mustLayout(t, e, id)
	if l.Repr != ReprScalar || l.Size != 4 {
		t.Errorf("newtype repr/size = %v/%d, want scalar/4", l.Repr, l.Size)
	}
}

func TestPairClassification(t *testing.T) {
	e := newEngine(t, "x86_64")
	tb := e.Table()

	// (u32, bool): two scalars pack as a pair.
	id := tb.Tuple(tb.U32(), tb.Bool())
	l := mustLayout(t, e, id)
	if l.Repr != ReprPair {
		t.Fatalf("(u32, bool) repr = %v, want pair", l.Repr)
	}
	if l.PairBOffset != 4 {
		t.Errorf("pair B offset = %d, want 4", l.PairBOffset)
	}
	if l.PairB.ValidEnd != 1 {
		t.Errorf("pair B valid end = %d, want 1 (bool)", l.PairB.ValidEnd)
	}

	// Three scalars stay in memory.
	id3 := tb.Tuple(tb.U32(), tb.U32(), tb.U32())
	if l3 := mustLayout(t, e, id3); l3.Repr != ReprMemory {
		t.Errorf("(u32,u32,u32) repr = %v, want memory", l3.Repr)
	}
}

func TestUnitIsZST(t *testing.T) {
	e := newEngine(t, "x86_64")
	l := mustLayout(t, e, e.Table().Unit())
	if !l.IsZST() {
		t.Errorf("unit: size %d, unsized %v; want ZST", l.Size, l.Unsized)
	}
}

func TestThinAndFatPointers(t *testing.T) {
	e := newEngine(t, "x86_64")
	tb := e.Table()

	thin := mustLayout(t, e, tb.Ref(tb.U32(), false))
	if thin.Repr != ReprScalar || thin.Size != 8 {
		t.Errorf("&u32: repr/size = %v/%d, want scalar/8", thin.Repr, thin.Size)
	}
	if thin.Scalar.ValidStart != 1 {
		t.Error("&u32 should be non-null")
	}

	raw := mustLayout(t, e, tb.RawPtr(tb.U32(), true))
	if raw.Scalar.ValidStart != 0 {
		t.Error("*mut u32 may be null")
	}

	slice := mustLayout(t, e, tb.Ref(tb.Slice(tb.U8()), false))
	if slice.Repr != ReprPair || slice.Size != 16 {
		t.Errorf("&[u8]: repr/size = %v/%d, want pair/16", slice.Repr, slice.Size)
	}
	if slice.PairA == nil || !slice.PairA.Pointer {
		t.Error("&[u8] data half should be a pointer scalar")
	}
	if slice.PairB == nil || slice.PairB.Pointer {
		t.Error("&[u8] meta half should be a plain usize")
	}
	if slice.PairBOffset != 8 {
		t.Errorf("&[u8] meta offset = %d, want 8", slice.PairBOffset)
	}

	obj := mustLayout(t, e, tb.Ref(tb.Trait("Shape"), false))
	if obj.Repr != ReprPair {
		t.Fatalf("&dyn Shape repr = %v, want pair", obj.Repr)
	}
	if obj.PairB == nil || !obj.PairB.Pointer || obj.PairB.ValidStart != 1 {
		t.Error("&dyn Shape meta half should be a non-null vtable pointer")
	}
}

func TestArrayLayout(t *testing.T) {
	e := newEngine(t, "x86_64")
	tb := e.Table()

	l := mustLayout(t, e, tb.Array(tb.U32(), 5))
	if l.Size != 20 || l.Align != 4 || l.ElemSize != 4 || l.Count != 5 {
		t.Errorf("[u32; 5]: size=%d align=%d elem=%d count=%d", l.Size, l.Align, l.ElemSize, l.Count)
	}

	if _, err := e.Of(tb.Array(tb.U64(), 1<<61)); err == nil {
		t.Error("oversized array should fail layout")
	}
}

func TestCLikeEnum(t *testing.T) {
	e := newEngine(t, "x86_64")
	tb := e.Table()

	id := tb.Enum("Color",
		Variant{Name: "Red", Discr: 0},
		Variant{Name: "Green", Discr: 1},
		Variant{Name: "Blue", Discr: 7},
	)
	l := mustLayout(t, e, id)
	if l.Repr != ReprScalar || l.Size != 1 {
		t.Fatalf("Color: repr/size = %v/%d, want scalar/1", l.Repr, l.Size)
	}
	if l.Tag != TagDirect {
		t.Errorf("tag kind = %d, want direct", l.Tag)
	}
	if l.TagScalar.ValidStart != 0 || l.TagScalar.ValidEnd != 7 {
		t.Errorf("tag range [%d,%d], want [0,7]", l.TagScalar.ValidStart, l.TagScalar.ValidEnd)
	}
	if _, ok := l.VariantByDiscr(7); !ok {
		t.Error("discriminant 7 not found")
	}
	if _, ok := l.VariantByDiscr(3); ok {
		t.Error("discriminant 3 should not exist")
	}
}

func TestDatafulEnum(t *testing.T) {
	e := newEngine(t, "x86_64")
	tb := e.Table()

	// enum Shape { Circle(u32), Rect(u32, u32) } -> tag u8 at 0, payload from 4.
	id := tb.Enum("Shape",
		Variant{Name: "Circle", Discr: 0, Fields: []Field{{Ty: tb.U32()}}},
		Variant{Name: "Rect", Discr: 1, Fields: []Field{{Ty: tb.U32()}, {Ty: tb.U32()}}},
	)
	l := mustLayout(t, e, id)
	if l.Repr != ReprMemory || l.Tag != TagDirect {
		t.Fatalf("Shape: repr=%v tag=%d, want memory/direct", l.Repr, l.Tag)
	}
	if l.TagScalar.Size != 1 || l.TagOffset != 0 {
		t.Errorf("tag: size=%d offset=%d, want 1/0", l.TagScalar.Size, l.TagOffset)
	}
	circle := l.Variants[0]
	if circle.Fields[0].Offset != 4 {
		t.Errorf("Circle payload offset = %d, want 4", circle.Fields[0].Offset)
	}
	rect := l.Variants[1]
	if rect.Fields[1].Offset != 8 {
		t.Errorf("Rect second field offset = %d, want 8", rect.Fields[1].Offset)
	}
	if l.Size != 12 {
		t.Errorf("Shape size = %d, want 12", l.Size)
	}
}

func TestNicheEnum(t *testing.T) {
	e := newEngine(t, "x86_64")
	tb := e.Table()

	// enum Option { None, Some(&u32) } -> single pointer, null means None.
	id := tb.Enum("Option",
		Variant{Name: "None", Discr: 0},
		Variant{Name: "Some", Discr: 1, Fields: []Field{{Ty: tb.Ref(tb.U32(), false)}}},
	)
	l := mustLayout(t, e, id)
	if l.Repr != ReprScalar || l.Size != 8 {
		t.Fatalf("Option<&u32>: repr/size = %v/%d, want scalar/8", l.Repr, l.Size)
	}
	if l.Tag != TagNiche {
		t.Fatalf("tag kind = %d, want niche", l.Tag)
	}
	if l.NicheValue != 0 {
		t.Errorf("niche value = %d, want 0", l.NicheValue)
	}
	if l.UntaggedVariant != 1 {
		t.Errorf("untagged variant = %d, want 1 (Some)", l.UntaggedVariant)
	}
}

func TestEnumRejectsDuplicateDiscr(t *testing.T) {
	e := newEngine(t, "x86_64")
	tb := e.Table()
	id := tb.Enum("Bad",
		Variant{Name: "A", Discr: 1},
		Variant{Name: "B", Discr: 1},
	)
	if _, err := e.Of(id); err == nil {
		t.Error("duplicate discriminants should fail layout")
	}
}

func TestTableInterning(t *testing.T) {
	tb := NewTable()
	a := tb.U32()
	b := tb.U32()
	if a != b {
		t.Errorf("u32 interned twice: %d vs %d", a, b)
	}
	if tb.Key(a) != "u32" {
		t.Errorf("key = %q, want u32", tb.Key(a))
	}

	s := tb.Ref(tb.Slice(tb.U8()), true)
	if got := tb.Key(s); got != "&mut [u8]" {
		t.Errorf("key = %q, want &mut [u8]", got)
	}
}

func TestFromTypesRoundTrip(t *testing.T) {
	tb := NewTable()
	tb.Struct("P", Field{Name: "x", Ty: tb.U32()}, Field{Name: "y", Ty: tb.U32()})

	rebuilt, err := FromTypes(tb.Types())
	if err != nil {
		t.Fatalf("FromTypes failed: %v", err)
	}
	if rebuilt.Len() != tb.Len() {
		t.Fatalf("rebuilt %d types, want %d", rebuilt.Len(), tb.Len())
	}
	for i := 1; i <= tb.Len(); i++ {
		id := TypeID(i)
		if rebuilt.Key(id) != tb.Key(id) {
			t.Errorf("type %d key = %q, want %q", i, rebuilt.Key(id), tb.Key(id))
		}
	}
}

func TestFromTypesRejectsForwardRefs(t *testing.T) {
	types := []Type{
		{Kind: KindRef, Elem: 2}, // forward reference
		{Kind: KindUint, Width: 4},
	}
	if _, err := FromTypes(types); err == nil {
		t.Error("forward reference should be rejected")
	}

	if _, err := FromTypes([]Type{{Kind: KindRef, Elem: 1}}); err == nil {
		t.Error("self reference should be rejected")
	}
}

func TestSigKey(t *testing.T) {
	tb := NewTable()
	sig := FnSig{Params: []TypeID{tb.U32(), tb.Bool()}, Ret: tb.U32()}
	want := "fn(u32, bool) -> u32"
	if got := tb.SigKey(sig); got != want {
		t.Errorf("SigKey = %q, want %q", got, want)
	}

	void := FnSig{}
	if got := tb.SigKey(void); got != "fn()" {
		t.Errorf("SigKey = %q, want fn()", got)
	}
}
