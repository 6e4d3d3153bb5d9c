package interp

import (
	"strings"
	"testing"

	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/target"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	return NewMemory(target.Default())
}

func mustAllocate(t *testing.T, m *Memory, size, align uint64, kind AllocKind) Pointer {
	t.Helper()
	p, err := m.Allocate(size, align, kind)
	if err != nil {
		t.Fatalf("Allocate(%d, %d): %v", size, align, err)
	}
	return p
}

func wantFault(t *testing.T, err error, kind FaultKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("want %v fault, got nil", kind)
	}
	ee, ok := AsEvalError(err)
	if !ok {
		t.Fatalf("want *EvalError, got %T: %v", err, err)
	}
	if ee.Class != ClassFault {
		t.Fatalf("class = %v, want fault: %v", ee.Class, err)
	}
	if ee.Kind != kind {
		t.Errorf("fault kind = %v, want %v (%v)", ee.Kind, kind, err)
	}
}

func wantInvariant(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("want invariant violation, got nil")
	}
	if !IsInvariant(err) {
		t.Errorf("want invariant violation, got %v", err)
	}
}

func TestMemoryUintRoundTrip(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 16, 8, AllocStack)

	for _, size := range []uint64{1, 2, 4, 8} {
		want := uint64(0xA1B2C3D4E5F60708) & layout.MaxFor(size)
		if err := m.WriteUint(p, size, want); err != nil {
			t.Fatalf("WriteUint size %d: %v", size, err)
		}
		got, err := m.ReadUint(p, size)
		if err != nil {
			t.Fatalf("ReadUint size %d: %v", size, err)
		}
		if got != want {
			t.Errorf("size %d: read %#x, want %#x", size, got, want)
		}
	}
}

func TestMemoryIntRoundTrip(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 8, 8, AllocStack)

	tests := []struct {
		size uint64
		v    int64
	}{
		{1, -1}, {1, 127}, {1, -128},
		{2, -30000}, {4, -5}, {8, -1 << 62},
	}
	for _, tt := range tests {
		if err := m.WriteInt(p, tt.size, tt.v); err != nil {
			t.Fatalf("WriteInt(%d, %d): %v", tt.size, tt.v, err)
		}
		got, err := m.ReadInt(p, tt.size)
		if err != nil {
			t.Fatalf("ReadInt(%d): %v", tt.size, err)
		}
		if got != tt.v {
			t.Errorf("size %d: read %d, want %d", tt.size, got, tt.v)
		}
	}
}

func TestMemoryUninitReadFaults(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 8, 8, AllocStack)

	_, err := m.ReadUint(p, 4)
	wantFault(t, err, FaultUninit)

	// Initializing part of the range is not enough.
	if err := m.WriteUint(p, 2, 7); err != nil {
		t.Fatal(err)
	}
	_, err = m.ReadUint(p, 4)
	wantFault(t, err, FaultUninit)

	if err := m.WriteUint(p.Add(2), 2, 7); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReadUint(p, 4); err != nil {
		t.Errorf("fully initialized read: %v", err)
	}
}

func TestMemoryMarkUninit(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 8, 8, AllocStack)
	if err := m.WriteUint(p, 8, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkUninit(p.Add(4), 4); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReadUint(p, 4); err != nil {
		t.Errorf("low half should stay initialized: %v", err)
	}
	_, err := m.ReadUint(p.Add(4), 4)
	wantFault(t, err, FaultUninit)
}

func TestMemoryOutOfBounds(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 8, 8, AllocStack)

	if err := m.WriteUint(p.Add(5), 4, 1); err == nil {
		t.Error("write past the end should fault")
	} else {
		wantFault(t, err, FaultOutOfBounds)
	}
	_, err := m.ReadUint(p.Add(8), 1)
	wantFault(t, err, FaultOutOfBounds)
}

func TestMemoryMisaligned(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 16, 8, AllocStack)

	err := m.WriteUint(p.Add(1), 4, 1)
	wantFault(t, err, FaultMisaligned)

	// CheckAlign agrees.
	if err := m.CheckAlign(p.Add(4), 4); err != nil {
		t.Errorf("offset 4 is 4-aligned: %v", err)
	}
	wantFault(t, m.CheckAlign(p.Add(2), 4), FaultMisaligned)
}

func TestMemoryAbsolutePointerAccess(t *testing.T) {
	m := newTestMemory(t)

	_, err := m.ReadUint(Pointer{Off: 16}, 4)
	wantFault(t, err, FaultDangling)
	err = m.WriteUint(NullPtr(), 4, 1)
	wantFault(t, err, FaultDangling)
}

func TestMemoryDeallocate(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 8, 8, AllocHeap)
	if err := m.WriteUint(p, 4, 42); err != nil {
		t.Fatal(err)
	}

	if err := m.Deallocate(p, AllocHeap); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}

	// The allocation is dead, not recycled.
	_, err := m.ReadUint(p, 4)
	wantFault(t, err, FaultDangling)

	// Freeing again is a double free.
	wantFault(t, m.Deallocate(p, AllocHeap), FaultDoubleFree)

	// Fresh allocations never reuse the id.
	q := mustAllocate(t, m, 8, 8, AllocHeap)
	if q.Alloc == p.Alloc {
		t.Errorf("allocation id %d was reused", p.Alloc)
	}
}

func TestMemoryDeallocateWrongKind(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 8, 8, AllocStack)
	wantFault(t, m.Deallocate(p, AllocHeap), FaultInvalidDealloc)

	// Interior pointers cannot be freed.
	q := mustAllocate(t, m, 8, 8, AllocHeap)
	wantFault(t, m.Deallocate(q.Add(4), AllocHeap), FaultInvalidDealloc)
}

func TestMemoryFreeze(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 8, 8, AllocHeap)
	if err := m.WriteUint(p, 8, 7); err != nil {
		t.Fatal(err)
	}
	if err := m.Freeze(p.Alloc, AllocGlobal); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	info, err := m.Info(p.Alloc)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mutable || info.Kind != AllocGlobal {
		t.Errorf("info = %+v, want immutable global", info)
	}

	wantFault(t, m.WriteUint(p, 8, 9), FaultImmutableWrite)
	if got, err := m.ReadUint(p, 8); err != nil || got != 7 {
		t.Errorf("read after freeze = %d, %v; want 7", got, err)
	}
}

func TestMemoryPointerRoundTrip(t *testing.T) {
	m := newTestMemory(t)
	ps := m.PointerSize()
	a := mustAllocate(t, m, 2*ps, ps, AllocStack)
	b := mustAllocate(t, m, 8, 8, AllocStack)

	want := b.Add(4)
	if err := m.WritePtr(a, want); err != nil {
		t.Fatalf("WritePtr: %v", err)
	}
	got, err := m.ReadPtr(a)
	if err != nil {
		t.Fatalf("ReadPtr: %v", err)
	}
	if got != want {
		t.Errorf("ReadPtr = %v, want %v", got, want)
	}
}

func TestMemoryPointerAsBytesFaults(t *testing.T) {
	m := newTestMemory(t)
	ps := m.PointerSize()
	a := mustAllocate(t, m, 2*ps, ps, AllocStack)
	b := mustAllocate(t, m, 8, 8, AllocStack)
	if err := m.WritePtr(a, b); err != nil {
		t.Fatal(err)
	}

	// Reading the pointer's bytes as an integer loses provenance.
	_, err := m.ReadUint(a, ps)
	wantFault(t, err, FaultPointerAsBytes)

	_, err = m.ReadBytes(a, ps)
	wantFault(t, err, FaultPointerAsBytes)

	// A read next to the pointer is fine.
	if err := m.WriteUint(a.Add(ps), ps, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReadUint(a.Add(ps), ps); err != nil {
		t.Errorf("adjacent read: %v", err)
	}
}

func TestMemoryBytesAsPointer(t *testing.T) {
	m := newTestMemory(t)
	ps := m.PointerSize()
	a := mustAllocate(t, m, 2*ps, ps, AllocStack)

	// Plain integer bytes read back as an absolute pointer.
	if err := m.WriteUint(a, ps, 0x1000); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadPtr(a)
	if err != nil {
		t.Fatalf("ReadPtr over plain bytes: %v", err)
	}
	if !got.IsAbsolute() || got.Off != 0x1000 {
		t.Errorf("ReadPtr = %v, want abs:0x1000", got)
	}

	// A pointer that lands at an interior offset via Copy turns later
	// pointer-sized reads into mixed-fragment faults.
	src := mustAllocate(t, m, 2*ps, ps, AllocStack)
	dst := mustAllocate(t, m, 2*ps, ps, AllocStack)
	b := mustAllocate(t, m, 8, 8, AllocStack)
	if err := m.WriteUint(src, ps/2, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteUint(src.Add(ps/2), ps/2, 2); err != nil {
		t.Fatal(err)
	}
	if err := m.WritePtr(src.Add(ps), b); err != nil {
		t.Fatal(err)
	}
	if err := m.Copy(src.Add(ps/2), dst, ps+ps/2); err != nil {
		t.Fatal(err)
	}
	_, err = m.ReadPtr(dst)
	wantFault(t, err, FaultBytesAsPointer)
}

func TestMemoryWriteErasesProvenance(t *testing.T) {
	m := newTestMemory(t)
	ps := m.PointerSize()
	a := mustAllocate(t, m, 2*ps, ps, AllocStack)
	b := mustAllocate(t, m, 8, 8, AllocStack)
	if err := m.WritePtr(a, b); err != nil {
		t.Fatal(err)
	}

	// Overwriting one byte of the pointer degrades it to plain data.
	if err := m.WriteBytes(a.Add(1), []byte{0xFF}); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadPtr(a)
	if err != nil {
		t.Fatalf("ReadPtr after partial overwrite: %v", err)
	}
	if !got.IsAbsolute() {
		t.Errorf("ReadPtr = %v, want an absolute pointer (provenance erased)", got)
	}

	// And its bytes are now readable as data.
	if _, err := m.ReadUint(a, ps); err != nil {
		t.Errorf("read after provenance erase: %v", err)
	}
}

func TestMemoryCopyCarriesEverything(t *testing.T) {
	m := newTestMemory(t)
	ps := m.PointerSize()
	src := mustAllocate(t, m, 3*ps, ps, AllocStack)
	dst := mustAllocate(t, m, 3*ps, ps, AllocStack)
	tgt := mustAllocate(t, m, 8, 8, AllocStack)

	// Layout: [ptr][int][uninit]
	if err := m.WritePtr(src, tgt.Add(2)); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteUint(src.Add(ps), ps, 99); err != nil {
		t.Fatal(err)
	}

	if err := m.Copy(src, dst, 3*ps); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	p, err := m.ReadPtr(dst)
	if err != nil || p != tgt.Add(2) {
		t.Errorf("copied pointer = %v, %v; want %v", p, err, tgt.Add(2))
	}
	n, err := m.ReadUint(dst.Add(ps), ps)
	if err != nil || n != 99 {
		t.Errorf("copied int = %d, %v; want 99", n, err)
	}
	_, err = m.ReadUint(dst.Add(2*ps), ps)
	wantFault(t, err, FaultUninit)
}

func TestMemoryCopyOverlapping(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 8, 8, AllocStack)
	for i := uint64(0); i < 8; i++ {
		if err := m.WriteUint(p.Add(i), 1, i); err != nil {
			t.Fatal(err)
		}
	}
	// Shift left by two within the same allocation.
	if err := m.Copy(p.Add(2), p, 6); err != nil {
		t.Fatalf("overlapping Copy: %v", err)
	}
	for i := uint64(0); i < 6; i++ {
		got, err := m.ReadUint(p.Add(i), 1)
		if err != nil || got != i+2 {
			t.Errorf("byte %d = %d, %v; want %d", i, got, err, i+2)
		}
	}
}

func TestMemoryFill(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 8, 8, AllocStack)
	if err := m.Fill(p, 0xAB, 8); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	got, err := m.ReadUint(p, 1)
	if err != nil || got != 0xAB {
		t.Errorf("filled byte = %#x, %v; want 0xab", got, err)
	}
}

func TestMemoryFunctionRegistry(t *testing.T) {
	m := newTestMemory(t)
	sig := layout.FnSig{Ret: 1}
	p := m.RegisterFn("f", nil, sig)
	if p.IsAbsolute() {
		t.Fatal("function pointer has no provenance")
	}

	// Same name, same pointer.
	if q := m.RegisterFn("f", nil, sig); q != p {
		t.Errorf("re-registering f moved it: %v vs %v", q, p)
	}

	q, ok := m.FnPointer("f")
	if !ok || q != p {
		t.Errorf("FnPointer(f) = %v, %v", q, ok)
	}
	if !m.IsFn(p.Alloc) {
		t.Error("IsFn(f) = false")
	}

	def, err := m.FnByPtr(p)
	if err != nil || def.Name != "f" {
		t.Errorf("FnByPtr = %v, %v", def, err)
	}

	// Offset function pointers are invalid.
	if _, err := m.FnByPtr(p.Add(1)); err == nil {
		t.Error("offset fn pointer should fail")
	}
	// Data pointers are not functions.
	d := mustAllocate(t, m, 8, 8, AllocStack)
	if _, err := m.FnByPtr(d); err == nil {
		t.Error("data pointer is not callable")
	}
}

func TestMemoryRelocationTargets(t *testing.T) {
	m := newTestMemory(t)
	ps := m.PointerSize()
	a := mustAllocate(t, m, 2*ps, ps, AllocStack)
	b := mustAllocate(t, m, 8, 8, AllocStack)
	c := mustAllocate(t, m, 8, 8, AllocStack)

	if err := m.WritePtr(a, b); err != nil {
		t.Fatal(err)
	}
	if err := m.WritePtr(a.Add(ps), c.Add(3)); err != nil {
		t.Fatal(err)
	}

	ids, err := m.RelocationTargets(a.Alloc)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("relocations = %v, want 2 entries", ids)
	}
	seen := map[AllocID]bool{ids[0]: true, ids[1]: true}
	if !seen[b.Alloc] || !seen[c.Alloc] {
		t.Errorf("relocations = %v, want {%d, %d}", ids, b.Alloc, c.Alloc)
	}
}

func TestMemoryStats(t *testing.T) {
	m := newTestMemory(t)
	a := mustAllocate(t, m, 16, 8, AllocStack)
	mustAllocate(t, m, 8, 8, AllocHeap)

	s := m.Stats()
	if s.Allocations != 2 || s.Live != 2 || s.LiveBytes != 24 {
		t.Errorf("stats = %+v, want 2 allocs, 24 live bytes", s)
	}
	if err := m.Deallocate(a, AllocStack); err != nil {
		t.Fatal(err)
	}
	s = m.Stats()
	if s.Live != 1 || s.LiveBytes != 8 || s.PeakBytes != 24 {
		t.Errorf("stats after free = %+v", s)
	}
}

func TestMemoryDumpAlloc(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 4, 4, AllocStack)
	if err := m.WriteUint(p, 2, 0xBEEF); err != nil {
		t.Fatal(err)
	}
	dump := m.DumpAlloc(p.Alloc)
	if !strings.Contains(dump, "__") {
		t.Errorf("dump hides uninitialized bytes: %q", dump)
	}
	if !strings.Contains(dump, "stack") {
		t.Errorf("dump omits kind: %q", dump)
	}
}

func TestMemoryZeroSizedAllocation(t *testing.T) {
	m := newTestMemory(t)
	p := mustAllocate(t, m, 0, 1, AllocStack)
	if p.Alloc == 0 {
		t.Fatal("ZST allocation still gets an id")
	}
	if err := m.CheckInBounds(p); err != nil {
		t.Errorf("offset 0 of an empty allocation is in bounds: %v", err)
	}
	wantFault(t, m.CheckInBounds(p.Add(1)), FaultOutOfBounds)
}

func TestMemoryBadAlignmentIsInvariant(t *testing.T) {
	m := newTestMemory(t)
	_, err := m.Allocate(8, 3, AllocStack)
	wantInvariant(t, err)
}

func TestRangesOverlap(t *testing.T) {
	a := Pointer{Alloc: 1, Off: 0}
	b := Pointer{Alloc: 1, Off: 8}
	tests := []struct {
		x, y Pointer
		n    uint64
		want bool
	}{
		{a, b, 8, false},
		{a, b, 9, true},
		{a, a, 1, true},
		{a, Pointer{Alloc: 2, Off: 0}, 64, false},
		{b, a, 9, true},
	}
	for _, tt := range tests {
		if got := RangesOverlap(tt.x, tt.y, tt.n); got != tt.want {
			t.Errorf("RangesOverlap(%v, %v, %d) = %v, want %v", tt.x, tt.y, tt.n, got, tt.want)
		}
	}
}
