package interp

import "fmt"

// ---------------------------------------------------------------------------
// Value representation
// ---------------------------------------------------------------------------

// ValueKind selects one of the three physical representations a value
// can have at runtime. Which kind represents a given type is decided by
// layout information alone; this layer only decodes what is present.
type ValueKind uint8

const (
	// ByRef values live in memory at a pointer: aggregates, and any
	// value whose address must be observable.
	ByRef ValueKind = iota + 1
	// ByVal values are a single scalar held outside memory.
	ByVal
	// ByValPair values are two scalars held outside memory: fat
	// pointers (base, length-or-vtable) and checked-arithmetic
	// results (result, overflow flag).
	ByValPair
)

func (k ValueKind) String() string {
	switch k {
	case ByRef:
		return "by-ref"
	case ByVal:
		return "by-val"
	case ByValPair:
		return "by-val-pair"
	}
	return fmt.Sprintf("value-kind(%d)", uint8(k))
}

// Value is one IR-level value in whichever representation it currently
// has. The zero Value is invalid.
type Value struct {
	kind ValueKind
	ptr  Pointer
	a, b PrimVal
}

// RefValue wraps an address whose pointee is the value.
func RefValue(p Pointer) Value { return Value{kind: ByRef, ptr: p} }

// ScalarValue wraps a single scalar.
func ScalarValue(v PrimVal) Value { return Value{kind: ByVal, a: v} }

// PairValue wraps two scalars.
func PairValue(a, b PrimVal) Value { return Value{kind: ByValPair, a: a, b: b} }

// Kind returns the representation tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsValid reports a non-zero Value.
func (v Value) IsValid() bool { return v.kind != 0 }

// Ref returns the address of a by-ref value. The caller must have
// checked the kind.
func (v Value) Ref() Pointer {
	if v.kind != ByRef {
		panic(fmt.Sprintf("interp: Ref on %s value", v.kind))
	}
	return v.ptr
}

// Scalar returns the scalar of a by-val value. The caller must have
// checked the kind.
func (v Value) Scalar() PrimVal {
	if v.kind != ByVal {
		panic(fmt.Sprintf("interp: Scalar on %s value", v.kind))
	}
	return v.a
}

// Pair returns both scalars of a by-val-pair value. The caller must
// have checked the kind.
func (v Value) Pair() (PrimVal, PrimVal) {
	if v.kind != ByValPair {
		panic(fmt.Sprintf("interp: Pair on %s value", v.kind))
	}
	return v.a, v.b
}

func (v Value) String() string {
	switch v.kind {
	case ByRef:
		return fmt.Sprintf("ref(%s)", v.ptr)
	case ByVal:
		return v.a.String()
	case ByValPair:
		return fmt.Sprintf("(%s, %s)", v.a, v.b)
	}
	return "<invalid value>"
}

// ---------------------------------------------------------------------------
// Uniform interpretation
// ---------------------------------------------------------------------------
//
// Callers invoke these only when type information already guarantees
// the value can answer; a representation that cannot is a contract
// breach between evaluator and layout oracle, reported as an
// unsupported-representation error, never as target-program fault.

// ReadPtr interprets the value as a pointer: a by-ref value delegates
// to a pointer read at its address, a by-val pointer scalar is returned
// directly.
func (v Value) ReadPtr(mem *Memory) (Pointer, error) {
	switch v.kind {
	case ByRef:
		return mem.ReadPtr(v.ptr)
	case ByVal:
		if v.a.Kind().IsPointer() {
			return v.a.Ptr(), nil
		}
		return Pointer{}, unsupportedRepr("reading %s scalar as pointer", v.a.Kind())
	case ByValPair:
		return Pointer{}, unsupportedRepr("reading scalar pair as pointer")
	}
	return Pointer{}, unsupportedRepr("reading invalid value as pointer")
}

// ReadUint interprets the value as an unsigned integer of the given
// byte width, widened to 64 bits.
func (v Value) ReadUint(mem *Memory, size uint64) (uint64, error) {
	switch v.kind {
	case ByRef:
		return mem.ReadUint(v.ptr, size)
	case ByVal:
		if u, ok := v.a.AsUint(); ok {
			return u, nil
		}
		return 0, unsupportedRepr("reading %s scalar as unsigned integer", v.a.Kind())
	case ByValPair:
		return 0, unsupportedRepr("reading scalar pair as unsigned integer")
	}
	return 0, unsupportedRepr("reading invalid value as unsigned integer")
}

// ToPointer returns the address a by-ref value lives at. Scalar
// representations have no address and cannot be coerced to one.
func (v Value) ToPointer() (Pointer, error) {
	if v.kind != ByRef {
		return Pointer{}, unsupportedRepr("%s value has no address", v.kind)
	}
	return v.ptr, nil
}

// ExpectVTable returns the vtable pointer of a trait-object fat
// pointer: the second machine word of a by-ref layout, or the second
// scalar of a pair.
func (v Value) ExpectVTable(mem *Memory) (Pointer, error) {
	switch v.kind {
	case ByRef:
		return mem.ReadPtr(v.ptr.Add(mem.PointerSize()))
	case ByValPair:
		if v.b.Kind() == KindPtr {
			return v.b.Ptr(), nil
		}
		return Pointer{}, unsupportedRepr("fat-pointer metadata is %s, not a vtable pointer", v.b.Kind())
	}
	return Pointer{}, unsupportedRepr("%s value has no vtable slot", v.kind)
}

// ExpectSliceLen returns the length metadata of a slice or str fat
// pointer, widened to 64 bits.
func (v Value) ExpectSliceLen(mem *Memory) (uint64, error) {
	switch v.kind {
	case ByRef:
		return mem.ReadUsize(v.ptr.Add(mem.PointerSize()))
	case ByValPair:
		if u, ok := v.b.AsUint(); ok {
			return u, nil
		}
		return 0, unsupportedRepr("fat-pointer metadata is %s, not a length", v.b.Kind())
	}
	return 0, unsupportedRepr("%s value has no length slot", v.kind)
}
