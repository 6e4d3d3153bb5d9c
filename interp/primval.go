package interp

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// PrimVal: tagged machine scalars
// ---------------------------------------------------------------------------

// PrimKind tags the interpretation of a primitive scalar.
type PrimKind uint8

const (
	KindU8 PrimKind = iota + 1
	KindU16
	KindU32
	KindU64
	KindI8
	KindI16
	KindI32
	KindI64
	KindF32
	KindF64
	KindBool
	KindChar
	KindPtr
	KindFnPtr
)

func (k PrimKind) String() string {
	names := [...]string{"", "u8", "u16", "u32", "u64", "i8", "i16", "i32", "i64",
		"f32", "f64", "bool", "char", "ptr", "fnptr"}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("prim(%d)", uint8(k))
}

// IsUint reports an unsigned integer kind (u8..u64).
func (k PrimKind) IsUint() bool { return k >= KindU8 && k <= KindU64 }

// IsInt reports a signed integer kind (i8..i64).
func (k PrimKind) IsInt() bool { return k >= KindI8 && k <= KindI64 }

// IsFloat reports f32 or f64.
func (k PrimKind) IsFloat() bool { return k == KindF32 || k == KindF64 }

// IsPointer reports a provenance-carrying kind.
func (k PrimKind) IsPointer() bool { return k == KindPtr || k == KindFnPtr }

// FixedSize returns the byte width of fixed-width kinds; pointer kinds
// return 0 because their width is a target property.
func (k PrimKind) FixedSize() uint64 {
	switch k {
	case KindU8, KindI8, KindBool:
		return 1
	case KindU16, KindI16:
		return 2
	case KindU32, KindI32, KindF32, KindChar:
		return 4
	case KindU64, KindI64, KindF64:
		return 8
	}
	return 0
}

// PrimVal is one tagged scalar: an integer, float, bool, char, or
// pointer. Non-pointer payloads live in bits; pointer kinds carry a
// Pointer with provenance. The zero PrimVal is invalid.
type PrimVal struct {
	kind PrimKind
	bits uint64
	ptr  Pointer
}

// --- constructors ---

func PrimU8(v uint8) PrimVal   { return PrimVal{kind: KindU8, bits: uint64(v)} }
func PrimU16(v uint16) PrimVal { return PrimVal{kind: KindU16, bits: uint64(v)} }
func PrimU32(v uint32) PrimVal { return PrimVal{kind: KindU32, bits: uint64(v)} }
func PrimU64(v uint64) PrimVal { return PrimVal{kind: KindU64, bits: v} }

func PrimI8(v int8) PrimVal   { return PrimVal{kind: KindI8, bits: uint64(uint8(v))} }
func PrimI16(v int16) PrimVal { return PrimVal{kind: KindI16, bits: uint64(uint16(v))} }
func PrimI32(v int32) PrimVal { return PrimVal{kind: KindI32, bits: uint64(uint32(v))} }
func PrimI64(v int64) PrimVal { return PrimVal{kind: KindI64, bits: uint64(v)} }

func PrimF32(v float32) PrimVal { return PrimVal{kind: KindF32, bits: uint64(math.Float32bits(v))} }
func PrimF64(v float64) PrimVal { return PrimVal{kind: KindF64, bits: math.Float64bits(v)} }

func PrimBool(v bool) PrimVal {
	bits := uint64(0)
	if v {
		bits = 1
	}
	return PrimVal{kind: KindBool, bits: bits}
}

func PrimChar(r rune) PrimVal { return PrimVal{kind: KindChar, bits: uint64(uint32(r))} }

func PrimPtr(p Pointer) PrimVal   { return PrimVal{kind: KindPtr, ptr: p} }
func PrimFnPtr(p Pointer) PrimVal { return PrimVal{kind: KindFnPtr, ptr: p} }

// primUint builds an unsigned scalar of the given byte width from raw
// bits; width must be 1, 2, 4, or 8.
func primUint(size uint64, bits uint64) PrimVal {
	switch size {
	case 1:
		return PrimU8(uint8(bits))
	case 2:
		return PrimU16(uint16(bits))
	case 4:
		return PrimU32(uint32(bits))
	case 8:
		return PrimU64(bits)
	}
	panic(fmt.Sprintf("primUint: bad size %d", size))
}

// primInt builds a signed scalar of the given byte width from raw
// two's-complement bits.
func primInt(size uint64, bits uint64) PrimVal {
	switch size {
	case 1:
		return PrimI8(int8(bits))
	case 2:
		return PrimI16(int16(bits))
	case 4:
		return PrimI32(int32(bits))
	case 8:
		return PrimI64(int64(bits))
	}
	panic(fmt.Sprintf("primInt: bad size %d", size))
}

// --- accessors ---

// Kind returns the scalar's tag.
func (p PrimVal) Kind() PrimKind { return p.kind }

// IsValid reports whether the value was built by a constructor.
func (p PrimVal) IsValid() bool { return p.kind != 0 }

// Bits returns the raw payload of a non-pointer scalar. Integers are
// zero/sign-extended to 64 bits of two's complement; floats are IEEE
// bit patterns; bool is 0/1; char is the code point.
// Panics on pointer kinds: pointers have no raw bits.
func (p PrimVal) Bits() uint64 {
	if p.kind.IsPointer() {
		panic("PrimVal.Bits: pointer scalars carry no raw bits")
	}
	return p.bits
}

// Ptr returns the pointer payload. Panics unless the kind is ptr/fnptr.
func (p PrimVal) Ptr() Pointer {
	if !p.kind.IsPointer() {
		panic(fmt.Sprintf("PrimVal.Ptr: kind is %s", p.kind))
	}
	return p.ptr
}

// AsUint widens an unsigned integer scalar to u64.
func (p PrimVal) AsUint() (uint64, bool) {
	if p.kind.IsUint() {
		return p.bits, true
	}
	return 0, false
}

// AsInt widens a signed integer scalar to i64.
func (p PrimVal) AsInt() (int64, bool) {
	if !p.kind.IsInt() {
		return 0, false
	}
	switch p.kind {
	case KindI8:
		return int64(int8(p.bits)), true
	case KindI16:
		return int64(int16(p.bits)), true
	case KindI32:
		return int64(int32(p.bits)), true
	default:
		return int64(p.bits), true
	}
}

// AsBool reads a bool scalar.
func (p PrimVal) AsBool() (bool, bool) {
	if p.kind != KindBool {
		return false, false
	}
	return p.bits != 0, true
}

// AsF64 reads a float scalar, widening f32.
func (p PrimVal) AsF64() (float64, bool) {
	switch p.kind {
	case KindF32:
		return float64(math.Float32frombits(uint32(p.bits))), true
	case KindF64:
		return math.Float64frombits(p.bits), true
	}
	return 0, false
}

func (p PrimVal) String() string {
	switch {
	case p.kind == 0:
		return "<invalid prim>"
	case p.kind.IsPointer():
		return fmt.Sprintf("%s:%s", p.kind, p.ptr)
	case p.kind == KindBool:
		if p.bits != 0 {
			return "bool:true"
		}
		return "bool:false"
	case p.kind == KindChar:
		return fmt.Sprintf("char:%q", rune(uint32(p.bits)))
	case p.kind.IsFloat():
		f, _ := p.AsF64()
		return fmt.Sprintf("%s:%g", p.kind, f)
	case p.kind.IsInt():
		v, _ := p.AsInt()
		return fmt.Sprintf("%s:%d", p.kind, v)
	default:
		return fmt.Sprintf("%s:%d", p.kind, p.bits)
	}
}
