package interp

import (
	"math"

	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/mir"
)

// ---------------------------------------------------------------------------
// Operand evaluation
// ---------------------------------------------------------------------------

// evalOperand produces the value an operand names, along with its type.
// Copy and Move read a place; Const decodes a literal. Moving out of a
// bare immediate local marks the slot uninitialized so later use faults.
func (c *EvalContext) evalOperand(op *mir.Operand) (Value, layout.TypeID, error) {
	switch op.Kind {
	case mir.OpCopy:
		return c.evalPlaceToValue(*op.Place)

	case mir.OpMove:
		v, ty, err := c.evalPlaceToValue(*op.Place)
		if err != nil {
			return Value{}, 0, err
		}
		if len(op.Place.Proj) == 0 {
			fr := c.frame()
			if s, serr := fr.slot(op.Place.Local); serr == nil && s.alloc == 0 {
				s.val = Value{}
				s.state = localUninit
			}
		}
		return v, ty, nil

	case mir.OpConst:
		v, err := c.constToValue(op.Const)
		if err != nil {
			return Value{}, 0, err
		}
		return v, op.Const.Ty, nil
	}
	return Value{}, 0, invariant("unknown operand kind %d", uint8(op.Kind))
}

// evalPlaceToValue reads a place as a value without materializing it in
// memory when it can: bare locals return their slot, and a field of an
// immediate scalar or pair extracts the matching half directly.
func (c *EvalContext) evalPlaceToValue(pl mir.Place) (Value, layout.TypeID, error) {
	fr := c.frame()
	if int(pl.Local) >= len(fr.body.Locals) {
		return Value{}, 0, invariant("local _%d out of range in %s", pl.Local, fr.body.Name)
	}
	baseTy := fr.body.Locals[pl.Local].Ty

	if len(pl.Proj) == 0 {
		v, err := fr.readLocal(pl.Local)
		if err != nil {
			return Value{}, 0, err
		}
		return v, baseTy, nil
	}

	if len(pl.Proj) == 1 && pl.Proj[0].Kind == mir.ProjField {
		if s, err := fr.slot(pl.Local); err == nil && s.state == localLive && s.val.Kind() != ByRef {
			v, ty, ok, err := c.extractField(s.val, baseTy, int(pl.Proj[0].Field))
			if err != nil {
				return Value{}, 0, err
			}
			if ok {
				return v, ty, nil
			}
		}
	}

	p, err := c.evalPlace(pl)
	if err != nil {
		return Value{}, 0, err
	}
	v, err := c.readPlace(p)
	if err != nil {
		return Value{}, 0, err
	}
	return v, p.ty, nil
}

// extractField pulls field i out of an immediate aggregate value. It
// reports ok=false when the combination needs the memory path instead.
func (c *EvalContext) extractField(v Value, ty layout.TypeID, i int) (Value, layout.TypeID, bool, error) {
	l, err := c.layoutOf(ty)
	if err != nil {
		return Value{}, 0, false, err
	}
	if len(l.Variants) > 0 || i < 0 || i >= len(l.Fields) {
		return Value{}, 0, false, nil
	}
	slot := l.Fields[i]
	fl, err := c.layoutOf(slot.Ty)
	if err != nil {
		return Value{}, 0, false, err
	}

	if fl.IsZST() {
		z, err := c.zstValue()
		return z, slot.Ty, true, err
	}

	switch v.Kind() {
	case ByVal:
		if l.Repr == layout.ReprScalar && slot.Offset == 0 && fl.Repr == layout.ReprScalar {
			return v, slot.Ty, true, nil
		}
	case ByValPair:
		if l.Repr != layout.ReprPair || fl.Repr != layout.ReprScalar {
			return Value{}, 0, false, nil
		}
		a, b := v.Pair()
		switch slot.Offset {
		case 0:
			return ScalarValue(a), slot.Ty, true, nil
		case l.PairBOffset:
			return ScalarValue(b), slot.Ty, true, nil
		}
	}
	return Value{}, 0, false, nil
}

// ---------------------------------------------------------------------------
// Typed memory reads
// ---------------------------------------------------------------------------

// readValueFromMem decodes the value at an address according to the
// type's representation: scalars and pairs load into immediates,
// memory-repr types stay by-ref.
func (c *EvalContext) readValueFromMem(p Pointer, ty layout.TypeID) (Value, error) {
	l, err := c.layoutOf(ty)
	if err != nil {
		return Value{}, err
	}
	if l.Unsized {
		return Value{}, unsupportedRepr("reading unsized type %s by value", c.typeKey(ty))
	}
	if l.IsZST() {
		return RefValue(p), nil
	}

	switch l.Repr {
	case layout.ReprScalar:
		pv, err := c.readPrim(p, l.Scalar, primKindForScalar(*l.Scalar, l.Ty.Kind))
		if err != nil {
			return Value{}, err
		}
		return ScalarValue(pv), nil

	case layout.ReprPair:
		ka, kb := pairPrimKinds(l)
		a, err := c.readPrim(p, l.PairA, ka)
		if err != nil {
			return Value{}, err
		}
		b, err := c.readPrim(p.Add(l.PairBOffset), l.PairB, kb)
		if err != nil {
			return Value{}, err
		}
		return PairValue(a, b), nil
	}
	return RefValue(p), nil
}

// readPrim loads one scalar, checking bool and char bit patterns as it
// decodes them.
func (c *EvalContext) readPrim(p Pointer, si *layout.ScalarInfo, kind PrimKind) (PrimVal, error) {
	if kind.IsPointer() {
		ptr, err := c.mem.ReadPtr(p)
		if err != nil {
			return PrimVal{}, err
		}
		if kind == KindFnPtr {
			return PrimFnPtr(ptr), nil
		}
		return PrimPtr(ptr), nil
	}

	bits, err := c.mem.ReadUint(p, si.Size)
	if err != nil {
		return PrimVal{}, err
	}
	switch kind {
	case KindBool:
		if bits > 1 {
			return PrimVal{}, fault(FaultInvalidBool, "byte %#x is not a valid bool", bits)
		}
		return PrimBool(bits == 1), nil
	case KindChar:
		if !validChar(bits) {
			return PrimVal{}, fault(FaultInvalidChar, "%#x is not a valid char", bits)
		}
		return PrimChar(rune(bits)), nil
	case KindF32:
		return PrimF32(math.Float32frombits(uint32(bits))), nil
	case KindF64:
		return PrimF64(math.Float64frombits(bits)), nil
	}
	if kind.IsInt() {
		return primInt(si.Size, bits), nil
	}
	return primUint(si.Size, bits), nil
}

// primKindForScalar picks the scalar kind a load should produce.
// Aggregates classified down to a scalar load structurally; bool and
// char keep their own kinds only when the type says so directly.
func primKindForScalar(si layout.ScalarInfo, k layout.Kind) PrimKind {
	switch {
	case si.Fn:
		return KindFnPtr
	case si.Pointer:
		return KindPtr
	case si.Float:
		if si.Size == 4 {
			return KindF32
		}
		return KindF64
	case k == layout.KindBool:
		return KindBool
	case k == layout.KindChar:
		return KindChar
	case si.Signed:
		return kindIntBySize(si.Size)
	default:
		return kindUintBySize(si.Size)
	}
}

// pairPrimKinds picks the kinds of both halves of a pair load.
func pairPrimKinds(l *layout.Layout) (PrimKind, PrimKind) {
	ka := primKindForScalar(*l.PairA, l.Ty.Kind)
	kb := primKindForScalar(*l.PairB, l.Ty.Kind)
	if l.Ty.Kind == layout.KindRef || l.Ty.Kind == layout.KindRawPtr {
		ka = KindPtr
	}
	return ka, kb
}

func kindUintBySize(size uint64) PrimKind {
	switch size {
	case 1:
		return KindU8
	case 2:
		return KindU16
	case 4:
		return KindU32
	default:
		return KindU64
	}
}

func kindIntBySize(size uint64) PrimKind {
	switch size {
	case 1:
		return KindI8
	case 2:
		return KindI16
	case 4:
		return KindI32
	default:
		return KindI64
	}
}

// validChar reports a scalar value that is a well-formed Unicode code
// point (not a surrogate, not beyond the maximum).
func validChar(bits uint64) bool {
	if bits > 0x10FFFF {
		return false
	}
	return bits < 0xD800 || bits > 0xDFFF
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// constToValue decodes a literal into a value, allocating and freezing
// backing storage for string and byte constants once per distinct
// content.
func (c *EvalContext) constToValue(cst *mir.Const) (Value, error) {
	if cst == nil {
		return Value{}, invariant("operand with no constant")
	}
	l, err := c.layoutOf(cst.Ty)
	if err != nil {
		return Value{}, err
	}

	switch cst.Kind {
	case mir.ConstInt:
		pv, err := primFromBits(l, cst.Bits)
		if err != nil {
			return Value{}, err
		}
		return ScalarValue(pv), nil

	case mir.ConstFloat:
		if l.Ty.Kind != layout.KindFloat {
			return Value{}, invariant("float constant with non-float type %s", c.typeKey(cst.Ty))
		}
		if l.Ty.Width == 4 {
			return ScalarValue(PrimF32(math.Float32frombits(uint32(cst.Bits)))), nil
		}
		return ScalarValue(PrimF64(math.Float64frombits(cst.Bits))), nil

	case mir.ConstStr:
		ptr, err := c.internBytes([]byte(cst.Str))
		if err != nil {
			return Value{}, err
		}
		return PairValue(PrimPtr(ptr), primUint(c.mem.PointerSize(), uint64(len(cst.Str)))), nil

	case mir.ConstBytes:
		ptr, err := c.internBytes(cst.Bytes)
		if err != nil {
			return Value{}, err
		}
		switch {
		case l.Ty.Kind == layout.KindArray:
			return RefValue(ptr), nil
		case l.Repr == layout.ReprPair:
			return PairValue(PrimPtr(ptr), primUint(c.mem.PointerSize(), uint64(len(cst.Bytes)))), nil
		default:
			return ScalarValue(PrimPtr(ptr)), nil
		}

	case mir.ConstFn:
		fn, err := c.resolveFn(cst.Str, cst.Ty)
		if err != nil {
			return Value{}, err
		}
		return ScalarValue(PrimFnPtr(fn)), nil

	case mir.ConstZST:
		return c.zstValue()
	}
	return Value{}, invariant("unknown constant kind %d", uint8(cst.Kind))
}

// internBytes gives literal data a frozen global allocation, one per
// distinct content.
func (c *EvalContext) internBytes(data []byte) (Pointer, error) {
	if p, ok := c.literals[string(data)]; ok {
		return p, nil
	}
	ptr, err := c.mem.Allocate(uint64(len(data)), 1, AllocGlobal)
	if err != nil {
		return Pointer{}, err
	}
	if len(data) > 0 {
		if err := c.mem.WriteBytes(ptr, data); err != nil {
			return Pointer{}, err
		}
	}
	if err := c.mem.Freeze(ptr.Alloc, AllocGlobal); err != nil {
		return Pointer{}, err
	}
	c.literals[string(data)] = ptr
	return ptr, nil
}

// primFromBits decodes an integer-class literal for its type.
func primFromBits(l *layout.Layout, bits uint64) (PrimVal, error) {
	if l.Repr != layout.ReprScalar || l.Scalar == nil {
		return PrimVal{}, invariant("integer constant with non-scalar layout")
	}
	switch l.Ty.Kind {
	case layout.KindBool:
		if bits > 1 {
			return PrimVal{}, invariant("bool constant with bits %#x", bits)
		}
		return PrimBool(bits == 1), nil
	case layout.KindChar:
		if !validChar(bits) {
			return PrimVal{}, invariant("char constant with bits %#x", bits)
		}
		return PrimChar(rune(bits)), nil
	}
	bits &= layout.MaxFor(l.Scalar.Size)
	if l.Scalar.Signed {
		return primInt(l.Scalar.Size, bits), nil
	}
	return primUint(l.Scalar.Size, bits), nil
}

// valueToPrim reduces a scalar-repr value to its single scalar, loading
// through memory if it is still by-ref.
func (c *EvalContext) valueToPrim(v Value, ty layout.TypeID) (PrimVal, error) {
	l, err := c.layoutOf(ty)
	if err != nil {
		return PrimVal{}, err
	}
	if l.Repr != layout.ReprScalar || l.Scalar == nil {
		return PrimVal{}, unsupportedRepr("type %s is not scalar", c.typeKey(ty))
	}
	switch v.Kind() {
	case ByVal:
		return v.Scalar(), nil
	case ByRef:
		return c.readPrim(v.Ref(), l.Scalar, primKindForScalar(*l.Scalar, l.Ty.Kind))
	}
	return PrimVal{}, unsupportedRepr("pair value for scalar type %s", c.typeKey(ty))
}
