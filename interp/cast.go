package interp

import (
	"math"

	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/mir"
)

// ---------------------------------------------------------------------------
// Casts
// ---------------------------------------------------------------------------

// castValue converts v from srcTy to dstTy. Pointer-to-integer casts
// are not evaluable here: the machine's pointers have no stable
// numeric address.
func (c *EvalContext) castValue(kind mir.CastKind, v Value, srcTy, dstTy layout.TypeID) (Value, error) {
	switch kind {
	case mir.CastIntToInt:
		return c.castIntToInt(v, srcTy, dstTy)
	case mir.CastIntToFloat:
		return c.castIntToFloat(v, srcTy, dstTy)
	case mir.CastFloatToInt:
		return c.castFloatToInt(v, srcTy, dstTy)
	case mir.CastFloatToFloat:
		return c.castFloatToFloat(v, srcTy, dstTy)
	case mir.CastPtrToPtr:
		return c.castPtrToPtr(v, srcTy, dstTy)
	case mir.CastIntToPtr:
		return c.castIntToPtr(v, srcTy)
	case mir.CastPtrToInt:
		return Value{}, fault(FaultUnsupported,
			"pointer-to-integer cast during constant evaluation")
	case mir.CastUnsize:
		return c.castUnsize(v, srcTy, dstTy)
	}
	return Value{}, invariant("unknown cast kind %d", kind)
}

func (c *EvalContext) castIntToInt(v Value, srcTy, dstTy layout.TypeID) (Value, error) {
	a, err := c.valueToPrim(v, srcTy)
	if err != nil {
		return Value{}, err
	}
	dl, err := c.layoutOf(dstTy)
	if err != nil {
		return Value{}, err
	}
	dt, err := c.prog.Table().Get(dstTy)
	if err != nil {
		return Value{}, invariant("cast: %v", err)
	}
	if dl.Repr != layout.ReprScalar {
		return Value{}, unsupportedRepr("integer cast to %s", c.typeKey(dstTy))
	}

	var bits uint64
	switch {
	case a.Kind().IsInt():
		// sign-extended; truncation below narrows it
		x, _ := a.AsInt()
		bits = uint64(x)
	case a.Kind().IsUint(), a.Kind() == KindBool, a.Kind() == KindChar:
		bits = a.Bits()
	default:
		return Value{}, unsupportedRepr("integer cast from %s", a.Kind())
	}

	size := dl.Scalar.Size
	bits &= layout.MaxFor(size)
	switch dt.Kind {
	case layout.KindInt, layout.KindIsize:
		return ScalarValue(primInt(size, bits)), nil
	case layout.KindUint, layout.KindUsize:
		return ScalarValue(primUint(size, bits)), nil
	case layout.KindChar:
		if !validChar(bits) {
			return Value{}, fault(FaultInvalidChar, "cast produces invalid char %#x", bits)
		}
		return ScalarValue(PrimChar(rune(bits))), nil
	}
	return Value{}, unsupportedRepr("integer cast to %s", c.typeKey(dstTy))
}

func (c *EvalContext) castIntToFloat(v Value, srcTy, dstTy layout.TypeID) (Value, error) {
	a, err := c.valueToPrim(v, srcTy)
	if err != nil {
		return Value{}, err
	}
	dl, err := c.layoutOf(dstTy)
	if err != nil {
		return Value{}, err
	}
	if dl.Repr != layout.ReprScalar {
		return Value{}, unsupportedRepr("float cast to %s", c.typeKey(dstTy))
	}

	var f float64
	if x, ok := a.AsInt(); ok {
		f = float64(x)
	} else if u, ok := a.AsUint(); ok {
		f = float64(u)
	} else {
		return Value{}, unsupportedRepr("float cast from %s", a.Kind())
	}
	if dl.Scalar.Size == 4 {
		return ScalarValue(PrimF32(float32(f))), nil
	}
	return ScalarValue(PrimF64(f)), nil
}

// castFloatToInt saturates: NaN becomes zero and out-of-range values
// clamp to the destination's bounds.
func (c *EvalContext) castFloatToInt(v Value, srcTy, dstTy layout.TypeID) (Value, error) {
	a, err := c.valueToPrim(v, srcTy)
	if err != nil {
		return Value{}, err
	}
	f, ok := a.AsF64()
	if !ok {
		return Value{}, unsupportedRepr("float-to-int cast from %s", a.Kind())
	}
	dl, err := c.layoutOf(dstTy)
	if err != nil {
		return Value{}, err
	}
	dt, err := c.prog.Table().Get(dstTy)
	if err != nil {
		return Value{}, invariant("cast: %v", err)
	}
	if dl.Repr != layout.ReprScalar {
		return Value{}, unsupportedRepr("float-to-int cast to %s", c.typeKey(dstTy))
	}

	size := dl.Scalar.Size
	w := int(size * 8)
	switch dt.Kind {
	case layout.KindInt, layout.KindIsize:
		min, max := signedRange(size)
		var r int64
		switch {
		case math.IsNaN(f):
			r = 0
		case f >= math.Ldexp(1, w-1):
			r = max
		case f <= -math.Ldexp(1, w-1):
			r = min
		default:
			r = int64(f) // truncates toward zero
		}
		return ScalarValue(primInt(size, uint64(r))), nil
	case layout.KindUint, layout.KindUsize:
		var r uint64
		switch {
		case math.IsNaN(f), f < 0:
			r = 0
		case f >= math.Ldexp(1, w):
			r = layout.MaxFor(size)
		default:
			r = uint64(f)
		}
		return ScalarValue(primUint(size, r)), nil
	}
	return Value{}, unsupportedRepr("float-to-int cast to %s", c.typeKey(dstTy))
}

func (c *EvalContext) castFloatToFloat(v Value, srcTy, dstTy layout.TypeID) (Value, error) {
	a, err := c.valueToPrim(v, srcTy)
	if err != nil {
		return Value{}, err
	}
	f, ok := a.AsF64()
	if !ok {
		return Value{}, unsupportedRepr("float cast from %s", a.Kind())
	}
	dl, err := c.layoutOf(dstTy)
	if err != nil {
		return Value{}, err
	}
	if dl.Repr != layout.ReprScalar {
		return Value{}, unsupportedRepr("float cast to %s", c.typeKey(dstTy))
	}
	if dl.Scalar.Size == 4 {
		return ScalarValue(PrimF32(float32(f))), nil
	}
	return ScalarValue(PrimF64(f)), nil
}

// castPtrToPtr reinterprets a pointer. A fat source narrowing to a thin
// destination keeps the data word and drops the metadata; a fat
// destination requires matching metadata on the source.
func (c *EvalContext) castPtrToPtr(v Value, srcTy, dstTy layout.TypeID) (Value, error) {
	dl, err := c.layoutOf(dstTy)
	if err != nil {
		return Value{}, err
	}

	switch dl.Repr {
	case layout.ReprScalar:
		var data Pointer
		if v.Kind() == ByValPair {
			data, err = fatDataWord(v, c.mem)
		} else {
			data, err = v.ReadPtr(c.mem)
		}
		if err != nil {
			return Value{}, err
		}
		return ScalarValue(PrimPtr(data)), nil

	case layout.ReprPair:
		sm, serr := c.pointeeMeta(srcTy)
		if serr != nil {
			return Value{}, serr
		}
		dm, derr := c.pointeeMeta(dstTy)
		if derr != nil {
			return Value{}, derr
		}
		if sm != dm {
			return Value{}, unsupportedRepr("pointer cast changes metadata: %s to %s",
				c.typeKey(srcTy), c.typeKey(dstTy))
		}
		return v, nil
	}
	return Value{}, unsupportedRepr("pointer cast to %s", c.typeKey(dstTy))
}

// pointeeMeta reports the metadata kind of a pointer type's pointee.
func (c *EvalContext) pointeeMeta(ptrTy layout.TypeID) (layout.MetaKind, error) {
	t, err := c.prog.Table().Get(ptrTy)
	if err != nil {
		return layout.MetaNone, invariant("cast: %v", err)
	}
	if t.Kind != layout.KindRef && t.Kind != layout.KindRawPtr && t.Kind != layout.KindFnPtr {
		return layout.MetaNone, unsupportedRepr("pointer cast involving %s", c.typeKey(ptrTy))
	}
	if t.Kind == layout.KindFnPtr {
		return layout.MetaNone, nil
	}
	el, err := c.layoutOf(t.Elem)
	if err != nil {
		return layout.MetaNone, err
	}
	return el.Meta, nil
}

// castIntToPtr produces an absolute address with no provenance.
// Dereferencing it later only works for null checks and the like;
// that is the cost of inventing a pointer from an integer.
func (c *EvalContext) castIntToPtr(v Value, srcTy layout.TypeID) (Value, error) {
	a, err := c.valueToPrim(v, srcTy)
	if err != nil {
		return Value{}, err
	}
	var bits uint64
	if u, ok := a.AsUint(); ok {
		bits = u
	} else if x, ok := a.AsInt(); ok {
		bits = uint64(x)
	} else {
		return Value{}, unsupportedRepr("integer-to-pointer cast from %s", a.Kind())
	}
	return ScalarValue(PrimPtr(Pointer{Off: c.mem.Truncate(bits)})), nil
}

// castUnsize widens a thin pointer into a fat one: an array reference
// gains its length, a concrete reference gains a vtable.
func (c *EvalContext) castUnsize(v Value, srcTy, dstTy layout.TypeID) (Value, error) {
	st, err := c.prog.Table().Get(srcTy)
	if err != nil {
		return Value{}, invariant("unsize: %v", err)
	}
	dt, err := c.prog.Table().Get(dstTy)
	if err != nil {
		return Value{}, invariant("unsize: %v", err)
	}
	if st.Kind != layout.KindRef && st.Kind != layout.KindRawPtr {
		return Value{}, unsupportedRepr("unsizing %s", c.typeKey(srcTy))
	}
	if dt.Kind != layout.KindRef && dt.Kind != layout.KindRawPtr {
		return Value{}, unsupportedRepr("unsizing to %s", c.typeKey(dstTy))
	}

	data, err := v.ReadPtr(c.mem)
	if err != nil {
		return Value{}, err
	}

	dpt, err := c.prog.Table().Get(dt.Elem)
	if err != nil {
		return Value{}, invariant("unsize: %v", err)
	}
	switch dpt.Kind {
	case layout.KindSlice:
		spt, serr := c.prog.Table().Get(st.Elem)
		if serr != nil {
			return Value{}, invariant("unsize: %v", serr)
		}
		if spt.Kind != layout.KindArray {
			return Value{}, unsupportedRepr("unsizing %s to a slice", c.typeKey(st.Elem))
		}
		return PairValue(PrimPtr(data), primUint(c.mem.PointerSize(), spt.Len)), nil

	case layout.KindTrait:
		vt, verr := c.vtableFor(dt.Elem, st.Elem)
		if verr != nil {
			return Value{}, verr
		}
		return PairValue(PrimPtr(data), PrimPtr(vt)), nil
	}
	return Value{}, unsupportedRepr("unsizing to %s", c.typeKey(dt.Elem))
}
