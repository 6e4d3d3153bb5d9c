package interp

import (
	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/mir"
)

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (c *EvalContext) execStatement(s *mir.Statement) error {
	switch s.Kind {
	case mir.StmtAssign:
		dest, err := c.evalPlace(*s.Place)
		if err != nil {
			return err
		}
		return c.assignRvalue(dest, s.Rvalue)

	case mir.StmtStorageLive:
		return c.frame().storageLive(s.Local, c.mem)

	case mir.StmtStorageDead:
		return c.frame().storageDead(s.Local, c.mem)

	case mir.StmtSetDiscr:
		p, err := c.evalPlace(*s.Place)
		if err != nil {
			return err
		}
		return c.writeDiscriminant(p, int(s.Variant))

	case mir.StmtNop:
		return nil
	}
	return invariant("unknown statement kind %d", uint8(s.Kind))
}

// ---------------------------------------------------------------------------
// Rvalues
// ---------------------------------------------------------------------------

// assignRvalue computes an rvalue into a destination place. Aggregates
// and repeats write elementwise into the destination; everything else
// produces a value first.
func (c *EvalContext) assignRvalue(dest place, rv *mir.Rvalue) error {
	switch rv.Kind {
	case mir.RvUse:
		v, _, err := c.evalOperand(rv.A)
		if err != nil {
			return err
		}
		return c.writeToPlace(v, dest)

	case mir.RvBinaryOp:
		va, tya, err := c.evalOperand(rv.A)
		if err != nil {
			return err
		}
		vb, tyb, err := c.evalOperand(rv.B)
		if err != nil {
			return err
		}
		res, err := c.binOp(rv.Op, va, tya, vb, tyb)
		if err != nil {
			return err
		}
		return c.writeToPlace(ScalarValue(res), dest)

	case mir.RvCheckedBinaryOp:
		va, tya, err := c.evalOperand(rv.A)
		if err != nil {
			return err
		}
		vb, tyb, err := c.evalOperand(rv.B)
		if err != nil {
			return err
		}
		res, overflow, err := c.checkedBinOp(rv.Op, va, tya, vb, tyb)
		if err != nil {
			return err
		}
		return c.writeToPlace(PairValue(res, PrimBool(overflow)), dest)

	case mir.RvUnaryOp:
		v, ty, err := c.evalOperand(rv.A)
		if err != nil {
			return err
		}
		pv, err := c.valueToPrim(v, ty)
		if err != nil {
			return err
		}
		res, err := c.unOp(rv.UnOp, pv)
		if err != nil {
			return err
		}
		return c.writeToPlace(ScalarValue(res), dest)

	case mir.RvRef:
		p, err := c.evalPlace(*rv.Place)
		if err != nil {
			return err
		}
		v, err := c.refToPlace(p)
		if err != nil {
			return err
		}
		return c.writeToPlace(v, dest)

	case mir.RvLen:
		p, err := c.evalPlace(*rv.Place)
		if err != nil {
			return err
		}
		n, err := c.placeLen(p)
		if err != nil {
			return err
		}
		return c.writeToPlace(ScalarValue(primUint(c.mem.PointerSize(), n)), dest)

	case mir.RvCast:
		v, srcTy, err := c.evalOperand(rv.A)
		if err != nil {
			return err
		}
		out, err := c.castValue(rv.CastKind, v, srcTy, rv.Ty)
		if err != nil {
			return err
		}
		return c.writeToPlace(out, dest)

	case mir.RvAggregate:
		return c.aggregateInto(dest, rv)

	case mir.RvRepeat:
		return c.repeatInto(dest, rv)

	case mir.RvDiscriminant:
		p, err := c.evalPlace(*rv.Place)
		if err != nil {
			return err
		}
		d, err := c.readDiscriminant(p)
		if err != nil {
			return err
		}
		dl, err := c.layoutOf(dest.ty)
		if err != nil {
			return err
		}
		if dl.Repr != layout.ReprScalar {
			return unsupportedRepr("discriminant destination %s is not scalar", c.typeKey(dest.ty))
		}
		return c.writeToPlace(ScalarValue(primUint(dl.Scalar.Size, d)), dest)

	case mir.RvNullary:
		l, err := c.layoutOf(rv.Ty)
		if err != nil {
			return err
		}
		if l.Unsized {
			return unsupportedRepr("%s of unsized type %s", rv.NullOp, c.typeKey(rv.Ty))
		}
		var n uint64
		switch rv.NullOp {
		case mir.NullSizeOf:
			n = l.Size
		case mir.NullAlignOf:
			n = l.Align
		default:
			return invariant("unknown nullary op %d", uint8(rv.NullOp))
		}
		return c.writeToPlace(ScalarValue(primUint(c.mem.PointerSize(), n)), dest)
	}
	return invariant("unknown rvalue kind %d", uint8(rv.Kind))
}

// refToPlace takes the address of a place, building a thin or fat
// pointer value according to its metadata.
func (c *EvalContext) refToPlace(p place) (Value, error) {
	mp, err := c.forcePlace(p)
	if err != nil {
		return Value{}, err
	}
	switch mp.meta.kind {
	case layout.MetaLength:
		return PairValue(PrimPtr(mp.ptr), primUint(c.mem.PointerSize(), mp.meta.len)), nil
	case layout.MetaVTable:
		return PairValue(PrimPtr(mp.ptr), PrimPtr(mp.meta.vt)), nil
	}
	return ScalarValue(PrimPtr(mp.ptr)), nil
}

// ---------------------------------------------------------------------------
// Aggregates
// ---------------------------------------------------------------------------

func (c *EvalContext) aggregateInto(dest place, rv *mir.Rvalue) error {
	l, err := c.layoutOf(rv.Ty)
	if err != nil {
		return err
	}

	if l.Ty.Kind == layout.KindEnum {
		return c.enumAggregateInto(dest, rv, l)
	}

	if l.Ty.Kind == layout.KindArray {
		if uint64(len(rv.Ops)) != l.Count {
			return invariant("array of %d elements built from %d operands", l.Count, len(rv.Ops))
		}
		mp, err := c.forcePlace(dest)
		if err != nil {
			return err
		}
		for i := range rv.Ops {
			v, _, err := c.evalOperand(&rv.Ops[i])
			if err != nil {
				return err
			}
			if err := c.writeValueToMem(v, mp.ptr.Add(uint64(i)*l.ElemSize), l.ElemTy); err != nil {
				return err
			}
		}
		return nil
	}

	// Tuples and structs. Evaluate operands in order first, so side
	// effects (moves) happen left to right regardless of classification.
	if len(rv.Ops) != len(l.Fields) {
		return invariant("%s has %d fields, aggregate has %d operands", c.typeKey(rv.Ty), len(l.Fields), len(rv.Ops))
	}
	vals := make([]Value, len(rv.Ops))
	for i := range rv.Ops {
		v, _, err := c.evalOperand(&rv.Ops[i])
		if err != nil {
			return err
		}
		vals[i] = v
	}

	switch l.Repr {
	case layout.ReprScalar:
		for i, slot := range l.Fields {
			fl, err := c.layoutOf(slot.Ty)
			if err != nil {
				return err
			}
			if fl.IsZST() {
				continue
			}
			pv, err := c.valueToPrim(vals[i], slot.Ty)
			if err != nil {
				return err
			}
			return c.writeToPlace(ScalarValue(pv), dest)
		}
		// All fields zero-sized: the aggregate itself is a ZST.
		z, err := c.zstValue()
		if err != nil {
			return err
		}
		return c.writeToPlace(z, dest)

	case layout.ReprPair:
		var prims []PrimVal
		for i, slot := range l.Fields {
			fl, err := c.layoutOf(slot.Ty)
			if err != nil {
				return err
			}
			if fl.IsZST() {
				continue
			}
			pv, err := c.valueToPrim(vals[i], slot.Ty)
			if err != nil {
				return err
			}
			prims = append(prims, pv)
		}
		if len(prims) != 2 {
			return invariant("pair aggregate for %s produced %d scalars", c.typeKey(rv.Ty), len(prims))
		}
		return c.writeToPlace(PairValue(prims[0], prims[1]), dest)
	}

	if l.IsZST() {
		z, err := c.zstValue()
		if err != nil {
			return err
		}
		return c.writeToPlace(z, dest)
	}
	mp, err := c.forcePlace(dest)
	if err != nil {
		return err
	}
	for i, slot := range l.Fields {
		if err := c.writeValueToMem(vals[i], mp.ptr.Add(slot.Offset), slot.Ty); err != nil {
			return err
		}
	}
	return nil
}

func (c *EvalContext) enumAggregateInto(dest place, rv *mir.Rvalue, l *layout.Layout) error {
	if int(rv.Variant) >= len(l.Variants) {
		return invariant("%s has no variant %d", c.typeKey(rv.Ty), rv.Variant)
	}
	vl := l.Variants[rv.Variant]
	if len(rv.Ops) != len(vl.Fields) {
		return invariant("variant %s takes %d fields, aggregate has %d operands", vl.Name, len(vl.Fields), len(rv.Ops))
	}

	if l.Repr == layout.ReprScalar {
		switch l.Tag {
		case layout.TagDirect:
			// C-like: the value is the discriminant itself.
			return c.writeToPlace(ScalarValue(primUint(l.Scalar.Size, vl.Discr)), dest)
		case layout.TagNiche:
			if int(rv.Variant) == l.UntaggedVariant {
				v, _, err := c.evalOperand(&rv.Ops[0])
				if err != nil {
					return err
				}
				pv, err := c.valueToPrim(v, vl.Fields[0].Ty)
				if err != nil {
					return err
				}
				return c.writeToPlace(ScalarValue(pv), dest)
			}
			return c.writeToPlace(ScalarValue(nichePrim(l)), dest)
		}
		return invariant("scalar enum %s has no tag", c.typeKey(rv.Ty))
	}

	mp, err := c.forcePlace(dest)
	if err != nil {
		return err
	}
	for i, slot := range vl.Fields {
		v, _, err := c.evalOperand(&rv.Ops[i])
		if err != nil {
			return err
		}
		if err := c.writeValueToMem(v, mp.ptr.Add(slot.Offset), slot.Ty); err != nil {
			return err
		}
	}
	return c.writeDiscriminant(mp, int(rv.Variant))
}

func (c *EvalContext) repeatInto(dest place, rv *mir.Rvalue) error {
	l, err := c.layoutOf(rv.Ty)
	if err != nil {
		return err
	}
	if l.Ty.Kind != layout.KindArray {
		return invariant("repeat into non-array type %s", c.typeKey(rv.Ty))
	}
	if rv.Count != l.Count {
		return invariant("repeat count %d does not match array length %d", rv.Count, l.Count)
	}
	v, _, err := c.evalOperand(rv.A)
	if err != nil {
		return err
	}
	mp, err := c.forcePlace(dest)
	if err != nil {
		return err
	}
	for i := uint64(0); i < l.Count; i++ {
		if err := c.writeValueToMem(v, mp.ptr.Add(i*l.ElemSize), l.ElemTy); err != nil {
			return err
		}
	}
	return nil
}

// nichePrim builds the bit pattern naming a niche enum's fieldless
// variant, with pointer provenance when the payload is a pointer.
func nichePrim(l *layout.Layout) PrimVal {
	if l.Scalar.Pointer {
		return PrimPtr(Pointer{Off: l.NicheValue})
	}
	return primUint(l.Scalar.Size, l.NicheValue)
}

// ---------------------------------------------------------------------------
// Discriminants
// ---------------------------------------------------------------------------

// readDiscriminant returns the discriminant of the variant a place
// currently holds. Non-enum places read as 0, matching the source
// semantics of the discriminant operator.
func (c *EvalContext) readDiscriminant(p place) (uint64, error) {
	l, err := c.layoutOf(p.ty)
	if err != nil {
		return 0, err
	}
	if l.Ty.Kind != layout.KindEnum {
		return 0, nil
	}
	if l.Uninhabited {
		return 0, fault(FaultUninhabited, "reading discriminant of uninhabited %s", c.typeKey(p.ty))
	}

	switch l.Tag {
	case layout.TagDirect:
		var bits uint64
		if l.Repr == layout.ReprScalar {
			v, err := c.readPlace(p)
			if err != nil {
				return 0, err
			}
			pv, err := c.valueToPrim(v, p.ty)
			if err != nil {
				return 0, err
			}
			bits = pv.Bits()
		} else {
			mp, err := c.forcePlace(p)
			if err != nil {
				return 0, err
			}
			bits, err = c.mem.ReadUint(mp.ptr.Add(l.TagOffset), l.TagScalar.Size)
			if err != nil {
				return 0, err
			}
		}
		if _, ok := l.VariantByDiscr(bits); !ok {
			return 0, fault(FaultInvalidDiscriminant, "%d is not a discriminant of %s", bits, c.typeKey(p.ty))
		}
		return bits, nil

	case layout.TagNiche:
		v, err := c.readPlace(p)
		if err != nil {
			return 0, err
		}
		pv, err := c.valueToPrim(v, p.ty)
		if err != nil {
			return 0, err
		}
		if pv.Kind().IsPointer() {
			ptr := pv.Ptr()
			if ptr.Alloc != 0 || ptr.Off != l.NicheValue {
				return l.Variants[l.UntaggedVariant].Discr, nil
			}
			return nicheFieldlessDiscr(l), nil
		}
		if pv.Bits() == l.NicheValue {
			return nicheFieldlessDiscr(l), nil
		}
		return l.Variants[l.UntaggedVariant].Discr, nil
	}

	// Single-variant enums have nothing stored.
	if len(l.Variants) > 0 {
		return l.Variants[0].Discr, nil
	}
	return 0, nil
}

// writeDiscriminant marks a place as holding the given variant.
func (c *EvalContext) writeDiscriminant(p place, variant int) error {
	l, err := c.layoutOf(p.ty)
	if err != nil {
		return err
	}
	if l.Ty.Kind != layout.KindEnum {
		return invariant("set-discriminant on non-enum %s", c.typeKey(p.ty))
	}
	if variant < 0 || variant >= len(l.Variants) {
		return invariant("%s has no variant %d", c.typeKey(p.ty), variant)
	}

	switch l.Tag {
	case layout.TagDirect:
		if l.Repr == layout.ReprScalar {
			return c.writeToPlace(ScalarValue(primUint(l.Scalar.Size, l.Variants[variant].Discr)), p)
		}
		mp, err := c.forcePlace(p)
		if err != nil {
			return err
		}
		return c.mem.WriteUint(mp.ptr.Add(l.TagOffset), l.TagScalar.Size, l.Variants[variant].Discr)

	case layout.TagNiche:
		if variant == l.UntaggedVariant {
			return nil // the payload write is the discriminant
		}
		return c.writeToPlace(ScalarValue(nichePrim(l)), p)
	}
	return nil
}

// nicheFieldlessDiscr returns the discriminant of the variant encoded
// by the niche pattern: the one that is not the untagged payload.
func nicheFieldlessDiscr(l *layout.Layout) uint64 {
	for i, v := range l.Variants {
		if i != l.UntaggedVariant {
			return v.Discr
		}
	}
	return 0
}
