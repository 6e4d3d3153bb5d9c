package interp

import (
	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/mir"
)

// ---------------------------------------------------------------------------
// Places
// ---------------------------------------------------------------------------

// placeKind separates locals that may still be immediates from locations
// already pinned in memory.
type placeKind uint8

const (
	placeLocal placeKind = iota + 1
	placeMem
)

// placeMeta carries the dynamic metadata of an unsized place.
type placeMeta struct {
	kind layout.MetaKind
	len  uint64
	vt   Pointer
}

// place is a resolved destination: a frame local or a memory address,
// plus unsized metadata and an optional enum-variant downcast. The type
// tracks along so projections and writes know the shape at this point
// of the path.
type place struct {
	kind    placeKind
	frame   int // index into the context's stack
	local   mir.Local
	ptr     Pointer
	meta    placeMeta
	variant int // downcast variant index, -1 when none
	ty      layout.TypeID
}

func localPlace(frame int, l mir.Local, ty layout.TypeID) place {
	return place{kind: placeLocal, frame: frame, local: l, variant: -1, ty: ty}
}

func memPlace(p Pointer, ty layout.TypeID) place {
	return place{kind: placeMem, ptr: p, variant: -1, ty: ty}
}

// ---------------------------------------------------------------------------
// Place evaluation
// ---------------------------------------------------------------------------

// evalPlace resolves a syntactic place to an addressable location,
// walking the projection path left to right.
func (c *EvalContext) evalPlace(pl mir.Place) (place, error) {
	fr := c.frame()
	if int(pl.Local) >= len(fr.body.Locals) {
		return place{}, invariant("local _%d out of range in %s", pl.Local, fr.body.Name)
	}
	p := localPlace(len(c.stack)-1, pl.Local, fr.body.Locals[pl.Local].Ty)

	var err error
	for _, proj := range pl.Proj {
		p, err = c.project(p, proj)
		if err != nil {
			return place{}, err
		}
	}
	return p, nil
}

// project applies one projection step.
func (c *EvalContext) project(base place, proj mir.Projection) (place, error) {
	switch proj.Kind {
	case mir.ProjDeref:
		l, err := c.layoutOf(base.ty)
		if err != nil {
			return place{}, err
		}
		if l.Ty.Kind != layout.KindRef && l.Ty.Kind != layout.KindRawPtr {
			return place{}, unsupportedRepr("dereferencing non-pointer type %s", c.typeKey(base.ty))
		}
		v, err := c.readPlace(base)
		if err != nil {
			return place{}, err
		}
		return c.placeForPointee(v, l.Ty.Elem)

	case mir.ProjField:
		return c.projectField(base, int(proj.Field))

	case mir.ProjIndex:
		idxVal, err := c.frame().readLocal(proj.Index)
		if err != nil {
			return place{}, err
		}
		idx, err := idxVal.ReadUint(c.mem, c.mem.PointerSize())
		if err != nil {
			return place{}, err
		}
		return c.projectIndex(base, idx)

	case mir.ProjConstIndex:
		n, err := c.placeLen(base)
		if err != nil {
			return place{}, err
		}
		idx := uint64(proj.Field)
		if proj.FromEnd {
			if idx > n {
				return place{}, fault(FaultOutOfBounds, "index %d from the end of a sequence of length %d", idx, n)
			}
			idx = n - idx
		}
		return c.projectIndex(base, idx)

	case mir.ProjDowncast:
		l, err := c.layoutOf(base.ty)
		if err != nil {
			return place{}, err
		}
		if int(proj.Field) >= len(l.Variants) {
			return place{}, invariant("downcast to variant %d of %s, which has %d variants",
				proj.Field, c.typeKey(base.ty), len(l.Variants))
		}
		base.variant = int(proj.Field)
		return base, nil
	}
	return place{}, invariant("unknown projection kind %d", uint8(proj.Kind))
}

// placeForPointee builds the place a pointer value refers to, decoding
// fat-pointer metadata when the pointee is unsized.
func (c *EvalContext) placeForPointee(v Value, pointee layout.TypeID) (place, error) {
	l, err := c.layoutOf(pointee)
	if err != nil {
		return place{}, err
	}

	p := memPlace(Pointer{}, pointee)
	if !l.Unsized {
		ptr, err := v.ReadPtr(c.mem)
		if err != nil {
			return place{}, err
		}
		if err := c.mem.CheckAlign(ptr, l.Align); err != nil {
			return place{}, err
		}
		p.ptr = ptr
		return p, nil
	}

	ptr, err := fatDataWord(v, c.mem)
	if err != nil {
		return place{}, err
	}
	p.ptr = ptr
	switch l.Meta {
	case layout.MetaLength:
		n, err := v.ExpectSliceLen(c.mem)
		if err != nil {
			return place{}, err
		}
		p.meta = placeMeta{kind: layout.MetaLength, len: n}
	case layout.MetaVTable:
		vt, err := v.ExpectVTable(c.mem)
		if err != nil {
			return place{}, err
		}
		p.meta = placeMeta{kind: layout.MetaVTable, vt: vt}
	default:
		return place{}, invariant("unsized type %s has no metadata kind", c.typeKey(pointee))
	}
	if err := c.mem.CheckAlign(p.ptr, l.Align); err != nil {
		return place{}, err
	}
	return p, nil
}

// fatDataWord extracts the data pointer of a fat-pointer value: the
// first machine word by-ref, or the first scalar of a pair.
func fatDataWord(v Value, mem *Memory) (Pointer, error) {
	switch v.Kind() {
	case ByRef:
		return mem.ReadPtr(v.Ref())
	case ByValPair:
		a, _ := v.Pair()
		if a.Kind().IsPointer() {
			return a.Ptr(), nil
		}
		if u, ok := a.AsUint(); ok {
			return Pointer{Off: u}, nil
		}
		return Pointer{}, unsupportedRepr("fat pointer data word is %s", a.Kind())
	}
	return Pointer{}, unsupportedRepr("%s value is not a fat pointer", v.Kind())
}

// projectField resolves field i of a (possibly downcast) aggregate.
func (c *EvalContext) projectField(base place, i int) (place, error) {
	l, err := c.layoutOf(base.ty)
	if err != nil {
		return place{}, err
	}

	var slot layout.FieldSlot
	switch {
	case base.variant >= 0:
		if base.variant >= len(l.Variants) {
			return place{}, invariant("variant %d of %s out of range", base.variant, c.typeKey(base.ty))
		}
		fields := l.Variants[base.variant].Fields
		if i < 0 || i >= len(fields) {
			return place{}, invariant("variant %s of %s has no field %d",
				l.Variants[base.variant].Name, c.typeKey(base.ty), i)
		}
		slot = fields[i]
	case len(l.Variants) > 0:
		return place{}, invariant("field access on enum %s without downcast", c.typeKey(base.ty))
	default:
		if i < 0 || i >= len(l.Fields) {
			return place{}, invariant("type %s has no field %d", c.typeKey(base.ty), i)
		}
		slot = l.Fields[i]
	}

	mp, err := c.forcePlace(base)
	if err != nil {
		return place{}, err
	}
	out := memPlace(mp.ptr.Add(slot.Offset), slot.Ty)
	return out, nil
}

// projectIndex resolves element idx of an array or slice place.
func (c *EvalContext) projectIndex(base place, idx uint64) (place, error) {
	l, err := c.layoutOf(base.ty)
	if err != nil {
		return place{}, err
	}
	if l.ElemTy == layout.InvalidType {
		return place{}, unsupportedRepr("indexing non-sequence type %s", c.typeKey(base.ty))
	}

	n, err := c.placeLen(base)
	if err != nil {
		return place{}, err
	}
	if idx >= n {
		return place{}, fault(FaultOutOfBounds, "index %d out of bounds of a sequence of length %d", idx, n)
	}

	mp, err := c.forcePlace(base)
	if err != nil {
		return place{}, err
	}
	return memPlace(mp.ptr.Add(idx*l.ElemSize), l.ElemTy), nil
}

// placeLen returns the element count of an array, slice, or str place.
func (c *EvalContext) placeLen(p place) (uint64, error) {
	l, err := c.layoutOf(p.ty)
	if err != nil {
		return 0, err
	}
	switch {
	case l.Ty.Kind == layout.KindArray:
		return l.Count, nil
	case l.Unsized && l.Meta == layout.MetaLength:
		if p.meta.kind != layout.MetaLength {
			return 0, invariant("slice place for %s lost its length metadata", c.typeKey(p.ty))
		}
		return p.meta.len, nil
	}
	return 0, unsupportedRepr("type %s has no length", c.typeKey(p.ty))
}

// placeSizeAlign returns the dynamic size and alignment of a place,
// consulting metadata for unsized types.
func (c *EvalContext) placeSizeAlign(p place) (uint64, uint64, error) {
	l, err := c.layoutOf(p.ty)
	if err != nil {
		return 0, 0, err
	}
	if !l.Unsized {
		return l.Size, l.Align, nil
	}
	switch p.meta.kind {
	case layout.MetaLength:
		if l.ElemSize != 0 && p.meta.len > c.maxObjectSize()/l.ElemSize {
			return 0, 0, fault(FaultOutOfBounds, "sequence of %d elements exceeds the maximum object size", p.meta.len)
		}
		return l.ElemSize * p.meta.len, l.Align, nil
	case layout.MetaVTable:
		return c.vtableSizeAlign(p.meta.vt)
	}
	return 0, 0, invariant("unsized place for %s has no metadata", c.typeKey(p.ty))
}

// ---------------------------------------------------------------------------
// Forcing and reading
// ---------------------------------------------------------------------------

// forcePlace pins a place in memory, spilling an immediate local into a
// fresh stack allocation if needed. Projections and address-taking go
// through here.
func (c *EvalContext) forcePlace(p place) (place, error) {
	if p.kind == placeMem {
		return p, nil
	}
	fr := c.stack[p.frame]
	ptr, err := c.forceLocal(fr, p.local)
	if err != nil {
		return place{}, err
	}
	out := memPlace(ptr, p.ty)
	out.variant = p.variant
	return out, nil
}

// forceLocal gives a local a memory address. Subsequent reads and
// writes of the slot go through that allocation, so existing pointers
// stay coherent.
func (c *EvalContext) forceLocal(fr *Frame, l mir.Local) (Pointer, error) {
	slot, err := fr.slot(l)
	if err != nil {
		return Pointer{}, err
	}
	if slot.val.Kind() == ByRef {
		return slot.val.Ref(), nil
	}

	lay, err := c.layoutOf(fr.body.Locals[l].Ty)
	if err != nil {
		return Pointer{}, err
	}
	ptr, err := c.mem.Allocate(lay.Size, lay.Align, AllocStack)
	if err != nil {
		return Pointer{}, err
	}
	if slot.state == localLive {
		if err := c.writeValueToMem(slot.val, ptr, lay.ID); err != nil {
			return Pointer{}, err
		}
	}
	slot.val = RefValue(ptr)
	slot.alloc = ptr.Alloc
	if slot.state == localUninit {
		slot.state = localLive
	}
	return ptr, nil
}

// readPlace reads the current value of a place without changing its
// representation.
func (c *EvalContext) readPlace(p place) (Value, error) {
	if p.kind == placeLocal {
		return c.stack[p.frame].readLocal(p.local)
	}
	return c.readValueFromMem(p.ptr, p.ty)
}

// writeToPlace stores a value into a place. Immediate locals stay
// immediate; memory-backed destinations get a typed encode.
func (c *EvalContext) writeToPlace(v Value, p place) error {
	if p.kind == placeLocal {
		fr := c.stack[p.frame]
		slot, err := fr.slot(p.local)
		if err != nil {
			return err
		}
		if slot.val.Kind() == ByRef {
			return c.writeValueToMem(v, slot.val.Ref(), p.ty)
		}
		// Storing into a bare local. A by-reference value still points
		// at its source allocation; materialize a copy (or load the
		// immediate out) so the local does not alias the source.
		if v.Kind() == ByRef {
			l, err := c.layoutOf(p.ty)
			if err != nil {
				return err
			}
			switch {
			case l.IsZST():
				// anchor value, nothing to copy
			case l.Repr == layout.ReprMemory:
				ptr, err := c.mem.Allocate(l.Size, l.Align, AllocStack)
				if err != nil {
					return err
				}
				if err := c.mem.Copy(v.Ref(), ptr, l.Size); err != nil {
					return err
				}
				slot.val = RefValue(ptr)
				slot.alloc = ptr.Alloc
				slot.state = localLive
				return nil
			default:
				rv, err := c.readValueFromMem(v.Ref(), p.ty)
				if err != nil {
					return err
				}
				v = rv
			}
		}
		slot.val = v
		slot.state = localLive
		return nil
	}
	return c.writeValueToMem(v, p.ptr, p.ty)
}

// writeValueToMem encodes a value at an address according to the type's
// representation.
func (c *EvalContext) writeValueToMem(v Value, dst Pointer, ty layout.TypeID) error {
	l, err := c.layoutOf(ty)
	if err != nil {
		return err
	}
	if l.Unsized {
		return unsupportedRepr("storing unsized type %s by value", c.typeKey(ty))
	}
	if l.IsZST() {
		return nil
	}

	switch v.Kind() {
	case ByRef:
		src := v.Ref()
		if src == dst {
			return nil
		}
		return c.mem.Copy(src, dst, l.Size)

	case ByVal:
		if l.Repr != layout.ReprScalar {
			return unsupportedRepr("scalar value for %s type %s", l.Repr, c.typeKey(ty))
		}
		return c.writePrim(dst, v.Scalar(), l.Scalar.Size)

	case ByValPair:
		if l.Repr != layout.ReprPair {
			return unsupportedRepr("pair value for %s type %s", l.Repr, c.typeKey(ty))
		}
		a, b := v.Pair()
		if err := c.writePrim(dst, a, l.PairA.Size); err != nil {
			return err
		}
		return c.writePrim(dst.Add(l.PairBOffset), b, l.PairB.Size)
	}
	return unsupportedRepr("storing invalid value")
}

// writePrim stores one scalar at an address: pointers keep provenance,
// everything else stores as truncated bits.
func (c *EvalContext) writePrim(dst Pointer, v PrimVal, size uint64) error {
	if v.Kind().IsPointer() {
		if size != c.mem.PointerSize() {
			return invariant("storing pointer scalar into %d-byte slot", size)
		}
		return c.mem.WritePtr(dst, v.Ptr())
	}
	if !v.IsValid() {
		return unsupportedRepr("storing invalid scalar")
	}
	return c.mem.WriteUint(dst, size, v.Bits()&layout.MaxFor(size))
}
