package interp

import (
	"fmt"
	"unicode/utf8"

	"github.com/chazu/ferrite/layout"
)

// ---------------------------------------------------------------------------
// Validity checking
// ---------------------------------------------------------------------------

// valTask is one pending location in the validity walk.
type valTask struct {
	ptr  Pointer
	ty   layout.TypeID
	meta placeMeta
	path string
}

// valKey identifies a (location, type) pair already scheduled, cutting
// reference cycles.
type valKey struct {
	alloc AllocID
	off   uint64
	ty    layout.TypeID
}

// Validate checks that v is a valid inhabitant of ty: scalars inside
// their valid range, references non-null, aligned and live, enums
// carrying a known discriminant, strings holding UTF-8. References are
// followed; a visited set keeps the walk finite on cyclic data.
func (c *EvalContext) Validate(v Value, ty layout.TypeID) error {
	l, err := c.layoutOf(ty)
	if err != nil {
		return err
	}
	if l.Unsized {
		return unsupportedRepr("validating unsized %s by value", c.typeKey(ty))
	}

	// The walk reads through memory, so immediates are spilled into a
	// scratch allocation first.
	var root Pointer
	var temp AllocID
	switch {
	case v.Kind() == ByRef:
		root = v.Ref()
	case l.IsZST():
		zv, zerr := c.zstValue()
		if zerr != nil {
			return zerr
		}
		root = zv.Ref()
	default:
		tmp, aerr := c.mem.Allocate(l.Size, l.Align, AllocStack)
		if aerr != nil {
			return aerr
		}
		temp = tmp.Alloc
		if werr := c.writeValueToMem(v, tmp, ty); werr != nil {
			_ = c.mem.Deallocate(tmp, AllocStack)
			return werr
		}
		root = tmp
	}

	err = c.validateWalk(root, ty)
	if temp != 0 {
		_ = c.mem.Deallocate(Pointer{Alloc: temp}, AllocStack)
	}
	return err
}

func (c *EvalContext) validateWalk(root Pointer, ty layout.TypeID) error {
	seen := make(map[valKey]bool)
	work := []valTask{{ptr: root, ty: ty, path: "value"}}
	for len(work) > 0 {
		t := work[len(work)-1]
		work = work[:len(work)-1]
		if err := c.validateAt(t, seen, &work); err != nil {
			ee := toEvalError(err)
			if ee.Path == "" {
				ee.Path = t.path
			}
			return ee
		}
	}
	return nil
}

func (c *EvalContext) validateAt(t valTask, seen map[valKey]bool, work *[]valTask) error {
	l, err := c.layoutOf(t.ty)
	if err != nil {
		return err
	}
	if l.Uninhabited {
		return fault(FaultUninhabited, "value of uninhabited type %s", c.typeKey(t.ty))
	}
	tt, err := c.prog.Table().Get(t.ty)
	if err != nil {
		return invariant("validate: %v", err)
	}

	switch tt.Kind {
	case layout.KindBool, layout.KindChar, layout.KindInt, layout.KindUint,
		layout.KindIsize, layout.KindUsize, layout.KindFloat:
		return c.validateScalar(t.ptr, l)

	case layout.KindRef:
		return c.validateRef(t, tt, seen, work)

	case layout.KindRawPtr:
		// raw pointers may dangle; only the load itself can fault
		_, rerr := c.mem.ReadPtr(t.ptr)
		return rerr

	case layout.KindFnPtr:
		fp, rerr := c.mem.ReadPtr(t.ptr)
		if rerr != nil {
			return rerr
		}
		if fp.IsNull() {
			return fault(FaultNullRef, "null function pointer")
		}
		if fp.IsAbsolute() {
			return fault(FaultInvalidFnPtr, "function pointer to absolute address %#x", fp.Off)
		}
		_, rerr = c.mem.FnByPtr(fp)
		return rerr

	case layout.KindStr:
		data, rerr := c.mem.ReadBytes(t.ptr, t.meta.len)
		if rerr != nil {
			return rerr
		}
		if !utf8.Valid(data) {
			return fault(FaultInvalidStr, "string of %d bytes is not valid UTF-8", t.meta.len)
		}
		return nil

	case layout.KindSlice:
		return c.validateElems(t, l.ElemTy, l.ElemSize, t.meta.len, work)

	case layout.KindArray:
		return c.validateElems(t, l.ElemTy, l.ElemSize, l.Count, work)

	case layout.KindTuple, layout.KindStruct:
		// a newtype's restricted range lives on the wrapper's layout
		if l.Repr == layout.ReprScalar {
			if serr := c.validateScalar(t.ptr, l); serr != nil {
				return serr
			}
		}
		for i, f := range l.Fields {
			*work = append(*work, valTask{
				ptr:  t.ptr.Add(f.Offset),
				ty:   f.Ty,
				path: fieldPath(t.path, tt, i),
			})
		}
		return nil

	case layout.KindEnum:
		pl := memPlace(t.ptr, t.ty)
		d, derr := c.readDiscriminant(pl)
		if derr != nil {
			return derr
		}
		idx, ok := l.VariantByDiscr(d)
		if !ok {
			return fault(FaultInvalidDiscriminant, "discriminant %d names no variant of %s",
				d, c.typeKey(t.ty))
		}
		vl := l.Variants[idx]
		for i, f := range vl.Fields {
			name := fmt.Sprintf("%s.%s.%d", t.path, vl.Name, i)
			if i < len(tt.Variants[idx].Fields) && tt.Variants[idx].Fields[i].Name != "" {
				name = fmt.Sprintf("%s.%s.%s", t.path, vl.Name, tt.Variants[idx].Fields[i].Name)
			}
			*work = append(*work, valTask{ptr: t.ptr.Add(f.Offset), ty: f.Ty, path: name})
		}
		return nil

	case layout.KindTrait:
		// reached behind a reference; the pointee is type-erased, so
		// only the vtable can be checked
		return c.checkVTable(t.meta.vt)
	}
	return nil
}

// validateScalar loads a scalar and checks its valid range. The typed
// load already rejects bad bools and chars.
func (c *EvalContext) validateScalar(p Pointer, l *layout.Layout) error {
	v, err := c.readValueFromMem(p, l.ID)
	if err != nil {
		return err
	}
	pv, err := c.valueToPrim(v, l.ID)
	if err != nil {
		return err
	}
	if pv.Kind().IsPointer() || l.Scalar.IsFull() {
		return nil
	}
	bits := rawBits(pv)
	if !l.Scalar.Contains(bits) {
		return fault(FaultOutOfRange, "value %s is outside the valid range [%d, %d] of %s",
			pv, l.Scalar.ValidStart, l.Scalar.ValidEnd, c.typeKey(l.ID))
	}
	return nil
}

// validateRef loads a reference, checks it points at enough live,
// aligned memory, and schedules the pointee.
func (c *EvalContext) validateRef(t valTask, tt layout.Type, seen map[valKey]bool, work *[]valTask) error {
	p, err := c.mem.ReadPtr(t.ptr)
	if err != nil {
		return err
	}
	if p.IsNull() {
		return fault(FaultNullRef, "null reference")
	}
	el, err := c.layoutOf(tt.Elem)
	if err != nil {
		return err
	}

	var meta placeMeta
	size := el.Size
	ps := c.mem.PointerSize()
	if el.Unsized {
		switch el.Meta {
		case layout.MetaLength:
			n, merr := c.mem.ReadUsize(t.ptr.Add(ps))
			if merr != nil {
				return merr
			}
			if el.ElemSize != 0 && n > c.maxObjectSize()/el.ElemSize {
				return fault(FaultOverflow, "slice of %d elements overflows an object", n)
			}
			meta = placeMeta{kind: layout.MetaLength, len: n}
			size = n * el.ElemSize
		case layout.MetaVTable:
			vt, merr := c.mem.ReadPtr(t.ptr.Add(ps))
			if merr != nil {
				return merr
			}
			if verr := c.checkVTable(vt); verr != nil {
				return verr
			}
			meta = placeMeta{kind: layout.MetaVTable, vt: vt}
			sz, _, verr := c.vtableSizeAlign(vt)
			if verr != nil {
				return verr
			}
			size = sz
		default:
			return unsupportedRepr("reference to unsized %s", c.typeKey(tt.Elem))
		}
	}

	if err := c.mem.CheckAlign(p, el.Align); err != nil {
		return err
	}
	if p.IsAbsolute() {
		// only a zero-sized pointee may sit at an invented address
		if size > 0 {
			return fault(FaultDangling, "reference to absolute address %#x", p.Off)
		}
		return nil
	}
	if err := c.mem.CheckInBounds(p); err != nil {
		return err
	}
	if size > 0 {
		if err := c.mem.CheckInBounds(p.Add(size)); err != nil {
			return err
		}
	}

	key := valKey{alloc: p.Alloc, off: p.Off, ty: tt.Elem}
	if seen[key] {
		return nil
	}
	seen[key] = true
	*work = append(*work, valTask{ptr: p, ty: tt.Elem, meta: meta, path: t.path + ".*"})
	return nil
}

func (c *EvalContext) validateElems(t valTask, elemTy layout.TypeID, elemSize, count uint64, work *[]valTask) error {
	if elemTy == layout.InvalidType || count == 0 {
		return nil
	}
	if elemSize == 0 {
		// zero-sized elements are all the same inhabitant
		*work = append(*work, valTask{ptr: t.ptr, ty: elemTy, path: t.path + "[0]"})
		return nil
	}
	for i := uint64(0); i < count; i++ {
		*work = append(*work, valTask{
			ptr:  t.ptr.Add(i * elemSize),
			ty:   elemTy,
			path: fmt.Sprintf("%s[%d]", t.path, i),
		})
	}
	return nil
}

func fieldPath(base string, tt layout.Type, i int) string {
	if i < len(tt.Fields) && tt.Fields[i].Name != "" {
		return base + "." + tt.Fields[i].Name
	}
	return fmt.Sprintf("%s.%d", base, i)
}
