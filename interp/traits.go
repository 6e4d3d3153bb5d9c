package interp

import (
	"github.com/chazu/ferrite/layout"
)

// ---------------------------------------------------------------------------
// VTables
// ---------------------------------------------------------------------------
//
// A vtable is one pointer-aligned allocation of pointer-sized slots:
//
//	slot 0   destructor fn pointer, null when the type has none
//	slot 1   size of the concrete type
//	slot 2   alignment of the concrete type
//	slot 3+  method fn pointers, in the impl's declared order
//
// VTables are built once per (trait, concrete type) pair, frozen, and
// shared by every fat pointer that erases to the trait.

// vtableHeaderSlots counts the slots before the first method.
const vtableHeaderSlots = 3

type vtableKey struct {
	trait layout.TypeID
	ty    layout.TypeID
}

// vtableFor returns the vtable for a concrete type erased to a trait,
// building and caching it on first use. Every method slot is checked
// against the trait's declared signature before the vtable exists, so
// a call through it can never reach a wrongly-typed body.
func (c *EvalContext) vtableFor(trait layout.TypeID, concrete layout.TypeID) (Pointer, error) {
	key := vtableKey{trait: trait, ty: concrete}
	if p, ok := c.vtables[key]; ok {
		return p, nil
	}

	tt, err := c.prog.Table().Get(trait)
	if err != nil {
		return Pointer{}, invariant("vtable: %v", err)
	}
	if tt.Kind != layout.KindTrait {
		return Pointer{}, unsupportedRepr("building a vtable for non-trait %s", c.typeKey(trait))
	}

	methods, ok := c.prog.ImplFor(tt.Name, concrete)
	if !ok {
		return Pointer{}, fault(FaultNoImpl, "%s does not implement %s", c.typeKey(concrete), tt.Name)
	}
	if len(methods) != len(tt.Methods) {
		return Pointer{}, fault(FaultSignatureMismatch,
			"impl of %s for %s has %d methods, trait declares %d",
			tt.Name, c.typeKey(concrete), len(methods), len(tt.Methods))
	}
	l, err := c.layoutOf(concrete)
	if err != nil {
		return Pointer{}, err
	}
	if l.Unsized {
		return Pointer{}, unsupportedRepr("erasing unsized %s to %s", c.typeKey(concrete), tt.Name)
	}

	ptrSize := c.mem.PointerSize()
	words := uint64(vtableHeaderSlots + len(methods))
	vt, err := c.mem.Allocate(words*ptrSize, ptrSize, AllocVTable)
	if err != nil {
		return Pointer{}, err
	}

	dropPtr := NullPtr()
	if sym, ok := c.prog.DropFor(concrete); ok {
		dropPtr, err = c.resolveFn(sym, layout.InvalidType)
		if err != nil {
			return Pointer{}, err
		}
	}
	if err := c.mem.WritePtr(vt, dropPtr); err != nil {
		return Pointer{}, err
	}
	if err := c.mem.WriteUsize(vt.Add(ptrSize), l.Size); err != nil {
		return Pointer{}, err
	}
	if err := c.mem.WriteUsize(vt.Add(2*ptrSize), l.Align); err != nil {
		return Pointer{}, err
	}
	for i, sym := range methods {
		fp, rerr := c.resolveFn(sym, layout.InvalidType)
		if rerr != nil {
			return Pointer{}, rerr
		}
		def, derr := c.mem.FnByPtr(fp)
		if derr != nil {
			return Pointer{}, derr
		}
		if !implementsTraitSig(tt.Methods[i].Sig, def.Sig) {
			return Pointer{}, fault(FaultSignatureMismatch,
				"%s method %q: trait declares %s, impl %q has %s",
				tt.Name, tt.Methods[i].Name, c.prog.Table().SigKey(tt.Methods[i].Sig),
				sym, c.prog.Table().SigKey(def.Sig))
		}
		slot := vt.Add((vtableHeaderSlots + uint64(i)) * ptrSize)
		if werr := c.mem.WritePtr(slot, fp); werr != nil {
			return Pointer{}, werr
		}
	}

	if err := c.mem.Freeze(vt.Alloc, AllocVTable); err != nil {
		return Pointer{}, err
	}
	c.vtables[key] = vt
	return vt, nil
}

// implementsTraitSig reports whether an impl body can stand behind a
// trait method slot: the body takes the erased receiver first, then
// the declared parameters, and returns the declared type.
func implementsTraitSig(decl, impl layout.FnSig) bool {
	if len(impl.Params) != len(decl.Params)+1 || impl.Ret != decl.Ret {
		return false
	}
	for i, p := range decl.Params {
		if impl.Params[i+1] != p {
			return false
		}
	}
	return true
}

// checkVTable verifies that vt points at the start of a vtable
// allocation.
func (c *EvalContext) checkVTable(vt Pointer) error {
	if vt.Alloc == 0 {
		return fault(FaultInvalidVTable, "vtable pointer %s has no provenance", vt)
	}
	info, err := c.mem.Info(vt.Alloc)
	if err != nil {
		return fault(FaultInvalidVTable, "%s does not point at a vtable", vt)
	}
	if info.Kind != AllocVTable || !info.Live {
		return fault(FaultInvalidVTable, "%s does not point at a vtable", vt)
	}
	if vt.Off != 0 {
		return fault(FaultInvalidVTable, "vtable pointer %s is offset", vt)
	}
	return nil
}

// vtableDrop reads the destructor slot; null means no destructor.
func (c *EvalContext) vtableDrop(vt Pointer) (Pointer, error) {
	if err := c.checkVTable(vt); err != nil {
		return Pointer{}, err
	}
	return c.mem.ReadPtr(vt)
}

// vtableMethod reads the fn pointer in method slot idx.
func (c *EvalContext) vtableMethod(vt Pointer, idx uint32) (Pointer, error) {
	if err := c.checkVTable(vt); err != nil {
		return Pointer{}, err
	}
	info, err := c.mem.Info(vt.Alloc)
	if err != nil {
		return Pointer{}, err
	}
	ptrSize := c.mem.PointerSize()
	off := (vtableHeaderSlots + uint64(idx)) * ptrSize
	if off+ptrSize > info.Size {
		return Pointer{}, fault(FaultInvalidVTable, "vtable a%d has no method slot %d", vt.Alloc, idx)
	}
	fp, err := c.mem.ReadPtr(vt.Add(off))
	if err != nil {
		return Pointer{}, err
	}
	if fp.IsNull() {
		return Pointer{}, fault(FaultInvalidVTable, "method slot %d of vtable a%d is null", idx, vt.Alloc)
	}
	return fp, nil
}

// vtableSizeAlign reads the erased type's size and alignment, for
// size_of_val and friends on trait objects.
func (c *EvalContext) vtableSizeAlign(vt Pointer) (uint64, uint64, error) {
	if err := c.checkVTable(vt); err != nil {
		return 0, 0, err
	}
	ptrSize := c.mem.PointerSize()
	size, err := c.mem.ReadUsize(vt.Add(ptrSize))
	if err != nil {
		return 0, 0, err
	}
	align, err := c.mem.ReadUsize(vt.Add(2 * ptrSize))
	if err != nil {
		return 0, 0, err
	}
	return size, align, nil
}
