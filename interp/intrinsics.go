package interp

import (
	mbits "math/bits"
	"strings"

	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/mir"
)

// ---------------------------------------------------------------------------
// Intrinsics
// ---------------------------------------------------------------------------
//
// Intrinsics are bodyless functions the machine evaluates directly.
// Atomic operations are matched by prefix: evaluation is
// single-threaded, so they reduce to plain memory accesses.

var intrinsicNames = map[string]bool{
	"abort": true, "unreachable": true, "assume": true,
	"likely": true, "unlikely": true, "black_box": true,
	"forget": true, "breakpoint": true,

	"size_of": true, "min_align_of": true, "align_of": true, "pref_align_of": true,
	"size_of_val": true, "min_align_of_val": true, "align_of_val": true,
	"type_name": true, "needs_drop": true, "assert_inhabited": true,
	"discriminant_value": true, "variant_count": true,

	"transmute": true, "move_val_init": true,
	"copy": true, "copy_nonoverlapping": true, "write_bytes": true,
	"offset": true, "arith_offset": true, "ptr_offset_from": true,

	"add_with_overflow": true, "sub_with_overflow": true, "mul_with_overflow": true,
	"wrapping_add": true, "wrapping_sub": true, "wrapping_mul": true,
	"overflowing_add": true, "overflowing_sub": true, "overflowing_mul": true,
	"saturating_add": true, "saturating_sub": true,
	"exact_div": true, "unchecked_div": true, "unchecked_rem": true,
	"unchecked_shl": true, "unchecked_shr": true,

	"ctpop": true, "ctlz": true, "cttz": true,
	"ctlz_nonzero": true, "cttz_nonzero": true,
	"bswap": true, "bitreverse": true, "rotate_left": true, "rotate_right": true,

	"const_allocate": true, "const_deallocate": true,
}

func isIntrinsic(sym string) bool {
	return intrinsicNames[sym] || strings.HasPrefix(sym, "atomic_")
}

// callIntrinsic evaluates one intrinsic call, writes its result to the
// call's destination, and advances to the target block. Diverging
// intrinsics fault instead.
func (c *EvalContext) callIntrinsic(name string, t *mir.Terminator, args []Value, argTys []layout.TypeID) error {
	ret := func(v Value) error {
		if t.Dest != nil {
			dst, err := c.evalPlace(*t.Dest)
			if err != nil {
				return err
			}
			if err := c.writeToPlace(v, dst); err != nil {
				return err
			}
		}
		return c.gotoBlock(t.Target)
	}
	retUnit := func() error {
		z, err := c.zstValue()
		if err != nil {
			return err
		}
		return ret(z)
	}
	need := func(n int) error {
		if len(args) != n {
			return invariant("%s takes %d arguments, got %d", name, n, len(args))
		}
		return nil
	}

	if strings.HasPrefix(name, "atomic_") {
		return c.atomicIntrinsic(name, t, args, argTys, ret, retUnit)
	}

	switch name {
	case "abort":
		return fault(FaultAbort, "abort intrinsic called")
	case "unreachable":
		return fault(FaultUnreachable, "unreachable intrinsic called")
	case "breakpoint", "forget":
		return retUnit()
	case "likely", "unlikely", "black_box":
		if err := need(1); err != nil {
			return err
		}
		return ret(args[0])

	case "assume":
		if err := need(1); err != nil {
			return err
		}
		pv, err := c.valueToPrim(args[0], argTys[0])
		if err != nil {
			return err
		}
		b, ok := pv.AsBool()
		if !ok {
			return unsupportedRepr("assume on %s", pv.Kind())
		}
		if !b {
			return fault(FaultAssert, "assumption does not hold")
		}
		return retUnit()

	case "size_of", "min_align_of", "align_of", "pref_align_of":
		ty, err := c.tyArg(t, name, 0)
		if err != nil {
			return err
		}
		l, err := c.layoutOf(ty)
		if err != nil {
			return err
		}
		if l.Unsized {
			return unsupportedRepr("%s of unsized %s", name, c.typeKey(ty))
		}
		n := l.Size
		if name != "size_of" {
			n = l.Align
		}
		return ret(ScalarValue(primUint(c.mem.PointerSize(), n)))

	case "size_of_val", "min_align_of_val", "align_of_val":
		if err := need(1); err != nil {
			return err
		}
		size, align, err := c.valSizeAlign(t, args[0], argTys[0])
		if err != nil {
			return err
		}
		n := size
		if name != "size_of_val" {
			n = align
		}
		return ret(ScalarValue(primUint(c.mem.PointerSize(), n)))

	case "type_name":
		ty, err := c.tyArg(t, name, 0)
		if err != nil {
			return err
		}
		s := c.typeKey(ty)
		ptr, err := c.internBytes([]byte(s))
		if err != nil {
			return err
		}
		ps := c.mem.PointerSize()
		return ret(PairValue(PrimPtr(ptr), primUint(ps, uint64(len(s)))))

	case "needs_drop":
		ty, err := c.tyArg(t, name, 0)
		if err != nil {
			return err
		}
		_, has := c.prog.DropFor(ty)
		return ret(ScalarValue(PrimBool(has)))

	case "variant_count":
		ty, err := c.tyArg(t, name, 0)
		if err != nil {
			return err
		}
		tt, err := c.prog.Table().Get(ty)
		if err != nil {
			return invariant("%s: %v", name, err)
		}
		if tt.Kind != layout.KindEnum {
			return unsupportedRepr("variant_count of non-enum %s", c.typeKey(ty))
		}
		return ret(ScalarValue(primUint(c.mem.PointerSize(), uint64(len(tt.Variants)))))

	case "assert_inhabited":
		ty, err := c.tyArg(t, name, 0)
		if err != nil {
			return err
		}
		l, err := c.layoutOf(ty)
		if err != nil {
			return err
		}
		if l.Uninhabited {
			return fault(FaultUninhabited, "instantiating uninhabited %s", c.typeKey(ty))
		}
		return retUnit()

	case "discriminant_value":
		if err := need(1); err != nil {
			return err
		}
		pointee, err := c.intrinsicPointee(t, argTys[0])
		if err != nil {
			return err
		}
		pl, err := c.placeForPointee(args[0], pointee)
		if err != nil {
			return err
		}
		d, err := c.readDiscriminant(pl)
		if err != nil {
			return err
		}
		return ret(ScalarValue(primUint(8, d)))

	case "transmute":
		if err := need(1); err != nil {
			return err
		}
		res, err := c.transmute(t, args[0], argTys[0])
		if err != nil {
			return err
		}
		return ret(res)

	case "move_val_init":
		if err := need(2); err != nil {
			return err
		}
		pointee, err := c.intrinsicPointee(t, argTys[0])
		if err != nil {
			return err
		}
		dst, err := args[0].ReadPtr(c.mem)
		if err != nil {
			return err
		}
		if err := c.writeValueToMem(args[1], dst, pointee); err != nil {
			return err
		}
		return retUnit()

	case "copy", "copy_nonoverlapping":
		if err := need(3); err != nil {
			return err
		}
		if err := c.copyIntrinsic(name, t, args, argTys); err != nil {
			return err
		}
		return retUnit()

	case "write_bytes":
		if err := need(3); err != nil {
			return err
		}
		if err := c.writeBytesIntrinsic(t, args, argTys); err != nil {
			return err
		}
		return retUnit()

	case "offset":
		if err := need(2); err != nil {
			return err
		}
		a, err := c.valueToPrim(args[0], argTys[0])
		if err != nil {
			return err
		}
		b, err := c.valueToPrim(args[1], argTys[1])
		if err != nil {
			return err
		}
		res, err := c.ptrOffset(a, argTys[0], b)
		if err != nil {
			return err
		}
		return ret(ScalarValue(res))

	case "arith_offset":
		if err := need(2); err != nil {
			return err
		}
		res, err := c.arithOffset(args, argTys)
		if err != nil {
			return err
		}
		return ret(res)

	case "ptr_offset_from":
		if err := need(2); err != nil {
			return err
		}
		res, err := c.ptrOffsetFrom(t, args, argTys)
		if err != nil {
			return err
		}
		return ret(res)

	case "add_with_overflow", "sub_with_overflow", "mul_with_overflow":
		if err := need(2); err != nil {
			return err
		}
		res, over, err := c.checkedBinOp(overflowOp(name), args[0], argTys[0], args[1], argTys[1])
		if err != nil {
			return err
		}
		return ret(PairValue(res, PrimBool(over)))

	case "wrapping_add", "wrapping_sub", "wrapping_mul",
		"overflowing_add", "overflowing_sub", "overflowing_mul":
		if err := need(2); err != nil {
			return err
		}
		res, _, err := c.checkedBinOp(overflowOp(name), args[0], argTys[0], args[1], argTys[1])
		if err != nil {
			return err
		}
		return ret(ScalarValue(res))

	case "saturating_add", "saturating_sub":
		if err := need(2); err != nil {
			return err
		}
		res, err := c.saturatingOp(name, args, argTys)
		if err != nil {
			return err
		}
		return ret(res)

	case "exact_div":
		if err := need(2); err != nil {
			return err
		}
		res, err := c.binOp(mir.OpDiv, args[0], argTys[0], args[1], argTys[1])
		if err != nil {
			return err
		}
		rem, _, err := c.checkedBinOp(mir.OpRem, args[0], argTys[0], args[1], argTys[1])
		if err != nil {
			return err
		}
		if !isZeroPrim(rem) {
			return fault(FaultAssert, "exact_div of %s by %s has a remainder", args[0], args[1])
		}
		return ret(ScalarValue(res))

	case "unchecked_div", "unchecked_rem", "unchecked_shl", "unchecked_shr":
		if err := need(2); err != nil {
			return err
		}
		res, err := c.binOp(uncheckedOp(name), args[0], argTys[0], args[1], argTys[1])
		if err != nil {
			return err
		}
		return ret(ScalarValue(res))

	case "ctpop", "ctlz", "cttz", "ctlz_nonzero", "cttz_nonzero", "bswap", "bitreverse":
		if err := need(1); err != nil {
			return err
		}
		res, err := c.bitIntrinsic(name, args[0], argTys[0])
		if err != nil {
			return err
		}
		return ret(res)

	case "rotate_left", "rotate_right":
		if err := need(2); err != nil {
			return err
		}
		res, err := c.rotateIntrinsic(name, args, argTys)
		if err != nil {
			return err
		}
		return ret(res)

	case "const_allocate":
		if err := need(2); err != nil {
			return err
		}
		res, err := c.constAllocate(args, argTys)
		if err != nil {
			return err
		}
		return ret(res)

	case "const_deallocate":
		if err := need(3); err != nil {
			return err
		}
		if err := c.constDeallocate(args, argTys); err != nil {
			return err
		}
		return retUnit()
	}
	return fault(FaultUnknownSymbol, "no function or intrinsic named %q", name)
}

// tyArg fetches the i-th explicit type argument.
func (c *EvalContext) tyArg(t *mir.Terminator, name string, i int) (layout.TypeID, error) {
	if i >= len(t.TyArgs) {
		return layout.InvalidType, invariant("%s needs %d type argument(s)", name, i+1)
	}
	return t.TyArgs[i], nil
}

// intrinsicPointee resolves the pointee type an intrinsic operates on:
// the explicit type argument when present, else the pointer argument's
// element type.
func (c *EvalContext) intrinsicPointee(t *mir.Terminator, argTy layout.TypeID) (layout.TypeID, error) {
	if len(t.TyArgs) > 0 {
		return t.TyArgs[0], nil
	}
	tt, err := c.prog.Table().Get(argTy)
	if err != nil {
		return layout.InvalidType, invariant("intrinsic: %v", err)
	}
	if tt.Kind != layout.KindRef && tt.Kind != layout.KindRawPtr {
		return layout.InvalidType, unsupportedRepr("intrinsic pointer argument has type %s", c.typeKey(argTy))
	}
	return tt.Elem, nil
}

// valSizeAlign computes size_of_val/min_align_of_val for a possibly
// fat reference.
func (c *EvalContext) valSizeAlign(t *mir.Terminator, v Value, vTy layout.TypeID) (uint64, uint64, error) {
	pointee, err := c.intrinsicPointee(t, vTy)
	if err != nil {
		return 0, 0, err
	}
	l, err := c.layoutOf(pointee)
	if err != nil {
		return 0, 0, err
	}
	if !l.Unsized {
		return l.Size, l.Align, nil
	}
	switch l.Meta {
	case layout.MetaLength:
		n, err := v.ExpectSliceLen(c.mem)
		if err != nil {
			return 0, 0, err
		}
		if l.ElemSize != 0 && n > c.maxObjectSize()/l.ElemSize {
			return 0, 0, fault(FaultOverflow, "%d elements of %d bytes overflow an object", n, l.ElemSize)
		}
		return n * l.ElemSize, l.Align, nil
	case layout.MetaVTable:
		vt, err := v.ExpectVTable(c.mem)
		if err != nil {
			return 0, 0, err
		}
		return c.vtableSizeAlign(vt)
	}
	return 0, 0, unsupportedRepr("size of unsized %s", c.typeKey(pointee))
}

// transmute reinterprets a value's bytes at another type of the same
// size, bouncing through a scratch allocation owned by the frame.
func (c *EvalContext) transmute(t *mir.Terminator, v Value, srcTy layout.TypeID) (Value, error) {
	if len(t.TyArgs) == 0 {
		return Value{}, invariant("transmute needs a destination type argument")
	}
	dstTy := t.TyArgs[len(t.TyArgs)-1]
	sl, err := c.layoutOf(srcTy)
	if err != nil {
		return Value{}, err
	}
	dl, err := c.layoutOf(dstTy)
	if err != nil {
		return Value{}, err
	}
	if sl.Unsized || dl.Unsized {
		return Value{}, unsupportedRepr("transmute involving unsized types")
	}
	if sl.Size != dl.Size {
		return Value{}, unsupportedRepr("transmute between %s (%d bytes) and %s (%d bytes)",
			c.typeKey(srcTy), sl.Size, c.typeKey(dstTy), dl.Size)
	}
	if dl.IsZST() {
		return c.zstValue()
	}

	align := sl.Align
	if dl.Align > align {
		align = dl.Align
	}
	scratch, err := c.mem.Allocate(sl.Size, align, AllocStack)
	if err != nil {
		return Value{}, err
	}
	fr := c.frame()
	fr.scratch = append(fr.scratch, scratch.Alloc)
	if err := c.writeValueToMem(v, scratch, srcTy); err != nil {
		return Value{}, err
	}
	return c.readValueFromMem(scratch, dstTy)
}

func (c *EvalContext) copyIntrinsic(name string, t *mir.Terminator, args []Value, argTys []layout.TypeID) error {
	pointee, err := c.intrinsicPointee(t, argTys[0])
	if err != nil {
		return err
	}
	el, err := c.layoutOf(pointee)
	if err != nil {
		return err
	}
	src, err := args[0].ReadPtr(c.mem)
	if err != nil {
		return err
	}
	dst, err := args[1].ReadPtr(c.mem)
	if err != nil {
		return err
	}
	cnt, err := c.usizeArg(args[2], argTys[2])
	if err != nil {
		return err
	}
	if el.Size != 0 && cnt > c.maxObjectSize()/el.Size {
		return fault(FaultOverflow, "copying %d elements of %d bytes overflows an object", cnt, el.Size)
	}
	n := cnt * el.Size
	if n == 0 {
		return nil
	}
	if err := c.mem.CheckAlign(src, el.Align); err != nil {
		return err
	}
	if err := c.mem.CheckAlign(dst, el.Align); err != nil {
		return err
	}
	if name == "copy_nonoverlapping" && RangesOverlap(src, dst, n) {
		return fault(FaultAssert, "copy_nonoverlapping ranges %s and %s overlap", src, dst)
	}
	return c.mem.Copy(src, dst, n)
}

func (c *EvalContext) writeBytesIntrinsic(t *mir.Terminator, args []Value, argTys []layout.TypeID) error {
	pointee, err := c.intrinsicPointee(t, argTys[0])
	if err != nil {
		return err
	}
	el, err := c.layoutOf(pointee)
	if err != nil {
		return err
	}
	dst, err := args[0].ReadPtr(c.mem)
	if err != nil {
		return err
	}
	bv, err := c.valueToPrim(args[1], argTys[1])
	if err != nil {
		return err
	}
	fill, ok := bv.AsUint()
	if !ok {
		return unsupportedRepr("write_bytes fill value has kind %s", bv.Kind())
	}
	cnt, err := c.usizeArg(args[2], argTys[2])
	if err != nil {
		return err
	}
	if el.Size != 0 && cnt > c.maxObjectSize()/el.Size {
		return fault(FaultOverflow, "filling %d elements of %d bytes overflows an object", cnt, el.Size)
	}
	n := cnt * el.Size
	if n == 0 {
		return nil
	}
	if err := c.mem.CheckAlign(dst, el.Align); err != nil {
		return err
	}
	return c.mem.Fill(dst, byte(fill), n)
}

// arithOffset is offset without the in-bounds requirement; the result
// is only checked when dereferenced.
func (c *EvalContext) arithOffset(args []Value, argTys []layout.TypeID) (Value, error) {
	a, err := c.valueToPrim(args[0], argTys[0])
	if err != nil {
		return Value{}, err
	}
	if !a.Kind().IsPointer() {
		return Value{}, unsupportedRepr("arith_offset on %s", a.Kind())
	}
	tt, err := c.prog.Table().Get(argTys[0])
	if err != nil || (tt.Kind != layout.KindRef && tt.Kind != layout.KindRawPtr) {
		return Value{}, unsupportedRepr("arith_offset through %s", c.typeKey(argTys[0]))
	}
	el, err := c.layoutOf(tt.Elem)
	if err != nil {
		return Value{}, err
	}
	b, err := c.valueToPrim(args[1], argTys[1])
	if err != nil {
		return Value{}, err
	}
	var n int64
	if i, ok := b.AsInt(); ok {
		n = i
	} else if u, ok := b.AsUint(); ok {
		n = int64(u)
	} else {
		return Value{}, unsupportedRepr("arith_offset count has kind %s", b.Kind())
	}

	delta := uint64(n * int64(el.Size))
	p := a.Ptr()
	return ScalarValue(PrimPtr(Pointer{Alloc: p.Alloc, Off: c.mem.Truncate(p.Off + delta)})), nil
}

func (c *EvalContext) ptrOffsetFrom(t *mir.Terminator, args []Value, argTys []layout.TypeID) (Value, error) {
	pa, err := c.valueToPrim(args[0], argTys[0])
	if err != nil {
		return Value{}, err
	}
	pb, err := c.valueToPrim(args[1], argTys[1])
	if err != nil {
		return Value{}, err
	}
	if !pa.Kind().IsPointer() || !pb.Kind().IsPointer() {
		return Value{}, unsupportedRepr("ptr_offset_from on %s and %s", pa.Kind(), pb.Kind())
	}
	a, b := pa.Ptr(), pb.Ptr()
	if a.Alloc != b.Alloc {
		return Value{}, fault(FaultPointerComparison,
			"ptr_offset_from across allocations %s and %s", a, b)
	}
	pointee, err := c.intrinsicPointee(t, argTys[0])
	if err != nil {
		return Value{}, err
	}
	el, err := c.layoutOf(pointee)
	if err != nil {
		return Value{}, err
	}
	if el.Size == 0 {
		return Value{}, fault(FaultDivByZero, "ptr_offset_from on zero-sized %s", c.typeKey(pointee))
	}
	diff := int64(a.Off) - int64(b.Off)
	if diff%int64(el.Size) != 0 {
		return Value{}, fault(FaultAssert,
			"pointer difference %d is not a multiple of the element size %d", diff, el.Size)
	}
	return ScalarValue(primInt(c.mem.PointerSize(), uint64(diff/int64(el.Size)))), nil
}

func (c *EvalContext) saturatingOp(name string, args []Value, argTys []layout.TypeID) (Value, error) {
	op := mir.OpAdd
	if name == "saturating_sub" {
		op = mir.OpSub
	}
	res, over, err := c.checkedBinOp(op, args[0], argTys[0], args[1], argTys[1])
	if err != nil {
		return Value{}, err
	}
	if !over {
		return ScalarValue(res), nil
	}

	a, err := c.valueToPrim(args[0], argTys[0])
	if err != nil {
		return Value{}, err
	}
	b, err := c.valueToPrim(args[1], argTys[1])
	if err != nil {
		return Value{}, err
	}
	size := a.Kind().FixedSize()
	if a.Kind().IsInt() {
		min, max := signedRange(size)
		y, _ := b.AsInt()
		sat := max
		if (op == mir.OpAdd && y < 0) || (op == mir.OpSub && y > 0) {
			sat = min
		}
		return ScalarValue(primInt(size, uint64(sat))), nil
	}
	if op == mir.OpAdd {
		return ScalarValue(primUint(size, layout.MaxFor(size))), nil
	}
	return ScalarValue(primUint(size, 0)), nil
}

// bitIntrinsic covers the single-operand bit manipulation family. The
// result keeps the operand's width.
func (c *EvalContext) bitIntrinsic(name string, v Value, ty layout.TypeID) (Value, error) {
	pv, err := c.valueToPrim(v, ty)
	if err != nil {
		return Value{}, err
	}
	if !pv.Kind().IsUint() && !pv.Kind().IsInt() {
		return Value{}, unsupportedRepr("%s on %s", name, pv.Kind())
	}
	size := pv.Kind().FixedSize()
	w := int(size * 8)
	x := rawBits(pv)

	var r uint64
	switch name {
	case "ctpop":
		r = uint64(mbits.OnesCount64(x))
	case "ctlz", "ctlz_nonzero":
		if x == 0 {
			if name == "ctlz_nonzero" {
				return Value{}, fault(FaultAssert, "ctlz_nonzero on zero")
			}
			r = uint64(w)
		} else {
			r = uint64(mbits.LeadingZeros64(x) - (64 - w))
		}
	case "cttz", "cttz_nonzero":
		if x == 0 {
			if name == "cttz_nonzero" {
				return Value{}, fault(FaultAssert, "cttz_nonzero on zero")
			}
			r = uint64(w)
		} else {
			r = uint64(mbits.TrailingZeros64(x))
		}
	case "bswap":
		r = mbits.ReverseBytes64(x) >> (64 - w)
	case "bitreverse":
		r = mbits.Reverse64(x) >> (64 - w)
	}

	if pv.Kind().IsInt() {
		return ScalarValue(primInt(size, r)), nil
	}
	return ScalarValue(primUint(size, r)), nil
}

func (c *EvalContext) rotateIntrinsic(name string, args []Value, argTys []layout.TypeID) (Value, error) {
	pv, err := c.valueToPrim(args[0], argTys[0])
	if err != nil {
		return Value{}, err
	}
	if !pv.Kind().IsUint() && !pv.Kind().IsInt() {
		return Value{}, unsupportedRepr("%s on %s", name, pv.Kind())
	}
	sv, err := c.valueToPrim(args[1], argTys[1])
	if err != nil {
		return Value{}, err
	}
	shift, ok := sv.AsUint()
	if !ok {
		if i, iok := sv.AsInt(); iok && i >= 0 {
			shift, ok = uint64(i), true
		}
	}
	if !ok {
		return Value{}, unsupportedRepr("%s amount has kind %s", name, sv.Kind())
	}

	size := pv.Kind().FixedSize()
	w := size * 8
	s := shift % w
	if name == "rotate_right" {
		s = (w - s) % w
	}
	x := rawBits(pv)
	r := ((x << s) | (x >> (w - s))) & layout.MaxFor(size)

	if pv.Kind().IsInt() {
		return ScalarValue(primInt(size, r)), nil
	}
	return ScalarValue(primUint(size, r)), nil
}

func (c *EvalContext) constAllocate(args []Value, argTys []layout.TypeID) (Value, error) {
	size, err := c.usizeArg(args[0], argTys[0])
	if err != nil {
		return Value{}, err
	}
	align, err := c.usizeArg(args[1], argTys[1])
	if err != nil {
		return Value{}, err
	}
	if align == 0 || align&(align-1) != 0 {
		return Value{}, fault(FaultAssert, "const_allocate alignment %d is not a power of two", align)
	}
	p, err := c.mem.Allocate(size, align, AllocHeap)
	if err != nil {
		return Value{}, err
	}
	return ScalarValue(PrimPtr(p)), nil
}

func (c *EvalContext) constDeallocate(args []Value, argTys []layout.TypeID) error {
	pv, err := c.valueToPrim(args[0], argTys[0])
	if err != nil {
		return err
	}
	if !pv.Kind().IsPointer() {
		return unsupportedRepr("const_deallocate on %s", pv.Kind())
	}
	p := pv.Ptr()
	size, err := c.usizeArg(args[1], argTys[1])
	if err != nil {
		return err
	}
	if p.Alloc != 0 {
		info, ierr := c.mem.Info(p.Alloc)
		if ierr == nil && info.Live && info.Size != size {
			return fault(FaultInvalidDealloc,
				"const_deallocate of a%d with size %d, allocated with %d", p.Alloc, size, info.Size)
		}
	}
	return c.mem.Deallocate(p, AllocHeap)
}

// ---------------------------------------------------------------------------
// Atomics
// ---------------------------------------------------------------------------

// atomicIntrinsic reduces atomic operations to sequential accesses. The
// ordering suffix (relaxed, acq, ...) is irrelevant here and ignored.
func (c *EvalContext) atomicIntrinsic(name string, t *mir.Terminator, args []Value, argTys []layout.TypeID,
	ret func(Value) error, retUnit func() error) error {

	base := strings.TrimPrefix(name, "atomic_")
	if i := strings.IndexByte(base, '_'); i >= 0 {
		base = base[:i]
	}

	if base == "fence" || base == "singlethreadfence" {
		return retUnit()
	}
	if len(args) == 0 {
		return invariant("%s takes at least a pointer argument", name)
	}
	pointee, err := c.intrinsicPointee(t, argTys[0])
	if err != nil {
		return err
	}
	ptr, err := args[0].ReadPtr(c.mem)
	if err != nil {
		return err
	}

	switch base {
	case "load":
		old, err := c.readValueFromMem(ptr, pointee)
		if err != nil {
			return err
		}
		return ret(old)

	case "store":
		if len(args) != 2 {
			return invariant("%s takes 2 arguments, got %d", name, len(args))
		}
		if err := c.writeValueToMem(args[1], ptr, pointee); err != nil {
			return err
		}
		return retUnit()

	case "xchg":
		if len(args) != 2 {
			return invariant("%s takes 2 arguments, got %d", name, len(args))
		}
		old, err := c.readValueFromMem(ptr, pointee)
		if err != nil {
			return err
		}
		if err := c.writeValueToMem(args[1], ptr, pointee); err != nil {
			return err
		}
		return ret(old)

	case "cxchg", "cxchgweak":
		if len(args) != 3 {
			return invariant("%s takes 3 arguments, got %d", name, len(args))
		}
		old, err := c.readValueFromMem(ptr, pointee)
		if err != nil {
			return err
		}
		oldPv, err := c.valueToPrim(old, pointee)
		if err != nil {
			return err
		}
		expPv, err := c.valueToPrim(args[1], pointee)
		if err != nil {
			return err
		}
		eq := oldPv == expPv
		if eq {
			if err := c.writeValueToMem(args[2], ptr, pointee); err != nil {
				return err
			}
		}
		return ret(PairValue(oldPv, PrimBool(eq)))

	case "xadd", "xsub", "and", "or", "xor":
		if len(args) != 2 {
			return invariant("%s takes 2 arguments, got %d", name, len(args))
		}
		old, err := c.readValueFromMem(ptr, pointee)
		if err != nil {
			return err
		}
		op := map[string]mir.BinOp{
			"xadd": mir.OpAdd, "xsub": mir.OpSub,
			"and": mir.OpBitAnd, "or": mir.OpBitOr, "xor": mir.OpBitXor,
		}[base]
		// fetch-and-modify wraps rather than faulting
		res, _, err := c.checkedBinOp(op, old, pointee, args[1], argTys[1])
		if err != nil {
			return err
		}
		if err := c.writeValueToMem(ScalarValue(res), ptr, pointee); err != nil {
			return err
		}
		return ret(old)
	}
	return fault(FaultUnknownSymbol, "no function or intrinsic named %q", name)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func overflowOp(name string) mir.BinOp {
	switch {
	case strings.HasSuffix(name, "add"):
		return mir.OpAdd
	case strings.HasSuffix(name, "sub"):
		return mir.OpSub
	default:
		return mir.OpMul
	}
}

func uncheckedOp(name string) mir.BinOp {
	switch name {
	case "unchecked_div":
		return mir.OpDiv
	case "unchecked_rem":
		return mir.OpRem
	case "unchecked_shl":
		return mir.OpShl
	default:
		return mir.OpShr
	}
}

// usizeArg reads an argument as a target-width unsigned integer.
func (c *EvalContext) usizeArg(v Value, ty layout.TypeID) (uint64, error) {
	pv, err := c.valueToPrim(v, ty)
	if err != nil {
		return 0, err
	}
	n, ok := pv.AsUint()
	if !ok {
		return 0, unsupportedRepr("expected an unsigned integer, got %s", pv.Kind())
	}
	return n, nil
}

// rawBits truncates a scalar to its width's raw bit pattern.
func rawBits(pv PrimVal) uint64 {
	size := pv.Kind().FixedSize()
	return pv.Bits() & layout.MaxFor(size)
}

// isZeroPrim reports whether an integer scalar is zero.
func isZeroPrim(pv PrimVal) bool {
	if pv.Kind().IsPointer() {
		return pv.Ptr().IsNull()
	}
	return pv.Bits() == 0
}
