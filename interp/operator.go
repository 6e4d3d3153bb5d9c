package interp

import (
	"math"
	mbits "math/bits"

	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/mir"
)

// ---------------------------------------------------------------------------
// Binary operators
// ---------------------------------------------------------------------------

// binOp evaluates a plain binary operation. Arithmetic that overflows
// the result width is undefined here and faults; programs that want
// wrapping semantics use the checked form or the wrapping intrinsics.
func (c *EvalContext) binOp(op mir.BinOp, va Value, tya layout.TypeID, vb Value, tyb layout.TypeID) (PrimVal, error) {
	res, overflow, err := c.checkedBinOp(op, va, tya, vb, tyb)
	if err != nil {
		return PrimVal{}, err
	}
	if overflow {
		return PrimVal{}, fault(FaultOverflow, "%s %s %s overflows %s",
			va, op, vb, c.typeKey(tya))
	}
	return res, nil
}

// checkedBinOp evaluates a binary operation with wrapping semantics,
// reporting whether the exact result did not fit the operand width.
// Division by zero still faults; it has no wrapped result.
func (c *EvalContext) checkedBinOp(op mir.BinOp, va Value, tya layout.TypeID, vb Value, tyb layout.TypeID) (PrimVal, bool, error) {
	a, err := c.valueToPrim(va, tya)
	if err != nil {
		return PrimVal{}, false, err
	}
	b, err := c.valueToPrim(vb, tyb)
	if err != nil {
		return PrimVal{}, false, err
	}

	if op == mir.OpPtrOffset {
		res, oerr := c.ptrOffset(a, tya, b)
		return res, false, oerr
	}
	if a.Kind().IsPointer() || b.Kind().IsPointer() {
		res, perr := ptrBinOp(op, a, b)
		return res, false, perr
	}
	if op == mir.OpShl || op == mir.OpShr {
		return shiftOp(op, a, b)
	}
	if a.Kind() != b.Kind() {
		return PrimVal{}, false, unsupportedRepr("mismatched operands %s and %s for %s",
			a.Kind(), b.Kind(), op)
	}

	switch {
	case a.Kind().IsFloat():
		res, ferr := floatBinOp(op, a, b)
		return res, false, ferr
	case a.Kind() == KindBool:
		res, berr := boolBinOp(op, a, b)
		return res, false, berr
	case a.Kind() == KindChar:
		res, cerr := charBinOp(op, a, b)
		return res, false, cerr
	case a.Kind().IsInt():
		return intBinOp(op, a, b)
	case a.Kind().IsUint():
		return uintBinOp(op, a, b)
	}
	return PrimVal{}, false, unsupportedRepr("%s on %s operands", op, a.Kind())
}

func uintBinOp(op mir.BinOp, a, b PrimVal) (PrimVal, bool, error) {
	x, y := a.Bits(), b.Bits()
	if op.IsComparison() {
		return compareResult(op, x == y, x < y), false, nil
	}

	size := a.Kind().FixedSize()
	mask := layout.MaxFor(size)
	var r uint64
	var over bool
	switch op {
	case mir.OpAdd:
		r = (x + y) & mask
		over = r < x
	case mir.OpSub:
		r = (x - y) & mask
		over = y > x
	case mir.OpMul:
		hi, lo := mbits.Mul64(x, y)
		r = lo & mask
		over = hi != 0 || lo > mask
	case mir.OpDiv:
		if y == 0 {
			return PrimVal{}, false, fault(FaultDivByZero, "%s / 0", a)
		}
		r = x / y
	case mir.OpRem:
		if y == 0 {
			return PrimVal{}, false, fault(FaultRemByZero, "%s %% 0", a)
		}
		r = x % y
	case mir.OpBitXor:
		r = x ^ y
	case mir.OpBitAnd:
		r = x & y
	case mir.OpBitOr:
		r = x | y
	default:
		return PrimVal{}, false, unsupportedRepr("%s on %s operands", op, a.Kind())
	}
	return primUint(size, r), over, nil
}

func intBinOp(op mir.BinOp, a, b PrimVal) (PrimVal, bool, error) {
	x, _ := a.AsInt()
	y, _ := b.AsInt()
	if op.IsComparison() {
		return compareResult(op, x == y, x < y), false, nil
	}

	size := a.Kind().FixedSize()
	min, max := signedRange(size)
	var r int64
	var over bool
	switch op {
	case mir.OpAdd:
		r = x + y
		if size == 8 {
			over = (y > 0 && r < x) || (y < 0 && r > x)
		} else {
			over = r < min || r > max
		}
	case mir.OpSub:
		r = x - y
		if size == 8 {
			over = (y < 0 && r < x) || (y > 0 && r > x)
		} else {
			over = r < min || r > max
		}
	case mir.OpMul:
		switch {
		case x == 0 || y == 0:
			r = 0
		case x == -1:
			over = y == min
			r = -y
		case y == -1:
			over = x == min
			r = -x
		default:
			r = x * y
			over = r/x != y || r < min || r > max
		}
	case mir.OpDiv:
		if y == 0 {
			return PrimVal{}, false, fault(FaultDivByZero, "%s / 0", a)
		}
		if x == min && y == -1 {
			r, over = min, true
		} else {
			r = x / y
		}
	case mir.OpRem:
		if y == 0 {
			return PrimVal{}, false, fault(FaultRemByZero, "%s %% 0", a)
		}
		if x == min && y == -1 {
			r, over = 0, true
		} else {
			r = x % y
		}
	case mir.OpBitXor:
		r = x ^ y
	case mir.OpBitAnd:
		r = x & y
	case mir.OpBitOr:
		r = x | y
	default:
		return PrimVal{}, false, unsupportedRepr("%s on %s operands", op, a.Kind())
	}
	return primInt(size, uint64(r)), over, nil
}

// shiftOp accepts any integer width on the right-hand side. The wrapped
// result masks the amount to the operand width, as the overflowing_sh*
// operations do.
func shiftOp(op mir.BinOp, a, b PrimVal) (PrimVal, bool, error) {
	if !a.Kind().IsUint() && !a.Kind().IsInt() {
		return PrimVal{}, false, unsupportedRepr("%s on %s operands", op, a.Kind())
	}
	var amt uint64
	if u, ok := b.AsUint(); ok {
		amt = u
	} else if i, ok := b.AsInt(); ok {
		if i < 0 {
			return PrimVal{}, false, fault(FaultOverflow, "shift by negative amount %d", i)
		}
		amt = uint64(i)
	} else {
		return PrimVal{}, false, unsupportedRepr("shift amount has kind %s", b.Kind())
	}

	size := a.Kind().FixedSize()
	width := size * 8
	over := amt >= width
	sh := amt % width

	if a.Kind().IsInt() {
		x, _ := a.AsInt()
		var r int64
		if op == mir.OpShl {
			r = x << sh
		} else {
			r = x >> sh
		}
		return primInt(size, uint64(r)), over, nil
	}
	x := a.Bits()
	var r uint64
	if op == mir.OpShl {
		r = (x << sh) & layout.MaxFor(size)
	} else {
		r = x >> sh
	}
	return primUint(size, r), over, nil
}

func floatBinOp(op mir.BinOp, a, b PrimVal) (PrimVal, error) {
	if op.IsComparison() {
		x, _ := a.AsF64()
		y, _ := b.AsF64()
		switch op {
		case mir.OpEq:
			return PrimBool(x == y), nil
		case mir.OpNe:
			return PrimBool(x != y), nil
		case mir.OpLt:
			return PrimBool(x < y), nil
		case mir.OpLe:
			return PrimBool(x <= y), nil
		case mir.OpGt:
			return PrimBool(x > y), nil
		case mir.OpGe:
			return PrimBool(x >= y), nil
		}
	}

	// Arithmetic rounds at the operand width, so f32 math stays in
	// float32 rather than computing wide and rounding once at the end.
	if a.Kind() == KindF32 {
		x := math.Float32frombits(uint32(a.Bits()))
		y := math.Float32frombits(uint32(b.Bits()))
		var r float32
		switch op {
		case mir.OpAdd:
			r = x + y
		case mir.OpSub:
			r = x - y
		case mir.OpMul:
			r = x * y
		case mir.OpDiv:
			r = x / y
		case mir.OpRem:
			r = float32(math.Mod(float64(x), float64(y)))
		default:
			return PrimVal{}, unsupportedRepr("%s on %s operands", op, a.Kind())
		}
		return PrimF32(r), nil
	}

	x, _ := a.AsF64()
	y, _ := b.AsF64()
	var r float64
	switch op {
	case mir.OpAdd:
		r = x + y
	case mir.OpSub:
		r = x - y
	case mir.OpMul:
		r = x * y
	case mir.OpDiv:
		r = x / y
	case mir.OpRem:
		r = math.Mod(x, y)
	default:
		return PrimVal{}, unsupportedRepr("%s on %s operands", op, a.Kind())
	}
	return PrimF64(r), nil
}

func boolBinOp(op mir.BinOp, a, b PrimVal) (PrimVal, error) {
	x, y := a.Bits(), b.Bits()
	if op.IsComparison() {
		// false orders before true
		return compareResult(op, x == y, x < y), nil
	}
	switch op {
	case mir.OpBitXor:
		return PrimBool(x != y), nil
	case mir.OpBitAnd:
		return PrimBool(x&y != 0), nil
	case mir.OpBitOr:
		return PrimBool(x|y != 0), nil
	}
	return PrimVal{}, unsupportedRepr("%s on bool operands", op)
}

func charBinOp(op mir.BinOp, a, b PrimVal) (PrimVal, error) {
	if !op.IsComparison() {
		return PrimVal{}, unsupportedRepr("%s on char operands", op)
	}
	x, y := a.Bits(), b.Bits()
	return compareResult(op, x == y, x < y), nil
}

// ptrBinOp compares pointers. Equality is exact on (allocation,
// offset); ordering is only defined inside one allocation. Addresses
// without provenance compare numerically.
func ptrBinOp(op mir.BinOp, a, b PrimVal) (PrimVal, error) {
	if !a.Kind().IsPointer() || !b.Kind().IsPointer() {
		// One side is a plain integer. Only a provenance-free address
		// has a meaningful numeric value.
		p, n := a, b
		ptrLeft := true
		if b.Kind().IsPointer() {
			p, n = b, a
			ptrLeft = false
		}
		bits, ok := n.AsUint()
		if !ok {
			if i, iok := n.AsInt(); iok {
				bits, ok = uint64(i), true
			}
		}
		if !ok {
			return PrimVal{}, unsupportedRepr("%s between %s and %s", op, a.Kind(), b.Kind())
		}
		pp := p.Ptr()
		if pp.IsAbsolute() {
			return compareResultOrdered(op, pp.Off, bits, ptrLeft)
		}
		// A live allocation's address is never null, so equality with
		// zero is decidable; anything else is not.
		if bits == 0 {
			switch op {
			case mir.OpEq:
				return PrimBool(false), nil
			case mir.OpNe:
				return PrimBool(true), nil
			}
		}
		return PrimVal{}, fault(FaultPointerComparison,
			"%s between pointer %s and address %#x", op, pp, bits)
	}

	pa, pb := a.Ptr(), b.Ptr()
	switch op {
	case mir.OpEq:
		return PrimBool(pa == pb), nil
	case mir.OpNe:
		return PrimBool(pa != pb), nil
	case mir.OpLt, mir.OpLe, mir.OpGt, mir.OpGe:
		if pa.Alloc != pb.Alloc {
			return PrimVal{}, fault(FaultPointerComparison,
				"ordering %s against %s in a different allocation", pa, pb)
		}
		return compareResult(op, pa.Off == pb.Off, pa.Off < pb.Off), nil
	}
	return PrimVal{}, unsupportedRepr("%s on pointer operands", op)
}

// ptrOffset advances a pointer by a signed element count. The pointer
// type supplies the element width; the result must stay inside the
// allocation (one past the end included).
func (c *EvalContext) ptrOffset(a PrimVal, ptrTy layout.TypeID, b PrimVal) (PrimVal, error) {
	if !a.Kind().IsPointer() {
		return PrimVal{}, unsupportedRepr("ptr-offset on %s", a.Kind())
	}
	t, err := c.prog.Table().Get(ptrTy)
	if err != nil {
		return PrimVal{}, invariant("ptr-offset: %v", err)
	}
	if t.Kind != layout.KindRef && t.Kind != layout.KindRawPtr {
		return PrimVal{}, unsupportedRepr("ptr-offset through %s", c.typeKey(ptrTy))
	}
	el, err := c.layoutOf(t.Elem)
	if err != nil {
		return PrimVal{}, err
	}

	var n int64
	if i, ok := b.AsInt(); ok {
		n = i
	} else if u, ok := b.AsUint(); ok {
		if u > math.MaxInt64 {
			return PrimVal{}, fault(FaultOverflow, "pointer offset %d too large", u)
		}
		n = int64(u)
	} else {
		return PrimVal{}, unsupportedRepr("pointer offset has kind %s", b.Kind())
	}

	if el.Size != 0 && n != 0 {
		limit := int64(c.maxObjectSize() / el.Size)
		if n > limit || n < -limit {
			return PrimVal{}, fault(FaultOverflow, "pointer offset %d elements of %d bytes", n, el.Size)
		}
	}
	delta := n * int64(el.Size)

	p := a.Ptr()
	if p.IsAbsolute() {
		return PrimPtr(Pointer{Off: p.Off + uint64(delta)}), nil
	}
	newOff := int64(p.Off) + delta
	if newOff < 0 {
		return PrimVal{}, fault(FaultOutOfBounds, "offsetting %s by %d bytes underflows", p, delta)
	}
	np := Pointer{Alloc: p.Alloc, Off: uint64(newOff)}
	if err := c.mem.CheckInBounds(np); err != nil {
		return PrimVal{}, err
	}
	return PrimPtr(np), nil
}

// compareResult builds the boolean for a comparison operator from an
// equality bit and a strict-less bit.
func compareResult(op mir.BinOp, eq, lt bool) PrimVal {
	switch op {
	case mir.OpEq:
		return PrimBool(eq)
	case mir.OpNe:
		return PrimBool(!eq)
	case mir.OpLt:
		return PrimBool(lt)
	case mir.OpLe:
		return PrimBool(lt || eq)
	case mir.OpGt:
		return PrimBool(!lt && !eq)
	case mir.OpGe:
		return PrimBool(!lt)
	}
	return PrimBool(false)
}

// compareResultOrdered compares x against y, flipping the operator when
// the pointer operand was on the right.
func compareResultOrdered(op mir.BinOp, x, y uint64, ptrLeft bool) (PrimVal, error) {
	if !ptrLeft {
		x, y = y, x
	}
	return compareResult(op, x == y, x < y), nil
}

func signedRange(size uint64) (int64, int64) {
	if size == 8 {
		return math.MinInt64, math.MaxInt64
	}
	w := size * 8
	max := int64(1)<<(w-1) - 1
	return -max - 1, max
}

// ---------------------------------------------------------------------------
// Unary operators
// ---------------------------------------------------------------------------

func (c *EvalContext) unOp(op mir.UnOp, a PrimVal) (PrimVal, error) {
	switch op {
	case mir.OpNot:
		switch {
		case a.Kind() == KindBool:
			return PrimBool(a.Bits() == 0), nil
		case a.Kind().IsUint():
			size := a.Kind().FixedSize()
			return primUint(size, ^a.Bits()&layout.MaxFor(size)), nil
		case a.Kind().IsInt():
			x, _ := a.AsInt()
			return primInt(a.Kind().FixedSize(), uint64(^x)), nil
		}
		return PrimVal{}, unsupportedRepr("! on %s", a.Kind())

	case mir.OpNeg:
		switch {
		case a.Kind().IsInt():
			size := a.Kind().FixedSize()
			min, _ := signedRange(size)
			x, _ := a.AsInt()
			if x == min {
				return PrimVal{}, fault(FaultOverflow, "negating %d overflows i%d", x, size*8)
			}
			return primInt(size, uint64(-x)), nil
		case a.Kind() == KindF32:
			return PrimF32(-math.Float32frombits(uint32(a.Bits()))), nil
		case a.Kind() == KindF64:
			f, _ := a.AsF64()
			return PrimF64(-f), nil
		}
		return PrimVal{}, unsupportedRepr("- on %s", a.Kind())
	}
	return PrimVal{}, invariant("unknown unary operator %d", op)
}
