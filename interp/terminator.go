package interp

import (
	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/mir"
)

// ---------------------------------------------------------------------------
// Terminators
// ---------------------------------------------------------------------------

func (c *EvalContext) execTerminator(t *mir.Terminator) error {
	switch t.Kind {
	case mir.TermGoto:
		return c.gotoBlock(t.Target)
	case mir.TermSwitchInt:
		return c.execSwitchInt(t)
	case mir.TermReturn:
		return c.execReturn()
	case mir.TermUnreachable:
		return fault(FaultUnreachable, "entered unreachable code in %s", c.frame().body.Name)
	case mir.TermCall:
		return c.execCall(t)
	case mir.TermDrop:
		return c.execDrop(t)
	case mir.TermAssert:
		return c.execAssert(t)
	case mir.TermResume:
		return c.resume()
	default:
		return invariant("unknown terminator kind %d", t.Kind)
	}
}

// gotoBlock moves the current frame to the start of block b.
func (c *EvalContext) gotoBlock(b int32) error {
	fr := c.frame()
	if b < 0 || int(b) >= len(fr.body.Blocks) {
		return invariant("jump to bb%d out of range in %s", b, fr.body.Name)
	}
	fr.block = int(b)
	fr.stmt = 0
	return nil
}

func (c *EvalContext) execSwitchInt(t *mir.Terminator) error {
	if t.Discr == nil {
		return invariant("switch without a discriminant operand")
	}
	v, ty, err := c.evalOperand(t.Discr)
	if err != nil {
		return err
	}
	pv, err := c.valueToPrim(v, ty)
	if err != nil {
		return err
	}

	var bits uint64
	switch {
	case pv.Kind().IsPointer():
		// Branching on an address is only meaningful without provenance.
		p := pv.Ptr()
		if !p.IsAbsolute() {
			return fault(FaultPointerComparison, "switch on pointer %s with provenance", p)
		}
		bits = p.Off
	case pv.Kind().IsFloat():
		return unsupportedRepr("switch on %s discriminant", pv.Kind())
	default:
		bits = pv.Bits()
	}

	if len(t.Values) != len(t.Targets) {
		return invariant("switch has %d values for %d targets", len(t.Values), len(t.Targets))
	}
	for i, want := range t.Values {
		if bits == want {
			return c.gotoBlock(t.Targets[i])
		}
	}
	return c.gotoBlock(t.Otherwise)
}

func (c *EvalContext) execReturn() error {
	fr := c.frame()
	retTy := fr.body.Locals[0].Ty
	l, err := c.layoutOf(retTy)
	if err != nil {
		return err
	}

	var v Value
	if l.IsZST() {
		v, err = c.zstValue()
	} else {
		v, err = fr.readLocal(0)
	}
	if err != nil {
		return err
	}

	if len(c.stack) == 1 {
		// Entry frame. The result must outlive the frame's storage, so
		// by-reference values are copied out before release.
		if v.Kind() == ByRef && !l.IsZST() {
			dst, aerr := c.mem.Allocate(l.Size, l.Align, AllocGlobal)
			if aerr != nil {
				return aerr
			}
			if cerr := c.mem.Copy(v.Ref(), dst, l.Size); cerr != nil {
				return cerr
			}
			v = RefValue(dst)
		}
		if perr := c.popFrame(); perr != nil {
			return perr
		}
		c.retValue = v
		c.retTy = retTy
		c.state = StateTerminated
		return nil
	}

	if fr.retBlock == mir.NoBlock {
		return fault(FaultUnreachable, "diverging call to %s returned", fr.body.Name)
	}
	if fr.hasRetDest {
		// Copy into the caller's destination while the callee's storage
		// is still alive.
		if werr := c.writeToPlace(v, fr.retDest); werr != nil {
			return werr
		}
	}
	if perr := c.popFrame(); perr != nil {
		return perr
	}
	caller := c.frame()
	caller.block = int(fr.retBlock)
	caller.stmt = 0
	c.state = StateFrameExit
	return nil
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func (c *EvalContext) execCall(t *mir.Terminator) error {
	args := make([]Value, len(t.Args))
	argTys := make([]layout.TypeID, len(t.Args))
	for i := range t.Args {
		v, ty, err := c.evalOperand(&t.Args[i])
		if err != nil {
			return err
		}
		args[i], argTys[i] = v, ty
	}

	var def *FnDef
	if t.Virtual {
		d, err := c.resolveVirtual(t, args, argTys)
		if err != nil {
			return err
		}
		def = d
	} else {
		d, err := c.resolveCallee(t)
		if err != nil {
			return err
		}
		def = d
	}

	if def.Body == nil {
		return c.callIntrinsic(def.Name, t, args, argTys)
	}

	var retDest *place
	if t.Dest != nil {
		p, err := c.evalPlace(*t.Dest)
		if err != nil {
			return err
		}
		retDest = &p
	}
	return c.pushFrame(def.Body, args, retDest, t.Target, t.Unwind)
}

// resolveCallee evaluates the callee operand down to a function
// definition, checking a typed function pointer against the
// definition's signature.
func (c *EvalContext) resolveCallee(t *mir.Terminator) (*FnDef, error) {
	if t.Func == nil {
		return nil, invariant("call without a callee operand")
	}
	v, ty, err := c.evalOperand(t.Func)
	if err != nil {
		return nil, err
	}
	fnPtr, err := v.ReadPtr(c.mem)
	if err != nil {
		return nil, err
	}
	def, err := c.mem.FnByPtr(fnPtr)
	if err != nil {
		return nil, err
	}
	if ti, terr := c.prog.Table().Get(ty); terr == nil && ti.Kind == layout.KindFnPtr && ti.Sig != nil {
		if def.Body != nil && !sigEqual(*ti.Sig, def.Sig) {
			return nil, fault(FaultSignatureMismatch,
				"call through %s reaches %q with signature %s",
				c.typeKey(ty), def.Name, c.prog.Table().SigKey(def.Sig))
		}
	}
	return def, nil
}

// resolveVirtual looks the method up in the receiver's vtable and
// unwraps the trait object into the concrete receiver pointer.
func (c *EvalContext) resolveVirtual(t *mir.Terminator, args []Value, argTys []layout.TypeID) (*FnDef, error) {
	if len(args) == 0 {
		return nil, invariant("virtual call with no receiver")
	}
	vt, err := args[0].ExpectVTable(c.mem)
	if err != nil {
		return nil, err
	}
	fnPtr, err := c.vtableMethod(vt, t.Method)
	if err != nil {
		return nil, err
	}
	def, err := c.mem.FnByPtr(fnPtr)
	if err != nil {
		return nil, err
	}

	data, err := fatDataWord(args[0], c.mem)
	if err != nil {
		return nil, err
	}
	args[0] = ScalarValue(PrimPtr(data))
	if def.Body != nil && len(def.Body.Locals) > 1 {
		argTys[0] = def.Body.Locals[1].Ty
	}
	return def, nil
}

// ---------------------------------------------------------------------------
// Drop
// ---------------------------------------------------------------------------

func (c *EvalContext) execDrop(t *mir.Terminator) error {
	if t.Place == nil {
		return invariant("drop without a place")
	}
	p, err := c.evalPlace(*t.Place)
	if err != nil {
		return err
	}

	// Trait objects drop through vtable slot 0; a null slot means the
	// concrete type has no destructor.
	if p.meta.kind == layout.MetaVTable {
		dropPtr, derr := c.vtableDrop(p.meta.vt)
		if derr != nil {
			return derr
		}
		if dropPtr.IsNull() {
			return c.gotoBlock(t.Target)
		}
		def, ferr := c.mem.FnByPtr(dropPtr)
		if ferr != nil {
			return ferr
		}
		if def.Body == nil {
			return invariant("vtable destructor %q has no body", def.Name)
		}
		recv := ScalarValue(PrimPtr(p.ptr))
		return c.pushFrame(def.Body, []Value{recv}, nil, t.Target, t.Unwind)
	}

	sym, ok := c.prog.DropFor(p.ty)
	if !ok {
		return c.gotoBlock(t.Target)
	}
	body, ok := c.prog.Body(sym)
	if !ok {
		return fault(FaultUnknownSymbol, "destructor %q has no body", sym)
	}
	mp, err := c.forcePlace(p)
	if err != nil {
		return err
	}
	recv := ScalarValue(PrimPtr(mp.ptr))
	return c.pushFrame(body, []Value{recv}, nil, t.Target, t.Unwind)
}

// ---------------------------------------------------------------------------
// Assert
// ---------------------------------------------------------------------------

func (c *EvalContext) execAssert(t *mir.Terminator) error {
	if t.Cond == nil {
		return invariant("assert without a condition operand")
	}
	v, ty, err := c.evalOperand(t.Cond)
	if err != nil {
		return err
	}
	pv, err := c.valueToPrim(v, ty)
	if err != nil {
		return err
	}
	b, ok := pv.AsBool()
	if !ok {
		return unsupportedRepr("assert on %s condition", pv.Kind())
	}
	if b == t.Expected {
		return c.gotoBlock(t.Target)
	}

	msg := t.Msg
	if msg == "" {
		msg = "assertion failed"
	}
	e := fault(FaultAssert, "%s", msg)
	return c.startUnwind(e, t.Unwind)
}
