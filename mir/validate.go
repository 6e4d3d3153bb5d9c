package mir

import (
	"fmt"

	"github.com/chazu/ferrite/layout"
)

// validate runs structural checks over the whole program: block edges in
// range, locals declared, type IDs interned, entry and impls resolvable.
// It catches malformed files before the machine ever steps them.
func (p *Program) validate() error {
	for _, b := range p.Bodies {
		if err := p.validateBody(b); err != nil {
			return fmt.Errorf("body %s: %w", b.Name, err)
		}
	}

	if p.Entry != "" {
		entry, ok := p.byName[p.Entry]
		if !ok {
			return fmt.Errorf("entry %q is not a body in the program", p.Entry)
		}
		if entry.Params != 0 {
			return fmt.Errorf("entry %q takes %d parameters, want 0", p.Entry, entry.Params)
		}
	}

	for _, im := range p.Impls {
		if im.Trait == "" {
			return fmt.Errorf("impl for type %d has empty trait name", im.Ty)
		}
		if err := p.checkTypeID(im.Ty); err != nil {
			return fmt.Errorf("impl %s: %w", im.Trait, err)
		}
		for _, m := range im.Methods {
			if _, ok := p.byName[m]; !ok {
				return fmt.Errorf("impl %s for %s: method %q is not a body", im.Trait, p.table.Key(im.Ty), m)
			}
		}
		if im.Drop != "" {
			if _, ok := p.byName[im.Drop]; !ok {
				return fmt.Errorf("impl %s for %s: drop %q is not a body", im.Trait, p.table.Key(im.Ty), im.Drop)
			}
		}
	}
	return nil
}

func (p *Program) checkTypeID(id layout.TypeID) error {
	if id == layout.InvalidType || int(id) > p.table.Len() {
		return fmt.Errorf("type id %d not in table (%d types)", id, p.table.Len())
	}
	return nil
}

func (p *Program) validateBody(b *Body) error {
	if len(b.Blocks) == 0 {
		return fmt.Errorf("no blocks")
	}
	if uint32(len(b.Locals)) < b.Params+1 {
		return fmt.Errorf("%d locals cannot hold return slot and %d params", len(b.Locals), b.Params)
	}
	for i, l := range b.Locals {
		if err := p.checkTypeID(l.Ty); err != nil {
			return fmt.Errorf("local _%d: %w", i, err)
		}
	}

	v := &bodyChecker{prog: p, body: b}
	for bi := range b.Blocks {
		blk := &b.Blocks[bi]
		for si := range blk.Stmts {
			if err := v.statement(&blk.Stmts[si]); err != nil {
				return fmt.Errorf("bb%d[%d]: %w", bi, si, err)
			}
		}
		if err := v.terminator(&blk.Term); err != nil {
			return fmt.Errorf("bb%d[term]: %w", bi, err)
		}
	}
	return nil
}

type bodyChecker struct {
	prog *Program
	body *Body
}

func (v *bodyChecker) block(target int32, optional bool) error {
	if target == NoBlock {
		if optional {
			return nil
		}
		return fmt.Errorf("missing block edge")
	}
	if target < 0 || int(target) >= len(v.body.Blocks) {
		return fmt.Errorf("block edge bb%d out of range (%d blocks)", target, len(v.body.Blocks))
	}
	return nil
}

func (v *bodyChecker) local(l Local) error {
	if int(l) >= len(v.body.Locals) {
		return fmt.Errorf("local _%d out of range (%d locals)", l, len(v.body.Locals))
	}
	return nil
}

func (v *bodyChecker) place(p *Place) error {
	if p == nil {
		return fmt.Errorf("missing place")
	}
	if err := v.local(p.Local); err != nil {
		return err
	}
	for _, pr := range p.Proj {
		switch pr.Kind {
		case ProjDeref, ProjField, ProjConstIndex, ProjDowncast:
		case ProjIndex:
			if err := v.local(pr.Index); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown projection kind %d", uint8(pr.Kind))
		}
	}
	return nil
}

func (v *bodyChecker) operand(op *Operand) error {
	if op == nil {
		return fmt.Errorf("missing operand")
	}
	switch op.Kind {
	case OpCopy, OpMove:
		return v.place(op.Place)
	case OpConst:
		if op.Const == nil {
			return fmt.Errorf("const operand has no constant")
		}
		return v.constant(op.Const)
	}
	return fmt.Errorf("unknown operand kind %d", uint8(op.Kind))
}

func (v *bodyChecker) constant(c *Const) error {
	if err := v.prog.checkTypeID(c.Ty); err != nil {
		return err
	}
	switch c.Kind {
	case ConstInt, ConstFloat, ConstZST, ConstBytes, ConstStr:
		return nil
	case ConstFn:
		if c.Str == "" {
			return fmt.Errorf("fn constant has no symbol")
		}
		// The symbol may be an intrinsic, so resolution happens at
		// call time, not here.
		return nil
	}
	return fmt.Errorf("unknown constant kind %d", uint8(c.Kind))
}

func (v *bodyChecker) rvalue(rv *Rvalue) error {
	if rv == nil {
		return fmt.Errorf("missing rvalue")
	}
	switch rv.Kind {
	case RvUse:
		return v.operand(rv.A)
	case RvBinaryOp, RvCheckedBinaryOp:
		if rv.Op == 0 {
			return fmt.Errorf("binary rvalue has no operator")
		}
		if err := v.operand(rv.A); err != nil {
			return err
		}
		return v.operand(rv.B)
	case RvUnaryOp:
		if rv.UnOp == 0 {
			return fmt.Errorf("unary rvalue has no operator")
		}
		return v.operand(rv.A)
	case RvRef:
		if err := v.prog.checkTypeID(rv.Ty); err != nil {
			return err
		}
		return v.place(rv.Place)
	case RvLen, RvDiscriminant:
		return v.place(rv.Place)
	case RvCast:
		if rv.CastKind == 0 {
			return fmt.Errorf("cast rvalue has no cast kind")
		}
		if err := v.prog.checkTypeID(rv.Ty); err != nil {
			return err
		}
		return v.operand(rv.A)
	case RvAggregate:
		if err := v.prog.checkTypeID(rv.Ty); err != nil {
			return err
		}
		for i := range rv.Ops {
			if err := v.operand(&rv.Ops[i]); err != nil {
				return fmt.Errorf("aggregate element %d: %w", i, err)
			}
		}
		return nil
	case RvRepeat:
		if err := v.prog.checkTypeID(rv.Ty); err != nil {
			return err
		}
		return v.operand(rv.A)
	case RvNullary:
		if rv.NullOp == 0 {
			return fmt.Errorf("nullary rvalue has no operator")
		}
		return v.prog.checkTypeID(rv.Ty)
	}
	return fmt.Errorf("unknown rvalue kind %d", uint8(rv.Kind))
}

func (v *bodyChecker) statement(s *Statement) error {
	switch s.Kind {
	case StmtAssign:
		if err := v.place(s.Place); err != nil {
			return err
		}
		return v.rvalue(s.Rvalue)
	case StmtStorageLive, StmtStorageDead:
		return v.local(s.Local)
	case StmtSetDiscr:
		return v.place(s.Place)
	case StmtNop:
		return nil
	}
	return fmt.Errorf("unknown statement kind %d", uint8(s.Kind))
}

func (v *bodyChecker) terminator(t *Terminator) error {
	switch t.Kind {
	case TermGoto:
		return v.block(t.Target, false)
	case TermSwitchInt:
		if err := v.operand(t.Discr); err != nil {
			return err
		}
		if len(t.Values) != len(t.Targets) {
			return fmt.Errorf("switch has %d values but %d targets", len(t.Values), len(t.Targets))
		}
		for _, tgt := range t.Targets {
			if err := v.block(tgt, false); err != nil {
				return err
			}
		}
		return v.block(t.Otherwise, false)
	case TermReturn, TermUnreachable, TermResume:
		return nil
	case TermCall:
		if t.Virtual {
			if len(t.Args) == 0 {
				return fmt.Errorf("virtual call has no receiver")
			}
		} else if err := v.operand(t.Func); err != nil {
			return err
		}
		for i := range t.Args {
			if err := v.operand(&t.Args[i]); err != nil {
				return fmt.Errorf("arg %d: %w", i, err)
			}
		}
		for i, ta := range t.TyArgs {
			if err := v.prog.checkTypeID(ta); err != nil {
				return fmt.Errorf("type arg %d: %w", i, err)
			}
		}
		if t.Dest != nil {
			if err := v.place(t.Dest); err != nil {
				return err
			}
		}
		if err := v.block(t.Target, true); err != nil {
			return err
		}
		return v.block(t.Unwind, true)
	case TermDrop:
		if err := v.place(t.Place); err != nil {
			return err
		}
		if err := v.block(t.Target, false); err != nil {
			return err
		}
		return v.block(t.Unwind, true)
	case TermAssert:
		if err := v.operand(t.Cond); err != nil {
			return err
		}
		if err := v.block(t.Target, false); err != nil {
			return err
		}
		return v.block(t.Unwind, true)
	}
	return fmt.Errorf("unknown terminator kind %d", uint8(t.Kind))
}
