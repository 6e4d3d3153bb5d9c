package interp

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/mir"
	"github.com/chazu/ferrite/target"
)

// ---------------------------------------------------------------------------
// Drivers
// ---------------------------------------------------------------------------

// Outcome is the result of one finished evaluation: the constant in
// rendered form plus its identity and cost. Outcomes are CBOR-encodable
// so drivers can cache and ship them without the machine.
type Outcome struct {
	Entry    string   `cbor:"1,keyasint"`
	Target   string   `cbor:"2,keyasint"`
	TypeKey  string   `cbor:"3,keyasint"`
	Rendered string   `cbor:"4,keyasint"`
	Hash     [32]byte `cbor:"5,keyasint"`
	Steps    uint64   `cbor:"6,keyasint,omitempty"`
	Memory   MemStats `cbor:"7,keyasint,omitempty"`

	// The live machine value. Only meaningful while the evaluating
	// context is; never serialized.
	Value Value         `cbor:"-"`
	Ty    layout.TypeID `cbor:"-"`
}

// ConstEval evaluates entry as a constant: run to completion, check
// validity, intern the result into immutable memory, render it.
func ConstEval(ctx context.Context, prog *mir.Program, entry string, spec target.Spec, opts ...Option) (*Outcome, error) {
	c, err := NewContext(prog, spec, append(opts, WithMode(ModeConstEval))...)
	if err != nil {
		return nil, err
	}
	return c.Evaluate(ctx, entry)
}

// Check evaluates entry for fault detection only. The result is
// validity-checked and rendered but left in mutable memory, and leaks
// are not an error.
func Check(ctx context.Context, prog *mir.Program, entry string, spec target.Spec, opts ...Option) (*Outcome, error) {
	c, err := NewContext(prog, spec, append(opts, WithMode(ModeCheck))...)
	if err != nil {
		return nil, err
	}
	return c.Evaluate(ctx, entry)
}

// Evaluate runs one entry body to completion under the context's mode
// and packages the result. The context is single-use: a second call on
// a terminated or faulted machine reports an invariant violation.
func (c *EvalContext) Evaluate(ctx context.Context, entry string) (*Outcome, error) {
	if err := c.Start(entry); err != nil {
		return nil, err
	}
	v, ty, err := c.Run(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(v, ty); err != nil {
		return nil, err
	}
	if c.mode == ModeConstEval {
		if err := c.Intern(v); err != nil {
			return nil, err
		}
	}
	rendered, err := c.Render(v, ty)
	if err != nil {
		return nil, err
	}

	o := &Outcome{
		Entry:    entry,
		Target:   c.mem.Target().Name,
		TypeKey:  c.typeKey(ty),
		Rendered: rendered,
		Steps:    c.steps,
		Memory:   c.mem.Stats(),
		Value:    v,
		Ty:       ty,
	}
	o.Hash = hashOutcome(o.Target, o.TypeKey, o.Rendered)
	return o, nil
}

// hashOutcome computes a constant's identity: SHA-256 over a tagged,
// length-prefixed encoding of target, type, and rendered form. The
// same constant on the same target always hashes the same.
func hashOutcome(targetName, typeKey, rendered string) [32]byte {
	var buf []byte
	writeString := func(s string) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		buf = append(buf, n[:]...)
		buf = append(buf, s...)
	}

	// Tag byte for outcome hash format
	buf = append(buf, 0x01)
	writeString(targetName)
	writeString(typeKey)
	writeString(rendered)
	return sha256.Sum256(buf)
}

// ---------------------------------------------------------------------------
// Frame-free intrinsics
// ---------------------------------------------------------------------------

// EvalNullary computes type-directed intrinsics that need no frame:
// size_of, min_align_of, align_of, pref_align_of, needs_drop,
// variant_count, and type_name. type_name returns a fat str pair; the
// rest return scalars.
func (c *EvalContext) EvalNullary(name string, ty layout.TypeID) (Value, error) {
	ps := c.mem.PointerSize()
	switch name {
	case "size_of", "min_align_of", "align_of", "pref_align_of":
		l, err := c.layoutOf(ty)
		if err != nil {
			return Value{}, err
		}
		if l.Unsized {
			return Value{}, unsupportedRepr("%s of unsized %s", name, c.typeKey(ty))
		}
		n := l.Size
		if name != "size_of" {
			n = l.Align
		}
		return ScalarValue(primUint(ps, n)), nil

	case "needs_drop":
		_, has := c.prog.DropFor(ty)
		return ScalarValue(PrimBool(has)), nil

	case "variant_count":
		tt, err := c.prog.Table().Get(ty)
		if err != nil {
			return Value{}, invariant("%s: %v", name, err)
		}
		if tt.Kind != layout.KindEnum {
			return Value{}, unsupportedRepr("variant_count of non-enum %s", c.typeKey(ty))
		}
		return ScalarValue(primUint(ps, uint64(len(tt.Variants)))), nil

	case "type_name":
		s := c.typeKey(ty)
		ptr, err := c.internBytes([]byte(s))
		if err != nil {
			return Value{}, err
		}
		return PairValue(PrimPtr(ptr), primUint(ps, uint64(len(s)))), nil
	}
	return Value{}, unsupportedRepr("%s is not a nullary intrinsic", name)
}
