package interp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/ferrite/layout"
)

// maxRenderDepth caps how far rendering follows references.
const maxRenderDepth = 12

// Render formats a result the way it would be written in source:
// scalars as literals, aggregates with their field structure,
// references rendered through to their pointees.
func (c *EvalContext) Render(v Value, ty layout.TypeID) (string, error) {
	l, err := c.layoutOf(ty)
	if err != nil {
		return "", err
	}
	if l.Unsized {
		return "", unsupportedRepr("rendering unsized %s by value", c.typeKey(ty))
	}

	var root Pointer
	var temp AllocID
	switch {
	case v.Kind() == ByRef:
		root = v.Ref()
	case l.IsZST():
		zv, zerr := c.zstValue()
		if zerr != nil {
			return "", zerr
		}
		root = zv.Ref()
	default:
		tmp, aerr := c.mem.Allocate(l.Size, l.Align, AllocStack)
		if aerr != nil {
			return "", aerr
		}
		temp = tmp.Alloc
		if werr := c.writeValueToMem(v, tmp, ty); werr != nil {
			_ = c.mem.Deallocate(tmp, AllocStack)
			return "", werr
		}
		root = tmp
	}

	var b strings.Builder
	err = c.renderAt(&b, root, ty, placeMeta{}, 0)
	if temp != 0 {
		_ = c.mem.Deallocate(Pointer{Alloc: temp}, AllocStack)
	}
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *EvalContext) renderAt(b *strings.Builder, ptr Pointer, ty layout.TypeID, meta placeMeta, depth int) error {
	if depth > maxRenderDepth {
		b.WriteString("...")
		return nil
	}
	l, err := c.layoutOf(ty)
	if err != nil {
		return err
	}
	tt, err := c.prog.Table().Get(ty)
	if err != nil {
		return invariant("render: %v", err)
	}

	switch tt.Kind {
	case layout.KindBool, layout.KindChar, layout.KindInt, layout.KindUint,
		layout.KindIsize, layout.KindUsize, layout.KindFloat:
		v, rerr := c.readValueFromMem(ptr, ty)
		if rerr != nil {
			return rerr
		}
		pv, rerr := c.valueToPrim(v, ty)
		if rerr != nil {
			return rerr
		}
		b.WriteString(renderPrim(pv))
		return nil

	case layout.KindRawPtr:
		p, rerr := c.mem.ReadPtr(ptr)
		if rerr != nil {
			return rerr
		}
		b.WriteString(renderAddr(p))
		return nil

	case layout.KindFnPtr:
		p, rerr := c.mem.ReadPtr(ptr)
		if rerr != nil {
			return rerr
		}
		if def, ferr := c.mem.FnByPtr(p); ferr == nil {
			fmt.Fprintf(b, "<fn %s>", def.Name)
		} else {
			b.WriteString(renderAddr(p))
		}
		return nil

	case layout.KindRef:
		return c.renderRef(b, ptr, tt, depth)

	case layout.KindStr:
		data, rerr := c.mem.ReadBytes(ptr, meta.len)
		if rerr != nil {
			return rerr
		}
		b.WriteString(strconv.Quote(string(data)))
		return nil

	case layout.KindSlice:
		return c.renderElems(b, ptr, l.ElemTy, l.ElemSize, meta.len, depth)

	case layout.KindArray:
		return c.renderElems(b, ptr, l.ElemTy, l.ElemSize, l.Count, depth)

	case layout.KindTuple:
		b.WriteByte('(')
		for i, f := range l.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			if rerr := c.renderAt(b, ptr.Add(f.Offset), f.Ty, placeMeta{}, depth+1); rerr != nil {
				return rerr
			}
		}
		b.WriteByte(')')
		return nil

	case layout.KindStruct:
		return c.renderFields(b, ptr, tt.Name, tt.Fields, l.Fields, depth)

	case layout.KindEnum:
		d, rerr := c.readDiscriminant(memPlace(ptr, ty))
		if rerr != nil {
			return rerr
		}
		idx, ok := l.VariantByDiscr(d)
		if !ok {
			fmt.Fprintf(b, "<discriminant %d>", d)
			return nil
		}
		return c.renderFields(b, ptr, l.Variants[idx].Name, tt.Variants[idx].Fields, l.Variants[idx].Fields, depth)

	case layout.KindTrait:
		fmt.Fprintf(b, "<%s>", c.vtableName(meta.vt, tt.Name))
		return nil
	}
	b.WriteString("<opaque>")
	return nil
}

// renderRef renders through a reference. Strings render bare; anything
// else gets the & prefix.
func (c *EvalContext) renderRef(b *strings.Builder, ptr Pointer, tt layout.Type, depth int) error {
	p, err := c.mem.ReadPtr(ptr)
	if err != nil {
		return err
	}
	el, err := c.layoutOf(tt.Elem)
	if err != nil {
		return err
	}
	ps := c.mem.PointerSize()

	if el.Unsized {
		switch el.Meta {
		case layout.MetaLength:
			n, merr := c.mem.ReadUsize(ptr.Add(ps))
			if merr != nil {
				return merr
			}
			et, terr := c.prog.Table().Get(tt.Elem)
			if terr != nil {
				return invariant("render: %v", terr)
			}
			if et.Kind != layout.KindStr {
				b.WriteByte('&')
			}
			return c.renderAt(b, p, tt.Elem, placeMeta{kind: layout.MetaLength, len: n}, depth+1)
		case layout.MetaVTable:
			vt, merr := c.mem.ReadPtr(ptr.Add(ps))
			if merr != nil {
				return merr
			}
			b.WriteByte('&')
			return c.renderAt(b, p, tt.Elem, placeMeta{kind: layout.MetaVTable, vt: vt}, depth+1)
		}
		return unsupportedRepr("rendering reference to %s", c.typeKey(tt.Elem))
	}

	if p.IsNull() || c.mem.CheckInBounds(p) != nil {
		b.WriteString(renderAddr(p))
		return nil
	}
	b.WriteByte('&')
	return c.renderAt(b, p, tt.Elem, placeMeta{}, depth+1)
}

func (c *EvalContext) renderElems(b *strings.Builder, ptr Pointer, elemTy layout.TypeID, elemSize, count uint64, depth int) error {
	b.WriteByte('[')
	const maxShown = 32
	for i := uint64(0); i < count; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		if i == maxShown {
			fmt.Fprintf(b, "... %d more", count-i)
			break
		}
		if err := c.renderAt(b, ptr.Add(i*elemSize), elemTy, placeMeta{}, depth+1); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

// renderFields renders a named aggregate: braces for named fields,
// parens for positional ones, bare name for none.
func (c *EvalContext) renderFields(b *strings.Builder, ptr Pointer, name string, decl []layout.Field, slots []layout.FieldSlot, depth int) error {
	if name == "" {
		name = "_"
	}
	b.WriteString(name)
	if len(slots) == 0 {
		return nil
	}

	named := len(decl) > 0 && decl[0].Name != ""
	if named {
		b.WriteString(" { ")
	} else {
		b.WriteByte('(')
	}
	for i, f := range slots {
		if i > 0 {
			b.WriteString(", ")
		}
		if named && i < len(decl) {
			b.WriteString(decl[i].Name)
			b.WriteString(": ")
		}
		if err := c.renderAt(b, ptr.Add(f.Offset), f.Ty, placeMeta{}, depth+1); err != nil {
			return err
		}
	}
	if named {
		b.WriteString(" }")
	} else {
		b.WriteByte(')')
	}
	return nil
}

// vtableName recovers the (concrete, trait) pair a vtable was built
// for, falling back to the trait name alone.
func (c *EvalContext) vtableName(vt Pointer, trait string) string {
	for k, p := range c.vtables {
		if p == vt {
			return fmt.Sprintf("%s as %s", c.typeKey(k.ty), c.typeKey(k.trait))
		}
	}
	return "dyn " + trait
}

func renderPrim(pv PrimVal) string {
	switch {
	case pv.Kind() == KindBool:
		if pv.Bits() != 0 {
			return "true"
		}
		return "false"
	case pv.Kind() == KindChar:
		return strconv.QuoteRune(rune(uint32(pv.Bits())))
	case pv.Kind() == KindF32:
		f, _ := pv.AsF64()
		return strconv.FormatFloat(f, 'g', -1, 32)
	case pv.Kind() == KindF64:
		f, _ := pv.AsF64()
		return strconv.FormatFloat(f, 'g', -1, 64)
	case pv.Kind().IsInt():
		x, _ := pv.AsInt()
		return strconv.FormatInt(x, 10)
	case pv.Kind().IsUint():
		return strconv.FormatUint(pv.Bits(), 10)
	default:
		return pv.String()
	}
}

func renderAddr(p Pointer) string {
	return "<" + p.String() + ">"
}
