// Package layout defines the type universe evaluated programs are written
// against and computes machine layouts (size, alignment, field offsets,
// representation class) for a concrete target.
//
// Types are interned into a Table and referenced everywhere by TypeID, so
// program files stay compact and type equality is integer comparison.
package layout

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Type identifiers
// ---------------------------------------------------------------------------

// TypeID names an interned type within a Table. The zero ID is invalid.
type TypeID uint32

// InvalidType is the zero TypeID, never assigned to a real type.
const InvalidType TypeID = 0

// Kind discriminates type descriptors.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindChar
	KindInt   // signed integer, Width bytes
	KindUint  // unsigned integer, Width bytes
	KindIsize // signed, pointer width
	KindUsize // unsigned, pointer width
	KindFloat // Width 4 or 8
	KindRawPtr
	KindRef
	KindFnPtr
	KindArray
	KindSlice // unsized
	KindStr   // unsized
	KindTuple
	KindStruct
	KindEnum
	KindTrait // trait object, unsized
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindChar:
		return "char"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindIsize:
		return "isize"
	case KindUsize:
		return "usize"
	case KindFloat:
		return "float"
	case KindRawPtr:
		return "rawptr"
	case KindRef:
		return "ref"
	case KindFnPtr:
		return "fnptr"
	case KindArray:
		return "array"
	case KindSlice:
		return "slice"
	case KindStr:
		return "str"
	case KindTuple:
		return "tuple"
	case KindStruct:
		return "struct"
	case KindEnum:
		return "enum"
	case KindTrait:
		return "trait"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ---------------------------------------------------------------------------
// Type descriptors
// ---------------------------------------------------------------------------

// Field is a named member of a struct, tuple, or enum variant. Tuple
// fields have empty names.
type Field struct {
	Name string `cbor:"1,keyasint,omitempty"`
	Ty   TypeID `cbor:"2,keyasint"`
}

// Variant is one alternative of an enum, with an explicit discriminant.
type Variant struct {
	Name   string  `cbor:"1,keyasint"`
	Discr  uint64  `cbor:"2,keyasint"`
	Fields []Field `cbor:"3,keyasint,omitempty"`
}

// FnSig is a function signature: parameter types and a return type.
type FnSig struct {
	Params []TypeID `cbor:"1,keyasint,omitempty"`
	Ret    TypeID   `cbor:"2,keyasint"`
}

// TraitMethod declares one method slot of a trait object's vtable, in
// slot order. The receiver is not part of Sig; dispatch erases it.
type TraitMethod struct {
	Name string `cbor:"1,keyasint"`
	Sig  FnSig  `cbor:"2,keyasint"`
}

// Type is a single type descriptor. Which fields are meaningful depends
// on Kind; unused fields stay zero and are omitted on the wire.
//
// Descriptors reference other types only by TypeID, and a table is built
// strictly bottom-up, so the type graph is acyclic by construction.
type Type struct {
	Kind     Kind          `cbor:"1,keyasint"`
	Width    uint64        `cbor:"2,keyasint,omitempty"` // int/uint/float width in bytes
	Elem     TypeID        `cbor:"3,keyasint,omitempty"` // ptr/ref/array/slice element
	Len      uint64        `cbor:"4,keyasint,omitempty"` // array length
	Mutable  bool          `cbor:"5,keyasint,omitempty"` // ref/rawptr mutability
	Name     string        `cbor:"6,keyasint,omitempty"` // struct/enum/trait name
	Fields   []Field       `cbor:"7,keyasint,omitempty"` // struct/tuple fields
	Variants []Variant     `cbor:"8,keyasint,omitempty"` // enum variants
	Sig      *FnSig        `cbor:"9,keyasint,omitempty"` // fnptr signature
	Methods  []TraitMethod `cbor:"10,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Table: the interner
// ---------------------------------------------------------------------------

// Table interns type descriptors and assigns stable TypeIDs. A Table is
// not safe for concurrent mutation; build it fully before sharing.
type Table struct {
	types []Type
	keys  []string
	index map[string]TypeID
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{index: make(map[string]TypeID)}
}

// FromTypes rebuilds a table from descriptors in ID order, as decoded
// from a program file. Every child reference must point at an earlier
// entry; anything else is a malformed file.
func FromTypes(types []Type) (*Table, error) {
	t := NewTable()
	for i, ty := range types {
		want := TypeID(i + 1)
		if err := t.checkRefs(ty, want); err != nil {
			return nil, err
		}
		got, err := t.Add(ty)
		if err != nil {
			return nil, err
		}
		if got != want {
			return nil, fmt.Errorf("type table entry %d duplicates entry %d", want, got)
		}
	}
	return t, nil
}

func (t *Table) checkRefs(ty Type, self TypeID) error {
	check := func(id TypeID) error {
		if id == InvalidType || id >= self {
			return fmt.Errorf("type table entry %d references %d (must reference earlier entries)", self, id)
		}
		return nil
	}
	var err error
	at := func(id TypeID) {
		if err == nil && id != InvalidType {
			err = check(id)
		}
	}
	if ty.Elem != InvalidType {
		at(ty.Elem)
	}
	for _, f := range ty.Fields {
		at(f.Ty)
	}
	for _, v := range ty.Variants {
		for _, f := range v.Fields {
			at(f.Ty)
		}
	}
	if ty.Sig != nil {
		for _, p := range ty.Sig.Params {
			at(p)
		}
		at(ty.Sig.Ret)
	}
	for _, m := range ty.Methods {
		for _, p := range m.Sig.Params {
			at(p)
		}
		at(m.Sig.Ret)
	}
	return err
}

// Add interns a descriptor and returns its ID. Adding a descriptor that
// is already present returns the existing ID. Child references must
// already be interned.
func (t *Table) Add(ty Type) (TypeID, error) {
	key, err := t.keyOf(ty)
	if err != nil {
		return InvalidType, err
	}
	if id, ok := t.index[key]; ok {
		return id, nil
	}
	t.types = append(t.types, ty)
	t.keys = append(t.keys, key)
	id := TypeID(len(t.types))
	t.index[key] = id
	return id, nil
}

// mustAdd is Add for builder methods whose descriptors cannot be
// malformed; an error there is a bug in this package.
func (t *Table) mustAdd(ty Type) TypeID {
	id, err := t.Add(ty)
	if err != nil {
		panic(fmt.Sprintf("layout: bad builtin descriptor: %v", err))
	}
	return id
}

// Get returns the descriptor for id.
func (t *Table) Get(id TypeID) (Type, error) {
	if id == InvalidType || int(id) > len(t.types) {
		return Type{}, fmt.Errorf("unknown type id %d", id)
	}
	return t.types[id-1], nil
}

// Key returns the canonical textual form of id, e.g. "&mut [u8]".
// Keys are stable across processes and feed content hashes.
func (t *Table) Key(id TypeID) string {
	if id == InvalidType || int(id) > len(t.types) {
		return fmt.Sprintf("?type(%d)", id)
	}
	return t.keys[id-1]
}

// Len reports how many types are interned.
func (t *Table) Len() int {
	return len(t.types)
}

// Types returns the descriptors in ID order, for serialization.
func (t *Table) Types() []Type {
	return t.types
}

func (t *Table) keyOf(ty Type) (string, error) {
	child := func(id TypeID) (string, error) {
		if id == InvalidType || int(id) > len(t.types) {
			return "", fmt.Errorf("descriptor references unknown type id %d", id)
		}
		return t.keys[id-1], nil
	}

	switch ty.Kind {
	case KindBool:
		return "bool", nil
	case KindChar:
		return "char", nil
	case KindStr:
		return "str", nil
	case KindIsize:
		return "isize", nil
	case KindUsize:
		return "usize", nil
	case KindInt, KindUint, KindFloat:
		prefix := map[Kind]string{KindInt: "i", KindUint: "u", KindFloat: "f"}[ty.Kind]
		switch ty.Width {
		case 1, 2, 4, 8:
			if ty.Kind == KindFloat && ty.Width < 4 {
				return "", fmt.Errorf("invalid float width %d", ty.Width)
			}
			return fmt.Sprintf("%s%d", prefix, ty.Width*8), nil
		default:
			return "", fmt.Errorf("invalid %v width %d", ty.Kind, ty.Width)
		}
	case KindRawPtr, KindRef:
		elem, err := child(ty.Elem)
		if err != nil {
			return "", err
		}
		switch {
		case ty.Kind == KindRawPtr && ty.Mutable:
			return "*mut " + elem, nil
		case ty.Kind == KindRawPtr:
			return "*const " + elem, nil
		case ty.Mutable:
			return "&mut " + elem, nil
		default:
			return "&" + elem, nil
		}
	case KindFnPtr:
		if ty.Sig == nil {
			return "", fmt.Errorf("fnptr descriptor has no signature")
		}
		return t.sigKey(*ty.Sig)
	case KindArray:
		elem, err := child(ty.Elem)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("[%s; %d]", elem, ty.Len), nil
	case KindSlice:
		elem, err := child(ty.Elem)
		if err != nil {
			return "", err
		}
		return "[" + elem + "]", nil
	case KindTuple:
		parts := make([]string, len(ty.Fields))
		for i, f := range ty.Fields {
			k, err := child(f.Ty)
			if err != nil {
				return "", err
			}
			parts[i] = k
		}
		return "(" + strings.Join(parts, ", ") + ")", nil
	case KindStruct, KindEnum:
		if ty.Name == "" {
			return "", fmt.Errorf("%v descriptor has no name", ty.Kind)
		}
		var b strings.Builder
		b.WriteString(ty.Kind.String())
		b.WriteByte(' ')
		b.WriteString(ty.Name)
		b.WriteByte('{')
		if ty.Kind == KindStruct {
			for i, f := range ty.Fields {
				if i > 0 {
					b.WriteByte(',')
				}
				k, err := child(f.Ty)
				if err != nil {
					return "", err
				}
				fmt.Fprintf(&b, "%s:%s", f.Name, k)
			}
		} else {
			for i, v := range ty.Variants {
				if i > 0 {
					b.WriteByte(',')
				}
				fmt.Fprintf(&b, "%s=%d(", v.Name, v.Discr)
				for j, f := range v.Fields {
					if j > 0 {
						b.WriteByte(',')
					}
					k, err := child(f.Ty)
					if err != nil {
						return "", err
					}
					b.WriteString(k)
				}
				b.WriteByte(')')
			}
		}
		b.WriteByte('}')
		return b.String(), nil
	case KindTrait:
		if ty.Name == "" {
			return "", fmt.Errorf("trait descriptor has no name")
		}
		return "dyn " + ty.Name, nil
	}
	return "", fmt.Errorf("unknown type kind %d", uint8(ty.Kind))
}

func (t *Table) sigKey(sig FnSig) (string, error) {
	var b strings.Builder
	b.WriteString("fn(")
	for i, p := range sig.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		if p == InvalidType || int(p) > len(t.types) {
			return "", fmt.Errorf("signature references unknown type id %d", p)
		}
		b.WriteString(t.keys[p-1])
	}
	b.WriteByte(')')
	if sig.Ret != InvalidType {
		if int(sig.Ret) > len(t.types) {
			return "", fmt.Errorf("signature references unknown type id %d", sig.Ret)
		}
		b.WriteString(" -> ")
		b.WriteString(t.keys[sig.Ret-1])
	}
	return b.String(), nil
}

// SigKey renders a signature canonically. Two signatures are compatible
// exactly when their keys match.
func (t *Table) SigKey(sig FnSig) string {
	k, err := t.sigKey(sig)
	if err != nil {
		return fmt.Sprintf("?sig(%v)", err)
	}
	return k
}

// ---------------------------------------------------------------------------
// Builder conveniences
// ---------------------------------------------------------------------------
//
// These intern common descriptors without the caller spelling out the
// full Type literal. They are what tests and program builders use.

func (t *Table) Bool() TypeID  { return t.mustAdd(Type{Kind: KindBool}) }
func (t *Table) Char() TypeID  { return t.mustAdd(Type{Kind: KindChar}) }
func (t *Table) Usize() TypeID { return t.mustAdd(Type{Kind: KindUsize}) }
func (t *Table) Isize() TypeID { return t.mustAdd(Type{Kind: KindIsize}) }
func (t *Table) StrTy() TypeID { return t.mustAdd(Type{Kind: KindStr}) }

func (t *Table) Uint(width uint64) TypeID  { return t.mustAdd(Type{Kind: KindUint, Width: width}) }
func (t *Table) Int(width uint64) TypeID   { return t.mustAdd(Type{Kind: KindInt, Width: width}) }
func (t *Table) Float(width uint64) TypeID { return t.mustAdd(Type{Kind: KindFloat, Width: width}) }

func (t *Table) U8() TypeID  { return t.Uint(1) }
func (t *Table) U16() TypeID { return t.Uint(2) }
func (t *Table) U32() TypeID { return t.Uint(4) }
func (t *Table) U64() TypeID { return t.Uint(8) }
func (t *Table) I8() TypeID  { return t.Int(1) }
func (t *Table) I16() TypeID { return t.Int(2) }
func (t *Table) I32() TypeID { return t.Int(4) }
func (t *Table) I64() TypeID { return t.Int(8) }
func (t *Table) F32() TypeID { return t.Float(4) }
func (t *Table) F64() TypeID { return t.Float(8) }

// Unit is the empty tuple.
func (t *Table) Unit() TypeID { return t.mustAdd(Type{Kind: KindTuple}) }

func (t *Table) Ref(elem TypeID, mutable bool) TypeID {
	return t.mustAdd(Type{Kind: KindRef, Elem: elem, Mutable: mutable})
}

func (t *Table) RawPtr(elem TypeID, mutable bool) TypeID {
	return t.mustAdd(Type{Kind: KindRawPtr, Elem: elem, Mutable: mutable})
}

func (t *Table) Array(elem TypeID, n uint64) TypeID {
	return t.mustAdd(Type{Kind: KindArray, Elem: elem, Len: n})
}

func (t *Table) Slice(elem TypeID) TypeID {
	return t.mustAdd(Type{Kind: KindSlice, Elem: elem})
}

func (t *Table) Tuple(elems ...TypeID) TypeID {
	fields := make([]Field, len(elems))
	for i, e := range elems {
		fields[i] = Field{Ty: e}
	}
	return t.mustAdd(Type{Kind: KindTuple, Fields: fields})
}

func (t *Table) Struct(name string, fields ...Field) TypeID {
	return t.mustAdd(Type{Kind: KindStruct, Name: name, Fields: fields})
}

func (t *Table) Enum(name string, variants ...Variant) TypeID {
	return t.mustAdd(Type{Kind: KindEnum, Name: name, Variants: variants})
}

func (t *Table) FnPtr(sig FnSig) TypeID {
	return t.mustAdd(Type{Kind: KindFnPtr, Sig: &sig})
}

func (t *Table) Trait(name string, methods ...TraitMethod) TypeID {
	return t.mustAdd(Type{Kind: KindTrait, Name: name, Methods: methods})
}
