package layout

import (
	"fmt"

	"github.com/chazu/ferrite/target"
)

// ---------------------------------------------------------------------------
// Layout model
// ---------------------------------------------------------------------------

// Repr classifies how values of a type travel through the machine:
// in a single scalar register, in a pair of scalars, or only in memory.
type Repr uint8

const (
	ReprMemory Repr = iota
	ReprScalar
	ReprPair
)

func (r Repr) String() string {
	switch r {
	case ReprScalar:
		return "scalar"
	case ReprPair:
		return "pair"
	default:
		return "memory"
	}
}

// MetaKind says what metadata a pointer to this type carries.
type MetaKind uint8

const (
	MetaNone   MetaKind = iota // thin pointer
	MetaLength                 // slice/str: element count
	MetaVTable                 // trait object: vtable pointer
)

// TagKind says how an enum encodes its active variant.
type TagKind uint8

const (
	TagNone   TagKind = iota // zero or one variant, or not an enum
	TagDirect                // explicit tag scalar at TagOffset
	TagNiche                 // tag folded into unused values of the payload
)

// ScalarInfo describes one machine scalar: its width, interpretation,
// and the inclusive wrapping range of valid bit patterns.
type ScalarInfo struct {
	Size    uint64
	Signed  bool
	Float   bool
	Pointer bool // value carries provenance
	Fn      bool // function pointer (implies Pointer)

	// ValidStart..ValidEnd is inclusive and wraps: [max, 1] admits
	// everything except the all-ones-minus... pattern between.
	ValidStart uint64
	ValidEnd   uint64
}

// MaxFor returns the all-ones value for a scalar width in bytes.
func MaxFor(size uint64) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (size * 8)) - 1
}

// IsFull reports whether every bit pattern is valid.
func (s ScalarInfo) IsFull() bool {
	return s.ValidStart == 0 && s.ValidEnd == MaxFor(s.Size)
}

// Contains reports whether v lies in the valid range, honoring wrapping.
func (s ScalarInfo) Contains(v uint64) bool {
	if s.ValidStart <= s.ValidEnd {
		return v >= s.ValidStart && v <= s.ValidEnd
	}
	return v >= s.ValidStart || v <= s.ValidEnd
}

// FieldSlot places one field inside an aggregate.
type FieldSlot struct {
	Offset uint64
	Ty     TypeID
}

// VariantLayout places the fields of one enum variant.
type VariantLayout struct {
	Name   string
	Discr  uint64
	Fields []FieldSlot
	Size   uint64 // extent of this variant including any tag prefix
}

// Layout is the complete machine layout of one type on one target.
// Layouts are immutable once computed and shared via the engine cache.
type Layout struct {
	ID TypeID
	Ty Type

	Size    uint64
	Align   uint64
	Unsized bool
	Repr    Repr

	// Scalar is set for ReprScalar; PairA/PairB for ReprPair.
	Scalar      *ScalarInfo
	PairA       *ScalarInfo
	PairB       *ScalarInfo
	PairBOffset uint64

	// Aggregate members. For enums these describe the active-variant
	// view; use Variants for per-variant field placement.
	Fields []FieldSlot

	Variants        []VariantLayout
	Tag             TagKind
	TagScalar       *ScalarInfo
	TagOffset       uint64
	NicheValue      uint64 // TagNiche: bit pattern naming the fieldless variant
	UntaggedVariant int    // TagNiche: index of the payload variant
	Uninhabited     bool

	// Element info for arrays, slices, and str.
	ElemTy   TypeID
	ElemSize uint64
	Count    uint64

	// Meta is the metadata a pointer to this type must carry.
	Meta MetaKind
}

// IsZST reports whether the type occupies no storage.
func (l *Layout) IsZST() bool {
	return !l.Unsized && l.Size == 0
}

// Field returns the placement of field i.
func (l *Layout) Field(i int) (FieldSlot, error) {
	if i < 0 || i >= len(l.Fields) {
		return FieldSlot{}, fmt.Errorf("type %s has no field %d", l.Ty.Kind, i)
	}
	return l.Fields[i], nil
}

// VariantByDiscr finds the variant index carrying discriminant d.
func (l *Layout) VariantByDiscr(d uint64) (int, bool) {
	for i, v := range l.Variants {
		if v.Discr == d {
			return i, true
		}
	}
	return 0, false
}

// AlignUp rounds v up to a multiple of align, which must be a power of
// two. The result wraps only if v is within align of the top of the
// address space; callers guard sizes against that separately.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine computes and caches layouts for one type table on one target.
// It is the single authority on sizes, offsets, and representation; the
// evaluation machine never derives layout facts on its own.
type Engine struct {
	spec  target.Spec
	table *Table
	cache map[TypeID]*Layout
}

// NewEngine builds an engine over a table for a target.
func NewEngine(table *Table, spec target.Spec) *Engine {
	return &Engine{
		spec:  spec,
		table: table,
		cache: make(map[TypeID]*Layout),
	}
}

// Table returns the engine's type table.
func (e *Engine) Table() *Table { return e.table }

// Target returns the engine's target spec.
func (e *Engine) Target() target.Spec { return e.spec }

// maxObjectSize is the largest size any single type may have: half the
// address space, so that byte offsets always fit in isize.
func (e *Engine) maxObjectSize() uint64 {
	return e.spec.UsizeMax() >> 1
}

// Of returns the layout of id, computing and caching it on first use.
func (e *Engine) Of(id TypeID) (*Layout, error) {
	if l, ok := e.cache[id]; ok {
		return l, nil
	}
	ty, err := e.table.Get(id)
	if err != nil {
		return nil, err
	}
	l, err := e.compute(id, ty)
	if err != nil {
		return nil, fmt.Errorf("layout of %s: %w", e.table.Key(id), err)
	}
	e.cache[id] = l
	return l, nil
}

func (e *Engine) compute(id TypeID, ty Type) (*Layout, error) {
	ptrSize := e.spec.PointerSize

	scalarLayout := func(s ScalarInfo) *Layout {
		si := s
		return &Layout{
			ID:     id,
			Ty:     ty,
			Size:   s.Size,
			Align:  e.spec.ScalarAlign(s.Size),
			Repr:   ReprScalar,
			Scalar: &si,
		}
	}

	switch ty.Kind {
	case KindBool:
		return scalarLayout(ScalarInfo{Size: 1, ValidStart: 0, ValidEnd: 1}), nil

	case KindChar:
		return scalarLayout(ScalarInfo{Size: 4, ValidStart: 0, ValidEnd: 0x10FFFF}), nil

	case KindUint, KindInt:
		switch ty.Width {
		case 1, 2, 4, 8:
		default:
			return nil, fmt.Errorf("invalid integer width %d", ty.Width)
		}
		return scalarLayout(ScalarInfo{
			Size:     ty.Width,
			Signed:   ty.Kind == KindInt,
			ValidEnd: MaxFor(ty.Width),
		}), nil

	case KindUsize, KindIsize:
		return scalarLayout(ScalarInfo{
			Size:     ptrSize,
			Signed:   ty.Kind == KindIsize,
			ValidEnd: MaxFor(ptrSize),
		}), nil

	case KindFloat:
		if ty.Width != 4 && ty.Width != 8 {
			return nil, fmt.Errorf("invalid float width %d", ty.Width)
		}
		return scalarLayout(ScalarInfo{
			Size:     ty.Width,
			Float:    true,
			ValidEnd: MaxFor(ty.Width),
		}), nil

	case KindFnPtr:
		return scalarLayout(ScalarInfo{
			Size:       ptrSize,
			Pointer:    true,
			Fn:         true,
			ValidStart: 1,
			ValidEnd:   MaxFor(ptrSize),
		}), nil

	case KindRawPtr, KindRef:
		return e.pointerLayout(id, ty)

	case KindArray:
		elem, err := e.Of(ty.Elem)
		if err != nil {
			return nil, err
		}
		if elem.Unsized {
			return nil, fmt.Errorf("array of unsized element %s", e.table.Key(ty.Elem))
		}
		if elem.Size > 0 && ty.Len > e.maxObjectSize()/max64(elem.Size, 1) {
			return nil, fmt.Errorf("array of %d elements is too large for target %s", ty.Len, e.spec.Name)
		}
		return &Layout{
			ID:       id,
			Ty:       ty,
			Size:     elem.Size * ty.Len,
			Align:    elem.Align,
			Repr:     ReprMemory,
			ElemTy:   ty.Elem,
			ElemSize: elem.Size,
			Count:    ty.Len,
		}, nil

	case KindSlice:
		elem, err := e.Of(ty.Elem)
		if err != nil {
			return nil, err
		}
		if elem.Unsized {
			return nil, fmt.Errorf("slice of unsized element %s", e.table.Key(ty.Elem))
		}
		return &Layout{
			ID:       id,
			Ty:       ty,
			Align:    elem.Align,
			Unsized:  true,
			Repr:     ReprMemory,
			ElemTy:   ty.Elem,
			ElemSize: elem.Size,
			Meta:     MetaLength,
		}, nil

	case KindStr:
		return &Layout{
			ID:       id,
			Ty:       ty,
			Align:    1,
			Unsized:  true,
			Repr:     ReprMemory,
			ElemSize: 1,
			Meta:     MetaLength,
		}, nil

	case KindTrait:
		return &Layout{
			ID:      id,
			Ty:      ty,
			Align:   1,
			Unsized: true,
			Repr:    ReprMemory,
			Meta:    MetaVTable,
		}, nil

	case KindTuple, KindStruct:
		return e.aggregateLayout(id, ty, ty.Fields)

	case KindEnum:
		return e.enumLayout(id, ty)
	}

	return nil, fmt.Errorf("unknown type kind %d", uint8(ty.Kind))
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// pointerLayout handles refs and raw pointers; pointers to unsized types
// become scalar pairs carrying length or vtable metadata.
func (e *Engine) pointerLayout(id TypeID, ty Type) (*Layout, error) {
	ptrSize := e.spec.PointerSize
	elem, err := e.Of(ty.Elem)
	if err != nil {
		return nil, err
	}

	data := ScalarInfo{Size: ptrSize, Pointer: true, ValidEnd: MaxFor(ptrSize)}
	if ty.Kind == KindRef {
		data.ValidStart = 1 // references are never null
	}

	if !elem.Unsized {
		l := &Layout{
			ID:     id,
			Ty:     ty,
			Size:   ptrSize,
			Align:  e.spec.ScalarAlign(ptrSize),
			Repr:   ReprScalar,
			Scalar: &data,
		}
		return l, nil
	}

	var meta ScalarInfo
	switch elem.Meta {
	case MetaLength:
		meta = ScalarInfo{Size: ptrSize, ValidEnd: MaxFor(ptrSize)}
	case MetaVTable:
		meta = ScalarInfo{Size: ptrSize, Pointer: true, ValidStart: 1, ValidEnd: MaxFor(ptrSize)}
	default:
		return nil, fmt.Errorf("unsized pointee %s has no metadata kind", e.table.Key(ty.Elem))
	}

	a, b := data, meta
	return &Layout{
		ID:          id,
		Ty:          ty,
		Size:        2 * ptrSize,
		Align:       e.spec.ScalarAlign(ptrSize),
		Repr:        ReprPair,
		PairA:       &a,
		PairB:       &b,
		PairBOffset: ptrSize,
	}, nil
}

// aggregateLayout lays out tuple/struct fields in declaration order and
// classifies the result as scalar, pair, or memory.
func (e *Engine) aggregateLayout(id TypeID, ty Type, fields []Field) (*Layout, error) {
	slots := make([]FieldSlot, len(fields))
	var offset, align uint64 = 0, 1

	type scalarField struct {
		idx    int
		layout *Layout
	}
	var scalars []scalarField
	nonZST := 0

	for i, f := range fields {
		fl, err := e.Of(f.Ty)
		if err != nil {
			return nil, err
		}
		if fl.Unsized {
			return nil, fmt.Errorf("field %d has unsized type %s", i, e.table.Key(f.Ty))
		}
		offset = AlignUp(offset, fl.Align)
		slots[i] = FieldSlot{Offset: offset, Ty: f.Ty}
		offset += fl.Size
		if offset > e.maxObjectSize() {
			return nil, fmt.Errorf("aggregate exceeds maximum object size")
		}
		if fl.Align > align {
			align = fl.Align
		}
		if !fl.IsZST() {
			nonZST++
			if fl.Repr == ReprScalar {
				scalars = append(scalars, scalarField{i, fl})
			}
		}
	}

	size := AlignUp(offset, align)
	l := &Layout{
		ID:     id,
		Ty:     ty,
		Size:   size,
		Align:  align,
		Repr:   ReprMemory,
		Fields: slots,
	}

	// Newtype and pair classification: aggregates whose non-ZST content
	// is exactly one or two scalars travel as immediates.
	switch {
	case nonZST == 1 && len(scalars) == 1:
		fl := scalars[0].layout
		if slots[scalars[0].idx].Offset == 0 && size == fl.Size {
			l.Repr = ReprScalar
			si := *fl.Scalar
			l.Scalar = &si
		}
	case nonZST == 2 && len(scalars) == 2:
		a, b := scalars[0].layout, scalars[1].layout
		aOff := slots[scalars[0].idx].Offset
		bOff := slots[scalars[1].idx].Offset
		wantB := AlignUp(a.Size, b.Align)
		if aOff == 0 && bOff == wantB && size == AlignUp(wantB+b.Size, align) {
			l.Repr = ReprPair
			sa, sb := *a.Scalar, *b.Scalar
			l.PairA, l.PairB = &sa, &sb
			l.PairBOffset = bOff
		}
	}

	return l, nil
}

// enumLayout lays out an enum: C-like enums collapse to their tag,
// Option-like enums use a niche, everything else gets a direct tag
// followed by the variant payload.
func (e *Engine) enumLayout(id TypeID, ty Type) (*Layout, error) {
	if len(ty.Variants) == 0 {
		return &Layout{
			ID:          id,
			Ty:          ty,
			Align:       1,
			Repr:        ReprMemory,
			Uninhabited: true,
		}, nil
	}

	seen := make(map[uint64]string, len(ty.Variants))
	for _, v := range ty.Variants {
		if prev, dup := seen[v.Discr]; dup {
			return nil, fmt.Errorf("variants %s and %s share discriminant %d", prev, v.Name, v.Discr)
		}
		seen[v.Discr] = v.Name
	}

	fieldless := true
	dataful := -1
	datafulCount := 0
	for i, v := range ty.Variants {
		if len(v.Fields) > 0 {
			fieldless = false
			dataful = i
			datafulCount++
		}
	}

	minD, maxD := ty.Variants[0].Discr, ty.Variants[0].Discr
	for _, v := range ty.Variants {
		if v.Discr < minD {
			minD = v.Discr
		}
		if v.Discr > maxD {
			maxD = v.Discr
		}
	}

	// C-like: the enum is its tag.
	if fieldless {
		tagSize := discrWidth(maxD)
		tag := ScalarInfo{Size: tagSize, ValidStart: minD, ValidEnd: maxD}
		variants := make([]VariantLayout, len(ty.Variants))
		for i, v := range ty.Variants {
			variants[i] = VariantLayout{Name: v.Name, Discr: v.Discr, Size: tagSize}
		}
		si := tag
		return &Layout{
			ID:        id,
			Ty:        ty,
			Size:      tagSize,
			Align:     e.spec.ScalarAlign(tagSize),
			Repr:      ReprScalar,
			Scalar:    &si,
			Variants:  variants,
			Tag:       TagDirect,
			TagScalar: &tag,
		}, nil
	}

	// Option-like niche: two variants, one fieldless, one wrapping a
	// single scalar with spare bit patterns.
	if len(ty.Variants) == 2 && datafulCount == 1 {
		if l, ok, err := e.nicheLayout(id, ty, dataful); err != nil {
			return nil, err
		} else if ok {
			return l, nil
		}
	}

	// Direct tag followed by the variant payload.
	tagSize := discrWidth(maxD)
	tagAlign := e.spec.ScalarAlign(tagSize)
	align := tagAlign
	var maxEnd uint64

	variants := make([]VariantLayout, len(ty.Variants))
	for i, v := range ty.Variants {
		slots := make([]FieldSlot, len(v.Fields))
		offset := tagSize
		for j, f := range v.Fields {
			fl, err := e.Of(f.Ty)
			if err != nil {
				return nil, err
			}
			if fl.Unsized {
				return nil, fmt.Errorf("variant %s field %d is unsized", v.Name, j)
			}
			offset = AlignUp(offset, fl.Align)
			slots[j] = FieldSlot{Offset: offset, Ty: f.Ty}
			offset += fl.Size
			if offset > e.maxObjectSize() {
				return nil, fmt.Errorf("enum exceeds maximum object size")
			}
			if fl.Align > align {
				align = fl.Align
			}
		}
		variants[i] = VariantLayout{Name: v.Name, Discr: v.Discr, Fields: slots, Size: offset}
		if offset > maxEnd {
			maxEnd = offset
		}
	}

	tag := ScalarInfo{Size: tagSize, ValidStart: minD, ValidEnd: maxD}
	return &Layout{
		ID:        id,
		Ty:        ty,
		Size:      AlignUp(maxEnd, align),
		Align:     align,
		Repr:      ReprMemory,
		Variants:  variants,
		Tag:       TagDirect,
		TagScalar: &tag,
		TagOffset: 0,
	}, nil
}

// nicheLayout tries the null-pointer-style optimization. It applies when
// the payload is a single scalar whose valid range leaves the value just
// below it free, as with Option<&T>.
func (e *Engine) nicheLayout(id TypeID, ty Type, dataful int) (*Layout, bool, error) {
	dv := ty.Variants[dataful]
	if len(dv.Fields) != 1 {
		return nil, false, nil
	}
	payload, err := e.Of(dv.Fields[0].Ty)
	if err != nil {
		return nil, false, err
	}
	if payload.Repr != ReprScalar || payload.Scalar.IsFull() {
		return nil, false, nil
	}

	niche := payload.Scalar.ValidStart - 1 // wraps; Contains handles it
	if payload.Scalar.Contains(niche) {
		return nil, false, nil
	}

	widened := *payload.Scalar
	if niche == widened.ValidStart-1 {
		widened.ValidStart = niche
	}

	variants := make([]VariantLayout, 2)
	for i, v := range ty.Variants {
		vl := VariantLayout{Name: v.Name, Discr: v.Discr, Size: payload.Size}
		if i == dataful {
			vl.Fields = []FieldSlot{{Offset: 0, Ty: dv.Fields[0].Ty}}
		}
		variants[i] = vl
	}

	si := widened
	return &Layout{
		ID:              id,
		Ty:              ty,
		Size:            payload.Size,
		Align:           payload.Align,
		Repr:            ReprScalar,
		Scalar:          &si,
		Variants:        variants,
		Tag:             TagNiche,
		TagScalar:       &si,
		NicheValue:      niche,
		UntaggedVariant: dataful,
	}, true, nil
}

// discrWidth picks the narrowest unsigned tag that holds max.
func discrWidth(max uint64) uint64 {
	switch {
	case max <= 0xff:
		return 1
	case max <= 0xffff:
		return 2
	case max <= 0xffff_ffff:
		return 4
	default:
		return 8
	}
}
