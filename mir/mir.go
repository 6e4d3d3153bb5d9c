// Package mir defines the mid-level IR that the machine evaluates:
// function bodies made of basic blocks, statements, and terminators,
// plus the program container that binds bodies to a type table.
//
// Nodes are plain structs with a Kind discriminator so programs encode
// directly to CBOR; see wire.go for the file format.
package mir

import (
	"fmt"

	"github.com/chazu/ferrite/layout"
)

// Local indexes a slot in a function body. Local 0 is the return slot;
// locals 1..Params are the arguments.
type Local = uint32

// NoBlock marks an absent block edge (no unwind target, diverging call).
const NoBlock int32 = -1

// ---------------------------------------------------------------------------
// Program
// ---------------------------------------------------------------------------

// Impl binds a type's implementation of a trait: one body symbol per
// trait method, in vtable slot order. Drop names the destructor run
// when a value of the type is dropped through a trait object; empty
// means no destructor.
type Impl struct {
	Trait   string        `cbor:"1,keyasint"`
	Ty      layout.TypeID `cbor:"2,keyasint"`
	Methods []string      `cbor:"3,keyasint,omitempty"`
	Drop    string        `cbor:"4,keyasint,omitempty"`
}

// Program is a closed set of function bodies over one type table.
type Program struct {
	Name   string        `cbor:"1,keyasint,omitempty"`
	Entry  string        `cbor:"2,keyasint,omitempty"`
	Types  []layout.Type `cbor:"3,keyasint,omitempty"`
	Bodies []*Body       `cbor:"4,keyasint,omitempty"`
	Impls  []Impl        `cbor:"5,keyasint,omitempty"`

	table  *layout.Table
	byName map[string]*Body
}

// Table returns the program's interned type table. Finalize must have
// run first; decoded and built programs arrive finalized.
func (p *Program) Table() *layout.Table {
	return p.table
}

// Body looks up a function body by symbol name.
func (p *Program) Body(name string) (*Body, bool) {
	b, ok := p.byName[name]
	return b, ok
}

// ImplFor finds the method symbols a type provides for a trait.
func (p *Program) ImplFor(trait string, ty layout.TypeID) ([]string, bool) {
	for _, im := range p.Impls {
		if im.Trait == trait && im.Ty == ty {
			return im.Methods, true
		}
	}
	return nil, false
}

// DropFor finds the destructor symbol registered for a type, if any
// impl carries one.
func (p *Program) DropFor(ty layout.TypeID) (string, bool) {
	for _, im := range p.Impls {
		if im.Ty == ty && im.Drop != "" {
			return im.Drop, true
		}
	}
	return "", false
}

// Finalize rebuilds derived state (type table, body index) and
// validates the program. It is idempotent.
func (p *Program) Finalize() error {
	if p.table == nil {
		t, err := layout.FromTypes(p.Types)
		if err != nil {
			return fmt.Errorf("program %s: %w", p.Name, err)
		}
		p.table = t
	}
	p.byName = make(map[string]*Body, len(p.Bodies))
	for _, b := range p.Bodies {
		if b.Name == "" {
			return fmt.Errorf("program %s: body with empty name", p.Name)
		}
		if _, dup := p.byName[b.Name]; dup {
			return fmt.Errorf("program %s: duplicate body %q", p.Name, b.Name)
		}
		p.byName[b.Name] = b
	}
	return p.validate()
}

// ---------------------------------------------------------------------------
// Bodies and blocks
// ---------------------------------------------------------------------------

// LocalDecl declares one local slot and its type.
type LocalDecl struct {
	Name string        `cbor:"1,keyasint,omitempty"`
	Ty   layout.TypeID `cbor:"2,keyasint"`
}

// Body is one function: a local table and a basic-block graph.
// Execution always starts in block 0.
type Body struct {
	Name   string       `cbor:"1,keyasint"`
	Params uint32       `cbor:"2,keyasint,omitempty"`
	Locals []LocalDecl  `cbor:"3,keyasint,omitempty"`
	Blocks []BasicBlock `cbor:"4,keyasint,omitempty"`
}

// Sig derives the body's signature from its local declarations.
func (b *Body) Sig() layout.FnSig {
	sig := layout.FnSig{Ret: b.Locals[0].Ty}
	for i := uint32(1); i <= b.Params; i++ {
		sig.Params = append(sig.Params, b.Locals[i].Ty)
	}
	return sig
}

// BasicBlock is a run of statements ended by exactly one terminator.
// Cleanup blocks run while unwinding.
type BasicBlock struct {
	Stmts   []Statement `cbor:"1,keyasint,omitempty"`
	Term    Terminator  `cbor:"2,keyasint"`
	Cleanup bool        `cbor:"3,keyasint,omitempty"`
}

// Location names an execution point for diagnostics. Stmt == -1 points
// at the block's terminator.
type Location struct {
	Fn    string
	Block int
	Stmt  int
}

func (l Location) String() string {
	if l.Stmt < 0 {
		return fmt.Sprintf("%s@bb%d[term]", l.Fn, l.Block)
	}
	return fmt.Sprintf("%s@bb%d[%d]", l.Fn, l.Block, l.Stmt)
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

type StmtKind uint8

const (
	StmtAssign StmtKind = iota + 1
	StmtStorageLive
	StmtStorageDead
	StmtSetDiscr
	StmtNop
)

func (k StmtKind) String() string {
	switch k {
	case StmtAssign:
		return "assign"
	case StmtStorageLive:
		return "storage-live"
	case StmtStorageDead:
		return "storage-dead"
	case StmtSetDiscr:
		return "set-discriminant"
	case StmtNop:
		return "nop"
	}
	return fmt.Sprintf("stmt(%d)", uint8(k))
}

// Statement is one non-branching instruction. Which fields are set
// depends on Kind.
type Statement struct {
	Kind    StmtKind `cbor:"1,keyasint"`
	Place   *Place   `cbor:"2,keyasint,omitempty"` // Assign dest, SetDiscr place
	Rvalue  *Rvalue  `cbor:"3,keyasint,omitempty"` // Assign source
	Local   Local    `cbor:"4,keyasint,omitempty"` // StorageLive/StorageDead
	Variant uint32   `cbor:"5,keyasint,omitempty"` // SetDiscr variant index
}

// ---------------------------------------------------------------------------
// Terminators
// ---------------------------------------------------------------------------

type TermKind uint8

const (
	TermGoto TermKind = iota + 1
	TermSwitchInt
	TermReturn
	TermUnreachable
	TermCall
	TermDrop
	TermAssert
	TermResume
)

func (k TermKind) String() string {
	switch k {
	case TermGoto:
		return "goto"
	case TermSwitchInt:
		return "switch-int"
	case TermReturn:
		return "return"
	case TermUnreachable:
		return "unreachable"
	case TermCall:
		return "call"
	case TermDrop:
		return "drop"
	case TermAssert:
		return "assert"
	case TermResume:
		return "resume"
	}
	return fmt.Sprintf("term(%d)", uint8(k))
}

// Terminator ends a basic block. Which fields are set depends on Kind;
// block edges use NoBlock when absent.
type Terminator struct {
	Kind TermKind `cbor:"1,keyasint"`

	// Goto/Call/Drop/Assert: where execution continues on success.
	Target int32 `cbor:"2,keyasint,omitempty"`

	// SwitchInt.
	Discr     *Operand `cbor:"3,keyasint,omitempty"`
	Values    []uint64 `cbor:"4,keyasint,omitempty"`
	Targets   []int32  `cbor:"5,keyasint,omitempty"`
	Otherwise int32    `cbor:"6,keyasint,omitempty"`

	// Call.
	Func *Operand  `cbor:"7,keyasint,omitempty"`
	Args []Operand `cbor:"8,keyasint,omitempty"`
	Dest *Place    `cbor:"9,keyasint,omitempty"`

	// Call/Drop/Assert: cleanup block entered on unwind.
	Unwind int32 `cbor:"10,keyasint,omitempty"`

	// Drop.
	Place *Place `cbor:"11,keyasint,omitempty"`

	// Assert.
	Cond     *Operand `cbor:"12,keyasint,omitempty"`
	Expected bool     `cbor:"13,keyasint,omitempty"`
	Msg      string   `cbor:"14,keyasint,omitempty"`

	// Call: type arguments for generic intrinsics like size_of.
	TyArgs []layout.TypeID `cbor:"15,keyasint,omitempty"`

	// Call: dynamic dispatch. The callee operand is the trait object;
	// Method indexes its vtable's method slots.
	Virtual bool   `cbor:"16,keyasint,omitempty"`
	Method  uint32 `cbor:"17,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Rvalues
// ---------------------------------------------------------------------------

type RvalueKind uint8

const (
	RvUse RvalueKind = iota + 1
	RvBinaryOp
	RvCheckedBinaryOp
	RvUnaryOp
	RvRef
	RvLen
	RvCast
	RvAggregate
	RvRepeat
	RvDiscriminant
	RvNullary
)

type BinOp uint8

const (
	OpAdd BinOp = iota + 1
	OpSub
	OpMul
	OpDiv
	OpRem
	OpBitXor
	OpBitAnd
	OpBitOr
	OpShl
	OpShr
	OpEq
	OpLt
	OpLe
	OpNe
	OpGe
	OpGt
	OpPtrOffset
)

func (op BinOp) String() string {
	names := [...]string{"", "+", "-", "*", "/", "%", "^", "&", "|", "<<", ">>",
		"==", "<", "<=", "!=", ">=", ">", "ptr-offset"}
	if int(op) < len(names) {
		return names[op]
	}
	return fmt.Sprintf("binop(%d)", uint8(op))
}

// IsComparison reports whether the operator yields bool.
func (op BinOp) IsComparison() bool {
	return op >= OpEq && op <= OpGt
}

type UnOp uint8

const (
	OpNot UnOp = iota + 1
	OpNeg
)

type NullOp uint8

const (
	NullSizeOf NullOp = iota + 1
	NullAlignOf
)

func (op NullOp) String() string {
	switch op {
	case NullSizeOf:
		return "size-of"
	case NullAlignOf:
		return "align-of"
	}
	return fmt.Sprintf("nullop(%d)", uint8(op))
}

type CastKind uint8

const (
	CastIntToInt CastKind = iota + 1 // also bool/char sources and char dest
	CastIntToFloat
	CastFloatToInt
	CastFloatToFloat
	CastPtrToPtr
	CastIntToPtr
	CastPtrToInt
	CastUnsize // sized pointee to slice/trait-object fat pointer
)

// Rvalue computes a value. Which fields are set depends on Kind.
type Rvalue struct {
	Kind RvalueKind `cbor:"1,keyasint"`

	Op   BinOp `cbor:"2,keyasint,omitempty"`
	UnOp UnOp  `cbor:"3,keyasint,omitempty"`

	A *Operand `cbor:"4,keyasint,omitempty"` // Use/UnaryOp/Cast/Repeat source, BinaryOp lhs
	B *Operand `cbor:"5,keyasint,omitempty"` // BinaryOp rhs

	Place *Place `cbor:"6,keyasint,omitempty"` // Ref/Len/Discriminant

	Ty       layout.TypeID `cbor:"7,keyasint,omitempty"` // Ref/Cast/Aggregate/Nullary result type
	CastKind CastKind      `cbor:"8,keyasint,omitempty"`
	Variant  uint32        `cbor:"9,keyasint,omitempty"`  // Aggregate enum variant
	Ops      []Operand     `cbor:"10,keyasint,omitempty"` // Aggregate elements
	Count    uint64        `cbor:"11,keyasint,omitempty"` // Repeat count
	NullOp   NullOp        `cbor:"12,keyasint,omitempty"`
	Mutable  bool          `cbor:"13,keyasint,omitempty"` // Ref mutability
}

// ---------------------------------------------------------------------------
// Operands and places
// ---------------------------------------------------------------------------

type OperandKind uint8

const (
	OpCopy OperandKind = iota + 1
	OpMove
	OpConst
)

// Operand is how an rvalue names its inputs: read a place, consume a
// place, or use a constant.
type Operand struct {
	Kind  OperandKind `cbor:"1,keyasint"`
	Place *Place      `cbor:"2,keyasint,omitempty"`
	Const *Const      `cbor:"3,keyasint,omitempty"`
}

type ProjKind uint8

const (
	ProjDeref ProjKind = iota + 1
	ProjField
	ProjIndex
	ProjConstIndex
	ProjDowncast
)

// Projection is one step of a place path.
type Projection struct {
	Kind    ProjKind `cbor:"1,keyasint"`
	Field   uint32   `cbor:"2,keyasint,omitempty"` // ProjField index, ProjConstIndex offset, ProjDowncast variant
	Index   Local    `cbor:"3,keyasint,omitempty"` // ProjIndex: local holding the index
	FromEnd bool     `cbor:"4,keyasint,omitempty"` // ProjConstIndex counts from the end
}

// Place names a memory location: a local plus a projection path.
type Place struct {
	Local Local        `cbor:"1,keyasint"`
	Proj  []Projection `cbor:"2,keyasint,omitempty"`
}

func (p Place) String() string {
	s := fmt.Sprintf("_%d", p.Local)
	for _, pr := range p.Proj {
		switch pr.Kind {
		case ProjDeref:
			s = "(*" + s + ")"
		case ProjField:
			s = fmt.Sprintf("%s.%d", s, pr.Field)
		case ProjIndex:
			s = fmt.Sprintf("%s[_%d]", s, pr.Index)
		case ProjConstIndex:
			if pr.FromEnd {
				s = fmt.Sprintf("%s[len-%d]", s, pr.Field)
			} else {
				s = fmt.Sprintf("%s[%d]", s, pr.Field)
			}
		case ProjDowncast:
			s = fmt.Sprintf("(%s as variant %d)", s, pr.Field)
		}
	}
	return s
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

type ConstKind uint8

const (
	ConstInt ConstKind = iota + 1 // ints, bool, char: raw bits
	ConstFloat
	ConstStr   // string literal; becomes a static allocation
	ConstBytes // byte-array literal
	ConstFn    // function symbol
	ConstZST   // unit and other zero-sized constants
)

// Const is a literal in the program text.
type Const struct {
	Kind  ConstKind     `cbor:"1,keyasint"`
	Ty    layout.TypeID `cbor:"2,keyasint"`
	Bits  uint64        `cbor:"3,keyasint,omitempty"`
	Str   string        `cbor:"4,keyasint,omitempty"` // ConstStr data or ConstFn symbol
	Bytes []byte        `cbor:"5,keyasint,omitempty"`
}
