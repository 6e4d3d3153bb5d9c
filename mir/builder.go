package mir

import (
	"fmt"
	"math"

	"github.com/chazu/ferrite/layout"
)

// RetLocal is the local holding a body's return value.
const RetLocal Local = 0

// ---------------------------------------------------------------------------
// Program builder
// ---------------------------------------------------------------------------

// ProgramBuilder assembles a Program in memory. It shares one type
// table across all bodies; Build validates and finalizes the result.
type ProgramBuilder struct {
	prog  *Program
	table *layout.Table
	fns   []*BodyBuilder
}

// NewProgram starts an empty program.
func NewProgram(name string) *ProgramBuilder {
	return &ProgramBuilder{
		prog:  &Program{Name: name},
		table: layout.NewTable(),
	}
}

// Types returns the program's type table for interning.
func (pb *ProgramBuilder) Types() *layout.Table {
	return pb.table
}

// Func starts a body. Local 0 is the return slot; params follow.
func (pb *ProgramBuilder) Func(name string, ret layout.TypeID, params ...layout.TypeID) *BodyBuilder {
	body := &Body{
		Name:   name,
		Params: uint32(len(params)),
		Locals: []LocalDecl{{Name: "ret", Ty: ret}},
	}
	for _, p := range params {
		body.Locals = append(body.Locals, LocalDecl{Ty: p})
	}
	fb := &BodyBuilder{body: body}
	pb.fns = append(pb.fns, fb)
	return fb
}

// Impl records a trait implementation: one body symbol per trait
// method, in vtable slot order.
func (pb *ProgramBuilder) Impl(trait string, ty layout.TypeID, methods ...string) {
	pb.prog.Impls = append(pb.prog.Impls, Impl{Trait: trait, Ty: ty, Methods: methods})
}

// ImplWithDrop records a trait implementation that also has a
// destructor body.
func (pb *ProgramBuilder) ImplWithDrop(trait string, ty layout.TypeID, drop string, methods ...string) {
	pb.prog.Impls = append(pb.prog.Impls, Impl{Trait: trait, Ty: ty, Methods: methods, Drop: drop})
}

// Entry names the body evaluated by default.
func (pb *ProgramBuilder) Entry(name string) {
	pb.prog.Entry = name
}

// Build assembles, validates, and finalizes the program.
func (pb *ProgramBuilder) Build() (*Program, error) {
	for _, fb := range pb.fns {
		body := fb.body
		body.Blocks = make([]BasicBlock, len(fb.blocks))
		for i, blk := range fb.blocks {
			if blk.term.Kind == 0 {
				return nil, fmt.Errorf("body %s: bb%d has no terminator", body.Name, i)
			}
			body.Blocks[i] = BasicBlock{Stmts: blk.stmts, Term: blk.term, Cleanup: blk.cleanup}
		}
		pb.prog.Bodies = append(pb.prog.Bodies, body)
	}
	pb.fns = nil
	pb.prog.Types = pb.table.Types()
	pb.prog.table = pb.table
	if err := pb.prog.Finalize(); err != nil {
		return nil, err
	}
	return pb.prog, nil
}

// ---------------------------------------------------------------------------
// Body builder
// ---------------------------------------------------------------------------

// BodyBuilder accumulates locals and blocks for one function.
type BodyBuilder struct {
	body   *Body
	blocks []*BlockBuilder
}

// Local declares a new local slot and returns its index.
func (fb *BodyBuilder) Local(name string, ty layout.TypeID) Local {
	fb.body.Locals = append(fb.body.Locals, LocalDecl{Name: name, Ty: ty})
	return Local(len(fb.body.Locals) - 1)
}

// Arg returns the local for parameter i (zero-based).
func (fb *BodyBuilder) Arg(i int) Local {
	return Local(i + 1)
}

// NewBlock appends an empty basic block. Execution starts in the first
// block created.
func (fb *BodyBuilder) NewBlock() *BlockBuilder {
	blk := &BlockBuilder{index: int32(len(fb.blocks))}
	fb.blocks = append(fb.blocks, blk)
	return blk
}

// NewCleanupBlock appends a block that runs during unwinding.
func (fb *BodyBuilder) NewCleanupBlock() *BlockBuilder {
	blk := fb.NewBlock()
	blk.cleanup = true
	return blk
}

// BlockBuilder accumulates statements and exactly one terminator.
type BlockBuilder struct {
	index   int32
	stmts   []Statement
	term    Terminator
	cleanup bool
}

// Index returns the block's position in the body.
func (b *BlockBuilder) Index() int32 { return b.index }

func edge(b *BlockBuilder) int32 {
	if b == nil {
		return NoBlock
	}
	return b.index
}

// --- statements ---

func (b *BlockBuilder) Assign(p Place, rv *Rvalue) *BlockBuilder {
	pc := p
	b.stmts = append(b.stmts, Statement{Kind: StmtAssign, Place: &pc, Rvalue: rv})
	return b
}

func (b *BlockBuilder) Live(l Local) *BlockBuilder {
	b.stmts = append(b.stmts, Statement{Kind: StmtStorageLive, Local: l})
	return b
}

func (b *BlockBuilder) Dead(l Local) *BlockBuilder {
	b.stmts = append(b.stmts, Statement{Kind: StmtStorageDead, Local: l})
	return b
}

func (b *BlockBuilder) SetDiscr(p Place, variant uint32) *BlockBuilder {
	pc := p
	b.stmts = append(b.stmts, Statement{Kind: StmtSetDiscr, Place: &pc, Variant: variant})
	return b
}

func (b *BlockBuilder) Nop() *BlockBuilder {
	b.stmts = append(b.stmts, Statement{Kind: StmtNop})
	return b
}

// --- terminators ---

func (b *BlockBuilder) Goto(target *BlockBuilder) {
	b.term = Terminator{Kind: TermGoto, Target: edge(target)}
}

func (b *BlockBuilder) SwitchInt(discr Operand, values []uint64, targets []*BlockBuilder, otherwise *BlockBuilder) {
	t := Terminator{Kind: TermSwitchInt, Discr: &discr, Values: values, Otherwise: edge(otherwise)}
	for _, tb := range targets {
		t.Targets = append(t.Targets, edge(tb))
	}
	b.term = t
}

// If branches to then on a true bool discriminant, otherwise to els.
func (b *BlockBuilder) If(cond Operand, then, els *BlockBuilder) {
	b.SwitchInt(cond, []uint64{0}, []*BlockBuilder{els}, then)
}

func (b *BlockBuilder) Return() {
	b.term = Terminator{Kind: TermReturn}
}

func (b *BlockBuilder) Unreachable() {
	b.term = Terminator{Kind: TermUnreachable}
}

func (b *BlockBuilder) Resume() {
	b.term = Terminator{Kind: TermResume}
}

func (b *BlockBuilder) Call(fn Operand, args []Operand, dest Place, target, unwind *BlockBuilder) {
	d := dest
	b.term = Terminator{
		Kind:   TermCall,
		Func:   &fn,
		Args:   args,
		Dest:   &d,
		Target: edge(target),
		Unwind: edge(unwind),
	}
}

// CallDiverging calls a function that never returns.
func (b *BlockBuilder) CallDiverging(fn Operand, args []Operand, unwind *BlockBuilder) {
	b.term = Terminator{
		Kind:   TermCall,
		Func:   &fn,
		Args:   args,
		Target: NoBlock,
		Unwind: edge(unwind),
	}
}

// CallGeneric calls a symbol with explicit type arguments; intrinsics
// like size_of take their operand type this way.
func (b *BlockBuilder) CallGeneric(fn Operand, tyArgs []layout.TypeID, args []Operand, dest Place, target, unwind *BlockBuilder) {
	b.Call(fn, args, dest, target, unwind)
	b.term.TyArgs = tyArgs
}

// CallVirtual dispatches method slot idx through the trait object that
// is the first argument.
func (b *BlockBuilder) CallVirtual(idx uint32, args []Operand, dest Place, target, unwind *BlockBuilder) {
	d := dest
	b.term = Terminator{
		Kind:    TermCall,
		Virtual: true,
		Method:  idx,
		Args:    args,
		Dest:    &d,
		Target:  edge(target),
		Unwind:  edge(unwind),
	}
}

func (b *BlockBuilder) Drop(p Place, target, unwind *BlockBuilder) {
	pc := p
	b.term = Terminator{Kind: TermDrop, Place: &pc, Target: edge(target), Unwind: edge(unwind)}
}

func (b *BlockBuilder) Assert(cond Operand, expected bool, msg string, target, unwind *BlockBuilder) {
	b.term = Terminator{
		Kind:     TermAssert,
		Cond:     &cond,
		Expected: expected,
		Msg:      msg,
		Target:   edge(target),
		Unwind:   edge(unwind),
	}
}

// ---------------------------------------------------------------------------
// Place, operand, rvalue, and constant helpers
// ---------------------------------------------------------------------------

// L names a place: a local plus projections.
func L(l Local, proj ...Projection) Place {
	return Place{Local: l, Proj: proj}
}

func Deref() Projection              { return Projection{Kind: ProjDeref} }
func Field(i uint32) Projection      { return Projection{Kind: ProjField, Field: i} }
func Index(l Local) Projection       { return Projection{Kind: ProjIndex, Index: l} }
func Downcast(v uint32) Projection   { return Projection{Kind: ProjDowncast, Field: v} }
func ConstIdx(off uint32) Projection { return Projection{Kind: ProjConstIndex, Field: off} }
func ConstIdxFromEnd(off uint32) Projection {
	return Projection{Kind: ProjConstIndex, Field: off, FromEnd: true}
}

// Copy reads a place without consuming it; Move consumes it.
func Copy(p Place) Operand { return Operand{Kind: OpCopy, Place: &p} }
func Move(p Place) Operand { return Operand{Kind: OpMove, Place: &p} }

// --- constants, packaged directly as operands ---

func constOp(c Const) Operand { return Operand{Kind: OpConst, Const: &c} }

// CUint is an unsigned integer (or usize) constant.
func CUint(ty layout.TypeID, v uint64) Operand {
	return constOp(Const{Kind: ConstInt, Ty: ty, Bits: v})
}

// CInt is a signed integer constant; the bits are two's complement.
func CInt(ty layout.TypeID, v int64) Operand {
	return constOp(Const{Kind: ConstInt, Ty: ty, Bits: uint64(v)})
}

func CBool(ty layout.TypeID, v bool) Operand {
	bits := uint64(0)
	if v {
		bits = 1
	}
	return constOp(Const{Kind: ConstInt, Ty: ty, Bits: bits})
}

func CChar(ty layout.TypeID, r rune) Operand {
	return constOp(Const{Kind: ConstInt, Ty: ty, Bits: uint64(uint32(r))})
}

func CF64(ty layout.TypeID, v float64) Operand {
	return constOp(Const{Kind: ConstFloat, Ty: ty, Bits: math.Float64bits(v)})
}

func CF32(ty layout.TypeID, v float32) Operand {
	return constOp(Const{Kind: ConstFloat, Ty: ty, Bits: uint64(math.Float32bits(v))})
}

// CStr is a string literal; ty should be &str.
func CStr(ty layout.TypeID, s string) Operand {
	return constOp(Const{Kind: ConstStr, Ty: ty, Str: s})
}

// CBytes is a byte-array literal; ty should be &[u8; N] or &[u8].
func CBytes(ty layout.TypeID, b []byte) Operand {
	return constOp(Const{Kind: ConstBytes, Ty: ty, Bytes: b})
}

// CFn names a function; ty should be the matching fn pointer type.
func CFn(ty layout.TypeID, symbol string) Operand {
	return constOp(Const{Kind: ConstFn, Ty: ty, Str: symbol})
}

// CUnit is the unit (or any zero-sized) constant.
func CUnit(ty layout.TypeID) Operand {
	return constOp(Const{Kind: ConstZST, Ty: ty})
}

// --- rvalues ---

func Use(op Operand) *Rvalue {
	return &Rvalue{Kind: RvUse, A: &op}
}

func Bin(op BinOp, a, b Operand) *Rvalue {
	return &Rvalue{Kind: RvBinaryOp, Op: op, A: &a, B: &b}
}

// CheckedBin computes (result, overflowed) as a pair.
func CheckedBin(op BinOp, a, b Operand) *Rvalue {
	return &Rvalue{Kind: RvCheckedBinaryOp, Op: op, A: &a, B: &b}
}

func Un(op UnOp, a Operand) *Rvalue {
	return &Rvalue{Kind: RvUnaryOp, UnOp: op, A: &a}
}

// Ref takes the address of a place; ty is the resulting reference or
// raw pointer type.
func Ref(p Place, mutable bool, ty layout.TypeID) *Rvalue {
	pc := p
	return &Rvalue{Kind: RvRef, Place: &pc, Mutable: mutable, Ty: ty}
}

func LenOf(p Place) *Rvalue {
	pc := p
	return &Rvalue{Kind: RvLen, Place: &pc}
}

func Cast(kind CastKind, src Operand, ty layout.TypeID) *Rvalue {
	return &Rvalue{Kind: RvCast, CastKind: kind, A: &src, Ty: ty}
}

// Aggregate builds a tuple, struct, or array value of type ty.
func Aggregate(ty layout.TypeID, ops ...Operand) *Rvalue {
	return &Rvalue{Kind: RvAggregate, Ty: ty, Ops: ops}
}

// EnumAggregate builds an enum value in the given variant.
func EnumAggregate(ty layout.TypeID, variant uint32, ops ...Operand) *Rvalue {
	return &Rvalue{Kind: RvAggregate, Ty: ty, Variant: variant, Ops: ops}
}

// Repeat builds an array of count copies of elem; ty is the array type.
func Repeat(elem Operand, ty layout.TypeID, count uint64) *Rvalue {
	return &Rvalue{Kind: RvRepeat, A: &elem, Ty: ty, Count: count}
}

func DiscrOf(p Place) *Rvalue {
	pc := p
	return &Rvalue{Kind: RvDiscriminant, Place: &pc}
}

// Nullary computes a layout query (size-of, align-of) as a usize.
func Nullary(op NullOp, ty layout.TypeID) *Rvalue {
	return &Rvalue{Kind: RvNullary, NullOp: op, Ty: ty}
}
