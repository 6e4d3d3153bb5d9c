package interp

import (
	"context"

	"github.com/tliron/commonlog"

	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/mir"
	"github.com/chazu/ferrite/target"
)

var log = commonlog.GetLogger("ferrite.interp")

// ---------------------------------------------------------------------------
// Modes, states, options
// ---------------------------------------------------------------------------

// Mode selects what the machine is being used for. Both modes evaluate
// identically; they differ in what happens to the result.
type Mode uint8

const (
	// ModeConstEval computes a constant: the result is interned,
	// validity-checked, and leak-checked.
	ModeConstEval Mode = iota + 1
	// ModeCheck executes for fault detection only; the result is
	// rendered but not interned.
	ModeCheck
)

// State is the machine's externally visible state. FrameEntry and
// FrameExit are transient: the step after a push or pop reports them,
// then stepping resumes.
type State uint8

const (
	StateStepping State = iota + 1
	StateFrameEntry
	StateFrameExit
	StateFaulted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStepping:
		return "stepping"
	case StateFrameEntry:
		return "frame-entry"
	case StateFrameExit:
		return "frame-exit"
	case StateFaulted:
		return "faulted"
	case StateTerminated:
		return "terminated"
	}
	return "invalid"
}

const defaultMaxFrames = 512

// Options configure one evaluation context.
type Options struct {
	Fuel      uint64 // maximum steps, 0 for unlimited
	MaxFrames int
	Mode      Mode
	Log       commonlog.Logger
}

type Option func(*Options)

// WithFuel caps the number of steps before evaluation stops.
func WithFuel(n uint64) Option { return func(o *Options) { o.Fuel = n } }

// WithMaxFrames caps call depth.
func WithMaxFrames(n int) Option { return func(o *Options) { o.MaxFrames = n } }

// WithMode selects const-eval or check mode.
func WithMode(m Mode) Option { return func(o *Options) { o.Mode = m } }

// WithLogger routes machine tracing somewhere other than the package
// logger.
func WithLogger(l commonlog.Logger) Option { return func(o *Options) { o.Log = l } }

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

// EvalContext is one machine instance: a program, a memory arena, a
// layout engine, and a call stack. It is single-threaded; drive it
// from one goroutine only.
type EvalContext struct {
	prog    *mir.Program
	mem     *Memory
	layouts *layout.Engine

	stack []*Frame
	state State
	mode  Mode

	steps     uint64
	fuelLimit uint64
	maxFrames int
	log       commonlog.Logger

	// pendingFault travels down cleanup blocks until a Resume ends the
	// unwind; faulted is the error evaluation finally stopped with.
	pendingFault *EvalError
	faulted      *EvalError

	// retValue/retTy hold the entry frame's result after termination.
	retValue Value
	retTy    layout.TypeID

	literals map[string]Pointer
	vtables  map[vtableKey]Pointer
	zstPtr   Pointer
	hasZST   bool
}

// NewContext builds a machine over a finalized program for one target.
func NewContext(prog *mir.Program, spec target.Spec, opts ...Option) (*EvalContext, error) {
	if prog == nil || prog.Table() == nil {
		return nil, invariant("program is not finalized")
	}
	if err := spec.Validate(); err != nil {
		return nil, invariant("target: %v", err)
	}

	o := Options{MaxFrames: defaultMaxFrames, Mode: ModeConstEval, Log: log}
	for _, fn := range opts {
		fn(&o)
	}
	if o.MaxFrames <= 0 {
		o.MaxFrames = defaultMaxFrames
	}

	return &EvalContext{
		prog:      prog,
		mem:       NewMemory(spec),
		layouts:   layout.NewEngine(prog.Table(), spec),
		state:     StateStepping,
		mode:      o.Mode,
		fuelLimit: o.Fuel,
		maxFrames: o.MaxFrames,
		log:       o.Log,
		literals:  make(map[string]Pointer),
		vtables:   make(map[vtableKey]Pointer),
	}, nil
}

// Memory exposes the arena, mainly to drivers and tests.
func (c *EvalContext) Memory() *Memory { return c.mem }

// Layouts exposes the layout engine.
func (c *EvalContext) Layouts() *layout.Engine { return c.layouts }

// State reports the machine state.
func (c *EvalContext) State() State { return c.state }

// Steps reports how many steps have executed.
func (c *EvalContext) Steps() uint64 { return c.steps }

// Depth reports the current call depth.
func (c *EvalContext) Depth() int { return len(c.stack) }

// Fault returns the error evaluation stopped with, if any.
func (c *EvalContext) Fault() *EvalError { return c.faulted }

// Result returns the entry frame's value after normal termination.
func (c *EvalContext) Result() (Value, layout.TypeID) { return c.retValue, c.retTy }

func (c *EvalContext) frame() *Frame { return c.stack[len(c.stack)-1] }

// loc names the current execution point for diagnostics.
func (c *EvalContext) loc() mir.Location {
	if len(c.stack) == 0 {
		return mir.Location{}
	}
	fr := c.frame()
	l := fr.location()
	if fr.block < len(fr.body.Blocks) && fr.stmt >= len(fr.body.Blocks[fr.block].Stmts) {
		l.Stmt = -1
	}
	return l
}

// backtrace snapshots the stack, innermost frame first.
func (c *EvalContext) backtrace() []mir.Location {
	bt := make([]mir.Location, 0, len(c.stack))
	for i := len(c.stack) - 1; i >= 0; i-- {
		bt = append(bt, c.stack[i].location())
	}
	return bt
}

func (c *EvalContext) layoutOf(id layout.TypeID) (*layout.Layout, error) {
	l, err := c.layouts.Of(id)
	if err != nil {
		return nil, invariant("%v", err)
	}
	return l, nil
}

// typeKey renders a type for messages.
func (c *EvalContext) typeKey(id layout.TypeID) string {
	return c.prog.Table().Key(id)
}

func (c *EvalContext) maxObjectSize() uint64 {
	return c.mem.Target().UsizeMax() >> 1
}

// zstValue returns the canonical zero-sized value: a reference to a
// shared empty allocation.
func (c *EvalContext) zstValue() (Value, error) {
	if !c.hasZST {
		p, err := c.mem.Allocate(0, 1, AllocGlobal)
		if err != nil {
			return Value{}, err
		}
		if err := c.mem.Freeze(p.Alloc, AllocGlobal); err != nil {
			return Value{}, err
		}
		c.zstPtr = p
		c.hasZST = true
	}
	return RefValue(c.zstPtr), nil
}

// ---------------------------------------------------------------------------
// Frame stack
// ---------------------------------------------------------------------------

// Start pushes the entry frame for a named body, which must take no
// arguments. A context runs one entry; starting a machine that already
// ran is an invariant violation.
func (c *EvalContext) Start(entry string) error {
	if len(c.stack) != 0 || c.state != StateStepping {
		return invariant("starting a machine that is %s", c.state)
	}
	body, ok := c.prog.Body(entry)
	if !ok {
		return fault(FaultUnknownSymbol, "no body named %q", entry)
	}
	if body.Params != 0 {
		return fault(FaultSignatureMismatch, "entry %q takes %d parameters", entry, body.Params)
	}
	return c.pushFrame(body, nil, nil, mir.NoBlock, mir.NoBlock)
}

// pushFrame enters a call: binds arguments, records the return
// destination and edges, and makes the callee current.
func (c *EvalContext) pushFrame(body *mir.Body, args []Value, retDest *place, retBlock, unwindBlock int32) error {
	if len(c.stack) >= c.maxFrames {
		return fault(FaultStackOverflow, "call depth exceeds %d frames", c.maxFrames)
	}
	if int(body.Params) != len(args) {
		return fault(FaultSignatureMismatch, "%s takes %d arguments, got %d", body.Name, body.Params, len(args))
	}

	fr := newFrame(body)
	for i, a := range args {
		bound := a
		var spill AllocID
		// Arguments are passed by value. A by-reference argument still
		// points at the caller's storage, so give the callee its own
		// copy; otherwise writes to the parameter would alias the
		// caller's place.
		if a.Kind() == ByRef {
			ty := body.Locals[i+1].Ty
			l, err := c.layoutOf(ty)
			if err != nil {
				return err
			}
			if !l.IsZST() {
				ptr, err := c.mem.Allocate(l.Size, l.Align, AllocStack)
				if err != nil {
					return err
				}
				if err := c.writeValueToMem(a, ptr, ty); err != nil {
					return err
				}
				bound = RefValue(ptr)
				spill = ptr.Alloc
			}
		}
		fr.locals[i+1] = localSlot{state: localLive, val: bound, alloc: spill}
	}
	if retDest != nil {
		fr.retDest = *retDest
		fr.hasRetDest = true
	}
	fr.retBlock = retBlock
	fr.unwindBlock = unwindBlock

	c.stack = append(c.stack, fr)
	c.state = StateFrameEntry
	c.log.Debugf("enter %s (depth %d)", body.Name, len(c.stack))
	return nil
}

// popFrame releases the top frame's storage and removes it.
func (c *EvalContext) popFrame() error {
	fr := c.frame()
	c.stack = c.stack[:len(c.stack)-1]
	c.log.Debugf("leave %s (depth %d)", fr.body.Name, len(c.stack))
	return fr.release(c.mem)
}

// abort stops evaluation with err, releasing every live frame so no
// allocation outlives its cleanup obligation.
func (c *EvalContext) abort(err *EvalError) {
	if c.faulted == nil {
		c.faulted = err
	}
	for len(c.stack) > 0 {
		if rerr := c.popFrame(); rerr != nil {
			c.log.Errorf("releasing frame during abort: %v", rerr)
		}
	}
	c.state = StateFaulted
	c.log.Debugf("aborted: %v", err)
}

// startUnwind begins panic-style unwinding with a pending fault: enter
// the cleanup block if the site has one, otherwise stop with the fault.
func (c *EvalContext) startUnwind(e *EvalError, unwind int32) error {
	if unwind == mir.NoBlock {
		return e
	}
	if e.Loc.Fn == "" {
		e.Loc = c.loc()
	}
	c.pendingFault = e
	fr := c.frame()
	fr.block = int(unwind)
	fr.stmt = 0
	return nil
}

// resume continues unwinding from a cleanup block's end: pop frames
// until one call site has a cleanup edge, or surface the pending fault.
func (c *EvalContext) resume() error {
	if c.pendingFault == nil {
		return invariant("resume outside of unwinding")
	}
	for {
		fr := c.frame()
		if err := c.popFrame(); err != nil {
			return err
		}
		if len(c.stack) == 0 {
			e := c.pendingFault
			c.pendingFault = nil
			return e
		}
		if fr.unwindBlock != mir.NoBlock {
			caller := c.frame()
			caller.block = int(fr.unwindBlock)
			caller.stmt = 0
			c.state = StateFrameExit
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// Stepping
// ---------------------------------------------------------------------------

// Step executes exactly one statement or terminator. It returns the
// machine state afterwards; the error is the fault that stopped the
// machine, also retrievable via Fault.
func (c *EvalContext) Step() (st State, err error) {
	switch c.state {
	case StateFaulted:
		return c.state, c.faulted
	case StateTerminated:
		return c.state, nil
	case StateFrameEntry, StateFrameExit:
		c.state = StateStepping
	}
	if len(c.stack) == 0 {
		return c.state, invariant("stepping with no frames; call Start first")
	}

	// A panic below is a machine defect; convert it to an invariant
	// error so the host process survives.
	defer func() {
		if r := recover(); r != nil {
			e := invariant("panic during step: %v", r)
			e.Loc = c.loc()
			e.Backtrace = c.backtrace()
			c.abort(e)
			st, err = c.state, e
		}
	}()

	if c.fuelLimit > 0 && c.steps >= c.fuelLimit {
		e := stop("step budget of %d exhausted", c.fuelLimit)
		e.Loc = c.loc()
		c.abort(e)
		return c.state, e
	}
	c.steps++

	fr := c.frame()
	if fr.block < 0 || fr.block >= len(fr.body.Blocks) {
		e := invariant("block bb%d out of range in %s", fr.block, fr.body.Name)
		c.abort(e)
		return c.state, e
	}
	blk := &fr.body.Blocks[fr.block]

	var serr error
	if fr.stmt < len(blk.Stmts) {
		serr = c.execStatement(&blk.Stmts[fr.stmt])
		if serr == nil {
			fr.stmt++
		}
	} else {
		serr = c.execTerminator(&blk.Term)
	}

	if serr != nil {
		e := toEvalError(serr)
		if e.Loc.Fn == "" {
			e.Loc = c.loc()
		}
		if e.Backtrace == nil {
			e.Backtrace = c.backtrace()
		}
		c.abort(e)
		return c.state, e
	}
	return c.state, nil
}

// Run steps until termination, a fault, or context cancellation.
// Cancellation is honored at step boundaries only, never mid-operation.
func (c *EvalContext) Run(ctx context.Context) (Value, layout.TypeID, error) {
	for {
		if cerr := ctx.Err(); cerr != nil {
			e := stop("evaluation canceled: %v", cerr)
			e.Loc = c.loc()
			c.abort(e)
			return Value{}, 0, e
		}
		st, err := c.Step()
		if err != nil {
			return Value{}, 0, err
		}
		switch st {
		case StateTerminated:
			return c.retValue, c.retTy, nil
		case StateFaulted:
			return Value{}, 0, c.faulted
		}
	}
}

// toEvalError coerces any error into the machine's error type; plain
// errors from collaborators count as invariant violations.
func toEvalError(err error) *EvalError {
	if ee, ok := AsEvalError(err); ok {
		return ee
	}
	return invariant("%v", err)
}

// resolveFn turns a symbol into a callable function pointer. Program
// bodies resolve directly; known intrinsic names get a bodyless
// definition dispatched at call time.
func (c *EvalContext) resolveFn(sym string, ty layout.TypeID) (Pointer, error) {
	var declared *layout.FnSig
	if ty != layout.InvalidType {
		if t, err := c.prog.Table().Get(ty); err == nil && t.Kind == layout.KindFnPtr {
			declared = t.Sig
		}
	}

	if body, ok := c.prog.Body(sym); ok {
		sig := body.Sig()
		if declared != nil && !sigEqual(*declared, sig) {
			return Pointer{}, fault(FaultSignatureMismatch,
				"constant for %q declares %s, body has %s",
				sym, c.prog.Table().SigKey(*declared), c.prog.Table().SigKey(sig))
		}
		return c.mem.RegisterFn(sym, body, sig), nil
	}

	if isIntrinsic(sym) {
		var sig layout.FnSig
		if declared != nil {
			sig = *declared
		}
		return c.mem.RegisterFn(sym, nil, sig), nil
	}
	return Pointer{}, fault(FaultUnknownSymbol, "no function or intrinsic named %q", sym)
}

func sigEqual(a, b layout.FnSig) bool {
	if a.Ret != b.Ret || len(a.Params) != len(b.Params) {
		return false
	}
	for i := range a.Params {
		if a.Params[i] != b.Params[i] {
			return false
		}
	}
	return true
}
