package interp

import (
	"github.com/chazu/ferrite/mir"
)

// ---------------------------------------------------------------------------
// Locals
// ---------------------------------------------------------------------------

// localState tracks a slot through its storage lifetime.
type localState uint8

const (
	localDead   localState = iota // storage not live
	localUninit                   // live, no value written yet
	localLive                     // live, holds a value
)

// localSlot is one local variable: its state, its current value, and
// the stack allocation backing it once it has been forced to memory.
type localSlot struct {
	state localState
	val   Value
	alloc AllocID // 0 while the value is immediate
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// Frame is one call activation: the body being executed, a program
// counter, the local slots, and the return plumbing recorded when the
// call was made. Frames are created on call terminators and on machine
// entry, and popped on return or unwind.
type Frame struct {
	body  *mir.Body
	block int
	stmt  int

	locals []localSlot

	// Where the caller wants the return value, and where it continues.
	// The entry frame has no retDest; its result goes to the driver.
	retDest     place
	hasRetDest  bool
	retBlock    int32
	unwindBlock int32

	// Allocations owned by the frame beyond local spills; freed on pop.
	scratch []AllocID
}

// newFrame builds a frame with every local live and uninitialized;
// storage statements narrow lifetimes from there.
func newFrame(body *mir.Body) *Frame {
	fr := &Frame{body: body, locals: make([]localSlot, len(body.Locals))}
	for i := range fr.locals {
		fr.locals[i].state = localUninit
	}
	return fr
}

// location names the frame's current execution point.
func (f *Frame) location() mir.Location {
	return mir.Location{Fn: f.body.Name, Block: f.block, Stmt: f.stmt}
}

// slot returns the live slot for a local.
func (f *Frame) slot(l mir.Local) (*localSlot, error) {
	if int(l) >= len(f.locals) {
		return nil, invariant("local _%d out of range in %s", l, f.body.Name)
	}
	s := &f.locals[l]
	if s.state == localDead {
		return nil, fault(FaultDeadLocal, "use of dead local _%d in %s", l, f.body.Name)
	}
	return s, nil
}

// readLocal returns the value a local currently holds.
func (f *Frame) readLocal(l mir.Local) (Value, error) {
	s, err := f.slot(l)
	if err != nil {
		return Value{}, err
	}
	if s.state != localLive {
		return Value{}, fault(FaultUninit, "use of uninitialized local _%d in %s", l, f.body.Name)
	}
	return s.val, nil
}

// storageLive (re)opens a local's storage, discarding any previous
// spill. Arguments and the return slot live for the whole call and
// take no storage statements.
func (f *Frame) storageLive(l mir.Local, mem *Memory) error {
	if int(l) >= len(f.locals) {
		return invariant("local _%d out of range in %s", l, f.body.Name)
	}
	if l <= f.body.Params {
		return invariant("storage annotation on argument _%d in %s", l, f.body.Name)
	}
	s := &f.locals[l]
	if s.alloc != 0 {
		if err := mem.Deallocate(Pointer{Alloc: s.alloc}, AllocStack); err != nil {
			return err
		}
	}
	*s = localSlot{state: localUninit}
	return nil
}

// storageDead closes a local's storage and frees its spill.
func (f *Frame) storageDead(l mir.Local, mem *Memory) error {
	if int(l) >= len(f.locals) {
		return invariant("local _%d out of range in %s", l, f.body.Name)
	}
	if l <= f.body.Params {
		return invariant("storage annotation on argument _%d in %s", l, f.body.Name)
	}
	s := &f.locals[l]
	if s.state == localDead {
		return fault(FaultDeadLocal, "storage-dead on dead local _%d in %s", l, f.body.Name)
	}
	if s.alloc != 0 {
		if err := mem.Deallocate(Pointer{Alloc: s.alloc}, AllocStack); err != nil {
			return err
		}
	}
	*s = localSlot{state: localDead}
	return nil
}

// release frees everything the frame still owns: spilled locals and
// scratch allocations. Runs on every pop, normal or unwinding.
func (f *Frame) release(mem *Memory) error {
	for i := range f.locals {
		s := &f.locals[i]
		if s.state != localDead && s.alloc != 0 {
			if err := mem.Deallocate(Pointer{Alloc: s.alloc}, AllocStack); err != nil {
				return err
			}
			s.alloc = 0
		}
		s.state = localDead
	}
	for _, id := range f.scratch {
		if err := mem.Deallocate(Pointer{Alloc: id}, AllocStack); err != nil {
			return err
		}
	}
	f.scratch = nil
	return nil
}
