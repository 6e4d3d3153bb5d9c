package interp

import (
	"context"
	"testing"

	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/mir"
	"github.com/chazu/ferrite/target"
)

// ---------------------------------------------------------------------------
// Test fixtures
// ---------------------------------------------------------------------------

// animalProgram is the standard dispatch fixture: a Dog struct erased to
// an Animal trait object, with legs() reading the struct's only field.
type animalProgram struct {
	prog      *mir.Program
	animal    layout.TypeID
	dog       layout.TypeID
	refAnimal layout.TypeID
}

func buildAnimalProgram(t *testing.T, withDrop bool) animalProgram {
	t.Helper()
	pb := mir.NewProgram("animals")
	tt := pb.Types()
	u32 := tt.U32()
	animal := tt.Trait("Animal", layout.TraitMethod{Name: "legs", Sig: layout.FnSig{Ret: u32}})
	dog := tt.Struct("Dog", layout.Field{Name: "legs", Ty: u32})
	refDog := tt.Ref(dog, false)
	refAnimal := tt.Ref(animal, false)

	legs := pb.Func("dog_legs", u32, refDog)
	lb := legs.NewBlock()
	lb.Assign(mir.L(mir.RetLocal), mir.Use(mir.Copy(mir.L(legs.Arg(0), mir.Deref(), mir.Field(0)))))
	lb.Return()

	if withDrop {
		abortTy := tt.FnPtr(layout.FnSig{Ret: tt.Unit()})
		drop := pb.Func("dog_drop", tt.Unit(), refDog)
		db := drop.NewBlock()
		db.CallDiverging(mir.CFn(abortTy, "abort"), nil, nil)
		pb.ImplWithDrop("Animal", dog, "dog_drop", "dog_legs")
	} else {
		pb.Impl("Animal", dog, "dog_legs")
	}

	main := pb.Func("main", u32)
	d := main.Local("d", dog)
	r := main.Local("r", refDog)
	obj := main.Local("obj", refAnimal)
	b0 := main.NewBlock()
	b1 := main.NewBlock()
	b0.Assign(mir.L(d), mir.Aggregate(dog, mir.CUint(u32, 4)))
	b0.Assign(mir.L(r), mir.Ref(mir.L(d), false, refDog))
	b0.Assign(mir.L(obj), mir.Cast(mir.CastUnsize, mir.Move(mir.L(r)), refAnimal))
	b0.CallVirtual(0, []mir.Operand{mir.Move(mir.L(obj))}, mir.L(mir.RetLocal), b1, nil)
	b1.Return()
	pb.Entry("main")

	prog, err := pb.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return animalProgram{prog: prog, animal: animal, dog: dog, refAnimal: refAnimal}
}

// ---------------------------------------------------------------------------
// Dynamic dispatch
// ---------------------------------------------------------------------------

func TestVirtualDispatch(t *testing.T) {
	ap := buildAnimalProgram(t, false)
	out, err := ConstEval(context.Background(), ap.prog, "main", target.Default())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if out.Rendered != "4" {
		t.Errorf("legs() = %s, want 4", out.Rendered)
	}
}

func TestVTableShape(t *testing.T) {
	ap := buildAnimalProgram(t, false)
	c, err := NewContext(ap.prog, target.Default())
	if err != nil {
		t.Fatal(err)
	}

	vt, err := c.vtableFor(ap.animal, ap.dog)
	if err != nil {
		t.Fatalf("vtableFor failed: %v", err)
	}

	size, align, err := c.vtableSizeAlign(vt)
	if err != nil {
		t.Fatalf("vtableSizeAlign failed: %v", err)
	}
	if size != 4 || align != 4 {
		t.Errorf("size/align = %d/%d, want 4/4", size, align)
	}

	fp, err := c.vtableMethod(vt, 0)
	if err != nil {
		t.Fatalf("vtableMethod(0) failed: %v", err)
	}
	fn, err := c.Memory().FnByPtr(fp)
	if err != nil {
		t.Fatalf("FnByPtr failed: %v", err)
	}
	if fn.Name != "dog_legs" {
		t.Errorf("method slot 0 = %q, want dog_legs", fn.Name)
	}

	// One method means no slot 1.
	_, err = c.vtableMethod(vt, 1)
	wantFault(t, err, FaultInvalidVTable)

	// A vtable pointer must carry provenance and point at slot 0.
	wantFault(t, c.checkVTable(vt.Add(8)), FaultInvalidVTable)
	wantFault(t, c.checkVTable(NullPtr()), FaultInvalidVTable)

	// Building the same vtable twice returns the cached allocation.
	again, err := c.vtableFor(ap.animal, ap.dog)
	if err != nil {
		t.Fatal(err)
	}
	if again != vt {
		t.Errorf("second vtableFor = %v, want %v", again, vt)
	}
}

func TestVTableDropSlot(t *testing.T) {
	without := buildAnimalProgram(t, false)
	c, err := NewContext(without.prog, target.Default())
	if err != nil {
		t.Fatal(err)
	}
	vt, err := c.vtableFor(without.animal, without.dog)
	if err != nil {
		t.Fatal(err)
	}
	dp, err := c.vtableDrop(vt)
	if err != nil {
		t.Fatal(err)
	}
	if !dp.IsNull() {
		t.Errorf("drop slot = %v, want null", dp)
	}

	with := buildAnimalProgram(t, true)
	c2, err := NewContext(with.prog, target.Default())
	if err != nil {
		t.Fatal(err)
	}
	vt2, err := c2.vtableFor(with.animal, with.dog)
	if err != nil {
		t.Fatal(err)
	}
	dp2, err := c2.vtableDrop(vt2)
	if err != nil {
		t.Fatal(err)
	}
	if dp2.IsNull() {
		t.Error("drop slot is null despite a destructor impl")
	}
	fn, err := c2.Memory().FnByPtr(dp2)
	if err != nil {
		t.Fatal(err)
	}
	if fn.Name != "dog_drop" {
		t.Errorf("drop slot = %q, want dog_drop", fn.Name)
	}
}

func TestVirtualCallSignatureMismatch(t *testing.T) {
	// The trait declares legs as (u32, u32) -> u32 but the impl body
	// only takes the receiver. Erasure must fault rather than let a
	// virtual call reach the wrongly-typed body.
	pb := mir.NewProgram("bad-sig")
	tt := pb.Types()
	u32 := tt.U32()
	animal := tt.Trait("Animal", layout.TraitMethod{
		Name: "legs",
		Sig:  layout.FnSig{Params: []layout.TypeID{u32, u32}, Ret: u32},
	})
	dog := tt.Struct("Dog", layout.Field{Name: "legs", Ty: u32})
	refDog := tt.Ref(dog, false)
	refAnimal := tt.Ref(animal, false)

	legs := pb.Func("dog_legs", u32, refDog)
	lb := legs.NewBlock()
	lb.Assign(mir.L(mir.RetLocal), mir.Use(mir.Copy(mir.L(legs.Arg(0), mir.Deref(), mir.Field(0)))))
	lb.Return()
	pb.Impl("Animal", dog, "dog_legs")

	main := pb.Func("main", u32)
	d := main.Local("d", dog)
	r := main.Local("r", refDog)
	obj := main.Local("obj", refAnimal)
	b0 := main.NewBlock()
	b1 := main.NewBlock()
	b0.Assign(mir.L(d), mir.Aggregate(dog, mir.CUint(u32, 4)))
	b0.Assign(mir.L(r), mir.Ref(mir.L(d), false, refDog))
	b0.Assign(mir.L(obj), mir.Cast(mir.CastUnsize, mir.Move(mir.L(r)), refAnimal))
	b0.CallVirtual(0, []mir.Operand{mir.Move(mir.L(obj))}, mir.L(mir.RetLocal), b1, nil)
	b1.Return()
	pb.Entry("main")

	prog, err := pb.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	_, err = ConstEval(context.Background(), prog, "main", target.Default())
	wantFault(t, err, FaultSignatureMismatch)
}

func TestImplSigMatchesTraitDecl(t *testing.T) {
	u32, usize := layout.TypeID(1), layout.TypeID(2)
	tests := []struct {
		name string
		decl layout.FnSig
		impl layout.FnSig
		want bool
	}{
		{"receiver only", layout.FnSig{Ret: u32},
			layout.FnSig{Params: []layout.TypeID{usize}, Ret: u32}, true},
		{"extra declared param", layout.FnSig{Params: []layout.TypeID{u32}, Ret: u32},
			layout.FnSig{Params: []layout.TypeID{usize, u32}, Ret: u32}, true},
		{"missing receiver", layout.FnSig{Ret: u32},
			layout.FnSig{Ret: u32}, false},
		{"wrong return", layout.FnSig{Ret: u32},
			layout.FnSig{Params: []layout.TypeID{usize}, Ret: usize}, false},
		{"wrong param type", layout.FnSig{Params: []layout.TypeID{u32}, Ret: u32},
			layout.FnSig{Params: []layout.TypeID{usize, usize}, Ret: u32}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := implementsTraitSig(tc.decl, tc.impl); got != tc.want {
				t.Errorf("implementsTraitSig = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestUnsizeWithoutImplFaults(t *testing.T) {
	pb := mir.NewProgram("no-impl")
	tt := pb.Types()
	u32 := tt.U32()
	animal := tt.Trait("Animal", layout.TraitMethod{Name: "legs", Sig: layout.FnSig{Ret: u32}})
	cat := tt.Struct("Cat", layout.Field{Name: "legs", Ty: u32})
	refCat := tt.Ref(cat, false)
	refAnimal := tt.Ref(animal, false)

	f := pb.Func("main", u32)
	d := f.Local("d", cat)
	r := f.Local("r", refCat)
	obj := f.Local("obj", refAnimal)
	b0 := f.NewBlock()
	b0.Assign(mir.L(d), mir.Aggregate(cat, mir.CUint(u32, 4)))
	b0.Assign(mir.L(r), mir.Ref(mir.L(d), false, refCat))
	b0.Assign(mir.L(obj), mir.Cast(mir.CastUnsize, mir.Move(mir.L(r)), refAnimal))
	b0.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 0)))
	b0.Return()
	pb.Entry("main")

	prog, err := pb.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	_, err = ConstEval(context.Background(), prog, "main", target.Default())
	wantFault(t, err, FaultNoImpl)
}

// ---------------------------------------------------------------------------
// Drop
// ---------------------------------------------------------------------------

func TestDropThroughVTable(t *testing.T) {
	pb := mir.NewProgram("dyn-drop")
	tt := pb.Types()
	u32 := tt.U32()
	animal := tt.Trait("Animal", layout.TraitMethod{Name: "legs", Sig: layout.FnSig{Ret: u32}})
	dog := tt.Struct("Dog", layout.Field{Name: "legs", Ty: u32})
	refDog := tt.Ref(dog, false)
	refAnimal := tt.Ref(animal, false)
	abortTy := tt.FnPtr(layout.FnSig{Ret: tt.Unit()})

	legs := pb.Func("dog_legs", u32, refDog)
	lb := legs.NewBlock()
	lb.Assign(mir.L(mir.RetLocal), mir.Use(mir.Copy(mir.L(legs.Arg(0), mir.Deref(), mir.Field(0)))))
	lb.Return()

	// The destructor aborts so the test can observe it ran.
	drop := pb.Func("dog_drop", tt.Unit(), refDog)
	db := drop.NewBlock()
	db.CallDiverging(mir.CFn(abortTy, "abort"), nil, nil)
	pb.ImplWithDrop("Animal", dog, "dog_drop", "dog_legs")

	main := pb.Func("main", u32)
	d := main.Local("d", dog)
	r := main.Local("r", refDog)
	obj := main.Local("obj", refAnimal)
	b0 := main.NewBlock()
	b1 := main.NewBlock()
	b0.Assign(mir.L(d), mir.Aggregate(dog, mir.CUint(u32, 4)))
	b0.Assign(mir.L(r), mir.Ref(mir.L(d), false, refDog))
	b0.Assign(mir.L(obj), mir.Cast(mir.CastUnsize, mir.Move(mir.L(r)), refAnimal))
	b0.Drop(mir.L(obj, mir.Deref()), b1, nil)
	b1.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 0)))
	b1.Return()
	pb.Entry("main")

	prog, err := pb.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	_, err = ConstEval(context.Background(), prog, "main", target.Default())
	wantFault(t, err, FaultAbort)
}

func TestDropWithoutDestructorContinues(t *testing.T) {
	pb := mir.NewProgram("plain-drop")
	tt := pb.Types()
	u32 := tt.U32()
	dog := tt.Struct("Dog", layout.Field{Name: "legs", Ty: u32})

	f := pb.Func("main", u32)
	d := f.Local("d", dog)
	b0 := f.NewBlock()
	b1 := f.NewBlock()
	b0.Assign(mir.L(d), mir.Aggregate(dog, mir.CUint(u32, 4)))
	b0.Drop(mir.L(d), b1, nil)
	b1.Assign(mir.L(mir.RetLocal), mir.Use(mir.CUint(u32, 2)))
	b1.Return()
	pb.Entry("main")

	prog, err := pb.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	out, err := ConstEval(context.Background(), prog, "main", target.Default())
	if err != nil {
		t.Fatalf("drop without destructor failed: %v", err)
	}
	if out.Rendered != "2" {
		t.Errorf("Rendered = %s, want 2", out.Rendered)
	}
}

// ---------------------------------------------------------------------------
// Trait objects and size queries
// ---------------------------------------------------------------------------

func TestSizeOfValOnTraitObject(t *testing.T) {
	pb := mir.NewProgram("size-of-val")
	tt := pb.Types()
	u32, usize := tt.U32(), tt.Usize()
	animal := tt.Trait("Animal", layout.TraitMethod{Name: "legs", Sig: layout.FnSig{Ret: u32}})
	dog := tt.Struct("Dog", layout.Field{Name: "legs", Ty: u32})
	refDog := tt.Ref(dog, false)
	refAnimal := tt.Ref(animal, false)
	sovTy := tt.FnPtr(layout.FnSig{Params: []layout.TypeID{refAnimal}, Ret: usize})

	legs := pb.Func("dog_legs", u32, refDog)
	lb := legs.NewBlock()
	lb.Assign(mir.L(mir.RetLocal), mir.Use(mir.Copy(mir.L(legs.Arg(0), mir.Deref(), mir.Field(0)))))
	lb.Return()
	pb.Impl("Animal", dog, "dog_legs")

	main := pb.Func("main", usize)
	d := main.Local("d", dog)
	r := main.Local("r", refDog)
	obj := main.Local("obj", refAnimal)
	b0 := main.NewBlock()
	b1 := main.NewBlock()
	b0.Assign(mir.L(d), mir.Aggregate(dog, mir.CUint(u32, 4)))
	b0.Assign(mir.L(r), mir.Ref(mir.L(d), false, refDog))
	b0.Assign(mir.L(obj), mir.Cast(mir.CastUnsize, mir.Move(mir.L(r)), refAnimal))
	b0.Call(mir.CFn(sovTy, "size_of_val"),
		[]mir.Operand{mir.Move(mir.L(obj))}, mir.L(mir.RetLocal), b1, nil)
	b1.Return()
	pb.Entry("main")

	prog, err := pb.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	out, err := ConstEval(context.Background(), prog, "main", target.Default())
	if err != nil {
		t.Fatalf("size_of_val failed: %v", err)
	}
	// The size comes from the vtable, not the static type.
	if out.Rendered != "4" {
		t.Errorf("size_of_val = %s, want 4", out.Rendered)
	}
}
