package interp

// ---------------------------------------------------------------------------
// Interning
// ---------------------------------------------------------------------------

// Intern freezes every allocation reachable from the result into
// immutable global memory and reports heap allocations evaluation left
// behind. Runs once when an evaluation terminates; afterwards the
// result's memory may be shared freely.
func (c *EvalContext) Intern(v Value) error {
	seen := make(map[AllocID]bool)
	var work []AllocID
	for _, id := range valueRoots(v) {
		if !seen[id] {
			seen[id] = true
			work = append(work, id)
		}
	}

	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if c.mem.IsFn(id) {
			continue
		}

		info, err := c.mem.Info(id)
		if err != nil {
			return err
		}
		if !info.Live {
			return fault(FaultDangling, "constant refers to deallocated allocation a%d", id)
		}
		kind := AllocGlobal
		if info.Kind == AllocVTable {
			kind = AllocVTable
		}
		if err := c.mem.Freeze(id, kind); err != nil {
			return err
		}
		targets, err := c.mem.RelocationTargets(id)
		if err != nil {
			return err
		}
		for _, tgt := range targets {
			if !seen[tgt] {
				seen[tgt] = true
				work = append(work, tgt)
			}
		}
	}

	// Anything heap-allocated and unreachable should have been freed
	// before evaluation finished.
	for _, id := range c.mem.LiveIDs() {
		if seen[id] {
			continue
		}
		info, err := c.mem.Info(id)
		if err != nil {
			return err
		}
		if info.Kind == AllocHeap {
			return fault(FaultLeak, "allocation a%d (%d bytes) leaked from evaluation", id, info.Size)
		}
	}
	return nil
}

// valueRoots lists the allocations a value directly references.
func valueRoots(v Value) []AllocID {
	var roots []AllocID
	add := func(p Pointer) {
		if p.Alloc != 0 {
			roots = append(roots, p.Alloc)
		}
	}
	switch v.Kind() {
	case ByRef:
		add(v.Ref())
	case ByVal:
		if v.Scalar().Kind().IsPointer() {
			add(v.Scalar().Ptr())
		}
	case ByValPair:
		a, b := v.Pair()
		if a.Kind().IsPointer() {
			add(a.Ptr())
		}
		if b.Kind().IsPointer() {
			add(b.Ptr())
		}
	}
	return roots
}
