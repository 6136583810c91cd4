package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Cycle collection
// ---------------------------------------------------------------------------

func TestCollectFreshVMFreesNothing(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Everything the bootstrap allocated is reachable from the builtin
	// registry and the well-known class roots.
	if freed := vm.Collect(); freed != 0 {
		t.Errorf("Collect() on a fresh VM freed %d objects, want 0", freed)
	}
}

func TestCollectSelfCycle(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	l := vm.NewList(nil)
	vm.listAppend(vm.heap.list(l), l)
	vm.Release(l)
	// The list now holds the only reference to itself.

	if vm.heap.get(l) == nil {
		t.Fatal("refcounting alone freed a cyclic list")
	}
	if freed := vm.Collect(); freed != 1 {
		t.Errorf("Collect() freed %d objects, want 1", freed)
	}
	if vm.heap.get(l) != nil {
		t.Error("cyclic list still live after collection")
	}
}

func TestCollectTwoNodeCycle(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	a := vm.NewList(nil)
	b := vm.NewList(nil)
	vm.listAppend(vm.heap.list(a), b)
	vm.listAppend(vm.heap.list(b), a)
	vm.Release(a)
	vm.Release(b)

	if freed := vm.Collect(); freed != 2 {
		t.Errorf("Collect() freed %d objects, want 2", freed)
	}
}

func TestCollectKeepsRootedCycle(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	a := vm.NewList(nil)
	b := vm.NewList(nil)
	vm.listAppend(vm.heap.list(a), b)
	vm.listAppend(vm.heap.list(b), a)
	vm.Release(b)
	// a still has an external reference; the whole cycle hangs off it.

	if freed := vm.Collect(); freed != 0 {
		t.Errorf("Collect() freed %d objects from a rooted cycle, want 0", freed)
	}
	if vm.heap.get(a) == nil || vm.heap.get(b) == nil {
		t.Fatal("rooted cycle was collected")
	}

	vm.Release(a)
	if freed := vm.Collect(); freed != 2 {
		t.Errorf("Collect() after unrooting freed %d objects, want 2", freed)
	}
}

func TestCollectKeepsAcyclicReachable(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	inner := vm.NewString("payload")
	l := vm.NewList([]Value{inner})

	if freed := vm.Collect(); freed != 0 {
		t.Errorf("Collect() freed %d reachable objects, want 0", freed)
	}
	if vm.heap.get(inner) == nil {
		t.Error("list element collected while its container is rooted")
	}
	vm.Release(l)
}

func TestCollectCycleThroughDict(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	d := vm.NewDict()
	l := vm.NewList(nil)
	key := vm.NewString("self")
	if err := vm.dictSet(vm.heap.dict(d), key, l); err != nil {
		t.Fatalf("dictSet: %v", err)
	}
	vm.Release(key)
	vm.listAppend(vm.heap.list(l), d)
	vm.Release(l)
	vm.Release(d)

	// dict -> key string, dict -> list -> dict: three dead objects.
	if freed := vm.Collect(); freed != 3 {
		t.Errorf("Collect() freed %d objects, want 3", freed)
	}
}

func TestCollectClosureCycle(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// def fn(): return f    (f captured from the module body)
	// f = fn
	fn := NewCodeBuilder("fn")
	free := fn.AddFreeVar("f")
	fn.EmitU16(OpLoadCell, uint16(free))
	fn.Emit(OpReturn)

	b := NewCodeBuilder("main")
	cell := b.AddCellVar("f")
	ci := b.AddChild(fn.Build())
	b.EmitU16(OpLoadCellRef, uint16(cell))
	b.EmitMakeFunction(ci, 0)
	b.EmitU16(OpStoreCell, uint16(cell))
	b.Emit(OpReturnNone)

	res, err := vm.Run(b.Build())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	vm.Release(res)

	// function <-> cell, plus the module namespace only the function
	// still references: three dead objects.
	if freed := vm.Collect(); freed != 3 {
		t.Errorf("Collect() freed %d objects, want 3", freed)
	}
}

// ---------------------------------------------------------------------------
// Stats, enable/disable, safepoints
// ---------------------------------------------------------------------------

func TestGCStatsAccumulate(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	l := vm.NewList(nil)
	vm.listAppend(vm.heap.list(l), l)
	vm.Release(l)
	vm.Collect()
	vm.Collect()

	s := vm.GCStats()
	if s.Collections != 2 {
		t.Errorf("Collections = %d, want 2", s.Collections)
	}
	if s.Freed != 1 {
		t.Errorf("Freed = %d, want 1", s.Freed)
	}
	if s.LastFreed != 0 {
		t.Errorf("LastFreed = %d, want 0 for the empty second pass", s.LastFreed)
	}
}

func TestDisableGCSkipsSafepointCollection(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	l := vm.NewList(nil)
	vm.listAppend(vm.heap.list(l), l)
	vm.Release(l)

	vm.DisableGC()
	vm.heap.gcPending = true
	vm.collectAtSafepoint()
	if vm.heap.gcPending {
		t.Error("safepoint did not clear the pending flag")
	}
	if vm.heap.get(l) == nil {
		t.Fatal("disabled collector still freed the cycle")
	}

	vm.EnableGC()
	vm.heap.gcPending = true
	vm.collectAtSafepoint()
	if vm.heap.get(l) != nil {
		t.Error("re-enabled collector left the cycle live")
	}
}

func TestSafepointCollectionDuringRun(t *testing.T) {
	vm := NewVM()
	defer vm.Close()
	vm.SetGCThreshold(4)

	// Program: build and discard a handful of lists
	b := NewCodeBuilder("churn")
	for i := 0; i < 10; i++ {
		b.EmitU16(OpMakeList, 0)
		b.Emit(OpPop)
	}
	b.Emit(OpReturnNone)

	res, err := vm.Run(b.Build())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	vm.Release(res)

	if vm.GCStats().Collections == 0 {
		t.Error("no safepoint collection ran despite crossing the threshold")
	}
	if vm.heap.gcPending {
		t.Error("gcPending still set after the run")
	}
}
