package vm

// GCStats counts cycle collector activity.
type GCStats struct {
	Collections uint64
	Freed       uint64
	LastFreed   int
	LastLive    int
}

// GCStats returns collector activity counters.
func (vm *VM) GCStats() GCStats {
	return vm.gcStats
}

// collectAtSafepoint runs a collection at an instruction boundary when the
// allocation trigger has fired. Collections never start mid-instruction,
// so every reference the engine holds is either on a frame or counted
// from a host or native stack.
func (vm *VM) collectAtSafepoint() {
	vm.heap.gcPending = false
	if vm.gcDisabled {
		return
	}
	vm.Collect()
}

// Collect reclaims reference cycles. Reference counting alone frees
// acyclic garbage the moment its count hits zero; this pass finds the
// rest: it subtracts every heap-internal edge from each object's count,
// treats anything still positive as externally referenced (a frame slot,
// an operand stack entry, a native temporary or a host handle), marks
// everything reachable from those roots, and sweeps the remainder as one
// unreachable clump. Returns the number of objects freed.
func (vm *VM) Collect() int {
	if vm.collecting {
		return 0
	}
	vm.collecting = true
	h := vm.heap
	defer func() {
		vm.collecting = false
		h.gcPending = false
		h.allocsSinceGC = 0
	}()

	// Every counted reference starts as potentially external.
	for _, obj := range h.objects {
		obj.gcRefs = obj.Refs
		obj.marked = false
	}

	// Subtract the edges heap objects hold on each other. What remains
	// positive is referenced from outside the heap.
	for _, obj := range h.objects {
		forEachChild(obj, func(v Value) {
			if child := h.get(v); child != nil {
				child.gcRefs--
			}
		})
	}

	// Mark everything reachable from the external roots.
	var work []*HeapObject
	for _, obj := range h.objects {
		if obj.gcRefs > 0 {
			obj.marked = true
			work = append(work, obj)
		}
	}
	for len(work) > 0 {
		obj := work[len(work)-1]
		work = work[:len(work)-1]
		forEachChild(obj, func(v Value) {
			if child := h.get(v); child != nil && !child.marked {
				child.marked = true
				work = append(work, child)
			}
		})
	}

	// Sweep. Dying objects first return the references they hold on
	// survivors; edges between dying objects vanish with the clump.
	var dead []uint32
	for id, obj := range h.objects {
		if !obj.marked {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		forEachChild(h.objects[id], func(v Value) {
			if child := h.get(v); child != nil && child.marked {
				child.Refs--
			}
		})
	}
	for _, id := range dead {
		delete(h.objects, id)
		h.stats.TotalFrees++
	}

	vm.gcStats.Collections++
	vm.gcStats.Freed += uint64(len(dead))
	vm.gcStats.LastFreed = len(dead)
	vm.gcStats.LastLive = len(h.objects)
	if len(dead) > 0 {
		vmLog.Debugf("gc: freed %d objects, %d live", len(dead), len(h.objects))
	}
	return len(dead)
}
