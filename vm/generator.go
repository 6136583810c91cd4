package vm

// GenState tracks a generator through its lifecycle.
type GenState uint8

const (
	// GenCreated: never resumed; the frame is parked at offset zero.
	GenCreated GenState = iota
	// GenSuspended: parked at a yield, resumable.
	GenSuspended
	// GenRunning: currently executing; re-entry is rejected.
	GenRunning
	// GenDone: returned or unwound; every further advance reports
	// exhaustion.
	GenDone
)

// GeneratorObject owns a parked frame between resumptions. The frame keeps
// its operand stack, locals, instruction pointer and handler stack, so
// protected regions are re-established exactly as they were when the
// yield suspended it.
type GeneratorObject struct {
	Name  string
	Frame *Frame
	State GenState
}

// newGenerator parks a fresh frame. The frame's references transfer to
// the generator.
func (vm *VM) newGenerator(name string, f *Frame) Value {
	f.state = frameSuspended
	return vm.heap.alloc(KindGenerator, &GeneratorObject{
		Name:  name,
		Frame: f,
		State: GenCreated,
	})
}

// finishGenerator releases the parked frame and marks the generator
// exhausted.
func (vm *VM) finishGenerator(g *GeneratorObject) {
	g.State = GenDone
	if g.Frame != nil {
		vm.releaseFrame(g.Frame)
		g.Frame = nil
	}
}

// GeneratorAdvance resumes a generator with None, as iteration does. The
// yielded value is owned by the caller; done reports exhaustion.
func (vm *VM) GeneratorAdvance(gen Value) (Value, bool, error) {
	return vm.GeneratorSend(gen, None)
}

// GeneratorSend resumes a generator, delivering v as the value of the
// suspended yield expression. A generator that has not started yet only
// accepts None.
func (vm *VM) GeneratorSend(gen Value, v Value) (Value, bool, error) {
	g := vm.heap.generator(gen)
	if g == nil {
		return None, false, vm.Raisef(vm.TypeMismatchClass, "send target is %s, not a generator", vm.TypeName(gen))
	}
	switch g.State {
	case GenRunning:
		return None, false, vm.Raisef(vm.ValueErrorClass, "generator %s is already running", g.Name)
	case GenDone:
		return None, true, nil
	case GenCreated:
		if !v.IsNone() {
			return None, false, vm.Raisef(vm.TypeMismatchClass, "cannot send a value to a generator before its first yield")
		}
	}
	return vm.resumeGenerator(gen, g, v, nil)
}

// GeneratorThrow raises exc at the generator's suspension point. exc may
// be an exception instance or an exception class, which is instantiated
// with no arguments. If the generator catches it and yields, the yielded
// value comes back; otherwise the exception (or a replacement raised by a
// finally body) propagates to the caller.
func (vm *VM) GeneratorThrow(gen Value, exc Value) (Value, bool, error) {
	g := vm.heap.generator(gen)
	if g == nil {
		return None, false, vm.Raisef(vm.TypeMismatchClass, "throw target is %s, not a generator", vm.TypeName(gen))
	}

	var inject Value
	if k, ok := vm.heap.kindOf(exc); ok && k == KindClass && vm.derivesException(exc) {
		inject = vm.NewException(exc, nil)
	} else if k, ok := vm.heap.kindOf(exc); ok && k == KindException {
		inject = vm.heap.Retain(exc)
	} else {
		return None, false, vm.Raisef(vm.TypeMismatchClass, "throw requires an exception, got %s", vm.TypeName(exc))
	}

	switch g.State {
	case GenRunning:
		vm.heap.Release(inject)
		return None, false, vm.Raisef(vm.ValueErrorClass, "generator %s is already running", g.Name)
	case GenDone:
		// Exhausted generators pass the thrown exception straight through.
		return None, false, vm.asRaised(inject)
	}
	return vm.resumeGenerator(gen, g, None, &Raised{Exc: inject, msg: vm.ExcMessage(inject)})
}

// ---------------------------------------------------------------------------
// Iteration protocol
// ---------------------------------------------------------------------------

// iterState is the per-source cursor behind an IteratorObject.
type iterState interface {
	// next produces the next element (owned) or reports exhaustion.
	next(vm *VM) (Value, bool, error)
	// forEachRef reports the references the cursor holds.
	forEachRef(visit func(Value))
}

// IteratorObject adapts lists, strings, dicts and ranges to the iteration
// protocol the engine and the for-loop opcodes drive.
type IteratorObject struct {
	state iterState
}

type listIterator struct {
	list Value
	idx  int
}

func (it *listIterator) next(vm *VM) (Value, bool, error) {
	items := vm.heap.list(it.list).Items
	if it.idx >= len(items) {
		return None, true, nil
	}
	v := vm.heap.Retain(items[it.idx])
	it.idx++
	return v, false, nil
}

func (it *listIterator) forEachRef(visit func(Value)) { visit(it.list) }

type stringIterator struct {
	str   Value
	runes []rune
	idx   int
}

func (it *stringIterator) next(vm *VM) (Value, bool, error) {
	if it.idx >= len(it.runes) {
		return None, true, nil
	}
	v := vm.NewString(string(it.runes[it.idx]))
	it.idx++
	return v, false, nil
}

func (it *stringIterator) forEachRef(visit func(Value)) { visit(it.str) }

// dictIterator yields keys in insertion order. Mutation during iteration
// follows the entry slice as it stands on each step.
type dictIterator struct {
	dict Value
	idx  int
}

func (it *dictIterator) next(vm *VM) (Value, bool, error) {
	entries := vm.heap.dict(it.dict).entries
	if it.idx >= len(entries) {
		return None, true, nil
	}
	v := vm.heap.Retain(entries[it.idx].Key)
	it.idx++
	return v, false, nil
}

func (it *dictIterator) forEachRef(visit func(Value)) { visit(it.dict) }

type rangeIterator struct {
	rng RangeObject
	idx int64
}

func (it *rangeIterator) next(vm *VM) (Value, bool, error) {
	if it.idx >= it.rng.Len() {
		return None, true, nil
	}
	v := vm.NewInt(it.rng.Start + it.idx*it.rng.Step)
	it.idx++
	return v, false, nil
}

func (it *rangeIterator) forEachRef(visit func(Value)) {}

// getIter returns an iterator over v (owned). Generators iterate
// themselves; instances may provide __iter__.
func (vm *VM) getIter(v Value) (Value, error) {
	k, ok := vm.heap.kindOf(v)
	if !ok {
		return None, vm.Raisef(vm.TypeMismatchClass, "%s is not iterable", vm.TypeName(v))
	}
	switch k {
	case KindIterator, KindGenerator:
		return vm.heap.Retain(v), nil
	case KindList:
		return vm.heap.alloc(KindIterator, &IteratorObject{state: &listIterator{list: vm.heap.Retain(v)}}), nil
	case KindString:
		return vm.heap.alloc(KindIterator, &IteratorObject{state: &stringIterator{
			str:   vm.heap.Retain(v),
			runes: []rune(vm.heap.str(v).S),
		}}), nil
	case KindDict:
		return vm.heap.alloc(KindIterator, &IteratorObject{state: &dictIterator{dict: vm.heap.Retain(v)}}), nil
	case KindRange:
		return vm.heap.alloc(KindIterator, &IteratorObject{state: &rangeIterator{rng: *vm.heap.rangeObj(v)}}), nil
	case KindInstance, KindException:
		res, found, err := vm.callHook(v, "__iter__")
		if err != nil {
			return None, err
		}
		if found {
			return res, nil
		}
		if vm.hasHook(vm.ClassOf(v), "__next__") {
			return vm.heap.Retain(v), nil
		}
	}
	return None, vm.Raisef(vm.TypeMismatchClass, "%s is not iterable", vm.TypeName(v))
}

// iterNext advances an iterator. done reports exhaustion; the element is
// owned by the caller. An instance __next__ signals exhaustion by raising
// StopIteration, which is absorbed here.
func (vm *VM) iterNext(it Value) (Value, bool, error) {
	k, ok := vm.heap.kindOf(it)
	if !ok {
		return None, false, vm.Raisef(vm.TypeMismatchClass, "%s is not an iterator", vm.TypeName(it))
	}
	switch k {
	case KindIterator:
		return vm.heap.iterator(it).state.next(vm)
	case KindGenerator:
		return vm.GeneratorAdvance(it)
	case KindInstance, KindException:
		res, found, err := vm.callHook(it, "__next__")
		if err != nil {
			if vm.raisedMatches(err, vm.StopIterationClass) {
				vm.releaseRaised(err)
				return None, true, nil
			}
			return None, false, err
		}
		if found {
			return res, false, nil
		}
	}
	return None, false, vm.Raisef(vm.TypeMismatchClass, "%s is not an iterator", vm.TypeName(it))
}
