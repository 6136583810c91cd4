package vm

// ---------------------------------------------------------------------------
// ClassObject: classes, method resolution order, lookup cache
// ---------------------------------------------------------------------------

// ClassObject is the runtime representation of a class. The MRO is computed
// once at class creation by C3 linearization and never changes; attribute
// lookup is a linear scan over it, not a graph walk.
type ClassObject struct {
	Name  string
	Bases []Value
	MRO   []Value
	Attrs map[string]Value

	// Native is the constructor for built-in classes (int, str, list, ...).
	// Nil for user-defined classes, which construct instances generically.
	Native BuiltinFunc

	// Sealed classes cannot be subclassed. All value-kind built-ins are
	// sealed; object and the exception hierarchy are open.
	Sealed bool

	// cache memoizes MRO lookups per name. Entries are valid only while
	// their epoch matches the VM's class epoch, which bumps on any class
	// attribute mutation anywhere in the hierarchy.
	cache map[string]classCacheEntry
}

type classCacheEntry struct {
	value Value
	found bool
	epoch uint64
}

// NewClass creates a class with the given bases. Empty bases default to the
// root object class. The MRO is linearized eagerly; an inconsistent
// hierarchy fails here with InconsistentMRO, never at lookup time.
func (vm *VM) NewClass(name string, bases []Value) (Value, error) {
	for _, b := range bases {
		cls := vm.heap.class(b)
		if cls == nil {
			return None, vm.Raisef(vm.TypeMismatchClass, "base of %s is not a class", name)
		}
		if cls.Sealed {
			return None, vm.Raisef(vm.TypeMismatchClass, "class %s cannot be subclassed", cls.Name)
		}
	}
	if len(bases) == 0 && vm.ObjectClass != None {
		bases = []Value{vm.ObjectClass}
	}

	obj := &ClassObject{
		Name:  name,
		Attrs: make(map[string]Value),
	}
	v := vm.heap.alloc(KindClass, obj)

	obj.Bases = make([]Value, len(bases))
	for i, b := range bases {
		obj.Bases[i] = vm.heap.Retain(b)
	}

	mro, err := vm.linearize(v, bases)
	if err != nil {
		// The half-built class dies here; releasing it drops the base refs.
		vm.heap.Release(v)
		return None, err
	}
	obj.MRO = mro
	return v, nil
}

// newRootClass builds a class with no bases and an MRO of itself only. Used
// while bootstrapping, before the object class exists.
func (vm *VM) newRootClass(name string) Value {
	obj := &ClassObject{Name: name, Attrs: make(map[string]Value)}
	v := vm.heap.alloc(KindClass, obj)
	obj.MRO = []Value{vm.heap.Retain(v)}
	return v
}

// ---------------------------------------------------------------------------
// C3 linearization
// ---------------------------------------------------------------------------

// linearize computes the C3 method resolution order for a class with the
// given bases: the class itself, then the merge of the base MROs plus the
// base list, preserving every constituent order. A merge with no valid head
// means the hierarchy orders some pair of classes inconsistently.
func (vm *VM) linearize(cls Value, bases []Value) ([]Value, error) {
	seqs := make([][]Value, 0, len(bases)+1)
	for _, b := range bases {
		base := vm.heap.class(b)
		seqs = append(seqs, append([]Value(nil), base.MRO...))
	}
	if len(bases) > 0 {
		seqs = append(seqs, append([]Value(nil), bases...))
	}

	merged := []Value{vm.heap.Retain(cls)}
	for {
		// Drop exhausted sequences.
		live := seqs[:0]
		for _, s := range seqs {
			if len(s) > 0 {
				live = append(live, s)
			}
		}
		seqs = live
		if len(seqs) == 0 {
			return merged, nil
		}

		// A good head appears at the front of some sequence and in the tail
		// of none.
		var head Value
		found := false
		for _, s := range seqs {
			candidate := s[0]
			inTail := false
			for _, t := range seqs {
				for _, v := range t[1:] {
					if v == candidate {
						inTail = true
						break
					}
				}
				if inTail {
					break
				}
			}
			if !inTail {
				head = candidate
				found = true
				break
			}
		}
		if !found {
			for _, v := range merged {
				vm.heap.Release(v)
			}
			name := "?"
			if c := vm.heap.class(cls); c != nil {
				name = c.Name
			}
			return nil, vm.Raisef(vm.InconsistentMROClass,
				"cannot linearize bases of class %s", name)
		}

		merged = append(merged, vm.heap.Retain(head))
		for i, s := range seqs {
			if s[0] == head {
				seqs[i] = s[1:]
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

// lookupMRO finds name along the class's MRO. The result is a borrowed
// reference. Hits and misses are both cached until the next class mutation.
func (vm *VM) lookupMRO(cls Value, name string) (Value, bool) {
	obj := vm.heap.class(cls)
	if obj == nil {
		return None, false
	}
	if e, ok := obj.cache[name]; ok && e.epoch == vm.classEpoch {
		return e.value, e.found
	}

	var value Value = None
	found := false
	for _, c := range obj.MRO {
		if v, ok := vm.heap.class(c).Attrs[name]; ok {
			value, found = v, true
			break
		}
	}

	if obj.cache == nil {
		obj.cache = make(map[string]classCacheEntry)
	}
	obj.cache[name] = classCacheEntry{value: value, found: found, epoch: vm.classEpoch}
	return value, found
}

// lookupMROAfter finds name along cls's MRO starting after the given class.
// Used by super dispatch. Borrowed reference.
func (vm *VM) lookupMROAfter(cls Value, after Value, name string) (Value, bool) {
	obj := vm.heap.class(cls)
	if obj == nil {
		return None, false
	}
	skipping := true
	for _, c := range obj.MRO {
		if skipping {
			if c == after {
				skipping = false
			}
			continue
		}
		if v, ok := vm.heap.class(c).Attrs[name]; ok {
			return v, true
		}
	}
	return None, false
}

// setClassAttr stores an attribute on a class, retaining it and bumping the
// class epoch so stale cache entries die.
func (vm *VM) setClassAttr(cls *ClassObject, name string, v Value) {
	vm.heap.Retain(v)
	if old, ok := cls.Attrs[name]; ok {
		vm.heap.Release(old)
	}
	cls.Attrs[name] = v
	vm.classEpoch++
}

// isSubclass reports whether sub is sup or derives from it.
func (vm *VM) isSubclass(sub, sup Value) bool {
	obj := vm.heap.class(sub)
	if obj == nil {
		return false
	}
	for _, c := range obj.MRO {
		if c == sup {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Class of a value
// ---------------------------------------------------------------------------

// ClassOf returns the class of any value. Borrowed reference.
func (vm *VM) ClassOf(v Value) Value {
	if v.IsFloat() {
		return vm.FloatClass
	}
	if v.IsSmallInt() {
		return vm.IntClass
	}
	switch v {
	case None:
		return vm.NoneClass
	case True, False:
		return vm.BoolClass
	case NotImplemented, empty:
		return vm.ObjectClass
	}
	obj := vm.heap.get(v)
	if obj == nil {
		return vm.ObjectClass
	}
	switch obj.Kind {
	case KindBigInt:
		return vm.IntClass
	case KindString:
		return vm.StrClass
	case KindList:
		return vm.ListClass
	case KindDict:
		return vm.DictClass
	case KindFunction, KindBuiltin:
		return vm.FunctionClass
	case KindBoundMethod:
		return vm.BoundMethodClass
	case KindClass:
		return vm.TypeClass
	case KindInstance:
		return obj.Payload.(*InstanceObject).Class
	case KindException:
		return obj.Payload.(*ExceptionObject).Class
	case KindGenerator:
		return vm.GeneratorClass
	case KindModule:
		return vm.ModuleClass
	case KindProperty:
		return vm.PropertyClass
	case KindSuper:
		return vm.SuperClass
	case KindIterator:
		return vm.IteratorClass
	case KindRange:
		return vm.RangeClass
	default:
		return vm.ObjectClass
	}
}

// TypeName returns the class name of v, for diagnostics.
func (vm *VM) TypeName(v Value) string {
	cls := vm.heap.class(vm.ClassOf(v))
	if cls == nil {
		return "unknown"
	}
	return cls.Name
}

// InstanceObject is a user-class instance: a class back-reference plus its
// own attribute storage.
type InstanceObject struct {
	Class Value
	Attrs map[string]Value
}
