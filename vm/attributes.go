package vm

// newBoundMethod pairs a receiver with a callable fetched from its class.
// Both are retained; the result is owned by the caller.
func (vm *VM) newBoundMethod(recv, fn Value) Value {
	return vm.heap.alloc(KindBoundMethod, &BoundMethodObject{
		Receiver: vm.heap.Retain(recv),
		Function: vm.heap.Retain(fn),
	})
}

// bindClassAttr adapts a class-chain attribute for access through an
// instance: functions and builtins bind to the receiver, properties run
// their getter, anything else passes through retained.
func (vm *VM) bindClassAttr(recv, attr Value) (Value, error) {
	k, ok := vm.heap.kindOf(attr)
	if !ok {
		return attr, nil
	}
	switch k {
	case KindFunction, KindBuiltin:
		return vm.newBoundMethod(recv, attr), nil
	case KindProperty:
		p := vm.heap.property(attr)
		if p.Getter.IsNone() {
			return None, vm.Raisef(vm.AttributeNotFoundClass, "property of %s has no getter", vm.TypeName(recv))
		}
		return vm.call(p.Getter, []Value{recv}, nil)
	}
	return vm.heap.Retain(attr), nil
}

// getAttr resolves obj.name and returns an owned reference.
//
// Instances check the class chain for a property first, then their own
// attribute dict, then the class chain again for methods and plain class
// attributes. Classes and modules resolve against their own namespaces
// without binding. Every other kind resolves through its class, which is
// how built-in method calls like list.append reach their native code.
func (vm *VM) getAttr(obj Value, name string) (Value, error) {
	k, ok := vm.heap.kindOf(obj)
	if !ok {
		return vm.getAttrViaClass(obj, name)
	}

	switch k {
	case KindModule:
		m := vm.heap.module(obj)
		if v, ok := m.Globals[name]; ok {
			return vm.heap.Retain(v), nil
		}
		return None, vm.Raisef(vm.AttributeNotFoundClass, "module %s has no attribute %q", m.Name, name)

	case KindClass:
		cls := vm.heap.class(obj)
		switch name {
		case "__name__":
			return vm.NewString(cls.Name), nil
		case "__mro__":
			return vm.NewListCopy(cls.MRO), nil
		case "__bases__":
			return vm.NewListCopy(cls.Bases), nil
		}
		if attr, ok := vm.lookupMRO(obj, name); ok {
			return vm.heap.Retain(attr), nil
		}
		return None, vm.Raisef(vm.AttributeNotFoundClass, "class %s has no attribute %q", cls.Name, name)

	case KindSuper:
		s := vm.heap.super(obj)
		start := vm.ClassOf(s.Receiver)
		if attr, ok := vm.lookupMROAfter(start, s.Class, name); ok {
			return vm.bindClassAttr(s.Receiver, attr)
		}
		return None, vm.Raisef(vm.AttributeNotFoundClass, "super of %s has no attribute %q",
			vm.heap.class(s.Class).Name, name)

	case KindInstance:
		inst := vm.heap.instance(obj)
		if attr, ok := vm.lookupMRO(inst.Class, name); ok {
			if ak, aok := vm.heap.kindOf(attr); aok && ak == KindProperty {
				return vm.bindClassAttr(obj, attr)
			}
		}
		if v, ok := inst.Attrs[name]; ok {
			return vm.heap.Retain(v), nil
		}
		if attr, ok := vm.lookupMRO(inst.Class, name); ok {
			return vm.bindClassAttr(obj, attr)
		}
		return None, vm.Raisef(vm.AttributeNotFoundClass, "%s object has no attribute %q", vm.TypeName(obj), name)

	case KindException:
		exc := vm.heap.exception(obj)
		if attr, ok := vm.lookupMRO(exc.Class, name); ok {
			if ak, aok := vm.heap.kindOf(attr); aok && ak == KindProperty {
				return vm.bindClassAttr(obj, attr)
			}
		}
		if v, ok := exc.Attrs[name]; ok {
			return vm.heap.Retain(v), nil
		}
		switch name {
		case "args":
			return vm.NewListCopy(exc.Args), nil
		case "__cause__":
			return vm.heap.Retain(exc.Cause), nil
		}
		if attr, ok := vm.lookupMRO(exc.Class, name); ok {
			return vm.bindClassAttr(obj, attr)
		}
		return None, vm.Raisef(vm.AttributeNotFoundClass, "%s object has no attribute %q", vm.TypeName(obj), name)

	case KindGenerator:
		g := vm.heap.generator(obj)
		if name == "__name__" {
			return vm.NewString(g.Name), nil
		}
	}

	return vm.getAttrViaClass(obj, name)
}

// getAttrViaClass resolves a name purely through the value's class chain.
func (vm *VM) getAttrViaClass(obj Value, name string) (Value, error) {
	if attr, ok := vm.lookupMRO(vm.ClassOf(obj), name); ok {
		return vm.bindClassAttr(obj, attr)
	}
	return None, vm.Raisef(vm.AttributeNotFoundClass, "%s object has no attribute %q", vm.TypeName(obj), name)
}

// setAttr assigns obj.name = value. value is borrowed; the target retains
// its own reference. Instances honor a property setter on the class chain
// before touching their stored dict.
func (vm *VM) setAttr(obj Value, name string, value Value) error {
	k, ok := vm.heap.kindOf(obj)
	if !ok {
		return vm.Raisef(vm.TypeMismatchClass, "cannot set attributes of %s", vm.TypeName(obj))
	}
	switch k {
	case KindModule:
		m := vm.heap.module(obj)
		if old, ok := m.Globals[name]; ok {
			vm.heap.Release(old)
		}
		m.Globals[name] = vm.heap.Retain(value)
		return nil

	case KindClass:
		vm.setClassAttr(vm.heap.class(obj), name, value)
		return nil

	case KindInstance:
		inst := vm.heap.instance(obj)
		if attr, ok := vm.lookupMRO(inst.Class, name); ok {
			if ak, aok := vm.heap.kindOf(attr); aok && ak == KindProperty {
				p := vm.heap.property(attr)
				if p.Setter.IsNone() {
					return vm.Raisef(vm.AttributeNotFoundClass, "property %q of %s has no setter", name, vm.TypeName(obj))
				}
				res, err := vm.call(p.Setter, []Value{obj, value}, nil)
				if err != nil {
					return err
				}
				vm.heap.Release(res)
				return nil
			}
		}
		if old, ok := inst.Attrs[name]; ok {
			vm.heap.Release(old)
		}
		inst.Attrs[name] = vm.heap.Retain(value)
		return nil

	case KindException:
		exc := vm.heap.exception(obj)
		if old, ok := exc.Attrs[name]; ok {
			vm.heap.Release(old)
		}
		exc.Attrs[name] = vm.heap.Retain(value)
		return nil
	}
	return vm.Raisef(vm.TypeMismatchClass, "cannot set attributes of %s", vm.TypeName(obj))
}

// getItem resolves obj[idx] and returns an owned reference. Instances
// dispatch through __getitem__.
func (vm *VM) getItem(obj, idx Value) (Value, error) {
	k, ok := vm.heap.kindOf(obj)
	if !ok {
		return None, vm.Raisef(vm.NotSubscriptableClass, "%s is not subscriptable", vm.TypeName(obj))
	}
	switch k {
	case KindList:
		return vm.listGetItem(vm.heap.list(obj), idx)
	case KindString:
		return vm.strGetItem(vm.heap.str(obj).S, idx)
	case KindDict:
		v, found, err := vm.dictGet(vm.heap.dict(obj), idx)
		if err != nil {
			return None, err
		}
		if !found {
			return None, vm.Raisef(vm.KeyErrorClass, "%s", vm.reprFallback(idx))
		}
		return vm.heap.Retain(v), nil
	case KindRange:
		r := vm.heap.rangeObj(obj)
		i, err := vm.seqIndex(idx, int(r.Len()))
		if err != nil {
			return None, err
		}
		return vm.NewInt(r.Start + int64(i)*r.Step), nil
	case KindInstance, KindException:
		res, found, err := vm.callHook(obj, "__getitem__", idx)
		if err != nil {
			return None, err
		}
		if found {
			return res, nil
		}
	}
	return None, vm.Raisef(vm.NotSubscriptableClass, "%s is not subscriptable", vm.TypeName(obj))
}

// setItem assigns obj[idx] = value. All operands are borrowed.
func (vm *VM) setItem(obj, idx, value Value) error {
	k, ok := vm.heap.kindOf(obj)
	if !ok {
		return vm.Raisef(vm.NotSubscriptableClass, "%s does not support item assignment", vm.TypeName(obj))
	}
	switch k {
	case KindList:
		return vm.listSetItem(vm.heap.list(obj), idx, value)
	case KindDict:
		return vm.dictSet(vm.heap.dict(obj), idx, value)
	case KindInstance, KindException:
		res, found, err := vm.callHook(obj, "__setitem__", idx, value)
		if err != nil {
			return err
		}
		if found {
			vm.heap.Release(res)
			return nil
		}
	}
	return vm.Raisef(vm.NotSubscriptableClass, "%s does not support item assignment", vm.TypeName(obj))
}
