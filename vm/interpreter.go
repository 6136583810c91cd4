package vm

import (
	"encoding/binary"
)

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// call invokes callee with positional args and optional keyword arguments.
// args are borrowed; the result is owned by the caller. Functions run to
// completion in a fresh frame, generator functions return a parked
// generator instead of running, classes construct, and instances dispatch
// through __call__.
func (vm *VM) call(callee Value, args []Value, kwargs *DictObject) (Value, error) {
	k, ok := vm.heap.kindOf(callee)
	if !ok {
		return None, vm.Raisef(vm.TypeMismatchClass, "%s is not callable", vm.TypeName(callee))
	}
	vm.stats.Calls++

	switch k {
	case KindBuiltin:
		b := vm.heap.builtin(callee)
		if kwargs != nil && kwargs.Len() > 0 {
			return None, vm.Raisef(vm.ArgumentBindingErrorClass, "%s() takes no keyword arguments", b.Meta.Name)
		}
		return vm.callBuiltin(b, args)

	case KindBoundMethod:
		bm := vm.heap.boundMethod(callee)
		full := make([]Value, 0, len(args)+1)
		full = append(full, bm.Receiver)
		full = append(full, args...)
		return vm.call(bm.Function, full, kwargs)

	case KindFunction:
		fn := vm.heap.function(callee)
		f := vm.newFrame(callee, fn.Globals, fn.Code)
		if err := vm.bindArgs(f, fn.Name, fn.Code, fn.Defaults, args, kwargs); err != nil {
			vm.releaseFrame(f)
			return None, err
		}
		if fn.Code.IsGenerator() {
			return vm.newGenerator(fn.Name, f), nil
		}
		return vm.runFrame(f)

	case KindClass:
		return vm.callClass(callee, args, kwargs)

	case KindInstance:
		attr, ok := vm.lookupMRO(vm.ClassOf(callee), "__call__")
		if !ok {
			return None, vm.Raisef(vm.TypeMismatchClass, "%s is not callable", vm.TypeName(callee))
		}
		full := make([]Value, 0, len(args)+1)
		full = append(full, callee)
		full = append(full, args...)
		return vm.call(attr, full, kwargs)
	}
	return None, vm.Raisef(vm.TypeMismatchClass, "%s is not callable", vm.TypeName(callee))
}

// callClass runs the construction path: native classes convert, exception
// classes build exception values, plain classes allocate an instance and
// run __init__.
func (vm *VM) callClass(cls Value, args []Value, kwargs *DictObject) (Value, error) {
	c := vm.heap.class(cls)
	if c.Native != nil {
		if kwargs != nil && kwargs.Len() > 0 {
			return None, vm.Raisef(vm.ArgumentBindingErrorClass, "%s() takes no keyword arguments", c.Name)
		}
		return c.Native(vm, args)
	}
	if vm.derivesException(cls) {
		if kwargs != nil && kwargs.Len() > 0 {
			return None, vm.Raisef(vm.ArgumentBindingErrorClass, "%s() takes no keyword arguments", c.Name)
		}
		return vm.NewException(cls, args), nil
	}

	inst := vm.heap.alloc(KindInstance, &InstanceObject{
		Class: vm.heap.Retain(cls),
		Attrs: make(map[string]Value),
	})
	init, ok := vm.lookupMRO(cls, "__init__")
	if !ok {
		if len(args) > 0 || (kwargs != nil && kwargs.Len() > 0) {
			vm.heap.Release(inst)
			return None, vm.Raisef(vm.ArgumentBindingErrorClass, "%s() takes no arguments (%d given)", c.Name, len(args))
		}
		return inst, nil
	}
	full := make([]Value, 0, len(args)+1)
	full = append(full, inst)
	full = append(full, args...)
	res, err := vm.call(init, full, kwargs)
	if err != nil {
		vm.heap.Release(inst)
		return None, err
	}
	if !res.IsNone() {
		name := vm.TypeName(res)
		vm.heap.Release(res)
		vm.heap.Release(inst)
		return None, vm.Raisef(vm.TypeMismatchClass, "__init__ of %s returned %s, not None", c.Name, name)
	}
	return inst, nil
}

// bindArgs fills the frame's parameter slots: positionals in order, then
// keywords by name, then defaults for what remains, with extra positionals
// collected by a varargs slot and extra keywords by a kwargs slot when the
// code declares them. Every binding failure is an ArgumentBindingError.
func (vm *VM) bindArgs(f *Frame, name string, code *CodeObject, defaults []Value, args []Value, kwargs *DictObject) error {
	np := code.ParamCount

	if len(args) > np && !code.HasVarArgs() {
		return vm.Raisef(vm.ArgumentBindingErrorClass,
			"%s() takes %d positional arguments but %d were given", name, np, len(args))
	}
	direct := len(args)
	if direct > np {
		direct = np
	}
	for i := 0; i < direct; i++ {
		f.locals[i] = vm.heap.Retain(args[i])
	}

	slot := np
	if code.HasVarArgs() {
		f.locals[slot] = vm.NewListCopy(args[direct:])
		slot++
	}
	var extraKw Value
	if code.HasKwArgs() {
		extraKw = vm.NewDict()
		f.locals[slot] = extraKw
	}

	if kwargs != nil {
		for _, e := range kwargs.Entries() {
			kwName, ok := vm.StringOf(e.Key)
			if !ok {
				return vm.Raisef(vm.ArgumentBindingErrorClass,
					"%s() keyword names must be strings, got %s", name, vm.TypeName(e.Key))
			}
			target := -1
			for i := 0; i < np; i++ {
				if code.LocalNames[i] == kwName {
					target = i
					break
				}
			}
			switch {
			case target >= 0:
				if f.locals[target] != empty {
					return vm.Raisef(vm.ArgumentBindingErrorClass,
						"%s() got multiple values for argument %q", name, kwName)
				}
				f.locals[target] = vm.heap.Retain(e.Value)
			case code.HasKwArgs():
				if err := vm.dictSet(vm.heap.dict(extraKw), e.Key, e.Value); err != nil {
					return err
				}
			default:
				return vm.Raisef(vm.ArgumentBindingErrorClass,
					"%s() got an unexpected keyword argument %q", name, kwName)
			}
		}
	}

	firstDefault := np - len(defaults)
	for i := 0; i < np; i++ {
		if f.locals[i] != empty {
			continue
		}
		if i >= firstDefault {
			f.locals[i] = vm.heap.Retain(defaults[i-firstDefault])
			continue
		}
		return vm.Raisef(vm.ArgumentBindingErrorClass,
			"%s() missing required argument %q", name, code.LocalNames[i])
	}

	// A cell var named after a parameter captures the bound argument.
	for ci, cname := range code.CellNames {
		for si := 0; si < code.boundSlots(); si++ {
			if code.LocalNames[si] == cname {
				cell := vm.heap.cell(f.cells[ci])
				cell.Ref = vm.heap.Retain(f.locals[si])
				break
			}
		}
	}
	return nil
}

// runFrame executes a frame to completion and releases it. The return
// value is owned by the caller.
func (vm *VM) runFrame(f *Frame) (Value, error) {
	if len(vm.frames) >= vm.recursionLimit {
		vm.releaseFrame(f)
		return None, vm.Raisef(vm.RecursionLimitClass,
			"maximum call depth %d exceeded", vm.recursionLimit)
	}
	vm.frames = append(vm.frames, f)
	if d := len(vm.frames); d > vm.stats.MaxFrameDepth {
		vm.stats.MaxFrameDepth = d
	}
	res, yielded, err := vm.exec(f)
	vm.frames = vm.frames[:len(vm.frames)-1]
	if yielded {
		vm.heap.Release(res)
		err = vm.Raisef(vm.ValueErrorClass, "yield from a non-generator frame")
	}
	vm.releaseFrame(f)
	return res, err
}

// resumeGenerator re-enters a parked generator frame. send is delivered as
// the suspended yield's value; inject, when non-nil, is raised at the
// suspension point instead and consumes the Raised. Returns the next
// yielded value, or done when the frame returned.
func (vm *VM) resumeGenerator(gen Value, g *GeneratorObject, send Value, inject *Raised) (Value, bool, error) {
	if len(vm.frames) >= vm.recursionLimit {
		if inject != nil {
			vm.releaseRaised(inject)
		}
		return None, false, vm.Raisef(vm.RecursionLimitClass,
			"maximum call depth %d exceeded", vm.recursionLimit)
	}

	f := g.Frame
	started := g.State == GenSuspended
	g.State = GenRunning
	f.state = frameRunning
	vm.heap.Retain(gen) // keep the generator alive while it runs
	defer vm.heap.Release(gen)

	if inject != nil {
		resolved, _, err := vm.beginException(f, inject)
		if !resolved {
			vm.finishGenerator(g)
			return None, false, err
		}
	} else if started {
		f.push(vm.heap.Retain(send))
	}

	vm.frames = append(vm.frames, f)
	if d := len(vm.frames); d > vm.stats.MaxFrameDepth {
		vm.stats.MaxFrameDepth = d
	}
	res, yielded, err := vm.exec(f)
	vm.frames = vm.frames[:len(vm.frames)-1]

	if yielded {
		g.State = GenSuspended
		return res, false, nil
	}
	vm.finishGenerator(g)
	if err != nil {
		return None, false, err
	}
	vm.heap.Release(res)
	return None, true, nil
}

// ---------------------------------------------------------------------------
// Unwinding
// ---------------------------------------------------------------------------

// beginException starts exception unwinding in f. If another exception is
// being handled in this frame, it becomes the new one's cause unless a
// cause is already set.
func (vm *VM) beginException(f *Frame, r *Raised) (bool, Value, error) {
	if len(f.handled) > 0 {
		vm.setCause(r.Exc, f.handled[len(f.handled)-1])
	}
	return vm.unwindFrame(f, pendingAction{kind: actionException, exc: r})
}

// unwindFrame walks the handler stack resolving a control transfer:
// break and continue stop at the innermost loop, exceptions stop at a
// matching except handler, and finally blocks intercept everything,
// parking the transfer until END_FINALLY. resolved means a handler in this
// frame took over and f.ip points at it. Otherwise the transfer escapes
// the frame: result carries a return value, err a propagating exception.
func (vm *VM) unwindFrame(f *Frame, action pendingAction) (resolved bool, result Value, err error) {
	for len(f.blocks) > 0 {
		top := f.blocks[len(f.blocks)-1]
		switch top.kind {
		case blockLoop:
			if action.kind == actionBreak {
				blk := f.popBlock()
				vm.truncate(f, blk.sp)
				vm.truncateHandled(f, blk.handledLen)
				vm.heap.Release(blk.class)
				f.ip = blk.handler
				return true, None, nil
			}
			if action.kind == actionContinue {
				vm.truncate(f, top.sp)
				vm.truncateHandled(f, top.handledLen)
				f.ip = action.target
				return true, None, nil
			}
			blk := f.popBlock()
			vm.heap.Release(blk.class)

		case blockExcept:
			blk := f.popBlock()
			if action.kind == actionException &&
				(blk.class.IsNone() || vm.excMatches(action.exc.Exc, blk.class)) {
				vm.truncate(f, blk.sp)
				vm.truncateHandled(f, blk.handledLen)
				vm.heap.Release(blk.class)
				exc := action.exc.Exc
				f.handled = append(f.handled, exc) // takes the in-flight reference
				f.push(vm.heap.Retain(exc))
				f.ip = blk.handler
				return true, None, nil
			}
			vm.heap.Release(blk.class)

		case blockFinally:
			blk := f.popBlock()
			vm.truncate(f, blk.sp)
			vm.truncateHandled(f, blk.handledLen)
			vm.heap.Release(blk.class)
			blk.kind = blockFinallyActive
			blk.class = None
			blk.pending = action
			f.blocks = append(f.blocks, blk)
			f.ip = blk.handler
			return true, None, nil

		case blockFinallyActive:
			// A transfer out of a running finally body replaces whatever
			// the body was finishing. A new exception takes the parked one
			// as its cause.
			blk := f.popBlock()
			if action.kind == actionException && blk.pending.kind == actionException {
				vm.setCause(action.exc.Exc, blk.pending.exc.Exc)
			}
			vm.releasePending(blk.pending)
		}
	}

	switch action.kind {
	case actionException:
		f.state = frameUnwinding
		return false, None, action.exc
	case actionReturn:
		f.state = frameReturned
		return false, action.value, nil
	case actionBreak:
		f.state = frameUnwinding
		return false, None, vm.Raisef(vm.ValueErrorClass, "break outside of a loop")
	case actionContinue:
		f.state = frameUnwinding
		return false, None, vm.Raisef(vm.ValueErrorClass, "continue outside of a loop")
	}
	f.state = frameReturned
	return false, None, nil
}

// toException coerces a raise operand: exception values pass through,
// exception classes are instantiated bare. Takes over the caller's
// reference; the result is owned.
func (vm *VM) toException(v Value) (Value, error) {
	if k, ok := vm.heap.kindOf(v); ok {
		switch {
		case k == KindException:
			return v, nil
		case k == KindClass && vm.derivesException(v):
			exc := vm.NewException(v, nil)
			vm.heap.Release(v)
			return exc, nil
		}
	}
	name := vm.TypeName(v)
	vm.heap.Release(v)
	return None, vm.Raisef(vm.TypeMismatchClass, "exceptions must derive from Exception, not %s", name)
}

// ---------------------------------------------------------------------------
// The engine loop
// ---------------------------------------------------------------------------

// exec runs f until it returns, yields, or an exception escapes it.
// yielded distinguishes a suspension from a return; in both cases the
// caller owns the result. On error the frame has already unwound and the
// caller owns the in-flight Raised.
func (vm *VM) exec(f *Frame) (Value, bool, error) {
	code := f.code.Code

	for {
		if vm.heap.gcPending {
			vm.collectAtSafepoint()
		}
		if f.ip >= len(code) {
			// Fell off the end: an implicit bare return, run through the
			// handler stack so pending finally bodies still execute.
			resolved, result, err := vm.unwindFrame(f, pendingAction{kind: actionReturn, value: None})
			if err != nil {
				return None, false, err
			}
			if !resolved {
				return result, false, nil
			}
			continue
		}

		op := Opcode(code[f.ip])
		at := f.ip
		vm.stats.Instructions++
		if vm.execLog != nil {
			vm.traceInstruction(f, at)
		}

		var err error

		switch op {
		case OpNop:
			f.ip++

		case OpPop:
			f.ip++
			vm.heap.Release(f.pop())

		case OpDup:
			f.ip++
			f.push(vm.heap.Retain(f.top()))

		case OpSwap:
			f.ip++
			f.stack[f.sp-1], f.stack[f.sp-2] = f.stack[f.sp-2], f.stack[f.sp-1]

		case OpLoadConst:
			idx := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			f.push(vm.materializeConst(f.code, idx))

		case OpLoadNone:
			f.ip++
			f.push(None)

		case OpLoadTrue:
			f.ip++
			f.push(True)

		case OpLoadFalse:
			f.ip++
			f.push(False)

		case OpLoadInt8:
			v := int8(code[f.ip+1])
			f.ip += 2
			f.push(FromSmallInt(int64(v)))

		case OpLoadLocal:
			slot := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			v := f.locals[slot]
			if v == empty {
				err = vm.Raisef(vm.NameResolutionErrorClass,
					"local variable %q referenced before assignment", f.code.LocalNames[slot])
				break
			}
			f.push(vm.heap.Retain(v))

		case OpStoreLocal:
			slot := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			vm.setLocal(f, slot, f.pop())

		case OpLoadCell:
			slot := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			c := vm.heap.cell(f.cells[slot])
			if c.Ref == empty {
				err = vm.Raisef(vm.NameResolutionErrorClass,
					"captured variable %q referenced before assignment", vm.cellName(f.code, slot))
				break
			}
			f.push(vm.heap.Retain(c.Ref))

		case OpStoreCell:
			slot := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			c := vm.heap.cell(f.cells[slot])
			old := c.Ref
			c.Ref = f.pop()
			if old != empty {
				vm.heap.Release(old)
			}

		case OpLoadCellRef:
			slot := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			f.push(vm.heap.Retain(f.cells[slot]))

		case OpLoadGlobal:
			name := f.code.Names[binary.LittleEndian.Uint16(code[f.ip+1:])]
			f.ip += 3
			if v, ok := vm.heap.module(f.globals).Globals[name]; ok {
				f.push(vm.heap.Retain(v))
				break
			}
			if v, ok := vm.builtins[name]; ok {
				f.push(vm.heap.Retain(v))
				break
			}
			err = vm.Raisef(vm.NameResolutionErrorClass, "name %q is not defined", name)

		case OpStoreGlobal:
			name := f.code.Names[binary.LittleEndian.Uint16(code[f.ip+1:])]
			f.ip += 3
			m := vm.heap.module(f.globals)
			if old, ok := m.Globals[name]; ok {
				vm.heap.Release(old)
			}
			m.Globals[name] = f.pop()

		case OpLoadBuiltin:
			name := f.code.Names[binary.LittleEndian.Uint16(code[f.ip+1:])]
			f.ip += 3
			v, ok := vm.builtins[name]
			if !ok {
				err = vm.Raisef(vm.NameResolutionErrorClass, "builtin %q is not defined", name)
				break
			}
			f.push(vm.heap.Retain(v))

		case OpLoadAttr:
			name := f.code.Names[binary.LittleEndian.Uint16(code[f.ip+1:])]
			f.ip += 3
			obj := f.pop()
			var v Value
			v, err = vm.getAttr(obj, name)
			vm.heap.Release(obj)
			if err == nil {
				f.push(v)
			}

		case OpStoreAttr:
			name := f.code.Names[binary.LittleEndian.Uint16(code[f.ip+1:])]
			f.ip += 3
			obj := f.pop()
			val := f.pop()
			err = vm.setAttr(obj, name, val)
			vm.heap.Release(obj)
			vm.heap.Release(val)

		case OpLoadItem:
			f.ip++
			idx := f.pop()
			obj := f.pop()
			var v Value
			v, err = vm.getItem(obj, idx)
			vm.heap.Release(obj)
			vm.heap.Release(idx)
			if err == nil {
				f.push(v)
			}

		case OpStoreItem:
			f.ip++
			idx := f.pop()
			obj := f.pop()
			val := f.pop()
			err = vm.setItem(obj, idx, val)
			vm.heap.Release(obj)
			vm.heap.Release(idx)
			vm.heap.Release(val)

		case OpUnaryOp:
			uop := UnOp(code[f.ip+1])
			f.ip += 2
			v := f.pop()
			var res Value
			res, err = vm.unaryOp(uop, v)
			vm.heap.Release(v)
			if err == nil {
				f.push(res)
			}

		case OpBinaryOp:
			bop := BinOp(code[f.ip+1])
			f.ip += 2
			r := f.pop()
			l := f.pop()
			var res Value
			res, err = vm.binaryOp(bop, l, r)
			vm.heap.Release(l)
			vm.heap.Release(r)
			if err == nil {
				f.push(res)
			}

		case OpCompareOp:
			cop := CmpOp(code[f.ip+1])
			f.ip += 2
			r := f.pop()
			l := f.pop()
			var res Value
			res, err = vm.compareOp(cop, l, r)
			vm.heap.Release(l)
			vm.heap.Release(r)
			if err == nil {
				f.push(res)
			}

		case OpJump:
			f.ip = int(binary.LittleEndian.Uint16(code[f.ip+1:]))

		case OpJumpIfTrue, OpJumpIfFalse:
			target := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			v := f.pop()
			var t bool
			t, err = vm.truthy(v)
			vm.heap.Release(v)
			if err == nil && t == (op == OpJumpIfTrue) {
				f.ip = target
			}

		case OpSetupLoop:
			target := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			f.pushBlock(blockLoop, target, None)

		case OpBreak:
			f.ip++
			resolved, result, uerr := vm.unwindFrame(f, pendingAction{kind: actionBreak})
			if uerr != nil {
				return None, false, uerr
			}
			if !resolved {
				return result, false, nil
			}

		case OpContinue:
			target := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			resolved, result, uerr := vm.unwindFrame(f, pendingAction{kind: actionContinue, target: target})
			if uerr != nil {
				return None, false, uerr
			}
			if !resolved {
				return result, false, nil
			}

		case OpPopBlock:
			f.ip++
			if len(f.blocks) == 0 {
				err = vm.Raisef(vm.ValueErrorClass, "POP_BLOCK with no active block")
				break
			}
			blk := f.popBlock()
			if blk.kind == blockFinally {
				// Normal completion of the protected body: activate the
				// finally handler with nothing pending and fall through
				// into it.
				blk.kind = blockFinallyActive
				blk.pending = pendingAction{kind: actionNone}
				f.blocks = append(f.blocks, blk)
				break
			}
			vm.heap.Release(blk.class)

		case OpGetIter:
			f.ip++
			v := f.pop()
			var it Value
			it, err = vm.getIter(v)
			vm.heap.Release(v)
			if err == nil {
				f.push(it)
			}

		case OpForIter:
			target := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			var v Value
			var done bool
			v, done, err = vm.iterNext(f.top())
			if err != nil {
				break
			}
			if done {
				vm.heap.Release(f.pop())
				f.ip = target
			} else {
				f.push(v)
			}

		case OpMakeList:
			n := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			items := make([]Value, n)
			copy(items, f.stack[f.sp-n:f.sp])
			f.sp -= n
			f.push(vm.NewList(items))

		case OpMakeDict:
			n := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			d := vm.NewDict()
			base := f.sp - 2*n
			for i := 0; i < n && err == nil; i++ {
				err = vm.dictSet(vm.heap.dict(d), f.stack[base+2*i], f.stack[base+2*i+1])
			}
			vm.popN(f, 2*n)
			if err != nil {
				vm.heap.Release(d)
				break
			}
			f.push(d)

		case OpMakeFunction:
			childIdx := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			nDefaults := int(code[f.ip+3])
			f.ip += 4
			child := f.code.Children[childIdx]

			defaults := make([]Value, nDefaults)
			for i := nDefaults - 1; i >= 0; i-- {
				defaults[i] = f.pop()
			}
			cells := make([]Value, len(child.FreeNames))
			bad := false
			for i := len(child.FreeNames) - 1; i >= 0; i-- {
				cells[i] = f.pop()
				if k, ok := vm.heap.kindOf(cells[i]); !ok || k != KindCell {
					bad = true
				}
			}
			if bad {
				for _, c := range cells {
					vm.heap.Release(c)
				}
				for _, d := range defaults {
					vm.heap.Release(d)
				}
				err = vm.Raisef(vm.TypeMismatchClass, "closure capture for %s is not a cell", child.Name)
				break
			}
			f.push(vm.heap.alloc(KindFunction, &FunctionObject{
				Name:     child.Name,
				Code:     child,
				Globals:  vm.heap.Retain(f.globals),
				Defaults: defaults,
				Cells:    cells,
			}))

		case OpCall:
			argc := int(code[f.ip+1])
			f.ip += 2
			args := f.stack[f.sp-argc : f.sp]
			callee := f.stack[f.sp-argc-1]
			var res Value
			res, err = vm.call(callee, args, nil)
			vm.popN(f, argc+1)
			if err == nil {
				f.push(res)
			}

		case OpCallKw:
			argc := int(code[f.ip+1])
			f.ip += 2
			kwVal := f.top()
			kk, ok := vm.heap.kindOf(kwVal)
			if !ok || kk != KindDict {
				err = vm.Raisef(vm.TypeMismatchClass, "keyword arguments must be a dict, got %s", vm.TypeName(kwVal))
				break
			}
			args := f.stack[f.sp-argc-1 : f.sp-1]
			callee := f.stack[f.sp-argc-2]
			var res Value
			res, err = vm.call(callee, args, vm.heap.dict(kwVal))
			vm.popN(f, argc+2)
			if err == nil {
				f.push(res)
			}

		case OpReturn, OpReturnNone:
			retval := None
			if op == OpReturn {
				retval = f.pop()
				f.ip++
			} else {
				f.ip++
			}
			resolved, result, uerr := vm.unwindFrame(f, pendingAction{kind: actionReturn, value: retval})
			if uerr != nil {
				return None, false, uerr
			}
			if !resolved {
				return result, false, nil
			}

		case OpMakeClass:
			name := f.code.Names[binary.LittleEndian.Uint16(code[f.ip+1:])]
			f.ip += 3
			ns := f.pop()
			basesVal := f.pop()
			err = vm.execMakeClass(f, name, basesVal, ns)
			vm.heap.Release(basesVal)
			vm.heap.Release(ns)

		case OpSetupExcept:
			target := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			declared := f.pop()
			if !declared.IsNone() {
				k, ok := vm.heap.kindOf(declared)
				if !ok || k != KindClass || !vm.derivesException(declared) {
					name := vm.TypeName(declared)
					vm.heap.Release(declared)
					err = vm.Raisef(vm.TypeMismatchClass,
						"except clause must name an exception class, got %s", name)
					break
				}
			}
			f.pushBlock(blockExcept, target, declared)

		case OpSetupFinally:
			target := int(binary.LittleEndian.Uint16(code[f.ip+1:]))
			f.ip += 3
			f.pushBlock(blockFinally, target, None)

		case OpEndFinally:
			f.ip++
			if len(f.blocks) == 0 {
				err = vm.Raisef(vm.ValueErrorClass, "END_FINALLY outside of a finally handler")
				break
			}
			blk := f.popBlock()
			if blk.kind != blockFinallyActive {
				f.blocks = append(f.blocks, blk)
				err = vm.Raisef(vm.ValueErrorClass, "END_FINALLY outside of a finally handler")
				break
			}
			if blk.pending.kind == actionNone {
				break
			}
			resolved, result, uerr := vm.unwindFrame(f, blk.pending)
			if uerr != nil {
				return None, false, uerr
			}
			if !resolved {
				return result, false, nil
			}

		case OpPopExcept:
			f.ip++
			if len(f.handled) == 0 {
				err = vm.Raisef(vm.ValueErrorClass, "POP_EXCEPT with no active exception")
				break
			}
			vm.truncateHandled(f, len(f.handled)-1)

		case OpRaise:
			mode := code[f.ip+1]
			f.ip += 2
			var exc Value
			switch mode {
			case 0:
				if len(f.handled) == 0 {
					err = vm.Raisef(vm.ValueErrorClass, "no active exception to re-raise")
					break
				}
				exc = vm.heap.Retain(f.handled[len(f.handled)-1])
			case 1:
				exc, err = vm.toException(f.pop())
			case 2:
				causeOperand := f.pop()
				exc, err = vm.toException(f.pop())
				if err != nil {
					vm.heap.Release(causeOperand)
					break
				}
				var cause Value = None
				if !causeOperand.IsNone() {
					cause, err = vm.toException(causeOperand)
					if err != nil {
						vm.heap.Release(exc)
						break
					}
				}
				err = vm.replaceCause(exc, cause)
				vm.heap.Release(cause)
				if err != nil {
					vm.heap.Release(exc)
				}
			}
			if err == nil {
				err = vm.asRaised(exc)
			}

		case OpYield:
			f.ip++
			v := f.pop()
			f.state = frameSuspended
			return v, true, nil

		default:
			err = vm.Raisef(vm.MalformedCodeObjectClass, "unknown opcode 0x%02X at %d", byte(op), at)
		}

		if err != nil {
			r := vm.hostError(err)
			resolved, _, perr := vm.beginException(f, r)
			if resolved {
				continue
			}
			return None, false, perr
		}
	}
}

// execMakeClass builds a class from a bases list and a namespace dict and
// pushes it.
func (vm *VM) execMakeClass(f *Frame, name string, basesVal, ns Value) error {
	var bases []Value
	if k, ok := vm.heap.kindOf(basesVal); ok && k == KindList {
		bases = vm.heap.list(basesVal).Items
	} else {
		return vm.Raisef(vm.TypeMismatchClass, "class bases must be a list, got %s", vm.TypeName(basesVal))
	}
	nk, ok := vm.heap.kindOf(ns)
	if !ok || nk != KindDict {
		return vm.Raisef(vm.TypeMismatchClass, "class namespace must be a dict, got %s", vm.TypeName(ns))
	}

	cls, err := vm.NewClass(name, bases)
	if err != nil {
		return err
	}
	c := vm.heap.class(cls)
	for _, e := range vm.heap.dict(ns).Entries() {
		attr, ok := vm.StringOf(e.Key)
		if !ok {
			vm.heap.Release(cls)
			return vm.Raisef(vm.TypeMismatchClass, "class namespace key is %s, not str", vm.TypeName(e.Key))
		}
		vm.setClassAttr(c, attr, e.Value)
	}
	f.push(cls)
	return nil
}

// cellName resolves a cell slot to its variable name.
func (vm *VM) cellName(code *CodeObject, slot int) string {
	if slot < len(code.CellNames) {
		return code.CellNames[slot]
	}
	return code.FreeNames[slot-len(code.CellNames)]
}
