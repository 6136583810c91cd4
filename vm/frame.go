package vm

// frameState tracks where a frame is in its lifecycle. A frame is Running
// while the engine executes it, Suspended when parked at a yield, Returned
// after a normal exit and Unwinding while an exception is leaving it.
type frameState uint8

const (
	frameRunning frameState = iota
	frameSuspended
	frameReturned
	frameUnwinding
)

var frameStateNames = [...]string{"running", "suspended", "returned", "unwinding"}

func (s frameState) String() string {
	if int(s) < len(frameStateNames) {
		return frameStateNames[s]
	}
	return "invalid"
}

// blockKind discriminates handler stack entries.
type blockKind uint8

const (
	blockLoop blockKind = iota
	blockExcept
	blockFinally
	// blockFinallyActive replaces a blockFinally while its handler body
	// runs. It parks the control transfer the handler interrupted;
	// END_FINALLY pops it and resumes that transfer, and an exception
	// raised inside the handler discards it after chaining.
	blockFinallyActive
)

// blockEntry is one handler stack record. handler is the offset control
// transfers to when the block intercepts an unwind (the break target for
// loops). sp and handledLen snapshot the operand stack and active-handler
// depths at setup; unwinding truncates both before entering the handler.
// class is the declared exception class for except blocks (None matches
// everything) and holds a reference until the block is popped.
type blockEntry struct {
	kind       blockKind
	handler    int
	sp         int
	handledLen int
	class      Value
	pending    pendingAction
}

// actionKind is the reason control is leaving a protected region.
type actionKind uint8

const (
	actionNone actionKind = iota
	actionException
	actionReturn
	actionBreak
	actionContinue
)

// pendingAction is a control transfer in flight: the reason a protected
// region is being left, plus what the transfer carries. exc and value hold
// references while the action is parked or walking the handler stack.
type pendingAction struct {
	kind   actionKind
	exc    *Raised
	value  Value
	target int // continue resume offset
}

// Frame is one activation of a code object: its operand stack, local and
// cell slots, instruction pointer, handler stack and unwind bookkeeping.
// Frames of ordinary calls live on the engine's call stack; a generator
// owns its frame across suspensions.
type Frame struct {
	code     *CodeObject
	function Value // the called function, None for entry code
	globals  Value // module supplying the global namespace
	stack   []Value
	sp      int
	locals  []Value
	cells   []Value
	ip      int
	blocks  []blockEntry
	handled []Value // exceptions whose except handlers are active
	state   frameState
}

// newFrame builds a frame for code. function and globals are retained.
// Locals start unbound; cell vars get fresh empty cells and free vars
// share the function's captured cells.
func (vm *VM) newFrame(function, globals Value, code *CodeObject) *Frame {
	f := &Frame{
		code:     code,
		function: vm.heap.Retain(function),
		globals:  vm.heap.Retain(globals),
		stack:    make([]Value, code.MaxStack()),
		locals:   make([]Value, len(code.LocalNames)),
		state:    frameRunning,
	}
	for i := range f.locals {
		f.locals[i] = empty
	}
	if n := code.numCells(); n > 0 {
		f.cells = make([]Value, n)
		for i := range code.CellNames {
			f.cells[i] = vm.heap.alloc(KindCell, &CellObject{Ref: empty})
		}
		if !function.IsNone() {
			captured := vm.heap.function(function).Cells
			for i := range code.FreeNames {
				f.cells[len(code.CellNames)+i] = vm.heap.Retain(captured[i])
			}
		}
	}
	return f
}

// push transfers ownership of v onto the operand stack.
func (f *Frame) push(v Value) {
	f.stack[f.sp] = v
	f.sp++
}

// pop transfers ownership of the top value to the caller.
func (f *Frame) pop() Value {
	f.sp--
	return f.stack[f.sp]
}

// top borrows the top value.
func (f *Frame) top() Value {
	return f.stack[f.sp-1]
}

// peek borrows the value n slots below the top; peek(0) is the top.
func (f *Frame) peek(n int) Value {
	return f.stack[f.sp-1-n]
}

// popN drops and releases the top n values.
func (vm *VM) popN(f *Frame, n int) {
	for i := 0; i < n; i++ {
		vm.heap.Release(f.pop())
	}
}

// truncate releases stack values above depth.
func (vm *VM) truncate(f *Frame, depth int) {
	for f.sp > depth {
		vm.heap.Release(f.pop())
	}
}

// truncateHandled releases active-handler entries above n.
func (vm *VM) truncateHandled(f *Frame, n int) {
	for len(f.handled) > n {
		top := f.handled[len(f.handled)-1]
		f.handled = f.handled[:len(f.handled)-1]
		vm.heap.Release(top)
	}
}

// pushBlock records a protected region entry.
func (f *Frame) pushBlock(kind blockKind, handler int, class Value) {
	f.blocks = append(f.blocks, blockEntry{
		kind:       kind,
		handler:    handler,
		sp:         f.sp,
		handledLen: len(f.handled),
		class:      class,
	})
}

// popBlock removes and returns the innermost block. The caller takes over
// the class reference.
func (f *Frame) popBlock() blockEntry {
	b := f.blocks[len(f.blocks)-1]
	f.blocks = f.blocks[:len(f.blocks)-1]
	return b
}

// setLocal stores v (ownership transfers) into a local slot, releasing any
// previous binding.
func (vm *VM) setLocal(f *Frame, slot int, v Value) {
	if old := f.locals[slot]; old != empty {
		vm.heap.Release(old)
	}
	f.locals[slot] = v
}

// releaseFrame drops every reference the frame holds. Safe to call in any
// state; the frame must not run afterwards.
func (vm *VM) releaseFrame(f *Frame) {
	vm.truncate(f, 0)
	for i, v := range f.locals {
		if v != empty {
			vm.heap.Release(v)
			f.locals[i] = empty
		}
	}
	for _, c := range f.cells {
		vm.heap.Release(c)
	}
	f.cells = nil
	for len(f.blocks) > 0 {
		b := f.popBlock()
		vm.heap.Release(b.class)
		vm.releasePending(b.pending)
	}
	vm.truncateHandled(f, 0)
	vm.heap.Release(f.function)
	f.function = None
	vm.heap.Release(f.globals)
	f.globals = None
}

// releasePending drops the references a parked unwind holds.
func (vm *VM) releasePending(p pendingAction) {
	switch p.kind {
	case actionException:
		vm.releaseRaised(p.exc)
	case actionReturn:
		vm.heap.Release(p.value)
	}
}

// forEachRef reports every reference the frame holds. The garbage
// collector uses this to treat a parked generator frame's contents as
// internal edges of the generator object.
func (f *Frame) forEachRef(visit func(Value)) {
	visit(f.function)
	visit(f.globals)
	for i := 0; i < f.sp; i++ {
		visit(f.stack[i])
	}
	for _, v := range f.locals {
		if v != empty {
			visit(v)
		}
	}
	for _, c := range f.cells {
		visit(c)
	}
	for _, b := range f.blocks {
		visit(b.class)
		switch b.pending.kind {
		case actionException:
			visit(b.pending.exc.Exc)
		case actionReturn:
			visit(b.pending.value)
		}
	}
	for _, h := range f.handled {
		visit(h)
	}
}
