package vm

import (
	"errors"
	"strings"
	"testing"
)

// emitRaise emits code constructing a one-argument exception and raising it.
func emitRaise(b *CodeBuilder, class, msg string) {
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName(class)))
	b.EmitU16(OpLoadConst, uint16(b.AddStringConst(msg)))
	b.EmitU8(OpCall, 1)
	b.EmitU8(OpRaise, 1)
}

// ---------------------------------------------------------------------------
// Catching
// ---------------------------------------------------------------------------

func TestCatchByClass(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Program:
	// try: raise ValueError("boom")
	// except ValueError: return 2
	b := NewCodeBuilder("main")
	h := b.NewLabel()
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("ValueError")))
	b.EmitJump(OpSetupExcept, h)
	emitRaise(b, "ValueError", "boom")
	b.Mark(h)
	b.Emit(OpPop)
	b.EmitI8(OpLoadInt8, 2)
	b.Emit(OpReturn)

	if got := runInt(t, vm, b.Build()); got != 2 {
		t.Errorf("result = %d, want 2 from the handler", got)
	}
}

func TestCatchBySubclass(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Program:
	// class Leaf(ValueError): pass
	// try: raise Leaf("x")
	// except ValueError: return 2
	b := NewCodeBuilder("main")
	leaf := b.AddLocal("leaf")
	h := b.NewLabel()
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("ValueError")))
	b.EmitU16(OpMakeList, 1)
	b.EmitU16(OpMakeDict, 0)
	b.EmitU16(OpMakeClass, uint16(b.AddName("Leaf")))
	b.EmitU16(OpStoreLocal, uint16(leaf))
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("ValueError")))
	b.EmitJump(OpSetupExcept, h)
	b.EmitU16(OpLoadLocal, uint16(leaf))
	b.EmitU16(OpLoadConst, uint16(b.AddStringConst("x")))
	b.EmitU8(OpCall, 1)
	b.EmitU8(OpRaise, 1)
	b.Mark(h)
	b.Emit(OpPop)
	b.EmitI8(OpLoadInt8, 2)
	b.Emit(OpReturn)

	if got := runInt(t, vm, b.Build()); got != 2 {
		t.Errorf("result = %d, want 2", got)
	}
}

func TestCatchAllHandlesEngineErrors(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Program:
	// try: 1 + "x"
	// except: return 2
	b := NewCodeBuilder("main")
	h := b.NewLabel()
	b.Emit(OpLoadNone)
	b.EmitJump(OpSetupExcept, h)
	b.EmitI8(OpLoadInt8, 1)
	b.EmitU16(OpLoadConst, uint16(b.AddStringConst("x")))
	b.EmitU8(OpBinaryOp, byte(BinAdd))
	b.Emit(OpReturn)
	b.Mark(h)
	b.Emit(OpPop)
	b.EmitI8(OpLoadInt8, 2)
	b.Emit(OpReturn)

	if got := runInt(t, vm, b.Build()); got != 2 {
		t.Errorf("result = %d, want 2", got)
	}
}

func TestNonMatchingHandlerPropagates(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	b := NewCodeBuilder("main")
	h := b.NewLabel()
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("KeyError")))
	b.EmitJump(OpSetupExcept, h)
	emitRaise(b, "ValueError", "boom")
	b.Mark(h)
	b.Emit(OpPop)
	b.EmitI8(OpLoadInt8, 2)
	b.Emit(OpReturn)

	_, err := vm.Run(b.Build())
	wantUnhandled(t, err, "ValueError: boom")
}

func TestExceptClauseMustNameClass(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	b := NewCodeBuilder("main")
	h := b.NewLabel()
	b.EmitI8(OpLoadInt8, 7)
	b.EmitJump(OpSetupExcept, h)
	b.Emit(OpReturnNone)
	b.Mark(h)
	b.Emit(OpPop)
	b.Emit(OpReturnNone)

	_, err := vm.Run(b.Build())
	wantUnhandled(t, err, "except clause must name an exception class, got int")
}

// ---------------------------------------------------------------------------
// Finally
// ---------------------------------------------------------------------------

func TestFinallyRunsOnFallthrough(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Program:
	// fin = 0
	// try: x = 1
	// finally: fin = fin + 1
	// return fin
	b := NewCodeBuilder("main")
	x := b.AddLocal("x")
	h := b.NewLabel()
	b.EmitI8(OpLoadInt8, 0)
	b.EmitU16(OpStoreGlobal, uint16(b.AddName("fin")))
	b.EmitJump(OpSetupFinally, h)
	b.EmitI8(OpLoadInt8, 1)
	b.EmitU16(OpStoreLocal, uint16(x))
	b.Emit(OpPopBlock)
	b.Mark(h)
	b.EmitU16(OpLoadGlobal, uint16(b.AddName("fin")))
	b.EmitI8(OpLoadInt8, 1)
	b.EmitU8(OpBinaryOp, byte(BinAdd))
	b.EmitU16(OpStoreGlobal, uint16(b.AddName("fin")))
	b.Emit(OpEndFinally)
	b.EmitU16(OpLoadGlobal, uint16(b.AddName("fin")))
	b.Emit(OpReturn)

	if got := runInt(t, vm, b.Build()); got != 1 {
		t.Errorf("fin = %d, want exactly 1 run", got)
	}
}

func TestFinallyRunsOnReturn(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Program:
	// fin = 0
	// try: return 7
	// finally: fin = fin + 1
	b := NewCodeBuilder("main")
	h := b.NewLabel()
	b.EmitI8(OpLoadInt8, 0)
	b.EmitU16(OpStoreGlobal, uint16(b.AddName("fin")))
	b.EmitJump(OpSetupFinally, h)
	b.EmitI8(OpLoadInt8, 7)
	b.Emit(OpReturn)
	b.Mark(h)
	b.EmitU16(OpLoadGlobal, uint16(b.AddName("fin")))
	b.EmitI8(OpLoadInt8, 1)
	b.EmitU8(OpBinaryOp, byte(BinAdd))
	b.EmitU16(OpStoreGlobal, uint16(b.AddName("fin")))
	b.Emit(OpEndFinally)
	b.EmitI8(OpLoadInt8, 0)
	b.Emit(OpReturn)

	mod := vm.NewModule("m")
	defer vm.Release(mod)
	v, err := vm.RunIn(b.Build(), mod)
	if err != nil {
		t.Fatalf("RunIn: %v", err)
	}
	if v.SmallInt() != 7 {
		t.Errorf("result = %v, want the parked return value 7", v)
	}
	fin, _ := vm.GetGlobal(mod, "fin")
	if fin.SmallInt() != 1 {
		t.Errorf("fin = %v, want 1", fin)
	}
}

func TestFinallyRunsOnBreak(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Program:
	// fin = 0
	// while True:
	//     try: break
	//     finally: fin = fin + 1
	// return fin
	b := NewCodeBuilder("main")
	out := b.NewLabel()
	cond := b.NewLabel()
	h := b.NewLabel()
	b.EmitI8(OpLoadInt8, 0)
	b.EmitU16(OpStoreGlobal, uint16(b.AddName("fin")))
	b.EmitJump(OpSetupLoop, out)
	b.Mark(cond)
	b.EmitJump(OpSetupFinally, h)
	b.Emit(OpBreak)
	b.Mark(h)
	b.EmitU16(OpLoadGlobal, uint16(b.AddName("fin")))
	b.EmitI8(OpLoadInt8, 1)
	b.EmitU8(OpBinaryOp, byte(BinAdd))
	b.EmitU16(OpStoreGlobal, uint16(b.AddName("fin")))
	b.Emit(OpEndFinally)
	b.EmitJump(OpJump, cond)
	b.Mark(out)
	b.EmitU16(OpLoadGlobal, uint16(b.AddName("fin")))
	b.Emit(OpReturn)

	if got := runInt(t, vm, b.Build()); got != 1 {
		t.Errorf("fin = %d, want 1", got)
	}
}

func TestFinallyRunsOnException(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Program:
	// fin = 0
	// try: raise ValueError("boom")
	// finally: fin = fin + 1
	b := NewCodeBuilder("main")
	h := b.NewLabel()
	b.EmitI8(OpLoadInt8, 0)
	b.EmitU16(OpStoreGlobal, uint16(b.AddName("fin")))
	b.EmitJump(OpSetupFinally, h)
	emitRaise(b, "ValueError", "boom")
	b.Mark(h)
	b.EmitU16(OpLoadGlobal, uint16(b.AddName("fin")))
	b.EmitI8(OpLoadInt8, 1)
	b.EmitU8(OpBinaryOp, byte(BinAdd))
	b.EmitU16(OpStoreGlobal, uint16(b.AddName("fin")))
	b.Emit(OpEndFinally)
	b.Emit(OpReturnNone)

	mod := vm.NewModule("m")
	defer vm.Release(mod)
	_, err := vm.RunIn(b.Build(), mod)
	wantUnhandled(t, err, "ValueError: boom")

	fin, _ := vm.GetGlobal(mod, "fin")
	if fin.SmallInt() != 1 {
		t.Errorf("fin = %v, want the finally body to have run once", fin)
	}
}

func TestRaiseInFinallyReplacesParked(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Program:
	// try: raise ValueError("first")
	// finally: raise KeyError("second")
	b := NewCodeBuilder("main")
	h := b.NewLabel()
	b.EmitJump(OpSetupFinally, h)
	emitRaise(b, "ValueError", "first")
	b.Mark(h)
	emitRaise(b, "KeyError", "second")

	_, err := vm.Run(b.Build())
	wantUnhandled(t, err, "unhandled exception: ValueError: first -> KeyError: second")
}

// ---------------------------------------------------------------------------
// Chaining
// ---------------------------------------------------------------------------

func TestImplicitChainingInsideHandler(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Program:
	// try: raise ValueError("first")
	// except ValueError: raise KeyError("second")
	b := NewCodeBuilder("main")
	h := b.NewLabel()
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("ValueError")))
	b.EmitJump(OpSetupExcept, h)
	emitRaise(b, "ValueError", "first")
	b.Mark(h)
	b.Emit(OpPop)
	emitRaise(b, "KeyError", "second")

	_, err := vm.Run(b.Build())
	wantUnhandled(t, err, "unhandled exception: ValueError: first -> KeyError: second")
}

func TestRaiseFromExplicitCause(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Program: raise KeyError("outer") from ValueError("root")
	b := NewCodeBuilder("main")
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("KeyError")))
	b.EmitU16(OpLoadConst, uint16(b.AddStringConst("outer")))
	b.EmitU8(OpCall, 1)
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("ValueError")))
	b.EmitU16(OpLoadConst, uint16(b.AddStringConst("root")))
	b.EmitU8(OpCall, 1)
	b.EmitU8(OpRaise, 2)

	_, err := vm.Run(b.Build())
	wantUnhandled(t, err, "unhandled exception: ValueError: root -> KeyError: outer")
}

func TestRaiseFromNoneSuppressesChaining(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Program:
	// try: raise ValueError("first")
	// except ValueError: raise KeyError("second") from None
	b := NewCodeBuilder("main")
	h := b.NewLabel()
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("ValueError")))
	b.EmitJump(OpSetupExcept, h)
	emitRaise(b, "ValueError", "first")
	b.Mark(h)
	b.Emit(OpPop)
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("KeyError")))
	b.EmitU16(OpLoadConst, uint16(b.AddStringConst("second")))
	b.EmitU8(OpCall, 1)
	b.Emit(OpLoadNone)
	b.EmitU8(OpRaise, 2)

	_, err := vm.Run(b.Build())
	if err == nil {
		t.Fatal("no error")
	}
	var u *Unhandled
	if !errors.As(err, &u) {
		t.Fatalf("error %T, want *Unhandled", err)
	}
	defer u.Release()
	if u.Error() != "unhandled exception: KeyError: second" {
		t.Errorf("error = %q, want no cause in the chain", u.Error())
	}
}

func TestBareRaiseRethrows(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	// Program:
	// try: raise ValueError("boom")
	// except ValueError: raise
	b := NewCodeBuilder("main")
	h := b.NewLabel()
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("ValueError")))
	b.EmitJump(OpSetupExcept, h)
	emitRaise(b, "ValueError", "boom")
	b.Mark(h)
	b.Emit(OpPop)
	b.EmitU8(OpRaise, 0)

	_, err := vm.Run(b.Build())
	wantUnhandled(t, err, "unhandled exception: ValueError: boom")
}

func TestBareRaiseWithoutActiveException(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	b := NewCodeBuilder("main")
	b.EmitU8(OpRaise, 0)
	b.Emit(OpReturnNone)

	_, err := vm.Run(b.Build())
	wantUnhandled(t, err, "no active exception to re-raise")
}

// ---------------------------------------------------------------------------
// Raise operand coercion
// ---------------------------------------------------------------------------

func TestRaiseRejectsNonException(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	b := NewCodeBuilder("main")
	b.EmitI8(OpLoadInt8, 3)
	b.EmitU8(OpRaise, 1)
	_, err := vm.Run(b.Build())
	wantUnhandled(t, err, "exceptions must derive from Exception, not int")

	// A class outside the exception hierarchy is no better.
	b = NewCodeBuilder("main")
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("int")))
	b.EmitU8(OpRaise, 1)
	_, err = vm.Run(b.Build())
	wantUnhandled(t, err, "exceptions must derive from Exception, not type")
}

func TestRaiseClassInstantiatesBare(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	b := NewCodeBuilder("main")
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("ValueError")))
	b.EmitU8(OpRaise, 1)

	_, err := vm.Run(b.Build())
	if err == nil {
		t.Fatal("no error")
	}
	var u *Unhandled
	if !errors.As(err, &u) {
		t.Fatalf("error %T, want *Unhandled", err)
	}
	defer u.Release()
	if u.Error() != "unhandled exception: ValueError" {
		t.Errorf("error = %q", u.Error())
	}
}

// ---------------------------------------------------------------------------
// Handler bookkeeping opcodes
// ---------------------------------------------------------------------------

func TestEndFinallyOutsideHandler(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	b := NewCodeBuilder("main")
	b.Emit(OpEndFinally)
	_, err := vm.Run(b.Build())
	wantUnhandled(t, err, "END_FINALLY outside of a finally handler")

	// A surrounding loop block does not count as a finally handler.
	b = NewCodeBuilder("main")
	out := b.NewLabel()
	b.EmitJump(OpSetupLoop, out)
	b.Emit(OpEndFinally)
	b.EmitJump(OpJump, out)
	b.Mark(out)
	b.Emit(OpReturnNone)
	_, err = vm.Run(b.Build())
	wantUnhandled(t, err, "END_FINALLY outside of a finally handler")
}

func TestPopExceptWithoutActiveException(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	b := NewCodeBuilder("main")
	b.Emit(OpPopExcept)
	b.Emit(OpReturnNone)

	_, err := vm.Run(b.Build())
	wantUnhandled(t, err, "POP_EXCEPT with no active exception")
}

func TestPopBlockWithoutBlock(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	b := NewCodeBuilder("main")
	b.Emit(OpPopBlock)
	b.Emit(OpReturnNone)

	_, err := vm.Run(b.Build())
	wantUnhandled(t, err, "POP_BLOCK with no active block")
}

// ---------------------------------------------------------------------------
// Unhandled accessors
// ---------------------------------------------------------------------------

func TestUnhandledChainAccessors(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	b := NewCodeBuilder("main")
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("KeyError")))
	b.EmitU16(OpLoadConst, uint16(b.AddStringConst("outer")))
	b.EmitU8(OpCall, 1)
	b.EmitU16(OpLoadBuiltin, uint16(b.AddName("ValueError")))
	b.EmitU16(OpLoadConst, uint16(b.AddStringConst("root")))
	b.EmitU8(OpCall, 1)
	b.EmitU8(OpRaise, 2)

	_, err := vm.Run(b.Build())
	if err == nil {
		t.Fatal("no error")
	}
	var u *Unhandled
	if !errors.As(err, &u) {
		t.Fatalf("error %T, want *Unhandled", err)
	}
	defer u.Release()

	chain := u.Chain()
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if got := vm.ExcMessage(chain[0]); got != "ValueError: root" {
		t.Errorf("chain[0] = %q, want the originating exception first", got)
	}
	if got := vm.ExcMessage(chain[1]); got != "KeyError: outer" {
		t.Errorf("chain[1] = %q", got)
	}
	if chain[1] != u.Exception() {
		t.Error("chain should end with the escaping exception")
	}
}
