package vm

import (
	"math"
	"math/big"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Binary operator dispatch
// ---------------------------------------------------------------------------

func TestBinaryOpNumericFastPath(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	res, err := vm.binaryOp(BinAdd, FromSmallInt(2), FromSmallInt(3))
	if err != nil {
		t.Fatalf("2 + 3: %v", err)
	}
	if !res.IsSmallInt() || res.SmallInt() != 5 {
		t.Errorf("2 + 3 = %v, want 5", res)
	}

	res, err = vm.binaryOp(BinMul, FromFloat(1.5), FromSmallInt(2))
	if err != nil {
		t.Fatalf("1.5 * 2: %v", err)
	}
	if !res.IsFloat() || res.Float() != 3 {
		t.Errorf("1.5 * 2 = %v, want 3.0", res)
	}
}

func TestStringConcatAndRepeat(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	a := vm.NewString("foo")
	b := vm.NewString("bar")
	defer vm.Release(a)
	defer vm.Release(b)

	cat, err := vm.binaryOp(BinAdd, a, b)
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	if s, _ := vm.StringOf(cat); s != "foobar" {
		t.Errorf("concat = %q, want foobar", s)
	}
	vm.Release(cat)

	for _, swap := range []bool{false, true} {
		l, r := a, FromSmallInt(2)
		if swap {
			l, r = r, l
		}
		rep, err := vm.binaryOp(BinMul, l, r)
		if err != nil {
			t.Fatalf("repeat (swap=%v): %v", swap, err)
		}
		if s, _ := vm.StringOf(rep); s != "foofoo" {
			t.Errorf("repeat (swap=%v) = %q, want foofoo", swap, s)
		}
		vm.Release(rep)
	}
}

func TestListOperators(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	one := vm.NewList([]Value{FromSmallInt(1)})
	two := vm.NewList([]Value{FromSmallInt(2)})
	defer vm.Release(one)
	defer vm.Release(two)

	cat, err := vm.binaryOp(BinAdd, one, two)
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	items := vm.heap.list(cat).Items
	if len(items) != 2 || items[0].SmallInt() != 1 || items[1].SmallInt() != 2 {
		t.Errorf("concat = %v, want [1, 2]", items)
	}
	vm.Release(cat)

	rep, err := vm.binaryOp(BinMul, FromSmallInt(3), one)
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if got := len(vm.heap.list(rep).Items); got != 3 {
		t.Errorf("repeat length = %d, want 3", got)
	}
	vm.Release(rep)
}

func TestRepeatCountOutOfRange(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	s := vm.NewString("x")
	huge := vm.NewBigInt(new(big.Int).Lsh(big.NewInt(1), 80))
	defer vm.Release(s)
	defer vm.Release(huge)

	_, err := vm.binaryOp(BinMul, s, huge)
	if err == nil {
		t.Fatal("repetition by 2**80 succeeded")
	}
	if !vm.raisedMatches(err, vm.ValueErrorClass) {
		t.Errorf("error %v, want ValueError", err)
	}
	vm.releaseRaised(err)
}

func TestBinaryOpTypeMismatchMessage(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	_, err := vm.binaryOp(BinAdd, None, FromSmallInt(1))
	if err == nil {
		t.Fatal("None + 1 succeeded")
	}
	want := "TypeMismatch: unsupported operand type(s) for +: NoneType and int"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err, want)
	}
	vm.releaseRaised(err)
}

func TestBinaryOpHooksAndReflection(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	cls, err := vm.NewClass("Vec", nil)
	if err != nil {
		t.Fatalf("NewClass: %v", err)
	}
	defer vm.Release(cls)

	adds := 0
	hook := vm.heap.alloc(KindBuiltin, &BuiltinObject{
		Meta: BuiltinMeta{Name: "__add__", MinArgs: 2, MaxArgs: 2, Method: true},
		Fn: func(vm *VM, args []Value) (Value, error) {
			adds++
			return FromSmallInt(99), nil
		},
	})
	vm.setClassAttr(vm.heap.class(cls), "__add__", hook)
	vm.Release(hook)

	inst, err := vm.call(cls, nil, nil)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer vm.Release(inst)

	res, err := vm.binaryOp(BinAdd, inst, FromSmallInt(1))
	if err != nil {
		t.Fatalf("inst + 1: %v", err)
	}
	if res.SmallInt() != 99 || adds != 1 {
		t.Errorf("inst + 1 = %v (adds=%d), want 99 via the hook", res, adds)
	}

	// The left operand has no hook; dispatch falls through to the right
	// operand's reflected form.
	radd := vm.heap.alloc(KindBuiltin, &BuiltinObject{
		Meta: BuiltinMeta{Name: "__radd__", MinArgs: 2, MaxArgs: 2, Method: true},
		Fn: func(vm *VM, args []Value) (Value, error) {
			return FromSmallInt(77), nil
		},
	})
	vm.setClassAttr(vm.heap.class(cls), "__radd__", radd)
	vm.Release(radd)

	res, err = vm.binaryOp(BinAdd, None, inst)
	if err != nil {
		t.Fatalf("None + inst: %v", err)
	}
	if res.SmallInt() != 77 {
		t.Errorf("None + inst = %v, want 77 via __radd__", res)
	}
}

func TestBinaryOpNotImplementedFallsThrough(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	cls, _ := vm.NewClass("Decliner", nil)
	defer vm.Release(cls)

	decline := vm.heap.alloc(KindBuiltin, &BuiltinObject{
		Meta: BuiltinMeta{Name: "__add__", MinArgs: 2, MaxArgs: 2, Method: true},
		Fn: func(vm *VM, args []Value) (Value, error) {
			return NotImplemented, nil
		},
	})
	vm.setClassAttr(vm.heap.class(cls), "__add__", decline)
	vm.Release(decline)

	inst, err := vm.call(cls, nil, nil)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer vm.Release(inst)

	_, err = vm.binaryOp(BinAdd, inst, None)
	if err == nil {
		t.Fatal("declined operation still produced a value")
	}
	if !vm.raisedMatches(err, vm.TypeMismatchClass) {
		t.Errorf("error %v, want TypeMismatch", err)
	}
	vm.releaseRaised(err)
}

// ---------------------------------------------------------------------------
// Comparison dispatch
// ---------------------------------------------------------------------------

func TestCompareIsIdentity(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	a := vm.NewString("x")
	b := vm.NewString("x")
	defer vm.Release(a)
	defer vm.Release(b)

	res, _ := vm.compareOp(CmpIs, a, a)
	if res != True {
		t.Error("a is a = False")
	}
	res, _ = vm.compareOp(CmpIs, a, b)
	if res != False {
		t.Error("distinct equal strings reported identical")
	}
	res, _ = vm.compareOp(CmpIs, None, None)
	if res != True {
		t.Error("None is None = False")
	}
}

func TestCompareEqualityFallsBackToIdentity(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	e1 := vm.NewException(vm.ValueErrorClass, nil)
	e2 := vm.NewException(vm.ValueErrorClass, nil)
	defer vm.Release(e1)
	defer vm.Release(e2)

	res, err := vm.compareOp(CmpEq, e1, e1)
	if err != nil || res != True {
		t.Errorf("e1 == e1 -> %v, %v, want True", res, err)
	}
	res, err = vm.compareOp(CmpEq, e1, e2)
	if err != nil || res != False {
		t.Errorf("e1 == e2 -> %v, %v, want False", res, err)
	}
	res, err = vm.compareOp(CmpNe, e1, e2)
	if err != nil || res != True {
		t.Errorf("e1 != e2 -> %v, %v, want True", res, err)
	}
}

func TestCompareOrderingTypeMismatch(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	_, err := vm.compareOp(CmpLt, None, FromSmallInt(1))
	if err == nil {
		t.Fatal("None < 1 succeeded")
	}
	want := "TypeMismatch: < not supported between NoneType and int"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err, want)
	}
	vm.releaseRaised(err)
}

func TestCompareStringsOrder(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	a := vm.NewString("apple")
	b := vm.NewString("banana")
	defer vm.Release(a)
	defer vm.Release(b)

	res, err := vm.compareOp(CmpLt, a, b)
	if err != nil || res != True {
		t.Errorf("apple < banana -> %v, %v, want True", res, err)
	}
	res, err = vm.compareOp(CmpGe, a, b)
	if err != nil || res != False {
		t.Errorf("apple >= banana -> %v, %v, want False", res, err)
	}
}

func TestCompareNaN(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	nan := FromFloat(math.NaN())
	one := FromFloat(1.0)

	cases := []struct {
		op   CmpOp
		l, r Value
		want Value
	}{
		{CmpEq, nan, nan, False},
		{CmpNe, nan, nan, True},
		{CmpEq, nan, one, False},
		{CmpEq, one, nan, False},
		{CmpLt, nan, one, False},
		{CmpGt, nan, one, False},
		{CmpLe, nan, nan, False},
		{CmpGe, one, nan, False},
	}
	for _, tc := range cases {
		res, err := vm.compareOp(tc.op, tc.l, tc.r)
		if err != nil || res != tc.want {
			t.Errorf("compareOp(%v, %v, %v) = %v, %v, want %v",
				tc.op, tc.l.Float(), tc.r.Float(), res, err, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Unary dispatch and truthiness
// ---------------------------------------------------------------------------

func TestUnaryNeg(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	res, err := vm.unaryOp(UnNeg, FromSmallInt(5))
	if err != nil || res.SmallInt() != -5 {
		t.Errorf("-5 -> %v, %v", res, err)
	}

	s := vm.NewString("x")
	defer vm.Release(s)
	_, err = vm.unaryOp(UnNeg, s)
	if err == nil {
		t.Fatal("-\"x\" succeeded")
	}
	if !strings.Contains(err.Error(), "bad operand type for unary -: str") {
		t.Errorf("error = %q", err)
	}
	vm.releaseRaised(err)
}

func TestUnaryNot(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	res, err := vm.unaryOp(UnNot, FromSmallInt(0))
	if err != nil || res != True {
		t.Errorf("not 0 -> %v, %v, want True", res, err)
	}
	s := vm.NewString("x")
	defer vm.Release(s)
	res, err = vm.unaryOp(UnNot, s)
	if err != nil || res != False {
		t.Errorf("not \"x\" -> %v, %v, want False", res, err)
	}
}

func TestTruthyFast(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	empty := vm.NewString("")
	full := vm.NewString("x")
	emptyList := vm.NewList(nil)
	fullList := vm.NewList([]Value{FromSmallInt(1)})
	emptyDict := vm.NewDict()
	wide := vm.NewBigInt(new(big.Int).Lsh(big.NewInt(1), 64))
	defer func() {
		for _, v := range []Value{empty, full, emptyList, fullList, emptyDict, wide} {
			vm.Release(v)
		}
	}()

	tests := []struct {
		v    Value
		want bool
	}{
		{None, false},
		{False, false},
		{True, true},
		{FromSmallInt(0), false},
		{FromSmallInt(-3), true},
		{FromFloat(0), false},
		{FromFloat(0.1), true},
		{empty, false},
		{full, true},
		{emptyList, false},
		{fullList, true},
		{emptyDict, false},
		{wide, true},
	}
	for _, tc := range tests {
		if got := vm.truthyFast(tc.v); got != tc.want {
			t.Errorf("truthyFast(%s) = %v, want %v", vm.reprFallback(tc.v), got, tc.want)
		}
	}
}

func TestTruthyBoolHookMustReturnBool(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	cls, _ := vm.NewClass("Odd", nil)
	defer vm.Release(cls)

	bad := vm.heap.alloc(KindBuiltin, &BuiltinObject{
		Meta: BuiltinMeta{Name: "__bool__", MinArgs: 1, MaxArgs: 1, Method: true},
		Fn: func(vm *VM, args []Value) (Value, error) {
			return FromSmallInt(1), nil
		},
	})
	vm.setClassAttr(vm.heap.class(cls), "__bool__", bad)
	vm.Release(bad)

	inst, err := vm.call(cls, nil, nil)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer vm.Release(inst)

	_, err = vm.truthy(inst)
	if err == nil {
		t.Fatal("non-bool __bool__ accepted")
	}
	if !strings.Contains(err.Error(), "__bool__ should return bool, returned int") {
		t.Errorf("error = %q", err)
	}
	vm.releaseRaised(err)
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		f    float64
		want string
	}{
		{1, "1.0"},
		{-2.5, "-2.5"},
		{0.5, "0.5"},
		{1e20, "1e+20"},
		{0, "0.0"},
	}
	for _, tc := range tests {
		if got := formatFloat(tc.f); got != tc.want {
			t.Errorf("formatFloat(%v) = %q, want %q", tc.f, got, tc.want)
		}
	}
}

func TestReprNestedContainers(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	inner := vm.NewList([]Value{FromFloat(2), None})
	hi := vm.NewString("hi")
	outer := vm.NewList([]Value{FromSmallInt(1), hi, inner})
	defer vm.Release(outer)

	got, err := vm.Repr(outer)
	if err != nil {
		t.Fatalf("Repr: %v", err)
	}
	if got != `[1, "hi", [2.0, None]]` {
		t.Errorf("Repr = %s", got)
	}
}

func TestReprDict(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	d := vm.NewDict()
	defer vm.Release(d)
	k := vm.NewString("a")
	if err := vm.dictSet(vm.heap.dict(d), k, FromSmallInt(1)); err != nil {
		t.Fatalf("dictSet: %v", err)
	}
	vm.Release(k)

	got, err := vm.Repr(d)
	if err != nil {
		t.Fatalf("Repr: %v", err)
	}
	if got != `{"a": 1}` {
		t.Errorf("Repr = %s", got)
	}
}

func TestReprSelfReferentialListIsCapped(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	l := vm.NewList(nil)
	obj := vm.heap.list(l)
	obj.Items = append(obj.Items, vm.Retain(l))

	got, err := vm.Repr(l)
	if err != nil {
		t.Fatalf("Repr: %v", err)
	}
	if !strings.Contains(got, "...") {
		t.Errorf("Repr of self-referential list = %q, want truncation marker", got)
	}

	vm.Release(l)
	vm.Collect()
}

func TestStrVersusRepr(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	s := vm.NewString("hi")
	defer vm.Release(s)

	str, err := vm.Str(s)
	if err != nil || str != "hi" {
		t.Errorf("Str = %q, %v, want hi", str, err)
	}
	rep, err := vm.Repr(s)
	if err != nil || rep != `"hi"` {
		t.Errorf("Repr = %q, %v, want quoted", rep, err)
	}
}

func TestStrAndReprOfException(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	msg := vm.NewString("boom")
	exc := vm.NewException(vm.ValueErrorClass, []Value{msg})
	vm.Release(msg)
	defer vm.Release(exc)

	str, err := vm.Str(exc)
	if err != nil || str != "boom" {
		t.Errorf("Str = %q, %v, want boom", str, err)
	}
	rep, err := vm.Repr(exc)
	if err != nil || rep != `ValueError("boom")` {
		t.Errorf("Repr = %q, %v", rep, err)
	}
}
