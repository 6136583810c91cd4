package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// List operations
// ---------------------------------------------------------------------------

func TestListGetItem(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	l := vm.NewList([]Value{FromSmallInt(10), FromSmallInt(20), FromSmallInt(30)})
	defer vm.Release(l)

	tests := []struct {
		idx  int64
		want int64
	}{
		{0, 10},
		{2, 30},
		{-1, 30},
		{-3, 10},
	}
	for _, tc := range tests {
		v, err := vm.listGetItem(vm.heap.list(l), FromSmallInt(tc.idx))
		if err != nil {
			t.Errorf("l[%d]: %v", tc.idx, err)
			continue
		}
		if v.SmallInt() != tc.want {
			t.Errorf("l[%d] = %v, want %d", tc.idx, v, tc.want)
		}
	}
}

func TestListIndexOutOfRange(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	l := vm.NewList([]Value{FromSmallInt(1)})
	defer vm.Release(l)

	for _, idx := range []int64{1, -2, 100} {
		_, err := vm.listGetItem(vm.heap.list(l), FromSmallInt(idx))
		if err == nil {
			t.Errorf("l[%d]: no error", idx)
			continue
		}
		if !vm.raisedMatches(err, vm.IndexErrorClass) {
			t.Errorf("l[%d]: error %v, want IndexError", idx, err)
		}
		vm.releaseRaised(err)
	}
}

func TestListSetItemReplacesAndReleases(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	old := vm.NewString("old")
	l := vm.NewList([]Value{old})
	defer vm.Release(l)

	if err := vm.listSetItem(vm.heap.list(l), FromSmallInt(0), FromSmallInt(5)); err != nil {
		t.Fatalf("setitem: %v", err)
	}
	if vm.heap.get(old) != nil {
		t.Error("replaced element not released")
	}
	if got := vm.heap.list(l).Items[0]; got.SmallInt() != 5 {
		t.Errorf("l[0] = %v, want 5", got)
	}
}

func TestListConcat(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	a := vm.NewList([]Value{FromSmallInt(1), FromSmallInt(2)})
	b := vm.NewList([]Value{FromSmallInt(3)})
	res := vm.listConcat(vm.heap.list(a), vm.heap.list(b))

	items := vm.heap.list(res).Items
	if len(items) != 3 || items[0].SmallInt() != 1 || items[2].SmallInt() != 3 {
		t.Errorf("concat = %v, want [1 2 3]", items)
	}
	vm.Release(a)
	vm.Release(b)
	vm.Release(res)
}

func TestListRepeat(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	l := vm.NewList([]Value{FromSmallInt(7)})
	res := vm.listRepeat(vm.heap.list(l), 3)
	if n := len(vm.heap.list(res).Items); n != 3 {
		t.Errorf("len(l * 3) = %d, want 3", n)
	}
	vm.Release(res)

	res = vm.listRepeat(vm.heap.list(l), -2)
	if n := len(vm.heap.list(res).Items); n != 0 {
		t.Errorf("len(l * -2) = %d, want 0", n)
	}
	vm.Release(res)
	vm.Release(l)
}

// ---------------------------------------------------------------------------
// List comparison
// ---------------------------------------------------------------------------

func TestListCompareLexicographic(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	mk := func(xs ...int64) Value {
		items := make([]Value, len(xs))
		for i, x := range xs {
			items[i] = FromSmallInt(x)
		}
		return vm.NewList(items)
	}

	tests := []struct {
		a, b Value
		want int
	}{
		{mk(1, 2), mk(1, 2), 0},
		{mk(1, 2), mk(1, 3), -1},
		{mk(1, 3), mk(1, 2), 1},
		{mk(1), mk(1, 0), -1},
		{mk(1, 0), mk(1), 1},
		{mk(), mk(), 0},
	}
	for i, tc := range tests {
		c, err := vm.listCompare(vm.heap.list(tc.a), vm.heap.list(tc.b), 0)
		if err != nil {
			t.Errorf("case %d: %v", i, err)
		} else if c != tc.want {
			t.Errorf("case %d: compare = %d, want %d", i, c, tc.want)
		}
		vm.Release(tc.a)
		vm.Release(tc.b)
	}
}

func TestListCompareMixedElements(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	a := vm.NewList([]Value{vm.NewString("apple")})
	b := vm.NewList([]Value{vm.NewString("banana")})
	c, err := vm.listCompare(vm.heap.list(a), vm.heap.list(b), 0)
	if err != nil || c != -1 {
		t.Errorf(`["apple"] vs ["banana"] = %d, %v, want -1`, c, err)
	}
	vm.Release(a)
	vm.Release(b)

	inner1 := vm.NewList([]Value{FromSmallInt(1)})
	inner2 := vm.NewList([]Value{FromSmallInt(2)})
	outer1 := vm.NewList([]Value{inner1})
	outer2 := vm.NewList([]Value{inner2})
	c, err = vm.listCompare(vm.heap.list(outer1), vm.heap.list(outer2), 0)
	if err != nil || c != -1 {
		t.Errorf("[[1]] vs [[2]] = %d, %v, want -1", c, err)
	}
	vm.Release(outer1)
	vm.Release(outer2)

	mixed := vm.NewList([]Value{vm.NewString("a")})
	ints := vm.NewList([]Value{FromSmallInt(1)})
	_, err = vm.listCompare(vm.heap.list(mixed), vm.heap.list(ints), 0)
	if err == nil {
		t.Fatal("ordering str against int succeeded")
	}
	if want := "TypeMismatch: < not supported between str and int"; err.Error() != want {
		t.Errorf("error = %q, want %q", err, want)
	}
	vm.releaseRaised(err)
	vm.Release(mixed)
	vm.Release(ints)
}

func TestSelfReferentialListEqualsItself(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	l := vm.NewList(nil)
	vm.listAppend(vm.heap.list(l), l)

	eq, err := vm.listEqual(vm.heap.list(l), vm.heap.list(l), 0)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !eq {
		t.Error("a list should equal itself even when self-referential")
	}

	vm.Release(l)
	vm.Collect()
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

func TestStringOf(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	s := vm.NewString("hello")
	defer vm.Release(s)
	if got, ok := vm.StringOf(s); !ok || got != "hello" {
		t.Errorf("StringOf = %q, %v, want \"hello\", true", got, ok)
	}
	if _, ok := vm.StringOf(FromSmallInt(1)); ok {
		t.Error("StringOf accepted an integer")
	}
}

func TestStrGetItemIsRuneWise(t *testing.T) {
	vm := NewVM()
	defer vm.Close()

	tests := []struct {
		s    string
		idx  int64
		want string
	}{
		{"abc", 0, "a"},
		{"abc", -1, "c"},
		{"héllo", 1, "é"},
		{"héllo", -1, "o"},
	}
	for _, tc := range tests {
		v, err := vm.strGetItem(tc.s, FromSmallInt(tc.idx))
		if err != nil {
			t.Errorf("%q[%d]: %v", tc.s, tc.idx, err)
			continue
		}
		got, _ := vm.StringOf(v)
		if got != tc.want {
			t.Errorf("%q[%d] = %q, want %q", tc.s, tc.idx, got, tc.want)
		}
		vm.Release(v)
	}

	_, err := vm.strGetItem("ab", FromSmallInt(2))
	if err == nil {
		t.Error("out-of-range string index should fail")
	} else {
		vm.releaseRaised(err)
	}
}

func TestStrRepeat(t *testing.T) {
	if got := strRepeat("ab", 3); got != "ababab" {
		t.Errorf("strRepeat(ab, 3) = %q, want ababab", got)
	}
	if got := strRepeat("ab", 0); got != "" {
		t.Errorf("strRepeat(ab, 0) = %q, want empty", got)
	}
	if got := strRepeat("ab", -1); got != "" {
		t.Errorf("strRepeat(ab, -1) = %q, want empty", got)
	}
}
