package vm

// ---------------------------------------------------------------------------
// Sequence operations: lists and strings
// ---------------------------------------------------------------------------

// NewList allocates a list value taking ownership of items: the caller's
// references transfer to the list.
func (vm *VM) NewList(items []Value) Value {
	return vm.heap.alloc(KindList, &ListObject{Items: items})
}

// NewListCopy allocates a list value retaining each item.
func (vm *VM) NewListCopy(items []Value) Value {
	owned := make([]Value, len(items))
	for i, it := range items {
		owned[i] = vm.heap.Retain(it)
	}
	return vm.NewList(owned)
}

// NewString allocates a string value.
func (vm *VM) NewString(s string) Value {
	return vm.heap.alloc(KindString, &StringObject{S: s})
}

// StringOf extracts the Go string behind v. The bool is false when v is not
// a string.
func (vm *VM) StringOf(v Value) (string, bool) {
	if s := vm.heap.str(v); s != nil {
		return s.S, true
	}
	return "", false
}

// listAppend appends an item, retaining it.
func (vm *VM) listAppend(l *ListObject, item Value) {
	l.Items = append(l.Items, vm.heap.Retain(item))
}

// seqIndex normalizes a possibly negative subscript against length. Errors
// are language exceptions.
func (vm *VM) seqIndex(idx Value, length int) (int, error) {
	i, err := vm.intIndex(idx)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		i += length
	}
	if i < 0 || i >= length {
		return 0, vm.Raisef(vm.IndexErrorClass, "index out of range")
	}
	return i, nil
}

// listGetItem returns a new reference to the element at idx.
func (vm *VM) listGetItem(l *ListObject, idx Value) (Value, error) {
	i, err := vm.seqIndex(idx, len(l.Items))
	if err != nil {
		return None, err
	}
	return vm.heap.Retain(l.Items[i]), nil
}

// listSetItem replaces the element at idx, releasing the old one.
func (vm *VM) listSetItem(l *ListObject, idx, item Value) error {
	i, err := vm.seqIndex(idx, len(l.Items))
	if err != nil {
		return err
	}
	vm.heap.Retain(item)
	vm.heap.Release(l.Items[i])
	l.Items[i] = item
	return nil
}

// listConcat builds a new list from the elements of a then b.
func (vm *VM) listConcat(a, b *ListObject) Value {
	items := make([]Value, 0, len(a.Items)+len(b.Items))
	for _, it := range a.Items {
		items = append(items, vm.heap.Retain(it))
	}
	for _, it := range b.Items {
		items = append(items, vm.heap.Retain(it))
	}
	return vm.NewList(items)
}

// listRepeat builds a new list with the elements of l repeated n times.
func (vm *VM) listRepeat(l *ListObject, n int64) Value {
	if n < 0 {
		n = 0
	}
	items := make([]Value, 0, int(n)*len(l.Items))
	for range int(n) {
		for _, it := range l.Items {
			items = append(items, vm.heap.Retain(it))
		}
	}
	return vm.NewList(items)
}

// strRepeat repeats a string n times.
func strRepeat(s string, n int64) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, int(n)*len(s))
	for range int(n) {
		out = append(out, s...)
	}
	return string(out)
}

// strGetItem returns the single-character string at idx.
func (vm *VM) strGetItem(s string, idx Value) (Value, error) {
	runes := []rune(s)
	i, err := vm.seqIndex(idx, len(runes))
	if err != nil {
		return None, err
	}
	return vm.NewString(string(runes[i])), nil
}

// listEqual compares element-wise. Identical elements short-circuit, so a
// list always equals itself even when self-referential.
func (vm *VM) listEqual(a, b *ListObject, depth int) (bool, error) {
	if len(a.Items) != len(b.Items) {
		return false, nil
	}
	for i := range a.Items {
		eq, err := vm.valuesEqual(a.Items[i], b.Items[i], depth+1)
		if err != nil {
			return false, err
		}
		if !eq {
			return false, nil
		}
	}
	return true, nil
}

// listCompare orders two lists lexicographically: -1, 0 or 1.
func (vm *VM) listCompare(a, b *ListObject, depth int) (int, error) {
	n := min(len(a.Items), len(b.Items))
	for i := range n {
		eq, err := vm.valuesEqual(a.Items[i], b.Items[i], depth+1)
		if err != nil {
			return 0, err
		}
		if eq {
			continue
		}
		lt, err := vm.valuesLess(a.Items[i], b.Items[i], depth+1)
		if err != nil {
			return 0, err
		}
		if lt {
			return -1, nil
		}
		return 1, nil
	}
	switch {
	case len(a.Items) < len(b.Items):
		return -1, nil
	case len(a.Items) > len(b.Items):
		return 1, nil
	}
	return 0, nil
}
