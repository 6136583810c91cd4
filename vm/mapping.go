package vm

import (
	"math"
	"math/big"
)

// ---------------------------------------------------------------------------
// DictObject: insertion-ordered mapping
// ---------------------------------------------------------------------------

// dictKey is the comparable normal form a value must reduce to before it can
// key a dict. Numerically equal keys normalize identically (1, 1.0 and true
// all hit the same slot), mirroring the hash/equality contract.
type dictKey struct {
	kind byte
	i    int64
	s    string
}

const (
	keyNone byte = iota
	keyInt
	keyBigInt
	keyFloat
	keyString
	keyIdent
)

// DictEntry is one key/value pair in insertion order.
type DictEntry struct {
	Key   Value
	Value Value
}

// DictObject preserves insertion order: iteration and rendering walk entries
// in the order keys were first inserted. Overwriting a key keeps its
// original position.
type DictObject struct {
	entries []DictEntry
	index   map[dictKey]int
}

// NewDictObject returns an empty dict payload.
func NewDictObject() *DictObject {
	return &DictObject{index: make(map[dictKey]int)}
}

// NewDict allocates an empty dict value.
func (vm *VM) NewDict() Value {
	return vm.heap.alloc(KindDict, NewDictObject())
}

// Len returns the number of entries.
func (d *DictObject) Len() int {
	return len(d.entries)
}

// Entries returns the entries in insertion order. The slice is shared; do
// not mutate.
func (d *DictObject) Entries() []DictEntry {
	return d.entries
}

// ---------------------------------------------------------------------------
// Hashing
// ---------------------------------------------------------------------------

// hashKey normalizes v into a dict key. Mutable containers are rejected with
// UnhashableType; instances and other heap values hash by identity.
func (vm *VM) hashKey(v Value) (dictKey, error) {
	switch v {
	case None:
		return dictKey{kind: keyNone}, nil
	case True:
		return dictKey{kind: keyInt, i: 1}, nil
	case False:
		return dictKey{kind: keyInt, i: 0}, nil
	}
	if v.IsSmallInt() {
		return dictKey{kind: keyInt, i: v.SmallInt()}, nil
	}
	if v.IsFloat() {
		f := v.Float()
		// Integral floats collapse onto the integer key space so that
		// numeric equality implies key equality. The int64-exact window
		// is [-2^63, 2^63); integral floats outside it key through their
		// decimal rendering, like big integers.
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			if f >= -(1 << 63) && f < (1 << 63) {
				return dictKey{kind: keyInt, i: int64(f)}, nil
			}
			return dictKey{kind: keyBigInt, s: big.NewFloat(f).Text('f', 0)}, nil
		}
		return dictKey{kind: keyFloat, i: int64(math.Float64bits(f))}, nil
	}

	obj := vm.heap.get(v)
	if obj == nil {
		return dictKey{}, vm.Raisef(vm.TypeMismatchClass, "invalid dict key")
	}
	switch obj.Kind {
	case KindString:
		return dictKey{kind: keyString, s: obj.Payload.(*StringObject).S}, nil
	case KindBigInt:
		b := obj.Payload.(*BigIntObject).I
		if b.IsInt64() {
			return dictKey{kind: keyInt, i: b.Int64()}, nil
		}
		return dictKey{kind: keyBigInt, s: b.String()}, nil
	case KindList, KindDict:
		return dictKey{}, vm.Raisef(vm.UnhashableTypeClass, "unhashable type: %s", obj.Kind)
	default:
		// Everything else hashes by identity.
		return dictKey{kind: keyIdent, i: int64(v.handle())}, nil
	}
}

// ---------------------------------------------------------------------------
// Dict operations
// ---------------------------------------------------------------------------

// dictGet looks up key in d. The bool reports presence; the returned value
// is borrowed (not retained).
func (vm *VM) dictGet(d *DictObject, key Value) (Value, bool, error) {
	k, err := vm.hashKey(key)
	if err != nil {
		return None, false, err
	}
	idx, ok := d.index[k]
	if !ok {
		return None, false, nil
	}
	return d.entries[idx].Value, true, nil
}

// dictSet inserts or replaces key in d. The dict takes its own references to
// key and value; replaced values are released. A replaced key keeps its
// insertion position and its original key object.
func (vm *VM) dictSet(d *DictObject, key, value Value) error {
	k, err := vm.hashKey(key)
	if err != nil {
		return err
	}
	if idx, ok := d.index[k]; ok {
		vm.heap.Retain(value)
		vm.heap.Release(d.entries[idx].Value)
		d.entries[idx].Value = value
		return nil
	}
	vm.heap.Retain(key)
	vm.heap.Retain(value)
	d.index[k] = len(d.entries)
	d.entries = append(d.entries, DictEntry{Key: key, Value: value})
	return nil
}

// dictKeys returns the keys in insertion order. Borrowed references.
func (d *DictObject) dictKeys() []Value {
	keys := make([]Value, len(d.entries))
	for i := range d.entries {
		keys[i] = d.entries[i].Key
	}
	return keys
}

// dictEqual compares two dicts: same length, same key set, equal values.
func (vm *VM) dictEqual(a, b *DictObject, depth int) (bool, error) {
	if len(a.entries) != len(b.entries) {
		return false, nil
	}
	for i := range a.entries {
		bv, ok, err := vm.dictGet(b, a.entries[i].Key)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		eq, err := vm.valuesEqual(a.entries[i].Value, bv, depth+1)
		if err != nil {
			return false, err
		}
		if !eq {
			return false, nil
		}
	}
	return true, nil
}

// dictRemove deletes key from d. The bool reports presence; the removed
// value's reference transfers to the caller and the stored key is
// released.
func (vm *VM) dictRemove(d *DictObject, key Value) (Value, bool, error) {
	k, err := vm.hashKey(key)
	if err != nil {
		return None, false, err
	}
	idx, ok := d.index[k]
	if !ok {
		return None, false, nil
	}
	entry := d.entries[idx]
	vm.heap.Release(entry.Key)
	delete(d.index, k)
	d.entries = append(d.entries[:idx], d.entries[idx+1:]...)
	for kk, pos := range d.index {
		if pos > idx {
			d.index[kk] = pos - 1
		}
	}
	return entry.Value, true, nil
}
