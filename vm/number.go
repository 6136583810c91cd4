package vm

import (
	"math"
	"math/big"
)

// ---------------------------------------------------------------------------
// Numeric tower: small integers, big integers, floats
// ---------------------------------------------------------------------------

// BigIntObject holds an integer outside the small immediate range. The
// invariant is that a big integer value is never small enough to fit an
// immediate; normalization keeps identity and equality checks simple.
type BigIntObject struct {
	I *big.Int
}

// NewInt returns an integer value, boxing into a small immediate when the
// magnitude allows and promoting to a heap big integer otherwise.
func (vm *VM) NewInt(i int64) Value {
	if SmallIntFits(i) {
		return FromSmallInt(i)
	}
	return vm.heap.alloc(KindBigInt, &BigIntObject{I: big.NewInt(i)})
}

// NewBigInt returns an integer value for an arbitrary-precision integer,
// demoting to a small immediate when it fits. The big.Int is copied.
func (vm *VM) NewBigInt(i *big.Int) Value {
	if i.IsInt64() {
		if n := i.Int64(); SmallIntFits(n) {
			return FromSmallInt(n)
		}
	}
	return vm.heap.alloc(KindBigInt, &BigIntObject{I: new(big.Int).Set(i)})
}

// isInt reports whether v is an integer of either representation.
func (vm *VM) isInt(v Value) bool {
	if v.IsSmallInt() {
		return true
	}
	k, ok := vm.heap.kindOf(v)
	return ok && k == KindBigInt
}

// asBig widens any integer value to a big.Int. The second result is false
// when v is not an integer.
func (vm *VM) asBig(v Value) (*big.Int, bool) {
	if v.IsSmallInt() {
		return big.NewInt(v.SmallInt()), true
	}
	if b := vm.heap.bigInt(v); b != nil {
		return b.I, true
	}
	return nil, false
}

// asFloat converts an integer or float value to float64. The second result
// is false when v is neither.
func (vm *VM) asFloat(v Value) (float64, bool) {
	if v.IsFloat() {
		return v.Float(), true
	}
	if v.IsSmallInt() {
		return float64(v.SmallInt()), true
	}
	if b := vm.heap.bigInt(v); b != nil {
		f, _ := new(big.Float).SetInt(b.I).Float64()
		return f, true
	}
	return 0, false
}

// isNumber reports whether v participates in the numeric fast paths.
func (vm *VM) isNumber(v Value) bool {
	return v.IsFloat() || vm.isInt(v)
}

func isFloatNaN(v Value) bool {
	return v.IsFloat() && math.IsNaN(v.Float())
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

// numBinary performs an arithmetic operation on two numeric values. The
// second result is false when either operand is not numeric; errors are
// language exceptions (division by zero).
func (vm *VM) numBinary(op BinOp, l, r Value) (Value, bool, error) {
	// Small x small stays in 64-bit arithmetic with promotion on overflow.
	if l.IsSmallInt() && r.IsSmallInt() {
		v, err := vm.smallBinary(op, l.SmallInt(), r.SmallInt())
		return v, true, err
	}

	// Any float operand switches to float arithmetic.
	if l.IsFloat() || r.IsFloat() {
		lf, ok := vm.asFloat(l)
		if !ok {
			return None, false, nil
		}
		rf, ok := vm.asFloat(r)
		if !ok {
			return None, false, nil
		}
		v, err := vm.floatBinary(op, lf, rf)
		return v, true, err
	}

	// Remaining numeric combinations involve at least one big integer.
	lb, ok := vm.asBig(l)
	if !ok {
		return None, false, nil
	}
	rb, ok := vm.asBig(r)
	if !ok {
		return None, false, nil
	}
	v, err := vm.bigBinary(op, lb, rb)
	return v, true, err
}

func (vm *VM) smallBinary(op BinOp, a, b int64) (Value, error) {
	switch op {
	case BinAdd:
		r := a + b
		if SmallIntFits(r) {
			return FromSmallInt(r), nil
		}
	case BinSub:
		r := a - b
		if SmallIntFits(r) {
			return FromSmallInt(r), nil
		}
	case BinMul:
		// Factors below 2^31 cannot overflow int64; larger ones go through
		// big arithmetic.
		if a > -(1<<31) && a < 1<<31 && b > -(1<<31) && b < 1<<31 {
			r := a * b
			if SmallIntFits(r) {
				return FromSmallInt(r), nil
			}
		}
	case BinTrueDiv:
		if b == 0 {
			return None, vm.Raisef(vm.ZeroDivisionClass, "division by zero")
		}
		return FromFloat(float64(a) / float64(b)), nil
	case BinFloorDiv:
		if b == 0 {
			return None, vm.Raisef(vm.ZeroDivisionClass, "integer division by zero")
		}
		q := a / b
		if (a%b != 0) && ((a < 0) != (b < 0)) {
			q--
		}
		return FromSmallInt(q), nil
	case BinMod:
		if b == 0 {
			return None, vm.Raisef(vm.ZeroDivisionClass, "integer modulo by zero")
		}
		m := a % b
		if m != 0 && ((a < 0) != (b < 0)) {
			m += b
		}
		return FromSmallInt(m), nil
	case BinPow:
		if b < 0 {
			if a == 0 {
				return None, vm.Raisef(vm.ZeroDivisionClass, "zero to a negative power")
			}
			return FromFloat(math.Pow(float64(a), float64(b))), nil
		}
	}
	// Overflow and integer pow fall through to big arithmetic.
	return vm.bigBinary(op, big.NewInt(a), big.NewInt(b))
}

func (vm *VM) bigBinary(op BinOp, a, b *big.Int) (Value, error) {
	r := new(big.Int)
	switch op {
	case BinAdd:
		r.Add(a, b)
	case BinSub:
		r.Sub(a, b)
	case BinMul:
		r.Mul(a, b)
	case BinTrueDiv:
		if b.Sign() == 0 {
			return None, vm.Raisef(vm.ZeroDivisionClass, "division by zero")
		}
		af, _ := new(big.Float).SetInt(a).Float64()
		bf, _ := new(big.Float).SetInt(b).Float64()
		return FromFloat(af / bf), nil
	case BinFloorDiv:
		if b.Sign() == 0 {
			return None, vm.Raisef(vm.ZeroDivisionClass, "integer division by zero")
		}
		m := new(big.Int)
		r.DivMod(a, b, m)
	case BinMod:
		if b.Sign() == 0 {
			return None, vm.Raisef(vm.ZeroDivisionClass, "integer modulo by zero")
		}
		q := new(big.Int)
		q.DivMod(a, b, r)
		// DivMod yields a non-negative remainder; fold it onto the sign of
		// the divisor.
		if r.Sign() != 0 && b.Sign() < 0 {
			r.Add(r, b)
		}
	case BinPow:
		if b.Sign() < 0 {
			if a.Sign() == 0 {
				return None, vm.Raisef(vm.ZeroDivisionClass, "zero to a negative power")
			}
			af, _ := new(big.Float).SetInt(a).Float64()
			bf, _ := new(big.Float).SetInt(b).Float64()
			return FromFloat(math.Pow(af, bf)), nil
		}
		r.Exp(a, b, nil)
	default:
		return None, vm.Raisef(vm.TypeMismatchClass, "unsupported integer operation")
	}
	return vm.NewBigInt(r), nil
}

func (vm *VM) floatBinary(op BinOp, a, b float64) (Value, error) {
	switch op {
	case BinAdd:
		return FromFloat(a + b), nil
	case BinSub:
		return FromFloat(a - b), nil
	case BinMul:
		return FromFloat(a * b), nil
	case BinTrueDiv:
		if b == 0 {
			return None, vm.Raisef(vm.ZeroDivisionClass, "float division by zero")
		}
		return FromFloat(a / b), nil
	case BinFloorDiv:
		if b == 0 {
			return None, vm.Raisef(vm.ZeroDivisionClass, "float floor division by zero")
		}
		return FromFloat(math.Floor(a / b)), nil
	case BinMod:
		if b == 0 {
			return None, vm.Raisef(vm.ZeroDivisionClass, "float modulo by zero")
		}
		m := math.Mod(a, b)
		if m != 0 && (m < 0) != (b < 0) {
			m += b
		}
		return FromFloat(m), nil
	case BinPow:
		return FromFloat(math.Pow(a, b)), nil
	}
	return None, vm.Raisef(vm.TypeMismatchClass, "unsupported float operation")
}

// numNegate negates a numeric value. The second result is false when v is
// not numeric.
func (vm *VM) numNegate(v Value) (Value, bool) {
	if v.IsSmallInt() {
		// The small range is asymmetric; negating the minimum promotes.
		n := v.SmallInt()
		if SmallIntFits(-n) {
			return FromSmallInt(-n), true
		}
		return vm.NewBigInt(new(big.Int).Neg(big.NewInt(n))), true
	}
	if v.IsFloat() {
		return FromFloat(-v.Float()), true
	}
	if b := vm.heap.bigInt(v); b != nil {
		return vm.NewBigInt(new(big.Int).Neg(b.I)), true
	}
	return None, false
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

// numCompare orders two numeric values: -1, 0 or 1. The second result is
// false when the pair has no numeric ordering, either because an operand
// is not a number or because a NaN is involved. Cross-representation
// comparisons are exact: big integers compare against floats through
// arbitrary-precision floats, never through a lossy narrowing.
func (vm *VM) numCompare(l, r Value) (int, bool) {
	if l.IsSmallInt() && r.IsSmallInt() {
		a, b := l.SmallInt(), r.SmallInt()
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		}
		return 0, true
	}

	lBig := vm.heap.bigInt(l)
	rBig := vm.heap.bigInt(r)

	if l.IsFloat() || r.IsFloat() {
		// NaN is unordered against every number, including itself.
		if isFloatNaN(l) || isFloatNaN(r) {
			return 0, false
		}
		if lBig != nil {
			return new(big.Float).SetInt(lBig.I).Cmp(big.NewFloat(r.Float())), true
		}
		if rBig != nil {
			return big.NewFloat(l.Float()).Cmp(new(big.Float).SetInt(rBig.I)), true
		}
		lf, ok := vm.asFloat(l)
		if !ok {
			return 0, false
		}
		rf, ok := vm.asFloat(r)
		if !ok {
			return 0, false
		}
		switch {
		case lf < rf:
			return -1, true
		case lf > rf:
			return 1, true
		}
		return 0, true
	}

	lb, ok := vm.asBig(l)
	if !ok {
		return 0, false
	}
	rb, ok := vm.asBig(r)
	if !ok {
		return 0, false
	}
	return lb.Cmp(rb), true
}

// intIndex extracts a Go int from an integer value, for subscripts and
// counts. Errors are language exceptions.
func (vm *VM) intIndex(v Value) (int, error) {
	if v.IsSmallInt() {
		n := v.SmallInt()
		if n < math.MinInt32 || n > math.MaxInt32 {
			return 0, vm.Raisef(vm.IndexErrorClass, "index out of range")
		}
		return int(n), nil
	}
	if vm.heap.bigInt(v) != nil {
		return 0, vm.Raisef(vm.IndexErrorClass, "index out of range")
	}
	return 0, vm.Raisef(vm.TypeMismatchClass, "indices must be integers, not %s", vm.TypeName(v))
}
