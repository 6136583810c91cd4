package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator hook names, indexed by operator code. Reflected names swap the
// operand roles.
var (
	binOpHooks          = [...]string{"__add__", "__sub__", "__mul__", "__truediv__", "__floordiv__", "__mod__", "__pow__"}
	binOpReflectedHooks = [...]string{"__radd__", "__rsub__", "__rmul__", "__rtruediv__", "__rfloordiv__", "__rmod__", "__rpow__"}
	cmpOpHooks          = [...]string{"__eq__", "__ne__", "__lt__", "__le__", "__gt__", "__ge__", ""}
	cmpOpReflectedHooks = [...]string{"__eq__", "__ne__", "__gt__", "__ge__", "__lt__", "__le__", ""}
)

// maxCompareDepth bounds structural comparison recursion.
const maxCompareDepth = 64

// maxReprDepth bounds nested container rendering.
const maxReprDepth = 16

// ---------------------------------------------------------------------------
// Operator dispatch
// ---------------------------------------------------------------------------

// callHook looks the hook up on the receiver's class chain and calls it
// with the receiver prepended. found is false when the class chain has no
// such hook; the result is owned by the caller.
func (vm *VM) callHook(recv Value, name string, args ...Value) (Value, bool, error) {
	attr, ok := vm.lookupMRO(vm.ClassOf(recv), name)
	if !ok {
		return None, false, nil
	}
	callArgs := make([]Value, 0, len(args)+1)
	callArgs = append(callArgs, recv)
	callArgs = append(callArgs, args...)
	res, err := vm.call(attr, callArgs, nil)
	return res, true, err
}

// binaryOp evaluates l op r. Operands are borrowed; the result is owned.
// Number, string and list pairs use native paths; everything else goes
// through the operator hooks with the reflected form tried when the
// primary declines via NotImplemented. A right operand whose class is a
// proper subclass of the left's gets its reflected hook first.
func (vm *VM) binaryOp(op BinOp, l, r Value) (Value, error) {
	if res, handled, err := vm.numBinary(op, l, r); handled {
		return res, err
	}
	if res, handled, err := vm.seqBinary(op, l, r); handled {
		return res, err
	}

	hook := binOpHooks[op]
	reflected := binOpReflectedHooks[op]
	lc, rc := vm.ClassOf(l), vm.ClassOf(r)

	reflectedFirst := lc != rc && vm.isSubclass(rc, lc) && vm.hasHook(rc, reflected)
	if reflectedFirst {
		res, found, err := vm.callHook(r, reflected, l)
		if err != nil {
			return None, err
		}
		if found && res != NotImplemented {
			return res, nil
		}
	}
	res, found, err := vm.callHook(l, hook, r)
	if err != nil {
		return None, err
	}
	if found && res != NotImplemented {
		return res, nil
	}
	if lc != rc && !reflectedFirst {
		res, found, err = vm.callHook(r, reflected, l)
		if err != nil {
			return None, err
		}
		if found && res != NotImplemented {
			return res, nil
		}
	}
	return None, vm.Raisef(vm.TypeMismatchClass,
		"unsupported operand type(s) for %s: %s and %s", op, vm.TypeName(l), vm.TypeName(r))
}

// seqBinary covers the string and list operator forms: concatenation and
// repetition. handled is false when the operand pair is not one of them.
func (vm *VM) seqBinary(op BinOp, l, r Value) (Value, bool, error) {
	lk, lok := vm.heap.kindOf(l)
	rk, rok := vm.heap.kindOf(r)
	switch op {
	case BinAdd:
		if lok && rok && lk == KindString && rk == KindString {
			return vm.NewString(vm.heap.str(l).S + vm.heap.str(r).S), true, nil
		}
		if lok && rok && lk == KindList && rk == KindList {
			return vm.listConcat(vm.heap.list(l), vm.heap.list(r)), true, nil
		}
	case BinMul:
		if lok && lk == KindString && vm.isInt(r) {
			n, err := vm.intCount(r)
			if err != nil {
				return None, true, err
			}
			return vm.NewString(strRepeat(vm.heap.str(l).S, n)), true, nil
		}
		if rok && rk == KindString && vm.isInt(l) {
			n, err := vm.intCount(l)
			if err != nil {
				return None, true, err
			}
			return vm.NewString(strRepeat(vm.heap.str(r).S, n)), true, nil
		}
		if lok && lk == KindList && vm.isInt(r) {
			n, err := vm.intCount(r)
			if err != nil {
				return None, true, err
			}
			return vm.listRepeat(vm.heap.list(l), n), true, nil
		}
		if rok && rk == KindList && vm.isInt(l) {
			n, err := vm.intCount(l)
			if err != nil {
				return None, true, err
			}
			return vm.listRepeat(vm.heap.list(r), n), true, nil
		}
	}
	return None, false, nil
}

// intCount narrows an integer to a repetition count.
func (vm *VM) intCount(v Value) (int64, error) {
	if v.IsSmallInt() {
		return v.SmallInt(), nil
	}
	b, _ := vm.asBig(v)
	if !b.IsInt64() {
		return 0, vm.Raisef(vm.ValueErrorClass, "repetition count out of range")
	}
	return b.Int64(), nil
}

// hasHook reports whether the class chain defines the hook.
func (vm *VM) hasHook(cls Value, name string) bool {
	_, ok := vm.lookupMRO(cls, name)
	return ok
}

// compareOp evaluates l op r into True or False. Equality falls back to
// identity when no native form or hook applies; ordering with no
// applicable form is a type mismatch.
func (vm *VM) compareOp(op CmpOp, l, r Value) (Value, error) {
	if op == CmpIs {
		return FromBool(l == r), nil
	}

	switch op {
	case CmpEq, CmpNe:
		eq, known, err := vm.nativeEqual(l, r, 0)
		if err != nil {
			return None, err
		}
		if known {
			return FromBool(eq == (op == CmpEq)), nil
		}
	default:
		if (isFloatNaN(l) || isFloatNaN(r)) && vm.isNumber(l) && vm.isNumber(r) {
			return False, nil
		}
		if c, ok := vm.numCompare(l, r); ok {
			return FromBool(cmpSatisfied(op, c)), nil
		}
		if ls, ok := vm.StringOf(l); ok {
			if rs, ok := vm.StringOf(r); ok {
				return FromBool(cmpSatisfied(op, strings.Compare(ls, rs))), nil
			}
		}
		if lk, ok := vm.heap.kindOf(l); ok && lk == KindList {
			if rk, ok := vm.heap.kindOf(r); ok && rk == KindList {
				c, err := vm.listCompare(vm.heap.list(l), vm.heap.list(r), 0)
				if err != nil {
					return None, err
				}
				return FromBool(cmpSatisfied(op, c)), nil
			}
		}
	}

	hook := cmpOpHooks[op]
	res, found, err := vm.callHook(l, hook, r)
	if err != nil {
		return None, err
	}
	if found && res != NotImplemented {
		return res, nil
	}
	if reflected := cmpOpReflectedHooks[op]; vm.ClassOf(l) != vm.ClassOf(r) {
		res, found, err = vm.callHook(r, reflected, l)
		if err != nil {
			return None, err
		}
		if found && res != NotImplemented {
			return res, nil
		}
	}

	switch op {
	case CmpEq:
		return FromBool(l == r), nil
	case CmpNe:
		return FromBool(l != r), nil
	}
	return None, vm.Raisef(vm.TypeMismatchClass,
		"%s not supported between %s and %s", op, vm.TypeName(l), vm.TypeName(r))
}

func cmpSatisfied(op CmpOp, c int) bool {
	switch op {
	case CmpEq:
		return c == 0
	case CmpNe:
		return c != 0
	case CmpLt:
		return c < 0
	case CmpLe:
		return c <= 0
	case CmpGt:
		return c > 0
	case CmpGe:
		return c >= 0
	}
	return false
}

// nativeEqual compares values the engine understands structurally:
// numbers across representations, strings by content, lists and dicts
// element-wise. known is false when the pair needs hook dispatch.
func (vm *VM) nativeEqual(l, r Value, depth int) (eq bool, known bool, err error) {
	if depth > maxCompareDepth {
		return false, false, vm.Raisef(vm.RecursionLimitClass, "comparison nesting too deep")
	}
	// The identity shortcut below would make NaN equal itself; rule that
	// out first for number pairs.
	if (isFloatNaN(l) || isFloatNaN(r)) && vm.isNumber(l) && vm.isNumber(r) {
		return false, true, nil
	}
	if l == r {
		if lk, ok := vm.heap.kindOf(l); !ok || lk != KindInstance && lk != KindException {
			return true, true, nil
		}
	}
	if c, ok := vm.numCompare(l, r); ok {
		return c == 0, true, nil
	}
	lk, lok := vm.heap.kindOf(l)
	rk, rok := vm.heap.kindOf(r)
	if !lok || !rok {
		if l.Immediate() && r.Immediate() {
			return l == r, true, nil
		}
		return false, false, nil
	}
	if lk != rk {
		return false, false, nil
	}
	switch lk {
	case KindString:
		return vm.heap.str(l).S == vm.heap.str(r).S, true, nil
	case KindList:
		eq, err := vm.listEqual(vm.heap.list(l), vm.heap.list(r), depth+1)
		return eq, true, err
	case KindDict:
		eq, err := vm.dictEqual(vm.heap.dict(l), vm.heap.dict(r), depth+1)
		return eq, true, err
	case KindRange:
		lr, rr := vm.heap.rangeObj(l), vm.heap.rangeObj(r)
		return *lr == *rr, true, nil
	}
	return false, false, nil
}

// valuesEqual is the equality used inside containers. Instances compare
// through their hooks; everything else compares natively.
func (vm *VM) valuesEqual(l, r Value, depth int) (bool, error) {
	// Containers shortcut identity before anything else: an element is
	// always equal to itself, NaN and hook-carrying instances included.
	if l == r {
		return true, nil
	}
	eq, known, err := vm.nativeEqual(l, r, depth)
	if err != nil {
		return false, err
	}
	if known {
		return eq, nil
	}
	res, found, err := vm.callHook(l, "__eq__", r)
	if err != nil {
		return false, err
	}
	if found && res != NotImplemented {
		eq := vm.truthyFast(res)
		vm.heap.Release(res)
		return eq, nil
	}
	return l == r, nil
}

// valuesLess is the ordering used inside list comparison: true when l
// sorts strictly before r.
func (vm *VM) valuesLess(l, r Value, depth int) (bool, error) {
	if depth > maxCompareDepth {
		return false, vm.Raisef(vm.RecursionLimitClass, "comparison nesting too deep")
	}
	if (isFloatNaN(l) || isFloatNaN(r)) && vm.isNumber(l) && vm.isNumber(r) {
		return false, nil
	}
	if c, ok := vm.numCompare(l, r); ok {
		return c < 0, nil
	}
	if ls, ok := vm.StringOf(l); ok {
		if rs, ok := vm.StringOf(r); ok {
			return ls < rs, nil
		}
	}
	if lk, ok := vm.heap.kindOf(l); ok && lk == KindList {
		if rk, ok := vm.heap.kindOf(r); ok && rk == KindList {
			c, err := vm.listCompare(vm.heap.list(l), vm.heap.list(r), depth+1)
			if err != nil {
				return false, err
			}
			return c < 0, nil
		}
	}
	res, found, err := vm.callHook(l, "__lt__", r)
	if err != nil {
		return false, err
	}
	if found && res != NotImplemented {
		lt := vm.truthyFast(res)
		vm.heap.Release(res)
		return lt, nil
	}
	return false, vm.Raisef(vm.TypeMismatchClass,
		"%s not supported between %s and %s", CmpLt, vm.TypeName(l), vm.TypeName(r))
}

// unaryOp evaluates op v. The operand is borrowed; the result is owned.
func (vm *VM) unaryOp(op UnOp, v Value) (Value, error) {
	switch op {
	case UnNeg:
		if res, ok := vm.numNegate(v); ok {
			return res, nil
		}
		res, found, err := vm.callHook(v, "__neg__")
		if err != nil {
			return None, err
		}
		if found && res != NotImplemented {
			return res, nil
		}
		return None, vm.Raisef(vm.TypeMismatchClass, "bad operand type for unary -: %s", vm.TypeName(v))
	case UnNot:
		t, err := vm.truthy(v)
		if err != nil {
			return None, err
		}
		return FromBool(!t), nil
	}
	return None, vm.Raisef(vm.TypeMismatchClass, "unknown unary operator %d", op)
}

// ---------------------------------------------------------------------------
// Truthiness
// ---------------------------------------------------------------------------

// truthy reports whether v counts as true, consulting __bool__ on
// instances.
func (vm *VM) truthy(v Value) (bool, error) {
	if k, ok := vm.heap.kindOf(v); ok && (k == KindInstance || k == KindException) {
		res, found, err := vm.callHook(v, "__bool__")
		if err != nil {
			return false, err
		}
		if found {
			if !res.IsBool() {
				name := vm.TypeName(res)
				vm.heap.Release(res)
				return false, vm.Raisef(vm.TypeMismatchClass, "__bool__ should return bool, returned %s", name)
			}
			return res == True, nil
		}
		return true, nil
	}
	return vm.truthyFast(v), nil
}

// truthyFast is truthiness without hook dispatch.
func (vm *VM) truthyFast(v Value) bool {
	switch {
	case v == None || v == False:
		return false
	case v == True:
		return true
	case v.IsSmallInt():
		return v.SmallInt() != 0
	case v.IsFloat():
		return v.Float() != 0
	}
	k, ok := vm.heap.kindOf(v)
	if !ok {
		return true
	}
	switch k {
	case KindBigInt:
		return vm.heap.bigInt(v).I.Sign() != 0
	case KindString:
		return len(vm.heap.str(v).S) != 0
	case KindList:
		return len(vm.heap.list(v).Items) != 0
	case KindDict:
		return vm.heap.dict(v).Len() != 0
	case KindRange:
		return vm.heap.rangeObj(v).Len() != 0
	}
	return true
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

// formatFloat renders a float the way the language prints it, always
// keeping a decimal point or exponent.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// reprFallback renders v without running any user hook. It backs exception
// messages and the hookless repr cases.
func (vm *VM) reprFallback(v Value) string {
	switch {
	case v == None:
		return "None"
	case v == True:
		return "True"
	case v == False:
		return "False"
	case v == NotImplemented:
		return "NotImplemented"
	case v.IsSmallInt():
		return strconv.FormatInt(v.SmallInt(), 10)
	case v.IsFloat():
		return formatFloat(v.Float())
	}
	k, ok := vm.heap.kindOf(v)
	if !ok {
		return "<invalid>"
	}
	switch k {
	case KindBigInt:
		return vm.heap.bigInt(v).I.String()
	case KindString:
		return strconv.Quote(vm.heap.str(v).S)
	case KindList:
		return fmt.Sprintf("<list of %d>", len(vm.heap.list(v).Items))
	case KindDict:
		return fmt.Sprintf("<dict of %d>", vm.heap.dict(v).Len())
	case KindFunction:
		return "<function " + vm.heap.function(v).Name + ">"
	case KindBoundMethod:
		bm := vm.heap.boundMethod(v)
		return "<bound method " + vm.functionName(bm.Function) + ">"
	case KindClass:
		return "<class " + vm.heap.class(v).Name + ">"
	case KindInstance:
		return "<" + vm.TypeName(v) + " object>"
	case KindException:
		return "<" + vm.TypeName(v) + " object>"
	case KindGenerator:
		return "<generator " + vm.heap.generator(v).Name + ">"
	case KindModule:
		return "<module " + vm.heap.module(v).Name + ">"
	case KindBuiltin:
		return "<builtin " + vm.heap.builtin(v).Meta.Name + ">"
	case KindCell:
		return "<cell>"
	case KindProperty:
		return "<property>"
	case KindSuper:
		return "<super: " + vm.heap.class(vm.heap.super(v).Class).Name + ">"
	case KindIterator:
		return "<iterator>"
	case KindRange:
		r := vm.heap.rangeObj(v)
		if r.Step == 1 {
			return fmt.Sprintf("range(%d, %d)", r.Start, r.Stop)
		}
		return fmt.Sprintf("range(%d, %d, %d)", r.Start, r.Stop, r.Step)
	}
	return "<" + k.String() + ">"
}

// functionName names a callable for messages.
func (vm *VM) functionName(v Value) string {
	k, ok := vm.heap.kindOf(v)
	if !ok {
		return vm.TypeName(v)
	}
	switch k {
	case KindFunction:
		return vm.heap.function(v).Name
	case KindBuiltin:
		return vm.heap.builtin(v).Meta.Name
	case KindBoundMethod:
		return vm.functionName(vm.heap.boundMethod(v).Function)
	case KindClass:
		return vm.heap.class(v).Name
	}
	return vm.TypeName(v)
}

// Repr renders v the way the repr builtin does, consulting __repr__ on
// instances. The result is a Go string.
func (vm *VM) Repr(v Value) (string, error) {
	return vm.repr(v, 0)
}

func (vm *VM) repr(v Value, depth int) (string, error) {
	if depth > maxReprDepth {
		return "...", nil
	}
	k, ok := vm.heap.kindOf(v)
	if !ok {
		return vm.reprFallback(v), nil
	}
	switch k {
	case KindList:
		items := vm.heap.list(v).Items
		parts := make([]string, len(items))
		for i, item := range items {
			s, err := vm.repr(item, depth+1)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case KindDict:
		entries := vm.heap.dict(v).Entries()
		parts := make([]string, len(entries))
		for i, e := range entries {
			ks, err := vm.repr(e.Key, depth+1)
			if err != nil {
				return "", err
			}
			vs, err := vm.repr(e.Value, depth+1)
			if err != nil {
				return "", err
			}
			parts[i] = ks + ": " + vs
		}
		return "{" + strings.Join(parts, ", ") + "}", nil
	case KindInstance, KindException:
		res, found, err := vm.callHook(v, "__repr__")
		if err != nil {
			return "", err
		}
		if found {
			s, ok := vm.StringOf(res)
			if !ok {
				name := vm.TypeName(res)
				vm.heap.Release(res)
				return "", vm.Raisef(vm.TypeMismatchClass, "__repr__ returned non-string (%s)", name)
			}
			vm.heap.Release(res)
			return s, nil
		}
		if k == KindException {
			exc := vm.heap.exception(v)
			parts := make([]string, len(exc.Args))
			for i, a := range exc.Args {
				s, err := vm.repr(a, depth+1)
				if err != nil {
					return "", err
				}
				parts[i] = s
			}
			return vm.TypeName(v) + "(" + strings.Join(parts, ", ") + ")", nil
		}
		return vm.reprFallback(v), nil
	}
	return vm.reprFallback(v), nil
}

// Str renders v the way the str builtin and print do: strings pass through
// unquoted and instances may provide __str__.
func (vm *VM) Str(v Value) (string, error) {
	if s, ok := vm.StringOf(v); ok {
		return s, nil
	}
	if k, ok := vm.heap.kindOf(v); ok && (k == KindInstance || k == KindException) {
		res, found, err := vm.callHook(v, "__str__")
		if err != nil {
			return "", err
		}
		if found {
			s, ok := vm.StringOf(res)
			if !ok {
				name := vm.TypeName(res)
				vm.heap.Release(res)
				return "", vm.Raisef(vm.TypeMismatchClass, "__str__ returned non-string (%s)", name)
			}
			vm.heap.Release(res)
			return s, nil
		}
		if k == KindException {
			exc := vm.heap.exception(v)
			if len(exc.Args) == 1 {
				if s, ok := vm.StringOf(exc.Args[0]); ok {
					return s, nil
				}
			}
		}
	}
	return vm.Repr(v)
}
