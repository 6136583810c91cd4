package vm

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/big"
	"sort"
	"strings"
)

// BuiltinFunc is the native side of the dispatch bridge. Arguments are
// borrowed; the result is owned by the caller. Returned errors that are
// not already language exceptions are wrapped into one.
type BuiltinFunc func(vm *VM, args []Value) (Value, error)

// BuiltinMeta describes a bridge entry. MaxArgs of -1 accepts any count.
// Method entries receive their receiver as the first argument; the arity
// bounds include it.
type BuiltinMeta struct {
	Name    string
	MinArgs int
	MaxArgs int
	Method  bool
	Doc     string
}

// BuiltinObject is a registered native callable.
type BuiltinObject struct {
	Meta BuiltinMeta
	Fn   BuiltinFunc
}

// RegisterBuiltin installs a native callable under meta.Name. Registration
// failures are host errors, not language exceptions.
func (vm *VM) RegisterBuiltin(meta BuiltinMeta, fn BuiltinFunc) error {
	if meta.Name == "" {
		return fmt.Errorf("builtin registration: empty name")
	}
	if fn == nil {
		return fmt.Errorf("builtin registration: %s has no function", meta.Name)
	}
	if meta.MinArgs < 0 {
		return fmt.Errorf("builtin registration: %s has negative MinArgs", meta.Name)
	}
	if meta.MaxArgs != -1 && meta.MaxArgs < meta.MinArgs {
		return fmt.Errorf("builtin registration: %s has MaxArgs %d below MinArgs %d", meta.Name, meta.MaxArgs, meta.MinArgs)
	}
	if _, exists := vm.builtins[meta.Name]; exists {
		return fmt.Errorf("builtin registration: %s already registered", meta.Name)
	}
	vm.builtins[meta.Name] = vm.heap.alloc(KindBuiltin, &BuiltinObject{Meta: meta, Fn: fn})
	return nil
}

// registerValue exposes a fixed value (usually a class) under a builtin
// name. The registry takes a reference.
func (vm *VM) registerValue(name string, v Value) {
	if old, ok := vm.builtins[name]; ok {
		vm.heap.Release(old)
	}
	vm.builtins[name] = vm.heap.Retain(v)
}

// LookupBuiltin returns the value bound to a builtin name. The reference
// stays with the registry; callers retain if they keep it.
func (vm *VM) LookupBuiltin(name string) (Value, bool) {
	v, ok := vm.builtins[name]
	return v, ok
}

// BuiltinNames lists the registered builtin names, sorted.
func (vm *VM) BuiltinNames() []string {
	names := make([]string, 0, len(vm.builtins))
	for name := range vm.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// callBuiltin invokes a bridge entry with arity enforcement. A panic in
// native code is contained and surfaces as a language exception rather
// than tearing down the host.
func (vm *VM) callBuiltin(b *BuiltinObject, args []Value) (res Value, err error) {
	n := len(args)
	shown := n
	min := b.Meta.MinArgs
	max := b.Meta.MaxArgs
	if b.Meta.Method {
		shown--
		min--
		if max > 0 {
			max--
		}
	}
	if n < b.Meta.MinArgs {
		return None, vm.Raisef(vm.ArgumentBindingErrorClass,
			"%s() takes at least %d arguments (%d given)", b.Meta.Name, min, shown)
	}
	if b.Meta.MaxArgs != -1 && n > b.Meta.MaxArgs {
		return None, vm.Raisef(vm.ArgumentBindingErrorClass,
			"%s() takes at most %d arguments (%d given)", b.Meta.Name, max, shown)
	}

	defer func() {
		if r := recover(); r != nil {
			res = None
			err = vm.Raisef(vm.ExceptionClass, "builtin %s failed: %v", b.Meta.Name, r)
		}
	}()
	res, err = b.Fn(vm, args)
	if err != nil {
		if _, ok := err.(*Raised); !ok {
			err = vm.hostError(err)
		}
	}
	return res, err
}

// ---------------------------------------------------------------------------
// Bootstrap
// ---------------------------------------------------------------------------

type builtinDef struct {
	meta BuiltinMeta
	fn   BuiltinFunc
}

// bootstrapBuiltins fills the bridge with the language's standing
// builtins. Classes register as themselves; methods attach to their
// class so attribute access binds them.
func (vm *VM) bootstrapBuiltins() {
	classes := map[string]Value{
		"object":   vm.ObjectClass,
		"type":     vm.TypeClass,
		"int":      vm.IntClass,
		"float":    vm.FloatClass,
		"bool":     vm.BoolClass,
		"str":      vm.StrClass,
		"list":     vm.ListClass,
		"dict":     vm.DictClass,
		"range":    vm.RangeClass,
		"property": vm.PropertyClass,
		"super":    vm.SuperClass,

		"Exception":            vm.ExceptionClass,
		"AttributeNotFound":    vm.AttributeNotFoundClass,
		"NotSubscriptable":     vm.NotSubscriptableClass,
		"TypeMismatch":         vm.TypeMismatchClass,
		"UnhashableType":       vm.UnhashableTypeClass,
		"ArgumentBindingError": vm.ArgumentBindingErrorClass,
		"NameResolutionError":  vm.NameResolutionErrorClass,
		"InconsistentMRO":      vm.InconsistentMROClass,
		"MalformedCodeObject":  vm.MalformedCodeObjectClass,
		"RecursionLimit":       vm.RecursionLimitClass,
		"StopIteration":        vm.StopIterationClass,
		"ValueError":           vm.ValueErrorClass,
		"ZeroDivision":         vm.ZeroDivisionClass,
		"IndexError":           vm.IndexErrorClass,
		"KeyError":             vm.KeyErrorClass,
	}
	for name, cls := range classes {
		vm.registerValue(name, cls)
	}

	defs := []builtinDef{
		{BuiltinMeta{Name: "len", MinArgs: 1, MaxArgs: 1, Doc: "length of a collection"}, builtinLen},
		{BuiltinMeta{Name: "repr", MinArgs: 1, MaxArgs: 1, Doc: "canonical rendering of a value"}, builtinRepr},
		{BuiltinMeta{Name: "print", MinArgs: 0, MaxArgs: -1, Doc: "write values to the output stream"}, builtinPrint},
		{BuiltinMeta{Name: "hash", MinArgs: 1, MaxArgs: 1, Doc: "hash of a hashable value"}, builtinHash},
		{BuiltinMeta{Name: "isinstance", MinArgs: 2, MaxArgs: 2, Doc: "instance-of test"}, builtinIsinstance},
		{BuiltinMeta{Name: "issubclass", MinArgs: 2, MaxArgs: 2, Doc: "subclass test"}, builtinIssubclass},
		{BuiltinMeta{Name: "iter", MinArgs: 1, MaxArgs: 1, Doc: "iterator over a value"}, builtinIter},
		{BuiltinMeta{Name: "next", MinArgs: 1, MaxArgs: 2, Doc: "advance an iterator"}, builtinNext},
		{BuiltinMeta{Name: "getattr", MinArgs: 2, MaxArgs: 3, Doc: "attribute by name"}, builtinGetattr},
		{BuiltinMeta{Name: "hasattr", MinArgs: 2, MaxArgs: 2, Doc: "attribute presence test"}, builtinHasattr},
		{BuiltinMeta{Name: "abs", MinArgs: 1, MaxArgs: 1, Doc: "absolute value"}, builtinAbs},
		{BuiltinMeta{Name: "callable", MinArgs: 1, MaxArgs: 1, Doc: "callability test"}, builtinCallable},
	}
	for _, d := range defs {
		if err := vm.RegisterBuiltin(d.meta, d.fn); err != nil {
			panic("vm: bootstrap builtin: " + err.Error())
		}
	}

	vm.installMethods(vm.ListClass, []builtinDef{
		{BuiltinMeta{Name: "append", MinArgs: 2, MaxArgs: 2, Method: true}, listMethodAppend},
		{BuiltinMeta{Name: "pop", MinArgs: 1, MaxArgs: 2, Method: true}, listMethodPop},
		{BuiltinMeta{Name: "extend", MinArgs: 2, MaxArgs: 2, Method: true}, listMethodExtend},
		{BuiltinMeta{Name: "index", MinArgs: 2, MaxArgs: 2, Method: true}, listMethodIndex},
	})
	vm.installMethods(vm.DictClass, []builtinDef{
		{BuiltinMeta{Name: "get", MinArgs: 2, MaxArgs: 3, Method: true}, dictMethodGet},
		{BuiltinMeta{Name: "keys", MinArgs: 1, MaxArgs: 1, Method: true}, dictMethodKeys},
		{BuiltinMeta{Name: "values", MinArgs: 1, MaxArgs: 1, Method: true}, dictMethodValues},
		{BuiltinMeta{Name: "items", MinArgs: 1, MaxArgs: 1, Method: true}, dictMethodItems},
		{BuiltinMeta{Name: "pop", MinArgs: 2, MaxArgs: 3, Method: true}, dictMethodPop},
	})
	vm.installMethods(vm.StrClass, []builtinDef{
		{BuiltinMeta{Name: "upper", MinArgs: 1, MaxArgs: 1, Method: true}, strMethodUpper},
		{BuiltinMeta{Name: "lower", MinArgs: 1, MaxArgs: 1, Method: true}, strMethodLower},
		{BuiltinMeta{Name: "strip", MinArgs: 1, MaxArgs: 1, Method: true}, strMethodStrip},
		{BuiltinMeta{Name: "split", MinArgs: 1, MaxArgs: 2, Method: true}, strMethodSplit},
		{BuiltinMeta{Name: "join", MinArgs: 2, MaxArgs: 2, Method: true}, strMethodJoin},
		{BuiltinMeta{Name: "find", MinArgs: 2, MaxArgs: 2, Method: true}, strMethodFind},
		{BuiltinMeta{Name: "replace", MinArgs: 3, MaxArgs: 3, Method: true}, strMethodReplace},
	})
	vm.installMethods(vm.GeneratorClass, []builtinDef{
		{BuiltinMeta{Name: "send", MinArgs: 2, MaxArgs: 2, Method: true}, genMethodSend},
		{BuiltinMeta{Name: "throw", MinArgs: 2, MaxArgs: 2, Method: true}, genMethodThrow},
	})
}

// installMethods attaches native methods to a class so attribute access
// through values of that class binds them.
func (vm *VM) installMethods(cls Value, defs []builtinDef) {
	c := vm.heap.class(cls)
	for _, d := range defs {
		b := vm.heap.alloc(KindBuiltin, &BuiltinObject{Meta: d.meta, Fn: d.fn})
		vm.setClassAttr(c, d.meta.Name, b)
		vm.heap.Release(b)
	}
}

// ---------------------------------------------------------------------------
// Core builtins
// ---------------------------------------------------------------------------

// lengthOf measures a value, consulting __len__ on instances.
func (vm *VM) lengthOf(v Value) (int64, error) {
	if k, ok := vm.heap.kindOf(v); ok {
		switch k {
		case KindString:
			return int64(len([]rune(vm.heap.str(v).S))), nil
		case KindList:
			return int64(len(vm.heap.list(v).Items)), nil
		case KindDict:
			return int64(vm.heap.dict(v).Len()), nil
		case KindRange:
			return vm.heap.rangeObj(v).Len(), nil
		case KindInstance, KindException:
			res, found, err := vm.callHook(v, "__len__")
			if err != nil {
				return 0, err
			}
			if found {
				defer vm.heap.Release(res)
				if !vm.isInt(res) {
					return 0, vm.Raisef(vm.TypeMismatchClass, "__len__ returned non-int (%s)", vm.TypeName(res))
				}
				n, err := vm.intCount(res)
				if err != nil {
					return 0, err
				}
				if n < 0 {
					return 0, vm.Raisef(vm.ValueErrorClass, "__len__ returned negative length")
				}
				return n, nil
			}
		}
	}
	return 0, vm.Raisef(vm.TypeMismatchClass, "%s has no length", vm.TypeName(v))
}

func builtinLen(vm *VM, args []Value) (Value, error) {
	n, err := vm.lengthOf(args[0])
	if err != nil {
		return None, err
	}
	return vm.NewInt(n), nil
}

func builtinRepr(vm *VM, args []Value) (Value, error) {
	s, err := vm.Repr(args[0])
	if err != nil {
		return None, err
	}
	return vm.NewString(s), nil
}

func builtinPrint(vm *VM, args []Value) (Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		s, err := vm.Str(a)
		if err != nil {
			return None, err
		}
		parts[i] = s
	}
	fmt.Fprintln(vm.stdout, strings.Join(parts, " "))
	return None, nil
}

// hashValue hashes v consistently with dict key identity: values that
// collide as dict keys hash equal.
func (vm *VM) hashValue(v Value) (int64, error) {
	key, err := vm.hashKey(v)
	if err != nil {
		return 0, err
	}
	switch key.kind {
	case keyInt:
		return key.i, nil
	case keyNone:
		return 0, nil
	}
	h := fnv.New64a()
	h.Write([]byte{key.kind})
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(key.i) >> (8 * i))
	}
	h.Write(buf[:])
	h.Write([]byte(key.s))
	return int64(h.Sum64()), nil
}

func builtinHash(vm *VM, args []Value) (Value, error) {
	h, err := vm.hashValue(args[0])
	if err != nil {
		return None, err
	}
	return vm.NewInt(h), nil
}

// classArg narrows an argument to a class, allowing a list of classes
// when multi is set.
func (vm *VM) classMatches(v Value, classes Value, multi bool, test func(Value) bool) (bool, error) {
	if k, ok := vm.heap.kindOf(classes); ok {
		switch {
		case k == KindClass:
			return test(classes), nil
		case k == KindList && multi:
			for _, c := range vm.heap.list(classes).Items {
				ok, err := vm.classMatches(v, c, false, test)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		}
	}
	return false, vm.Raisef(vm.TypeMismatchClass, "expected a class, got %s", vm.TypeName(classes))
}

func builtinIsinstance(vm *VM, args []Value) (Value, error) {
	ok, err := vm.classMatches(args[0], args[1], true, func(cls Value) bool {
		return vm.isSubclass(vm.ClassOf(args[0]), cls)
	})
	if err != nil {
		return None, err
	}
	return FromBool(ok), nil
}

func builtinIssubclass(vm *VM, args []Value) (Value, error) {
	if k, ok := vm.heap.kindOf(args[0]); !ok || k != KindClass {
		return None, vm.Raisef(vm.TypeMismatchClass, "issubclass arg 1 must be a class, got %s", vm.TypeName(args[0]))
	}
	ok, err := vm.classMatches(args[0], args[1], true, func(cls Value) bool {
		return vm.isSubclass(args[0], cls)
	})
	if err != nil {
		return None, err
	}
	return FromBool(ok), nil
}

func builtinIter(vm *VM, args []Value) (Value, error) {
	return vm.getIter(args[0])
}

func builtinNext(vm *VM, args []Value) (Value, error) {
	v, done, err := vm.iterNext(args[0])
	if err != nil {
		return None, err
	}
	if done {
		if len(args) == 2 {
			return vm.heap.Retain(args[1]), nil
		}
		return None, vm.Raisef(vm.StopIterationClass, "iterator exhausted")
	}
	return v, nil
}

func builtinGetattr(vm *VM, args []Value) (Value, error) {
	name, ok := vm.StringOf(args[1])
	if !ok {
		return None, vm.Raisef(vm.TypeMismatchClass, "attribute name must be str, got %s", vm.TypeName(args[1]))
	}
	v, err := vm.getAttr(args[0], name)
	if err != nil {
		if len(args) == 3 && vm.raisedMatches(err, vm.AttributeNotFoundClass) {
			vm.releaseRaised(err)
			return vm.heap.Retain(args[2]), nil
		}
		return None, err
	}
	return v, nil
}

func builtinHasattr(vm *VM, args []Value) (Value, error) {
	name, ok := vm.StringOf(args[1])
	if !ok {
		return None, vm.Raisef(vm.TypeMismatchClass, "attribute name must be str, got %s", vm.TypeName(args[1]))
	}
	v, err := vm.getAttr(args[0], name)
	if err != nil {
		if vm.raisedMatches(err, vm.AttributeNotFoundClass) {
			vm.releaseRaised(err)
			return False, nil
		}
		return None, err
	}
	vm.heap.Release(v)
	return True, nil
}

// raisedMatches reports whether err carries an exception matching cls.
func (vm *VM) raisedMatches(err error, cls Value) bool {
	r, ok := err.(*Raised)
	return ok && vm.excMatches(r.Exc, cls)
}

func builtinAbs(vm *VM, args []Value) (Value, error) {
	v := args[0]
	switch {
	case v.IsSmallInt():
		if n := v.SmallInt(); n < 0 {
			return vm.NewInt(-n), nil
		}
		return vm.heap.Retain(v), nil
	case v.IsFloat():
		return FromFloat(math.Abs(v.Float())), nil
	}
	if k, ok := vm.heap.kindOf(v); ok && k == KindBigInt {
		return vm.NewBigInt(new(big.Int).Abs(vm.heap.bigInt(v).I)), nil
	}
	return None, vm.Raisef(vm.TypeMismatchClass, "bad operand type for abs(): %s", vm.TypeName(v))
}

func builtinCallable(vm *VM, args []Value) (Value, error) {
	k, ok := vm.heap.kindOf(args[0])
	if !ok {
		return False, nil
	}
	switch k {
	case KindFunction, KindBuiltin, KindBoundMethod, KindClass:
		return True, nil
	case KindInstance:
		return FromBool(vm.hasHook(vm.ClassOf(args[0]), "__call__")), nil
	}
	return False, nil
}

// ---------------------------------------------------------------------------
// List methods
// ---------------------------------------------------------------------------

func listMethodAppend(vm *VM, args []Value) (Value, error) {
	l, err := vm.listArg(args[0], "append")
	if err != nil {
		return None, err
	}
	vm.listAppend(l, args[1])
	return None, nil
}

func listMethodPop(vm *VM, args []Value) (Value, error) {
	l, err := vm.listArg(args[0], "pop")
	if err != nil {
		return None, err
	}
	if len(l.Items) == 0 {
		return None, vm.Raisef(vm.IndexErrorClass, "pop from empty list")
	}
	i := len(l.Items) - 1
	if len(args) == 2 {
		i, err = vm.seqIndex(args[1], len(l.Items))
		if err != nil {
			return None, err
		}
	}
	v := l.Items[i]
	l.Items = append(l.Items[:i], l.Items[i+1:]...)
	return v, nil
}

func listMethodExtend(vm *VM, args []Value) (Value, error) {
	l, err := vm.listArg(args[0], "extend")
	if err != nil {
		return None, err
	}
	it, err := vm.getIter(args[1])
	if err != nil {
		return None, err
	}
	defer vm.heap.Release(it)
	for {
		v, done, err := vm.iterNext(it)
		if err != nil {
			return None, err
		}
		if done {
			return None, nil
		}
		l.Items = append(l.Items, v)
	}
}

func listMethodIndex(vm *VM, args []Value) (Value, error) {
	l, err := vm.listArg(args[0], "index")
	if err != nil {
		return None, err
	}
	for i, item := range l.Items {
		eq, err := vm.valuesEqual(item, args[1], 0)
		if err != nil {
			return None, err
		}
		if eq {
			return vm.NewInt(int64(i)), nil
		}
	}
	return None, vm.Raisef(vm.ValueErrorClass, "%s is not in list", vm.reprFallback(args[1]))
}

func (vm *VM) listArg(v Value, method string) (*ListObject, error) {
	if k, ok := vm.heap.kindOf(v); ok && k == KindList {
		return vm.heap.list(v), nil
	}
	return nil, vm.Raisef(vm.TypeMismatchClass, "%s() requires a list, got %s", method, vm.TypeName(v))
}

// ---------------------------------------------------------------------------
// Dict methods
// ---------------------------------------------------------------------------

func (vm *VM) dictArg(v Value, method string) (*DictObject, error) {
	if k, ok := vm.heap.kindOf(v); ok && k == KindDict {
		return vm.heap.dict(v), nil
	}
	return nil, vm.Raisef(vm.TypeMismatchClass, "%s() requires a dict, got %s", method, vm.TypeName(v))
}

func dictMethodGet(vm *VM, args []Value) (Value, error) {
	d, err := vm.dictArg(args[0], "get")
	if err != nil {
		return None, err
	}
	v, found, err := vm.dictGet(d, args[1])
	if err != nil {
		return None, err
	}
	if !found {
		if len(args) == 3 {
			return vm.heap.Retain(args[2]), nil
		}
		return None, nil
	}
	return vm.heap.Retain(v), nil
}

func dictMethodKeys(vm *VM, args []Value) (Value, error) {
	d, err := vm.dictArg(args[0], "keys")
	if err != nil {
		return None, err
	}
	return vm.NewListCopy(d.dictKeys()), nil
}

func dictMethodValues(vm *VM, args []Value) (Value, error) {
	d, err := vm.dictArg(args[0], "values")
	if err != nil {
		return None, err
	}
	values := make([]Value, 0, d.Len())
	for _, e := range d.Entries() {
		values = append(values, e.Value)
	}
	return vm.NewListCopy(values), nil
}

func dictMethodItems(vm *VM, args []Value) (Value, error) {
	d, err := vm.dictArg(args[0], "items")
	if err != nil {
		return None, err
	}
	items := make([]Value, 0, d.Len())
	for _, e := range d.Entries() {
		items = append(items, vm.NewListCopy([]Value{e.Key, e.Value}))
	}
	return vm.NewList(items), nil
}

func dictMethodPop(vm *VM, args []Value) (Value, error) {
	d, err := vm.dictArg(args[0], "pop")
	if err != nil {
		return None, err
	}
	v, found, err := vm.dictRemove(d, args[1])
	if err != nil {
		return None, err
	}
	if !found {
		if len(args) == 3 {
			return vm.heap.Retain(args[2]), nil
		}
		return None, vm.Raisef(vm.KeyErrorClass, "%s", vm.reprFallback(args[1]))
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// String methods
// ---------------------------------------------------------------------------

func (vm *VM) strArg(v Value, method string) (string, error) {
	if s, ok := vm.StringOf(v); ok {
		return s, nil
	}
	return "", vm.Raisef(vm.TypeMismatchClass, "%s() requires a str, got %s", method, vm.TypeName(v))
}

func strMethodUpper(vm *VM, args []Value) (Value, error) {
	s, err := vm.strArg(args[0], "upper")
	if err != nil {
		return None, err
	}
	return vm.NewString(strings.ToUpper(s)), nil
}

func strMethodLower(vm *VM, args []Value) (Value, error) {
	s, err := vm.strArg(args[0], "lower")
	if err != nil {
		return None, err
	}
	return vm.NewString(strings.ToLower(s)), nil
}

func strMethodStrip(vm *VM, args []Value) (Value, error) {
	s, err := vm.strArg(args[0], "strip")
	if err != nil {
		return None, err
	}
	return vm.NewString(strings.TrimSpace(s)), nil
}

func strMethodSplit(vm *VM, args []Value) (Value, error) {
	s, err := vm.strArg(args[0], "split")
	if err != nil {
		return None, err
	}
	var parts []string
	if len(args) == 2 {
		sep, err := vm.strArg(args[1], "split")
		if err != nil {
			return None, err
		}
		if sep == "" {
			return None, vm.Raisef(vm.ValueErrorClass, "empty separator")
		}
		parts = strings.Split(s, sep)
	} else {
		parts = strings.Fields(s)
	}
	items := make([]Value, len(parts))
	for i, p := range parts {
		items[i] = vm.NewString(p)
	}
	return vm.NewList(items), nil
}

func strMethodJoin(vm *VM, args []Value) (Value, error) {
	sep, err := vm.strArg(args[0], "join")
	if err != nil {
		return None, err
	}
	k, ok := vm.heap.kindOf(args[1])
	if !ok || k != KindList {
		return None, vm.Raisef(vm.TypeMismatchClass, "join() requires a list, got %s", vm.TypeName(args[1]))
	}
	items := vm.heap.list(args[1]).Items
	parts := make([]string, len(items))
	for i, item := range items {
		s, ok := vm.StringOf(item)
		if !ok {
			return None, vm.Raisef(vm.TypeMismatchClass, "join() list item %d is %s, not str", i, vm.TypeName(item))
		}
		parts[i] = s
	}
	return vm.NewString(strings.Join(parts, sep)), nil
}

func strMethodFind(vm *VM, args []Value) (Value, error) {
	s, err := vm.strArg(args[0], "find")
	if err != nil {
		return None, err
	}
	sub, err := vm.strArg(args[1], "find")
	if err != nil {
		return None, err
	}
	idx := strings.Index(s, sub)
	if idx > 0 {
		idx = len([]rune(s[:idx]))
	}
	return vm.NewInt(int64(idx)), nil
}

func strMethodReplace(vm *VM, args []Value) (Value, error) {
	s, err := vm.strArg(args[0], "replace")
	if err != nil {
		return None, err
	}
	old, err := vm.strArg(args[1], "replace")
	if err != nil {
		return None, err
	}
	new_, err := vm.strArg(args[2], "replace")
	if err != nil {
		return None, err
	}
	return vm.NewString(strings.ReplaceAll(s, old, new_)), nil
}

// ---------------------------------------------------------------------------
// Generator methods
// ---------------------------------------------------------------------------

func (vm *VM) genArg(v Value, method string) (Value, error) {
	if k, ok := vm.heap.kindOf(v); ok && k == KindGenerator {
		return v, nil
	}
	return None, vm.Raisef(vm.TypeMismatchClass, "%s() requires a generator, got %s", method, vm.TypeName(v))
}

func genMethodSend(vm *VM, args []Value) (Value, error) {
	g, err := vm.genArg(args[0], "send")
	if err != nil {
		return None, err
	}
	v, done, err := vm.GeneratorSend(g, args[1])
	if err != nil {
		return None, err
	}
	if done {
		vm.heap.Release(v)
		return None, vm.Raisef(vm.StopIterationClass, "generator exhausted")
	}
	return v, nil
}

func genMethodThrow(vm *VM, args []Value) (Value, error) {
	g, err := vm.genArg(args[0], "throw")
	if err != nil {
		return None, err
	}
	v, done, err := vm.GeneratorThrow(g, args[1])
	if err != nil {
		return None, err
	}
	if done {
		vm.heap.Release(v)
		return None, vm.Raisef(vm.StopIterationClass, "generator exhausted")
	}
	return v, nil
}
