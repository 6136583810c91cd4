package vm

import (
	"io"
	"math"
	"math/big"
	"os"
	"strconv"
	"strings"
)

// DefaultRecursionLimit bounds the call depth of a fresh VM.
const DefaultRecursionLimit = 1000

// VMStats counts engine activity since the VM was created.
type VMStats struct {
	Instructions  uint64
	Calls         uint64
	MaxFrameDepth int
}

// VM is one isolated execution instance: its own heap, builtin registry,
// class hierarchy and call stack. Values never cross VM boundaries; a
// handle from one VM is meaningless to another. A VM runs exactly one
// logical thread and is not synchronized.
type VM struct {
	heap     *Heap
	builtins map[string]Value
	frames   []*Frame

	recursionLimit int
	stdout         io.Writer
	stats          VMStats

	// classEpoch bumps on any class attribute mutation and invalidates
	// every per-class lookup cache.
	classEpoch uint64

	gcDisabled bool
	collecting bool
	gcStats    GCStats

	execLog Tracer

	// Well-known classes, bootstrapped before anything else runs.
	ObjectClass      Value
	TypeClass        Value
	NoneClass        Value
	IntClass         Value
	FloatClass       Value
	BoolClass        Value
	StrClass         Value
	ListClass        Value
	DictClass        Value
	FunctionClass    Value
	BoundMethodClass Value
	ModuleClass      Value
	GeneratorClass   Value
	IteratorClass    Value
	RangeClass       Value
	PropertyClass    Value
	SuperClass       Value

	// Exception hierarchy.
	ExceptionClass            Value
	AttributeNotFoundClass    Value
	NotSubscriptableClass     Value
	TypeMismatchClass         Value
	UnhashableTypeClass       Value
	ArgumentBindingErrorClass Value
	NameResolutionErrorClass  Value
	InconsistentMROClass      Value
	MalformedCodeObjectClass  Value
	RecursionLimitClass       Value
	StopIterationClass        Value
	ValueErrorClass           Value
	ZeroDivisionClass         Value
	IndexErrorClass           Value
	KeyErrorClass             Value
}

// NewVM creates a fully bootstrapped, isolated VM.
func NewVM() *VM {
	vm := &VM{
		heap:           NewHeap(),
		builtins:       make(map[string]Value),
		recursionLimit: DefaultRecursionLimit,
		stdout:         os.Stdout,
	}
	vm.bootstrapClasses()
	vm.bootstrapExceptionClasses()
	vm.bootstrapBuiltins()
	return vm
}

// SetOutput redirects the print builtin's stream.
func (vm *VM) SetOutput(w io.Writer) {
	vm.stdout = w
}

// SetRecursionLimit bounds the call depth. Values below 1 are ignored.
func (vm *VM) SetRecursionLimit(n int) {
	if n >= 1 {
		vm.recursionLimit = n
	}
}

// RecursionLimit returns the current call depth bound.
func (vm *VM) RecursionLimit() int {
	return vm.recursionLimit
}

// SetGCThreshold sets the allocation count between automatic collections.
// Zero or negative disables the allocation trigger; explicit Collect calls
// still work.
func (vm *VM) SetGCThreshold(n int) {
	vm.heap.gcThreshold = n
	if n <= 0 {
		vm.heap.gcPending = false
	}
}

// DisableGC turns off automatic collection.
func (vm *VM) DisableGC() {
	vm.gcDisabled = true
}

// EnableGC turns automatic collection back on.
func (vm *VM) EnableGC() {
	vm.gcDisabled = false
}

// SetTracer installs a per-instruction trace sink. Nil disables tracing.
func (vm *VM) SetTracer(t Tracer) {
	vm.execLog = t
}

// Stats returns engine activity counters.
func (vm *VM) Stats() VMStats {
	return vm.stats
}

// HeapStats returns heap activity counters.
func (vm *VM) HeapStats() HeapStats {
	return vm.heap.Stats()
}

// Retain takes an additional reference to v for the host. Every retained
// value must eventually be Released.
func (vm *VM) Retain(v Value) Value {
	return vm.heap.Retain(v)
}

// Release returns a host-held reference.
func (vm *VM) Release(v Value) {
	vm.heap.Release(v)
}

// Close drops every VM-owned root and collects the heap. Host-held values
// from this VM must be released before Close.
func (vm *VM) Close() {
	for name, v := range vm.builtins {
		vm.heap.Release(v)
		delete(vm.builtins, name)
	}
	wellKnown := []*Value{
		&vm.ObjectClass, &vm.TypeClass, &vm.NoneClass, &vm.IntClass,
		&vm.FloatClass, &vm.BoolClass, &vm.StrClass, &vm.ListClass,
		&vm.DictClass, &vm.FunctionClass, &vm.BoundMethodClass,
		&vm.ModuleClass, &vm.GeneratorClass, &vm.IteratorClass,
		&vm.RangeClass, &vm.PropertyClass, &vm.SuperClass,
		&vm.ExceptionClass, &vm.AttributeNotFoundClass,
		&vm.NotSubscriptableClass, &vm.TypeMismatchClass,
		&vm.UnhashableTypeClass, &vm.ArgumentBindingErrorClass,
		&vm.NameResolutionErrorClass, &vm.InconsistentMROClass,
		&vm.MalformedCodeObjectClass, &vm.RecursionLimitClass,
		&vm.StopIterationClass, &vm.ValueErrorClass, &vm.ZeroDivisionClass,
		&vm.IndexErrorClass, &vm.KeyErrorClass,
	}
	for _, p := range wellKnown {
		if !p.IsNone() && *p != Value(0) {
			vm.heap.Release(*p)
			*p = None
		}
	}
	// Classes sit in reference cycles through their MROs; only the cycle
	// collector can reclaim them.
	vm.Collect()
}

// ---------------------------------------------------------------------------
// Execution entry points
// ---------------------------------------------------------------------------

// NewModule creates an empty module namespace.
func (vm *VM) NewModule(name string) Value {
	return vm.heap.alloc(KindModule, &ModuleObject{
		Name:    name,
		Globals: make(map[string]Value),
	})
}

// SetGlobal binds name in a module. The module retains its own reference.
func (vm *VM) SetGlobal(module Value, name string, v Value) error {
	m := vm.heap.module(module)
	if m == nil {
		return vm.asHostError("SetGlobal target is not a module")
	}
	if old, ok := m.Globals[name]; ok {
		vm.heap.Release(old)
	}
	m.Globals[name] = vm.heap.Retain(v)
	return nil
}

// GetGlobal fetches a module binding. The result is owned by the caller;
// the bool reports presence.
func (vm *VM) GetGlobal(module Value, name string) (Value, bool) {
	m := vm.heap.module(module)
	if m == nil {
		return None, false
	}
	v, ok := m.Globals[name]
	if !ok {
		return None, false
	}
	return vm.heap.Retain(v), true
}

// Run validates and executes a top-level code object in a fresh module
// namespace. The result value is owned by the caller. An exception that
// escapes every frame comes back as *Unhandled carrying the full cause
// chain.
func (vm *VM) Run(code *CodeObject) (Value, error) {
	module := vm.NewModule("__main__")
	defer vm.heap.Release(module)
	return vm.RunIn(code, module)
}

// RunIn executes a top-level code object against an existing module
// namespace, so consecutive runs can share globals.
func (vm *VM) RunIn(code *CodeObject, module Value) (Value, error) {
	if m := vm.heap.module(module); m == nil {
		return None, vm.asHostError("RunIn target is not a module")
	}
	if err := code.Validate(); err != nil {
		raised := vm.Raisef(vm.MalformedCodeObjectClass, "%s", err.Error())
		return None, vm.intoUnhandled(raised)
	}
	if len(code.FreeNames) > 0 {
		raised := vm.Raisef(vm.MalformedCodeObjectClass,
			"code %q captures free variables and cannot run as a module body", code.Name)
		return None, vm.intoUnhandled(raised)
	}
	f := vm.newFrame(None, module, code)
	res, err := vm.runFrame(f)
	if err != nil {
		return None, vm.intoUnhandled(err)
	}
	return res, nil
}

// NewFunction materializes a callable from a validated code object bound
// to a module namespace. The result is owned by the caller.
func (vm *VM) NewFunction(code *CodeObject, module Value) (Value, error) {
	if m := vm.heap.module(module); m == nil {
		return None, vm.asHostError("NewFunction module is not a module")
	}
	if err := code.Validate(); err != nil {
		return None, err
	}
	if len(code.FreeNames) > 0 {
		return None, vm.asHostError("NewFunction code captures free variables")
	}
	return vm.heap.alloc(KindFunction, &FunctionObject{
		Name:    code.Name,
		Code:    code,
		Globals: vm.heap.Retain(module),
	}), nil
}

// Call invokes a callable value from the host. args are borrowed; the
// result is owned by the caller. Escaping exceptions come back as
// *Unhandled.
func (vm *VM) Call(callee Value, args ...Value) (Value, error) {
	res, err := vm.call(callee, args, nil)
	if err != nil {
		return None, vm.intoUnhandled(err)
	}
	return res, nil
}

// intoUnhandled converts an in-flight exception into the host-facing
// unhandled result, transferring the exception reference into it.
func (vm *VM) intoUnhandled(err error) error {
	if u, ok := err.(*Unhandled); ok {
		return u
	}
	r := vm.hostError(err)
	u := vm.newUnhandled(r.Exc)
	vm.releaseRaised(r)
	return u
}

// asHostError reports host API misuse without touching the language
// exception machinery.
func (vm *VM) asHostError(msg string) error {
	return &hostAPIError{msg: msg}
}

type hostAPIError struct {
	msg string
}

func (e *hostAPIError) Error() string { return e.msg }

// ---------------------------------------------------------------------------
// Class bootstrap
// ---------------------------------------------------------------------------

// bootstrapClasses builds the built-in class graph. The object root comes
// first, then type, then the sealed value classes with their native
// constructors.
func (vm *VM) bootstrapClasses() {
	vm.ObjectClass = vm.newRootClass("object")

	mk := func(name string, native BuiltinFunc, sealed bool) Value {
		cls, err := vm.NewClass(name, nil)
		if err != nil {
			panic("vm: class bootstrap failed: " + err.Error())
		}
		c := vm.heap.class(cls)
		c.Native = native
		c.Sealed = sealed
		return cls
	}

	vm.TypeClass = mk("type", nativeType, true)
	vm.NoneClass = mk("NoneType", nil, true)
	vm.IntClass = mk("int", nativeInt, true)
	vm.FloatClass = mk("float", nativeFloat, true)
	vm.BoolClass = mk("bool", nativeBool, true)
	vm.StrClass = mk("str", nativeStr, true)
	vm.ListClass = mk("list", nativeList, true)
	vm.DictClass = mk("dict", nativeDict, true)
	vm.FunctionClass = mk("function", nil, true)
	vm.BoundMethodClass = mk("method", nil, true)
	vm.ModuleClass = mk("module", nil, true)
	vm.GeneratorClass = mk("generator", nil, true)
	vm.IteratorClass = mk("iterator", nil, true)
	vm.RangeClass = mk("range", nativeRange, true)
	vm.PropertyClass = mk("property", nativeProperty, true)
	vm.SuperClass = mk("super", nativeSuper, true)
}

// ---------------------------------------------------------------------------
// Native constructors
// ---------------------------------------------------------------------------

func nativeType(vm *VM, args []Value) (Value, error) {
	if len(args) != 1 {
		return None, vm.Raisef(vm.ArgumentBindingErrorClass, "type() takes 1 argument (%d given)", len(args))
	}
	return vm.heap.Retain(vm.ClassOf(args[0])), nil
}

func nativeInt(vm *VM, args []Value) (Value, error) {
	switch len(args) {
	case 0:
		return FromSmallInt(0), nil
	case 1:
	default:
		return None, vm.Raisef(vm.ArgumentBindingErrorClass, "int() takes at most 1 argument (%d given)", len(args))
	}
	v := args[0]
	switch {
	case v.IsSmallInt():
		return v, nil
	case v.IsFloat():
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return None, vm.Raisef(vm.ValueErrorClass, "cannot convert %s to int", formatFloat(f))
		}
		bf := new(big.Float).SetFloat64(math.Trunc(f))
		i, _ := bf.Int(nil)
		return vm.NewBigInt(i), nil
	case v == True:
		return FromSmallInt(1), nil
	case v == False:
		return FromSmallInt(0), nil
	}
	if k, ok := vm.heap.kindOf(v); ok {
		switch k {
		case KindBigInt:
			return vm.heap.Retain(v), nil
		case KindString:
			s := strings.TrimSpace(vm.heap.str(v).S)
			i, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return None, vm.Raisef(vm.ValueErrorClass, "invalid literal for int(): %q", vm.heap.str(v).S)
			}
			return vm.NewBigInt(i), nil
		}
	}
	return None, vm.Raisef(vm.TypeMismatchClass, "int() argument must be a number or str, not %s", vm.TypeName(v))
}

func nativeFloat(vm *VM, args []Value) (Value, error) {
	switch len(args) {
	case 0:
		return FromFloat(0), nil
	case 1:
	default:
		return None, vm.Raisef(vm.ArgumentBindingErrorClass, "float() takes at most 1 argument (%d given)", len(args))
	}
	v := args[0]
	if f, ok := vm.asFloat(v); ok {
		return FromFloat(f), nil
	}
	switch v {
	case True:
		return FromFloat(1), nil
	case False:
		return FromFloat(0), nil
	}
	if s, ok := vm.StringOf(v); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return None, vm.Raisef(vm.ValueErrorClass, "invalid literal for float(): %q", s)
		}
		return FromFloat(f), nil
	}
	return None, vm.Raisef(vm.TypeMismatchClass, "float() argument must be a number or str, not %s", vm.TypeName(v))
}

func nativeBool(vm *VM, args []Value) (Value, error) {
	switch len(args) {
	case 0:
		return False, nil
	case 1:
		t, err := vm.truthy(args[0])
		if err != nil {
			return None, err
		}
		return FromBool(t), nil
	}
	return None, vm.Raisef(vm.ArgumentBindingErrorClass, "bool() takes at most 1 argument (%d given)", len(args))
}

func nativeStr(vm *VM, args []Value) (Value, error) {
	switch len(args) {
	case 0:
		return vm.NewString(""), nil
	case 1:
		s, err := vm.Str(args[0])
		if err != nil {
			return None, err
		}
		return vm.NewString(s), nil
	}
	return None, vm.Raisef(vm.ArgumentBindingErrorClass, "str() takes at most 1 argument (%d given)", len(args))
}

func nativeList(vm *VM, args []Value) (Value, error) {
	switch len(args) {
	case 0:
		return vm.NewList(nil), nil
	case 1:
	default:
		return None, vm.Raisef(vm.ArgumentBindingErrorClass, "list() takes at most 1 argument (%d given)", len(args))
	}
	it, err := vm.getIter(args[0])
	if err != nil {
		return None, err
	}
	defer vm.heap.Release(it)
	var items []Value
	for {
		v, done, err := vm.iterNext(it)
		if err != nil {
			for _, item := range items {
				vm.heap.Release(item)
			}
			return None, err
		}
		if done {
			return vm.NewList(items), nil
		}
		items = append(items, v)
	}
}

func nativeDict(vm *VM, args []Value) (Value, error) {
	switch len(args) {
	case 0:
		return vm.NewDict(), nil
	case 1:
	default:
		return None, vm.Raisef(vm.ArgumentBindingErrorClass, "dict() takes at most 1 argument (%d given)", len(args))
	}
	k, ok := vm.heap.kindOf(args[0])
	if !ok || k != KindDict {
		return None, vm.Raisef(vm.TypeMismatchClass, "dict() argument must be a dict, not %s", vm.TypeName(args[0]))
	}
	d := vm.NewDict()
	for _, e := range vm.heap.dict(args[0]).Entries() {
		if err := vm.dictSet(vm.heap.dict(d), e.Key, e.Value); err != nil {
			vm.heap.Release(d)
			return None, err
		}
	}
	return d, nil
}

func nativeRange(vm *VM, args []Value) (Value, error) {
	bound := func(v Value) (int64, error) {
		if !vm.isInt(v) {
			return 0, vm.Raisef(vm.TypeMismatchClass, "range() argument must be int, not %s", vm.TypeName(v))
		}
		return vm.intCount(v)
	}
	var start, stop, step int64 = 0, 0, 1
	var err error
	switch len(args) {
	case 1:
		stop, err = bound(args[0])
	case 2:
		if start, err = bound(args[0]); err == nil {
			stop, err = bound(args[1])
		}
	case 3:
		if start, err = bound(args[0]); err == nil {
			if stop, err = bound(args[1]); err == nil {
				step, err = bound(args[2])
			}
		}
	default:
		return None, vm.Raisef(vm.ArgumentBindingErrorClass, "range() takes 1 to 3 arguments (%d given)", len(args))
	}
	if err != nil {
		return None, err
	}
	if step == 0 {
		return None, vm.Raisef(vm.ValueErrorClass, "range() step must not be zero")
	}
	return vm.heap.alloc(KindRange, &RangeObject{Start: start, Stop: stop, Step: step}), nil
}

func nativeProperty(vm *VM, args []Value) (Value, error) {
	if len(args) < 1 || len(args) > 2 {
		return None, vm.Raisef(vm.ArgumentBindingErrorClass, "property() takes 1 or 2 arguments (%d given)", len(args))
	}
	getter := args[0]
	setter := None
	if len(args) == 2 {
		setter = args[1]
	}
	return vm.heap.alloc(KindProperty, &PropertyObject{
		Getter: vm.heap.Retain(getter),
		Setter: vm.heap.Retain(setter),
	}), nil
}

func nativeSuper(vm *VM, args []Value) (Value, error) {
	if len(args) != 2 {
		return None, vm.Raisef(vm.ArgumentBindingErrorClass, "super() takes 2 arguments (%d given)", len(args))
	}
	cls, inst := args[0], args[1]
	if k, ok := vm.heap.kindOf(cls); !ok || k != KindClass {
		return None, vm.Raisef(vm.TypeMismatchClass, "super() argument 1 must be a class, not %s", vm.TypeName(cls))
	}
	if !vm.isSubclass(vm.ClassOf(inst), cls) {
		return None, vm.Raisef(vm.TypeMismatchClass,
			"super() receiver is %s, which is not an instance of %s", vm.TypeName(inst), vm.heap.class(cls).Name)
	}
	return vm.heap.alloc(KindSuper, &SuperObject{
		Class:    vm.heap.Retain(cls),
		Receiver: vm.heap.Retain(inst),
	}), nil
}

// FunctionObject backs function values: immutable code plus the captured
// environment. Defaults align with the trailing parameters; Cells hold the
// captured free-variable cells in FreeNames order.
type FunctionObject struct {
	Name     string
	Code     *CodeObject
	Globals  Value
	Defaults []Value
	Cells    []Value
}

// BoundMethodObject pairs a receiver with a function or builtin.
type BoundMethodObject struct {
	Receiver Value
	Function Value
}
