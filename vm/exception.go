package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// ExceptionObject: language-level exceptions
// ---------------------------------------------------------------------------

// ExceptionObject carries a class (for catch-by-class matching through the
// MRO), payload arguments, an optional cause forming an acyclic chain, and
// instance attributes for user-defined exception classes.
type ExceptionObject struct {
	Class Value
	Args  []Value
	Cause Value
	Attrs map[string]Value

	// causeSet records an explicit raise-from. Once set, implicit
	// handler-context chaining never overrides it, so raising from None
	// keeps the chain suppressed.
	causeSet bool
}

// Raised is the Go-side carrier for an in-flight language exception. Every
// fallible internal operation returns it as its error; the engine unwinds
// when it sees one. A Raised owns one reference to its exception.
type Raised struct {
	Exc Value
	msg string
}

// Error implements the error interface.
func (r *Raised) Error() string {
	return r.msg
}

// NewException constructs an exception value of the given class. Args are
// retained; the caller keeps its own references.
func (vm *VM) NewException(class Value, args []Value) Value {
	owned := make([]Value, len(args))
	for i, a := range args {
		owned[i] = vm.heap.Retain(a)
	}
	return vm.heap.alloc(KindException, &ExceptionObject{
		Class: vm.heap.Retain(class),
		Args:  owned,
		Cause: None,
	})
}

// Raisef builds an exception of the given class with a formatted message
// and returns it wrapped as an in-flight error.
func (vm *VM) Raisef(class Value, format string, a ...any) error {
	msg := fmt.Sprintf(format, a...)
	msgVal := vm.NewString(msg)
	exc := vm.NewException(class, []Value{msgVal})
	vm.heap.Release(msgVal)
	return vm.asRaised(exc)
}

// asRaised wraps an exception value, transferring the caller's reference to
// the Raised.
func (vm *VM) asRaised(exc Value) error {
	return &Raised{Exc: exc, msg: vm.ExcMessage(exc)}
}

// releaseRaised drops an in-flight error's exception reference. Called when
// an error is absorbed rather than propagated.
func (vm *VM) releaseRaised(err error) {
	if r, ok := err.(*Raised); ok {
		vm.heap.Release(r.Exc)
	}
}

// hostError converts any Go error into an in-flight language exception.
// Raised errors pass through; anything else becomes a plain Exception so
// host fault types never cross into bytecode.
func (vm *VM) hostError(err error) *Raised {
	if r, ok := err.(*Raised); ok {
		return r
	}
	r, _ := vm.Raisef(vm.ExceptionClass, "%s", err.Error()).(*Raised)
	return r
}

// ---------------------------------------------------------------------------
// Cause chains
// ---------------------------------------------------------------------------

// setCause links cause into exc's chain. The link is refused when it would
// create a cycle or when exc already has a cause. Returns whether the link
// was made.
func (vm *VM) setCause(exc, cause Value) bool {
	obj := vm.heap.exception(exc)
	cobj := vm.heap.exception(cause)
	if obj == nil || cobj == nil || obj.causeSet || !obj.Cause.IsNone() {
		return false
	}
	// Walk the candidate chain; exc may not appear in it.
	for v := cause; !v.IsNone(); {
		if v == exc {
			return false
		}
		e := vm.heap.exception(v)
		if e == nil {
			break
		}
		v = e.Cause
	}
	obj.Cause = vm.heap.Retain(cause)
	return true
}

// replaceCause installs cause as exc's cause for an explicit raise-from,
// overriding any implicit link and suppressing future ones. A None cause
// clears the link. Cycles are rejected.
func (vm *VM) replaceCause(exc, cause Value) error {
	obj := vm.heap.exception(exc)
	if obj == nil {
		return vm.Raisef(vm.TypeMismatchClass, "cause target is %s, not an exception", vm.TypeName(exc))
	}
	if !cause.IsNone() {
		if vm.heap.exception(cause) == nil {
			return vm.Raisef(vm.TypeMismatchClass, "exception cause is %s, not an exception", vm.TypeName(cause))
		}
		for v := cause; !v.IsNone(); {
			if v == exc {
				return vm.Raisef(vm.ValueErrorClass, "exception cause chain would form a cycle")
			}
			e := vm.heap.exception(v)
			if e == nil {
				break
			}
			v = e.Cause
		}
	}
	old := obj.Cause
	obj.Cause = vm.heap.Retain(cause)
	obj.causeSet = true
	vm.heap.Release(old)
	return nil
}

// CauseChain returns the exception chain in originating-first order: the
// deepest cause first, exc itself last. Borrowed references.
func (vm *VM) CauseChain(exc Value) []Value {
	var chain []Value
	for v := exc; !v.IsNone(); {
		chain = append(chain, v)
		e := vm.heap.exception(v)
		if e == nil {
			break
		}
		v = e.Cause
	}
	// Reverse into originating-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// excMatches reports whether exc is caught by a handler declaring class:
// the exception's class must be the declared class or derive from it.
func (vm *VM) excMatches(exc, declared Value) bool {
	obj := vm.heap.exception(exc)
	if obj == nil {
		return false
	}
	return vm.isSubclass(obj.Class, declared)
}

// ExcMessage renders an exception as "ClassName: args...".
func (vm *VM) ExcMessage(exc Value) string {
	obj := vm.heap.exception(exc)
	if obj == nil {
		return "not an exception"
	}
	name := "Exception"
	if cls := vm.heap.class(obj.Class); cls != nil {
		name = cls.Name
	}
	if len(obj.Args) == 0 {
		return name
	}
	parts := make([]string, len(obj.Args))
	for i, a := range obj.Args {
		if s, ok := vm.StringOf(a); ok {
			parts[i] = s
		} else {
			parts[i] = vm.reprFallback(a)
		}
	}
	return name + ": " + strings.Join(parts, ", ")
}

// ---------------------------------------------------------------------------
// Exception class bootstrap
// ---------------------------------------------------------------------------

// bootstrapExceptionClasses builds the built-in exception hierarchy. All of
// these derive from Exception and stay open for user subclassing.
func (vm *VM) bootstrapExceptionClasses() {
	base, _ := vm.NewClass("Exception", nil)
	vm.ExceptionClass = base

	sub := func(name string) Value {
		cls, err := vm.NewClass(name, []Value{base})
		if err != nil {
			panic("vm: exception bootstrap failed: " + err.Error())
		}
		return cls
	}

	vm.AttributeNotFoundClass = sub("AttributeNotFound")
	vm.NotSubscriptableClass = sub("NotSubscriptable")
	vm.TypeMismatchClass = sub("TypeMismatch")
	vm.UnhashableTypeClass = sub("UnhashableType")
	vm.ArgumentBindingErrorClass = sub("ArgumentBindingError")
	vm.NameResolutionErrorClass = sub("NameResolutionError")
	vm.InconsistentMROClass = sub("InconsistentMRO")
	vm.MalformedCodeObjectClass = sub("MalformedCodeObject")
	vm.RecursionLimitClass = sub("RecursionLimit")
	vm.StopIterationClass = sub("StopIteration")
	vm.ValueErrorClass = sub("ValueError")
	vm.ZeroDivisionClass = sub("ZeroDivision")
	vm.IndexErrorClass = sub("IndexError")
	vm.KeyErrorClass = sub("KeyError")
}

// derivesException reports whether cls derives from the exception root.
func (vm *VM) derivesException(cls Value) bool {
	return vm.isSubclass(cls, vm.ExceptionClass)
}

// ---------------------------------------------------------------------------
// Unhandled: the top-level failure result
// ---------------------------------------------------------------------------

// Unhandled reports an exception that escaped every frame. It owns
// references to the exception and its chain; Release returns them when the
// host is done inspecting.
type Unhandled struct {
	vm    *VM
	exc   Value
	chain []Value
	msg   string
}

func (vm *VM) newUnhandled(exc Value) *Unhandled {
	chain := vm.CauseChain(exc)
	owned := make([]Value, len(chain))
	for i, v := range chain {
		owned[i] = vm.heap.Retain(v)
	}
	msgs := make([]string, len(chain))
	for i, v := range chain {
		msgs[i] = vm.ExcMessage(v)
	}
	return &Unhandled{
		vm:    vm,
		exc:   vm.heap.Retain(exc),
		chain: owned,
		msg:   "unhandled exception: " + strings.Join(msgs, " -> "),
	}
}

// Error implements the error interface.
func (u *Unhandled) Error() string {
	return u.msg
}

// Exception returns the escaping exception. Borrowed while u is alive.
func (u *Unhandled) Exception() Value {
	return u.exc
}

// Chain returns the cause chain in originating-first order, ending with the
// escaping exception. Borrowed while u is alive.
func (u *Unhandled) Chain() []Value {
	return u.chain
}

// Release drops the references held by the result. The values must not be
// used afterwards.
func (u *Unhandled) Release() {
	u.vm.heap.Release(u.exc)
	for _, v := range u.chain {
		u.vm.heap.Release(v)
	}
	u.chain = nil
}
