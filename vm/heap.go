package vm

// ---------------------------------------------------------------------------
// Heap: per-VM reference-counted object table
// ---------------------------------------------------------------------------

// Kind identifies the runtime type of a heap object.
type Kind uint8

const (
	KindBigInt Kind = iota
	KindString
	KindList
	KindDict
	KindFunction
	KindBoundMethod
	KindClass
	KindInstance
	KindException
	KindGenerator
	KindModule
	KindCell
	KindProperty
	KindBuiltin
	KindSuper
	KindIterator
	KindRange
)

var kindNames = [...]string{
	KindBigInt:      "bigint",
	KindString:      "string",
	KindList:        "list",
	KindDict:        "dict",
	KindFunction:    "function",
	KindBoundMethod: "boundmethod",
	KindClass:       "class",
	KindInstance:    "instance",
	KindException:   "exception",
	KindGenerator:   "generator",
	KindModule:      "module",
	KindCell:        "cell",
	KindProperty:    "property",
	KindBuiltin:     "builtin",
	KindSuper:       "super",
	KindIterator:    "iterator",
	KindRange:       "range",
}

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// HeapObject is the header shared by every heap allocation. Payload holds
// the kind-specific struct (*StringObject, *ListObject, ...).
type HeapObject struct {
	Kind    Kind
	Refs    int32
	Payload any

	gcRefs int32
	marked bool
}

// Heap owns every object allocated by one VM instance. Handles are never
// shared between heaps; each VM is fully isolated. The heap is not
// synchronized: a VM executes exactly one logical thread.
type Heap struct {
	objects map[uint32]*HeapObject
	nextID  uint32

	// Allocation accounting for the cycle collector trigger. gcPending is
	// raised when allocsSinceGC crosses gcThreshold and cleared by a
	// collection; the engine polls it at instruction boundaries so a
	// collection never lands mid-instruction.
	allocsSinceGC int
	gcThreshold   int
	gcPending     bool

	stats HeapStats
}

// DefaultGCThreshold is the allocation count between automatic collections.
const DefaultGCThreshold = 8192

// HeapStats is a snapshot of heap activity counters.
type HeapStats struct {
	Live        int
	TotalAllocs uint64
	TotalFrees  uint64
}

// NewHeap creates an empty heap. Handles start at 1 so that a zero handle
// can never be confused with a live object.
func NewHeap() *Heap {
	return &Heap{
		objects:     make(map[uint32]*HeapObject),
		nextID:      1,
		gcThreshold: DefaultGCThreshold,
	}
}

// Stats returns a snapshot of heap counters.
func (h *Heap) Stats() HeapStats {
	s := h.stats
	s.Live = len(h.objects)
	return s
}

// Live returns the number of live heap objects.
func (h *Heap) Live() int {
	return len(h.objects)
}

// ---------------------------------------------------------------------------
// Allocation and reference counting
// ---------------------------------------------------------------------------

// alloc creates a heap object and returns a value owning one reference.
func (h *Heap) alloc(kind Kind, payload any) Value {
	id := h.nextID
	h.nextID++
	h.objects[id] = &HeapObject{Kind: kind, Refs: 1, Payload: payload}
	h.stats.TotalAllocs++
	h.allocsSinceGC++
	if h.gcThreshold > 0 && h.allocsSinceGC >= h.gcThreshold {
		h.gcPending = true
	}
	return fromHandle(id)
}

// get returns the heap object for a handle value, or nil for immediates and
// dead handles.
func (h *Heap) get(v Value) *HeapObject {
	if !v.IsHandle() {
		return nil
	}
	return h.objects[v.handle()]
}

// kindOf returns the heap kind of v, or false for immediates.
func (h *Heap) kindOf(v Value) (Kind, bool) {
	obj := h.get(v)
	if obj == nil {
		return 0, false
	}
	return obj.Kind, true
}

// Retain increments the reference count of a heap value. Immediates are
// ignored.
func (h *Heap) Retain(v Value) Value {
	if obj := h.get(v); obj != nil {
		obj.Refs++
	}
	return v
}

// Release decrements the reference count of a heap value. Reaching zero
// reclaims the object immediately and releases everything it references.
func (h *Heap) Release(v Value) {
	obj := h.get(v)
	if obj == nil {
		return
	}
	obj.Refs--
	if obj.Refs > 0 {
		return
	}
	h.free(v.handle(), obj)
}

// free reclaims one object, releasing its children. The map entry is
// removed first so that reference cycles through the dying object cannot
// re-enter it.
func (h *Heap) free(id uint32, obj *HeapObject) {
	delete(h.objects, id)
	h.stats.TotalFrees++
	forEachChild(obj, func(child Value) {
		h.Release(child)
	})
	obj.Payload = nil
}

// ---------------------------------------------------------------------------
// Child enumeration
// ---------------------------------------------------------------------------

// forEachChild visits every heap value directly referenced by obj. It is the
// single source of truth for ownership edges: Release and the cycle
// collector both rely on it, so the two can never disagree.
func forEachChild(obj *HeapObject, visit func(Value)) {
	switch p := obj.Payload.(type) {
	case *ListObject:
		for _, it := range p.Items {
			visit(it)
		}
	case *DictObject:
		for i := range p.entries {
			visit(p.entries[i].Key)
			visit(p.entries[i].Value)
		}
	case *FunctionObject:
		visit(p.Globals)
		for _, d := range p.Defaults {
			visit(d)
		}
		for _, c := range p.Cells {
			visit(c)
		}
	case *BoundMethodObject:
		visit(p.Receiver)
		visit(p.Function)
	case *ClassObject:
		for _, b := range p.Bases {
			visit(b)
		}
		for _, m := range p.MRO {
			visit(m)
		}
		for _, v := range p.Attrs {
			visit(v)
		}
	case *InstanceObject:
		visit(p.Class)
		for _, v := range p.Attrs {
			visit(v)
		}
	case *ExceptionObject:
		visit(p.Class)
		for _, a := range p.Args {
			visit(a)
		}
		visit(p.Cause)
		for _, v := range p.Attrs {
			visit(v)
		}
	case *GeneratorObject:
		if p.Frame != nil {
			p.Frame.forEachRef(visit)
		}
	case *ModuleObject:
		for _, v := range p.Globals {
			visit(v)
		}
	case *CellObject:
		visit(p.Ref)
	case *PropertyObject:
		visit(p.Getter)
		visit(p.Setter)
	case *SuperObject:
		visit(p.Class)
		visit(p.Receiver)
	case *IteratorObject:
		p.state.forEachRef(visit)
	}
	// BigInt, String, Builtin and Range payloads hold no value references.
}

// ---------------------------------------------------------------------------
// Typed payload accessors
// ---------------------------------------------------------------------------

func (h *Heap) payload(v Value, kind Kind) any {
	obj := h.get(v)
	if obj == nil || obj.Kind != kind {
		return nil
	}
	return obj.Payload
}

func (h *Heap) bigInt(v Value) *BigIntObject {
	p, _ := h.payload(v, KindBigInt).(*BigIntObject)
	return p
}

func (h *Heap) str(v Value) *StringObject {
	p, _ := h.payload(v, KindString).(*StringObject)
	return p
}

func (h *Heap) list(v Value) *ListObject {
	p, _ := h.payload(v, KindList).(*ListObject)
	return p
}

func (h *Heap) dict(v Value) *DictObject {
	p, _ := h.payload(v, KindDict).(*DictObject)
	return p
}

func (h *Heap) function(v Value) *FunctionObject {
	p, _ := h.payload(v, KindFunction).(*FunctionObject)
	return p
}

func (h *Heap) boundMethod(v Value) *BoundMethodObject {
	p, _ := h.payload(v, KindBoundMethod).(*BoundMethodObject)
	return p
}

func (h *Heap) class(v Value) *ClassObject {
	p, _ := h.payload(v, KindClass).(*ClassObject)
	return p
}

func (h *Heap) instance(v Value) *InstanceObject {
	p, _ := h.payload(v, KindInstance).(*InstanceObject)
	return p
}

func (h *Heap) exception(v Value) *ExceptionObject {
	p, _ := h.payload(v, KindException).(*ExceptionObject)
	return p
}

func (h *Heap) generator(v Value) *GeneratorObject {
	p, _ := h.payload(v, KindGenerator).(*GeneratorObject)
	return p
}

func (h *Heap) module(v Value) *ModuleObject {
	p, _ := h.payload(v, KindModule).(*ModuleObject)
	return p
}

func (h *Heap) cell(v Value) *CellObject {
	p, _ := h.payload(v, KindCell).(*CellObject)
	return p
}

func (h *Heap) property(v Value) *PropertyObject {
	p, _ := h.payload(v, KindProperty).(*PropertyObject)
	return p
}

func (h *Heap) builtin(v Value) *BuiltinObject {
	p, _ := h.payload(v, KindBuiltin).(*BuiltinObject)
	return p
}

func (h *Heap) super(v Value) *SuperObject {
	p, _ := h.payload(v, KindSuper).(*SuperObject)
	return p
}

func (h *Heap) iterator(v Value) *IteratorObject {
	p, _ := h.payload(v, KindIterator).(*IteratorObject)
	return p
}

func (h *Heap) rangeObj(v Value) *RangeObject {
	p, _ := h.payload(v, KindRange).(*RangeObject)
	return p
}

// ---------------------------------------------------------------------------
// Simple payload structs
// ---------------------------------------------------------------------------

// StringObject holds an immutable string.
type StringObject struct {
	S string
}

// ListObject holds an ordered, mutable, resizable sequence.
type ListObject struct {
	Items []Value
}

// ModuleObject is a namespace of top-level bindings.
type ModuleObject struct {
	Name    string
	Globals map[string]Value
}

// CellObject is the shared mutable slot backing closure captures. The
// defining frame and every capturing function reference the same cell, so
// stores through one are visible through all.
type CellObject struct {
	Ref Value
}

// PropertyObject is a computed-attribute hook. Getter runs on attribute
// read, Setter on write; either may be None.
type PropertyObject struct {
	Getter Value
	Setter Value
}

// SuperObject proxies attribute lookup to the portion of Receiver's class
// MRO that follows Class.
type SuperObject struct {
	Class    Value
	Receiver Value
}

// RangeObject is a lazy arithmetic progression.
type RangeObject struct {
	Start, Stop, Step int64
}

// Len returns the number of elements the range produces.
func (r *RangeObject) Len() int64 {
	if r.Step > 0 {
		if r.Stop <= r.Start {
			return 0
		}
		return (r.Stop - r.Start + r.Step - 1) / r.Step
	}
	if r.Stop >= r.Start {
		return 0
	}
	return (r.Start - r.Stop - r.Step - 1) / (-r.Step)
}
