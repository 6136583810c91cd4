package vm

import (
	"math"
)

// ---------------------------------------------------------------------------
// Value: NaN-boxed polymorphic handle
// ---------------------------------------------------------------------------

// Value is the universal runtime value. It uses NaN-boxing: any bit pattern
// that is not a quiet NaN is a float64, and quiet NaN patterns carry a tag
// plus a 48-bit payload.
//
// Layout of a boxed (non-float) value:
//
//	[ 0x7FF8 | tag:3 bits | payload:48 bits ]
//
// Tags:
//
//	tagFloat   - payload 0 is the canonical NaN itself
//	tagInt     - small integer, 48-bit signed immediate
//	tagSpecial - none, true, false, not-implemented, empty slot
//	tagHandle  - 32-bit handle into the owning VM's heap
type Value uint64

const (
	nanBits     uint64 = 0x7FF8000000000000
	tagMask     uint64 = 0x0007000000000000
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagFloat   uint64 = 0x0000000000000000
	tagInt     uint64 = 0x0001000000000000
	tagSpecial uint64 = 0x0002000000000000
	tagHandle  uint64 = 0x0003000000000000
)

// Special immediates.
const (
	None  Value = Value(nanBits | tagSpecial | 0)
	True  Value = Value(nanBits | tagSpecial | 1)
	False Value = Value(nanBits | tagSpecial | 2)

	// NotImplemented is returned by a binary operator handler to decline the
	// operation, letting dispatch try the reflected handler on the other
	// operand. It is an ordinary value, not an error.
	NotImplemented Value = Value(nanBits | tagSpecial | 3)

	// empty marks an unbound local slot. It never escapes a frame.
	empty Value = Value(nanBits | tagSpecial | 4)
)

// canonicalNaN is the one NaN bit pattern that still means "float NaN".
// All other NaN payloads are reserved for boxing.
const canonicalNaN = Value(nanBits)

// Small integer range: 48-bit signed immediates. Integers outside this range
// are promoted to heap big integers.
const (
	MaxSmallInt = int64(1)<<47 - 1
	MinSmallInt = -(int64(1) << 47)
)

// ---------------------------------------------------------------------------
// Float
// ---------------------------------------------------------------------------

// IsFloat reports whether v is a float64.
func (v Value) IsFloat() bool {
	return uint64(v)&nanBits != nanBits || v == canonicalNaN
}

// Float returns the float64 stored in v. Only valid if IsFloat.
func (v Value) Float() float64 {
	return math.Float64frombits(uint64(v))
}

// FromFloat boxes a float64. Every NaN collapses to the canonical NaN so
// that NaN payload bits can never alias a tagged value.
func FromFloat(f float64) Value {
	bits := math.Float64bits(f)
	if bits&nanBits == nanBits && Value(bits) != canonicalNaN {
		return canonicalNaN
	}
	return Value(bits)
}

// ---------------------------------------------------------------------------
// Small integers
// ---------------------------------------------------------------------------

// IsSmallInt reports whether v is a small integer immediate.
func (v Value) IsSmallInt() bool {
	return uint64(v)&(nanBits|tagMask) == nanBits|tagInt
}

// SmallInt returns the integer stored in v, sign-extending the 48-bit
// payload. Only valid if IsSmallInt.
func (v Value) SmallInt() int64 {
	payload := uint64(v) & payloadMask
	if payload&0x0000800000000000 != 0 {
		payload |= ^payloadMask
	}
	return int64(payload)
}

// FromSmallInt boxes an integer in the small range. The caller must check
// SmallIntFits for values of unknown magnitude.
func FromSmallInt(i int64) Value {
	return Value(nanBits | tagInt | (uint64(i) & payloadMask))
}

// SmallIntFits reports whether i is representable as a small integer.
func SmallIntFits(i int64) bool {
	return i >= MinSmallInt && i <= MaxSmallInt
}

// ---------------------------------------------------------------------------
// Specials
// ---------------------------------------------------------------------------

// IsNone reports whether v is the none value.
func (v Value) IsNone() bool { return v == None }

// IsBool reports whether v is true or false.
func (v Value) IsBool() bool { return v == True || v == False }

// FromBool boxes a Go bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// ---------------------------------------------------------------------------
// Heap handles
// ---------------------------------------------------------------------------

// IsHandle reports whether v references a heap object.
func (v Value) IsHandle() bool {
	return uint64(v)&(nanBits|tagMask) == nanBits|tagHandle
}

// handle returns the heap handle stored in v. Only valid if IsHandle.
func (v Value) handle() uint32 {
	return uint32(uint64(v) & payloadMask)
}

func fromHandle(h uint32) Value {
	return Value(nanBits | tagHandle | uint64(h))
}

// Immediate reports whether v is not heap-allocated. Immediate values are
// never reference counted.
func (v Value) Immediate() bool {
	return !v.IsHandle()
}
