package vm

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Float tests
// ---------------------------------------------------------------------------

func TestFloatRoundTrip(t *testing.T) {
	tests := []float64{
		0.0,
		-0.0,
		1.0,
		-1.0,
		3.14159265358979,
		-3.14159265358979,
		math.MaxFloat64,
		math.SmallestNonzeroFloat64,
		-math.MaxFloat64,
		-math.SmallestNonzeroFloat64,
		math.Inf(1),
		math.Inf(-1),
	}

	for _, f := range tests {
		v := FromFloat(f)
		if !v.IsFloat() {
			t.Errorf("FromFloat(%v).IsFloat() = false, want true", f)
			continue
		}
		got := v.Float()
		if got != f {
			t.Errorf("FromFloat(%v).Float() = %v, want %v", f, got, f)
		}
	}
}

func TestFloatNaN(t *testing.T) {
	v := FromFloat(math.NaN())
	if !v.IsFloat() {
		t.Error("NaN should be a float")
	}
	if !math.IsNaN(v.Float()) {
		t.Error("NaN roundtrip failed")
	}
}

func TestFloatNaNPayloadCollapses(t *testing.T) {
	// A NaN whose payload bits overlap the tag space must collapse to the
	// canonical NaN instead of aliasing a boxed value.
	hostile := math.Float64frombits(uint64(nanBits | tagHandle | 7))
	v := FromFloat(hostile)
	if v != canonicalNaN {
		t.Errorf("FromFloat(hostile NaN) = %#x, want canonical NaN %#x", uint64(v), uint64(canonicalNaN))
	}
	if v.IsHandle() {
		t.Error("hostile NaN boxed into a handle")
	}
	if !math.IsNaN(v.Float()) {
		t.Error("collapsed NaN no longer reads as NaN")
	}
}

func TestFloatTypeChecks(t *testing.T) {
	v := FromFloat(42.5)
	if !v.IsFloat() {
		t.Error("IsFloat should be true")
	}
	if v.IsSmallInt() {
		t.Error("IsSmallInt should be false for float")
	}
	if v.IsHandle() {
		t.Error("IsHandle should be false for float")
	}
	if !v.Immediate() {
		t.Error("floats are immediates")
	}
}

// ---------------------------------------------------------------------------
// Small integer tests
// ---------------------------------------------------------------------------

func TestSmallIntRoundTrip(t *testing.T) {
	tests := []int64{
		0,
		1,
		-1,
		42,
		-42,
		1 << 20,
		-(1 << 20),
		MaxSmallInt,
		MinSmallInt,
		MaxSmallInt - 1,
		MinSmallInt + 1,
	}

	for _, i := range tests {
		v := FromSmallInt(i)
		if !v.IsSmallInt() {
			t.Errorf("FromSmallInt(%d).IsSmallInt() = false, want true", i)
			continue
		}
		got := v.SmallInt()
		if got != i {
			t.Errorf("FromSmallInt(%d).SmallInt() = %d, want %d", i, got, i)
		}
	}
}

func TestSmallIntFits(t *testing.T) {
	tests := []struct {
		i    int64
		want bool
	}{
		{0, true},
		{MaxSmallInt, true},
		{MinSmallInt, true},
		{MaxSmallInt + 1, false},
		{MinSmallInt - 1, false},
		{math.MaxInt64, false},
		{math.MinInt64, false},
	}

	for _, tc := range tests {
		if got := SmallIntFits(tc.i); got != tc.want {
			t.Errorf("SmallIntFits(%d) = %v, want %v", tc.i, got, tc.want)
		}
	}
}

func TestSmallIntTypeChecks(t *testing.T) {
	v := FromSmallInt(7)
	if v.IsFloat() {
		t.Error("IsFloat should be false for small int")
	}
	if v.IsHandle() {
		t.Error("IsHandle should be false for small int")
	}
	if !v.Immediate() {
		t.Error("small ints are immediates")
	}
}

func TestSmallIntSignExtension(t *testing.T) {
	// The payload is 48 bits; negatives must sign-extend cleanly.
	v := FromSmallInt(-1)
	if v.SmallInt() != -1 {
		t.Errorf("SmallInt() = %d, want -1", v.SmallInt())
	}
	v = FromSmallInt(MinSmallInt)
	if v.SmallInt() != MinSmallInt {
		t.Errorf("SmallInt() = %d, want %d", v.SmallInt(), MinSmallInt)
	}
}

// ---------------------------------------------------------------------------
// Special immediates
// ---------------------------------------------------------------------------

func TestSpecialsAreDistinct(t *testing.T) {
	specials := []Value{None, True, False, NotImplemented}
	for i, a := range specials {
		for j, b := range specials {
			if i != j && a == b {
				t.Errorf("specials %d and %d share a bit pattern", i, j)
			}
		}
	}
}

func TestSpecialTypeChecks(t *testing.T) {
	for _, v := range []Value{None, True, False, NotImplemented} {
		if v.IsFloat() {
			t.Errorf("%#x.IsFloat() = true, want false", uint64(v))
		}
		if v.IsSmallInt() {
			t.Errorf("%#x.IsSmallInt() = true, want false", uint64(v))
		}
		if v.IsHandle() {
			t.Errorf("%#x.IsHandle() = true, want false", uint64(v))
		}
		if !v.Immediate() {
			t.Errorf("%#x.Immediate() = false, want true", uint64(v))
		}
	}
}

func TestIsNone(t *testing.T) {
	if !None.IsNone() {
		t.Error("None.IsNone() = false")
	}
	if True.IsNone() || False.IsNone() || FromSmallInt(0).IsNone() {
		t.Error("IsNone true for a non-none value")
	}
}

func TestIsBool(t *testing.T) {
	if !True.IsBool() || !False.IsBool() {
		t.Error("IsBool should be true for true and false")
	}
	if None.IsBool() || FromSmallInt(1).IsBool() {
		t.Error("IsBool true for a non-boolean value")
	}
}

func TestFromBool(t *testing.T) {
	if FromBool(true) != True {
		t.Error("FromBool(true) != True")
	}
	if FromBool(false) != False {
		t.Error("FromBool(false) != False")
	}
}

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

func TestHandleRoundTrip(t *testing.T) {
	for _, id := range []uint32{1, 2, 1000, math.MaxUint32} {
		v := fromHandle(id)
		if !v.IsHandle() {
			t.Errorf("fromHandle(%d).IsHandle() = false", id)
			continue
		}
		if v.handle() != id {
			t.Errorf("fromHandle(%d).handle() = %d", id, v.handle())
		}
		if v.IsFloat() || v.IsSmallInt() {
			t.Errorf("handle %d misreads as a number", id)
		}
		if v.Immediate() {
			t.Errorf("handle %d reports Immediate", id)
		}
	}
}
