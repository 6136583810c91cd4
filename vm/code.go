package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"
)

// CodeVersion is the code object format understood by this build. Code
// objects carrying any other version are rejected.
const CodeVersion uint16 = 1

// ErrMalformedCode is wrapped by every code validation failure.
var ErrMalformedCode = errors.New("malformed code object")

// CodeFlags describe structural properties of a code object.
type CodeFlags uint16

const (
	// CodeFlagGenerator marks code whose calls produce generators.
	CodeFlagGenerator CodeFlags = 1 << 0
	// CodeFlagVarArgs gives the code a trailing list parameter collecting
	// extra positional arguments. Its local slot follows the regular
	// parameters.
	CodeFlagVarArgs CodeFlags = 1 << 1
	// CodeFlagKwArgs gives the code a trailing dict parameter collecting
	// extra keyword arguments. Its local slot follows the varargs slot.
	CodeFlagKwArgs CodeFlags = 1 << 2
)

// ConstKind discriminates constant pool entries.
type ConstKind uint8

const (
	ConstNone ConstKind = iota
	ConstBool
	ConstInt
	ConstBigInt
	ConstFloat
	ConstString
	ConstCode
)

// Constant is one constant pool entry. BigInt constants carry their decimal
// digits in Str; Code constants reference a child by index.
type Constant struct {
	Kind  ConstKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Child int
}

// String renders the constant for disassembly.
func (c Constant) String() string {
	switch c.Kind {
	case ConstNone:
		return "None"
	case ConstBool:
		if c.Bool {
			return "True"
		}
		return "False"
	case ConstInt:
		return strconv.FormatInt(c.Int, 10)
	case ConstBigInt:
		return c.Str
	case ConstFloat:
		return strconv.FormatFloat(c.Float, 'g', -1, 64)
	case ConstString:
		return strconv.Quote(c.Str)
	case ConstCode:
		return fmt.Sprintf("<code child %d>", c.Child)
	}
	return "?"
}

// SourceLocation maps a code offset back to a source position.
type SourceLocation struct {
	Offset int
	Line   int
	Column int
}

// CodeObject is an immutable unit of executable code: instruction bytes,
// constant pool, name tables and nested code objects. The VM never mutates
// a code object after validation, so one object may back any number of
// functions, frames and VM instances.
type CodeObject struct {
	Version    uint16
	Name       string
	Flags      CodeFlags
	Code       []byte
	Constants  []Constant
	Names      []string
	LocalNames []string // parameters first, then plain locals
	CellNames  []string // cells created by this code
	FreeNames  []string // cells received from the enclosing function
	ParamCount int
	Children   []*CodeObject
	SourceMap  []SourceLocation

	validated bool
	maxStack  int
}

// IsGenerator reports whether calls to this code produce generators.
func (c *CodeObject) IsGenerator() bool { return c.Flags&CodeFlagGenerator != 0 }

// HasVarArgs reports whether extra positional arguments are collected.
func (c *CodeObject) HasVarArgs() bool { return c.Flags&CodeFlagVarArgs != 0 }

// HasKwArgs reports whether extra keyword arguments are collected.
func (c *CodeObject) HasKwArgs() bool { return c.Flags&CodeFlagKwArgs != 0 }

// boundSlots is the number of leading local slots filled by argument
// binding: the declared parameters plus the varargs and kwargs collectors.
func (c *CodeObject) boundSlots() int {
	n := c.ParamCount
	if c.HasVarArgs() {
		n++
	}
	if c.HasKwArgs() {
		n++
	}
	return n
}

// numCells is the cell array length of a frame running this code.
func (c *CodeObject) numCells() int {
	return len(c.CellNames) + len(c.FreeNames)
}

// LocationFor returns the innermost source mapping at or before offset.
// The bool is false when the code carries no mapping for the offset.
func (c *CodeObject) LocationFor(offset int) (SourceLocation, bool) {
	var best SourceLocation
	found := false
	for _, loc := range c.SourceMap {
		if loc.Offset <= offset {
			best = loc
			found = true
		}
	}
	return best, found
}

func malformedf(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedCode}, a...)...)
}

// Validate checks the code object and all children for structural
// soundness: a supported version, a cleanly decodable instruction stream,
// in-range operand indices, jumps landing on instruction boundaries, and a
// consistent operand stack depth along every path. Validation is
// memoized; execution entry points call it before the first instruction
// runs.
func (c *CodeObject) Validate() error {
	if c.validated {
		return nil
	}
	if c.Version != CodeVersion {
		return malformedf("code %q: version %d, supported version is %d", c.Name, c.Version, CodeVersion)
	}
	if c.ParamCount < 0 || c.boundSlots() > len(c.LocalNames) {
		return malformedf("code %q: %d bound parameter slots but %d locals", c.Name, c.boundSlots(), len(c.LocalNames))
	}
	for i, con := range c.Constants {
		if con.Kind == ConstCode && (con.Child < 0 || con.Child >= len(c.Children)) {
			return malformedf("code %q: constant %d references child %d of %d", c.Name, i, con.Child, len(c.Children))
		}
	}

	boundaries, err := c.decodeStream()
	if err != nil {
		return err
	}
	if err := c.checkJumps(boundaries); err != nil {
		return err
	}
	max, err := c.simulateStack(boundaries)
	if err != nil {
		return err
	}
	c.maxStack = max

	for _, child := range c.Children {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	c.validated = true
	return nil
}

// MaxStack returns the verified operand stack bound. Valid only after
// Validate has succeeded.
func (c *CodeObject) MaxStack() int { return c.maxStack }

// decodeStream walks the instruction bytes once, checking opcode validity
// and operand index ranges, and returns the set of instruction boundaries.
func (c *CodeObject) decodeStream() (map[int]bool, error) {
	boundaries := make(map[int]bool, len(c.Code)/2)
	for offset := 0; offset < len(c.Code); {
		boundaries[offset] = true
		op := Opcode(c.Code[offset])
		info, ok := op.Info()
		if !ok {
			return nil, malformedf("code %q: unknown opcode 0x%02X at %d", c.Name, byte(op), offset)
		}
		if offset+1+info.OperandLen > len(c.Code) {
			return nil, malformedf("code %q: truncated operand for %s at %d", c.Name, info.Name, offset)
		}

		switch op {
		case OpLoadConst:
			idx := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
			if idx >= len(c.Constants) {
				return nil, malformedf("code %q: constant index %d of %d at %d", c.Name, idx, len(c.Constants), offset)
			}
		case OpLoadLocal, OpStoreLocal:
			idx := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
			if idx >= len(c.LocalNames) {
				return nil, malformedf("code %q: local slot %d of %d at %d", c.Name, idx, len(c.LocalNames), offset)
			}
		case OpLoadCell, OpStoreCell, OpLoadCellRef:
			idx := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
			if idx >= c.numCells() {
				return nil, malformedf("code %q: cell slot %d of %d at %d", c.Name, idx, c.numCells(), offset)
			}
		case OpLoadGlobal, OpStoreGlobal, OpLoadBuiltin, OpLoadAttr, OpStoreAttr, OpMakeClass:
			idx := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
			if idx >= len(c.Names) {
				return nil, malformedf("code %q: name index %d of %d at %d", c.Name, idx, len(c.Names), offset)
			}
		case OpMakeFunction:
			idx := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
			if idx >= len(c.Children) {
				return nil, malformedf("code %q: child index %d of %d at %d", c.Name, idx, len(c.Children), offset)
			}
		case OpUnaryOp:
			if int(c.Code[offset+1]) >= len(unOpNames) {
				return nil, malformedf("code %q: unary op %d at %d", c.Name, c.Code[offset+1], offset)
			}
		case OpBinaryOp:
			if int(c.Code[offset+1]) >= len(binOpNames) {
				return nil, malformedf("code %q: binary op %d at %d", c.Name, c.Code[offset+1], offset)
			}
		case OpCompareOp:
			if int(c.Code[offset+1]) >= len(cmpOpNames) {
				return nil, malformedf("code %q: compare op %d at %d", c.Name, c.Code[offset+1], offset)
			}
		case OpRaise:
			if c.Code[offset+1] > 2 {
				return nil, malformedf("code %q: raise mode %d at %d", c.Name, c.Code[offset+1], offset)
			}
		case OpYield:
			if !c.IsGenerator() {
				return nil, malformedf("code %q: YIELD outside generator at %d", c.Name, offset)
			}
		}
		offset += 1 + info.OperandLen
	}
	return boundaries, nil
}

// checkJumps verifies every jump-family target lands on an instruction
// boundary.
func (c *CodeObject) checkJumps(boundaries map[int]bool) error {
	for offset := 0; offset < len(c.Code); {
		op := Opcode(c.Code[offset])
		info, _ := op.Info()
		switch op {
		case OpJump, OpJumpIfTrue, OpJumpIfFalse, OpSetupLoop, OpContinue,
			OpForIter, OpSetupExcept, OpSetupFinally:
			target := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
			if !boundaries[target] && target != len(c.Code) {
				return malformedf("code %q: %s at %d targets %d, not an instruction boundary", c.Name, info.Name, offset, target)
			}
		}
		offset += 1 + info.OperandLen
	}
	return nil
}

// simulateStack runs a worklist dataflow over the instruction graph,
// assigning every reachable offset a single operand stack depth. A depth
// conflict, an underflow, or a compare/unary/binary on too-shallow a stack
// all reject the code. Returns the maximum depth seen.
//
// Handler targets of SETUP_EXCEPT and SETUP_FINALLY are seeded from the
// depth at the setup instruction because unwinding truncates the stack to
// that depth before entering the handler (SETUP_EXCEPT pops the declared
// class first and pushes the in-flight exception on entry, which nets to
// the same depth).
func (c *CodeObject) simulateStack(boundaries map[int]bool) (int, error) {
	depths := make(map[int]int, len(boundaries))
	var work []int

	push := func(offset, depth int) error {
		if offset == len(c.Code) {
			return nil
		}
		if prev, seen := depths[offset]; seen {
			if prev != depth {
				return malformedf("code %q: inconsistent stack depth at %d (%d vs %d)", c.Name, offset, prev, depth)
			}
			return nil
		}
		depths[offset] = depth
		work = append(work, offset)
		return nil
	}

	if len(c.Code) > 0 {
		if err := push(0, 0); err != nil {
			return 0, err
		}
	}

	max := 0
	for len(work) > 0 {
		offset := work[len(work)-1]
		work = work[:len(work)-1]
		depth := depths[offset]

		op := Opcode(c.Code[offset])
		info, _ := op.Info()
		next := offset + 1 + info.OperandLen

		effect := info.StackEffect
		need := minNeeded(op)
		if info.Variable {
			switch op {
			case OpForIter:
				effect = 1 // exhausted edge handled below
			case OpMakeList:
				n := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
				effect, need = 1-n, n
			case OpMakeDict:
				n := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
				effect, need = 1-2*n, 2*n
			case OpMakeFunction:
				child := c.Children[binary.LittleEndian.Uint16(c.Code[offset+1:])]
				n := int(c.Code[offset+3]) + len(child.FreeNames)
				effect, need = 1-n, n
			case OpCall:
				n := int(c.Code[offset+1])
				effect, need = -n, n+1
			case OpCallKw:
				n := int(c.Code[offset+1])
				effect, need = -n-1, n+2
			case OpRaise:
				n := int(c.Code[offset+1])
				effect, need = -n, n
			}
		}
		after := depth + effect
		if after < 0 {
			return 0, malformedf("code %q: stack underflow at %d (%s)", c.Name, offset, info.Name)
		}
		if depth < need {
			return 0, malformedf("code %q: stack underflow at %d (%s needs %d)", c.Name, offset, info.Name, need)
		}
		if after > max {
			max = after
		}

		switch op {
		case OpReturn, OpReturnNone, OpRaise, OpBreak, OpContinue:
			// no fallthrough
		case OpJump:
			target := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
			if err := push(target, after); err != nil {
				return 0, err
			}
		case OpJumpIfTrue, OpJumpIfFalse:
			target := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
			if err := push(target, after); err != nil {
				return 0, err
			}
			if err := push(next, after); err != nil {
				return 0, err
			}
		case OpForIter:
			// Fallthrough keeps the iterator and gains the element; the
			// exhausted edge pops the iterator.
			target := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
			if err := push(target, depth-1); err != nil {
				return 0, err
			}
			if err := push(next, after); err != nil {
				return 0, err
			}
		case OpSetupLoop:
			target := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
			if err := push(target, after); err != nil {
				return 0, err
			}
			if err := push(next, after); err != nil {
				return 0, err
			}
		case OpSetupExcept:
			target := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
			if err := push(target, after+1); err != nil {
				return 0, err
			}
			if err := push(next, after); err != nil {
				return 0, err
			}
		case OpSetupFinally:
			target := int(binary.LittleEndian.Uint16(c.Code[offset+1:]))
			if err := push(target, after); err != nil {
				return 0, err
			}
			if err := push(next, after); err != nil {
				return 0, err
			}
		default:
			if err := push(next, after); err != nil {
				return 0, err
			}
		}
	}
	return max, nil
}

// minNeeded is the operand count a fixed-arity opcode reads before its
// net effect; the simulation rejects paths reaching the opcode shallower
// than this. Variable-arity opcodes derive their need from the operand.
func minNeeded(op Opcode) int {
	switch op {
	case OpPop, OpDup, OpUnaryOp, OpGetIter, OpForIter, OpReturn, OpYield,
		OpStoreLocal, OpStoreCell, OpStoreGlobal, OpJumpIfTrue, OpJumpIfFalse,
		OpSetupExcept:
		return 1
	case OpSwap, OpBinaryOp, OpCompareOp, OpLoadItem, OpLoadAttr, OpStoreAttr,
		OpMakeClass:
		return 2
	case OpStoreItem:
		return 3
	}
	return 0
}

// materializeConst builds a Value for a constant pool entry. Code constants
// become function-shaped values only through MAKE_FUNCTION; loading one
// directly yields None.
func (vm *VM) materializeConst(code *CodeObject, idx int) Value {
	con := code.Constants[idx]
	switch con.Kind {
	case ConstNone:
		return None
	case ConstBool:
		return FromBool(con.Bool)
	case ConstInt:
		return vm.NewInt(con.Int)
	case ConstBigInt:
		i, ok := new(big.Int).SetString(con.Str, 10)
		if !ok {
			return None
		}
		return vm.NewBigInt(i)
	case ConstFloat:
		return FromFloat(con.Float)
	case ConstString:
		return vm.NewString(con.Str)
	}
	return None
}
