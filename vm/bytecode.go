package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------

// Opcode is a single byte instruction identifier. Multi-byte operands are
// little-endian. Jump operands are absolute offsets into the code.
type Opcode byte

const (
	// Stack manipulation (0x00-0x0F)
	OpNop  Opcode = 0x00
	OpPop  Opcode = 0x01
	OpDup  Opcode = 0x02
	OpSwap Opcode = 0x03

	// Constants (0x10-0x1F)
	OpLoadConst Opcode = 0x10 // u16 constant index
	OpLoadNone  Opcode = 0x11
	OpLoadTrue  Opcode = 0x12
	OpLoadFalse Opcode = 0x13
	OpLoadInt8  Opcode = 0x14 // i8 immediate

	// Name access (0x20-0x2F)
	OpLoadLocal   Opcode = 0x20 // u16 local slot
	OpStoreLocal  Opcode = 0x21 // u16 local slot
	OpLoadCell    Opcode = 0x22 // u16 cell slot, pushes cell content
	OpStoreCell   Opcode = 0x23 // u16 cell slot, stores cell content
	OpLoadCellRef Opcode = 0x24 // u16 cell slot, pushes the cell itself
	OpLoadGlobal  Opcode = 0x25 // u16 name index, falls back to builtins
	OpStoreGlobal Opcode = 0x26 // u16 name index
	OpLoadBuiltin Opcode = 0x27 // u16 name index

	// Attribute and item access (0x30-0x3F)
	OpLoadAttr  Opcode = 0x30 // u16 name index
	OpStoreAttr Opcode = 0x31 // u16 name index; stack: value, obj
	OpLoadItem  Opcode = 0x32 // stack: obj, index
	OpStoreItem Opcode = 0x33 // stack: value, obj, index

	// Operators (0x40-0x4F)
	OpUnaryOp   Opcode = 0x40 // u8 UnOp
	OpBinaryOp  Opcode = 0x41 // u8 BinOp
	OpCompareOp Opcode = 0x42 // u8 CmpOp

	// Control flow (0x50-0x5F)
	OpJump        Opcode = 0x50 // u16 target
	OpJumpIfTrue  Opcode = 0x51 // u16 target, pops condition
	OpJumpIfFalse Opcode = 0x52 // u16 target, pops condition
	OpSetupLoop   Opcode = 0x53 // u16 break target
	OpBreak       Opcode = 0x54
	OpContinue    Opcode = 0x55 // u16 loop-start target
	OpPopBlock    Opcode = 0x56
	OpGetIter     Opcode = 0x57
	OpForIter     Opcode = 0x58 // u16 exhausted target

	// Containers (0x60-0x6F)
	OpMakeList Opcode = 0x60 // u16 element count
	OpMakeDict Opcode = 0x61 // u16 pair count

	// Functions and calls (0x70-0x7F)
	OpMakeFunction Opcode = 0x70 // u16 child index, u8 default count
	OpCall         Opcode = 0x71 // u8 positional arg count
	OpCallKw       Opcode = 0x72 // u8 positional arg count, kwargs dict on top
	OpReturn       Opcode = 0x73
	OpReturnNone   Opcode = 0x74

	// Classes (0x80-0x8F)
	OpMakeClass Opcode = 0x80 // u16 name index; stack: bases list, namespace dict

	// Exception handling (0x90-0x9F)
	OpSetupExcept  Opcode = 0x90 // u16 handler target; pops declared class
	OpSetupFinally Opcode = 0x91 // u16 handler target
	OpEndFinally   Opcode = 0x92
	OpPopExcept    Opcode = 0x93
	OpRaise        Opcode = 0x94 // u8: 0 re-raise, 1 raise, 2 raise from cause

	// Generators (0xA0-0xAF)
	OpYield Opcode = 0xA0
)

// Unary, binary and comparison operator codes carried as u8 operands.
type (
	UnOp  byte
	BinOp byte
	CmpOp byte
)

const (
	UnNeg UnOp = iota
	UnNot
)

const (
	BinAdd BinOp = iota
	BinSub
	BinMul
	BinTrueDiv
	BinFloorDiv
	BinMod
	BinPow
)

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
	CmpIs
)

var binOpNames = [...]string{"+", "-", "*", "/", "//", "%", "**"}
var cmpOpNames = [...]string{"==", "!=", "<", "<=", ">", ">=", "is"}
var unOpNames = [...]string{"-", "not"}

// String returns the operator symbol.
func (op BinOp) String() string {
	if int(op) < len(binOpNames) {
		return binOpNames[op]
	}
	return fmt.Sprintf("binop(%d)", byte(op))
}

// String returns the operator symbol.
func (op CmpOp) String() string {
	if int(op) < len(cmpOpNames) {
		return cmpOpNames[op]
	}
	return fmt.Sprintf("cmpop(%d)", byte(op))
}

// String returns the operator symbol.
func (op UnOp) String() string {
	if int(op) < len(unOpNames) {
		return unOpNames[op]
	}
	return fmt.Sprintf("unop(%d)", byte(op))
}

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo describes an opcode's encoding and static stack behavior.
// StackEffect is the net operand-stack change; opcodes whose effect depends
// on an operand set Variable and are special-cased by the verifier.
type OpcodeInfo struct {
	Name        string
	OperandLen  int
	StackEffect int
	Variable    bool
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:  {Name: "NOP"},
	OpPop:  {Name: "POP", StackEffect: -1},
	OpDup:  {Name: "DUP", StackEffect: 1},
	OpSwap: {Name: "SWAP"},

	OpLoadConst: {Name: "LOAD_CONST", OperandLen: 2, StackEffect: 1},
	OpLoadNone:  {Name: "LOAD_NONE", StackEffect: 1},
	OpLoadTrue:  {Name: "LOAD_TRUE", StackEffect: 1},
	OpLoadFalse: {Name: "LOAD_FALSE", StackEffect: 1},
	OpLoadInt8:  {Name: "LOAD_INT8", OperandLen: 1, StackEffect: 1},

	OpLoadLocal:   {Name: "LOAD_LOCAL", OperandLen: 2, StackEffect: 1},
	OpStoreLocal:  {Name: "STORE_LOCAL", OperandLen: 2, StackEffect: -1},
	OpLoadCell:    {Name: "LOAD_CELL", OperandLen: 2, StackEffect: 1},
	OpStoreCell:   {Name: "STORE_CELL", OperandLen: 2, StackEffect: -1},
	OpLoadCellRef: {Name: "LOAD_CELL_REF", OperandLen: 2, StackEffect: 1},
	OpLoadGlobal:  {Name: "LOAD_GLOBAL", OperandLen: 2, StackEffect: 1},
	OpStoreGlobal: {Name: "STORE_GLOBAL", OperandLen: 2, StackEffect: -1},
	OpLoadBuiltin: {Name: "LOAD_BUILTIN", OperandLen: 2, StackEffect: 1},

	OpLoadAttr:  {Name: "LOAD_ATTR", OperandLen: 2},
	OpStoreAttr: {Name: "STORE_ATTR", OperandLen: 2, StackEffect: -2},
	OpLoadItem:  {Name: "LOAD_ITEM", StackEffect: -1},
	OpStoreItem: {Name: "STORE_ITEM", StackEffect: -3},

	OpUnaryOp:   {Name: "UNARY_OP", OperandLen: 1},
	OpBinaryOp:  {Name: "BINARY_OP", OperandLen: 1, StackEffect: -1},
	OpCompareOp: {Name: "COMPARE_OP", OperandLen: 1, StackEffect: -1},

	OpJump:        {Name: "JUMP", OperandLen: 2},
	OpJumpIfTrue:  {Name: "JUMP_IF_TRUE", OperandLen: 2, StackEffect: -1},
	OpJumpIfFalse: {Name: "JUMP_IF_FALSE", OperandLen: 2, StackEffect: -1},
	OpSetupLoop:   {Name: "SETUP_LOOP", OperandLen: 2},
	OpBreak:       {Name: "BREAK"},
	OpContinue:    {Name: "CONTINUE", OperandLen: 2},
	OpPopBlock:    {Name: "POP_BLOCK"},
	OpGetIter:     {Name: "GET_ITER"},
	OpForIter:     {Name: "FOR_ITER", OperandLen: 2, Variable: true},

	OpMakeList: {Name: "MAKE_LIST", OperandLen: 2, Variable: true},
	OpMakeDict: {Name: "MAKE_DICT", OperandLen: 2, Variable: true},

	OpMakeFunction: {Name: "MAKE_FUNCTION", OperandLen: 3, Variable: true},
	OpCall:         {Name: "CALL", OperandLen: 1, Variable: true},
	OpCallKw:       {Name: "CALL_KW", OperandLen: 1, Variable: true},
	OpReturn:       {Name: "RETURN", StackEffect: -1},
	OpReturnNone:   {Name: "RETURN_NONE"},

	OpMakeClass: {Name: "MAKE_CLASS", OperandLen: 2, StackEffect: -1},

	OpSetupExcept:  {Name: "SETUP_EXCEPT", OperandLen: 2, StackEffect: -1},
	OpSetupFinally: {Name: "SETUP_FINALLY", OperandLen: 2},
	OpEndFinally:   {Name: "END_FINALLY"},
	OpPopExcept:    {Name: "POP_EXCEPT"},
	OpRaise:        {Name: "RAISE", OperandLen: 1, Variable: true},

	OpYield: {Name: "YIELD"},
}

// Info returns the metadata for an opcode. The bool is false for unknown
// opcodes.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	return info, ok
}

// String returns the mnemonic, or a hex form for unknown opcodes.
func (op Opcode) String() string {
	if info, ok := opcodeTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("OP_%02X", byte(op))
}

// ---------------------------------------------------------------------------
// CodeBuilder: programmatic code object construction
// ---------------------------------------------------------------------------

// Label is a forward-referenceable jump target. Jumps emitted before Mark
// are patched when the label is placed.
type Label struct {
	resolved bool
	position int
	refs     []int
}

// CodeBuilder assembles a CodeObject. It is the assembly surface an
// external compiler (or a test) drives; the builder itself performs no
// verification beyond operand encoding, leaving validation to Validate.
type CodeBuilder struct {
	name   string
	flags  CodeFlags
	code   []byte
	consts []Constant
	names  []string
	locals []string
	cells  []string
	free   []string
	params int

	children  []*CodeObject
	sourceMap []SourceLocation
	labels    []*Label
}

// NewCodeBuilder starts a builder for a code object with the given name and
// positional parameter count. Parameter names occupy the first local slots.
func NewCodeBuilder(name string, params ...string) *CodeBuilder {
	return &CodeBuilder{
		name:   name,
		locals: append([]string(nil), params...),
		params: len(params),
	}
}

// SetFlags merges flags into the code object's flag set.
func (b *CodeBuilder) SetFlags(flags CodeFlags) *CodeBuilder {
	b.flags |= flags
	return b
}

// AddLocal declares a non-parameter local slot and returns its index.
func (b *CodeBuilder) AddLocal(name string) int {
	b.locals = append(b.locals, name)
	return len(b.locals) - 1
}

// AddCellVar declares a cell created by this code and returns its cell
// slot. A cell var named after a parameter captures that parameter.
func (b *CodeBuilder) AddCellVar(name string) int {
	b.cells = append(b.cells, name)
	return len(b.cells) - 1
}

// AddFreeVar declares a cell received from the enclosing function and
// returns its cell slot (free slots follow the cell vars).
func (b *CodeBuilder) AddFreeVar(name string) int {
	b.free = append(b.free, name)
	return len(b.cells) + len(b.free) - 1
}

// AddName interns a name for attribute/global access and returns its index.
func (b *CodeBuilder) AddName(name string) int {
	for i, n := range b.names {
		if n == name {
			return i
		}
	}
	b.names = append(b.names, name)
	return len(b.names) - 1
}

// AddChild attaches a nested code object and returns its index.
func (b *CodeBuilder) AddChild(child *CodeObject) int {
	b.children = append(b.children, child)
	return len(b.children) - 1
}

// Constant pool helpers. Identical constants are pooled once.

func (b *CodeBuilder) addConst(c Constant) int {
	for i, existing := range b.consts {
		if existing == c {
			return i
		}
	}
	b.consts = append(b.consts, c)
	return len(b.consts) - 1
}

// AddIntConst pools an integer constant.
func (b *CodeBuilder) AddIntConst(i int64) int {
	return b.addConst(Constant{Kind: ConstInt, Int: i})
}

// AddBigConst pools an arbitrary-precision integer constant from its
// decimal form.
func (b *CodeBuilder) AddBigConst(digits string) int {
	return b.addConst(Constant{Kind: ConstBigInt, Str: digits})
}

// AddFloatConst pools a float constant.
func (b *CodeBuilder) AddFloatConst(f float64) int {
	return b.addConst(Constant{Kind: ConstFloat, Float: f})
}

// AddStringConst pools a string constant.
func (b *CodeBuilder) AddStringConst(s string) int {
	return b.addConst(Constant{Kind: ConstString, Str: s})
}

// Len returns the current code length, the offset of the next instruction.
func (b *CodeBuilder) Len() int {
	return len(b.code)
}

// Emit appends a bare opcode.
func (b *CodeBuilder) Emit(op Opcode) *CodeBuilder {
	b.code = append(b.code, byte(op))
	return b
}

// EmitU8 appends an opcode with one byte operand.
func (b *CodeBuilder) EmitU8(op Opcode, operand byte) *CodeBuilder {
	b.code = append(b.code, byte(op), operand)
	return b
}

// EmitI8 appends an opcode with a signed byte operand.
func (b *CodeBuilder) EmitI8(op Opcode, operand int8) *CodeBuilder {
	return b.EmitU8(op, byte(operand))
}

// EmitU16 appends an opcode with a little-endian u16 operand.
func (b *CodeBuilder) EmitU16(op Opcode, operand uint16) *CodeBuilder {
	b.code = append(b.code, byte(op))
	b.code = binary.LittleEndian.AppendUint16(b.code, operand)
	return b
}

// EmitMakeFunction appends MAKE_FUNCTION with child index and default
// count operands.
func (b *CodeBuilder) EmitMakeFunction(child int, defaults int) *CodeBuilder {
	b.code = append(b.code, byte(OpMakeFunction))
	b.code = binary.LittleEndian.AppendUint16(b.code, uint16(child))
	b.code = append(b.code, byte(defaults))
	return b
}

// NewLabel creates an unresolved jump target.
func (b *CodeBuilder) NewLabel() *Label {
	l := &Label{position: -1}
	b.labels = append(b.labels, l)
	return l
}

// Mark places the label at the current offset and patches every pending
// reference to it.
func (b *CodeBuilder) Mark(l *Label) {
	l.resolved = true
	l.position = len(b.code)
	for _, at := range l.refs {
		binary.LittleEndian.PutUint16(b.code[at:], uint16(l.position))
	}
	l.refs = nil
}

// EmitJump appends a jump-family opcode targeting the label, patching later
// if the label is not yet marked.
func (b *CodeBuilder) EmitJump(op Opcode, l *Label) *CodeBuilder {
	b.code = append(b.code, byte(op))
	at := len(b.code)
	if l.resolved {
		b.code = binary.LittleEndian.AppendUint16(b.code, uint16(l.position))
	} else {
		l.refs = append(l.refs, at)
		b.code = append(b.code, 0xFF, 0xFF)
	}
	return b
}

// MarkSource records a source mapping at the current offset.
func (b *CodeBuilder) MarkSource(line, column int) {
	b.sourceMap = append(b.sourceMap, SourceLocation{
		Offset: len(b.code),
		Line:   line,
		Column: column,
	})
}

// Build finalizes the code object. Panics if any label is unresolved; that
// is a builder-usage bug, not an input error.
func (b *CodeBuilder) Build() *CodeObject {
	for _, l := range b.labels {
		if !l.resolved {
			panic("vm: CodeBuilder.Build with unresolved label")
		}
	}
	return &CodeObject{
		Version:    CodeVersion,
		Name:       b.name,
		Flags:      b.flags,
		Code:       append([]byte(nil), b.code...),
		Constants:  append([]Constant(nil), b.consts...),
		Names:      append([]string(nil), b.names...),
		LocalNames: append([]string(nil), b.locals...),
		CellNames:  append([]string(nil), b.cells...),
		FreeNames:  append([]string(nil), b.free...),
		ParamCount: b.params,
		Children:   b.children,
		SourceMap:  b.sourceMap,
	}
}

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// DisassembleInstruction renders the instruction at offset and returns the
// rendering plus the next offset.
func (c *CodeObject) DisassembleInstruction(offset int) (string, int) {
	op := Opcode(c.Code[offset])
	info, ok := op.Info()
	if !ok {
		return fmt.Sprintf("%04d %s", offset, op), offset + 1
	}

	var operand string
	next := offset + 1 + info.OperandLen
	switch info.OperandLen {
	case 1:
		raw := c.Code[offset+1]
		switch op {
		case OpLoadInt8:
			operand = fmt.Sprintf(" %d", int8(raw))
		case OpUnaryOp:
			operand = " " + UnOp(raw).String()
		case OpBinaryOp:
			operand = " " + BinOp(raw).String()
		case OpCompareOp:
			operand = " " + CmpOp(raw).String()
		default:
			operand = fmt.Sprintf(" %d", raw)
		}
	case 2:
		raw := binary.LittleEndian.Uint16(c.Code[offset+1:])
		operand = fmt.Sprintf(" %d", raw)
		switch op {
		case OpLoadConst:
			if int(raw) < len(c.Constants) {
				operand += " (" + c.Constants[raw].String() + ")"
			}
		case OpLoadGlobal, OpStoreGlobal, OpLoadBuiltin, OpLoadAttr, OpStoreAttr, OpMakeClass:
			if int(raw) < len(c.Names) {
				operand += " (" + c.Names[raw] + ")"
			}
		case OpLoadLocal, OpStoreLocal:
			if int(raw) < len(c.LocalNames) {
				operand += " (" + c.LocalNames[raw] + ")"
			}
		}
	case 3:
		child := binary.LittleEndian.Uint16(c.Code[offset+1:])
		defaults := c.Code[offset+3]
		operand = fmt.Sprintf(" %d defaults=%d", child, defaults)
	}
	return fmt.Sprintf("%04d %s%s", offset, info.Name, operand), next
}

// Disassemble renders the whole instruction stream, one instruction per
// line.
func (c *CodeObject) Disassemble() string {
	var sb strings.Builder
	for offset := 0; offset < len(c.Code); {
		line, next := c.DisassembleInstruction(offset)
		sb.WriteString(line)
		sb.WriteByte('\n')
		offset = next
	}
	return sb.String()
}
