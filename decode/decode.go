// Package decode translates one line of guest assembly text into a typed
// Instruction, and (the other direction) renders a decoded Instruction back
// to the same comma-separated operand text used by the migration/snapshot
// codec. The two directions share the same mnemonic table so that opcodes
// promoted at decode time (see Decode's "or"/"xor" rule) round-trip through
// migration identically.
package decode

import (
	"fmt"
	"log"
	"strconv"
	"strings"
)

// Opcode identifies the operation an Instruction performs.
type Opcode int

const (
	OpInvalid Opcode = iota
	OpADD
	OpSUB
	OpAND
	OpOR
	OpXOR
	OpADDI
	OpANDI
	OpORI
	OpXORI
	OpADDU
	OpSUBU
	OpADDIU
	OpMUL
	OpMULT
	OpDIV
	OpSLL
	OpSRL
	OpLI
	OpDumpProcessorState
	OpSnapshot
	OpMigrate
)

// mnemonics is the single shared table mapping source/codec mnemonics to
// opcodes. Both the assembly decoder and the migration codec decoder look
// opcodes up here, per the "shared decode table" design note.
var mnemonics = map[string]Opcode{
	"add":  OpADD,
	"sub":  OpSUB,
	"and":  OpAND,
	"or":   OpOR,
	"xor":  OpXOR,
	"addi": OpADDI,
	"andi": OpANDI,
	"ori":  OpORI,
	"xori": OpXORI,
	"addu": OpADDU,
	"subu": OpSUBU,
	"addiu": OpADDIU,
	"mul":  OpMUL,
	"mult": OpMULT,
	"div":  OpDIV,
	"sll":  OpSLL,
	"srl":  OpSRL,
	"li":   OpLI,
	"DUMP_PROCESSOR_STATE": OpDumpProcessorState,
	"SNAPSHOT":             OpSnapshot,
	"MIGRATE":              OpMigrate,
}

// reverseMnemonics is built once from mnemonics so Mnemonic is O(1).
var reverseMnemonics = func() map[Opcode]string {
	m := make(map[Opcode]string, len(mnemonics))
	for text, op := range mnemonics {
		m[op] = text
	}

	return m
}()

// Lookup returns the opcode for a mnemonic, and whether it was found.
func Lookup(mnemonic string) (Opcode, bool) {
	op, ok := mnemonics[mnemonic]

	return op, ok
}

// Mnemonic returns the canonical source text for an opcode.
func Mnemonic(op Opcode) string {
	if text, ok := reverseMnemonics[op]; ok {
		return text
	}

	return "INVALID"
}

// Instruction is the sum type over every opcode this core supports. Each
// concrete type below carries only the operand fields its opcode actually
// uses, per the REDESIGN FLAGS guidance to replace the source's loose
// opcode-plus-operand-vector carrier with per-variant shapes.
type Instruction interface {
	Opcode() Opcode
}

// RegReg is the "d, s, t" register-only form: ADD, SUB, AND, OR, XOR, ADDU,
// SUBU, MUL.
type RegReg struct {
	Op      Opcode
	D, S, T int
}

// Opcode implements Instruction.
func (i RegReg) Opcode() Opcode { return i.Op }

// RegImm is the "d, s, imm" form: ADDI, ANDI, ORI, XORI, ADDIU, SLL, SRL.
type RegImm struct {
	Op  Opcode
	D, S int
	Imm int32
}

// Opcode implements Instruction.
func (i RegImm) Opcode() Opcode { return i.Op }

// MulDiv is the "—, s, t" form used by MULT and DIV: the first positional
// operand is present in source/codec text but never consulted by execution.
type MulDiv struct {
	Op      Opcode
	Unused  int
	S, T    int
}

// Opcode implements Instruction.
func (i MulDiv) Opcode() Opcode { return i.Op }

// LoadImmediate is the "d, imm" form used by LI.
type LoadImmediate struct {
	D   int
	Imm int32
}

// Opcode implements Instruction.
func (LoadImmediate) Opcode() Opcode { return OpLI }

// Meta is SNAPSHOT or MIGRATE: a single opaque path/target string, handled
// by the VM directly and never dispatched to the CPU.
type Meta struct {
	Op   Opcode
	Path string
}

// Opcode implements Instruction.
func (i Meta) Opcode() Opcode { return i.Op }

// DumpProcessorState takes no operands.
type DumpProcessorState struct{}

// Opcode implements Instruction.
func (DumpProcessorState) Opcode() Opcode { return OpDumpProcessorState }

// Invalid is the decode-failure sentinel. Raw preserves the offending line
// for diagnostics; execution of Invalid is a logged no-op.
type Invalid struct {
	Raw string
}

// Opcode implements Instruction.
func (Invalid) Opcode() Opcode { return OpInvalid }

// rawOperand is a single comma-separated field after classification as
// either a register index or a signed immediate.
type rawOperand struct {
	isRegister bool
	value      int32
}

// Decode translates one logical assembly line into an Instruction. Decode
// never panics: unknown mnemonics produce Invalid, and malformed integer
// fields are logged and skipped (the instruction is still emitted, possibly
// short-armed), per the decoder's lenient-decode policy.
func Decode(line string) Instruction {
	trimmed := strings.TrimSpace(line)

	switch {
	case strings.HasPrefix(trimmed, "DUMP_PROCESSOR_STATE"):
		return DumpProcessorState{}
	case strings.Contains(trimmed, "SNAPSHOT"):
		return Meta{Op: OpSnapshot, Path: snapshotPath(trimmed)}
	case strings.Contains(trimmed, "MIGRATE"):
		return Meta{Op: OpMigrate, Path: migrateTarget(trimmed)}
	}

	mnemonic, rest := splitMnemonic(trimmed)

	op, ok := mnemonics[mnemonic]
	if !ok {
		log.Printf("decode: unknown mnemonic %q in line %q", mnemonic, line)

		return Invalid{Raw: line}
	}

	operands := parseOperands(rest)

	if (op == OpOR || op == OpXOR) && anyImmediate(operands) {
		if op == OpOR {
			op = OpORI
		} else {
			op = OpXORI
		}
	}

	return build(op, operands)
}

// snapshotPath returns the text after the first space, trimmed of leading
// whitespace only (trailing whitespace, if any, is part of the path).
func snapshotPath(line string) string {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return ""
	}

	return strings.TrimLeft(line[idx+1:], " \t")
}

// migrateTarget returns the first whitespace-delimited token after the
// mnemonic.
func migrateTarget(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}

	return fields[1]
}

// splitMnemonic returns the first whitespace token and the remainder of the
// line (which may be empty).
func splitMnemonic(line string) (mnemonic, rest string) {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}

	return line[:idx], strings.TrimSpace(line[idx+1:])
}

// parseOperands splits rest on commas and classifies each field as a
// register (contains '$') or a signed immediate. Malformed fields are
// logged and omitted, which is how an instruction ends up short-armed.
func parseOperands(rest string) []rawOperand {
	if rest == "" {
		return nil
	}

	fields := strings.Split(rest, ",")
	operands := make([]rawOperand, 0, len(fields))

	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		if strings.Contains(field, "$") {
			regNum, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(field, "$")))
			if err != nil {
				log.Printf("decode: malformed register %q: %v", field, err)

				continue
			}

			operands = append(operands, rawOperand{isRegister: true, value: int32(regNum)})

			continue
		}

		imm, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			log.Printf("decode: malformed immediate %q: %v", field, err)

			continue
		}

		operands = append(operands, rawOperand{isRegister: false, value: int32(imm)})
	}

	return operands
}

// anyImmediate reports whether any parsed operand was not a $-register.
func anyImmediate(operands []rawOperand) bool {
	for _, o := range operands {
		if !o.isRegister {
			return true
		}
	}

	return false
}

// valueAt returns the i'th operand's value, or 0 if short-armed.
func valueAt(operands []rawOperand, i int) int32 {
	if i < 0 || i >= len(operands) {
		return 0
	}

	return operands[i].value
}

// build assembles the concrete Instruction for op from already-classified
// operands, per the opcode's fixed arity and shape (§6 table).
func build(op Opcode, operands []rawOperand) Instruction {
	switch op {
	case OpADD, OpSUB, OpAND, OpOR, OpXOR, OpADDU, OpSUBU, OpMUL:
		return RegReg{
			Op: op,
			D:  int(valueAt(operands, 0)),
			S:  int(valueAt(operands, 1)),
			T:  int(valueAt(operands, 2)),
		}
	case OpADDI, OpANDI, OpORI, OpXORI, OpADDIU, OpSLL, OpSRL:
		return RegImm{
			Op:  op,
			D:   int(valueAt(operands, 0)),
			S:   int(valueAt(operands, 1)),
			Imm: valueAt(operands, 2),
		}
	case OpMULT, OpDIV:
		return MulDiv{
			Op:     op,
			Unused: int(valueAt(operands, 0)),
			S:      int(valueAt(operands, 1)),
			T:      int(valueAt(operands, 2)),
		}
	case OpLI:
		return LoadImmediate{
			D:   int(valueAt(operands, 0)),
			Imm: valueAt(operands, 1),
		}
	default:
		return Invalid{Raw: fmt.Sprintf("opcode %d", op)}
	}
}

// FromOperands reconstructs an Instruction from an opcode and its already
// fully-resolved integer operands (plus path, for the meta opcodes). It is
// the migration codec's counterpart to build: the codec never re-derives
// registers from "$"-prefixed text, since the wire format carries plain
// integers, but it dispatches through the same opcode shapes.
func FromOperands(op Opcode, operands []int32, path string) Instruction {
	switch op {
	case OpDumpProcessorState:
		return DumpProcessorState{}
	case OpSnapshot, OpMigrate:
		return Meta{Op: op, Path: path}
	case OpLI:
		return LoadImmediate{D: int(at(operands, 0)), Imm: at(operands, 1)}
	case OpMULT, OpDIV:
		return MulDiv{Op: op, Unused: int(at(operands, 0)), S: int(at(operands, 1)), T: int(at(operands, 2))}
	case OpADDI, OpANDI, OpORI, OpXORI, OpADDIU, OpSLL, OpSRL:
		return RegImm{Op: op, D: int(at(operands, 0)), S: int(at(operands, 1)), Imm: at(operands, 2)}
	case OpADD, OpSUB, OpAND, OpOR, OpXOR, OpADDU, OpSUBU, OpMUL:
		return RegReg{Op: op, D: int(at(operands, 0)), S: int(at(operands, 1)), T: int(at(operands, 2))}
	default:
		return Invalid{Raw: fmt.Sprintf("opcode %d", op)}
	}
}

func at(operands []int32, i int) int32 {
	if i < 0 || i >= len(operands) {
		return 0
	}

	return operands[i]
}

// Render returns the mnemonic, ordered integer operands, and path (for the
// meta opcodes) that reproduce inst in the codec's comma-separated text
// form. It is the inverse of Decode/FromOperands for every valid opcode;
// Invalid renders as the bare mnemonic INVALID, so its Raw text is not
// carried.
func Render(inst Instruction) (mnemonic string, operands []int32, path string) {
	switch v := inst.(type) {
	case RegReg:
		return Mnemonic(v.Op), []int32{int32(v.D), int32(v.S), int32(v.T)}, ""
	case RegImm:
		return Mnemonic(v.Op), []int32{int32(v.D), int32(v.S), v.Imm}, ""
	case MulDiv:
		return Mnemonic(v.Op), []int32{int32(v.Unused), int32(v.S), int32(v.T)}, ""
	case LoadImmediate:
		return Mnemonic(OpLI), []int32{int32(v.D), v.Imm}, ""
	case Meta:
		return Mnemonic(v.Op), nil, v.Path
	case DumpProcessorState:
		return Mnemonic(OpDumpProcessorState), nil, ""
	case Invalid:
		return "INVALID", nil, ""
	default:
		return "INVALID", nil, ""
	}
}
