// Package cpu implements the architectural state and instruction semantics
// of one MIPS-subset guest: a 32-register file, the HI/LO multiply/divide
// result registers, and a monotonically increasing program counter.
package cpu

import (
	"fmt"
	"log"

	"github.com/axpk/VMM/decode"
)

// NumRegisters is the number of general-purpose registers. Register 0 is
// not write-protected at this layer -- this core departs from the MIPS
// convention that $0 reads as zero; see the open question in the design
// notes.
const NumRegisters = 32

// CPU is the per-guest architectural state. A CPU is exclusively owned by
// one VM and is never accessed from more than one goroutine, since this
// hypervisor never runs two guests concurrently.
type CPU struct {
	Registers [NumRegisters]int32
	Hi, Lo    int32
	PC        uint32
	VMID      int
}

// New returns a zeroed CPU for the given guest id.
func New(vmID int) *CPU {
	return &CPU{VMID: vmID}
}

// Restore returns a CPU materialized from a previously saved register file
// and program counter, as used by snapshot and migration restore.
func Restore(registers [NumRegisters]int32, pc uint32, hi, lo int32, vmID int) *CPU {
	return &CPU{
		Registers: registers,
		PC:        pc,
		Hi:        hi,
		Lo:        lo,
		VMID:      vmID,
	}
}

// getRegister returns the value at index, logging and returning 0 for an
// out-of-range index (a runtime semantic error per the error taxonomy).
func (c *CPU) getRegister(index int) int32 {
	if index < 0 || index >= NumRegisters {
		log.Printf("cpu: register index %d out of range", index)

		return 0
	}

	return c.Registers[index]
}

// setRegister writes value at index. Index 0 is not special-cased: unlike
// real MIPS, this core does not pin $0 to zero.
func (c *CPU) setRegister(index int, value int32) {
	if index < 0 || index >= NumRegisters {
		log.Printf("cpu: register index %d out of range", index)

		return
	}

	c.Registers[index] = value
}

// Execute dispatches inst and advances PC by exactly one, regardless of
// opcode -- including INVALID, an unknown opcode, and DIV by zero. SNAPSHOT
// and MIGRATE never reach Execute; the VM handles those meta-instructions
// itself.
func (c *CPU) Execute(inst decode.Instruction) {
	defer func() { c.PC++ }()

	switch v := inst.(type) {
	case decode.RegReg:
		c.execRegReg(v)
	case decode.RegImm:
		c.execRegImm(v)
	case decode.MulDiv:
		c.execMulDiv(v)
	case decode.LoadImmediate:
		c.setRegister(v.D, v.Imm)
	case decode.DumpProcessorState:
		c.dumpState()
	case decode.Invalid:
		log.Printf("cpu: executing INVALID instruction (%s)", v.Raw)
	default:
		log.Printf("cpu: unrecognized instruction %T reached Execute", inst)
	}
}

func (c *CPU) execRegReg(v decode.RegReg) {
	s, t := c.getRegister(v.S), c.getRegister(v.T)

	switch v.Op {
	case decode.OpADD, decode.OpADDU:
		// Go's defined two's-complement wraparound makes the signed and
		// unsigned-then-reinterpreted-signed adds bit-identical.
		c.setRegister(v.D, s+t)
	case decode.OpSUB, decode.OpSUBU:
		c.setRegister(v.D, s-t)
	case decode.OpAND:
		c.setRegister(v.D, s&t)
	case decode.OpOR:
		c.setRegister(v.D, s|t)
	case decode.OpXOR:
		c.setRegister(v.D, s^t)
	case decode.OpMUL:
		c.setRegister(v.D, int32(int64(s)*int64(t)))
	default:
		log.Printf("cpu: unhandled register-register opcode %d", v.Op)
	}
}

func (c *CPU) execRegImm(v decode.RegImm) {
	s := c.getRegister(v.S)

	switch v.Op {
	case decode.OpADDI, decode.OpADDIU:
		c.setRegister(v.D, s+v.Imm)
	case decode.OpANDI:
		c.setRegister(v.D, s&v.Imm)
	case decode.OpORI:
		c.setRegister(v.D, s|v.Imm)
	case decode.OpXORI:
		c.setRegister(v.D, s^v.Imm)
	case decode.OpSLL:
		c.setRegister(v.D, int32(uint32(s)<<uint32(v.Imm)))
	case decode.OpSRL:
		// Logical shift: operate on the unsigned bit pattern so the shift
		// never sign-extends.
		c.setRegister(v.D, int32(uint32(s)>>uint32(v.Imm)))
	default:
		log.Printf("cpu: unhandled register-immediate opcode %d", v.Op)
	}
}

func (c *CPU) execMulDiv(v decode.MulDiv) {
	s, t := c.getRegister(v.S), c.getRegister(v.T)

	switch v.Op {
	case decode.OpMULT:
		product := int64(s) * int64(t)
		c.Lo = int32(uint64(product) & 0xFFFFFFFF) //nolint:gomnd
		c.Hi = int32(uint64(product) >> 32)         //nolint:gomnd
	case decode.OpDIV:
		if t == 0 {
			log.Printf("cpu: division by zero (r%d / r%d)", v.S, v.T)

			return
		}
		// Go's / and % both truncate toward zero for signed operands,
		// matching the required lo/hi sign relationship.
		c.Lo = s / t
		c.Hi = s % t
	default:
		log.Printf("cpu: unhandled mul/div opcode %d", v.Op)
	}
}

// dumpState prints the banner and full architectural state to stdout, per
// the DUMP_PROCESSOR_STATE observability contract. It runs before
// Execute's deferred pc++, so the dumped pc is the value DUMP_PROCESSOR_STATE
// was itself fetched at, not the post-increment value -- per invariant 1,
// pc still advances by one after this instruction like any other.
func (c *CPU) dumpState() {
	fmt.Printf("==== VM: %d =======\n", c.VMID)

	for i, r := range c.Registers {
		fmt.Printf("R%d: %d\n", i, r)
	}

	fmt.Printf("HI: %d\n", c.Hi)
	fmt.Printf("LO: %d\n", c.Lo)
	fmt.Printf("PC: %d\n", c.PC)
}
