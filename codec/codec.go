// Package codec implements the text serialization shared by disk snapshots
// and the migration wire protocol, plus the length-prefixed framing used to
// carry a migration payload over a TCP connection.
//
// Two distinct text shapes exist because the two use cases carry different
// information: a snapshot restores into a VM that already has its assembly
// file on local disk, so it only needs the register file, PC, and a marker
// of which binary it came from (§6.4). A migration target may be a
// different host entirely with no access to that file, so its payload
// carries the full decoded instruction stream and quantum alongside the CPU
// state (§4.5/§6.5).
package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/axpk/VMM/cpu"
	"github.com/axpk/VMM/decode"
)

// Sentinel errors for malformed or truncated input.
var (
	ErrShortFrame    = errors.New("codec: short read on frame body")
	ErrMalformedLine = errors.New("codec: malformed line")
)

// VMState is the complete migration payload for one VM: everything a
// receiving hypervisor needs to materialize and resume the guest with no
// access to the sender's local files.
type VMState struct {
	// Cursor is the VM's cursor at encode time; EncodeVM serializes it as
	// Cursor+1 (curr_inst_index), since the sender has already decided it
	// will not re-execute the instruction that triggered the migration.
	// DecodeVM returns the raw value actually on the wire, which is the
	// cursor a destination VM should resume at.
	Cursor       int
	Quantum      int
	Instructions []decode.Instruction
	VMID         int
	PC           uint32
	Registers    [cpu.NumRegisters]int32
	Hi, Lo       int32
}

// EncodeVM renders s as the line-oriented text block migrated over the
// wire or (in principle) written to disk, in the fixed key order the
// decoder expects.
func EncodeVM(s VMState) string {
	var b strings.Builder

	fmt.Fprintf(&b, "curr_inst_index=%d\n", s.Cursor+1)
	fmt.Fprintf(&b, "slice_instructions=%d\n", s.Quantum)

	for _, inst := range s.Instructions {
		mnemonic, operands, path := decode.Render(inst)

		fmt.Fprintf(&b, "instruction=%s", mnemonic)

		if path != "" {
			fmt.Fprintf(&b, ",%s", path)
		}

		for _, op := range operands {
			fmt.Fprintf(&b, ",%d", op)
		}

		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "VMID=%d\n", s.VMID)
	fmt.Fprintf(&b, "pc=%d\n", s.PC)

	for i, r := range s.Registers {
		fmt.Fprintf(&b, "R%d=%d\n", i, r)
	}

	fmt.Fprintf(&b, "lo=%d\n", s.Lo)
	fmt.Fprintf(&b, "hi=%d\n", s.Hi)

	return b.String()
}

// DecodeVM parses the inverse of EncodeVM. Unknown keys are skipped, and
// lines starting with '#' are comments.
func DecodeVM(text string) (VMState, error) {
	var s VMState

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		switch {
		case key == "curr_inst_index":
			n, err := strconv.Atoi(value)
			if err != nil {
				return VMState{}, fmt.Errorf("%w: curr_inst_index %q: %v", ErrMalformedLine, value, err)
			}

			s.Cursor = n
		case key == "slice_instructions":
			n, err := strconv.Atoi(value)
			if err != nil {
				return VMState{}, fmt.Errorf("%w: slice_instructions %q: %v", ErrMalformedLine, value, err)
			}

			s.Quantum = n
		case key == "instruction":
			inst, err := decodeInstructionField(value)
			if err != nil {
				return VMState{}, err
			}

			s.Instructions = append(s.Instructions, inst)
		case key == "VMID":
			n, err := strconv.Atoi(value)
			if err != nil {
				return VMState{}, fmt.Errorf("%w: VMID %q: %v", ErrMalformedLine, value, err)
			}

			s.VMID = n
		case key == "pc":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return VMState{}, fmt.Errorf("%w: pc %q: %v", ErrMalformedLine, value, err)
			}

			s.PC = uint32(n)
		case key == "lo":
			n, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return VMState{}, fmt.Errorf("%w: lo %q: %v", ErrMalformedLine, value, err)
			}

			s.Lo = int32(n)
		case key == "hi":
			n, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return VMState{}, fmt.Errorf("%w: hi %q: %v", ErrMalformedLine, value, err)
			}

			s.Hi = int32(n)
		case strings.HasPrefix(key, "R"):
			idx, err := strconv.Atoi(key[1:])
			if err != nil || idx < 0 || idx >= cpu.NumRegisters {
				continue
			}

			n, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return VMState{}, fmt.Errorf("%w: %s %q: %v", ErrMalformedLine, key, value, err)
			}

			s.Registers[idx] = int32(n)
		}
	}

	if err := scanner.Err(); err != nil {
		return VMState{}, fmt.Errorf("codec: scanning VM state: %w", err)
	}

	return s, nil
}

// decodeInstructionField parses one "instruction=..." value: a mnemonic
// followed by comma-separated fields that are either all plain integers
// (the regular opcodes) or a single path string (SNAPSHOT/MIGRATE).
// INVALID round-trips symmetrically with Render rather than erroring, so
// a guest whose assembly contained an unknown mnemonic still migrates.
func decodeInstructionField(value string) (decode.Instruction, error) {
	parts := strings.Split(value, ",")
	mnemonic := parts[0]

	if mnemonic == "INVALID" {
		return decode.Invalid{Raw: value}, nil
	}

	op, ok := decode.Lookup(mnemonic)
	if !ok {
		return nil, fmt.Errorf("%w: unknown mnemonic %q in instruction field", ErrMalformedLine, mnemonic)
	}

	if op == decode.OpDumpProcessorState {
		return decode.DumpProcessorState{}, nil
	}

	if op == decode.OpSnapshot || op == decode.OpMigrate {
		path := ""
		if len(parts) > 1 {
			path = strings.Join(parts[1:], ",")
		}

		return decode.FromOperands(op, nil, path), nil
	}

	operands := make([]int32, 0, len(parts)-1)

	for _, field := range parts[1:] {
		n, err := strconv.ParseInt(strings.TrimSpace(field), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: operand %q in instruction field: %v", ErrMalformedLine, field, err)
		}

		operands = append(operands, int32(n))
	}

	return decode.FromOperands(op, operands, ""), nil
}

// WriteFrame writes text as one migration wire message: a 4-byte
// big-endian length prefix followed by exactly that many UTF-8 bytes. There
// is no trailer, heartbeat, or checksum.
func WriteFrame(w io.Writer, text string) error {
	body := []byte(text)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("codec: writing frame length: %w", err)
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("codec: writing frame body: %w", err)
	}

	return nil
}

// ReadFrame reads one migration wire message: the 4-byte length prefix,
// then loops until exactly that many bytes are buffered. A short read
// aborts with ErrShortFrame.
func ReadFrame(r io.Reader) (string, error) {
	var header [4]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", fmt.Errorf("%w: reading frame length: %v", ErrShortFrame, err)
	}

	length := binary.BigEndian.Uint32(header[:])

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", fmt.Errorf("%w: reading %d byte frame body: %v", ErrShortFrame, length, err)
	}

	return string(body), nil
}

// WriteSnapshot writes the plaintext snapshot format (§6.4): 32 registers,
// then pc, then the originating binary path. Comments and unknown keys are
// ignored by ReadSnapshot, so this format never needs versioning.
func WriteSnapshot(w io.Writer, registers [cpu.NumRegisters]int32, pc uint32, binaryPath string) error {
	bw := bufio.NewWriter(w)

	for i, r := range registers {
		if _, err := fmt.Fprintf(bw, "R%d=%d\n", i, r); err != nil {
			return fmt.Errorf("codec: writing snapshot register %d: %w", i, err)
		}
	}

	if _, err := fmt.Fprintf(bw, "pc=%d\n", pc); err != nil {
		return fmt.Errorf("codec: writing snapshot pc: %w", err)
	}

	if _, err := fmt.Fprintf(bw, "binary=%s\n", binaryPath); err != nil {
		return fmt.Errorf("codec: writing snapshot binary path: %w", err)
	}

	return bw.Flush()
}

// ReadSnapshot parses the inverse of WriteSnapshot.
func ReadSnapshot(r io.Reader) (registers [cpu.NumRegisters]int32, pc uint32, binaryPath string, err error) {
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		switch {
		case key == "pc":
			n, perr := strconv.ParseUint(value, 10, 32)
			if perr != nil {
				return registers, 0, "", fmt.Errorf("%w: pc %q: %v", ErrMalformedLine, value, perr)
			}

			pc = uint32(n)
		case key == "binary":
			binaryPath = value
		case strings.HasPrefix(key, "R"):
			idx, aerr := strconv.Atoi(key[1:])
			if aerr != nil || idx < 0 || idx >= cpu.NumRegisters {
				continue
			}

			n, perr := strconv.ParseInt(value, 10, 32)
			if perr != nil {
				return registers, 0, "", fmt.Errorf("%w: %s %q: %v", ErrMalformedLine, key, value, perr)
			}

			registers[idx] = int32(n)
		}
	}

	if serr := scanner.Err(); serr != nil {
		return registers, 0, "", fmt.Errorf("codec: scanning snapshot: %w", serr)
	}

	return registers, pc, binaryPath, nil
}
