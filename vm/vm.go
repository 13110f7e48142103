// Package vm implements one guest's runtime unit: a CPU, its decoded
// instruction stream, and the scheduling cursor the hypervisor advances a
// quantum at a time. VM also owns the two forms of state externalization
// that touch the instruction stream directly: writing a snapshot file and
// sending a migration frame.
package vm

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/axpk/VMM/codec"
	"github.com/axpk/VMM/cpu"
	"github.com/axpk/VMM/decode"
)

// migrateDialTimeout bounds the initial TCP handshake to a misconfigured or
// unreachable migration target; nothing past the handshake is time-bounded.
const migrateDialTimeout = 30 * time.Second

// Config is the per-guest configuration a VM is constructed from: the
// quantum size, the assembly file path, and the guest's id.
type Config struct {
	Quantum    int
	BinaryPath string
	VMID       int
}

// VM is one guest's runtime state: its CPU, decoded instruction stream, and
// cursor into that stream. A VM exclusively owns its CPU.
type VM struct {
	Config       Config
	CPU          *cpu.CPU
	Instructions []decode.Instruction
	Cursor       int
	Migrated     bool
}

// New constructs a fresh VM: a zeroed CPU and a cursor at the start of the
// instruction stream.
func New(cfg Config, instructions []decode.Instruction) *VM {
	return &VM{
		Config:       cfg,
		CPU:          cpu.New(cfg.VMID),
		Instructions: instructions,
	}
}

// RestoreFromSnapshot constructs a VM whose CPU state comes from a loaded
// snapshot file. The cursor resumes at the snapshotted pc only when the
// snapshot's recorded binary matches this VM's configured binary; otherwise
// the instruction stream is assumed unrelated to the saved progress and the
// VM starts from the top.
func RestoreFromSnapshot(
	cfg Config,
	instructions []decode.Instruction,
	registers [cpu.NumRegisters]int32,
	pc uint32,
	snapshotBinary string,
) *VM {
	cursor := 0
	if snapshotBinary == cfg.BinaryPath {
		cursor = int(pc)
	}

	return &VM{
		Config:       cfg,
		CPU:          cpu.Restore(registers, pc, 0, 0, cfg.VMID),
		Instructions: instructions,
		Cursor:       cursor,
	}
}

// RestoreFromMigration constructs a VM from a fully decoded migration
// VMState. Unlike a snapshot restore, the instruction stream and cursor
// here are exactly what the sender serialized -- there is no local
// assembly file to reconcile against, since the sender may be a different
// host entirely.
func RestoreFromMigration(vmID int, state codec.VMState) *VM {
	return &VM{
		Config: Config{
			Quantum: state.Quantum,
			VMID:    vmID,
		},
		CPU:          cpu.Restore(state.Registers, state.PC, state.Hi, state.Lo, vmID),
		Instructions: state.Instructions,
		Cursor:       state.Cursor,
	}
}

// Done reports whether this VM should never be scheduled again: either it
// has migrated away, or its cursor has run off the end of the instruction
// stream.
func (v *VM) Done() bool {
	return v.Migrated || v.Cursor >= len(v.Instructions)
}

// Run executes up to quantum instructions starting at the cursor. It
// returns true iff the VM should remain scheduled, i.e. !Done() after the
// slice completes.
//
// SNAPSHOT and MIGRATE are handled here, not dispatched to the CPU.
// Encountering a successful MIGRATE ends the slice immediately, even if
// the quantum is not exhausted, since the VM is retired the instant the
// send completes.
func (v *VM) Run(quantum int) bool {
	for step := 0; step < quantum; step++ {
		if v.Cursor >= len(v.Instructions) {
			break
		}

		inst := v.Instructions[v.Cursor]

		meta, isMeta := inst.(decode.Meta)
		if !isMeta {
			v.CPU.Execute(inst)
			v.Cursor++

			continue
		}

		switch meta.Op {
		case decode.OpSnapshot:
			v.snapshot(meta.Path)
			v.Cursor++
		case decode.OpMigrate:
			err := v.Migrate(meta.Path)
			v.Cursor++

			if err != nil {
				log.Printf("vm %d: migrate to %s failed: %v", v.Config.VMID, meta.Path, err)

				continue
			}

			return !v.Done()
		default:
			log.Printf("vm %d: unexpected meta opcode reached Run", v.Config.VMID)

			v.Cursor++
		}
	}

	return !v.Done()
}

// snapshot writes the VM's current architectural state to path (§6.4
// format), then advances pc by one: the snapshot instruction consumes a
// virtual cycle the way any other instruction does, but it does so without
// going through CPU.Execute. Note that the pc written to the file is the
// value from *before* this advance -- this is the documented quirk that a
// same-binary restore can re-enter the SNAPSHOT instruction it resumes
// from (see the design notes' open question on cursor/pc bookkeeping).
func (v *VM) snapshot(path string) {
	defer func() { v.CPU.PC++ }()

	file, err := os.Create(path)
	if err != nil {
		log.Printf("vm %d: snapshot: creating %s: %v", v.Config.VMID, path, err)

		return
	}
	defer file.Close()

	if err := codec.WriteSnapshot(file, v.CPU.Registers, v.CPU.PC, v.Config.BinaryPath); err != nil {
		log.Printf("vm %d: snapshot: writing %s: %v", v.Config.VMID, path, err)
	}
}

// Migrate sends this VM's full state to addr and, only once the send has
// completed, marks the VM migrated. A dial or send failure abandons the
// migration and leaves the VM schedulable.
func (v *VM) Migrate(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, migrateDialTimeout)
	if err != nil {
		return fmt.Errorf("vm %d: dial %s: %w", v.Config.VMID, addr, err)
	}
	defer conn.Close()

	state := codec.VMState{
		Cursor:       v.Cursor,
		Quantum:      v.Config.Quantum,
		Instructions: v.Instructions,
		VMID:         v.Config.VMID,
		PC:           v.CPU.PC,
		Registers:    v.CPU.Registers,
		Hi:           v.CPU.Hi,
		Lo:           v.CPU.Lo,
	}

	if err := codec.WriteFrame(conn, codec.EncodeVM(state)); err != nil {
		return fmt.Errorf("vm %d: migrate to %s: %w", v.Config.VMID, addr, err)
	}

	v.Migrated = true

	return nil
}
