// Package hypervisor owns the ordered set of guest VMs and the
// round-robin scheduling loop that steps each one a quantum at a time. It
// also accepts inbound migrations over TCP, materializing an arriving VM
// and folding it into the same run loop as every locally created guest.
package hypervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/axpk/VMM/codec"
	"github.com/axpk/VMM/config"
	"github.com/axpk/VMM/vm"
	"golang.org/x/sys/unix"
)

// Hypervisor owns an ordered list of VMs and schedules them round-robin,
// one quantum per turn, until every VM is done.
type Hypervisor struct {
	vms []*vm.VM
}

// New returns an empty Hypervisor.
func New() *Hypervisor {
	return &Hypervisor{}
}

// CreateVM adds a freshly constructed VM loaded from an assembly file and
// a VM config file.
func (h *Hypervisor) CreateVM(vmID int, configPath string) error {
	cfg, err := config.LoadVMConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("hypervisor: loading VM config %s: %w", configPath, err)
	}

	instructions, err := config.LoadAssemblyFile(cfg.BinaryPath)
	if err != nil {
		return fmt.Errorf("hypervisor: loading assembly %s: %w", cfg.BinaryPath, err)
	}

	h.vms = append(h.vms, vm.New(vm.Config{
		Quantum:    cfg.Quantum,
		BinaryPath: cfg.BinaryPath,
		VMID:       vmID,
	}, instructions))

	return nil
}

// CreateVMFromSnapshot adds a VM restored from a snapshot file (§6.4) plus
// the VM config/assembly pair that supplies its quantum and instruction
// stream.
func (h *Hypervisor) CreateVMFromSnapshot(vmID int, configPath, snapshotPath string) error {
	cfg, err := config.LoadVMConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("hypervisor: loading VM config %s: %w", configPath, err)
	}

	instructions, err := config.LoadAssemblyFile(cfg.BinaryPath)
	if err != nil {
		return fmt.Errorf("hypervisor: loading assembly %s: %w", cfg.BinaryPath, err)
	}

	file, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("hypervisor: opening snapshot %s: %w", snapshotPath, err)
	}
	defer file.Close()

	registers, pc, snapshotBinary, err := codec.ReadSnapshot(file)
	if err != nil {
		return fmt.Errorf("hypervisor: reading snapshot %s: %w", snapshotPath, err)
	}

	h.vms = append(h.vms, vm.RestoreFromSnapshot(vm.Config{
		Quantum:    cfg.Quantum,
		BinaryPath: cfg.BinaryPath,
		VMID:       vmID,
	}, instructions, registers, pc, snapshotBinary))

	return nil
}

// Run steps every live VM one quantum at a time, round-robin, until every
// VM has reported it is done (migrated away or run off the end of its
// instruction stream). A VM dropped from scheduling is never revisited.
func (h *Hypervisor) Run() {
	for {
		live := h.vms[:0]

		for _, v := range h.vms {
			if v.Run(v.Config.Quantum) {
				fmt.Printf("(VM %d running)\n", v.Config.VMID)

				live = append(live, v)
			}
		}

		h.vms = live

		if len(h.vms) == 0 {
			return
		}
	}
}

// ListenMigration opens a TCP listener on port, accepts exactly one
// inbound migration, and folds the arriving VM into this hypervisor's run
// loop once decoded. SO_REUSEADDR is set explicitly so a rapid
// restart-and-reconnect during testing does not fail to bind.
func (h *Hypervisor) ListenMigration(port int) error {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
		},
	}

	listener, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("hypervisor: listening on port %d: %w", port, err)
	}
	defer listener.Close()

	conn, err := listener.Accept()
	if err != nil {
		return fmt.Errorf("hypervisor: accepting migration connection: %w", err)
	}
	defer conn.Close()

	text, err := codec.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("hypervisor: reading migration frame: %w", err)
	}

	state, err := codec.DecodeVM(text)
	if err != nil {
		return fmt.Errorf("hypervisor: decoding migration frame: %w", err)
	}

	h.vms = append(h.vms, vm.RestoreFromMigration(state.VMID, state))

	h.Run()

	return nil
}
