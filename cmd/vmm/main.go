// Command vmm is the hypervisor's command-line entry point: it either
// creates a batch of local VMs (optionally restoring some from snapshots)
// and runs them to completion, or listens for a single incoming migration.
package main

import (
	"log"

	"github.com/alecthomas/kong"
	"github.com/axpk/VMM/config"
	"github.com/axpk/VMM/hypervisor"
)

func main() {
	var cli config.CLI

	kong.Parse(&cli,
		kong.Name("vmm"),
		kong.Description("A cooperative hypervisor for MIPS-subset guest VMs."),
	)

	h := hypervisor.New()

	if cli.Listen != 0 {
		if err := h.ListenMigration(cli.Listen); err != nil {
			log.Fatalf("vmm: %v", err)
		}

		return
	}

	for i, configPath := range cli.Create {
		vmID := i + 1

		if i < len(cli.Restore) {
			if err := h.CreateVMFromSnapshot(vmID, configPath, cli.Restore[i]); err != nil {
				log.Fatalf("vmm: %v", err)
			}

			continue
		}

		if err := h.CreateVM(vmID, configPath); err != nil {
			log.Fatalf("vmm: %v", err)
		}
	}

	if len(cli.Restore) > len(cli.Create) {
		log.Printf("vmm: %d extra -s snapshot(s) have no corresponding -v and are ignored", len(cli.Restore)-len(cli.Create))
	}

	h.Run()
}
