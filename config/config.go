// Package config loads the two bespoke text files this hypervisor reads
// from disk (a per-VM config file and a guest assembly file) and defines
// the kong-tagged command-line surface used by cmd/vmm. Both file formats
// are small, flat key=value or line-oriented grammars, so they are
// hand-parsed with bufio/strings rather than pulled in through a config
// file library -- there is no nesting, no types beyond int/string, and no
// reuse across formats that a library would amortize.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/axpk/VMM/decode"
)

// ErrMalformedConfig is returned for a VM config file missing a required
// key or carrying an unparsable value.
var ErrMalformedConfig = errors.New("config: malformed VM config file")

// CLI is the full command-line surface, parsed by kong in cmd/vmm. Create
// (-v) and Restore (-s) are parallel repeatable flags paired positionally
// by occurrence index: the Nth -s restores the Nth -v. Listen (-p) is
// mutually exclusive with Create, since a migration target process does
// not also create local VMs; any -s given alongside -p is ignored.
type CLI struct {
	Create  []string `name:"v" short:"v" help:"Path to a VM config file; repeatable, one per VM to create." xor:"mode"`
	Restore []string `name:"s" short:"s" help:"Path to a snapshot file restoring the VM at the same -v occurrence index."`
	Listen  int      `name:"p" short:"p" help:"Port to listen on for an incoming migration." xor:"mode"`
}

// VMConfig is the parsed contents of a per-VM config file: the scheduling
// quantum and the path to its guest assembly.
type VMConfig struct {
	Quantum    int
	BinaryPath string
}

// LoadVMConfigFile parses a VM config file: a flat key=value grammar with
// '#'-prefixed comment lines and two required keys,
// vm_exec_slice_in_instructions and vm_binary.
func LoadVMConfigFile(path string) (VMConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return VMConfig{}, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer file.Close()

	var cfg VMConfig

	haveQuantum, haveBinary := false, false

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return VMConfig{}, fmt.Errorf("%w: %s: line %q has no '='", ErrMalformedConfig, path, line)
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "vm_exec_slice_in_instructions":
			n, err := strconv.Atoi(value)
			if err != nil {
				return VMConfig{}, fmt.Errorf("%w: %s: vm_exec_slice_in_instructions %q: %v", ErrMalformedConfig, path, value, err)
			}

			cfg.Quantum = n
			haveQuantum = true
		case "vm_binary":
			cfg.BinaryPath = value
			haveBinary = true
		default:
			// Unknown keys are ignored, matching the codec's forward
			// compatibility policy.
		}
	}

	if err := scanner.Err(); err != nil {
		return VMConfig{}, fmt.Errorf("config: scanning %s: %w", path, err)
	}

	if !haveQuantum {
		return VMConfig{}, fmt.Errorf("%w: %s: missing vm_exec_slice_in_instructions", ErrMalformedConfig, path)
	}

	if !haveBinary {
		return VMConfig{}, fmt.Errorf("%w: %s: missing vm_binary", ErrMalformedConfig, path)
	}

	return cfg, nil
}

// LoadAssemblyFile reads path line by line and decodes each non-blank,
// non-comment line into an Instruction via decode.Decode. A line that
// fails to decode still produces an Invalid instruction rather than
// aborting the load, per the decoder's lenient policy.
func LoadAssemblyFile(path string) ([]decode.Instruction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer file.Close()

	instructions, err := decodeLines(file)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	return instructions, nil
}

func decodeLines(r io.Reader) ([]decode.Instruction, error) {
	var instructions []decode.Instruction

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		instructions = append(instructions, decode.Decode(line))
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return instructions, nil
}
