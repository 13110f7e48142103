package decode_test

import (
	"testing"

	"github.com/axpk/VMM/decode"
)

func TestDecodeRegReg(t *testing.T) {
	t.Parallel()

	inst := decode.Decode("add $3,$1,$2")

	got, ok := inst.(decode.RegReg)
	if !ok {
		t.Fatalf("Decode: got %T, want RegReg", inst)
	}

	want := decode.RegReg{Op: decode.OpADD, D: 3, S: 1, T: 2}
	if got != want {
		t.Fatalf("Decode: got %+v, want %+v", got, want)
	}
}

// TestDecodeOrImmediatePromotion covers E4: "or $3,$1,5" must decode as
// ORI, since the third operand is not a $-register.
func TestDecodeOrImmediatePromotion(t *testing.T) {
	t.Parallel()

	inst := decode.Decode("or $3,$1,5")

	got, ok := inst.(decode.RegImm)
	if !ok {
		t.Fatalf("Decode: got %T, want RegImm", inst)
	}

	want := decode.RegImm{Op: decode.OpORI, D: 3, S: 1, Imm: 5}
	if got != want {
		t.Fatalf("Decode: got %+v, want %+v", got, want)
	}
}

func TestDecodeXorImmediatePromotion(t *testing.T) {
	t.Parallel()

	inst := decode.Decode("xor $3,$1,5")

	got, ok := inst.(decode.RegImm)
	if !ok {
		t.Fatalf("Decode: got %T, want RegImm", inst)
	}

	if got.Op != decode.OpXORI {
		t.Fatalf("Decode: got op %v, want XORI", got.Op)
	}
}

func TestDecodeOrAllRegistersStaysOR(t *testing.T) {
	t.Parallel()

	inst := decode.Decode("or $3,$1,$2")

	got, ok := inst.(decode.RegReg)
	if !ok {
		t.Fatalf("Decode: got %T, want RegReg", inst)
	}

	if got.Op != decode.OpOR {
		t.Fatalf("Decode: got op %v, want OR", got.Op)
	}
}

func TestDecodeLoadImmediate(t *testing.T) {
	t.Parallel()

	inst := decode.Decode("li $1,5")

	got, ok := inst.(decode.LoadImmediate)
	if !ok {
		t.Fatalf("Decode: got %T, want LoadImmediate", inst)
	}

	want := decode.LoadImmediate{D: 1, Imm: 5}
	if got != want {
		t.Fatalf("Decode: got %+v, want %+v", got, want)
	}
}

func TestDecodeDumpProcessorState(t *testing.T) {
	t.Parallel()

	inst := decode.Decode("DUMP_PROCESSOR_STATE")

	if _, ok := inst.(decode.DumpProcessorState); !ok {
		t.Fatalf("Decode: got %T, want DumpProcessorState", inst)
	}
}

func TestDecodeSnapshot(t *testing.T) {
	t.Parallel()

	inst := decode.Decode("SNAPSHOT /tmp/s")

	got, ok := inst.(decode.Meta)
	if !ok {
		t.Fatalf("Decode: got %T, want Meta", inst)
	}

	want := decode.Meta{Op: decode.OpSnapshot, Path: "/tmp/s"}
	if got != want {
		t.Fatalf("Decode: got %+v, want %+v", got, want)
	}
}

func TestDecodeMigrate(t *testing.T) {
	t.Parallel()

	inst := decode.Decode("MIGRATE 127.0.0.1:9000")

	got, ok := inst.(decode.Meta)
	if !ok {
		t.Fatalf("Decode: got %T, want Meta", inst)
	}

	want := decode.Meta{Op: decode.OpMigrate, Path: "127.0.0.1:9000"}
	if got != want {
		t.Fatalf("Decode: got %+v, want %+v", got, want)
	}
}

func TestDecodeUnknownMnemonicIsInvalid(t *testing.T) {
	t.Parallel()

	inst := decode.Decode("frobnicate $1,$2")

	if _, ok := inst.(decode.Invalid); !ok {
		t.Fatalf("Decode: got %T, want Invalid", inst)
	}
}

// TestRenderDecodeRoundTrip covers invariant 6: rendering a decoded
// instruction and decoding the rendered operands back (via FromOperands,
// the codec's reconstruction path) must reproduce the original.
func TestRenderDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []decode.Instruction{
		decode.RegReg{Op: decode.OpADD, D: 3, S: 1, T: 2},
		decode.RegImm{Op: decode.OpORI, D: 3, S: 1, Imm: 5},
		decode.MulDiv{Op: decode.OpDIV, Unused: 0, S: 1, T: 2},
		decode.LoadImmediate{D: 1, Imm: -7},
		decode.Meta{Op: decode.OpSnapshot, Path: "/tmp/s"},
		decode.DumpProcessorState{},
	}

	for _, inst := range cases {
		mnemonic, operands, path := decode.Render(inst)

		op, ok := decode.Lookup(mnemonic)
		if !ok {
			t.Fatalf("Render(%+v): mnemonic %q not found by Lookup", inst, mnemonic)
		}

		got := decode.FromOperands(op, operands, path)
		if got != inst {
			t.Fatalf("round trip: got %+v, want %+v", got, inst)
		}
	}
}
