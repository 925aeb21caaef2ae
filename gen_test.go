package apfc

import (
	"bytes"
	"testing"
)

func generate(t *testing.T, g interface{ Generate() ([]byte, error) }) []byte {
	t.Helper()

	prog, err := g.Generate()
	if err != nil {
		t.Fatal("generate:", err)
	}
	return prog
}

func v2gen(t *testing.T) *ApfV2Generator {
	t.Helper()

	g, err := NewApfV2Generator(1024)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func v4gen(t *testing.T) *ApfV4Generator {
	t.Helper()

	g, err := NewApfV4Generator(1024)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func v6gen(t *testing.T, data []byte) *ApfV6Generator {
	t.Helper()

	g, err := NewApfV6Generator(data, 1024)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// A lone pass is the canonical one byte program.
func TestPassProgram(t *testing.T) {
	t.Parallel()

	g := v2gen(t)
	if err := g.AddPass(); err != nil {
		t.Fatal(err)
	}

	prog := generate(t, g)
	if !bytes.Equal(prog, []byte{0x00}) {
		t.Fatalf("got %#v, expected [0x00]", prog)
	}
}

func TestCountAndDropProgram(t *testing.T) {
	t.Parallel()

	g := v6gen(t, nil)
	if err := g.AddCountAndDrop(Counter(1000)); err != nil {
		t.Fatal(err)
	}

	prog := generate(t, g)
	if !bytes.Equal(prog, []byte{0x05, 0x03, 0xe8}) {
		t.Fatalf("got %#v, expected [0x05 0x03 0xe8]", prog)
	}
}

// Each load immediate picks the narrowest width for its value.
func TestLoadImmediateWidths(t *testing.T) {
	t.Parallel()

	checks := []struct {
		val int32
		out []byte
	}{
		{0, []byte{0x68}},
		{200, []byte{0x6a, 0xc8}},
		{1000, []byte{0x6c, 0x03, 0xe8}},
		{70000, []byte{0x6e, 0x00, 0x01, 0x11, 0x70}},
		{-1, []byte{0x6e, 0xff, 0xff, 0xff, 0xff}},
	}

	for _, c := range checks {
		g := v2gen(t)
		if err := g.AddLoadImmediate(R0, c.val); err != nil {
			t.Fatal(err)
		}
		if prog := generate(t, g); !bytes.Equal(prog, c.out) {
			t.Errorf("li %d: got %#v, expected %#v", c.val, prog, c.out)
		}
	}
}

// A forward jump shrinks over several relaxation iterations: narrowing
// the jump moves its target closer, which can narrow it again.
func TestJumpRelaxationCascade(t *testing.T) {
	t.Parallel()

	g := v2gen(t)
	if err := g.AddJump("end"); err != nil {
		t.Fatal(err)
	}
	// 255 bytes of body, putting "end" just past the 1 byte delta limit
	// while the jump is still wide
	if err := g.AddJumpIfBytesAtR0NotEqual(make([]byte, 252), "end"); err != nil {
		t.Fatal(err)
	}
	if err := g.DefineLabel("end"); err != nil {
		t.Fatal(err)
	}

	prog := generate(t, g)
	if len(prog) != 257 {
		t.Fatalf("program length %d, expected 257", len(prog))
	}
	// jmp with a 1 byte delta of 255
	if prog[0] != 0x72 || prog[1] != 0xff {
		t.Fatalf("leading jump encoded as %#v", prog[:2])
	}

	d, err := decodeInsn(prog, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.target != len(prog) {
		t.Fatalf("jump target %d, expected %d", d.target, len(prog))
	}
}

// Backward jumps keep the 4 byte form: their deltas are negative.
func TestBackwardJump(t *testing.T) {
	t.Parallel()

	g := v2gen(t)
	if err := g.DefineLabel("top"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddPass(); err != nil {
		t.Fatal(err)
	}
	if err := g.AddJump("top"); err != nil {
		t.Fatal(err)
	}

	prog := generate(t, g)
	if len(prog) != 6 {
		t.Fatalf("program length %d, expected 6", len(prog))
	}
	if prog[1] != 0x76 {
		t.Fatalf("backward jump control byte %#x, expected 0x76", prog[1])
	}

	d, err := decodeInsn(prog, 1)
	if err != nil {
		t.Fatal(err)
	}
	if d.target != 0 {
		t.Fatalf("jump target %d, expected 0", d.target)
	}
}

// A jump to a label defined after the last instruction lands on the pass
// trailer address.
func TestTrailingLabel(t *testing.T) {
	t.Parallel()

	g := v2gen(t)
	if err := g.AddJump("end"); err != nil {
		t.Fatal(err)
	}
	if err := g.DefineLabel("end"); err != nil {
		t.Fatal(err)
	}

	prog := generate(t, g)
	if !bytes.Equal(prog, []byte{0x70}) {
		t.Fatalf("got %#v, expected [0x70]", prog)
	}
}

func TestJumpToVerdictLabels(t *testing.T) {
	t.Parallel()

	g := v2gen(t)
	if err := g.AddJumpIfR0Equals(5, DropLabel); err != nil {
		t.Fatal(err)
	}
	if err := g.AddJump(PassLabel); err != nil {
		t.Fatal(err)
	}

	prog := generate(t, g)

	d, err := decodeInsn(prog, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.target != len(prog)+1 {
		t.Fatalf("drop target %d, expected %d", d.target, len(prog)+1)
	}

	d, err = decodeInsn(prog, d.size)
	if err != nil {
		t.Fatal(err)
	}
	if d.target != len(prog) {
		t.Fatalf("pass target %d, expected %d", d.target, len(prog))
	}
}

func TestUndefinedLabel(t *testing.T) {
	t.Parallel()

	g := v2gen(t)
	if err := g.AddJump("nowhere"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Generate(); err == nil {
		t.Fatal("undefined label generated")
	}
}

func TestDuplicateLabel(t *testing.T) {
	t.Parallel()

	g := v2gen(t)
	if err := g.DefineLabel("twice"); err != nil {
		t.Fatal(err)
	}
	if err := g.DefineLabel("twice"); err == nil {
		t.Fatal("duplicate label defined")
	}
}

func TestReservedLabels(t *testing.T) {
	t.Parallel()

	g := v2gen(t)
	if err := g.DefineLabel(PassLabel); err == nil {
		t.Fatal("pass label defined")
	}
	if err := g.DefineLabel(DropLabel); err == nil {
		t.Fatal("drop label defined")
	}
}

// Generate is single shot: afterwards the generator refuses everything.
func TestGenerateOnce(t *testing.T) {
	t.Parallel()

	g := v2gen(t)
	if err := g.AddPass(); err != nil {
		t.Fatal(err)
	}
	generate(t, g)

	if err := g.AddPass(); err == nil {
		t.Fatal("append accepted after generate")
	}
	if err := g.DefineLabel("late"); err == nil {
		t.Fatal("label accepted after generate")
	}
	if _, err := g.Generate(); err == nil {
		t.Fatal("second generate succeeded")
	}
}

func TestMaxProgramSize(t *testing.T) {
	t.Parallel()

	g, err := NewApfV2Generator(2)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := g.AddPass(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := g.Generate(); err == nil {
		t.Fatal("oversized program generated")
	}

	if _, err := NewApfV2Generator(0); err == nil {
		t.Fatal("zero size limit accepted")
	}
	if _, err := NewApfV2Generator(maxProgramSizeLimit + 1); err == nil {
		t.Fatal("oversized limit accepted")
	}
}

func TestOperandRanges(t *testing.T) {
	t.Parallel()

	g := v2gen(t)
	if err := g.AddLoad8(R0, -1); err == nil {
		t.Fatal("negative offset accepted")
	}
	if err := g.AddLoad8(R0, 65536); err == nil {
		t.Fatal("oversized offset accepted")
	}
	if err := g.AddLoad8(Register(2), 0); err == nil {
		t.Fatal("invalid register accepted")
	}
	if err := g.AddDiv(0); err == nil {
		t.Fatal("division by zero accepted")
	}
	if err := g.AddJumpIfBytesAtR0NotEqual(nil, PassLabel); err == nil {
		t.Fatal("empty match literal accepted")
	}
}

func TestCounterRange(t *testing.T) {
	t.Parallel()

	g := v4gen(t)
	// the interpreter owned leading slots are not valid targets
	if err := g.AddCountAndPass(CounterApfProgramID); err == nil {
		t.Fatal("program id counter accepted")
	}
	if err := g.AddCountAndPass(CounterApfVersion); err == nil {
		t.Fatal("version counter accepted")
	}
	if err := g.AddCountAndDrop(Counter(65536)); err == nil {
		t.Fatal("oversized counter accepted")
	}
	if err := g.AddCountAndDrop(CounterDroppedEthBroadcast); err != nil {
		t.Fatal(err)
	}
}

// The data section is the leading pseudo instruction; DataOffset points
// at its payload.
func TestDataSection(t *testing.T) {
	t.Parallel()

	data := []byte{0xde, 0xad, 0xbe, 0xef}
	g := v6gen(t, data)
	if got := g.DataOffset(); got != 2 {
		t.Fatalf("data offset %d, expected 2", got)
	}
	if err := g.AddPass(); err != nil {
		t.Fatal(err)
	}

	prog := generate(t, g)
	expected := []byte{0x73, 0x04, 0xde, 0xad, 0xbe, 0xef, 0x00}
	if !bytes.Equal(prog, expected) {
		t.Fatalf("got %#v, expected %#v", prog, expected)
	}
}

func TestOneOfNormalization(t *testing.T) {
	t.Parallel()

	// duplicates collapse and values sort, so both programs are identical
	a := v6gen(t, nil)
	if err := a.AddJumpIfOneOf(R0, []uint32{0x86dd, 0x0800, 0x0800}, DropLabel); err != nil {
		t.Fatal(err)
	}
	b := v6gen(t, nil)
	if err := b.AddJumpIfOneOf(R0, []uint32{0x0800, 0x86dd}, DropLabel); err != nil {
		t.Fatal(err)
	}

	if pa, pb := generate(t, a), generate(t, b); !bytes.Equal(pa, pb) {
		t.Fatalf("programs differ: %#v vs %#v", pa, pb)
	}
}
