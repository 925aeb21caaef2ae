package apfc

import (
	"fmt"

	"github.com/pkg/errors"
)

// baseGenerator holds the append-only instruction sequence and the label
// table shared by all dialect facades. It is not safe for concurrent use;
// callers needing concurrent construction use separate generators.
type baseGenerator struct {
	version        ApfVersion
	maxProgramSize int

	insns  []*instruction
	labels map[string]int // label -> index of the instruction it precedes

	uniqueLabels int
	generated    bool
}

func newBase(version ApfVersion, maxProgramSize int) (baseGenerator, error) {
	if maxProgramSize <= 0 || maxProgramSize > maxProgramSizeLimit {
		return baseGenerator{}, errors.Errorf("max program size %d out of range (0, %d]", maxProgramSize, maxProgramSizeLimit)
	}
	return baseGenerator{
		version:        version,
		maxProgramSize: maxProgramSize,
		labels:         make(map[string]int),
	}, nil
}

func (g *baseGenerator) append(in *instruction) error {
	if g.generated {
		return errors.New("generator already generated its program")
	}
	g.insns = append(g.insns, in)
	return nil
}

// DefineLabel marks the current position as the target of jumps to label.
// Each label may be defined exactly once.
func (g *baseGenerator) DefineLabel(label string) error {
	if g.generated {
		return errors.New("generator already generated its program")
	}
	if label == PassLabel || label == DropLabel {
		return errors.Errorf("label %q is reserved", label)
	}
	if _, ok := g.labels[label]; ok {
		return errors.Errorf("duplicate label %q", label)
	}
	g.labels[label] = len(g.insns)
	return nil
}

// uniqueLabel returns a label name that cannot collide with user labels.
func (g *baseGenerator) uniqueLabel(tag string) string {
	g.uniqueLabels++
	return fmt.Sprintf("__%s_%d__", tag, g.uniqueLabels)
}

// labelOffset resolves a label to its byte offset given the current layout.
// PASS and DROP resolve to the reserved trailer addresses.
func (g *baseGenerator) labelOffset(label string, programLen int) (int, error) {
	switch label {
	case PassLabel:
		return programLen, nil
	case DropLabel:
		return programLen + 1, nil
	}
	idx, ok := g.labels[label]
	if !ok {
		return 0, errors.Errorf("undefined label %q", label)
	}
	if idx == len(g.insns) {
		return programLen, nil
	}
	return g.insns[idx].offset, nil
}

// resolve performs the relaxation: every jump-carrying instruction starts
// at the widest immediate and shrinks until one pass changes nothing.
// Widths only move toward the minimum required, so the loop converges.
func (g *baseGenerator) resolve() (int, int, error) {
	for _, in := range g.insns {
		in.width = in.fixedMinWidth()
		if in.label != "" {
			in.width = 4
		}
	}

	programLen := 0
	for iter := 1; ; iter++ {
		// every iteration that changes anything shrinks at least one
		// width, and each width can shrink at most three times
		if iter > 3*len(g.insns)+2 {
			return 0, 0, errors.New("offset relaxation did not converge")
		}

		off := 0
		for _, in := range g.insns {
			in.offset = off
			off += in.size()
		}
		programLen = off

		changed := false
		for _, in := range g.insns {
			if in.label == "" {
				continue
			}
			target, err := g.labelOffset(in.label, programLen)
			if err != nil {
				return 0, 0, err
			}
			delta := target - (in.offset + in.size())
			in.delta = int32(delta)

			need := in.fixedMinWidth()
			if dw := immS(int32(delta)).minWidth(); dw > need {
				need = dw
			}
			if need < in.width {
				in.width = need
				changed = true
			}
		}
		if !changed {
			return programLen, iter, nil
		}
	}
}

// Generate resolves all offsets and serializes the program. It can be
// called once; afterwards the generator refuses further mutation.
func (g *baseGenerator) Generate() ([]byte, error) {
	if g.generated {
		return nil, errors.New("generator already generated its program")
	}
	g.generated = true

	programLen, iters, err := g.resolve()
	if err != nil {
		return nil, err
	}
	if programLen > g.maxProgramSize {
		return nil, errors.Errorf("program size %d exceeds maximum %d", programLen, g.maxProgramSize)
	}

	buf := make([]byte, programLen)
	for _, in := range g.insns {
		in.encode(buf)
	}

	log.WithFields(map[string]interface{}{
		"version":    int(g.version),
		"insns":      len(g.insns),
		"bytes":      programLen,
		"iterations": iters,
	}).Debug("assembled apf program")

	return buf, nil
}

// checkRange is the shared operand range check for builder calls.
func checkRange(name string, v, min, max int) error {
	if v < min || v > max {
		return errors.Errorf("%s %d out of range [%d, %d]", name, v, min, max)
	}
	return nil
}

func checkRegister(reg Register) error {
	if reg != R0 && reg != R1 {
		return errors.Errorf("invalid register %d", int(reg))
	}
	return nil
}

// ApfV2Generator builds programs for the baseline v2 dialect: packet
// loads, arithmetic, compares and plain jumps, pass/drop verdicts.
type ApfV2Generator struct {
	baseGenerator
}

// NewApfV2Generator creates a generator for the v2 dialect with the given
// maximum program size.
func NewApfV2Generator(maxProgramSize int) (*ApfV2Generator, error) {
	base, err := newBase(V2, maxProgramSize)
	if err != nil {
		return nil, err
	}
	return &ApfV2Generator{baseGenerator: base}, nil
}

// AddPass emits an immediate pass verdict.
func (g *baseGenerator) AddPass() error {
	return g.append(newInsn(opPassDrop, R0))
}

// AddDrop emits an immediate drop verdict.
func (g *baseGenerator) AddDrop() error {
	return g.append(newInsn(opPassDrop, R1))
}

func (g *baseGenerator) addLoad(op int, dst Register, ofs int) error {
	if err := checkRegister(dst); err != nil {
		return err
	}
	if err := checkRange("packet offset", ofs, 0, 65535); err != nil {
		return err
	}
	return g.append(newInsn(op, dst).addImm(immU(uint32(ofs))))
}

// AddLoad8 loads the packet byte at ofs into dst.
func (g *baseGenerator) AddLoad8(dst Register, ofs int) error {
	return g.addLoad(opLdb, dst, ofs)
}

// AddLoad16 loads the big-endian packet half word at ofs into dst.
func (g *baseGenerator) AddLoad16(dst Register, ofs int) error {
	return g.addLoad(opLdh, dst, ofs)
}

// AddLoad32 loads the big-endian packet word at ofs into dst.
func (g *baseGenerator) AddLoad32(dst Register, ofs int) error {
	return g.addLoad(opLdw, dst, ofs)
}

// AddLoad8Indexed loads the packet byte at ofs+R1 into dst.
func (g *baseGenerator) AddLoad8Indexed(dst Register, ofs int) error {
	return g.addLoad(opLdbx, dst, ofs)
}

// AddLoad16Indexed loads the packet half word at ofs+R1 into dst.
func (g *baseGenerator) AddLoad16Indexed(dst Register, ofs int) error {
	return g.addLoad(opLdhx, dst, ofs)
}

// AddLoad32Indexed loads the packet word at ofs+R1 into dst.
func (g *baseGenerator) AddLoad32Indexed(dst Register, ofs int) error {
	return g.addLoad(opLdwx, dst, ofs)
}

// AddLoadImmediate loads a signed immediate into reg.
func (g *baseGenerator) AddLoadImmediate(reg Register, val int32) error {
	if err := checkRegister(reg); err != nil {
		return err
	}
	return g.append(newInsn(opLi, reg).addImm(immS(val)))
}

// AddAdd adds the signed immediate to R0 (mod 2^32).
func (g *baseGenerator) AddAdd(val int32) error {
	return g.append(newInsn(opAdd, R0).addImm(immS(val)))
}

// AddMul multiplies R0 by the immediate.
func (g *baseGenerator) AddMul(val uint32) error {
	return g.append(newInsn(opMul, R0).addImm(immU(val)))
}

// AddDiv divides R0 by the immediate. A zero divisor is a build error;
// a runtime zero divisor (register form) passes the packet.
func (g *baseGenerator) AddDiv(val uint32) error {
	if val == 0 {
		return errors.New("division by zero")
	}
	return g.append(newInsn(opDiv, R0).addImm(immU(val)))
}

// AddAnd ands R0 with the immediate.
func (g *baseGenerator) AddAnd(val uint32) error {
	return g.append(newInsn(opAnd, R0).addImm(immU(val)))
}

// AddOr ors R0 with the immediate.
func (g *baseGenerator) AddOr(val uint32) error {
	return g.append(newInsn(opOr, R0).addImm(immU(val)))
}

// AddLeftShift shifts R0 left by val bits; a negative val shifts right.
func (g *baseGenerator) AddLeftShift(val int32) error {
	return g.append(newInsn(opSh, R0).addImm(immS(val)))
}

// AddRightShift shifts R0 right by val bits.
func (g *baseGenerator) AddRightShift(val int32) error {
	return g.AddLeftShift(-val)
}

// AddAddR1ToR0 adds R1 to R0.
func (g *baseGenerator) AddAddR1ToR0() error {
	return g.append(newInsn(opAdd, R1))
}

// AddMulR0ByR1 multiplies R0 by R1.
func (g *baseGenerator) AddMulR0ByR1() error {
	return g.append(newInsn(opMul, R1))
}

// AddDivR0ByR1 divides R0 by R1.
func (g *baseGenerator) AddDivR0ByR1() error {
	return g.append(newInsn(opDiv, R1))
}

// AddAndR0WithR1 ands R0 with R1.
func (g *baseGenerator) AddAndR0WithR1() error {
	return g.append(newInsn(opAnd, R1))
}

// AddOrR0WithR1 ors R0 with R1.
func (g *baseGenerator) AddOrR0WithR1() error {
	return g.append(newInsn(opOr, R1))
}

// AddLeftShiftR0ByR1 shifts R0 left by R1 bits.
func (g *baseGenerator) AddLeftShiftR0ByR1() error {
	return g.append(newInsn(opSh, R1))
}

// AddJump jumps unconditionally to label.
func (g *baseGenerator) AddJump(label string) error {
	return g.append(newInsn(opJmp, R0).setLabel(label))
}

func (g *baseGenerator) addJumpIf(op int, val uint32, label string) error {
	return g.append(newInsn(op, R0).addImm(immU(val)).setLabel(label))
}

func (g *baseGenerator) addJumpIfR1(op int, label string) error {
	return g.append(newInsn(op, R1).setLabel(label))
}

// AddJumpIfR0Equals jumps to label if R0 == val.
func (g *baseGenerator) AddJumpIfR0Equals(val uint32, label string) error {
	return g.addJumpIf(opJeq, val, label)
}

// AddJumpIfR0NotEquals jumps to label if R0 != val.
func (g *baseGenerator) AddJumpIfR0NotEquals(val uint32, label string) error {
	return g.addJumpIf(opJne, val, label)
}

// AddJumpIfR0GreaterThan jumps to label if R0 > val (unsigned).
func (g *baseGenerator) AddJumpIfR0GreaterThan(val uint32, label string) error {
	return g.addJumpIf(opJgt, val, label)
}

// AddJumpIfR0LessThan jumps to label if R0 < val (unsigned).
func (g *baseGenerator) AddJumpIfR0LessThan(val uint32, label string) error {
	return g.addJumpIf(opJlt, val, label)
}

// AddJumpIfR0AnyBitsSet jumps to label if R0 & val != 0.
func (g *baseGenerator) AddJumpIfR0AnyBitsSet(val uint32, label string) error {
	return g.addJumpIf(opJset, val, label)
}

// AddJumpIfR0EqualsR1 jumps to label if R0 == R1.
func (g *baseGenerator) AddJumpIfR0EqualsR1(label string) error {
	return g.addJumpIfR1(opJeq, label)
}

// AddJumpIfR0NotEqualsR1 jumps to label if R0 != R1.
func (g *baseGenerator) AddJumpIfR0NotEqualsR1(label string) error {
	return g.addJumpIfR1(opJne, label)
}

// AddJumpIfR0GreaterThanR1 jumps to label if R0 > R1 (unsigned).
func (g *baseGenerator) AddJumpIfR0GreaterThanR1(label string) error {
	return g.addJumpIfR1(opJgt, label)
}

// AddJumpIfR0LessThanR1 jumps to label if R0 < R1 (unsigned).
func (g *baseGenerator) AddJumpIfR0LessThanR1(label string) error {
	return g.addJumpIfR1(opJlt, label)
}

// AddJumpIfR0AnyBitsSetR1 jumps to label if R0 & R1 != 0.
func (g *baseGenerator) AddJumpIfR0AnyBitsSetR1(label string) error {
	return g.addJumpIfR1(opJset, label)
}

// packMatch packs the pattern count and length into the jbs immediate.
func packMatch(count, plen int) uint32 {
	return uint32(count-1)<<12 | uint32(plen)
}

func checkPatterns(patterns [][]byte) (int, error) {
	if len(patterns) == 0 || len(patterns) > maxOneOfValues {
		return 0, errors.Errorf("pattern count %d out of range [1, %d]", len(patterns), maxOneOfValues)
	}
	plen := len(patterns[0])
	for _, pat := range patterns {
		if len(pat) != plen {
			return 0, errors.Errorf("patterns must share one length, got %d and %d", plen, len(pat))
		}
	}
	if plen == 0 || plen > maxMatchBytes || len(patterns)*plen > maxMatchBytes {
		return 0, errors.Errorf("serialized patterns exceed %d bytes", maxMatchBytes)
	}
	return plen, nil
}

// AddJumpIfBytesAtR0NotEqual jumps to label if the packet bytes at offset
// R0 differ from the literal.
func (g *baseGenerator) AddJumpIfBytesAtR0NotEqual(bytes []byte, label string) error {
	if len(bytes) == 0 || len(bytes) > maxMatchBytes {
		return errors.Errorf("match literal length %d out of range [1, %d]", len(bytes), maxMatchBytes)
	}
	in := newInsn(opJbs, R0).
		addImm(immU(packMatch(1, len(bytes)))).
		setPayload(bytes).
		setLabel(label)
	return g.append(in)
}
