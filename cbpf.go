package apfc

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/net/bpf"
)

// CompileCBPF translates a classic BPF socket filter into an APF v6
// program. A packet the filter accepts (returns non zero for) is passed,
// a rejected packet is dropped.
//
// The supported subset covers what packet capture filters generate:
// packet loads, constant loads, scratch memory, ALU except mod/xor,
// conditional jumps and returns. The packet length extension maps to the
// interpreter's packet size memory slot.
func CompileCBPF(filter []bpf.Instruction, maxProgramSize int) ([]byte, error) {
	if err := validateCBPF(filter); err != nil {
		return nil, err
	}

	g, err := NewApfV6Generator(nil, maxProgramSize)
	if err != nil {
		return nil, err
	}

	for pc, insn := range filter {
		if err := g.DefineLabel(cbpfLabel(pc)); err != nil {
			return nil, err
		}
		if err := cbpfInsn(g, insn, pc, len(filter)); err != nil {
			return nil, errors.Wrapf(err, "unable to compile instruction %d: %v", pc, insn)
		}
	}

	prog, err := g.Generate()
	if err != nil {
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"filter": len(filter),
		"bytes":  len(prog),
	}).Debug("compiled cBPF filter to apf")

	return prog, nil
}

// validateCBPF checks the instructions are valid, and we support them.
func validateCBPF(filter []bpf.Instruction) error {
	if len(filter) == 0 {
		return errors.New("can't compile 0 instructions")
	}

	for pc, insn := range filter {
		// Assemble does some input validation
		if _, err := insn.Assemble(); err != nil {
			return errors.Errorf("can't assemble instruction %d: %v", pc, insn)
		}

		switch i := insn.(type) {
		case bpf.RawInstruction:
			return errors.Errorf("unsupported instruction %d: %v", pc, insn)

		case bpf.LoadExtension:
			if i.Num != bpf.ExtLen {
				return errors.Errorf("unsupported BPF extension %d: %v", pc, insn)
			}
		}
	}

	return nil
}

func cbpfLabel(pc int) string {
	return fmt.Sprintf("cbpf_%d", pc)
}

// cbpfTarget converts a relative skip to the label of its absolute
// target, rejecting jumps past the last instruction.
func cbpfTarget(pc, skip, n int) (string, error) {
	t := pc + 1 + int(skip)
	if t >= n {
		return "", errors.Errorf("jump target %d flows past last instruction", t)
	}
	return cbpfLabel(t), nil
}

// cbpfReg maps the cBPF accumulator to R0 and the index register to R1,
// which makes indirect loads line up with APF's indexed addressing.
func cbpfReg(reg bpf.Register) Register {
	if reg == bpf.RegX {
		return R1
	}
	return R0
}

// cBPF filters may use scratch slots M[0] through M[scratchLimit].
// memShiftSlot is reserved as the LoadMemShift temporary and must stay
// out of the user-visible range; the slots above it are interpreter
// maintained.
const (
	scratchLimit = 11
	memShiftSlot = 12
)

func cbpfInsn(g *ApfV6Generator, insn bpf.Instruction, pc, n int) error {
	switch i := insn.(type) {
	case bpf.LoadConstant:
		return g.AddLoadImmediate(cbpfReg(i.Dst), int32(i.Val))

	case bpf.LoadAbsolute:
		switch i.Size {
		case 1:
			return g.AddLoad8(R0, int(i.Off))
		case 2:
			return g.AddLoad16(R0, int(i.Off))
		case 4:
			return g.AddLoad32(R0, int(i.Off))
		}
		return errors.Errorf("invalid load size %d", i.Size)

	case bpf.LoadIndirect:
		switch i.Size {
		case 1:
			return g.AddLoad8Indexed(R0, int(i.Off))
		case 2:
			return g.AddLoad16Indexed(R0, int(i.Off))
		case 4:
			return g.AddLoad32Indexed(R0, int(i.Off))
		}
		return errors.Errorf("invalid load size %d", i.Size)

	case bpf.LoadExtension:
		// validateCBPF already limited this to ExtLen
		return g.AddLoadFromMemory(R0, MemorySlotPacketSize)

	case bpf.LoadMemShift:
		// X = 4*(pkt[off]&0xf), preserving A via the reserved slot
		for _, err := range []error{
			g.AddStoreToMemory(memShiftSlot, R0),
			g.AddLoad8(R0, int(i.Off)),
			g.AddAnd(0xf),
			g.AddLeftShift(2),
			g.AddMove(R1),
			g.AddLoadFromMemory(R0, memShiftSlot),
		} {
			if err != nil {
				return err
			}
		}
		return nil

	case bpf.LoadScratch:
		if i.N > scratchLimit {
			return errors.Errorf("scratch register M[%d] unsupported", i.N)
		}
		return g.AddLoadFromMemory(cbpfReg(i.Dst), MemorySlot(i.N))

	case bpf.StoreScratch:
		if i.N > scratchLimit {
			return errors.Errorf("scratch register M[%d] unsupported", i.N)
		}
		return g.AddStoreToMemory(MemorySlot(i.N), cbpfReg(i.Src))

	case bpf.ALUOpConstant:
		switch i.Op {
		case bpf.ALUOpAdd:
			return g.AddAdd(int32(i.Val))
		case bpf.ALUOpSub:
			return g.AddAdd(-int32(i.Val))
		case bpf.ALUOpMul:
			return g.AddMul(i.Val)
		case bpf.ALUOpDiv:
			return g.AddDiv(i.Val)
		case bpf.ALUOpAnd:
			return g.AddAnd(i.Val)
		case bpf.ALUOpOr:
			return g.AddOr(i.Val)
		case bpf.ALUOpShiftLeft:
			return g.AddLeftShift(int32(i.Val))
		case bpf.ALUOpShiftRight:
			return g.AddRightShift(int32(i.Val))
		}
		return errors.Errorf("unsupported ALU op %v", i.Op)

	case bpf.ALUOpX:
		switch i.Op {
		case bpf.ALUOpAdd:
			return g.AddAddR1ToR0()
		case bpf.ALUOpMul:
			return g.AddMulR0ByR1()
		case bpf.ALUOpDiv:
			return g.AddDivR0ByR1()
		case bpf.ALUOpAnd:
			return g.AddAndR0WithR1()
		case bpf.ALUOpOr:
			return g.AddOrR0WithR1()
		case bpf.ALUOpShiftLeft:
			return g.AddLeftShiftR0ByR1()
		}
		return errors.Errorf("unsupported ALU op %v", i.Op)

	case bpf.NegateA:
		return g.AddNeg()

	case bpf.TXA:
		return g.AddMove(R0)

	case bpf.TAX:
		return g.AddMove(R1)

	case bpf.Jump:
		label, err := cbpfTarget(pc, int(i.Skip), n)
		if err != nil {
			return err
		}
		return g.AddJump(label)

	case bpf.JumpIf:
		return cbpfCondJump(g, i.Cond, i.Val, false, i.SkipTrue, i.SkipFalse, pc, n)

	case bpf.JumpIfX:
		return cbpfCondJump(g, i.Cond, 0, true, i.SkipTrue, i.SkipFalse, pc, n)

	case bpf.RetA:
		// a == 0 -> reject
		if err := g.AddJumpIfR0Equals(0, DropLabel); err != nil {
			return err
		}
		return g.AddJump(PassLabel)

	case bpf.RetConstant:
		if i.Val == 0 {
			return g.AddJump(DropLabel)
		}
		return g.AddJump(PassLabel)
	}

	return errors.Errorf("unsupported instruction %v", insn)
}

// cbpfCondJump lowers a conditional jump. Conditions APF lacks a direct
// opcode for are inverted: the inverse jumps to the false target and an
// unconditional jump covers the true target.
func cbpfCondJump(g *ApfV6Generator, cond bpf.JumpTest, val uint32, regX bool, skipTrue, skipFalse uint8, pc, n int) error {
	trueLabel, err := cbpfTarget(pc, int(skipTrue), n)
	if err != nil {
		return err
	}
	falseLabel, err := cbpfTarget(pc, int(skipFalse), n)
	if err != nil {
		return err
	}

	direct := func(c bpf.JumpTest, label string) (bool, error) {
		if regX {
			switch c {
			case bpf.JumpEqual:
				return true, g.AddJumpIfR0EqualsR1(label)
			case bpf.JumpNotEqual:
				return true, g.AddJumpIfR0NotEqualsR1(label)
			case bpf.JumpGreaterThan:
				return true, g.AddJumpIfR0GreaterThanR1(label)
			case bpf.JumpLessThan:
				return true, g.AddJumpIfR0LessThanR1(label)
			case bpf.JumpBitsSet:
				return true, g.AddJumpIfR0AnyBitsSetR1(label)
			}
			return false, nil
		}
		switch c {
		case bpf.JumpEqual:
			return true, g.AddJumpIfR0Equals(val, label)
		case bpf.JumpNotEqual:
			return true, g.AddJumpIfR0NotEquals(val, label)
		case bpf.JumpGreaterThan:
			return true, g.AddJumpIfR0GreaterThan(val, label)
		case bpf.JumpLessThan:
			return true, g.AddJumpIfR0LessThan(val, label)
		case bpf.JumpBitsSet:
			return true, g.AddJumpIfR0AnyBitsSet(val, label)
		}
		return false, nil
	}

	if ok, err := direct(cond, trueLabel); ok || err != nil {
		if err != nil {
			return err
		}
		if skipFalse != 0 {
			return g.AddJump(falseLabel)
		}
		return nil
	}

	// map conditionals to their inverse
	inverse := map[bpf.JumpTest]bpf.JumpTest{
		bpf.JumpGreaterOrEqual: bpf.JumpLessThan,
		bpf.JumpLessOrEqual:    bpf.JumpGreaterThan,
		bpf.JumpBitsNotSet:     bpf.JumpBitsSet,
	}
	inv, ok := inverse[cond]
	if !ok {
		return errors.Errorf("unsupported jump condition %v", cond)
	}
	if ok, err := direct(inv, falseLabel); !ok || err != nil {
		if err != nil {
			return err
		}
		return errors.Errorf("unsupported jump condition %v", cond)
	}
	return g.AddJump(trueLabel)
}
