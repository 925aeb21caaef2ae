package apfc

import (
	"github.com/pkg/errors"
)

// ApfV4Generator builds programs for the v4 dialect, which layers
// telemetry counters and data region access over the v2 baseline.
type ApfV4Generator struct {
	ApfV2Generator
}

// NewApfV4Generator creates a generator for the v4 dialect with the given
// maximum program size.
func NewApfV4Generator(maxProgramSize int) (*ApfV4Generator, error) {
	base, err := newBase(V4, maxProgramSize)
	if err != nil {
		return nil, err
	}
	return &ApfV4Generator{ApfV2Generator{baseGenerator: base}}, nil
}

func checkCounter(cnt Counter) error {
	if int(cnt) <= int(CounterApfVersion) || int(cnt) > maxCounterNum {
		return errors.Errorf("counter %d out of range (%d, %d]", int(cnt), int(CounterApfVersion), maxCounterNum)
	}
	return nil
}

func (g *baseGenerator) addCountVerdict(reg Register, cnt Counter) error {
	if err := checkCounter(cnt); err != nil {
		return err
	}
	return g.append(newInsn(opPassDrop, reg).addImm(immU(uint32(cnt))))
}

// AddCountAndPass increments the counter's data region slot and passes the
// packet.
func (g *ApfV4Generator) AddCountAndPass(cnt Counter) error {
	return g.addCountVerdict(R0, cnt)
}

// AddCountAndDrop increments the counter's data region slot and drops the
// packet.
func (g *ApfV4Generator) AddCountAndDrop(cnt Counter) error {
	return g.addCountVerdict(R1, cnt)
}

func (g *baseGenerator) addDataAccess(op int, reg Register, ofs int) error {
	if err := checkRegister(reg); err != nil {
		return err
	}
	if err := checkRange("data offset", ofs, 0, 65535); err != nil {
		return err
	}
	return g.append(newInsn(op, reg).addImm(immU(uint32(ofs))))
}

// AddLoadData loads the 4 byte data region word at ofs+R1 into dst.
func (g *ApfV4Generator) AddLoadData(dst Register, ofs int) error {
	return g.addDataAccess(opLddw, dst, ofs)
}

// AddStoreData stores src into the 4 byte data region word at ofs+R1.
func (g *ApfV4Generator) AddStoreData(src Register, ofs int) error {
	return g.addDataAccess(opStdw, src, ofs)
}

// countCompare emits a compare that falls through to a counted verdict
// when the inverse condition does not hold.
func (g *ApfV4Generator) countCompare(invOp int, val uint32, reg Register, cnt Counter) error {
	if err := checkCounter(cnt); err != nil {
		return err
	}
	skip := g.uniqueLabel("count")
	if err := g.addJumpIf(invOp, val, skip); err != nil {
		return err
	}
	if err := g.addCountVerdict(reg, cnt); err != nil {
		return err
	}
	return g.DefineLabel(skip)
}

// AddCountAndDropIfR0Equals drops the packet, counting cnt, if R0 == val.
func (g *ApfV4Generator) AddCountAndDropIfR0Equals(val uint32, cnt Counter) error {
	return g.countCompare(opJne, val, R1, cnt)
}

// AddCountAndPassIfR0Equals passes the packet, counting cnt, if R0 == val.
func (g *ApfV4Generator) AddCountAndPassIfR0Equals(val uint32, cnt Counter) error {
	return g.countCompare(opJne, val, R0, cnt)
}

// AddCountAndDropIfR0NotEquals drops the packet, counting cnt, if R0 != val.
func (g *ApfV4Generator) AddCountAndDropIfR0NotEquals(val uint32, cnt Counter) error {
	return g.countCompare(opJeq, val, R1, cnt)
}

// AddCountAndPassIfR0NotEquals passes the packet, counting cnt, if R0 != val.
func (g *ApfV4Generator) AddCountAndPassIfR0NotEquals(val uint32, cnt Counter) error {
	return g.countCompare(opJeq, val, R0, cnt)
}

// AddCountAndDropIfR0AnyBitsSet drops the packet, counting cnt, if
// R0 & val != 0.
func (g *ApfV4Generator) AddCountAndDropIfR0AnyBitsSet(val uint32, cnt Counter) error {
	if err := checkCounter(cnt); err != nil {
		return err
	}
	drop := g.uniqueLabel("count")
	skip := g.uniqueLabel("count")
	if err := g.addJumpIf(opJset, val, drop); err != nil {
		return err
	}
	if err := g.AddJump(skip); err != nil {
		return err
	}
	if err := g.DefineLabel(drop); err != nil {
		return err
	}
	if err := g.addCountVerdict(R1, cnt); err != nil {
		return err
	}
	return g.DefineLabel(skip)
}
