package apfc

import (
	"github.com/pkg/errors"
)

// immediate is one immediate operand of an instruction. All immediates of an
// instruction share the width selected by the control byte, the smallest of
// {0,1,2,4} bytes that represents every one of them.
type immediate struct {
	value uint32
	// signed immediates that are negative force the 4 byte two's
	// complement form
	signed bool
	// fixedWidth forces a minimum encoded width regardless of value, for
	// instructions where the width itself is semantic (write 1/2/4)
	fixedWidth int
}

func immU(v uint32) immediate { return immediate{value: v} }
func immS(v int32) immediate  { return immediate{value: uint32(v), signed: true} }

// minWidth returns the narrowest width in {0,1,2,4} representing the value.
func (im immediate) minWidth() int {
	if im.signed && int32(im.value) < 0 {
		return 4
	}
	w := 0
	switch {
	case im.value == 0:
		w = 0
	case im.value <= 0xff:
		w = 1
	case im.value <= 0xffff:
		w = 2
	default:
		w = 4
	}
	if w < im.fixedWidth {
		w = im.fixedWidth
	}
	return w
}

// widthToCode maps an immediate width to the 2 bit immLen field. Width 4
// uses code 3, which lets the 2 bit field span four useful widths.
func widthToCode(w int) int {
	if w == 4 {
		return 3
	}
	return w
}

func codeToWidth(c int) int {
	if c == 3 {
		return 4
	}
	return c
}

// instruction is one entry of the program sequence. Instructions are
// immutable once appended, except for the offset and width fields owned by
// the resolver.
type instruction struct {
	opcode int
	ext    int // extended opcode number, -1 if none
	reg    Register
	imms   []immediate
	// payload is the inline byte operand (match patterns, DNS needles,
	// jump table members, data blob)
	payload []byte
	// label is the symbolic jump target, "" if none
	label string

	// resolver state
	offset int
	width  int
	// delta is the resolved jump displacement, valid after relaxation
	delta int32
}

func newInsn(opcode int, reg Register) *instruction {
	return &instruction{opcode: opcode, ext: -1, reg: reg}
}

func newExtInsn(ext int, reg Register) *instruction {
	return &instruction{opcode: opExt, ext: ext, reg: reg}
}

func (in *instruction) addImm(im immediate) *instruction {
	in.imms = append(in.imms, im)
	return in
}

func (in *instruction) setPayload(b []byte) *instruction {
	in.payload = b
	return in
}

func (in *instruction) setLabel(label string) *instruction {
	in.label = label
	return in
}

// fixedMinWidth is the width required by everything except the jump
// displacement, which is only known during relaxation.
func (in *instruction) fixedMinWidth() int {
	w := 0
	if in.ext >= 0 {
		// the extended opcode number always needs a byte, even for
		// extLdm slot 0
		w = 1
		if ew := immU(uint32(in.ext)).minWidth(); ew > w {
			w = ew
		}
	}
	for _, im := range in.imms {
		if iw := im.minWidth(); iw > w {
			w = iw
		}
	}
	return w
}

// size is the encoded size at the current width.
func (in *instruction) size() int {
	n := 1
	nimm := len(in.imms)
	if in.ext >= 0 {
		nimm++
	}
	if in.label != "" {
		nimm++
	}
	return n + nimm*in.width + len(in.payload)
}

// encode serializes the instruction at its resolved offset into buf.
// Field order: control byte, extended opcode, jump displacement, remaining
// immediates, inline payload.
func (in *instruction) encode(buf []byte) {
	p := in.offset
	buf[p] = byte(in.opcode<<3 | widthToCode(in.width)<<1 | int(in.reg))
	p++
	if in.ext >= 0 {
		p = putImm(buf, p, uint32(in.ext), in.width)
	}
	if in.label != "" {
		p = putImm(buf, p, uint32(in.delta), in.width)
	}
	for _, im := range in.imms {
		p = putImm(buf, p, im.value, in.width)
	}
	copy(buf[p:], in.payload)
}

// putImm writes v big-endian in width bytes at buf[p], returning the
// position past it.
func putImm(buf []byte, p int, v uint32, width int) int {
	for i := width - 1; i >= 0; i-- {
		buf[p] = byte(v >> (8 * i))
		p++
	}
	return p
}

// decodedInsn is one instruction parsed back out of a program byte stream,
// used by the disassembler and the reference interpreter.
type decodedInsn struct {
	addr   int
	opcode int
	reg    Register
	width  int
	ext    int // -1 if not extended

	// target is the absolute jump target, -1 if the instruction has none
	target  int
	imms    []uint32
	payload []byte
	size    int
}

// decodeInsn parses the instruction starting at pc. The program slice is
// the full program (offsets are absolute).
func decodeInsn(program []byte, pc int) (decodedInsn, error) {
	d := decodedInsn{addr: pc, ext: -1, target: -1}
	if pc >= len(program) {
		return d, errors.Errorf("truncated program: no instruction at %d", pc)
	}
	ctrl := program[pc]
	d.opcode = int(ctrl >> 3)
	d.width = codeToWidth(int(ctrl>>1) & 3)
	d.reg = Register(ctrl & 1)
	p := pc + 1

	imm := func() (uint32, error) {
		if p+d.width > len(program) {
			return 0, errors.Errorf("truncated immediate at %d", p)
		}
		var v uint32
		for i := 0; i < d.width; i++ {
			v = v<<8 | uint32(program[p])
			p++
		}
		return v, nil
	}
	// jump displacements narrower than 4 bytes are always non-negative,
	// so the plain int32 cast is correct for every width
	delta := func() (int32, error) {
		v, err := imm()
		if err != nil {
			return 0, err
		}
		return int32(v), nil
	}
	bytesAt := func(n int) ([]byte, error) {
		if n < 0 || p+n > len(program) {
			return nil, errors.Errorf("truncated payload at %d", p)
		}
		b := program[p : p+n]
		p += n
		return b, nil
	}
	fail := func(err error) (decodedInsn, error) {
		return d, errors.Wrapf(err, "instruction at %d", pc)
	}

	var jumpDelta int32
	hasJump := false

	switch d.opcode {
	case opPassDrop:
		if d.width > 0 {
			v, err := imm()
			if err != nil {
				return fail(err)
			}
			d.imms = append(d.imms, v)
		}

	case opLdb, opLdh, opLdw, opLdbx, opLdhx, opLdwx, opLi, opLddw, opStdw, opWrite:
		v, err := imm()
		if err != nil {
			return fail(err)
		}
		d.imms = append(d.imms, v)

	case opAdd, opMul, opDiv, opAnd, opOr, opSh:
		if d.reg == R0 {
			v, err := imm()
			if err != nil {
				return fail(err)
			}
			d.imms = append(d.imms, v)
		}

	case opJmp:
		if d.reg == R1 {
			// inline data pseudo instruction
			n, err := imm()
			if err != nil {
				return fail(err)
			}
			d.imms = append(d.imms, n)
			b, err := bytesAt(int(n))
			if err != nil {
				return fail(err)
			}
			d.payload = b
		} else {
			dl, err := delta()
			if err != nil {
				return fail(err)
			}
			jumpDelta, hasJump = dl, true
		}

	case opJeq, opJne, opJgt, opJlt, opJset:
		dl, err := delta()
		if err != nil {
			return fail(err)
		}
		jumpDelta, hasJump = dl, true
		if d.reg == R0 {
			v, err := imm()
			if err != nil {
				return fail(err)
			}
			d.imms = append(d.imms, v)
		}

	case opJbs:
		dl, err := delta()
		if err != nil {
			return fail(err)
		}
		jumpDelta, hasJump = dl, true
		packed, err := imm()
		if err != nil {
			return fail(err)
		}
		d.imms = append(d.imms, packed)
		count := int(packed>>12) + 1
		plen := int(packed & 0xfff)
		b, err := bytesAt(count * plen)
		if err != nil {
			return fail(err)
		}
		d.payload = b

	case opExt:
		v, err := imm()
		if err != nil {
			return fail(err)
		}
		d.ext = int(v)
		switch {
		case d.ext >= extLdm && d.ext < extAllocate:
			// ldm/stm/not/neg/swap/mov carry no further operands

		case d.ext == extAllocate:
			if d.reg == R1 {
				n, err := imm()
				if err != nil {
					return fail(err)
				}
				d.imms = append(d.imms, n)
			}

		case d.ext == extTransmit:
			for i := 0; i < 4; i++ {
				n, err := imm()
				if err != nil {
					return fail(err)
				}
				d.imms = append(d.imms, n)
			}

		case d.ext == extWrite1 || d.ext == extWrite2 || d.ext == extWrite4:
			// register in the reg bit

		case d.ext == extCopy:
			for i := 0; i < 2; i++ {
				n, err := imm()
				if err != nil {
					return fail(err)
				}
				d.imms = append(d.imms, n)
			}

		case d.ext == extCopyR0:
			n, err := imm()
			if err != nil {
				return fail(err)
			}
			d.imms = append(d.imms, n)

		case d.ext >= extDnsQ && d.ext <= extDnsASafe:
			dl, err := delta()
			if err != nil {
				return fail(err)
			}
			jumpDelta, hasJump = dl, true
			if d.ext == extDnsQ || d.ext == extDnsQSafe {
				qt, err := imm()
				if err != nil {
					return fail(err)
				}
				d.imms = append(d.imms, qt)
			}
			n, err := imm()
			if err != nil {
				return fail(err)
			}
			d.imms = append(d.imms, n)
			b, err := bytesAt(int(n))
			if err != nil {
				return fail(err)
			}
			d.payload = b

		case d.ext == extJoneof:
			dl, err := delta()
			if err != nil {
				return fail(err)
			}
			jumpDelta, hasJump = dl, true
			hdr, err := imm()
			if err != nil {
				return fail(err)
			}
			d.imms = append(d.imms, hdr)
			count := int(hdr>>2)&0x1f + 1
			vw := 1 << (hdr & 3)
			b, err := bytesAt(count * vw)
			if err != nil {
				return fail(err)
			}
			d.payload = b

		default:
			return d, errors.Errorf("instruction at %d: unknown extended opcode %d", pc, d.ext)
		}

	default:
		return d, errors.Errorf("instruction at %d: unknown opcode %d", pc, d.opcode)
	}

	d.size = p - pc
	if hasJump {
		d.target = p + int(jumpDelta)
		if d.target < 0 || d.target > len(program)+1 {
			return d, errors.Errorf("instruction at %d: jump target %d out of bounds", pc, d.target)
		}
	}
	return d, nil
}
