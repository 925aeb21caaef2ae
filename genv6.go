package apfc

import (
	"sort"

	"github.com/pkg/errors"
)

// ApfV6Generator builds programs for the v6 dialect: everything in v4 plus
// extended opcodes for memory slots, transmit buffers, copies, register
// writes, multi value jump tables and DNS name matching.
type ApfV6Generator struct {
	ApfV4Generator
}

// NewApfV6Generator creates a generator for the v6 dialect. A non-empty
// data blob is emitted as the leading inline data section; data copy
// instructions reference its bytes by program offset.
func NewApfV6Generator(data []byte, maxProgramSize int) (*ApfV6Generator, error) {
	base, err := newBase(V6, maxProgramSize)
	if err != nil {
		return nil, err
	}
	g := &ApfV6Generator{ApfV4Generator{ApfV2Generator{baseGenerator: base}}}
	if len(data) > 0 {
		if err := g.addData(data); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// addData emits the inline data section. It must be the first element of
// the program; appending data after any instruction is illegal.
func (g *ApfV6Generator) addData(data []byte) error {
	if len(g.insns) != 0 {
		return errors.New("data section must precede all instructions")
	}
	if len(data) > maxProgramSizeLimit {
		return errors.Errorf("data section length %d exceeds %d", len(data), maxProgramSizeLimit)
	}
	in := newInsn(opJmp, R1).addImm(immU(uint32(len(data)))).setPayload(data)
	return g.append(in)
}

// DataOffset returns the program byte offset of the start of the data
// blob passed to the constructor, for building data copy source offsets.
// The data pseudo instruction's header is one control byte plus the length
// immediate.
func (g *ApfV6Generator) DataOffset() int {
	if len(g.insns) == 0 || g.insns[0].opcode != opJmp || g.insns[0].reg != R1 {
		return 0
	}
	return 1 + immU(uint32(len(g.insns[0].payload))).minWidth()
}

// AddLoadFromMemory loads the interpreter memory slot into dst.
func (g *ApfV6Generator) AddLoadFromMemory(dst Register, slot MemorySlot) error {
	if err := checkRegister(dst); err != nil {
		return err
	}
	if err := checkRange("memory slot", int(slot), 0, numMemorySlots-1); err != nil {
		return err
	}
	return g.append(newExtInsn(extLdm+int(slot), dst))
}

// AddStoreToMemory stores src into the interpreter memory slot.
func (g *ApfV6Generator) AddStoreToMemory(slot MemorySlot, src Register) error {
	if err := checkRegister(src); err != nil {
		return err
	}
	if err := checkRange("memory slot", int(slot), 0, numMemorySlots-1); err != nil {
		return err
	}
	return g.append(newExtInsn(extStm+int(slot), src))
}

// AddNot sets R0 to its bitwise complement.
func (g *ApfV6Generator) AddNot() error {
	return g.append(newExtInsn(extNot, R0))
}

// AddNeg sets R0 to its two's complement negation.
func (g *ApfV6Generator) AddNeg() error {
	return g.append(newExtInsn(extNeg, R0))
}

// AddSwap exchanges R0 and R1.
func (g *ApfV6Generator) AddSwap() error {
	return g.append(newExtInsn(extSwap, R0))
}

// AddMove copies the other register into dst.
func (g *ApfV6Generator) AddMove(dst Register) error {
	if err := checkRegister(dst); err != nil {
		return err
	}
	return g.append(newExtInsn(extMov, dst))
}

// AddAllocate reserves a transmit buffer of the given length.
func (g *ApfV6Generator) AddAllocate(length int) error {
	if err := checkRange("allocate length", length, 0, maxAllocateLen); err != nil {
		return err
	}
	return g.append(newExtInsn(extAllocate, R1).addImm(immediate{value: uint32(length), fixedWidth: 2}))
}

// AddAllocateR0 reserves a transmit buffer of R0 bytes.
func (g *ApfV6Generator) AddAllocateR0() error {
	return g.append(newExtInsn(extAllocate, R0))
}

// noChecksum in the ip offset or checksum offset field marks a transmit
// without that checksum fixup.
const noChecksum = 255

// AddTransmitWithoutChecksum hands the allocated buffer to the interpreter
// for transmission as is.
func (g *ApfV6Generator) AddTransmitWithoutChecksum() error {
	in := newExtInsn(extTransmit, R0).
		addImm(immU(noChecksum)).
		addImm(immU(noChecksum)).
		addImm(immU(0)).
		addImm(immU(0))
	return g.append(in)
}

// AddTransmitL4 hands the buffer to the interpreter for transmission with
// L4 checksum offload: ipOfs locates the IPv4 header, csumOfs and
// csumStart the checksum field and coverage start, partialCsum the
// precomputed pseudo header sum. udp selects the UDP zero-sum rule.
func (g *ApfV6Generator) AddTransmitL4(ipOfs, csumOfs, csumStart, partialCsum int, udp bool) error {
	for name, v := range map[string]int{
		"ip offset":       ipOfs,
		"checksum offset": csumOfs,
	} {
		if err := checkRange(name, v, 0, noChecksum-1); err != nil {
			return err
		}
	}
	for name, v := range map[string]int{
		"checksum start":   csumStart,
		"partial checksum": partialCsum,
	} {
		if err := checkRange(name, v, 0, 65535); err != nil {
			return err
		}
	}
	reg := R0
	if udp {
		reg = R1
	}
	in := newExtInsn(extTransmit, reg).
		addImm(immU(uint32(ipOfs))).
		addImm(immU(uint32(csumOfs))).
		addImm(immU(uint32(csumStart))).
		addImm(immU(uint32(partialCsum)))
	return g.append(in)
}

func checkWriteWidth(width int, val uint32) error {
	switch width {
	case 1:
		if val > 0xff {
			return errors.Errorf("value %d does not fit 1 byte", val)
		}
	case 2:
		if val > 0xffff {
			return errors.Errorf("value %d does not fit 2 bytes", val)
		}
	case 4:
	default:
		return errors.Errorf("invalid write width %d", width)
	}
	return nil
}

func (g *ApfV6Generator) addWrite(width int, val uint32) error {
	if err := checkWriteWidth(width, val); err != nil {
		return err
	}
	// the written size is the immediate width, so it must not shrink
	return g.append(newInsn(opWrite, R0).addImm(immediate{value: val, fixedWidth: width}))
}

// AddWrite8 appends the literal byte to the transmit buffer.
func (g *ApfV6Generator) AddWrite8(val uint32) error { return g.addWrite(1, val) }

// AddWrite16 appends the big-endian literal half word to the transmit buffer.
func (g *ApfV6Generator) AddWrite16(val uint32) error { return g.addWrite(2, val) }

// AddWrite32 appends the big-endian literal word to the transmit buffer.
func (g *ApfV6Generator) AddWrite32(val uint32) error { return g.addWrite(4, val) }

// AddWriteRegister appends the low width bytes of reg to the transmit
// buffer.
func (g *ApfV6Generator) AddWriteRegister(width int, reg Register) error {
	if err := checkRegister(reg); err != nil {
		return err
	}
	var ext int
	switch width {
	case 1:
		ext = extWrite1
	case 2:
		ext = extWrite2
	case 4:
		ext = extWrite4
	default:
		return errors.Errorf("invalid write width %d", width)
	}
	return g.append(newExtInsn(ext, reg))
}

func (g *ApfV6Generator) addCopy(reg Register, src, length int) error {
	if err := checkRange("copy source offset", src, 0, maxCopySrcOffset); err != nil {
		return err
	}
	if err := checkRange("copy length", length, 1, maxCopyLen); err != nil {
		return err
	}
	in := newExtInsn(extCopy, reg).
		addImm(immU(uint32(src))).
		addImm(immU(uint32(length)))
	return g.append(in)
}

// AddDataCopy appends length bytes of the program's data section, starting
// at program offset src, to the transmit buffer.
func (g *ApfV6Generator) AddDataCopy(src, length int) error {
	return g.addCopy(R0, src, length)
}

// AddPacketCopy appends length packet bytes starting at src to the
// transmit buffer.
func (g *ApfV6Generator) AddPacketCopy(src, length int) error {
	return g.addCopy(R1, src, length)
}

func (g *ApfV6Generator) addCopyFromR0(reg Register, length int) error {
	if err := checkRange("copy length", length, 1, maxCopyLen); err != nil {
		return err
	}
	return g.append(newExtInsn(extCopyR0, reg).addImm(immU(uint32(length))))
}

// AddDataCopyFromR0 copies length data section bytes from offset R0.
func (g *ApfV6Generator) AddDataCopyFromR0(length int) error {
	return g.addCopyFromR0(R0, length)
}

// AddPacketCopyFromR0 copies length packet bytes from offset R0.
func (g *ApfV6Generator) AddPacketCopyFromR0(length int) error {
	return g.addCopyFromR0(R1, length)
}

// AddDataCopyFromR0LenR1 copies R1 data section bytes from offset R0. The
// zero length immediate is the marker for the register form.
func (g *ApfV6Generator) AddDataCopyFromR0LenR1() error {
	return g.append(newExtInsn(extCopyR0, R0).addImm(immU(0)))
}

// AddPacketCopyFromR0LenR1 copies R1 packet bytes from offset R0.
func (g *ApfV6Generator) AddPacketCopyFromR0LenR1() error {
	return g.append(newExtInsn(extCopyR0, R1).addImm(immU(0)))
}

// AddJumpIfBytesAtR0Equal jumps to label if the packet bytes at offset R0
// equal the literal.
func (g *ApfV6Generator) AddJumpIfBytesAtR0Equal(bytes []byte, label string) error {
	return g.addByteMatch([][]byte{bytes}, R1, label)
}

// AddJumpIfBytesAtR0EqualsAnyOf jumps to label if the packet bytes at
// offset R0 equal any of the patterns. All patterns share one length.
func (g *ApfV6Generator) AddJumpIfBytesAtR0EqualsAnyOf(patterns [][]byte, label string) error {
	return g.addByteMatch(patterns, R1, label)
}

// AddJumpIfBytesAtR0EqualsNoneOf jumps to label if the packet bytes at
// offset R0 equal none of the patterns.
func (g *ApfV6Generator) AddJumpIfBytesAtR0EqualsNoneOf(patterns [][]byte, label string) error {
	return g.addByteMatch(patterns, R0, label)
}

func (g *ApfV6Generator) addByteMatch(patterns [][]byte, reg Register, label string) error {
	plen, err := checkPatterns(patterns)
	if err != nil {
		return err
	}
	payload := make([]byte, 0, len(patterns)*plen)
	for _, pat := range patterns {
		payload = append(payload, pat...)
	}
	in := newInsn(opJbs, reg).
		addImm(immU(packMatch(len(patterns), plen))).
		setPayload(payload).
		setLabel(label)
	return g.append(in)
}

// oneOfHeader packs polarity, member count and value width into the jump
// table header byte.
func oneOfHeader(member bool, count, width int) uint32 {
	h := uint32(count-1) << 2
	switch width {
	case 2:
		h |= 1
	case 4:
		h |= 2
	}
	if member {
		h |= 0x80
	}
	return h
}

func (g *ApfV6Generator) addJumpOneOf(reg Register, values []uint32, member bool, label string) error {
	if err := checkRegister(reg); err != nil {
		return err
	}
	if len(values) == 0 || len(values) > maxOneOfValues {
		return errors.Errorf("value set size %d out of range [1, %d]", len(values), maxOneOfValues)
	}
	// normalize: sorted, deduplicated, narrowest width fitting the max
	sorted := append([]uint32(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	dedup := sorted[:1]
	for _, v := range sorted[1:] {
		if v != dedup[len(dedup)-1] {
			dedup = append(dedup, v)
		}
	}
	width := 1
	if max := dedup[len(dedup)-1]; max > 0xffff {
		width = 4
	} else if max > 0xff {
		width = 2
	}
	payload := make([]byte, 0, len(dedup)*width)
	for _, v := range dedup {
		for i := width - 1; i >= 0; i-- {
			payload = append(payload, byte(v>>(8*i)))
		}
	}
	in := newExtInsn(extJoneof, reg).
		addImm(immU(oneOfHeader(member, len(dedup), width))).
		setPayload(payload).
		setLabel(label)
	return g.append(in)
}

// AddJumpIfOneOf jumps to label if reg's value is a member of values.
func (g *ApfV6Generator) AddJumpIfOneOf(reg Register, values []uint32, label string) error {
	return g.addJumpOneOf(reg, values, true, label)
}

// AddJumpIfNoneOf jumps to label if reg's value is not a member of values.
func (g *ApfV6Generator) AddJumpIfNoneOf(reg Register, values []uint32, label string) error {
	return g.addJumpOneOf(reg, values, false, label)
}

func (g *ApfV6Generator) addDNSJump(ext int, reg Register, names []byte, qtype int, label string) error {
	if err := validateNames(names); err != nil {
		return err
	}
	// the qtype and length immediates must fit the operand ceiling too
	if len(names)+2 > maxDNSOperand {
		return errors.Errorf("DNS needle operand length %d exceeds %d", len(names)+2, maxDNSOperand-2)
	}
	in := newExtInsn(ext, reg).setLabel(label)
	if ext == extDnsQ || ext == extDnsQSafe {
		if err := checkRange("qtype", qtype, 0, 255); err != nil {
			return err
		}
		in.addImm(immU(uint32(qtype)))
	}
	in.addImm(immU(uint32(len(names)))).setPayload(names)
	return g.append(in)
}

// AddJumpIfPktAtR0ContainDNSQ jumps to label if the DNS message at packet
// offset R0 asks a question for any needle name with the given qtype. The
// traversal follows compression pointers unbounded; a corrupt packet
// counts CORRUPT_DNS_PACKET and matches on whatever parsed before the
// corruption.
func (g *ApfV6Generator) AddJumpIfPktAtR0ContainDNSQ(names []byte, qtype int, label string) error {
	return g.addDNSJump(extDnsQ, R1, names, qtype, label)
}

// AddJumpIfPktAtR0DoesNotContainDNSQ jumps to label if no question
// matches.
func (g *ApfV6Generator) AddJumpIfPktAtR0DoesNotContainDNSQ(names []byte, qtype int, label string) error {
	return g.addDNSJump(extDnsQ, R0, names, qtype, label)
}

// AddJumpIfPktAtR0ContainDNSQSafe is the bounded traversal variant: a
// corrupt packet counts CORRUPT_DNS_PACKET and never matches.
func (g *ApfV6Generator) AddJumpIfPktAtR0ContainDNSQSafe(names []byte, qtype int, label string) error {
	return g.addDNSJump(extDnsQSafe, R1, names, qtype, label)
}

// AddJumpIfPktAtR0DoesNotContainDNSQSafe is the bounded not-contains
// variant.
func (g *ApfV6Generator) AddJumpIfPktAtR0DoesNotContainDNSQSafe(names []byte, qtype int, label string) error {
	return g.addDNSJump(extDnsQSafe, R0, names, qtype, label)
}

// AddJumpIfPktAtR0ContainDNSA jumps to label if the DNS message at packet
// offset R0 carries an answer record for any needle name.
func (g *ApfV6Generator) AddJumpIfPktAtR0ContainDNSA(names []byte, label string) error {
	return g.addDNSJump(extDnsA, R1, names, 0, label)
}

// AddJumpIfPktAtR0DoesNotContainDNSA jumps to label if no answer matches.
func (g *ApfV6Generator) AddJumpIfPktAtR0DoesNotContainDNSA(names []byte, label string) error {
	return g.addDNSJump(extDnsA, R0, names, 0, label)
}

// AddJumpIfPktAtR0ContainDNSASafe is the bounded traversal variant of the
// answer match.
func (g *ApfV6Generator) AddJumpIfPktAtR0ContainDNSASafe(names []byte, label string) error {
	return g.addDNSJump(extDnsASafe, R1, names, 0, label)
}

// AddJumpIfPktAtR0DoesNotContainDNSASafe is the bounded not-contains
// variant of the answer match.
func (g *ApfV6Generator) AddJumpIfPktAtR0DoesNotContainDNSASafe(names []byte, label string) error {
	return g.addDNSJump(extDnsASafe, R0, names, 0, label)
}
