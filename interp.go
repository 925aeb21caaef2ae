package apfc

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Verdict is the terminal result of running a program over one packet.
type Verdict int

const (
	Pass Verdict = iota
	Drop
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Drop:
		return "drop"
	default:
		return "verdict(?)"
	}
}

// Interpreter is a pure Go reference interpreter for generated programs.
// It exists for conformance testing and counter decoding; production
// execution happens in the native packet filtering engine. Semantics
// follow the fail open rule: any runtime fault caused by the packet
// (out of bounds load, division by zero, transmit misuse) passes the
// packet rather than dropping traffic.
//
// Interpreter memory is the program followed by the data region holding
// the counter slots.
type Interpreter struct {
	ram        []byte
	programLen int
	version    ApfVersion

	transmitted [][]byte
}

// stepLimit bounds one Run; v6 programs may jump backwards, so execution
// is not naturally bounded by program length.
const stepLimit = 1 << 16

// NewInterpreter loads a program into interpreter memory of ramSize
// bytes. The data region starts right after the program and must have
// room for every counter slot.
func NewInterpreter(program []byte, ramSize int, version ApfVersion) (*Interpreter, error) {
	if len(program) > maxProgramSizeLimit {
		return nil, errors.Errorf("program length %d exceeds %d", len(program), maxProgramSizeLimit)
	}
	if ramSize < len(program)+CounterRegionSize() {
		return nil, errors.Errorf("ram size %d too small for program and counter region", ramSize)
	}
	ip := &Interpreter{
		ram:        make([]byte, ramSize),
		programLen: len(program),
		version:    version,
	}
	copy(ip.ram, program)

	// interpreter owned leading slots: endianness marker, v6 flag and
	// the dialect counter
	data := ip.DataRegion()
	data[0] = 1
	if version == V6 {
		data[3] = 1
	}
	binary.LittleEndian.PutUint64(data[CounterApfVersion.Offset():], uint64(version))
	return ip, nil
}

// DataRegion returns the live data region, counters included.
func (ip *Interpreter) DataRegion() []byte {
	return ip.ram[ip.programLen:]
}

// Counters decodes the active counters accumulated so far.
func (ip *Interpreter) Counters() (map[Counter]uint64, error) {
	region := ip.DataRegion()
	return ParseCounters(region[:len(region)-len(region)%counterSlotSize])
}

// Transmitted returns the buffers handed over by transmit instructions,
// in order.
func (ip *Interpreter) Transmitted() [][]byte {
	return ip.transmitted
}

func (ip *Interpreter) count(c Counter) {
	off := c.Offset()
	data := ip.DataRegion()
	if off+counterSlotSize > len(data) {
		return
	}
	binary.LittleEndian.PutUint64(data[off:], binary.LittleEndian.Uint64(data[off:])+1)
}

const ipv4HeaderLen = 20

// fixupChecksums applies the transmit checksum immediates
// (ipOfs, csumOfs, csumStart, partialCsum) to a finished buffer: an IPv4
// header checksum at ipOfs+10 when ipOfs is not the noChecksum sentinel,
// and an L4 checksum over buf[csumStart:] seeded with the pseudo header
// sum when csumOfs is not. A zero UDP checksum is stored as 0xffff.
// Offsets that fall outside the buffer report failure.
func fixupChecksums(buf []byte, imms []uint32, udp bool) bool {
	if len(imms) != 4 {
		return false
	}
	ipOfs, csumOfs, csumStart, partial := int(imms[0]), int(imms[1]), int(imms[2]), imms[3]
	if ipOfs != noChecksum {
		if ipOfs+ipv4HeaderLen > len(buf) {
			return false
		}
		buf[ipOfs+10], buf[ipOfs+11] = 0, 0
		binary.BigEndian.PutUint16(buf[ipOfs+10:], internetChecksum(0, buf[ipOfs:ipOfs+ipv4HeaderLen]))
	}
	if csumOfs != noChecksum {
		if csumStart > len(buf) || csumOfs+2 > len(buf) {
			return false
		}
		csum := internetChecksum(partial, buf[csumStart:])
		if udp && csum == 0 {
			csum = 0xffff
		}
		binary.BigEndian.PutUint16(buf[csumOfs:], csum)
	}
	return true
}

// internetChecksum folds buf into a running ones complement sum and
// returns the complemented 16 bit result. An odd trailing byte is padded
// with a zero low byte.
func internetChecksum(seed uint32, buf []byte) uint16 {
	sum := seed
	for i := 0; i+1 < len(buf); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i:]))
	}
	if len(buf)%2 == 1 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// runState is the per packet machine state.
type runState struct {
	regs  [2]uint32
	mem   [numMemorySlots]uint32
	txBuf []byte
	txPos int
}

// Run executes the program over one packet. filterAge seeds the filter
// age memory slot. The returned error reports a malformed program, never
// a malformed packet.
func (ip *Interpreter) Run(packet []byte, filterAge int) (Verdict, error) {
	st := &runState{}
	st.mem[MemorySlotPacketSize] = uint32(len(packet))
	st.mem[MemorySlotFilterAge] = uint32(filterAge)
	if len(packet) >= 34 && binary.BigEndian.Uint16(packet[12:]) == 0x0800 {
		st.mem[MemorySlotIPv4HeaderSize] = uint32(packet[14]&0xf) * 4
	}

	program := ip.ram[:ip.programLen]
	pc := 0
	for steps := 0; ; steps++ {
		if steps > stepLimit {
			return Pass, errors.New("instruction limit exceeded")
		}
		switch {
		case pc == ip.programLen:
			return Pass, nil
		case pc == ip.programLen+1:
			return Drop, nil
		case pc < 0 || pc > ip.programLen:
			return Pass, errors.Errorf("program counter %d out of bounds", pc)
		}

		d, err := decodeInsn(program, pc)
		if err != nil {
			return Pass, err
		}
		next := pc + d.size

		verdict, done, jump := ip.step(st, d, packet)
		if done {
			return verdict, nil
		}
		if jump {
			pc = d.target
		} else {
			pc = next
		}
	}
}

// step executes one decoded instruction. done reports a terminal verdict,
// jump that control moves to d.target.
func (ip *Interpreter) step(st *runState, d decodedInsn, packet []byte) (verdict Verdict, done, jump bool) {
	fail := func() (Verdict, bool, bool) { return Pass, true, false }

	imm := func(i int) uint32 {
		if i < len(d.imms) {
			return d.imms[i]
		}
		return 0
	}

	loadPacket := func(ofs uint32, size int) (uint32, bool) {
		end := int(ofs) + size
		if int(ofs) < 0 || end > len(packet) || end < size {
			return 0, false
		}
		var v uint32
		for _, b := range packet[ofs:end] {
			v = v<<8 | uint32(b)
		}
		return v, true
	}

	txWrite := func(b []byte) bool {
		if st.txBuf == nil || st.txPos+len(b) > len(st.txBuf) {
			return false
		}
		copy(st.txBuf[st.txPos:], b)
		st.txPos += len(b)
		return true
	}

	switch d.opcode {
	case opPassDrop:
		if len(d.imms) > 0 {
			ip.count(Counter(d.imms[0]))
		}
		if d.reg == R1 {
			return Drop, true, false
		}
		return Pass, true, false

	case opLdb, opLdh, opLdw, opLdbx, opLdhx, opLdwx:
		size := 1 << ((d.opcode - opLdb) % 3)
		ofs := imm(0)
		if d.opcode >= opLdbx {
			ofs += st.regs[1]
		}
		v, ok := loadPacket(ofs, size)
		if !ok {
			return fail()
		}
		st.regs[d.reg] = v

	case opAdd, opMul, opDiv, opAnd, opOr, opSh:
		operand := imm(0)
		if d.reg == R1 {
			operand = st.regs[1]
		}
		switch d.opcode {
		case opAdd:
			st.regs[0] += operand
		case opMul:
			st.regs[0] *= operand
		case opDiv:
			if operand == 0 {
				return fail()
			}
			st.regs[0] /= operand
		case opAnd:
			st.regs[0] &= operand
		case opOr:
			st.regs[0] |= operand
		case opSh:
			if s := int32(operand); s >= 0 {
				st.regs[0] <<= uint(s) & 63
			} else {
				st.regs[0] >>= uint(-s) & 63
			}
		}

	case opLi:
		st.regs[d.reg] = imm(0)

	case opJmp:
		if d.reg == R0 {
			return 0, false, true
		}
		// inline data, fall through past the payload

	case opJeq, opJne, opJgt, opJlt, opJset:
		cmp := imm(0)
		if d.reg == R1 {
			cmp = st.regs[1]
		}
		a := st.regs[0]
		var hit bool
		switch d.opcode {
		case opJeq:
			hit = a == cmp
		case opJne:
			hit = a != cmp
		case opJgt:
			hit = a > cmp
		case opJlt:
			hit = a < cmp
		case opJset:
			hit = a&cmp != 0
		}
		if hit {
			return 0, false, true
		}

	case opJbs:
		packed := imm(0)
		count := int(packed>>12) + 1
		plen := int(packed & 0xfff)
		ofs := int(st.regs[0])
		if plen == 0 || ofs < 0 || ofs+plen > len(packet) {
			return fail()
		}
		window := packet[ofs : ofs+plen]
		matched := false
		for i := 0; i < count && (i+1)*plen <= len(d.payload); i++ {
			if bytes.Equal(window, d.payload[i*plen:(i+1)*plen]) {
				matched = true
				break
			}
		}
		if matched == (d.reg == R1) {
			return 0, false, true
		}

	case opLddw, opStdw:
		ofs := ip.programLen + int(imm(0)) + int(st.regs[1])
		if ofs < ip.programLen || ofs+4 > len(ip.ram) {
			return fail()
		}
		if d.opcode == opLddw {
			st.regs[d.reg] = binary.BigEndian.Uint32(ip.ram[ofs:])
		} else {
			binary.BigEndian.PutUint32(ip.ram[ofs:], st.regs[d.reg])
		}

	case opWrite:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], imm(0))
		if !txWrite(b[4-d.width:]) {
			return fail()
		}

	case opExt:
		return ip.stepExt(st, d, packet)

	default:
		return fail()
	}

	return 0, false, false
}

func (ip *Interpreter) stepExt(st *runState, d decodedInsn, packet []byte) (verdict Verdict, done, jump bool) {
	fail := func() (Verdict, bool, bool) { return Pass, true, false }

	txWrite := func(b []byte) bool {
		if st.txBuf == nil || st.txPos+len(b) > len(st.txBuf) {
			return false
		}
		copy(st.txBuf[st.txPos:], b)
		st.txPos += len(b)
		return true
	}

	switch {
	case d.ext >= extLdm && d.ext < extStm:
		st.regs[d.reg] = st.mem[d.ext-extLdm]
	case d.ext >= extStm && d.ext < extNot:
		st.mem[d.ext-extStm] = st.regs[d.reg]
	case d.ext == extNot:
		st.regs[0] = ^st.regs[0]
	case d.ext == extNeg:
		st.regs[0] = -st.regs[0]
	case d.ext == extSwap:
		st.regs[0], st.regs[1] = st.regs[1], st.regs[0]
	case d.ext == extMov:
		st.regs[d.reg] = st.regs[1-d.reg]

	case d.ext == extAllocate:
		if st.txBuf != nil {
			return fail()
		}
		size := st.regs[0]
		if d.reg == R1 {
			size = d.imms[0]
		}
		if size > maxAllocateLen {
			return fail()
		}
		st.txBuf = make([]byte, size)
		st.txPos = 0

	case d.ext == extTransmit:
		if st.txBuf == nil {
			return fail()
		}
		buf := st.txBuf[:st.txPos]
		if !fixupChecksums(buf, d.imms, d.reg == R1) {
			return fail()
		}
		ip.transmitted = append(ip.transmitted, buf)
		st.txBuf = nil
		st.txPos = 0

	case d.ext == extWrite1 || d.ext == extWrite2 || d.ext == extWrite4:
		width := 1 << (d.ext - extWrite1)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], st.regs[d.reg])
		if !txWrite(b[4-width:]) {
			return fail()
		}

	case d.ext == extCopy, d.ext == extCopyR0:
		var src, length int
		if d.ext == extCopy {
			src, length = int(d.imms[0]), int(d.imms[1])
		} else {
			src = int(st.regs[0])
			length = int(d.imms[0])
			if length == 0 {
				length = int(st.regs[1])
			}
		}
		var from []byte
		if d.reg == R1 {
			from = packet
		} else {
			from = ip.ram[:ip.programLen]
		}
		if length <= 0 || length > maxMatchBytes || src < 0 || src+length > len(from) {
			return fail()
		}
		if !txWrite(from[src : src+length]) {
			return fail()
		}

	case d.ext >= extDnsQ && d.ext <= extDnsASafe:
		safe := d.ext == extDnsQSafe || d.ext == extDnsASafe
		question := d.ext == extDnsQ || d.ext == extDnsQSafe
		var qtype int
		names := d.payload
		if question {
			qtype = int(d.imms[0])
		}
		matched, corrupt := dnsContains(packet, int(st.regs[0]), names, question, qtype, safe)
		if corrupt {
			ip.count(CounterCorruptDNSPacket)
			if safe {
				// a corrupted packet never matches
				matched = false
			}
		}
		if matched == (d.reg == R1) {
			return 0, false, true
		}

	case d.ext == extJoneof:
		hdr := d.imms[0]
		count := int(hdr>>2)&0x1f + 1
		vw := 1 << (hdr & 3)
		member := false
		for i := 0; i < count && (i+1)*vw <= len(d.payload); i++ {
			var v uint32
			for _, b := range d.payload[i*vw : (i+1)*vw] {
				v = v<<8 | uint32(b)
			}
			if v == st.regs[d.reg] {
				member = true
				break
			}
		}
		if member == (hdr&0x80 != 0) {
			return 0, false, true
		}

	default:
		return fail()
	}

	return 0, false, false
}
