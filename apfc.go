// Package apfc implements an assembler for APF (Android Packet Filter)
// bytecode: a small register based VM executed by low power wifi chipsets to
// decide whether an incoming packet should be passed to the host or dropped
// without waking the main CPU.
//
// apfc can build APF programs for three instruction set dialects:
//   - v2, the baseline: loads, arithmetic, compare-and-jump, pass/drop
//   - v4, which adds telemetry counters and data region access
//   - v6, which adds extended opcodes: memory slots, allocate/transmit,
//     data and packet copies, multi pattern matches and DNS name matching
//
// Programs are built through one generator type per dialect
// (ApfV2Generator, ApfV4Generator, ApfV6Generator), so that dialect
// legality is enforced by the type system: a v6-only operation is simply
// not present on a v4 generator.
//
// The output of Generate is byte exact for a given call sequence: jump
// offsets are resolved by iterative relaxation so every immediate uses the
// narrowest of the 0/1/2/4 byte widths that represents its value.
package apfc

import (
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "apfc")

// ApfVersion selects the instruction set dialect a generator emits.
type ApfVersion int

const (
	V2 ApfVersion = 2
	V4 ApfVersion = 4
	V6 ApfVersion = 6
)

// Register selects one of the two APF general purpose registers.
type Register int

const (
	R0 Register = 0
	R1 Register = 1
)

// Built-in jump targets for the two terminal verdicts. They resolve to the
// reserved addresses just past the end of the program: program length means
// pass, program length + 1 means drop.
const (
	PassLabel = "__pass__"
	DropLabel = "__drop__"
)

// MemorySlot addresses one of the 16 interpreter memory slots (v6 only).
// Slots 0-12 are scratch, the rest are maintained by the interpreter.
type MemorySlot int

const (
	MemorySlotIPv4HeaderSize MemorySlot = 13
	MemorySlotPacketSize     MemorySlot = 14
	MemorySlotFilterAge      MemorySlot = 15

	numMemorySlots = 16
)

// Base opcodes, 5 bits of the control byte.
const (
	opPassDrop = 0  // reg bit 0 = pass, 1 = drop; optional counter imm (v4+)
	opLdb      = 1  // reg = packet[imm]
	opLdh      = 2
	opLdw      = 3
	opLdbx     = 4  // reg = packet[imm+R1]
	opLdhx     = 5
	opLdwx     = 6
	opAdd      = 7  // R0 op= imm, or op= R1 if reg bit set (no imm)
	opMul      = 8
	opDiv      = 9
	opAnd      = 10
	opOr       = 11
	opSh       = 12 // signed imm, negative shifts right
	opLi       = 13 // reg = signed imm
	opJmp      = 14 // reg bit set marks the inline data pseudo instruction
	opJeq      = 15 // compare R0 with imm, or with R1 if reg bit set
	opJne      = 16
	opJgt      = 17
	opJlt      = 18
	opJset     = 19
	opJbs      = 20 // bytes at packet[R0]; reg bit 0 = jump if no pattern matches
	opExt      = 21 // first imm selects the extended opcode
	opLddw     = 22 // reg = 4 data region bytes at imm+R1 (v4+)
	opStdw     = 23
	opWrite    = 24 // write 1/2/4 byte literal into the transmit buffer (v6)
)

// Extended opcodes, carried as the first immediate of an opExt instruction.
// The two level scheme keeps the 5 bit primary space from being exhausted
// as the v6 dialect grows.
const (
	extLdm       = 0  // 0-15: load memory slot n
	extStm       = 16 // 16-31: store memory slot n-16
	extNot       = 32
	extNeg       = 33
	extSwap      = 34
	extMov       = 35 // reg bit is the destination
	extAllocate  = 36
	extTransmit  = 37 // reg bit set = UDP checksum
	extWrite1    = 38 // write register, reg bit selects R0/R1
	extWrite2    = 39
	extWrite4    = 40
	extCopy      = 41 // imms src,len; reg bit 0 = data region, 1 = packet
	extCopyR0    = 42 // src offset in R0; len imm, or R1 when the imm is 0
	extDnsQ      = 43 // reg bit 1 = jump if contains, 0 = jump if not
	extDnsA      = 44
	extDnsQSafe  = 45
	extDnsASafe  = 46
	extJoneof    = 47 // header byte packs polarity, member count and width
)

// Operand ceilings checked at build time.
const (
	maxProgramSizeLimit = 65535
	maxMatchBytes       = 2048
	maxDNSOperand       = 2048
	maxOneOfValues      = 32
	maxCopyLen          = 255
	maxCopySrcOffset    = 65535
	maxAllocateLen      = 65535
	maxCounterNum       = 65535
)
