package apfc

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Disassemble renders a program as one line per instruction:
// "<byte-offset>: <mnemonic>    <operands>", operands space separated,
// byte string operands in hex, multi value sets as "{ a, b, c }". Jumps
// to the reserved trailer addresses render as PASS and DROP.
func Disassemble(program []byte) ([]string, error) {
	var lines []string
	for pc := 0; pc < len(program); {
		d, err := decodeInsn(program, pc)
		if err != nil {
			return nil, err
		}
		lines = append(lines, formatInsn(d, len(program)))
		pc += d.size
	}
	return lines, nil
}

// DisassembleToString is Disassemble joined with newlines, for golden
// output comparison.
func DisassembleToString(program []byte) (string, error) {
	lines, err := Disassemble(program)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func formatInsn(d decodedInsn, programLen int) string {
	mnemonic, operands := insnText(d, programLen)
	if operands == "" {
		return fmt.Sprintf("%d: %s", d.addr, mnemonic)
	}
	return fmt.Sprintf("%d: %-12s%s", d.addr, mnemonic, operands)
}

func regName(r Register) string {
	if r == R1 {
		return "r1"
	}
	return "r0"
}

func targetName(target, programLen int) string {
	switch target {
	case programLen:
		return "PASS"
	case programLen + 1:
		return "DROP"
	}
	return fmt.Sprintf("%d", target)
}

func hexOperand(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// setOperand renders a multi member operand as "{ a, b, c }".
func setOperand(members []string) string {
	return "{ " + strings.Join(members, ", ") + " }"
}

func insnText(d decodedInsn, programLen int) (string, string) {
	imm := func(i int) uint32 {
		if i < len(d.imms) {
			return d.imms[i]
		}
		return 0
	}

	switch d.opcode {
	case opPassDrop:
		m := "pass"
		if d.reg == R1 {
			m = "drop"
		}
		if len(d.imms) > 0 {
			return m, fmt.Sprintf("counter=%d", imm(0))
		}
		return m, ""

	case opLdb, opLdh, opLdw, opLdbx, opLdhx, opLdwx:
		m := [...]string{"ldb", "ldh", "ldw", "ldbx", "ldhx", "ldwx"}[d.opcode-opLdb]
		return m, fmt.Sprintf("%s %d", regName(d.reg), imm(0))

	case opAdd, opMul, opDiv, opAnd, opOr, opSh:
		m := [...]string{"add", "mul", "div", "and", "or", "sh"}[d.opcode-opAdd]
		if d.reg == R1 {
			return m, "r1"
		}
		if d.opcode == opSh {
			// negative shifts only ever use the 4 byte form, so the
			// plain cast is safe at every width
			return m, fmt.Sprintf("%d", int32(imm(0)))
		}
		return m, fmt.Sprintf("%d", imm(0))

	case opLi:
		return "li", fmt.Sprintf("%s %d", regName(d.reg), int32(imm(0)))

	case opJmp:
		if d.reg == R1 {
			return "data", fmt.Sprintf("%d %s", imm(0), hexOperand(d.payload))
		}
		return "jmp", targetName(d.target, programLen)

	case opJeq, opJne, opJgt, opJlt, opJset:
		m := [...]string{"jeq", "jne", "jgt", "jlt", "jset"}[d.opcode-opJeq]
		if d.reg == R1 {
			return m, fmt.Sprintf("r0 r1 %s", targetName(d.target, programLen))
		}
		return m, fmt.Sprintf("r0 %d %s", imm(0), targetName(d.target, programLen))

	case opJbs:
		m := "jbsne"
		if d.reg == R1 {
			m = "jbseq"
		}
		packed := imm(0)
		count := int(packed>>12) + 1
		plen := int(packed & 0xfff)
		var pat string
		if count == 1 {
			pat = hexOperand(d.payload)
		} else {
			members := make([]string, count)
			for i := 0; i < count; i++ {
				members[i] = hexOperand(d.payload[i*plen : (i+1)*plen])
			}
			pat = setOperand(members)
		}
		return m, fmt.Sprintf("r0 %s %s", pat, targetName(d.target, programLen))

	case opLddw:
		return "lddw", fmt.Sprintf("%s %d", regName(d.reg), imm(0))
	case opStdw:
		return "stdw", fmt.Sprintf("%s %d", regName(d.reg), imm(0))

	case opWrite:
		return "write", fmt.Sprintf("%d %d", d.width, imm(0))

	case opExt:
		return extText(d, programLen)
	}

	return fmt.Sprintf("op%d", d.opcode), ""
}

func extText(d decodedInsn, programLen int) (string, string) {
	switch {
	case d.ext >= extLdm && d.ext < extStm:
		return "ldm", fmt.Sprintf("%s m%d", regName(d.reg), d.ext-extLdm)
	case d.ext >= extStm && d.ext < extNot:
		return "stm", fmt.Sprintf("%s m%d", regName(d.reg), d.ext-extStm)
	case d.ext == extNot:
		return "not", ""
	case d.ext == extNeg:
		return "neg", ""
	case d.ext == extSwap:
		return "swap", ""
	case d.ext == extMov:
		return "mov", regName(d.reg)

	case d.ext == extAllocate:
		if d.reg == R1 {
			return "allocate", fmt.Sprintf("%d", d.imms[0])
		}
		return "allocate", "r0"

	case d.ext == extTransmit:
		m := "transmit"
		if d.reg == R1 {
			m = "transmitudp"
		}
		return m, fmt.Sprintf("%d %d %d %d", d.imms[0], d.imms[1], d.imms[2], d.imms[3])

	case d.ext == extWrite1 || d.ext == extWrite2 || d.ext == extWrite4:
		m := [...]string{"ewrite1", "ewrite2", "ewrite4"}[d.ext-extWrite1]
		return m, regName(d.reg)

	case d.ext == extCopy:
		m := "datacopy"
		if d.reg == R1 {
			m = "pktcopy"
		}
		return m, fmt.Sprintf("%d %d", d.imms[0], d.imms[1])

	case d.ext == extCopyR0:
		m := "datacopy"
		if d.reg == R1 {
			m = "pktcopy"
		}
		if d.imms[0] == 0 {
			return m, "r0 r1"
		}
		return m, fmt.Sprintf("r0 %d", d.imms[0])

	case d.ext >= extDnsQ && d.ext <= extDnsASafe:
		var m string
		switch d.ext {
		case extDnsQ:
			m = "jdnsqne"
		case extDnsA:
			m = "jdnsane"
		case extDnsQSafe:
			m = "jdnsqnesafe"
		case extDnsASafe:
			m = "jdnsanesafe"
		}
		if d.reg == R1 {
			m = strings.Replace(m, "ne", "eq", 1)
		}
		if d.ext == extDnsQ || d.ext == extDnsQSafe {
			return m, fmt.Sprintf("r0 %d %s %s", d.imms[0], hexOperand(d.payload), targetName(d.target, programLen))
		}
		return m, fmt.Sprintf("r0 %s %s", hexOperand(d.payload), targetName(d.target, programLen))

	case d.ext == extJoneof:
		hdr := d.imms[0]
		m := "jnoneof"
		if hdr&0x80 != 0 {
			m = "joneof"
		}
		count := int(hdr>>2)&0x1f + 1
		vw := 1 << (hdr & 3)
		members := make([]string, count)
		for i := 0; i < count; i++ {
			var v uint32
			for _, b := range d.payload[i*vw : (i+1)*vw] {
				v = v<<8 | uint32(b)
			}
			members[i] = fmt.Sprintf("%d", v)
		}
		return m, fmt.Sprintf("%s %s %s", regName(d.reg), setOperand(members), targetName(d.target, programLen))
	}

	return fmt.Sprintf("ext%d", d.ext), ""
}
