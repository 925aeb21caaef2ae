package apfc

import (
	"github.com/pkg/errors"
)

// DNS needle operands are one or more names, each encoded as length
// prefixed labels terminated by a zero length label, concatenated back to
// back. A name consisting of the single byte 0xFF is the unbounded
// wildcard and carries no terminator.
const (
	dnsWildcard = 0xff
	maxDNSLabel = 63
)

// validLabelByte is the allow-list for DNS label content. Lowercase
// letters, digits, hyphen and underscore, plus '%' which is a legal mDNS
// subtype byte. Uppercase is rejected so callers normalize case before
// encoding; '.' inside a label is always malformed.
func validLabelByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_' || b == '%':
		return true
	}
	return false
}

// validateNames checks a raw needle operand. Every failure is a build
// time error at the offending builder call.
func validateNames(names []byte) error {
	if len(names) == 0 {
		return errors.New("empty DNS needle operand")
	}
	if len(names) > maxDNSOperand {
		return errors.Errorf("DNS needle operand length %d exceeds %d", len(names), maxDNSOperand)
	}
	pos := 0
	for pos < len(names) {
		if names[pos] == dnsWildcard {
			// wildcard must stand alone as an entire name
			pos++
			continue
		}
		labels := 0
		for {
			if pos >= len(names) {
				return errors.New("DNS name lacks the zero length terminator")
			}
			l := int(names[pos])
			pos++
			if l == 0 {
				if labels == 0 {
					return errors.New("zero length label before the terminator")
				}
				break
			}
			if l == dnsWildcard {
				return errors.Errorf("wildcard byte inside a name at offset %d", pos-1)
			}
			if l > maxDNSLabel {
				return errors.Errorf("label length %d exceeds %d", l, maxDNSLabel)
			}
			if pos+l > len(names) {
				return errors.Errorf("label at offset %d runs past the operand", pos-1)
			}
			for _, b := range names[pos : pos+l] {
				if !validLabelByte(b) {
					return errors.Errorf("invalid byte %#02x in label at offset %d", b, pos-1)
				}
			}
			pos += l
			labels++
		}
	}
	return nil
}

// needle is one parsed name of a needle operand.
type needle struct {
	wildcard bool
	labels   [][]byte
}

// parseNeedles splits a needle operand. The operand was validated at
// build time, but programs arriving from elsewhere are parsed
// defensively: a malformed tail is ignored.
func parseNeedles(names []byte) []needle {
	var needles []needle
	pos := 0
	for pos < len(names) {
		if names[pos] == dnsWildcard {
			needles = append(needles, needle{wildcard: true})
			pos++
			continue
		}
		var n needle
		for pos < len(names) {
			l := int(names[pos])
			pos++
			if l == 0 {
				break
			}
			if l > maxDNSLabel || pos+l > len(names) {
				return needles
			}
			n.labels = append(n.labels, names[pos:pos+l])
			pos += l
		}
		if len(n.labels) > 0 {
			needles = append(needles, n)
		}
	}
	return needles
}

func needleMatches(needles []needle, labels [][]byte) bool {
	for _, n := range needles {
		if n.wildcard {
			return true
		}
		if len(n.labels) != len(labels) {
			continue
		}
		same := true
		for i := range labels {
			if !labelEqualFold(n.labels[i], labels[i]) {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

// labelEqualFold compares a needle label (always lowercase) against a
// packet label, ASCII case insensitively: DNS names compare caseless.
func labelEqualFold(needle, packet []byte) bool {
	if len(needle) != len(packet) {
		return false
	}
	for i := range needle {
		b := packet[i]
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		if needle[i] != b {
			return false
		}
	}
	return true
}

// parsePacketName walks one possibly compressed name starting at off.
// next is the position just past the name in the un-jumped stream. The
// safe mode only follows pointers that move strictly backwards; the
// unsafe mode follows any in-bounds pointer up to a jump budget.
func parsePacketName(pkt []byte, off int, safe bool) (labels [][]byte, next int, ok bool) {
	cur := off
	jumped := false
	jumps := 0
	next = -1
	for {
		if cur < 0 || cur >= len(pkt) {
			return labels, next, false
		}
		b := pkt[cur]
		switch {
		case b == 0:
			if !jumped {
				next = cur + 1
			}
			return labels, next, true

		case b&0xc0 == 0xc0:
			if cur+1 >= len(pkt) {
				return labels, next, false
			}
			target := int(b&0x3f)<<8 | int(pkt[cur+1])
			if !jumped {
				next = cur + 2
			}
			jumped = true
			jumps++
			if target >= len(pkt) {
				return labels, next, false
			}
			if safe && target >= cur {
				return labels, next, false
			}
			if jumps > 255 {
				return labels, next, false
			}
			cur = target

		case b&0xc0 != 0:
			return labels, next, false

		default:
			l := int(b)
			if cur+1+l > len(pkt) || len(labels) >= 255 {
				return labels, next, false
			}
			labels = append(labels, pkt[cur+1:cur+1+l])
			cur += 1 + l
		}
	}
}

// dnsContains evaluates a question or answer containment match over the
// DNS message at hdrOff. corrupt reports that the walk hit a malformed
// structure; matched then covers only what parsed before the corruption.
func dnsContains(pkt []byte, hdrOff int, names []byte, question bool, qtype int, safe bool) (matched, corrupt bool) {
	needles := parseNeedles(names)

	if hdrOff < 0 || hdrOff+12 > len(pkt) {
		return false, true
	}
	qdcount := int(pkt[hdrOff+4])<<8 | int(pkt[hdrOff+5])
	ancount := int(pkt[hdrOff+6])<<8 | int(pkt[hdrOff+7])
	off := hdrOff + 12

	for i := 0; i < qdcount; i++ {
		labels, next, ok := parsePacketName(pkt, off, safe)
		if ok && next+4 > len(pkt) {
			ok = false
		}
		if !ok {
			if question && !matched {
				matched = needleMatches(needles, labels)
			}
			return matched, true
		}
		if question {
			qt := int(pkt[next])<<8 | int(pkt[next+1])
			if (qtype == 0xff || qt == qtype) && needleMatches(needles, labels) {
				matched = true
			}
		}
		off = next + 4
	}
	if question {
		return matched, false
	}

	for i := 0; i < ancount; i++ {
		labels, next, ok := parsePacketName(pkt, off, safe)
		if ok && next+10 > len(pkt) {
			ok = false
		}
		if !ok {
			if !matched {
				matched = needleMatches(needles, labels)
			}
			return matched, true
		}
		if needleMatches(needles, labels) {
			matched = true
		}
		rdlen := int(pkt[next+8])<<8 | int(pkt[next+9])
		off = next + 10 + rdlen
		if off > len(pkt) {
			return matched, true
		}
	}
	return matched, false
}

// EncodeDNSNames builds a needle operand from dotted names. The name "*"
// encodes the unbounded wildcard byte.
func EncodeDNSNames(names []string) ([]byte, error) {
	if len(names) == 0 {
		return nil, errors.New("no names given")
	}
	var out []byte
	for _, name := range names {
		if name == "*" {
			out = append(out, dnsWildcard)
			continue
		}
		if name == "" {
			return nil, errors.New("empty name")
		}
		start := 0
		for i := 0; i <= len(name); i++ {
			if i < len(name) && name[i] != '.' {
				continue
			}
			label := name[start:i]
			if len(label) == 0 {
				return nil, errors.Errorf("empty label in %q", name)
			}
			if len(label) > maxDNSLabel {
				return nil, errors.Errorf("label %q exceeds %d bytes", label, maxDNSLabel)
			}
			out = append(out, byte(len(label)))
			out = append(out, label...)
			start = i + 1
		}
		out = append(out, 0)
	}
	if err := validateNames(out); err != nil {
		return nil, err
	}
	return out, nil
}
