package apfc

import (
	"bytes"
	"testing"
)

func TestValidateNames(t *testing.T) {
	t.Parallel()

	valid := [][]byte{
		{3, 'f', 'o', 'o', 5, 'l', 'o', 'c', 'a', 'l', 0},
		{1, '%', 4, '_', 't', 'c', 'p', 0},
		// the bare wildcard byte is a complete name with no terminator
		{0xff},
		// wildcard plus a regular name
		{0xff, 3, 'f', 'o', 'o', 0},
		{2, '-', '_', 0},
	}
	for _, names := range valid {
		if err := validateNames(names); err != nil {
			t.Errorf("%v rejected: %v", names, err)
		}
	}

	invalid := []struct {
		names []byte
		why   string
	}{
		{nil, "empty operand"},
		{[]byte{3, 'f', 'o', 'o'}, "missing terminator"},
		{[]byte{0}, "empty name"},
		{[]byte{3, 'F', 'o', 'o', 0}, "uppercase label"},
		{[]byte{3, 'f', '.', 'o', 0}, "dot inside label"},
		{[]byte{3, 'f', 'o', 'o', 0xff, 0}, "wildcard inside a name"},
		{[]byte{64}, "label over 63 bytes"},
		{[]byte{5, 'f', 'o', 'o', 0}, "label runs past operand"},
		{bytes.Repeat([]byte{1, 'a'}, 1025), "operand over the ceiling"},
	}
	for _, c := range invalid {
		if err := validateNames(c.names); err == nil {
			t.Errorf("%s accepted", c.why)
		}
	}
}

func TestEncodeDNSNames(t *testing.T) {
	t.Parallel()

	names, err := EncodeDNSNames([]string{"foo.local", "*"})
	if err != nil {
		t.Fatal(err)
	}
	expected := []byte{3, 'f', 'o', 'o', 5, 'l', 'o', 'c', 'a', 'l', 0, 0xff}
	if !bytes.Equal(names, expected) {
		t.Fatalf("got %v, expected %v", names, expected)
	}

	for _, bad := range [][]string{
		nil,
		{""},
		{"foo..local"},
		{"Foo.local"},
		{"foo.local."},
	} {
		if _, err := EncodeDNSNames(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

// dnsQuery builds a DNS message with the given questions, each a pair of
// an encoded name and a qtype.
func dnsQuery(names [][]byte, qtypes []uint16) []byte {
	pkt := []byte{0, 0, 0, 0, 0, byte(len(names)), 0, 0, 0, 0, 0, 0}
	for i, name := range names {
		pkt = append(pkt, name...)
		pkt = append(pkt, byte(qtypes[i]>>8), byte(qtypes[i]), 0, 1)
	}
	return pkt
}

func encodeName(t *testing.T, name string) []byte {
	t.Helper()

	b, err := EncodeDNSNames([]string{name})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDNSQuestionMatch(t *testing.T) {
	t.Parallel()

	needles := encodeName(t, "_googlecast._tcp.local")

	match := dnsQuery([][]byte{encodeName(t, "_googlecast._tcp.local")}, []uint16{12})
	other := dnsQuery([][]byte{encodeName(t, "_airplay._tcp.local")}, []uint16{12})

	if matched, corrupt := dnsContains(match, 0, needles, true, 12, false); !matched || corrupt {
		t.Errorf("matching question: matched=%v corrupt=%v", matched, corrupt)
	}
	if matched, _ := dnsContains(other, 0, needles, true, 12, false); matched {
		t.Error("non matching question matched")
	}
	// qtype must agree unless the any marker is used
	if matched, _ := dnsContains(match, 0, needles, true, 16, false); matched {
		t.Error("qtype mismatch matched")
	}
	if matched, _ := dnsContains(match, 0, needles, true, 0xff, false); !matched {
		t.Error("qtype any did not match")
	}
}

// DNS names compare ASCII case insensitively against lowercase needles.
func TestDNSCaseFolding(t *testing.T) {
	t.Parallel()

	needles := encodeName(t, "foo.local")
	pkt := dnsQuery([][]byte{{3, 'F', 'O', 'o', 5, 'L', 'o', 'c', 'a', 'l', 0}}, []uint16{1})

	if matched, _ := dnsContains(pkt, 0, needles, true, 0xff, false); !matched {
		t.Error("mixed case question did not match")
	}
}

func TestDNSWildcard(t *testing.T) {
	t.Parallel()

	pkt := dnsQuery([][]byte{encodeName(t, "anything.example")}, []uint16{1})
	if matched, _ := dnsContains(pkt, 0, []byte{0xff}, true, 0xff, false); !matched {
		t.Error("wildcard needle did not match")
	}
}

func TestDNSCompression(t *testing.T) {
	t.Parallel()

	// question 1 spells out foo.local, question 2 is a pointer back to
	// the "local" suffix at offset 16 prefixed with "bar"
	pkt := []byte{
		0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0,
		3, 'f', 'o', 'o', 5, 'l', 'o', 'c', 'a', 'l', 0, 0, 1, 0, 1,
		3, 'b', 'a', 'r', 0xc0, 16, 0, 1, 0, 1,
	}

	needles := encodeName(t, "bar.local")
	for _, safe := range []bool{false, true} {
		if matched, corrupt := dnsContains(pkt, 0, needles, true, 0xff, safe); !matched || corrupt {
			t.Errorf("safe=%v: matched=%v corrupt=%v", safe, matched, corrupt)
		}
	}
}

// A pointer that moves forward is legal for the unbounded traversal but a
// corruption for the safe one.
func TestDNSForwardPointer(t *testing.T) {
	t.Parallel()

	pkt := []byte{
		0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0,
		3, 'b', 'a', 'r', 0xc0, 22, 0, 1, 0, 1,
		5, 'l', 'o', 'c', 'a', 'l', 0,
	}

	needles := encodeName(t, "bar.local")
	if matched, corrupt := dnsContains(pkt, 0, needles, true, 0xff, false); !matched || corrupt {
		t.Errorf("unsafe: matched=%v corrupt=%v", matched, corrupt)
	}
	if matched, corrupt := dnsContains(pkt, 0, needles, true, 0xff, true); matched || !corrupt {
		t.Errorf("safe: matched=%v corrupt=%v", matched, corrupt)
	}
}

// Self referencing pointers terminate via the jump budget instead of
// spinning forever.
func TestDNSPointerLoop(t *testing.T) {
	t.Parallel()

	pkt := []byte{
		0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0,
		0xc0, 12, 0, 1, 0, 1,
	}

	if matched, corrupt := dnsContains(pkt, 0, encodeName(t, "foo"), true, 0xff, false); matched || !corrupt {
		t.Errorf("matched=%v corrupt=%v", matched, corrupt)
	}
}

// An answer walk that hits a bad pointer after a genuine match keeps the
// match for the unbounded traversal.
func TestDNSAnswerCorruptAfterMatch(t *testing.T) {
	t.Parallel()

	pkt := []byte{
		0, 0, 0x84, 0, 0, 0, 0, 2, 0, 0, 0, 0,
		// answer 1: foo.local, rdlen 4
		3, 'f', 'o', 'o', 5, 'l', 'o', 'c', 'a', 'l', 0,
		0, 1, 0, 1, 0, 0, 0, 60, 0, 4, 10, 0, 0, 1,
		// answer 2: pointer past the end of the packet
		0xc0, 0xff,
	}

	needles := encodeName(t, "foo.local")
	matched, corrupt := dnsContains(pkt, 0, needles, false, 0, false)
	if !matched || !corrupt {
		t.Errorf("unsafe: matched=%v corrupt=%v", matched, corrupt)
	}

	matched, corrupt = dnsContains(pkt, 0, needles, false, 0, true)
	if !matched || !corrupt {
		t.Errorf("safe: matched=%v corrupt=%v", matched, corrupt)
	}
}

func TestDNSTruncatedHeader(t *testing.T) {
	t.Parallel()

	if matched, corrupt := dnsContains([]byte{0, 0, 0}, 0, []byte{0xff}, true, 0xff, false); matched || !corrupt {
		t.Errorf("matched=%v corrupt=%v", matched, corrupt)
	}
}
