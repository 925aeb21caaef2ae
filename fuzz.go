// +build gofuzz

// Use with https://github.com/dvyukov/go-fuzz
package apfc

import (
	"fmt"
)

func Fuzz(data []byte) int {
	// data needs to be split into a program and a packet.
	// Use the first byte as the program length, and the remainder after
	// the program as the packet.
	if len(data) < 1 {
		return -1
	}
	progLen := int(data[0])
	data = data[1:]

	if progLen > len(data) {
		return -1
	}
	program := data[:progLen]
	pkt := data[progLen:]

	// Need at least 14 bytes of packet.
	if len(pkt) < 14 {
		t := make([]byte, 14)
		copy(t, pkt)
		pkt = t
	}

	in, err := NewInterpreter(program, progLen+CounterRegionSize(), V6)
	if err != nil {
		return -1
	}

	// The interpreter must never panic; runtime faults on arbitrary
	// programs fail open rather than erroring.
	verdict, err := in.Run(pkt, 0)
	if err != nil {
		return 0
	}
	if verdict != Pass && verdict != Drop {
		panic(fmt.Sprintf("invalid verdict %d", verdict))
	}
	return 1
}
