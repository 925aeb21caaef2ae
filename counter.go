package apfc

import (
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"
)

// Counter names a telemetry slot in the data region that lives in
// interpreter memory immediately after program memory. Each counter
// occupies a fixed 8 byte little-endian slot at offset counter*8,
// identically in every dialect. Counter capable instructions carry the
// counter number as their immediate.
//
// The first two counters are written by the interpreter itself, never by
// generated code: slot 0 is the program identity slot (byte 0 holds the
// endianness marker, byte 3 flags an active v6 interpreter), slot 1 holds
// the interpreter dialect.
type Counter int

const (
	CounterApfProgramID Counter = iota
	CounterApfVersion
	CounterTotalPackets
	CounterPassedArp
	CounterPassedDhcp
	CounterPassedIPv4
	CounterPassedIPv6NonICMP
	CounterPassedIPv4Unicast
	CounterPassedIPv6ICMP
	CounterPassedIPv6UnicastNonICMP
	CounterPassedArpUnicastReply
	CounterPassedNonIPUnicast
	CounterPassedMdns
	CounterDroppedEthBroadcast
	CounterDroppedRa
	CounterDroppedGarpReply
	CounterDroppedArpOtherHost
	CounterDroppedIPv4L2Broadcast
	CounterDroppedIPv4BroadcastAddr
	CounterDroppedIPv4BroadcastNet
	CounterDroppedIPv4Multicast
	CounterDroppedIPv6RouterSolicitation
	CounterDroppedIPv6MulticastNA
	CounterDroppedIPv6Multicast
	CounterDroppedIPv6MulticastPing
	CounterDroppedIPv6NonICMPMulticast
	CounterDropped8023Frame
	CounterDroppedEthertypeDenylisted
	CounterDroppedArpReplySpaNoHost
	CounterDroppedIPv4KeepaliveAck
	CounterDroppedIPv6KeepaliveAck
	CounterDroppedIPv4NattKeepalive
	CounterDroppedMdns
	CounterCorruptDNSPacket

	numCounters
)

// counterSlotSize is the width of one counter slot in the data region.
const counterSlotSize = 8

var counterNames = map[Counter]string{
	CounterApfProgramID:                  "APF_PROGRAM_ID",
	CounterApfVersion:                    "APF_VERSION",
	CounterTotalPackets:                  "TOTAL_PACKETS",
	CounterPassedArp:                     "PASSED_ARP",
	CounterPassedDhcp:                    "PASSED_DHCP",
	CounterPassedIPv4:                    "PASSED_IPV4",
	CounterPassedIPv6NonICMP:             "PASSED_IPV6_NON_ICMP",
	CounterPassedIPv4Unicast:             "PASSED_IPV4_UNICAST",
	CounterPassedIPv6ICMP:                "PASSED_IPV6_ICMP",
	CounterPassedIPv6UnicastNonICMP:      "PASSED_IPV6_UNICAST_NON_ICMP",
	CounterPassedArpUnicastReply:         "PASSED_ARP_UNICAST_REPLY",
	CounterPassedNonIPUnicast:            "PASSED_NON_IP_UNICAST",
	CounterPassedMdns:                    "PASSED_MDNS",
	CounterDroppedEthBroadcast:           "DROPPED_ETH_BROADCAST",
	CounterDroppedRa:                     "DROPPED_RA",
	CounterDroppedGarpReply:              "DROPPED_GARP_REPLY",
	CounterDroppedArpOtherHost:           "DROPPED_ARP_OTHER_HOST",
	CounterDroppedIPv4L2Broadcast:        "DROPPED_IPV4_L2_BROADCAST",
	CounterDroppedIPv4BroadcastAddr:      "DROPPED_IPV4_BROADCAST_ADDR",
	CounterDroppedIPv4BroadcastNet:       "DROPPED_IPV4_BROADCAST_NET",
	CounterDroppedIPv4Multicast:          "DROPPED_IPV4_MULTICAST",
	CounterDroppedIPv6RouterSolicitation: "DROPPED_IPV6_ROUTER_SOLICITATION",
	CounterDroppedIPv6MulticastNA:        "DROPPED_IPV6_MULTICAST_NA",
	CounterDroppedIPv6Multicast:          "DROPPED_IPV6_MULTICAST",
	CounterDroppedIPv6MulticastPing:      "DROPPED_IPV6_MULTICAST_PING",
	CounterDroppedIPv6NonICMPMulticast:   "DROPPED_IPV6_NON_ICMP_MULTICAST",
	CounterDropped8023Frame:              "DROPPED_802_3_FRAME",
	CounterDroppedEthertypeDenylisted:    "DROPPED_ETHERTYPE_DENYLISTED",
	CounterDroppedArpReplySpaNoHost:      "DROPPED_ARP_REPLY_SPA_NO_HOST",
	CounterDroppedIPv4KeepaliveAck:       "DROPPED_IPV4_KEEPALIVE_ACK",
	CounterDroppedIPv6KeepaliveAck:       "DROPPED_IPV6_KEEPALIVE_ACK",
	CounterDroppedIPv4NattKeepalive:      "DROPPED_IPV4_NATT_KEEPALIVE",
	CounterDroppedMdns:                   "DROPPED_MDNS",
	CounterCorruptDNSPacket:              "CORRUPT_DNS_PACKET",
}

func (c Counter) String() string {
	if name, ok := counterNames[c]; ok {
		return name
	}
	return "COUNTER_" + strconv.Itoa(int(c))
}

// Offset returns the counter's byte offset inside the data region.
func (c Counter) Offset() int {
	return int(c) * counterSlotSize
}

// CounterRegionSize is the data region size needed to hold every named
// counter, for sizing interpreter memory.
func CounterRegionSize() int {
	return int(numCounters) * counterSlotSize
}

// ParseCounters decodes a raw data region buffer into the accumulated
// value of every active counter. The two interpreter-owned leading slots
// are skipped, as are slots that never counted.
func ParseCounters(data []byte) (map[Counter]uint64, error) {
	if len(data)%counterSlotSize != 0 {
		return nil, errors.Errorf("data region length %d is not a multiple of %d", len(data), counterSlotSize)
	}
	counters := make(map[Counter]uint64)
	for c := CounterTotalPackets; c < numCounters; c++ {
		off := c.Offset()
		if off+counterSlotSize > len(data) {
			break
		}
		if v := binary.LittleEndian.Uint64(data[off:]); v != 0 {
			counters[c] = v
		}
	}
	return counters, nil
}
