// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"encoding/binary"

	"grimm.is/breakwater/internal/engine/types"
)

// Ethernet and IP constants used by the frame decoder.
const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
	ethHeaderLen  = 14
	vlanTagLen    = 4
	ipv6HeaderLen = 40
	tcpFlagSYN    = 0x02
	tcpFlagACK    = 0x10
)

// Packet is the decoded view of a frame the classifier works from. Only
// the fields the decision pipeline needs are extracted.
type Packet struct {
	Key   types.FlowKey
	Len   uint16
	IsSyn bool

	IPv6  bool
	SrcV6 [16]byte
	DstV6 [16]byte

	// Fragment is set for non-first IPv4 fragments, which carry no L4
	// header; their ports are zero.
	Fragment bool
}

// Parse decodes an Ethernet frame down to the transport ports. Every
// access is bounds-checked against the frame; any structural problem
// returns ok=false and the caller treats the frame as unclassifiable.
// At most two VLAN tags are unwrapped.
func Parse(frame []byte) (Packet, bool) {
	var p Packet
	if len(frame) < ethHeaderLen {
		return p, false
	}
	p.Len = uint16(len(frame))

	etherType := binary.BigEndian.Uint16(frame[12:14])
	off := ethHeaderLen
	for i := 0; i < 2 && (etherType == etherTypeVLAN || etherType == etherTypeQinQ); i++ {
		if len(frame) < off+vlanTagLen {
			return p, false
		}
		etherType = binary.BigEndian.Uint16(frame[off+2 : off+4])
		off += vlanTagLen
	}

	switch etherType {
	case etherTypeIPv4:
		return parseIPv4(p, frame, off)
	case etherTypeIPv6:
		return parseIPv6(p, frame, off)
	default:
		// Non-IP traffic (ARP and friends) is not ours to judge.
		return p, false
	}
}

func parseIPv4(p Packet, frame []byte, off int) (Packet, bool) {
	if len(frame) < off+20 {
		return p, false
	}
	vihl := frame[off]
	if vihl>>4 != 4 {
		return p, false
	}
	ihl := int(vihl&0x0f) * 4
	if ihl < 20 || len(frame) < off+ihl {
		return p, false
	}

	p.Key.Proto = frame[off+9]
	p.Key.SrcIP = binary.BigEndian.Uint32(frame[off+12 : off+16])
	p.Key.DstIP = binary.BigEndian.Uint32(frame[off+16 : off+20])

	// Fragment offset nonzero means this is not the first fragment and
	// the transport header lives in another packet.
	fragField := binary.BigEndian.Uint16(frame[off+6 : off+8])
	if fragField&0x1fff != 0 {
		p.Fragment = true
		return p, true
	}

	return parseTransport(p, frame, off+ihl)
}

func parseIPv6(p Packet, frame []byte, off int) (Packet, bool) {
	if len(frame) < off+ipv6HeaderLen {
		return p, false
	}
	if frame[off]>>4 != 6 {
		return p, false
	}

	p.IPv6 = true
	copy(p.SrcV6[:], frame[off+8:off+24])
	copy(p.DstV6[:], frame[off+24:off+40])
	p.Key.Proto = frame[off+6]

	// Extension headers are not walked; flows behind them classify on
	// addresses alone.
	switch p.Key.Proto {
	case types.ProtoTCP, types.ProtoUDP:
		return parseTransport(p, frame, off+ipv6HeaderLen)
	default:
		return p, true
	}
}

func parseTransport(p Packet, frame []byte, off int) (Packet, bool) {
	switch p.Key.Proto {
	case types.ProtoTCP:
		if len(frame) < off+14 {
			return p, false
		}
		p.Key.SrcPort = binary.BigEndian.Uint16(frame[off : off+2])
		p.Key.DstPort = binary.BigEndian.Uint16(frame[off+2 : off+4])
		flags := frame[off+13]
		p.IsSyn = flags&tcpFlagSYN != 0 && flags&tcpFlagACK == 0
	case types.ProtoUDP:
		if len(frame) < off+8 {
			return p, false
		}
		p.Key.SrcPort = binary.BigEndian.Uint16(frame[off : off+2])
		p.Key.DstPort = binary.BigEndian.Uint16(frame[off+2 : off+4])
	}
	return p, true
}
