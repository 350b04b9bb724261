// Package packet walks an already-owned packet buffer and classifies its
// protocol stack: Ethernet/VLAN/MPLS/PBB headers, the L3 header (IPv4 or
// IPv6, with its extension-header bitmap), and the L4 header. The
// classification feeds the pipeline's OXM field extraction; no packet is
// ever read from a live socket here (packet I/O is an external
// capability, see the iface package).
package packet

import (
	"encoding/binary"

	"github.com/lagopus-go/dpcore/ofp"
)

const (
	etherTypeVLAN    = 0x8100
	etherTypeQinQ    = 0x88a8
	etherTypeMPLSUC  = 0x8847
	etherTypeMPLSMC  = 0x8848
	etherTypePBB     = 0x88e7
	etherTypeIPv4    = 0x0800
	etherTypeIPv6    = 0x86dd
	etherTypeARP     = 0x0806

	ipProtoICMPv4 = 1
	ipProtoTCP    = 6
	ipProtoUDP    = 17
	ipProtoSCTP   = 132
	ipProtoICMPv6 = 58

	ipv6HopByHop  = 0
	ipv6Routing   = 43
	ipv6Fragment  = 44
	ipv6ESP       = 50
	ipv6AuthHdr   = 51
	ipv6Dest      = 60
	ipv6NoNextHdr = 59
)

// View wraps a packet buffer owned by the caller. Classify never copies
// or mutates it; fields in a Classification are either value types or
// slices aliasing into View.Data.
type View struct {
	Data []byte
}

// Classification is the result of walking a packet's header stack.
type Classification struct {
	EthDst, EthSrc [6]byte
	EtherType      uint16

	HasVLAN    bool
	VlanID     uint16
	VlanPCP    uint8
	VLANOffset int

	HasMPLS    bool
	MPLSLabel  uint32
	MPLSTC     uint8
	MPLSBOS    bool
	MPLSOffset int

	HasPBB  bool
	PBBISID uint32

	IPVersion uint8
	IPProto   uint8
	IPDSCP    uint8
	IPECN     uint8

	IPv6FlowLabel uint32

	IPv4Src, IPv4Dst [4]byte

	IPv6Src, IPv6Dst [16]byte
	IPv6ExtHeaders   ofp.IPv6ExtensionHeader

	ARPOpcode uint16
	ARPSPA    [4]byte
	ARPTPA    [4]byte
	ARPSHA    [6]byte
	ARPTHA    [6]byte

	HasL4    bool
	TCPSrc   uint16
	TCPDst   uint16
	UDPSrc   uint16
	UDPDst   uint16
	SCTPSrc  uint16
	SCTPDst  uint16
	ICMPType uint8
	ICMPCode uint8

	HasNDTarget bool
	NDTarget    [16]byte
	HasNDSLL    bool
	NDSLL       [6]byte
	HasNDTLL    bool
	NDTLL       [6]byte

	// L3Offset/L4Offset index into the originating View.Data; pipeline
	// actions that rewrite header fields in place (e.g. SET_FIELD,
	// DEC_TTL) use them rather than re-walking the stack.
	L3Offset int
	L4Offset int
}

// Classify walks v.Data's header stack and returns the fields the
// pipeline's match/action code needs. It returns as much as it can parse;
// a short or malformed buffer simply yields a Classification with later
// fields left zero, matching the original dataplane's "best effort"
// classification under malformed input.
func Classify(v View) Classification {
	var c Classification
	d := v.Data

	if len(d) < 14 {
		return c
	}
	copy(c.EthDst[:], d[0:6])
	copy(c.EthSrc[:], d[6:12])
	etherType := binary.BigEndian.Uint16(d[12:14])
	off := 14

	for etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(d) < off+4 {
			c.EtherType = etherType
			return c
		}
		tci := binary.BigEndian.Uint16(d[off : off+2])
		if !c.HasVLAN {
			c.HasVLAN = true
			c.VlanID = tci & 0x0fff
			c.VlanPCP = uint8(tci >> 13)
			c.VLANOffset = off
		}
		etherType = binary.BigEndian.Uint16(d[off+2 : off+4])
		off += 4
	}

	if etherType == etherTypePBB {
		if len(d) < off+6 {
			c.EtherType = etherType
			return c
		}
		isid := uint32(d[off+1])<<16 | uint32(d[off+2])<<8 | uint32(d[off+3])
		c.HasPBB = true
		c.PBBISID = isid
		off += 6
		if len(d) < off+12 {
			return c
		}
		off += 12
		etherType = binary.BigEndian.Uint16(d[off : off+2])
		off += 2
	}

	for etherType == etherTypeMPLSUC || etherType == etherTypeMPLSMC {
		if len(d) < off+4 {
			c.EtherType = etherType
			return c
		}
		word := binary.BigEndian.Uint32(d[off : off+4])
		label := word >> 12
		tc := uint8((word >> 9) & 0x7)
		bos := word&0x100 != 0
		if !c.HasMPLS {
			c.HasMPLS = true
			c.MPLSLabel = label
			c.MPLSTC = tc
			c.MPLSBOS = bos
			c.MPLSOffset = off
		}
		off += 4
		if bos {
			break
		}
	}

	c.EtherType = etherType
	c.L3Offset = off

	switch etherType {
	case etherTypeIPv4:
		classifyIPv4(d, off, &c)
	case etherTypeIPv6:
		classifyIPv6(d, off, &c)
	case etherTypeARP:
		classifyARP(d, off, &c)
	case etherTypeMPLSUC, etherTypeMPLSMC:
		// The label stack carries no payload type; peek at the first
		// nibble behind the stack (draft-hsmit-mpls heuristic).
		if len(d) > off {
			switch d[off] >> 4 {
			case 4:
				classifyIPv4(d, off, &c)
			case 6:
				classifyIPv6(d, off, &c)
			}
		}
	}

	return c
}

func classifyIPv4(d []byte, off int, c *Classification) {
	if len(d) < off+20 {
		return
	}
	c.IPVersion = 4
	ihl := int(d[off]&0x0f) * 4
	tos := d[off+1]
	c.IPDSCP = tos >> 2
	c.IPECN = tos & 0x3
	c.IPProto = d[off+9]
	copy(c.IPv4Src[:], d[off+12:off+16])
	copy(c.IPv4Dst[:], d[off+16:off+20])

	if ihl < 20 {
		ihl = 20
	}
	l4 := off + ihl
	c.L4Offset = l4
	classifyL4(d, l4, c.IPProto, c)
}

func classifyIPv6(d []byte, off int, c *Classification) {
	if len(d) < off+40 {
		return
	}
	c.IPVersion = 6
	word0 := binary.BigEndian.Uint32(d[off : off+4])
	c.IPDSCP = uint8((word0 >> 22) & 0x3f)
	c.IPECN = uint8((word0 >> 20) & 0x3)
	c.IPv6FlowLabel = word0 & 0xfffff
	copy(c.IPv6Src[:], d[off+8:off+24])
	copy(c.IPv6Dst[:], d[off+24:off+40])

	nextHdr := d[off+6]
	cur := off + 40

	for {
		switch nextHdr {
		case ipv6HopByHop:
			// Hop-by-hop is only legal directly after the fixed header.
			if c.IPv6ExtHeaders != 0 {
				c.IPv6ExtHeaders |= ofp.IPv6ExtensionHeaderUnseq
			}
			c.IPv6ExtHeaders |= ofp.IPv6ExtensionHeaderHop
		case ipv6Routing:
			c.IPv6ExtHeaders |= ofp.IPv6ExtensionHeaderRouter
		case ipv6Fragment:
			c.IPv6ExtHeaders |= ofp.IPv6ExtensionHeaderFrag
		case ipv6ESP:
			// ESP payload is opaque; nothing past it can be parsed.
			c.IPv6ExtHeaders |= ofp.IPv6ExtensionHeaderESP
			c.IPProto = nextHdr
			return
		case ipv6AuthHdr:
			c.IPv6ExtHeaders |= ofp.IPv6ExtensionHeaderAuth
		case ipv6Dest:
			if c.IPv6ExtHeaders&ofp.IPv6ExtensionHeaderDest != 0 {
				c.IPv6ExtHeaders |= ofp.IPv6ExtensionHeaderUnrep
			}
			c.IPv6ExtHeaders |= ofp.IPv6ExtensionHeaderDest
		case ipv6NoNextHdr:
			c.IPv6ExtHeaders |= ofp.IPv6ExtensionHeaderNoNext
			c.IPProto = nextHdr
			return
		default:
			c.IPProto = nextHdr
			c.L4Offset = cur
			classifyL4(d, cur, nextHdr, c)
			return
		}

		if len(d) < cur+2 {
			c.IPv6ExtHeaders |= ofp.IPv6ExtensionHeaderUnseq
			return
		}
		hdr := nextHdr
		extLen := int(d[cur+1])
		nextHdr = d[cur]
		if hdr == ipv6AuthHdr {
			// AH counts its length in 4-byte units, offset by two.
			cur += (extLen + 2) * 4
		} else {
			cur += 8 + extLen*8
		}
	}
}

func classifyL4(d []byte, off int, proto uint8, c *Classification) {
	switch proto {
	case ipProtoTCP:
		if len(d) < off+4 {
			return
		}
		c.HasL4 = true
		c.TCPSrc = binary.BigEndian.Uint16(d[off : off+2])
		c.TCPDst = binary.BigEndian.Uint16(d[off+2 : off+4])
	case ipProtoUDP:
		if len(d) < off+4 {
			return
		}
		c.HasL4 = true
		c.UDPSrc = binary.BigEndian.Uint16(d[off : off+2])
		c.UDPDst = binary.BigEndian.Uint16(d[off+2 : off+4])
	case ipProtoSCTP:
		if len(d) < off+4 {
			return
		}
		c.HasL4 = true
		c.SCTPSrc = binary.BigEndian.Uint16(d[off : off+2])
		c.SCTPDst = binary.BigEndian.Uint16(d[off+2 : off+4])
	case ipProtoICMPv4, ipProtoICMPv6:
		if len(d) < off+2 {
			return
		}
		c.HasL4 = true
		c.ICMPType = d[off]
		c.ICMPCode = d[off+1]
		if proto == ipProtoICMPv6 {
			classifyND(d, off, c)
		}
	}
}

const (
	icmpv6NeighborSolicit = 135
	icmpv6NeighborAdvert  = 136
	ndOptSourceLinkAddr   = 1
	ndOptTargetLinkAddr   = 2
)

// classifyND walks a neighbor solicitation/advertisement body to locate
// the target address and the source/target link-layer address options.
func classifyND(d []byte, off int, c *Classification) {
	if c.ICMPType != icmpv6NeighborSolicit && c.ICMPType != icmpv6NeighborAdvert {
		return
	}
	if len(d) < off+24 {
		return
	}
	c.HasNDTarget = true
	copy(c.NDTarget[:], d[off+8:off+24])

	cur := off + 24
	for len(d) >= cur+2 {
		optType := d[cur]
		optLen := int(d[cur+1]) * 8
		if optLen == 0 || len(d) < cur+optLen {
			return
		}
		if optLen >= 8 {
			switch optType {
			case ndOptSourceLinkAddr:
				c.HasNDSLL = true
				copy(c.NDSLL[:], d[cur+2:cur+8])
			case ndOptTargetLinkAddr:
				c.HasNDTLL = true
				copy(c.NDTLL[:], d[cur+2:cur+8])
			}
		}
		cur += optLen
	}
}

func classifyARP(d []byte, off int, c *Classification) {
	if len(d) < off+28 {
		return
	}
	c.ARPOpcode = binary.BigEndian.Uint16(d[off+6 : off+8])
	copy(c.ARPSHA[:], d[off+8:off+14])
	copy(c.ARPSPA[:], d[off+14:off+18])
	copy(c.ARPTHA[:], d[off+18:off+24])
	copy(c.ARPTPA[:], d[off+24:off+28])
}
