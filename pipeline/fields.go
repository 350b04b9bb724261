package pipeline

import (
	"encoding/binary"

	"github.com/lagopus-go/dpcore/ofp"
	"github.com/lagopus-go/dpcore/packet"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
	etherTypeIPv6 = 0x86dd

	ipProtoICMPv4 = 1
	ipProtoTCP    = 6
	ipProtoUDP    = 17
	ipProtoICMPv6 = 58
	ipProtoSCTP   = 132

	// vlanPresent is the OFPVID_PRESENT bit: set on the VLAN_VID value
	// of any tagged packet, so a flow matching VLAN_VID 0x0000
	// (OFPVID_NONE) only matches untagged traffic.
	vlanPresent = 0x1000
)

func be16(v uint16) ofp.XMValue {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func be32(v uint32) ofp.XMValue {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func be64(v uint64) ofp.XMValue {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func basic(t ofp.XMType, v ofp.XMValue) ofp.XM {
	return ofp.XM{Class: ofp.XMClassOpenflowBasic, Type: t, Value: v}
}

// Fields flattens a classified packet plus its out-of-band context into
// the OXM field list the flow tables match against. Fields the packet
// does not carry are absent from the list, so a flow requiring them
// will not match.
func Fields(c packet.Classification, oob OOB) []ofp.XM {
	fs := make([]ofp.XM, 0, 24)

	fs = append(fs,
		basic(ofp.XMTypeInPort, be32(uint32(oob.InPort))),
		basic(ofp.XMTypeInPhyPort, be32(uint32(oob.PhyPort()))),
		basic(ofp.XMTypeMetadata, be64(oob.Metadata)),
		basic(ofp.XMTypeTunnelID, be64(oob.TunnelID)),
		basic(ofp.XMTypeEthDst, append(ofp.XMValue(nil), c.EthDst[:]...)),
		basic(ofp.XMTypeEthSrc, append(ofp.XMValue(nil), c.EthSrc[:]...)),
		basic(ofp.XMTypeEthType, be16(c.EtherType)),
	)

	if c.HasVLAN {
		fs = append(fs,
			basic(ofp.XMTypeVlanID, be16(vlanPresent|c.VlanID)),
			basic(ofp.XMTypeVlanPCP, ofp.XMValue{c.VlanPCP}),
		)
	} else {
		fs = append(fs, basic(ofp.XMTypeVlanID, be16(0)))
	}

	if c.HasMPLS {
		bos := byte(0)
		if c.MPLSBOS {
			bos = 1
		}
		fs = append(fs,
			basic(ofp.XMTypeMPLSLabel, be32(c.MPLSLabel)),
			basic(ofp.XMTypeMPLSTC, ofp.XMValue{c.MPLSTC}),
			basic(ofp.XMTypeMPLSBOS, ofp.XMValue{bos}),
		)
	}

	if c.HasPBB {
		isid := be32(c.PBBISID)
		fs = append(fs, basic(ofp.XMTypePBBISID, isid[1:]))
	}

	switch {
	case c.IPVersion == 4:
		fs = append(fs,
			basic(ofp.XMTypeIPDSCP, ofp.XMValue{c.IPDSCP}),
			basic(ofp.XMTypeIPECN, ofp.XMValue{c.IPECN}),
			basic(ofp.XMTypeIPProto, ofp.XMValue{c.IPProto}),
			basic(ofp.XMTypeIPv4Src, append(ofp.XMValue(nil), c.IPv4Src[:]...)),
			basic(ofp.XMTypeIPv4Dst, append(ofp.XMValue(nil), c.IPv4Dst[:]...)),
		)

	case c.IPVersion == 6:
		fs = append(fs,
			basic(ofp.XMTypeIPDSCP, ofp.XMValue{c.IPDSCP}),
			basic(ofp.XMTypeIPECN, ofp.XMValue{c.IPECN}),
			basic(ofp.XMTypeIPProto, ofp.XMValue{c.IPProto}),
			basic(ofp.XMTypeIPv6Src, append(ofp.XMValue(nil), c.IPv6Src[:]...)),
			basic(ofp.XMTypeIPv6Dst, append(ofp.XMValue(nil), c.IPv6Dst[:]...)),
			basic(ofp.XMTypeIPv6FLabel, be32(c.IPv6FlowLabel)),
			basic(ofp.XMTypeIPv6ExtHeader, be16(uint16(c.IPv6ExtHeaders))),
		)

	case c.EtherType == etherTypeARP:
		fs = append(fs,
			basic(ofp.XMTypeARPOpcode, be16(c.ARPOpcode)),
			basic(ofp.XMTypeARPSPA, append(ofp.XMValue(nil), c.ARPSPA[:]...)),
			basic(ofp.XMTypeARPTPA, append(ofp.XMValue(nil), c.ARPTPA[:]...)),
			basic(ofp.XMTypeARPSHA, append(ofp.XMValue(nil), c.ARPSHA[:]...)),
			basic(ofp.XMTypeARPTHA, append(ofp.XMValue(nil), c.ARPTHA[:]...)),
		)
	}

	if c.HasL4 {
		switch c.IPProto {
		case ipProtoTCP:
			fs = append(fs,
				basic(ofp.XMTypeTCPSrc, be16(c.TCPSrc)),
				basic(ofp.XMTypeTCPDst, be16(c.TCPDst)),
			)
		case ipProtoUDP:
			fs = append(fs,
				basic(ofp.XMTypeUDPSrc, be16(c.UDPSrc)),
				basic(ofp.XMTypeUDPDst, be16(c.UDPDst)),
			)
		case ipProtoSCTP:
			fs = append(fs,
				basic(ofp.XMTypeSCTPSrc, be16(c.SCTPSrc)),
				basic(ofp.XMTypeSCTPDst, be16(c.SCTPDst)),
			)
		case ipProtoICMPv4:
			fs = append(fs,
				basic(ofp.XMTypeICMPv4Type, ofp.XMValue{c.ICMPType}),
				basic(ofp.XMTypeICMPv4Code, ofp.XMValue{c.ICMPCode}),
			)
		case ipProtoICMPv6:
			fs = append(fs,
				basic(ofp.XMTypeICMPv6Type, ofp.XMValue{c.ICMPType}),
				basic(ofp.XMTypeICMPv6Code, ofp.XMValue{c.ICMPCode}),
			)
			if c.HasNDTarget {
				fs = append(fs, basic(ofp.XMTypeIPv6NDTarget,
					append(ofp.XMValue(nil), c.NDTarget[:]...)))
			}
			if c.HasNDSLL {
				fs = append(fs, basic(ofp.XMTypeIPv6NDSLL,
					append(ofp.XMValue(nil), c.NDSLL[:]...)))
			}
			if c.HasNDTLL {
				fs = append(fs, basic(ofp.XMTypeIPv6NDTLL,
					append(ofp.XMValue(nil), c.NDTLL[:]...)))
			}
		}
	}

	return fs
}
