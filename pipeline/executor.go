package pipeline

import (
	"encoding/binary"

	"github.com/lagopus-go/dpcore/flowdb"
	"github.com/lagopus-go/dpcore/group"
	"github.com/lagopus-go/dpcore/ofp"
	"github.com/lagopus-go/dpcore/packet"
)

const (
	etherTypeVLAN = 0x8100
	etherTypePBB  = 0x88e7
	etherTypeMPLS = 0x8847

	// pbbBlockLen is the number of bytes a PBB push inserts after the
	// Ethernet addresses: backbone ethertype, I-TAG, and the
	// encapsulated customer DA/SA.
	pbbBlockLen = 20
)

// executor runs actions against one packet. It owns the mutable frame,
// re-classifies after every header-rewriting action, and collects the
// side effects (egress frames, packet-ins) into the shared Result.
type executor struct {
	p     *Pipeline
	frame []byte
	class packet.Classification
	oob   OOB
	res   *Result

	current *flowdb.Flow
	tableID ofp.Table
	queue   ofp.Queue

	fieldList []ofp.XM
	hash      uint64

	stopped bool
	restart bool
	depth   int
}

// reclassify re-walks the (possibly rewritten) frame and drops the
// derived field list and fingerprint.
func (ex *executor) reclassify() {
	ex.class = packet.Classify(packet.View{Data: ex.frame})
	ex.fieldList = nil
	ex.hash = 0
}

func (ex *executor) fields() []ofp.XM {
	if ex.fieldList == nil {
		ex.fieldList = Fields(ex.class, ex.oob)
	}
	return ex.fieldList
}

// fingerprint is the flow-cache key: a 64-bit digest of the headers
// that distinguish one microflow from another, plus the ingress port.
func (ex *executor) fingerprint() uint64 {
	if ex.hash != 0 {
		return ex.hash
	}
	c := &ex.class

	var inPort, ethType [4]byte
	binary.BigEndian.PutUint32(inPort[:], uint32(ex.oob.InPort))
	binary.BigEndian.PutUint16(ethType[:2], c.EtherType)

	parts := [][]byte{inPort[:], c.EthDst[:], c.EthSrc[:], ethType[:2]}

	switch {
	case c.IPVersion == 4:
		parts = append(parts,
			[]byte{c.IPDSCP<<2 | c.IPECN, c.IPProto},
			c.IPv4Src[:], c.IPv4Dst[:])
	case c.IPVersion == 6:
		parts = append(parts, c.IPv6Src[:], c.IPv6Dst[:], []byte{c.IPProto})
	case c.EtherType == etherTypeARP:
		parts = append(parts, c.ARPSHA[:], c.ARPSPA[:], c.ARPTHA[:], c.ARPTPA[:])
	}

	if c.HasL4 {
		var ports [8]byte
		binary.BigEndian.PutUint16(ports[0:2], c.TCPSrc|c.UDPSrc|c.SCTPSrc)
		binary.BigEndian.PutUint16(ports[2:4], c.TCPDst|c.UDPDst|c.SCTPDst)
		parts = append(parts, ports[:4])
	}

	h := group.Hash(parts...)
	if h == 0 {
		h = 1
	}
	ex.hash = h
	return h
}

func (ex *executor) cloneFrame() []byte {
	return append([]byte(nil), ex.frame...)
}

// emit queues one egress frame. The frame is copied so later actions in
// the same pipeline run cannot retroactively rewrite it.
func (ex *executor) emit(port ofp.PortNo) {
	ex.res.Emits = append(ex.res.Emits, Emit{
		Port:  port,
		Queue: ex.queue,
		Frame: ex.cloneFrame(),
	})
}

func (ex *executor) flood() {
	if ex.p.Ports == nil {
		return
	}
	for _, port := range ex.p.Ports.ForwardingPorts() {
		if port != ex.oob.InPort {
			ex.emit(port)
		}
	}
}

func (ex *executor) packetIn(reason ofp.PacketInReason) {
	cookie := ^uint64(0)
	if ex.current != nil {
		cookie = ex.current.Cookie
	}

	var inPort [4]byte
	binary.BigEndian.PutUint32(inPort[:], uint32(ex.oob.InPort))

	ex.res.PacketIns = append(ex.res.PacketIns, &ofp.PacketIn{
		Buffer: ofp.NoBuffer,
		Length: uint16(len(ex.frame)),
		Reason: reason,
		Table:  ex.tableID,
		Cookie: cookie,
		Match: ofp.Match{Type: ofp.MatchTypeXM, Fields: []ofp.XM{
			{Class: ofp.XMClassOpenflowBasic, Type: ofp.XMTypeInPort, Value: inPort[:]},
		}},
		Data: ex.cloneFrame(),
	})
}

// Output implements action.Executor.
func (ex *executor) Output(port ofp.PortNo, maxLen uint16) {
	switch port {
	case ofp.PortController:
		if ex.current != nil && ex.current.Priority == 0 {
			ex.packetIn(ofp.PacketInReasonNoMatch)
		} else {
			ex.packetIn(ofp.PacketInReasonAction)
		}
	case ofp.PortAll, ofp.PortFlood:
		ex.flood()
	case ofp.PortIn:
		ex.emit(ex.oob.InPort)
	case ofp.PortTable:
		ex.restart = true
	case ofp.PortNormal:
		if ex.p.Normal != nil {
			ex.res.Emits = append(ex.res.Emits, ex.p.Normal(ex.cloneFrame(), ex.oob.InPort)...)
		} else {
			ex.flood()
		}
	case ofp.PortLocal:
		ex.emit(ofp.PortLocal)
	default:
		ex.emit(port)
	}
}

// Group implements action.Executor.
func (ex *executor) Group(id ofp.Group) {
	ex.p.execGroup(ex, id)
}

// SetQueue implements action.Executor.
func (ex *executor) SetQueue(q ofp.Queue) {
	ex.queue = q
}

// Experimenter implements action.Executor: dispatch to the handler
// registered on the pipeline, if any.
func (ex *executor) Experimenter(a *ofp.ActionExperimenter) {
	if ex.p.ExperimenterHook != nil {
		ex.p.ExperimenterHook(a.Experimenter, ex.frame)
	}
}

// Stopped implements action.Executor.
func (ex *executor) Stopped() bool {
	return ex.stopped
}

// insert splices block into the frame at off.
func (ex *executor) insert(off int, block []byte) {
	out := make([]byte, 0, len(ex.frame)+len(block))
	out = append(out, ex.frame[:off]...)
	out = append(out, block...)
	out = append(out, ex.frame[off:]...)
	ex.frame = out
}

// remove cuts n bytes out of the frame at off.
func (ex *executor) remove(off, n int) {
	ex.frame = append(ex.frame[:off], ex.frame[off+n:]...)
}

// PushHeader implements action.Executor.
func (ex *executor) PushHeader(a ofp.Action) {
	switch act := a.(type) {
	case *ofp.ActionPushVLAN:
		var tci uint16
		if ex.class.HasVLAN {
			tci = binary.BigEndian.Uint16(ex.frame[ex.class.VLANOffset : ex.class.VLANOffset+2])
		}
		block := make([]byte, 4)
		binary.BigEndian.PutUint16(block[0:2], act.EtherType)
		binary.BigEndian.PutUint16(block[2:4], tci)
		ex.insert(12, block)

	case *ofp.ActionPushMPLS:
		pos := ex.class.L3Offset
		var word uint32
		ttl := uint8(64)
		if ex.class.HasMPLS {
			pos = ex.class.MPLSOffset
			inner := binary.BigEndian.Uint32(ex.frame[pos : pos+4])
			word = inner &^ 0x100 // copy label/tc/ttl, clear bottom-of-stack
		} else {
			if ex.class.IPVersion == 4 && len(ex.frame) >= ex.class.L3Offset+9 {
				ttl = ex.frame[ex.class.L3Offset+8]
			} else if ex.class.IPVersion == 6 && len(ex.frame) >= ex.class.L3Offset+8 {
				ttl = ex.frame[ex.class.L3Offset+7]
			}
			word = 0x100 | uint32(ttl)
		}
		block := make([]byte, 4)
		binary.BigEndian.PutUint32(block, word)
		ex.insert(pos, block)
		binary.BigEndian.PutUint16(ex.frame[pos-2:pos], act.EtherType)

	case *ofp.ActionPushPBB:
		block := make([]byte, pbbBlockLen)
		binary.BigEndian.PutUint16(block[0:2], etherTypePBB)
		if ex.class.HasPBB {
			isid := ex.class.PBBISID
			block[3] = byte(isid >> 16)
			block[4] = byte(isid >> 8)
			block[5] = byte(isid)
		}
		copy(block[8:14], ex.class.EthDst[:])
		copy(block[14:20], ex.class.EthSrc[:])
		ex.insert(12, block)
	}
	ex.reclassify()
}

// PopHeader implements action.Executor.
func (ex *executor) PopHeader(a ofp.Action) {
	switch act := a.(type) {
	case *ofp.ActionPopVLAN:
		if ex.class.HasVLAN {
			ex.remove(ex.class.VLANOffset-2, 4)
		}

	case *ofp.ActionPopMPLS:
		if ex.class.HasMPLS {
			pos := ex.class.MPLSOffset
			ex.remove(pos, 4)
			binary.BigEndian.PutUint16(ex.frame[pos-2:pos], act.EtherType)
		}

	case *ofp.ActionPopPBB:
		if ex.class.HasPBB && len(ex.frame) >= 12+pbbBlockLen {
			ex.remove(12, pbbBlockLen)
		}
	}
	ex.reclassify()
}

// CopyTTLIn implements action.Executor: outermost TTL (MPLS) into the
// next-to-outermost header (IP).
func (ex *executor) CopyTTLIn() {
	if !ex.class.HasMPLS {
		return
	}
	ttl := ex.frame[ex.class.MPLSOffset+3]
	ex.writeIPTTL(ttl)
	ex.reclassify()
}

// CopyTTLOut implements action.Executor: next-to-outermost TTL (IP)
// into the outermost header (MPLS).
func (ex *executor) CopyTTLOut() {
	if !ex.class.HasMPLS {
		return
	}
	if ttl, ok := ex.readIPTTL(); ok {
		ex.frame[ex.class.MPLSOffset+3] = ttl
	}
	ex.reclassify()
}

func (ex *executor) readIPTTL() (uint8, bool) {
	l3 := ex.class.L3Offset
	switch ex.class.IPVersion {
	case 4:
		if len(ex.frame) >= l3+9 {
			return ex.frame[l3+8], true
		}
	case 6:
		if len(ex.frame) >= l3+8 {
			return ex.frame[l3+7], true
		}
	}
	return 0, false
}

func (ex *executor) writeIPTTL(ttl uint8) {
	l3 := ex.class.L3Offset
	switch ex.class.IPVersion {
	case 4:
		if len(ex.frame) >= l3+9 {
			ex.frame[l3+8] = ttl
			ex.fixIPv4Checksum()
		}
	case 6:
		if len(ex.frame) >= l3+8 {
			ex.frame[l3+7] = ttl
		}
	}
}

// DecTTL implements action.Executor for the four TTL-mutating actions.
// Decrementing a TTL that is already <= 1 punts the packet to the
// controller with PacketInReasonInvalidTTL and stops the pipeline.
func (ex *executor) DecTTL(a ofp.Action) {
	switch act := a.(type) {
	case *ofp.ActionSetMPLSTTL:
		if ex.class.HasMPLS {
			ex.frame[ex.class.MPLSOffset+3] = act.TTL
		}

	case *ofp.ActionDecMPLSTTL:
		if !ex.class.HasMPLS {
			return
		}
		pos := ex.class.MPLSOffset + 3
		if ex.frame[pos] <= 1 {
			ex.packetIn(ofp.PacketInReasonInvalidTTL)
			ex.stopped = true
			return
		}
		ex.frame[pos]--

	case *ofp.ActionSetNetworkTTL:
		ex.writeIPTTL(act.TTL)

	case *ofp.ActionDecNetworkTTL:
		ttl, ok := ex.readIPTTL()
		if !ok {
			return
		}
		if ttl <= 1 {
			ex.packetIn(ofp.PacketInReasonInvalidTTL)
			ex.stopped = true
			return
		}
		ex.writeIPTTL(ttl - 1)
	}
	ex.reclassify()
}

func ipv4HeaderChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		if i == 10 {
			continue // checksum field itself
		}
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	return ^uint16(sum)
}

// fixIPv4Checksum recomputes the header checksum in place. Transport
// checksums are left to the egress PacketIO, which can offload them.
func (ex *executor) fixIPv4Checksum() {
	if ex.class.IPVersion != 4 {
		return
	}
	l3 := ex.class.L3Offset
	if len(ex.frame) < l3+20 {
		return
	}
	ihl := int(ex.frame[l3]&0x0f) * 4
	if ihl < 20 || len(ex.frame) < l3+ihl {
		return
	}
	binary.BigEndian.PutUint16(ex.frame[l3+10:l3+12], ipv4HeaderChecksum(ex.frame[l3:l3+ihl]))
}

// SetField implements action.Executor: rewrite one header field in
// place, identified by its OXM type.
func (ex *executor) SetField(xm ofp.XM) {
	d := ex.frame
	l3 := ex.class.L3Offset
	l4 := ex.class.L4Offset
	v := xm.Value

	switch xm.Type {
	case ofp.XMTypeEthDst:
		if len(v) == 6 {
			copy(d[0:6], v)
		}
	case ofp.XMTypeEthSrc:
		if len(v) == 6 {
			copy(d[6:12], v)
		}
	case ofp.XMTypeEthType:
		if len(v) == 2 && l3 >= 2 {
			copy(d[l3-2:l3], v)
		}

	case ofp.XMTypeVlanID:
		if ex.class.HasVLAN && len(v) == 2 {
			pos := ex.class.VLANOffset
			tci := binary.BigEndian.Uint16(d[pos : pos+2])
			vid := binary.BigEndian.Uint16(v) & 0x0fff
			binary.BigEndian.PutUint16(d[pos:pos+2], tci&0xf000|vid)
		}
	case ofp.XMTypeVlanPCP:
		if ex.class.HasVLAN && len(v) == 1 {
			pos := ex.class.VLANOffset
			tci := binary.BigEndian.Uint16(d[pos : pos+2])
			binary.BigEndian.PutUint16(d[pos:pos+2], tci&0x1fff|uint16(v[0])<<13)
		}

	case ofp.XMTypeIPDSCP:
		if len(v) != 1 {
			break
		}
		switch ex.class.IPVersion {
		case 4:
			d[l3+1] = d[l3+1]&0x03 | v[0]<<2
			ex.fixIPv4Checksum()
		case 6:
			word := binary.BigEndian.Uint32(d[l3 : l3+4])
			binary.BigEndian.PutUint32(d[l3:l3+4], word&^(0x3f<<22)|uint32(v[0])<<22)
		}
	case ofp.XMTypeIPECN:
		if len(v) != 1 {
			break
		}
		switch ex.class.IPVersion {
		case 4:
			d[l3+1] = d[l3+1]&0xfc | v[0]&0x03
			ex.fixIPv4Checksum()
		case 6:
			word := binary.BigEndian.Uint32(d[l3 : l3+4])
			binary.BigEndian.PutUint32(d[l3:l3+4], word&^(0x3<<20)|uint32(v[0]&0x3)<<20)
		}

	case ofp.XMTypeIPv4Src:
		if ex.class.IPVersion == 4 && len(v) == 4 {
			copy(d[l3+12:l3+16], v)
			ex.fixIPv4Checksum()
		}
	case ofp.XMTypeIPv4Dst:
		if ex.class.IPVersion == 4 && len(v) == 4 {
			copy(d[l3+16:l3+20], v)
			ex.fixIPv4Checksum()
		}

	case ofp.XMTypeIPv6Src:
		if ex.class.IPVersion == 6 && len(v) == 16 {
			copy(d[l3+8:l3+24], v)
		}
	case ofp.XMTypeIPv6Dst:
		if ex.class.IPVersion == 6 && len(v) == 16 {
			copy(d[l3+24:l3+40], v)
		}

	case ofp.XMTypeTCPSrc, ofp.XMTypeUDPSrc, ofp.XMTypeSCTPSrc:
		if ex.class.HasL4 && len(v) == 2 && len(d) >= l4+2 {
			copy(d[l4:l4+2], v)
		}
	case ofp.XMTypeTCPDst, ofp.XMTypeUDPDst, ofp.XMTypeSCTPDst:
		if ex.class.HasL4 && len(v) == 2 && len(d) >= l4+4 {
			copy(d[l4+2:l4+4], v)
		}
	case ofp.XMTypeICMPv4Type, ofp.XMTypeICMPv6Type:
		if ex.class.HasL4 && len(v) == 1 && len(d) >= l4+1 {
			d[l4] = v[0]
		}
	case ofp.XMTypeICMPv4Code, ofp.XMTypeICMPv6Code:
		if ex.class.HasL4 && len(v) == 1 && len(d) >= l4+2 {
			d[l4+1] = v[0]
		}

	case ofp.XMTypeMPLSLabel:
		if ex.class.HasMPLS && len(v) == 4 {
			pos := ex.class.MPLSOffset
			word := binary.BigEndian.Uint32(d[pos : pos+4])
			label := binary.BigEndian.Uint32(v) & 0xfffff
			binary.BigEndian.PutUint32(d[pos:pos+4], word&0xfff|label<<12)
		}
	case ofp.XMTypeMPLSTC:
		if ex.class.HasMPLS && len(v) == 1 {
			pos := ex.class.MPLSOffset
			word := binary.BigEndian.Uint32(d[pos : pos+4])
			binary.BigEndian.PutUint32(d[pos:pos+4], word&^(0x7<<9)|uint32(v[0]&0x7)<<9)
		}

	case ofp.XMTypeARPOpcode:
		if ex.class.EtherType == etherTypeARP && len(v) == 2 && len(d) >= l3+8 {
			copy(d[l3+6:l3+8], v)
		}
	case ofp.XMTypeARPSHA:
		if ex.class.EtherType == etherTypeARP && len(v) == 6 && len(d) >= l3+14 {
			copy(d[l3+8:l3+14], v)
		}
	case ofp.XMTypeARPSPA:
		if ex.class.EtherType == etherTypeARP && len(v) == 4 && len(d) >= l3+18 {
			copy(d[l3+14:l3+18], v)
		}
	case ofp.XMTypeARPTHA:
		if ex.class.EtherType == etherTypeARP && len(v) == 6 && len(d) >= l3+24 {
			copy(d[l3+18:l3+24], v)
		}
	case ofp.XMTypeARPTPA:
		if ex.class.EtherType == etherTypeARP && len(v) == 4 && len(d) >= l3+28 {
			copy(d[l3+24:l3+28], v)
		}

	case ofp.XMTypeTunnelID:
		if len(v) == 8 {
			ex.oob.TunnelID = binary.BigEndian.Uint64(v)
		}
	}

	ex.reclassify()
}

// remarkDSCP applies a meter DSCP-remark band's effect in place.
func (ex *executor) remarkDSCP(prec uint8) {
	d := ex.frame
	l3 := ex.class.L3Offset
	switch ex.class.IPVersion {
	case 4:
		dscp := d[l3+1] >> 2
		d[l3+1] = d[l3+1]&0x03 | meterRemark(dscp, prec)<<2
		ex.fixIPv4Checksum()
	case 6:
		word := binary.BigEndian.Uint32(d[l3 : l3+4])
		dscp := uint8(word >> 22 & 0x3f)
		binary.BigEndian.PutUint32(d[l3:l3+4],
			word&^(0x3f<<22)|uint32(meterRemark(dscp, prec))<<22)
	default:
		return
	}
	ex.reclassify()
}
