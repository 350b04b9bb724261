package packet

import (
	"testing"

	"github.com/lagopus-go/dpcore/ofp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipv4TCPPacket() []byte {
	buf := make([]byte, 14+20+20)
	copy(buf[0:6], []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	copy(buf[6:12], []byte{0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f})
	buf[12], buf[13] = 0x08, 0x00 // IPv4

	ip := buf[14:]
	ip[0] = 0x45 // version 4, IHL 5
	ip[1] = 0x00
	ip[9] = 6 // TCP
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})

	tcp := buf[34:]
	tcp[0], tcp[1] = 0x04, 0xd2 // 1234
	tcp[2], tcp[3] = 0x00, 0x50 // 80

	return buf
}

func TestClassifyIPv4TCP(t *testing.T) {
	c := Classify(View{Data: ipv4TCPPacket()})

	assert.Equal(t, uint16(0x0800), c.EtherType)
	assert.Equal(t, uint8(4), c.IPVersion)
	assert.Equal(t, uint8(6), c.IPProto)
	assert.Equal(t, [4]byte{10, 0, 0, 1}, c.IPv4Src)
	assert.Equal(t, [4]byte{10, 0, 0, 2}, c.IPv4Dst)
	require.True(t, c.HasL4)
	assert.Equal(t, uint16(1234), c.TCPSrc)
	assert.Equal(t, uint16(80), c.TCPDst)
}

func vlanTaggedPacket() []byte {
	buf := make([]byte, 18+20+8)
	copy(buf[0:6], []byte{1, 2, 3, 4, 5, 6})
	copy(buf[6:12], []byte{7, 8, 9, 10, 11, 12})
	buf[12], buf[13] = 0x81, 0x00 // 802.1Q TPID

	tci := uint16(5)<<13 | uint16(100)
	buf[14] = byte(tci >> 8)
	buf[15] = byte(tci)
	buf[16], buf[17] = 0x08, 0x00 // inner ethertype IPv4

	ip := buf[18:]
	ip[0] = 0x45
	ip[9] = 17 // UDP
	copy(ip[12:16], []byte{192, 168, 0, 1})
	copy(ip[16:20], []byte{192, 168, 0, 2})

	udp := buf[38:]
	udp[0], udp[1] = 0x00, 0x35
	udp[2], udp[3] = 0x27, 0x10

	return buf
}

func TestClassifyVLANTagged(t *testing.T) {
	c := Classify(View{Data: vlanTaggedPacket()})

	require.True(t, c.HasVLAN)
	assert.Equal(t, uint16(100), c.VlanID)
	assert.Equal(t, uint8(5), c.VlanPCP)
	assert.Equal(t, uint8(17), c.IPProto)
	require.True(t, c.HasL4)
	assert.Equal(t, uint16(53), c.UDPSrc)
	assert.Equal(t, uint16(10000), c.UDPDst)
}

func ipv6WithHopByHopPacket() []byte {
	buf := make([]byte, 14+40+8+4)
	buf[12], buf[13] = 0x86, 0xdd

	ip6 := buf[14:]
	ip6[0] = 0x60 // version 6
	ip6[6] = ipv6HopByHop
	ip6[7] = 64
	copy(ip6[8:24], []byte{
		0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1,
	})
	copy(ip6[24:40], []byte{
		0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2,
	})

	hbh := buf[54:]
	hbh[0] = 58 // next header ICMPv6
	hbh[1] = 0  // ext header len = (0+1)*8 = 8 bytes

	icmp := buf[62:]
	icmp[0] = 128 // echo request
	icmp[1] = 0

	return buf
}

func TestClassifyIPv6HopByHopThenICMPv6(t *testing.T) {
	c := Classify(View{Data: ipv6WithHopByHopPacket()})

	assert.Equal(t, uint8(6), c.IPVersion)
	assert.NotZero(t, c.IPv6ExtHeaders&ofp.IPv6ExtensionHeaderHop)
	assert.Equal(t, uint8(58), c.IPProto)
	require.True(t, c.HasL4)
	assert.Equal(t, uint8(128), c.ICMPType)
}

func TestClassifyShortBufferDoesNotPanic(t *testing.T) {
	c := Classify(View{Data: []byte{1, 2, 3}})
	assert.Equal(t, uint16(0), c.EtherType)
}

func TestClassifyMPLSPeelsIntoInnerIPv4(t *testing.T) {
	buf := make([]byte, 14+4+20)
	buf[12], buf[13] = 0x88, 0x47
	word := uint32(16)<<12 | 0x100 | 64 // label 16, BOS, TTL 64
	buf[14] = byte(word >> 24)
	buf[15] = byte(word >> 16)
	buf[16] = byte(word >> 8)
	buf[17] = byte(word)

	ip := buf[18:]
	ip[0] = 0x45
	ip[9] = 6
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})

	c := Classify(View{Data: buf})
	require.True(t, c.HasMPLS)
	assert.Equal(t, uint8(4), c.IPVersion)
	assert.Equal(t, [4]byte{10, 0, 0, 1}, c.IPv4Src)
}

func TestClassifyNeighborSolicitationOptions(t *testing.T) {
	buf := make([]byte, 14+40+24+8)
	buf[12], buf[13] = 0x86, 0xdd

	ip6 := buf[14:]
	ip6[0] = 0x60
	ip6[6] = 58 // ICMPv6
	ip6[7] = 255

	icmp := buf[54:]
	icmp[0] = 135 // neighbor solicitation
	target := []byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 9}
	copy(icmp[8:24], target)

	opt := buf[78:]
	opt[0] = 1 // source link-layer address
	opt[1] = 1 // 8 bytes
	copy(opt[2:8], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})

	c := Classify(View{Data: buf})
	require.True(t, c.HasNDTarget)
	assert.Equal(t, target, c.NDTarget[:])
	require.True(t, c.HasNDSLL)
	assert.Equal(t, [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, c.NDSLL)
	assert.False(t, c.HasNDTLL)
}

func TestClassifyMPLSUnicast(t *testing.T) {
	buf := make([]byte, 14+4+4)
	buf[12], buf[13] = 0x88, 0x47

	label := uint32(1000)
	word := label<<12 | uint32(3)<<9 | 0x100 // TC=3, BOS=1
	buf[14] = byte(word >> 24)
	buf[15] = byte(word >> 16)
	buf[16] = byte(word >> 8)
	buf[17] = byte(word)

	c := Classify(View{Data: buf})
	require.True(t, c.HasMPLS)
	assert.Equal(t, uint32(1000), c.MPLSLabel)
	assert.Equal(t, uint8(3), c.MPLSTC)
	assert.True(t, c.MPLSBOS)
}
