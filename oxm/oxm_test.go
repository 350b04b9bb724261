package oxm

import (
	"testing"

	"github.com/lagopus-go/dpcore/ofp"
	"github.com/stretchr/testify/assert"
)

func TestLookupKnownField(t *testing.T) {
	info, ok := Lookup(ofp.XMTypeIPv4Src)
	assert.True(t, ok)
	assert.Equal(t, 32, info.Bits)
	assert.True(t, info.Maskable)
}

func TestLookupUnknownField(t *testing.T) {
	_, ok := Lookup(ofp.XMType(255))
	assert.False(t, ok)
}

func TestBytesRoundsUpToByteBoundary(t *testing.T) {
	assert.Equal(t, 4, Bytes(ofp.XMTypeIPv4Src))
	assert.Equal(t, 1, Bytes(ofp.XMTypeMPLSBOS))
	assert.Equal(t, 2, Bytes(ofp.XMTypeIPv6ExtHeader))
}

func TestPrereqsMetRequiresEthType(t *testing.T) {
	assert.False(t, PrereqsMet(ofp.XMTypeIPv4Src, nil))

	fs := []ofp.XM{{Type: ofp.XMTypeEthType}}
	assert.True(t, PrereqsMet(ofp.XMTypeIPv4Src, fs))
}

func TestPrereqsMetChainedPrerequisite(t *testing.T) {
	// TCP ports require IPProto, which itself requires EthType; the
	// check only validates the field's own immediate prerequisite.
	fs := []ofp.XM{{Type: ofp.XMTypeIPProto}}
	assert.True(t, PrereqsMet(ofp.XMTypeTCPSrc, fs))
	assert.False(t, PrereqsMet(ofp.XMTypeTCPSrc, nil))
}

func TestPrereqsMetUnknownFieldAlwaysPasses(t *testing.T) {
	assert.True(t, PrereqsMet(ofp.XMType(255), nil))
}

func TestValidateMask(t *testing.T) {
	assert.True(t, ValidateMask(ofp.XMTypeIPv4Src, nil))
	assert.True(t, ValidateMask(ofp.XMTypeIPv4Src, ofp.XMValue{0xff, 0xff, 0xff, 0x00}))
	assert.False(t, ValidateMask(ofp.XMTypeEthType, ofp.XMValue{0xff, 0xff}))
	assert.False(t, ValidateMask(ofp.XMTypeIPv4Src, ofp.XMValue{0xff, 0xff}))
}
