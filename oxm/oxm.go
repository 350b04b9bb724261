// Package oxm describes the OpenFlow Extensible Match field table: each
// field's bit width, whether it is maskable, and which other fields must
// already be present in a match for the field to be a legal addition
// (the OXM prerequisite rules enforced by flow-mod validation).
package oxm

import "github.com/lagopus-go/dpcore/ofp"

// FieldInfo describes one OXM field's static properties.
type FieldInfo struct {
	// Bits is the field's value width in bits.
	Bits int

	// Maskable reports whether a mask companion value is legal for
	// this field.
	Maskable bool

	// Prereqs lists field types that must already be present (with
	// any value) in a match before this field may be added, e.g.
	// XMTypeIPv4Src requires an XMTypeEthType field.
	Prereqs []ofp.XMType
}

var fields = map[ofp.XMType]FieldInfo{
	ofp.XMTypeInPort:       {Bits: 32},
	ofp.XMTypeInPhyPort:    {Bits: 32, Prereqs: []ofp.XMType{ofp.XMTypeInPort}},
	ofp.XMTypeMetadata:     {Bits: 64, Maskable: true},
	ofp.XMTypeEthDst:       {Bits: 48, Maskable: true},
	ofp.XMTypeEthSrc:       {Bits: 48, Maskable: true},
	ofp.XMTypeEthType:      {Bits: 16},
	ofp.XMTypeVlanID:       {Bits: 13, Maskable: true},
	ofp.XMTypeVlanPCP:      {Bits: 3, Prereqs: []ofp.XMType{ofp.XMTypeVlanID}},
	ofp.XMTypeIPDSCP:       {Bits: 6, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeIPECN:        {Bits: 2, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeIPProto:      {Bits: 8, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeIPv4Src:      {Bits: 32, Maskable: true, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeIPv4Dst:      {Bits: 32, Maskable: true, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeTCPSrc:       {Bits: 16, Prereqs: []ofp.XMType{ofp.XMTypeIPProto}},
	ofp.XMTypeTCPDst:       {Bits: 16, Prereqs: []ofp.XMType{ofp.XMTypeIPProto}},
	ofp.XMTypeUDPSrc:       {Bits: 16, Prereqs: []ofp.XMType{ofp.XMTypeIPProto}},
	ofp.XMTypeUDPDst:       {Bits: 16, Prereqs: []ofp.XMType{ofp.XMTypeIPProto}},
	ofp.XMTypeSCTPSrc:      {Bits: 16, Prereqs: []ofp.XMType{ofp.XMTypeIPProto}},
	ofp.XMTypeSCTPDst:      {Bits: 16, Prereqs: []ofp.XMType{ofp.XMTypeIPProto}},
	ofp.XMTypeICMPv4Type:   {Bits: 8, Prereqs: []ofp.XMType{ofp.XMTypeIPProto}},
	ofp.XMTypeICMPv4Code:   {Bits: 8, Prereqs: []ofp.XMType{ofp.XMTypeIPProto}},
	ofp.XMTypeARPOpcode:    {Bits: 16, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeARPSPA:       {Bits: 32, Maskable: true, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeARPTPA:       {Bits: 32, Maskable: true, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeARPSHA:       {Bits: 48, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeARPTHA:       {Bits: 48, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeIPv6Src:      {Bits: 128, Maskable: true, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeIPv6Dst:      {Bits: 128, Maskable: true, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeIPv6FLabel:   {Bits: 20, Maskable: true, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeICMPv6Type:   {Bits: 8, Prereqs: []ofp.XMType{ofp.XMTypeIPProto}},
	ofp.XMTypeICMPv6Code:   {Bits: 8, Prereqs: []ofp.XMType{ofp.XMTypeIPProto}},
	ofp.XMTypeIPv6NDTarget: {Bits: 128, Prereqs: []ofp.XMType{ofp.XMTypeICMPv6Type}},
	ofp.XMTypeIPv6NDSLL:    {Bits: 48, Prereqs: []ofp.XMType{ofp.XMTypeICMPv6Type}},
	ofp.XMTypeIPv6NDTLL:    {Bits: 48, Prereqs: []ofp.XMType{ofp.XMTypeICMPv6Type}},
	ofp.XMTypeMPLSLabel:    {Bits: 20, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeMPLSTC:       {Bits: 3, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeMPLSBOS:      {Bits: 1, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypePBBISID:      {Bits: 24, Maskable: true, Prereqs: []ofp.XMType{ofp.XMTypeEthType}},
	ofp.XMTypeTunnelID:     {Bits: 64, Maskable: true},
	ofp.XMTypeIPv6ExtHeader: {
		Bits: 9, Maskable: true, Prereqs: []ofp.XMType{ofp.XMTypeEthType},
	},
}

// Lookup returns the static field descriptor for t, or false if t is not
// a known OpenFlow-basic field.
func Lookup(t ofp.XMType) (FieldInfo, bool) {
	info, ok := fields[t]
	return info, ok
}

// Bytes returns the wire byte width of a field's value (its bit width
// rounded up to the nearest byte), or 0 if t is unknown.
func Bytes(t ofp.XMType) int {
	info, ok := fields[t]
	if !ok {
		return 0
	}
	return (info.Bits + 7) / 8
}

// PrereqsMet reports whether all of t's prerequisite field types are
// present in fs, regardless of their value (spec.md's prerequisite
// closure check is presence-only, matching the original's flowdb
// validation pass).
func PrereqsMet(t ofp.XMType, fs []ofp.XM) bool {
	info, ok := fields[t]
	if !ok {
		return true
	}

	for _, want := range info.Prereqs {
		found := false
		for _, xm := range fs {
			if xm.Type == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ValidateMask reports whether a candidate mask is legal for a field:
// non-nil masks are only legal on maskable fields, and a mask's byte
// length must equal the field's own byte length.
func ValidateMask(t ofp.XMType, mask ofp.XMValue) bool {
	if len(mask) == 0 {
		return true
	}
	info, ok := fields[t]
	if !ok {
		return false
	}
	return info.Maskable && len(mask) == Bytes(t)
}
