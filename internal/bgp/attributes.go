package bgp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var builtinAttributes = map[uint8]AttributeCodec{
	AttrTypeOrigin:          {Name: "ORIGIN", Flags: FlagsWellKnown, Decode: decodeOrigin},
	AttrTypeASPath:          {Name: "AS_PATH", Flags: FlagsWellKnown, Decode: decodeASPath},
	AttrTypeNextHop:         {Name: "NEXT_HOP", Flags: FlagsWellKnown, Decode: decodeNextHop},
	AttrTypeMED:             {Name: "MULTI_EXIT_DISC", Flags: FlagsOptionalNonTransitive, Decode: decodeMED},
	AttrTypeLocalPref:       {Name: "LOCAL_PREF", Flags: FlagsWellKnown, Decode: decodeLocalPref},
	AttrTypeAtomicAggregate: {Name: "ATOMIC_AGGREGATE", Flags: FlagsWellKnown, Decode: decodeAtomicAggregate},
	AttrTypeAggregator:      {Name: "AGGREGATOR", Flags: FlagsOptionalTransitive, Policy: PolicyDiscard, Decode: decodeAggregator},
	AttrTypeCommunity:       {Name: "COMMUNITIES", Flags: FlagsOptionalTransitive, Decode: decodeCommunities},
	AttrTypeOriginatorID:    {Name: "ORIGINATOR_ID", Flags: FlagsOptionalNonTransitive, Decode: decodeOriginatorID},
	AttrTypeClusterList:     {Name: "CLUSTER_LIST", Flags: FlagsOptionalNonTransitive, Decode: decodeClusterList},
	AttrTypeMPReachNLRI:     {Name: "MP_REACH_NLRI", Flags: FlagsOptionalNonTransitive, Decode: decodeMPReach},
	AttrTypeMPUnreachNLRI:   {Name: "MP_UNREACH_NLRI", Flags: FlagsOptionalNonTransitive, Decode: decodeMPUnreach},
	AttrTypeExtCommunity:    {Name: "EXTENDED_COMMUNITIES", Flags: FlagsOptionalTransitive, Decode: decodeExtCommunities},
	AttrTypeAS4Path:         {Name: "AS4_PATH", Flags: FlagsOptionalTransitive, Policy: PolicyDiscard, Decode: decodeAS4Path},
	AttrTypeAS4Aggregator:   {Name: "AS4_AGGREGATOR", Flags: FlagsOptionalTransitive, Policy: PolicyDiscard, Decode: decodeAS4Aggregator},
	AttrTypeLargeCommunity:  {Name: "LARGE_COMMUNITY", Flags: FlagsOptionalTransitive, Decode: decodeLargeCommunities},
}

func attrLengthError(name string, got int, want string) error {
	return UpdateError(SubAttributeLength, nil, "%s: length %d, want %s", name, got, want)
}

// --- ORIGIN ---

// Origin is the ORIGIN attribute.
type Origin uint8

func (o Origin) MarshalBGP(Params) ([]byte, error) { return []byte{byte(o)}, nil }

func (o Origin) String() string {
	if v, ok := OriginValues[uint8(o)]; ok {
		return v
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(o))
}

func decodeOrigin(_ AttrFlags, data []byte, _ Params) (AttributeValue, error) {
	if len(data) != 1 {
		return nil, attrLengthError("ORIGIN", len(data), "1")
	}
	if _, ok := OriginValues[data[0]]; !ok {
		return nil, UpdateError(SubInvalidOrigin, nil, "ORIGIN value %d", data[0])
	}
	return Origin(data[0]), nil
}

// --- AS_PATH / AS4_PATH ---

// ASPathSegment is one AS_SET / AS_SEQUENCE (or confederation) segment.
type ASPathSegment struct {
	Type uint8
	ASNs []uint32
}

// ASPath is the AS_PATH attribute. ASN width on the wire follows the
// session's 4-octet AS capability.
type ASPath struct {
	Segments []ASPathSegment
}

// AS4Path is the AS4_PATH attribute, always 4 octets per ASN.
type AS4Path struct {
	Segments []ASPathSegment
}

func (a *ASPath) MarshalBGP(p Params) ([]byte, error) {
	return marshalSegments(a.Segments, p.AS4)
}

func (a *AS4Path) MarshalBGP(Params) ([]byte, error) {
	return marshalSegments(a.Segments, true)
}

func marshalSegments(segs []ASPathSegment, wide bool) ([]byte, error) {
	var out []byte
	for _, s := range segs {
		if len(s.ASNs) == 0 || len(s.ASNs) > 255 {
			return nil, fmt.Errorf("segment of %d ASNs", len(s.ASNs))
		}
		out = append(out, s.Type, byte(len(s.ASNs)))
		for _, asn := range s.ASNs {
			if wide {
				out = binary.BigEndian.AppendUint32(out, asn)
				continue
			}
			if asn > 0xffff {
				asn = uint32(ASTrans)
			}
			out = binary.BigEndian.AppendUint16(out, uint16(asn))
		}
	}
	return out, nil
}

func decodeSegments(name string, data []byte, wide bool) ([]ASPathSegment, error) {
	width := 2
	if wide {
		width = 4
	}
	var segs []ASPathSegment
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, UpdateError(SubMalformedASPath, nil, "%s: segment header truncated at offset %d", name, offset)
		}
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2

		if segType < ASPathSegmentSet || segType > ASPathSegmentConfedSet {
			return nil, UpdateError(SubMalformedASPath, nil, "%s: segment type %d", name, segType)
		}
		if segLen == 0 {
			return nil, UpdateError(SubMalformedASPath, nil, "%s: empty segment", name)
		}
		if offset+segLen*width > len(data) {
			return nil, UpdateError(SubMalformedASPath, nil, "%s: segment overruns attribute (need %d bytes, have %d)",
				name, segLen*width, len(data)-offset)
		}

		asns := make([]uint32, segLen)
		for i := 0; i < segLen; i++ {
			if wide {
				asns[i] = binary.BigEndian.Uint32(data[offset : offset+4])
			} else {
				asns[i] = uint32(binary.BigEndian.Uint16(data[offset : offset+2]))
			}
			offset += width
		}
		segs = append(segs, ASPathSegment{Type: segType, ASNs: asns})
	}
	return segs, nil
}

func decodeASPath(_ AttrFlags, data []byte, p Params) (AttributeValue, error) {
	segs, err := decodeSegments("AS_PATH", data, p.AS4)
	if err != nil {
		return nil, err
	}
	return &ASPath{Segments: segs}, nil
}

func decodeAS4Path(_ AttrFlags, data []byte, _ Params) (AttributeValue, error) {
	segs, err := decodeSegments("AS4_PATH", data, true)
	if err != nil {
		return nil, err
	}
	return &AS4Path{Segments: segs}, nil
}

func (a *ASPath) String() string  { return segmentsString(a.Segments) }
func (a *AS4Path) String() string { return segmentsString(a.Segments) }

func segmentsString(segs []ASPathSegment) string {
	var parts []string
	for _, s := range segs {
		asns := make([]string, len(s.ASNs))
		for i, asn := range s.ASNs {
			asns[i] = strconv.FormatUint(uint64(asn), 10)
		}
		switch s.Type {
		case ASPathSegmentSequence:
			parts = append(parts, strings.Join(asns, " "))
		case ASPathSegmentSet:
			parts = append(parts, "{"+strings.Join(asns, ",")+"}")
		case ASPathSegmentConfedSequence:
			parts = append(parts, "("+strings.Join(asns, " ")+")")
		case ASPathSegmentConfedSet:
			parts = append(parts, "["+strings.Join(asns, ",")+"]")
		}
	}
	return strings.Join(parts, " ")
}

// Len returns the path length used for best-path comparison (RFC 4271 §9.1.2.2):
// a set counts as one, confederation segments do not count.
func (a *ASPath) Len() int {
	n := 0
	for _, s := range a.Segments {
		switch s.Type {
		case ASPathSegmentSequence:
			n += len(s.ASNs)
		case ASPathSegmentSet:
			n++
		}
	}
	return n
}

// --- NEXT_HOP ---

// NextHop is the NEXT_HOP attribute.
type NextHop netip.Addr

func (n NextHop) MarshalBGP(Params) ([]byte, error) {
	a := netip.Addr(n)
	if !a.Is4() {
		return nil, fmt.Errorf("next hop %s is not IPv4", a)
	}
	return a.AsSlice(), nil
}

func (n NextHop) String() string { return netip.Addr(n).String() }

func decodeNextHop(_ AttrFlags, data []byte, _ Params) (AttributeValue, error) {
	if len(data) != 4 {
		return nil, attrLengthError("NEXT_HOP", len(data), "4")
	}
	a := netip.AddrFrom4([4]byte(data))
	if a.IsUnspecified() || a.IsMulticast() || a == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return nil, UpdateError(SubInvalidNextHop, append([]byte(nil), data...), "NEXT_HOP %s is not a unicast address", a)
	}
	return NextHop(a), nil
}

// --- MED / LOCAL_PREF ---

// MED is the MULTI_EXIT_DISC attribute.
type MED uint32

// LocalPref is the LOCAL_PREF attribute.
type LocalPref uint32

func (m MED) MarshalBGP(Params) ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, uint32(m)), nil
}

func (l LocalPref) MarshalBGP(Params) ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, uint32(l)), nil
}

func decodeMED(_ AttrFlags, data []byte, _ Params) (AttributeValue, error) {
	if len(data) != 4 {
		return nil, attrLengthError("MULTI_EXIT_DISC", len(data), "4")
	}
	return MED(binary.BigEndian.Uint32(data)), nil
}

func decodeLocalPref(_ AttrFlags, data []byte, _ Params) (AttributeValue, error) {
	if len(data) != 4 {
		return nil, attrLengthError("LOCAL_PREF", len(data), "4")
	}
	return LocalPref(binary.BigEndian.Uint32(data)), nil
}

// --- ATOMIC_AGGREGATE ---

// AtomicAggregate is the zero-length ATOMIC_AGGREGATE attribute.
type AtomicAggregate struct{}

func (AtomicAggregate) MarshalBGP(Params) ([]byte, error) { return []byte{}, nil }

func decodeAtomicAggregate(_ AttrFlags, data []byte, _ Params) (AttributeValue, error) {
	if len(data) != 0 {
		return nil, attrLengthError("ATOMIC_AGGREGATE", len(data), "0")
	}
	return AtomicAggregate{}, nil
}

// --- AGGREGATOR / AS4_AGGREGATOR ---

// Aggregator is the AGGREGATOR attribute; its ASN width follows the session.
type Aggregator struct {
	ASN     uint32
	Address netip.Addr
}

// AS4Aggregator is the AS4_AGGREGATOR attribute.
type AS4Aggregator struct {
	ASN     uint32
	Address netip.Addr
}

func (a *Aggregator) MarshalBGP(p Params) ([]byte, error) {
	return marshalAggregator(a.ASN, a.Address, p.AS4)
}

func (a *AS4Aggregator) MarshalBGP(Params) ([]byte, error) {
	return marshalAggregator(a.ASN, a.Address, true)
}

func marshalAggregator(asn uint32, addr netip.Addr, wide bool) ([]byte, error) {
	if !addr.Is4() {
		return nil, fmt.Errorf("aggregator address %s is not IPv4", addr)
	}
	var out []byte
	if wide {
		out = binary.BigEndian.AppendUint32(out, asn)
	} else {
		if asn > 0xffff {
			asn = uint32(ASTrans)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(asn))
	}
	return append(out, addr.AsSlice()...), nil
}

func decodeAggregator(_ AttrFlags, data []byte, p Params) (AttributeValue, error) {
	if p.AS4 {
		if len(data) != 8 {
			return nil, attrLengthError("AGGREGATOR", len(data), "8")
		}
		return &Aggregator{ASN: binary.BigEndian.Uint32(data[0:4]), Address: netip.AddrFrom4([4]byte(data[4:8]))}, nil
	}
	if len(data) != 6 {
		return nil, attrLengthError("AGGREGATOR", len(data), "6")
	}
	return &Aggregator{ASN: uint32(binary.BigEndian.Uint16(data[0:2])), Address: netip.AddrFrom4([4]byte(data[2:6]))}, nil
}

func decodeAS4Aggregator(_ AttrFlags, data []byte, _ Params) (AttributeValue, error) {
	if len(data) != 8 {
		return nil, attrLengthError("AS4_AGGREGATOR", len(data), "8")
	}
	return &AS4Aggregator{ASN: binary.BigEndian.Uint32(data[0:4]), Address: netip.AddrFrom4([4]byte(data[4:8]))}, nil
}

// --- COMMUNITIES ---

// Communities is the COMMUNITIES attribute (RFC 1997).
type Communities []uint32

func (c Communities) MarshalBGP(Params) ([]byte, error) {
	out := make([]byte, 0, 4*len(c))
	for _, v := range c {
		out = binary.BigEndian.AppendUint32(out, v)
	}
	return out, nil
}

// Strings renders each community as "asn:value".
func (c Communities) Strings() []string {
	out := make([]string, len(c))
	for i, v := range c {
		out[i] = fmt.Sprintf("%d:%d", v>>16, v&0xffff)
	}
	return out
}

// ParseCommunity parses "asn:value".
func ParseCommunity(s string) (uint32, error) {
	hi, lo, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("bgp: community %q: missing ':'", s)
	}
	h, err := strconv.ParseUint(hi, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bgp: community %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bgp: community %q: %w", s, err)
	}
	return uint32(h)<<16 | uint32(l), nil
}

func decodeCommunities(_ AttrFlags, data []byte, _ Params) (AttributeValue, error) {
	if len(data)%4 != 0 {
		return nil, attrLengthError("COMMUNITIES", len(data), "multiple of 4")
	}
	c := make(Communities, 0, len(data)/4)
	for i := 0; i+4 <= len(data); i += 4 {
		c = append(c, binary.BigEndian.Uint32(data[i:i+4]))
	}
	return c, nil
}

// --- ORIGINATOR_ID / CLUSTER_LIST ---

// OriginatorID is the ORIGINATOR_ID attribute (RFC 4456).
type OriginatorID netip.Addr

func (o OriginatorID) MarshalBGP(Params) ([]byte, error) { return netip.Addr(o).AsSlice(), nil }

func decodeOriginatorID(_ AttrFlags, data []byte, _ Params) (AttributeValue, error) {
	if len(data) != 4 {
		return nil, attrLengthError("ORIGINATOR_ID", len(data), "4")
	}
	return OriginatorID(netip.AddrFrom4([4]byte(data))), nil
}

// ClusterList is the CLUSTER_LIST attribute (RFC 4456).
type ClusterList []netip.Addr

func (c ClusterList) MarshalBGP(Params) ([]byte, error) {
	out := make([]byte, 0, 4*len(c))
	for _, a := range c {
		out = append(out, a.AsSlice()...)
	}
	return out, nil
}

func decodeClusterList(_ AttrFlags, data []byte, _ Params) (AttributeValue, error) {
	if len(data)%4 != 0 {
		return nil, attrLengthError("CLUSTER_LIST", len(data), "multiple of 4")
	}
	c := make(ClusterList, 0, len(data)/4)
	for i := 0; i+4 <= len(data); i += 4 {
		c = append(c, netip.AddrFrom4([4]byte(data[i:i+4])))
	}
	return c, nil
}

// --- EXTENDED_COMMUNITIES ---

// ExtendedCommunity is one 8-byte extended community (RFC 4360).
type ExtendedCommunity [8]byte

// ExtendedCommunities is the EXTENDED_COMMUNITIES attribute.
type ExtendedCommunities []ExtendedCommunity

func (e ExtendedCommunities) MarshalBGP(Params) ([]byte, error) {
	out := make([]byte, 0, 8*len(e))
	for _, c := range e {
		out = append(out, c[:]...)
	}
	return out, nil
}

func decodeExtCommunities(_ AttrFlags, data []byte, _ Params) (AttributeValue, error) {
	if len(data)%8 != 0 {
		return nil, attrLengthError("EXTENDED_COMMUNITIES", len(data), "multiple of 8")
	}
	e := make(ExtendedCommunities, 0, len(data)/8)
	for i := 0; i+8 <= len(data); i += 8 {
		e = append(e, ExtendedCommunity(data[i:i+8]))
	}
	return e, nil
}

// String renders Route Target (subtype 0x02) and Route Origin (subtype 0x03)
// for 2-octet AS, IPv4 and 4-octet AS types. Anything else is hex.
func (c ExtendedCommunity) String() string {
	typeHigh := c[0] & 0x3F // transitive bit masked
	typeLow := c[1]

	var kind string
	switch typeLow {
	case 0x02:
		kind = "RT"
	case 0x03:
		kind = "SOO"
	default:
		return hex.EncodeToString(c[:])
	}

	switch typeHigh {
	case 0x00: // 2-Octet AS Specific
		return fmt.Sprintf("%s:%d:%d", kind, binary.BigEndian.Uint16(c[2:4]), binary.BigEndian.Uint32(c[4:8]))
	case 0x01: // IPv4 Address Specific
		return fmt.Sprintf("%s:%s:%d", kind, netip.AddrFrom4([4]byte(c[2:6])), binary.BigEndian.Uint16(c[6:8]))
	case 0x02: // 4-Octet AS Specific
		return fmt.Sprintf("%s:%d:%d", kind, binary.BigEndian.Uint32(c[2:6]), binary.BigEndian.Uint16(c[6:8]))
	}
	return hex.EncodeToString(c[:])
}

// Strings renders every community with String.
func (e ExtendedCommunities) Strings() []string {
	out := make([]string, len(e))
	for i, c := range e {
		out[i] = c.String()
	}
	return out
}

// --- LARGE_COMMUNITY ---

// LargeCommunity is one RFC 8092 large community.
type LargeCommunity struct {
	Global uint32
	Local1 uint32
	Local2 uint32
}

// LargeCommunities is the LARGE_COMMUNITY attribute.
type LargeCommunities []LargeCommunity

func (l LargeCommunities) MarshalBGP(Params) ([]byte, error) {
	out := make([]byte, 0, 12*len(l))
	for _, c := range l {
		out = binary.BigEndian.AppendUint32(out, c.Global)
		out = binary.BigEndian.AppendUint32(out, c.Local1)
		out = binary.BigEndian.AppendUint32(out, c.Local2)
	}
	return out, nil
}

func (l LargeCommunities) Strings() []string {
	out := make([]string, len(l))
	for i, c := range l {
		out[i] = fmt.Sprintf("%d:%d:%d", c.Global, c.Local1, c.Local2)
	}
	return out
}

func decodeLargeCommunities(_ AttrFlags, data []byte, _ Params) (AttributeValue, error) {
	if len(data)%12 != 0 {
		return nil, attrLengthError("LARGE_COMMUNITY", len(data), "multiple of 12")
	}
	l := make(LargeCommunities, 0, len(data)/12)
	for i := 0; i+12 <= len(data); i += 12 {
		l = append(l, LargeCommunity{
			Global: binary.BigEndian.Uint32(data[i : i+4]),
			Local1: binary.BigEndian.Uint32(data[i+4 : i+8]),
			Local2: binary.BigEndian.Uint32(data[i+8 : i+12]),
		})
	}
	return l, nil
}

// --- MP_REACH_NLRI / MP_UNREACH_NLRI (RFC 4760) ---

// MPReach is the MP_REACH_NLRI attribute. For families other than IP
// unicast/multicast the NLRI bytes are kept in Raw.
type MPReach struct {
	Family   Family
	NextHop  []byte
	Reserved uint8
	NLRI     []NLRI
	Raw      []byte
}

// NextHops returns the next-hop addresses (global, then link-local for a
// 32-byte IPv6 next hop).
func (m *MPReach) NextHops() []netip.Addr {
	switch len(m.NextHop) {
	case 4:
		return []netip.Addr{netip.AddrFrom4([4]byte(m.NextHop))}
	case 16:
		return []netip.Addr{netip.AddrFrom16([16]byte(m.NextHop))}
	case 32:
		return []netip.Addr{netip.AddrFrom16([16]byte(m.NextHop[:16])), netip.AddrFrom16([16]byte(m.NextHop[16:]))}
	}
	return nil
}

func (m *MPReach) MarshalBGP(p Params) ([]byte, error) {
	if len(m.NextHop) > 255 {
		return nil, fmt.Errorf("next hop of %d bytes", len(m.NextHop))
	}
	out := binary.BigEndian.AppendUint16(nil, m.Family.AFI)
	out = append(out, m.Family.SAFI, byte(len(m.NextHop)))
	out = append(out, m.NextHop...)
	out = append(out, m.Reserved)
	if m.Family.prefixFamily() {
		return appendPrefixes(out, m.NLRI, p.addPath(m.Family)), nil
	}
	return append(out, m.Raw...), nil
}

func decodeMPReach(_ AttrFlags, data []byte, p Params) (AttributeValue, error) {
	if len(data) < 5 {
		return nil, attrLengthError("MP_REACH_NLRI", len(data), "at least 5")
	}
	m := &MPReach{Family: Family{AFI: binary.BigEndian.Uint16(data[0:2]), SAFI: data[2]}}
	nhLen := int(data[3])
	offset := 4
	if offset+nhLen+1 > len(data) {
		return nil, UpdateError(SubOptionalAttribute, nil, "MP_REACH_NLRI: next hop length %d overruns attribute", nhLen)
	}
	m.NextHop = append([]byte(nil), data[offset:offset+nhLen]...)
	offset += nhLen
	m.Reserved = data[offset]
	offset++

	if !m.Family.prefixFamily() {
		m.Raw = append([]byte(nil), data[offset:]...)
		return m, nil
	}
	switch nhLen {
	case 4, 16, 32:
	default:
		return nil, UpdateError(SubOptionalAttribute, nil, "MP_REACH_NLRI: %s next hop length %d", m.Family, nhLen)
	}
	nlri, err := decodePrefixes(data[offset:], m.Family, p.addPath(m.Family))
	if err != nil {
		return nil, err
	}
	m.NLRI = nlri
	return m, nil
}

// MPUnreach is the MP_UNREACH_NLRI attribute. An empty withdrawn list is
// the End-of-RIB marker for the family.
type MPUnreach struct {
	Family    Family
	Withdrawn []NLRI
	Raw       []byte
}

func (m *MPUnreach) MarshalBGP(p Params) ([]byte, error) {
	out := binary.BigEndian.AppendUint16(nil, m.Family.AFI)
	out = append(out, m.Family.SAFI)
	if m.Family.prefixFamily() {
		return appendPrefixes(out, m.Withdrawn, p.addPath(m.Family)), nil
	}
	return append(out, m.Raw...), nil
}

func decodeMPUnreach(_ AttrFlags, data []byte, p Params) (AttributeValue, error) {
	if len(data) < 3 {
		return nil, attrLengthError("MP_UNREACH_NLRI", len(data), "at least 3")
	}
	m := &MPUnreach{Family: Family{AFI: binary.BigEndian.Uint16(data[0:2]), SAFI: data[2]}}
	if !m.Family.prefixFamily() {
		m.Raw = append([]byte(nil), data[3:]...)
		return m, nil
	}
	withdrawn, err := decodePrefixes(data[3:], m.Family, p.addPath(m.Family))
	if err != nil {
		return nil, err
	}
	m.Withdrawn = withdrawn
	return m, nil
}
