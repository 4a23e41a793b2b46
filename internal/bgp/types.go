package bgp

import "fmt"

// Header sizes and limits (RFC 4271 §4.1, RFC 8654).
const (
	MarkerLen      = 16
	HeaderLen      = 19
	MaxMessageLen  = 4096
	MaxExtendedLen = 65535
)

// Version is the only BGP version this speaker talks.
const Version uint8 = 4

// ASTrans is the 2-octet placeholder ASN used by 4-octet speakers (RFC 6793).
const ASTrans uint16 = 23456

// MessageType is the 1-octet type field of the BGP header.
type MessageType uint8

const (
	MsgOpen         MessageType = 1
	MsgUpdate       MessageType = 2
	MsgNotification MessageType = 3
	MsgKeepalive    MessageType = 4
	MsgRouteRefresh MessageType = 5
)

var messageTypeNames = map[MessageType]string{
	MsgOpen:         "OPEN",
	MsgUpdate:       "UPDATE",
	MsgNotification: "NOTIFICATION",
	MsgKeepalive:    "KEEPALIVE",
	MsgRouteRefresh: "ROUTE-REFRESH",
}

func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// BGP path attribute type codes.
const (
	AttrTypeOrigin          uint8 = 1
	AttrTypeASPath          uint8 = 2
	AttrTypeNextHop         uint8 = 3
	AttrTypeMED             uint8 = 4
	AttrTypeLocalPref       uint8 = 5
	AttrTypeAtomicAggregate uint8 = 6
	AttrTypeAggregator      uint8 = 7
	AttrTypeCommunity       uint8 = 8
	AttrTypeOriginatorID    uint8 = 9
	AttrTypeClusterList     uint8 = 10
	AttrTypeMPReachNLRI     uint8 = 14
	AttrTypeMPUnreachNLRI   uint8 = 15
	AttrTypeExtCommunity    uint8 = 16
	AttrTypeAS4Path         uint8 = 17
	AttrTypeAS4Aggregator   uint8 = 18
	AttrTypeLargeCommunity  uint8 = 32
)

// AFI codes.
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// SAFI codes.
const (
	SAFIUnicast   uint8 = 1
	SAFIMulticast uint8 = 2
)

// Family is an AFI/SAFI pair.
type Family struct {
	AFI  uint16
	SAFI uint8
}

var (
	IPv4Unicast   = Family{AFIIPv4, SAFIUnicast}
	IPv6Unicast   = Family{AFIIPv6, SAFIUnicast}
	IPv4Multicast = Family{AFIIPv4, SAFIMulticast}
	IPv6Multicast = Family{AFIIPv6, SAFIMulticast}
)

func (f Family) String() string {
	var afi, safi string
	switch f.AFI {
	case AFIIPv4:
		afi = "ipv4"
	case AFIIPv6:
		afi = "ipv6"
	default:
		afi = fmt.Sprintf("afi%d", f.AFI)
	}
	switch f.SAFI {
	case SAFIUnicast:
		safi = "unicast"
	case SAFIMulticast:
		safi = "multicast"
	default:
		safi = fmt.Sprintf("safi%d", f.SAFI)
	}
	return afi + "-" + safi
}

// ParseFamily parses the "ipv4-unicast" form produced by Family.String.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "ipv4-unicast":
		return IPv4Unicast, nil
	case "ipv6-unicast":
		return IPv6Unicast, nil
	case "ipv4-multicast":
		return IPv4Multicast, nil
	case "ipv6-multicast":
		return IPv6Multicast, nil
	}
	return Family{}, fmt.Errorf("bgp: unsupported family %q", s)
}

// prefixFamily reports whether NLRI of the family are plain IP prefixes.
func (f Family) prefixFamily() bool {
	return (f.AFI == AFIIPv4 || f.AFI == AFIIPv6) && (f.SAFI == SAFIUnicast || f.SAFI == SAFIMulticast)
}

func (f Family) addrBits() int {
	if f.AFI == AFIIPv6 {
		return 128
	}
	return 32
}

// AS_PATH segment types.
const (
	ASPathSegmentSet            uint8 = 1
	ASPathSegmentSequence       uint8 = 2
	ASPathSegmentConfedSequence uint8 = 3
	ASPathSegmentConfedSet      uint8 = 4
)

// Origin values.
var OriginValues = map[uint8]string{
	0: "IGP",
	1: "EGP",
	2: "INCOMPLETE",
}
