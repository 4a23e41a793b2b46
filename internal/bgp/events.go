package bgp

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// RouteEvent is one prefix of an UPDATE flattened with its attributes, the
// unit handed to route sinks.
type RouteEvent struct {
	Family    string // e.g. "ipv4-unicast"
	Prefix    string // CIDR notation
	PathID    uint32 // 0 if no ADD-PATH
	Action    string // "A" or "D"
	Nexthop   string
	ASPath    string
	OriginASN *uint32
	Origin    string
	LocalPref *uint32
	MED       *uint32
	CommStd   []string
	CommExt   []string
	CommLarge []string
	Attrs     map[string]string // opaque attributes as hex strings
}

// routeAttrs is the per-UPDATE attribute text shared by every announcement.
type routeAttrs struct {
	nexthop   string
	asPath    string
	originASN *uint32
	origin    string
	localPref *uint32
	med       *uint32
	commStd   []string
	commExt   []string
	commLarge []string
	attrs     map[string]string
}

// RouteEvents flattens u into one event per announced or withdrawn prefix.
// as4 selects how AS_PATH and AS4_PATH are combined.
func (u *Update) RouteEvents(as4 bool) []*RouteEvent {
	ra := u.routeAttrs(as4)
	var events []*RouteEvent

	for _, n := range u.Withdrawn {
		events = append(events, withdrawal(IPv4Unicast, n))
	}
	if m := u.MPUnreach(); m != nil {
		for _, n := range m.Withdrawn {
			events = append(events, withdrawal(m.Family, n))
		}
	}

	for _, n := range u.NLRI {
		events = append(events, ra.announcement(IPv4Unicast, n, ra.nexthop))
	}
	if m := u.MPReach(); m != nil {
		nh := ""
		if hops := m.NextHops(); len(hops) > 0 {
			nh = hops[0].String()
		}
		for _, n := range m.NLRI {
			events = append(events, ra.announcement(m.Family, n, nh))
		}
	}
	return events
}

func withdrawal(f Family, n NLRI) *RouteEvent {
	return &RouteEvent{
		Family: f.String(),
		Prefix: n.Prefix.Masked().String(),
		PathID: n.PathID,
		Action: "D",
	}
}

func (ra *routeAttrs) announcement(f Family, n NLRI, nexthop string) *RouteEvent {
	return &RouteEvent{
		Family:    f.String(),
		Prefix:    n.Prefix.Masked().String(),
		PathID:    n.PathID,
		Action:    "A",
		Nexthop:   nexthop,
		ASPath:    ra.asPath,
		OriginASN: ra.originASN,
		Origin:    ra.origin,
		LocalPref: ra.localPref,
		MED:       ra.med,
		CommStd:   ra.commStd,
		CommExt:   ra.commExt,
		CommLarge: ra.commLarge,
		Attrs:     ra.attrs,
	}
}

func (u *Update) routeAttrs(as4 bool) *routeAttrs {
	ra := &routeAttrs{}
	segs := u.EffectiveASPath(as4)
	ra.asPath = segmentsString(segs)
	ra.originASN = OriginASN(segs)

	for _, a := range u.Attributes {
		switch v := a.Value.(type) {
		case Origin:
			ra.origin = v.String()
		case NextHop:
			ra.nexthop = v.String()
		case MED:
			x := uint32(v)
			ra.med = &x
		case LocalPref:
			x := uint32(v)
			ra.localPref = &x
		case Communities:
			ra.commStd = v.Strings()
		case ExtendedCommunities:
			ra.commExt = v.Strings()
		case LargeCommunities:
			ra.commLarge = v.Strings()
		case Opaque:
			if ra.attrs == nil {
				ra.attrs = make(map[string]string)
			}
			ra.attrs[strconv.Itoa(int(a.Type))] = v.String()
		}
	}
	return ra
}

// OriginASN returns the last ASN of the path, or nil when the path is empty
// or ends in an AS_SET (the origin is ambiguous).
func OriginASN(segs []ASPathSegment) *uint32 {
	for i := len(segs) - 1; i >= 0; i-- {
		s := segs[i]
		switch s.Type {
		case ASPathSegmentSequence:
			if len(s.ASNs) == 0 {
				continue
			}
			asn := s.ASNs[len(s.ASNs)-1]
			return &asn
		case ASPathSegmentSet:
			return nil
		}
	}
	return nil
}

// FormatASPath renders segments the way RouteEvent.ASPath does.
func FormatASPath(segs []ASPathSegment) string {
	return segmentsString(segs)
}

// ParseASPath parses a space separated AS_SEQUENCE such as "65001 65002".
func ParseASPath(s string) ([]ASPathSegment, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}
	seg := ASPathSegment{Type: ASPathSegmentSequence}
	for _, f := range fields {
		asn, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bgp: AS path %q: %w", s, err)
		}
		seg.ASNs = append(seg.ASNs, uint32(asn))
	}
	return []ASPathSegment{seg}, nil
}

// AnnounceUpdate builds an UPDATE announcing prefixes of one family with the
// usual mandatory attributes. IPv4 unicast prefixes use the NLRI field and
// NEXT_HOP; everything else uses MP_REACH_NLRI.
func AnnounceUpdate(f Family, prefixes []NLRI, nexthop netip.Addr, path []ASPathSegment, extra ...PathAttribute) *Update {
	u := &Update{Attributes: []PathAttribute{
		{Flags: FlagsWellKnown, Type: AttrTypeOrigin, Value: Origin(0)},
		{Flags: FlagsWellKnown, Type: AttrTypeASPath, Value: &ASPath{Segments: path}},
	}}
	if f == IPv4Unicast {
		u.Attributes = append(u.Attributes, PathAttribute{Flags: FlagsWellKnown, Type: AttrTypeNextHop, Value: NextHop(nexthop)})
		u.NLRI = prefixes
	} else {
		u.Attributes = append(u.Attributes, PathAttribute{
			Flags: FlagsOptionalNonTransitive,
			Type:  AttrTypeMPReachNLRI,
			Value: &MPReach{Family: f, NextHop: nexthop.AsSlice(), NLRI: prefixes},
		})
	}
	u.Attributes = append(u.Attributes, extra...)
	return u
}
