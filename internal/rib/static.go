package rib

import (
	"fmt"
	"net/netip"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

// attrBudget is the space reserved for path attributes when packing NLRI
// into one UPDATE.
const attrBudget = 1024

// Static announces a fixed set of prefixes to every peer.
type Static struct {
	LocalASN uint32
	Prefixes []netip.Prefix
	// NextHop overrides the next hop; when invalid the peer's local
	// address is used via NextHopFor.
	NextHop     netip.Addr
	NextHopFor  func(peer Peer, f bgp.Family) netip.Addr
	MED         *uint32
	LocalPref   uint32 // sent to internal peers only; 0 means 100
	Communities []uint32
	Large       []bgp.LargeCommunity
}

// NewStatic parses the configured prefixes and communities.
func NewStatic(localASN uint32, prefixes, communities []string, nextHop string) (*Static, error) {
	s := &Static{LocalASN: localASN}
	for _, p := range prefixes {
		n, err := bgp.ParseNLRI(p)
		if err != nil {
			return nil, fmt.Errorf("rib: announce: %w", err)
		}
		s.Prefixes = append(s.Prefixes, n.Prefix)
	}
	for _, c := range communities {
		v, err := bgp.ParseCommunity(c)
		if err != nil {
			return nil, fmt.Errorf("rib: community: %w", err)
		}
		s.Communities = append(s.Communities, v)
	}
	if nextHop != "" {
		a, err := netip.ParseAddr(nextHop)
		if err != nil {
			return nil, fmt.Errorf("rib: next hop: %w", err)
		}
		s.NextHop = a
	}
	return s, nil
}

// Routes implements Source.
func (s *Static) Routes(peer Peer, f bgp.Family, p bgp.Params) ([]*bgp.Update, error) {
	var prefixes []bgp.NLRI
	for _, pfx := range s.Prefixes {
		n := bgp.NLRI{Prefix: pfx}
		if n.Family() == f {
			prefixes = append(prefixes, n)
		}
	}
	if len(prefixes) == 0 {
		return nil, nil
	}

	nh := s.NextHop
	if !nh.IsValid() && s.NextHopFor != nil {
		nh = s.NextHopFor(peer, f)
	}
	if !nh.IsValid() {
		return nil, fmt.Errorf("rib: no next hop for %s towards %s", f, peer.Name)
	}
	if f.AFI == bgp.AFIIPv4 && !nh.Is4() || f.AFI == bgp.AFIIPv6 && !nh.Is6() {
		return nil, fmt.Errorf("rib: next hop %s does not match family %s", nh, f)
	}

	path, extra := s.attributes(peer)
	var out []*bgp.Update
	for _, chunk := range pack(prefixes, p.MaxLen()-bgp.HeaderLen-attrBudget, p.AddPath[f]) {
		out = append(out, bgp.AnnounceUpdate(f, chunk, nh, path, extra...))
	}
	return out, nil
}

func (s *Static) attributes(peer Peer) ([]bgp.ASPathSegment, []bgp.PathAttribute) {
	var path []bgp.ASPathSegment
	var extra []bgp.PathAttribute
	internal := peer.ASN == s.LocalASN
	if !internal {
		path = []bgp.ASPathSegment{{Type: bgp.ASPathSegmentSequence, ASNs: []uint32{s.LocalASN}}}
	}
	if s.MED != nil {
		extra = append(extra, bgp.PathAttribute{Flags: bgp.FlagsOptionalNonTransitive, Type: bgp.AttrTypeMED, Value: bgp.MED(*s.MED)})
	}
	if internal {
		lp := s.LocalPref
		if lp == 0 {
			lp = 100
		}
		extra = append(extra, bgp.PathAttribute{Flags: bgp.FlagsWellKnown, Type: bgp.AttrTypeLocalPref, Value: bgp.LocalPref(lp)})
	}
	if len(s.Communities) > 0 {
		extra = append(extra, bgp.PathAttribute{Flags: bgp.FlagsOptionalTransitive, Type: bgp.AttrTypeCommunity, Value: bgp.Communities(s.Communities)})
	}
	if len(s.Large) > 0 {
		extra = append(extra, bgp.PathAttribute{Flags: bgp.FlagsOptionalTransitive, Type: bgp.AttrTypeLargeCommunity, Value: bgp.LargeCommunities(s.Large)})
	}
	return path, extra
}

// pack splits prefixes into groups whose wire encoding stays within budget
// bytes.
func pack(prefixes []bgp.NLRI, budget int, addPath bool) [][]bgp.NLRI {
	var out [][]bgp.NLRI
	var cur []bgp.NLRI
	used := 0
	for _, n := range prefixes {
		l := 1 + (n.Prefix.Bits()+7)/8
		if addPath {
			l += 4
		}
		if used+l > budget && len(cur) > 0 {
			out = append(out, cur)
			cur, used = nil, 0
		}
		cur = append(cur, n)
		used += l
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
