package bgp

import "sort"

// Negotiated holds the session facts agreed in the OPEN exchange. A
// capability is active only when both sides advertised it.
type Negotiated struct {
	PeerASN              uint32
	PeerRouterID         string
	HoldTime             uint16
	AS4                  bool
	ExtendedMessage      bool
	RouteRefresh         bool
	EnhancedRouteRefresh bool
	GracefulRestart      bool
	Families             []Family
	AddPathReceive       map[Family]bool
	AddPathSend          map[Family]bool
}

// NegotiateHoldTime picks the effective hold time. Zero disables the hold
// timer and wins only when both sides offer it; otherwise the smaller
// non-zero offer is used.
func NegotiateHoldTime(local, peer uint16) uint16 {
	switch {
	case local == 0:
		return peer
	case peer == 0:
		return local
	case peer < local:
		return peer
	}
	return local
}

// HoldTimeMismatch reports whether exactly one side offered a zero hold
// time. A peer following RFC 4271 §4.2 then disables its hold timer and
// stops sending KEEPALIVEs, while this side times out after the other
// offer.
func HoldTimeMismatch(local, peer uint16) bool {
	return (local == 0) != (peer == 0)
}

// Negotiate intersects the capabilities of the local and peer OPEN messages.
func Negotiate(local, peer *Open) Negotiated {
	n := Negotiated{
		PeerASN:      peer.ASN(),
		PeerRouterID: peer.RouterID.String(),
		HoldTime:     NegotiateHoldTime(local.HoldTime, peer.HoldTime),
	}

	_, l := local.Capability(CapFourOctetAS)
	_, p := peer.Capability(CapFourOctetAS)
	n.AS4 = l && p

	n.ExtendedMessage = both(local, peer, CapExtendedMessage)
	n.RouteRefresh = both(local, peer, CapRouteRefresh)
	n.EnhancedRouteRefresh = both(local, peer, CapEnhancedRouteRefresh)
	n.GracefulRestart = both(local, peer, CapGracefulRestart)

	lf, pf := families(local), families(peer)
	for f := range lf {
		if pf[f] {
			n.Families = append(n.Families, f)
		}
	}
	sort.Slice(n.Families, func(i, j int) bool {
		if n.Families[i].AFI != n.Families[j].AFI {
			return n.Families[i].AFI < n.Families[j].AFI
		}
		return n.Families[i].SAFI < n.Families[j].SAFI
	})

	la, pa := addPathModes(local), addPathModes(peer)
	n.AddPathReceive = make(map[Family]bool)
	n.AddPathSend = make(map[Family]bool)
	for _, f := range n.Families {
		if la[f].CanReceive() && pa[f].CanSend() {
			n.AddPathReceive[f] = true
		}
		if la[f].CanSend() && pa[f].CanReceive() {
			n.AddPathSend[f] = true
		}
	}
	return n
}

// HasFamily reports whether f was negotiated.
func (n Negotiated) HasFamily(f Family) bool {
	for _, x := range n.Families {
		if x == f {
			return true
		}
	}
	return false
}

// ReceiveParams returns the decoding parameters for messages from the peer.
func (n Negotiated) ReceiveParams() Params {
	return Params{AS4: n.AS4, ExtendedMessage: n.ExtendedMessage, AddPath: n.AddPathReceive}
}

// SendParams returns the encoding parameters for messages to the peer.
func (n Negotiated) SendParams() Params {
	return Params{AS4: n.AS4, ExtendedMessage: n.ExtendedMessage, AddPath: n.AddPathSend}
}

func both(local, peer *Open, code uint8) bool {
	_, l := local.Capability(code)
	_, p := peer.Capability(code)
	return l && p
}

// families returns the advertised multiprotocol families. A speaker that
// advertises none supports IPv4 unicast only (RFC 4760 §8).
func families(o *Open) map[Family]bool {
	fs := make(map[Family]bool)
	for _, c := range o.Capabilities() {
		if mp, ok := c.Value.(MultiprotocolCap); ok {
			fs[mp.Family] = true
		}
	}
	if len(fs) == 0 {
		fs[IPv4Unicast] = true
	}
	return fs
}

func addPathModes(o *Open) map[Family]AddPathMode {
	modes := make(map[Family]AddPathMode)
	for _, c := range o.Capabilities() {
		if ap, ok := c.Value.(*AddPathCap); ok {
			for _, f := range ap.Families {
				modes[f.Family] |= f.Mode
			}
		}
	}
	return modes
}
